package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lechuhuuha/table_forge/cmd/bootstrap"
	"github.com/lechuhuuha/table_forge/config"
	loggerpkg "github.com/lechuhuuha/table_forge/logger"
	"github.com/lechuhuuha/table_forge/util"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "table-forge",
		Short:         "Kafka to table sink worker with exactly-once commits",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().String("config", util.GetEnv(util.ConfigPath, util.DefaultConfigPath), "Path to the YAML config file")
	rootCmd.PersistentFlags().String("log-level", os.Getenv(util.LogLevel), "Log level: debug|info|warn|error (default from config)")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run a sink worker until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			application, logg, cleanup, err := buildApp(cmd)
			if err != nil {
				return err
			}
			defer cleanup()
			bootstrap.InitObservability(logg)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if err := application.Run(ctx); err != nil {
				logg.Error("application exited", loggerpkg.Err(err))
				return err
			}
			return nil
		},
	}

	checkpointCmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Print the control topic offsets committed by the commit group",
		RunE: func(cmd *cobra.Command, args []string) error {
			application, _, cleanup, err := buildApp(cmd)
			if err != nil {
				return err
			}
			defer cleanup()
			cp, err := application.Checkpoint(cmd.Context())
			if err != nil {
				return err
			}
			out := make(map[string]int64, len(cp))
			for tp, off := range cp {
				out[tp.String()] = off
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}

	requestCommitCmd := &cobra.Command{
		Use:   "request-commit [table...]",
		Short: "Ask workers to commit now (all tables when none given)",
		RunE: func(cmd *cobra.Command, args []string) error {
			application, _, cleanup, err := buildApp(cmd)
			if err != nil {
				return err
			}
			defer cleanup()
			commitID, err := application.RequestCommit(cmd.Context(), args...)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), commitID)
			return nil
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s (commit %s, built %s)\n", Version, Commit, BuildDate)
		},
	}

	rootCmd.AddCommand(runCmd, checkpointCmd, requestCommitCmd, versionCmd)
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// buildApp loads the config first so the log level can come from it when the
// flag is unset.
func buildApp(cmd *cobra.Command) (*bootstrap.App, loggerpkg.Logger, func(), error) {
	configPath, _ := cmd.Flags().GetString("config")
	logLevel, _ := cmd.Flags().GetString("log-level")
	if strings.TrimSpace(configPath) == "" {
		return nil, nil, nil, fmt.Errorf("config file path is required")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config file: %w", err)
	}
	if strings.TrimSpace(logLevel) == "" {
		logLevel = cfg.Log.Level
	}
	logg, cleanup, err := bootstrap.InitLogger(logLevel)
	if err != nil {
		return nil, nil, nil, err
	}
	application, err := bootstrap.NewAppFromConfig(cfg, logg, bootstrap.BuildInfo{
		Version:   Version,
		Commit:    Commit,
		BuildDate: BuildDate,
	})
	if err != nil {
		cleanup()
		return nil, nil, nil, fmt.Errorf("build app: %w", err)
	}
	return application, logg, cleanup, nil
}

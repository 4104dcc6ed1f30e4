package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/multierr"

	"github.com/lechuhuuha/table_forge/config"
	"github.com/lechuhuuha/table_forge/internal/channel"
	httpapi "github.com/lechuhuuha/table_forge/internal/http"
	"github.com/lechuhuuha/table_forge/internal/message"
	"github.com/lechuhuuha/table_forge/internal/profileutil"
	"github.com/lechuhuuha/table_forge/internal/storage"
	"github.com/lechuhuuha/table_forge/internal/table"
	loggerpkg "github.com/lechuhuuha/table_forge/logger"
	"github.com/lechuhuuha/table_forge/model"
	"github.com/lechuhuuha/table_forge/repo"
	"github.com/lechuhuuha/table_forge/service"
	"github.com/lechuhuuha/table_forge/util"
)

const shutdownTimeout = 10 * time.Second

// BuildInfo identifies the running binary.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildDate string
}

func (b BuildInfo) withDefaults() BuildInfo {
	if strings.TrimSpace(b.Version) == "" {
		b.Version = "dev"
	}
	if strings.TrimSpace(b.Commit) == "" {
		b.Commit = "none"
	}
	if strings.TrimSpace(b.BuildDate) == "" {
		b.BuildDate = "unknown"
	}
	return b
}

// App wires the coordination channel, the table writer, the source consumer
// and the HTTP server of one worker process.
type App struct {
	cfg         *config.Config
	buildInfo   BuildInfo
	logger      loggerpkg.Logger
	channelOpts []channel.Option
}

// NewApp loads the YAML configuration at configPath.
func NewApp(configPath string, logger loggerpkg.Logger) (*App, error) {
	return NewAppWithBuildInfo(configPath, logger, BuildInfo{})
}

// NewAppWithBuildInfo is NewApp with explicit build metadata.
func NewAppWithBuildInfo(configPath string, logger loggerpkg.Logger, build BuildInfo) (*App, error) {
	if logger == nil {
		logger = loggerpkg.NewNop()
	}
	if strings.TrimSpace(configPath) == "" {
		return nil, errors.New("config file path is required")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config file: %w", err)
	}
	return NewAppFromConfig(cfg, logger, build)
}

// NewAppFromConfig builds an App from an already loaded configuration.
func NewAppFromConfig(cfg *config.Config, logger loggerpkg.Logger, build BuildInfo) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if logger == nil {
		logger = loggerpkg.NewNop()
	}
	return &App{cfg: cfg, buildInfo: build.withDefaults(), logger: logger}, nil
}

// Config returns the loaded configuration.
func (a *App) Config() *config.Config { return a.cfg }

type runtimeSettings struct {
	table          table.Identifier
	schema         table.Schema
	commitInterval time.Duration
	pollInterval   time.Duration
	writer         table.WriterOptions
}

func (a *App) runtimeSettings() (runtimeSettings, error) {
	var rs runtimeSettings
	props := a.cfg.Properties
	if err := props.Require(config.PropTable); err != nil {
		return rs, err
	}
	id, err := table.ParseIdentifier(props.Get(config.PropTable))
	if err != nil {
		return rs, err
	}
	rs.table = id
	if rs.schema, err = buildSchema(a.cfg.Table.Schema); err != nil {
		return rs, err
	}
	if rs.commitInterval, err = a.cfg.CommitInterval(); err != nil {
		return rs, err
	}
	if rs.pollInterval, err = a.cfg.PollInterval(); err != nil {
		return rs, err
	}
	if rs.writer.TargetFileRecords, err = a.cfg.TargetFileRecords(); err != nil {
		return rs, err
	}
	if rs.writer.Codec, err = table.ParseCodec(props.Get(config.PropFileCodec)); err != nil {
		return rs, err
	}
	return rs, nil
}

// buildSchema converts the configured columns. No columns yields an empty
// schema, which is only usable when the table already exists.
func buildSchema(specs []config.FieldSpec) (table.Schema, error) {
	if len(specs) == 0 {
		return table.Schema{}, nil
	}
	fields := make([]table.Field, 0, len(specs))
	for _, spec := range specs {
		fields = append(fields, table.Field{
			Name:     spec.Name,
			Type:     table.FieldType(spec.Type),
			Required: spec.Required,
		})
	}
	schema, err := table.NewSchema(fields...)
	if err != nil {
		return table.Schema{}, fmt.Errorf("table.schema: %w", err)
	}
	return schema, nil
}

type objectStore interface {
	repo.ObjectStore
	repo.ReadinessChecker
}

func buildObjectStore(cfg config.StorageConfig) (objectStore, error) {
	switch cfg.Backend {
	case config.StorageBackendFile:
		return repo.NewFileRepo(cfg.Dir), nil
	case config.StorageBackendMinIO:
		store, err := repo.NewMinIORepo(repo.MinIORepoOptions{
			Endpoint:  cfg.MinIO.Endpoint,
			Bucket:    cfg.MinIO.Bucket,
			AccessKey: cfg.MinIO.AccessKey,
			SecretKey: cfg.MinIO.SecretKey,
			UseSSL:    cfg.MinIO.UseSSL,
			Prefix:    cfg.MinIO.Prefix,
		})
		if err != nil {
			return nil, fmt.Errorf("configure minio: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("invalid storage backend %q", cfg.Backend)
	}
}

// components are the long-lived parts of a running worker.
type components struct {
	settings runtimeSettings
	objects  objectStore
	store    *storage.Store
	catalog  *table.Catalog
	writer   *service.TableWriter
	worker   *service.Worker
	channel  *channel.Channel
	source   *service.SourceConsumer
}

func (a *App) buildComponents(ctx context.Context) (c *components, err error) {
	c = &components{}
	defer func() {
		if err != nil {
			err = multierr.Append(err, c.close())
			c = nil
		}
	}()

	if c.settings, err = a.runtimeSettings(); err != nil {
		return c, err
	}
	if c.objects, err = buildObjectStore(a.cfg.Storage); err != nil {
		return c, err
	}
	if err = c.objects.CheckReady(ctx); err != nil {
		return c, fmt.Errorf("object store not ready: %w", err)
	}
	if c.store, err = storage.Open(storage.Options{Dir: a.cfg.Catalog.Dir, Sync: *a.cfg.Catalog.Sync}); err != nil {
		return c, err
	}
	c.catalog = table.NewCatalog(c.store, c.objects, a.logger)
	tbl, err := c.catalog.LoadOrCreateTable(ctx, c.settings.table, c.settings.schema, a.cfg.Table.Location)
	if err != nil {
		return c, err
	}

	c.writer, err = service.NewTableWriter(c.catalog, service.NewJSONConverter(tbl.Schema()), service.TableWriterConfig{
		Table:          c.settings.table,
		CommitInterval: c.settings.commitInterval,
		Writer:         c.settings.writer,
	}, a.logger)
	if err != nil {
		return c, err
	}
	c.worker = service.NewWorker(c.writer, a.logger)
	if c.channel, err = channel.New(a.cfg.Properties, c.worker, a.logger, a.channelOpts...); err != nil {
		return c, err
	}

	if len(a.cfg.Source.Topics) > 0 {
		c.source, err = service.NewSourceConsumer(service.SourceConfig{
			Brokers:  a.cfg.Properties.WithPrefix(config.PropKafkaPrefix).List("bootstrap.servers"),
			Topics:   a.cfg.Source.Topics,
			GroupID:  a.cfg.Source.GroupID,
			MinBytes: a.cfg.Source.MinBytes,
			MaxBytes: a.cfg.Source.MaxBytes,
			Buffer:   a.cfg.Source.BatchSize * 2,
		}, a.logger)
		if err != nil {
			return c, err
		}
	}
	var committer service.OffsetCommitter
	if c.source != nil {
		committer = c.source
	}
	c.worker.Attach(c.channel, committer)
	return c, nil
}

// close discards the open write session and releases every handle.
func (c *components) close() error {
	var errs error
	if c.writer != nil {
		errs = multierr.Append(errs, c.writer.Close(context.Background()))
	}
	if c.source != nil {
		errs = multierr.Append(errs, c.source.Close())
	}
	if c.channel != nil {
		errs = multierr.Append(errs, c.channel.Stop())
	}
	if c.store != nil {
		errs = multierr.Append(errs, c.store.Close())
	}
	return errs
}

// Run starts the worker and blocks until ctx is canceled or the driver fails.
func (a *App) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if util.CaptureProfiles() {
		name := util.GetEnv(util.ProfileName, "table-forge")
		dir := util.GetEnv(util.ProfileDir, util.DefaultProfileDir)
		a.logger.Info("profiling enabled", loggerpkg.F("dir", dir), loggerpkg.F("profile", name))
		return profileutil.WithProfiling(dir, name, a.logger, func() error { return a.run(ctx) })
	}
	return a.run(ctx)
}

func (a *App) run(ctx context.Context) (err error) {
	c, err := a.buildComponents(ctx)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, c.close())
	}()

	if err := c.channel.Start(ctx); err != nil {
		return err
	}
	if err := c.channel.ResumeFromLastCheckpoint(ctx); err != nil {
		return err
	}
	a.logger.Info("coordination channel ready",
		loggerpkg.F("topic", c.channel.Topic()),
		loggerpkg.F("reader_group", c.channel.ReaderGroupID()),
		loggerpkg.F("commit_group", c.channel.CommitGroupID()),
		loggerpkg.F("table", c.settings.table.String()),
	)
	var records <-chan model.SinkRecord
	if c.source != nil {
		if err := c.source.Start(ctx); err != nil {
			return err
		}
		records = c.source.Records()
	}

	mux := http.NewServeMux()
	handler := httpapi.NewHandler(c.worker, a.logger).
		WithCheck("objects", c.objects.CheckReady)
	if c.source != nil {
		source := c.source
		handler.WithCheck("source", func(context.Context) error {
			if !source.Healthy() {
				return errors.New("source fetch failing")
			}
			return nil
		})
	}
	handler.RegisterRoutes(mux)
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{
		Addr:              a.cfg.Server.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.logger.Info("server listening",
			loggerpkg.F("addr", a.cfg.Server.Addr),
			loggerpkg.F("version", a.buildInfo.Version),
			loggerpkg.F("commit", a.buildInfo.Commit),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("server error", loggerpkg.Err(err))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if serr := server.Shutdown(shutdownCtx); serr != nil {
			a.logger.Warn("graceful shutdown failed", loggerpkg.Err(serr))
		}
	}()

	d := &driver{
		channel:      c.channel,
		writer:       c.writer,
		records:      records,
		afterDrain:   c.worker.RecordCheckpoint,
		settle:       c.worker.Settle,
		batchSize:    a.cfg.Source.BatchSize,
		pollInterval: c.settings.pollInterval,
		logger:       a.logger,
	}
	return d.run(ctx)
}

// withChannel runs fn against a started channel that ignores every message.
func (a *App) withChannel(ctx context.Context, fn func(*channel.Channel) error) (err error) {
	ignore := channel.ReceiverFunc(func(context.Context, message.Message) error { return nil })
	ch, err := channel.New(a.cfg.Properties, ignore, a.logger, a.channelOpts...)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, ch.Stop())
	}()
	if err := ch.Start(ctx); err != nil {
		return err
	}
	return fn(ch)
}

// Checkpoint returns the offsets durably committed by the commit group.
func (a *App) Checkpoint(ctx context.Context) (channel.OffsetCheckpoint, error) {
	var out channel.OffsetCheckpoint
	err := a.withChannel(ctx, func(ch *channel.Channel) error {
		var err error
		out, err = ch.LastCheckpoint(ctx)
		return err
	})
	return out, err
}

// RequestCommit asks every worker writing one of tables (all when empty) to
// commit now. It returns the commit id carried by the request.
func (a *App) RequestCommit(ctx context.Context, tables ...string) (string, error) {
	commitID := uuid.NewString()
	req, err := message.NewCommitRequest(commitID, tables...)
	if err != nil {
		return "", err
	}
	err = a.withChannel(ctx, func(ch *channel.Channel) error {
		return ch.Send(ctx, req)
	})
	if err != nil {
		return "", err
	}
	return commitID, nil
}

package profileutil

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime/pprof"
	"time"

	loggerpkg "github.com/lechuhuuha/table_forge/logger"
)

// WithProfiling runs the action while capturing a CPU profile under dir, then
// dumps heap and goroutine profiles next to it.
func WithProfiling(dir, profileName string, logger loggerpkg.Logger, action func() error) error {
	if logger == nil {
		logger = loggerpkg.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create profiling dir: %w", err)
	}

	cpuPath := filepath.Join(dir, fmt.Sprintf("cpu_%s.prof", profileName))
	stopCPU, err := startCPUProfile(cpuPath)
	if err != nil {
		logger.Warn("cpu profiling disabled", loggerpkg.Err(err))
		stopCPU = func() {}
	}

	start := time.Now()
	err = action()
	stopCPU()
	logger.Info("profiled run finished",
		loggerpkg.F("profile", profileName),
		loggerpkg.F("duration", time.Since(start).String()),
	)

	dumpProfile(filepath.Join(dir, fmt.Sprintf("heap_%s.prof", profileName)), "heap", logger)
	dumpProfile(filepath.Join(dir, fmt.Sprintf("goroutine_%s.prof", profileName)), "goroutine", logger)
	return err
}

func startCPUProfile(path string) (func(), error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	if err := pprof.StartCPUProfile(f); err != nil {
		f.Close()
		return nil, err
	}
	return func() {
		pprof.StopCPUProfile()
		f.Close()
	}, nil
}

func dumpProfile(path, name string, logger loggerpkg.Logger) {
	p := pprof.Lookup(name)
	if p == nil {
		logger.Warn("profile lookup returned nil", loggerpkg.F("profile", name))
		return
	}
	f, err := os.Create(path)
	if err != nil {
		logger.Warn("cannot create profile file", loggerpkg.F("path", path), loggerpkg.Err(err))
		return
	}
	defer f.Close()
	if err := p.WriteTo(f, 0); err != nil {
		logger.Warn("failed to write profile", loggerpkg.F("path", path), loggerpkg.Err(err))
	}
}

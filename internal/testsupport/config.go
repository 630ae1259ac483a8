package testsupport

import (
	"os"
	"path/filepath"
	"testing"

	"aufhsm/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// Workers run inline and syslog is off so tests stay in-process.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.ListDir = filepath.Join(base, "lists")
	cfgVal.Paths.ShmDir = filepath.Join(base, "shm")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Paths.JournalPath = filepath.Join(base, "state", "journal.db")
	cfgVal.Daemon.IsolateWorkers = false
	cfgVal.Daemon.ExitWaitSeconds = 1
	cfgVal.Logging.Syslog = false

	for _, dir := range []string{cfgVal.Paths.ListDir, cfgVal.Paths.ShmDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatalf("mkdir %s: %v", dir, err)
		}
	}

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}

	for _, opt := range opts {
		opt(builder)
	}

	return builder.cfg
}

// WithWatermark overrides the default block corridor, in percent in use.
func WithWatermark(upper, lower float64) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Watermark.BlockUpper = upper
		b.cfg.Watermark.BlockLower = lower
	}
}

// WithListCommand writes a shell script as the list command. The script runs
// with the branch root as its working directory.
func WithListCommand(script string) ConfigOption {
	return func(b *configBuilder) {
		binDir := filepath.Join(b.baseDir, "bin")
		if err := os.MkdirAll(binDir, 0o755); err != nil {
			b.t.Fatalf("mkdir bin dir: %v", err)
		}
		target := filepath.Join(binDir, "aufhsm-list")
		if err := os.WriteFile(target, []byte("#!/bin/sh\n"+script+"\n"), 0o755); err != nil {
			b.t.Fatalf("write list command: %v", err)
		}
		b.cfg.Daemon.ListCommand = target
	}
}

// WithIsolatedWorkers toggles process isolation for branch passes.
func WithIsolatedWorkers(on bool) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Daemon.IsolateWorkers = on
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.ListDir)
}

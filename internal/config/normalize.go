package config

import (
	"fmt"
	"os"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	if err := c.normalizeDaemon(); err != nil {
		return err
	}
	c.normalizeLogging()
	c.Metrics.Listen = strings.TrimSpace(c.Metrics.Listen)
	return nil
}

func (c *Config) normalizePaths() error {
	if value, ok := os.LookupEnv(ListDirEnv); ok && strings.TrimSpace(value) != "" {
		c.Paths.ListDir = strings.TrimSpace(value)
	}
	if strings.TrimSpace(c.Paths.ListDir) == "" {
		c.Paths.ListDir = DefaultShmDir
	}
	if strings.TrimSpace(c.Paths.ShmDir) == "" {
		c.Paths.ShmDir = DefaultShmDir
	}
	var err error
	if c.Paths.ListDir, err = expandPath(strings.TrimSpace(c.Paths.ListDir)); err != nil {
		return fmt.Errorf("paths.list_dir: %w", err)
	}
	if c.Paths.ShmDir, err = expandPath(strings.TrimSpace(c.Paths.ShmDir)); err != nil {
		return fmt.Errorf("paths.shm_dir: %w", err)
	}
	if c.Paths.LogDir, err = expandPath(strings.TrimSpace(c.Paths.LogDir)); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	if c.Paths.JournalPath, err = expandPath(strings.TrimSpace(c.Paths.JournalPath)); err != nil {
		return fmt.Errorf("paths.journal_path: %w", err)
	}
	return nil
}

func (c *Config) normalizeDaemon() error {
	c.Daemon.ListCommand = strings.TrimSpace(c.Daemon.ListCommand)
	c.Daemon.Binary = strings.TrimSpace(c.Daemon.Binary)
	if c.Daemon.ExitWaitSeconds == 0 {
		c.Daemon.ExitWaitSeconds = defaultExitWaitSeconds
	}
	if c.Daemon.ExitPollIntervalUS == 0 {
		c.Daemon.ExitPollIntervalUS = defaultExitPollUS
	}
	if c.Daemon.Binary != "" {
		expanded, err := expandPath(c.Daemon.Binary)
		if err != nil {
			return fmt.Errorf("daemon.daemon_binary: %w", err)
		}
		c.Daemon.Binary = expanded
	}
	return nil
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = "console"
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

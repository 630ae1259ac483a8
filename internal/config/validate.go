package config

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// ErrInvalid marks configuration problems.
var ErrInvalid = errors.New("invalid configuration")

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateWatermark(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if err := c.validateDaemon(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if err := c.validateLogging(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return nil
}

// ValidatePair checks an in-use percentage watermark pair.
func ValidatePair(upper, lower float64) error {
	if upper < 0 || upper > 100 || lower < 0 || lower > 100 {
		return fmt.Errorf("%g-%g must be within 0..100", upper, lower)
	}
	if upper < lower {
		return fmt.Errorf("%g-%g: upper must not be below lower", upper, lower)
	}
	return nil
}

func (c *Config) validateWatermark() error {
	if err := ValidatePair(c.Watermark.BlockUpper, c.Watermark.BlockLower); err != nil {
		return fmt.Errorf("watermark.block: %w", err)
	}
	if err := ValidatePair(c.Watermark.InodeUpper, c.Watermark.InodeLower); err != nil {
		return fmt.Errorf("watermark.inode: %w", err)
	}
	return nil
}

func (c *Config) validateDaemon() error {
	if c.Daemon.ExitWaitSeconds < 0 {
		return errors.New("daemon.exit_wait_seconds must be positive")
	}
	if c.Daemon.ExitPollIntervalUS < 0 {
		return errors.New("daemon.exit_poll_interval_us must be positive")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format: unsupported value %q", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level: unsupported value %q", c.Logging.Level)
	}
	return nil
}

// CheckListDir verifies the list directory is a directory the process can
// read, write and search.
func (c *Config) CheckListDir() error {
	return CheckDirectoryAccess(c.Paths.ListDir)
}

// CheckDirectoryAccess verifies path is a directory with R/W/X access.
func CheckDirectoryAccess(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s: %w", path, unix.ENOTDIR)
	}
	if err := unix.Access(path, unix.R_OK|unix.W_OK|unix.X_OK); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

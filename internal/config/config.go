package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// ListDirEnv overrides paths.list_dir.
const ListDirEnv = "AUFHSM_LIST_DIR"

// Paths contains directory configuration.
type Paths struct {
	ListDir     string `toml:"list_dir"`
	ShmDir      string `toml:"shm_dir"`
	LogDir      string `toml:"log_dir"`
	JournalPath string `toml:"journal_path"`
}

// Watermark holds the watermarks seeded into new table entries, as in-use
// percentages. An inode pair of 0-0 disables inode pressure.
type Watermark struct {
	BlockUpper float64 `toml:"block_upper"`
	BlockLower float64 `toml:"block_lower"`
	InodeUpper float64 `toml:"inode_upper"`
	InodeLower float64 `toml:"inode_lower"`
}

// Daemon controls the migration daemon.
type Daemon struct {
	// IsolateWorkers runs each branch pass in its own process.
	IsolateWorkers     bool   `toml:"isolate_workers"`
	ExitWaitSeconds    int    `toml:"exit_wait_seconds"`
	ExitPollIntervalUS int    `toml:"exit_poll_interval_us"`
	ListCommand        string `toml:"list_command"`
	Binary             string `toml:"daemon_binary"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
	Syslog bool   `toml:"syslog"`
}

// Metrics configures the Prometheus endpoint.
type Metrics struct {
	Listen string `toml:"listen"`
}

// Reload enables extra reload triggers.
type Reload struct {
	Udev        bool `toml:"udev"`
	WatchConfig bool `toml:"watch_config"`
}

// Config encapsulates all configuration values for aufhsm.
type Config struct {
	Paths     Paths     `toml:"paths"`
	Watermark Watermark `toml:"watermark"`
	Daemon    Daemon    `toml:"daemon"`
	Logging   Logging   `toml:"logging"`
	Metrics   Metrics   `toml:"metrics"`
	Reload    Reload    `toml:"reload"`

	// Source is the resolved config file path, empty when none was read.
	Source string `toml:"-"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/aufhsm/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file).DisallowUnknownFields()
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
		cfg.Source = resolvedPath
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("aufhsm.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// ExitWait is how long a controller waits for the daemon after EXIT.
func (c *Config) ExitWait() time.Duration {
	return time.Duration(c.Daemon.ExitWaitSeconds) * time.Second
}

// ExitPollInterval is the polling granularity of that wait.
func (c *Config) ExitPollInterval() time.Duration {
	return time.Duration(c.Daemon.ExitPollIntervalUS) * time.Microsecond
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && pathValue[1] == '/' {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}

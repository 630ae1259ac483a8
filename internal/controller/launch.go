package controller

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
)

// DaemonBinary is the daemon executable name looked up when no path is
// configured.
const DaemonBinary = "aufhsmd"

// LaunchOptions controls the arguments of a launched daemon.
type LaunchOptions struct {
	Mount      string
	ListDir    string
	ConfigPath string
	Verbose    bool
}

// Args returns the daemon command line, without the executable.
func (o LaunchOptions) Args() []string {
	var args []string
	if dir := strings.TrimSpace(o.ListDir); dir != "" {
		args = append(args, "--dir", dir)
	}
	if cfg := strings.TrimSpace(o.ConfigPath); cfg != "" {
		args = append(args, "--config", cfg)
	}
	if o.Verbose {
		args = append(args, "--verbose")
	}
	return append(args, o.Mount)
}

// Launcher starts a daemon for a mount.
type Launcher func(opts LaunchOptions) error

// ResolveDaemonBinary returns configured when set, else the daemon next to
// the running executable, else the daemon on PATH.
func ResolveDaemonBinary(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	if exe, err := os.Executable(); err == nil {
		sibling := filepath.Join(filepath.Dir(exe), DaemonBinary)
		if info, err := os.Stat(sibling); err == nil && !info.IsDir() {
			return sibling, nil
		}
	}
	path, err := exec.LookPath(DaemonBinary)
	if err != nil {
		return "", fmt.Errorf("locate %s: %w", DaemonBinary, err)
	}
	return path, nil
}

// DetachedLauncher starts the daemon in its own session and does not wait
// for it. The executable is resolved with ResolveDaemonBinary on launch.
func DetachedLauncher(configured string) Launcher {
	return func(opts LaunchOptions) error {
		executablePath, err := ResolveDaemonBinary(strings.TrimSpace(configured))
		if err != nil {
			return err
		}
		if strings.TrimSpace(opts.Mount) == "" {
			return errors.New("launch daemon: mount is empty")
		}
		proc := exec.Command(executablePath, opts.Args()...)
		proc.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
		if err := proc.Start(); err != nil {
			return fmt.Errorf("launch daemon: %w", err)
		}
		return proc.Process.Release()
	}
}

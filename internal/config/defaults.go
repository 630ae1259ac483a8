package config

// DefaultShmDir is where POSIX shared memory objects live on Linux. The
// candidate lists default to the same directory.
const DefaultShmDir = "/dev/shm"

const (
	defaultJournalPath     = "~/.local/state/aufhsm/journal.db"
	defaultExitWaitSeconds = 15
	defaultExitPollUS      = 100
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			ListDir:     DefaultShmDir,
			ShmDir:      DefaultShmDir,
			JournalPath: defaultJournalPath,
		},
		Watermark: Watermark{
			BlockUpper: 75,
			BlockLower: 50,
		},
		Daemon: Daemon{
			IsolateWorkers:     true,
			ExitWaitSeconds:    defaultExitWaitSeconds,
			ExitPollIntervalUS: defaultExitPollUS,
		},
		Logging: Logging{
			Format: "console",
			Level:  "info",
			Syslog: true,
		},
	}
}

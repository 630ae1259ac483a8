package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/spf13/afero"

	"aufhsm/internal/backend"
	"aufhsm/internal/candidates"
	"aufhsm/internal/config"
	"aufhsm/internal/journal"
	"aufhsm/internal/logging"
	"aufhsm/internal/scheduler"
	"aufhsm/internal/wmark"
)

// WorkerRequest is everything a worker needs to run one pass. Process
// workers receive it as JSON on stdin.
type WorkerRequest struct {
	Mount    string        `json:"mount"`
	BranchID int           `json:"brid"`
	Usage    backend.Usage `json:"usage"`
	Table    []byte        `json:"table"`
	Verbose  bool          `json:"verbose,omitempty"`
}

// DecodeWorkerRequest reads a request written by a ProcessSpawner.
func DecodeWorkerRequest(r io.Reader) (WorkerRequest, error) {
	var req WorkerRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return WorkerRequest{}, fmt.Errorf("decode worker request: %w", err)
	}
	return req, nil
}

// WorkerEnv holds the resources a pass runs against.
type WorkerEnv struct {
	Backend backend.Backend
	Lists   *candidates.Manager
	Journal *journal.Store
	Logger  *slog.Logger
}

// NewWorkerEnv builds the environment for passes from cfg. A journal that
// cannot be opened is logged and left out.
func NewWorkerEnv(cfg *config.Config, be backend.Backend, logger *slog.Logger) *WorkerEnv {
	var enum candidates.Enumerator
	if cfg.Daemon.ListCommand != "" {
		enum = candidates.Command{Path: cfg.Daemon.ListCommand}
	}
	env := &WorkerEnv{
		Backend: be,
		Lists:   candidates.NewManager(afero.NewOsFs(), cfg.Paths.ListDir, enum, logging.NewComponentLogger(logger, "candidates")),
		Logger:  logger,
	}
	if cfg.Paths.JournalPath != "" {
		store, err := journal.Open(cfg.Paths.JournalPath)
		if err != nil {
			logging.WarnWithContext(logger, "migration journal unavailable", "journal_open_failed",
				logging.Error(err),
				logging.String("path", cfg.Paths.JournalPath),
				logging.String(logging.FieldImpact, "passes will not appear in aufhsm history"),
			)
		} else {
			env.Journal = store
		}
	}
	return env
}

// Close releases the journal.
func (e *WorkerEnv) Close() error {
	if e == nil || e.Journal == nil {
		return nil
	}
	return e.Journal.Close()
}

// RunPass runs the pass described by req.
func (e *WorkerEnv) RunPass(ctx context.Context, req WorkerRequest) (scheduler.Report, error) {
	table, err := wmark.Decode(req.Table)
	if err != nil {
		return scheduler.Report{}, fmt.Errorf("worker table: %w", err)
	}
	opts := scheduler.Options{
		Backend:   e.Backend,
		Lists:     e.Lists,
		Table:     table,
		Logger:    e.Logger,
		WorkerPID: os.Getpid(),
	}
	if e.Journal != nil {
		opts.Journal = e.Journal
	}
	return scheduler.New(opts).RunPass(ctx, req.BranchID, req.Usage)
}

// Worker is a running pass.
type Worker interface {
	PID() int
	// Stop asks the worker to finish after the file in flight.
	Stop() error
	// Wait blocks until the worker exits.
	Wait() error
}

// Spawner starts workers.
type Spawner interface {
	Spawn(req WorkerRequest) (Worker, error)
}

// ProcessSpawner re-executes the daemon binary as "worker" for each pass so
// that a crashing pass cannot take the daemon with it.
type ProcessSpawner struct {
	Binary string
	// Args are appended after the worker subcommand.
	Args   []string
	Stderr io.Writer
}

// Spawn implements Spawner.
func (s ProcessSpawner) Spawn(req WorkerRequest) (Worker, error) {
	bin := s.Binary
	if bin == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve executable: %w", err)
		}
		bin = exe
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode worker request: %w", err)
	}

	cmd := exec.Command(bin, append([]string{"worker"}, s.Args...)...)
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Stderr = s.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker: %w", err)
	}
	return &processWorker{cmd: cmd}, nil
}

type processWorker struct {
	cmd *exec.Cmd
}

func (w *processWorker) PID() int { return w.cmd.Process.Pid }

func (w *processWorker) Stop() error {
	err := w.cmd.Process.Signal(syscall.SIGINT)
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

func (w *processWorker) Wait() error { return w.cmd.Wait() }

// TaskSpawner runs passes as goroutines inside the daemon.
type TaskSpawner struct {
	Env *WorkerEnv
}

// Spawn implements Spawner.
func (s TaskSpawner) Spawn(req WorkerRequest) (Worker, error) {
	if s.Env == nil {
		return nil, errors.New("task spawner has no worker environment")
	}
	ctx, cancel := context.WithCancel(context.Background())
	w := &taskWorker{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(w.done)
		_, w.err = s.Env.RunPass(ctx, req)
	}()
	return w, nil
}

type taskWorker struct {
	once   sync.Once
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

func (w *taskWorker) PID() int { return os.Getpid() }

func (w *taskWorker) Stop() error {
	w.once.Do(w.cancel)
	return nil
}

func (w *taskWorker) Wait() error {
	<-w.done
	w.once.Do(w.cancel)
	return w.err
}

// ExitCode maps a pass error to a process exit status: the errno when one
// is wrapped, otherwise 1.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var errno syscall.Errno
	if errors.As(err, &errno) && errno != 0 {
		return int(errno)
	}
	return 1
}

package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/sync/errgroup"

	"aufhsm/internal/backend"
	"aufhsm/internal/config"
	"aufhsm/internal/logging"
	"aufhsm/internal/metrics"
	"aufhsm/internal/msgchan"
	"aufhsm/internal/reload"
	"aufhsm/internal/scheduler"
	"aufhsm/internal/wmark"
)

// ErrAlreadyRunning is returned when another daemon serves the mount.
var ErrAlreadyRunning = errors.New("another aufhsmd instance is already running for this mount")

// Reload trigger labels beyond those of package reload.
const (
	triggerMessage = "message"
	triggerResize  = "resize"
)

// LockPath returns the single-instance lock of the daemon serving the store
// called name.
func LockPath(listDir, name string) string {
	return filepath.Join(listDir, name+".daemon.lock")
}

// Running reports whether a daemon currently holds the lock at path.
func Running(path string) (bool, error) {
	lock := flock.New(path)
	ok, err := lock.TryLock()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if !ok {
		return true, nil
	}
	_ = lock.Unlock()
	return false, nil
}

// Options configures a Daemon.
type Options struct {
	Config  *config.Config
	Backend backend.Backend
	Mount   string
	Logger  *slog.Logger
	Verbose bool
	// Spawner overrides the worker mode chosen from the configuration.
	Spawner Spawner
	Metrics *metrics.Collectors
	// Signals installs the SIGHUP/SIGINT/SIGQUIT/SIGTERM handler.
	Signals bool
}

// Daemon serves pressure notifications for one mount.
type Daemon struct {
	cfg     *config.Config
	backend backend.Backend
	mount   string
	logger  *slog.Logger
	verbose bool
	spawner Spawner
	metrics *metrics.Collectors
	signals bool

	name    string
	env     *WorkerEnv
	table   *wmark.Table
	workers *registry
	exiting bool
	bufSize atomic.Int64

	notes   chan []backend.BranchUsage
	msgs    chan msgchan.Message
	exits   chan workerExit
	reloads chan string
	fatal   chan error
	quit    chan struct{}
}

type workerExit struct {
	brid int
	err  error
}

// New validates opts and derives the store name from the mount identity.
func New(opts Options) (*Daemon, error) {
	if opts.Config == nil || opts.Backend == nil {
		return nil, errors.New("daemon requires config and backend")
	}
	dev, ino, err := opts.Backend.Identity()
	if err != nil {
		return nil, fmt.Errorf("mount identity: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Daemon{
		cfg:     opts.Config,
		backend: opts.Backend,
		mount:   opts.Mount,
		logger:  logging.NewComponentLogger(logger, "daemon"),
		verbose: opts.Verbose,
		spawner: opts.Spawner,
		metrics: opts.Metrics,
		signals: opts.Signals,
		name:    wmark.Name(dev, ino),
		workers: newRegistry(),
		notes:   make(chan []backend.BranchUsage),
		msgs:    make(chan msgchan.Message),
		exits:   make(chan workerExit),
		reloads: make(chan string, 1),
		fatal:   make(chan error, 2),
		quit:    make(chan struct{}),
	}, nil
}

// Name returns the store name the daemon serves.
func (d *Daemon) Name() string {
	return d.name
}

// Run serves until an EXIT message drains all workers, a termination
// signal arrives, ctx is cancelled or a fatal error occurs.
func (d *Daemon) Run(ctx context.Context) error {
	listDir := d.cfg.Paths.ListDir
	lock := flock.New(LockPath(listDir, d.name))
	ok, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire daemon lock: %w", err)
	}
	if !ok {
		return ErrAlreadyRunning
	}
	defer func() { _ = lock.Unlock() }()

	table, err := wmark.Load(d.cfg.Paths.ShmDir, d.name)
	if err != nil {
		return fmt.Errorf("load watermark table: %w", err)
	}
	d.table = table
	d.bufSize.Store(int64(max(table.Len(), 1)))

	fifo, err := msgchan.Open(msgchan.Path(listDir, d.name))
	if err != nil {
		return err
	}
	notifier, err := d.backend.Notifications()
	if err != nil {
		fifo.Close()
		return fmt.Errorf("open pressure notifications: %w", err)
	}

	d.env = NewWorkerEnv(d.cfg, d.backend, d.logger)
	defer d.env.Close()
	if d.spawner == nil {
		d.spawner = d.defaultSpawner()
	}

	var closeOnce sync.Once
	release := func() {
		closeOnce.Do(func() {
			close(d.quit)
			_ = notifier.Close()
			_ = fifo.Close()
		})
	}
	defer release()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		defer cancel()
		defer release()
		return d.reactor(gctx)
	})
	g.Go(func() error {
		d.pumpNotifications(notifier)
		return nil
	})
	g.Go(func() error {
		d.pumpMessages(fifo)
		return nil
	})
	if addr := d.cfg.Metrics.Listen; addr != "" && d.metrics != nil {
		g.Go(func() error {
			if err := d.metrics.Serve(gctx, addr); err != nil {
				d.logger.Warn("metrics endpoint stopped", logging.Error(err), logging.String("listen", addr))
			}
			return nil
		})
	}
	if d.cfg.Reload.Udev {
		g.Go(func() error {
			return reload.NewUdevMonitor(d.logger, d.requestReload).Run(gctx)
		})
	}
	if d.cfg.Reload.WatchConfig && d.cfg.Source != "" {
		g.Go(func() error {
			if err := reload.NewConfigWatcher(d.cfg.Source, d.logger, d.requestReload).Run(gctx); err != nil {
				d.logger.Warn("config watch unavailable", logging.Error(err))
			}
			return nil
		})
	}

	d.logger.Info("aufhsmd started",
		logging.String(logging.FieldEventType, "daemon_started"),
		logging.String("store", d.name),
		logging.String("list_dir", listDir),
		logging.Int("entries", table.Len()),
		logging.Bool("isolate_workers", d.cfg.Daemon.IsolateWorkers),
	)
	err = g.Wait()
	d.logger.Info("aufhsmd stopped", logging.String(logging.FieldEventType, "daemon_stopped"))
	return err
}

func (d *Daemon) defaultSpawner() Spawner {
	if !d.cfg.Daemon.IsolateWorkers {
		return TaskSpawner{Env: d.env}
	}
	args := []string{"--dir", d.cfg.Paths.ListDir}
	if d.cfg.Source != "" {
		args = append(args, "--config", d.cfg.Source)
	}
	if d.verbose {
		args = append(args, "--verbose")
	}
	return ProcessSpawner{Binary: d.cfg.Daemon.Binary, Args: args}
}

// requestReload is safe to call from any goroutine. Requests coalesce.
func (d *Daemon) requestReload(source string) {
	select {
	case d.reloads <- source:
	default:
	}
}

func (d *Daemon) reactor(ctx context.Context) error {
	var sigs chan os.Signal
	if d.signals {
		sigs = make(chan os.Signal, 4)
		signal.Notify(sigs, syscall.SIGHUP, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
		defer signal.Stop(sigs)
	}

	done := ctx.Done()
	for {
		if d.exiting && d.workers.len() == 0 {
			return nil
		}
		select {
		case <-done:
			done = nil
			d.beginExit("context cancelled")
		case batch := <-d.notes:
			d.handleBatch(batch)
		case m := <-d.msgs:
			d.handleMessage(m)
		case source := <-d.reloads:
			d.reload(source)
		case ex := <-d.exits:
			d.handleExit(ex)
		case sig := <-sigs:
			if sig == syscall.SIGHUP {
				d.logger.Debug("ignoring SIGHUP")
				continue
			}
			d.logger.Info("terminating on signal",
				logging.String("signal", sig.String()),
				logging.Int("workers", d.workers.len()),
			)
			d.stopWorkers()
			return nil
		case err := <-d.fatal:
			d.stopWorkers()
			return err
		}
	}
}

func (d *Daemon) handleBatch(batch []backend.BranchUsage) {
	for _, bu := range batch {
		d.metrics.Notified()
		entry, ok := d.table.Search(bu.BranchID)
		if !ok {
			d.logger.Debug("notification for branch without watermark", logging.BranchID(bu.BranchID))
			continue
		}
		if !scheduler.Evaluate(entry, bu.Usage) {
			continue
		}
		d.metrics.Breached(bu.BranchID)
		if d.exiting {
			continue
		}
		if d.workers.has(bu.BranchID) {
			d.logger.Debug("branch already being drained", logging.BranchID(bu.BranchID))
			continue
		}
		d.spawn(bu)
	}
}

func (d *Daemon) spawn(bu backend.BranchUsage) {
	req := WorkerRequest{
		Mount:    d.mount,
		BranchID: bu.BranchID,
		Usage:    bu.Usage,
		Table:    d.table.Bytes(),
		Verbose:  d.verbose,
	}
	w, err := d.spawner.Spawn(req)
	if err != nil {
		logging.ErrorWithContext(d.logger, "failed to start migration worker", "worker_spawn_failed",
			logging.BranchID(bu.BranchID),
			logging.Error(err),
			logging.String(logging.FieldImpact, "branch stays over its watermark until the next notification"),
		)
		return
	}
	entry := &workerEntry{brid: bu.BranchID, pid: w.PID(), started: time.Now(), handle: w}
	d.workers.add(entry)
	d.metrics.WorkerStarted(bu.BranchID)
	d.logger.Info("migration worker started",
		logging.String(logging.FieldEventType, "worker_started"),
		logging.BranchID(bu.BranchID),
		logging.Int(logging.FieldWorkerPID, entry.pid),
		logging.Float64("block_free", bu.Usage.BlockFree()),
	)
	go func() {
		err := w.Wait()
		select {
		case d.exits <- workerExit{brid: bu.BranchID, err: err}:
		case <-d.quit:
		}
	}()
}

func (d *Daemon) handleExit(ex workerExit) {
	entry, ok := d.workers.remove(ex.brid)
	if !ok {
		return
	}
	elapsed := time.Since(entry.started)
	d.metrics.WorkerExited(ex.brid, elapsed, ex.err != nil)
	attrs := []logging.Attr{
		logging.String(logging.FieldEventType, "worker_exited"),
		logging.BranchID(ex.brid),
		logging.Int(logging.FieldWorkerPID, entry.pid),
		logging.Duration("elapsed", elapsed),
	}
	if ex.err == nil {
		d.logger.Info("migration worker finished", logging.Args(attrs...)...)
		return
	}
	var exitErr *exec.ExitError
	if errors.As(ex.err, &exitErr) {
		attrs = append(attrs, logging.Int("exit_code", exitErr.ExitCode()))
	}
	attrs = append(attrs, logging.Error(ex.err))
	d.logger.Warn("migration worker failed", logging.Args(attrs...)...)
}

func (d *Daemon) handleMessage(m msgchan.Message) {
	switch m {
	case msgchan.Reload:
		d.reload(triggerMessage)
	case msgchan.Exit:
		d.beginExit("exit requested")
	default:
		d.logger.Debug("ignoring message", logging.String("message", m.String()))
	}
}

// beginExit stops spawning and asks running workers to finish their file.
func (d *Daemon) beginExit(reason string) {
	if d.exiting {
		return
	}
	d.exiting = true
	d.logger.Info("daemon exiting",
		logging.String("reason", reason),
		logging.Any("waiting_for", d.workers.branches()),
	)
	d.stopWorkers()
}

func (d *Daemon) stopWorkers() {
	for _, brid := range d.workers.branches() {
		entry := d.workers.byBranch[brid]
		if err := entry.handle.Stop(); err != nil {
			d.logger.Warn("failed to stop worker",
				logging.BranchID(brid),
				logging.Int(logging.FieldWorkerPID, entry.pid),
				logging.Error(err),
			)
		}
	}
}

// reload refreshes the private table copy. A smaller table than the one in
// use means the branch set shrank without the controller reconciling it.
func (d *Daemon) reload(source string) {
	table, err := wmark.Load(d.cfg.Paths.ShmDir, d.name)
	if err != nil {
		logging.WarnWithContext(d.logger, "watermark reload failed, keeping previous table", "reload_failed",
			logging.Error(err),
			logging.String("trigger", source),
			logging.String(logging.FieldErrorHint, "re-run aufhsm for this mount"),
		)
		return
	}
	if table.Len() < d.table.Len() {
		logging.WarnWithContext(d.logger, "watermark table shrank, ignoring reload", "reload_rejected",
			logging.Int("entries", table.Len()),
			logging.Int("previous_entries", d.table.Len()),
			logging.String(logging.FieldErrorHint, "re-run aufhsm"),
		)
		return
	}
	d.table = table
	if n := int64(table.Len()); n > d.bufSize.Load() {
		d.bufSize.Store(n)
	}
	d.metrics.Reloaded(source)
	d.logger.Info("watermark table reloaded",
		logging.String(logging.FieldEventType, "table_reloaded"),
		logging.String("trigger", source),
		logging.Int("entries", table.Len()),
	)
}

func (d *Daemon) pumpNotifications(n backend.Notifier) {
	buf := make([]backend.BranchUsage, d.bufSize.Load())
	for {
		if want := int(d.bufSize.Load()); want > len(buf) {
			buf = make([]backend.BranchUsage, want)
		}
		count, err := n.Read(buf)
		if err != nil {
			select {
			case <-d.quit:
				return
			default:
			}
			if errors.Is(err, backend.ErrBatchTooLarge) {
				buf = make([]backend.BranchUsage, len(buf)*2)
				d.logger.Info("notification batch too large, growing buffer",
					logging.Int("entries", len(buf)),
				)
				d.requestReload(triggerResize)
				continue
			}
			d.fatal <- fmt.Errorf("read pressure notifications: %w", err)
			return
		}
		batch := append([]backend.BranchUsage(nil), buf[:count]...)
		select {
		case d.notes <- batch:
		case <-d.quit:
			return
		}
	}
}

func (d *Daemon) pumpMessages(fifo *os.File) {
	for {
		m, err := msgchan.Read(fifo)
		if err != nil {
			select {
			case <-d.quit:
				return
			default:
			}
			if errors.Is(err, msgchan.ErrUnknownMessage) {
				d.logger.Warn("ignoring unknown control message", logging.Error(err))
				continue
			}
			logging.WarnWithContext(d.logger, "control channel unreadable", "msgchan_failed",
				logging.Error(err),
				logging.String(logging.FieldImpact, "reload and exit requests will not be seen"),
				logging.String(logging.FieldErrorHint, "stop the daemon with a signal and rerun aufhsm"),
			)
			return
		}
		select {
		case d.msgs <- m:
		case <-d.quit:
			return
		}
	}
}

package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/gofrs/flock"

	"aufhsm/internal/backend"
	"aufhsm/internal/config"
	"aufhsm/internal/msgchan"
	"aufhsm/internal/testsupport"
	"aufhsm/internal/wmark"
)

func writeStore(t *testing.T, cfg *config.Config, fb *testsupport.FakeBackend) string {
	t.Helper()
	name := wmark.Name(fb.Dev, fb.Ino)
	s, _, err := wmark.Ensure(cfg.Paths.ShmDir, name, fb.BranchList(), wmark.DefaultCorridors)
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	s.Table().Sign()
	if err := s.Close(); err != nil {
		t.Fatalf("Close store: %v", err)
	}
	return name
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type running struct {
	d    *Daemon
	errc chan error
}

func start(t *testing.T, cfg *config.Config, fb *testsupport.FakeBackend, spawner Spawner) *running {
	t.Helper()
	d, err := New(Options{Config: cfg, Backend: fb, Spawner: spawner})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	r := &running{d: d, errc: make(chan error, 1)}
	go func() { r.errc <- d.Run(context.Background()) }()
	waitFor(t, "notifier claim", func() bool {
		released, _ := fb.NotifierReleased(context.Background())
		return !released
	})
	return r
}

func (r *running) exit(t *testing.T, cfg *config.Config, fb *testsupport.FakeBackend) {
	t.Helper()
	path := msgchan.Path(cfg.Paths.ListDir, r.d.Name())
	wait := msgchan.WaitOptions{Timeout: 5 * time.Second, Interval: time.Millisecond}
	if err := msgchan.Send(context.Background(), path, msgchan.Exit, fb, wait); err != nil {
		t.Fatalf("Send exit: %v", err)
	}
	select {
	case err := <-r.errc:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not exit")
	}
}

func TestPressureNotificationDrainsBranch(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	fb := testsupport.NewFakeBackend(t, 3)
	for i := range 8 {
		fb.AddFile(t, 0, fmt.Sprintf("f%d", i), 10, time.Date(2026, 1, 1, 0, i, 0, 0, time.UTC))
	}
	writeStore(t, cfg, fb)

	r := start(t, cfg, fb, nil)
	fb.Notify(backend.BranchUsage{BranchID: 0, Usage: fb.UsageOf(0)})
	waitFor(t, "branch drained", func() bool { return len(fb.Moves()) == 3 })

	r.exit(t, cfg, fb)
	if released, _ := fb.NotifierReleased(context.Background()); !released {
		t.Fatal("daemon must release the pressure channel on exit")
	}
}

func TestNotificationWithinWatermarkIgnored(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	fb := testsupport.NewFakeBackend(t, 2)
	fb.AddFile(t, 0, "f0", 10, time.Time{})
	writeStore(t, cfg, fb)

	spawner := newBlockingSpawner()
	r := start(t, cfg, fb, spawner)
	fb.Notify(backend.BranchUsage{BranchID: 0, Usage: fb.UsageOf(0)})
	// a breached branch after the healthy one proves the first was handled
	fb.Notify(backend.BranchUsage{BranchID: 1, Usage: backend.Usage{Blocks: 100, BlocksAvail: 5}})
	if got := spawner.next(t); got != 1 {
		t.Fatalf("spawned branch %d, want 1", got)
	}
	r.exit(t, cfg, fb)
}

type blockingSpawner struct {
	mu      sync.Mutex
	spawned chan int
	workers []*blockingWorker
}

func newBlockingSpawner() *blockingSpawner {
	return &blockingSpawner{spawned: make(chan int, 16)}
}

func (s *blockingSpawner) Spawn(req WorkerRequest) (Worker, error) {
	if _, err := wmark.Decode(req.Table); err != nil {
		return nil, err
	}
	w := &blockingWorker{stop: make(chan struct{})}
	s.mu.Lock()
	s.workers = append(s.workers, w)
	s.mu.Unlock()
	s.spawned <- req.BranchID
	return w, nil
}

func (s *blockingSpawner) next(t *testing.T) int {
	t.Helper()
	select {
	case brid := <-s.spawned:
		return brid
	case <-time.After(5 * time.Second):
		t.Fatal("no worker spawned")
		return -1
	}
}

type blockingWorker struct {
	once sync.Once
	stop chan struct{}
}

func (w *blockingWorker) PID() int { return 4242 }

func (w *blockingWorker) Stop() error {
	w.once.Do(func() { close(w.stop) })
	return nil
}

func (w *blockingWorker) Wait() error {
	<-w.stop
	return nil
}

func TestOneWorkerPerBranch(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	fb := testsupport.NewFakeBackend(t, 3)
	writeStore(t, cfg, fb)

	spawner := newBlockingSpawner()
	r := start(t, cfg, fb, spawner)
	breached := backend.Usage{Blocks: 100, BlocksAvail: 10}
	fb.Notify(backend.BranchUsage{BranchID: 0, Usage: breached})
	fb.Notify(backend.BranchUsage{BranchID: 0, Usage: breached})
	fb.Notify(backend.BranchUsage{BranchID: 1, Usage: breached})

	if got := spawner.next(t); got != 0 {
		t.Fatalf("first spawn for branch %d", got)
	}
	if got := spawner.next(t); got != 1 {
		t.Fatalf("second breach of a busy branch must not spawn, got branch %d", got)
	}

	r.exit(t, cfg, fb)
	spawner.mu.Lock()
	defer spawner.mu.Unlock()
	for i, w := range spawner.workers {
		select {
		case <-w.stop:
		default:
			t.Fatalf("worker %d was not asked to stop", i)
		}
	}
}

func TestOversizedBatchGrowsBuffer(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	fb := testsupport.NewFakeBackend(t, 2)
	writeStore(t, cfg, fb)

	spawner := newBlockingSpawner()
	r := start(t, cfg, fb, spawner)
	healthy := backend.Usage{Blocks: 100, BlocksAvail: 100}
	fb.Notify(
		backend.BranchUsage{BranchID: 0, Usage: healthy},
		backend.BranchUsage{BranchID: 0, Usage: healthy},
		backend.BranchUsage{BranchID: 0, Usage: healthy},
	)
	fb.Notify(backend.BranchUsage{BranchID: 0, Usage: backend.Usage{Blocks: 100, BlocksAvail: 1}})
	if got := spawner.next(t); got != 0 {
		t.Fatalf("spawned branch %d, want 0", got)
	}
	r.exit(t, cfg, fb)
}

func TestReloadRules(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	fb := testsupport.NewFakeBackend(t, 3)
	name := writeStore(t, cfg, fb)

	d, err := New(Options{Config: cfg, Backend: fb})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	d.table, err = wmark.Load(cfg.Paths.ShmDir, name)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	all := fb.BranchList()
	fb.SetBranches(all[:2])
	writeStore(t, cfg, fb)
	d.reload(triggerMessage)
	if d.table.Len() != 3 {
		t.Fatalf("smaller table must be rejected, have %d entries", d.table.Len())
	}

	grown := append(all, backend.Branch{ID: 3, Path: t.TempDir(), Perm: backend.PermRW | backend.AttrFHSM})
	fb.SetBranches(grown)
	writeStore(t, cfg, fb)
	d.reload(triggerMessage)
	if d.table.Len() != 4 {
		t.Fatalf("larger table must be accepted, have %d entries", d.table.Len())
	}
	if d.bufSize.Load() != 4 {
		t.Fatalf("notification buffer not resized: %d", d.bufSize.Load())
	}

	if err := os.WriteFile(wmark.Path(cfg.Paths.ShmDir, name), []byte("garbage"), 0o600); err != nil {
		t.Fatalf("corrupt store: %v", err)
	}
	d.reload(triggerMessage)
	if d.table.Len() != 4 {
		t.Fatal("corrupt store must keep the previous table")
	}
}

func TestRunRefusesSecondInstance(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	fb := testsupport.NewFakeBackend(t, 2)
	name := writeStore(t, cfg, fb)

	held := flock.New(LockPath(cfg.Paths.ListDir, name))
	if ok, err := held.TryLock(); err != nil || !ok {
		t.Fatalf("TryLock: %v %v", ok, err)
	}
	defer held.Unlock()

	if isRunning, err := Running(LockPath(cfg.Paths.ListDir, name)); err != nil || !isRunning {
		t.Fatalf("Running = %v, %v", isRunning, err)
	}

	d, err := New(Options{Config: cfg, Backend: fb})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := d.Run(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
}

func TestRunWithoutStore(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	fb := testsupport.NewFakeBackend(t, 2)
	d, err := New(Options{Config: cfg, Backend: fb})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := d.Run(context.Background()); !errors.Is(err, wmark.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if isRunning, _ := Running(LockPath(cfg.Paths.ListDir, d.Name())); isRunning {
		t.Fatal("lock must be released after a failed start")
	}
}

func TestContextCancelDrainsWorkers(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	fb := testsupport.NewFakeBackend(t, 2)
	writeStore(t, cfg, fb)

	d, err := New(Options{Config: cfg, Backend: fb, Spawner: newBlockingSpawner()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- d.Run(ctx) }()
	waitFor(t, "notifier claim", func() bool {
		released, _ := fb.NotifierReleased(context.Background())
		return !released
	})
	fb.Notify(backend.BranchUsage{BranchID: 0, Usage: backend.Usage{Blocks: 100, BlocksAvail: 1}})
	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop after cancel")
	}
}

func TestProcessSpawnerPassesRequest(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "aufhsmd")
	body := "#!/bin/sh\n[ \"$1\" = worker ] || exit 3\ncat > \"" + filepath.Join(dir, "req.json") + "\"\n"
	if err := os.WriteFile(script, []byte(body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}

	table := wmark.NewTable(1)
	table.Sign()
	req := WorkerRequest{Mount: "/mnt/u", BranchID: 7, Usage: backend.Usage{Blocks: 10, BlocksAvail: 1}, Table: table.Bytes(), Verbose: true}
	w, err := ProcessSpawner{Binary: script}.Spawn(req)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if w.PID() <= 0 {
		t.Fatalf("unexpected pid %d", w.PID())
	}
	if err := w.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if err := w.Stop(); err != nil {
		t.Fatalf("Stop after exit: %v", err)
	}

	f, err := os.Open(filepath.Join(dir, "req.json"))
	if err != nil {
		t.Fatalf("open request: %v", err)
	}
	defer f.Close()
	got, err := DecodeWorkerRequest(f)
	if err != nil {
		t.Fatalf("DecodeWorkerRequest: %v", err)
	}
	if got.BranchID != 7 || got.Mount != "/mnt/u" || !got.Verbose || got.Usage.BlocksAvail != 1 {
		t.Fatalf("unexpected request %+v", got)
	}
	if _, err := wmark.Decode(got.Table); err != nil {
		t.Fatalf("table did not survive: %v", err)
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, 0},
		{errors.New("boom"), 1},
		{fmt.Errorf("move: %w", backend.ClassifyErrno(syscall.ENOSPC, "", 0)), int(syscall.ENOSPC)},
	}
	for _, tt := range tests {
		if got := ExitCode(tt.err); got != tt.want {
			t.Fatalf("ExitCode(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

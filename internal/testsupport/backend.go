package testsupport

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"aufhsm/internal/backend"
)

// Move records one successful FakeBackend.MoveDown.
type Move struct {
	Name  string
	SrcID int
	DstID int
}

// FakeBackend is an in-process stand-in for an aufs mount. Each branch is a
// temp directory; MoveDown renames files between them and adjusts block
// accounting so watermark logic sees real pressure changes.
type FakeBackend struct {
	mu sync.Mutex

	Dev uint64
	Ino uint64

	branches []backend.Branch
	usage    map[int]backend.Usage
	// errs scripts MoveDown failures by file name.
	errs    map[string]error
	landing map[string]int
	moves   []Move

	// ReportUsage controls whether MoveDown returns post-move usage.
	ReportUsage bool
	BlockSize   int64

	notify       chan []backend.BranchUsage
	claimed      bool
	NotifyErr    error
	ReleaseProbe error
}

// NewFakeBackend creates n participant branches with ids 0..n-1, each with
// 100 blocks of which 100 are free.
func NewFakeBackend(t testing.TB, n int) *FakeBackend {
	t.Helper()
	base := t.TempDir()
	fb := &FakeBackend{
		Dev:         0x801,
		Ino:         2,
		usage:       make(map[int]backend.Usage, n),
		errs:        make(map[string]error),
		landing:     make(map[string]int),
		ReportUsage: true,
		BlockSize:   1,
		notify:      make(chan []backend.BranchUsage, 8),
	}
	for i := range n {
		dir := filepath.Join(base, "br"+string(rune('0'+i)))
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatalf("mkdir branch: %v", err)
		}
		fb.branches = append(fb.branches, backend.Branch{ID: i, Path: dir, Perm: backend.PermRW | backend.AttrFHSM})
		fb.usage[i] = backend.Usage{Blocks: 100, BlocksAvail: 100, Files: 100, FilesFree: 100}
	}
	return fb
}

// SetBranches replaces the branch list, for reload scenarios.
func (f *FakeBackend) SetBranches(branches []backend.Branch) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.branches = append([]backend.Branch(nil), branches...)
}

// BranchList returns a copy of the current branches.
func (f *FakeBackend) BranchList() []backend.Branch {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]backend.Branch(nil), f.branches...)
}

// SetUsage overrides the usage of brid.
func (f *FakeBackend) SetUsage(brid int, u backend.Usage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.usage[brid] = u
}

// UsageOf returns the current usage of brid.
func (f *FakeBackend) UsageOf(brid int) backend.Usage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.usage[brid]
}

// FailMove makes MoveDown of name return err.
func (f *FakeBackend) FailMove(name string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[name] = err
}

// LandOn makes name land on brid instead of the adjacent branch.
func (f *FakeBackend) LandOn(name string, brid int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.landing[name] = brid
}

// Moves returns the moves performed so far.
func (f *FakeBackend) Moves() []Move {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Move(nil), f.moves...)
}

// AddFile writes a file of size bytes into branch brid and charges its
// blocks against the branch.
func (f *FakeBackend) AddFile(t testing.TB, brid int, name string, size int64, atime time.Time) {
	t.Helper()
	br, ok := backend.Find(f.BranchList(), brid)
	if !ok {
		t.Fatalf("unknown branch %d", brid)
	}
	WriteFile(t, filepath.Join(br.Path, name), size, atime)
	f.mu.Lock()
	defer f.mu.Unlock()
	u := f.usage[brid]
	u.BlocksAvail -= min(u.BlocksAvail, f.blocks(size))
	u.FilesFree -= min(u.FilesFree, 1)
	f.usage[brid] = u
}

func (f *FakeBackend) blocks(size int64) uint64 {
	if f.BlockSize <= 0 {
		return uint64(size)
	}
	return uint64((size + f.BlockSize - 1) / f.BlockSize)
}

func (f *FakeBackend) Identity() (uint64, uint64, error) {
	return f.Dev, f.Ino, nil
}

func (f *FakeBackend) Branches(context.Context) ([]backend.Branch, error) {
	return f.BranchList(), nil
}

func (f *FakeBackend) Usage(_ context.Context, brid int) (backend.Usage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.usage[brid]
	if !ok {
		return backend.Usage{}, syscall.ENOENT
	}
	return u, nil
}

func (f *FakeBackend) OpenBranch(_ context.Context, brid int) (*os.File, error) {
	br, ok := backend.Find(f.BranchList(), brid)
	if !ok {
		return nil, syscall.ENOENT
	}
	return os.Open(br.Path)
}

func (f *FakeBackend) MoveDown(_ context.Context, brid int, name string) (backend.MoveResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err, ok := f.errs[name]; ok {
		return backend.MoveResult{}, err
	}
	src, ok := backend.Find(f.branches, brid)
	if !ok {
		return backend.MoveResult{}, backend.ClassifyErrno(syscall.EINVAL, backend.ReasonNoUpper, 0)
	}
	dstID, ok := f.landing[name]
	if !ok {
		dstID = backend.NextLower(f.branches, brid)
	}
	dst, ok := backend.Find(f.branches, dstID)
	if !ok {
		return backend.MoveResult{}, backend.ClassifyErrno(syscall.EINVAL, backend.ReasonBottom, 0)
	}

	from := filepath.Join(src.Path, name)
	info, err := os.Lstat(from)
	if err != nil {
		return backend.MoveResult{}, backend.ClassifyErrno(syscall.ENOENT, "", 0)
	}
	to := filepath.Join(dst.Path, name)
	if err := os.MkdirAll(filepath.Dir(to), 0o755); err != nil {
		return backend.MoveResult{}, backend.ClassifyErrno(syscall.EIO, "", 0)
	}
	if err := os.Rename(from, to); err != nil {
		return backend.MoveResult{}, backend.ClassifyErrno(syscall.EIO, "", 0)
	}

	blocks := f.blocks(info.Size())
	su, du := f.usage[brid], f.usage[dstID]
	su.BlocksAvail = min(su.Blocks, su.BlocksAvail+blocks)
	su.FilesFree = min(su.Files, su.FilesFree+1)
	du.BlocksAvail -= min(du.BlocksAvail, blocks)
	du.FilesFree -= min(du.FilesFree, 1)
	f.usage[brid], f.usage[dstID] = su, du
	f.moves = append(f.moves, Move{Name: name, SrcID: brid, DstID: dstID})

	return backend.MoveResult{
		SrcID:      brid,
		DstID:      dstID,
		SrcUsage:   su,
		DstUsage:   du,
		UsageValid: f.ReportUsage,
		Bottom:     backend.NextLower(f.branches, dstID) < 0,
	}, nil
}

// Notifications claims the fake pressure channel. A second claim fails
// with EBUSY until the first notifier is closed.
func (f *FakeBackend) Notifications() (backend.Notifier, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.NotifyErr != nil {
		return nil, f.NotifyErr
	}
	if f.claimed {
		return nil, syscall.EBUSY
	}
	f.claimed = true
	return &fakeNotifier{fb: f, done: make(chan struct{})}, nil
}

func (f *FakeBackend) NotifierReleased(context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ReleaseProbe != nil {
		return false, f.ReleaseProbe
	}
	return !f.claimed, nil
}

// Notify queues a pressure batch for the claimed notifier.
func (f *FakeBackend) Notify(batch ...backend.BranchUsage) {
	f.notify <- batch
}

type fakeNotifier struct {
	fb   *FakeBackend
	once sync.Once
	done chan struct{}
}

func (n *fakeNotifier) Read(buf []backend.BranchUsage) (int, error) {
	select {
	case <-n.done:
		return 0, io.EOF
	case batch := <-n.fb.notify:
		if len(batch) > len(buf) {
			return 0, errors.Join(backend.ErrBatchTooLarge, syscall.EMSGSIZE)
		}
		return copy(buf, batch), nil
	}
}

func (n *fakeNotifier) Close() error {
	n.once.Do(func() {
		close(n.done)
		n.fb.mu.Lock()
		n.fb.claimed = false
		n.fb.mu.Unlock()
	})
	return nil
}

var _ backend.Backend = (*FakeBackend)(nil)

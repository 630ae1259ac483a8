// Package backend describes the stacked filesystem the migration engine
// drives: its branch list, per-branch usage, the move-down operation and
// the pressure notification channel.
package backend

import (
	"context"
	"errors"
	"os"
)

// Perm carries branch permission and attribute bits as reported by the
// filesystem.
type Perm uint32

// Branch permission bits.
const (
	PermRW   Perm = 1
	PermRO   Perm = 1 << 1
	PermRR   Perm = 1 << 2
	AttrFHSM Perm = 1 << 5
)

// Branch is one entry of the stacked filesystem's branch list, ordered top
// (index 0, fastest) to bottom.
type Branch struct {
	ID   int
	Path string
	Perm Perm
}

// Participant reports whether the branch takes part in tiered migration.
func (b Branch) Participant() bool {
	return b.Perm&AttrFHSM != 0
}

// Writable reports whether the branch accepts writes.
func (b Branch) Writable() bool {
	return b.Perm&PermRW != 0
}

// Usage is a block and inode usage snapshot of a branch.
type Usage struct {
	Blocks      uint64
	BlocksAvail uint64
	Files       uint64
	FilesFree   uint64
}

// BlockFree returns the free block ratio in [0,1]. A branch reporting no
// blocks is treated as fully free.
func (u Usage) BlockFree() float64 {
	if u.Blocks == 0 {
		return 1
	}
	return float64(u.BlocksAvail) / float64(u.Blocks)
}

// InodeFree returns the free inode ratio in [0,1].
func (u Usage) InodeFree() float64 {
	if u.Files == 0 {
		return 1
	}
	return float64(u.FilesFree) / float64(u.Files)
}

// BranchUsage is one element of a pressure notification batch.
type BranchUsage struct {
	BranchID int
	Usage    Usage
}

// MoveResult reports where a moved file landed and, when UsageValid, the
// post-move usage of both branches.
type MoveResult struct {
	SrcID      int
	DstID      int
	SrcUsage   Usage
	DstUsage   Usage
	UsageValid bool
	// Bottom is set when the destination has no lower participant.
	Bottom bool
}

// ErrBatchTooLarge is returned by Notifier.Read when the caller's buffer
// cannot hold the pending notification batch.
var ErrBatchTooLarge = errors.New("notification batch exceeds buffer")

// ErrNotSupported is returned when the mount does not offer tiered
// migration.
var ErrNotSupported = errors.New("filesystem does not support tiered migration")

// Notifier delivers pressure notification batches. Read blocks until a
// batch arrives or the notifier is closed.
type Notifier interface {
	Read(buf []BranchUsage) (int, error)
	Close() error
}

// Backend is the stacked filesystem seen by the controller, daemon and
// workers.
type Backend interface {
	// Identity returns the device and inode of the mount root. Store and
	// channel names derive from it.
	Identity() (dev uint64, ino uint64, err error)
	Branches(ctx context.Context) ([]Branch, error)
	Usage(ctx context.Context, brid int) (Usage, error)
	// OpenBranch returns a directory handle on the branch root.
	OpenBranch(ctx context.Context, brid int) (*os.File, error)
	// MoveDown moves name, relative to the mount root, from brid to the
	// next lower participant branch. Failures are *MoveError.
	MoveDown(ctx context.Context, brid int, name string) (MoveResult, error)
	// Notifications claims the exclusive pressure channel.
	Notifications() (Notifier, error)
	// NotifierReleased reports whether the pressure channel is currently
	// free to claim.
	NotifierReleased(ctx context.Context) (bool, error)
}

// Participants filters branches down to migration participants, keeping
// order.
func Participants(branches []Branch) []Branch {
	out := make([]Branch, 0, len(branches))
	for _, br := range branches {
		if br.Participant() {
			out = append(out, br)
		}
	}
	return out
}

// NextLower returns the id of the first writable participant below brid,
// or -1 when brid is the bottom or absent.
func NextLower(branches []Branch, brid int) int {
	found := false
	for _, br := range branches {
		if found && br.Participant() && br.Writable() {
			return br.ID
		}
		if br.ID == brid {
			found = true
		}
	}
	return -1
}

// Find returns the branch with id brid.
func Find(branches []Branch, brid int) (Branch, bool) {
	for _, br := range branches {
		if br.ID == brid {
			return br, true
		}
	}
	return Branch{}, false
}

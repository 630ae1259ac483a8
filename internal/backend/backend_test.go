package backend

import (
	"errors"
	"fmt"
	"syscall"
	"testing"
)

func TestClassifyErrno(t *testing.T) {
	tests := []struct {
		name   string
		errno  syscall.Errno
		reason string
		want   MoveKind
	}{
		{"gone", syscall.ENOENT, "", MoveGone},
		{"read only", syscall.EROFS, "", MoveSkip},
		{"busy", syscall.EBUSY, "", MoveBusy},
		{"ineligible", syscall.EINVAL, ReasonWhiteout, MoveIneligible},
		{"einval without reason", syscall.EINVAL, "", MoveIneligible},
		{"no space", syscall.ENOSPC, "", MoveNoSpace},
		{"io", syscall.EIO, "", MoveOther},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ClassifyErrno(tt.errno, tt.reason, 1)
			if err.Kind != tt.want {
				t.Fatalf("unexpected kind: got %s want %s", err.Kind, tt.want)
			}
			wrapped := fmt.Errorf("pass: %w", err)
			if KindOf(wrapped) != tt.want {
				t.Fatalf("KindOf lost kind through wrapping")
			}
			if !errors.Is(wrapped, tt.errno) {
				t.Fatalf("expected wrapped error to match errno %v", tt.errno)
			}
		})
	}
}

func TestClassifyErrnoUnknownReason(t *testing.T) {
	err := ClassifyErrno(syscall.EINVAL, "", 0)
	if err.Reason != ReasonUnknown {
		t.Fatalf("unexpected reason %q", err.Reason)
	}
}

func TestKindOfPlainError(t *testing.T) {
	if got := KindOf(errors.New("boom")); got != MoveOther {
		t.Fatalf("unexpected kind %s", got)
	}
}

func TestNextLowerSkipsNonParticipants(t *testing.T) {
	branches := []Branch{
		{ID: 0, Path: "/ssd", Perm: PermRW | AttrFHSM},
		{ID: 3, Path: "/cache", Perm: PermRW},
		{ID: 1, Path: "/ro", Perm: PermRO | AttrFHSM},
		{ID: 2, Path: "/hdd", Perm: PermRW | AttrFHSM},
	}
	if got := NextLower(branches, 0); got != 2 {
		t.Fatalf("NextLower(0) = %d, want 2", got)
	}
	if got := NextLower(branches, 2); got != -1 {
		t.Fatalf("NextLower(2) = %d, want -1", got)
	}
	if got := NextLower(branches, 9); got != -1 {
		t.Fatalf("NextLower(missing) = %d, want -1", got)
	}
	if got := len(Participants(branches)); got != 3 {
		t.Fatalf("Participants = %d, want 3", got)
	}
}

func TestUsageRatios(t *testing.T) {
	u := Usage{Blocks: 200, BlocksAvail: 50, Files: 10, FilesFree: 10}
	if u.BlockFree() != 0.25 {
		t.Fatalf("BlockFree = %v", u.BlockFree())
	}
	if u.InodeFree() != 1 {
		t.Fatalf("InodeFree = %v", u.InodeFree())
	}
	if (Usage{}).BlockFree() != 1 {
		t.Fatalf("empty usage should be free")
	}
}

package backend

import (
	"errors"
	"fmt"
	"syscall"
)

// MoveKind classifies a failed move-down.
type MoveKind int

const (
	// MoveOther is any failure not covered below; it stops the pass.
	MoveOther MoveKind = iota
	// MoveGone means the file vanished before it could be opened.
	MoveGone
	// MoveSkip means the branch rejected the move as read-only.
	MoveSkip
	// MoveBusy means the file is in use.
	MoveBusy
	// MoveIneligible means the filesystem refuses to move this file.
	MoveIneligible
	// MoveNoSpace means the lower branch is full.
	MoveNoSpace
)

func (k MoveKind) String() string {
	switch k {
	case MoveGone:
		return "gone"
	case MoveSkip:
		return "skip"
	case MoveBusy:
		return "busy"
	case MoveIneligible:
		return "ineligible"
	case MoveNoSpace:
		return "no_space"
	default:
		return "other"
	}
}

// Ineligibility reasons reported with MoveIneligible.
const (
	ReasonOpaque    = "opaque ancestor"
	ReasonWhiteout  = "whiteout shadows lower"
	ReasonUpper     = "upper branch exists"
	ReasonBottom    = "at bottom branch"
	ReasonNoUpper   = "no upper"
	ReasonNoLowerBr = "no lower branch"
	ReasonUnknown   = "unknown"
)

// MoveError describes a move-down failure.
type MoveError struct {
	Kind   MoveKind
	Reason string
	Errno  syscall.Errno
	// Links is the hard link count of the file, set for MoveBusy.
	Links uint64
}

func (e *MoveError) Error() string {
	msg := "move down: " + e.Kind.String()
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Errno != 0 {
		msg = fmt.Sprintf("%s: %v", msg, e.Errno)
	}
	return msg
}

func (e *MoveError) Unwrap() error {
	if e.Errno == 0 {
		return nil
	}
	return e.Errno
}

// ClassifyErrno maps a raw errno from the move-down path to a MoveError.
func ClassifyErrno(errno syscall.Errno, reason string, links uint64) *MoveError {
	e := &MoveError{Errno: errno, Reason: reason, Links: links}
	switch errno {
	case syscall.ENOENT:
		e.Kind = MoveGone
	case syscall.EROFS:
		e.Kind = MoveSkip
	case syscall.EBUSY:
		e.Kind = MoveBusy
	case syscall.EINVAL:
		e.Kind = MoveIneligible
		if e.Reason == "" {
			e.Reason = ReasonUnknown
		}
	case syscall.ENOSPC:
		e.Kind = MoveNoSpace
	}
	return e
}

// KindOf returns the MoveKind carried by err, or MoveOther.
func KindOf(err error) MoveKind {
	var me *MoveError
	if errors.As(err, &me) {
		return me.Kind
	}
	return MoveOther
}

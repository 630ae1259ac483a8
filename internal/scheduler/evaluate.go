// Package scheduler decides when a branch is under pressure and runs the
// migration pass that moves its coldest files down until the branch is
// back inside its watermark corridor.
package scheduler

import (
	"aufhsm/internal/backend"
	"aufhsm/internal/wmark"
)

// Evaluate reports whether usage breaches the upper watermark of e. Inode
// pressure counts only when its corridor is enabled.
func Evaluate(e wmark.Entry, u backend.Usage) bool {
	if u.BlockFree() < float64(e.Block.Upper) {
		return true
	}
	return !e.Inode.Disabled() && u.InodeFree() < float64(e.Inode.Upper)
}

// Satisfied reports whether usage reached the lower watermark of e, where
// a pass stops.
func Satisfied(e wmark.Entry, u backend.Usage) bool {
	if u.BlockFree() < float64(e.Block.Lower) {
		return false
	}
	return e.Inode.Disabled() || u.InodeFree() >= float64(e.Inode.Lower)
}

// Action is what a pass does with a candidate after trying to move it.
type Action int

const (
	// ActionMoved consumes the record and re-evaluates usage.
	ActionMoved Action = iota
	// ActionSkip consumes the record.
	ActionSkip
	// ActionRequeue moves the record to the failed list.
	ActionRequeue
	// ActionDrop consumes the record without retry.
	ActionDrop
	// ActionStop ends the pass and leaves the record in place.
	ActionStop
)

func (a Action) String() string {
	switch a {
	case ActionMoved:
		return "moved"
	case ActionSkip:
		return "skipped"
	case ActionRequeue:
		return "requeued"
	case ActionDrop:
		return "dropped"
	default:
		return "stopped"
	}
}

// Classify maps a move-down result to an action. A busy file is retried
// later only when it has a single link.
func Classify(err error) Action {
	if err == nil {
		return ActionMoved
	}
	switch backend.KindOf(err) {
	case backend.MoveGone, backend.MoveSkip:
		return ActionSkip
	case backend.MoveBusy:
		if links(err) == 1 {
			return ActionRequeue
		}
		return ActionDrop
	case backend.MoveIneligible:
		return ActionDrop
	default:
		return ActionStop
	}
}

func links(err error) uint64 {
	me, ok := asMoveError(err)
	if !ok {
		return 0
	}
	return me.Links
}

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"aufhsm/internal/backend"
	"aufhsm/internal/candidates"
	"aufhsm/internal/journal"
	"aufhsm/internal/logging"
	"aufhsm/internal/wmark"
)

// StepResult is how a pass, or one branch of it, ended.
type StepResult int

const (
	// StepContinue means the pass goes on with a deeper branch.
	StepContinue StepResult = iota
	// StepDone means the branch is satisfied, its list is exhausted or the
	// pass was asked to stop.
	StepDone
	// StepFailed means a move failed in a way that ends the pass.
	StepFailed
)

func (r StepResult) String() string {
	switch r {
	case StepContinue:
		return "continue"
	case StepDone:
		return "done"
	default:
		return "failed"
	}
}

// Journal receives pass and outcome records. *journal.Store satisfies it.
type Journal interface {
	BeginPass(ctx context.Context, p journal.Pass) error
	RecordOutcome(ctx context.Context, o journal.Outcome) error
	FinishPass(ctx context.Context, p journal.Pass) error
}

// Options configures a Scheduler.
type Options struct {
	Backend backend.Backend
	Lists   *candidates.Manager
	Table   *wmark.Table
	Journal Journal
	Logger  *slog.Logger
	// LockDir holds per-branch list locks; defaults to the list directory.
	LockDir   string
	WorkerPID int
}

// Scheduler runs migration passes against one watermark table snapshot.
type Scheduler struct {
	backend   backend.Backend
	lists     *candidates.Manager
	table     *wmark.Table
	journal   Journal
	logger    *slog.Logger
	lockDir   string
	workerPID int
}

// New builds a Scheduler.
func New(opts Options) *Scheduler {
	lockDir := opts.LockDir
	if lockDir == "" && opts.Lists != nil {
		lockDir = opts.Lists.Dir()
	}
	return &Scheduler{
		backend:   opts.Backend,
		lists:     opts.Lists,
		table:     opts.Table,
		journal:   opts.Journal,
		logger:    logging.NewComponentLogger(opts.Logger, "scheduler"),
		lockDir:   lockDir,
		workerPID: opts.WorkerPID,
	}
}

// Report summarizes a pass.
type Report struct {
	PassID        string
	BranchID      int
	FinalBranchID int
	// Chain lists the deeper branches the pass continued into.
	Chain       []int
	Moved       int
	Skipped     int
	Requeued    int
	Dropped     int
	Bytes       int64
	Result      StepResult
	Interrupted bool
}

// RunPass migrates files off brid until it is satisfied, its list runs
// out, or a move fails hard. usage is the snapshot that triggered the pass.
// Cancelling ctx stops the pass after the file in flight.
func (s *Scheduler) RunPass(ctx context.Context, brid int, usage backend.Usage) (Report, error) {
	rep := Report{PassID: uuid.NewString(), BranchID: brid, FinalBranchID: brid, Result: StepDone}
	logger := s.logger.With(
		logging.String(logging.FieldPassID, rep.PassID),
		logging.BranchID(brid),
	)
	s.beginJournal(ctx, logger, rep)

	err := s.run(ctx, logger, &rep, usage)
	if err != nil {
		rep.Result = StepFailed
		logging.ErrorWithContext(logger, "migration pass failed", "pass_failed",
			logging.Error(err),
			logging.Int("final_brid", rep.FinalBranchID),
			logging.String(logging.FieldErrorHint, "check free space and health of the lower branch"),
		)
	} else {
		logger.Info("migration pass finished",
			logging.String("result", rep.Result.String()),
			logging.Int("moved", rep.Moved),
			logging.Int("skipped", rep.Skipped),
			logging.Int("requeued", rep.Requeued),
			logging.Int("dropped", rep.Dropped),
			logging.Int64("bytes", rep.Bytes),
			logging.Bool("interrupted", rep.Interrupted),
		)
	}
	s.finishJournal(logger, rep, err)
	return rep, err
}

func (s *Scheduler) run(ctx context.Context, logger *slog.Logger, rep *Report, usage backend.Usage) error {
	branches, err := s.backend.Branches(ctx)
	if err != nil {
		return fmt.Errorf("snapshot branches: %w", err)
	}
	cur, curUsage := rep.BranchID, usage
	for {
		entry, ok := s.table.Search(cur)
		if !ok {
			logger.Debug("branch has no watermark entry", logging.BranchID(cur))
			rep.Result = StepDone
			return nil
		}
		next, nextUsage, result, err := s.drain(ctx, logger.With(logging.BranchID(cur)), rep, branches, cur, entry, curUsage)
		rep.Result = result
		if err != nil || result != StepContinue {
			return err
		}

		rep.Chain = append(rep.Chain, next)
		rep.FinalBranchID = next
		logger.Info("continuing into deeper branch",
			logging.Int("from_brid", cur),
			logging.Int("to_brid", next),
		)
		if nextEntry, ok := s.table.Search(next); ok && Satisfied(nextEntry, nextUsage) {
			rep.Result = StepDone
			return nil
		}
		cur, curUsage = next, nextUsage
	}
}

// drain works one branch's list. It returns StepContinue with the id and
// usage of a deeper branch when a file landed below the adjacent branch.
func (s *Scheduler) drain(
	ctx context.Context,
	logger *slog.Logger,
	rep *Report,
	branches []backend.Branch,
	brid int,
	entry wmark.Entry,
	usage backend.Usage,
) (int, backend.Usage, StepResult, error) {
	root, err := s.backend.OpenBranch(ctx, brid)
	if err != nil {
		return 0, backend.Usage{}, StepFailed, err
	}
	defer root.Close()

	name, err := candidates.ListName(root)
	if err != nil {
		return 0, backend.Usage{}, StepFailed, err
	}
	lock := flock.New(candidates.LockPath(s.lockDir, name))
	locked, err := lock.TryLock()
	if err != nil {
		return 0, backend.Usage{}, StepFailed, fmt.Errorf("lock candidate list %s: %w", name, err)
	}
	if !locked {
		logger.Info("candidate list busy with another pass", logging.String("list", name))
		return 0, backend.Usage{}, StepDone, nil
	}
	defer func() { _ = lock.Unlock() }()

	pair, err := s.lists.Prepare(ctx, name, candidates.RootOf(root))
	if err != nil {
		if ctx.Err() != nil {
			rep.Interrupted = true
			return 0, backend.Usage{}, StepDone, nil
		}
		return 0, backend.Usage{}, StepFailed, err
	}
	defer pair.Close()

	adjacent := backend.NextLower(branches, brid)
	for {
		if ctx.Err() != nil {
			rep.Interrupted = true
			return 0, backend.Usage{}, StepDone, nil
		}

		rec, err := pair.TakeLast()
		switch {
		case errors.Is(err, candidates.ErrEmpty):
			logger.Info("candidate list exhausted",
				logging.Float64("block_free", usage.BlockFree()),
			)
			return 0, backend.Usage{}, StepDone, nil
		case errors.Is(err, candidates.ErrMalformedRecord):
			logging.WarnWithContext(logger, "dropping malformed candidate record", "malformed_record",
				logging.Error(err),
				logging.String(logging.FieldImpact, "one list entry discarded"),
				logging.String(logging.FieldErrorHint, "check the list command output format"),
			)
			if err := pair.Consume(rec); err != nil {
				return 0, backend.Usage{}, StepFailed, err
			}
			rep.Dropped++
			continue
		case err != nil:
			return 0, backend.Usage{}, StepFailed, err
		}

		res, moveErr := s.backend.MoveDown(ctx, brid, rec.Name)
		action := Classify(moveErr)
		fileLogger := logger.With(logging.String(logging.FieldFile, rec.Name))

		if action == ActionStop {
			s.recordOutcome(logger, rep, brid, rec, action, moveErr)
			return 0, backend.Usage{}, StepFailed, fmt.Errorf("move %s: %w", rec.Name, moveErr)
		}
		if action == ActionRequeue {
			if err := pair.Requeue(rec); err != nil {
				return 0, backend.Usage{}, StepFailed, err
			}
		}
		if err := pair.Consume(rec); err != nil {
			return 0, backend.Usage{}, StepFailed, err
		}
		s.recordOutcome(logger, rep, brid, rec, action, moveErr)

		switch action {
		case ActionSkip:
			rep.Skipped++
			fileLogger.Debug("candidate skipped", logging.Error(moveErr))
			continue
		case ActionRequeue:
			rep.Requeued++
			fileLogger.Debug("candidate busy, requeued", logging.Error(moveErr))
			continue
		case ActionDrop:
			rep.Dropped++
			fileLogger.Debug("candidate not movable", logging.Error(moveErr))
			continue
		}

		rep.Moved++
		rep.Bytes += rec.Size
		fileLogger.Debug("candidate moved", logging.Int("dst_brid", res.DstID))

		usage = s.usageAfter(ctx, fileLogger, brid, res.SrcUsage, res.UsageValid, usage)
		if !res.Bottom && res.DstID >= 0 && res.DstID != brid && res.DstID != adjacent {
			dstUsage := s.usageAfter(ctx, fileLogger, res.DstID, res.DstUsage, res.UsageValid, backend.Usage{})
			return res.DstID, dstUsage, StepContinue, nil
		}
		if Satisfied(entry, usage) {
			logger.Debug("branch back within watermarks",
				logging.Float64("block_free", usage.BlockFree()),
			)
			return 0, backend.Usage{}, StepDone, nil
		}
	}
}

// usageAfter prefers the usage reported with a move and falls back to a
// fresh query, then to the previous snapshot.
func (s *Scheduler) usageAfter(ctx context.Context, logger *slog.Logger, brid int, reported backend.Usage, valid bool, prev backend.Usage) backend.Usage {
	if valid {
		return reported
	}
	u, err := s.backend.Usage(ctx, brid)
	if err != nil {
		logger.Warn("usage query failed, keeping previous snapshot",
			logging.BranchID(brid),
			logging.Error(err),
			logging.String(logging.FieldEventType, "usage_query_failed"),
		)
		return prev
	}
	return u
}

func (s *Scheduler) beginJournal(ctx context.Context, logger *slog.Logger, rep Report) {
	if s.journal == nil {
		return
	}
	if err := s.journal.BeginPass(ctx, journal.Pass{ID: rep.PassID, BranchID: rep.BranchID, WorkerPID: s.workerPID}); err != nil {
		logger.Warn("journal unavailable", logging.Error(err))
	}
}

func (s *Scheduler) recordOutcome(logger *slog.Logger, rep *Report, brid int, rec candidates.Record, action Action, moveErr error) {
	if s.journal == nil {
		return
	}
	o := journal.Outcome{PassID: rep.PassID, BranchID: brid, Name: rec.Name, Size: rec.Size, Outcome: action.String()}
	if moveErr != nil {
		o.Detail = moveErr.Error()
	}
	// outcomes are recorded even after a stop request
	if err := s.journal.RecordOutcome(context.Background(), o); err != nil {
		logger.Debug("journal outcome not recorded", logging.Error(err))
	}
}

func (s *Scheduler) finishJournal(logger *slog.Logger, rep Report, passErr error) {
	if s.journal == nil {
		return
	}
	p := journal.Pass{
		ID:            rep.PassID,
		FinalBranchID: rep.FinalBranchID,
		Result:        journal.ResultDone,
		Moved:         rep.Moved,
		Skipped:       rep.Skipped,
		Requeued:      rep.Requeued,
		Dropped:       rep.Dropped,
		Bytes:         rep.Bytes,
	}
	switch {
	case passErr != nil:
		p.Result = journal.ResultFailed
		p.Error = passErr.Error()
	case rep.Interrupted:
		p.Result = journal.ResultInterrupted
	}
	if err := s.journal.FinishPass(context.Background(), p); err != nil {
		logger.Warn("journal pass not finished", logging.Error(err))
	}
}

func asMoveError(err error) (*backend.MoveError, bool) {
	var me *backend.MoveError
	ok := errors.As(err, &me)
	return me, ok
}

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/afero"

	"aufhsm/internal/backend"
	"aufhsm/internal/candidates"
	"aufhsm/internal/journal"
	"aufhsm/internal/testsupport"
	"aufhsm/internal/wmark"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

type harness struct {
	fb    *testsupport.FakeBackend
	lists *candidates.Manager
	sched *Scheduler
}

func newHarness(t *testing.T, branches int, j Journal) *harness {
	t.Helper()
	fb := testsupport.NewFakeBackend(t, branches)
	table := wmark.NewTable(branches)
	if err := table.Reconcile(fb.BranchList(), wmark.DefaultCorridors); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	lists := candidates.NewManager(afero.NewOsFs(), t.TempDir(), nil, nil)
	return &harness{
		fb:    fb,
		lists: lists,
		sched: New(Options{Backend: fb, Lists: lists, Table: table, Journal: j}),
	}
}

// fill writes count files of 10 blocks to brid, oldest first.
func (h *harness) fill(t *testing.T, brid int, prefix string, count int, base time.Time) {
	t.Helper()
	for i := range count {
		h.fb.AddFile(t, brid, fmt.Sprintf("%s%d", prefix, i), 10, base.Add(time.Duration(i)*time.Minute))
	}
}

func (h *harness) listName(t *testing.T, brid int) string {
	t.Helper()
	root, err := h.fb.OpenBranch(context.Background(), brid)
	if err != nil {
		t.Fatalf("OpenBranch: %v", err)
	}
	defer root.Close()
	name, err := candidates.ListName(root)
	if err != nil {
		t.Fatalf("ListName: %v", err)
	}
	return name
}

func movedNames(moves []testsupport.Move) []string {
	out := make([]string, 0, len(moves))
	for _, m := range moves {
		out = append(out, fmt.Sprintf("%s:%d>%d", m.Name, m.SrcID, m.DstID))
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestRunPassStopsAtLowerWatermark(t *testing.T) {
	h := newHarness(t, 3, nil)
	h.fill(t, 0, "f", 8, epoch)

	rep, err := h.sched.RunPass(context.Background(), 0, h.fb.UsageOf(0))
	if err != nil {
		t.Fatalf("RunPass: %v", err)
	}
	if rep.Result != StepDone || rep.Moved != 3 || rep.Bytes != 30 {
		t.Fatalf("unexpected report %+v", rep)
	}
	want := []string{"f0:0>1", "f1:0>1", "f2:0>1"}
	if got := movedNames(h.fb.Moves()); !equalStrings(got, want) {
		t.Fatalf("moves = %v, want %v", got, want)
	}
	if free := h.fb.UsageOf(0).BlockFree(); free != 0.5 {
		t.Fatalf("expected branch at 50%% free, got %v", free)
	}

	pending, _, err := h.lists.Snapshot(h.listName(t, 0))
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(pending) != 5 || pending[0].Name != "f3" {
		t.Fatalf("expected remaining list to start at f3, got %+v", pending)
	}
}

func TestRunPassFallsBackToUsageQuery(t *testing.T) {
	h := newHarness(t, 2, nil)
	h.fb.ReportUsage = false
	h.fill(t, 0, "f", 8, epoch)

	rep, err := h.sched.RunPass(context.Background(), 0, h.fb.UsageOf(0))
	if err != nil {
		t.Fatalf("RunPass: %v", err)
	}
	if rep.Moved != 3 {
		t.Fatalf("expected 3 moves with queried usage, got %d", rep.Moved)
	}
}

func TestRunPassOutcomeHandling(t *testing.T) {
	h := newHarness(t, 3, nil)
	h.fill(t, 0, "f", 8, epoch)
	h.fb.FailMove("f0", backend.ClassifyErrno(syscall.EBUSY, "", 1))
	h.fb.FailMove("f1", backend.ClassifyErrno(syscall.EBUSY, "", 2))
	h.fb.FailMove("f2", backend.ClassifyErrno(syscall.ENOENT, "", 0))
	h.fb.FailMove("f3", backend.ClassifyErrno(syscall.EINVAL, backend.ReasonWhiteout, 0))
	h.fb.FailMove("f4", backend.ClassifyErrno(syscall.EROFS, "", 0))
	h.fb.FailMove("f5", backend.ClassifyErrno(syscall.EINVAL, "", 0))

	rep, err := h.sched.RunPass(context.Background(), 0, h.fb.UsageOf(0))
	if err != nil {
		t.Fatalf("RunPass: %v", err)
	}
	if rep.Requeued != 1 || rep.Dropped != 3 || rep.Skipped != 2 || rep.Moved != 2 {
		t.Fatalf("unexpected counters %+v", rep)
	}

	pending, failed, err := h.lists.Snapshot(h.listName(t, 0))
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected main list drained, got %+v", pending)
	}
	if len(failed) != 1 || failed[0].Name != "f0" {
		t.Fatalf("expected f0 requeued, got %+v", failed)
	}
}

func TestRunPassStopsOnNoSpace(t *testing.T) {
	h := newHarness(t, 2, nil)
	h.fill(t, 0, "f", 8, epoch)
	h.fb.FailMove("f1", backend.ClassifyErrno(syscall.ENOSPC, "", 0))

	rep, err := h.sched.RunPass(context.Background(), 0, h.fb.UsageOf(0))
	if err == nil {
		t.Fatal("expected pass to fail on ENOSPC")
	}
	if backend.KindOf(err) != backend.MoveNoSpace {
		t.Fatalf("expected no-space error, got %v", err)
	}
	if rep.Result != StepFailed || rep.Moved != 1 {
		t.Fatalf("unexpected report %+v", rep)
	}
	pending, _, err := h.lists.Snapshot(h.listName(t, 0))
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(pending) == 0 || pending[0].Name != "f1" {
		t.Fatalf("failing record must stay at the tail, got %+v", pending)
	}
}

func TestRunPassNoSpaceLeavesOtherBranchRunning(t *testing.T) {
	h := newHarness(t, 3, nil)
	h.fill(t, 0, "a", 8, epoch)
	h.fill(t, 1, "b", 8, epoch)
	h.fb.FailMove("a0", backend.ClassifyErrno(syscall.ENOSPC, "", 0))

	var (
		wg         sync.WaitGroup
		rep0, rep1 Report
		err0, err1 error
	)
	wg.Go(func() {
		rep0, err0 = h.sched.RunPass(context.Background(), 0, h.fb.UsageOf(0))
	})
	wg.Go(func() {
		rep1, err1 = h.sched.RunPass(context.Background(), 1, h.fb.UsageOf(1))
	})
	wg.Wait()

	if backend.KindOf(err0) != backend.MoveNoSpace || rep0.Result != StepFailed || rep0.Moved != 0 {
		t.Fatalf("branch 0: expected no-space failure, got %+v err=%v", rep0, err0)
	}
	if err1 != nil {
		t.Fatalf("branch 1: RunPass: %v", err1)
	}
	if rep1.Result != StepDone || rep1.Moved != 3 {
		t.Fatalf("branch 1: unexpected report %+v", rep1)
	}
	var fromOne []string
	for _, m := range h.fb.Moves() {
		if m.SrcID == 1 {
			fromOne = append(fromOne, fmt.Sprintf("%s:%d>%d", m.Name, m.SrcID, m.DstID))
		}
	}
	if want := []string{"b0:1>2", "b1:1>2", "b2:1>2"}; !equalStrings(fromOne, want) {
		t.Fatalf("branch 1 moves = %v, want %v", fromOne, want)
	}
}

func TestRunPassChainsIntoDeeperBranch(t *testing.T) {
	h := newHarness(t, 4, nil)
	h.fill(t, 0, "f", 8, epoch)
	h.fill(t, 2, "g", 7, epoch.Add(time.Hour))
	h.fb.LandOn("f0", 2)

	rep, err := h.sched.RunPass(context.Background(), 0, h.fb.UsageOf(0))
	if err != nil {
		t.Fatalf("RunPass: %v", err)
	}
	if len(rep.Chain) != 1 || rep.Chain[0] != 2 || rep.FinalBranchID != 2 {
		t.Fatalf("expected chain into branch 2, got %+v", rep)
	}
	want := []string{"f0:0>2", "f0:2>3", "g0:2>3", "g1:2>3"}
	if got := movedNames(h.fb.Moves()); !equalStrings(got, want) {
		t.Fatalf("moves = %v, want %v", got, want)
	}
	if rep.Moved != 4 {
		t.Fatalf("expected 4 moves, got %d", rep.Moved)
	}
}

func TestRunPassChainEndsWhenDeeperBranchSatisfied(t *testing.T) {
	h := newHarness(t, 4, nil)
	h.fill(t, 0, "f", 8, epoch)
	h.fb.LandOn("f0", 2)

	rep, err := h.sched.RunPass(context.Background(), 0, h.fb.UsageOf(0))
	if err != nil {
		t.Fatalf("RunPass: %v", err)
	}
	if rep.Result != StepDone || rep.Moved != 1 || rep.FinalBranchID != 2 {
		t.Fatalf("unexpected report %+v", rep)
	}
}

func TestRunPassSkipsLockedList(t *testing.T) {
	h := newHarness(t, 2, nil)
	h.fill(t, 0, "f", 8, epoch)

	held := flock.New(candidates.LockPath(h.lists.Dir(), h.listName(t, 0)))
	if ok, err := held.TryLock(); err != nil || !ok {
		t.Fatalf("TryLock: %v %v", ok, err)
	}
	defer held.Unlock()

	rep, err := h.sched.RunPass(context.Background(), 0, h.fb.UsageOf(0))
	if err != nil {
		t.Fatalf("RunPass: %v", err)
	}
	if rep.Moved != 0 || len(h.fb.Moves()) != 0 {
		t.Fatalf("locked list must not be drained, got %+v", rep)
	}
}

func TestRunPassHonoursCancellation(t *testing.T) {
	h := newHarness(t, 2, nil)
	h.fill(t, 0, "f", 8, epoch)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rep, err := h.sched.RunPass(ctx, 0, h.fb.UsageOf(0))
	if err != nil {
		t.Fatalf("RunPass: %v", err)
	}
	if !rep.Interrupted || rep.Moved != 0 {
		t.Fatalf("expected interrupted pass without moves, got %+v", rep)
	}
}

func TestRunPassJournals(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenJournal(t, cfg)
	h := newHarness(t, 2, store)
	h.fill(t, 0, "f", 8, epoch)
	h.fb.FailMove("f0", backend.ClassifyErrno(syscall.EBUSY, "", 1))

	rep, err := h.sched.RunPass(context.Background(), 0, h.fb.UsageOf(0))
	if err != nil {
		t.Fatalf("RunPass: %v", err)
	}

	ctx := context.Background()
	passes, err := store.RecentPasses(ctx, 1)
	if err != nil {
		t.Fatalf("RecentPasses: %v", err)
	}
	if len(passes) != 1 || passes[0].ID != rep.PassID || passes[0].Result != journal.ResultDone || passes[0].Moved != 3 {
		t.Fatalf("unexpected journal pass %+v", passes)
	}
	outcomes, err := store.Outcomes(ctx, rep.PassID)
	if err != nil {
		t.Fatalf("Outcomes: %v", err)
	}
	if len(outcomes) != 4 || outcomes[0].Outcome != "requeued" || outcomes[1].Outcome != "moved" {
		t.Fatalf("unexpected outcomes %+v", outcomes)
	}
}

type failingJournal struct{}

func (failingJournal) BeginPass(context.Context, journal.Pass) error {
	return errors.New("disk full")
}

func (failingJournal) RecordOutcome(context.Context, journal.Outcome) error {
	return errors.New("disk full")
}

func (failingJournal) FinishPass(context.Context, journal.Pass) error {
	return errors.New("disk full")
}

func TestRunPassIgnoresJournalFailures(t *testing.T) {
	h := newHarness(t, 2, failingJournal{})
	h.fill(t, 0, "f", 8, epoch)

	rep, err := h.sched.RunPass(context.Background(), 0, h.fb.UsageOf(0))
	if err != nil {
		t.Fatalf("RunPass: %v", err)
	}
	if rep.Moved != 3 {
		t.Fatalf("expected pass to proceed without journal, got %+v", rep)
	}
}

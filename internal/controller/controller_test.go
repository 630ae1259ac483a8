package controller

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gofrs/flock"

	"aufhsm/internal/backend"
	"aufhsm/internal/config"
	"aufhsm/internal/daemon"
	"aufhsm/internal/testsupport"
	"aufhsm/internal/wmark"
)

func TestParseAssignment(t *testing.T) {
	tests := []struct {
		arg     string
		path    string
		upper   float64
		lower   float64
		wantErr bool
	}{
		{arg: "75-50", upper: 75, lower: 50},
		{arg: "/mnt/ssd=90-80", path: "/mnt/ssd", upper: 90, lower: 80},
		{arg: "/mnt/ssd/=90.5-80", path: "/mnt/ssd", upper: 90.5, lower: 80},
		{arg: "50-75", wantErr: true},
		{arg: "101-50", wantErr: true},
		{arg: "75", wantErr: true},
		{arg: "x-50", wantErr: true},
		{arg: "=75-50", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.arg, func(t *testing.T) {
			a, err := ParseAssignment(tt.arg)
			if tt.wantErr {
				if !errors.Is(err, config.ErrInvalid) {
					t.Fatalf("expected invalid configuration error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseAssignment: %v", err)
			}
			if a.Path != tt.path || a.Upper != tt.upper || a.Lower != tt.lower {
				t.Fatalf("unexpected assignment %+v", a)
			}
		})
	}
}

func TestParseAssignmentStoresFreeRatios(t *testing.T) {
	a, err := ParseAssignment("75-50")
	if err != nil {
		t.Fatalf("ParseAssignment: %v", err)
	}
	if a.Corridor.Upper != 0.25 || a.Corridor.Lower != 0.5 {
		t.Fatalf("unexpected corridor %+v", a.Corridor)
	}
}

func TestResolveBranchPrefersLongestPath(t *testing.T) {
	perm := backend.PermRW | backend.AttrFHSM
	branches := []backend.Branch{
		{ID: 0, Path: "/tier", Perm: perm},
		{ID: 1, Path: "/tier/fast", Perm: perm},
		{ID: 2, Path: "/tier/fastest", Perm: perm},
	}
	cases := map[string]int{
		"/tier":             0,
		"/tier/fast":        1,
		"/tier/fast/a/b":    1,
		"/tier/fastest/":    2,
		"/tier/other/thing": 0,
	}
	for path, want := range cases {
		br, err := ResolveBranch(branches, path)
		if err != nil {
			t.Fatalf("ResolveBranch(%s): %v", path, err)
		}
		if br.ID != want {
			t.Fatalf("ResolveBranch(%s) = %d, want %d", path, br.ID, want)
		}
	}
	if _, err := ResolveBranch(branches, "/elsewhere"); !errors.Is(err, config.ErrInvalid) {
		t.Fatalf("expected invalid configuration error, got %v", err)
	}
}

type launchRecorder struct {
	calls []LaunchOptions
	err   error
}

func (r *launchRecorder) launch(opts LaunchOptions) error {
	r.calls = append(r.calls, opts)
	return r.err
}

func run(t *testing.T, cfg *config.Config, fb *testsupport.FakeBackend, mutate func(*Options)) (Result, string, error) {
	t.Helper()
	var out bytes.Buffer
	opts := Options{Config: cfg, Backend: fb, Mount: "/mnt/union", Out: &out}
	if mutate != nil {
		mutate(&opts)
	}
	res, err := Run(context.Background(), opts)
	return res, out.String(), err
}

func loadTable(t *testing.T, cfg *config.Config, res Result) *wmark.Table {
	t.Helper()
	table, err := wmark.Load(cfg.Paths.ShmDir, res.Name)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return table
}

func TestRunCreatesStoreAndDumps(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	fb := testsupport.NewFakeBackend(t, 3)

	res, out, err := run(t, cfg, fb, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Changed || !res.Notified || res.Launched {
		t.Fatalf("unexpected result %+v", res)
	}
	table := loadTable(t, cfg, res)
	if table.Len() != 3 {
		t.Fatalf("expected 3 entries, got %d", table.Len())
	}
	for _, br := range fb.BranchList() {
		if !strings.Contains(out, br.Path) {
			t.Fatalf("dump misses branch %s:\n%s", br.Path, out)
		}
	}
	if !strings.Contains(out, "75-50") || !strings.Contains(out, "off") {
		t.Fatalf("dump misses default watermarks:\n%s", out)
	}
}

func TestRunWithoutChangesDoesNotNotify(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	fb := testsupport.NewFakeBackend(t, 2)
	if _, _, err := run(t, cfg, fb, nil); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	res, _, err := run(t, cfg, fb, func(o *Options) { o.Quiet = true })
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if res.Changed || res.Notified {
		t.Fatalf("expected no change on second run, got %+v", res)
	}
}

func TestRunAppliesBranchAssignment(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	fb := testsupport.NewFakeBackend(t, 3)
	target := fb.BranchList()[1].Path

	res, _, err := run(t, cfg, fb, func(o *Options) {
		o.Assignments = []string{target + "=90-80"}
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	table := loadTable(t, cfg, res)
	e, ok := table.Search(1)
	if !ok {
		t.Fatal("branch 1 missing from table")
	}
	if upper, lower := e.Block.Percent(); upper != 90 || lower != 80 {
		t.Fatalf("branch 1 block = %v-%v, want 90-80", upper, lower)
	}
	e0, _ := table.Search(0)
	if upper, lower := e0.Block.Percent(); upper != 75 || lower != 50 {
		t.Fatalf("branch 0 must keep defaults, got %v-%v", upper, lower)
	}
}

func TestRunAppliesGlobalInodeAssignment(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	fb := testsupport.NewFakeBackend(t, 3)

	res, _, err := run(t, cfg, fb, func(o *Options) {
		o.Assignments = []string{"80-60"}
		o.Inode = true
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	for _, e := range loadTable(t, cfg, res).Entries() {
		if upper, lower := e.Inode.Percent(); upper != 80 || lower != 60 {
			t.Fatalf("branch %d inode = %v-%v, want 80-60", e.BranchID, upper, lower)
		}
		if upper, _ := e.Block.Percent(); upper != 75 {
			t.Fatalf("branch %d block changed to %v", e.BranchID, upper)
		}
	}
}

func TestRunRejectsUnknownBranchBeforeTouchingStore(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	fb := testsupport.NewFakeBackend(t, 2)

	res, _, err := run(t, cfg, fb, func(o *Options) {
		o.Assignments = []string{"/not/a/branch=90-80"}
	})
	if !errors.Is(err, config.ErrInvalid) {
		t.Fatalf("expected invalid configuration error, got %v", err)
	}
	if _, err := wmark.Load(cfg.Paths.ShmDir, res.Name); !errors.Is(err, wmark.ErrNotFound) {
		t.Fatalf("store must not be created, got %v", err)
	}
}

func TestRunRequiresTwoParticipants(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	fb := testsupport.NewFakeBackend(t, 1)

	if _, _, err := run(t, cfg, fb, nil); !errors.Is(err, config.ErrInvalid) {
		t.Fatalf("expected invalid configuration error, got %v", err)
	}
}

func TestRunRecreateForcesNotify(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	fb := testsupport.NewFakeBackend(t, 2)
	if _, _, err := run(t, cfg, fb, func(o *Options) { o.Assignments = []string{"90-80"} }); err != nil {
		t.Fatalf("first Run: %v", err)
	}

	res, _, err := run(t, cfg, fb, func(o *Options) { o.Recreate = true })
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Changed || !res.Notified {
		t.Fatalf("expected recreate to notify, got %+v", res)
	}
	e, _ := loadTable(t, cfg, res).Search(0)
	if upper, _ := e.Block.Percent(); upper != 75 {
		t.Fatalf("recreated store must hold defaults, got %v", upper)
	}
}

func TestRunRefusesCorruptStoreUntilRecreated(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	fb := testsupport.NewFakeBackend(t, 2)
	res, _, err := run(t, cfg, fb, nil)
	if err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if err := os.WriteFile(wmark.Path(cfg.Paths.ShmDir, res.Name), []byte("garbage"), 0o600); err != nil {
		t.Fatalf("corrupt store: %v", err)
	}

	_, _, err = run(t, cfg, fb, nil)
	if !errors.Is(err, wmark.ErrCorruptStore) || !strings.Contains(err.Error(), "--recreate") {
		t.Fatalf("expected corrupt store error with recreate hint, got %v", err)
	}
	if _, _, err := run(t, cfg, fb, func(o *Options) { o.Recreate = true }); err != nil {
		t.Fatalf("recreate Run: %v", err)
	}
	if got := loadTable(t, cfg, res).Len(); got != 2 {
		t.Fatalf("expected recreated table with 2 entries, got %d", got)
	}
}

func TestRunLaunchesDaemonWhenNoneRunning(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	fb := testsupport.NewFakeBackend(t, 2)
	rec := &launchRecorder{}

	res, _, err := run(t, cfg, fb, func(o *Options) {
		o.Launch = rec.launch
		o.Verbose = true
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Launched || len(rec.calls) != 1 {
		t.Fatalf("expected one launch, got %+v / %d", res, len(rec.calls))
	}
	got := rec.calls[0]
	if got.Mount != "/mnt/union" || got.ListDir != cfg.Paths.ListDir || !got.Verbose {
		t.Fatalf("unexpected launch options %+v", got)
	}
	args := strings.Join(got.Args(), " ")
	if !strings.HasSuffix(args, "--verbose /mnt/union") || !strings.HasPrefix(args, "--dir ") {
		t.Fatalf("unexpected daemon args %q", args)
	}
}

func TestRunSkipsLaunchWhenDaemonHoldsLock(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	fb := testsupport.NewFakeBackend(t, 2)
	dev, ino, _ := fb.Identity()
	held := flock.New(daemon.LockPath(cfg.Paths.ListDir, wmark.Name(dev, ino)))
	if ok, err := held.TryLock(); err != nil || !ok {
		t.Fatalf("TryLock: %v %v", ok, err)
	}
	defer held.Unlock()

	rec := &launchRecorder{}
	res, _, err := run(t, cfg, fb, func(o *Options) { o.Launch = rec.launch })
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Launched || len(rec.calls) != 0 {
		t.Fatalf("daemon must not be launched twice, got %+v", res)
	}
}

func TestRunKillSendsExit(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	fb := testsupport.NewFakeBackend(t, 2)
	rec := &launchRecorder{}

	res, _, err := run(t, cfg, fb, func(o *Options) {
		o.Kill = true
		o.Launch = rec.launch
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Killed || res.Changed || len(rec.calls) != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
	if _, err := wmark.Load(cfg.Paths.ShmDir, res.Name); !errors.Is(err, wmark.ErrNotFound) {
		t.Fatalf("kill must not create the store, got %v", err)
	}
}

func TestRunKillFailureIsOnlyAWarning(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	fb := testsupport.NewFakeBackend(t, 2)
	dev, ino, _ := fb.Identity()
	// a directory where the fifo should be makes the channel unusable
	channel := filepath.Join(cfg.Paths.ListDir, wmark.Name(dev, ino)+".msg")
	testsupport.WriteFile(t, filepath.Join(channel, "blocker"), 1, time.Time{})

	res, _, err := run(t, cfg, fb, func(o *Options) { o.Kill = true })
	if err != nil {
		t.Fatalf("kill must not fail, got %v", err)
	}
	if res.Killed {
		t.Fatalf("expected kill to be reported as not delivered, got %+v", res)
	}
}

func TestFormatCorridor(t *testing.T) {
	if got := formatCorridor(wmark.DefaultCorridors.Inode); got != "off" {
		t.Fatalf("disabled corridor = %q", got)
	}
	if got := formatCorridor(wmark.DefaultCorridors.Block); got != "75-50" {
		t.Fatalf("default block corridor = %q", got)
	}
}

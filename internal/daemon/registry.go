package daemon

import (
	"slices"
	"time"
)

type workerEntry struct {
	brid    int
	pid     int
	started time.Time
	handle  Worker
}

// registry tracks at most one running worker per branch. It is owned by
// the reactor goroutine.
type registry struct {
	byBranch map[int]*workerEntry
}

func newRegistry() *registry {
	return &registry{byBranch: make(map[int]*workerEntry)}
}

func (r *registry) has(brid int) bool {
	_, ok := r.byBranch[brid]
	return ok
}

func (r *registry) add(e *workerEntry) {
	r.byBranch[e.brid] = e
}

func (r *registry) remove(brid int) (*workerEntry, bool) {
	e, ok := r.byBranch[brid]
	if ok {
		delete(r.byBranch, brid)
	}
	return e, ok
}

func (r *registry) len() int {
	return len(r.byBranch)
}

// branches returns the registered branch ids in order.
func (r *registry) branches() []int {
	out := make([]int, 0, len(r.byBranch))
	for brid := range r.byBranch {
		out = append(out, brid)
	}
	slices.Sort(out)
	return out
}

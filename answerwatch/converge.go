package answerwatch

import (
	"time"

	"github.com/hazyhaar/chatwatch/chatdom"
	"github.com/hazyhaar/chatwatch/clock"
)

// Tracker folds a stream of (possibly nil) snapshots into a convergence
// decision. It is owned by exactly one detection strategy; strategies never
// share a Tracker.
//
// A sample counts toward stability only when it carries a real snapshot: a
// nil read or a placeholder neither advances nor resets the counter. Length
// growth resets both the counter and the no-growth clock; a tie advances
// the counter and refreshes the held snapshot so converged metadata is as
// current as possible.
type Tracker struct {
	clk           clock.Clock
	isPlaceholder func(string) bool
	buckets       []Bucket

	best       *chatdom.Snapshot
	stable     int
	started    bool
	lastGrowth time.Time
}

// NewTracker creates a Tracker. clk may be nil (system clock), filter may
// be nil (nothing is a placeholder), buckets may be empty (defaults).
func NewTracker(clk clock.Clock, filter func(string) bool, buckets []Bucket) *Tracker {
	if clk == nil {
		clk = clock.System()
	}
	if filter == nil {
		filter = func(string) bool { return false }
	}
	if len(buckets) == 0 {
		buckets = DefaultBuckets()
	}
	return &Tracker{clk: clk, isPlaceholder: filter, buckets: buckets}
}

// Observe folds one sample. It returns (snapshot, true) exactly when the
// best candidate has converged: enough consecutive no-growth samples AND
// enough wall-clock time since the last growth, both per the candidate's
// length bucket. A visible still-generating affordance vetoes convergence
// regardless of counters; a finished affordance lowers the cycle target but
// never the time window.
func (t *Tracker) Observe(snap *chatdom.Snapshot, aff chatdom.Affordances) (*chatdom.Snapshot, bool) {
	now := t.clk.Now()
	if !t.started {
		t.started = true
		t.lastGrowth = now
	}

	if snap == nil || t.isPlaceholder(snap.Text) {
		return nil, false
	}

	n := snap.Len()
	switch cur := t.best.Len(); {
	case n > cur:
		t.best = snap
		t.stable = 0
		t.lastGrowth = now
	case n == cur:
		t.best = snap
		t.stable++
	default:
		// Shrinkage is UI churn, not growth. Keep the longer candidate.
		t.stable++
	}

	if aff.Generating {
		return nil, false
	}

	b := t.bucketFor(t.best.Len())
	need := b.StableCycles
	if aff.Finished && b.DoneCycles > 0 {
		need = b.DoneCycles
	}
	if t.stable >= need && now.Sub(t.lastGrowth) >= b.Window {
		return t.best, true
	}
	return nil, false
}

// Seed primes the tracker with an already-captured snapshot, as when
// re-entering the poll loop after a capture that turned out premature.
func (t *Tracker) Seed(snap *chatdom.Snapshot) {
	now := t.clk.Now()
	t.best = snap
	t.stable = 0
	t.started = true
	t.lastGrowth = now
}

// Best returns the current candidate, converged or not.
func (t *Tracker) Best() *chatdom.Snapshot { return t.best }

// Started reports whether at least one sample was observed.
func (t *Tracker) Started() bool { return t.started }

// LastGrowth returns the time of the last length increase. Zero before the
// first sample.
func (t *Tracker) LastGrowth() time.Time { return t.lastGrowth }

func (t *Tracker) bucketFor(n int) Bucket {
	for _, b := range t.buckets {
		if b.MaxLen > 0 && n < b.MaxLen {
			return b
		}
	}
	return t.buckets[len(t.buckets)-1]
}

// Package answerwatch decides when a streamed assistant reply has finished
// arriving, without any reliable "done" signal from the page. It races an
// event-driven observer against a time-sliced poller over one shared
// extractor; both feed a stability-convergence tracker, the first converged
// snapshot wins, and a recovery chain absorbs instrumentation failures
// before the deadline surfaces an error.
package answerwatch

import (
	"context"
	"time"

	"github.com/hazyhaar/chatwatch/browser"
	"github.com/hazyhaar/chatwatch/chatdom"
)

// Bucket ties a text-length class to its stability requirements. A best
// candidate of length L (in runes) falls into the first bucket whose MaxLen
// exceeds L; MaxLen 0 marks the unbounded tail bucket.
//
// StableCycles is the consecutive no-growth sample count normally required;
// DoneCycles is the reduced count honored when the page shows an explicit
// finished affordance. Window is the minimum wall-clock time since the last
// length increase, and is never waived.
type Bucket struct {
	MaxLen       int           `yaml:"max_len"`
	StableCycles int           `yaml:"stable_cycles"`
	DoneCycles   int           `yaml:"done_cycles"`
	Window       time.Duration `yaml:"window"`
}

// DefaultBuckets returns the tuned stability buckets. Short answers are
// disproportionately prone to truncation (a one-token reply looks "done"
// after one sample) so they carry the strictest gates; long streamed
// answers can pause mid-stream, so the tail bucket keeps a moderate window.
func DefaultBuckets() []Bucket {
	return []Bucket{
		{MaxLen: 16, StableCycles: 12, DoneCycles: 6, Window: 8000 * time.Millisecond},
		{MaxLen: 40, StableCycles: 8, DoneCycles: 4, Window: 1200 * time.Millisecond},
		{MaxLen: 500, StableCycles: 8, DoneCycles: 4, Window: 2000 * time.Millisecond},
		{MaxLen: 0, StableCycles: 10, DoneCycles: 5, Window: 3000 * time.Millisecond},
	}
}

// Config tunes the completion race. The zero value is normalized by
// NewWaiter.
type Config struct {
	// PollInterval is the sampling period of the time-sliced poller and of
	// every recovery loop.
	PollInterval time.Duration `yaml:"poll_interval"`
	// WaitBudget is the overall deadline for one wait call. Recovery runs
	// inside it; only the final settle pass may run slightly past it.
	WaitBudget time.Duration `yaml:"wait_budget"`
	// StuckCheckEvery is how often the observer checks for a stop control
	// that stopped being a genuine still-generating indicator.
	StuckCheckEvery time.Duration `yaml:"stuck_check_every"`
	// StuckStopAfter is the no-growth age after which a visible stop
	// control is considered stuck and auto-dismissed.
	StuckStopAfter time.Duration `yaml:"stuck_stop_after"`
	// RefreshWindow bounds the post-capture refresh that absorbs UI updates
	// landing just after convergence.
	RefreshWindow   time.Duration `yaml:"refresh_window"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	// SettleWindow bounds the terminal settle pass of the recovery chain.
	SettleWindow time.Duration `yaml:"settle_window"`
	// ObserverGrace is how long a deadline-expired wait still listens for a
	// result from an observer that is mid-extraction.
	ObserverGrace time.Duration `yaml:"observer_grace"`
	Buckets       []Bucket      `yaml:"buckets"`
}

func (c *Config) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.WaitBudget <= 0 {
		c.WaitBudget = 180 * time.Second
	}
	if c.StuckCheckEvery <= 0 {
		c.StuckCheckEvery = 10 * time.Second
	}
	if c.StuckStopAfter <= 0 {
		c.StuckStopAfter = 30 * time.Second
	}
	if c.RefreshWindow <= 0 {
		c.RefreshWindow = 5 * time.Second
	}
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = 400 * time.Millisecond
	}
	if c.SettleWindow <= 0 {
		c.SettleWindow = 3 * time.Second
	}
	if c.ObserverGrace <= 0 {
		c.ObserverGrace = 2 * time.Second
	}
	if len(c.Buckets) == 0 {
		c.Buckets = DefaultBuckets()
	}
}

// OutcomeKind records which detection strategy produced the final snapshot.
type OutcomeKind string

const (
	KindObserver  OutcomeKind = "observer"
	KindPoll      OutcomeKind = "poll"
	KindRecovered OutcomeKind = "recovered"
)

// RaceOutcome is the result of one wait call: the winning snapshot plus
// provenance for logging and tests.
type RaceOutcome struct {
	Kind      OutcomeKind
	Snapshot  *chatdom.Snapshot
	Refreshed bool
	Elapsed   time.Duration
}

// Prober is the narrow page view the race depends on. Extract returns the
// newest assistant snapshot at or past minTurn, nil when none qualifies.
// Implementations wrap transport failures in chatdom.InstrumentationError
// and shape failures in chatdom.ExtractionMismatch.
type Prober interface {
	Extract(ctx context.Context, minTurn int) (*chatdom.Snapshot, error)
	Affordances(ctx context.Context) (chatdom.Affordances, error)
	DismissStuckStop(ctx context.Context) error
}

// MutationSource delivers coalesced document-mutation bursts. The returned
// stop function unsubscribes; the channel closes when the context ends.
type MutationSource interface {
	Mutations(ctx context.Context) (<-chan browser.MutationBurst, func(), error)
}

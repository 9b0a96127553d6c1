package answerwatch

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/chatwatch/chatdom"
	"github.com/hazyhaar/chatwatch/clock"
	"github.com/hazyhaar/chatwatch/sessionlog"
)

// DumpFunc captures diagnostic page state on terminal failure. best is the
// longest non-placeholder snapshot the wait ever saw, possibly nil.
// Implementations must be best-effort; their failures are swallowed.
type DumpFunc func(ctx context.Context, stage string, best *chatdom.Snapshot)

// Waiter runs the completion race: an event-driven observer and a
// time-sliced poller against one shared Prober, first converged snapshot
// wins, recovery when both fail. Safe to reuse across sequential waits, not
// across concurrent ones.
type Waiter struct {
	probe Prober
	mut   MutationSource
	prof  *chatdom.Profile
	cfg   Config
	clk   clock.Clock
	log   *sessionlog.Logger
	dump  DumpFunc
}

// Option configures a Waiter.
type Option func(*Waiter)

// WithClock injects the clock. Tests drive convergence windows through a
// manual clock; production uses the default system clock.
func WithClock(c clock.Clock) Option { return func(w *Waiter) { w.clk = c } }

// WithLogger attaches the session logger.
func WithLogger(l *sessionlog.Logger) Option { return func(w *Waiter) { w.log = l } }

// WithDump attaches the terminal-failure diagnostic dump.
func WithDump(d DumpFunc) Option { return func(w *Waiter) { w.dump = d } }

// NewWaiter builds a Waiter. mut may be nil, in which case only the poller
// runs and the observer strategy is absent from every race.
func NewWaiter(probe Prober, mut MutationSource, prof *chatdom.Profile, cfg Config, opts ...Option) *Waiter {
	cfg.applyDefaults()
	w := &Waiter{
		probe: probe,
		mut:   mut,
		prof:  prof,
		cfg:   cfg,
		clk:   clock.System(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

type strategyResult struct {
	kind OutcomeKind
	snap *chatdom.Snapshot
}

// raceState is the shared state of one wait call. settled is the gate that
// keeps a cancelled loser from committing a late result; lastBest feeds
// recovery and the diagnostic dump.
type raceState struct {
	minTurn  int
	settled  atomic.Bool
	results  chan strategyResult
	lastBest atomic.Pointer[chatdom.Snapshot]
}

func (st *raceState) noteBest(isPlaceholder func(string) bool, snap *chatdom.Snapshot) {
	if snap == nil || isPlaceholder(snap.Text) {
		return
	}
	for {
		cur := st.lastBest.Load()
		if cur != nil && cur.Len() >= snap.Len() {
			return
		}
		if st.lastBest.CompareAndSwap(cur, snap) {
			return
		}
	}
}

// WaitFinal blocks until the assistant reply at or past minTurn has
// converged, then returns it after a bounded post-capture refresh. Exactly
// one of outcome and error is non-nil. A nil outcome is always a
// chatdom.ConvergenceTimeout (preceded by a best-effort diagnostic dump) or
// the context's error.
func (w *Waiter) WaitFinal(ctx context.Context, minTurn int) (*RaceOutcome, error) {
	start := w.clk.Now()
	endAt := start.Add(w.cfg.WaitBudget)
	st := &raceState{minTurn: minTurn, results: make(chan strategyResult, 2)}

	w.log.Event("watch", "waiting for final answer", "min_turn", minTurn, "budget", w.cfg.WaitBudget.String())

	out := w.race(ctx, st, endAt)
	if out == nil {
		out = w.recoverPoll(ctx, st, endAt)
	}
	if out == nil {
		if snap := w.settlePass(ctx, st); snap != nil {
			out = &RaceOutcome{Kind: KindRecovered, Snapshot: snap}
		}
	}
	if out == nil {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		elapsed := w.clk.Now().Sub(start)
		w.log.Event("watch", "no stable answer before deadline", "elapsed", elapsed.String())
		if w.dump != nil {
			w.dump(ctx, chatdom.StageAssistantResponse, st.lastBest.Load())
		}
		return nil, &chatdom.ConvergenceTimeout{Stage: chatdom.StageAssistantResponse, Elapsed: elapsed}
	}

	w.refresh(ctx, st, out)
	w.resumeIfGenerating(ctx, st, out, endAt)
	out.Elapsed = w.clk.Now().Sub(start)
	w.log.Event("watch", "final answer captured",
		"kind", string(out.Kind), "chars", out.Snapshot.Len(), "refreshed", out.Refreshed)
	return out, nil
}

// race runs both strategies until one commits a converged result, both go
// silent, or the budget runs out. nil means the recovery chain takes over.
func (w *Waiter) race(ctx context.Context, st *raceState, endAt time.Time) *RaceOutcome {
	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	obsDone := make(chan struct{})
	pollDone := make(chan struct{})
	go w.runObserver(raceCtx, st, obsDone)
	go w.runPoller(raceCtx, st, pollDone)

	bothDead := make(chan struct{})
	go func() {
		<-obsDone
		<-pollDone
		close(bothDead)
	}()

	select {
	case r := <-st.results:
		return &RaceOutcome{Kind: r.kind, Snapshot: r.snap}
	case <-bothDead:
		// A winner may have committed in the same instant its goroutine
		// exited.
		select {
		case r := <-st.results:
			return &RaceOutcome{Kind: r.kind, Snapshot: r.snap}
		default:
		}
		return nil
	case <-ctx.Done():
		return nil
	case <-w.clk.After(endAt.Sub(w.clk.Now())):
		// Deadline. The observer may be mid-extraction with a result about
		// to land; await it briefly as a last resort.
		select {
		case r := <-st.results:
			return &RaceOutcome{Kind: r.kind, Snapshot: r.snap}
		case <-obsDone:
			select {
			case r := <-st.results:
				return &RaceOutcome{Kind: r.kind, Snapshot: r.snap}
			default:
			}
			return nil
		case <-w.clk.After(w.cfg.ObserverGrace):
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

// step runs one extract-and-observe cycle for a strategy. It reports true
// when the strategy is finished: it committed a converged result, lost the
// race, or hit an instrumentation failure and falls silent so the other
// strategy or recovery can take over.
func (w *Waiter) step(ctx context.Context, st *raceState, tr *Tracker, kind OutcomeKind) bool {
	if st.settled.Load() {
		return true
	}
	snap, err := w.probe.Extract(ctx, st.minTurn)
	if err != nil {
		var mismatch *chatdom.ExtractionMismatch
		if errors.As(err, &mismatch) {
			snap = nil
		} else {
			w.log.Event("watch", "strategy went silent", "kind", string(kind), "error", err.Error())
			return true
		}
	}
	st.noteBest(w.prof.IsPlaceholder, snap)

	aff, affErr := w.probe.Affordances(ctx)
	if affErr != nil {
		aff = chatdom.Affordances{}
	}
	final, converged := tr.Observe(snap, aff)
	if !converged {
		return false
	}
	if st.settled.CompareAndSwap(false, true) {
		st.results <- strategyResult{kind: kind, snap: final}
	}
	return true
}

// runObserver subscribes to mutation bursts and re-checks convergence on
// each one, with a periodic side check that auto-dismisses a stop control
// that outlived actual generation.
func (w *Waiter) runObserver(ctx context.Context, st *raceState, done chan struct{}) {
	defer close(done)
	if w.mut == nil {
		return
	}
	bursts, stop, err := w.mut.Mutations(ctx)
	if err != nil {
		w.log.Event("watch", "observer subscribe failed", "error", err.Error())
		return
	}
	defer stop()

	tr := NewTracker(w.clk, w.prof.IsPlaceholder, w.cfg.Buckets)
	if w.step(ctx, st, tr, KindObserver) {
		return
	}
	stuck := w.clk.After(w.cfg.StuckCheckEvery)
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-bursts:
			if !ok {
				return
			}
			if w.step(ctx, st, tr, KindObserver) {
				return
			}
		case <-stuck:
			w.maybeDismissStuckStop(ctx, tr)
			stuck = w.clk.After(w.cfg.StuckCheckEvery)
			if w.step(ctx, st, tr, KindObserver) {
				return
			}
		}
	}
}

// runPoller samples on a fixed interval with its own tracker.
func (w *Waiter) runPoller(ctx context.Context, st *raceState, done chan struct{}) {
	defer close(done)
	tr := NewTracker(w.clk, w.prof.IsPlaceholder, w.cfg.Buckets)
	for {
		if w.step(ctx, st, tr, KindPoll) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-w.clk.After(w.cfg.PollInterval):
		}
	}
}

// maybeDismissStuckStop clears a stop control that has shown no text growth
// for longer than StuckStopAfter. A growing reply keeps its stop control.
func (w *Waiter) maybeDismissStuckStop(ctx context.Context, tr *Tracker) {
	if !tr.Started() {
		return
	}
	aff, err := w.probe.Affordances(ctx)
	if err != nil || !aff.Generating {
		return
	}
	if w.clk.Now().Sub(tr.LastGrowth()) < w.cfg.StuckStopAfter {
		return
	}
	if err := w.probe.DismissStuckStop(ctx); err != nil {
		w.log.Event("watch", "stuck stop dismiss failed", "error", err.Error())
	}
}

// recoverPoll re-polls with the extractor alone for the remaining budget.
// Instrumentation errors do not end it; the channel may come back.
func (w *Waiter) recoverPoll(ctx context.Context, st *raceState, endAt time.Time) *RaceOutcome {
	if ctx.Err() != nil || !w.clk.Now().Before(endAt) {
		return nil
	}
	w.log.Event("watch", "entering recovery poll")
	tr := NewTracker(w.clk, w.prof.IsPlaceholder, w.cfg.Buckets)
	for w.clk.Now().Before(endAt) {
		snap, err := w.probe.Extract(ctx, st.minTurn)
		if err != nil {
			var mismatch *chatdom.ExtractionMismatch
			if !errors.As(err, &mismatch) {
				w.log.Event("watch", "recovery extract failed", "error", err.Error())
			}
			snap = nil
		}
		st.noteBest(w.prof.IsPlaceholder, snap)
		aff, affErr := w.probe.Affordances(ctx)
		if affErr != nil {
			aff = chatdom.Affordances{}
		}
		if final, converged := tr.Observe(snap, aff); converged {
			return &RaceOutcome{Kind: KindRecovered, Snapshot: final}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-w.clk.After(w.cfg.PollInterval):
		}
	}
	return nil
}

// settlePass is the terminal absorb window: a few seconds of extractor-only
// reads upgrading the best snapshot seen so far when a strictly longer or
// differently-identified one appears. It can run slightly past the budget.
// nil means the whole wait produced nothing.
func (w *Waiter) settlePass(ctx context.Context, st *raceState) *chatdom.Snapshot {
	cand := st.lastBest.Load()
	deadline := w.clk.Now().Add(w.cfg.SettleWindow)
	for w.clk.Now().Before(deadline) {
		if ctx.Err() != nil {
			break
		}
		snap, err := w.probe.Extract(ctx, st.minTurn)
		if err == nil && snap != nil && !w.prof.IsPlaceholder(snap.Text) {
			if settleUpgrades(cand, snap) {
				cand = snap
			}
		}
		select {
		case <-ctx.Done():
			return cand
		case <-w.clk.After(w.cfg.PollInterval):
		}
	}
	return cand
}

func settleUpgrades(cur, next *chatdom.Snapshot) bool {
	if cur == nil {
		return true
	}
	if next.Len() > cur.Len() {
		return true
	}
	return next.MessageID != "" && next.MessageID != cur.MessageID
}

// refresh absorbs UI updates landing just after convergence: extraction can
// race ahead of the page settling, so for a bounded window we accept a
// snapshot that is longer, gains a message identifier, or differs at all.
// Three consecutive confirming reads end the window early.
func (w *Waiter) refresh(ctx context.Context, st *raceState, out *RaceOutcome) {
	deadline := w.clk.Now().Add(w.cfg.RefreshWindow)
	misses := 0
	for w.clk.Now().Before(deadline) && misses < 3 {
		select {
		case <-ctx.Done():
			return
		case <-w.clk.After(w.cfg.RefreshInterval):
		}
		snap, err := w.probe.Extract(ctx, st.minTurn)
		if err != nil || snap == nil || w.prof.IsPlaceholder(snap.Text) {
			misses++
			continue
		}
		if refreshReplaces(out.Snapshot, snap) {
			w.log.Event("watch", "post-capture refresh replaced snapshot",
				"old_chars", out.Snapshot.Len(), "new_chars", snap.Len())
			out.Snapshot = snap
			out.Refreshed = true
			misses = 0
		} else {
			misses++
		}
	}
}

func refreshReplaces(cur, next *chatdom.Snapshot) bool {
	if cur == nil {
		return true
	}
	if next.Len() > cur.Len() {
		return true
	}
	if cur.MessageID == "" && next.MessageID != "" {
		return true
	}
	return next.Text != cur.Text
}

// resumeIfGenerating re-enters the poll loop when a stop control is still
// visible after capture: the page is mid-generation and the captured
// snapshot is premature. Best effort; the captured snapshot stands if the
// resumed poll does not converge in the remaining budget.
func (w *Waiter) resumeIfGenerating(ctx context.Context, st *raceState, out *RaceOutcome, endAt time.Time) {
	aff, err := w.probe.Affordances(ctx)
	if err != nil || !aff.Generating {
		return
	}
	if ctx.Err() != nil || !w.clk.Now().Before(endAt) {
		return
	}
	w.log.Event("watch", "generation still visible after capture, resuming poll")
	tr := NewTracker(w.clk, w.prof.IsPlaceholder, w.cfg.Buckets)
	tr.Seed(out.Snapshot)
	for w.clk.Now().Before(endAt) {
		snap, err := w.probe.Extract(ctx, st.minTurn)
		if err != nil {
			var mismatch *chatdom.ExtractionMismatch
			if !errors.As(err, &mismatch) {
				return
			}
			snap = nil
		}
		st.noteBest(w.prof.IsPlaceholder, snap)
		affNow, affErr := w.probe.Affordances(ctx)
		if affErr != nil {
			affNow = chatdom.Affordances{}
		}
		if final, converged := tr.Observe(snap, affNow); converged {
			out.Snapshot = final
			out.Refreshed = true
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-w.clk.After(w.cfg.PollInterval):
		}
	}
}

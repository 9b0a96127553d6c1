// Package attach confirms that a file injected into the chat composer has
// actually registered, using the same baseline-and-delta convergence
// discipline answerwatch applies to reply text: capture the composer's
// signals before touching anything, inject, and accept only a change
// relative to that baseline — a new chip naming the file, a file input
// holding it, or a grown composer-reported count. Absolute signals are
// never trusted; a chip that was already there proves nothing.
package attach

import (
	"context"
	"path/filepath"
	"time"

	"github.com/hazyhaar/chatwatch/browser"
	"github.com/hazyhaar/chatwatch/chatdom"
	"github.com/hazyhaar/chatwatch/clock"
	"github.com/hazyhaar/chatwatch/sessionlog"
)

// Config tunes the confirmation loop. The zero value is normalized by
// NewConfirmer.
type Config struct {
	// PollInterval is the signal sampling period.
	PollInterval time.Duration `yaml:"poll_interval"`
	// TargetWindow is how long one injection target is given to produce a
	// delta before it is cleared and the next target is tried. An upload
	// indicator restarts the window.
	TargetWindow time.Duration `yaml:"target_window"`
	// Budget is the overall deadline across all targets and paths.
	Budget time.Duration `yaml:"budget"`
	// MaxScriptBytes caps the file size eligible for the script-level
	// DataTransfer fallback, which carries the payload through the
	// instrumentation channel.
	MaxScriptBytes int64 `yaml:"max_script_bytes"`
}

func (c *Config) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 300 * time.Millisecond
	}
	if c.TargetWindow <= 0 {
		c.TargetWindow = 6 * time.Second
	}
	if c.Budget <= 0 {
		c.Budget = 45 * time.Second
	}
	if c.MaxScriptBytes <= 0 {
		c.MaxScriptBytes = 8 << 20
	}
}

// DumpFunc captures diagnostic page state when confirmation fails
// terminally. Best effort; failures are swallowed by the implementation.
type DumpFunc func(ctx context.Context, stage string)

// Confirmer drives the attachment confirmation protocol against one chat
// tab. Safe to reuse across sequential confirmations.
type Confirmer struct {
	sess browser.Session
	prof *chatdom.Profile
	cfg  Config
	clk  clock.Clock
	log  *sessionlog.Logger
	dump DumpFunc
}

// Option configures a Confirmer.
type Option func(*Confirmer)

// WithClock injects the clock; tests drive the windows manually.
func WithClock(c clock.Clock) Option { return func(cf *Confirmer) { cf.clk = c } }

// WithLogger attaches the session logger.
func WithLogger(l *sessionlog.Logger) Option { return func(cf *Confirmer) { cf.log = l } }

// WithDump attaches the terminal-failure diagnostic dump.
func WithDump(d DumpFunc) Option { return func(cf *Confirmer) { cf.dump = d } }

// NewConfirmer builds a Confirmer for one page.
func NewConfirmer(sess browser.Session, prof *chatdom.Profile, cfg Config, opts ...Option) *Confirmer {
	cfg.applyDefaults()
	cf := &Confirmer{
		sess: sess,
		prof: prof,
		cfg:  cfg,
		clk:  clock.System(),
	}
	for _, opt := range opts {
		opt(cf)
	}
	return cf
}

// Confirm injects the file at path into the composer and blocks until the
// composer visibly registered it, or the budget ran out. expectedCount, when
// positive, is the composer-reported attachment total that counts as
// registered; zero means any count growth qualifies.
//
// Targets are tried in priority order: multi-file inputs before single,
// image-only inputs skipped outright for non-image files. Each target first
// gets the DOM file-input injection, then the script-level DataTransfer
// fallback, then is cleared before the next target so no file is ever
// attached twice. Exhaustion returns a chatdom.ConvergenceTimeout tagged
// attachment-not-registered, after a best-effort diagnostic dump.
func (c *Confirmer) Confirm(ctx context.Context, path string, expectedCount int) error {
	start := c.clk.Now()
	endAt := start.Add(c.cfg.Budget)
	name := filepath.Base(path)
	isImage := IsImage(path)

	c.log.Event("attach", "confirming attachment", "file", name, "expected_count", expectedCount)

	baseline, err := c.baseline(ctx, name)
	if err != nil {
		return err
	}

	for c.clk.Now().Before(endAt) && ctx.Err() == nil {
		targets, err := c.listTargets(ctx)
		if err != nil {
			c.log.Event("attach", "target listing failed", "error", err.Error())
		}
		ranked := RankTargets(targets, isImage)
		if len(ranked) == 0 {
			// Composers render their file inputs lazily; keep looking.
			if err := c.clk.Sleep(ctx, c.cfg.PollInterval); err != nil {
				return err
			}
			continue
		}
		c.log.Event("attach", "injection targets ranked", "total", len(targets), "eligible", len(ranked))

		for _, tgt := range ranked {
			if ctx.Err() != nil || !c.clk.Now().Before(endAt) {
				break
			}

			if err := c.sess.SetFiles(ctx, c.prof.FileInputSelector, tgt.Index, path); err != nil {
				c.log.Event("attach", "dom injection failed", "target", tgt.Index, "error", err.Error())
			} else if c.awaitDelta(ctx, baseline, name, expectedCount, endAt) {
				c.log.Event("attach", "attachment registered", "target", tgt.Index, "path", "dom",
					"elapsed", c.clk.Now().Sub(start).String())
				return nil
			}

			// The DOM path produced no delta inside its window; hand the
			// same target a synthetic DataTransfer drop before giving up
			// on it.
			if c.injectScript(ctx, tgt.Index, path) {
				if c.awaitDelta(ctx, baseline, name, expectedCount, endAt) {
					c.log.Event("attach", "attachment registered", "target", tgt.Index, "path", "script",
						"elapsed", c.clk.Now().Sub(start).String())
					return nil
				}
			}

			c.clearTarget(ctx, tgt.Index)
		}
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	elapsed := c.clk.Now().Sub(start)
	c.log.Event("attach", "no registration delta before deadline",
		"file", name, "elapsed", elapsed.String())
	if c.dump != nil {
		c.dump(ctx, chatdom.StageAttachment)
	}
	return &chatdom.ConvergenceTimeout{Stage: chatdom.StageAttachment, Elapsed: elapsed}
}

// baseline reads the pre-injection composer signals, retrying a few times:
// a channel that cannot even report the baseline cannot confirm anything,
// so persistent failure surfaces as the instrumentation error itself.
func (c *Confirmer) baseline(ctx context.Context, name string) (chatdom.AttachmentSignals, error) {
	var lastErr error
	for i := 0; i < 3; i++ {
		sig, err := c.readSignals(ctx, name)
		if err == nil {
			c.log.Event("attach", "baseline captured",
				"chips", sig.ChipCount, "input_files", sig.InputCount, "reported", sig.FileCount)
			return sig, nil
		}
		lastErr = err
		if err := c.clk.Sleep(ctx, c.cfg.PollInterval); err != nil {
			return chatdom.AttachmentSignals{}, err
		}
	}
	return chatdom.AttachmentSignals{}, lastErr
}

// awaitDelta polls the composer for a baseline-relative delta until the
// per-target window closes. A visible upload-in-progress indicator restarts
// the window; the overall budget still caps it.
func (c *Confirmer) awaitDelta(ctx context.Context, baseline chatdom.AttachmentSignals, name string, expectedCount int, endAt time.Time) bool {
	deadline := c.clk.Now().Add(c.cfg.TargetWindow)
	if deadline.After(endAt) {
		deadline = endAt
	}
	for c.clk.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return false
		case <-c.clk.After(c.cfg.PollInterval):
		}
		sig, err := c.readSignals(ctx, name)
		if err != nil {
			continue
		}
		if SignalDelta(baseline, sig, expectedCount) {
			return true
		}
		if sig.Uploading {
			deadline = c.clk.Now().Add(c.cfg.TargetWindow)
			if deadline.After(endAt) {
				deadline = endAt
			}
		}
	}
	return false
}

// SignalDelta reports whether cur shows the injected file registered,
// relative to the pre-injection baseline. Exactly the three channels the
// protocol trusts: a chip naming the file that was not there before, a file
// input holding a matching file it did not hold before, or a composer-
// reported count that grew (and reached expectedCount when one is set).
func SignalDelta(base, cur chatdom.AttachmentSignals, expectedCount int) bool {
	if cur.UIMatch && (cur.ChipCount > base.ChipCount || cur.ChipSignature != base.ChipSignature) {
		return true
	}
	if cur.InputMatch && (cur.InputCount > base.InputCount || !base.InputMatch) {
		return true
	}
	if cur.FileCount > base.FileCount && (expectedCount <= 0 || cur.FileCount >= expectedCount) {
		return true
	}
	return false
}

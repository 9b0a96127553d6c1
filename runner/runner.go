// Package runner composes the browser manager, the completion watcher, the
// attachment confirmer and the session log into the operations a caller
// sees: Ask, AttachFile and Status. One Runner drives one chat tab;
// operations on it are serialized, because a tab that is mid-stream has no
// defined response to a second submission.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hazyhaar/chatwatch/answerwatch"
	"github.com/hazyhaar/chatwatch/attach"
	"github.com/hazyhaar/chatwatch/browser"
	"github.com/hazyhaar/chatwatch/clock"
	"github.com/hazyhaar/chatwatch/idgen"
	"github.com/hazyhaar/chatwatch/kit"
	"github.com/hazyhaar/chatwatch/sessionlog"
)

// Runner drives one chat tab end to end.
type Runner struct {
	cfg     *Config
	slogger *slog.Logger
	log     *sessionlog.Logger
	clk     clock.Clock
	md      *markdownizer
	newID   idgen.Generator

	mgr *browser.Manager

	// opMu serializes Ask and AttachFile; a second caller gets an error
	// instead of a queue, because its prompt would land mid-stream anyway.
	opMu sync.Mutex

	mu        sync.Mutex
	sess      browser.Session
	chatURL   string
	ext       *answerwatch.Extractor
	waiter    *answerwatch.Waiter
	confirmer *attach.Confirmer
	dumper    *answerwatch.Dumper
	state     string
	startedAt time.Time
	asks      int
	attaches  int
	lastAsk   *AskResult
}

// Option configures a Runner.
type Option func(*Runner)

// WithSlog sets the console logger handed to the browser manager.
func WithSlog(l *slog.Logger) Option { return func(r *Runner) { r.slogger = l } }

// WithLogger attaches the session logger shared by every component.
func WithLogger(l *sessionlog.Logger) Option { return func(r *Runner) { r.log = l } }

// WithClock injects the clock driving every wait and window.
func WithClock(c clock.Clock) Option { return func(r *Runner) { r.clk = c } }

// WithSession binds an existing instrumentation session instead of
// connecting to a browser. Start becomes a no-op; tests use this.
func WithSession(s browser.Session) Option { return func(r *Runner) { r.sess = s } }

// New builds a Runner from a normalized config.
func New(cfg *Config, opts ...Option) (*Runner, error) {
	if cfg == nil {
		return nil, fmt.Errorf("runner: nil config")
	}
	r := &Runner{
		cfg:     cfg,
		slogger: slog.Default(),
		clk:     clock.System(),
		md:      newMarkdownizer(),
		newID:   idgen.Prefixed("ask_", idgen.UUIDv7()),
		state:   "detached",
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.sess != nil {
		if err := r.bind(r.sess, "injected"); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Start connects to the browser and binds the chat tab: the attach_to
// prefix is tried first, then a fresh tab on the configured URL. No-op when
// a session was injected.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	bound := r.sess != nil
	r.mu.Unlock()
	if bound {
		return nil
	}
	if r.cfg.Chat.URL == "" && r.cfg.Chat.AttachTo == "" {
		return fmt.Errorf("runner: no chat url or attach_to configured")
	}

	r.mgr = browser.NewManager(r.cfg.Browser, r.slogger)
	if err := r.mgr.Connect(ctx); err != nil {
		return err
	}

	var (
		page *browser.Page
		err  error
	)
	if r.cfg.Chat.AttachTo != "" {
		page, err = r.mgr.FindChat(ctx, r.cfg.Chat.AttachTo)
		if err != nil && r.cfg.Chat.URL != "" {
			r.slogger.Info("runner: no matching tab, opening fresh", "error", err)
			page, err = r.mgr.OpenChat(ctx, r.cfg.Chat.URL)
		}
	} else {
		page, err = r.mgr.OpenChat(ctx, r.cfg.Chat.URL)
	}
	if err != nil {
		return err
	}
	return r.bind(page, page.URL())
}

// bind wires the per-session components onto one instrumentation channel.
func (r *Runner) bind(sess browser.Session, chatURL string) error {
	ext, err := answerwatch.NewExtractor(sess, &r.cfg.Profile, r.log)
	if err != nil {
		return err
	}
	dumper, err := answerwatch.NewDumper(sess, &r.cfg.Profile, r.log)
	if err != nil {
		return err
	}
	waiter := answerwatch.NewWaiter(ext, sess, &r.cfg.Profile, r.cfg.Wait,
		answerwatch.WithClock(r.clk),
		answerwatch.WithLogger(r.log),
		answerwatch.WithDump(dumper.Capture))
	confirmer := attach.NewConfirmer(sess, &r.cfg.Profile, r.cfg.Attach,
		attach.WithClock(r.clk),
		attach.WithLogger(r.log),
		attach.WithDump(func(ctx context.Context, stage string) {
			dumper.Capture(ctx, stage, nil)
		}))

	r.mu.Lock()
	r.sess = sess
	r.chatURL = chatURL
	r.ext = ext
	r.waiter = waiter
	r.confirmer = confirmer
	r.dumper = dumper
	r.state = "idle"
	r.startedAt = r.clk.Now()
	r.mu.Unlock()
	return nil
}

// Close releases the browser connection. The session log is owned by the
// caller that built it.
func (r *Runner) Close() error {
	r.mu.Lock()
	r.state = "detached"
	r.mu.Unlock()
	if r.mgr != nil {
		return r.mgr.Close()
	}
	return nil
}

// AskRequest is one prompt for the chat surface.
type AskRequest struct {
	Prompt string `json:"prompt"`
}

// AskResult is the converged final answer.
type AskResult struct {
	AskID string `json:"ask_id"`
	// Text is the captured reply text, verbatim.
	Text string `json:"text"`
	// Markdown is the sanitized HTML-to-markdown rendering of the reply,
	// falling back to Text when the HTML yields nothing.
	Markdown string `json:"markdown"`
	// Kind records which detection strategy produced the snapshot:
	// observer, poll or recovered.
	Kind      string `json:"kind"`
	Refreshed bool   `json:"refreshed"`
	TurnIndex int    `json:"turn_index"`
	MessageID string `json:"message_id,omitempty"`
	ElapsedMS int64  `json:"elapsed_ms"`
}

// Ask submits a prompt and blocks until the assistant's reply has converged.
// The completion floor is the turn count observed before submission plus
// one, so a stale previous answer can never be captured as this one.
func (r *Runner) Ask(ctx context.Context, req AskRequest) (*AskResult, error) {
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return nil, fmt.Errorf("runner: empty prompt")
	}
	sess, ext, waiter, err := r.components()
	if err != nil {
		return nil, err
	}
	if !r.opMu.TryLock() {
		return nil, fmt.Errorf("runner: another operation is in flight")
	}
	defer r.opMu.Unlock()
	r.setState("asking")
	defer r.setState("idle")

	askID := r.newID()
	ctx = kit.WithAskID(ctx, askID)
	start := r.clk.Now()

	count, err := ext.TurnCount(ctx)
	if err != nil {
		// Without the pre-submit floor a stale turn could win the race;
		// refuse rather than risk returning the previous answer.
		return nil, fmt.Errorf("runner: turn floor: %w", err)
	}
	if err := r.submit(ctx, sess, prompt); err != nil {
		return nil, err
	}
	r.log.Event("ask", "prompt submitted",
		"ask_id", askID, "transport", kit.GetTransport(ctx),
		"chars", len(prompt), "min_turn", count+1)

	out, err := waiter.WaitFinal(ctx, count+1)
	if err != nil {
		r.log.Event("ask", "wait failed", "ask_id", askID, "error", err.Error())
		return nil, fmt.Errorf("runner: ask %s: %w", askID, err)
	}

	res := &AskResult{
		AskID:     askID,
		Text:      out.Snapshot.Text,
		Markdown:  r.md.Render(out.Snapshot.HTML, out.Snapshot.Text),
		Kind:      string(out.Kind),
		Refreshed: out.Refreshed,
		TurnIndex: out.Snapshot.TurnIndex,
		MessageID: out.Snapshot.MessageID,
		ElapsedMS: r.clk.Now().Sub(start).Milliseconds(),
	}
	r.log.Event("ask", "answer captured",
		"ask_id", askID, "kind", res.Kind, "chars", len(res.Text),
		"turn", res.TurnIndex, "elapsed_ms", res.ElapsedMS)

	r.mu.Lock()
	r.asks++
	r.lastAsk = res
	r.mu.Unlock()
	return res, nil
}

// AttachRequest names a file to attach to the composer.
type AttachRequest struct {
	Path string `json:"path"`
	// ExpectedCount, when positive, is the composer-reported attachment
	// total that proves registration.
	ExpectedCount int `json:"expected_count,omitempty"`
}

// AttachResult reports a confirmed attachment.
type AttachResult struct {
	Path      string `json:"path"`
	Class     string `json:"class"`
	MIME      string `json:"mime"`
	Size      int64  `json:"size"`
	Pages     int    `json:"pages,omitempty"`
	ElapsedMS int64  `json:"elapsed_ms"`
}

// AttachFile validates the file, injects it into the composer and blocks
// until the composer visibly registered it.
func (r *Runner) AttachFile(ctx context.Context, req AttachRequest) (*AttachResult, error) {
	if req.Path == "" {
		return nil, fmt.Errorf("runner: empty attachment path")
	}
	confirmer, err := r.confirmerHandle()
	if err != nil {
		return nil, err
	}
	if !r.opMu.TryLock() {
		return nil, fmt.Errorf("runner: another operation is in flight")
	}
	defer r.opMu.Unlock()
	r.setState("attaching")
	defer r.setState("idle")

	start := r.clk.Now()
	pre, err := attach.Preflight(req.Path)
	if err != nil {
		return nil, err
	}
	if err := confirmer.Confirm(ctx, req.Path, req.ExpectedCount); err != nil {
		return nil, err
	}

	res := &AttachResult{
		Path:      pre.Path,
		Class:     string(pre.Class),
		MIME:      pre.MIME,
		Size:      pre.Size,
		Pages:     pre.Pages,
		ElapsedMS: r.clk.Now().Sub(start).Milliseconds(),
	}
	r.log.Event("attach", "attachment confirmed",
		"path", res.Path, "class", res.Class, "elapsed_ms", res.ElapsedMS)

	r.mu.Lock()
	r.attaches++
	r.mu.Unlock()
	return res, nil
}

// Status is a point-in-time view of the runner.
type Status struct {
	State         string                 `json:"state"`
	ChatURL       string                 `json:"chat_url,omitempty"`
	StartedAt     time.Time              `json:"started_at"`
	Asks          int                    `json:"asks"`
	Attaches      int                    `json:"attaches"`
	LastAskID     string                 `json:"last_ask_id,omitempty"`
	LastKind      string                 `json:"last_kind,omitempty"`
	LastChars     int                    `json:"last_chars,omitempty"`
	LastElapsedMS int64                  `json:"last_elapsed_ms,omitempty"`
	Store         *sessionlog.StoreStats `json:"store,omitempty"`
}

// Status reports the runner's current state. Never blocks on an in-flight
// operation.
func (r *Runner) Status(store *sessionlog.Store) *Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := &Status{
		State:     r.state,
		ChatURL:   r.chatURL,
		StartedAt: r.startedAt,
		Asks:      r.asks,
		Attaches:  r.attaches,
	}
	if r.lastAsk != nil {
		st.LastAskID = r.lastAsk.AskID
		st.LastKind = r.lastAsk.Kind
		st.LastChars = len(r.lastAsk.Text)
		st.LastElapsedMS = r.lastAsk.ElapsedMS
	}
	if store != nil {
		stats := store.Stats()
		st.Store = &stats
	}
	return st
}

func (r *Runner) components() (browser.Session, *answerwatch.Extractor, *answerwatch.Waiter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sess == nil {
		return nil, nil, nil, fmt.Errorf("runner: not started")
	}
	return r.sess, r.ext, r.waiter, nil
}

func (r *Runner) confirmerHandle() (*attach.Confirmer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.confirmer == nil {
		return nil, fmt.Errorf("runner: not started")
	}
	return r.confirmer, nil
}

func (r *Runner) setState(s string) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

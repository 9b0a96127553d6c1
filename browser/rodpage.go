package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

const mutationBinding = "__cw_mutations"

// observeScript installs a page-wide MutationObserver that reports record
// counts through the CDP binding. Installation is idempotent per document;
// SPA navigations replace the document and re-run it.
const observeScript = `() => {
	if (window.__cw_observing) return true;
	const report = (n) => {
		try { window.` + mutationBinding + `(JSON.stringify({n: n, t: Date.now()})); } catch (e) {}
	};
	const obs = new MutationObserver((records) => report(records.length));
	obs.observe(document.documentElement, {
		subtree: true,
		childList: true,
		characterData: true,
		attributes: true,
	});
	window.__cw_observing = true;
	return true;
}`

// Page adapts a Rod page to the Session interface.
type Page struct {
	page     *rod.Page
	url      string
	logger   *slog.Logger
	debounce time.Duration
	seq      atomic.Uint64

	mu        sync.Mutex
	observing bool
}

// NewPage wraps an attached Rod page. The debounce window coalesces mutation
// notifications into bursts; zero selects the default.
func NewPage(p *rod.Page, url string, logger *slog.Logger, debounce time.Duration) *Page {
	if logger == nil {
		logger = slog.Default()
	}
	if debounce <= 0 {
		debounce = 150 * time.Millisecond
	}
	return &Page{page: p, url: url, logger: logger, debounce: debounce}
}

// URL returns the address the page was opened on.
func (p *Page) URL() string { return p.url }

// Rod exposes the underlying page for operations outside the Session
// surface, such as screenshots during manual debugging.
func (p *Page) Rod() *rod.Page { return p.page }

func (p *Page) Eval(ctx context.Context, fn string) (string, error) {
	res, err := p.page.Context(ctx).Eval(fn)
	if err != nil {
		return "", fmt.Errorf("browser: eval: %w", err)
	}
	return res.Value.Str(), nil
}

func (p *Page) SetFiles(ctx context.Context, selector string, index int, paths ...string) error {
	page := p.page.Context(ctx)
	els, err := page.Elements(selector)
	if err != nil {
		return fmt.Errorf("browser: query %q: %w", selector, err)
	}
	if index < 0 || index >= len(els) {
		return fmt.Errorf("browser: no element %d for %q (page has %d)", index, selector, len(els))
	}
	if err := els[index].SetFiles(paths); err != nil {
		return fmt.Errorf("browser: set files on %q[%d]: %w", selector, index, err)
	}
	return nil
}

func (p *Page) Terminate(ctx context.Context) error {
	if err := (proto.RuntimeTerminateExecution{}).Call(p.page.Context(ctx)); err != nil {
		return fmt.Errorf("browser: terminate execution: %w", err)
	}
	return nil
}

// Mutations injects the observer script on first use and returns a channel
// of debounced bursts. Saturated consumers lose bursts rather than block the
// event loop; a lost burst only delays the next re-check.
func (p *Page) Mutations(ctx context.Context) (<-chan MutationBurst, func(), error) {
	if err := p.ensureObserver(ctx); err != nil {
		return nil, nil, err
	}

	sctx, cancel := context.WithCancel(ctx)
	raw := make(chan int, 256)
	out := make(chan MutationBurst, 16)

	go p.listenBinding(sctx, raw)
	go p.coalesce(sctx, raw, out)

	return out, cancel, nil
}

func (p *Page) ensureObserver(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.observing {
		return nil
	}

	// AddBinding fails when the binding already exists, e.g. after a
	// reconnect to the same tab. The observer still works through it.
	if err := (proto.RuntimeAddBinding{Name: mutationBinding}).Call(p.page); err != nil {
		p.logger.Warn("browser: add binding", "error", err)
	}

	if _, err := p.page.Context(ctx).Eval(observeScript); err != nil {
		return fmt.Errorf("browser: inject observer: %w", err)
	}

	p.observing = true
	p.logger.Debug("browser: mutation observer injected", "url", p.url)
	return nil
}

func (p *Page) listenBinding(ctx context.Context, raw chan<- int) {
	p.page.Context(ctx).EachEvent(func(e *proto.RuntimeBindingCalled) {
		if e.Name != mutationBinding {
			return
		}
		var rec struct {
			N int `json:"n"`
		}
		if err := json.Unmarshal([]byte(e.Payload), &rec); err != nil {
			p.logger.Warn("browser: parse binding payload", "error", err)
			return
		}
		select {
		case raw <- rec.N:
		default:
		}
	})()
}

func (p *Page) coalesce(ctx context.Context, raw <-chan int, out chan<- MutationBurst) {
	defer close(out)

	var (
		pending int
		timer   <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-raw:
			pending += n
			if timer == nil {
				timer = time.After(p.debounce)
			}
		case <-timer:
			timer = nil
			if pending == 0 {
				continue
			}
			b := MutationBurst{Seq: p.seq.Add(1), At: time.Now(), Records: pending}
			pending = 0
			select {
			case out <- b:
			default:
			}
		}
	}
}

package answerwatch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hazyhaar/chatwatch/browser"
	"github.com/hazyhaar/chatwatch/chatdom"
	"github.com/hazyhaar/chatwatch/sessionlog"
)

// extractScript walks conversation turns newest to oldest and returns the
// first assistant turn at or past the minimum index. When the structural
// turn selectors match nothing (layouts change under us), it falls back
// to a heuristically scored content root and takes the last markdown-like
// node inside it. Parameters: profile JSON, minimum turn index.
const extractScript = `() => {
	const P = %s;
	const MIN = %d;
	const q = (root, sel) => { try { return Array.from(root.querySelectorAll(sel)); } catch (e) { return []; } };
	const one = (root, sel) => { try { return root.querySelector(sel); } catch (e) { return null; } };
	const txt = (el) => ((el.innerText !== undefined ? el.innerText : el.textContent) || '');

	const turns = q(document, P.turnSelector);
	if (turns.length > 0) {
		for (let i = turns.length - 1; i >= 0; i--) {
			if (i < MIN) break;
			const t = turns[i];
			let assistant = false;
			try { assistant = t.matches(P.assistantTurnSelector); } catch (e) {}
			if (!assistant && !one(t, P.assistantTurnSelector)) continue;
			for (const b of q(t, P.expandSelector)) { try { b.click(); } catch (e) {} }
			const body = one(t, P.markdownSelector) || t;
			const text = txt(body).trim();
			if (!text) continue;
			let messageId = t.getAttribute(P.messageIdAttr) || '';
			if (!messageId) {
				const carrier = one(t, '[' + P.messageIdAttr + ']');
				if (carrier) messageId = carrier.getAttribute(P.messageIdAttr) || '';
			}
			return JSON.stringify({
				found: true,
				text: text,
				html: body.innerHTML,
				turnId: t.getAttribute(P.turnIdAttr) || t.id || '',
				messageId: messageId,
				turnIndex: i,
				fallback: false,
				turnCount: turns.length
			});
		}
		return JSON.stringify({ found: false, turnCount: turns.length });
	}

	const roots = q(document, P.fallbackRootSelector).filter(r => !r.closest(P.excludeSelector));
	let bestRoot = null;
	let bestScore = -1;
	for (const r of roots) {
		const score = q(r, P.actionBarSelector).length * P.scoreActionWeight
			+ q(r, P.assistantTurnSelector).length * P.scoreRoleWeight
			+ q(r, P.markdownSelector).length * P.scoreMarkdownWeight;
		if (score > bestScore) { bestScore = score; bestRoot = r; }
	}
	if (!bestRoot) return JSON.stringify({ found: false, turnCount: 0 });
	const nodes = q(bestRoot, P.markdownSelector).filter(n => !n.closest(P.excludeSelector));
	if (nodes.length === 0) return JSON.stringify({ found: false, turnCount: 0 });
	const roles = q(bestRoot, P.assistantTurnSelector).length;
	const idx = roles > 0 ? roles - 1 : 0;
	if (idx < MIN) return JSON.stringify({ found: false, turnCount: 0 });
	const node = nodes[nodes.length - 1];
	const text = txt(node).trim();
	if (!text) return JSON.stringify({ found: false, turnCount: 0 });
	return JSON.stringify({
		found: true,
		text: text,
		html: node.innerHTML,
		turnId: '',
		messageId: '',
		turnIndex: idx,
		fallback: true,
		turnCount: 0
	});
}`

// countScript reports how many conversation turns the page currently shows.
const countScript = `() => {
	const P = %s;
	let n = 0;
	try { n = document.querySelectorAll(P.turnSelector).length; } catch (e) {}
	return JSON.stringify({ count: n });
}`

// affordanceScript reads the streaming affordances: a visible stop control
// means still generating; a visible action bar or an exact done marker in
// the status element means finished.
const affordanceScript = `() => {
	const P = %s;
	const vis = (el) => !!el && el.offsetParent !== null;
	let generating = false;
	try { generating = Array.from(document.querySelectorAll(P.stopSelector)).some(vis); } catch (e) {}
	let finished = false;
	try { finished = Array.from(document.querySelectorAll(P.actionBarSelector)).some(vis); } catch (e) {}
	if (!finished && P.statusSelector && P.doneMarker) {
		try {
			finished = Array.from(document.querySelectorAll(P.statusSelector))
				.some(el => vis(el) && el.textContent.trim() === P.doneMarker);
		} catch (e) {}
	}
	return JSON.stringify({ generating: generating, finished: finished });
}`

// dismissScript clicks every visible stop control and reports how many.
const dismissScript = `() => {
	const P = %s;
	const vis = (el) => !!el && el.offsetParent !== null;
	let clicked = 0;
	try {
		for (const el of Array.from(document.querySelectorAll(P.stopSelector))) {
			if (vis(el)) { try { el.click(); clicked++; } catch (e) {} }
		}
	} catch (e) {}
	return JSON.stringify({ clicked: clicked });
}`

// Extractor reads candidate answer snapshots out of the live page. It is
// idempotent and side-effect-light: the only UI it touches are expand
// controls needed to reveal full content. One Extractor is shared by every
// detection strategy in a race.
type Extractor struct {
	sess     browser.Session
	prof     *chatdom.Profile
	log      *sessionlog.Logger
	profJSON string
}

// NewExtractor builds an Extractor for one page. The profile is marshalled
// once and handed to every probe script.
func NewExtractor(sess browser.Session, prof *chatdom.Profile, log *sessionlog.Logger) (*Extractor, error) {
	pj, err := json.Marshal(prof)
	if err != nil {
		return nil, fmt.Errorf("answerwatch: marshal profile: %w", err)
	}
	return &Extractor{sess: sess, prof: prof, log: log, profJSON: string(pj)}, nil
}

type extractResult struct {
	Found     bool   `json:"found"`
	Text      string `json:"text"`
	HTML      string `json:"html"`
	TurnID    string `json:"turnId"`
	MessageID string `json:"messageId"`
	TurnIndex int    `json:"turnIndex"`
	Fallback  bool   `json:"fallback"`
	TurnCount int    `json:"turnCount"`
}

// Extract returns the newest qualifying assistant snapshot, or nil when the
// page holds none at or past minTurn. The turn filter is re-applied here so
// every extraction path (observer, poller, recovery, fallback) filters
// identically, whatever the script reported.
func (e *Extractor) Extract(ctx context.Context, minTurn int) (*chatdom.Snapshot, error) {
	raw, err := e.sess.Eval(ctx, fmt.Sprintf(extractScript, e.profJSON, minTurn))
	if err != nil {
		return nil, &chatdom.InstrumentationError{Op: "extract", Err: err}
	}
	var res extractResult
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		return nil, &chatdom.ExtractionMismatch{Detail: fmt.Sprintf("extract returned %q", clip(raw, 120))}
	}
	if !res.Found || res.Text == "" {
		return nil, nil
	}
	if res.TurnIndex < minTurn {
		return nil, nil
	}
	return &chatdom.Snapshot{
		Text:      res.Text,
		HTML:      res.HTML,
		TurnID:    res.TurnID,
		MessageID: res.MessageID,
		TurnIndex: res.TurnIndex,
		Fallback:  res.Fallback,
	}, nil
}

// TurnCount reports how many conversation turns the page currently shows.
// Callers snapshot this before submitting a prompt and pass it as minTurn
// so stale-turn answers can never satisfy the wait.
func (e *Extractor) TurnCount(ctx context.Context) (int, error) {
	raw, err := e.sess.Eval(ctx, fmt.Sprintf(countScript, e.profJSON))
	if err != nil {
		return 0, &chatdom.InstrumentationError{Op: "count turns", Err: err}
	}
	var res struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		return 0, &chatdom.ExtractionMismatch{Detail: fmt.Sprintf("count returned %q", clip(raw, 120))}
	}
	return res.Count, nil
}

// Affordances reads the page's streaming affordances.
func (e *Extractor) Affordances(ctx context.Context) (chatdom.Affordances, error) {
	raw, err := e.sess.Eval(ctx, fmt.Sprintf(affordanceScript, e.profJSON))
	if err != nil {
		return chatdom.Affordances{}, &chatdom.InstrumentationError{Op: "read affordances", Err: err}
	}
	var aff chatdom.Affordances
	if err := json.Unmarshal([]byte(raw), &aff); err != nil {
		return chatdom.Affordances{}, &chatdom.ExtractionMismatch{Detail: fmt.Sprintf("affordances returned %q", clip(raw, 120))}
	}
	return aff, nil
}

// DismissStuckStop clicks visible stop controls. Used when a stop control
// outlives actual generation and would otherwise veto convergence forever.
func (e *Extractor) DismissStuckStop(ctx context.Context) error {
	raw, err := e.sess.Eval(ctx, fmt.Sprintf(dismissScript, e.profJSON))
	if err != nil {
		return &chatdom.InstrumentationError{Op: "dismiss stop", Err: err}
	}
	var res struct {
		Clicked int `json:"clicked"`
	}
	if err := json.Unmarshal([]byte(raw), &res); err == nil && res.Clicked > 0 {
		e.log.Event("watch", "dismissed stuck stop control", "clicked", res.Clicked)
	}
	return nil
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}

package answerwatch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/hazyhaar/chatwatch/browser"
	"github.com/hazyhaar/chatwatch/chatdom"
	"github.com/hazyhaar/chatwatch/sessionlog"
)

// dumpScript captures the last few conversation turns, truncated, for the
// persisted session log. Parameters: profile JSON, turn count, per-turn
// text cap.
const dumpScript = `() => {
	const P = %s;
	const N = %d;
	const T = %d;
	const out = [];
	try {
		const turns = Array.from(document.querySelectorAll(P.turnSelector));
		const tail = turns.slice(-N);
		for (const t of tail) {
			let role = 'user';
			try {
				if (t.matches(P.assistantTurnSelector) || t.querySelector(P.assistantTurnSelector)) role = 'assistant';
			} catch (e) {}
			out.push({
				index: turns.indexOf(t),
				role: role,
				text: ((t.innerText !== undefined ? t.innerText : t.textContent) || '').slice(0, T)
			});
		}
	} catch (e) {}
	return JSON.stringify(out);
}`

// Dumper captures a truncated view of the recent conversation for the
// session log on terminal failures. Everything here is best effort: a dump
// must never turn one failure into another.
type Dumper struct {
	sess  browser.Session
	prof  *chatdom.Profile
	log   *sessionlog.Logger
	turns int
	trunc int
}

// NewDumper builds a Dumper capturing the last 3 turns at 2000 runes each.
func NewDumper(sess browser.Session, prof *chatdom.Profile, log *sessionlog.Logger) (*Dumper, error) {
	if _, err := json.Marshal(prof); err != nil {
		return nil, fmt.Errorf("answerwatch: marshal profile: %w", err)
	}
	return &Dumper{sess: sess, prof: prof, log: log, turns: 3, trunc: 2000}, nil
}

// Capture records the page's recent turns under the given failure stage.
// When the live read fails it falls back to summarizing the best snapshot
// the wait had already seen. Dumps are gated behind verbose mode by the
// logger itself; all errors are swallowed.
func (d *Dumper) Capture(ctx context.Context, stage string, best *chatdom.Snapshot) {
	if d == nil || !d.log.Verbose() {
		return
	}
	body := d.liveTurns(ctx)
	if body == "" && best != nil {
		body = SummarizeHTML(best.HTML, d.trunc)
		if body == "" {
			body = truncateRunes(best.Text, d.trunc)
		}
	}
	if body == "" {
		return
	}
	d.log.Dump(stage, body)
}

func (d *Dumper) liveTurns(ctx context.Context) string {
	pj, err := json.Marshal(d.prof)
	if err != nil {
		return ""
	}
	raw, err := d.sess.Eval(ctx, fmt.Sprintf(dumpScript, string(pj), d.turns, d.trunc))
	if err != nil {
		return ""
	}
	var turns []struct {
		Index int    `json:"index"`
		Role  string `json:"role"`
		Text  string `json:"text"`
	}
	if err := json.Unmarshal([]byte(raw), &turns); err != nil || len(turns) == 0 {
		return ""
	}
	return raw
}

// SummarizeHTML flattens an HTML fragment to its visible text, skipping
// script and style subtrees, capped at limit runes.
func SummarizeHTML(fragment string, limit int) string {
	if strings.TrimSpace(fragment) == "" {
		return ""
	}
	doc, err := html.Parse(strings.NewReader(fragment))
	if err != nil {
		return ""
	}
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && (n.DataAtom == atom.Script || n.DataAtom == atom.Style) {
			return
		}
		if n.Type == html.TextNode {
			if t := strings.TrimSpace(n.Data); t != "" {
				if b.Len() > 0 {
					b.WriteByte(' ')
				}
				b.WriteString(t)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return truncateRunes(b.String(), limit)
}

func truncateRunes(s string, limit int) string {
	if limit <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit])
}

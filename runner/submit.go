package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hazyhaar/chatwatch/browser"
	"github.com/hazyhaar/chatwatch/chatdom"
)

// setComposerScript writes the prompt into the composer. Textareas get the
// native value setter so framework-managed inputs observe the change;
// contenteditable composers get their text content replaced. Parameters:
// profile JSON, prompt JSON.
const setComposerScript = `() => {
	const P = %s;
	const TEXT = %s;
	const el = document.querySelector(P.composerSelector);
	if (!el) return JSON.stringify({ ok: false, reason: 'composer not found' });
	el.focus();
	if (el.tagName === 'TEXTAREA' || el.tagName === 'INPUT') {
		const proto = el.tagName === 'TEXTAREA'
			? window.HTMLTextAreaElement.prototype
			: window.HTMLInputElement.prototype;
		Object.getOwnPropertyDescriptor(proto, 'value').set.call(el, TEXT);
	} else {
		el.textContent = TEXT;
	}
	el.dispatchEvent(new InputEvent('input', { bubbles: true }));
	return JSON.stringify({ ok: true });
}`

// clickSendScript clicks the send control when it is present and enabled.
// Parameter: profile JSON.
const clickSendScript = `() => {
	const P = %s;
	const el = document.querySelector(P.sendSelector);
	if (!el) return JSON.stringify({ clicked: false, present: false });
	if (el.disabled || el.getAttribute('aria-disabled') === 'true') {
		return JSON.stringify({ clicked: false, present: true });
	}
	el.click();
	return JSON.stringify({ clicked: true, present: true });
}`

// enterSendScript submits through the keyboard path for composers without a
// send button. Parameter: profile JSON.
const enterSendScript = `() => {
	const P = %s;
	const el = document.querySelector(P.composerSelector);
	if (!el) return JSON.stringify({ ok: false });
	const opts = { key: 'Enter', code: 'Enter', keyCode: 13, which: 13, bubbles: true, cancelable: true };
	el.dispatchEvent(new KeyboardEvent('keydown', opts));
	el.dispatchEvent(new KeyboardEvent('keyup', opts));
	return JSON.stringify({ ok: true });
}`

const (
	// sendWindow is how long to wait for the send control to enable after
	// the prompt lands. Frontends enable it asynchronously off the input
	// event.
	sendWindow   = 3 * time.Second
	sendRetryGap = 150 * time.Millisecond
)

// submit sets the composer text and fires the submission, preferring the
// send button and falling back to the keyboard path.
func (r *Runner) submit(ctx context.Context, sess browser.Session, prompt string) error {
	text, err := json.Marshal(prompt)
	if err != nil {
		return fmt.Errorf("runner: encode prompt: %w", err)
	}
	raw, err := sess.Eval(ctx, fmt.Sprintf(setComposerScript, r.profileJSON(), string(text)))
	if err != nil {
		return &chatdom.InstrumentationError{Op: "set composer", Err: err}
	}
	var set struct {
		OK     bool   `json:"ok"`
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal([]byte(raw), &set); err != nil || !set.OK {
		return fmt.Errorf("runner: composer rejected prompt: %s", set.Reason)
	}

	deadline := r.clk.Now().Add(sendWindow)
	for {
		raw, err := sess.Eval(ctx, fmt.Sprintf(clickSendScript, r.profileJSON()))
		if err != nil {
			return &chatdom.InstrumentationError{Op: "click send", Err: err}
		}
		var click struct {
			Clicked bool `json:"clicked"`
			Present bool `json:"present"`
		}
		if err := json.Unmarshal([]byte(raw), &click); err == nil {
			if click.Clicked {
				return nil
			}
			if !click.Present {
				break
			}
		}
		if !r.clk.Now().Before(deadline) {
			break
		}
		if err := r.clk.Sleep(ctx, sendRetryGap); err != nil {
			return err
		}
	}

	raw, err = sess.Eval(ctx, fmt.Sprintf(enterSendScript, r.profileJSON()))
	if err != nil {
		return &chatdom.InstrumentationError{Op: "submit via keyboard", Err: err}
	}
	var enter struct {
		OK bool `json:"ok"`
	}
	if err := json.Unmarshal([]byte(raw), &enter); err != nil || !enter.OK {
		return fmt.Errorf("runner: no usable submission path")
	}
	return nil
}

func (r *Runner) profileJSON() string {
	pj, err := json.Marshal(&r.cfg.Profile)
	if err != nil {
		return "{}"
	}
	return string(pj)
}

package attach

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"

	"github.com/hazyhaar/chatwatch/chatdom"
)

// signalsScript reads the composer's attachment state: chip labels, the
// files held by every file input, the composer-reported count and the
// upload indicator. Name matching and the chip signature are computed on
// the Go side. Parameter: profile JSON.
const signalsScript = `() => {
	const P = %s;
	const vis = (el) => !!el && el.offsetParent !== null;
	const chipNames = [];
	try {
		for (const c of Array.from(document.querySelectorAll(P.chipSelector))) {
			const n = c.querySelector(P.chipNameSelector);
			chipNames.push((((n || c).textContent) || '').trim());
		}
	} catch (e) {}
	const inputNames = [];
	try {
		for (const input of Array.from(document.querySelectorAll(P.fileInputSelector))) {
			for (const f of Array.from(input.files || [])) inputNames.push(f.name || '');
		}
	} catch (e) {}
	let fileCount = 0;
	try {
		const el = document.querySelector(P.fileCountSelector);
		if (el) fileCount = parseInt((el.textContent.match(/\d+/) || ['0'])[0], 10) || 0;
	} catch (e) {}
	let uploading = false;
	try { uploading = Array.from(document.querySelectorAll(P.uploadingSelector)).some(vis); } catch (e) {}
	return JSON.stringify({ chipNames: chipNames, inputNames: inputNames, fileCount: fileCount, uploading: uploading });
}`

// targetsScript enumerates the candidate file inputs with the attributes
// the ranking needs. Indexes align with the querySelectorAll order that
// Session.SetFiles resolves against. Parameter: profile JSON.
const targetsScript = `() => {
	const P = %s;
	const out = [];
	try {
		const inputs = Array.from(document.querySelectorAll(P.fileInputSelector));
		for (let i = 0; i < inputs.length; i++) {
			const el = inputs[i];
			out.push({
				index: i,
				accept: (el.getAttribute('accept') || '').toLowerCase(),
				multiple: el.hasAttribute('multiple'),
				disabled: el.disabled === true
			});
		}
	} catch (e) {}
	return JSON.stringify(out);
}`

// clearScript drops the files held by one input so the next target cannot
// double-attach. Parameters: profile JSON, target index.
const clearScript = `() => {
	const P = %s;
	const IDX = %d;
	const inputs = Array.from(document.querySelectorAll(P.fileInputSelector));
	const input = inputs[IDX];
	if (!input) return JSON.stringify({ cleared: false });
	try {
		input.value = '';
		input.dispatchEvent(new Event('change', { bubbles: true }));
	} catch (e) {
		return JSON.stringify({ cleared: false });
	}
	return JSON.stringify({ cleared: true });
}`

// dataTransferScript is the script-level injection fallback: it rebuilds
// the file inside the page from a base64 payload, wraps it in a
// DataTransfer and assigns it to the target input, firing the events a real
// file picker would. Parameters: profile JSON, target index, file name
// JSON, MIME JSON, base64 payload.
const dataTransferScript = `() => {
	const P = %s;
	const IDX = %d;
	const NAME = %s;
	const MIME = %s;
	const B64 = '%s';
	const inputs = Array.from(document.querySelectorAll(P.fileInputSelector));
	const input = inputs[IDX];
	if (!input) return JSON.stringify({ ok: false, reason: 'no input at index' });
	try {
		const bin = atob(B64);
		const bytes = new Uint8Array(bin.length);
		for (let i = 0; i < bin.length; i++) bytes[i] = bin.charCodeAt(i);
		const file = new File([bytes], NAME, { type: MIME });
		const dt = new DataTransfer();
		dt.items.add(file);
		input.files = dt.files;
		input.dispatchEvent(new Event('input', { bubbles: true }));
		input.dispatchEvent(new Event('change', { bubbles: true }));
		return JSON.stringify({ ok: true });
	} catch (e) {
		return JSON.stringify({ ok: false, reason: String(e) });
	}
}`

// Target is one candidate file input, as the page enumerates them.
type Target struct {
	Index    int    `json:"index"`
	Accept   string `json:"accept"`
	Multiple bool   `json:"multiple"`
	Disabled bool   `json:"disabled"`
}

// ImageOnly reports whether every accept clause restricts the input to
// images. An empty accept list accepts anything and is never image-only.
func (t Target) ImageOnly() bool {
	if strings.TrimSpace(t.Accept) == "" {
		return false
	}
	any := false
	for _, part := range strings.Split(t.Accept, ",") {
		p := strings.TrimSpace(part)
		if p == "" {
			continue
		}
		any = true
		if !isImageClause(p) {
			return false
		}
	}
	return any
}

// acceptsImages reports whether the input admits image files at all.
func (t Target) acceptsImages() bool {
	if strings.TrimSpace(t.Accept) == "" {
		return true
	}
	for _, part := range strings.Split(t.Accept, ",") {
		if isImageClause(strings.TrimSpace(part)) {
			return true
		}
	}
	return false
}

func isImageClause(p string) bool {
	if strings.HasPrefix(p, "image/") {
		return true
	}
	return strings.HasPrefix(p, ".") && imageExts[p]
}

var imageExts = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true,
	".webp": true, ".bmp": true, ".svg": true, ".avif": true,
}

// RankTargets filters and orders the candidate inputs: disabled inputs and,
// for non-image attachments, image-only inputs are dropped outright;
// multi-file inputs come before single-file ones; an image attachment
// prefers inputs that admit images. Document order breaks the remaining
// ties.
func RankTargets(targets []Target, attachmentIsImage bool) []Target {
	out := make([]Target, 0, len(targets))
	for _, t := range targets {
		if t.Disabled {
			continue
		}
		if !attachmentIsImage && t.ImageOnly() {
			continue
		}
		out = append(out, t)
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Multiple != b.Multiple {
			return a.Multiple
		}
		if attachmentIsImage {
			ai, bi := a.acceptsImages(), b.acceptsImages()
			if ai != bi {
				return ai
			}
		}
		return false
	})
	return out
}

type rawSignals struct {
	ChipNames  []string `json:"chipNames"`
	InputNames []string `json:"inputNames"`
	FileCount  int      `json:"fileCount"`
	Uploading  bool     `json:"uploading"`
}

// readSignals samples the composer and folds the raw read into
// AttachmentSignals, matching names against the expected file on the Go
// side.
func (c *Confirmer) readSignals(ctx context.Context, expected string) (chatdom.AttachmentSignals, error) {
	raw, err := c.sess.Eval(ctx, fmt.Sprintf(signalsScript, c.profileJSON()))
	if err != nil {
		return chatdom.AttachmentSignals{}, &chatdom.InstrumentationError{Op: "read attachment signals", Err: err}
	}
	var rs rawSignals
	if err := json.Unmarshal([]byte(raw), &rs); err != nil {
		return chatdom.AttachmentSignals{}, &chatdom.ExtractionMismatch{Detail: fmt.Sprintf("signals returned %q", clip(raw, 120))}
	}
	return foldSignals(rs, expected), nil
}

func foldSignals(rs rawSignals, expected string) chatdom.AttachmentSignals {
	sig := chatdom.AttachmentSignals{
		ChipCount:     len(rs.ChipNames),
		InputCount:    len(rs.InputNames),
		FileCount:     rs.FileCount,
		Uploading:     rs.Uploading,
		ChipSignature: chipSignature(rs.ChipNames),
	}
	for _, n := range rs.ChipNames {
		if MatchesExpected(n, expected) {
			sig.UIMatch = true
			break
		}
	}
	for _, n := range rs.InputNames {
		if MatchesExpected(n, expected) {
			sig.InputMatch = true
			break
		}
	}
	return sig
}

// chipSignature fingerprints the chip list in display order, so churn is
// visible even when the count stays equal.
func chipSignature(names []string) string {
	h := sha256.New()
	for _, n := range names {
		h.Write([]byte(n))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

func (c *Confirmer) listTargets(ctx context.Context) ([]Target, error) {
	raw, err := c.sess.Eval(ctx, fmt.Sprintf(targetsScript, c.profileJSON()))
	if err != nil {
		return nil, &chatdom.InstrumentationError{Op: "list file inputs", Err: err}
	}
	var targets []Target
	if err := json.Unmarshal([]byte(raw), &targets); err != nil {
		return nil, &chatdom.ExtractionMismatch{Detail: fmt.Sprintf("targets returned %q", clip(raw, 120))}
	}
	return targets, nil
}

func (c *Confirmer) clearTarget(ctx context.Context, index int) {
	raw, err := c.sess.Eval(ctx, fmt.Sprintf(clearScript, c.profileJSON(), index))
	if err != nil {
		c.log.Event("attach", "clear target failed", "target", index, "error", err.Error())
		return
	}
	var res struct {
		Cleared bool `json:"cleared"`
	}
	if err := json.Unmarshal([]byte(raw), &res); err == nil && !res.Cleared {
		c.log.Event("attach", "clear target refused", "target", index)
	}
}

// injectScript runs the DataTransfer fallback for one target. The payload
// rides the instrumentation channel, so oversized files are refused here
// rather than stalling the transport.
func (c *Confirmer) injectScript(ctx context.Context, index int, path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		c.log.Event("attach", "script injection read failed", "error", err.Error())
		return false
	}
	if int64(len(data)) > c.cfg.MaxScriptBytes {
		c.log.Event("attach", "script injection skipped, file too large",
			"bytes", len(data), "max", c.cfg.MaxScriptBytes)
		return false
	}

	name, _ := json.Marshal(stripDirs(path))
	mime, _ := json.Marshal(sniffMIME(path, data))
	payload := base64.StdEncoding.EncodeToString(data)

	raw, err := c.sess.Eval(ctx, fmt.Sprintf(dataTransferScript,
		c.profileJSON(), index, string(name), string(mime), payload))
	if err != nil {
		c.log.Event("attach", "script injection failed", "target", index, "error", err.Error())
		return false
	}
	var res struct {
		OK     bool   `json:"ok"`
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal([]byte(raw), &res); err != nil || !res.OK {
		c.log.Event("attach", "script injection refused", "target", index, "reason", res.Reason)
		return false
	}
	return true
}

func (c *Confirmer) profileJSON() string {
	pj, err := json.Marshal(c.prof)
	if err != nil {
		return "{}"
	}
	return string(pj)
}

// sniffMIME prefers content sniffing and falls back to the extension table
// for types http.DetectContentType cannot tell apart.
func sniffMIME(path string, data []byte) string {
	head := data
	if len(head) > 512 {
		head = head[:512]
	}
	ct := http.DetectContentType(head)
	if ct != "application/octet-stream" && !strings.HasPrefix(ct, "text/plain") {
		return ct
	}
	if byExt := extMIME(path); byExt != "" {
		return byExt
	}
	return ct
}

func stripDirs(path string) string {
	if i := strings.LastIndexAny(path, `/\`); i >= 0 {
		return path[i+1:]
	}
	return path
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}

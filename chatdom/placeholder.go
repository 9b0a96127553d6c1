package chatdom

import "strings"

// IsPlaceholder reports whether text is one of the transient interstitials
// the frontend renders inside a reply body before real content arrives: the
// bare assistant label, or an upload/answer gate shown together with a
// thinking-mode marker. Matching is case-insensitive substring matching
// after trimming, so the classification is idempotent and independent of the
// order snapshots arrive in.
//
// Placeholders are never final content: callers treat a placeholder read the
// same as no read at all.
func (p *Profile) IsPlaceholder(text string) bool {
	s := strings.ToLower(strings.TrimSpace(text))
	if s == "" {
		return true
	}
	if s == strings.ToLower(strings.TrimSpace(p.RoleEchoMarker)) {
		return true
	}

	thinking := false
	for _, m := range p.ThinkingMarkers {
		if m != "" && strings.Contains(s, strings.ToLower(m)) {
			thinking = true
			break
		}
	}
	if !thinking {
		return false
	}
	if p.UploadGateMarker != "" && strings.Contains(s, strings.ToLower(p.UploadGateMarker)) {
		return true
	}
	if p.AnswerGateMarker != "" && strings.Contains(s, strings.ToLower(p.AnswerGateMarker)) {
		return true
	}
	return false
}

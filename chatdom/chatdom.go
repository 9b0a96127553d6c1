// Package chatdom defines the vocabulary shared by the packages that observe
// a chat application's DOM: reply snapshots, streaming affordances, composer
// attachment signals, the selector profile that locates them, and the error
// taxonomy of the observation layer.
//
// Everything here is data. The extraction and convergence machinery lives in
// answerwatch and attach.
package chatdom

import "unicode/utf8"

// Snapshot is one captured read of an assistant reply. Snapshots are
// immutable once returned; re-reads produce fresh values.
type Snapshot struct {
	// Text is the visible text of the reply body.
	Text string
	// HTML is the inner HTML of the reply body, kept for diagnostics and
	// markdown post-processing.
	HTML string
	// TurnID identifies the conversation turn element, when the page
	// exposes one.
	TurnID string
	// MessageID identifies the message inside the turn. Streaming UIs often
	// attach it only once the reply is complete, which makes its appearance
	// a completion signal of its own.
	MessageID string
	// TurnIndex is the zero-based position of the turn in the conversation.
	// Reads below a caller-supplied minimum are discarded at the source so
	// stale turns can never win a race.
	TurnIndex int
	// Fallback marks snapshots produced by the scored content-root scan
	// rather than the structured turn walk.
	Fallback bool
}

// Len returns the reply length in runes. Convergence buckets are keyed on it.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return utf8.RuneCountInString(s.Text)
}

// Affordances reports the streaming controls visible on the page. The json
// tags are the contract with the affordance probe script.
type Affordances struct {
	// Generating is true while a stop-generation control is visible.
	Generating bool `json:"generating"`
	// Finished is true when the page shows a completed-reply marker: the
	// per-turn action bar or the exact done-status text.
	Finished bool `json:"finished"`
}

// AttachmentSignals is one captured read of the composer's attachment state,
// always interpreted relative to a baseline taken before injection.
type AttachmentSignals struct {
	// UIMatch is true when an attachment chip matches the expected name.
	UIMatch bool
	// InputMatch is true when a file input holds a file matching the
	// expected name.
	InputMatch bool
	// ChipCount is the number of attachment chips shown in the composer.
	ChipCount int
	// InputCount is the total number of files held by file inputs.
	InputCount int
	// FileCount is the attachment count the page itself reports, when it
	// reports one. Zero otherwise.
	FileCount int
	// Uploading is true while an upload-in-progress indicator is visible.
	Uploading bool
	// ChipSignature fingerprints the chip list so churn is visible even
	// when counts stay equal.
	ChipSignature string
}

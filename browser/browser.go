// Package browser drives a Chromium instance over the DevTools protocol and
// narrows it to the operations the watchers need: script evaluation,
// file-input injection, mutation subscription and best-effort script
// termination.
//
// Everything above this package talks to the Session interface; the Rod
// adapter lives here and nowhere else.
package browser

import (
	"context"
	"time"
)

// Session is the instrumentation channel to one chat tab.
type Session interface {
	// Eval runs fn, a JS function source such as "() => ...", in the page
	// and returns its result as a string. Probe scripts return
	// JSON.stringify payloads; promises are awaited.
	Eval(ctx context.Context, fn string) (string, error)

	// SetFiles resolves the index-th element matching selector and injects
	// the given file paths into it through the DOM file-input protocol.
	SetFiles(ctx context.Context, selector string, index int, paths ...string) error

	// Mutations subscribes to coalesced DOM mutation bursts. The returned
	// stop function releases the subscription; the channel closes after
	// stop or when ctx ends.
	Mutations(ctx context.Context) (<-chan MutationBurst, func(), error)

	// Terminate best-effort interrupts JavaScript execution stuck in the
	// page. Errors are advisory.
	Terminate(ctx context.Context) error
}

// MutationBurst is a debounced batch of DOM mutation notifications.
type MutationBurst struct {
	Seq     uint64
	At      time.Time
	Records int
}

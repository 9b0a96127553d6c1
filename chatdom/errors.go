package chatdom

import (
	"fmt"
	"time"
)

// Stage tags carried by ConvergenceTimeout.
const (
	StageAssistantResponse = "assistant-response-timeout"
	StageAttachment        = "attachment-not-registered"
)

// InstrumentationError wraps a failure of the remote instrumentation
// channel: an evaluate call that faulted, a lost page, a dead transport.
// These are recoverable; watchers fall back to alternate paths before
// giving up.
type InstrumentationError struct {
	Op  string
	Err error
}

func (e *InstrumentationError) Error() string {
	return fmt.Sprintf("chatdom: instrumentation %s: %v", e.Op, e.Err)
}

func (e *InstrumentationError) Unwrap() error { return e.Err }

// ConvergenceTimeout reports that a wait exhausted its budget without a
// stable result. It is fatal to the wait but not to the session; the page
// stays attached and the caller may retry.
type ConvergenceTimeout struct {
	Stage   string
	Elapsed time.Duration
}

func (e *ConvergenceTimeout) Error() string {
	return fmt.Sprintf("chatdom: convergence timeout (%s) after %s", e.Stage, e.Elapsed.Round(time.Millisecond))
}

// ExtractionMismatch reports that a probe script returned a shape the
// extractor does not understand, usually because the page restructured.
// Consumers treat it as "no snapshot", not as a fault.
type ExtractionMismatch struct {
	Detail string
}

func (e *ExtractionMismatch) Error() string {
	return fmt.Sprintf("chatdom: extraction mismatch: %s", e.Detail)
}

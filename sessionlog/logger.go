package sessionlog

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/chatwatch/idgen"
)

// Logger routes diagnostics to two sinks: structured console output via
// slog, and the persisted session log via a Store. A nil *Logger is valid
// and discards everything, so callers never need to guard their calls.
//
// Verbose mode raises console events from Debug to Info and enables DOM
// dump capture. Dumps are never taken when verbose is off.
type Logger struct {
	base    *slog.Logger
	store   *Store
	verbose bool
	eventID idgen.Generator
	dumpID  idgen.Generator
}

// New creates a Logger. base may be nil (slog.Default is used) and store
// may be nil (nothing is persisted).
func New(base *slog.Logger, store *Store, verbose bool) *Logger {
	if base == nil {
		base = slog.Default()
	}
	return &Logger{
		base:    base,
		store:   store,
		verbose: verbose,
		eventID: idgen.Prefixed("evt_", idgen.UUIDv7()),
		dumpID:  idgen.Prefixed("dmp_", idgen.UUIDv7()),
	}
}

// Verbose reports whether verbose mode is on. Safe on a nil receiver.
func (l *Logger) Verbose() bool {
	return l != nil && l.verbose
}

// Event records one diagnostic event: to the console at Debug (Info when
// verbose), and to the store when one is attached. args are alternating
// key/value pairs as in slog.
func (l *Logger) Event(stage, msg string, args ...any) {
	if l == nil {
		return
	}
	kv := append([]any{"stage", stage}, args...)
	if l.verbose {
		l.base.Info(msg, kv...)
	} else {
		l.base.Debug(msg, kv...)
	}
	if l.store == nil {
		return
	}
	l.store.RecordEvent(&Event{
		ID:      l.eventID(),
		Time:    time.Now(),
		Stage:   stage,
		Message: msg,
		Attrs:   attrsJSON(args),
	})
}

// Dump persists a diagnostic DOM capture. Gated behind verbose mode; a
// no-op otherwise. Never fails: persistence errors surface only in the
// store's own logging.
func (l *Logger) Dump(stage, body string) {
	if l == nil || !l.verbose || l.store == nil || body == "" {
		return
	}
	sum := sha256.Sum256([]byte(body))
	l.store.RecordDump(&Dump{
		ID:     l.dumpID(),
		Time:   time.Now(),
		Stage:  stage,
		Body:   body,
		SHA256: hex.EncodeToString(sum[:]),
	})
	l.base.Info("dom dump captured", "stage", stage, "bytes", len(body))
}

// attrsJSON flattens alternating key/value pairs into a JSON object.
// Non-string keys and a trailing odd value are kept under positional keys
// rather than dropped.
func attrsJSON(args []any) string {
	if len(args) == 0 {
		return "{}"
	}
	m := make(map[string]string, len(args)/2+1)
	for i := 0; i < len(args); i += 2 {
		if i+1 >= len(args) {
			m[fmt.Sprintf("arg%d", i)] = fmt.Sprint(args[i])
			break
		}
		k, ok := args[i].(string)
		if !ok {
			k = fmt.Sprint(args[i])
		}
		m[k] = fmt.Sprint(args[i+1])
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(b)
}

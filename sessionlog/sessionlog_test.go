package sessionlog

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/chatwatch/dbopen"
)

func setupStore(t *testing.T) *Store {
	t.Helper()
	db := dbopen.OpenMemory(t, dbopen.WithSchema(Schema))
	store := NewStore(db)
	t.Cleanup(func() { store.Close() })
	return store
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestStore_RecordEvent_And_Close(t *testing.T) {
	store := setupStore(t)

	base := time.Now()
	for i := 0; i < 10; i++ {
		store.RecordEvent(&Event{
			ID:      "evt_" + string(rune('a'+i)),
			Time:    base.Add(time.Duration(i) * time.Millisecond),
			Stage:   "watch",
			Message: "probe",
			Attrs:   "{}",
		})
	}

	// Close flushes.
	store.Close()

	events, err := store.RecentEvents(context.Background(), 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 10 {
		t.Fatalf("event count: got %d, want 10", len(events))
	}
	// Newest first.
	if events[0].ID != "evt_j" {
		t.Fatalf("newest event: got %s, want evt_j", events[0].ID)
	}
}

func TestStore_RecentEvents_Limit(t *testing.T) {
	store := setupStore(t)

	base := time.Now()
	for i := 0; i < 5; i++ {
		store.RecordEvent(&Event{
			ID:      "evt_" + string(rune('a'+i)),
			Time:    base.Add(time.Duration(i) * time.Second),
			Stage:   "watch",
			Message: "probe",
			Attrs:   "{}",
		})
	}
	store.Close()

	events, err := store.RecentEvents(context.Background(), 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("event count: got %d, want 2", len(events))
	}
	if events[0].ID != "evt_e" || events[1].ID != "evt_d" {
		t.Fatalf("order: got %s, %s", events[0].ID, events[1].ID)
	}
}

func TestStore_RecordDump(t *testing.T) {
	store := setupStore(t)

	store.RecordDump(&Dump{
		ID:     "dmp_1",
		Time:   time.Now(),
		Stage:  "assistant-response-timeout",
		Body:   "<div>last turns</div>",
		SHA256: "abc",
	})
	store.Close()

	var count int
	store.db.QueryRow("SELECT COUNT(*) FROM dom_dumps WHERE dump_id='dmp_1'").Scan(&count)
	if count != 1 {
		t.Fatalf("dump count: got %d, want 1", count)
	}
}

func TestStore_Stats(t *testing.T) {
	store := setupStore(t)
	stats := store.Stats()
	if stats.Dropped != 0 {
		t.Fatalf("dropped: got %d, want 0", stats.Dropped)
	}
}

func TestLogger_NilReceiver(t *testing.T) {
	var l *Logger
	// Must not panic.
	l.Event("watch", "probe", "n", 1)
	l.Dump("watch", "<html>")
	if l.Verbose() {
		t.Fatal("nil logger reports verbose")
	}
}

func TestLogger_PersistsEvents(t *testing.T) {
	store := setupStore(t)
	l := New(quietLogger(), store, false)

	l.Event("attach", "target registered", "index", 2, "chip", "report.pdf")
	store.Close()

	events, err := store.RecentEvents(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Fatalf("event count: got %d, want 1", len(events))
	}
	e := events[0]
	if e.Stage != "attach" || e.Message != "target registered" {
		t.Fatalf("event: got %+v", e)
	}
	var attrs map[string]string
	if err := json.Unmarshal([]byte(e.Attrs), &attrs); err != nil {
		t.Fatalf("attrs not JSON: %v", err)
	}
	if attrs["index"] != "2" || attrs["chip"] != "report.pdf" {
		t.Fatalf("attrs: got %v", attrs)
	}
}

func TestLogger_DumpGatedByVerbose(t *testing.T) {
	store := setupStore(t)
	quiet := New(quietLogger(), store, false)
	quiet.Dump("assistant-response-timeout", "<div>a</div>")

	verbose := New(quietLogger(), store, true)
	body := "<div>last turns</div>"
	verbose.Dump("assistant-response-timeout", body)
	store.Close()

	var count int
	store.db.QueryRow("SELECT COUNT(*) FROM dom_dumps").Scan(&count)
	if count != 1 {
		t.Fatalf("dump count: got %d, want 1 (verbose only)", count)
	}
	var sum string
	store.db.QueryRow("SELECT body_sha256 FROM dom_dumps").Scan(&sum)
	want := sha256.Sum256([]byte(body))
	if sum != hex.EncodeToString(want[:]) {
		t.Fatalf("sha256: got %s", sum)
	}
}

func TestAttrsJSON(t *testing.T) {
	tests := []struct {
		name string
		args []any
		want map[string]string
	}{
		{"empty", nil, nil},
		{"pairs", []any{"a", 1, "b", "x"}, map[string]string{"a": "1", "b": "x"}},
		{"odd trailing", []any{"a", 1, "orphan"}, map[string]string{"a": "1", "arg2": "orphan"}},
		{"non-string key", []any{42, "v"}, map[string]string{"42": "v"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := attrsJSON(tt.args)
			if tt.want == nil {
				if got != "{}" {
					t.Fatalf("got %s, want {}", got)
				}
				return
			}
			var m map[string]string
			if err := json.Unmarshal([]byte(got), &m); err != nil {
				t.Fatal(err)
			}
			for k, v := range tt.want {
				if m[k] != v {
					t.Fatalf("key %s: got %q, want %q", k, m[k], v)
				}
			}
		})
	}
}

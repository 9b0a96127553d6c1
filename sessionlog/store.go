// Package sessionlog persists the per-ask event trail and diagnostic DOM
// dumps to SQLite, asynchronously so the watch loops never block on disk.
package sessionlog

import (
	"context"
	"database/sql"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/chatwatch/dbopen"
)

// Schema contains the DDL for the session log tables. Pass it to
// dbopen.WithSchema or apply manually.
const Schema = `
CREATE TABLE IF NOT EXISTS session_events (
	event_id TEXT PRIMARY KEY,
	timestamp INTEGER NOT NULL,
	stage TEXT NOT NULL,
	message TEXT NOT NULL,
	attrs TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_session_events_ts ON session_events(timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_session_events_stage ON session_events(stage);

CREATE TABLE IF NOT EXISTS dom_dumps (
	dump_id TEXT PRIMARY KEY,
	timestamp INTEGER NOT NULL,
	stage TEXT NOT NULL,
	body TEXT NOT NULL,
	body_sha256 TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_dom_dumps_ts ON dom_dumps(timestamp DESC);
`

// Event is one line of the session trail: a stage transition, a probe
// result, a recovery attempt.
type Event struct {
	ID      string
	Time    time.Time
	Stage   string
	Message string
	Attrs   string // JSON object, "{}" when empty
}

// Dump is a diagnostic DOM capture taken on terminal failure.
type Dump struct {
	ID     string
	Time   time.Time
	Stage  string
	Body   string
	SHA256 string
}

type record struct {
	ev *Event
	dp *Dump
}

// Store persists events and dumps to SQLite asynchronously. Records are
// buffered in memory and flushed in batches; when the buffer is full new
// records are dropped rather than blocking the caller.
type Store struct {
	db      *sql.DB
	ch      chan record
	done    chan struct{}
	once    sync.Once
	dropped atomic.Uint64
}

// StoreStats is a point-in-time view of the store's buffer.
type StoreStats struct {
	Queued  int
	Dropped uint64
}

// NewStore creates a session log store backed by the given database.
// The schema must already be applied (see dbopen.WithSchema).
func NewStore(db *sql.DB) *Store {
	s := &Store{
		db:   db,
		ch:   make(chan record, 1024),
		done: make(chan struct{}),
	}
	go s.flushLoop()
	return s
}

// RecordEvent queues an event for async persistence. Non-blocking; drops
// if the buffer is full.
func (s *Store) RecordEvent(e *Event) {
	select {
	case s.ch <- record{ev: e}:
	default:
		s.dropped.Add(1)
	}
}

// RecordDump queues a DOM dump for async persistence. Non-blocking; drops
// if the buffer is full.
func (s *Store) RecordDump(d *Dump) {
	select {
	case s.ch <- record{dp: d}:
	default:
		s.dropped.Add(1)
	}
}

// RecentEvents returns the most recent events, newest first.
func (s *Store) RecentEvents(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT event_id, timestamp, stage, message, attrs
		 FROM session_events ORDER BY timestamp DESC, event_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var ts int64
		if err := rows.Scan(&e.ID, &ts, &e.Stage, &e.Message, &e.Attrs); err != nil {
			return nil, err
		}
		e.Time = time.UnixMilli(ts)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Stats reports buffer depth and the number of dropped records.
func (s *Store) Stats() StoreStats {
	return StoreStats{Queued: len(s.ch), Dropped: s.dropped.Load()}
}

// Close drains the buffer and stops the flush goroutine.
func (s *Store) Close() error {
	s.once.Do(func() {
		close(s.ch)
		<-s.done
	})
	return nil
}

func (s *Store) flushLoop() {
	defer close(s.done)

	batch := make([]record, 0, 64)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case r, ok := <-s.ch:
			if !ok {
				s.flushBatch(batch)
				return
			}
			batch = append(batch, r)
			if len(batch) >= 64 {
				s.flushBatch(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				s.flushBatch(batch)
				batch = batch[:0]
			}
		}
	}
}

func (s *Store) flushBatch(batch []record) {
	if len(batch) == 0 {
		return
	}

	err := dbopen.RunTx(context.Background(), s.db, func(tx *sql.Tx) error {
		evStmt, err := tx.Prepare(
			`INSERT INTO session_events (event_id, timestamp, stage, message, attrs)
			 VALUES (?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer evStmt.Close()

		dpStmt, err := tx.Prepare(
			`INSERT INTO dom_dumps (dump_id, timestamp, stage, body, body_sha256)
			 VALUES (?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer dpStmt.Close()

		for _, r := range batch {
			switch {
			case r.ev != nil:
				if _, err := evStmt.Exec(r.ev.ID, r.ev.Time.UnixMilli(), r.ev.Stage, r.ev.Message, r.ev.Attrs); err != nil {
					return err
				}
			case r.dp != nil:
				if _, err := dpStmt.Exec(r.dp.ID, r.dp.Time.UnixMilli(), r.dp.Stage, r.dp.Body, r.dp.SHA256); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		slog.Error("sessionlog: flush batch", "error", err, "records", len(batch))
	}
}

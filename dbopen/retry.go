package dbopen

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Write batches from the session log retry a few times when the write lock
// is held (WAL checkpoints can hold it briefly). Attempt n waits n*100ms.
const (
	busyAttempts = 3
	busyBaseWait = 100 * time.Millisecond
)

// IsBusy reports whether err indicates an SQLite BUSY condition.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

// RunTx executes fn inside a transaction, retrying on SQLITE_BUSY.
// Non-busy errors from fn are returned as-is, after rollback.
func RunTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	var err error
	for attempt := 1; attempt <= busyAttempts; attempt++ {
		err = runTxOnce(ctx, db, fn)
		if err == nil || !IsBusy(err) {
			return err
		}
		if attempt == busyAttempts {
			break
		}
		wait := time.NewTimer(time.Duration(attempt) * busyBaseWait)
		select {
		case <-ctx.Done():
			wait.Stop()
			return fmt.Errorf("dbopen: retry wait: %w", ctx.Err())
		case <-wait.C:
		}
	}
	return fmt.Errorf("dbopen: tx busy after %d attempts: %w", busyAttempts, err)
}

func runTxOnce(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("dbopen: begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("dbopen: commit: %w", err)
	}
	return nil
}

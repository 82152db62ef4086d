package database

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"deskrelay/internal/constants"
	"deskrelay/internal/retry"

	"github.com/mattn/go-sqlite3"
)

// dbBackoff is the schedule for transient SQLite failures. Writers contend
// on the single database lock, so a short doubling backoff clears most
// SQLITE_BUSY windows without stalling the consumer loops.
var dbBackoff = retry.NewBackoff(retry.BackoffConfig{
	InitialDelay: time.Duration(constants.DefaultBackoffInitialMs) * time.Millisecond,
	MaxDelay:     time.Duration(constants.DefaultBackoffMaxMs) * time.Millisecond,
	Multiplier:   2.0,
	MaxAttempts:  constants.DefaultDatabaseRetryAttempts,
	Jitter:       false,
})

// runWithRetry executes op, retrying transient database errors. The name
// only decorates the returned error.
func runWithRetry(ctx context.Context, op func() error, name string) error {
	err := dbBackoff.RetryWithPredicate(ctx, op, isTransientDBError)
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if isTransientDBError(err) {
		return fmt.Errorf("%s exhausted %d attempts: %w", name, constants.DefaultDatabaseRetryAttempts, err)
	}
	return fmt.Errorf("%s: %w", name, err)
}

// isTransientDBError reports whether another attempt could plausibly
// succeed. Lock contention and I/O hiccups are transient; constraint,
// schema, and context errors are not.
func isTransientDBError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked, sqlite3.ErrIoErr:
			return true
		default:
			return false
		}
	}

	// Lock contention can also surface as plain text from the driver.
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "disk I/O error")
}

package store

import (
	"context"
	"log/slog"
	"strings"
	"time"
)

// isBusyError checks if the error is a SQLITE_BUSY error.
func isBusyError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "SQLITE_BUSY")
}

// isLockedError checks if the error is a "database is locked" error.
func isLockedError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "database is locked")
}

// isConflictError reports SQLite concurrency errors that warrant a retry.
func isConflictError(err error) bool {
	return isBusyError(err) || isLockedError(err)
}

const (
	maxRetries     = 3
	baseRetryDelay = 100 * time.Millisecond
)

// withRetry runs fn, retrying conflict errors with exponential backoff
// (100ms, 200ms).
func withRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	for i := 0; i < maxRetries; i++ {
		if err = fn(); err == nil || !isConflictError(err) {
			return err
		}
		if i == maxRetries-1 {
			break
		}
		delay := baseRetryDelay * time.Duration(1<<i)
		slog.Debug("SQLite conflict, retrying", "op", op, "attempt", i+1, "delay", delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

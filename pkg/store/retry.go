package store

import (
	"errors"
	"math/rand/v2"
	"strings"
	"time"
)

// ErrCorrupted marks errors where the database file itself is damaged.
// Retrying cannot help; the caller must recover the store.
var ErrCorrupted = errors.New("store corrupted")

// Several agent processes share one WAL database. busy_timeout absorbs most
// SQLITE_BUSY at the connection level, but LOCKED and short reads from WAL
// contention still surface and are retried here with backoff.

type retryConfig struct {
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

var defaultRetryConfig = retryConfig{
	maxRetries: 3,
	baseDelay:  50 * time.Millisecond,
	maxDelay:   500 * time.Millisecond,
}

// modernc.org/sqlite reports errors as text with the numeric result code in
// parentheses, so both forms are matched.
var (
	transientPatterns = []string{
		"SQLITE_BUSY",
		"SQLITE_LOCKED",
		"IOERR_SHORT_READ",
		"database is locked",
		"database table is locked",
		"(5)",
		"(6)",
		"(522)",
	}
	corruptionPatterns = []string{
		"SQLITE_CORRUPT",
		"SQLITE_NOTADB",
		"database disk image is malformed",
		"file is not a database",
		"(11)",
		"(26)",
	}
)

func matchesAny(err error, patterns []string) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, p := range patterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

func isTransientSQLiteErr(err error) bool {
	return matchesAny(err, transientPatterns)
}

// IsCorruption reports whether err indicates a damaged database file,
// either because it wraps ErrCorrupted or because SQLite said so.
func IsCorruption(err error) bool {
	if errors.Is(err, ErrCorrupted) {
		return true
	}
	return matchesAny(err, corruptionPatterns)
}

// retryOp runs fn until it succeeds, fails with a non-transient error, or
// the retry budget is spent. Returns the last error seen.
func retryOp(cfg retryConfig, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= cfg.maxRetries; attempt++ {
		lastErr = fn()
		if lastErr == nil || !isTransientSQLiteErr(lastErr) {
			return lastErr
		}
		if attempt < cfg.maxRetries {
			time.Sleep(backoffDelay(cfg, attempt))
		}
	}
	return lastErr
}

// backoffDelay is baseDelay*2^attempt capped at maxDelay, plus jitter in
// [0, baseDelay).
func backoffDelay(cfg retryConfig, attempt int) time.Duration {
	delay := cfg.baseDelay << uint(attempt)
	if delay > cfg.maxDelay {
		delay = cfg.maxDelay
	}
	return delay + rand.N(cfg.baseDelay)
}

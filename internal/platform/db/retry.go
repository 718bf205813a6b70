package db

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// RetryPolicy bounds how often a storage operation is re-attempted after a
// transient failure. Attempts counts the first try; Backoff is the base
// delay, multiplied by the attempt number between tries.
type RetryPolicy struct {
	Attempts int
	Backoff  time.Duration
}

var (
	// DefaultReadRetry is the budget for read-only operations.
	DefaultReadRetry = RetryPolicy{Attempts: 3, Backoff: 50 * time.Millisecond}
	// DefaultWriteRetry is the smaller budget for transactional writes.
	DefaultWriteRetry = RetryPolicy{Attempts: 2, Backoff: 100 * time.Millisecond}
)

// transientCodes are the SQLSTATE values treated as retryable: serialization
// failures, deadlocks, and server shutdown during failover.
var transientCodes = map[string]struct{}{
	"40001": {}, // serialization_failure
	"40P01": {}, // deadlock_detected
	"57P01": {}, // admin_shutdown
}

// IsTransient reports whether err is worth retrying. Connection-class
// errors (SQLSTATE 08xxx) and errors pgconn knows produced no server-side
// effect are transient; everything else, including context cancellation,
// is not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if _, ok := transientCodes[pgErr.Code]; ok {
			return true
		}
		return strings.HasPrefix(pgErr.Code, "08")
	}
	return pgconn.SafeToRetry(err)
}

// WithRetry runs fn, re-attempting it per policy while it keeps failing
// with transient errors. The final error is returned unwrapped so callers
// can still inspect it.
func WithRetry(ctx context.Context, policy RetryPolicy, fn func(context.Context) error) error {
	attempts := policy.Attempts
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = fn(ctx)
		if err == nil || !IsTransient(err) {
			return err
		}
		if attempt == attempts {
			break
		}
		if werr := sleep(ctx, time.Duration(attempt)*policy.Backoff); werr != nil {
			return werr
		}
	}
	return err
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

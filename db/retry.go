package db

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

const (
	retryBaseDelay = 100 * time.Millisecond
	retryMaxDelay  = 3200 * time.Millisecond
	retryMaxAttempts = 10
)

// transientSQLStates are Postgres error codes worth retrying: connection
// loss, deadlocks, and serialization failures under concurrent load. Any
// other SQLSTATE is treated as permanent — retrying a syntax error or a
// missing column just burns the backoff budget for no benefit.
var transientSQLStates = map[string]bool{
	"40001": true, // serialization_failure
	"40P01": true, // deadlock_detected
	"08000": true, // connection_exception
	"08003": true, // connection_does_not_exist
	"08006": true, // connection_failure
	"57P03": true, // cannot_connect_now
}

// isTransient reports whether err is worth retrying: a dropped connection or
// a contention error that a later attempt may not hit again.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return transientSQLStates[pgErr.Code]
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// withRetry runs op, retrying on transient errors with exponential backoff
// starting at 100ms and capped at 3.2s, up to 10 attempts total. Permanent
// errors return immediately on the first attempt.
func withRetry(ctx context.Context, op func() error) error {
	delay := retryBaseDelay
	var lastErr error
	for attempt := 1; attempt <= retryMaxAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isTransient(lastErr) || attempt == retryMaxAttempts {
			return lastErr
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > retryMaxDelay {
			delay = retryMaxDelay
		}
	}
	return lastErr
}

package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// retryDelay is the base delay between SafeQuery retries.
// Attempt n waits retryDelay * 2^n.
const retryDelay = 100 * time.Millisecond

// SafeOptions configures SafeQuery and SafeExec retry behavior.
type SafeOptions struct {
	// Retries is the number of additional attempts after the first failure.
	Retries int

	// Fallback, when non-nil, is returned instead of an error once all
	// retries are exhausted. Validation errors are never masked.
	Fallback any
}

// SafeQuery runs a query and collects rows with scan, retrying transient
// failures. After each failure the connection is re-tested before the
// next attempt. When retries exhaust and opts.Fallback holds a []T, the
// fallback is returned instead of the error.
func SafeQuery[T any](ctx context.Context, c *Client, opts SafeOptions,
	scan pgx.RowToFunc[T], sql string, args ...any) ([]T, error) {

	var lastErr error
	for attempt := 0; attempt <= opts.Retries; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, retryDelay*(1<<attempt)); err != nil {
				return nil, err
			}
			if err := c.TestConnection(ctx); err != nil {
				lastErr = err
				continue
			}
			c.logger.Info("retrying query", "attempt", attempt)
		}

		rows, err := c.Query(ctx, sql, args...)
		if err != nil {
			lastErr = err
			continue
		}
		out, err := pgx.CollectRows(rows, scan)
		if err != nil {
			lastErr = Classify(err)
			continue
		}
		return out, nil
	}

	if fb, ok := opts.Fallback.([]T); ok && !errors.Is(lastErr, ErrValidationFailed) {
		c.logger.Warn("query failed, returning fallback value",
			"retries", opts.Retries, "error", lastErr)
		return fb, nil
	}
	return nil, fmt.Errorf("query failed after %d retries: %w", opts.Retries, lastErr)
}

// SafeExec runs a statement with the same retry policy as SafeQuery.
func SafeExec(ctx context.Context, c *Client, opts SafeOptions,
	sql string, args ...any) (pgconn.CommandTag, error) {

	var lastErr error
	for attempt := 0; attempt <= opts.Retries; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, retryDelay*(1<<attempt)); err != nil {
				return pgconn.CommandTag{}, err
			}
			if err := c.TestConnection(ctx); err != nil {
				lastErr = err
				continue
			}
			c.logger.Info("retrying exec", "attempt", attempt)
		}

		tag, err := c.Exec(ctx, sql, args...)
		if err != nil {
			lastErr = err
			continue
		}
		return tag, nil
	}
	return pgconn.CommandTag{}, fmt.Errorf("exec failed after %d retries: %w",
		opts.Retries, lastErr)
}

// sleep waits for d or until ctx is canceled.
func sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("canceled during retry backoff: %w", ctx.Err())
	case <-time.After(d):
		return nil
	}
}

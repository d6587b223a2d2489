package store

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// CriticalAttempts is how many times a critical write is tried in total.
const CriticalAttempts = 3

var criticalInitialInterval = 50 * time.Millisecond

// RetryCritical runs op with exponential backoff, up to CriticalAttempts
// tries. ErrDuplicateResponse and ErrNotFound are permanent and returned at
// once. The last error is returned when every attempt fails.
func RetryCritical(ctx context.Context, name string, op func(ctx context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = criticalInitialInterval
	b.MaxInterval = 10 * criticalInitialInterval
	policy := backoff.WithContext(backoff.WithMaxRetries(b, CriticalAttempts-1), ctx)

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := op(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrDuplicateResponse) || errors.Is(err, ErrNotFound) {
			return backoff.Permanent(err)
		}
		slog.Warn("RetryCritical: write failed", "op", name, "attempt", attempt, "error", err)
		return err
	}, policy)
}

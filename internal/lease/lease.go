// Package lease records which executor owns a run. A lease is held by an
// opaque owner token and optionally expires, so a crashed executor cannot
// block a run forever.
package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tracerun/pkg/domain"
)

// Store is the run state store. Acquire succeeds only when no live lease
// exists for the run. Release and Renew succeed only for the current owner.
type Store interface {
	Acquire(ctx context.Context, runID domain.RunID, owner string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, runID domain.RunID, owner string) (bool, error)
	Renew(ctx context.Context, runID domain.RunID, owner string, ttl time.Duration) (bool, error)
	// Holder returns the current owner, or "" when the run has no live lease.
	Holder(ctx context.Context, runID domain.RunID) (string, error)
}

// Backoff policies for AcquireWithin.
const (
	BackoffFailFast = "fail_fast"
	BackoffWait     = "wait"
)

// ErrTimeout is returned when AcquireWithin runs out of time while the
// lease is still held elsewhere.
var ErrTimeout = errors.New("lease acquire timed out")

const (
	minRetryInterval = 10 * time.Millisecond
	maxRetryInterval = 250 * time.Millisecond
)

// AcquireWithin tries to acquire the lease, bounded by timeout. With
// BackoffFailFast it makes exactly one attempt. With BackoffWait it retries
// with exponential backoff until the deadline and then returns ErrTimeout.
// A false result with a nil error means the lease is held by someone else.
func AcquireWithin(ctx context.Context, store Store, runID domain.RunID, owner string, ttl, timeout time.Duration, policy string) (bool, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	interval := minRetryInterval
	for {
		ok, err := store.Acquire(ctx, runID, owner, ttl)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return false, fmt.Errorf("%w: %w", ErrTimeout, err)
			}
			return false, err
		}
		if ok || policy != BackoffWait {
			return ok, nil
		}

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return false, ErrTimeout
			}
			return false, ctx.Err()
		case <-timer.C:
		}
		interval = min(interval*2, maxRetryInterval)
	}
}

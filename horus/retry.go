// Copyright 2025 Apptank
// SPDX-License-Identifier: Apache-2.0

package horus

import (
	"context"
	"time"
)

// DefaultMaxAttempts bounds retries of push and completion bookkeeping.
const DefaultMaxAttempts = 3

// DefaultRetryDelay is the backoff unit between attempts: attempt n
// waits n * DefaultRetryDelay (no delay before the first attempt).
const DefaultRetryDelay = 2 * time.Second

// SleepWithContext waits for d or until the context is cancelled.
func SleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AttemptOperation runs op up to maxAttempts times, sleeping
// attempt*delay between tries, and returns the last error.
func AttemptOperation(ctx context.Context, maxAttempts int, delay time.Duration, op func() error) error {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			if err := SleepWithContext(ctx, time.Duration(attempt)*delay); err != nil {
				return err
			}
		}
		if lastErr = op(); lastErr == nil {
			return nil
		}
	}
	return lastErr
}

// AttemptOperationResult runs op up to maxAttempts times with the same
// backoff schedule, stopping as soon as a non-failure result is
// returned. NotAuthorized is terminal: retrying cannot fix a rejected
// session.
func AttemptOperationResult[T any](ctx context.Context, maxAttempts int, delay time.Duration, op func() Result[T]) Result[T] {
	var last Result[T]
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			if err := SleepWithContext(ctx, time.Duration(attempt)*delay); err != nil {
				return Failure[T](err)
			}
		}
		last = op()
		if !last.IsFailure() {
			return last
		}
	}
	return last
}

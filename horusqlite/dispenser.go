// Copyright 2025 Apptank
// SPDX-License-Identifier: Apache-2.0

package horusqlite

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultBatchSize is the number of locally created actions that
// triggers a push.
const DefaultBatchSize = 10

// DefaultBatchExpiration bounds how stale the pending queue may get
// under low write volume.
const DefaultBatchExpiration = 15 * time.Minute

// BatchDispenser amortizes network calls: it counts newly created
// local actions and triggers the push synchronizer once a batch-size or
// staleness threshold is crossed. It performs no network access of its
// own.
type BatchDispenser struct {
	log        *ActionLog
	push       *PushSynchronizer
	logger     *slog.Logger
	batchSize  int
	expiration time.Duration
	now        func() time.Time

	mu      sync.Mutex
	counter int
}

// NewBatchDispenser builds a dispenser delegating to push.
func NewBatchDispenser(log *ActionLog, push *PushSynchronizer, batchSize int, expiration time.Duration, logger *slog.Logger) *BatchDispenser {
	if logger == nil {
		logger = slog.Default()
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if expiration <= 0 {
		expiration = DefaultBatchExpiration
	}
	return &BatchDispenser{
		log:        log,
		push:       push,
		logger:     logger,
		batchSize:  batchSize,
		expiration: expiration,
		now:        time.Now,
	}
}

// ProcessBatch is invoked once per newly created local action. It
// triggers a push when either the batch counter and pending queue both
// reach batchSize, or the last completed action is older than the
// expiration window.
func (d *BatchDispenser) ProcessBatch(ctx context.Context) error {
	d.mu.Lock()
	d.counter++
	counter := d.counter
	d.mu.Unlock()

	last, err := d.log.GetLastActionCompleted(ctx)
	if err != nil {
		return err
	}
	var lastCompletedAt int64
	if last != nil {
		lastCompletedAt = last.ActionedAt
	}

	pending, err := d.log.CountPendingActions(ctx)
	if err != nil {
		return err
	}

	mustSyncByBatch := counter >= d.batchSize && pending >= d.batchSize
	mustSyncByTime := lastCompletedAt > 0 &&
		d.now().Unix()-lastCompletedAt >= int64(d.expiration.Seconds())

	if !mustSyncByBatch && !mustSyncByTime {
		return nil
	}

	d.mu.Lock()
	d.counter = 0
	d.mu.Unlock()

	d.logger.Debug("batch threshold crossed, triggering push",
		"by_batch", mustSyncByBatch, "by_time", mustSyncByTime, "pending", pending)
	d.push.TrySynchronizeData(ctx)
	return nil
}

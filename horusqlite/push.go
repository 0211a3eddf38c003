// Copyright 2025 Apptank
// SPDX-License-Identifier: Apache-2.0

package horusqlite

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/apptanksas/go-horus-sync/horus"
)

// PushSynchronizer drains the action log to the remote service. At
// most one push is in flight per synchronizer: the exclusivity flag is
// instance-scoped and acquired with compare-and-swap, so concurrent
// triggers (network-change bursts, dispenser thresholds) collapse into
// one.
type PushSynchronizer struct {
	log         *ActionLog
	service     horus.RemoteService
	session     horus.SessionHolder
	network     horus.NetworkValidator
	bus         *EventBus
	logger      *slog.Logger
	maxAttempts int
	retryDelay  time.Duration
	inFlight    atomic.Bool
}

// NewPushSynchronizer builds a push synchronizer and registers it as a
// network-availability listener: every transition to available
// re-triggers a push on a background goroutine, never inline on the
// connectivity monitor's thread.
func NewPushSynchronizer(log *ActionLog, service horus.RemoteService, session horus.SessionHolder, network horus.NetworkValidator, bus *EventBus, logger *slog.Logger) *PushSynchronizer {
	if logger == nil {
		logger = slog.Default()
	}
	p := &PushSynchronizer{
		log:         log,
		service:     service,
		session:     session,
		network:     network,
		bus:         bus,
		logger:      logger,
		maxAttempts: horus.DefaultMaxAttempts,
		retryDelay:  horus.DefaultRetryDelay,
	}
	network.OnNetworkChange(func(available bool) {
		if available {
			go p.TrySynchronizeData(context.Background())
		}
	})
	return p
}

// SetRetryPolicy overrides the retry bounds (test hook and tuning).
func (p *PushSynchronizer) SetRetryPolicy(maxAttempts int, delay time.Duration) {
	p.maxAttempts = maxAttempts
	p.retryDelay = delay
}

// TrySynchronizeData pushes all pending actions to the remote service.
// Missing session and missing network are silent no-ops; an overlapping
// push is skipped. Outcomes are reported through SYNC_PUSH_SUCCESS /
// SYNC_PUSH_FAILED events, never as panics or surfaced errors.
func (p *PushSynchronizer) TrySynchronizeData(ctx context.Context) {
	if !p.session.IsUserAuthenticated() {
		p.logger.Debug("push skipped: no authenticated session")
		return
	}
	if !p.network.IsNetworkAvailable() {
		p.logger.Debug("push skipped: network unavailable")
		return
	}
	if !p.inFlight.CompareAndSwap(false, true) {
		p.logger.Debug("push skipped: synchronization already in progress")
		return
	}
	defer p.inFlight.Store(false)

	actions, err := p.log.GetPendingActions(ctx)
	if err != nil {
		p.logger.Error("push failed to read pending actions", "error", err)
		p.bus.Publish(Event{Type: EventPushFailed, Err: err})
		return
	}
	if len(actions) == 0 {
		return
	}

	ids := make([]int64, len(actions))
	for i, a := range actions {
		ids[i] = a.ID
	}

	result := horus.AttemptOperationResult(ctx, p.maxAttempts, p.retryDelay, func() horus.Result[horus.Unit] {
		return p.service.PostQueueActions(ctx, actions)
	})
	if !result.IsSuccess() {
		err := result.Err
		if result.IsNotAuthorized() {
			err = fmt.Errorf("push rejected: session not authorized")
		}
		p.logger.Warn("push failed after retries", "actions", len(actions), "error", err)
		p.bus.Publish(Event{Type: EventPushFailed, Err: err})
		return
	}

	// Completion bookkeeping is retried with the same policy; if it
	// still fails the actions stay pending and the next push retries
	// them (the server dedups on actionedAt).
	err = horus.AttemptOperation(ctx, p.maxAttempts, p.retryDelay, func() error {
		ok, err := p.log.CompleteActions(ctx, ids)
		if err != nil {
			return err
		}
		if !ok {
			return ErrIncompleteCompletion
		}
		return nil
	})
	if err != nil {
		p.logger.Error("push completion bookkeeping failed", "actions", len(actions), "error", err)
		p.bus.Publish(Event{Type: EventPushFailed, Err: err})
		return
	}

	p.logger.Info("push completed", "actions", len(actions))
	p.bus.Publish(Event{Type: EventPushSuccess})
}

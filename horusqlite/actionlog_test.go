// Copyright 2025 Apptank
// SPDX-License-Identifier: Apache-2.0

package horusqlite

import (
	"context"
	"errors"
	"testing"

	"github.com/apptanksas/go-horus-sync/horus"
)

func TestAddActionInsertRecordsPendingAndPublishes(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	var created Event
	env.client.bus.Subscribe(EventEntityCreated, func(ev Event) { created = ev })

	attrs := map[string]any{"id": "m-1", "measure": "w", "unit": "kg", "value": 10.0}
	if err := env.client.log.AddActionInsert(ctx, "measures", attrs); err != nil {
		t.Fatalf("add insert action: %v", err)
	}

	pending, err := env.client.log.GetPendingActions(ctx)
	if err != nil {
		t.Fatalf("get pending: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending action, got %d", len(pending))
	}
	a := pending[0]
	if a.Action != horus.ActionInsert || a.Entity != "measures" || a.Status != horus.ActionPending {
		t.Fatalf("unexpected action: %+v", a)
	}
	if id, _ := a.RecordID(); id != "m-1" {
		t.Fatalf("expected payload id m-1, got %q", id)
	}
	if a.ActionedAt == 0 {
		t.Fatal("actionedAt not assigned")
	}

	if created.Type != EventEntityCreated || created.ID != "m-1" || created.Entity != "measures" {
		t.Fatalf("ENTITY_CREATED not published correctly: %+v", created)
	}
	if created.Attributes["unit"] != "kg" {
		t.Fatalf("event attributes missing: %+v", created.Attributes)
	}
}

func TestAddActionValidatesEntity(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	err := env.client.log.AddActionInsert(ctx, "ghosts", map[string]any{"id": "x"})
	if !errors.Is(err, ErrEntityNotFound) {
		t.Fatalf("expected ErrEntityNotFound, got %v", err)
	}

	// categories is a readable lookup entity.
	err = env.client.log.AddActionUpdate(ctx, "categories", "c-1", map[string]any{"label": "x"})
	if !errors.Is(err, ErrEntityNotWritable) {
		t.Fatalf("expected ErrEntityNotWritable, got %v", err)
	}
}

// Completion is all-or-nothing from the caller's perspective: fewer
// transitions than requested ids reports failure so the push retries.
func TestCompleteActionsPartialIsFailure(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if err := env.client.log.AddActionDelete(ctx, "measures", id); err != nil {
			t.Fatalf("add action: %v", err)
		}
	}
	pending, err := env.client.log.GetPendingActions(ctx)
	if err != nil {
		t.Fatalf("get pending: %v", err)
	}

	ok, err := env.client.log.CompleteActions(ctx, []int64{pending[0].ID, pending[1].ID})
	if err != nil || !ok {
		t.Fatalf("expected full completion, ok=%v err=%v", ok, err)
	}

	// One id already completed: the bulk transition must report false.
	ok, err = env.client.log.CompleteActions(ctx, []int64{pending[1].ID, pending[2].ID})
	if err != nil {
		t.Fatalf("complete actions: %v", err)
	}
	if ok {
		t.Fatal("expected partial completion to report false")
	}

	// Unknown id behaves the same.
	ok, err = env.client.log.CompleteActions(ctx, []int64{99999})
	if err != nil || ok {
		t.Fatalf("expected false for unknown id, ok=%v err=%v", ok, err)
	}
}

func TestGetLastActionCompletedAndAfterDatetime(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	last, err := env.client.log.GetLastActionCompleted(ctx)
	if err != nil {
		t.Fatalf("get last completed: %v", err)
	}
	if last != nil {
		t.Fatalf("expected no completed action, got %+v", last)
	}

	if err := env.client.log.AddActionDelete(ctx, "measures", "a"); err != nil {
		t.Fatalf("add action: %v", err)
	}
	if err := env.client.log.AddActionDelete(ctx, "measures", "b"); err != nil {
		t.Fatalf("add action: %v", err)
	}
	pending, _ := env.client.log.GetPendingActions(ctx)
	if ok, err := env.client.log.CompleteActions(ctx, []int64{pending[0].ID, pending[1].ID}); !ok || err != nil {
		t.Fatalf("complete: ok=%v err=%v", ok, err)
	}

	last, err = env.client.log.GetLastActionCompleted(ctx)
	if err != nil || last == nil {
		t.Fatalf("expected completed action, got %+v err=%v", last, err)
	}
	if last.ID != pending[1].ID {
		t.Fatalf("expected newest completed id %d, got %d", pending[1].ID, last.ID)
	}

	after, err := env.client.log.GetCompletedActionsAfterDatetime(ctx, 0)
	if err != nil {
		t.Fatalf("after datetime: %v", err)
	}
	if len(after) != 2 {
		t.Fatalf("expected 2 completed actions, got %d", len(after))
	}
	after, err = env.client.log.GetCompletedActionsAfterDatetime(ctx, last.ActionedAt)
	if err != nil {
		t.Fatalf("after datetime: %v", err)
	}
	if len(after) != 0 {
		t.Fatalf("expected no actions strictly after %d, got %d", last.ActionedAt, len(after))
	}
}

func TestCheckpointControlRows(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	cp, err := env.client.log.GetLastDatetimeCheckpoint(ctx)
	if err != nil || cp != 0 {
		t.Fatalf("expected 0 checkpoint, got %d err=%v", cp, err)
	}

	if err := env.client.log.AddSyncTypeStatusAt(ctx, horus.SyncTypeCheckpoint, horus.SyncStatusCompleted, 100); err != nil {
		t.Fatalf("add control row: %v", err)
	}
	if err := env.client.log.AddSyncTypeStatusAt(ctx, horus.SyncTypeCheckpoint, horus.SyncStatusFailed, 500); err != nil {
		t.Fatalf("add control row: %v", err)
	}
	if err := env.client.log.AddSyncTypeStatusAt(ctx, horus.SyncTypeCheckpoint, horus.SyncStatusCompleted, 300); err != nil {
		t.Fatalf("add control row: %v", err)
	}

	// Failed attempts do not advance the checkpoint.
	cp, err = env.client.log.GetLastDatetimeCheckpoint(ctx)
	if err != nil || cp != 300 {
		t.Fatalf("expected checkpoint 300, got %d err=%v", cp, err)
	}

	done, err := env.client.log.IsStatusCompleted(ctx, horus.SyncTypeInitialSync)
	if err != nil || done {
		t.Fatalf("initial sync should not be completed, got %v err=%v", done, err)
	}
	if err := env.client.log.AddSyncTypeStatus(ctx, horus.SyncTypeInitialSync, horus.SyncStatusCompleted); err != nil {
		t.Fatalf("add control row: %v", err)
	}
	done, err = env.client.log.IsStatusCompleted(ctx, horus.SyncTypeInitialSync)
	if err != nil || !done {
		t.Fatalf("initial sync should be completed, got %v err=%v", done, err)
	}
}

func TestEntityRegistryQueries(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	names, err := env.client.log.GetEntityNames(ctx)
	if err != nil {
		t.Fatalf("entity names: %v", err)
	}
	if len(names) != 3 {
		t.Fatalf("expected 3 entities, got %v", names)
	}

	writable, err := env.client.log.GetWritableEntityNames(ctx)
	if err != nil {
		t.Fatalf("writable names: %v", err)
	}
	if len(writable) != 2 || writable[0] != "measures" || writable[1] != "products" {
		t.Fatalf("unexpected writable entities: %v", writable)
	}

	readable, err := env.client.log.GetReadableEntityNames(ctx)
	if err != nil || len(readable) != 1 || readable[0] != "categories" {
		t.Fatalf("unexpected readable entities: %v err=%v", readable, err)
	}

	if ok, _ := env.client.log.IsEntityCanBeWritable(ctx, "categories"); ok {
		t.Fatal("categories must not be writable")
	}
	if ok, _ := env.client.log.IsEntityCanBeWritable(ctx, "nope"); ok {
		t.Fatal("unknown entity must not be writable")
	}
}

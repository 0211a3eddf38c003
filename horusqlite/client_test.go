// Copyright 2025 Apptank
// SPDX-License-Identifier: Apache-2.0

package horusqlite

import (
	"context"
	"errors"
	"testing"

	"github.com/apptanksas/go-horus-sync/horus"
)

type recordedChange struct {
	kind   string
	entity string
	id     string
	attrs  map[string]any
}

type changeRecorder struct {
	changes []recordedChange
}

func (r *changeRecorder) OnEntityCreated(entity, id string, attrs map[string]any) {
	r.changes = append(r.changes, recordedChange{"created", entity, id, attrs})
}

func (r *changeRecorder) OnEntityUpdated(entity, id string, attrs map[string]any) {
	r.changes = append(r.changes, recordedChange{"updated", entity, id, attrs})
}

func (r *changeRecorder) OnEntityDeleted(entity, id string) {
	r.changes = append(r.changes, recordedChange{kind: "deleted", entity: entity, id: id})
}

func TestClientInsert(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	attrs := map[string]any{"measure": "w", "unit": "kg", "value": 10.0}
	id, err := env.client.Insert(ctx, "measures", attrs)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if id == "" {
		t.Fatal("expected a generated row id")
	}

	rows, err := env.client.store.QueryRecords(ctx, Query{Table: "measures", Where: []Condition{Eq("id", id)}})
	if err != nil || len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d err=%v", len(rows), err)
	}
	row := rows[0]
	if row["sync_owner_id"] != "user-1" {
		t.Fatalf("owner not stamped: %v", row["sync_owner_id"])
	}
	want := horus.GenerateHashFromMap(map[string]any{"id": id, "measure": "w", "unit": "kg", "value": 10.0})
	if row["sync_hash"] != want {
		t.Fatal("sync_hash does not cover the hashable attributes")
	}

	pending, err := env.client.log.GetPendingActions(ctx)
	if err != nil || len(pending) != 1 {
		t.Fatalf("expected 1 pending action, got %d err=%v", len(pending), err)
	}
	if pending[0].Action != horus.ActionInsert {
		t.Fatalf("expected INSERT action, got %s", pending[0].Action)
	}
	if rid, _ := pending[0].RecordID(); rid != id {
		t.Fatalf("action id mismatch: %s vs %s", rid, id)
	}
}

func TestClientRejectsReservedAttributes(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if _, err := env.client.Insert(ctx, "measures", map[string]any{"measure": "w", "sync_hash": "x"}); err == nil {
		t.Fatal("expected rejection of reserved attribute")
	}
	if err := env.client.Update(ctx, "measures", "any", map[string]any{"sync_owner_id": "x"}); err == nil {
		t.Fatal("expected rejection of reserved attribute")
	}
}

func TestClientUpdateRecomputesHashAndQueuesDelta(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	id, err := env.client.Insert(ctx, "measures", map[string]any{"measure": "w", "unit": "kg", "value": 10.0})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := env.client.Update(ctx, "measures", id, map[string]any{"value": 12.0}); err != nil {
		t.Fatalf("update: %v", err)
	}

	rows, _ := env.client.store.QueryRecords(ctx, Query{Table: "measures", Where: []Condition{Eq("id", id)}})
	want := horus.GenerateHashFromMap(map[string]any{"id": id, "measure": "w", "unit": "kg", "value": 12.0})
	if rows[0]["sync_hash"] != want {
		t.Fatal("sync_hash not recomputed over the merged row")
	}

	pending, _ := env.client.log.GetPendingActions(ctx)
	if len(pending) != 2 || pending[1].Action != horus.ActionUpdate {
		t.Fatalf("expected queued UPDATE, got %v", pending)
	}
	delta := pending[1].Attributes()
	if len(delta) != 1 || delta["value"] != 12.0 {
		t.Fatalf("update action must carry only the delta, got %v", delta)
	}

	if err := env.client.Update(ctx, "measures", "missing", map[string]any{"value": 1.0}); err == nil {
		t.Fatal("expected error updating an absent row")
	}
}

func TestClientDelete(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	id, err := env.client.Insert(ctx, "measures", map[string]any{"measure": "w", "unit": "kg", "value": 10.0})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := env.client.Delete(ctx, "measures", id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if n := env.countRows(t, "measures"); n != 0 {
		t.Fatalf("row not deleted, %d rows left", n)
	}

	pending, _ := env.client.log.GetPendingActions(ctx)
	if len(pending) != 2 || pending[1].Action != horus.ActionDelete {
		t.Fatalf("expected queued DELETE, got %v", pending)
	}
}

func TestClientQuery(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for _, m := range []map[string]any{
		{"measure": "w", "unit": "kg", "value": 10.0},
		{"measure": "h", "unit": "cm", "value": 180.0},
	} {
		if _, err := env.client.Insert(ctx, "measures", m); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	entities, err := env.client.Query(ctx, "measures", []Condition{Eq("unit", "cm")}, 0, 0)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(entities) != 1 || entities[0].Name != "measures" {
		t.Fatalf("unexpected entities: %v", entities)
	}
	var unit any
	for _, attr := range entities[0].Attributes {
		if attr.Name == "unit" {
			unit = attr.Value
		}
	}
	if unit != "cm" {
		t.Fatalf("expected unit cm, got %v", unit)
	}

	if _, err := env.client.Query(ctx, "ghosts", nil, 0, 0); !errors.Is(err, ErrEntityNotFound) {
		t.Fatalf("expected ErrEntityNotFound, got %v", err)
	}
}

func TestClientSyncBookkeeping(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	has, err := env.client.HasDataToSync(ctx)
	if err != nil || has {
		t.Fatalf("expected clean state, has=%v err=%v", has, err)
	}
	last, err := env.client.GetLastSyncDate(ctx)
	if err != nil || !last.IsZero() {
		t.Fatalf("expected zero sync date, got %v err=%v", last, err)
	}

	if _, err := env.client.Insert(ctx, "measures", map[string]any{"measure": "w", "unit": "kg", "value": 1.0}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if has, _ = env.client.HasDataToSync(ctx); !has {
		t.Fatal("expected pending data after insert")
	}

	env.client.push.TrySynchronizeData(ctx)
	if has, _ = env.client.HasDataToSync(ctx); has {
		t.Fatal("expected drained queue after push")
	}
	last, err = env.client.GetLastSyncDate(ctx)
	if err != nil || last.IsZero() {
		t.Fatalf("expected non-zero sync date, got %v err=%v", last, err)
	}
}

func TestClientForceSync(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	var succeeded, failed bool
	env.client.ForceSync(ctx, func() { succeeded = true }, func(error) { failed = true })
	if !succeeded || failed {
		t.Fatalf("expected success callback, succeeded=%v failed=%v", succeeded, failed)
	}

	env.service.validateDataFn = func([]horus.EntityHash) horus.Result[[]horus.EntityHashValidation] {
		return horus.Failure[[]horus.EntityHashValidation](errServerDown)
	}
	succeeded, failed = false, false
	env.client.ForceSync(ctx, func() { succeeded = true }, func(error) { failed = true })
	if succeeded || !failed {
		t.Fatalf("expected failure callback, succeeded=%v failed=%v", succeeded, failed)
	}
}

func TestClientDataChangeListeners(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	rec := &changeRecorder{}
	env.client.AddDataChangeListener(rec)

	id, err := env.client.Insert(ctx, "measures", map[string]any{"measure": "w", "unit": "kg", "value": 1.0})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := env.client.Update(ctx, "measures", id, map[string]any{"value": 2.0}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := env.client.Delete(ctx, "measures", id); err != nil {
		t.Fatalf("delete: %v", err)
	}

	if len(rec.changes) != 3 {
		t.Fatalf("expected 3 notifications, got %v", rec.changes)
	}
	kinds := []string{rec.changes[0].kind, rec.changes[1].kind, rec.changes[2].kind}
	if kinds[0] != "created" || kinds[1] != "updated" || kinds[2] != "deleted" {
		t.Fatalf("unexpected notification order: %v", kinds)
	}
	for _, ch := range rec.changes {
		if ch.entity != "measures" || ch.id != id {
			t.Fatalf("unexpected change payload: %+v", ch)
		}
	}

	env.client.RemoveDataChangeListener(rec)
	if _, err := env.client.Insert(ctx, "measures", map[string]any{"measure": "h", "unit": "cm", "value": 3.0}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if len(rec.changes) != 3 {
		t.Fatalf("removed listener still notified: %v", rec.changes)
	}
}

func TestClientOnReady(t *testing.T) {
	env := newTestEnv(t)

	called := 0
	env.client.OnReady(func() { called++ })
	if called != 1 {
		t.Fatalf("ready client must invoke callback immediately, got %d", called)
	}

	unbootedEnv := newUnbootedEnv(t)
	unbootedEnv.client.OnReady(func() { called += 10 })
	if called != 1 {
		t.Fatal("callback must wait for bootstrap")
	}
	if err := unbootedEnv.client.Start(context.Background()); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if called != 11 {
		t.Fatalf("expected one deferred callback, got %d", called)
	}
}

// Copyright 2025 Apptank
// SPDX-License-Identifier: Apache-2.0

package horusqlite

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/apptanksas/go-horus-sync/horus"
)

// SyncState is the observable state of one reconciliation pass.
type SyncState string

const (
	StateIdle       SyncState = "IDLE"
	StateInProgress SyncState = "IN_PROGRESS"
	StateSuccess    SyncState = "SUCCESS"
	StateFailed     SyncState = "FAILED"
)

// StatusCallback receives state transitions; final marks the last
// emission of the pass.
type StatusCallback func(state SyncState, final bool)

// ReconciliationSynchronizer runs the checkpoint/hash protocol: it
// applies new remote actions when any exist, and otherwise compares
// per-entity hash trees against the server and repairs corrupted or
// missing rows. Callers serialize invocations; the pipeline and
// explicit force-sync are the only triggers.
type ReconciliationSynchronizer struct {
	store   *Store
	log     *ActionLog
	service horus.RemoteService
	session horus.SessionHolder
	network horus.NetworkValidator
	logger  *slog.Logger
	now     func() time.Time
}

// NewReconciliationSynchronizer wires the reconciliation state machine.
func NewReconciliationSynchronizer(store *Store, log *ActionLog, service horus.RemoteService, session horus.SessionHolder, network horus.NetworkValidator, logger *slog.Logger) *ReconciliationSynchronizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReconciliationSynchronizer{
		store:   store,
		log:     log,
		service: service,
		session: session,
		network: network,
		logger:  logger,
		now:     time.Now,
	}
}

// Start runs one reconciliation pass, reporting transitions through
// onStatus. Running twice in a row with no intervening writes and a
// stable remote is a no-op the second time.
func (r *ReconciliationSynchronizer) Start(ctx context.Context, onStatus StatusCallback) {
	if !r.session.IsUserAuthenticated() {
		r.logger.Debug("reconciliation skipped: no authenticated session")
		onStatus(StateIdle, true)
		return
	}
	if !r.network.IsNetworkAvailable() {
		r.logger.Debug("reconciliation skipped: network unavailable")
		onStatus(StateIdle, true)
		return
	}

	// Unflushed local writes would race the push synchronizer; let the
	// push drain first.
	pending, err := r.log.CountPendingActions(ctx)
	if err != nil {
		r.logger.Error("reconciliation failed to count pending actions", "error", err)
		onStatus(StateIdle, true)
		return
	}
	if pending > 0 {
		r.logger.Debug("reconciliation skipped: pending local actions", "pending", pending)
		onStatus(StateIdle, true)
		return
	}

	onStatus(StateInProgress, false)

	checkpoint, err := r.log.GetLastDatetimeCheckpoint(ctx)
	if err != nil {
		r.logger.Error("reconciliation failed to read checkpoint", "error", err)
		onStatus(StateFailed, true)
		return
	}

	completed, err := r.log.GetCompletedActionsAfterDatetime(ctx, checkpoint)
	if err != nil {
		r.logger.Error("reconciliation failed to read completed actions", "error", err)
		onStatus(StateFailed, true)
		return
	}
	exclude := make([]int64, len(completed))
	for i, a := range completed {
		exclude[i] = a.ActionedAt
	}

	// Existence check: the exclusion list lets the server drop our own
	// echoed actions from the answer.
	existence := r.service.GetQueueActions(ctx, checkpoint, exclude)
	if !existence.IsSuccess() {
		r.logger.Warn("reconciliation existence check failed", "error", existence.Err)
		onStatus(StateFailed, true)
		return
	}

	if len(existence.Data) > 0 {
		r.applyRemoteActions(ctx, checkpoint, completed, onStatus)
		return
	}
	r.reconcileHashes(ctx, onStatus)
}

// applyRemoteActions replays new server-side actions locally and
// advances the checkpoint in the post-commit callback, so control state
// never moves without the data mutation committing.
func (r *ReconciliationSynchronizer) applyRemoteActions(ctx context.Context, checkpoint int64, completed []horus.SyncAction, onStatus StatusCallback) {
	// Never checkpointed: first-run bootstrap belongs to the task
	// pipeline's initial synchronization, not to action replay.
	if checkpoint == 0 {
		onStatus(StateSuccess, true)
		return
	}

	full := r.service.GetQueueActions(ctx, checkpoint, nil)
	if !full.IsSuccess() {
		r.logger.Warn("reconciliation action fetch failed", "error", full.Err)
		onStatus(StateFailed, true)
		return
	}

	// Dedup against self: an action whose actionedAt matches one of our
	// own completed actions after the checkpoint is our echo.
	ownTimestamps := make(map[int64]bool, len(completed))
	for _, a := range completed {
		ownTimestamps[a.ActionedAt] = true
	}
	var actions []horus.SyncAction
	for _, a := range full.Data {
		if ownTimestamps[a.ActionedAt] {
			continue
		}
		actions = append(actions, a)
	}
	if len(actions) == 0 {
		if err := r.log.AddSyncTypeStatusAt(ctx, horus.SyncTypeCheckpoint, horus.SyncStatusCompleted, r.now().Unix()); err != nil {
			r.logger.Error("failed to append checkpoint row", "error", err)
			onStatus(StateFailed, true)
			return
		}
		onStatus(StateSuccess, true)
		return
	}

	var inserts, updates, deletes []horus.SyncAction
	for _, a := range actions {
		switch a.Action {
		case horus.ActionInsert:
			inserts = append(inserts, a)
		case horus.ActionUpdate:
			updates = append(updates, a)
		case horus.ActionDelete:
			deletes = append(deletes, a)
		default:
			r.logger.Warn("skipping unknown remote action", "action", a.Action, "entity", a.Entity)
		}
	}
	sortByActionedAt(inserts)
	sortByActionedAt(updates)
	sortByActionedAt(deletes)

	owner, _ := r.session.UserID()

	ops := make([]DatabaseOperation, 0, len(actions))
	for _, a := range inserts {
		id, err := a.RecordID()
		if err != nil {
			r.logger.Error("remote insert without id", "entity", a.Entity, "error", err)
			onStatus(StateFailed, true)
			return
		}
		ops = append(ops, InsertRecord{
			Table:   a.Entity,
			Columns: buildRowColumns(id, owner, a.Attributes(), a.ActionedAt),
		})
	}

	updateOps, err := r.buildUpdateOperations(ctx, updates)
	if err != nil {
		r.logger.Error("failed to prepare update operations", "error", err)
		onStatus(StateFailed, true)
		return
	}
	ops = append(ops, updateOps...)

	for _, a := range deletes {
		id, err := a.RecordID()
		if err != nil {
			r.logger.Error("remote delete without id", "entity", a.Entity, "error", err)
			onStatus(StateFailed, true)
			return
		}
		ops = append(ops, DeleteRecord{Table: a.Entity, Where: []Condition{Eq("id", id)}})
	}

	// Checkpoint high-water mark is the newest incorporated action, so
	// the next existence check resumes exactly past it.
	maxActionedAt := actions[0].ActionedAt
	for _, a := range actions {
		if a.ActionedAt > maxActionedAt {
			maxActionedAt = a.ActionedAt
		}
	}

	err = r.store.ExecuteOperations(ctx, ops, func() error {
		return r.log.AddSyncTypeStatusAt(ctx, horus.SyncTypeCheckpoint, horus.SyncStatusCompleted, maxActionedAt)
	})
	if err != nil {
		r.logger.Error("failed to apply remote actions", "actions", len(actions), "error", err)
		if cpErr := r.log.AddSyncTypeStatusAt(ctx, horus.SyncTypeCheckpoint, horus.SyncStatusFailed, r.now().Unix()); cpErr != nil {
			r.logger.Error("failed to append failed checkpoint row", "error", cpErr)
		}
		onStatus(StateFailed, true)
		return
	}

	r.logger.Info("applied remote actions", "actions", len(actions), "checkpoint", maxActionedAt)
	onStatus(StateSuccess, true)
}

// buildUpdateOperations merges incoming update deltas against current
// local rows. Affected rows are fetched in one pre-pass per entity so
// the transaction itself performs no point reads.
func (r *ReconciliationSynchronizer) buildUpdateOperations(ctx context.Context, updates []horus.SyncAction) ([]DatabaseOperation, error) {
	if len(updates) == 0 {
		return nil, nil
	}

	idsByEntity := make(map[string][]any)
	for _, a := range updates {
		id, err := a.RecordID()
		if err != nil {
			return nil, err
		}
		idsByEntity[a.Entity] = append(idsByEntity[a.Entity], id)
	}

	currentRows := make(map[string]map[string]map[string]any) // entity -> id -> row
	for entity, ids := range idsByEntity {
		rows, err := r.store.QueryRecords(ctx, Query{
			Table: entity,
			Where: []Condition{In("id", ids)},
		})
		if err != nil {
			return nil, err
		}
		byID := make(map[string]map[string]any, len(rows))
		for _, row := range rows {
			byID[fmt.Sprintf("%v", row["id"])] = row
		}
		currentRows[entity] = byID
	}

	var ops []DatabaseOperation
	for _, a := range updates {
		id, err := a.RecordID()
		if err != nil {
			return nil, err
		}
		current, ok := currentRows[a.Entity][id]
		if !ok {
			// Row is absent locally; the hash reconciliation pass will
			// classify and repair it as missing.
			r.logger.Warn("skipping remote update for absent row", "entity", a.Entity, "id", id)
			continue
		}

		merged := make(map[string]any, len(current))
		for k, v := range current {
			merged[k] = v
		}
		columns := make(map[string]any)
		for k, v := range a.Attributes() {
			if horus.IsReservedAttribute(k) {
				continue
			}
			merged[k] = v
			columns[k] = v
		}
		columns[horus.AttrHash] = horus.GenerateHashFromMap(merged)
		columns[horus.AttrUpdatedAt] = a.ActionedAt

		ops = append(ops, UpdateRecord{
			Table:   a.Entity,
			Columns: columns,
			Where:   []Condition{Eq("id", id)},
		})
	}
	return ops, nil
}

// reconcileHashes compares per-entity aggregate hashes against the
// server, classifies mismatched rows as corrupted or missing, and
// repairs them from server data.
func (r *ReconciliationSynchronizer) reconcileHashes(ctx context.Context, onStatus StatusCallback) {
	entities, err := r.log.GetWritableEntityNames(ctx)
	if err != nil {
		r.logger.Error("reconciliation failed to list entities", "error", err)
		onStatus(StateFailed, true)
		return
	}
	if len(entities) == 0 {
		onStatus(StateSuccess, true)
		return
	}

	localHashes := make(map[string]map[string]string, len(entities)) // entity -> id -> hash
	entityHashes := make([]horus.EntityHash, 0, len(entities))
	for _, entity := range entities {
		rows, err := r.store.QueryRecords(ctx, Query{
			Table:   entity,
			Columns: []string{"id", horus.AttrHash},
			OrderBy: "id",
		})
		if err != nil {
			r.logger.Error("reconciliation failed to hash entity", "entity", entity, "error", err)
			onStatus(StateFailed, true)
			return
		}
		byID := make(map[string]string, len(rows))
		ordered := make([]string, 0, len(rows))
		for _, row := range rows {
			id := fmt.Sprintf("%v", row["id"])
			hash := fmt.Sprintf("%v", row[horus.AttrHash])
			byID[id] = hash
			ordered = append(ordered, hash)
		}
		localHashes[entity] = byID
		entityHashes = append(entityHashes, horus.EntityHash{
			Entity: entity,
			Hash:   horus.GenerateHashFromList(ordered),
		})
	}

	validation := r.service.PostValidateEntitiesData(ctx, entityHashes)
	if !validation.IsSuccess() {
		r.logger.Warn("entity hash validation failed", "error", validation.Err)
		onStatus(StateFailed, true)
		return
	}

	allRepaired := true
	for _, v := range validation.Data {
		if v.Matched {
			continue
		}
		r.logger.Info("entity hash mismatch detected", "entity", v.Entity)

		remote := r.service.GetEntityHashes(ctx, v.Entity)
		if !remote.IsSuccess() {
			r.logger.Warn("failed to fetch row hashes", "entity", v.Entity, "error", remote.Err)
			onStatus(StateFailed, true)
			return
		}

		var corrupted, missing []string
		local := localHashes[v.Entity]
		for _, idHash := range remote.Data {
			localHash, exists := local[idHash.ID]
			switch {
			case !exists:
				missing = append(missing, idHash.ID)
			case localHash != idHash.Hash:
				corrupted = append(corrupted, idHash.ID)
			}
		}

		if !r.repairCorrupted(ctx, v.Entity, corrupted) {
			allRepaired = false
		}
		if !r.repairMissing(ctx, v.Entity, missing) {
			allRepaired = false
		}
	}

	if allRepaired {
		onStatus(StateSuccess, true)
	} else {
		onStatus(StateFailed, true)
	}
}

// repairCorrupted replaces rows whose content diverged: delete the
// local rows (id conditions combined with OR, FK enforcement deferred
// because every descendant is replaced by the same pass), then insert
// the server's rows with their nested relations.
func (r *ReconciliationSynchronizer) repairCorrupted(ctx context.Context, entity string, ids []string) bool {
	if len(ids) == 0 {
		return true
	}

	data := r.service.GetDataEntity(ctx, entity, ids)
	if !data.IsSuccess() {
		r.logger.Warn("failed to fetch data for corrupted rows", "entity", entity, "error", data.Err)
		return false
	}

	conditions := make([]Condition, len(ids))
	for i, id := range ids {
		conditions[i] = Eq("id", id)
	}
	if _, err := r.store.DeleteRecords(ctx, entity, conditions, LogicOr, true); err != nil {
		r.logger.Error("failed to delete corrupted rows", "entity", entity, "error", err)
		return false
	}

	records := r.insertRecordsFromEntityData(data.Data)
	if err := r.store.InsertWithTransaction(ctx, records, nil); err != nil {
		r.logger.Error("failed to insert repaired rows", "entity", entity, "error", err)
		return false
	}
	r.logger.Info("repaired corrupted rows", "entity", entity, "rows", len(ids))
	return true
}

// repairMissing inserts rows that exist remotely but not locally.
func (r *ReconciliationSynchronizer) repairMissing(ctx context.Context, entity string, ids []string) bool {
	if len(ids) == 0 {
		return true
	}

	data := r.service.GetDataEntity(ctx, entity, ids)
	if !data.IsSuccess() {
		r.logger.Warn("failed to fetch data for missing rows", "entity", entity, "error", data.Err)
		return false
	}

	records := r.insertRecordsFromEntityData(data.Data)
	if err := r.store.InsertWithTransaction(ctx, records, nil); err != nil {
		r.logger.Error("failed to insert missing rows", "entity", entity, "error", err)
		return false
	}
	r.logger.Info("repaired missing rows", "entity", entity, "rows", len(ids))
	return true
}

// insertRecordsFromEntityData flattens server rows and their nested
// relations into insert records, parents before children.
func (r *ReconciliationSynchronizer) insertRecordsFromEntityData(data []horus.EntityData) []InsertRecord {
	owner, _ := r.session.UserID()
	var records []InsertRecord
	var walk func(rows []horus.EntityData)
	walk = func(rows []horus.EntityData) {
		for _, row := range rows {
			id := fmt.Sprintf("%v", row.Data["id"])
			records = append(records, InsertRecord{
				Table:   row.Entity,
				Columns: buildRowColumns(id, owner, row.Data, r.now().Unix()),
			})
			walk(row.Related)
		}
	}
	walk(data)
	return records
}

// buildRowColumns synthesizes the reserved sync attributes for a row
// sourced from the server: attributes already present win, the rest are
// filled in and sync_hash is always recomputed.
func buildRowColumns(id, owner string, attrs map[string]any, ts int64) map[string]any {
	columns := make(map[string]any, len(attrs)+5)
	for k, v := range attrs {
		columns[k] = v
	}
	columns[horus.AttrID] = id
	if _, ok := columns[horus.AttrOwnerID]; !ok {
		columns[horus.AttrOwnerID] = owner
	}
	if _, ok := columns[horus.AttrCreatedAt]; !ok {
		columns[horus.AttrCreatedAt] = ts
	}
	if _, ok := columns[horus.AttrUpdatedAt]; !ok {
		columns[horus.AttrUpdatedAt] = ts
	}
	columns[horus.AttrHash] = horus.GenerateHashFromMap(columns)
	return columns
}

func sortByActionedAt(actions []horus.SyncAction) {
	sort.Slice(actions, func(i, j int) bool {
		if actions[i].ActionedAt == actions[j].ActionedAt {
			return actions[i].ID < actions[j].ID
		}
		return actions[i].ActionedAt < actions[j].ActionedAt
	})
}

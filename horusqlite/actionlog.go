// Copyright 2025 Apptank
// SPDX-License-Identifier: Apache-2.0

package horusqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/apptanksas/go-horus-sync/horus"
)

// ActionLog is the append-only ledger of local mutations plus the
// control rows that gate sync operations. Rows transition
// PENDING -> COMPLETED and are never deleted; completed rows feed
// checkpoint-relative queries later.
type ActionLog struct {
	db     *sql.DB
	bus    *EventBus
	logger *slog.Logger
	now    func() time.Time
}

// NewActionLog creates an ActionLog over db publishing change events
// on bus.
func NewActionLog(db *sql.DB, bus *EventBus, logger *slog.Logger) *ActionLog {
	if logger == nil {
		logger = slog.Default()
	}
	return &ActionLog{db: db, bus: bus, logger: logger, now: time.Now}
}

// AddActionInsert records a pending INSERT action. attributes must be
// the full column map including the row id.
func (l *ActionLog) AddActionInsert(ctx context.Context, entity string, attributes map[string]any) error {
	if err := l.requireWritable(ctx, entity); err != nil {
		return err
	}
	id, _ := attributes["id"].(string)
	if err := l.appendAction(ctx, horus.ActionInsert, entity, attributes); err != nil {
		return err
	}
	l.publishChange(EventEntityCreated, entity, id, attributes)
	return nil
}

// AddActionUpdate records a pending UPDATE action carrying only the
// changed attributes.
func (l *ActionLog) AddActionUpdate(ctx context.Context, entity, id string, attributes map[string]any) error {
	if err := l.requireWritable(ctx, entity); err != nil {
		return err
	}
	data := map[string]any{"id": id, "attributes": attributes}
	if err := l.appendAction(ctx, horus.ActionUpdate, entity, data); err != nil {
		return err
	}
	l.publishChange(EventEntityUpdated, entity, id, attributes)
	return nil
}

// AddActionDelete records a pending DELETE action.
func (l *ActionLog) AddActionDelete(ctx context.Context, entity, id string) error {
	if err := l.requireWritable(ctx, entity); err != nil {
		return err
	}
	if err := l.appendAction(ctx, horus.ActionDelete, entity, map[string]any{"id": id}); err != nil {
		return err
	}
	l.publishChange(EventEntityDeleted, entity, id, nil)
	return nil
}

func (l *ActionLog) appendAction(ctx context.Context, action, entity string, data map[string]any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal action data: %w", err)
	}
	_, err = l.db.ExecContext(ctx, `
		INSERT INTO `+tableActions+` (action, entity, status, data, actioned_at)
		VALUES (?, ?, ?, ?, ?)
	`, action, entity, horus.ActionPending, string(raw), l.now().Unix())
	if err != nil {
		return fmt.Errorf("failed to append %s action for %s: %w", action, entity, err)
	}
	return nil
}

func (l *ActionLog) publishChange(t EventType, entity, id string, attrs map[string]any) {
	l.bus.Publish(Event{Type: t, Entity: entity, ID: id, Attributes: attrs})
	l.bus.Publish(Event{Type: EventActionCreated, Entity: entity, ID: id, Attributes: attrs})
}

// GetPendingActions returns all PENDING actions ordered by actionedAt
// (id breaks same-second ties).
func (l *ActionLog) GetPendingActions(ctx context.Context) ([]horus.SyncAction, error) {
	return l.queryActions(ctx, `
		SELECT id, action, entity, status, data, actioned_at
		FROM `+tableActions+`
		WHERE status = ?
		ORDER BY actioned_at ASC, id ASC
	`, horus.ActionPending)
}

// CountPendingActions returns the size of the pending queue.
func (l *ActionLog) CountPendingActions(ctx context.Context) (int, error) {
	var count int
	err := l.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM `+tableActions+` WHERE status = ?
	`, horus.ActionPending).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending actions: %w", err)
	}
	return count, nil
}

// CompleteActions transitions the given action ids to COMPLETED.
// Partial success is failure: the caller must be able to retry the
// whole set, so false is returned unless every requested row
// transitioned.
func (l *ActionLog) CompleteActions(ctx context.Context, ids []int64) (bool, error) {
	if len(ids) == 0 {
		return true, nil
	}
	placeholders := make([]string, len(ids))
	args := make([]any, 0, len(ids)+2)
	args = append(args, horus.ActionCompleted)
	for i, id := range ids {
		placeholders[i] = "?"
		args = append(args, id)
	}
	args = append(args, horus.ActionPending)

	res, err := l.db.ExecContext(ctx, `
		UPDATE `+tableActions+` SET status = ?
		WHERE id IN (`+strings.Join(placeholders, ", ")+`) AND status = ?
	`, args...)
	if err != nil {
		return false, fmt.Errorf("failed to complete actions: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return affected == int64(len(ids)), nil
}

// GetLastActionCompleted returns the newest COMPLETED action by id, or
// nil when none exists.
func (l *ActionLog) GetLastActionCompleted(ctx context.Context) (*horus.SyncAction, error) {
	actions, err := l.queryActions(ctx, `
		SELECT id, action, entity, status, data, actioned_at
		FROM `+tableActions+`
		WHERE status = ?
		ORDER BY id DESC
		LIMIT 1
	`, horus.ActionCompleted)
	if err != nil {
		return nil, err
	}
	if len(actions) == 0 {
		return nil, nil
	}
	return &actions[0], nil
}

// GetCompletedActionsAfterDatetime returns COMPLETED actions with
// actionedAt strictly after ts, ascending.
func (l *ActionLog) GetCompletedActionsAfterDatetime(ctx context.Context, ts int64) ([]horus.SyncAction, error) {
	return l.queryActions(ctx, `
		SELECT id, action, entity, status, data, actioned_at
		FROM `+tableActions+`
		WHERE status = ? AND actioned_at > ?
		ORDER BY actioned_at ASC, id ASC
	`, horus.ActionCompleted, ts)
}

// GetLastDatetimeCheckpoint returns the most recent datetime among
// COMPLETED CHECKPOINT control rows, or 0 when never checkpointed.
func (l *ActionLog) GetLastDatetimeCheckpoint(ctx context.Context) (int64, error) {
	var checkpoint sql.NullInt64
	err := l.db.QueryRowContext(ctx, `
		SELECT MAX(datetime) FROM `+tableControl+` WHERE type = ? AND status = ?
	`, horus.SyncTypeCheckpoint, horus.SyncStatusCompleted).Scan(&checkpoint)
	if err != nil {
		return 0, fmt.Errorf("failed to read last checkpoint: %w", err)
	}
	if !checkpoint.Valid {
		return 0, nil
	}
	return checkpoint.Int64, nil
}

// AddSyncTypeStatus appends a control row. Control rows are never
// updated in place, preserving the history of checkpoint attempts.
func (l *ActionLog) AddSyncTypeStatus(ctx context.Context, syncType, status string) error {
	return l.AddSyncTypeStatusAt(ctx, syncType, status, l.now().Unix())
}

// AddSyncTypeStatusAt appends a control row with an explicit datetime,
// used when the checkpoint high-water mark is the timestamp of the last
// incorporated action rather than wall clock.
func (l *ActionLog) AddSyncTypeStatusAt(ctx context.Context, syncType, status string, datetime int64) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO `+tableControl+` (type, status, datetime) VALUES (?, ?, ?)
	`, syncType, status, datetime)
	if err != nil {
		return fmt.Errorf("failed to append control row %s/%s: %w", syncType, status, err)
	}
	return nil
}

// IsStatusCompleted reports whether a COMPLETED row exists for the
// given sync type.
func (l *ActionLog) IsStatusCompleted(ctx context.Context, syncType string) (bool, error) {
	var exists bool
	err := l.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM `+tableControl+` WHERE type = ? AND status = ?)
	`, syncType, horus.SyncStatusCompleted).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check status for %s: %w", syncType, err)
	}
	return exists, nil
}

// GetEntityNames returns every entity known to the schema registry.
func (l *ActionLog) GetEntityNames(ctx context.Context) ([]string, error) {
	return l.queryNames(ctx, `SELECT name FROM `+tableEntities+` ORDER BY name`)
}

// GetWritableEntityNames returns entities local writes may target.
func (l *ActionLog) GetWritableEntityNames(ctx context.Context) ([]string, error) {
	return l.queryNames(ctx, `SELECT name FROM `+tableEntities+` WHERE writable = 1 ORDER BY name`)
}

// GetReadableEntityNames returns the lookup entities the server owns.
func (l *ActionLog) GetReadableEntityNames(ctx context.Context) ([]string, error) {
	return l.queryNames(ctx, `SELECT name FROM `+tableEntities+` WHERE writable = 0 ORDER BY name`)
}

// EntityExists reports whether the schema registry knows the entity.
func (l *ActionLog) EntityExists(ctx context.Context, entity string) (bool, error) {
	var exists bool
	err := l.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM `+tableEntities+` WHERE name = ?)
	`, entity).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check entity %s: %w", entity, err)
	}
	return exists, nil
}

// IsEntityCanBeWritable reports whether local writes may target entity.
func (l *ActionLog) IsEntityCanBeWritable(ctx context.Context, entity string) (bool, error) {
	var writable bool
	err := l.db.QueryRowContext(ctx, `
		SELECT writable FROM `+tableEntities+` WHERE name = ?
	`, entity).Scan(&writable)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check writability of %s: %w", entity, err)
	}
	return writable, nil
}

// GetEntityScheme loads the persisted scheme for entity.
func (l *ActionLog) GetEntityScheme(ctx context.Context, entity string) (*horus.EntityScheme, error) {
	var raw string
	err := l.db.QueryRowContext(ctx, `
		SELECT scheme FROM `+tableEntities+` WHERE name = ?
	`, entity).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEntityNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load scheme for %s: %w", entity, err)
	}
	var scheme horus.EntityScheme
	if err := json.Unmarshal([]byte(raw), &scheme); err != nil {
		return nil, fmt.Errorf("failed to unmarshal scheme for %s: %w", entity, err)
	}
	return &scheme, nil
}

func (l *ActionLog) requireWritable(ctx context.Context, entity string) error {
	exists, err := l.EntityExists(ctx, entity)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: %s", ErrEntityNotFound, entity)
	}
	writable, err := l.IsEntityCanBeWritable(ctx, entity)
	if err != nil {
		return err
	}
	if !writable {
		return fmt.Errorf("%w: %s", ErrEntityNotWritable, entity)
	}
	return nil
}

func (l *ActionLog) queryActions(ctx context.Context, query string, args ...any) ([]horus.SyncAction, error) {
	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query actions: %w", err)
	}
	defer rows.Close()

	var actions []horus.SyncAction
	for rows.Next() {
		var a horus.SyncAction
		var raw string
		if err := rows.Scan(&a.ID, &a.Action, &a.Entity, &a.Status, &raw, &a.ActionedAt); err != nil {
			return nil, fmt.Errorf("failed to scan action: %w", err)
		}
		if err := json.Unmarshal([]byte(raw), &a.Data); err != nil {
			return nil, fmt.Errorf("failed to unmarshal action %d data: %w", a.ID, err)
		}
		actions = append(actions, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating actions: %w", err)
	}
	return actions, nil
}

func (l *ActionLog) queryNames(ctx context.Context, query string) ([]string, error) {
	rows, err := l.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query entity names: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan entity name: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating entity names: %w", err)
	}
	return names, nil
}

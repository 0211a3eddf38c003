// Copyright 2025 Apptank
// SPDX-License-Identifier: Apache-2.0

// Package horusqlite implements the offline-first synchronization
// engine over a local SQLite database: local writes apply immediately
// and queue durable sync actions, a push synchronizer drains the queue
// to the remote service, and a reconciliation synchronizer detects and
// repairs drift using per-entity hash trees.
package horusqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/apptanksas/go-horus-sync/horus"
)

// Config holds tuning for the sync client.
type Config struct {
	BatchSize       int           // actions per push batch trigger
	BatchExpiration time.Duration // staleness bound for the pending queue
	MaxAttempts     int           // push retry bound
	RetryDelay      time.Duration // push retry backoff unit
	RefreshTTL      time.Duration // shared/readable data refresh gate
	Logger          *slog.Logger
}

// DefaultConfig returns the standard tuning.
func DefaultConfig() *Config {
	return &Config{
		BatchSize:       DefaultBatchSize,
		BatchExpiration: DefaultBatchExpiration,
		MaxAttempts:     horus.DefaultMaxAttempts,
		RetryDelay:      horus.DefaultRetryDelay,
		RefreshTTL:      DefaultRefreshTTL,
		Logger:          slog.Default(),
	}
}

// DataChangeListener observes entity mutations performed through the
// facade or applied from the server.
type DataChangeListener interface {
	OnEntityCreated(entity, id string, attributes map[string]any)
	OnEntityUpdated(entity, id string, attributes map[string]any)
	OnEntityDeleted(entity, id string)
}

// Client is the application-facing facade of the sync engine. Writes
// pair a data-table mutation with an action-log append; the pairing is
// transactional from the caller's perspective, with the log append
// chained as a post-commit callback.
type Client struct {
	db      *sql.DB
	store   *Store
	log     *ActionLog
	push    *PushSynchronizer
	disp    *BatchDispenser
	bus     *EventBus
	service horus.RemoteService
	session horus.SessionHolder
	network horus.NetworkValidator
	config  *Config
	logger  *slog.Logger
	nowFn   func() time.Time

	reconciler *ReconciliationSynchronizer
	pipeline   *TaskPipeline

	// Serialize facade writes to avoid SQLite locking contention.
	writeMu sync.Mutex

	listenerMu sync.Mutex
	listeners  map[DataChangeListener][]func()
}

// NewClient creates a sync client over db. The control schema is
// created immediately; data tables are created by the bootstrap
// pipeline once the server schema is retrieved.
func NewClient(db *sql.DB, service horus.RemoteService, session horus.SessionHolder, network horus.NetworkValidator, config *Config) (*Client, error) {
	if config == nil {
		config = DefaultConfig()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if err := initializeDatabase(db); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	bus := NewEventBus()
	store := NewStore(db, logger)
	log := NewActionLog(db, bus, logger)
	push := NewPushSynchronizer(log, service, session, network, bus, logger)
	push.SetRetryPolicy(config.MaxAttempts, config.RetryDelay)
	disp := NewBatchDispenser(log, push, config.BatchSize, config.BatchExpiration, logger)
	reconciler := NewReconciliationSynchronizer(store, log, service, session, network, logger)

	c := &Client{
		db:         db,
		store:      store,
		log:        log,
		push:       push,
		disp:       disp,
		bus:        bus,
		service:    service,
		session:    session,
		network:    network,
		config:     config,
		logger:     logger,
		nowFn:      time.Now,
		reconciler: reconciler,
		listeners:  make(map[DataChangeListener][]func()),
	}
	c.pipeline = NewTaskPipeline(c.bootstrapStages(), bus, logger)

	// Every locally created action feeds the dispenser; the dispenser
	// decides when the accumulated batch is worth a network round-trip.
	bus.Subscribe(EventActionCreated, func(Event) {
		go func() {
			if err := c.disp.ProcessBatch(context.Background()); err != nil {
				logger.Error("batch dispenser failed", "error", err)
			}
		}()
	})

	return c, nil
}

// Start runs the bootstrap pipeline. It must complete once before any
// write or sync operation is allowed.
func (c *Client) Start(ctx context.Context) error {
	return c.pipeline.Run(ctx)
}

// IsReady reports whether the bootstrap pipeline has completed.
func (c *Client) IsReady() bool {
	return c.pipeline.IsReady()
}

// OnReady invokes cb once the engine is ready; immediately when it
// already is.
func (c *Client) OnReady(cb func()) {
	if c.pipeline.IsReady() {
		cb()
		return
	}
	var once sync.Once
	var unsubscribe func()
	unsubscribe = c.bus.Subscribe(EventOnReady, func(Event) {
		once.Do(func() {
			cb()
			if unsubscribe != nil {
				unsubscribe()
			}
		})
	})
}

// Insert writes a new row and queues the INSERT action. Reserved sync
// attributes are synthesized and sync_hash is recomputed before the
// write reaches storage; the returned string is the generated row id.
func (c *Client) Insert(ctx context.Context, entity string, attributes map[string]any) (string, error) {
	if !c.pipeline.IsReady() {
		return "", ErrNotReady
	}
	if err := c.log.requireWritable(ctx, entity); err != nil {
		return "", err
	}
	for name := range attributes {
		if horus.IsReservedAttribute(name) {
			return "", fmt.Errorf("attribute %q is reserved for the sync engine", name)
		}
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	id := uuid.NewString()
	owner, _ := c.session.UserID()
	columns := buildRowColumns(id, owner, attributes, c.nowFn().Unix())

	err := c.store.InsertWithTransaction(ctx, []InsertRecord{{Table: entity, Columns: columns}}, func() error {
		return c.log.AddActionInsert(ctx, entity, columns)
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// Update merges attributes into an existing row, recomputes sync_hash
// and queues the UPDATE action carrying only the delta.
func (c *Client) Update(ctx context.Context, entity, id string, attributes map[string]any) error {
	if !c.pipeline.IsReady() {
		return ErrNotReady
	}
	if err := c.log.requireWritable(ctx, entity); err != nil {
		return err
	}
	for name := range attributes {
		if horus.IsReservedAttribute(name) {
			return fmt.Errorf("attribute %q is reserved for the sync engine", name)
		}
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	rows, err := c.store.QueryRecords(ctx, Query{Table: entity, Where: []Condition{Eq("id", id)}, Limit: 1})
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return fmt.Errorf("row %s not found in %s", id, entity)
	}

	merged := make(map[string]any, len(rows[0]))
	for k, v := range rows[0] {
		merged[k] = v
	}
	columns := make(map[string]any, len(attributes)+2)
	for k, v := range attributes {
		merged[k] = v
		columns[k] = v
	}
	columns[horus.AttrHash] = horus.GenerateHashFromMap(merged)
	columns[horus.AttrUpdatedAt] = c.nowFn().Unix()

	record := UpdateRecord{Table: entity, Columns: columns, Where: []Condition{Eq("id", id)}}
	return c.store.UpdateWithTransaction(ctx, []UpdateRecord{record}, func() error {
		return c.log.AddActionUpdate(ctx, entity, id, attributes)
	})
}

// Delete removes a row and queues the DELETE action.
func (c *Client) Delete(ctx context.Context, entity, id string) error {
	if !c.pipeline.IsReady() {
		return ErrNotReady
	}
	if err := c.log.requireWritable(ctx, entity); err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	record := DeleteRecord{Table: entity, Where: []Condition{Eq("id", id)}}
	return c.store.DeleteWithTransaction(ctx, []DeleteRecord{record}, func() error {
		return c.log.AddActionDelete(ctx, entity, id)
	})
}

// Query returns matching rows of an entity as runtime entities with
// name-ordered attributes.
func (c *Client) Query(ctx context.Context, entity string, conditions []Condition, limit, offset int) ([]horus.Entity, error) {
	if !c.pipeline.IsReady() {
		return nil, ErrNotReady
	}
	exists, err := c.log.EntityExists(ctx, entity)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrEntityNotFound, entity)
	}

	rows, err := c.store.QueryRecords(ctx, Query{
		Table:   entity,
		Where:   conditions,
		OrderBy: "id",
		Limit:   limit,
		Offset:  offset,
	})
	if err != nil {
		return nil, err
	}

	entities := make([]horus.Entity, len(rows))
	for i, row := range rows {
		entities[i] = horus.EntityFromMap(entity, row)
	}
	return entities, nil
}

// HasDataToSync reports whether pending local actions exist.
func (c *Client) HasDataToSync(ctx context.Context) (bool, error) {
	count, err := c.log.CountPendingActions(ctx)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// GetLastSyncDate returns the actionedAt of the newest completed
// action, or zero time when nothing has synced yet.
func (c *Client) GetLastSyncDate(ctx context.Context) (time.Time, error) {
	last, err := c.log.GetLastActionCompleted(ctx)
	if err != nil {
		return time.Time{}, err
	}
	if last == nil {
		return time.Time{}, nil
	}
	return time.Unix(last.ActionedAt, 0), nil
}

// ForceSync pushes pending actions and runs one reconciliation pass.
// Exactly one of the callbacks fires when the pass reaches a final
// state.
func (c *Client) ForceSync(ctx context.Context, onSuccess func(), onFailure func(error)) {
	if !c.pipeline.IsReady() {
		if onFailure != nil {
			onFailure(ErrNotReady)
		}
		return
	}

	c.push.TrySynchronizeData(ctx)
	c.reconciler.Start(ctx, func(state SyncState, final bool) {
		if !final {
			return
		}
		switch state {
		case StateFailed:
			if onFailure != nil {
				onFailure(fmt.Errorf("synchronization failed"))
			}
		default:
			if onSuccess != nil {
				onSuccess()
			}
		}
	})
}

// AddDataChangeListener subscribes l to entity change events.
func (c *Client) AddDataChangeListener(l DataChangeListener) {
	c.listenerMu.Lock()
	defer c.listenerMu.Unlock()
	if _, ok := c.listeners[l]; ok {
		return
	}
	unsubs := []func(){
		c.bus.Subscribe(EventEntityCreated, func(ev Event) {
			l.OnEntityCreated(ev.Entity, ev.ID, ev.Attributes)
		}),
		c.bus.Subscribe(EventEntityUpdated, func(ev Event) {
			l.OnEntityUpdated(ev.Entity, ev.ID, ev.Attributes)
		}),
		c.bus.Subscribe(EventEntityDeleted, func(ev Event) {
			l.OnEntityDeleted(ev.Entity, ev.ID)
		}),
	}
	c.listeners[l] = unsubs
}

// RemoveDataChangeListener unsubscribes l.
func (c *Client) RemoveDataChangeListener(l DataChangeListener) {
	c.listenerMu.Lock()
	defer c.listenerMu.Unlock()
	for _, unsub := range c.listeners[l] {
		unsub()
	}
	delete(c.listeners, l)
}

// Bus exposes the event registry for callers that want raw sync events
// (push success/failure, readiness).
func (c *Client) Bus() *EventBus {
	return c.bus
}

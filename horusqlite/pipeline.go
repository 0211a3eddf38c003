// Copyright 2025 Apptank
// SPDX-License-Identifier: Apache-2.0

package horusqlite

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/apptanksas/go-horus-sync/horus"
)

// Settings keys for TTL-gated pipeline stages.
const (
	settingSharedDataRefreshedAt = "shared_data_refreshed_at"
	settingReadableRefreshedAt   = "readable_data_refreshed_at"
)

// DefaultRefreshTTL gates the shared/reference data stages.
const DefaultRefreshTTL = 24 * time.Hour

// hashProbe is the fixed payload of the hash self-test. The server
// computes its reference hash over the same attributes; a mismatch
// means the local canonicalization diverged and sync must never become
// ready.
var hashProbe = map[string]any{
	"id":      "4ab4e71d-e030-4402-b0d8-4e4a9c5b2372",
	"name":    "horus-probe",
	"active":  true,
	"count":   int64(42),
	"weight":  7.5,
	"comment": nil,
}

// PipelineStage is one bootstrap step. Run receives the previous
// stage's output data and returns its own.
type PipelineStage struct {
	Name string
	Run  func(ctx context.Context, in any) (any, error)
}

// TaskPipeline drives the ordered bootstrap chain. The chain must
// complete once before writes and reconciliation are allowed; a single
// stage failure halts the pipeline.
type TaskPipeline struct {
	stages []PipelineStage
	bus    *EventBus
	logger *slog.Logger
	ready  atomic.Bool
}

// NewTaskPipeline builds a pipeline over the given stages.
func NewTaskPipeline(stages []PipelineStage, bus *EventBus, logger *slog.Logger) *TaskPipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &TaskPipeline{stages: stages, bus: bus, logger: logger}
}

// IsReady reports whether the pipeline has completed.
func (p *TaskPipeline) IsReady() bool {
	return p.ready.Load()
}

// Run executes the stages in order, threading each stage's output into
// the next. On success the ready gate opens and ON_READY is published.
func (p *TaskPipeline) Run(ctx context.Context) error {
	var data any
	for _, stage := range p.stages {
		p.logger.Info("pipeline stage starting", "stage", stage.Name)
		out, err := stage.Run(ctx, data)
		if err != nil {
			p.logger.Error("pipeline stage failed", "stage", stage.Name, "error", err)
			return fmt.Errorf("pipeline stage %s failed: %w", stage.Name, err)
		}
		data = out
	}
	p.ready.Store(true)
	p.bus.Publish(Event{Type: EventOnReady})
	p.logger.Info("bootstrap pipeline completed")
	return nil
}

// bootstrapStages assembles the canonical chain:
// retrieve schema -> migrate local db -> validate hashing ->
// initial synchronization -> synchronize data -> shared data refresh ->
// readable entity refresh.
func (c *Client) bootstrapStages() []PipelineStage {
	return []PipelineStage{
		{Name: "retrieve-schema", Run: c.stageRetrieveSchema},
		{Name: "migrate-local-db", Run: c.stageMigrateLocalDB},
		{Name: "validate-hashing", Run: c.stageValidateHashing},
		{Name: "synchronize-initial-data", Run: c.stageInitialSync},
		{Name: "synchronize-data", Run: c.stageSynchronizeData},
		{Name: "retrieve-shared-data", Run: c.stageRefreshSharedData},
		{Name: "refresh-readable-entities", Run: c.stageRefreshReadableEntities},
	}
}

func (c *Client) stageRetrieveSchema(ctx context.Context, _ any) (any, error) {
	res := c.service.GetMigration(ctx)
	if res.IsNotAuthorized() {
		return nil, fmt.Errorf("schema retrieval rejected: not authorized")
	}
	if !res.IsSuccess() {
		return nil, fmt.Errorf("failed to retrieve schema: %w", res.Err)
	}
	return res.Data, nil
}

func (c *Client) stageMigrateLocalDB(ctx context.Context, in any) (any, error) {
	schemes, ok := in.([]horus.EntityScheme)
	if !ok {
		return nil, fmt.Errorf("migrate stage received no schema data")
	}
	if err := saveEntitySchemes(ctx, c.db, schemes); err != nil {
		return nil, err
	}
	if err := createDataTables(ctx, c.db, schemes); err != nil {
		return nil, err
	}
	return schemes, nil
}

// stageValidateHashing is the self-test: the locally computed hash of a
// fixed probe payload must match the server's reference computation.
func (c *Client) stageValidateHashing(ctx context.Context, in any) (any, error) {
	attrs := make([]horus.Attribute, 0, len(hashProbe))
	for k, v := range hashProbe {
		attrs = append(attrs, horus.Attribute{Name: k, Value: v})
	}
	localHash := horus.GenerateHash(attrs)

	res := c.service.PostValidateHashing(ctx, hashProbe, localHash)
	if !res.IsSuccess() {
		return nil, fmt.Errorf("hash validation request failed: %w", res.Err)
	}
	if !res.Data.Matched {
		if err := c.log.AddSyncTypeStatus(ctx, horus.SyncTypeHashValidation, horus.SyncStatusFailed); err != nil {
			c.logger.Error("failed to record hash validation failure", "error", err)
		}
		return nil, fmt.Errorf("hash self-test failed: local %s, server expected %s", localHash, res.Data.Expected)
	}
	if err := c.log.AddSyncTypeStatus(ctx, horus.SyncTypeHashValidation, horus.SyncStatusCompleted); err != nil {
		return nil, err
	}
	return in, nil
}

// stageInitialSync performs the first full download exactly once,
// gated by an INITIAL_SYNCHRONIZATION control row.
func (c *Client) stageInitialSync(ctx context.Context, in any) (any, error) {
	done, err := c.log.IsStatusCompleted(ctx, horus.SyncTypeInitialSync)
	if err != nil {
		return nil, err
	}
	if done {
		return in, nil
	}
	if !c.network.IsNetworkAvailable() {
		return nil, ErrNetworkUnavailable
	}

	entities, err := c.log.GetWritableEntityNames(ctx)
	if err != nil {
		return nil, err
	}

	var records []InsertRecord
	for _, entity := range entities {
		res := c.service.GetDataEntity(ctx, entity, nil)
		if res.IsNotAuthorized() {
			return nil, fmt.Errorf("initial sync rejected: not authorized")
		}
		if !res.IsSuccess() {
			return nil, fmt.Errorf("initial sync failed for %s: %w", entity, res.Err)
		}
		records = append(records, c.reconciler.insertRecordsFromEntityData(res.Data)...)
	}

	for i := range records {
		records[i].Replace = true
	}
	err = c.store.InsertWithTransaction(ctx, records, func() error {
		return c.log.AddSyncTypeStatus(ctx, horus.SyncTypeInitialSync, horus.SyncStatusCompleted)
	})
	if err != nil {
		return nil, fmt.Errorf("initial sync failed to materialize data: %w", err)
	}
	return in, nil
}

func (c *Client) stageSynchronizeData(ctx context.Context, in any) (any, error) {
	if !c.network.IsNetworkAvailable() {
		return nil, ErrNetworkUnavailable
	}
	var final SyncState
	c.reconciler.Start(ctx, func(state SyncState, isFinal bool) {
		if isFinal {
			final = state
		}
	})
	if final == StateFailed {
		return nil, fmt.Errorf("data synchronization failed")
	}
	return in, nil
}

func (c *Client) stageRefreshSharedData(ctx context.Context, in any) (any, error) {
	fresh, err := c.isWithinTTL(ctx, settingSharedDataRefreshedAt)
	if err != nil {
		return nil, err
	}
	if fresh {
		return in, nil
	}
	if !c.network.IsNetworkAvailable() {
		return nil, ErrNetworkUnavailable
	}

	res := c.service.GetDataShared(ctx)
	if !res.IsSuccess() {
		return nil, fmt.Errorf("failed to retrieve shared data: %w", res.Err)
	}

	records := c.reconciler.insertRecordsFromEntityData(res.Data)
	for i := range records {
		records[i].Replace = true
	}
	err = c.store.InsertWithTransaction(ctx, records, func() error {
		return setSetting(ctx, c.db, settingSharedDataRefreshedAt, strconv.FormatInt(c.nowFn().Unix(), 10))
	})
	if err != nil {
		return nil, fmt.Errorf("failed to materialize shared data: %w", err)
	}
	return in, nil
}

func (c *Client) stageRefreshReadableEntities(ctx context.Context, in any) (any, error) {
	fresh, err := c.isWithinTTL(ctx, settingReadableRefreshedAt)
	if err != nil {
		return nil, err
	}
	if fresh {
		return in, nil
	}
	if !c.network.IsNetworkAvailable() {
		return nil, ErrNetworkUnavailable
	}

	entities, err := c.log.GetReadableEntityNames(ctx)
	if err != nil {
		return nil, err
	}

	var records []InsertRecord
	for _, entity := range entities {
		res := c.service.GetDataEntity(ctx, entity, nil)
		if !res.IsSuccess() {
			return nil, fmt.Errorf("failed to refresh readable entity %s: %w", entity, res.Err)
		}
		records = append(records, c.reconciler.insertRecordsFromEntityData(res.Data)...)
	}
	for i := range records {
		records[i].Replace = true
	}
	err = c.store.InsertWithTransaction(ctx, records, func() error {
		return setSetting(ctx, c.db, settingReadableRefreshedAt, strconv.FormatInt(c.nowFn().Unix(), 10))
	})
	if err != nil {
		return nil, fmt.Errorf("failed to materialize readable entities: %w", err)
	}
	return in, nil
}

// isWithinTTL reports whether the stage ran successfully within the
// refresh TTL; being fresh is treated as stage success.
func (c *Client) isWithinTTL(ctx context.Context, key string) (bool, error) {
	value, err := getSetting(ctx, c.db, key)
	if err != nil || value == "" {
		return false, err
	}
	last, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return false, nil
	}
	elapsed := c.nowFn().Sub(time.Unix(last, 0))
	return elapsed < c.config.RefreshTTL, nil
}

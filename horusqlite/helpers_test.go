// Copyright 2025 Apptank
// SPDX-License-Identifier: Apache-2.0

package horusqlite

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/apptanksas/go-horus-sync/horus"
)

var errServerDown = errors.New("server unavailable")

func fixedTime(unix int64) func() time.Time {
	return func() time.Time { return time.Unix(unix, 0) }
}

// fakeService is a programmable RemoteService with call counters.
// Unset functions answer an empty success.
type fakeService struct {
	mu sync.Mutex

	postQueueActionsFn func(actions []horus.SyncAction) horus.Result[horus.Unit]
	getQueueActionsFn  func(checkpoint int64, exclude []int64) horus.Result[[]horus.SyncAction]
	validateDataFn     func(hashes []horus.EntityHash) horus.Result[[]horus.EntityHashValidation]
	validateHashingFn  func(data map[string]any, hash string) horus.Result[horus.HashingValidation]
	entityHashesFn     func(entity string) horus.Result[[]horus.EntityIdHash]
	dataEntityFn       func(entity string, ids []string) horus.Result[[]horus.EntityData]
	dataSharedFn       func() horus.Result[[]horus.EntityData]
	migrationFn        func() horus.Result[[]horus.EntityScheme]

	postQueueCalls      int
	getQueueCalls       int
	validateDataCalls   int
	entityHashesCalls   int
	dataEntityCalls     int
	dataEntityRequested [][]string
}

func (f *fakeService) PostQueueActions(_ context.Context, actions []horus.SyncAction) horus.Result[horus.Unit] {
	f.mu.Lock()
	f.postQueueCalls++
	fn := f.postQueueActionsFn
	f.mu.Unlock()
	if fn != nil {
		return fn(actions)
	}
	return horus.Success(horus.Unit{})
}

func (f *fakeService) GetQueueActions(_ context.Context, checkpoint int64, exclude []int64) horus.Result[[]horus.SyncAction] {
	f.mu.Lock()
	f.getQueueCalls++
	fn := f.getQueueActionsFn
	f.mu.Unlock()
	if fn != nil {
		return fn(checkpoint, exclude)
	}
	return horus.Success[[]horus.SyncAction](nil)
}

func (f *fakeService) PostValidateEntitiesData(_ context.Context, hashes []horus.EntityHash) horus.Result[[]horus.EntityHashValidation] {
	f.mu.Lock()
	f.validateDataCalls++
	fn := f.validateDataFn
	f.mu.Unlock()
	if fn != nil {
		return fn(hashes)
	}
	verdicts := make([]horus.EntityHashValidation, len(hashes))
	for i, h := range hashes {
		verdicts[i] = horus.EntityHashValidation{Entity: h.Entity, Matched: true}
	}
	return horus.Success(verdicts)
}

func (f *fakeService) PostValidateHashing(_ context.Context, data map[string]any, hash string) horus.Result[horus.HashingValidation] {
	if f.validateHashingFn != nil {
		return f.validateHashingFn(data, hash)
	}
	return horus.Success(horus.HashingValidation{Expected: hash, Matched: true})
}

func (f *fakeService) GetEntityHashes(_ context.Context, entity string) horus.Result[[]horus.EntityIdHash] {
	f.mu.Lock()
	f.entityHashesCalls++
	fn := f.entityHashesFn
	f.mu.Unlock()
	if fn != nil {
		return fn(entity)
	}
	return horus.Success[[]horus.EntityIdHash](nil)
}

func (f *fakeService) GetDataEntity(_ context.Context, entity string, ids []string) horus.Result[[]horus.EntityData] {
	f.mu.Lock()
	f.dataEntityCalls++
	f.dataEntityRequested = append(f.dataEntityRequested, ids)
	fn := f.dataEntityFn
	f.mu.Unlock()
	if fn != nil {
		return fn(entity, ids)
	}
	return horus.Success[[]horus.EntityData](nil)
}

func (f *fakeService) GetDataShared(_ context.Context) horus.Result[[]horus.EntityData] {
	if f.dataSharedFn != nil {
		return f.dataSharedFn()
	}
	return horus.Success[[]horus.EntityData](nil)
}

func (f *fakeService) GetMigration(_ context.Context) horus.Result[[]horus.EntityScheme] {
	if f.migrationFn != nil {
		return f.migrationFn()
	}
	return horus.Success(testSchemes())
}

// fakeSession is a SessionHolder stub.
type fakeSession struct {
	authenticated bool
	userID        string
}

func (s *fakeSession) IsUserAuthenticated() bool { return s.authenticated }
func (s *fakeSession) UserID() (string, bool)    { return s.userID, s.userID != "" }

// fakeNetwork is a NetworkValidator stub counting availability checks.
type fakeNetwork struct {
	mu        sync.Mutex
	available bool
	checks    int
	callbacks []func(bool)
}

func (n *fakeNetwork) IsNetworkAvailable() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.checks++
	return n.available
}

func (n *fakeNetwork) OnNetworkChange(cb func(available bool)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.callbacks = append(n.callbacks, cb)
}

func (n *fakeNetwork) checkCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.checks
}

func (n *fakeNetwork) transition(available bool) {
	n.mu.Lock()
	n.available = available
	callbacks := append([]func(bool){}, n.callbacks...)
	n.mu.Unlock()
	for _, cb := range callbacks {
		cb(available)
	}
}

func testSchemes() []horus.EntityScheme {
	return []horus.EntityScheme{
		{
			Name:     "measures",
			Writable: true,
			Attributes: []horus.AttributeScheme{
				{Name: "measure", Type: "string"},
				{Name: "unit", Type: "string"},
				{Name: "value", Type: "float"},
			},
		},
		{
			Name:     "products",
			Writable: true,
			Attributes: []horus.AttributeScheme{
				{Name: "name", Type: "string"},
				{Name: "price", Type: "float", Nullable: true},
			},
		},
		{
			Name:     "categories",
			Writable: false,
			Attributes: []horus.AttributeScheme{
				{Name: "label", Type: "string"},
			},
		},
	}
}

type testEnv struct {
	client  *Client
	db      *sql.DB
	service *fakeService
	session *fakeSession
	network *fakeNetwork
}

// newTestEnv builds a ready client over an in-memory database with the
// test schema already migrated, bypassing the network-bound pipeline
// stages.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	db.SetMaxOpenConns(1)

	service := &fakeService{}
	session := &fakeSession{authenticated: true, userID: "user-1"}
	network := &fakeNetwork{available: true}

	config := DefaultConfig()
	config.RetryDelay = 0
	client, err := NewClient(db, service, session, network, config)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	ctx := context.Background()
	if err := saveEntitySchemes(ctx, db, testSchemes()); err != nil {
		t.Fatalf("save schemes: %v", err)
	}
	if err := createDataTables(ctx, db, testSchemes()); err != nil {
		t.Fatalf("create tables: %v", err)
	}
	client.pipeline.ready.Store(true)

	return &testEnv{client: client, db: db, service: service, session: session, network: network}
}

func (e *testEnv) countRows(t *testing.T, table string) int {
	t.Helper()
	var count int
	if err := e.db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&count); err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return count
}

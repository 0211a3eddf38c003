// Copyright 2025 Apptank
// SPDX-License-Identifier: Apache-2.0

package horus

// Action type constants for queued mutations
const (
	ActionInsert = "INSERT"
	ActionUpdate = "UPDATE"
	ActionDelete = "DELETE"
)

// Action status constants
const (
	ActionPending   = "PENDING"
	ActionCompleted = "COMPLETED"
)

// Sync operation type constants for the control table
const (
	SyncTypeHashValidation = "HASH_VALIDATION"
	SyncTypeInitialSync    = "INITIAL_SYNCHRONIZATION"
	SyncTypeCheckpoint     = "CHECKPOINT"
)

// Sync operation status constants for the control table
const (
	SyncStatusPending   = "PENDING"
	SyncStatusCompleted = "COMPLETED"
	SyncStatusFailed    = "FAILED"
)

// Reserved attribute names present on every synchronized row.
// sync_hash is excluded from its own computation, together with the
// volatile timestamp columns.
const (
	AttrID        = "id"
	AttrOwnerID   = "sync_owner_id"
	AttrHash      = "sync_hash"
	AttrCreatedAt = "sync_created_at"
	AttrUpdatedAt = "sync_updated_at"
)

// IsReservedAttribute reports whether name is one of the reserved
// sync attributes a client must never hash or accept from callers.
func IsReservedAttribute(name string) bool {
	switch name {
	case AttrID, AttrOwnerID, AttrHash, AttrCreatedAt, AttrUpdatedAt:
		return true
	default:
		return false
	}
}

// IsHashableAttribute reports whether name participates in sync_hash.
// The row id is part of the hashed content; the remaining reserved
// attributes are volatile bookkeeping and are excluded.
func IsHashableAttribute(name string) bool {
	switch name {
	case AttrOwnerID, AttrHash, AttrCreatedAt, AttrUpdatedAt:
		return false
	default:
		return true
	}
}

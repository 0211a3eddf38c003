// Copyright 2025 Apptank
// SPDX-License-Identifier: Apache-2.0

package horus

// REST/JSON models for the sync HTTP API. These map 1:1 onto the
// SyncAction / EntityHash / EntityIdHash / EntityData data model.

// QueueActionsRequest is the batch push of locally recorded actions.
type QueueActionsRequest struct {
	Actions []SyncAction `json:"actions"`
}

// QueueActionsResponse lists the remote actions recorded after a
// checkpoint, excluding the caller's own echoed actions when the
// request carried exclusion timestamps.
type QueueActionsResponse struct {
	Actions []SyncAction `json:"actions"`
}

// ValidateEntitiesRequest carries one aggregate hash per entity.
type ValidateEntitiesRequest struct {
	Entities []EntityHash `json:"entities"`
}

// ValidateEntitiesResponse is the per-entity match verdict.
type ValidateEntitiesResponse struct {
	Entities []EntityHashValidation `json:"entities"`
}

// EntityHashesResponse is the per-row digest list of one entity.
type EntityHashesResponse struct {
	Hashes []EntityIdHash `json:"hashes"`
}

// EntityDataResponse carries full rows for requested ids, or the whole
// entity when no ids were requested.
type EntityDataResponse struct {
	Data []EntityData `json:"data"`
}

// MigrationResponse is the entity schema registry.
type MigrationResponse struct {
	Entities []EntityScheme `json:"entities"`
}

// ValidateHashingRequest is the client hash self-test: the server
// recomputes the hash of Data and compares it against Hash.
type ValidateHashingRequest struct {
	Data map[string]any `json:"data"`
	Hash string         `json:"hash"`
}

// ErrorResponse is the error envelope returned on non-2xx statuses.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

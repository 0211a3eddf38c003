// Copyright 2025 Apptank
// SPDX-License-Identifier: Apache-2.0

package horusqlite

import "errors"

var (
	// ErrNotReady is returned when a write or sync is attempted before
	// the bootstrap task pipeline has completed.
	ErrNotReady = errors.New("sync engine is not ready: bootstrap pipeline has not completed")

	// ErrEntityNotFound is returned when the entity is unknown to the
	// schema registry.
	ErrEntityNotFound = errors.New("entity does not exist in schema registry")

	// ErrEntityNotWritable is returned when a write targets a readable
	// (lookup) entity.
	ErrEntityNotWritable = errors.New("entity is not writable")

	// ErrNetworkUnavailable is returned when a bootstrap step needs the
	// network and none is available. Push and reconciliation treat the
	// same condition as a silent no-op instead.
	ErrNetworkUnavailable = errors.New("network unavailable")

	// ErrConstraintViolation wraps storage constraint failures so
	// callers can tell them apart from "no rows matched".
	ErrConstraintViolation = errors.New("constraint violation")

	// ErrIncompleteCompletion is returned by completion bookkeeping
	// when fewer action rows transitioned than requested.
	ErrIncompleteCompletion = errors.New("not all actions transitioned to completed")
)

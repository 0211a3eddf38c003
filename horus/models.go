// Copyright 2025 Apptank
// SPDX-License-Identifier: Apache-2.0

package horus

import (
	"fmt"
	"sort"
)

// SyncAction is one pending or completed local mutation queued for the
// remote service. Data is a variant payload keyed by Action:
//
//	INSERT: full attribute map, including "id"
//	UPDATE: {"id": ..., "attributes": {...}}
//	DELETE: {"id": ...}
type SyncAction struct {
	ID         int64          `json:"id,omitempty"`
	Action     string         `json:"action"`
	Entity     string         `json:"entity"`
	Status     string         `json:"status,omitempty"`
	Data       map[string]any `json:"data"`
	ActionedAt int64          `json:"actioned_at"`
}

// RecordID extracts the target row id from the action payload.
func (a *SyncAction) RecordID() (string, error) {
	v, ok := a.Data["id"]
	if !ok {
		return "", fmt.Errorf("action %d (%s %s) has no id in payload", a.ID, a.Action, a.Entity)
	}
	return fmt.Sprintf("%v", v), nil
}

// Attributes extracts the mutation attributes from the action payload.
// For INSERT the payload itself is the attribute map; for UPDATE the
// attributes live under the "attributes" key; DELETE carries none.
func (a *SyncAction) Attributes() map[string]any {
	switch a.Action {
	case ActionInsert:
		return a.Data
	case ActionUpdate:
		if attrs, ok := a.Data["attributes"].(map[string]any); ok {
			return attrs
		}
	}
	return nil
}

// Attribute is one named value of a runtime entity row. Value is one of
// string, int64, float64, bool, nil, or a nested []EntityData for
// relations.
type Attribute struct {
	Name  string
	Value any
}

// Entity is the runtime representation of one row returned to callers.
type Entity struct {
	Name       string
	Attributes []Attribute
}

// Get returns the value of the named attribute.
func (e *Entity) Get(name string) (any, bool) {
	for _, a := range e.Attributes {
		if a.Name == name {
			return a.Value, true
		}
	}
	return nil, false
}

// EntityFromMap builds an Entity with attributes ordered by name, so the
// representation is stable regardless of map iteration order.
func EntityFromMap(name string, row map[string]any) Entity {
	attrs := make([]Attribute, 0, len(row))
	for k, v := range row {
		attrs = append(attrs, Attribute{Name: k, Value: v})
	}
	sort.Slice(attrs, func(i, j int) bool { return attrs[i].Name < attrs[j].Name })
	return Entity{Name: name, Attributes: attrs}
}

// EntityHash is the whole-table integrity digest: the aggregate hash of
// every row's sync_hash ordered by id.
type EntityHash struct {
	Entity string `json:"entity"`
	Hash   string `json:"hash"`
}

// EntityHashValidation is the server's verdict for one EntityHash.
type EntityHashValidation struct {
	Entity  string `json:"entity"`
	Matched bool   `json:"matched"`
}

// EntityIdHash is a per-row digest, exchanged only when an EntityHash
// mismatch forces row-level diffing.
type EntityIdHash struct {
	ID   string `json:"id"`
	Hash string `json:"hash"`
}

// EntityData is one full row as served by the remote service, with
// nested related-entity rows.
type EntityData struct {
	Entity  string         `json:"entity"`
	Data    map[string]any `json:"data"`
	Related []EntityData   `json:"related,omitempty"`
}

// AttributeScheme describes one column of a synchronized entity.
type AttributeScheme struct {
	Name       string `json:"name"`
	Type       string `json:"type"` // string | int | float | bool | timestamp
	Nullable   bool   `json:"nullable"`
	References string `json:"references,omitempty"` // parent table for relation FKs
}

// EntityScheme describes one synchronized entity, including nested
// one-to-many relations.
type EntityScheme struct {
	Name       string            `json:"name"`
	Writable   bool              `json:"writable"`
	Attributes []AttributeScheme `json:"attributes"`
	Relations  []EntityScheme    `json:"relations,omitempty"`
}

// HashingValidation is the server's response to the hash self-test.
type HashingValidation struct {
	Expected string `json:"expected_hash"`
	Matched  bool   `json:"matched"`
}

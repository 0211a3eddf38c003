// Copyright 2025 Apptank
// SPDX-License-Identifier: Apache-2.0

package horusqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/apptanksas/go-horus-sync/horus"
)

// Control tables owned exclusively by the sync engine. The action log
// and control rows are append-only; concurrent readers never observe a
// half-written row under SQLite's transaction isolation.
const (
	tableActions  = "_horus_sync_actions"
	tableControl  = "_horus_sync_control"
	tableSettings = "_horus_settings"
	tableEntities = "_horus_entities"
)

// initializeDatabase enables WAL + foreign keys and creates the control
// schema.
func initializeDatabase(db *sql.DB) error {
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	tables := []string{
		// Append-only ledger of local mutations.
		`CREATE TABLE IF NOT EXISTS ` + tableActions + ` (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			action      TEXT NOT NULL CHECK (action IN ('INSERT','UPDATE','DELETE')),
			entity      TEXT NOT NULL,
			status      TEXT NOT NULL CHECK (status IN ('PENDING','COMPLETED')),
			data        TEXT NOT NULL,
			actioned_at INTEGER NOT NULL
		)`,

		// Append-only audit/gating rows for sync operation types.
		`CREATE TABLE IF NOT EXISTS ` + tableControl + ` (
			id       INTEGER PRIMARY KEY AUTOINCREMENT,
			type     TEXT NOT NULL,
			status   TEXT NOT NULL,
			datetime INTEGER NOT NULL
		)`,

		// Key/value settings (TTL bookkeeping for pipeline stages).
		`CREATE TABLE IF NOT EXISTS ` + tableSettings + ` (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,

		// Entity schema registry persisted from the server migration.
		`CREATE TABLE IF NOT EXISTS ` + tableEntities + ` (
			name     TEXT PRIMARY KEY,
			writable INTEGER NOT NULL DEFAULT 0,
			scheme   TEXT NOT NULL
		)`,
	}

	for _, ddl := range tables {
		if _, err := db.Exec(ddl); err != nil {
			return fmt.Errorf("failed to create control table: %w", err)
		}
	}
	return nil
}

// getSetting returns the stored value for key, or "" when absent.
func getSetting(ctx context.Context, db *sql.DB, key string) (string, error) {
	var value string
	err := db.QueryRowContext(ctx, `SELECT value FROM `+tableSettings+` WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read setting %s: %w", key, err)
	}
	return value, nil
}

func setSetting(ctx context.Context, db *sql.DB, key, value string) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO `+tableSettings+` (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("failed to write setting %s: %w", key, err)
	}
	return nil
}

// saveEntitySchemes replaces the persisted schema registry, flattening
// nested relations so every entity (top-level or related) is known to
// the write guards.
func saveEntitySchemes(ctx context.Context, db *sql.DB, schemes []horus.EntityScheme) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin registry transaction: %w", err)
	}
	defer tx.Rollback()

	var persist func(s horus.EntityScheme) error
	persist = func(s horus.EntityScheme) error {
		raw, err := json.Marshal(s)
		if err != nil {
			return fmt.Errorf("failed to marshal scheme %s: %w", s.Name, err)
		}
		writable := 0
		if s.Writable {
			writable = 1
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO `+tableEntities+` (name, writable, scheme) VALUES (?, ?, ?)
			ON CONFLICT(name) DO UPDATE SET writable = excluded.writable, scheme = excluded.scheme
		`, s.Name, writable, string(raw)); err != nil {
			return fmt.Errorf("failed to persist scheme %s: %w", s.Name, err)
		}
		for _, rel := range s.Relations {
			if err := persist(rel); err != nil {
				return err
			}
		}
		return nil
	}

	for _, s := range schemes {
		if err := persist(s); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// createDataTables materializes one SQLite table per entity scheme,
// recursively for nested relations. Every table carries the reserved
// sync columns next to the declared attributes.
func createDataTables(ctx context.Context, db *sql.DB, schemes []horus.EntityScheme) error {
	for _, s := range schemes {
		if err := createDataTable(ctx, db, s); err != nil {
			return err
		}
	}
	return nil
}

func createDataTable(ctx context.Context, db *sql.DB, scheme horus.EntityScheme) error {
	cols := []string{
		`"id" TEXT PRIMARY KEY`,
		`"sync_owner_id" TEXT NOT NULL`,
		`"sync_hash" TEXT NOT NULL`,
		`"sync_created_at" INTEGER NOT NULL`,
		`"sync_updated_at" INTEGER NOT NULL`,
	}
	for _, attr := range scheme.Attributes {
		if horus.IsReservedAttribute(attr.Name) {
			continue
		}
		col := fmt.Sprintf("%q %s", attr.Name, sqliteType(attr.Type))
		if !attr.Nullable {
			col += " NOT NULL"
		}
		if attr.References != "" {
			col += fmt.Sprintf(" REFERENCES %q(id) ON DELETE CASCADE", attr.References)
		}
		cols = append(cols, col)
	}

	ddl := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %q (%s)", scheme.Name, strings.Join(cols, ", "))
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to create table %s: %w", scheme.Name, err)
	}

	for _, rel := range scheme.Relations {
		if err := createDataTable(ctx, db, rel); err != nil {
			return err
		}
	}
	return nil
}

func sqliteType(attrType string) string {
	switch attrType {
	case "int", "bool", "timestamp":
		return "INTEGER"
	case "float":
		return "REAL"
	default:
		return "TEXT"
	}
}

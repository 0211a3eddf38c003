// Copyright 2025 Apptank
// SPDX-License-Identifier: Apache-2.0

package horusqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/mattn/go-sqlite3"
)

// LogicOperator combines where conditions.
type LogicOperator string

const (
	LogicAnd LogicOperator = "AND"
	LogicOr  LogicOperator = "OR"
)

// Condition is one comparison in a where clause. Operator defaults to
// "=" when empty; "IN" expects Value to be a slice.
type Condition struct {
	Column   string
	Operator string
	Value    any
}

// Eq builds an equality condition.
func Eq(column string, value any) Condition {
	return Condition{Column: column, Operator: "=", Value: value}
}

// In builds a membership condition.
func In(column string, values []any) Condition {
	return Condition{Column: column, Operator: "IN", Value: values}
}

// DatabaseOperation is the sealed set of structured mutations the store
// executes. The three variants map onto the action types of the sync
// protocol.
type DatabaseOperation interface {
	isDatabaseOperation()
}

// InsertRecord inserts one row. Replace switches to INSERT OR REPLACE,
// used when materializing server-owned reference data.
type InsertRecord struct {
	Table   string
	Columns map[string]any
	Replace bool
}

// UpdateRecord updates matching rows with the given column values.
type UpdateRecord struct {
	Table   string
	Columns map[string]any
	Where   []Condition
	Logic   LogicOperator
}

// DeleteRecord deletes matching rows.
type DeleteRecord struct {
	Table string
	Where []Condition
	Logic LogicOperator
}

func (InsertRecord) isDatabaseOperation() {}
func (UpdateRecord) isDatabaseOperation() {}
func (DeleteRecord) isDatabaseOperation() {}

// Query describes a filtered read against one entity table.
type Query struct {
	Table   string
	Columns []string // empty selects *
	Where   []Condition
	Logic   LogicOperator
	OrderBy string
	Desc    bool
	Limit   int
	Offset  int
}

// DeleteResult reports the outcome of an ad-hoc delete.
type DeleteResult struct {
	IsSuccess    bool
	RowsAffected int64
}

// Store executes structured operations against the embedded SQLite
// database with all-or-nothing semantics per batch.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewStore wraps db. The caller keeps ownership of the handle.
func NewStore(db *sql.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger}
}

// ExecuteOperations runs every operation inside one transaction. Any
// single failure rolls back the whole batch. Foreign key checks are
// deferred to commit so a mixed page of insert/update/delete may apply
// out of dependency order. post fires only after a successful commit;
// its error is surfaced but cannot undo the commit.
func (s *Store) ExecuteOperations(ctx context.Context, ops []DatabaseOperation, post func() error) error {
	if len(ops) == 0 {
		if post != nil {
			return post()
		}
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `PRAGMA defer_foreign_keys = ON`); err != nil {
		return fmt.Errorf("failed to enable deferred FK checks: %w", err)
	}

	for _, op := range ops {
		if err := applyOperation(ctx, tx, op); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return wrapConstraint("failed to commit transaction", err)
	}
	if post != nil {
		return post()
	}
	return nil
}

// InsertWithTransaction inserts a homogeneous batch atomically.
func (s *Store) InsertWithTransaction(ctx context.Context, records []InsertRecord, post func() error) error {
	ops := make([]DatabaseOperation, len(records))
	for i, r := range records {
		ops[i] = r
	}
	return s.ExecuteOperations(ctx, ops, post)
}

// UpdateWithTransaction updates a homogeneous batch atomically.
func (s *Store) UpdateWithTransaction(ctx context.Context, records []UpdateRecord, post func() error) error {
	ops := make([]DatabaseOperation, len(records))
	for i, r := range records {
		ops[i] = r
	}
	return s.ExecuteOperations(ctx, ops, post)
}

// DeleteWithTransaction deletes a homogeneous batch atomically.
func (s *Store) DeleteWithTransaction(ctx context.Context, records []DeleteRecord, post func() error) error {
	ops := make([]DatabaseOperation, len(records))
	for i, r := range records {
		ops[i] = r
	}
	return s.ExecuteOperations(ctx, ops, post)
}

// DeleteRecords deletes matching rows in their own transaction and
// reports how many went away. Zero rows matched is not an error.
//
// disableForeignKeys defers FK enforcement to commit for the duration
// of the statement. This is an intentional, unsafe escape hatch: it is
// only sound during whole-entity repair, where every descendant row of
// the deleted set is replaced inside the same reconciliation pass.
func (s *Store) DeleteRecords(ctx context.Context, table string, where []Condition, logic LogicOperator, disableForeignKeys bool) (DeleteResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return DeleteResult{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if disableForeignKeys {
		if _, err := tx.ExecContext(ctx, `PRAGMA defer_foreign_keys = ON`); err != nil {
			return DeleteResult{}, fmt.Errorf("failed to defer foreign keys: %w", err)
		}
	}

	clause, args := buildWhere(where, logic)
	query := fmt.Sprintf("DELETE FROM %q%s", table, clause)
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return DeleteResult{}, wrapConstraint("failed to delete records", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return DeleteResult{}, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return DeleteResult{}, wrapConstraint("failed to commit delete", err)
	}
	return DeleteResult{IsSuccess: true, RowsAffected: affected}, nil
}

// QueryRecords runs q and returns one map per row. []byte column values
// are converted to string, matching how rows were written.
func (s *Store) QueryRecords(ctx context.Context, q Query) ([]map[string]any, error) {
	query, args := buildSelect(q, false)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", q.Table, err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to get columns: %w", err)
	}

	var result []map[string]any
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		row := make(map[string]any, len(columns))
		for i, col := range columns {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return result, nil
}

// CountRecords returns the number of rows matching q.
func (s *Store) CountRecords(ctx context.Context, q Query) (int, error) {
	query, args := buildSelect(q, true)
	var count int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", q.Table, err)
	}
	return count, nil
}

// Truncate removes every row of an entity table.
func (s *Store) Truncate(ctx context.Context, entity string) error {
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %q", entity)); err != nil {
		return wrapConstraint("failed to truncate "+entity, err)
	}
	return nil
}

func applyOperation(ctx context.Context, tx *sql.Tx, op DatabaseOperation) error {
	switch o := op.(type) {
	case InsertRecord:
		names := sortedColumns(o.Columns)
		placeholders := make([]string, len(names))
		args := make([]any, len(names))
		quoted := make([]string, len(names))
		for i, n := range names {
			placeholders[i] = "?"
			args[i] = o.Columns[n]
			quoted[i] = fmt.Sprintf("%q", n)
		}
		verb := "INSERT"
		if o.Replace {
			verb = "INSERT OR REPLACE"
		}
		query := fmt.Sprintf("%s INTO %q (%s) VALUES (%s)",
			verb, o.Table, strings.Join(quoted, ", "), strings.Join(placeholders, ", "))
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return wrapConstraint("failed to insert into "+o.Table, err)
		}
		return nil

	case UpdateRecord:
		names := sortedColumns(o.Columns)
		sets := make([]string, len(names))
		args := make([]any, 0, len(names))
		for i, n := range names {
			sets[i] = fmt.Sprintf("%q = ?", n)
			args = append(args, o.Columns[n])
		}
		clause, whereArgs := buildWhere(o.Where, o.Logic)
		args = append(args, whereArgs...)
		query := fmt.Sprintf("UPDATE %q SET %s%s", o.Table, strings.Join(sets, ", "), clause)
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return wrapConstraint("failed to update "+o.Table, err)
		}
		return nil

	case DeleteRecord:
		clause, args := buildWhere(o.Where, o.Logic)
		query := fmt.Sprintf("DELETE FROM %q%s", o.Table, clause)
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return wrapConstraint("failed to delete from "+o.Table, err)
		}
		return nil

	default:
		return fmt.Errorf("unknown database operation %T", op)
	}
}

func buildSelect(q Query, count bool) (string, []any) {
	projection := "*"
	if count {
		projection = "COUNT(*)"
	} else if len(q.Columns) > 0 {
		quoted := make([]string, len(q.Columns))
		for i, c := range q.Columns {
			quoted[i] = fmt.Sprintf("%q", c)
		}
		projection = strings.Join(quoted, ", ")
	}

	clause, args := buildWhere(q.Where, q.Logic)
	query := fmt.Sprintf("SELECT %s FROM %q%s", projection, q.Table, clause)
	if !count {
		if q.OrderBy != "" {
			query += fmt.Sprintf(" ORDER BY %q", q.OrderBy)
			if q.Desc {
				query += " DESC"
			}
		}
		if q.Limit > 0 {
			query += fmt.Sprintf(" LIMIT %d", q.Limit)
			if q.Offset > 0 {
				query += fmt.Sprintf(" OFFSET %d", q.Offset)
			}
		}
	}
	return query, args
}

func buildWhere(conds []Condition, logic LogicOperator) (string, []any) {
	if len(conds) == 0 {
		return "", nil
	}
	if logic == "" {
		logic = LogicAnd
	}
	parts := make([]string, 0, len(conds))
	var args []any
	for _, c := range conds {
		op := c.Operator
		if op == "" {
			op = "="
		}
		if strings.EqualFold(op, "IN") {
			values, _ := c.Value.([]any)
			placeholders := make([]string, len(values))
			for i, v := range values {
				placeholders[i] = "?"
				args = append(args, v)
			}
			parts = append(parts, fmt.Sprintf("%q IN (%s)", c.Column, strings.Join(placeholders, ", ")))
			continue
		}
		parts = append(parts, fmt.Sprintf("%q %s ?", c.Column, op))
		args = append(args, c.Value)
	}
	return " WHERE " + strings.Join(parts, " "+string(logic)+" "), args
}

func sortedColumns(columns map[string]any) []string {
	names := make([]string, 0, len(columns))
	for n := range columns {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// wrapConstraint folds SQLite constraint failures into
// ErrConstraintViolation so callers can distinguish them from
// zero-rows-matched, which is never an error.
func wrapConstraint(msg string, err error) error {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
		return fmt.Errorf("%s: %w: %v", msg, ErrConstraintViolation, err)
	}
	return fmt.Errorf("%s: %w", msg, err)
}

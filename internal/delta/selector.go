package delta

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/roach88/enrollsync/internal/store"
)

// Selector runs delta queries against the source database.
type Selector struct {
	db      *sql.DB
	dialect store.Dialect
}

// NewSelector creates a Selector on a source connection.
func NewSelector(db *sql.DB, dialect store.Dialect) *Selector {
	return &Selector{db: db, dialect: dialect}
}

// Select runs the query and returns a lazy cursor over its rows.
// Callers are responsible for closing the returned Rows.
func (s *Selector) Select(ctx context.Context, q Query) (*Rows, error) {
	query, args, err := q.Build(s.dialect)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query delta %s/%s: %w", q.Program, q.Category, err)
	}

	cols, err := rows.Columns()
	if err != nil {
		rows.Close()
		return nil, fmt.Errorf("query delta columns: %w", err)
	}

	return &Rows{rows: rows, cols: cols}, nil
}

// Rows is a forward-only cursor over delta rows.
type Rows struct {
	rows *sql.Rows
	cols []string
	cur  Row
	err  error
}

// Next advances to the next row. It returns false at the end or on error.
func (r *Rows) Next() bool {
	if r.err != nil || !r.rows.Next() {
		return false
	}

	values := make([]any, len(r.cols))
	ptrs := make([]any, len(r.cols))
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := r.rows.Scan(ptrs...); err != nil {
		r.err = fmt.Errorf("scan delta row: %w", err)
		return false
	}

	row := make(Row, len(r.cols))
	for i, c := range r.cols {
		// a later duplicate column never overwrites a non-NULL earlier one
		if existing, ok := row[c]; ok && existing != nil && values[i] == nil {
			continue
		}
		row[c] = values[i]
	}
	r.cur = row
	return true
}

// Row returns the current row.
func (r *Rows) Row() Row {
	return r.cur
}

// Err returns the first error encountered while iterating.
func (r *Rows) Err() error {
	if r.err != nil {
		return r.err
	}
	if err := r.rows.Err(); err != nil {
		return fmt.Errorf("iterate delta rows: %w", err)
	}
	return nil
}

// Close releases the cursor.
func (r *Rows) Close() error {
	return r.rows.Close()
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/enrollsync/internal/model"
)

// Key identifies one watermark. Program holds the source table the marker
// tracks; an enrollment job keeps one marker per dependent table.
type Key struct {
	Program  string
	Category model.Category
}

// String implements fmt.Stringer.
func (k Key) String() string {
	return k.Program + "/" + string(k.Category)
}

// Watermark is one persisted marker row.
type Watermark struct {
	Key
	LastSynced time.Time
}

// GetWatermark returns the last-synced timestamp for a key.
// Returns model.MinTime if no marker exists.
func (s *Store) GetWatermark(ctx context.Context, key Key) (time.Time, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, s.dialect.Rebind(`
		SELECT last_synced_date FROM marker
		WHERE program_name = ? AND category = ?
	`), key.Program, string(key.Category)).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return model.MinTime, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("get watermark %s: %w", key, err)
	}
	return model.ParseStorageTime(raw), nil
}

// SetWatermark overwrites the marker for a key unconditionally.
//
// No locking is applied: two jobs writing the same key concurrently leave the
// value of the last writer.
func (s *Store) SetWatermark(ctx context.Context, key Key, ts time.Time) error {
	_, err := s.db.ExecContext(ctx, s.dialect.Rebind(`
		INSERT INTO marker (program_name, category, last_synced_date)
		VALUES (?, ?, ?)
		ON CONFLICT (program_name, category) DO UPDATE SET last_synced_date = excluded.last_synced_date
	`), key.Program, string(key.Category), model.FormatStorageTime(ts))
	if err != nil {
		return fmt.Errorf("set watermark %s: %w", key, err)
	}
	return nil
}

// ListWatermarks returns every marker ordered by program and category.
func (s *Store) ListWatermarks(ctx context.Context) ([]Watermark, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT program_name, category, last_synced_date FROM marker
		ORDER BY program_name ASC, category ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list watermarks: %w", err)
	}
	defer rows.Close()

	marks := []Watermark{}
	for rows.Next() {
		var w Watermark
		var category, raw string
		if err := rows.Scan(&w.Program, &category, &raw); err != nil {
			return nil, fmt.Errorf("scan watermark: %w", err)
		}
		w.Category = model.Category(category)
		w.LastSynced = model.ParseStorageTime(raw)
		marks = append(marks, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate watermarks: %w", err)
	}
	return marks, nil
}

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/roach88/enrollsync/internal/model"
)

// JobStatus is the lifecycle status of a job log row.
type JobStatus string

const (
	JobPending JobStatus = "pending"
	JobSuccess JobStatus = "success"
	JobFailed  JobStatus = "failed"
)

// JobLog is one row of the job log.
type JobLog struct {
	ID         string
	Program    string
	SyncedBy   string
	Comments   string
	Status     JobStatus
	StatusInfo string
	CreatedAt  time.Time
	StartDate  string
	EndDate    string
}

// InsertJobLog writes the pending row of a job invocation.
func (s *Store) InsertJobLog(ctx context.Context, l JobLog) error {
	status := l.Status
	if status == "" {
		status = JobPending
	}
	_, err := s.db.ExecContext(ctx, s.dialect.Rebind(`
		INSERT INTO log
		(log_id, program, synced_by, comments, status, status_info, date_created, start_date, end_date)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`),
		l.ID,
		l.Program,
		l.SyncedBy,
		l.Comments,
		string(status),
		l.StatusInfo,
		model.FormatStorageTime(l.CreatedAt),
		l.StartDate,
		l.EndDate,
	)
	if err != nil {
		return fmt.Errorf("insert job log: %w", err)
	}
	return nil
}

// FinishJobLog moves a job log row out of pending.
func (s *Store) FinishJobLog(ctx context.Context, id string, status JobStatus, info string) error {
	res, err := s.db.ExecContext(ctx, s.dialect.Rebind(`
		UPDATE log SET status = ?, status_info = ? WHERE log_id = ?
	`), string(status), info, id)
	if err != nil {
		return fmt.Errorf("finish job log: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finish job log: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("finish job log: no log row %q", id)
	}
	return nil
}

// ReadJobLog retrieves a job log row by id.
// Returns sql.ErrNoRows if not found.
func (s *Store) ReadJobLog(ctx context.Context, id string) (JobLog, error) {
	var l JobLog
	var status, created string
	err := s.db.QueryRowContext(ctx, s.dialect.Rebind(`
		SELECT log_id, program, synced_by, comments, status, status_info, date_created, start_date, end_date
		FROM log WHERE log_id = ?
	`), id).Scan(&l.ID, &l.Program, &l.SyncedBy, &l.Comments, &status, &l.StatusInfo, &created, &l.StartDate, &l.EndDate)
	if err != nil {
		return JobLog{}, err
	}
	l.Status = JobStatus(status)
	l.CreatedAt = model.ParseStorageTime(created)
	return l, nil
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/enrollsync/internal/model"
)

// Stamp tags tracker rows with the operator identity and write time.
type Stamp struct {
	CreatedBy string
	At        time.Time
}

// EnrollmentRecord maps a program-unique id to its remote enrollment id.
type EnrollmentRecord struct {
	EnrollmentID    string
	InstanceID      string
	Program         string
	Status          model.Status
	ProgramUniqueID string
}

// EventRecord maps an event-unique id to its remote event id.
type EventRecord struct {
	EventID       string
	InstanceID    string
	Program       string
	ProgramStage  string
	EventUniqueID string
}

// InstanceRecord maps a patient identifier to its remote instance id.
type InstanceRecord struct {
	PatientIdentifier string
	InstanceID        string
}

// StatusUpdate changes the tracked status of an enrollment by remote id.
type StatusUpdate struct {
	EnrollmentID string
	Status       model.Status
}

// RecordEnrollments upserts one tracker row per enrollment.
// Returns the number of rows written; a count below len(recs) is a partial write.
func (s *Store) RecordEnrollments(ctx context.Context, stamp Stamp, recs []EnrollmentRecord) (int, error) {
	query := s.dialect.Rebind(`
		INSERT INTO enrollment_tracker
		(enrollment_id, instance_id, program, status, program_unique_id, created_by, date_created)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (program, program_unique_id) DO UPDATE SET
			enrollment_id = excluded.enrollment_id,
			instance_id = excluded.instance_id,
			status = excluded.status,
			created_by = excluded.created_by,
			date_created = excluded.date_created
	`)
	at := model.FormatStorageTime(stamp.At)

	return s.execEach(ctx, "record enrollments", len(recs), func(conn *sql.Conn, i int) (sql.Result, error) {
		r := recs[i]
		return conn.ExecContext(ctx, query,
			r.EnrollmentID, r.InstanceID, r.Program, string(r.Status), r.ProgramUniqueID, stamp.CreatedBy, at)
	})
}

// RecordEvents upserts one tracker row per event.
func (s *Store) RecordEvents(ctx context.Context, stamp Stamp, recs []EventRecord) (int, error) {
	query := s.dialect.Rebind(`
		INSERT INTO event_tracker
		(event_id, instance_id, program, program_stage, event_unique_id, created_by, date_created)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (program, event_unique_id) DO UPDATE SET
			event_id = excluded.event_id,
			instance_id = excluded.instance_id,
			program_stage = excluded.program_stage,
			created_by = excluded.created_by,
			date_created = excluded.date_created
	`)
	at := model.FormatStorageTime(stamp.At)

	return s.execEach(ctx, "record events", len(recs), func(conn *sql.Conn, i int) (sql.Result, error) {
		r := recs[i]
		return conn.ExecContext(ctx, query,
			r.EventID, r.InstanceID, r.Program, r.ProgramStage, r.EventUniqueID, stamp.CreatedBy, at)
	})
}

// RecordInstances upserts one tracker row per instance.
func (s *Store) RecordInstances(ctx context.Context, stamp Stamp, recs []InstanceRecord) (int, error) {
	query := s.dialect.Rebind(`
		INSERT INTO instance_tracker (patient_identifier, instance_id, created_by, date_created)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (patient_identifier) DO UPDATE SET
			instance_id = excluded.instance_id,
			created_by = excluded.created_by,
			date_created = excluded.date_created
	`)
	at := model.FormatStorageTime(stamp.At)

	return s.execEach(ctx, "record instances", len(recs), func(conn *sql.Conn, i int) (sql.Result, error) {
		r := recs[i]
		return conn.ExecContext(ctx, query, r.PatientIdentifier, r.InstanceID, stamp.CreatedBy, at)
	})
}

// UpdateEnrollmentStatus overwrites status and timestamp of tracked enrollments
// matched by remote id. Unknown ids are not counted.
func (s *Store) UpdateEnrollmentStatus(ctx context.Context, stamp Stamp, updates []StatusUpdate) (int, error) {
	query := s.dialect.Rebind(`
		UPDATE enrollment_tracker
		SET status = ?, date_created = ?
		WHERE enrollment_id = ?
	`)
	at := model.FormatStorageTime(stamp.At)

	return s.execEach(ctx, "update enrollment status", len(updates), func(conn *sql.Conn, i int) (sql.Result, error) {
		u := updates[i]
		return conn.ExecContext(ctx, query, string(u.Status), at, u.EnrollmentID)
	})
}

// execEach runs one statement per row on a single connection and sums the
// affected row counts. It stops at the first error and returns the count so far.
func (s *Store) execEach(ctx context.Context, op string, n int, exec func(conn *sql.Conn, i int) (sql.Result, error)) (int, error) {
	if n == 0 {
		return 0, nil
	}

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return 0, fmt.Errorf("%s: acquire connection: %w", op, err)
	}
	defer conn.Close()

	written := 0
	for i := 0; i < n; i++ {
		result, err := exec(conn, i)
		if err != nil {
			return written, fmt.Errorf("%s: row %d: %w", op, i, err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return written, fmt.Errorf("%s: rows affected: %w", op, err)
		}
		if affected > 0 {
			written++
		}
	}
	return written, nil
}

// LookupEnrollment returns the tracked enrollment for a program-unique id.
// Returns sql.ErrNoRows if the enrollment was never tracked.
func (s *Store) LookupEnrollment(ctx context.Context, program, programUniqueID string) (EnrollmentRecord, error) {
	var r EnrollmentRecord
	var status string
	err := s.db.QueryRowContext(ctx, s.dialect.Rebind(`
		SELECT enrollment_id, instance_id, program, status, program_unique_id
		FROM enrollment_tracker
		WHERE program = ? AND program_unique_id = ?
	`), program, programUniqueID).Scan(&r.EnrollmentID, &r.InstanceID, &r.Program, &status, &r.ProgramUniqueID)
	if err != nil {
		return EnrollmentRecord{}, err
	}
	r.Status = model.Status(status)
	return r, nil
}

// LookupEvent returns the remote id tracked for an event-unique id, or "" if none.
func (s *Store) LookupEvent(ctx context.Context, program, eventUniqueID string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, s.dialect.Rebind(`
		SELECT event_id FROM event_tracker
		WHERE program = ? AND event_unique_id = ?
	`), program, eventUniqueID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lookup event: %w", err)
	}
	return id, nil
}

// LookupInstance returns the remote instance id of a patient, or "" if none.
func (s *Store) LookupInstance(ctx context.Context, patientIdentifier string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, s.dialect.Rebind(`
		SELECT instance_id FROM instance_tracker WHERE patient_identifier = ?
	`), patientIdentifier).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lookup instance: %w", err)
	}
	return id, nil
}

// CountEnrollments returns the number of tracked enrollments of a program.
func (s *Store) CountEnrollments(ctx context.Context, program string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.dialect.Rebind(
		`SELECT COUNT(*) FROM enrollment_tracker WHERE program = ?`), program).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count enrollments: %w", err)
	}
	return n, nil
}

// CountEvents returns the number of tracked events of a program.
func (s *Store) CountEvents(ctx context.Context, program string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.dialect.Rebind(
		`SELECT COUNT(*) FROM event_tracker WHERE program = ?`), program).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

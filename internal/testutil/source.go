package testutil

import (
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"testing"
)

// Source table names used by fixtures.
const (
	EnrollmentTable = "hts_enrollments"
	EventTable      = "hts_events"
	InstanceTable   = "patients"
)

// EventDataColumns are the mapped data columns of the fixture event table.
var EventDataColumns = []string{"hiv_test_result", "test_date"}

// InstanceAttributeColumns are the mapped attribute columns of the fixture instance table.
var InstanceAttributeColumns = []string{"first_name", "last_name", "date_of_birth"}

// EnrollmentRow is one row of the fixture enrollment table.
type EnrollmentRow struct {
	PatientIdentifier string
	ProgramName       string
	EnrollmentDate    string
	IncidentDate      string
	Status            string
	ProgramUniqueID   string
	OrgUnit           string
	DateCreated       string
}

// EventRow is one row of the fixture event table.
type EventRow struct {
	PatientIdentifier string
	ProgramName       string
	EnrollmentDate    string
	IncidentDate      string
	EnrollmentStatus  string
	ProgramUniqueID   string
	OrgUnit           string
	ProgramStage      string
	EventDate         string
	EventStatus       string
	EventUniqueID     string
	DateCreated       string
	Values            map[string]string
}

// InstanceRow is one row of the fixture instance table.
type InstanceRow struct {
	PatientIdentifier string
	OrgUnit           string
	DateCreated       string
	Attributes        map[string]string
}

// CreateSourceTables creates the fixture source tables.
func CreateSourceTables(t *testing.T, db *sql.DB) {
	t.Helper()

	stmts := []string{
		`CREATE TABLE ` + EnrollmentTable + ` (
			patient_identifier TEXT,
			program_name       TEXT,
			enrollment_date    TEXT,
			incident_date      TEXT,
			status             TEXT,
			program_unique_id  TEXT,
			org_unit           TEXT,
			date_created       TEXT
		)`,
		`CREATE TABLE ` + EventTable + ` (
			patient_identifier TEXT,
			program_name       TEXT,
			enrollment_date    TEXT,
			incident_date      TEXT,
			enrollment_status  TEXT,
			program_unique_id  TEXT,
			org_unit           TEXT,
			program_stage      TEXT,
			event_date         TEXT,
			event_status       TEXT,
			event_unique_id    TEXT,
			date_created       TEXT,
			` + columnDefs(EventDataColumns) + `
		)`,
		`CREATE TABLE ` + InstanceTable + ` (
			patient_identifier TEXT,
			org_unit           TEXT,
			date_created       TEXT,
			` + columnDefs(InstanceAttributeColumns) + `
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("create source table: %v", err)
		}
	}
}

// InsertEnrollment inserts one enrollment row. Empty fields are stored as NULL.
func InsertEnrollment(t *testing.T, db *sql.DB, r EnrollmentRow) {
	t.Helper()
	_, err := db.Exec(`INSERT INTO `+EnrollmentTable+`
		(patient_identifier, program_name, enrollment_date, incident_date, status, program_unique_id, org_unit, date_created)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		null(r.PatientIdentifier), null(r.ProgramName), null(r.EnrollmentDate), null(r.IncidentDate),
		null(r.Status), null(r.ProgramUniqueID), null(r.OrgUnit), null(r.DateCreated))
	if err != nil {
		t.Fatalf("insert enrollment: %v", err)
	}
}

// InsertEvent inserts one event row. Empty fields are stored as NULL.
func InsertEvent(t *testing.T, db *sql.DB, r EventRow) {
	t.Helper()

	cols := []string{
		"patient_identifier", "program_name", "enrollment_date", "incident_date", "enrollment_status",
		"program_unique_id", "org_unit", "program_stage", "event_date", "event_status", "event_unique_id", "date_created",
	}
	args := []any{
		null(r.PatientIdentifier), null(r.ProgramName), null(r.EnrollmentDate), null(r.IncidentDate), null(r.EnrollmentStatus),
		null(r.ProgramUniqueID), null(r.OrgUnit), null(r.ProgramStage), null(r.EventDate), null(r.EventStatus),
		null(r.EventUniqueID), null(r.DateCreated),
	}
	for _, c := range sortedKeys(r.Values) {
		cols = append(cols, c)
		args = append(args, null(r.Values[c]))
	}

	insert(t, db, EventTable, cols, args)
}

// InsertInstance inserts one instance row.
func InsertInstance(t *testing.T, db *sql.DB, r InstanceRow) {
	t.Helper()

	cols := []string{"patient_identifier", "org_unit", "date_created"}
	args := []any{null(r.PatientIdentifier), null(r.OrgUnit), null(r.DateCreated)}
	for _, c := range sortedKeys(r.Attributes) {
		cols = append(cols, c)
		args = append(args, null(r.Attributes[c]))
	}

	insert(t, db, InstanceTable, cols, args)
}

func insert(t *testing.T, db *sql.DB, table string, cols []string, args []any) {
	t.Helper()
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		table, strings.Join(cols, ", "), strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", "))
	if _, err := db.Exec(query, args...); err != nil {
		t.Fatalf("insert into %s: %v", table, err)
	}
}

func columnDefs(cols []string) string {
	defs := make([]string, len(cols))
	for i, c := range cols {
		defs[i] = c + " TEXT"
	}
	return strings.Join(defs, ",\n\t\t\t")
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func null(s string) any {
	if s == "" {
		return nil
	}
	return s
}

package delta

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/roach88/enrollsync/internal/model"
	"github.com/roach88/enrollsync/internal/store"
)

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// Tables names the source tables of one program.
type Tables struct {
	Enrollment string
	Event      string
	Instance   string
}

// Range is an explicit creation-date window. When both bounds are set it
// replaces the watermark comparison; bounds are inclusive.
type Range struct {
	Start time.Time
	End   time.Time
}

// Active reports whether both bounds are set.
func (r Range) Active() bool {
	return !r.Start.IsZero() && !r.End.IsZero()
}

// Query describes one delta selection.
type Query struct {
	Program  string
	Category model.Category
	Tables   Tables

	// EnrollmentSince and EventSince are the watermarks of the two sides.
	// Instance queries use EnrollmentSince.
	EnrollmentSince time.Time
	EventSince      time.Time

	Range Range
}

// Build compiles the query into parameterized SQL for the dialect.
func (q Query) Build(d store.Dialect) (string, []any, error) {
	var sql string
	var args []any
	var err error
	if q.Category.IsInstance() {
		sql, args, err = q.buildInstance()
	} else {
		sql, args, err = q.buildEnrollment()
	}
	if err != nil {
		return "", nil, err
	}
	return d.Rebind(sql), args, nil
}

// statuses returns the source status values selected by the category.
func statuses(c model.Category) []string {
	return []string{string(c.TargetStatus())}
}

func (q Query) sideFilter(since time.Time) (string, []any) {
	if q.Range.Active() {
		return "date_created >= ? AND date_created <= ?",
			[]any{model.FormatStorageTime(q.Range.Start), model.FormatStorageTime(q.Range.End)}
	}
	return "date_created > ?", []any{model.FormatStorageTime(since)}
}

func (q Query) buildEnrollment() (string, []any, error) {
	if q.Category.TargetStatus() == model.StatusNone {
		return "", nil, fmt.Errorf("build delta query: unsupported category %q", q.Category)
	}
	if err := validateIdent(q.Tables.Enrollment, "enrollment table"); err != nil {
		return "", nil, err
	}
	if err := validateIdent(q.Tables.Event, "event table"); err != nil {
		return "", nil, err
	}

	var b strings.Builder
	var args []any
	updated := !q.Category.IsNew()

	b.WriteString(`SELECT
	enr.patient_identifier AS enrolled_patient_identifier,
	enr.program_name AS enrolled_program_name,
	enr.enrollment_date AS enrolled_enrollment_date,
	enr.incident_date AS enrolled_incident_date,
	enr.status AS enrolled_status,
	enr.program_unique_id AS enrolled_program_unique_id,
	enr.org_unit AS enrolled_org_unit,
	enr.date_created AS enrolled_date_created,
	evt.*,
	it.instance_id AS instance_id,
	et.enrollment_id AS enrollment_id,
	et.status AS tracked_status`)
	if updated {
		b.WriteString(",\n\tevtr.event_id AS event_id")
	}

	enrFilter, enrArgs := q.sideFilter(q.EnrollmentSince)
	evtFilter, evtArgs := q.sideFilter(q.EventSince)

	fmt.Fprintf(&b, "\nFROM (SELECT * FROM %s WHERE %s) enr", q.Tables.Enrollment, enrFilter)
	args = append(args, enrArgs...)
	fmt.Fprintf(&b, "\nFULL OUTER JOIN (SELECT * FROM %s WHERE %s) evt", q.Tables.Event, evtFilter)
	args = append(args, evtArgs...)
	b.WriteString("\n\tON enr.patient_identifier = evt.patient_identifier AND enr.enrollment_date = evt.enrollment_date")
	b.WriteString("\nLEFT JOIN instance_tracker it ON it.patient_identifier = COALESCE(enr.patient_identifier, evt.patient_identifier)")
	b.WriteString("\nLEFT JOIN enrollment_tracker et ON et.program = ? AND et.program_unique_id = COALESCE(enr.program_unique_id, evt.program_unique_id)")
	args = append(args, q.Program)
	if updated {
		b.WriteString("\nLEFT JOIN event_tracker evtr ON evtr.program = ? AND evtr.event_unique_id = evt.event_unique_id")
		args = append(args, q.Program)
	}

	wanted := statuses(q.Category)
	b.WriteString("\nWHERE UPPER(COALESCE(enr.status, evt.enrollment_status)) IN (")
	b.WriteString(placeholders(len(wanted)))
	b.WriteString(")")
	for _, s := range wanted {
		args = append(args, s)
	}

	if updated {
		b.WriteString("\n\tAND et.enrollment_id IS NOT NULL")
		// no net change: nothing on the event side and the tracked status already matches
		b.WriteString("\n\tAND NOT (evt.event_unique_id IS NULL AND UPPER(et.status) = UPPER(COALESCE(enr.status, '')))")
	} else {
		b.WriteString("\n\tAND et.enrollment_id IS NULL")
	}

	b.WriteString("\nORDER BY COALESCE(enr.date_created, evt.date_created) ASC,")
	b.WriteString(" COALESCE(enr.program_unique_id, evt.program_unique_id) ASC,")
	b.WriteString(" evt.event_unique_id ASC")

	return b.String(), args, nil
}

func (q Query) buildInstance() (string, []any, error) {
	if err := validateIdent(q.Tables.Instance, "instance table"); err != nil {
		return "", nil, err
	}

	filter, args := q.sideFilter(q.EnrollmentSince)

	var b strings.Builder
	b.WriteString("SELECT src.*, it.instance_id AS instance_id")
	fmt.Fprintf(&b, "\nFROM (SELECT * FROM %s WHERE %s) src", q.Tables.Instance, filter)
	b.WriteString("\nLEFT JOIN instance_tracker it ON it.patient_identifier = src.patient_identifier")
	b.WriteString("\nWHERE it.instance_id IS NULL")
	b.WriteString("\nORDER BY src.date_created ASC, src.patient_identifier ASC")

	return b.String(), args, nil
}

func validateIdent(name, what string) error {
	if !identPattern.MatchString(name) {
		return fmt.Errorf("build delta query: invalid %s name %q", what, name)
	}
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// ParseRange parses the bounds of an explicit window. Either bound may be a
// date, a storage timestamp or RFC 3339. A date-only end bound covers the
// whole day. Both bounds must be given together.
func ParseRange(start, end string) (Range, error) {
	start, end = strings.TrimSpace(start), strings.TrimSpace(end)
	if start == "" && end == "" {
		return Range{}, nil
	}
	if start == "" || end == "" {
		return Range{}, fmt.Errorf("range needs both a start and an end date")
	}
	from, _, err := parseBound(start)
	if err != nil {
		return Range{}, fmt.Errorf("start date: %w", err)
	}
	to, dateOnly, err := parseBound(end)
	if err != nil {
		return Range{}, fmt.Errorf("end date: %w", err)
	}
	if dateOnly {
		to = to.Add(24*time.Hour - time.Second)
	}
	if to.Before(from) {
		return Range{}, fmt.Errorf("end date %s is before start date %s", end, start)
	}
	return Range{Start: from, End: to}, nil
}

func parseBound(s string) (time.Time, bool, error) {
	if t, err := time.ParseInLocation(model.DateLayout, s, time.UTC); err == nil {
		return t, true, nil
	}
	if t, err := time.ParseInLocation(model.StorageLayout, s, time.UTC); err == nil {
		return t, false, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), false, nil
	}
	return time.Time{}, false, fmt.Errorf("unrecognized time %q", s)
}

package delta

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/enrollsync/internal/model"
	"github.com/roach88/enrollsync/internal/store"
	"github.com/roach88/enrollsync/internal/testutil"
)

var testTables = Tables{
	Enrollment: testutil.EnrollmentTable,
	Event:      testutil.EventTable,
	Instance:   testutil.InstanceTable,
}

func setup(t *testing.T) (*store.Store, *Selector) {
	t.Helper()
	st, err := store.Open(store.DriverSQLite, filepath.Join(t.TempDir(), "sync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	testutil.CreateSourceTables(t, st.DB())
	return st, NewSelector(st.DB(), st.Dialect())
}

func selectAll(t *testing.T, sel *Selector, q Query) []Row {
	t.Helper()
	rows, err := sel.Select(context.Background(), q)
	require.NoError(t, err)
	defer rows.Close()

	var out []Row
	for rows.Next() {
		out = append(out, rows.Row())
	}
	require.NoError(t, rows.Err())
	return out
}

func newActive(since time.Time) Query {
	return Query{
		Program:         "hts",
		Category:        model.CategoryNewActive,
		Tables:          testTables,
		EnrollmentSince: since,
		EventSince:      since,
	}
}

func enrollment(puid, patient, created string) testutil.EnrollmentRow {
	return testutil.EnrollmentRow{
		PatientIdentifier: patient,
		ProgramName:       "HTS",
		EnrollmentDate:    "2019-01-01",
		IncidentDate:      "2019-01-01",
		Status:            "ACTIVE",
		ProgramUniqueID:   puid,
		OrgUnit:           "ou-1",
		DateCreated:       created,
	}
}

func event(euid, puid, patient, created string) testutil.EventRow {
	return testutil.EventRow{
		PatientIdentifier: patient,
		ProgramName:       "HTS",
		EnrollmentDate:    "2019-01-01",
		IncidentDate:      "2019-01-01",
		EnrollmentStatus:  "ACTIVE",
		ProgramUniqueID:   puid,
		OrgUnit:           "ou-1",
		ProgramStage:      "stage-1",
		EventDate:         "2019-01-02",
		EventUniqueID:     euid,
		DateCreated:       created,
		Values:            map[string]string{"hiv_test_result": "Negative"},
	}
}

func TestSelect_RowNewerThanBeginningOfTime(t *testing.T) {
	st, sel := setup(t)
	testutil.InsertEnrollment(t, st.DB(), enrollment("p-1", "GAN1", "2019-01-01 10:00:00"))

	rows := selectAll(t, sel, newActive(model.MinTime))
	require.Len(t, rows, 1)
	assert.Equal(t, "p-1", rows[0].String("enrolled_program_unique_id"))
	assert.Equal(t, "2019-01-01 10:00:00", rows[0].String("enrolled_date_created"))
}

func TestSelect_RowAtOrBeforeWatermarkIsSkipped(t *testing.T) {
	st, sel := setup(t)
	testutil.InsertEnrollment(t, st.DB(), enrollment("p-1", "GAN1", "2019-01-01 10:00:00"))

	rows := selectAll(t, sel, newActive(model.ParseStorageTime("2019-01-01 10:00:00")))
	assert.Empty(t, rows)
}

func TestSelect_OuterJoinSurfacesEitherSide(t *testing.T) {
	st, sel := setup(t)
	db := st.DB()

	// both sides changed
	testutil.InsertEnrollment(t, db, enrollment("p-both", "GAN1", "2019-01-01 10:00:00"))
	testutil.InsertEvent(t, db, event("e-both", "p-both", "GAN1", "2019-01-01 10:05:00"))
	// enrollment only
	testutil.InsertEnrollment(t, db, enrollment("p-enr", "GAN2", "2019-01-02 10:00:00"))
	// event only: its enrollment predates the enrollment watermark
	testutil.InsertEnrollment(t, db, enrollment("p-evt", "GAN3", "2018-06-01 00:00:00"))
	testutil.InsertEvent(t, db, event("e-evt", "p-evt", "GAN3", "2019-01-03 10:00:00"))

	q := newActive(model.ParseStorageTime("2018-12-31 00:00:00"))
	rows := selectAll(t, sel, q)
	require.Len(t, rows, 3)

	assert.Equal(t, "p-both", rows[0].String("enrolled_program_unique_id"))
	assert.Equal(t, "e-both", rows[0].String("event_unique_id"))
	assert.Equal(t, "Negative", rows[0].String("hiv_test_result"))

	assert.Equal(t, "p-enr", rows[1].String("enrolled_program_unique_id"))
	assert.False(t, rows[1].Has("event_unique_id"))

	assert.False(t, rows[2].Has("enrolled_program_unique_id"))
	assert.Equal(t, "p-evt", rows[2].String("program_unique_id"))
	assert.Equal(t, "e-evt", rows[2].String("event_unique_id"))
}

func TestSelect_SidesUseIndependentWatermarks(t *testing.T) {
	st, sel := setup(t)
	db := st.DB()
	testutil.InsertEnrollment(t, db, enrollment("p-1", "GAN1", "2019-01-01 10:00:00"))
	testutil.InsertEvent(t, db, event("e-1", "p-1", "GAN1", "2019-01-01 10:05:00"))

	q := newActive(model.MinTime)
	q.EventSince = model.ParseStorageTime("2019-06-01 00:00:00")

	rows := selectAll(t, sel, q)
	require.Len(t, rows, 1)
	assert.Equal(t, "p-1", rows[0].String("enrolled_program_unique_id"))
	assert.False(t, rows[0].Has("event_unique_id"), "event side is older than its own watermark")
}

func TestSelect_StatusFilter(t *testing.T) {
	st, sel := setup(t)
	db := st.DB()

	completed := enrollment("p-done", "GAN1", "2019-01-01 10:00:00")
	completed.Status = "Completed"
	testutil.InsertEnrollment(t, db, completed)
	testutil.InsertEnrollment(t, db, enrollment("p-active", "GAN2", "2019-01-01 11:00:00"))

	rows := selectAll(t, sel, newActive(model.MinTime))
	require.Len(t, rows, 1)
	assert.Equal(t, "p-active", rows[0].String("enrolled_program_unique_id"))

	q := newActive(model.MinTime)
	q.Category = model.CategoryNewCompleted
	rows = selectAll(t, sel, q)
	require.Len(t, rows, 1)
	assert.Equal(t, "p-done", rows[0].String("enrolled_program_unique_id"))
}

func TestSelect_NewExcludesTrackedEnrollments(t *testing.T) {
	st, sel := setup(t)
	ctx := context.Background()
	testutil.InsertEnrollment(t, st.DB(), enrollment("p-1", "GAN1", "2019-01-01 10:00:00"))
	testutil.InsertEnrollment(t, st.DB(), enrollment("p-2", "GAN2", "2019-01-01 11:00:00"))

	_, err := st.RecordEnrollments(ctx, store.Stamp{CreatedBy: "admin", At: time.Now()}, []store.EnrollmentRecord{
		{EnrollmentID: "enr-1", InstanceID: "tei-1", Program: "hts", Status: model.StatusActive, ProgramUniqueID: "p-1"},
	})
	require.NoError(t, err)

	rows := selectAll(t, sel, newActive(model.MinTime))
	require.Len(t, rows, 1)
	assert.Equal(t, "p-2", rows[0].String("enrolled_program_unique_id"))
}

func TestSelect_UpdatedRequiresTrackingAndNetChange(t *testing.T) {
	st, sel := setup(t)
	ctx := context.Background()
	db := st.DB()

	// unchanged: tracked ACTIVE, still ACTIVE, no event
	testutil.InsertEnrollment(t, db, enrollment("p-same", "GAN1", "2019-02-01 10:00:00"))
	// new event on a tracked enrollment
	testutil.InsertEnrollment(t, db, enrollment("p-event", "GAN2", "2018-01-01 10:00:00"))
	testutil.InsertEvent(t, db, event("e-1", "p-event", "GAN2", "2019-02-02 10:00:00"))
	// untracked
	testutil.InsertEnrollment(t, db, enrollment("p-new", "GAN3", "2019-02-03 10:00:00"))

	stamp := store.Stamp{CreatedBy: "admin", At: time.Now()}
	_, err := st.RecordEnrollments(ctx, stamp, []store.EnrollmentRecord{
		{EnrollmentID: "enr-same", InstanceID: "tei-1", Program: "hts", Status: model.StatusActive, ProgramUniqueID: "p-same"},
		{EnrollmentID: "enr-event", InstanceID: "tei-2", Program: "hts", Status: model.StatusActive, ProgramUniqueID: "p-event"},
	})
	require.NoError(t, err)
	_, err = st.RecordEvents(ctx, stamp, []store.EventRecord{
		{EventID: "ev-remote-1", InstanceID: "tei-2", Program: "hts", ProgramStage: "stage-1", EventUniqueID: "e-1"},
	})
	require.NoError(t, err)

	q := newActive(model.ParseStorageTime("2019-01-01 00:00:00"))
	q.Category = model.CategoryUpdatedActive
	rows := selectAll(t, sel, q)
	require.Len(t, rows, 1)
	assert.Equal(t, "p-event", rows[0].String("program_unique_id"))
	assert.Equal(t, "enr-event", rows[0].String("enrollment_id"))
	assert.Equal(t, "ev-remote-1", rows[0].String("event_id"))
	assert.Equal(t, "ACTIVE", rows[0].String("tracked_status"))
}

func TestSelect_RangeBypassesWatermark(t *testing.T) {
	st, sel := setup(t)
	db := st.DB()
	testutil.InsertEnrollment(t, db, enrollment("p-before", "GAN1", "2018-12-31 23:59:59"))
	testutil.InsertEnrollment(t, db, enrollment("p-in", "GAN2", "2019-01-15 10:00:00"))
	testutil.InsertEnrollment(t, db, enrollment("p-after", "GAN3", "2019-02-01 00:00:01"))

	q := newActive(model.ParseStorageTime("2030-01-01 00:00:00"))
	q.Range = Range{
		Start: model.ParseStorageTime("2019-01-01 00:00:00"),
		End:   model.ParseStorageTime("2019-02-01 00:00:00"),
	}

	rows := selectAll(t, sel, q)
	require.Len(t, rows, 1)
	assert.Equal(t, "p-in", rows[0].String("enrolled_program_unique_id"))

	// a single bound does not bypass the watermark
	q.Range.End = time.Time{}
	assert.Empty(t, selectAll(t, sel, q))
}

func TestSelect_InstanceExcludesTracked(t *testing.T) {
	st, sel := setup(t)
	db := st.DB()
	testutil.InsertInstance(t, db, testutil.InstanceRow{PatientIdentifier: "GAN1", OrgUnit: "ou-1", DateCreated: "2019-01-01 10:00:00",
		Attributes: map[string]string{"first_name": "Ada"}})
	testutil.InsertInstance(t, db, testutil.InstanceRow{PatientIdentifier: "GAN2", OrgUnit: "ou-1", DateCreated: "2019-01-01 11:00:00"})

	_, err := st.RecordInstances(context.Background(), store.Stamp{CreatedBy: "admin", At: time.Now()},
		[]store.InstanceRecord{{PatientIdentifier: "GAN2", InstanceID: "tei-2"}})
	require.NoError(t, err)

	rows := selectAll(t, sel, Query{Program: "hts", Category: model.CategoryInstance, Tables: testTables, EnrollmentSince: model.MinTime})
	require.Len(t, rows, 1)
	assert.Equal(t, "GAN1", rows[0].String("patient_identifier"))
	assert.Equal(t, "Ada", rows[0].String("first_name"))
}

func TestSelect_InvalidTableName(t *testing.T) {
	_, sel := setup(t)
	q := newActive(model.MinTime)
	q.Tables.Event = "events; DROP TABLE marker"

	_, err := sel.Select(context.Background(), q)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid event table name")
}

func TestSelect_MissingTableIsQueryError(t *testing.T) {
	_, sel := setup(t)
	q := newActive(model.MinTime)
	q.Tables.Enrollment = "no_such_table"

	_, err := sel.Select(context.Background(), q)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "query delta")
}

func TestBuild_PostgresPlaceholders(t *testing.T) {
	sql, args, err := newActive(model.MinTime).Build(store.DialectPostgres)
	require.NoError(t, err)

	assert.Contains(t, sql, "date_created > $1")
	assert.Contains(t, sql, "date_created > $2")
	assert.Contains(t, sql, "et.program = $3")
	assert.Contains(t, sql, "IN ($4)")
	assert.NotContains(t, sql, "?")
	assert.Equal(t, []any{"1900-01-01 00:00:00", "1900-01-01 00:00:00", "hts", "ACTIVE"}, args)
}

package engine

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/roach88/enrollsync/internal/delta"
	"github.com/roach88/enrollsync/internal/model"
	"github.com/roach88/enrollsync/internal/reconcile"
	"github.com/roach88/enrollsync/internal/remote"
	"github.com/roach88/enrollsync/internal/store"
	"github.com/roach88/enrollsync/internal/testutil"
	"github.com/roach88/enrollsync/internal/transform"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	store   *store.Store
	engine  *Engine
	remote  *testutil.FakeRemote
	ids     *testutil.SequentialJobIDs
	metrics *Metrics
}

func testProgram() Program {
	return Program{
		Mapping: transform.Mapping{
			Program:           "hts",
			ProgramID:         "prgHTS",
			TrackedEntityType: "tetPerson",
			DataElements: map[string]string{
				"hiv_test_result": "deResult",
				"test_date":       "deTestDate",
			},
			Attributes: map[string]string{
				"first_name": "atFirst",
				"last_name":  "atLast",
			},
			DateTypes: map[string]model.AttributeType{"deTestDate": model.AttributeDate},
		},
		Tables: delta.Tables{
			Enrollment: testutil.EnrollmentTable,
			Event:      testutil.EventTable,
			Instance:   testutil.InstanceTable,
		},
	}
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sync.db")

	st, err := store.Open(store.DriverSQLite, path)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	testutil.CreateSourceTables(t, st.DB())

	reader, dialect, err := store.OpenReader(store.DriverSQLite, path)
	require.NoError(t, err)
	t.Cleanup(func() { reader.Close() })

	h := &harness{
		store:   st,
		remote:  testutil.NewFakeRemote(t),
		ids:     testutil.NewSequentialJobIDs("job"),
		metrics: NewMetrics(prometheus.NewRegistry()),
	}
	client := remote.New(h.remote.URL(), "admin", "district", remote.WithTimeout(5*time.Second))

	base := []Option{
		WithClock(testutil.NewFixedClock(epoch)),
		WithJobIDs(h.ids),
		WithLogger(zaptest.NewLogger(t)),
		WithMetrics(h.metrics),
	}
	h.engine = New(st, delta.NewSelector(reader, dialect), client, []Program{testProgram()}, append(base, opts...)...)
	return h
}

func (h *harness) enrollment(t *testing.T, puid, patient, status, orgUnit, created string) {
	t.Helper()
	testutil.InsertEnrollment(t, h.store.DB(), testutil.EnrollmentRow{
		PatientIdentifier: patient,
		ProgramName:       "HTS",
		EnrollmentDate:    "2019-01-01",
		IncidentDate:      "2019-01-01",
		Status:            status,
		ProgramUniqueID:   puid,
		OrgUnit:           orgUnit,
		DateCreated:       created,
	})
}

func (h *harness) event(t *testing.T, euid, puid, patient, status, created string) {
	t.Helper()
	testutil.InsertEvent(t, h.store.DB(), testutil.EventRow{
		PatientIdentifier: patient,
		ProgramName:       "HTS",
		EnrollmentDate:    "2019-01-01",
		IncidentDate:      "2019-01-01",
		EnrollmentStatus:  status,
		ProgramUniqueID:   puid,
		OrgUnit:           "ou-1",
		ProgramStage:      "psTesting",
		EventDate:         "2019-01-02",
		EventStatus:       "COMPLETED",
		EventUniqueID:     euid,
		DateCreated:       created,
		Values:            map[string]string{"hiv_test_result": "Negative", "test_date": "2019-01-02 08:00:00"},
	})
}

func (h *harness) watermark(t *testing.T, table string, c model.Category) string {
	t.Helper()
	ts, err := h.store.GetWatermark(context.Background(), store.Key{Program: table, Category: c})
	require.NoError(t, err)
	return model.FormatStorageTime(ts)
}

func (h *harness) counts(t *testing.T) (enrollments, events int) {
	t.Helper()
	ctx := context.Background()
	enrollments, err := h.store.CountEnrollments(ctx, "hts")
	require.NoError(t, err)
	events, err = h.store.CountEvents(ctx, "hts")
	require.NoError(t, err)
	return enrollments, events
}

func newActive() JobRequest {
	return JobRequest{Program: "hts", Category: model.CategoryNewActive, SyncedBy: "tester"}
}

func TestRun_NewActiveAdvancesWatermark(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.enrollment(t, "p-1", "GAN1", "ACTIVE", "ou-1", "2019-01-01 10:00:00")
	h.event(t, "e-1", "p-1", "GAN1", "ACTIVE", "2019-01-01 10:05:00")

	assert.Equal(t, "1900-01-01 00:00:00", h.watermark(t, testutil.EnrollmentTable, model.CategoryNewActive))

	rep, err := h.engine.Run(ctx, newActive())
	require.NoError(t, err)

	assert.Equal(t, "job-1", rep.JobID)
	assert.Equal(t, store.JobSuccess, rep.Status)
	assert.Equal(t, StateAdvancingWatermark, rep.State)
	assert.Equal(t, 1, rep.Rows)
	require.Len(t, rep.Steps, 2)
	assert.Equal(t, "new active enrollments", rep.Steps[0].Name)
	assert.Equal(t, 1, rep.Steps[0].Submitted)
	assert.Equal(t, reconcile.Summary{Imported: 1}, rep.Steps[0].Summary)
	assert.Equal(t, "mark enrollment active", rep.Steps[1].Name)
	assert.Equal(t, 0, rep.Steps[1].Submitted, "ACTIVE follow-up is tracker only")
	assert.Equal(t, 1, rep.Steps[1].Tracked)

	assert.Equal(t, "2019-01-01 10:00:00", h.watermark(t, testutil.EnrollmentTable, model.CategoryNewActive))
	assert.Equal(t, "2019-01-01 10:05:00", h.watermark(t, testutil.EventTable, model.CategoryNewActive))
	assert.Len(t, rep.Watermarks, 2)

	enrollments, events := h.counts(t)
	assert.Equal(t, 1, enrollments)
	assert.Equal(t, 1, events)

	rec, err := h.store.LookupEnrollment(ctx, "hts", "p-1")
	require.NoError(t, err)
	assert.Equal(t, "enr-1", rec.EnrollmentID)
	assert.Equal(t, model.StatusActive, rec.Status)

	eventID, err := h.store.LookupEvent(ctx, "hts", "e-1")
	require.NoError(t, err)
	assert.Equal(t, "ev-1", eventID)

	reqs := h.remote.Requests()
	require.Len(t, reqs, 1)
	require.Len(t, reqs[0].Enrollments, 1)
	sent := reqs[0].Enrollments[0]
	assert.Equal(t, model.StatusActive, sent.Status)
	require.Len(t, sent.Events, 1)
	assert.Equal(t, []model.DataValue{
		{DataElement: "deResult", Value: "Negative"},
		{DataElement: "deTestDate", Value: "2019-01-02"},
	}, sent.Events[0].DataValues)

	entry, err := h.store.ReadJobLog(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, store.JobSuccess, entry.Status)
	assert.Equal(t, "tester", entry.SyncedBy)
	assert.Equal(t, "new active enrollments, mark enrollment active", entry.Comments)

	assert.Equal(t, 1.0, promtest.ToFloat64(h.metrics.jobs.WithLabelValues("hts", "new-active", "success")))
	assert.Equal(t, 1.0, promtest.ToFloat64(h.metrics.submitted.WithLabelValues("hts", "new-active")))
	assert.Equal(t, 1.0, promtest.ToFloat64(h.metrics.outcomes.WithLabelValues("hts", "new-active", "imported")))
}

func TestRun_RerunIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.enrollment(t, "p-1", "GAN1", "ACTIVE", "ou-1", "2019-01-01 10:00:00")
	h.event(t, "e-1", "p-1", "GAN1", "ACTIVE", "2019-01-01 10:05:00")

	_, err := h.engine.Run(ctx, newActive())
	require.NoError(t, err)
	requests := h.remote.Count()
	enrollments, events := h.counts(t)

	rep, err := h.engine.Run(ctx, newActive())
	require.NoError(t, err)
	assert.Zero(t, rep.Rows)
	assert.Zero(t, rep.Submitted())
	assert.Empty(t, rep.Watermarks)
	assert.Equal(t, requests, h.remote.Count(), "no submissions on re-run")

	e2, ev2 := h.counts(t)
	assert.Equal(t, enrollments, e2)
	assert.Equal(t, events, ev2)
}

func TestRun_TransportFailureKeepsWatermark(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.enrollment(t, "p-1", "GAN1", "ACTIVE", "ou-1", "2019-01-01 10:00:00")
	h.remote.FailWith(http.StatusInternalServerError, "database unavailable")

	rep, err := h.engine.Run(ctx, newActive())
	require.Error(t, err)
	assert.True(t, IsFatal(err))
	assert.True(t, IsTransportError(err))

	var se *SyncError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, ErrCodeTransport, se.Code)
	assert.Equal(t, "job-1", se.JobID)

	require.NotNil(t, rep)
	assert.Equal(t, StateFailed, rep.State)
	assert.Equal(t, store.JobFailed, rep.Status)

	assert.Equal(t, "1900-01-01 00:00:00", h.watermark(t, testutil.EnrollmentTable, model.CategoryNewActive))
	enrollments, _ := h.counts(t)
	assert.Zero(t, enrollments)

	entry, err := h.store.ReadJobLog(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, store.JobFailed, entry.Status)
	assert.Contains(t, entry.StatusInfo, "HTTP 500")
	assert.Contains(t, entry.StatusInfo, "database unavailable")
}

func TestRun_RejectedItemsFailJobWithoutAbort(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.enrollment(t, "p-1", "GAN1", "ACTIVE", "ou-1", "2019-01-01 10:00:00")
	h.enrollment(t, "p-2", "GAN2", "ACTIVE", "ou-bad", "2019-01-01 11:00:00")
	h.remote.Decide(func(e model.Enrollment) *remote.ImportSummary {
		if e.OrgUnit == "ou-bad" {
			return &remote.ImportSummary{Status: "ERROR", Description: "dup", ImportCount: remote.ImportCount{Ignored: 1}}
		}
		return nil
	})

	rep, err := h.engine.Run(ctx, newActive())
	require.Error(t, err)
	assert.False(t, IsFatal(err))

	var se *SyncError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, ErrCodeSyncFailure, se.Code)
	assert.Equal(t, "dup", se.Message)

	assert.Equal(t, reconcile.Summary{Imported: 1, Ignored: 1}, rep.Steps[0].Summary)
	enrollments, _ := h.counts(t)
	assert.Equal(t, 1, enrollments, "accepted item still tracked")

	assert.Equal(t, "1900-01-01 00:00:00", h.watermark(t, testutil.EnrollmentTable, model.CategoryNewActive))

	entry, err := h.store.ReadJobLog(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, store.JobFailed, entry.Status)
	assert.Equal(t, "dup", entry.StatusInfo)

	// the rejected row is retried and the tracked one is not resubmitted
	h.remote.Decide(nil)
	rep, err = h.engine.Run(ctx, newActive())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Rows)
	assert.Equal(t, "2019-01-01 11:00:00", h.watermark(t, testutil.EnrollmentTable, model.CategoryNewActive))
}

func TestRun_NewCompletedClosesEnrollment(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.enrollment(t, "p-1", "GAN1", "COMPLETED", "ou-1", "2019-01-01 10:00:00")
	h.event(t, "e-1", "p-1", "GAN1", "COMPLETED", "2019-01-01 10:05:00")

	rep, err := h.engine.Run(ctx, JobRequest{Program: "hts", Category: model.CategoryNewCompleted})
	require.NoError(t, err)
	require.Len(t, rep.Steps, 2)
	assert.Equal(t, "mark enrollment completed", rep.Steps[1].Name)
	assert.Equal(t, 1, rep.Steps[1].Submitted)
	assert.Equal(t, reconcile.Summary{Updated: 1}, rep.Steps[1].Summary)

	reqs := h.remote.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, model.StatusActive, reqs[0].Enrollments[0].Status, "submitted ACTIVE first")
	assert.Equal(t, "strategy=UPDATE", reqs[1].Query)
	assert.Equal(t, "enr-1", reqs[1].Enrollments[0].ID)
	assert.Equal(t, model.StatusCompleted, reqs[1].Enrollments[0].Status)
	assert.Empty(t, reqs[1].Enrollments[0].Events)

	rec, err := h.store.LookupEnrollment(ctx, "hts", "p-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, rec.Status)

	entry, err := h.store.ReadJobLog(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, DefaultSyncedBy, entry.SyncedBy)
}

func TestRun_ChunksMergeAndReuseRemoteIDs(t *testing.T) {
	h := newHarness(t, WithBatchSize(2))
	ctx := context.Background()
	h.enrollment(t, "p-1", "GAN1", "ACTIVE", "ou-1", "2019-01-01 10:00:00")
	h.event(t, "e-1", "p-1", "GAN1", "ACTIVE", "2019-01-01 10:01:00")
	h.event(t, "e-2", "p-1", "GAN1", "ACTIVE", "2019-01-01 10:02:00")
	h.event(t, "e-3", "p-1", "GAN1", "ACTIVE", "2019-01-01 10:03:00")
	h.enrollment(t, "p-2", "GAN2", "ACTIVE", "ou-1", "2019-01-01 11:00:00")

	rep, err := h.engine.Run(ctx, newActive())
	require.NoError(t, err)
	assert.Equal(t, 4, rep.Rows)

	reqs := h.remote.Requests()
	require.Len(t, reqs, 2)
	require.Len(t, reqs[0].Enrollments, 1, "rows of one enrollment merge within a chunk")
	assert.Len(t, reqs[0].Enrollments[0].Events, 2)

	require.Len(t, reqs[1].Enrollments, 2)
	assert.Equal(t, "enr-1", reqs[1].Enrollments[0].ID, "later chunk updates the enrollment created earlier")
	assert.Equal(t, "enr-1", reqs[1].Enrollments[0].Events[0].EnrollmentID)
	assert.Empty(t, reqs[1].Enrollments[1].ID)

	enrollments, events := h.counts(t)
	assert.Equal(t, 2, enrollments)
	assert.Equal(t, 3, events)
	assert.Equal(t, 2, rep.Steps[1].Tracked, "one follow-up per enrollment")

	assert.Equal(t, "2019-01-01 11:00:00", h.watermark(t, testutil.EnrollmentTable, model.CategoryNewActive))
	assert.Equal(t, "2019-01-01 10:03:00", h.watermark(t, testutil.EventTable, model.CategoryNewActive))
}

func TestRun_WatermarkNeverRegresses(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.enrollment(t, "p-1", "GAN1", "ACTIVE", "ou-1", "2019-01-15 10:00:00")

	later := model.ParseStorageTime("2020-06-01 00:00:00")
	key := store.Key{Program: testutil.EnrollmentTable, Category: model.CategoryNewActive}
	require.NoError(t, h.store.SetWatermark(ctx, key, later))

	req := newActive()
	req.Range = delta.Range{
		Start: model.ParseStorageTime("2019-01-01 00:00:00"),
		End:   model.ParseStorageTime("2019-01-31 23:59:59"),
	}
	rep, err := h.engine.Run(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Rows, "range bypasses the stored watermark")
	assert.Empty(t, rep.Watermarks)
	assert.Equal(t, "2020-06-01 00:00:00", h.watermark(t, testutil.EnrollmentTable, model.CategoryNewActive))

	entry, err := h.store.ReadJobLog(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, "2019-01-01 00:00:00", entry.StartDate)
	assert.Equal(t, "2019-01-31 23:59:59", entry.EndDate)
}

func TestRun_RowWithoutKeyIsSkipped(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.enrollment(t, "", "GAN9", "ACTIVE", "ou-1", "2019-01-01 09:00:00")
	h.enrollment(t, "p-1", "GAN1", "ACTIVE", "ou-1", "2019-01-01 10:00:00")

	rep, err := h.engine.Run(ctx, newActive())
	require.NoError(t, err)
	assert.Equal(t, store.JobSuccess, rep.Status)
	assert.Equal(t, 2, rep.Rows)
	assert.Equal(t, 1, rep.Skipped)
	assert.Equal(t, 1, rep.Submitted())
	require.Len(t, rep.Messages, 1)
	assert.Contains(t, rep.Messages[0], "row skipped")
	assert.Contains(t, rep.Messages[0], "GAN9")
	assert.Equal(t, "2019-01-01 10:00:00", h.watermark(t, testutil.EnrollmentTable, model.CategoryNewActive))

	entry, err := h.store.ReadJobLog(ctx, rep.JobID)
	require.NoError(t, err)
	assert.Equal(t, store.JobSuccess, entry.Status)
	assert.Contains(t, entry.StatusInfo, "GAN9")

	// the skipped row is behind the watermark now and is not read again
	h.enrollment(t, "p-2", "GAN2", "ACTIVE", "ou-1", "2019-01-02 08:00:00")
	rep, err = h.engine.Run(ctx, newActive())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Rows)
	assert.Zero(t, rep.Skipped)
	assert.Empty(t, rep.Messages)
	assert.Equal(t, "2019-01-02 08:00:00", h.watermark(t, testutil.EnrollmentTable, model.CategoryNewActive))
}

func TestRun_UpdatedActiveSendsNewEvents(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.enrollment(t, "p-1", "GAN1", "ACTIVE", "ou-1", "2019-01-01 10:00:00")

	_, err := h.engine.Run(ctx, newActive())
	require.NoError(t, err)

	h.event(t, "e-9", "p-1", "GAN1", "ACTIVE", "2019-02-01 08:00:00")
	rep, err := h.engine.Run(ctx, JobRequest{Program: "hts", Category: model.CategoryUpdatedActive})
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Submitted())

	reqs := h.remote.Requests()
	last := reqs[len(reqs)-1]
	require.Len(t, last.Enrollments, 1)
	assert.Equal(t, "enr-1", last.Enrollments[0].ID)
	require.Len(t, last.Enrollments[0].Events, 1)
	assert.Equal(t, "enr-1", last.Enrollments[0].Events[0].EnrollmentID)

	eventID, err := h.store.LookupEvent(ctx, "hts", "e-9")
	require.NoError(t, err)
	assert.Equal(t, "ev-1", eventID)
}

func TestRun_UnknownProgram(t *testing.T) {
	h := newHarness(t)
	rep, err := h.engine.Run(context.Background(), JobRequest{Program: "tb", Category: model.CategoryNewActive})
	assert.Nil(t, rep)

	var se *SyncError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, ErrCodeMapping, se.Code)
	assert.Zero(t, h.remote.Count())
}

func TestRunAll_InstancesFirst(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	testutil.InsertInstance(t, h.store.DB(), testutil.InstanceRow{
		PatientIdentifier: "GAN1",
		OrgUnit:           "ou-1",
		DateCreated:       "2019-01-01 09:00:00",
		Attributes:        map[string]string{"first_name": "Ama", "last_name": "Mensah"},
	})
	h.enrollment(t, "p-1", "GAN1", "ACTIVE", "ou-1", "2019-01-01 10:00:00")

	reports, err := h.engine.RunAll(ctx, JobRequest{Program: "hts"})
	require.NoError(t, err)
	require.Len(t, reports, 7)
	assert.Equal(t, model.CategoryInstance, reports[0].Category)
	assert.Equal(t, []string{"new instances"}, []string{reports[0].Steps[0].Name})

	reqs := h.remote.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, remote.InstancesPath, reqs[0].Path)
	require.Len(t, reqs[0].Instances, 1)
	assert.Equal(t, "tetPerson", reqs[0].Instances[0].TrackedEntityType)
	assert.Equal(t, "tei-1", reqs[1].Enrollments[0].InstanceID, "enrollment picks up the tracked instance")

	id, err := h.store.LookupInstance(ctx, "GAN1")
	require.NoError(t, err)
	assert.Equal(t, "tei-1", id)
	assert.Equal(t, "2019-01-01 09:00:00", h.watermark(t, testutil.InstanceTable, model.CategoryInstance))
}

func TestRunAll_StopsAtFatalFailure(t *testing.T) {
	h := newHarness(t)
	h.enrollment(t, "p-1", "GAN1", "ACTIVE", "ou-1", "2019-01-01 10:00:00")
	h.remote.FailWith(http.StatusBadGateway, "")

	reports, err := h.engine.RunAll(context.Background(), JobRequest{Program: "hts"},
		model.CategoryNewActive, model.CategoryUpdatedActive)
	require.Error(t, err)
	assert.True(t, IsTransportError(err))
	require.Len(t, reports, 1)
	assert.Equal(t, store.JobFailed, reports[0].Status)
}

func TestEngine_Accessors(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, []string{"hts"}, h.engine.Programs())
	assert.Equal(t, model.CategoryInstance, h.engine.Categories("hts")[0])
	assert.Len(t, h.engine.Categories("unknown"), len(model.EnrollmentCategories))
	assert.NoError(t, h.engine.Ping(context.Background()))
}

func TestRun_OutcomeCountMismatchFailsJob(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.enrollment(t, "p-1", "GAN1", "ACTIVE", "ou-1", "2019-01-01 10:00:00")
	h.remote.FailWith(http.StatusOK, `{"status":"OK","response":{"importSummaries":[],"total":0}}`)

	rep, err := h.engine.Run(ctx, newActive())
	require.Error(t, err)
	assert.True(t, IsFatal(err))

	var se *SyncError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, ErrCodeOutcomeMismatch, se.Code)
	assert.True(t, errors.Is(err, reconcile.ErrOutcomeMismatch))
	assert.Equal(t, store.JobFailed, rep.Status)
	assert.Equal(t, StateFailed, rep.State)

	enrollments, events := h.counts(t)
	assert.Zero(t, enrollments)
	assert.Zero(t, events)
	assert.Equal(t, "1900-01-01 00:00:00", h.watermark(t, testutil.EnrollmentTable, model.CategoryNewActive))

	entry, err := h.store.ReadJobLog(ctx, rep.JobID)
	require.NoError(t, err)
	assert.Equal(t, store.JobFailed, entry.Status)
	assert.Contains(t, entry.StatusInfo, "0 outcomes for 1 items")
}

func TestRun_ConflictReplyIsNotFatal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.enrollment(t, "p-1", "GAN1", "ACTIVE", "ou-1", "2019-01-01 10:00:00")
	h.remote.FailWith(http.StatusConflict, `{"status":"ERROR","httpStatusCode":409,"response":{
		"importSummaries":[{"status":"ERROR","importCount":{"ignored":1},
			"conflicts":[{"object":"OrganisationUnit","value":"missing"}]}],
		"ignored":1,"total":1}}`)

	rep, err := h.engine.Run(ctx, newActive())
	require.Error(t, err)
	assert.False(t, IsFatal(err))

	var se *SyncError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, ErrCodeSyncFailure, se.Code)
	assert.Equal(t, store.JobFailed, rep.Status)
	assert.Equal(t, 1, rep.Submitted())
	assert.Equal(t, reconcile.Summary{Conflicted: 1}, rep.Steps[0].Summary)
	assert.Contains(t, rep.Messages, "OrganisationUnit: missing")

	enrollments, _ := h.counts(t)
	assert.Zero(t, enrollments)
	assert.Equal(t, "1900-01-01 00:00:00", h.watermark(t, testutil.EnrollmentTable, model.CategoryNewActive))

	entry, err := h.store.ReadJobLog(ctx, rep.JobID)
	require.NoError(t, err)
	assert.Equal(t, store.JobFailed, entry.Status)
	assert.Contains(t, entry.StatusInfo, "OrganisationUnit: missing")
}

func TestRun_PartialTrackerWriteIsAWarning(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.enrollment(t, "p-1", "GAN1", "ACTIVE", "ou-1", "2019-01-01 10:00:00")
	h.event(t, "e-1", "p-1", "GAN1", "ACTIVE", "2019-01-01 10:01:00")
	h.event(t, "e-2", "p-1", "GAN1", "ACTIVE", "2019-01-01 10:02:00")

	// the second event row is silently dropped by the state database
	_, err := h.store.DB().Exec(`CREATE TRIGGER drop_e2 BEFORE INSERT ON event_tracker
		WHEN NEW.event_unique_id = 'e-2' BEGIN SELECT RAISE(IGNORE); END`)
	require.NoError(t, err)

	rep, err := h.engine.Run(ctx, newActive())
	require.NoError(t, err)
	assert.Equal(t, store.JobSuccess, rep.Status)
	assert.Equal(t, []string{"partial tracker write: recorded 1 of 2 events"}, rep.Messages)

	_, events := h.counts(t)
	assert.Equal(t, 1, events)
	assert.Equal(t, "2019-01-01 10:00:00", h.watermark(t, testutil.EnrollmentTable, model.CategoryNewActive))

	entry, err := h.store.ReadJobLog(ctx, rep.JobID)
	require.NoError(t, err)
	assert.Equal(t, store.JobSuccess, entry.Status)
	assert.Equal(t, "partial tracker write: recorded 1 of 2 events", entry.StatusInfo)
}

func TestRun_UpdatedCompletedSkipsRedundantStatusUpdate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.enrollment(t, "p-1", "GAN1", "ACTIVE", "ou-1", "2019-01-01 10:00:00")

	_, err := h.engine.Run(ctx, newActive())
	require.NoError(t, err)

	_, err = h.store.DB().Exec(`UPDATE `+testutil.EnrollmentTable+` SET status = 'COMPLETED' WHERE program_unique_id = 'p-1'`)
	require.NoError(t, err)

	rep, err := h.engine.Run(ctx, JobRequest{Program: "hts", Category: model.CategoryUpdatedCompleted})
	require.NoError(t, err)
	require.Len(t, rep.Steps, 2)
	assert.Equal(t, 1, rep.Steps[0].Submitted)
	assert.Zero(t, rep.Steps[1].Submitted)
	assert.Equal(t, 1, rep.Steps[1].Tracked)

	reqs := h.remote.Requests()
	require.Len(t, reqs, 2, "no follow-up request")
	last := reqs[1]
	assert.Empty(t, last.Query)
	assert.Equal(t, "enr-1", last.Enrollments[0].ID)
	assert.Equal(t, model.StatusCompleted, last.Enrollments[0].Status)

	rec, err := h.store.LookupEnrollment(ctx, "hts", "p-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, rec.Status)
}

package harness

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/roach88/enrollsync/internal/delta"
	"github.com/roach88/enrollsync/internal/engine"
	"github.com/roach88/enrollsync/internal/model"
	"github.com/roach88/enrollsync/internal/remote"
	"github.com/roach88/enrollsync/internal/store"
	"github.com/roach88/enrollsync/internal/testutil"
	"github.com/roach88/enrollsync/internal/transform"
)

// ProgramName is the program every scenario syncs.
const ProgramName = "hts"

// Epoch is the fixed time stamped on tracker and job log rows.
var Epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// Program is the mapping scenarios run with.
func Program() engine.Program {
	return engine.Program{
		Mapping: transform.Mapping{
			Program:           ProgramName,
			ProgramID:         "prgHTS",
			TrackedEntityType: "tetPerson",
			DataElements: map[string]string{
				"hiv_test_result": "deResult",
				"test_date":       "deTestDate",
			},
			Attributes: map[string]string{
				"first_name":    "atFirst",
				"last_name":     "atLast",
				"date_of_birth": "atDOB",
			},
			DateTypes: map[string]model.AttributeType{
				"deTestDate": model.AttributeDate,
				"atDOB":      model.AttributeDate,
			},
		},
		Tables: delta.Tables{
			Enrollment: testutil.EnrollmentTable,
			Event:      testutil.EventTable,
			Instance:   testutil.InstanceTable,
		},
	}
}

// Harness is the per-scenario execution environment.
type Harness struct {
	store  *store.Store
	engine *engine.Engine
	remote *testutil.FakeRemote
}

// Run executes a scenario and returns the result.
//
// Each scenario runs in a fresh sqlite database under t's temp dir.
// Execution flow:
// 1. Create the database and source tables
// 2. Insert setup rows and watermarks
// 3. Execute runs in order, checking each expect clause
// 4. Evaluate assertions
func Run(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()
	h, err := newHarness(t)
	if err != nil {
		return nil, err
	}

	ctx := context.Background()
	if err := h.seed(t, ctx, scenario.Setup); err != nil {
		return nil, fmt.Errorf("failed to execute setup: %w", err)
	}

	result := NewResult()
	behavior := scenario.Remote
	for i, step := range scenario.Runs {
		if step.Remote != nil {
			behavior = *step.Remote
		}
		h.script(behavior)

		seen := h.remote.Count()
		rep, err := h.run(ctx, step)
		result.addRequests(h.remote.Requests()[seen:])
		if rep != nil {
			result.addJob(rep)
		}
		for _, msg := range checkRun(step.Expect, rep, err) {
			result.AddError(fmt.Sprintf("runs[%d] %s: %s", i, step.Category, msg))
		}
	}

	actx := &AssertionContext{Store: h.store, Ctx: ctx, Requests: h.remote.Count()}
	for _, msg := range EvaluateAssertions(scenario.Assertions, actx) {
		result.AddError(msg)
	}
	return result, nil
}

func newHarness(t *testing.T) (*Harness, error) {
	path := filepath.Join(t.TempDir(), "scenario.db")

	st, err := store.Open(store.DriverSQLite, path)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	t.Cleanup(func() { st.Close() })
	testutil.CreateSourceTables(t, st.DB())

	reader, dialect, err := store.OpenReader(store.DriverSQLite, path)
	if err != nil {
		return nil, fmt.Errorf("failed to open reader: %w", err)
	}
	t.Cleanup(func() { reader.Close() })

	fake := testutil.NewFakeRemote(t)
	client := remote.New(fake.URL(), "admin", "district", remote.WithTimeout(5*time.Second))

	eng := engine.New(st, delta.NewSelector(reader, dialect), client, []engine.Program{Program()},
		engine.WithClock(testutil.NewFixedClock(Epoch)),
		engine.WithJobIDs(testutil.NewSequentialJobIDs("job")),
		engine.WithLogger(zap.NewNop()),
	)
	return &Harness{store: st, engine: eng, remote: fake}, nil
}

func (h *Harness) seed(t *testing.T, ctx context.Context, s Setup) error {
	db := h.store.DB()
	byKey := make(map[string]EnrollmentFixture, len(s.Enrollments))

	for _, e := range s.Enrollments {
		if e.EnrollmentDate == "" {
			e.EnrollmentDate = datePart(e.Created)
		}
		if e.OrgUnit == "" {
			e.OrgUnit = "ou-1"
		}
		byKey[e.UniqueID] = e
		testutil.InsertEnrollment(t, db, testutil.EnrollmentRow{
			PatientIdentifier: e.Patient,
			ProgramName:       "HTS",
			EnrollmentDate:    e.EnrollmentDate,
			IncidentDate:      e.EnrollmentDate,
			Status:            e.Status,
			ProgramUniqueID:   e.UniqueID,
			OrgUnit:           e.OrgUnit,
			DateCreated:       e.Created,
		})
	}

	for _, ev := range s.Events {
		parent, ok := byKey[ev.EnrollmentUniqueID]
		if !ok {
			parent = EnrollmentFixture{EnrollmentDate: datePart(ev.Created), OrgUnit: "ou-1", Status: "ACTIVE"}
		}
		row := testutil.EventRow{
			PatientIdentifier: ev.Patient,
			ProgramName:       "HTS",
			EnrollmentDate:    or(ev.EnrollmentDate, parent.EnrollmentDate),
			IncidentDate:      or(ev.EnrollmentDate, parent.EnrollmentDate),
			EnrollmentStatus:  or(ev.EnrollmentStatus, parent.Status),
			ProgramUniqueID:   ev.EnrollmentUniqueID,
			OrgUnit:           or(ev.OrgUnit, parent.OrgUnit),
			ProgramStage:      or(ev.Stage, "psTesting"),
			EventDate:         or(ev.EventDate, datePart(ev.Created)),
			EventStatus:       "COMPLETED",
			EventUniqueID:     ev.UniqueID,
			DateCreated:       ev.Created,
			Values:            ev.Values,
		}
		testutil.InsertEvent(t, db, row)
	}

	for _, in := range s.Instances {
		testutil.InsertInstance(t, db, testutil.InstanceRow{
			PatientIdentifier: in.Patient,
			OrgUnit:           or(in.OrgUnit, "ou-1"),
			DateCreated:       in.Created,
			Attributes:        in.Attributes,
		})
	}

	for _, w := range s.Watermarks {
		c, err := model.ParseCategory(w.Category)
		if err != nil {
			return err
		}
		ts := model.ParseStorageTime(w.At)
		if err := h.store.SetWatermark(ctx, store.Key{Program: w.Table, Category: c}, ts); err != nil {
			return err
		}
	}
	return nil
}

// script installs b on the fake remote.
func (h *Harness) script(b RemoteBehavior) {
	h.remote.FailWith(b.FailStatus, "remote unavailable")
	if len(b.Reject) == 0 {
		h.remote.Decide(nil)
		return
	}

	rejections := make(map[string]Rejection, len(b.Reject))
	for _, r := range b.Reject {
		rejections[r.OrgUnit] = r
	}
	h.remote.Decide(func(e model.Enrollment) *remote.ImportSummary {
		r, ok := rejections[e.OrgUnit]
		if !ok {
			return nil
		}
		sum := &remote.ImportSummary{
			Status:      "ERROR",
			Description: r.Description,
			ImportCount: remote.ImportCount{Ignored: 1},
		}
		for _, c := range r.Conflicts {
			sum.Conflicts = append(sum.Conflicts, model.Conflict{Object: c.Object, Value: c.Value})
		}
		return sum
	})
}

func (h *Harness) run(ctx context.Context, step RunStep) (*engine.Report, error) {
	c, err := model.ParseCategory(step.Category)
	if err != nil {
		return nil, err
	}
	rng, err := delta.ParseRange(step.Start, step.End)
	if err != nil {
		return nil, err
	}
	return h.engine.Run(ctx, engine.JobRequest{
		Program:  ProgramName,
		Category: c,
		Range:    rng,
		SyncedBy: "scenario",
	})
}

// checkRun compares a report with its expect clause.
func checkRun(want *RunExpect, rep *engine.Report, err error) []string {
	if want == nil {
		return nil
	}
	if rep == nil {
		return []string{fmt.Sprintf("job did not start: %v", err)}
	}

	var msgs []string
	if string(rep.Status) != want.Status {
		msgs = append(msgs, fmt.Sprintf("status: expected %s, got %s (err: %v)", want.Status, rep.Status, err))
	}
	compare := func(name string, want *int, got int) {
		if want != nil && *want != got {
			msgs = append(msgs, fmt.Sprintf("%s: expected %d, got %d", name, *want, got))
		}
	}
	compare("rows", want.Rows, rep.Rows)
	compare("submitted", want.Submitted, rep.Submitted())
	compare("skipped", want.Skipped, rep.Skipped)

	if want.ErrorCode != "" {
		var se *engine.SyncError
		switch {
		case !errors.As(err, &se):
			msgs = append(msgs, fmt.Sprintf("error_code: expected %s, got %v", want.ErrorCode, err))
		case string(se.Code) != want.ErrorCode:
			msgs = append(msgs, fmt.Sprintf("error_code: expected %s, got %s", want.ErrorCode, se.Code))
		}
	}
	return msgs
}

func datePart(ts string) string {
	if len(ts) >= len(model.DateLayout) {
		return ts[:len(model.DateLayout)]
	}
	return ts
}

func or(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}

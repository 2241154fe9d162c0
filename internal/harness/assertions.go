package harness

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/enrollsync/internal/model"
	"github.com/roach88/enrollsync/internal/store"
)

// AssertionContext holds the final state assertions are evaluated against.
type AssertionContext struct {
	Ctx      context.Context
	Store    *store.Store
	Requests int
}

// EvaluateAssertions runs all assertions against the final state.
// Returns a slice of error messages (empty if all pass).
func EvaluateAssertions(assertions []Assertion, actx *AssertionContext) []string {
	var errs []string
	for i, a := range assertions {
		if msg := evaluate(a, actx); msg != "" {
			errs = append(errs, fmt.Sprintf("assertions[%d] %s: %s", i, a.Type, msg))
		}
	}
	return errs
}

func evaluate(a Assertion, actx *AssertionContext) string {
	switch a.Type {
	case AssertWatermark:
		return assertWatermark(a, actx)
	case AssertTrackedEnrollment:
		return assertTrackedEnrollment(a, actx)
	case AssertTrackedInstance:
		return assertTrackedInstance(a, actx)
	case AssertTrackedCount:
		return assertTrackedCount(a, actx)
	case AssertRequestCount:
		if actx.Requests != a.Count {
			return fmt.Sprintf("expected %d requests, got %d", a.Count, actx.Requests)
		}
		return ""
	default:
		return fmt.Sprintf("unknown assertion type %q", a.Type)
	}
}

func assertWatermark(a Assertion, actx *AssertionContext) string {
	c, err := model.ParseCategory(a.Category)
	if err != nil {
		return err.Error()
	}
	got, err := actx.Store.GetWatermark(actx.Ctx, store.Key{Program: a.Table, Category: c})
	if err != nil {
		return err.Error()
	}
	want := model.ParseStorageTime(a.Expect)
	if !got.Equal(want) {
		return fmt.Sprintf("%s/%s: expected %s, got %s",
			a.Table, a.Category, model.FormatStorageTime(want), model.FormatStorageTime(got))
	}
	return ""
}

func assertTrackedEnrollment(a Assertion, actx *AssertionContext) string {
	rec, err := actx.Store.LookupEnrollment(actx.Ctx, ProgramName, a.UniqueID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if a.Absent {
			return ""
		}
		return fmt.Sprintf("%s is not tracked", a.UniqueID)
	case err != nil:
		return err.Error()
	case a.Absent:
		return fmt.Sprintf("%s is tracked as %s, expected absent", a.UniqueID, rec.EnrollmentID)
	case string(rec.Status) != a.Status:
		return fmt.Sprintf("%s: expected status %s, got %s", a.UniqueID, a.Status, rec.Status)
	}
	return ""
}

func assertTrackedInstance(a Assertion, actx *AssertionContext) string {
	id, err := actx.Store.LookupInstance(actx.Ctx, a.Patient)
	switch {
	case err != nil:
		return err.Error()
	case a.Absent && id != "":
		return fmt.Sprintf("%s is tracked as %s, expected absent", a.Patient, id)
	case !a.Absent && id == "":
		return fmt.Sprintf("%s is not tracked", a.Patient)
	}
	return ""
}

func assertTrackedCount(a Assertion, actx *AssertionContext) string {
	count := actx.Store.CountEnrollments
	if a.Kind == "events" {
		count = actx.Store.CountEvents
	}
	n, err := count(actx.Ctx, ProgramName)
	if err != nil {
		return err.Error()
	}
	if n != a.Count {
		return fmt.Sprintf("expected %d tracked %s, got %d", a.Count, a.Kind, n)
	}
	return ""
}

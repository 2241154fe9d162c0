package reconcile

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/roach88/enrollsync/internal/model"
	"github.com/roach88/enrollsync/internal/remote"
	"github.com/roach88/enrollsync/internal/transform"
)

// ErrOutcomeMismatch is returned when the outcome list and the submitted
// batch differ in length.
var ErrOutcomeMismatch = errors.New("outcome count does not match submitted items")

// Summary counts outcomes by classification.
type Summary struct {
	Imported   int
	Updated    int
	Ignored    int
	Conflicted int
}

// Total is the number of outcomes counted.
func (s Summary) Total() int {
	return s.Imported + s.Updated + s.Ignored + s.Conflicted
}

// Add folds other into s.
func (s *Summary) Add(other Summary) {
	s.Imported += other.Imported
	s.Updated += other.Updated
	s.Ignored += other.Ignored
	s.Conflicted += other.Conflicted
}

func (s *Summary) count(k model.OutcomeKind) {
	switch k {
	case model.OutcomeImported:
		s.Imported++
	case model.OutcomeUpdated:
		s.Updated++
	case model.OutcomeIgnored:
		s.Ignored++
	case model.OutcomeConflicted:
		s.Conflicted++
	}
}

// Reconciler applies outcomes to items in place.
type Reconciler struct {
	logger *zap.Logger
}

// New creates a Reconciler logging failure messages to logger.
func New(logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{logger: logger}
}

// Enrollments reconciles an enrollment submission. Accepted items get
// their remote enrollment id and, from the nested summaries, their event
// ids. Rejected items are reverted to their prior status.
func (r *Reconciler) Enrollments(run *transform.Run, items []transform.Item, resp *remote.Response) ([]model.Outcome, Summary, error) {
	return r.walk(run, items, resp, func(it *transform.Item, sum remote.ImportSummary, out model.Outcome) {
		if !out.Succeeded() {
			it.Revert()
			return
		}
		enr := it.Enrollment
		if out.Reference != "" {
			enr.ID = out.Reference
		}
		if enr.ID == "" {
			run.Warn(fmt.Sprintf("enrollment %s accepted without a reference", it.Key))
		}
		r.assignEvents(run, it, sum.Events)
	})
}

// StatusUpdates reconciles a status follow-up submission. Rejected items
// keep their tracked status.
func (r *Reconciler) StatusUpdates(run *transform.Run, items []transform.Item, resp *remote.Response) ([]model.Outcome, Summary, error) {
	return r.walk(run, items, resp, func(it *transform.Item, _ remote.ImportSummary, out model.Outcome) {
		if !out.Succeeded() {
			it.Revert()
		}
	})
}

// Instances reconciles a bare instance submission.
func (r *Reconciler) Instances(run *transform.Run, items []transform.Item, resp *remote.Response) ([]model.Outcome, Summary, error) {
	return r.walk(run, items, resp, func(it *transform.Item, _ remote.ImportSummary, out model.Outcome) {
		if out.Succeeded() && out.Reference != "" {
			it.Instance.ID = out.Reference
		}
	})
}

func (r *Reconciler) walk(
	run *transform.Run,
	items []transform.Item,
	resp *remote.Response,
	apply func(*transform.Item, remote.ImportSummary, model.Outcome),
) ([]model.Outcome, Summary, error) {
	var summaries []remote.ImportSummary
	if resp != nil {
		summaries = resp.Response.ImportSummaries
	}
	if len(summaries) != len(items) {
		return nil, Summary{}, fmt.Errorf("%w: %d outcomes for %d items", ErrOutcomeMismatch, len(summaries), len(items))
	}

	outcomes := make([]model.Outcome, len(items))
	var total Summary
	for i := range summaries {
		out := Classify(summaries[i])
		outcomes[i] = out
		total.count(out.Kind)

		it := &items[i]
		for _, msg := range Messages(out) {
			r.logger.Warn(msg,
				zap.String("key", it.Key),
				zap.String("outcome", string(out.Kind)))
			run.Fail(msg)
		}
		apply(it, summaries[i], out)
	}
	return outcomes, total, nil
}

// assignEvents copies nested event references onto the item's events by
// position. A count mismatch leaves the events untracked.
func (r *Reconciler) assignEvents(run *transform.Run, it *transform.Item, nested *remote.Summaries) {
	events := it.Enrollment.Events
	for i := range events {
		events[i].EnrollmentID = it.Enrollment.ID
	}
	if nested == nil || len(events) == 0 {
		return
	}
	if len(nested.ImportSummaries) != len(events) {
		msg := fmt.Sprintf("enrollment %s: %d event outcomes for %d events", it.Key, len(nested.ImportSummaries), len(events))
		r.logger.Warn(msg)
		run.Warn(msg)
		return
	}
	for i, sum := range nested.ImportSummaries {
		out := Classify(sum)
		if !out.Succeeded() {
			for _, msg := range Messages(out) {
				r.logger.Warn(msg, zap.String("event", events[i].EventUniqueID))
				run.Fail(msg)
			}
			continue
		}
		if out.Reference != "" {
			events[i].ID = out.Reference
		}
	}
}

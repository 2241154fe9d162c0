package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/roach88/enrollsync/internal/delta"
	"github.com/roach88/enrollsync/internal/model"
	"github.com/roach88/enrollsync/internal/store"
	"github.com/roach88/enrollsync/internal/transform"
)

// job is the state of one Run. It is owned by a single goroutine.
type job struct {
	e       *Engine
	id      string
	req     JobRequest
	prog    Program
	builder transform.Builder
	run     *transform.Run
	state   State
	logger  *zap.Logger
	report  *Report

	// tracked maps program-unique ids recorded by this job to their
	// remote ids, so later chunks update instead of creating duplicates.
	tracked map[string]string

	// followUps are the tracked items awaiting the status step, indexed
	// by remote enrollment id in pending.
	followUps []transform.Item
	pending   map[string]int
}

type marker struct {
	side transform.Side
	key  store.Key
}

func (j *job) markers() []marker {
	c := j.req.Category
	if c.IsInstance() {
		return []marker{{transform.SideInstance, store.Key{Program: j.prog.Tables.Instance, Category: c}}}
	}
	return []marker{
		{transform.SideEnrollment, store.Key{Program: j.prog.Tables.Enrollment, Category: c}},
		{transform.SideEvent, store.Key{Program: j.prog.Tables.Event, Category: c}},
	}
}

func (j *job) comments() string {
	names := make([]string, len(j.report.Steps))
	for i, s := range j.report.Steps {
		names[i] = s.Name
	}
	return strings.Join(names, ", ")
}

func (j *job) transition(to State) {
	if j.state == to {
		return
	}
	j.logger.Debug("state transition", zap.String("from", string(j.state)), zap.String("to", string(to)))
	j.state = to
	j.report.State = to
}

func (j *job) fatal(code ErrorCode, err error) *SyncError {
	code = codeFor(err, code)
	j.logger.Error("job failed", zap.String("code", string(code)), zap.Error(err))
	return &SyncError{
		Code:     code,
		Message:  err.Error(),
		JobID:    j.id,
		Program:  j.req.Program,
		Category: j.req.Category,
		Err:      err,
	}
}

// finish settles the final state and folds the run's messages into the
// report and the returned error.
func (j *job) finish(fatal *SyncError) *SyncError {
	msgs := j.run.Messages()
	j.report.Messages = msgs

	switch {
	case fatal != nil:
		fatal.Messages = msgs
		j.transition(StateFailed)
		j.report.Status = store.JobFailed
		return fatal
	case j.run.Failed():
		j.transition(StateFailed)
		j.report.Status = store.JobFailed
		return &SyncError{
			Code:     ErrCodeSyncFailure,
			Message:  strings.Join(j.run.Failures(), "; "),
			JobID:    j.id,
			Program:  j.req.Program,
			Category: j.req.Category,
			Messages: msgs,
		}
	default:
		j.report.Status = store.JobSuccess
		return nil
	}
}

func (j *job) successInfo() string {
	if len(j.report.Messages) > 0 {
		return strings.Join(j.report.Messages, "; ")
	}
	return fmt.Sprintf("%d rows, %d submitted", j.report.Rows, j.report.Submitted())
}

func (j *job) stamp() store.Stamp {
	return store.Stamp{CreatedBy: j.req.SyncedBy, At: j.e.clock.Now()}
}

func (j *job) execute(ctx context.Context) *SyncError {
	marks := j.markers()
	since := make(map[transform.Side]store.Watermark, len(marks))
	for _, m := range marks {
		ts, err := j.e.store.GetWatermark(ctx, m.key)
		if err != nil {
			return j.fatal(ErrCodeTracker, err)
		}
		since[m.side] = store.Watermark{Key: m.key, LastSynced: ts}
	}

	q := delta.Query{
		Program:         j.req.Program,
		Category:        j.req.Category,
		Tables:          j.prog.Tables,
		EnrollmentSince: since[transform.SideEnrollment].LastSynced,
		EventSince:      since[transform.SideEvent].LastSynced,
		Range:           j.req.Range,
	}
	if j.req.Category.IsInstance() {
		q.EnrollmentSince = since[transform.SideInstance].LastSynced
	}

	if err := j.readAndSubmit(ctx, q); err != nil {
		return err
	}
	if err := j.followUp(ctx); err != nil {
		return err
	}

	if j.run.Failed() {
		j.logger.Warn("watermark not advanced", zap.Strings("failures", j.run.Failures()))
		return nil
	}

	j.transition(StateAdvancingWatermark)
	for _, m := range marks {
		candidate, ok := j.run.Candidate(m.side)
		if !ok || !candidate.After(since[m.side].LastSynced) {
			continue
		}
		if err := j.e.store.SetWatermark(ctx, m.key, candidate); err != nil {
			return j.fatal(ErrCodeTracker, err)
		}
		j.report.Watermarks = append(j.report.Watermarks, store.Watermark{Key: m.key, LastSynced: candidate})
		j.logger.Info("watermark advanced",
			zap.Stringer("key", m.key),
			zap.String("last_synced", model.FormatStorageTime(candidate)))
	}
	return nil
}

// readAndSubmit streams the delta and runs the submission step chunk by
// chunk.
func (j *job) readAndSubmit(ctx context.Context, q delta.Query) *SyncError {
	j.transition(StateReading)
	rows, err := j.e.selector.Select(ctx, q)
	if err != nil {
		return j.fatal(ErrCodeQuery, err)
	}
	defer rows.Close()

	chunk := make([]transform.Item, 0, j.e.batchSize)
	for rows.Next() {
		j.report.Rows++
		it, err := j.builder.Build(j.run, rows.Row())
		if errors.Is(err, transform.ErrNoCorrelationKey) {
			j.report.Skipped++
			j.logger.Warn("row skipped", zap.Error(err))
			continue
		}
		if err != nil {
			return j.fatal(ErrCodeMapping, err)
		}

		chunk = append(chunk, it)
		if len(chunk) < j.e.batchSize {
			continue
		}
		if serr := j.submit(ctx, chunk); serr != nil {
			return serr
		}
		chunk = make([]transform.Item, 0, j.e.batchSize)
		j.transition(StateReading)
	}
	if err := rows.Err(); err != nil {
		return j.fatal(ErrCodeQuery, err)
	}
	if len(chunk) > 0 {
		return j.submit(ctx, chunk)
	}
	return nil
}

func (j *job) submit(ctx context.Context, chunk []transform.Item) *SyncError {
	if j.req.Category.IsInstance() {
		return j.submitInstances(ctx, chunk)
	}
	return j.submitEnrollments(ctx, chunk)
}

func (j *job) submitEnrollments(ctx context.Context, chunk []transform.Item) *SyncError {
	j.transition(StateTransforming)
	items := transform.Merge(chunk)
	payload := make([]model.Enrollment, len(items))
	for i := range items {
		enr := items[i].Enrollment
		if id, ok := j.tracked[enr.ProgramUniqueID]; ok && enr.ID == "" {
			enr.ID = id
			for k := range enr.Events {
				enr.Events[k].EnrollmentID = id
			}
		}
		payload[i] = *enr
	}

	j.transition(StateSubmitting)
	resp, err := j.e.client.SubmitEnrollments(ctx, payload)
	if err != nil {
		return j.fatal(ErrCodeTransport, err)
	}
	step := &j.report.Steps[0]
	step.Submitted += len(payload)
	j.e.metrics.observeSubmitted(j.req.Program, j.req.Category, len(payload))

	j.transition(StateReconciling)
	outcomes, sum, err := j.e.recon.Enrollments(j.run, items, resp)
	if err != nil {
		return j.fatal(ErrCodeOutcomeMismatch, err)
	}
	step.Summary.Add(sum)
	j.e.metrics.observeOutcomes(j.req.Program, j.req.Category, sum)

	j.transition(StateTracking)
	var enrollments []store.EnrollmentRecord
	var events []store.EventRecord
	for i := range items {
		it := &items[i]
		enr := it.Enrollment
		if !outcomes[i].Succeeded() || enr.ID == "" {
			continue
		}
		if enr.ProgramUniqueID != "" {
			enrollments = append(enrollments, store.EnrollmentRecord{
				EnrollmentID:    enr.ID,
				InstanceID:      enr.InstanceID,
				Program:         j.req.Program,
				Status:          enr.Status,
				ProgramUniqueID: enr.ProgramUniqueID,
			})
			if j.req.Category.IsNew() {
				j.tracked[enr.ProgramUniqueID] = enr.ID
			}
		}
		for _, ev := range enr.Events {
			if ev.ID == "" {
				continue
			}
			events = append(events, store.EventRecord{
				EventID:       ev.ID,
				InstanceID:    enr.InstanceID,
				Program:       j.req.Program,
				ProgramStage:  ev.ProgramStageID,
				EventUniqueID: ev.EventUniqueID,
			})
		}
		j.queueFollowUp(it)
	}

	stamp := j.stamp()
	n, err := j.e.store.RecordEnrollments(ctx, stamp, enrollments)
	if err != nil {
		return j.fatal(ErrCodeTracker, err)
	}
	j.checkWritten("enrollments", n, len(enrollments))
	step.Tracked += n

	n, err = j.e.store.RecordEvents(ctx, stamp, events)
	if err != nil {
		return j.fatal(ErrCodeTracker, err)
	}
	j.checkWritten("events", n, len(events))
	return nil
}

func (j *job) submitInstances(ctx context.Context, items []transform.Item) *SyncError {
	j.transition(StateTransforming)
	payload := make([]model.Instance, len(items))
	for i := range items {
		payload[i] = *items[i].Instance
	}

	j.transition(StateSubmitting)
	resp, err := j.e.client.SubmitInstances(ctx, payload)
	if err != nil {
		return j.fatal(ErrCodeTransport, err)
	}
	step := &j.report.Steps[0]
	step.Submitted += len(payload)
	j.e.metrics.observeSubmitted(j.req.Program, j.req.Category, len(payload))

	j.transition(StateReconciling)
	outcomes, sum, err := j.e.recon.Instances(j.run, items, resp)
	if err != nil {
		return j.fatal(ErrCodeOutcomeMismatch, err)
	}
	step.Summary.Add(sum)
	j.e.metrics.observeOutcomes(j.req.Program, j.req.Category, sum)

	j.transition(StateTracking)
	var records []store.InstanceRecord
	for i, it := range items {
		if !outcomes[i].Succeeded() || it.Instance.ID == "" {
			continue
		}
		records = append(records, store.InstanceRecord{
			PatientIdentifier: it.Instance.PatientIdentifier,
			InstanceID:        it.Instance.ID,
		})
	}

	n, err := j.e.store.RecordInstances(ctx, j.stamp(), records)
	if err != nil {
		return j.fatal(ErrCodeTracker, err)
	}
	j.checkWritten("instances", n, len(records))
	step.Tracked += n
	return nil
}

// queueFollowUp keeps the latest tracked state of an enrollment for the
// status step.
func (j *job) queueFollowUp(it *transform.Item) {
	if len(j.report.Steps) < 2 || it.FinalStatus == model.StatusNone {
		return
	}
	enr := it.Enrollment
	follow := transform.Item{
		Key:     it.Key,
		KeyKind: it.KeyKind,
		Enrollment: &model.Enrollment{
			ID:              enr.ID,
			InstanceID:      enr.InstanceID,
			ProgramID:       enr.ProgramID,
			OrgUnit:         enr.OrgUnit,
			EnrollmentDate:  enr.EnrollmentDate,
			IncidentDate:    enr.IncidentDate,
			Status:          it.FinalStatus,
			Events:          []model.Event{},
			ProgramUniqueID: enr.ProgramUniqueID,
		},
		PriorStatus: enr.Status,
		FinalStatus: it.FinalStatus,
	}
	if i, ok := j.pending[enr.ID]; ok {
		j.followUps[i] = follow
		return
	}
	j.pending[enr.ID] = len(j.followUps)
	j.followUps = append(j.followUps, follow)
}

// followUp runs the status step. Closing statuses go to the remote side
// first; ACTIVE only updates the tracker.
func (j *job) followUp(ctx context.Context) *SyncError {
	if len(j.report.Steps) < 2 || len(j.followUps) == 0 {
		return nil
	}
	step := &j.report.Steps[1]
	target := j.req.Category.TargetStatus()
	j.logger.Info("step started", zap.String("step", step.Name), zap.Int("items", len(j.followUps)))

	for start := 0; start < len(j.followUps); start += j.e.batchSize {
		end := min(start+j.e.batchSize, len(j.followUps))
		chunk := j.followUps[start:end]

		if target != model.StatusActive {
			if serr := j.closeRemote(ctx, step, chunk); serr != nil {
				return serr
			}
		}

		j.transition(StateTracking)
		var updates []store.StatusUpdate
		for _, it := range chunk {
			if it.FinalStatus == model.StatusNone {
				continue
			}
			updates = append(updates, store.StatusUpdate{EnrollmentID: it.Enrollment.ID, Status: it.FinalStatus})
		}
		n, err := j.e.store.UpdateEnrollmentStatus(ctx, j.stamp(), updates)
		if err != nil {
			return j.fatal(ErrCodeTracker, err)
		}
		j.checkWritten("enrollment statuses", n, len(updates))
		step.Tracked += n
	}
	return nil
}

// closeRemote sends the status update for the items of chunk whose
// submission did not already carry the final status. Reconciliation
// results are written back into chunk.
func (j *job) closeRemote(ctx context.Context, step *StepReport, chunk []transform.Item) *SyncError {
	var idx []int
	for i := range chunk {
		if chunk[i].PriorStatus != chunk[i].FinalStatus {
			idx = append(idx, i)
		}
	}
	if len(idx) == 0 {
		return nil
	}

	items := make([]transform.Item, len(idx))
	payload := make([]model.Enrollment, len(idx))
	for k, i := range idx {
		items[k] = chunk[i]
		payload[k] = *chunk[i].Enrollment
	}

	j.transition(StateSubmitting)
	resp, err := j.e.client.UpdateEnrollmentStatus(ctx, payload)
	if err != nil {
		return j.fatal(ErrCodeTransport, err)
	}
	step.Submitted += len(payload)
	j.e.metrics.observeSubmitted(j.req.Program, j.req.Category, len(payload))

	j.transition(StateReconciling)
	_, sum, err := j.e.recon.StatusUpdates(j.run, items, resp)
	if err != nil {
		return j.fatal(ErrCodeOutcomeMismatch, err)
	}
	step.Summary.Add(sum)
	j.e.metrics.observeOutcomes(j.req.Program, j.req.Category, sum)

	for k, i := range idx {
		chunk[i] = items[k]
	}
	return nil
}

// checkWritten surfaces a partial tracker write as a warning.
func (j *job) checkWritten(what string, got, want int) {
	if got >= want {
		return
	}
	msg := fmt.Sprintf("partial tracker write: recorded %d of %d %s", got, want, what)
	j.logger.Warn(msg)
	j.run.Warn(msg)
}

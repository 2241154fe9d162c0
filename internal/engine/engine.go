package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/roach88/enrollsync/internal/delta"
	"github.com/roach88/enrollsync/internal/model"
	"github.com/roach88/enrollsync/internal/reconcile"
	"github.com/roach88/enrollsync/internal/remote"
	"github.com/roach88/enrollsync/internal/store"
	"github.com/roach88/enrollsync/internal/transform"
)

// DefaultBatchSize is the number of rows submitted per chunk.
const DefaultBatchSize = 500

// DefaultSyncedBy tags tracker and log rows when a request names no operator.
const DefaultSyncedBy = "admin"

// Submitter is the remote side of a job. Implemented by *remote.Client.
type Submitter interface {
	SubmitEnrollments(ctx context.Context, enrollments []model.Enrollment) (*remote.Response, error)
	SubmitInstances(ctx context.Context, instances []model.Instance) (*remote.Response, error)
	UpdateEnrollmentStatus(ctx context.Context, enrollments []model.Enrollment) (*remote.Response, error)
}

// Program is one configured program: its mapping and its source tables.
type Program struct {
	Mapping transform.Mapping
	Tables  delta.Tables
}

// Name is the local program name.
func (p Program) Name() string {
	return p.Mapping.Program
}

// JobRequest names one job.
type JobRequest struct {
	Program  string
	Category model.Category

	// Range, when both bounds are set, replaces the watermark comparison.
	Range delta.Range

	SyncedBy string
}

// State is a job state.
type State string

const (
	StateIdle               State = "idle"
	StateReading            State = "reading"
	StateTransforming       State = "transforming"
	StateSubmitting         State = "submitting"
	StateReconciling        State = "reconciling"
	StateTracking           State = "tracking"
	StateAdvancingWatermark State = "advancing_watermark"
	StateFailed             State = "failed"
)

// StepReport summarizes one step of a job.
type StepReport struct {
	Name      string            `json:"name"`
	Submitted int               `json:"submitted"`
	Tracked   int               `json:"tracked"`
	Summary   reconcile.Summary `json:"summary"`
}

// Report summarizes a finished job.
type Report struct {
	JobID      string            `json:"job_id"`
	Program    string            `json:"program"`
	Category   model.Category    `json:"category"`
	State      State             `json:"state"`
	Status     store.JobStatus   `json:"status"`
	Rows       int               `json:"rows"`
	Skipped    int               `json:"skipped"`
	Steps      []StepReport      `json:"steps"`
	Watermarks []store.Watermark `json:"watermarks"`
	Messages   []string          `json:"messages"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at"`
}

// Submitted is the number of items sent across all steps.
func (r *Report) Submitted() int {
	n := 0
	for _, s := range r.Steps {
		n += s.Submitted
	}
	return n
}

// Engine runs sync jobs for a fixed set of programs.
type Engine struct {
	store     *store.Store
	selector  *delta.Selector
	client    Submitter
	recon     *reconcile.Reconciler
	programs  map[string]Program
	clock     Clock
	jobIDs    JobIDGenerator
	logger    *zap.Logger
	metrics   *Metrics
	batchSize int
}

// Option allows configuration of engine parameters.
type Option func(*Engine)

// WithClock sets the clock stamping tracker and log rows.
func WithClock(c Clock) Option {
	return func(e *Engine) {
		e.clock = c
	}
}

// WithJobIDs sets the job id generator.
func WithJobIDs(g JobIDGenerator) Option {
	return func(e *Engine) {
		e.jobIDs = g
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithMetrics sets the collectors jobs report to.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithBatchSize sets the chunk size. Values below 1 keep DefaultBatchSize.
func WithBatchSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.batchSize = n
		}
	}
}

// New creates an Engine.
//
// st receives tracker, watermark and log writes; sel reads the delta and
// should sit on its own connection so an open cursor never blocks st.
func New(st *store.Store, sel *delta.Selector, client Submitter, programs []Program, opts ...Option) *Engine {
	e := &Engine{
		store:     st,
		selector:  sel,
		client:    client,
		programs:  make(map[string]Program, len(programs)),
		clock:     SystemClock{},
		jobIDs:    UUIDv7Generator{},
		logger:    zap.NewNop(),
		batchSize: DefaultBatchSize,
	}
	for _, p := range programs {
		e.programs[p.Name()] = p
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.metrics == nil {
		e.metrics = NewMetrics(nil)
	}
	e.recon = reconcile.New(e.logger)
	return e
}

// Programs returns the configured program names in sorted order.
func (e *Engine) Programs() []string {
	names := make([]string, 0, len(e.programs))
	for n := range e.programs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Categories returns the categories RunAll runs for program when none are
// named: instances first when an instance table is configured, then the
// enrollment categories.
func (e *Engine) Categories(program string) []model.Category {
	var out []model.Category
	if p, ok := e.programs[program]; ok && p.Tables.Instance != "" {
		out = append(out, model.CategoryInstance)
	}
	return append(out, model.EnrollmentCategories...)
}

// Ping checks the state database.
func (e *Engine) Ping(ctx context.Context) error {
	return e.store.Ping(ctx)
}

// Run executes one job. The returned report is non-nil once the job has
// started, including when it fails; a failed job returns a *SyncError.
func (e *Engine) Run(ctx context.Context, req JobRequest) (*Report, error) {
	prog, ok := e.programs[req.Program]
	if !ok {
		return nil, &SyncError{
			Code:     ErrCodeMapping,
			Message:  fmt.Sprintf("unknown program %q", req.Program),
			Program:  req.Program,
			Category: req.Category,
		}
	}
	builder, err := transform.For(req.Category, prog.Mapping)
	if err != nil {
		return nil, &SyncError{
			Code:     ErrCodeMapping,
			Message:  err.Error(),
			Program:  req.Program,
			Category: req.Category,
			Err:      err,
		}
	}
	if req.SyncedBy == "" {
		req.SyncedBy = DefaultSyncedBy
	}

	j := e.newJob(req, prog, builder)
	j.logger.Info("job started", zap.Time("started_at", j.report.StartedAt))

	entry := store.JobLog{
		ID:        j.id,
		Program:   req.Program,
		SyncedBy:  req.SyncedBy,
		Comments:  j.comments(),
		Status:    store.JobPending,
		CreatedAt: j.report.StartedAt,
	}
	if req.Range.Active() {
		entry.StartDate = model.FormatStorageTime(req.Range.Start)
		entry.EndDate = model.FormatStorageTime(req.Range.End)
	}
	if err := e.store.InsertJobLog(ctx, entry); err != nil {
		serr := j.finish(j.fatal(ErrCodeTracker, err))
		return j.report, serr
	}

	serr := j.finish(j.execute(ctx))

	status, info := store.JobSuccess, j.successInfo()
	if serr != nil {
		status, info = store.JobFailed, serr.Info()
	}
	if err := e.store.FinishJobLog(context.WithoutCancel(ctx), j.id, status, info); err != nil {
		j.logger.Error("finish job log", zap.Error(err))
		if serr == nil {
			serr = j.finish(j.fatal(ErrCodeTracker, err))
		}
	}

	j.report.FinishedAt = e.clock.Now()
	e.metrics.observeJob(req.Program, req.Category, j.report.Status,
		j.report.FinishedAt.Sub(j.report.StartedAt).Seconds())
	j.logger.Info("job finished",
		zap.String("status", string(j.report.Status)),
		zap.Int("rows", j.report.Rows),
		zap.Int("submitted", j.report.Submitted()))

	if serr != nil {
		return j.report, serr
	}
	return j.report, nil
}

// RunAll runs one job per category in order, stopping at the first fatal
// failure. Jobs that end with business failures do not stop the sequence.
// The returned error joins every job error.
func (e *Engine) RunAll(ctx context.Context, req JobRequest, categories ...model.Category) ([]*Report, error) {
	if len(categories) == 0 {
		categories = e.Categories(req.Program)
	}

	var reports []*Report
	var errs []error
	for _, c := range categories {
		r := req
		r.Category = c
		rep, err := e.Run(ctx, r)
		if rep != nil {
			reports = append(reports, rep)
		}
		if err != nil {
			errs = append(errs, err)
			if IsFatal(err) {
				break
			}
		}
	}
	return reports, errors.Join(errs...)
}

func (e *Engine) newJob(req JobRequest, prog Program, builder transform.Builder) *job {
	id := e.jobIDs.Generate()
	j := &job{
		e:       e,
		id:      id,
		req:     req,
		prog:    prog,
		builder: builder,
		run:     transform.NewRun(),
		state:   StateIdle,
		tracked: make(map[string]string),
		pending: make(map[string]int),
		logger: e.logger.With(
			zap.String("job", id),
			zap.String("program", req.Program),
			zap.String("category", string(req.Category))),
		report: &Report{
			JobID:      id,
			Program:    req.Program,
			Category:   req.Category,
			State:      StateIdle,
			Status:     store.JobPending,
			Watermarks: []store.Watermark{},
			Messages:   []string{},
			StartedAt:  e.clock.Now(),
		},
	}
	j.report.Steps = append(j.report.Steps, StepReport{Name: req.Category.StepName()})
	if name := req.Category.FollowUpName(); name != "" {
		j.report.Steps = append(j.report.Steps, StepReport{Name: name})
	}
	return j
}

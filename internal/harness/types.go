package harness

import (
	"github.com/roach88/enrollsync/internal/engine"
	"github.com/roach88/enrollsync/internal/testutil"
)

// TraceEvent is one remote request or one finished job, in order.
type TraceEvent struct {
	Type string `json:"type"` // "request" or "job"

	Path  string          `json:"path,omitempty"`
	Query string          `json:"query,omitempty"`
	Items []RequestedItem `json:"items,omitempty"`

	JobID     string   `json:"job_id,omitempty"`
	Category  string   `json:"category,omitempty"`
	Status    string   `json:"status,omitempty"`
	Rows      int      `json:"rows,omitempty"`
	Submitted int      `json:"submitted,omitempty"`
	Skipped   int      `json:"skipped,omitempty"`
	Messages  []string `json:"messages,omitempty"`
}

// RequestedItem is the part of a submitted enrollment or instance the trace
// keeps.
type RequestedItem struct {
	ID      string `json:"id,omitempty"`
	OrgUnit string `json:"org_unit"`
	Status  string `json:"status,omitempty"`
	Events  int    `json:"events,omitempty"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every run expectation and assertion held.
	Pass bool `json:"pass"`

	Trace   []TraceEvent     `json:"trace"`
	Reports []*engine.Report `json:"-"`
	Errors  []string         `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

func (r *Result) addRequests(reqs []testutil.FakeRequest) {
	for _, req := range reqs {
		ev := TraceEvent{Type: "request", Path: req.Path, Query: req.Query}
		for _, enr := range req.Enrollments {
			ev.Items = append(ev.Items, RequestedItem{
				ID:      enr.ID,
				OrgUnit: enr.OrgUnit,
				Status:  string(enr.Status),
				Events:  len(enr.Events),
			})
		}
		for _, inst := range req.Instances {
			ev.Items = append(ev.Items, RequestedItem{ID: inst.ID, OrgUnit: inst.OrgUnit})
		}
		r.Trace = append(r.Trace, ev)
	}
}

func (r *Result) addJob(rep *engine.Report) {
	r.Reports = append(r.Reports, rep)
	r.Trace = append(r.Trace, TraceEvent{
		Type:      "job",
		JobID:     rep.JobID,
		Category:  string(rep.Category),
		Status:    string(rep.Status),
		Rows:      rep.Rows,
		Submitted: rep.Submitted(),
		Skipped:   rep.Skipped,
		Messages:  rep.Messages,
	})
}

package transform

import (
	"strings"
	"time"
)

// Side identifies the source table a watermark candidate was read from.
type Side string

const (
	SideEnrollment Side = "enrollment"
	SideEvent      Side = "event"
	SideInstance   Side = "instance"
)

// Run is the per-job context threaded through transformation,
// reconciliation, and the engine. It is not safe for concurrent use;
// a job has a single worker.
type Run struct {
	candidates map[Side]time.Time
	failed     bool
	failures   []string
	warnings   []string
}

// NewRun creates an empty run context with the failure flag cleared.
func NewRun() *Run {
	return &Run{candidates: make(map[Side]time.Time)}
}

// Observe raises the pending watermark candidate of side to t if t is later.
func (r *Run) Observe(side Side, t time.Time) {
	if cur, ok := r.candidates[side]; !ok || t.After(cur) {
		r.candidates[side] = t.UTC()
	}
}

// Candidate returns the max timestamp observed for side.
func (r *Run) Candidate(side Side) (time.Time, bool) {
	t, ok := r.candidates[side]
	return t, ok
}

// Fail records a business failure and raises the failure flag.
func (r *Run) Fail(msg string) {
	r.failed = true
	if msg = strings.TrimSpace(msg); msg != "" {
		r.failures = append(r.failures, msg)
	}
}

// Warn records a message that does not fail the job.
func (r *Run) Warn(msg string) {
	r.warnings = append(r.warnings, msg)
}

// Failed reports whether any business failure was recorded.
func (r *Run) Failed() bool {
	return r.failed
}

// Failures returns the failure messages in the order they were recorded.
func (r *Run) Failures() []string {
	return append([]string(nil), r.failures...)
}

// Warnings returns the warning messages in the order they were recorded.
func (r *Run) Warnings() []string {
	return append([]string(nil), r.warnings...)
}

// Messages returns failures followed by warnings.
func (r *Run) Messages() []string {
	out := make([]string, 0, len(r.failures)+len(r.warnings))
	out = append(out, r.failures...)
	return append(out, r.warnings...)
}

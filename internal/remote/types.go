package remote

import "github.com/roach88/enrollsync/internal/model"

// Endpoint paths relative to the configured base URL.
const (
	EnrollmentsPath  = "/api/enrollments"
	InstancesPath    = "/api/trackedEntityInstances"
	StatusUpdatePath = "/api/enrollments?strategy=UPDATE"
)

// EnrollmentBatch is the request body of an enrollment submission.
type EnrollmentBatch struct {
	Enrollments []model.Enrollment `json:"enrollments"`
}

// InstanceBatch is the request body of an instance submission.
type InstanceBatch struct {
	Instances []model.Instance `json:"trackedEntityInstances"`
}

// Response is the parsed body of a submission.
type Response struct {
	Status         string    `json:"status"`
	HTTPStatusCode int       `json:"httpStatusCode,omitempty"`
	Message        string    `json:"message,omitempty"`
	Response       Summaries `json:"response"`

	// Conflict is set when the remote answered 409 with a parseable body.
	Conflict bool `json:"-"`
}

// Summaries is the ordered outcome list plus batch totals.
type Summaries struct {
	ImportSummaries []ImportSummary `json:"importSummaries"`
	Imported        int             `json:"imported"`
	Updated         int             `json:"updated"`
	Ignored         int             `json:"ignored"`
	Deleted         int             `json:"deleted"`
	Total           int             `json:"total"`
}

// ImportSummary is the outcome of one submitted item.
type ImportSummary struct {
	Status      string           `json:"status"`
	ImportCount ImportCount      `json:"importCount"`
	Description string           `json:"description,omitempty"`
	Conflicts   []model.Conflict `json:"conflicts,omitempty"`
	Reference   string           `json:"reference,omitempty"`

	// Events holds the nested event outcomes of an enrollment, in the
	// order the events were submitted.
	Events *Summaries `json:"events,omitempty"`
}

// ImportCount is the per-item counter block.
type ImportCount struct {
	Imported int `json:"imported"`
	Updated  int `json:"updated"`
	Ignored  int `json:"ignored"`
	Deleted  int `json:"deleted"`
}

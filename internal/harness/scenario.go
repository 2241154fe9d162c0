package harness

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/roach88/enrollsync/internal/delta"
	"github.com/roach88/enrollsync/internal/model"
)

// Scenario defines a conformance test scenario.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Setup seeds the source tables and the stored watermarks.
	Setup Setup `yaml:"setup"`

	// Remote scripts the fake tracker for every run that does not
	// override it.
	Remote RemoteBehavior `yaml:"remote,omitempty"`

	// Runs are executed in order against the same database.
	Runs []RunStep `yaml:"runs"`

	// Assertions validate the final tracker, watermarks and trace.
	Assertions []Assertion `yaml:"assertions"`
}

// Setup holds the rows inserted before the first run.
type Setup struct {
	Enrollments []EnrollmentFixture `yaml:"enrollments,omitempty"`
	Events      []EventFixture      `yaml:"events,omitempty"`
	Instances   []InstanceFixture   `yaml:"instances,omitempty"`
	Watermarks  []WatermarkFixture  `yaml:"watermarks,omitempty"`
}

// EnrollmentFixture is one enrollment table row.
type EnrollmentFixture struct {
	Patient        string `yaml:"patient"`
	UniqueID       string `yaml:"unique_id"`
	Status         string `yaml:"status"`
	OrgUnit        string `yaml:"org_unit,omitempty"`
	EnrollmentDate string `yaml:"enrollment_date,omitempty"`
	Created        string `yaml:"created"`
}

// EventFixture is one event table row. Enrollment fields default to the
// enrollment fixture with the same enrollment_unique_id.
type EventFixture struct {
	Patient            string            `yaml:"patient"`
	UniqueID           string            `yaml:"unique_id"`
	EnrollmentUniqueID string            `yaml:"enrollment_unique_id,omitempty"`
	EnrollmentStatus   string            `yaml:"enrollment_status,omitempty"`
	EnrollmentDate     string            `yaml:"enrollment_date,omitempty"`
	OrgUnit            string            `yaml:"org_unit,omitempty"`
	Stage              string            `yaml:"stage,omitempty"`
	EventDate          string            `yaml:"event_date,omitempty"`
	Created            string            `yaml:"created"`
	Values             map[string]string `yaml:"values,omitempty"`
}

// InstanceFixture is one instance table row.
type InstanceFixture struct {
	Patient    string            `yaml:"patient"`
	OrgUnit    string            `yaml:"org_unit,omitempty"`
	Created    string            `yaml:"created"`
	Attributes map[string]string `yaml:"attributes,omitempty"`
}

// WatermarkFixture presets one marker.
type WatermarkFixture struct {
	Table    string `yaml:"table"`
	Category string `yaml:"category"`
	At       string `yaml:"at"`
}

// RemoteBehavior scripts the fake tracker.
type RemoteBehavior struct {
	// FailStatus, when set, answers every request with this HTTP status.
	FailStatus int `yaml:"fail_status,omitempty"`

	// Reject answers enrollments of an org unit with a rejection.
	Reject []Rejection `yaml:"reject,omitempty"`
}

// Rejection makes the remote refuse enrollments in OrgUnit: ignored with
// Description, or conflicted when Conflicts are given.
type Rejection struct {
	OrgUnit     string     `yaml:"org_unit"`
	Description string     `yaml:"description,omitempty"`
	Conflicts   []Conflict `yaml:"conflicts,omitempty"`
}

// Conflict is one conflict entry of a rejection.
type Conflict struct {
	Object string `yaml:"object"`
	Value  string `yaml:"value"`
}

// RunStep is one job.
type RunStep struct {
	Category string `yaml:"category"`
	Start    string `yaml:"start,omitempty"`
	End      string `yaml:"end,omitempty"`

	// Remote, when set, replaces the scenario's remote behavior from this
	// run on.
	Remote *RemoteBehavior `yaml:"remote,omitempty"`

	Expect *RunExpect `yaml:"expect,omitempty"`
}

// RunExpect lists the expected report fields. Nil counts are not checked.
type RunExpect struct {
	Status    string `yaml:"status"`
	Rows      *int   `yaml:"rows,omitempty"`
	Submitted *int   `yaml:"submitted,omitempty"`
	Skipped   *int   `yaml:"skipped,omitempty"`
	ErrorCode string `yaml:"error_code,omitempty"`
}

// Assertion validates final state or the trace.
type Assertion struct {
	Type string `yaml:"type"`

	// watermark
	Table    string `yaml:"table,omitempty"`
	Category string `yaml:"category,omitempty"`
	Expect   string `yaml:"expect,omitempty"`

	// tracked_enrollment, tracked_instance
	UniqueID string `yaml:"unique_id,omitempty"`
	Patient  string `yaml:"patient,omitempty"`
	Status   string `yaml:"status,omitempty"`
	Absent   bool   `yaml:"absent,omitempty"`

	// tracked_count, request_count
	Kind  string `yaml:"kind,omitempty"`
	Count int    `yaml:"count,omitempty"`
}

// Assertion type constants.
const (
	AssertWatermark         = "watermark"
	AssertTrackedEnrollment = "tracked_enrollment"
	AssertTrackedInstance   = "tracked_instance"
	AssertTrackedCount      = "tracked_count"
	AssertRequestCount      = "request_count"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML with strict field validation.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Runs) == 0 {
		return fmt.Errorf("runs list is required and must be non-empty")
	}

	for i, e := range s.Setup.Enrollments {
		if e.Patient == "" || e.Created == "" {
			return fmt.Errorf("setup.enrollments[%d]: patient and created are required", i)
		}
	}
	for i, e := range s.Setup.Events {
		if e.Patient == "" || e.Created == "" {
			return fmt.Errorf("setup.events[%d]: patient and created are required", i)
		}
	}
	for i, w := range s.Setup.Watermarks {
		if _, err := model.ParseCategory(w.Category); err != nil {
			return fmt.Errorf("setup.watermarks[%d]: %w", i, err)
		}
		if w.Table == "" || w.At == "" {
			return fmt.Errorf("setup.watermarks[%d]: table and at are required", i)
		}
	}

	for i, r := range s.Runs {
		if _, err := model.ParseCategory(r.Category); err != nil {
			return fmt.Errorf("runs[%d]: %w", i, err)
		}
		if _, err := delta.ParseRange(r.Start, r.End); err != nil {
			return fmt.Errorf("runs[%d]: %w", i, err)
		}
		if r.Expect != nil && r.Expect.Status == "" {
			return fmt.Errorf("runs[%d].expect: status is required", i)
		}
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(i, a); err != nil {
			return err
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a Assertion) error {
	switch a.Type {
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	case AssertWatermark:
		if a.Table == "" || a.Category == "" || a.Expect == "" {
			return fmt.Errorf("assertions[%d]: table, category and expect are required for watermark", index)
		}
	case AssertTrackedEnrollment:
		if a.UniqueID == "" {
			return fmt.Errorf("assertions[%d]: unique_id is required for tracked_enrollment", index)
		}
		if !a.Absent && a.Status == "" {
			return fmt.Errorf("assertions[%d]: status or absent is required for tracked_enrollment", index)
		}
	case AssertTrackedInstance:
		if a.Patient == "" {
			return fmt.Errorf("assertions[%d]: patient is required for tracked_instance", index)
		}
	case AssertTrackedCount:
		if a.Kind != "enrollments" && a.Kind != "events" {
			return fmt.Errorf("assertions[%d]: kind must be enrollments or events for tracked_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative", index)
		}
	case AssertRequestCount:
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}

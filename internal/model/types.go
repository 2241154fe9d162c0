package model

// Status is the lifecycle status of an enrollment or event.
type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusCompleted Status = "COMPLETED"
	StatusCancelled Status = "CANCELLED"
	StatusNone      Status = ""
)

// ParseStatus maps a source-side status value onto a Status.
// Matching is case-insensitive; unknown values yield StatusNone.
func ParseStatus(s string) Status {
	switch normalizeStatus(s) {
	case "ACTIVE":
		return StatusActive
	case "COMPLETED":
		return StatusCompleted
	case "CANCELLED", "CANCELED":
		return StatusCancelled
	default:
		return StatusNone
	}
}

// Attribute is one (attribute-id, value) pair of an Instance.
type Attribute struct {
	Attribute string `json:"attribute"`
	Value     string `json:"value"`
}

// Instance is a person record.
type Instance struct {
	ID                string      `json:"trackedEntityInstance,omitempty"`
	TrackedEntityType string      `json:"trackedEntityType,omitempty"`
	OrgUnit           string      `json:"orgUnit"`
	Attributes        []Attribute `json:"attributes"`

	// PatientIdentifier is the source-side key of the person.
	PatientIdentifier string `json:"-"`
}

// DataValue is one (data-element-id, value) pair of an Event.
type DataValue struct {
	DataElement string `json:"dataElement"`
	Value       string `json:"value"`
}

// Event is one clinical encounter within an enrollment.
type Event struct {
	ID             string      `json:"event,omitempty"`
	InstanceID     string      `json:"trackedEntityInstance"`
	EnrollmentID   string      `json:"enrollment,omitempty"`
	ProgramID      string      `json:"program"`
	ProgramStageID string      `json:"programStage"`
	OrgUnit        string      `json:"orgUnit"`
	EventDate      string      `json:"eventDate"`
	Status         Status      `json:"status,omitempty"`
	DataValues     []DataValue `json:"dataValues"`

	EventUniqueID string `json:"-"`
}

// Enrollment is a program participation with its nested events.
type Enrollment struct {
	ID             string  `json:"enrollment,omitempty"`
	InstanceID     string  `json:"trackedEntityInstance"`
	ProgramID      string  `json:"program"`
	OrgUnit        string  `json:"orgUnit"`
	EnrollmentDate string  `json:"enrollmentDate"`
	IncidentDate   string  `json:"incidentDate"`
	Status         Status  `json:"status"`
	Events         []Event `json:"events"`

	ProgramUniqueID string `json:"-"`
}

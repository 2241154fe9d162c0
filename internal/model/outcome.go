package model

// OutcomeKind classifies the remote result of one submitted item.
type OutcomeKind string

const (
	OutcomeImported   OutcomeKind = "imported"
	OutcomeUpdated    OutcomeKind = "updated"
	OutcomeIgnored    OutcomeKind = "ignored"
	OutcomeConflicted OutcomeKind = "conflicted"
)

// Conflict is one (object, value) pair reported for a conflicted item.
type Conflict struct {
	Object string `json:"object"`
	Value  string `json:"value"`
}

// Outcome is the reconciled result of one submitted item.
type Outcome struct {
	Kind        OutcomeKind
	Reference   string
	Description string
	Conflicts   []Conflict
}

// Succeeded reports whether the item was accepted by the remote service.
func (o Outcome) Succeeded() bool {
	return o.Kind == OutcomeImported || o.Kind == OutcomeUpdated
}

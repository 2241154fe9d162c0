package transform

import (
	"errors"
	"fmt"
	"sort"

	"github.com/roach88/enrollsync/internal/model"
)

// ErrInvalidMapping is returned when a program mapping lacks a field the
// category needs.
var ErrInvalidMapping = errors.New("invalid mapping")

// Mapping is the field mapping of one program: source columns to remote
// identifiers, plus the metadata lookups consumed as plain data.
type Mapping struct {
	// Program is the local program name; tracker rows are keyed by it.
	Program string

	// ProgramID is the remote program identifier.
	ProgramID string

	TrackedEntityType string

	// DataElements maps event-table columns to remote data element ids.
	DataElements map[string]string

	// Attributes maps instance-table columns to remote attribute ids.
	Attributes map[string]string

	// DateTypes lists remote ids whose values are dates or date-times.
	DateTypes map[string]model.AttributeType

	// OrgUnits translates source org unit codes to remote ids.
	// Codes without an entry are sent unchanged.
	OrgUnits map[string]string

	// Stages translates source program stage names to remote ids.
	Stages map[string]string
}

// Validate checks the fields category c depends on.
func (m Mapping) Validate(c model.Category) error {
	if m.Program == "" {
		return fmt.Errorf("%w: program name is required", ErrInvalidMapping)
	}
	if c.IsInstance() {
		if m.TrackedEntityType == "" {
			return fmt.Errorf("%w: program %s: tracked entity type is required", ErrInvalidMapping, m.Program)
		}
		if len(m.Attributes) == 0 {
			return fmt.Errorf("%w: program %s: no attribute mapping", ErrInvalidMapping, m.Program)
		}
		return checkTargets(m.Program, "attribute", m.Attributes)
	}
	if m.ProgramID == "" {
		return fmt.Errorf("%w: program %s: remote program id is required", ErrInvalidMapping, m.Program)
	}
	return checkTargets(m.Program, "data element", m.DataElements)
}

func checkTargets(program, what string, targets map[string]string) error {
	for _, col := range sortedColumns(targets) {
		if targets[col] == "" {
			return fmt.Errorf("%w: program %s: column %s has no %s id", ErrInvalidMapping, program, col, what)
		}
	}
	return nil
}

func (m Mapping) orgUnit(code string) string {
	if id, ok := m.OrgUnits[code]; ok {
		return id
	}
	return code
}

func (m Mapping) stage(name string) string {
	if id, ok := m.Stages[name]; ok {
		return id
	}
	return name
}

// value formats a mapped value for the remote id it targets.
func (m Mapping) value(id, raw string) string {
	if typ, ok := m.DateTypes[id]; ok {
		return remoteDate(raw, typ)
	}
	return raw
}

func sortedColumns(m map[string]string) []string {
	cols := make([]string, 0, len(m))
	for c := range m {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	return cols
}

package transform

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/roach88/enrollsync/internal/delta"
	"github.com/roach88/enrollsync/internal/model"
)

// ErrNoCorrelationKey is returned for a row that carries neither a
// program-unique id nor an event-unique id. The row is skipped and the
// job is flagged failed.
var ErrNoCorrelationKey = errors.New("row has no correlation key")

// Builder converts one delta row into a payload item.
type Builder interface {
	Category() model.Category
	Build(run *Run, row delta.Row) (Item, error)
}

// For returns the builder of category c.
func For(c model.Category, m Mapping) (Builder, error) {
	if err := m.Validate(c); err != nil {
		return nil, err
	}
	switch c {
	case model.CategoryNewActive, model.CategoryNewCompleted, model.CategoryNewCancelled:
		return newBuilder{category: c, mapping: m}, nil
	case model.CategoryUpdatedActive, model.CategoryUpdatedCompleted, model.CategoryUpdatedCancelled:
		return updatedBuilder{category: c, mapping: m}, nil
	case model.CategoryInstance:
		return instanceBuilder{mapping: m}, nil
	default:
		return nil, fmt.Errorf("no builder for category %q", c)
	}
}

// newBuilder builds never-tracked enrollments. Completed and cancelled
// enrollments are submitted ACTIVE; the follow-up step closes them.
type newBuilder struct {
	category model.Category
	mapping  Mapping
}

func (b newBuilder) Category() model.Category { return b.category }

func (b newBuilder) Build(run *Run, row delta.Row) (Item, error) {
	observeEnrollmentRow(run, row)

	it, err := buildEnrollment(b.mapping, row)
	if err != nil {
		skip(run, err)
		return Item{}, err
	}

	it.PriorStatus = model.StatusActive
	it.FinalStatus = b.category.TargetStatus()
	it.Enrollment.Status = model.StatusActive
	return it, nil
}

// updatedBuilder builds changes to tracked enrollments. The remote
// enrollment id always comes from the tracker join.
type updatedBuilder struct {
	category model.Category
	mapping  Mapping
}

func (b updatedBuilder) Category() model.Category { return b.category }

func (b updatedBuilder) Build(run *Run, row delta.Row) (Item, error) {
	observeEnrollmentRow(run, row)

	it, err := buildEnrollment(b.mapping, row)
	if err != nil {
		skip(run, err)
		return Item{}, err
	}

	tracked := model.ParseStatus(row.String("tracked_status"))
	it.PriorStatus = tracked
	it.FinalStatus = b.category.TargetStatus()
	it.Enrollment.Status = rowStatus(row)
	if it.Enrollment.Status == model.StatusNone {
		it.Enrollment.Status = tracked
	}
	return it, nil
}

// instanceBuilder builds bare person instances.
type instanceBuilder struct {
	mapping Mapping
}

func (b instanceBuilder) Category() model.Category { return model.CategoryInstance }

func (b instanceBuilder) Build(run *Run, row delta.Row) (Item, error) {
	if t, ok := row.Time("date_created"); ok {
		run.Observe(SideInstance, t)
	}

	patient := clean(row.String("patient_identifier"))
	if patient == "" {
		err := fmt.Errorf("build instance: %w", ErrNoCorrelationKey)
		skip(run, err)
		return Item{}, err
	}

	inst := &model.Instance{
		TrackedEntityType: b.mapping.TrackedEntityType,
		OrgUnit:           b.mapping.orgUnit(clean(row.String("org_unit"))),
		Attributes:        []model.Attribute{},
		PatientIdentifier: patient,
	}
	for _, col := range sortedColumns(b.mapping.Attributes) {
		if !row.Has(col) {
			continue
		}
		id := b.mapping.Attributes[col]
		inst.Attributes = append(inst.Attributes, model.Attribute{
			Attribute: id,
			Value:     b.mapping.value(id, clean(row.String(col))),
		})
	}

	return Item{Key: patient, KeyKind: KeyPatient, Instance: inst}, nil
}

func observeEnrollmentRow(run *Run, row delta.Row) {
	if t, ok := row.Time("enrolled_date_created"); ok {
		run.Observe(SideEnrollment, t)
	}
	if t, ok := row.Time("date_created"); ok {
		run.Observe(SideEvent, t)
	}
}

// skip records an uncorrelatable row as a warning. The row is dropped for
// good; it must not hold the watermark back or it is re-read on every run.
func skip(run *Run, err error) {
	run.Warn("row skipped: " + err.Error())
}

// buildEnrollment is shared by the enrollment variants. Status is left
// for the caller.
func buildEnrollment(m Mapping, row delta.Row) (Item, error) {
	puid := clean(row.First("enrolled_program_unique_id", "program_unique_id"))
	euid := clean(row.String("event_unique_id"))

	var it Item
	switch {
	case row.Has("enrolled_program_unique_id"):
		it.Key, it.KeyKind = puid, KeyProgramUnique
	case euid != "":
		it.Key, it.KeyKind = euid, KeyEventUnique
	case puid != "":
		it.Key, it.KeyKind = puid, KeyProgramUnique
	default:
		return Item{}, fmt.Errorf("build enrollment for patient %q: %w",
			row.First("enrolled_patient_identifier", "patient_identifier"), ErrNoCorrelationKey)
	}

	enr := &model.Enrollment{
		ID:              clean(row.String("enrollment_id")),
		InstanceID:      clean(row.String("instance_id")),
		ProgramID:       m.ProgramID,
		OrgUnit:         m.orgUnit(clean(row.First("enrolled_org_unit", "org_unit"))),
		EnrollmentDate:  remoteDate(row.First("enrolled_enrollment_date", "enrollment_date"), model.AttributeDate),
		IncidentDate:    remoteDate(row.First("enrolled_incident_date", "incident_date"), model.AttributeDate),
		Events:          []model.Event{},
		ProgramUniqueID: puid,
	}
	if ev := buildEvent(m, row, enr); ev != nil {
		enr.Events = append(enr.Events, *ev)
	}
	it.Enrollment = enr
	return it, nil
}

// buildEvent returns nil for a row without an event side.
func buildEvent(m Mapping, row delta.Row, enr *model.Enrollment) *model.Event {
	euid := clean(row.String("event_unique_id"))
	if euid == "" {
		return nil
	}

	ev := &model.Event{
		ID:             clean(row.String("event_id")),
		InstanceID:     enr.InstanceID,
		EnrollmentID:   enr.ID,
		ProgramID:      m.ProgramID,
		ProgramStageID: m.stage(clean(row.String("program_stage"))),
		OrgUnit:        m.orgUnit(clean(row.First("org_unit", "enrolled_org_unit"))),
		EventDate:      remoteDate(row.String("event_date"), model.AttributeDate),
		DataValues:     []model.DataValue{},
		EventUniqueID:  euid,
	}
	if model.ParseStatus(row.String("event_status")) == model.StatusCompleted {
		ev.Status = model.StatusCompleted
	}
	for _, col := range sortedColumns(m.DataElements) {
		if !row.Has(col) {
			continue
		}
		id := m.DataElements[col]
		ev.DataValues = append(ev.DataValues, model.DataValue{
			DataElement: id,
			Value:       m.value(id, clean(row.String(col))),
		})
	}
	return ev
}

func rowStatus(row delta.Row) model.Status {
	return model.ParseStatus(row.First("enrolled_status", "enrollment_status"))
}

// remoteDate reformats a stored date for the remote service. A value that
// does not parse is sent as the MinTime sentinel.
func remoteDate(raw string, typ model.AttributeType) string {
	if strings.TrimSpace(raw) == "" {
		return ""
	}
	return model.FormatRemote(model.ParseStorageTime(raw), typ)
}

func clean(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}

package transform

import "github.com/roach88/enrollsync/internal/model"

// KeyKind names the column a correlation key was taken from.
type KeyKind string

const (
	KeyProgramUnique KeyKind = "program_unique_id"
	KeyEventUnique   KeyKind = "event_unique_id"
	KeyPatient       KeyKind = "patient_identifier"
)

// Item is one built payload with the local state needed to reconcile it.
// Exactly one of Enrollment and Instance is set.
type Item struct {
	Key     string
	KeyKind KeyKind

	Enrollment *model.Enrollment
	Instance   *model.Instance

	// PriorStatus is the status to restore when the remote side rejects
	// the item.
	PriorStatus model.Status

	// FinalStatus is the status the follow-up step marks once the item
	// is tracked.
	FinalStatus model.Status
}

// Revert restores the pre-sync status and clears the follow-up target.
func (it *Item) Revert() {
	if it.Enrollment != nil {
		it.Enrollment.Status = it.PriorStatus
	}
	it.FinalStatus = model.StatusNone
}

// Merge folds items that share a program-unique id into the first of them,
// appending events in row order. Instance items pass through unchanged.
func Merge(items []Item) []Item {
	out := make([]Item, 0, len(items))
	index := make(map[string]int)
	for _, it := range items {
		if it.Enrollment == nil || it.Enrollment.ProgramUniqueID == "" {
			out = append(out, it)
			continue
		}
		puid := it.Enrollment.ProgramUniqueID
		i, seen := index[puid]
		if !seen {
			index[puid] = len(out)
			out = append(out, it)
			continue
		}
		dst := out[i].Enrollment
		for _, ev := range it.Enrollment.Events {
			if !hasEvent(dst.Events, ev.EventUniqueID) {
				dst.Events = append(dst.Events, ev)
			}
		}
		if dst.ID == "" {
			dst.ID = it.Enrollment.ID
		}
		if dst.InstanceID == "" {
			dst.InstanceID = it.Enrollment.InstanceID
		}
	}
	return out
}

func hasEvent(events []model.Event, euid string) bool {
	for _, ev := range events {
		if ev.EventUniqueID == euid {
			return true
		}
	}
	return false
}

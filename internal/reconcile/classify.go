package reconcile

import (
	"fmt"
	"strings"

	"github.com/roach88/enrollsync/internal/model"
	"github.com/roach88/enrollsync/internal/remote"
)

// Classify maps one import summary onto an outcome. Shapes that are
// neither ignored nor conflicted count as success.
func Classify(s remote.ImportSummary) model.Outcome {
	status := strings.ToUpper(strings.TrimSpace(s.Status))
	out := model.Outcome{
		Reference:   strings.TrimSpace(s.Reference),
		Description: strings.TrimSpace(s.Description),
		Conflicts:   s.Conflicts,
	}

	switch {
	case status == "ERROR" && out.Description != "" && s.ImportCount.Ignored == 1:
		out.Kind = model.OutcomeIgnored
	case (status == "ERROR" || status == "WARNING") && s.ImportCount.Ignored == 1 && len(s.Conflicts) > 0:
		out.Kind = model.OutcomeConflicted
	case s.ImportCount.Updated > 0:
		out.Kind = model.OutcomeUpdated
	default:
		out.Kind = model.OutcomeImported
	}
	return out
}

// Messages renders the human-readable failure lines of an outcome.
func Messages(o model.Outcome) []string {
	switch o.Kind {
	case model.OutcomeIgnored:
		return []string{o.Description}
	case model.OutcomeConflicted:
		msgs := make([]string, 0, len(o.Conflicts))
		for _, c := range o.Conflicts {
			msgs = append(msgs, fmt.Sprintf("%s: %s", c.Object, c.Value))
		}
		return msgs
	default:
		return nil
	}
}

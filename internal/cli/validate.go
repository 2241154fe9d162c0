package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/enrollsync/internal/config"
	"github.com/roach88/enrollsync/internal/model"
)

// ProgramSummary describes one validated program.
type ProgramSummary struct {
	Name       string   `json:"name"`
	ProgramID  string   `json:"program_id"`
	Tables     []string `json:"tables"`
	Categories []string `json:"categories"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the config file without syncing",
		Long: `Load and validate the config file and list the jobs a sync would run.

No database is opened and nothing is sent to the remote tracker.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := rootOpts.formatter(cmd)
			cfg, err := loadConfig(rootOpts, out)
			if err != nil {
				return err
			}
			summaries := summarize(cfg)
			return out.Success(summaries, renderSummaries(rootOpts.Config, summaries))
		},
	}
}

func summarize(cfg *config.Config) []ProgramSummary {
	var out []ProgramSummary
	for _, name := range cfg.ProgramNames() {
		p := cfg.Programs[name]
		s := ProgramSummary{
			Name:      name,
			ProgramID: p.ProgramID,
			Tables:    []string{p.Tables.Enrollment, p.Tables.Event},
		}
		if p.Tables.Instance != "" {
			s.Tables = append(s.Tables, p.Tables.Instance)
			s.Categories = append(s.Categories, string(model.CategoryInstance))
		}
		for _, c := range model.EnrollmentCategories {
			s.Categories = append(s.Categories, string(c))
		}
		out = append(out, s)
	}
	return out
}

func renderSummaries(path string, summaries []ProgramSummary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "✓ %s is valid\n", path)
	for _, s := range summaries {
		fmt.Fprintf(&b, "  %s (%s): tables %s\n", s.Name, s.ProgramID, strings.Join(s.Tables, ", "))
		fmt.Fprintf(&b, "    jobs: %s\n", strings.Join(s.Categories, ", "))
	}
	return b.String()
}

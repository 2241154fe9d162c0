package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/enrollsync/internal/delta"
	"github.com/roach88/enrollsync/internal/engine"
	"github.com/roach88/enrollsync/internal/model"
)

// SyncOptions holds flags for the sync command.
type SyncOptions struct {
	*RootOptions
	Programs   []string
	Categories []string
	Start      string
	End        string
	SyncedBy   string
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SyncOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run sync jobs",
		Long: `Run one sync job per category for each selected program.

Without --category the instance job runs first (when the program has an
instance table), followed by the six enrollment categories. Without
--program every configured program is synced. --start and --end select an
explicit creation-date window instead of the stored watermark; the window is
inclusive and a date-only end covers the whole day.

Example:
  enrollsync sync --config enrollsync.yaml
  enrollsync sync --program hts --category new-active --category updated-active
  enrollsync sync --program hts --start 2024-01-01 --end 2024-01-31 --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(opts, cmd)
		},
	}

	cmd.Flags().StringSliceVarP(&opts.Programs, "program", "p", nil, "program to sync (repeatable, default all)")
	cmd.Flags().StringSliceVar(&opts.Categories, "category", nil, "category to run (repeatable, default all)")
	cmd.Flags().StringVar(&opts.Start, "start", "", "start of an explicit creation-date window")
	cmd.Flags().StringVar(&opts.End, "end", "", "end of an explicit creation-date window")
	cmd.Flags().StringVar(&opts.SyncedBy, "synced-by", "", "user recorded on tracker and job log rows (default from config)")

	return cmd
}

func runSync(opts *SyncOptions, cmd *cobra.Command) error {
	out := opts.formatter(cmd)

	categories, err := parseCategories(opts.Categories)
	if err != nil {
		return out.Fail(ExitCommandError, ErrCodeArguments, "invalid --category", err, nil)
	}
	rng, err := delta.ParseRange(opts.Start, opts.End)
	if err != nil {
		return out.Fail(ExitCommandError, ErrCodeArguments, "invalid --start/--end", err, nil)
	}

	a, err := openApp(opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	programs := opts.Programs
	if len(programs) == 0 {
		programs = a.engine.Programs()
	}
	syncedBy := opts.SyncedBy
	if syncedBy == "" {
		syncedBy = a.cfg.SyncedBy
	}

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	var reports []*engine.Report
	var errs []error
	for _, program := range programs {
		out.VerboseLog("syncing program %s", program)
		reps, err := a.engine.RunAll(ctx, engine.JobRequest{
			Program:  program,
			Range:    rng,
			SyncedBy: syncedBy,
		}, categories...)
		reports = append(reports, reps...)
		if err != nil {
			errs = append(errs, err)
			if engine.IsFatal(err) {
				break
			}
		}
	}

	if err := errors.Join(errs...); err != nil {
		if out.Format != "json" {
			fmt.Fprint(out.Writer, renderReports(reports))
		}
		return out.Fail(ExitFailure, ErrCodeSync, "sync failed", err, reports)
	}
	return out.Success(reports, renderReports(reports))
}

func parseCategories(names []string) ([]model.Category, error) {
	out := make([]model.Category, 0, len(names))
	for _, n := range names {
		c, err := model.ParseCategory(n)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// signalContext cancels on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// renderReports formats job reports for text output.
func renderReports(reports []*engine.Report) string {
	var b strings.Builder
	for _, r := range reports {
		fmt.Fprintf(&b, "%-8s %s/%s rows=%d submitted=%d skipped=%d job=%s\n",
			r.Status, r.Program, r.Category, r.Rows, r.Submitted(), r.Skipped, r.JobID)
		for _, s := range r.Steps {
			fmt.Fprintf(&b, "  %s: submitted=%d tracked=%d imported=%d updated=%d ignored=%d conflicted=%d\n",
				s.Name, s.Submitted, s.Tracked,
				s.Summary.Imported, s.Summary.Updated, s.Summary.Ignored, s.Summary.Conflicted)
		}
		for _, w := range r.Watermarks {
			fmt.Fprintf(&b, "  watermark %s = %s\n", w.Key, model.FormatStorageTime(w.LastSynced))
		}
		for _, m := range r.Messages {
			fmt.Fprintf(&b, "  ! %s\n", m)
		}
	}
	if len(reports) == 0 {
		b.WriteString("no jobs ran\n")
	}
	return b.String()
}

package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/enrollsync/internal/model"
	"github.com/roach88/enrollsync/internal/store"
)

// watermarkView is the JSON shape of one marker.
type watermarkView struct {
	Table      string `json:"table"`
	Category   string `json:"category"`
	LastSynced string `json:"last_synced"`
}

func viewOf(w store.Watermark) watermarkView {
	return watermarkView{
		Table:      w.Program,
		Category:   string(w.Category),
		LastSynced: model.FormatStorageTime(w.LastSynced),
	}
}

// NewWatermarkCommand creates the watermark command group.
func NewWatermarkCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watermark",
		Short: "Inspect or reset sync watermarks",
		Long: `Inspect or reset the last-synced timestamps that bound each delta query.

Markers are keyed by source table name and category: an enrollment job keeps
one marker for its enrollment table and one for its event table.`,
	}

	cmd.AddCommand(newWatermarkListCommand(rootOpts))
	cmd.AddCommand(newWatermarkGetCommand(rootOpts))
	cmd.AddCommand(newWatermarkSetCommand(rootOpts))

	return cmd
}

func newWatermarkListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every stored watermark",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := rootOpts.formatter(cmd)
			_, st, err := openStore(rootOpts, out)
			if err != nil {
				return err
			}
			defer st.Close()

			marks, err := st.ListWatermarks(cmd.Context())
			if err != nil {
				return out.Fail(ExitFailure, ErrCodeDatabase, "failed to list watermarks", err, nil)
			}

			views := make([]watermarkView, 0, len(marks))
			var b strings.Builder
			for _, w := range marks {
				v := viewOf(w)
				views = append(views, v)
				fmt.Fprintf(&b, "%s\t%s\t%s\n", v.Table, v.Category, v.LastSynced)
			}
			if len(marks) == 0 {
				b.WriteString("no watermarks stored\n")
			}
			return out.Success(views, b.String())
		},
	}
}

func newWatermarkGetCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <table> <category>",
		Short: "Show one watermark",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := rootOpts.formatter(cmd)
			key, err := parseKey(args[0], args[1])
			if err != nil {
				return out.Fail(ExitCommandError, ErrCodeArguments, "invalid watermark key", err, nil)
			}

			_, st, err := openStore(rootOpts, out)
			if err != nil {
				return err
			}
			defer st.Close()

			ts, err := st.GetWatermark(cmd.Context(), key)
			if err != nil {
				return out.Fail(ExitFailure, ErrCodeDatabase, "failed to read watermark", err, nil)
			}
			v := viewOf(store.Watermark{Key: key, LastSynced: ts})
			return out.Success(v, v.LastSynced+"\n")
		},
	}
}

func newWatermarkSetCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "set <table> <category> <timestamp>",
		Short: "Overwrite one watermark",
		Long: `Overwrite one watermark. The timestamp is a date, "YYYY-MM-DD HH:MM:SS"
or RFC 3339, interpreted in UTC. Setting it back to 1900-01-01 makes the next
run reselect every row.`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := rootOpts.formatter(cmd)
			key, err := parseKey(args[0], args[1])
			if err != nil {
				return out.Fail(ExitCommandError, ErrCodeArguments, "invalid watermark key", err, nil)
			}
			ts, err := parseTimestamp(args[2])
			if err != nil {
				return out.Fail(ExitCommandError, ErrCodeArguments, "invalid timestamp", err, nil)
			}

			_, st, err := openStore(rootOpts, out)
			if err != nil {
				return err
			}
			defer st.Close()

			if err := st.SetWatermark(cmd.Context(), key, ts); err != nil {
				return out.Fail(ExitFailure, ErrCodeDatabase, "failed to write watermark", err, nil)
			}
			v := viewOf(store.Watermark{Key: key, LastSynced: ts})
			return out.Success(v, fmt.Sprintf("%s set to %s\n", key, v.LastSynced))
		},
	}
}

func parseKey(table, category string) (store.Key, error) {
	table = strings.TrimSpace(table)
	if table == "" {
		return store.Key{}, fmt.Errorf("table name is required")
	}
	c, err := model.ParseCategory(category)
	if err != nil {
		return store.Key{}, err
	}
	return store.Key{Program: table, Category: c}, nil
}

func parseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{model.StorageLayout, model.DateLayout} {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		}
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q", s)
}

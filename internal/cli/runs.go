package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/dpolaris/polaris/internal/history"
)

const (
	defaultRunsLimit  = 20
	summaryColumnSize = 60
)

// RunsListOptions holds flags for the runs list command
type RunsListOptions struct {
	Limit  int
	Symbol string
	JSON   bool
}

// NewRunsCmd creates the runs command group
func NewRunsCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect recorded training runs",
	}
	cmd.AddCommand(newRunsListCmd(app), newRunsLogsCmd(app))
	return cmd
}

func newRunsListCmd(app *App) *cobra.Command {
	opts := RunsListOptions{}

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent training runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.ListRuns(opts)
		},
	}

	cmd.Flags().IntVarP(&opts.Limit, "limit", "n", defaultRunsLimit, "Maximum runs to show")
	cmd.Flags().StringVar(&opts.Symbol, "symbol", "", "Only runs for this symbol")
	cmd.Flags().BoolVar(&opts.JSON, "json", false, "Output as JSON")

	return cmd
}

// ListRuns prints recent runs, newest first.
func (a *App) ListRuns(opts RunsListOptions) error {
	if err := a.load(); err != nil {
		return err
	}
	db, err := a.openHistory()
	if err != nil {
		return err
	}
	defer db.Close()

	runs, err := db.ListRuns(strings.ToUpper(strings.TrimSpace(opts.Symbol)), opts.Limit)
	if err != nil {
		return err
	}
	if opts.JSON {
		return writeJSON(a.stdout, runs)
	}
	if len(runs) == 0 {
		fmt.Fprintln(a.stdout, "No runs recorded.")
		return nil
	}

	w := tabwriter.NewWriter(a.stdout, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	fmt.Fprintln(w, "ID\tSYMBOL\tMODE\tSTATUS\tSTARTED\tDURATION\tRESULT")
	for _, run := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			run.ID,
			run.Symbol,
			runMode(run),
			run.Status,
			run.StartedAt.Local().Format("2006-01-02 15:04"),
			runDuration(run),
			truncate(runResult(run), summaryColumnSize),
		)
	}
	return nil
}

func newRunsLogsCmd(app *App) *cobra.Command {
	var since int

	cmd := &cobra.Command{
		Use:   "logs RUN_ID",
		Short: "Show the log lines delivered during a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.ShowRunLogs(args[0], since)
		},
	}

	cmd.Flags().IntVar(&since, "since", 0, "Only lines after this sequence number")

	return cmd
}

// ShowRunLogs prints a run's header and its recorded log lines.
func (a *App) ShowRunLogs(runID string, since int) error {
	if err := a.load(); err != nil {
		return err
	}
	db, err := a.openHistory()
	if err != nil {
		return err
	}
	defer db.Close()

	run, err := db.GetRun(runID)
	if err != nil {
		return err
	}
	if run == nil {
		return fmt.Errorf("run %s not found", runID)
	}

	lines, err := db.RunLogs(run.ID, since)
	if err != nil {
		return err
	}

	fmt.Fprintf(a.stdout, "Run %s: %s %s (%s)\n", run.ID, run.Symbol, runMode(run), run.Status)
	if run.JobID != nil {
		fmt.Fprintf(a.stdout, "Job %s\n", *run.JobID)
	}
	for _, l := range lines {
		fmt.Fprintf(a.stdout, "%4d  %s\n", l.Sequence, l.Line)
	}
	if result := runResult(run); result != "" {
		fmt.Fprintln(a.stdout, result)
	}
	return nil
}

func runMode(run *history.Run) string {
	if run.Fallback {
		return run.Mode + " (legacy)"
	}
	return run.Mode
}

func runResult(run *history.Run) string {
	switch {
	case run.Error != nil:
		return *run.Error
	case run.Summary != nil:
		return *run.Summary
	}
	return ""
}

func runDuration(run *history.Run) string {
	if run.CompletedAt == nil {
		return "-"
	}
	return run.CompletedAt.Sub(run.StartedAt).Round(time.Second).String()
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

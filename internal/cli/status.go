package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/dpolaris/polaris/internal/health"
	"github.com/dpolaris/polaris/internal/setup"
)

// StatusOptions holds flags for the status command
type StatusOptions struct {
	JSON bool // Output as JSON instead of formatted text
}

// StatusReport is what the status command shows.
type StatusReport struct {
	BaseURL     string        `json:"base_url"`
	BackendPath string        `json:"backend_path"`
	Provisioned bool          `json:"provisioned"`
	SetupDetail string        `json:"setup_detail"`
	Health      health.Status `json:"health"`
}

var (
	statusLabel = lipgloss.NewStyle().Bold(true).Width(14)
	statusOK    = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	statusBad   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	statusDim   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

// NewStatusCmd creates the status command
func NewStatusCmd(app *App) *cobra.Command {
	opts := StatusOptions{}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Check whether the backend is reachable",
		Long:  `Probe the backend's /health endpoint once and report connectivity and setup state.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.ShowStatus(cmd.Context(), opts)
		},
	}

	cmd.Flags().BoolVar(&opts.JSON, "json", false, "Output as JSON instead of formatted text")

	return cmd
}

// ShowStatus probes the backend once and prints the result
func (a *App) ShowStatus(ctx context.Context, opts StatusOptions) error {
	if err := a.load(); err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	client := a.newClient()
	rec := health.New(client, nil, nil, health.Options{Logger: a.logger.Named("health")})
	rec.Probe(ctx)

	provisioned, detail := setup.CheckDependencies(setup.EnvFromConfig(a.cfg))
	report := StatusReport{
		BaseURL:     a.cfg.BaseURL(),
		BackendPath: a.cfg.Backend.Path,
		Provisioned: provisioned,
		SetupDetail: detail,
		Health:      rec.Snapshot(),
	}

	if opts.JSON {
		return writeJSON(a.stdout, report)
	}
	fmt.Fprint(a.stdout, formatStatus(report))
	return nil
}

func formatStatus(r StatusReport) string {
	var b strings.Builder
	row := func(label, value string) {
		fmt.Fprintf(&b, "%s %s\n", statusLabel.Render(label), value)
	}

	if r.Health.Connected {
		row("Backend", statusOK.Render("connected")+" "+statusDim.Render(r.BaseURL))
	} else {
		row("Backend", statusBad.Render("disconnected")+" "+statusDim.Render(r.BaseURL))
		if r.Health.LastError != "" {
			row("", statusDim.Render(r.Health.LastError))
		}
	}
	row("Install", r.BackendPath)
	if r.Provisioned {
		row("Environment", statusOK.Render(r.SetupDetail))
	} else {
		row("Environment", statusBad.Render(r.SetupDetail))
	}
	return b.String()
}

// writeJSON pretty-prints v for --json output.
func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

package cli

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"github.com/spf13/cobra"

	"github.com/dpolaris/polaris/internal/backend"
)

// ControlOptions holds flags for the backend control command
type ControlOptions struct {
	Clean bool // restart from a clean state
	JSON  bool
}

func newBackendControlCmd(app *App) *cobra.Command {
	opts := ControlOptions{}

	cmd := &cobra.Command{
		Use:   "control start|stop|restart|status",
		Short: "Drive the backend through its own control endpoints",
		Long: `Ask a reachable backend's control plane to start, stop or restart its
server, or report its status. Unlike backend start, nothing runs locally.`,
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"start", "stop", "restart", "status"},
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.ControlBackend(cmd.Context(), args[0], opts)
		},
	}

	cmd.Flags().BoolVar(&opts.Clean, "clean", false, "Restart from a clean state (restart only)")
	cmd.Flags().BoolVar(&opts.JSON, "json", false, "Output as JSON")

	return cmd
}

// ControlBackend sends one control action to the backend API.
func (a *App) ControlBackend(ctx context.Context, action string, opts ControlOptions) error {
	if err := a.load(); err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if opts.Clean && action != string(backend.ControlRestart) {
		return fmt.Errorf("--clean only applies to restart")
	}

	client := a.newClient()
	var (
		resp backend.ControlResponse
		err  error
	)
	if action == "status" {
		resp, err = client.ControlStatus(ctx)
	} else {
		resp, err = client.ControlBackend(ctx, backend.ControlAction(action), opts.Clean)
	}
	if err != nil {
		if backend.IsUnsupportedAPI(err) {
			return fmt.Errorf("backend at %s has no control endpoints: %w", a.cfg.BaseURL(), err)
		}
		return a.presentError(err)
	}

	if opts.JSON {
		return writeJSON(a.stdout, resp)
	}
	fmt.Fprintf(a.stdout, "Backend control: %s\n", action)
	for _, k := range slices.Sorted(maps.Keys(resp)) {
		fmt.Fprintf(a.stdout, "  %s: %v\n", k, resp[k])
	}
	return nil
}

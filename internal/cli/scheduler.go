package cli

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"github.com/spf13/cobra"

	"github.com/dpolaris/polaris/internal/backend"
)

// NewSchedulerCmd creates the scheduler command group
func NewSchedulerCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scheduler",
		Short: "Control the backend's training scheduler",
		Long: `Start or stop the scheduler running inside the backend. When the
backend is not reachable it is started first; a backend started this way
stays in the foreground until interrupted.`,
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "start",
			Short: "Start the scheduler",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return app.RunScheduler(cmd.Context(), true)
			},
		},
		&cobra.Command{
			Use:   "stop",
			Short: "Stop the scheduler",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return app.RunScheduler(cmd.Context(), false)
			},
		},
	)
	return cmd
}

// RunScheduler makes sure the backend is up, then starts or stops its
// scheduler.
func (a *App) RunScheduler(ctx context.Context, start bool) error {
	if err := a.load(); err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	handler := NewSignalHandler(cancel, a.logger)
	handler.Start()
	defer handler.Stop()

	client := a.newClient()
	sup, err := a.ensureBackend(ctx, client)
	if err != nil {
		return a.presentError(err)
	}
	if sup != nil {
		handler.OnForce(sup.Kill)
	}

	var resp backend.SchedulerResponse
	if start {
		resp, err = client.StartScheduler(ctx)
	} else {
		resp, err = client.StopScheduler(ctx)
	}
	if err != nil {
		if sup != nil {
			sup.Close()
		}
		return a.presentError(err)
	}
	a.printSchedulerResponse(start, resp)

	if sup == nil {
		return nil
	}
	defer sup.Close()
	fmt.Fprintln(a.stdout, "Backend was started by this command; press Ctrl+C to stop it.")
	return a.superviseBackend(ctx, client, sup, BackendStartOptions{})
}

func (a *App) printSchedulerResponse(start bool, resp backend.SchedulerResponse) {
	action := "stopped"
	if start {
		action = "started"
	}
	fmt.Fprintf(a.stdout, "Scheduler %s\n", action)

	for _, k := range slices.Sorted(maps.Keys(resp)) {
		fmt.Fprintf(a.stdout, "  %s: %s\n", k, resp[k])
	}
}

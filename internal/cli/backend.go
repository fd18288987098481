package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dpolaris/polaris/internal/backend"
	"github.com/dpolaris/polaris/internal/logbuf"
	"github.com/dpolaris/polaris/internal/setup"
	"github.com/dpolaris/polaris/internal/supervisor"
	"github.com/dpolaris/polaris/internal/web"
)

const (
	outputSubscription = 256
	shutdownSlack      = 5 * time.Second
	downloadTimeout    = 2 * time.Minute
	setupTailLines     = 20
)

// BackendStartOptions holds flags for the backend start command
type BackendStartOptions struct {
	NoStatusServer bool // Skip the local status server
	Quiet          bool // Do not echo backend output

	// restarts receives a value for every restart request (SIGHUP)
	restarts <-chan os.Signal
}

// NewBackendCmd creates the backend command group
func NewBackendCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backend",
		Short: "Manage the local backend server",
	}
	cmd.AddCommand(
		newBackendStartCmd(app),
		newBackendSetupCmd(app),
		newBackendCheckCmd(app),
		newBackendControlCmd(app),
	)
	return cmd
}

func newBackendStartCmd(app *App) *cobra.Command {
	opts := BackendStartOptions{}

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the backend and supervise it until interrupted",
		Long: `Start the backend server in the foreground. Its output is echoed,
readiness is detected from the startup banner or a health probe, and
SIGINT or SIGTERM stops it (SIGKILL after the stop grace period; a second
signal kills it at once). SIGHUP restarts it.

If a healthy backend already serves the configured address, polaris
attaches to it instead of spawning another one.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.RunBackend(cmd.Context(), opts)
		},
	}

	cmd.Flags().BoolVar(&opts.NoStatusServer, "no-status-server", false, "Do not serve the local status API")
	cmd.Flags().BoolVarP(&opts.Quiet, "quiet", "q", false, "Do not echo backend output")

	return cmd
}

// RunBackend starts the backend and blocks until a signal arrives or the
// process ends on its own.
func (a *App) RunBackend(ctx context.Context, opts BackendStartOptions) error {
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
	sup := a.newSupervisor(client)
	defer sup.Close()
	handler.OnForce(sup.Kill)

	if opts.restarts == nil {
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)
		opts.restarts = hup
	}

	if err := sup.Start(backendCommand(a.cfg)); err != nil {
		return err
	}
	return a.superviseBackend(ctx, client, sup, opts)
}

// superviseBackend runs everything that observes a started backend: the
// health reconciler, the status server and the output echo. It returns
// once ctx ends or the process exits, and always leaves the backend
// stopped.
func (a *App) superviseBackend(ctx context.Context, client *backend.Client, sup *supervisor.Supervisor, opts BackendStartOptions) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	states, unsubscribe := sup.Subscribe()
	defer unsubscribe()
	lines, detach := sup.Output().Subscribe(outputSubscription)
	defer detach()

	rec := a.newReconciler(client, sup)

	var srv *web.Server
	if a.cfg.Status.Enabled && !opts.NoStatusServer {
		var err error
		srv, err = web.New(web.Config{
			Addr:       a.cfg.Status.Addr,
			Supervisor: sup,
			Health:     rec,
			Output:     sup.Output(),
			Logger:     a.logger.Named("web"),
		})
		if err != nil {
			return err
		}
		if err := srv.Start(); err != nil {
			return err
		}
		fmt.Fprintf(a.stdout, "Status server on http://%s\n", srv.Addr())
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return rec.Run(gctx)
	})
	// lines captured before the subscription, then the live tail
	last := a.printBacklog(sup.Output().Lines(), opts.Quiet)
	g.Go(func() error {
		a.echoOutput(gctx, lines, last, opts.Quiet)
		return nil
	})
	g.Go(func() error {
		defer cancel()
		return a.watchBackend(gctx, sup, states)
	})
	g.Go(func() error {
		a.restartOnRequest(gctx, sup, opts.restarts)
		return nil
	})
	runErr := g.Wait()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), a.cfg.Backend.StopGrace+shutdownSlack)
	defer stopCancel()
	if err := sup.StopAndWait(stopCtx); err != nil {
		a.logger.Warn("backend did not exit in time", zap.Error(err))
	}
	if srv != nil {
		if err := srv.Stop(stopCtx); err != nil {
			a.logger.Warn("status server shutdown failed", zap.Error(err))
		}
	}
	// lines written while stopping
	a.drainOutput(lines, last, opts.Quiet)

	if errors.Is(runErr, context.Canceled) {
		return nil
	}
	return runErr
}

// restartOnRequest restarts the backend for every value on restarts. A
// failed restart leaves the supervisor Failed, which watchBackend reports.
func (a *App) restartOnRequest(ctx context.Context, sup *supervisor.Supervisor, restarts <-chan os.Signal) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-restarts:
			if !ok {
				return
			}
			if err := sup.Restart(ctx, backendCommand(a.cfg)); err != nil {
				a.logger.Error("backend restart failed", zap.Error(err))
			}
		}
	}
}

// watchBackend reports lifecycle changes and returns when the process
// ends on its own: nil for a clean exit, an error for a failure. The
// Stopped status published mid-restart is not an end.
func (a *App) watchBackend(ctx context.Context, sup *supervisor.Supervisor, states <-chan supervisor.Status) error {
	// the process may have finished before the subscription
	if st := sup.Status(); !st.Alive() && !st.Restarting {
		return exitResult(st)
	} else if st.Attached {
		a.printAttached(st)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case st, ok := <-states:
			if !ok {
				return nil
			}
			switch st.State {
			case supervisor.StateRunning:
				if !st.Attached {
					fmt.Fprintf(a.stdout, "Backend ready (pid %d, via %s)\n", st.PID, st.ReadyVia)
				}
			case supervisor.StateStopped:
				if !st.Restarting {
					return exitResult(st)
				}
			case supervisor.StateFailed:
				return exitResult(st)
			}
		}
	}
}

func (a *App) printAttached(st supervisor.Status) {
	if st.PID > 0 {
		fmt.Fprintf(a.stdout, "Attached to backend already running on %s (pid %d)\n", backendAddr(a.cfg), st.PID)
		return
	}
	fmt.Fprintf(a.stdout, "Attached to backend already running on %s\n", backendAddr(a.cfg))
}

func exitResult(st supervisor.Status) error {
	if st.State == supervisor.StateFailed {
		return errors.New(st.Reason)
	}
	return nil
}

func (a *App) printBacklog(backlog []logbuf.Line, quiet bool) uint64 {
	var last uint64
	for _, line := range backlog {
		a.printLine(line, quiet)
		last = line.Seq
	}
	return last
}

func (a *App) echoOutput(ctx context.Context, lines <-chan logbuf.Line, after uint64, quiet bool) {
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if line.Seq > after {
				a.printLine(line, quiet)
			}
		}
	}
}

func (a *App) drainOutput(lines <-chan logbuf.Line, after uint64, quiet bool) {
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return
			}
			if line.Seq > after {
				a.printLine(line, quiet)
			}
		default:
			return
		}
	}
}

func (a *App) printLine(line logbuf.Line, quiet bool) {
	if quiet && line.Stream != logbuf.System {
		return
	}
	fmt.Fprintln(a.stdout, line.Text)
}

// SetupOptions holds flags for the backend setup command
type SetupOptions struct {
	Quiet bool // Hide installer output unless a step fails
}

func newBackendSetupCmd(app *App) *cobra.Command {
	opts := SetupOptions{}

	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Create the backend's virtual environment and install dependencies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.RunSetup(cmd.Context(), opts)
		},
	}

	cmd.Flags().BoolVarP(&opts.Quiet, "quiet", "q", false, "Only show installer output when a step fails")

	return cmd
}

// RunSetup provisions the backend environment, streaming progress. In
// quiet mode installer output is kept in a bounded buffer and its tail is
// printed when a step fails.
func (a *App) RunSetup(ctx context.Context, opts SetupOptions) error {
	if err := a.load(); err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	stepOut := a.stdout
	var captured *logbuf.Buffer
	var capture *logbuf.Writer
	if opts.Quiet {
		captured = logbuf.New(a.cfg.Backend.OutputLines)
		capture = captured.Writer(logbuf.Stdout)
		stepOut = capture
	}

	env := setup.EnvFromConfig(a.cfg)
	pipeline := &setup.Pipeline{
		Steps:  setup.DefaultSteps(env, a.runner, a.httpClient(), stepOut),
		Out:    a.stdout,
		Logger: a.logger.Named("setup"),
	}
	err := pipeline.Run(ctx)
	if err != nil && captured != nil {
		capture.Flush()
		if tail := captured.Tail(setupTailLines); len(tail) > 0 {
			fmt.Fprintln(a.stdout, "Last installer output:")
			for _, line := range tail {
				fmt.Fprintf(a.stdout, "  %s\n", line.Text)
			}
		}
	}
	return err
}

func (a *App) httpClient() *http.Client {
	return &http.Client{Timeout: downloadTimeout}
}

func newBackendCheckCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Check that the backend environment is provisioned",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.CheckBackend()
		},
	}
}

// CheckBackend reports whether setup has been run.
func (a *App) CheckBackend() error {
	if err := a.load(); err != nil {
		return err
	}
	ok, msg := setup.CheckDependencies(setup.EnvFromConfig(a.cfg))
	if !ok {
		return errors.New(msg)
	}
	fmt.Fprintln(a.stdout, msg)
	return nil
}

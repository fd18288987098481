package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/dpolaris/polaris/internal/backend"
	"github.com/dpolaris/polaris/internal/config"
	"github.com/dpolaris/polaris/internal/health"
	"github.com/dpolaris/polaris/internal/history"
	"github.com/dpolaris/polaris/internal/supervisor"
	"github.com/dpolaris/polaris/internal/training"
)

// Refresh names for the data the reconciler keeps current.
const (
	refreshPortfolio = "portfolio"
	refreshAIStatus  = "ai_status"
)

// newClient creates the backend API client from configuration.
func (a *App) newClient() *backend.Client {
	return backend.NewClient(a.cfg.BaseURL(),
		backend.WithTimeout(a.cfg.API.Timeout),
		backend.WithProbeTimeout(a.cfg.API.ProbeTimeout),
		backend.WithLogger(a.logger),
	)
}

// backendCommand resolves how the backend is launched. The device
// preference reaches the backend through its environment.
func backendCommand(cfg *config.Config) supervisor.Command {
	env := append(os.Environ(), config.EnvDevice+"="+cfg.Backend.Device)
	return supervisor.Command{
		Path: cfg.ResolvePython(),
		Args: cfg.Backend.Args,
		Dir:  cfg.Backend.Path,
		Env:  env,
	}
}

// backendAddr is where a local backend listens.
func backendAddr(cfg *config.Config) string {
	return net.JoinHostPort(cfg.API.Host, strconv.Itoa(cfg.API.Port))
}

func (a *App) newSupervisor(prober supervisor.Prober) *supervisor.Supervisor {
	return supervisor.New(prober, supervisor.Options{
		ReadinessMarkers: a.cfg.Backend.ReadinessMarkers,
		StartupGrace:     a.cfg.Backend.StartupGrace,
		StopGrace:        a.cfg.Backend.StopGrace,
		OutputLines:      a.cfg.Backend.OutputLines,
		Address:          backendAddr(a.cfg),
		PortFreeTimeout:  a.cfg.Backend.PortFreeTimeout,
		PIDFile:          a.cfg.Backend.PIDFile,
		Logger:           a.logger.Named("supervisor"),
	})
}

// newReconciler wires the health reconciler. sup may be nil when this
// process does not own the backend.
func (a *App) newReconciler(client *backend.Client, sup *supervisor.Supervisor) *health.Reconciler {
	var source health.StateSource
	if sup != nil {
		source = sup
	}
	refreshes := []health.Refresh{
		{Name: refreshPortfolio, Fetch: client.Portfolio},
		{Name: refreshAIStatus, Slow: true, Fetch: client.AIStatus},
	}
	return health.New(client, source, refreshes, health.Options{
		FastInterval: a.cfg.Health.FastInterval,
		SlowInterval: a.cfg.Health.SlowInterval,
		SyncInterval: a.cfg.Health.SyncInterval,
		Logger:       a.logger.Named("health"),
	})
}

func (a *App) newPoller(api training.API) *training.Poller {
	return training.NewPoller(api, training.Options{
		PollInterval:     a.cfg.Training.PollInterval,
		Timeout:          a.cfg.Training.Timeout,
		LegacyTimeout:    a.cfg.Training.LegacyTimeout,
		DefaultEpochs:    a.cfg.Training.Epochs,
		DefaultModelType: a.cfg.Training.ModelType,
		Logger:           a.logger.Named("training"),
	})
}

func (a *App) openHistory() (*history.DB, error) {
	db, err := history.Open(a.cfg.History.Path)
	if err != nil {
		return nil, fmt.Errorf("open run history: %w", err)
	}
	return db, nil
}

// presentError turns a caught error into what the user sees. Connectivity
// failures become a hint to start the backend.
func (a *App) presentError(err error) error {
	if err == nil || !backend.IsConnectivity(err) {
		return err
	}
	return fmt.Errorf("backend is not reachable at %s (start it with `polaris backend start`): %w",
		a.cfg.BaseURL(), err)
}

// ensureBackend makes sure the backend answers. When it does not, the
// backend is launched and probed once per interval. The returned
// supervisor is non-nil only when this call launched the process; the
// caller owns it.
func (a *App) ensureBackend(ctx context.Context, client *backend.Client) (*supervisor.Supervisor, error) {
	if err := client.Probe(ctx); err == nil {
		return nil, nil
	}

	sup := a.newSupervisor(client)
	cmd := backendCommand(a.cfg)
	fmt.Fprintf(a.stdout, "Backend not reachable, starting it from %s\n", cmd.Dir)
	if err := sup.Start(cmd); err != nil {
		sup.Close()
		return nil, err
	}

	for range a.connectAttempts {
		if err := sleepCtx(ctx, a.connectInterval); err != nil {
			sup.Close()
			return nil, err
		}
		if st := sup.Status(); !st.Alive() {
			sup.Close()
			if st.Reason == "" {
				return nil, errors.New("backend exited before it became reachable")
			}
			return nil, fmt.Errorf("backend failed to start: %s", st.Reason)
		}
		if err := client.Probe(ctx); err == nil {
			return sup, nil
		}
	}

	sup.Close()
	return nil, fmt.Errorf("backend did not become reachable at %s after %d attempts",
		a.cfg.BaseURL(), a.connectAttempts)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

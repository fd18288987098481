package cli

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dpolaris/polaris/internal/config"
	"github.com/dpolaris/polaris/internal/observability"
	"github.com/dpolaris/polaris/internal/setup"
)

const (
	// connectAttempts and connectInterval bound the wait for a backend
	// launched on demand
	connectAttempts = 10
	connectInterval = time.Second
)

// VersionInfo holds build metadata set by the linker
type VersionInfo struct {
	Version string
	Commit  string
	Date    string
}

// App represents the CLI application with all wired dependencies
type App struct {
	// Root command
	rootCmd *cobra.Command

	// Flags
	configPath string
	verbose    bool

	// Loaded lazily by load()
	cfg    *config.Config
	logger *zap.Logger

	stdout io.Writer
	stderr io.Writer

	connectAttempts int
	connectInterval time.Duration

	// runner executes setup commands
	runner setup.Runner

	versionInfo VersionInfo
}

// New creates a new CLI application
func New() *App {
	app := &App{
		stdout:          &lockedWriter{w: os.Stdout},
		stderr:          os.Stderr,
		connectAttempts: connectAttempts,
		connectInterval: connectInterval,
		runner:          setup.ExecRunner{},
	}
	app.setupRootCmd()
	return app
}

// Execute runs the CLI application
func (a *App) Execute() error {
	return a.rootCmd.Execute()
}

// SetVersion sets the version string for the version command
func (a *App) SetVersion(version, commit, date string) {
	a.versionInfo = VersionInfo{
		Version: version,
		Commit:  commit,
		Date:    date,
	}
}

// SetOutput redirects command output, mainly for tests.
func (a *App) SetOutput(stdout, stderr io.Writer) {
	a.stdout = &lockedWriter{w: stdout}
	a.stderr = stderr
	a.rootCmd.SetOut(stdout)
	a.rootCmd.SetErr(stderr)
}

// setupRootCmd configures the root Cobra command
func (a *App) setupRootCmd() {
	a.rootCmd = &cobra.Command{
		Use:   "polaris",
		Short: "Control center for the local dPolaris backend",
		Long: `Polaris launches and supervises the local Python backend, provisions
its environment, and runs training jobs against its HTTP API.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	a.rootCmd.PersistentFlags().StringVar(&a.configPath, "config", "",
		"Config file (default ~/.polaris/config.yaml)")
	a.rootCmd.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false,
		"Verbose output")

	a.rootCmd.AddCommand(
		NewBackendCmd(a),
		NewStatusCmd(a),
		NewTrainCmd(a),
		NewSchedulerCmd(a),
		NewRunsCmd(a),
		NewConfigCmd(a),
		NewVersionCmd(a),
	)
}

// load reads configuration and builds the logger once per process.
func (a *App) load() error {
	if a.cfg != nil {
		if a.logger == nil {
			a.logger = zap.NewNop()
		}
		return nil
	}

	cfg, err := config.LoadConfig(a.configPath)
	if err != nil {
		return err
	}

	logger, err := a.buildLogger(cfg, a.stderr)
	if err != nil {
		return err
	}

	a.cfg = cfg
	a.logger = logger
	return nil
}

func (a *App) buildLogger(cfg *config.Config, out io.Writer) (*zap.Logger, error) {
	level := cfg.LogLevel
	if a.verbose {
		level = "debug"
	}
	logger, err := observability.NewLogger(observability.Options{
		Level:  level,
		Format: cfg.LogFormat,
		Output: out,
	})
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger, nil
}

// lockedWriter serializes writes from the goroutines that share stdout.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/dpolaris/polaris/internal/backend"
	"github.com/dpolaris/polaris/internal/cli/tui"
	"github.com/dpolaris/polaris/internal/history"
	"github.com/dpolaris/polaris/internal/training"
)

// errInterrupted replaces context cancellation in user-facing output.
var errInterrupted = errors.New("training interrupted")

// TrainOptions holds flags for the train command
type TrainOptions struct {
	Symbol    string
	ModelType string
	Mode      string
	Epochs    int
	TUI       bool // Show the progress view when stdout is a terminal
	NoHistory bool // Do not record the run
}

// NewTrainCmd creates the train command
func NewTrainCmd(app *App) *cobra.Command {
	opts := TrainOptions{}

	cmd := &cobra.Command{
		Use:   "train SYMBOL",
		Short: "Train a model for a symbol",
		Long: `Train a model for SYMBOL through the backend.

Modes:
  auto    stable (XGBoost) training, then deep learning if it fails
  stable  stable training only
  deep    submit a deep-learning job and follow it to completion; backends
          without the job API are trained through the legacy endpoint`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Symbol = args[0]
			return app.RunTrain(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVar(&opts.ModelType, "model-type", "", "Deep-learning model type (default from config)")
	cmd.Flags().StringVar(&opts.Mode, "mode", string(training.ModeAuto), "Training mode: auto, stable or deep")
	cmd.Flags().IntVar(&opts.Epochs, "epochs", 0, "Training epochs (default from config)")
	cmd.Flags().BoolVar(&opts.TUI, "tui", true, "Show the interactive progress view on a terminal")
	cmd.Flags().BoolVar(&opts.NoHistory, "no-history", false, "Do not record the run in history")

	return cmd
}

// RunTrain executes one training invocation and records it.
func (a *App) RunTrain(ctx context.Context, opts TrainOptions) error {
	if err := a.load(); err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	mode, err := training.ParseMode(opts.Mode)
	if err != nil {
		return err
	}
	req := a.trainingRequest(opts)
	if req.Symbol == "" {
		return errors.New("symbol is required")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	handler := NewSignalHandler(cancel, a.logger)
	handler.Start()
	defer handler.Stop()

	rec, run, closeHistory := a.beginRun(req, mode, opts.NoHistory)
	defer closeHistory()

	if opts.TUI && a.interactive() {
		return a.trainInteractive(ctx, req, mode, rec, run)
	}
	return a.trainPlain(ctx, req, mode, rec, run)
}

func (a *App) trainingRequest(opts TrainOptions) training.Request {
	req := training.Request{
		Symbol:    strings.ToUpper(strings.TrimSpace(opts.Symbol)),
		ModelType: strings.ToLower(strings.TrimSpace(opts.ModelType)),
		Epochs:    opts.Epochs,
	}
	if req.ModelType == "" {
		req.ModelType = a.cfg.Training.ModelType
	}
	if req.Epochs <= 0 {
		req.Epochs = a.cfg.Training.Epochs
	}
	return req
}

func (a *App) trainPlain(ctx context.Context, req training.Request, mode training.Mode, rec *history.Recorder, run *history.Run) error {
	poller := a.newPoller(a.newClient())
	cb := training.Callbacks{
		OnSubmitted: func(job *backend.TrainingJob) {
			fmt.Fprintf(a.stdout, "Submitted job %s\n", job.ID)
		},
		OnStatus: func(jobID, status string) {
			fmt.Fprintf(a.stdout, "Status: %s\n", status)
		},
		OnLog: func(line string) {
			fmt.Fprintf(a.stdout, "  %s\n", line)
		},
	}

	out, err := poller.Train(ctx, req, mode, track(rec, run, cb))
	a.finishRun(rec, run, out, err)
	if err != nil {
		return a.trainingError(err)
	}

	fmt.Fprintf(a.stdout, "Training complete (%s)\n", out.Mode)
	if out.Summary != "" {
		fmt.Fprintln(a.stdout, out.Summary)
	}
	if out.Fallback {
		fmt.Fprintln(a.stdout, "Trained through the legacy endpoint; this backend has no job API.")
	}
	if run != nil {
		fmt.Fprintf(a.stdout, "Run %s\n", run.ID)
	}
	return nil
}

type trainResult struct {
	out *training.Outcome
	err error
}

// trainInteractive runs training behind the bubbletea progress view. The
// application logger is routed into the view while it owns the terminal.
func (a *App) trainInteractive(ctx context.Context, req training.Request, mode training.Mode, rec *history.Recorder, run *history.Run) error {
	model := tui.NewModel(req.Symbol, req.ModelType, string(mode), req.Epochs)
	program := tea.NewProgram(model, tea.WithContext(ctx))

	logs := tui.NewLogWriter(program)
	defer logs.Close()
	logger, err := a.buildLogger(a.cfg, logs)
	if err != nil {
		return err
	}
	prev := a.logger
	a.logger = logger
	defer func() { a.logger = prev }()

	poller := a.newPoller(a.newClient())
	bridge := tui.NewBridge(program)

	trainCtx, cancelTrain := context.WithCancel(ctx)
	defer cancelTrain()
	done := make(chan trainResult, 1)
	go func() {
		out, err := poller.Train(trainCtx, req, mode, track(rec, run, bridge.Callbacks()))
		bridge.Finish(out, err)
		done <- trainResult{out: out, err: err}
	}()

	_, runErr := program.Run()
	// quitting the view abandons the job
	cancelTrain()
	res := <-done
	a.finishRun(rec, run, res.out, res.err)

	if runErr != nil && !errors.Is(runErr, tea.ErrProgramKilled) {
		return fmt.Errorf("progress view: %w", runErr)
	}
	if res.err != nil {
		return a.trainingError(res.err)
	}
	if run != nil {
		fmt.Fprintf(a.stdout, "Run %s\n", run.ID)
	}
	return nil
}

func (a *App) trainingError(err error) error {
	if errors.Is(err, context.Canceled) {
		return errInterrupted
	}
	return a.presentError(err)
}

// beginRun opens history and records a running run. History problems are
// logged and never block training.
func (a *App) beginRun(req training.Request, mode training.Mode, disabled bool) (*history.Recorder, *history.Run, func()) {
	noop := func() {}
	if disabled {
		return nil, nil, noop
	}
	db, err := a.openHistory()
	if err != nil {
		a.logger.Warn("run history unavailable", zap.Error(err))
		return nil, nil, noop
	}
	rec := history.NewRecorder(db, a.logger.Named("history"))
	run, err := rec.Begin(req, mode)
	if err != nil {
		a.logger.Warn("failed to record run", zap.Error(err))
		_ = db.Close()
		return nil, nil, noop
	}
	return rec, run, func() { _ = db.Close() }
}

func (a *App) finishRun(rec *history.Recorder, run *history.Run, out *training.Outcome, err error) {
	if rec == nil {
		return
	}
	if ferr := rec.Finish(run, out, err); ferr != nil {
		a.logger.Warn("failed to record run outcome", zap.String("run_id", run.ID), zap.Error(ferr))
	}
}

// track records progress when a recorder is active.
func track(rec *history.Recorder, run *history.Run, cb training.Callbacks) training.Callbacks {
	if rec == nil {
		return cb
	}
	return rec.Wrap(run, cb)
}

// interactive reports whether stdout is a terminal.
func (a *App) interactive() bool {
	lw, ok := a.stdout.(*lockedWriter)
	if !ok {
		return false
	}
	f, ok := lw.w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

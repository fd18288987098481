// Package setup provisions the backend's Python environment.
package setup

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// Step is one stage of the pipeline.
type Step interface {
	Name() string
	Run(ctx context.Context, ws *Workspace) error
}

// Optional marks a step whose failure is reported but does not abort
// the pipeline.
type Optional interface {
	Optional() bool
}

// Describer gives a step a progress message.
type Describer interface {
	Description() string
}

// StepError names the step that aborted the pipeline.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("setup step %q failed: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Workspace is a scratch directory that lives for one pipeline run.
type Workspace struct {
	Dir string
}

// Path returns a file path inside the workspace.
func (w *Workspace) Path(name string) string {
	return filepath.Join(w.Dir, name)
}

// Pipeline runs steps strictly in order and stops at the first failure
// of a required step.
type Pipeline struct {
	Steps []Step

	// Out receives progress lines and subprocess output
	Out io.Writer

	// TempDir is where the workspace is created; empty means os.TempDir
	TempDir string

	Logger *zap.Logger
}

// Run executes the pipeline. The workspace is removed on every return path.
func (p *Pipeline) Run(ctx context.Context) error {
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	out := p.Out
	if out == nil {
		out = io.Discard
	}

	dir, err := os.MkdirTemp(p.TempDir, "polaris-setup-*")
	if err != nil {
		return &StepError{Step: "prepare-workspace", Err: err}
	}
	defer os.RemoveAll(dir)
	ws := &Workspace{Dir: dir}

	for i, step := range p.Steps {
		if err := ctx.Err(); err != nil {
			return &StepError{Step: step.Name(), Err: err}
		}

		desc := step.Name()
		if d, ok := step.(Describer); ok {
			desc = d.Description()
		}
		fmt.Fprintf(out, "[%d/%d] %s\n", i+1, len(p.Steps), desc)

		start := time.Now()
		err := step.Run(ctx, ws)
		if err != nil {
			if opt, ok := step.(Optional); ok && opt.Optional() {
				fmt.Fprintf(out, "%s failed, continuing: %v\n", step.Name(), err)
				logger.Warn("optional setup step failed", zap.String("step", step.Name()), zap.Error(err))
				continue
			}
			fmt.Fprintf(out, "%s failed: %v\n", step.Name(), err)
			logger.Error("setup step failed", zap.String("step", step.Name()), zap.Error(err))
			return &StepError{Step: step.Name(), Err: err}
		}
		logger.Debug("setup step done", zap.String("step", step.Name()), zap.Duration("elapsed", time.Since(start)))
	}

	fmt.Fprintln(out, "Environment setup complete.")
	return nil
}

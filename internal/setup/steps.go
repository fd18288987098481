package setup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
)

// Runner executes a subprocess in dir, streaming combined output to out.
type Runner interface {
	Run(ctx context.Context, dir string, out io.Writer, name string, args ...string) error
}

// ExecRunner runs real processes.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, dir string, out io.Writer, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.Env = append(os.Environ(), "PYTHONUNBUFFERED=1")
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s: %w", filepath.Base(name), err)
	}
	return nil
}

// RemoveDirStep deletes a directory if present. Failure does not abort
// the pipeline.
type RemoveDirStep struct {
	StepName string
	Path     string
}

func (s *RemoveDirStep) Name() string        { return s.StepName }
func (s *RemoveDirStep) Optional() bool      { return true }
func (s *RemoveDirStep) Description() string { return "Removing existing virtual environment..." }

func (s *RemoveDirStep) Run(ctx context.Context, ws *Workspace) error {
	if _, err := os.Stat(s.Path); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return os.RemoveAll(s.Path)
}

// CommandStep runs one subprocess. Command builds the invocation, so it can
// refer to files in the workspace.
type CommandStep struct {
	StepName string
	Message  string
	Dir      string
	Runner   Runner
	Out      io.Writer
	Command  func(ws *Workspace) (name string, args []string)
}

func (s *CommandStep) Name() string { return s.StepName }

func (s *CommandStep) Description() string {
	if s.Message != "" {
		return s.Message
	}
	return s.StepName
}

func (s *CommandStep) Run(ctx context.Context, ws *Workspace) error {
	name, args := s.Command(ws)
	out := s.Out
	if out == nil {
		out = io.Discard
	}
	return s.Runner.Run(ctx, s.Dir, out, name, args...)
}

// FetchStep downloads a URL into the workspace.
type FetchStep struct {
	StepName string
	URL      string
	File     string
	Client   *http.Client
}

func (s *FetchStep) Name() string        { return s.StepName }
func (s *FetchStep) Description() string { return "Downloading " + s.URL }

func (s *FetchStep) Run(ctx context.Context, ws *Workspace) error {
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("download %s: %w", s.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("download %s: HTTP %d", s.URL, resp.StatusCode)
	}

	dest := ws.Path(s.File)
	f, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("create %s: %w", dest, err)
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(dest)
		return fmt.Errorf("write %s: %w", dest, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(dest)
		return fmt.Errorf("close %s: %w", dest, err)
	}
	return nil
}

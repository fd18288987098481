package setup

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dpolaris/polaris/internal/config"
	"github.com/dpolaris/polaris/internal/testutil"
)

type recordStep struct {
	name     string
	err      error
	optional bool
	ran      *[]string
	sawDir   *string
}

func (s *recordStep) Name() string   { return s.name }
func (s *recordStep) Optional() bool { return s.optional }

func (s *recordStep) Run(ctx context.Context, ws *Workspace) error {
	*s.ran = append(*s.ran, s.name)
	if s.sawDir != nil {
		*s.sawDir = ws.Dir
	}
	return s.err
}

func TestPipeline_RunsInOrder(t *testing.T) {
	var ran []string
	var dir string
	var out bytes.Buffer
	p := &Pipeline{
		Steps: []Step{
			&recordStep{name: "a", ran: &ran, sawDir: &dir},
			&recordStep{name: "b", ran: &ran},
			&recordStep{name: "c", ran: &ran},
		},
		Out:     &out,
		TempDir: t.TempDir(),
	}

	require.NoError(t, p.Run(context.Background()))
	assert.Equal(t, []string{"a", "b", "c"}, ran)
	assert.Contains(t, out.String(), "[1/3] a")
	assert.Contains(t, out.String(), "Environment setup complete.")

	require.NotEmpty(t, dir)
	_, err := os.Stat(dir)
	assert.True(t, os.IsNotExist(err), "workspace should be removed")
}

func TestPipeline_StopsAtFirstFailure(t *testing.T) {
	var ran []string
	var dir string
	boom := errors.New("boom")
	p := &Pipeline{
		Steps: []Step{
			&recordStep{name: "a", ran: &ran, sawDir: &dir},
			&recordStep{name: "b", ran: &ran, err: boom},
			&recordStep{name: "c", ran: &ran},
		},
		TempDir: t.TempDir(),
	}

	err := p.Run(context.Background())
	require.Error(t, err)

	var stepErr *StepError
	require.True(t, errors.As(err, &stepErr))
	assert.Equal(t, "b", stepErr.Step)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"a", "b"}, ran)

	_, statErr := os.Stat(dir)
	assert.True(t, os.IsNotExist(statErr), "workspace should be removed on failure")
}

func TestPipeline_OptionalFailureContinues(t *testing.T) {
	var ran []string
	p := &Pipeline{
		Steps: []Step{
			&recordStep{name: "a", ran: &ran, err: errors.New("locked"), optional: true},
			&recordStep{name: "b", ran: &ran},
		},
		TempDir: t.TempDir(),
	}

	require.NoError(t, p.Run(context.Background()))
	assert.Equal(t, []string{"a", "b"}, ran)
}

func TestPipeline_CanceledContext(t *testing.T) {
	var ran []string
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := &Pipeline{Steps: []Step{&recordStep{name: "a", ran: &ran}}, TempDir: t.TempDir()}
	err := p.Run(ctx)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, ran)
}

func testEnv(t *testing.T, bootstrapURL string) Env {
	t.Helper()
	backend := t.TempDir()
	return Env{
		BackendDir:   backend,
		VenvDir:      filepath.Join(backend, ".venv"),
		Requirements: filepath.Join(backend, "requirements.txt"),
		SystemPython: "/usr/bin/python3.12",
		BootstrapURL: bootstrapURL,
	}
}

func TestDefaultSteps_FullRun(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("# bootstrap"))
	}))
	defer srv.Close()

	env := testEnv(t, srv.URL+"/get-pip.py")
	require.NoError(t, os.MkdirAll(filepath.Join(env.VenvDir, "lib"), 0755))

	venvPython := config.VenvBin(env.VenvDir, "python")
	venvPip := config.VenvBin(env.VenvDir, "pip")

	runner := testutil.NewStubRunner()
	runner.Stub("/usr/bin/python3.12 -m venv --without-pip "+env.VenvDir, "", nil)
	runner.StubPrefix(venvPython+" ", "Successfully installed pip\n", nil)
	runner.Stub(venvPip+" install -r "+env.Requirements, "Successfully installed torch\n", nil)

	var out bytes.Buffer
	p := &Pipeline{
		Steps:   DefaultSteps(env, runner, srv.Client(), &out),
		Out:     &out,
		TempDir: t.TempDir(),
	}
	require.NoError(t, p.Run(context.Background()))

	_, err := os.Stat(env.VenvDir)
	assert.True(t, os.IsNotExist(err), "stale venv should be removed")

	calls := runner.Calls()
	require.Len(t, calls, 3)
	assert.True(t, strings.HasSuffix(calls[1].Line, "get-pip.py"))
	for _, c := range calls {
		assert.Equal(t, env.BackendDir, c.Dir)
	}
	assert.Contains(t, out.String(), "Successfully installed torch")
	assert.Contains(t, out.String(), "Removing existing virtual environment...")
}

func TestDefaultSteps_BootstrapDownloadFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	env := testEnv(t, srv.URL+"/get-pip.py")
	runner := testutil.NewStubRunner()
	runner.Stub("/usr/bin/python3.12 -m venv --without-pip "+env.VenvDir, "", nil)

	p := &Pipeline{Steps: DefaultSteps(env, runner, srv.Client(), nil), TempDir: t.TempDir()}
	err := p.Run(context.Background())

	var stepErr *StepError
	require.True(t, errors.As(err, &stepErr))
	assert.Equal(t, StepFetchBootstrap, stepErr.Step)
	assert.Contains(t, err.Error(), "HTTP 502")
	assert.Len(t, runner.Calls(), 1)
}

func TestDefaultSteps_CreateEnvFails(t *testing.T) {
	env := testEnv(t, "http://127.0.0.1:1/get-pip.py")
	runner := testutil.NewStubRunner()
	runner.Stub("/usr/bin/python3.12 -m venv --without-pip "+env.VenvDir, "Error: no module named venv\n", errors.New("exit status 1"))

	p := &Pipeline{Steps: DefaultSteps(env, runner, nil, nil), TempDir: t.TempDir()}
	err := p.Run(context.Background())

	var stepErr *StepError
	require.True(t, errors.As(err, &stepErr))
	assert.Equal(t, StepCreateEnv, stepErr.Step)
}

func TestFetchStep_WritesIntoWorkspace(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("payload"))
	}))
	defer srv.Close()

	ws := &Workspace{Dir: t.TempDir()}
	step := &FetchStep{StepName: "fetch", URL: srv.URL, File: "f.py", Client: srv.Client()}
	require.NoError(t, step.Run(context.Background(), ws))

	data, err := os.ReadFile(ws.Path("f.py"))
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
}

func TestCheckDependencies(t *testing.T) {
	env := testEnv(t, "")

	ok, msg := CheckDependencies(env)
	assert.False(t, ok)
	assert.Equal(t, "Virtual environment not found. Run setup first.", msg)

	require.NoError(t, os.MkdirAll(env.VenvDir, 0755))
	ok, msg = CheckDependencies(env)
	assert.False(t, ok)
	assert.Equal(t, "requirements.txt not found.", msg)

	require.NoError(t, os.WriteFile(env.Requirements, []byte("torch\n"), 0644))
	ok, msg = CheckDependencies(env)
	assert.True(t, ok)
	assert.Equal(t, "Dependencies appear to be installed.", msg)
}

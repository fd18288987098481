//go:build !windows

package supervisor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dpolaris/polaris/internal/logbuf"
)

var testMarkers = []string{"Uvicorn running", "Application startup complete"}

func newTestSupervisor(t *testing.T, prober Prober, opts Options) *Supervisor {
	t.Helper()
	if opts.ReadinessMarkers == nil {
		opts.ReadinessMarkers = testMarkers
	}
	if opts.StartupGrace == 0 {
		opts.StartupGrace = 10 * time.Second
	}
	if opts.StopGrace == 0 {
		opts.StopGrace = 500 * time.Millisecond
	}
	s := New(prober, opts)
	t.Cleanup(s.Close)
	return s
}

func shCommand(t *testing.T, script string) Command {
	t.Helper()
	return Command{Path: "/bin/sh", Args: []string{"-c", script}, Dir: t.TempDir()}
}

func waitState(t *testing.T, s *Supervisor, want State) Status {
	t.Helper()
	require.Eventually(t, func() bool {
		return s.Status().State == want
	}, 5*time.Second, 10*time.Millisecond, "state never became %s (last %+v)", want, s.Status())
	return s.Status()
}

func outputContains(s *Supervisor, substr string) bool {
	for _, l := range s.Output().Lines() {
		if strings.Contains(l.Text, substr) {
			return true
		}
	}
	return false
}

func failingProber() Prober {
	return ProberFunc(func(ctx context.Context) error { return errors.New("connection refused") })
}

func TestSupervisor_ReadyOnStdoutMarker(t *testing.T) {
	s := newTestSupervisor(t, failingProber(), Options{})

	require.NoError(t, s.Start(shCommand(t, `echo "INFO:     Uvicorn running on http://127.0.0.1:8420"; exec sleep 30`)))
	assert.Equal(t, StateStarting, s.Status().State)

	st := waitState(t, s, StateRunning)
	assert.Equal(t, "output", st.ReadyVia)
	assert.NotZero(t, st.PID)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.StopAndWait(ctx))
	assert.Equal(t, StateStopped, s.Status().State)
}

func TestSupervisor_ReadyOnStderrMarker(t *testing.T) {
	s := newTestSupervisor(t, failingProber(), Options{})

	require.NoError(t, s.Start(shCommand(t, `echo "INFO:     Application startup complete." >&2; exec sleep 30`)))
	st := waitState(t, s, StateRunning)
	assert.Equal(t, "output", st.ReadyVia)

	lines := s.Output().Lines()
	var sawStderr bool
	for _, l := range lines {
		if l.Stream == logbuf.Stderr && strings.Contains(l.Text, "Application startup complete") {
			sawStderr = true
		}
	}
	assert.True(t, sawStderr)
}

func TestSupervisor_ReadyOnProbe(t *testing.T) {
	var probes atomic.Int32
	prober := ProberFunc(func(ctx context.Context) error {
		probes.Add(1)
		return nil
	})
	s := newTestSupervisor(t, prober, Options{StartupGrace: 50 * time.Millisecond})

	require.NoError(t, s.Start(shCommand(t, `exec sleep 30`)))
	st := waitState(t, s, StateRunning)
	assert.Equal(t, "probe", st.ReadyVia)
	assert.Equal(t, int32(1), probes.Load())
}

func TestSupervisor_RepeatedMarkerIsIdempotent(t *testing.T) {
	s := newTestSupervisor(t, nil, Options{})
	updates, cancel := s.Subscribe()
	defer cancel()

	require.NoError(t, s.Start(shCommand(t, `echo "Uvicorn running"; echo "Application startup complete"; exec sleep 30`)))
	waitState(t, s, StateRunning)
	require.Eventually(t, func() bool { return outputContains(s, "Application startup complete") }, 5*time.Second, 10*time.Millisecond)

	running := 0
	draining := true
	for draining {
		select {
		case st := <-updates:
			if st.State == StateRunning {
				running++
			}
		default:
			draining = false
		}
	}
	assert.Equal(t, 1, running)
}

func TestSupervisor_FailedProbeKeepsStarting(t *testing.T) {
	var probes atomic.Int32
	prober := ProberFunc(func(ctx context.Context) error {
		probes.Add(1)
		return errors.New("connection refused")
	})
	s := newTestSupervisor(t, prober, Options{StartupGrace: 20 * time.Millisecond})

	require.NoError(t, s.Start(shCommand(t, `exec sleep 30`)))
	require.Eventually(t, func() bool { return probes.Load() == 1 }, 5*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, StateStarting, s.Status().State)
}

func TestSupervisor_StartWhileAliveIsNoop(t *testing.T) {
	s := newTestSupervisor(t, nil, Options{})

	cmd := shCommand(t, `exec sleep 30`)
	require.NoError(t, s.Start(cmd))
	first := s.Status()

	require.NoError(t, s.Start(cmd))
	second := s.Status()
	assert.Equal(t, first.PID, second.PID)
	assert.Equal(t, first.Generation, second.Generation)
}

func TestSupervisor_NonZeroExitFails(t *testing.T) {
	s := newTestSupervisor(t, nil, Options{})

	require.NoError(t, s.Start(shCommand(t, `echo boom >&2; exit 3`)))
	st := waitState(t, s, StateFailed)

	require.NotNil(t, st.ExitCode)
	assert.Equal(t, 3, *st.ExitCode)
	assert.Contains(t, st.Reason, "exited with code 3")
	assert.True(t, outputContains(s, "boom"))
}

func TestSupervisor_CleanExits(t *testing.T) {
	tests := []struct {
		name   string
		script string
	}{
		{"exit zero", `exit 0`},
		{"exit fifteen", `exit 15`},
		{"terminated by signal", `kill -TERM $$; sleep 5`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestSupervisor(t, nil, Options{})
			require.NoError(t, s.Start(shCommand(t, tt.script)))

			require.Eventually(t, func() bool {
				st := s.Status()
				return st.State == StateStopped && st.ExitCode != nil
			}, 5*time.Second, 10*time.Millisecond)
		})
	}
}

func TestSupervisor_StopEscalatesToKill(t *testing.T) {
	s := newTestSupervisor(t, nil, Options{StopGrace: 100 * time.Millisecond})

	require.NoError(t, s.Start(shCommand(t, `trap '' TERM; sleep 30`)))
	pid := s.Status().PID

	s.Stop()
	// optimistic: Stopped before the process is gone
	assert.Equal(t, StateStopped, s.Status().State)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.StopAndWait(ctx))

	require.Eventually(t, func() bool { return !processAlive(pid) }, 5*time.Second, 10*time.Millisecond)
	assert.Never(t, func() bool { return s.Status().State != StateStopped }, 200*time.Millisecond, 10*time.Millisecond)
}

func TestSupervisor_KillSkipsGrace(t *testing.T) {
	s := newTestSupervisor(t, nil, Options{StopGrace: time.Minute})

	require.NoError(t, s.Start(shCommand(t, `trap '' TERM; sleep 30`)))
	pid := s.Status().PID

	s.Stop()
	s.Kill()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.StopAndWait(ctx))
	require.Eventually(t, func() bool { return !processAlive(pid) }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, StateStopped, s.Status().State)

	// nothing left to kill
	s.Kill()
}

func TestSupervisor_StopWhenStoppedIsNoop(t *testing.T) {
	s := newTestSupervisor(t, nil, Options{})

	s.Stop()
	s.Stop()
	assert.Equal(t, StateStopped, s.Status().State)
	assert.NoError(t, s.StopAndWait(context.Background()))
	assert.Equal(t, StateStopped, s.Status().State)
}

func TestSupervisor_MissingDirectory(t *testing.T) {
	s := newTestSupervisor(t, nil, Options{})

	cmd := Command{Path: "/bin/sh", Args: []string{"-c", "true"}, Dir: filepath.Join(t.TempDir(), "absent")}
	err := s.Start(cmd)

	var launchErr *LaunchError
	require.True(t, errors.As(err, &launchErr))
	assert.Contains(t, err.Error(), "backend not found")
	st := s.Status()
	assert.Equal(t, StateFailed, st.State)
	assert.NotEmpty(t, st.Reason)
}

func TestSupervisor_MissingExecutable(t *testing.T) {
	s := newTestSupervisor(t, nil, Options{})

	err := s.Start(Command{Path: filepath.Join(t.TempDir(), "no-python"), Dir: t.TempDir()})
	var launchErr *LaunchError
	require.True(t, errors.As(err, &launchErr))
	assert.Equal(t, StateFailed, s.Status().State)
}

func TestSupervisor_Environment(t *testing.T) {
	s := newTestSupervisor(t, nil, Options{})

	cmd := shCommand(t, `echo "unbuffered=$PYTHONUNBUFFERED foo=$FOO"`)
	cmd.Env = []string{"FOO=bar", "PATH=" + os.Getenv("PATH")}
	require.NoError(t, s.Start(cmd))

	require.Eventually(t, func() bool { return outputContains(s, "unbuffered=1 foo=bar") }, 5*time.Second, 10*time.Millisecond)
}

func TestSupervisor_RestartAfterFailure(t *testing.T) {
	s := newTestSupervisor(t, nil, Options{})

	require.NoError(t, s.Start(shCommand(t, `exit 2`)))
	failed := waitState(t, s, StateFailed)

	require.NoError(t, s.Start(shCommand(t, `echo "Uvicorn running"; exec sleep 30`)))
	st := waitState(t, s, StateRunning)
	assert.Empty(t, st.Reason)
	assert.Nil(t, st.ExitCode)
	assert.Greater(t, st.Generation, failed.Generation)
	// output belongs to the new instance only
	assert.True(t, outputContains(s, "Uvicorn running"))
	assert.False(t, outputContains(s, "exited with code 2"))
}

func TestSupervisor_OutputIsBounded(t *testing.T) {
	s := newTestSupervisor(t, nil, Options{OutputLines: 5})

	require.NoError(t, s.Start(shCommand(t, `i=0; while [ $i -lt 50 ]; do echo "line $i"; i=$((i+1)); done`)))
	waitState(t, s, StateStopped)

	lines := s.Output().Lines()
	require.Len(t, lines, 5)
	assert.Contains(t, lines[len(lines)-1].Text, "Server stopped")
}

func TestSupervisor_SubscribeSeesLifecycle(t *testing.T) {
	s := newTestSupervisor(t, nil, Options{})
	updates, cancel := s.Subscribe()
	defer cancel()

	require.NoError(t, s.Start(shCommand(t, `echo "Uvicorn running"; exec sleep 30`)))
	waitState(t, s, StateRunning)
	s.Stop()

	var states []State
	timeout := time.After(2 * time.Second)
	for len(states) < 3 {
		select {
		case st := <-updates:
			states = append(states, st.State)
		case <-timeout:
			t.Fatalf("got states %v", states)
		}
	}
	assert.Equal(t, []State{StateStarting, StateRunning, StateStopped}, states)
}

func TestSupervisor_StartAfterClose(t *testing.T) {
	s := New(nil, Options{})
	s.Close()
	s.Close()
	assert.ErrorIs(t, s.Start(shCommand(t, "true")), ErrClosed)
}

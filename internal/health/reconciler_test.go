package health

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dpolaris/polaris/internal/backend"
	"github.com/dpolaris/polaris/internal/supervisor"
)

type fakeProber struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (p *fakeProber) Probe(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return p.err
}

func (p *fakeProber) set(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

type fakeSource struct {
	mu    sync.Mutex
	state supervisor.State
}

func (s *fakeSource) Status() supervisor.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return supervisor.Status{State: s.state}
}

func (s *fakeSource) set(state supervisor.State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}

func refusedErr() error {
	return &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}
}

func TestReconciler_Probe(t *testing.T) {
	prober := &fakeProber{}
	r := New(prober, nil, nil, Options{})

	assert.True(t, r.Probe(context.Background()))
	assert.True(t, r.Snapshot().Connected)
	assert.Empty(t, r.Snapshot().LastError)

	prober.set(refusedErr())
	assert.False(t, r.Probe(context.Background()))
	st := r.Snapshot()
	assert.False(t, st.Connected)
	assert.Contains(t, st.LastError, "refused")
	assert.Empty(t, st.UserError)
}

func TestReconciler_HandleError(t *testing.T) {
	r := New(&fakeProber{}, nil, nil, Options{})
	require.True(t, r.Probe(context.Background()))

	t.Run("connectivity only flips the flag", func(t *testing.T) {
		r.HandleError(&backend.ConnectivityError{Method: "GET", URL: "/api/portfolio", Err: refusedErr()})
		st := r.Snapshot()
		assert.False(t, st.Connected)
		assert.Empty(t, st.UserError)
	})

	t.Run("application errors surface to the user", func(t *testing.T) {
		r.HandleError(&backend.ServerError{StatusCode: 500, Message: "HTTP 500: model exploded"})
		assert.Equal(t, "HTTP 500: model exploded", r.Snapshot().UserError)

		r.ClearUserError()
		assert.Empty(t, r.Snapshot().UserError)
	})

	t.Run("cancellation is ignored", func(t *testing.T) {
		r.HandleError(context.Canceled)
		r.HandleError(nil)
		assert.Empty(t, r.Snapshot().UserError)
	})
}

func TestReconciler_SyncMirrorsSupervisor(t *testing.T) {
	source := &fakeSource{state: supervisor.StateStarting}
	r := New(&fakeProber{}, source, nil, Options{})

	r.Sync()
	st := r.Snapshot()
	assert.True(t, st.Starting)
	assert.False(t, st.ServerRunning)

	source.set(supervisor.StateRunning)
	r.Sync()
	st = r.Snapshot()
	assert.False(t, st.Starting)
	assert.True(t, st.ServerRunning)

	source.set(supervisor.StateFailed)
	r.Sync()
	st = r.Snapshot()
	assert.False(t, st.Starting)
	assert.False(t, st.ServerRunning)
}

func TestReconciler_RunRefreshesWhileConnected(t *testing.T) {
	var fastCalls, slowCalls atomic.Int32
	refreshes := []Refresh{
		{Name: "portfolio", Fetch: func(ctx context.Context) (json.RawMessage, error) {
			fastCalls.Add(1)
			return json.RawMessage(`{"value":1}`), nil
		}},
		{Name: "status", Slow: true, Fetch: func(ctx context.Context) (json.RawMessage, error) {
			slowCalls.Add(1)
			return json.RawMessage(`{"models":3}`), nil
		}},
	}
	source := &fakeSource{state: supervisor.StateRunning}
	r := New(&fakeProber{}, source, refreshes, Options{
		FastInterval: 10 * time.Millisecond,
		SlowInterval: 30 * time.Millisecond,
		SyncInterval: 5 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool {
		return fastCalls.Load() >= 2 && slowCalls.Load() >= 1
	}, 2*time.Second, 5*time.Millisecond)

	st := r.Snapshot()
	assert.True(t, st.Connected)
	assert.True(t, st.ServerRunning)
	assert.JSONEq(t, `{"value":1}`, string(st.Data["portfolio"]))
	assert.JSONEq(t, `{"models":3}`, string(st.Data["status"]))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestReconciler_NoRefreshWhileDisconnected(t *testing.T) {
	var fetches atomic.Int32
	prober := &fakeProber{err: refusedErr()}
	refreshes := []Refresh{{Name: "portfolio", Fetch: func(ctx context.Context) (json.RawMessage, error) {
		fetches.Add(1)
		return json.RawMessage(`{}`), nil
	}}}
	r := New(prober, nil, refreshes, Options{
		FastInterval: 5 * time.Millisecond,
		SlowInterval: 5 * time.Millisecond,
		SyncInterval: 5 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = r.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), fetches.Load())
	assert.False(t, r.Snapshot().Connected)

	// backend comes back: the fast tick probe reconnects and refreshes resume
	prober.set(nil)
	require.Eventually(t, func() bool { return fetches.Load() > 0 }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, r.Snapshot().Connected)
}

func TestReconciler_RefreshConnectivityFailureDisconnects(t *testing.T) {
	var other atomic.Int32
	refreshes := []Refresh{
		{Name: "portfolio", Fetch: func(ctx context.Context) (json.RawMessage, error) {
			return nil, &backend.ConnectivityError{Method: "GET", URL: "/api/portfolio", Err: errors.New("connection reset by peer")}
		}},
		{Name: "other", Fetch: func(ctx context.Context) (json.RawMessage, error) {
			other.Add(1)
			return json.RawMessage(`{}`), nil
		}},
	}
	r := New(&fakeProber{}, nil, refreshes, Options{})
	require.True(t, r.Probe(context.Background()))

	r.refresh(context.Background(), r.fast)
	assert.False(t, r.Snapshot().Connected)
	assert.Empty(t, r.Snapshot().UserError)
	assert.Equal(t, int32(0), other.Load())
}

func TestReconciler_SubscribeReceivesChanges(t *testing.T) {
	r := New(&fakeProber{}, nil, nil, Options{})
	updates, cancel := r.Subscribe()
	defer cancel()

	r.Probe(context.Background())
	// no change, no notification
	r.Probe(context.Background())

	select {
	case st := <-updates:
		assert.True(t, st.Connected)
	case <-time.After(time.Second):
		t.Fatal("no update")
	}
	select {
	case st := <-updates:
		t.Fatalf("unexpected update %+v", st)
	default:
	}
}

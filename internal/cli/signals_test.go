package cli

import (
	"context"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startTestHandler(t *testing.T) (*SignalHandler, context.Context) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	h := NewSignalHandler(cancel, nil)
	h.StartWithNotify(false)
	t.Cleanup(h.Stop)
	return h, ctx
}

func waitShutdown(t *testing.T, h *SignalHandler) {
	t.Helper()
	select {
	case <-h.shutdown:
	case <-time.After(time.Second):
		t.Fatal("shutdown did not complete in time")
	}
}

func TestSignalHandler_CancelsContext(t *testing.T) {
	h, ctx := startTestHandler(t)

	h.signals <- syscall.SIGTERM
	waitShutdown(t, h)

	select {
	case <-ctx.Done():
	case <-time.After(100 * time.Millisecond):
		t.Fatal("context should be cancelled on signal")
	}
	assert.ErrorIs(t, ctx.Err(), context.Canceled)
}

func TestSignalHandler_CallbacksRunInOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := NewSignalHandler(cancel, nil)

	var mu sync.Mutex
	var order []int
	for i := 1; i <= 3; i++ {
		h.OnShutdown(func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		})
	}
	h.StartWithNotify(false)
	defer h.Stop()

	h.signals <- syscall.SIGINT
	waitShutdown(t, h)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 2, 3}, order)
	require.Error(t, ctx.Err())
}

func TestSignalHandler_WaitBlocksUntilSignal(t *testing.T) {
	h, _ := startTestHandler(t)

	done := make(chan struct{})
	go func() {
		h.Wait()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Wait returned before a signal")
	case <-time.After(50 * time.Millisecond):
	}

	h.signals <- syscall.SIGINT
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after the signal")
	}
}

func TestSignalHandler_StopWithoutSignal(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := NewSignalHandler(cancel, nil)
	h.StartWithNotify(false)

	h.Stop()
	h.Stop()

	select {
	case <-h.done:
	case <-time.After(time.Second):
		t.Fatal("handler goroutine did not exit")
	}
	assert.NoError(t, ctx.Err())
}

func TestSignalHandler_SecondSignalForces(t *testing.T) {
	h, _ := startTestHandler(t)

	forced := make(chan struct{})
	h.OnForce(func() { close(forced) })

	h.signals <- syscall.SIGINT
	waitShutdown(t, h)

	select {
	case <-forced:
		t.Fatal("force callback ran on the first signal")
	case <-time.After(50 * time.Millisecond):
	}

	h.signals <- syscall.SIGINT
	select {
	case <-forced:
	case <-time.After(time.Second):
		t.Fatal("force callback did not run on the second signal")
	}
}

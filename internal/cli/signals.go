package cli

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

const handlerStopWait = 100 * time.Millisecond

// SignalHandler turns SIGINT/SIGTERM into a graceful shutdown. The first
// signal cancels the command's context and runs the OnShutdown callbacks;
// a second one runs the OnForce callbacks, for commands whose graceful
// path can take a while (stopping the backend waits out its grace period).
type SignalHandler struct {
	signals  chan os.Signal
	shutdown chan struct{} // closed after the first signal is handled
	stopCh   chan struct{}
	done     chan struct{} // closed when the goroutine exits
	stopOnce sync.Once

	cancel context.CancelFunc
	logger *zap.Logger

	mu         sync.Mutex
	onShutdown []func()
	onForce    []func()
}

// NewSignalHandler creates a handler that calls cancel on the first
// signal. logger may be nil.
func NewSignalHandler(cancel context.CancelFunc, logger *zap.Logger) *SignalHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SignalHandler{
		signals:  make(chan os.Signal, 2),
		shutdown: make(chan struct{}),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
		cancel:   cancel,
		logger:   logger,
	}
}

// Start registers for SIGINT and SIGTERM and begins listening.
func (h *SignalHandler) Start() {
	h.StartWithNotify(true)
}

// StartWithNotify begins listening. Tests pass false and feed h.signals
// directly so the process-wide signal state is left alone.
func (h *SignalHandler) StartWithNotify(notify bool) {
	if notify {
		signal.Notify(h.signals, syscall.SIGINT, syscall.SIGTERM)
	}
	started := make(chan struct{})
	go h.listen(started)
	<-started
}

func (h *SignalHandler) listen(started chan<- struct{}) {
	defer close(h.done)
	close(started)

	select {
	case sig := <-h.signals:
		h.logger.Info("received signal, shutting down", zap.Stringer("signal", sig))
		if h.cancel != nil {
			h.cancel()
		}
		runAll(h.callbacks(&h.onShutdown))
		close(h.shutdown)
	case <-h.stopCh:
		return
	}

	select {
	case sig := <-h.signals:
		h.logger.Warn("received second signal, forcing exit", zap.Stringer("signal", sig))
		runAll(h.callbacks(&h.onForce))
	case <-h.stopCh:
	}
}

// OnShutdown registers a callback for the first signal. Callbacks run in
// registration order after the context is cancelled.
func (h *SignalHandler) OnShutdown(fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onShutdown = append(h.onShutdown, fn)
}

// OnForce registers a callback for a second signal.
func (h *SignalHandler) OnForce(fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onForce = append(h.onForce, fn)
}

// Wait blocks until the first signal has been handled.
func (h *SignalHandler) Wait() {
	<-h.shutdown
}

// Stop unregisters from the OS and ends the listener. It gives a listener
// that is mid-callback a short while to finish and never blocks longer.
func (h *SignalHandler) Stop() {
	signal.Stop(h.signals)
	h.stopOnce.Do(func() { close(h.stopCh) })
	select {
	case <-h.done:
	case <-time.After(handlerStopWait):
	}
}

func (h *SignalHandler) callbacks(list *[]func()) []func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]func(){}, (*list)...)
}

func runAll(fns []func()) {
	for _, fn := range fns {
		fn()
	}
}

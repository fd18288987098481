package tui

import (
	"sync"

	"github.com/dpolaris/polaris/internal/logbuf"
)

const (
	logPrefix    = "log: "
	logMaxLine   = 2000
	logQueueSize = 200
)

// LogWriter routes the application logger into the progress view while the
// program owns the terminal. Lines are dropped rather than blocking the
// logger, and empty lines are skipped.
type LogWriter struct {
	*logbuf.LineSplitter

	queue     chan string
	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

// NewLogWriter forwards log lines to program as LogMsg values.
func NewLogWriter(program Sender) *LogWriter {
	w := &LogWriter{queue: make(chan string, logQueueSize)}
	w.LineSplitter = logbuf.NewLineSplitter(logMaxLine, w.enqueue)
	go func() {
		for line := range w.queue {
			program.Send(LogMsg{Line: logPrefix + line})
		}
	}()
	return w
}

// Sync flushes a partial line. It lets the writer back a zapcore.WriteSyncer.
func (w *LogWriter) Sync() error {
	w.Flush()
	return nil
}

// Close stops forwarding; later writes are discarded.
func (w *LogWriter) Close() {
	w.closeOnce.Do(func() {
		w.mu.Lock()
		w.closed = true
		close(w.queue)
		w.mu.Unlock()
	})
}

func (w *LogWriter) enqueue(line string) {
	if line == "" {
		return
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return
	}
	select {
	case w.queue <- line:
	default:
	}
}

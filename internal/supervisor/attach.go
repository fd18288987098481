package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dpolaris/polaris/internal/logbuf"
)

const (
	dialTimeout        = 500 * time.Millisecond
	attachProbeTimeout = 5 * time.Second
	portPollInterval   = 300 * time.Millisecond
	reapTimeout        = 5 * time.Second

	readyViaAttached = "attached"
)

// ErrPortBusy means the backend address is taken by something that does
// not answer health checks, so a spawned server could not bind it.
var ErrPortBusy = errors.New("address already in use")

// portInUse reports whether anything accepts connections on addr.
func portInUse(addr string) bool {
	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// existingBackend reports whether a healthy backend already serves
// Options.Address. A busy address without a healthy server is ErrPortBusy.
func (s *Supervisor) existingBackend() (bool, error) {
	addr := s.opts.Address
	if addr == "" || !portInUse(addr) {
		return false, nil
	}
	if s.prober != nil {
		ctx, cancel := context.WithTimeout(s.ctx, attachProbeTimeout)
		defer cancel()
		if err := s.prober.Probe(ctx); err == nil {
			return true, nil
		}
	}
	return false, fmt.Errorf("%s: %w by a process that does not answer health checks", addr, ErrPortBusy)
}

// attachLocked adopts a backend this supervisor did not spawn. It is
// reported as Running but never signalled; Stop only detaches.
func (s *Supervisor) attachLocked() {
	s.gen++
	s.attached = true
	pid := readPIDFile(s.opts.PIDFile)
	now := time.Now()
	s.output.Append(logbuf.System, "Backend already running on "+s.opts.Address+", attaching")
	s.setStatusLocked(Status{
		State:      StateRunning,
		PID:        pid,
		StartedAt:  now,
		ReadyAt:    now,
		ReadyVia:   readyViaAttached,
		Attached:   true,
		Generation: s.gen,
	})
	s.logger.Info("attached to running backend", zap.String("addr", s.opts.Address), zap.Int("pid", pid))
}

// waitPortFree polls until nothing listens on Options.Address.
func (s *Supervisor) waitPortFree(ctx context.Context) error {
	if s.opts.Address == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.opts.PortFreeTimeout)
	defer cancel()

	ticker := time.NewTicker(portPollInterval)
	defer ticker.Stop()
	for portInUse(s.opts.Address) {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s still in use after %s: %w", s.opts.Address, s.opts.PortFreeTimeout, ErrPortBusy)
		case <-ticker.C:
		}
	}
	return nil
}

func writePIDFile(path string, pid int) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(pid)+"\n"), 0o644)
}

// removePIDFile deletes path if it still names pid; a newer instance may
// have replaced it.
func removePIDFile(path string, pid int) {
	if path == "" {
		return
	}
	data, err := os.ReadFile(path)
	if err != nil || strings.TrimSpace(string(data)) != strconv.Itoa(pid) {
		return
	}
	_ = os.Remove(path)
}

// readPIDFile returns the pid recorded at path when that process exists,
// else 0.
func readPIDFile(path string) int {
	if path == "" {
		return 0
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 || !processAlive(pid) {
		return 0
	}
	return pid
}

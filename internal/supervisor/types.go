package supervisor

import (
	"context"
	"fmt"
	"time"
)

// State is the lifecycle state of the supervised backend.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateFailed   State = "failed"
)

// Status is a snapshot of the supervisor. Reason and ExitCode are set for
// StateFailed. Attached marks a Running backend that was already serving
// when Start was called; Restarting marks the Stopped status published
// while Restart is between stop and start.
type Status struct {
	State      State     `json:"state"`
	Reason     string    `json:"reason,omitempty"`
	ExitCode   *int      `json:"exit_code,omitempty"`
	PID        int       `json:"pid,omitempty"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	ReadyAt    time.Time `json:"ready_at,omitempty"`
	ReadyVia   string    `json:"ready_via,omitempty"`
	Attached   bool      `json:"attached,omitempty"`
	Restarting bool      `json:"restarting,omitempty"`
	Generation uint64    `json:"generation"`
}

// Alive reports whether a process is starting or running.
func (s Status) Alive() bool {
	return s.State == StateStarting || s.State == StateRunning
}

// Command is a fully resolved launch: executable, arguments, working
// directory and base environment (nil means the current environment).
type Command struct {
	Path string
	Args []string
	Dir  string
	Env  []string
}

func (c Command) String() string {
	return fmt.Sprintf("%s %v (in %s)", c.Path, c.Args, c.Dir)
}

// Prober checks whether the backend answers requests.
type Prober interface {
	Probe(ctx context.Context) error
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context) error

func (f ProberFunc) Probe(ctx context.Context) error { return f(ctx) }

// ExitInfo describes how a process ended. For a process killed by a
// signal, Code is the signal number and Signaled is set.
type ExitInfo struct {
	Code     int
	Signaled bool
}

// Clean reports whether the exit was normal: status 0, or the graceful
// termination signal (15).
func (e ExitInfo) Clean() bool {
	return e.Code == 0 || e.Code == terminationSignal
}

func (e ExitInfo) String() string {
	if e.Signaled {
		return fmt.Sprintf("killed by signal %d", e.Code)
	}
	return fmt.Sprintf("exited with code %d", e.Code)
}

// LaunchError reports that the backend could not be spawned.
type LaunchError struct {
	Command Command
	Err     error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch backend %s: %v", e.Command.Path, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

package history

import "time"

// RunStatus is the lifecycle of a recorded run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// Run is one training invocation.
type Run struct {
	ID          string     `json:"id"`
	Symbol      string     `json:"symbol"`
	ModelType   string     `json:"model_type"`
	Mode        string     `json:"mode"`
	JobID       *string    `json:"job_id,omitempty"`
	Status      RunStatus  `json:"status"`
	Summary     *string    `json:"summary,omitempty"`
	Error       *string    `json:"error,omitempty"`
	Fallback    bool       `json:"fallback"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// LogLine is one delivered job log line.
type LogLine struct {
	Sequence  int       `json:"sequence"`
	Line      string    `json:"line"`
	CreatedAt time.Time `json:"created_at"`
}

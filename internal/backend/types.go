package backend

import (
	"encoding/json"
	"strings"
	"time"
)

// HealthStatus is the /health response.
type HealthStatus struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp,omitempty"`
}

// TrainingJobRequest submits a deep-learning job.
type TrainingJobRequest struct {
	Symbol    string `json:"symbol"`
	ModelType string `json:"model_type"`
	Epochs    int    `json:"epochs"`
}

// Job statuses reported by the backend. Others may appear and are
// treated as still in progress.
const (
	JobQueued    = "queued"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
)

// TrainingJob is the server's view of a submitted job. Logs is the
// job's full log so far; clients track their own delivery cursor.
type TrainingJob struct {
	ID          string             `json:"id"`
	Status      string             `json:"status"`
	Type        string             `json:"type,omitempty"`
	Symbol      string             `json:"symbol,omitempty"`
	ModelType   string             `json:"model_type,omitempty"`
	Epochs      int                `json:"epochs,omitempty"`
	Result      *TrainingJobResult `json:"result,omitempty"`
	Error       string             `json:"error,omitempty"`
	Logs        []string           `json:"logs,omitempty"`
	CreatedAt   string             `json:"created_at,omitempty"`
	UpdatedAt   string             `json:"updated_at,omitempty"`
	StartedAt   string             `json:"started_at,omitempty"`
	CompletedAt string             `json:"completed_at,omitempty"`
}

// NormalizedStatus returns the lower-cased, trimmed status.
func (j *TrainingJob) NormalizedStatus() string {
	return strings.ToLower(strings.TrimSpace(j.Status))
}

// TrainingJobResult is the payload of a completed job.
type TrainingJobResult struct {
	Symbol        string   `json:"symbol,omitempty"`
	ModelName     string   `json:"model_name,omitempty"`
	ModelType     string   `json:"model_type,omitempty"`
	Metrics       *Metrics `json:"metrics,omitempty"`
	EpochsTrained int      `json:"epochs_trained,omitempty"`
	Device        string   `json:"device,omitempty"`
}

// Metrics are model evaluation scores in the 0..1 range.
type Metrics struct {
	Accuracy  *float64 `json:"accuracy,omitempty"`
	Precision *float64 `json:"precision,omitempty"`
	Recall    *float64 `json:"recall,omitempty"`
	F1        *float64 `json:"f1,omitempty"`
}

// AccuracyOrZero returns the accuracy, or 0 when absent.
func (m *Metrics) AccuracyOrZero() float64 {
	if m == nil || m.Accuracy == nil {
		return 0
	}
	return *m.Accuracy
}

// LegacyTrainResult is the synchronous deep-learning endpoint's response.
type LegacyTrainResult struct {
	ModelName     string   `json:"model_name"`
	ModelType     string   `json:"model_type"`
	Device        string   `json:"device"`
	Metrics       *Metrics `json:"metrics,omitempty"`
	EpochsTrained int      `json:"epochs_trained"`
}

// StableTrainResult is the classic training endpoint's response.
type StableTrainResult struct {
	Symbol string `json:"symbol"`
	Result string `json:"result"`
}

// SchedulerResponse is returned by the scheduler start/stop endpoints.
type SchedulerResponse map[string]string

// ControlAction is a remote backend control verb.
type ControlAction string

const (
	ControlStart   ControlAction = "start"
	ControlStop    ControlAction = "stop"
	ControlRestart ControlAction = "restart"
)

// restarts reload models, so they get the longest budget
var controlTimeouts = map[ControlAction]time.Duration{
	ControlStart:   45 * time.Second,
	ControlStop:    45 * time.Second,
	ControlRestart: 60 * time.Second,
}

// ControlResponse is the loosely typed body of the control endpoints.
type ControlResponse map[string]any

// Document is an opaque domain record rendered by collaborators.
type Document = json.RawMessage

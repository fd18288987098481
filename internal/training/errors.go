package training

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrMissingResult is returned when a job completes without a result.
	ErrMissingResult = errors.New("training completed without a result payload")

	// ErrAlreadyPolling is returned when a second loop is started for a job
	// that is already being polled.
	ErrAlreadyPolling = errors.New("job is already being polled")
)

// TimeoutError is raised when the client's deadline passes before the job
// reaches a terminal status. The remote job keeps running.
type TimeoutError struct {
	JobID   string
	Elapsed time.Duration
}

func (e *TimeoutError) UserFacing() bool { return true }

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("Deep-learning job timed out (%s after %s)", shortID(e.JobID), e.Elapsed.Round(time.Second))
}

// JobFailedError is a job that reached the failed status. Message is the
// text shown to users; Raw is the backend's error text.
type JobFailedError struct {
	JobID   string
	Raw     string
	Message string
}

func (e *JobFailedError) Error() string    { return e.Message }
func (e *JobFailedError) UserFacing() bool { return true }

const (
	crashMessage = "Deep-learning worker crashed (macOS/PyTorch instability). " +
		"Try Stable (XGBoost) mode for reliability."
	unsupportedRuntimeMessage = "Deep learning is disabled on Python 3.13 due PyTorch instability. " +
		"Use Stable (XGBoost) or run backend on Python 3.11/3.12."
	defaultFailureMessage = "Deep learning job failed"
)

var crashSignatures = []string{
	"signal 11",
	"signal 6",
	"segmentation fault",
	"sigsegv",
	"sigabrt",
}

// classifyFailure maps a failed job's error text to the message shown to
// users.
func classifyFailure(jobID, raw string) *JobFailedError {
	lower := strings.ToLower(raw)
	msg := strings.TrimSpace(raw)
	switch {
	case containsAny(lower, crashSignatures):
		msg = crashMessage
	case strings.Contains(lower, "disabled on python 3.13"):
		msg = unsupportedRuntimeMessage
	case msg == "":
		msg = defaultFailureMessage
	}
	return &JobFailedError{JobID: jobID, Raw: raw, Message: msg}
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

package training

import "time"

// Cursor is the client-side bookkeeping for one poll loop: how many log
// lines were delivered and which status was last reported.
type Cursor struct {
	Delivered   int
	LastStatus  string
	SubmittedAt time.Time
	// Epoch counts log resets observed by this cursor
	Epoch int
}

// NewCursor starts a cursor at the job's submission status.
func NewCursor(status string, submittedAt time.Time) *Cursor {
	return &Cursor{LastStatus: status, SubmittedAt: submittedAt}
}

// Advance returns the lines not yet delivered and moves the cursor past
// them. A log shorter than what was already delivered means the job
// restarted; the cursor resets and the new log is delivered from the top.
func (c *Cursor) Advance(logs []string) []string {
	if len(logs) < c.Delivered {
		c.Delivered = 0
		c.Epoch++
	}
	if len(logs) == c.Delivered {
		return nil
	}
	fresh := logs[c.Delivered:]
	c.Delivered = len(logs)
	return fresh
}

// ObserveStatus records status and reports whether it differs from the
// last one seen.
func (c *Cursor) ObserveStatus(status string) bool {
	if status == c.LastStatus {
		return false
	}
	c.LastStatus = status
	return true
}

// Elapsed is the time since submission.
func (c *Cursor) Elapsed(now time.Time) time.Duration {
	return now.Sub(c.SubmittedAt)
}

package web

import (
	"time"

	"github.com/dpolaris/polaris/internal/health"
	"github.com/dpolaris/polaris/internal/logbuf"
	"github.com/dpolaris/polaris/internal/supervisor"
)

// Event types pushed over /api/events.
const (
	EventOutput     = "output"
	EventSupervisor = "supervisor"
	EventHealth     = "health"
)

// Event is one SSE message. ID is assigned by the hub and increases by one
// per broadcast.
type Event struct {
	ID   uint64    `json:"id"`
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data"`
}

// StateResponse is the /api/state payload. Supervisor is nil when the
// backend is not supervised locally.
type StateResponse struct {
	Supervisor *supervisor.Status `json:"supervisor,omitempty"`
	Health     health.Status      `json:"health"`
}

// OutputResponse is the /api/output payload. Next is the sequence to pass
// as since on the following request.
type OutputResponse struct {
	Lines []logbuf.Line `json:"lines"`
	Next  uint64        `json:"next"`
}

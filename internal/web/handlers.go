package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/dpolaris/polaris/internal/health"
	"github.com/dpolaris/polaris/internal/logbuf"
	"github.com/dpolaris/polaris/internal/supervisor"
)

// SupervisorView is the read side of the supervisor.
type SupervisorView interface {
	Status() supervisor.Status
	Subscribe() (<-chan supervisor.Status, func())
}

// HealthView is the read side of the health reconciler.
type HealthView interface {
	Snapshot() health.Status
	Subscribe() (<-chan health.Status, func())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// StateHandler returns the supervisor and health snapshots.
// GET /api/state
func StateHandler(sup SupervisorView, hv HealthView) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := StateResponse{Health: hv.Snapshot()}
		if sup != nil {
			st := sup.Status()
			resp.Supervisor = &st
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// OutputHandler returns buffered backend output after ?since=N.
// GET /api/output
func OutputHandler(buf *logbuf.Buffer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var since uint64
		if s := r.URL.Query().Get("since"); s != "" {
			v, err := strconv.ParseUint(s, 10, 64)
			if err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "since must be a non-negative integer"})
				return
			}
			since = v
		}

		lines := buf.Since(since)
		next := since
		if len(lines) > 0 {
			next = lines[len(lines)-1].Seq
		}
		writeJSON(w, http.StatusOK, OutputResponse{Lines: lines, Next: next})
	}
}

// EventsHandler streams hub events as SSE. An optional types query
// (comma separated) limits the stream to those event types.
// GET /api/events?types=output,health
func EventsHandler(hub *Hub, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "SSE not supported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("Access-Control-Allow-Origin", "*")

		var types []string
		if q := r.URL.Query().Get("types"); q != "" {
			types = strings.Split(q, ",")
		}
		client := NewClient(types...)
		if !hub.Register(client) {
			http.Error(w, "server shutting down", http.StatusServiceUnavailable)
			return
		}
		defer hub.Unregister(client)
		logger.Debug("sse client connected", zap.String("client", client.ID()), zap.Strings("types", types))
		defer func() {
			if n := client.Dropped(); n > 0 {
				logger.Debug("sse client fell behind", zap.String("client", client.ID()), zap.Uint64("dropped", n))
			}
		}()

		fmt.Fprintf(w, ": connected\n\n")
		flusher.Flush()

		ctx := r.Context()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-client.events:
				if !ok {
					return
				}
				data, err := json.Marshal(event)
				if err != nil {
					logger.Warn("failed to encode event", zap.String("type", event.Type), zap.Error(err))
					continue
				}
				fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", event.ID, event.Type, data)
				flusher.Flush()
			}
		}
	}
}

// HealthzHandler reports that the status server itself is up.
// GET /healthz
func HealthzHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

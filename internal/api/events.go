package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/kestrelweb/novelforge/internal/supervisor"
)

// heartbeatInterval is how often a comment line is sent to keep idle SSE
// connections alive through intermediate proxies.
const heartbeatInterval = 15 * time.Second

// sseEvent mirrors supervisor.Event in a JSON-friendly shape for the wire.
type sseEvent struct {
	Kind   supervisor.EventKind `json:"kind"`
	TaskID string               `json:"task_id"`
	Task   any                  `json:"task,omitempty"`
	Log    string               `json:"log,omitempty"`
}

// eventsHandler streams Supervisor events to connected clients over
// Server-Sent Events: one subscriber channel per connection, drained until
// the client disconnects. A ?task_id= query parameter limits the stream to
// that task's events; without it every event is sent.
type eventsHandler struct {
	sup *supervisor.Supervisor
}

func newEventsHandler(sup *supervisor.Supervisor) *eventsHandler {
	return &eventsHandler{sup: sup}
}

func (h *eventsHandler) serveHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		internal(w, fmt.Errorf("streaming unsupported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := h.sup.Subscribe()
	defer h.sup.Unsubscribe(ch)

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	taskID := r.URL.Query().Get("task_id")

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-ch:
			if taskID != "" && ev.TaskID.String() != taskID {
				continue
			}
			payload, err := json.Marshal(sseEvent{
				Kind: ev.Kind, TaskID: ev.TaskID.String(), Task: ev.Task, Log: ev.Log,
			})
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, payload); err != nil {
				return
			}
			flusher.Flush()
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/basket/fleetdeck/internal/bus"
)

// streamSSEEvent is a single SSE event sent to the client.
type streamSSEEvent struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// handleStream implements GET /api/stream: an SSE feed of monitor events
// for frontends that cannot hold a WebSocket.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if s.cfg.Bus == nil {
		http.Error(w, "streaming not available: event bus not configured", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	sub := s.cfg.Bus.Subscribe("monitor.")
	defer s.cfg.Bus.Unsubscribe(sub)

	ctx := r.Context()

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("sse: client disconnected")
			return

		case event, ok := <-sub.Ch():
			if !ok {
				return
			}

			var sseEvent streamSSEEvent
			switch payload := event.Payload.(type) {
			case bus.EntityUpdatedEvent:
				sseEvent = streamSSEEvent{Type: "entity_updated", Payload: payload}
			case bus.EntityRemovedEvent:
				sseEvent = streamSSEEvent{Type: "entity_removed", Payload: payload}
			case bus.AgentFailedEvent:
				sseEvent = streamSSEEvent{Type: "agent_failed", Payload: payload}
			case bus.AgentsClearedEvent:
				sseEvent = streamSSEEvent{Type: "agents_cleared", Payload: payload}
			case bus.OrphanDroppedEvent:
				sseEvent = streamSSEEvent{Type: "orphan_dropped", Payload: payload}
			default:
				// View models are large; WS watchers get those instead.
				continue
			}

			data, err := json.Marshal(sseEvent)
			if err != nil {
				s.logger.Error("sse: marshal event", "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				s.logger.Debug("sse: write failed (client disconnected?)", "error", err)
				return
			}
			flusher.Flush()
		}
	}
}

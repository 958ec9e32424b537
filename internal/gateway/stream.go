package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// handleEvents implements GET /events: a server-sent-events tap on the
// process bus for curl-level debugging without a WebSocket client. It sits
// behind the static gateway token. An optional topic query parameter
// filters by topic prefix.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorizeStatic(r) {
		s.metrics.AuthRejects.Add(r.Context(), 1)
		writeJSON(w, http.StatusUnauthorized, map[string]any{"ok": false, "error": "missing or invalid gateway token"})
		return
	}
	if s.cfg.Bus == nil {
		http.Error(w, "streaming not available: event bus not configured", http.StatusServiceUnavailable)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := s.cfg.Bus.Subscribe(r.URL.Query().Get("topic"))
	defer s.cfg.Bus.Unsubscribe(sub)

	keepalive := time.NewTicker(30 * time.Second)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return

		case <-keepalive.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()

		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			data, err := json.Marshal(eventBody{Type: ev.Topic, Payload: ev.Payload, At: time.Now().UTC()})
			if err != nil {
				s.logger.Error("sse: marshal event", "topic", ev.Topic, "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Topic, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

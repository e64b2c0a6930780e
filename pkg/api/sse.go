package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// setSSEHeaders configures the response for Server-Sent Events streaming.
func setSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
}

// writeSSEEvent writes a single SSE event to the response.
func writeSSEEvent(w http.ResponseWriter, id string, event string, data string) {
	fmt.Fprintf(w, "id: %s\n", id)
	if event != "" {
		fmt.Fprintf(w, "event: %s\n", event)
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

// statsStreamHandler pushes a stats snapshot on every tick.
// Supports ?interval= (Go duration, minimum 100ms).
func (s *Server) statsStreamHandler(w http.ResponseWriter, r *http.Request) {
	if s.src == nil {
		writeError(w, http.StatusServiceUnavailable, "statistics not available")
		return
	}

	every := s.streamEvery
	if v := r.URL.Query().Get("interval"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 100*time.Millisecond {
			writeError(w, http.StatusBadRequest, "invalid interval")
			return
		}
		every = d
	}

	setSSEHeaders(w)

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	var seq uint64
	ctx := r.Context()
	for {
		resp, err := s.snapshot()
		if err == nil {
			if data, err := json.Marshal(resp); err == nil {
				seq++
				writeSSEEvent(w, fmt.Sprintf("%d", seq), "stats", string(data))
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

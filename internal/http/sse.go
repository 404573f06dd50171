package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/A2gent/botdesk/internal/agent"
	"github.com/A2gent/botdesk/internal/logging"
)

// sseWriter writes named server-sent events
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	broken  bool
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("streaming not supported")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	return &sseWriter{w: w, flusher: flusher}, nil
}

// send writes one event. After the first write error the client is assumed
// gone and further events are dropped.
func (s *sseWriter) send(event agent.EventType, data interface{}) {
	if s.broken {
		return
	}

	payload, err := json.Marshal(data)
	if err != nil {
		logging.Error("Failed to encode %s event: %v", event, err)
		return
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, payload); err != nil {
		logging.Debug("SSE client went away: %v", err)
		s.broken = true
		return
	}
	s.flusher.Flush()
}

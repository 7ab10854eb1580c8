package api

import (
	"fmt"
	"net/http"

	"github.com/Mindburn-Labs/carp/pkg/canonicalize"
	"github.com/Mindburn-Labs/carp/pkg/trace"
)

// handleTraceStream streams trace events as Server-Sent Events: one
// event:/data: pair per bus event, data = canonical JSON. The subscription
// is torn down when the client disconnects, reclaiming the bus slot.
func (s *Server) handleTraceStream(w http.ResponseWriter, r *http.Request) {
	traceID, ok := pathUUID(w, r, "trace_id")
	if !ok {
		return
	}

	flusher, canFlush := w.(http.Flusher)
	if !canFlush {
		WriteInternal(w, fmt.Errorf("response writer does not support streaming"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events, cancel := s.rt.Bus.Subscribe(traceID)
	defer cancel()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, open := <-events:
			if !open {
				return
			}
			if err := writeSSEEvent(w, event); err != nil {
				s.logger.Debug("sse write failed, closing stream",
					"trace_id", traceID, "error", err)
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSEEvent(w http.ResponseWriter, event trace.Event) error {
	data, err := canonicalize.JCS(event)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.EventType, data)
	return err
}

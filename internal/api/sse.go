package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"ingest-orchestrator/internal/models"
)

// handleEventStream serves the job event stream over SSE. A reconnecting
// client passes the last sequence id it saw (Last-Event-ID header or the
// last_event_id query parameter) and receives every later event exactly once,
// in order. Heartbeat comments keep idle connections from being reaped by
// proxies.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal", "streaming unsupported", nil)
		return
	}

	jobID := r.URL.Query().Get("job_id")
	afterSeq := parseLastEventID(r)
	if afterSeq > 0 && jobID == "" {
		writeError(w, http.StatusBadRequest, "validation", "last_event_id requires job_id", nil)
		return
	}

	events, cancel := s.broker.Subscribe(r.Context(), jobID, afterSeq)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		case ev, open := <-events:
			if !open {
				return
			}
			if err := writeSSE(w, ev); err != nil {
				s.log.Debug("sse write failed", zap.Error(err))
				return
			}
			flusher.Flush()
			heartbeat.Reset(s.heartbeat)
		}
	}
}

// parseLastEventID prefers the standard Last-Event-ID reconnect header over
// the query parameter.
func parseLastEventID(r *http.Request) int64 {
	raw := r.Header.Get("Last-Event-ID")
	if raw == "" {
		raw = r.URL.Query().Get("last_event_id")
	}
	if raw == "" {
		return 0
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func writeSSE(w http.ResponseWriter, ev models.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Type, data)
	return err
}

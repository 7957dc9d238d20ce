package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"
)

// streamEvents serves the scan's live event feed as server-sent events. The
// stream ends after the terminal event, on client disconnect, or when the bus
// gives up on an idle scan.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := s.scanID(w, r)
	if !ok {
		return
	}
	if _, err := s.store.GetScan(r.Context(), id); err != nil {
		writeError(w, http.StatusNotFound, "scan not found")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for evt := range s.bus.Stream(r.Context(), id) {
		data, err := json.Marshal(evt)
		if err != nil {
			s.logger.Error("marshal event failed",
				zap.String("scan_id", id.String()),
				zap.Error(err),
			)
			continue
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, data); err != nil {
			// Client went away; Stream unwinds via the request context.
			return
		}
		flusher.Flush()
	}
}

package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/MimeLyc/transcript-overlay/internal/pipeline"
)

// handleUpdates streams every later result for one video as server-sent
// events until the client goes away.
func (s *Server) handleUpdates(w http.ResponseWriter, r *http.Request) {
	videoID := chi.URLParam(r, "id")
	if err := pipeline.ValidateVideoID(videoID); err != nil {
		writePipelineError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	sub := s.bus.Subscribe(videoID)
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprintf(w, ": subscribed %s\n\n", sub.ID); err != nil {
		return
	}
	flusher.Flush()

	ticker := time.NewTicker(s.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				s.logger.Warn("Drop update for %s: %v", videoID, err)
				continue
			}
			if _, err := fmt.Fprintf(w, "id: %s\nevent: update\ndata: %s\n\n", ev.ID, payload); err != nil {
				return
			}
			flusher.Flush()
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

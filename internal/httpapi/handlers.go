package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/MimeLyc/transcript-overlay/internal/config"
	"github.com/MimeLyc/transcript-overlay/internal/jobs"
	"github.com/MimeLyc/transcript-overlay/internal/page"
	"github.com/MimeLyc/transcript-overlay/internal/pipeline"
	"github.com/MimeLyc/transcript-overlay/internal/source/captions"
	"github.com/MimeLyc/transcript-overlay/internal/transcript"
)

const maxBodyBytes = 4 << 20

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	result, err := s.orch.Fetch(r.Context(), chi.URLParam(r, "id"), s.bus)
	if err != nil {
		writePipelineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleTranscriptLanguage(w http.ResponseWriter, r *http.Request) {
	result, err := s.orch.FetchLanguage(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "lang"))
	if err != nil {
		writePipelineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type pageRequest struct {
	CaptionTracks []captions.Track     `json:"caption_tracks"`
	Description   string               `json:"description"`
	Chapters      []transcript.Chapter `json:"chapters"`
}

func (s *Server) handlePutPage(w http.ResponseWriter, r *http.Request) {
	if s.pages == nil {
		writeError(w, http.StatusNotImplemented, "page store is not configured")
		return
	}
	videoID := chi.URLParam(r, "id")
	if err := pipeline.ValidateVideoID(videoID); err != nil {
		writePipelineError(w, err)
		return
	}
	var req pageRequest
	if !decodeBody(w, r, &req) {
		return
	}
	s.pages.Put(page.Snapshot{
		VideoID:       videoID,
		CaptionTracks: req.CaptionTracks,
		Description:   req.Description,
		Chapters:      req.Chapters,
	})
	snap, _ := s.pages.Get(videoID)
	writeJSON(w, http.StatusOK, snap)
}

type navigateRequest struct {
	VideoID string `json:"video_id"`
	Session string `json:"session"`
}

func (s *Server) handleNavigate(w http.ResponseWriter, r *http.Request) {
	var req navigateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	result, err := s.session(req.Session).Navigate(r.Context(), req.VideoID)
	if err != nil {
		writePipelineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleCancelPoll(w http.ResponseWriter, r *http.Request) {
	videoID := chi.URLParam(r, "id")
	if err := pipeline.ValidateVideoID(videoID); err != nil {
		writePipelineError(w, err)
		return
	}
	var local, remote bool
	if backend, _ := strconv.ParseBool(r.URL.Query().Get("backend")); backend {
		local, remote = s.orch.CancelTranscription(r.Context(), videoID)
	} else {
		local = s.orch.CancelActivePoll(videoID)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"cancelled":         local,
		"backend_cancelled": remote,
	})
}

func (s *Server) handleCacheIndex(w http.ResponseWriter, r *http.Request) {
	rc := s.orch.Cache()
	if rc == nil {
		writeError(w, http.StatusNotImplemented, "cache is not configured")
		return
	}
	records, err := rc.Index(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleCacheRemove(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.Invalidate(r.Context(), chi.URLParam(r, "id")); err != nil {
		writePipelineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	rc := s.orch.Cache()
	if rc == nil {
		writeError(w, http.StatusNotImplemented, "cache is not configured")
		return
	}
	n, err := rc.Clear(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": n})
}

type sweepReport struct {
	At      time.Time `json:"at"`
	Removed int       `json:"removed"`
	Error   string    `json:"error,omitempty"`
}

// Sweep removes expired cache entries and records the run for /api/status.
// The scheduler and the sweep endpoint share it.
func (s *Server) Sweep(ctx context.Context) (int, error) {
	rc := s.orch.Cache()
	if rc == nil {
		return 0, nil
	}
	n, err := rc.SweepExpired(ctx)
	report := sweepReport{At: time.Now(), Removed: n}
	if err != nil {
		report.Error = err.Error()
		s.logger.Warn("Cache sweep failed: %v", err)
	} else if n > 0 {
		s.logger.Info("Cache sweep removed %d expired entries", n)
	}
	s.sweepMu.Lock()
	s.lastSweep = report
	s.sweepMu.Unlock()
	return n, err
}

func (s *Server) handleCacheSweep(w http.ResponseWriter, r *http.Request) {
	n, err := s.Sweep(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": n})
}

type enqueuePrefetchRequest struct {
	VideoID  string `json:"video_id"`
	Language string `json:"language"`
	Source   string `json:"source"`
}

func (s *Server) handleListPrefetch(w http.ResponseWriter, r *http.Request) {
	if s.queue == nil {
		writeError(w, http.StatusNotImplemented, "prefetch queue is not configured")
		return
	}
	writeJSON(w, http.StatusOK, s.queue.List())
}

func (s *Server) handleGetPrefetch(w http.ResponseWriter, r *http.Request) {
	if s.queue == nil {
		writeError(w, http.StatusNotImplemented, "prefetch queue is not configured")
		return
	}
	job, ok := s.queue.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleEnqueuePrefetch(w http.ResponseWriter, r *http.Request) {
	if s.queue == nil {
		writeError(w, http.StatusNotImplemented, "prefetch queue is not configured")
		return
	}
	var req enqueuePrefetchRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := pipeline.ValidateVideoID(req.VideoID); err != nil {
		writePipelineError(w, err)
		return
	}
	if req.Source == "" {
		req.Source = "api"
	}

	job, created := s.queue.Enqueue(jobs.EnqueueRequest{
		Source:   req.Source,
		VideoID:  req.VideoID,
		Language: req.Language,
	})
	code := http.StatusCreated
	if !created {
		code = http.StatusOK
	}
	writeJSON(w, code, map[string]any{
		"created": created,
		"job":     job,
	})
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	if s.settings == nil {
		writeError(w, http.StatusNotImplemented, "settings store is not configured")
		return
	}
	writeJSON(w, http.StatusOK, s.settings.Get())
}

func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	if s.settings == nil {
		writeError(w, http.StatusNotImplemented, "settings store is not configured")
		return
	}
	var req config.RuntimeSettings
	if !decodeBody(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	saved, err := s.settings.Update(req)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return false
	}
	return true
}

func writePipelineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, pipeline.ErrInvalidVideoID):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, pipeline.ErrLanguageUnavailable):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"error": msg,
	})
}

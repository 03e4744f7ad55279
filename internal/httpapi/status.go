package httpapi

import (
	"net/http"
	"time"

	"github.com/MimeLyc/transcript-overlay/pkg/icron"
)

type statusResponse struct {
	StartedAt    time.Time          `json:"started_at"`
	Uptime       string             `json:"uptime"`
	BackendSet   bool               `json:"backend_configured"`
	ActivePolls  []string           `json:"active_polls"`
	CacheEntries int                `json:"cache_entries"`
	Subscribers  int                `json:"subscribers"`
	Sessions     int                `json:"sessions"`
	Prefetch     map[string]int     `json:"prefetch"`
	Sweep        *icron.TriggerInfo `json:"sweep_schedule,omitempty"`
	LastSweep    *sweepReport       `json:"last_sweep,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	resp := statusResponse{
		StartedAt:   s.startedAt,
		Uptime:      now.Sub(s.startedAt).Round(time.Second).String(),
		ActivePolls: s.orch.ActivePolls(),
		Subscribers: s.bus.Len(),
		Sessions:    s.sessions.Len(),
	}

	if rc := s.orch.Cache(); rc != nil {
		if records, err := rc.Index(r.Context()); err == nil {
			resp.CacheEntries = len(records)
		}
	}
	if s.queue != nil {
		resp.Prefetch = make(map[string]int)
		for status, n := range s.queue.Counts() {
			resp.Prefetch[string(status)] = n
		}
	}
	if s.settings != nil {
		current := s.settings.Get()
		resp.BackendSet = current.BackendURL != ""
		if info, err := icron.GetTriggerInfo(current.SweepCron, now); err == nil {
			resp.Sweep = info
		}
	}

	s.sweepMu.Lock()
	if !s.lastSweep.At.IsZero() {
		last := s.lastSweep
		resp.LastSweep = &last
	}
	s.sweepMu.Unlock()

	writeJSON(w, http.StatusOK, resp)
}

// Package poll tracks background completion checks against the
// transcription backend, at most one per video.
package poll

import (
	"context"
	"sort"
	"sync"

	"github.com/MimeLyc/transcript-overlay/internal/metrics"
)

// Handle identifies one registered poll.
type Handle struct {
	VideoID string
	seq     uint64
	token   *Token
}

func (h *Handle) Cancel() {
	h.token.Cancel()
}

func (h *Handle) Token() *Token {
	return h.token
}

func (h *Handle) Cancelled() bool {
	return h.token.Cancelled()
}

// Registry maps video ids to their live poll handle.
type Registry struct {
	mu      sync.Mutex
	base    context.Context
	handles map[string]*Handle
	seq     uint64
}

func NewRegistry() *Registry {
	return NewRegistryWithContext(context.Background())
}

// NewRegistryWithContext derives every handle's token from ctx, so cancelling
// ctx stops all polls.
func NewRegistryWithContext(ctx context.Context) *Registry {
	return &Registry{
		base:    ctx,
		handles: make(map[string]*Handle),
	}
}

// Register creates a handle for videoID. A live handle for the same video is
// cancelled and replaced first.
func (r *Registry) Register(videoID string) *Handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.handles[videoID]; ok {
		old.Cancel()
		metrics.IncPollOutcome("superseded")
	} else {
		metrics.ActivePolls.Inc()
	}
	return r.add(videoID)
}

// RegisterIfIdle registers a handle only when videoID has no live one. The
// second result is false when an existing loop was left running.
func (r *Registry) RegisterIfIdle(videoID string) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.handles[videoID]; ok {
		return cur, false
	}
	metrics.ActivePolls.Inc()
	return r.add(videoID), true
}

func (r *Registry) add(videoID string) *Handle {
	r.seq++
	h := &Handle{VideoID: videoID, seq: r.seq, token: NewToken(r.base)}
	r.handles[videoID] = h
	return h
}

// Cancel cancels and removes the live handle for videoID. It reports whether
// one existed.
func (r *Registry) Cancel(videoID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.handles[videoID]
	if !ok {
		return false
	}
	h.Cancel()
	delete(r.handles, videoID)
	metrics.ActivePolls.Dec()
	metrics.IncPollOutcome("cancelled")
	return true
}

// Release removes h if it is still the registered handle for its video.
func (r *Registry) Release(h *Handle) bool {
	if h == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.handles[h.VideoID]
	if !ok || cur != h {
		return false
	}
	delete(r.handles, h.VideoID)
	metrics.ActivePolls.Dec()
	return true
}

func (r *Registry) Active(videoID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.handles[videoID]
	return ok
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}

// VideoIDs returns the videos with a live poll, sorted.
func (r *Registry) VideoIDs() []string {
	r.mu.Lock()
	ids := make([]string, 0, len(r.handles))
	for id := range r.handles {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// CancelAll is used on shutdown.
func (r *Registry) CancelAll() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.handles)
	for id, h := range r.handles {
		h.Cancel()
		delete(r.handles, id)
	}
	metrics.ActivePolls.Sub(float64(n))
	return n
}

// Package page holds the page content collaborators: snapshots pushed by the
// content script and the watch page loader used when none was pushed.
package page

import (
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/MimeLyc/transcript-overlay/internal/source/captions"
	"github.com/MimeLyc/transcript-overlay/internal/transcript"
)

const DefaultCapacity = 256

// Snapshot is what the watch page exposed for one video.
type Snapshot struct {
	VideoID       string               `json:"video_id"`
	CaptionTracks []captions.Track     `json:"caption_tracks,omitempty"`
	Description   string               `json:"description,omitempty"`
	Chapters      []transcript.Chapter `json:"chapters,omitempty"`
	UpdatedAt     time.Time            `json:"updated_at"`
}

func (s Snapshot) clone() Snapshot {
	s.CaptionTracks = slices.Clone(s.CaptionTracks)
	s.Chapters = slices.Clone(s.Chapters)
	return s
}

// Store keeps the latest snapshot per video. It serves as both the caption
// player data and the partial page content.
type Store struct {
	mu        sync.RWMutex
	snapshots map[string]Snapshot
	capacity  int
	now       func() time.Time
}

func NewStore(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store{
		snapshots: make(map[string]Snapshot),
		capacity:  capacity,
		now:       time.Now,
	}
}

// Put replaces the snapshot for snap.VideoID. When the store is full the
// least recently updated snapshot is dropped.
func (s *Store) Put(snap Snapshot) {
	snap = snap.clone()
	snap.Description = strings.TrimSpace(snap.Description)
	if snap.UpdatedAt.IsZero() {
		snap.UpdatedAt = s.now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[snap.VideoID] = snap
	if len(s.snapshots) > s.capacity {
		s.evictLocked(len(s.snapshots) - s.capacity)
	}
}

func (s *Store) evictLocked(n int) {
	ids := make([]string, 0, len(s.snapshots))
	for id := range s.snapshots {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return s.snapshots[ids[i]].UpdatedAt.Before(s.snapshots[ids[j]].UpdatedAt)
	})
	for _, id := range ids[:n] {
		delete(s.snapshots, id)
	}
}

func (s *Store) Get(videoID string) (Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snapshots[videoID]
	if !ok {
		return Snapshot{}, false
	}
	return snap.clone(), true
}

func (s *Store) Delete(videoID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.snapshots, videoID)
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.snapshots)
}

func (s *Store) CaptionTracks(videoID string) ([]captions.Track, bool) {
	snap, ok := s.Get(videoID)
	if !ok || len(snap.CaptionTracks) == 0 {
		return nil, false
	}
	return snap.CaptionTracks, true
}

func (s *Store) Description(videoID string) (string, bool) {
	snap, ok := s.Get(videoID)
	if !ok || snap.Description == "" {
		return "", false
	}
	return snap.Description, true
}

func (s *Store) Chapters(videoID string) ([]transcript.Chapter, bool) {
	snap, ok := s.Get(videoID)
	if !ok || len(snap.Chapters) == 0 {
		return nil, false
	}
	return snap.Chapters, true
}

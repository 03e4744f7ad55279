package pipeline

import (
	"context"
	"sync"

	"github.com/MimeLyc/transcript-overlay/internal/transcript"
)

// Session tracks the video a viewer is on. Navigating away cancels the poll
// of the previous video and updates for any other video are dropped.
type Session struct {
	orch     *Orchestrator
	listener Listener
	group    *Sessions

	mu     sync.RWMutex
	active string
}

func NewSession(orch *Orchestrator, listener Listener) *Session {
	return &Session{orch: orch, listener: listener}
}

// Navigate makes videoID the active video and fetches it.
func (s *Session) Navigate(ctx context.Context, videoID string) (transcript.Result, error) {
	if err := ValidateVideoID(videoID); err != nil {
		return nil, err
	}

	s.mu.Lock()
	prev := s.active
	s.active = videoID
	s.mu.Unlock()

	if prev != "" && prev != videoID {
		s.release(prev)
	}
	return s.orch.Fetch(ctx, videoID, ListenerFunc(s.forward))
}

func (s *Session) forward(result transcript.Result) {
	if s.listener == nil {
		return
	}
	// the loop for a video may have been started by another session of the
	// group that has since moved on
	if result.Video() != s.Active() && (s.group == nil || !s.group.watching(result.Video())) {
		return
	}
	s.listener.OnUpdate(result)
}

func (s *Session) Active() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// Leave cancels the active video's poll and clears it.
func (s *Session) Leave() {
	s.mu.Lock()
	prev := s.active
	s.active = ""
	s.mu.Unlock()

	if prev != "" {
		s.release(prev)
	}
}

// release cancels the poll for videoID unless another session of the group
// still has it active.
func (s *Session) release(videoID string) {
	if s.group != nil && s.group.watching(videoID) {
		return
	}
	s.orch.CancelActivePoll(videoID)
}

// Sessions is a bounded set of named sessions sharing one listener. A video's
// poll is cancelled only once no session in the set has it active.
type Sessions struct {
	orch     *Orchestrator
	listener Listener
	max      int

	mu     sync.Mutex
	byName map[string]*Session
}

func NewSessions(orch *Orchestrator, listener Listener, limit int) *Sessions {
	return &Sessions{
		orch:     orch,
		listener: listener,
		max:      limit,
		byName:   make(map[string]*Session),
	}
}

// Get returns the named session, creating it on first use. When the set is
// full an arbitrary session is evicted and left.
func (g *Sessions) Get(name string) *Session {
	g.mu.Lock()
	if sess, ok := g.byName[name]; ok {
		g.mu.Unlock()
		return sess
	}
	var evicted *Session
	if g.max > 0 && len(g.byName) >= g.max {
		for k, old := range g.byName {
			evicted = old
			delete(g.byName, k)
			break
		}
	}
	sess := &Session{orch: g.orch, listener: g.listener, group: g}
	g.byName[name] = sess
	g.mu.Unlock()

	// Leave asks the set who is watching, so it runs after the unlock
	if evicted != nil {
		evicted.Leave()
	}
	return sess
}

func (g *Sessions) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.byName)
}

// LeaveAll empties the set and leaves every session.
func (g *Sessions) LeaveAll() {
	g.mu.Lock()
	all := make([]*Session, 0, len(g.byName))
	for _, sess := range g.byName {
		all = append(all, sess)
	}
	clear(g.byName)
	g.mu.Unlock()

	for _, sess := range all {
		sess.Leave()
	}
}

func (g *Sessions) watching(videoID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, sess := range g.byName {
		if sess.Active() == videoID {
			return true
		}
	}
	return false
}

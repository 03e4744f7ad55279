package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/MimeLyc/transcript-overlay/internal/cache"
	"github.com/MimeLyc/transcript-overlay/internal/poll"
	"github.com/MimeLyc/transcript-overlay/internal/transcript"
	"github.com/MimeLyc/transcript-overlay/pkg/log"
)

type fakeCaptions struct {
	mu      sync.Mutex
	results map[string]transcript.CaptionResult
	calls   int
}

func (f *fakeCaptions) TryFetch(_ context.Context, videoID, _ string) (transcript.CaptionResult, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	r, ok := f.results[videoID]
	return r, ok
}

func (f *fakeCaptions) TryFetchLanguage(_ context.Context, videoID, code string) (transcript.CaptionResult, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.results[videoID]
	if !ok || r.Language != code {
		return transcript.CaptionResult{}, false
	}
	return r, true
}

func (f *fakeCaptions) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakePartial map[string]transcript.PartialResult

func (f fakePartial) TryFetch(videoID string) (transcript.PartialResult, bool) {
	r, ok := f[videoID]
	return r, ok
}

// fakeServer replays scripted statuses per video; the last one repeats.
type fakeServer struct {
	mu       sync.Mutex
	statuses map[string][]transcript.ServerResult
	submits  map[string]transcript.ServerResult
	checks   map[string]int
	submitN  map[string]int
	cancels  int
	// gate blocks every check numbered gateFrom or later until closed
	gate     chan struct{}
	gateFrom int
	started  chan string
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		statuses: make(map[string][]transcript.ServerResult),
		submits:  make(map[string]transcript.ServerResult),
		checks:   make(map[string]int),
		submitN:  make(map[string]int),
	}
}

func (s *fakeServer) script(videoID string, statuses ...transcript.ServerStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []transcript.ServerResult
	for _, st := range statuses {
		out = append(out, statusResult(videoID, st))
	}
	s.statuses[videoID] = out
}

func statusResult(videoID string, st transcript.ServerStatus) transcript.ServerResult {
	switch st {
	case transcript.StatusComplete:
		return transcript.NewServerResult(videoID, st, []transcript.Line{{Start: 0, Duration: 2, Text: "transcribed"}})
	case transcript.StatusError:
		return transcript.ServerError(videoID, "not found")
	default:
		return transcript.NewServerResult(videoID, st, nil)
	}
}

func (s *fakeServer) CheckStatus(_ context.Context, videoID, _ string) transcript.ServerResult {
	s.mu.Lock()
	n := s.checks[videoID]
	s.checks[videoID]++
	script := s.statuses[videoID]
	gate, started := s.gate, s.started
	gated := gate != nil && n >= s.gateFrom
	s.mu.Unlock()

	if gated {
		if started != nil {
			select {
			case started <- videoID:
			default:
			}
		}
		<-gate
	}
	if len(script) == 0 {
		return transcript.ServerError(videoID, "not found")
	}
	if n >= len(script) {
		n = len(script) - 1
	}
	return script[n]
}

func (s *fakeServer) Submit(_ context.Context, videoID, _ string) transcript.ServerResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submitN[videoID]++
	if r, ok := s.submits[videoID]; ok {
		return r
	}
	return statusResult(videoID, transcript.StatusProcessing)
}

func (s *fakeServer) Cancel(context.Context, string, string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancels++
	return true
}

func (s *fakeServer) Checks(videoID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checks[videoID]
}

func (s *fakeServer) Submits(videoID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.submitN[videoID]
}

type recordingListener struct {
	mu      sync.Mutex
	updates []transcript.Result
}

func (l *recordingListener) OnUpdate(r transcript.Result) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.updates = append(l.updates, r)
}

func (l *recordingListener) All() []transcript.Result {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]transcript.Result(nil), l.updates...)
}

type harness struct {
	captions *fakeCaptions
	partial  fakePartial
	server   *fakeServer
	cache    *cache.ResultCache
	store    *cache.MemoryStore
	orch     *Orchestrator
}

func newHarness(backend string) *harness {
	h := &harness{
		captions: &fakeCaptions{results: make(map[string]transcript.CaptionResult)},
		partial:  fakePartial{},
		server:   newFakeServer(),
		store:    cache.NewMemoryStore(),
	}
	h.cache = cache.New(h.store, cache.WithLogger(log.Nop()))
	poller := poll.NewPoller(poll.NewRegistry(), h.server, log.Nop())
	h.orch = New(Deps{
		Captions: h.captions,
		Partial:  h.partial,
		Server:   h.server,
		Poller:   poller,
		Cache:    h.cache,
		Settings: StaticSettings{BackendURL: backend, PreferredLanguage: "en"},
	}, WithLogger(log.Nop()), WithPollOptions(poll.WithInterval(time.Millisecond), poll.WithMaxAttempts(20)))
	return h
}

func (h *harness) waitIdle() {
	h.orch.poller.Wait()
}

package pipeline

import (
	"context"
	"time"

	"github.com/MimeLyc/transcript-overlay/internal/cache"
	"github.com/MimeLyc/transcript-overlay/internal/metrics"
	"github.com/MimeLyc/transcript-overlay/internal/poll"
	"github.com/MimeLyc/transcript-overlay/internal/transcript"
	"github.com/MimeLyc/transcript-overlay/pkg/log"
)

const backgroundWriteTimeout = 5 * time.Second

// Deps are the collaborators of an Orchestrator. Cache may be nil.
type Deps struct {
	Captions CaptionSource
	Partial  PartialSource
	Server   ServerSource
	Poller   *poll.Poller
	Cache    *cache.ResultCache
	Settings SettingsProvider
}

type Option func(*Orchestrator)

// WithPollOptions applies to every loop the orchestrator starts.
func WithPollOptions(opts ...poll.Option) Option {
	return func(o *Orchestrator) { o.pollOpts = append(o.pollOpts, opts...) }
}

func WithLogger(l *log.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

type Orchestrator struct {
	captions CaptionSource
	partial  PartialSource
	server   ServerSource
	poller   *poll.Poller
	cache    *cache.ResultCache
	settings SettingsProvider
	pollOpts []poll.Option
	logger   *log.Logger
}

func New(deps Deps, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		captions: deps.Captions,
		partial:  deps.Partial,
		server:   deps.Server,
		poller:   deps.Poller,
		cache:    deps.Cache,
		settings: deps.Settings,
		logger:   log.WithComponent("pipeline"),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.settings == nil {
		o.settings = StaticSettings{}
	}
	if o.poller == nil {
		o.poller = poll.NewPoller(poll.NewRegistry(), o.server, o.logger)
	}
	return o
}

// Fetch returns the best result available without waiting on transcription.
// Later results for videoID go to listener, which may be nil. The only error
// is ErrInvalidVideoID.
func (o *Orchestrator) Fetch(ctx context.Context, videoID string, listener Listener) (transcript.Result, error) {
	if err := ValidateVideoID(videoID); err != nil {
		return nil, err
	}
	settings := o.settings.Current()
	backend := settings.backend()

	if cached, ok := o.readCache(ctx, videoID); ok {
		if cached.Source().Tier() == transcript.TierB && backend != "" {
			o.startBackground(videoID, backend, listener)
		}
		metrics.IncResult(string(cached.Source()), "cache")
		return cached, nil
	}

	if r, ok := o.captions.TryFetch(ctx, videoID, settings.PreferredLanguage); ok {
		return o.respond(ctx, r, true), nil
	}

	if r, ok := o.partial.TryFetch(videoID); ok {
		if backend != "" {
			o.startBackground(videoID, backend, listener)
		}
		return o.respond(ctx, r, true), nil
	}

	if backend != "" {
		return o.fetchFromServer(ctx, videoID, backend, listener), nil
	}

	o.logger.Debug("Nothing available for %s and no backend configured", videoID)
	return o.respond(ctx, transcript.NewPartialResult(videoID, MsgConfigureBackend, nil), false), nil
}

// fetchFromServer is the path taken when neither captions nor page content
// exist.
func (o *Orchestrator) fetchFromServer(ctx context.Context, videoID, backend string, listener Listener) transcript.Result {
	status := o.server.CheckStatus(ctx, videoID, backend)
	switch status.Status {
	case transcript.StatusComplete:
		return o.respond(ctx, status, true)
	case transcript.StatusProcessing:
		if listener != nil {
			o.startPoll(videoID, backend, listener)
		}
		return o.respond(ctx, status, false)
	}

	submitted := o.server.Submit(ctx, videoID, backend)
	if submitted.Status == transcript.StatusComplete {
		return o.respond(ctx, submitted, true)
	}
	if submitted.Status == transcript.StatusError {
		o.logger.Warn("Submitting %s failed: %s", videoID, submitted.Error)
	}
	// the loop reports whatever the backend settles on, even after a failed
	// submission
	if listener != nil {
		o.startPoll(videoID, backend, listener)
	}
	return o.respond(ctx, submitted, false)
}

// startPoll drives a submitted video to completion, forwarding every update.
func (o *Orchestrator) startPoll(videoID, backend string, listener Listener) {
	update := func(r transcript.ServerResult) {
		if r.Terminal() {
			o.writeCache(context.Background(), r)
		}
		metrics.IncResult(string(r.Source()), "update")
		listener.OnUpdate(r)
	}
	o.poller.PollForCompletion(videoID, backend, update, o.pollConfig()...)
}

// startBackground upgrades a partial result to a server transcription. It
// never downgrades: only a complete transcription is cached, and a terminal
// error is forwarded marked as Background so the partial result stays up.
// Without a listener it leaves a running loop alone, since that loop already
// warms the cache and may be serving a viewer.
func (o *Orchestrator) startBackground(videoID, backend string, listener Listener) {
	reg := o.poller.Registry()
	var h *poll.Handle
	if listener == nil {
		var fresh bool
		if h, fresh = reg.RegisterIfIdle(videoID); !fresh {
			o.logger.Debug("Background loop for %s already running", videoID)
			return
		}
	} else {
		h = reg.Register(videoID)
	}

	upgrade := func(r transcript.ServerResult) {
		switch r.Status {
		case transcript.StatusComplete:
			o.writeCache(context.Background(), r)
		case transcript.StatusError:
			o.logger.Warn("Background transcription for %s ended with error: %s", videoID, r.Error)
		default:
			return
		}
		metrics.IncResult(string(r.Source()), "update")
		if listener != nil {
			r.Background = true
			listener.OnUpdate(r)
		}
	}

	o.poller.Go(func() {
		ctx := h.Token().Context()
		status := o.server.CheckStatus(ctx, videoID, backend)
		if h.Cancelled() {
			o.poller.Registry().Release(h)
			return
		}

		switch status.Status {
		case transcript.StatusComplete:
			upgrade(status)
			o.poller.Registry().Release(h)
			return
		case transcript.StatusProcessing:
		default:
			submitted := o.server.Submit(ctx, videoID, backend)
			if h.Cancelled() {
				o.poller.Registry().Release(h)
				return
			}
			if submitted.Status != transcript.StatusProcessing {
				upgrade(submitted)
				o.poller.Registry().Release(h)
				return
			}
		}

		cfg := o.poller.Config(o.pollConfig()...)
		o.poller.Drive(h, backend, upgrade, cfg)
	})
}

// pollConfig delays the first check by one interval since every caller has
// just received a status.
func (o *Orchestrator) pollConfig() []poll.Option {
	opts := append([]poll.Option(nil), o.pollOpts...)
	return append(opts, func(c *poll.Config) {
		if c.InitialDelay == 0 {
			c.InitialDelay = c.Interval
		}
	})
}

// respond records the result and caches it when store is set.
func (o *Orchestrator) respond(ctx context.Context, r transcript.Result, store bool) transcript.Result {
	if store {
		o.writeCache(ctx, r)
	}
	metrics.IncResult(string(r.Source()), "sync")
	return r
}

func (o *Orchestrator) readCache(ctx context.Context, videoID string) (transcript.Result, bool) {
	if o.cache == nil {
		return nil, false
	}
	r, ok := o.cache.Read(ctx, videoID)
	if !ok {
		return nil, false
	}
	if sr, isServer := r.(transcript.ServerResult); isServer && sr.Status != transcript.StatusComplete {
		return nil, false
	}
	return r, true
}

func (o *Orchestrator) writeCache(ctx context.Context, r transcript.Result) {
	if o.cache == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), backgroundWriteTimeout)
	defer cancel()
	if err := o.cache.Write(ctx, r); err != nil {
		o.logger.Warn("Caching %s result for %s failed: %v", r.Source(), r.Video(), err)
	}
}

// FetchLanguage returns the caption track in exactly languageCode. It is not
// cached.
func (o *Orchestrator) FetchLanguage(ctx context.Context, videoID, languageCode string) (transcript.Result, error) {
	if err := ValidateVideoID(videoID); err != nil {
		return nil, err
	}
	r, ok := o.captions.TryFetchLanguage(ctx, videoID, languageCode)
	if !ok {
		return nil, ErrLanguageUnavailable
	}
	metrics.IncResult(string(r.Source()), "sync")
	return r, nil
}

// CancelActivePoll stops the background loop for videoID, if any. No update
// for it is delivered afterwards, except one that was already being handed
// to the listener.
func (o *Orchestrator) CancelActivePoll(videoID string) bool {
	return o.poller.Registry().Cancel(videoID)
}

// CancelTranscription cancels the local poll and asks the backend to drop
// the job. The backend answer is best effort.
func (o *Orchestrator) CancelTranscription(ctx context.Context, videoID string) (local, remote bool) {
	local = o.CancelActivePoll(videoID)
	if backend := o.settings.Current().backend(); backend != "" {
		remote = o.server.Cancel(ctx, videoID, backend)
	}
	return local, remote
}

// Invalidate drops the cached result and any poll for videoID.
func (o *Orchestrator) Invalidate(ctx context.Context, videoID string) error {
	if err := ValidateVideoID(videoID); err != nil {
		return err
	}
	o.CancelActivePoll(videoID)
	if o.cache == nil {
		return nil
	}
	if err := o.cache.Remove(ctx, videoID); err != nil {
		return err
	}
	metrics.AddCacheEvictions("invalidate", 1)
	return nil
}

// Polling reports whether videoID has a live background loop.
func (o *Orchestrator) Polling(videoID string) bool {
	return o.poller.Registry().Active(videoID)
}

// ActivePolls lists videos with a live background loop.
func (o *Orchestrator) ActivePolls() []string {
	return o.poller.Registry().VideoIDs()
}

func (o *Orchestrator) Cache() *cache.ResultCache {
	return o.cache
}

// Shutdown cancels every poll and waits for the loops to exit.
func (o *Orchestrator) Shutdown() {
	n := o.poller.Registry().CancelAll()
	o.poller.Wait()
	if n > 0 {
		o.logger.Info("Cancelled %d active polls on shutdown", n)
	}
}

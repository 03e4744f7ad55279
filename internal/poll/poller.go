package poll

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/MimeLyc/transcript-overlay/internal/metrics"
	"github.com/MimeLyc/transcript-overlay/internal/transcript"
	"github.com/MimeLyc/transcript-overlay/pkg/log"
)

const (
	DefaultMaxAttempts = 60
	DefaultInterval    = 5 * time.Second

	MsgTimeout = "timeout"
)

// StatusChecker is the part of the backend client the loop needs.
type StatusChecker interface {
	CheckStatus(ctx context.Context, videoID, backendURL string) transcript.ServerResult
}

// UpdateFunc receives every result the loop delivers, in order.
type UpdateFunc func(transcript.ServerResult)

type Config struct {
	MaxAttempts int
	Interval    time.Duration
	// InitialDelay postpones the first check, for callers that already hold
	// a fresh status.
	InitialDelay time.Duration
}

func DefaultConfig() Config {
	return Config{MaxAttempts: DefaultMaxAttempts, Interval: DefaultInterval}
}

type Option func(*Config)

func WithMaxAttempts(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.MaxAttempts = n
		}
	}
}

func WithInterval(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.Interval = d
		}
	}
}

func WithInitialDelay(d time.Duration) Option {
	return func(c *Config) { c.InitialDelay = d }
}

// Poller drives tier C results from processing to a terminal status.
type Poller struct {
	registry *Registry
	checker  StatusChecker
	defaults Config
	logger   *log.Logger
	wg       sync.WaitGroup
}

func NewPoller(registry *Registry, checker StatusChecker, logger *log.Logger, opts ...Option) *Poller {
	if registry == nil {
		registry = NewRegistry()
	}
	if logger == nil {
		logger = log.WithComponent("poll")
	}
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Poller{
		registry: registry,
		checker:  checker,
		defaults: cfg,
		logger:   logger,
	}
}

func (p *Poller) Registry() *Registry {
	return p.registry
}

// Config returns the poller defaults with opts applied.
func (p *Poller) Config(opts ...Option) Config {
	cfg := p.defaults
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// PollForCompletion supersedes any poll for videoID and starts a new loop in
// the background.
func (p *Poller) PollForCompletion(videoID, backendURL string, onUpdate UpdateFunc, opts ...Option) *Handle {
	h := p.registry.Register(videoID)
	cfg := p.Config(opts...)
	p.Go(func() { p.Drive(h, backendURL, onUpdate, cfg) })
	return h
}

// Go runs fn on a goroutine tracked by Wait.
func (p *Poller) Go(fn func()) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		fn()
	}()
}

// Wait blocks until every loop started through this poller has returned.
func (p *Poller) Wait() {
	p.wg.Wait()
}

// Drive runs the completion loop for an already registered handle and
// returns when the loop stops. Nothing is delivered once h is cancelled.
func (p *Poller) Drive(h *Handle, backendURL string, onUpdate UpdateFunc, cfg Config) {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	tok := h.Token()
	videoID := h.VideoID
	defer p.registry.Release(h)

	deliver := func(r transcript.ServerResult) bool {
		if tok.Cancelled() {
			return false
		}
		if onUpdate != nil {
			onUpdate(r)
		}
		return true
	}

	if cfg.InitialDelay > 0 && !wait(tok, cfg.InitialDelay) {
		return
	}

	attempts := 0
	for {
		if tok.Cancelled() {
			p.logger.Debug("Poll for %s stopped after cancellation", videoID)
			return
		}
		if attempts >= cfg.MaxAttempts {
			if deliver(transcript.ServerError(videoID, MsgTimeout)) {
				metrics.IncPollOutcome("timeout")
				p.logger.Warn("Poll for %s gave up after %d attempts", videoID, attempts)
			}
			return
		}

		result, err := p.check(tok.Context(), videoID, backendURL)
		if tok.Cancelled() {
			return
		}
		if err != nil {
			if deliver(transcript.ServerError(videoID, err.Error())) {
				metrics.IncPollOutcome("error")
				p.logger.Error("Poll for %s failed: %v", videoID, err)
			}
			return
		}
		if !deliver(result) {
			return
		}
		if result.Terminal() {
			metrics.IncPollOutcome(string(result.Status))
			return
		}

		attempts++
		if !wait(tok, cfg.Interval) {
			return
		}
	}
}

// wait sleeps for d and reports false if tok was cancelled meanwhile.
func wait(tok *Token, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-tok.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (p *Poller) check(ctx context.Context, videoID, backendURL string) (result transcript.ServerResult, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("status check panicked: %v", rec)
		}
	}()
	return p.checker.CheckStatus(ctx, videoID, backendURL), nil
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/MimeLyc/transcript-overlay/internal/config"
	"github.com/MimeLyc/transcript-overlay/internal/events"
	"github.com/MimeLyc/transcript-overlay/internal/httpapi"
	"github.com/MimeLyc/transcript-overlay/internal/jobs"
	"github.com/MimeLyc/transcript-overlay/pkg/log"
)

const (
	shutdownTimeout = 10 * time.Second
	cronStopTimeout = 5 * time.Second
	sweepRunTimeout = time.Minute
)

type scheduler interface {
	Schedule(ctx context.Context) error
}

type cronEngine interface {
	Start()
	Stop() context.Context
}

type httpServer interface {
	ListenAndServe(addr string) error
	Shutdown(ctx context.Context) error
}

func runServe(ctx context.Context, cfg *config.Config) error {
	if dir := filepath.Dir(cfg.System.SettingsFile); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create settings dir: %w", err)
		}
	}
	settings, err := config.NewRuntimeSettingsStore(cfg.System.SettingsFile, cfg.Settings)
	if err != nil {
		return err
	}
	if err := settings.StartWatcher(ctx); err != nil {
		log.Warn("Settings hot reload disabled: %v", err)
	}

	comps, err := buildComponents(ctx, cfg, settings)
	if err != nil {
		return err
	}
	defer func() {
		if err := comps.Close(); err != nil {
			log.Warn("Close stores: %v", err)
		}
	}()

	queue := jobs.NewQueue(cfg.System.PrefetchWorkers, comps.jobs)
	queue.Start(comps.prefetchExecutor())
	defer queue.Stop()

	bus := events.NewBus(events.DefaultBuffer, nil)
	defer bus.Close()

	srv := httpapi.NewServer(comps.orch,
		httpapi.WithEvents(bus),
		httpapi.WithPages(comps.pages),
		httpapi.WithQueue(queue),
		httpapi.WithRuntimeSettingsStore(settings),
		httpapi.WithRateLimit(cfg.HTTP.RateLimit),
		httpapi.WithAllowOrigin(cfg.HTTP.AllowOrigin),
		httpapi.WithUI(cfg.HTTP.UIDir, cfg.HTTP.UIDir != ""),
	)

	cronEng := cron.New()
	sweeper := newSweepScheduler(cronEng, settings, srv.Sweep)

	log.Info("Listening on %s (cache=%s)", cfg.HTTP.Addr, cfg.Cache.Backend)
	return runWithComponents(ctx, cfg, sweeper, cronEng, srv)
}

// runWithComponents schedules the sweeper, serves HTTP until ctx ends and
// then shuts both down.
func runWithComponents(ctx context.Context, cfg *config.Config, sched scheduler, cronEng cronEngine, httpSrv httpServer) error {
	if err := sched.Schedule(ctx); err != nil {
		return fmt.Errorf("schedule cache sweep: %w", err)
	}
	cronEng.Start()
	defer func() {
		select {
		case <-cronEng.Stop().Done():
		case <-time.After(cronStopTimeout):
			log.Warn("Cron jobs still running after %s", cronStopTimeout)
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := httpSrv.ListenAndServe(cfg.HTTP.Addr)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

type settingsSource interface {
	Get() config.RuntimeSettings
	OnChange(fn func(config.RuntimeSettings))
}

type cronScheduler interface {
	AddFunc(spec string, cmd func()) (cron.EntryID, error)
	Remove(id cron.EntryID)
}

// sweepScheduler runs the cache sweep on the configured cron expression and
// moves it when the settings change.
type sweepScheduler struct {
	cron     cronScheduler
	settings settingsSource
	sweep    func(ctx context.Context) (int, error)

	mu    sync.Mutex
	entry cron.EntryID
	expr  string
}

func newSweepScheduler(c cronScheduler, settings settingsSource, sweep func(ctx context.Context) (int, error)) *sweepScheduler {
	return &sweepScheduler{cron: c, settings: settings, sweep: sweep}
}

func (s *sweepScheduler) Schedule(ctx context.Context) error {
	if err := s.reschedule(ctx, s.settings.Get().SweepCron); err != nil {
		return err
	}
	s.settings.OnChange(func(next config.RuntimeSettings) {
		if err := s.reschedule(ctx, next.SweepCron); err != nil {
			log.Warn("Keep previous sweep schedule %q: %v", s.current(), err)
		}
	})
	return nil
}

func (s *sweepScheduler) reschedule(ctx context.Context, expr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.entry != 0 && expr == s.expr {
		return nil
	}
	id, err := s.cron.AddFunc(expr, func() {
		runCtx, cancel := context.WithTimeout(ctx, sweepRunTimeout)
		defer cancel()
		_, _ = s.sweep(runCtx)
	})
	if err != nil {
		return err
	}
	if s.entry != 0 {
		s.cron.Remove(s.entry)
	}
	s.entry, s.expr = id, expr
	log.Info("Cache sweep scheduled: %s", expr)
	return nil
}

func (s *sweepScheduler) current() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expr
}

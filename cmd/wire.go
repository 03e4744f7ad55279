package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/MimeLyc/transcript-overlay/internal/cache"
	"github.com/MimeLyc/transcript-overlay/internal/config"
	"github.com/MimeLyc/transcript-overlay/internal/jobs"
	"github.com/MimeLyc/transcript-overlay/internal/page"
	"github.com/MimeLyc/transcript-overlay/internal/persistence"
	"github.com/MimeLyc/transcript-overlay/internal/pipeline"
	"github.com/MimeLyc/transcript-overlay/internal/poll"
	"github.com/MimeLyc/transcript-overlay/internal/source/captions"
	"github.com/MimeLyc/transcript-overlay/internal/source/partial"
	"github.com/MimeLyc/transcript-overlay/internal/source/server"
	"github.com/MimeLyc/transcript-overlay/pkg/log"
)

// components is everything serve and fetch share.
type components struct {
	pages  *page.Store
	loader *page.WatchPageLoader
	orch   *pipeline.Orchestrator
	jobs   jobs.Store

	closers []func() error
}

func buildComponents(ctx context.Context, cfg *config.Config, settings pipeline.SettingsProvider) (*components, error) {
	c := &components{
		pages: page.NewStore(page.DefaultCapacity),
		loader: page.NewWatchPageLoader(
			page.WithLoaderBaseURL(cfg.Captions.BaseURL),
		),
	}

	store, err := c.openStores(ctx, cfg)
	if err != nil {
		c.Close()
		return nil, err
	}

	client := server.NewClient(
		server.WithRateLimit(cfg.Backend.RateLimit, 1),
	)
	poller := poll.NewPoller(poll.NewRegistry(), client, log.WithComponent("poll"))
	c.orch = pipeline.New(pipeline.Deps{
		Captions: captions.NewFetcher(c.pages,
			captions.WithBaseURL(cfg.Captions.BaseURL),
			captions.WithTimeout(cfg.Captions.Timeout),
		),
		Partial:  partial.NewExtractor(c.pages, nil),
		Server:   client,
		Poller:   poller,
		Cache:    cache.New(store),
		Settings: settings,
	}, pipeline.WithPollOptions(
		poll.WithInterval(cfg.Backend.PollInterval),
		poll.WithMaxAttempts(cfg.Backend.PollMaxAttempts),
	))
	return c, nil
}

// openStores picks the result cache store. Prefetch jobs live in SQLite
// unless the cache is memory only.
func (c *components) openStores(ctx context.Context, cfg *config.Config) (cache.Store, error) {
	openSQLite := func() (*persistence.SQLiteStore, error) {
		if err := os.MkdirAll(cfg.System.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		db, err := persistence.NewSQLiteStore(cfg.DBPath())
		if err != nil {
			return nil, err
		}
		c.closers = append(c.closers, db.Close)
		c.jobs = db
		return db, nil
	}

	switch cfg.Cache.Backend {
	case config.CacheMemory:
		store := cache.NewMemoryStore()
		c.closers = append(c.closers, store.Close)
		return store, nil
	case config.CacheRedis:
		if _, err := openSQLite(); err != nil {
			return nil, err
		}
		store, err := cache.NewRedisStore(ctx, cache.RedisConfig{
			Addr:     cfg.Cache.RedisAddr,
			Password: cfg.Cache.RedisPassword,
			DB:       cfg.Cache.RedisDB,
		})
		if err != nil {
			return nil, err
		}
		c.closers = append(c.closers, store.Close)
		return store, nil
	case config.CacheBadger:
		if _, err := openSQLite(); err != nil {
			return nil, err
		}
		store, err := cache.OpenBadgerStore(cfg.Cache.BadgerDir)
		if err != nil {
			return nil, err
		}
		c.closers = append(c.closers, store.Close)
		return store, nil
	default:
		return openSQLite()
	}
}

// Close stops the orchestrator and closes stores in reverse order.
func (c *components) Close() error {
	if c.orch != nil {
		c.orch.Shutdown()
	}
	var errList []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			errList = append(errList, err)
		}
	}
	c.closers = nil
	return errors.Join(errList...)
}

// prefetchExecutor warms the cache for one job. The watch page is loaded
// first when no snapshot was pushed for the video.
func (c *components) prefetchExecutor() jobs.Executor {
	logger := log.WithComponent("prefetch")
	return func(ctx context.Context, job *jobs.PrefetchJob) (string, error) {
		if _, ok := c.pages.Get(job.VideoID); !ok {
			if err := c.loader.LoadInto(ctx, c.pages, job.VideoID); err != nil {
				logger.Warn("Load watch page for %s: %v", job.VideoID, err)
			}
		}
		if job.Language != "" {
			r, err := c.orch.FetchLanguage(ctx, job.VideoID, job.Language)
			if err != nil {
				return "", err
			}
			return string(r.Source()), nil
		}
		r, err := c.orch.Fetch(ctx, job.VideoID, nil)
		if err != nil {
			return "", err
		}
		return string(r.Source()), nil
	}
}

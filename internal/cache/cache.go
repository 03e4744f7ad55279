// Package cache keeps the last resolved transcript result per video with a
// tier-dependent freshness window.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/MimeLyc/transcript-overlay/internal/metrics"
	"github.com/MimeLyc/transcript-overlay/internal/transcript"
	"github.com/MimeLyc/transcript-overlay/pkg/log"
)

const (
	KeyPrefix = "transcript_"
	IndexKey  = "transcript_cache_index"

	TTLCaptions = 24 * time.Hour
	TTLPartial  = time.Hour
	TTLServer   = 7 * 24 * time.Hour
	TTLDefault  = TTLCaptions
)

// TTLFor returns the freshness window for a result of the given source.
func TTLFor(source transcript.Source) time.Duration {
	switch source.Tier() {
	case transcript.TierA:
		return TTLCaptions
	case transcript.TierB:
		return TTLPartial
	case transcript.TierC:
		return TTLServer
	default:
		return TTLDefault
	}
}

// Entry is the persisted form of a cached result. Times are unix milliseconds.
type Entry struct {
	VideoID  string          `json:"videoId"`
	Result   json.RawMessage `json:"result"`
	CachedAt int64           `json:"cachedAt"`
	TTL      int64           `json:"ttl"`
}

// ExpiresAt is the last instant at which the entry is still fresh.
func (e Entry) ExpiresAt() int64 {
	return e.CachedAt + e.TTL
}

func (e Entry) Stale(nowMs int64) bool {
	return nowMs > e.ExpiresAt()
}

type Option func(*ResultCache)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *ResultCache) { c.now = now }
}

func WithLogger(l *log.Logger) Option {
	return func(c *ResultCache) { c.logger = l }
}

// ResultCache is the TTL policy over a Store.
type ResultCache struct {
	store  Store
	now    func() time.Time
	logger *log.Logger

	// guards entry writes and removals together with the index
	indexMu sync.Mutex
}

func New(store Store, opts ...Option) *ResultCache {
	c := &ResultCache{
		store:  store,
		now:    time.Now,
		logger: log.WithComponent("cache"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func entryKey(videoID string) string {
	return KeyPrefix + videoID
}

// Read returns the cached result, or false when there is none or it is stale.
// Stale entries are removed. Store failures are logged and read as a miss.
func (c *ResultCache) Read(ctx context.Context, videoID string) (transcript.Result, bool) {
	entry, ok, err := c.readEntry(ctx, videoID)
	if err != nil {
		c.logger.Warn("Cache read for %s failed: %v", videoID, err)
		metrics.IncCacheLookup("miss")
		return nil, false
	}
	if !ok {
		metrics.IncCacheLookup("miss")
		return nil, false
	}

	if entry.Stale(c.nowMs()) {
		metrics.IncCacheLookup("expired")
		removed, err := c.removeIfUnchanged(ctx, videoID, entry.CachedAt)
		if err != nil {
			c.logger.Warn("Removing stale entry for %s failed: %v", videoID, err)
		} else if removed {
			metrics.AddCacheEvictions("expired", 1)
		}
		return nil, false
	}

	result, err := transcript.Decode(entry.Result)
	if err != nil {
		c.logger.Warn("Dropping undecodable entry for %s: %v", videoID, err)
		metrics.IncCacheLookup("miss")
		_, _ = c.removeIfUnchanged(ctx, videoID, entry.CachedAt)
		return nil, false
	}
	metrics.IncCacheLookup("hit")
	return result, true
}

func (c *ResultCache) readEntry(ctx context.Context, videoID string) (Entry, bool, error) {
	data, ok, err := c.store.Get(ctx, entryKey(videoID))
	if err != nil || !ok {
		return Entry{}, false, err
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return Entry{}, false, fmt.Errorf("decode entry: %w", err)
	}
	return entry, true, nil
}

// Write stores result with the TTL of its tier and records its expiry in the
// index.
func (c *ResultCache) Write(ctx context.Context, result transcript.Result) error {
	if result == nil {
		return fmt.Errorf("cache write: nil result")
	}
	videoID := result.Video()
	payload, err := transcript.Encode(result)
	if err != nil {
		return fmt.Errorf("cache write %s: %w", videoID, err)
	}

	entry := Entry{
		VideoID:  videoID,
		Result:   payload,
		CachedAt: c.nowMs(),
		TTL:      TTLFor(result.Source()).Milliseconds(),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("cache write %s: %w", videoID, err)
	}

	// entry and index change together so a sweep or stale removal never sees
	// one without the other
	c.indexMu.Lock()
	defer c.indexMu.Unlock()
	if err := c.store.Set(ctx, entryKey(videoID), data); err != nil {
		return err
	}
	return c.updateIndexLocked(ctx, func(idx map[string]int64) {
		idx[videoID] = entry.ExpiresAt()
	})
}

// Remove deletes one entry and its index record.
func (c *ResultCache) Remove(ctx context.Context, videoID string) error {
	c.indexMu.Lock()
	defer c.indexMu.Unlock()
	return c.removeLocked(ctx, videoID)
}

// removeIfUnchanged removes the entry for videoID only if it is still the
// one written at cachedAt. A write that landed after the caller's read is kept.
func (c *ResultCache) removeIfUnchanged(ctx context.Context, videoID string, cachedAt int64) (bool, error) {
	c.indexMu.Lock()
	defer c.indexMu.Unlock()

	cur, ok, err := c.readEntry(ctx, videoID)
	if err != nil {
		return false, err
	}
	if !ok || cur.CachedAt != cachedAt {
		return false, nil
	}
	return true, c.removeLocked(ctx, videoID)
}

func (c *ResultCache) removeLocked(ctx context.Context, videoID string) error {
	if err := c.store.Remove(ctx, entryKey(videoID)); err != nil {
		return err
	}
	return c.updateIndexLocked(ctx, func(idx map[string]int64) {
		delete(idx, videoID)
	})
}

// Clear deletes every indexed entry and the index itself.
func (c *ResultCache) Clear(ctx context.Context) (int, error) {
	c.indexMu.Lock()
	defer c.indexMu.Unlock()

	idx, err := c.loadIndex(ctx)
	if err != nil {
		return 0, err
	}
	keys := make([]string, 0, len(idx)+1)
	for id := range idx {
		keys = append(keys, entryKey(id))
	}
	keys = append(keys, IndexKey)
	if err := c.store.Remove(ctx, keys...); err != nil {
		return 0, err
	}
	metrics.AddCacheEvictions("clear", len(idx))
	return len(idx), nil
}

// SweepExpired removes every entry whose indexed expiry has passed and
// returns how many were removed.
func (c *ResultCache) SweepExpired(ctx context.Context) (int, error) {
	c.indexMu.Lock()
	defer c.indexMu.Unlock()

	idx, err := c.loadIndex(ctx)
	if err != nil {
		return 0, err
	}
	now := c.nowMs()
	var expired []string
	for id, exp := range idx {
		if now > exp {
			expired = append(expired, id)
		}
	}
	if len(expired) == 0 {
		return 0, nil
	}

	keys := make([]string, len(expired))
	for i, id := range expired {
		keys[i] = entryKey(id)
		delete(idx, id)
	}
	if err := c.store.Remove(ctx, keys...); err != nil {
		return 0, err
	}
	if err := c.saveIndex(ctx, idx); err != nil {
		return 0, err
	}
	metrics.AddCacheEvictions("sweep", len(expired))
	c.logger.Info("Swept %d expired cache entries", len(expired))
	return len(expired), nil
}

// IndexRecord is one row of the expiry index.
type IndexRecord struct {
	VideoID   string    `json:"videoId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Index lists indexed entries ordered by expiry.
func (c *ResultCache) Index(ctx context.Context) ([]IndexRecord, error) {
	c.indexMu.Lock()
	idx, err := c.loadIndex(ctx)
	c.indexMu.Unlock()
	if err != nil {
		return nil, err
	}
	out := make([]IndexRecord, 0, len(idx))
	for id, exp := range idx {
		out = append(out, IndexRecord{VideoID: id, ExpiresAt: time.UnixMilli(exp).UTC()})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ExpiresAt.Equal(out[j].ExpiresAt) {
			return strings.Compare(out[i].VideoID, out[j].VideoID) < 0
		}
		return out[i].ExpiresAt.Before(out[j].ExpiresAt)
	})
	return out, nil
}

func (c *ResultCache) updateIndexLocked(ctx context.Context, fn func(map[string]int64)) error {
	idx, err := c.loadIndex(ctx)
	if err != nil {
		return err
	}
	fn(idx)
	return c.saveIndex(ctx, idx)
}

func (c *ResultCache) loadIndex(ctx context.Context) (map[string]int64, error) {
	data, ok, err := c.store.Get(ctx, IndexKey)
	if err != nil {
		return nil, err
	}
	idx := make(map[string]int64)
	if !ok || len(data) == 0 {
		return idx, nil
	}
	if err := json.Unmarshal(data, &idx); err != nil {
		c.logger.Warn("Cache index is corrupt, starting over: %v", err)
		return make(map[string]int64), nil
	}
	return idx, nil
}

func (c *ResultCache) saveIndex(ctx context.Context, idx map[string]int64) error {
	data, err := json.Marshal(idx)
	if err != nil {
		return err
	}
	return c.store.Set(ctx, IndexKey, data)
}

func (c *ResultCache) nowMs() int64 {
	return c.now().UnixMilli()
}

package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MimeLyc/transcript-overlay/internal/transcript"
	"github.com/MimeLyc/transcript-overlay/pkg/log"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestCache(store Store, clock *fakeClock) *ResultCache {
	return New(store, WithClock(clock.Now), WithLogger(log.Nop()))
}

func captionResult(id string) transcript.Result {
	return transcript.NewCaptionResult(id, false, []transcript.Line{{Start: 0, Duration: 1, Text: "hi"}}, "en", "English", nil)
}

func partialResult(id string) transcript.Result {
	return transcript.NewPartialResult(id, "D", nil)
}

func serverResult(id string) transcript.Result {
	return transcript.NewServerResult(id, transcript.StatusComplete, []transcript.Line{{Start: 2, Duration: 1, Text: "done"}})
}

func TestTTLFor(t *testing.T) {
	assert.Equal(t, 24*time.Hour, TTLFor(transcript.SourceCaptions))
	assert.Equal(t, 24*time.Hour, TTLFor(transcript.SourceAutoGenerated))
	assert.Equal(t, time.Hour, TTLFor(transcript.SourcePartial))
	assert.Equal(t, 7*24*time.Hour, TTLFor(transcript.SourceServer))
	assert.Equal(t, 24*time.Hour, TTLFor(transcript.Source("something-else")))
}

func TestResultCache_TTLBoundaries(t *testing.T) {
	tests := []struct {
		name   string
		result func(string) transcript.Result
		ttl    time.Duration
	}{
		{"captions", captionResult, 24 * time.Hour},
		{"partial", partialResult, time.Hour},
		{"server", serverResult, 7 * 24 * time.Hour},
	}

	for _, tt := range tests {
		t.Run(tt.name+" just before expiry", func(t *testing.T) {
			clock := newFakeClock()
			c := newTestCache(NewMemoryStore(), clock)
			ctx := context.Background()
			want := tt.result("vid_abc123")

			require.NoError(t, c.Write(ctx, want))
			clock.Advance(tt.ttl - time.Millisecond)

			got, ok := c.Read(ctx, "vid_abc123")
			require.True(t, ok)
			assert.Equal(t, want, got)
		})

		t.Run(tt.name+" exactly at expiry", func(t *testing.T) {
			clock := newFakeClock()
			c := newTestCache(NewMemoryStore(), clock)
			ctx := context.Background()

			require.NoError(t, c.Write(ctx, tt.result("vid_abc123")))
			clock.Advance(tt.ttl)

			_, ok := c.Read(ctx, "vid_abc123")
			assert.True(t, ok)
		})

		t.Run(tt.name+" just after expiry", func(t *testing.T) {
			clock := newFakeClock()
			store := NewMemoryStore()
			c := newTestCache(store, clock)
			ctx := context.Background()

			require.NoError(t, c.Write(ctx, tt.result("vid_abc123")))
			clock.Advance(tt.ttl + time.Millisecond)

			_, ok := c.Read(ctx, "vid_abc123")
			assert.False(t, ok)

			_, exists, err := store.Get(ctx, KeyPrefix+"vid_abc123")
			require.NoError(t, err)
			assert.False(t, exists, "stale entry must be deleted on read")

			idx, err := c.Index(ctx)
			require.NoError(t, err)
			assert.Empty(t, idx)
		})
	}
}

func TestResultCache_OverwriteResetsTTL(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(NewMemoryStore(), clock)
	ctx := context.Background()

	require.NoError(t, c.Write(ctx, partialResult("vid_abc123")))
	clock.Advance(30 * time.Minute)
	require.NoError(t, c.Write(ctx, serverResult("vid_abc123")))
	clock.Advance(2 * time.Hour)

	got, ok := c.Read(ctx, "vid_abc123")
	require.True(t, ok)
	assert.Equal(t, transcript.SourceServer, got.Source())

	entry, ok, err := c.readEntry(ctx, "vid_abc123")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, (7 * 24 * time.Hour).Milliseconds(), entry.TTL)
}

func TestResultCache_RemoveAndClear(t *testing.T) {
	clock := newFakeClock()
	store := NewMemoryStore()
	c := newTestCache(store, clock)
	ctx := context.Background()

	for _, id := range []string{"vid_aaaaaa", "vid_bbbbbb", "vid_cccccc"} {
		require.NoError(t, c.Write(ctx, captionResult(id)))
	}

	require.NoError(t, c.Remove(ctx, "vid_aaaaaa"))
	_, ok := c.Read(ctx, "vid_aaaaaa")
	assert.False(t, ok)

	idx, err := c.Index(ctx)
	require.NoError(t, err)
	assert.Len(t, idx, 2)

	n, err := c.Clear(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 0, store.Len())
}

func TestResultCache_SweepExpired(t *testing.T) {
	clock := newFakeClock()
	store := NewMemoryStore()
	c := newTestCache(store, clock)
	ctx := context.Background()

	require.NoError(t, c.Write(ctx, partialResult("vid_partial")))
	require.NoError(t, c.Write(ctx, captionResult("vid_caption")))
	require.NoError(t, c.Write(ctx, serverResult("vid_server1")))

	n, err := c.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	clock.Advance(2 * time.Hour)
	n, err = c.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	clock.Advance(24 * time.Hour)
	n, err = c.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	idx, err := c.Index(ctx)
	require.NoError(t, err)
	require.Len(t, idx, 1)
	assert.Equal(t, "vid_server1", idx[0].VideoID)

	_, exists, err := store.Get(ctx, KeyPrefix+"vid_partial")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestResultCache_CorruptEntryIsMiss(t *testing.T) {
	clock := newFakeClock()
	store := NewMemoryStore()
	c := newTestCache(store, clock)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, KeyPrefix+"vid_abc123", []byte("{not json")))
	_, ok := c.Read(ctx, "vid_abc123")
	assert.False(t, ok)
}

func TestResultCache_StoreFailureIsMiss(t *testing.T) {
	store := NewMemoryStore()
	c := newTestCache(store, newFakeClock())
	require.NoError(t, store.Close())

	_, ok := c.Read(context.Background(), "vid_abc123")
	assert.False(t, ok)
	assert.ErrorIs(t, c.Write(context.Background(), captionResult("vid_abc123")), ErrStoreClosed)
}

// racingStore runs onGet once, after the first read of key has been served.
type racingStore struct {
	*MemoryStore
	key   string
	once  sync.Once
	onGet func()
}

func (s *racingStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, ok, err := s.MemoryStore.Get(ctx, key)
	if key == s.key {
		s.once.Do(s.onGet)
	}
	return data, ok, err
}

func TestResultCache_StaleRemovalKeepsConcurrentWrite(t *testing.T) {
	clock := newFakeClock()
	store := &racingStore{MemoryStore: NewMemoryStore(), key: entryKey("vid_abc123")}
	c := newTestCache(store, clock)
	ctx := context.Background()

	require.NoError(t, c.Write(ctx, partialResult("vid_abc123")))
	clock.Advance(2 * time.Hour)
	store.onGet = func() {
		require.NoError(t, c.Write(ctx, captionResult("vid_abc123")))
	}

	_, ok := c.Read(ctx, "vid_abc123")
	assert.False(t, ok, "the entry read first was stale")

	got, ok := c.Read(ctx, "vid_abc123")
	require.True(t, ok, "the write that raced the stale removal survives")
	assert.Equal(t, transcript.SourceCaptions, got.Source())

	idx, err := c.Index(ctx)
	require.NoError(t, err)
	require.Len(t, idx, 1)
	assert.Equal(t, "vid_abc123", idx[0].VideoID)
}

// Package events fans pipeline updates out to subscribers.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MimeLyc/transcript-overlay/internal/metrics"
	"github.com/MimeLyc/transcript-overlay/internal/transcript"
	"github.com/MimeLyc/transcript-overlay/pkg/log"
)

const DefaultBuffer = 16

// Event is one result delivered after the initial response.
type Event struct {
	ID      string            `json:"id"`
	VideoID string            `json:"video_id"`
	Result  transcript.Result `json:"result"`
	At      time.Time         `json:"at"`
}

// Bus delivers updates to subscribers without blocking the publisher. A full
// subscriber misses the update.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]*Subscription
	buffer int
	logger *log.Logger
}

func NewBus(buffer int, logger *log.Logger) *Bus {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if logger == nil {
		logger = log.WithComponent("events")
	}
	return &Bus{
		subs:   make(map[string]*Subscription),
		buffer: buffer,
		logger: logger,
	}
}

// OnUpdate lets the bus act as a pipeline listener.
func (b *Bus) OnUpdate(result transcript.Result) {
	b.Publish(result)
}

// Publish sends result to every subscriber of its video and to catch-all
// subscribers. It returns how many received it.
func (b *Bus) Publish(result transcript.Result) int {
	if result == nil {
		return 0
	}
	ev := Event{
		ID:      uuid.NewString(),
		VideoID: result.Video(),
		Result:  result,
		At:      time.Now().UTC(),
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	delivered := 0
	for _, sub := range b.subs {
		if sub.VideoID != "" && sub.VideoID != ev.VideoID {
			continue
		}
		select {
		case sub.ch <- ev:
			delivered++
		default:
			metrics.EventDropsTotal.Inc()
			b.logger.Warn("Dropping %s update for slow subscriber %s", ev.VideoID, sub.ID)
		}
	}
	return delivered
}

// Subscribe registers for updates of videoID. An empty videoID receives all.
func (b *Bus) Subscribe(videoID string) *Subscription {
	ch := make(chan Event, b.buffer)
	sub := &Subscription{
		ID:      uuid.NewString(),
		VideoID: videoID,
		C:       ch,
		ch:      ch,
		bus:     b,
	}
	b.mu.Lock()
	b.subs[sub.ID] = sub
	b.mu.Unlock()
	return sub
}

// subscribers counts subscriptions that would receive an update for videoID.
func (b *Bus) subscribers(videoID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, sub := range b.subs {
		if sub.VideoID == "" || sub.VideoID == videoID {
			n++
		}
	}
	return n
}

// Len counts all open subscriptions.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub.ID]; !ok {
		return
	}
	delete(b.subs, sub.ID)
	close(sub.ch)
}

// Close ends every subscription.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
}

type Subscription struct {
	ID      string
	VideoID string
	// C is closed when the subscription ends.
	C <-chan Event

	ch   chan Event
	bus  *Bus
	once sync.Once
}

func (s *Subscription) Close() {
	s.once.Do(func() { s.bus.remove(s) })
}

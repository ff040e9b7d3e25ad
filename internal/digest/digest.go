// Package digest buffers match events for batched delivery.
package digest

import (
	"sync"

	"rss_sentinel/internal/model"
)

// Aggregator collects match events per subscriber between flush
// boundaries. Buffers live in memory only; events are never persisted
// beyond the buffering window.
type Aggregator struct {
	mu      sync.Mutex
	buffers map[int64][]model.MatchEvent
}

// New creates an empty Aggregator.
func New() *Aggregator {
	return &Aggregator{buffers: make(map[int64][]model.MatchEvent)}
}

// Buffer appends the event to its subscriber's pending digest.
func (a *Aggregator) Buffer(ev model.MatchEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.buffers[ev.SubscriberID] = append(a.buffers[ev.SubscriberID], ev)
}

// Flush returns the subscriber's buffered events in arrival order and
// clears the buffer. An empty buffer yields nil, so callers never send
// an empty digest.
func (a *Aggregator) Flush(subscriberID int64) []model.MatchEvent {
	a.mu.Lock()
	defer a.mu.Unlock()
	evs := a.buffers[subscriberID]
	delete(a.buffers, subscriberID)
	return evs
}

// FlushAll drains every non-empty buffer, keyed by subscriber.
func (a *Aggregator) FlushAll() map[int64][]model.MatchEvent {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.buffers) == 0 {
		return nil
	}
	out := a.buffers
	a.buffers = make(map[int64][]model.MatchEvent)
	return out
}

// Len reports how many events are buffered for the subscriber.
func (a *Aggregator) Len(subscriberID int64) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.buffers[subscriberID])
}

package dedup

import (
	"context"
	"sync"
	"time"

	"rss_sentinel/internal/storage"
)

// Store tracks delivered items per subscriber on top of the storage
// layer and serializes the check-deliver-record sequence for a given
// subscriber across concurrent feed workers.
type Store struct {
	store storage.Storage

	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

// NewStore creates a Store backed by the given storage.
func NewStore(store storage.Storage) *Store {
	return &Store{
		store: store,
		locks: make(map[int64]*sync.Mutex),
	}
}

// LockSubscriber acquires the subscriber's dispatch lock and returns
// the release function. Two feed workers processing overlapping rules
// for the same subscriber cannot interleave between the delivered
// check and the record write while holding it.
func (s *Store) LockSubscriber(subscriberID int64) (unlock func()) {
	s.mu.Lock()
	l, ok := s.locks[subscriberID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[subscriberID] = l
	}
	s.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// Delivered reports whether the item was already delivered to the subscriber.
func (s *Store) Delivered(ctx context.Context, subscriberID int64, fingerprint string) (bool, error) {
	return s.store.IsDelivered(ctx, subscriberID, fingerprint)
}

// Record marks the item as delivered. The underlying insert is
// conditional, so recording an already-present pair is a no-op.
func (s *Store) Record(ctx context.Context, subscriberID int64, fingerprint string, at time.Time) error {
	_, err := s.store.InsertDeliveredIfAbsent(ctx, subscriberID, fingerprint, at)
	return err
}

// Prune removes dedup records older than the cutoff. Identity is
// content-derived, so pruning is a storage-size control and cannot
// cause re-notification of an item still carrying its old fingerprint
// within the retention horizon.
func (s *Store) Prune(ctx context.Context, before time.Time) (int64, error) {
	return s.store.PruneDelivered(ctx, before)
}

package dedup

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"rss_sentinel/internal/model"
	"rss_sentinel/internal/storage"
)

func TestFingerprintStability(t *testing.T) {
	base := Fingerprint(model.Item{Link: "https://example.com/posts/1"})

	tests := []struct {
		name string
		link string
		same bool
	}{
		{
			name: "identical link",
			link: "https://example.com/posts/1",
			same: true,
		},
		{
			name: "tracking parameters stripped",
			link: "https://example.com/posts/1?utm_source=rss&utm_medium=feed",
			same: true,
		},
		{
			name: "fbclid stripped",
			link: "https://example.com/posts/1?fbclid=abc123",
			same: true,
		},
		{
			name: "trailing slash stripped",
			link: "https://example.com/posts/1/",
			same: true,
		},
		{
			name: "case normalized",
			link: "HTTPS://EXAMPLE.COM/posts/1",
			same: true,
		},
		{
			name: "fragment ignored",
			link: "https://example.com/posts/1#comments",
			same: true,
		},
		{
			name: "different article",
			link: "https://example.com/posts/2",
			same: false,
		},
		{
			name: "meaningful query parameter kept",
			link: "https://example.com/posts/1?page=2",
			same: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Fingerprint(model.Item{Link: tt.link})
			if diff := cmp.Diff(tt.same, got == base); diff != "" {
				t.Errorf("Fingerprint(%q) stability mismatch (-want +got):\n%s\nbase=%s got=%s", tt.link, diff, base, got)
			}
		})
	}
}

func TestFingerprintQueryOrderIndependent(t *testing.T) {
	a := Fingerprint(model.Item{Link: "https://example.com/p?a=1&b=2"})
	b := Fingerprint(model.Item{Link: "https://example.com/p?b=2&a=1"})
	if diff := cmp.Diff(a, b); diff != "" {
		t.Errorf("query order changed fingerprint (-want +got):\n%s", diff)
	}
}

func TestFingerprintWithoutLink(t *testing.T) {
	morning := time.Date(2026, 8, 10, 9, 0, 0, 0, time.UTC)
	evening := time.Date(2026, 8, 10, 21, 30, 0, 0, time.UTC)
	nextDay := time.Date(2026, 8, 11, 9, 0, 0, 0, time.UTC)

	a := Fingerprint(model.Item{Title: "Untitled post", Published: &morning})
	b := Fingerprint(model.Item{Title: "Untitled post", Published: &evening})
	c := Fingerprint(model.Item{Title: "Untitled post", Published: &nextDay})

	if a != b {
		t.Error("same title and day should share a fingerprint")
	}
	if a == c {
		t.Error("different day should change the fingerprint")
	}
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := storage.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("new sqlite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return NewStore(s)
}

func TestStoreRecordAndDelivered(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	fp := Fingerprint(model.Item{Link: "https://example.com/posts/1"})

	delivered, err := store.Delivered(ctx, 100, fp)
	if err != nil {
		t.Fatalf("delivered: %v", err)
	}
	if delivered {
		t.Error("fresh item should not be delivered")
	}

	if err := store.Record(ctx, 100, fp, time.Now().UTC()); err != nil {
		t.Fatalf("record: %v", err)
	}
	// Recording twice is a no-op, not an error.
	if err := store.Record(ctx, 100, fp, time.Now().UTC()); err != nil {
		t.Fatalf("second record: %v", err)
	}

	delivered, err = store.Delivered(ctx, 100, fp)
	if err != nil {
		t.Fatalf("delivered: %v", err)
	}
	if !delivered {
		t.Error("recorded item should be delivered")
	}

	// A different subscriber has its own delivery state.
	delivered, err = store.Delivered(ctx, 200, fp)
	if err != nil {
		t.Fatalf("delivered: %v", err)
	}
	if delivered {
		t.Error("other subscriber should not see the record")
	}
}

func TestStorePrune(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	old := time.Now().UTC().AddDate(0, 0, -10)
	recent := time.Now().UTC()

	if err := store.Record(ctx, 100, "sha256:old", old); err != nil {
		t.Fatalf("record old: %v", err)
	}
	if err := store.Record(ctx, 100, "sha256:recent", recent); err != nil {
		t.Fatalf("record recent: %v", err)
	}

	n, err := store.Prune(ctx, time.Now().UTC().AddDate(0, 0, -7))
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if diff := cmp.Diff(int64(1), n); diff != "" {
		t.Errorf("pruned count mismatch (-want +got):\n%s", diff)
	}

	delivered, err := store.Delivered(ctx, 100, "sha256:recent")
	if err != nil {
		t.Fatalf("delivered: %v", err)
	}
	if !delivered {
		t.Error("recent record should survive pruning")
	}
}

func TestLockSubscriberSerializes(t *testing.T) {
	store := newTestStore(t)

	var inside, maxInside int
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := store.LockSubscriber(42)
			defer unlock()

			mu.Lock()
			inside++
			if inside > maxInside {
				maxInside = inside
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			inside--
			mu.Unlock()
		}()
	}
	wg.Wait()

	if diff := cmp.Diff(1, maxInside); diff != "" {
		t.Errorf("critical section concurrency mismatch (-want +got):\n%s", diff)
	}
}

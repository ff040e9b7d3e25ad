// Package notify defines the notification sink consumed by the
// dispatcher and its Telegram implementation.
package notify

import (
	"context"
	"fmt"

	"rss_sentinel/internal/model"
)

// DeliveryError reports a failed notification attempt. The dispatcher
// does not retry it; it withholds the dedup record instead, so the item
// is re-attempted on the next poll cycle while it is still in the feed
// window.
type DeliveryError struct {
	SubscriberID int64
	Err          error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver to %d: %v", e.SubscriberID, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Notifier is the delivery sink for match events.
type Notifier interface {
	// Deliver sends a single match immediately.
	Deliver(ctx context.Context, subscriberID int64, ev model.MatchEvent) error
	// DeliverDigest sends a batch of buffered matches as one message.
	// It is never called with an empty batch.
	DeliverDigest(ctx context.Context, subscriberID int64, evs []model.MatchEvent) error
}

// Package storage defines the persistence interface and its implementations.
package storage

import (
	"context"
	"time"

	"rss_sentinel/internal/model"
)

// Storage is the interface for all persistence operations.
type Storage interface {
	CreateFeed(ctx context.Context, feed *model.FeedSource) error
	GetFeed(ctx context.Context, id int64) (*model.FeedSource, error)
	GetFeedByURL(ctx context.Context, subscriberID int64, url string) (*model.FeedSource, error)
	ListFeeds(ctx context.Context, subscriberID int64) ([]model.FeedSource, error)
	ListDueFeeds(ctx context.Context) ([]model.FeedSource, error)
	UpdateFeedHealth(ctx context.Context, id int64, health model.HealthStatus, failureCount int) error
	UpdateFeedFetched(ctx context.Context, id int64, title string, at time.Time) error
	SetFeedActive(ctx context.Context, id int64, active bool) error
	DeleteFeed(ctx context.Context, id int64) error

	CreateRule(ctx context.Context, r *model.KeywordRule) error
	GetRule(ctx context.Context, id int64) (*model.KeywordRule, error)
	ListRules(ctx context.Context, subscriberID int64) ([]model.KeywordRule, error)
	ListGlobalRules(ctx context.Context, subscriberID int64) ([]model.KeywordRule, error)
	ListFeedRules(ctx context.Context, feedID int64) ([]model.KeywordRule, error)
	DeleteRule(ctx context.Context, id int64) error

	// InsertDeliveredIfAbsent records a delivery for the pair and
	// reports whether the record was actually inserted. A false
	// return means the pair was already present.
	InsertDeliveredIfAbsent(ctx context.Context, subscriberID int64, fingerprint string, at time.Time) (bool, error)
	IsDelivered(ctx context.Context, subscriberID int64, fingerprint string) (bool, error)
	PruneDelivered(ctx context.Context, before time.Time) (int64, error)

	GetSettings(ctx context.Context, subscriberID int64) (*model.SubscriberSettings, error)
	UpdateSettings(ctx context.Context, s *model.SubscriberSettings) error

	Close() error
}

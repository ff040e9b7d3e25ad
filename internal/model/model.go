// Package model defines the domain types used across the application.
package model

import "time"

// HealthStatus classifies a feed source by its recent fetch outcomes.
type HealthStatus string

// Feed health states.
const (
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthDisabled HealthStatus = "disabled"
)

// FeedSource represents a subscribed RSS/Atom feed.
type FeedSource struct {
	ID              int64
	SubscriberID    int64
	Title           string
	URL             string
	IntervalMinutes int
	IsActive        bool
	Health          HealthStatus
	FailureCount    int
	LastFetchAt     *time.Time
	CreatedAt       time.Time
}

// KeywordRule is a keyword expression owned by a subscriber.
// A nil FeedID means the rule is global: it applies to every feed of
// the subscriber. Otherwise it is scoped to that single feed.
type KeywordRule struct {
	ID           int64
	SubscriberID int64
	FeedID       *int64
	Expression   string
	CreatedAt    time.Time
}

// Item is a normalized feed entry.
type Item struct {
	Title     string
	Link      string
	Summary   string
	Published *time.Time
	ImageURL  string
}

// MatchEvent is produced when an item matches a keyword rule.
// It is ephemeral: consumed immediately by the notifier or buffered
// until the next digest flush, never persisted.
type MatchEvent struct {
	SubscriberID int64
	FeedID       int64
	FeedTitle    string
	Item         Item
	Rule         string
}

// SubscriberSettings holds per-subscriber delivery preferences.
type SubscriberSettings struct {
	SubscriberID int64
	DigestMode   bool
	TitleOnly    bool
}

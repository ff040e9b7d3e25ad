// Package service is the API surface the command/UI layer calls into.
// It validates input synchronously; everything asynchronous stays in
// the scheduler.
package service

import (
	"context"
	"errors"
	"fmt"

	"rss_sentinel/internal/model"
	"rss_sentinel/internal/rule"
	"rss_sentinel/internal/storage"
)

// Poller triggers an immediate polling cycle for one feed.
type Poller interface {
	PollNow(ctx context.Context, feedID int64) error
}

// Default refresh interval for new subscriptions, in minutes.
const DefaultIntervalMinutes = 10

// Service exposes subscription, rule, and health operations.
type Service struct {
	store  storage.Storage
	poller Poller
}

// New creates a Service over the given storage and poller.
func New(store storage.Storage, poller Poller) *Service {
	return &Service{store: store, poller: poller}
}

// Subscribe adds a feed for the subscriber along with optional
// feed-scoped keyword rules. Every rule is validated before anything
// is written; a bad interval or expression rejects the whole call.
// Subscribing to an already-subscribed URL returns the existing feed
// and attaches any rules it does not carry yet.
func (s *Service) Subscribe(ctx context.Context, subscriberID int64, feedURL string, intervalMinutes int, rawRules []string) (*model.FeedSource, error) {
	if intervalMinutes == 0 {
		intervalMinutes = DefaultIntervalMinutes
	}
	if intervalMinutes < 1 {
		return nil, fmt.Errorf("invalid interval %d: must be at least 1 minute", intervalMinutes)
	}
	if feedURL == "" {
		return nil, fmt.Errorf("feed URL is required")
	}
	for _, raw := range rawRules {
		if err := rule.Validate(raw); err != nil {
			return nil, err
		}
	}

	feed, err := s.store.GetFeedByURL(ctx, subscriberID, feedURL)
	if errors.Is(err, storage.ErrNotFound) {
		feed = &model.FeedSource{
			SubscriberID:    subscriberID,
			URL:             feedURL,
			IntervalMinutes: intervalMinutes,
			IsActive:        true,
			Health:          model.HealthHealthy,
		}
		if err := s.store.CreateFeed(ctx, feed); err != nil {
			return nil, fmt.Errorf("create feed: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("look up feed: %w", err)
	}

	if err := s.attachRules(ctx, subscriberID, feed.ID, rawRules); err != nil {
		return nil, err
	}
	return feed, nil
}

// attachRules scopes the given expressions to the feed, skipping ones
// already present so repeated subscribe calls stay idempotent.
func (s *Service) attachRules(ctx context.Context, subscriberID, feedID int64, rawRules []string) error {
	if len(rawRules) == 0 {
		return nil
	}
	current, err := s.store.ListFeedRules(ctx, feedID)
	if err != nil {
		return fmt.Errorf("list feed rules: %w", err)
	}
	present := make(map[string]struct{}, len(current))
	for _, r := range current {
		present[r.Expression] = struct{}{}
	}

	for _, raw := range rawRules {
		if _, ok := present[raw]; ok {
			continue
		}
		id := feedID
		r := &model.KeywordRule{
			SubscriberID: subscriberID,
			FeedID:       &id,
			Expression:   raw,
		}
		if err := s.store.CreateRule(ctx, r); err != nil {
			return fmt.Errorf("create rule: %w", err)
		}
		present[raw] = struct{}{}
	}
	return nil
}

// Unsubscribe removes the subscriber's feed and its scoped rules.
func (s *Service) Unsubscribe(ctx context.Context, subscriberID, feedID int64) error {
	feed, err := s.store.GetFeed(ctx, feedID)
	if err != nil {
		return fmt.Errorf("get feed: %w", err)
	}
	if feed.SubscriberID != subscriberID {
		return fmt.Errorf("feed %d does not belong to subscriber %d", feedID, subscriberID)
	}
	return s.store.DeleteFeed(ctx, feedID)
}

// AddRule validates and stores a keyword rule. A nil feedID makes the
// rule global for the subscriber. Malformed expressions are rejected
// here and never reach evaluation.
func (s *Service) AddRule(ctx context.Context, subscriberID int64, feedID *int64, raw string) (*model.KeywordRule, error) {
	if err := rule.Validate(raw); err != nil {
		return nil, err
	}
	if feedID != nil {
		feed, err := s.store.GetFeed(ctx, *feedID)
		if err != nil {
			return nil, fmt.Errorf("get feed: %w", err)
		}
		if feed.SubscriberID != subscriberID {
			return nil, fmt.Errorf("feed %d does not belong to subscriber %d", *feedID, subscriberID)
		}
	}
	r := &model.KeywordRule{
		SubscriberID: subscriberID,
		FeedID:       feedID,
		Expression:   raw,
	}
	if err := s.store.CreateRule(ctx, r); err != nil {
		return nil, fmt.Errorf("create rule: %w", err)
	}
	return r, nil
}

// ListRules returns all of the subscriber's rules, global and scoped.
func (s *Service) ListRules(ctx context.Context, subscriberID int64) ([]model.KeywordRule, error) {
	return s.store.ListRules(ctx, subscriberID)
}

// DeleteRule removes the subscriber's rule.
func (s *Service) DeleteRule(ctx context.Context, subscriberID, ruleID int64) error {
	r, err := s.store.GetRule(ctx, ruleID)
	if err != nil {
		return fmt.Errorf("get rule: %w", err)
	}
	if r.SubscriberID != subscriberID {
		return fmt.Errorf("rule %d does not belong to subscriber %d", ruleID, subscriberID)
	}
	return s.store.DeleteRule(ctx, ruleID)
}

// ListFeeds returns the subscriber's feeds.
func (s *Service) ListFeeds(ctx context.Context, subscriberID int64) ([]model.FeedSource, error) {
	return s.store.ListFeeds(ctx, subscriberID)
}

// PollNow triggers an immediate poll of the feed, bypassing its
// interval. Disabled feeds are refused.
func (s *Service) PollNow(ctx context.Context, feedID int64) error {
	return s.poller.PollNow(ctx, feedID)
}

// GetHealth returns the feed's persisted health status.
func (s *Service) GetHealth(ctx context.Context, feedID int64) (model.HealthStatus, error) {
	feed, err := s.store.GetFeed(ctx, feedID)
	if err != nil {
		return "", fmt.Errorf("get feed: %w", err)
	}
	return feed.Health, nil
}

// EnableFeed re-enables a feed that was disabled by the health
// tracker, resetting its failure state.
func (s *Service) EnableFeed(ctx context.Context, subscriberID, feedID int64) error {
	feed, err := s.store.GetFeed(ctx, feedID)
	if err != nil {
		return fmt.Errorf("get feed: %w", err)
	}
	if feed.SubscriberID != subscriberID {
		return fmt.Errorf("feed %d does not belong to subscriber %d", feedID, subscriberID)
	}
	return s.store.SetFeedActive(ctx, feedID, true)
}

// Settings returns the subscriber's delivery preferences.
func (s *Service) Settings(ctx context.Context, subscriberID int64) (*model.SubscriberSettings, error) {
	return s.store.GetSettings(ctx, subscriberID)
}

// UpdateSettings stores the subscriber's delivery preferences.
func (s *Service) UpdateSettings(ctx context.Context, set *model.SubscriberSettings) error {
	return s.store.UpdateSettings(ctx, set)
}

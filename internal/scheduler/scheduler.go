// Package scheduler drives the feed polling cycles and dispatches
// matched items to the notifier or the digest buffer.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/semaphore"

	"rss_sentinel/internal/dedup"
	"rss_sentinel/internal/digest"
	"rss_sentinel/internal/fetcher"
	"rss_sentinel/internal/health"
	"rss_sentinel/internal/model"
	"rss_sentinel/internal/notify"
	"rss_sentinel/internal/rule"
	"rss_sentinel/internal/storage"
)

// Options configures the scheduler.
type Options struct {
	// Tick is how often the due-feed check runs.
	Tick time.Duration
	// MaxConcurrentFetches bounds simultaneous in-flight cycles.
	MaxConcurrentFetches int64
	// HistoryDays is the dedup-record retention horizon.
	HistoryDays int
	// DegradedAfter and DisabledAfter are the health thresholds.
	DegradedAfter int
	DisabledAfter int
	// DigestHour anchors the digest flush (UTC); DigestInterval is
	// the period between flushes.
	DigestHour     int
	DigestInterval time.Duration
	// ShutdownGrace is how long in-flight cycles may run after the
	// run context is cancelled before they are cut off.
	ShutdownGrace time.Duration
}

func (o *Options) fillDefaults() {
	if o.Tick <= 0 {
		o.Tick = time.Minute
	}
	if o.MaxConcurrentFetches <= 0 {
		o.MaxConcurrentFetches = 5
	}
	if o.HistoryDays <= 0 {
		o.HistoryDays = 7
	}
	if o.DegradedAfter <= 0 {
		o.DegradedAfter = 3
	}
	if o.DisabledAfter <= o.DegradedAfter {
		o.DisabledAfter = o.DegradedAfter + 7
	}
	if o.DigestInterval <= 0 {
		o.DigestInterval = 24 * time.Hour
	}
	if o.ShutdownGrace <= 0 {
		o.ShutdownGrace = 10 * time.Second
	}
}

// Scheduler owns the polling worker pool and the shared dispatch state.
// Per-feed cycles run as independent tasks: a slow or failing feed
// never delays another feed's cycle, and a feed is never re-dispatched
// while its previous cycle is still in flight.
type Scheduler struct {
	store    storage.Storage
	fetcher  *fetcher.Fetcher
	notifier notify.Notifier
	dedup    *dedup.Store
	health   *health.Tracker
	digest   *digest.Aggregator
	log      *slog.Logger
	opts     Options

	sem *semaphore.Weighted
	wg  sync.WaitGroup

	mu       sync.Mutex
	inFlight map[int64]struct{}
	retryAt  map[int64]time.Time
	backoffs map[int64]*backoff.ExponentialBackOff
}

// New creates a Scheduler over the given storage, fetcher, and
// notification sink.
func New(store storage.Storage, f *fetcher.Fetcher, notifier notify.Notifier, log *slog.Logger, opts Options) *Scheduler {
	opts.fillDefaults()
	return &Scheduler{
		store:    store,
		fetcher:  f,
		notifier: notifier,
		dedup:    dedup.NewStore(store),
		health:   health.NewTracker(opts.DegradedAfter, opts.DisabledAfter),
		digest:   digest.New(),
		log:      log,
		opts:     opts,
		sem:      semaphore.NewWeighted(opts.MaxConcurrentFetches),
		inFlight: make(map[int64]struct{}),
		retryAt:  make(map[int64]time.Time),
		backoffs: make(map[int64]*backoff.ExponentialBackOff),
	}
}

// Run starts the scheduler loop, blocking until ctx is cancelled. On
// shutdown, in-flight cycles get ShutdownGrace to finish before their
// context is cut.
func (s *Scheduler) Run(ctx context.Context) {
	// Cycles run on a context that survives the loop's cancellation
	// for the grace period, so a cycle is not torn mid-item.
	cycleCtx, cancelCycles := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelCycles()

	s.checkAll(cycleCtx)
	s.prune(cycleCtx)

	ticker := time.NewTicker(s.opts.Tick)
	defer ticker.Stop()

	flushTimer := time.NewTimer(time.Until(nextFlush(time.Now().UTC(), s.opts.DigestHour, s.opts.DigestInterval)))
	defer flushTimer.Stop()

	pruneTicker := time.NewTicker(pruneEvery)
	defer pruneTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.drain(cancelCycles)
			return
		case <-ticker.C:
			s.checkAll(cycleCtx)
		case <-flushTimer.C:
			s.flushDigests(cycleCtx)
			flushTimer.Reset(time.Until(nextFlush(time.Now().UTC(), s.opts.DigestHour, s.opts.DigestInterval)))
		case <-pruneTicker.C:
			s.prune(cycleCtx)
		}
	}
}

func (s *Scheduler) drain(cancelCycles context.CancelFunc) {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.opts.ShutdownGrace):
		cancelCycles()
		<-done
	}
}

// checkAll dispatches one cycle per due feed. Dispatch itself never
// blocks: the concurrency limit is acquired inside the worker.
func (s *Scheduler) checkAll(ctx context.Context) {
	feeds, err := s.store.ListDueFeeds(ctx)
	if err != nil {
		s.log.Error("list due feeds", "error", err)
		return
	}

	now := time.Now()
	for _, feed := range feeds {
		if ctx.Err() != nil {
			return
		}
		if !s.tryStart(feed.ID, now) {
			continue
		}
		s.spawnCycle(ctx, feed)
	}
}

// tryStart marks the feed in flight unless it already is or its
// failure backoff has not elapsed.
func (s *Scheduler) tryStart(feedID int64, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inFlight[feedID]; busy {
		return false
	}
	if at, ok := s.retryAt[feedID]; ok && now.Before(at) {
		return false
	}
	s.inFlight[feedID] = struct{}{}
	return true
}

func (s *Scheduler) spawnCycle(ctx context.Context, feed model.FeedSource) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.finish(feed.ID)

		if err := s.sem.Acquire(ctx, 1); err != nil {
			return
		}
		defer s.sem.Release(1)

		s.runCycle(ctx, &feed)
	}()
}

func (s *Scheduler) finish(feedID int64) {
	s.mu.Lock()
	delete(s.inFlight, feedID)
	s.mu.Unlock()
}

// PollNow runs one cycle for the feed immediately, bypassing the
// interval wait and any failure backoff. It still honors the
// concurrency limit and refuses disabled or inactive feeds.
func (s *Scheduler) PollNow(ctx context.Context, feedID int64) error {
	feed, err := s.store.GetFeed(ctx, feedID)
	if err != nil {
		return fmt.Errorf("get feed: %w", err)
	}
	if !feed.IsActive {
		return fmt.Errorf("feed %d is inactive", feedID)
	}
	if feed.Health == model.HealthDisabled {
		return fmt.Errorf("feed %d is disabled", feedID)
	}

	s.mu.Lock()
	if _, busy := s.inFlight[feedID]; busy {
		s.mu.Unlock()
		return nil
	}
	s.inFlight[feedID] = struct{}{}
	s.mu.Unlock()
	defer s.finish(feedID)

	if err := s.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer s.sem.Release(1)

	s.runCycle(ctx, feed)
	return nil
}

// runCycle fetches one feed and dispatches its new items. Dedup writes
// for the cycle complete before the feed can be scheduled again,
// because the in-flight mark is only cleared afterwards.
func (s *Scheduler) runCycle(ctx context.Context, feed *model.FeedSource) {
	s.log.Debug("checking feed", "feed_id", feed.ID, "url", feed.URL)

	s.health.Seed(feed.ID, feed.Health, feed.FailureCount)

	res, err := s.fetcher.Fetch(ctx, feed.URL)
	switch {
	case errors.Is(err, fetcher.ErrNotModified):
		s.recordOutcome(ctx, feed, nil)
		s.updateFetched(ctx, feed.ID, "")
		return
	case err != nil:
		s.recordOutcome(ctx, feed, err)
		s.updateFetched(ctx, feed.ID, "")
		return
	}

	s.recordOutcome(ctx, feed, nil)

	rules := s.snapshotRules(ctx, feed)
	if len(rules) > 0 {
		settings, err := s.store.GetSettings(ctx, feed.SubscriberID)
		if err != nil {
			s.log.Error("get settings", "subscriber_id", feed.SubscriberID, "error", err)
			settings = &model.SubscriberSettings{SubscriberID: feed.SubscriberID}
		}
		sent := 0
		for _, item := range res.Items {
			if ctx.Err() != nil {
				return
			}
			if s.dispatchItem(ctx, feed, item, rules, settings) {
				sent++
			}
		}
		if sent > 0 {
			s.log.Info("dispatched matches", "feed_id", feed.ID, "count", sent)
		}
	}

	s.updateFetched(ctx, feed.ID, res.Title)
}

// recordOutcome feeds the fetch result into the health tracker,
// persists the resulting status, and maintains the failure backoff.
func (s *Scheduler) recordOutcome(ctx context.Context, feed *model.FeedSource, fetchErr error) {
	if fetchErr == nil {
		s.health.RecordSuccess(feed.ID)
		s.mu.Lock()
		delete(s.retryAt, feed.ID)
		delete(s.backoffs, feed.ID)
		s.mu.Unlock()
		if feed.Health != model.HealthHealthy || feed.FailureCount != 0 {
			if err := s.store.UpdateFeedHealth(ctx, feed.ID, model.HealthHealthy, 0); err != nil {
				s.log.Error("update feed health", "feed_id", feed.ID, "error", err)
			}
		}
		return
	}

	status, failures := s.health.RecordFailure(feed.ID, fetchErr)
	s.log.Warn("fetch feed", "feed_id", feed.ID, "url", feed.URL,
		"health", string(status), "failures", failures, "error", fetchErr)

	if err := s.store.UpdateFeedHealth(ctx, feed.ID, status, failures); err != nil {
		s.log.Error("update feed health", "feed_id", feed.ID, "error", err)
	}

	s.mu.Lock()
	bo, ok := s.backoffs[feed.ID]
	if !ok {
		bo = newFeedBackoff()
		s.backoffs[feed.ID] = bo
	}
	s.retryAt[feed.ID] = time.Now().Add(bo.NextBackOff())
	s.mu.Unlock()
}

func newFeedBackoff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Minute
	bo.MaxInterval = time.Hour
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

type parsedRule struct {
	raw  string
	expr rule.Expression
}

// snapshotRules loads and parses the rules applicable to this cycle:
// the subscriber's global rules plus the ones scoped to this feed.
// Rule changes made while the cycle runs take effect on the next cycle.
func (s *Scheduler) snapshotRules(ctx context.Context, feed *model.FeedSource) []parsedRule {
	global, err := s.store.ListGlobalRules(ctx, feed.SubscriberID)
	if err != nil {
		s.log.Error("list global rules", "subscriber_id", feed.SubscriberID, "error", err)
		return nil
	}
	scoped, err := s.store.ListFeedRules(ctx, feed.ID)
	if err != nil {
		s.log.Error("list feed rules", "feed_id", feed.ID, "error", err)
		return nil
	}

	rules := make([]parsedRule, 0, len(global)+len(scoped))
	for _, r := range append(global, scoped...) {
		expr, err := rule.Parse(r.Expression)
		if err != nil {
			// Stored rules are validated at creation; a rule that
			// no longer parses matches nothing.
			s.log.Warn("skip unparseable rule", "rule_id", r.ID, "error", err)
			continue
		}
		rules = append(rules, parsedRule{raw: r.Expression, expr: expr})
	}
	return rules
}

// dispatchItem runs the match/dedup pipeline for one item and reports
// whether a notification went out. The subscriber lock spans the
// delivered check through the dedup record, so parallel feed workers
// serving the same subscriber cannot double-notify.
func (s *Scheduler) dispatchItem(ctx context.Context, feed *model.FeedSource, item model.Item, rules []parsedRule, settings *model.SubscriberSettings) bool {
	fp := dedup.Fingerprint(item)

	unlock := s.dedup.LockSubscriber(feed.SubscriberID)
	defer unlock()

	delivered, err := s.dedup.Delivered(ctx, feed.SubscriberID, fp)
	if err != nil {
		s.log.Error("check delivered", "feed_id", feed.ID, "fingerprint", fp, "error", err)
		return false
	}
	if delivered {
		return false
	}

	text := rule.MatchText(item, settings.TitleOnly)
	matched := ""
	for _, r := range rules {
		if r.expr.Evaluate(text) {
			// One notification per item, not one per matching rule.
			matched = r.raw
			break
		}
	}
	if matched == "" {
		return false
	}

	ev := model.MatchEvent{
		SubscriberID: feed.SubscriberID,
		FeedID:       feed.ID,
		FeedTitle:    feed.Title,
		Item:         item,
		Rule:         matched,
	}

	if settings.DigestMode {
		s.digest.Buffer(ev)
	} else if err := s.notifier.Deliver(ctx, feed.SubscriberID, ev); err != nil {
		// No dedup record on delivery failure: the item is retried
		// on the next cycle while the feed still serves it.
		s.log.Warn("deliver", "feed_id", feed.ID, "subscriber_id", feed.SubscriberID, "error", err)
		return false
	}

	if err := s.dedup.Record(ctx, feed.SubscriberID, fp, time.Now().UTC()); err != nil {
		s.log.Error("record delivered", "feed_id", feed.ID, "fingerprint", fp, "error", err)
	}
	return true
}

func (s *Scheduler) updateFetched(ctx context.Context, feedID int64, title string) {
	if err := s.store.UpdateFeedFetched(ctx, feedID, title, time.Now().UTC()); err != nil {
		s.log.Error("update last fetch", "feed_id", feedID, "error", err)
	}
}

// flushDigests delivers every non-empty digest buffer. A failed batch
// goes back into the buffer: its dedup records were written at buffer
// time, so re-buffering is the only retry path left for those items.
func (s *Scheduler) flushDigests(ctx context.Context) {
	for subscriberID, evs := range s.digest.FlushAll() {
		if err := s.notifier.DeliverDigest(ctx, subscriberID, evs); err != nil {
			s.log.Warn("deliver digest", "subscriber_id", subscriberID, "count", len(evs), "error", err)
			for _, ev := range evs {
				s.digest.Buffer(ev)
			}
		}
	}
}

// pruneEvery is the cadence of the dedup retention sweep. Retention
// itself is measured in days, so a daily sweep keeps the table bounded.
const pruneEvery = 24 * time.Hour

// prune sweeps dedup records past the retention horizon.
func (s *Scheduler) prune(ctx context.Context) {
	cutoff := time.Now().UTC().AddDate(0, 0, -s.opts.HistoryDays)
	n, err := s.dedup.Prune(ctx, cutoff)
	if err != nil {
		s.log.Error("prune dedup records", "error", err)
		return
	}
	if n > 0 {
		s.log.Info("pruned dedup records", "count", n, "older_than_days", s.opts.HistoryDays)
	}
}

// nextFlush returns the first flush boundary after now: boundaries
// repeat every interval, anchored at the given hour of day.
func nextFlush(now time.Time, hour int, interval time.Duration) time.Time {
	anchor := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, time.UTC)
	for anchor.After(now) {
		anchor = anchor.Add(-interval)
	}
	for !anchor.After(now) {
		anchor = anchor.Add(interval)
	}
	return anchor
}

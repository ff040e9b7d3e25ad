// Package health tracks per-feed fetch outcomes and drives the
// healthy/degraded/disabled state machine.
package health

import (
	"errors"
	"net/http"
	"sync"

	"rss_sentinel/internal/fetcher"
	"rss_sentinel/internal/model"
)

// FailureKind classifies a fetch failure.
type FailureKind int

// Failure classes. Permanent failures (gone feeds, unparseable bodies)
// count double toward the thresholds so broken feeds disable faster.
const (
	FailureTransient FailureKind = iota
	FailurePermanent
)

type feedState struct {
	failures int
	status   model.HealthStatus
}

// Tracker holds the consecutive-failure counters for all feeds.
// Counters for a given feed are only touched by that feed's own
// worker; the mutex covers map access across workers.
type Tracker struct {
	degradedAfter int
	disabledAfter int

	mu    sync.Mutex
	feeds map[int64]*feedState
}

// NewTracker creates a Tracker. A feed becomes degraded after
// degradedAfter consecutive failure points and disabled after
// disabledAfter points; any success resets it to healthy.
func NewTracker(degradedAfter, disabledAfter int) *Tracker {
	return &Tracker{
		degradedAfter: degradedAfter,
		disabledAfter: disabledAfter,
		feeds:         make(map[int64]*feedState),
	}
}

// RecordSuccess resets the feed's failure counter and returns it to healthy.
func (t *Tracker) RecordSuccess(feedID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.state(feedID)
	st.failures = 0
	st.status = model.HealthHealthy
}

// RecordFailure adds the failure to the feed's counter and returns the
// resulting status and counter value.
func (t *Tracker) RecordFailure(feedID int64, err error) (model.HealthStatus, int) {
	points := 1
	if Classify(err) == FailurePermanent {
		points = 2
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.state(feedID)
	st.failures += points
	switch {
	case st.failures >= t.disabledAfter:
		st.status = model.HealthDisabled
	case st.failures >= t.degradedAfter:
		st.status = model.HealthDegraded
	default:
		st.status = model.HealthHealthy
	}
	return st.status, st.failures
}

// Status returns the feed's current health. Unknown feeds are healthy.
func (t *Tracker) Status(feedID int64) model.HealthStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state(feedID).status
}

// Seed primes the tracker with state loaded from storage, so a restart
// does not forget that a feed was already failing.
func (t *Tracker) Seed(feedID int64, status model.HealthStatus, failures int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if status == "" {
		status = model.HealthHealthy
	}
	t.feeds[feedID] = &feedState{failures: failures, status: status}
}

func (t *Tracker) state(feedID int64) *feedState {
	st, ok := t.feeds[feedID]
	if !ok {
		st = &feedState{status: model.HealthHealthy}
		t.feeds[feedID] = st
	}
	return st
}

// Classify decides whether a fetch failure is transient or permanent.
// HTTP 404/410 and whole-feed parse failures are permanent; timeouts,
// transport errors and server-side errors are transient.
func Classify(err error) FailureKind {
	var perr *fetcher.ParseError
	if errors.As(err, &perr) {
		return FailurePermanent
	}
	var ferr *fetcher.FetchError
	if errors.As(err, &ferr) {
		switch ferr.StatusCode {
		case http.StatusNotFound, http.StatusGone:
			return FailurePermanent
		}
	}
	return FailureTransient
}

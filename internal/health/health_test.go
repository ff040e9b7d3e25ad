package health

import (
	"errors"
	"io"
	"testing"

	"github.com/google/go-cmp/cmp"

	"rss_sentinel/internal/fetcher"
	"rss_sentinel/internal/model"
)

func transientErr() error {
	return &fetcher.FetchError{URL: "https://example.com/rss", Err: io.ErrUnexpectedEOF}
}

func permanentErr() error {
	return &fetcher.FetchError{URL: "https://example.com/rss", StatusCode: 404}
}

func TestTrackerTransitions(t *testing.T) {
	tr := NewTracker(3, 10)

	if diff := cmp.Diff(model.HealthHealthy, tr.Status(1)); diff != "" {
		t.Errorf("initial status mismatch (-want +got):\n%s", diff)
	}

	// Two transient failures stay healthy, the third degrades.
	tr.RecordFailure(1, transientErr())
	tr.RecordFailure(1, transientErr())
	if diff := cmp.Diff(model.HealthHealthy, tr.Status(1)); diff != "" {
		t.Errorf("status after 2 failures mismatch (-want +got):\n%s", diff)
	}

	status, failures := tr.RecordFailure(1, transientErr())
	if diff := cmp.Diff(model.HealthDegraded, status); diff != "" {
		t.Errorf("status after 3 failures mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(3, failures); diff != "" {
		t.Errorf("failure count mismatch (-want +got):\n%s", diff)
	}

	// Seven more failure points disable the feed.
	for i := 0; i < 7; i++ {
		status, _ = tr.RecordFailure(1, transientErr())
	}
	if diff := cmp.Diff(model.HealthDisabled, status); diff != "" {
		t.Errorf("status after 10 failures mismatch (-want +got):\n%s", diff)
	}
}

func TestTrackerSuccessResets(t *testing.T) {
	tr := NewTracker(3, 10)

	for i := 0; i < 5; i++ {
		tr.RecordFailure(7, transientErr())
	}
	if diff := cmp.Diff(model.HealthDegraded, tr.Status(7)); diff != "" {
		t.Errorf("status before success mismatch (-want +got):\n%s", diff)
	}

	tr.RecordSuccess(7)
	if diff := cmp.Diff(model.HealthHealthy, tr.Status(7)); diff != "" {
		t.Errorf("status after success mismatch (-want +got):\n%s", diff)
	}

	// The counter starts over: a single failure is far from degraded.
	status, failures := tr.RecordFailure(7, transientErr())
	if diff := cmp.Diff(model.HealthHealthy, status); diff != "" {
		t.Errorf("status after reset mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(1, failures); diff != "" {
		t.Errorf("failure count after reset mismatch (-want +got):\n%s", diff)
	}
}

func TestTrackerPermanentFailuresCountDouble(t *testing.T) {
	tr := NewTracker(4, 10)

	status, failures := tr.RecordFailure(1, permanentErr())
	if diff := cmp.Diff(2, failures); diff != "" {
		t.Errorf("failure points mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(model.HealthHealthy, status); diff != "" {
		t.Errorf("status mismatch (-want +got):\n%s", diff)
	}

	status, _ = tr.RecordFailure(1, permanentErr())
	if diff := cmp.Diff(model.HealthDegraded, status); diff != "" {
		t.Errorf("two permanent failures should degrade (-want +got):\n%s", diff)
	}
}

func TestTrackerSeed(t *testing.T) {
	tr := NewTracker(3, 10)
	tr.Seed(5, model.HealthDegraded, 9)

	status, failures := tr.RecordFailure(5, transientErr())
	if diff := cmp.Diff(model.HealthDisabled, status); diff != "" {
		t.Errorf("seeded feed should disable on next failure (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(10, failures); diff != "" {
		t.Errorf("failure count mismatch (-want +got):\n%s", diff)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want FailureKind
	}{
		{name: "network error", err: transientErr(), want: FailureTransient},
		{name: "server error", err: &fetcher.FetchError{StatusCode: 503}, want: FailureTransient},
		{name: "not found", err: &fetcher.FetchError{StatusCode: 404}, want: FailurePermanent},
		{name: "gone", err: &fetcher.FetchError{StatusCode: 410}, want: FailurePermanent},
		{name: "unparseable body", err: &fetcher.ParseError{URL: "u", Err: errors.New("bad xml")}, want: FailurePermanent},
		{name: "unknown error", err: errors.New("boom"), want: FailureTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, Classify(tt.err)); diff != "" {
				t.Errorf("Classify mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

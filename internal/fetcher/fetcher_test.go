package fetcher

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"testing"

	"github.com/google/go-cmp/cmp"
)

type mockTransport struct {
	body       string
	statusCode int
	header     http.Header
	err        error

	requests []*http.Request
}

func (m *mockTransport) Do(req *http.Request) (*http.Response, error) {
	m.requests = append(m.requests, req)
	if m.err != nil {
		return nil, m.err
	}
	h := m.header
	if h == nil {
		h = http.Header{}
	}
	return &http.Response{
		StatusCode: m.statusCode,
		Header:     h,
		Body:       io.NopCloser(bytes.NewBufferString(m.body)),
	}, nil
}

func loadFixture(t *testing.T) string {
	t.Helper()
	data, err := os.ReadFile("../../testdata/sample.xml")
	if err != nil {
		t.Fatalf("read fixture: %v", err)
	}
	return string(data)
}

func TestFetch(t *testing.T) {
	xml := loadFixture(t)

	tests := []struct {
		name      string
		transport *mockTransport
		wantTitle string
		wantItems int
		wantFetch bool
		wantParse bool
	}{
		{
			name:      "successful fetch",
			transport: &mockTransport{body: xml, statusCode: 200},
			wantTitle: "Dev Jobs Daily",
			wantItems: 5,
		},
		{
			name:      "http error status",
			transport: &mockTransport{body: "not found", statusCode: 404},
			wantFetch: true,
		},
		{
			name:      "network error",
			transport: &mockTransport{err: io.ErrUnexpectedEOF},
			wantFetch: true,
		},
		{
			name:      "invalid xml",
			transport: &mockTransport{body: "not xml at all", statusCode: 200},
			wantParse: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := New(tt.transport)
			res, err := f.Fetch(context.Background(), "https://example.com/rss")

			if tt.wantFetch {
				var ferr *FetchError
				if !errors.As(err, &ferr) {
					t.Fatalf("expected *FetchError, got %T: %v", err, err)
				}
				return
			}
			if tt.wantParse {
				var perr *ParseError
				if !errors.As(err, &perr) {
					t.Fatalf("expected *ParseError, got %T: %v", err, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if diff := cmp.Diff(tt.wantTitle, res.Title); diff != "" {
				t.Errorf("title mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(tt.wantItems, len(res.Items)); diff != "" {
				t.Errorf("item count mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestFetchNormalizesItems(t *testing.T) {
	xml := loadFixture(t)
	f := New(&mockTransport{body: xml, statusCode: 200})

	res, err := f.Fetch(context.Background(), "https://example.com/rss")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(res.Items) != 5 {
		t.Fatalf("expected 5 items, got %d", len(res.Items))
	}

	first := res.Items[0]
	if diff := cmp.Diff("Remote Python Developer wanted", first.Title); diff != "" {
		t.Errorf("title mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff("Work on backend services.", first.Summary); diff != "" {
		t.Errorf("html not stripped from summary (-want +got):\n%s", diff)
	}
	if first.Published == nil {
		t.Error("expected published time to be set")
	}

	django := res.Items[2]
	if diff := cmp.Diff("https://img.example.com/django.png", django.ImageURL); diff != "" {
		t.Errorf("enclosure image mismatch (-want +got):\n%s", diff)
	}
}

func TestFetchSkipsEntriesWithoutTitle(t *testing.T) {
	body := `<?xml version="1.0"?>
<rss version="2.0"><channel><title>Mixed</title>
<item><title>Good entry</title><link>https://example.com/good</link></item>
<item><link>https://example.com/untitled</link></item>
</channel></rss>`

	f := New(&mockTransport{body: body, statusCode: 200})
	res, err := f.Fetch(context.Background(), "https://example.com/rss")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}

	var titles []string
	for _, item := range res.Items {
		titles = append(titles, item.Title)
	}
	if diff := cmp.Diff([]string{"Good entry"}, titles); diff != "" {
		t.Errorf("titles mismatch (-want +got):\n%s", diff)
	}
}

func TestFetchConditionalRequest(t *testing.T) {
	xml := loadFixture(t)
	transport := &mockTransport{
		body:       xml,
		statusCode: 200,
		header:     http.Header{"Etag": []string{`"v1"`}, "Last-Modified": []string{"Mon, 10 Aug 2026 09:00:00 GMT"}},
	}
	f := New(transport)

	if _, err := f.Fetch(context.Background(), "https://example.com/rss"); err != nil {
		t.Fatalf("first fetch: %v", err)
	}

	transport.statusCode = http.StatusNotModified
	transport.body = ""

	_, err := f.Fetch(context.Background(), "https://example.com/rss")
	if !errors.Is(err, ErrNotModified) {
		t.Fatalf("expected ErrNotModified, got %v", err)
	}

	if len(transport.requests) != 2 {
		t.Fatalf("expected 2 requests, got %d", len(transport.requests))
	}
	second := transport.requests[1]
	if diff := cmp.Diff(`"v1"`, second.Header.Get("If-None-Match")); diff != "" {
		t.Errorf("If-None-Match mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff("Mon, 10 Aug 2026 09:00:00 GMT", second.Header.Get("If-Modified-Since")); diff != "" {
		t.Errorf("If-Modified-Since mismatch (-want +got):\n%s", diff)
	}
}

func TestFetchCapsEntries(t *testing.T) {
	var b bytes.Buffer
	b.WriteString(`<?xml version="1.0"?><rss version="2.0"><channel><title>Big</title>`)
	for i := 0; i < 80; i++ {
		b.WriteString(`<item><title>entry</title><link>https://example.com/p</link></item>`)
	}
	b.WriteString(`</channel></rss>`)

	f := New(&mockTransport{body: b.String(), statusCode: 200})
	res, err := f.Fetch(context.Background(), "https://example.com/rss")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if diff := cmp.Diff(50, len(res.Items)); diff != "" {
		t.Errorf("entry cap mismatch (-want +got):\n%s", diff)
	}
}

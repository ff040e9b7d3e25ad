// Package fetcher downloads RSS/Atom feeds and normalizes their entries.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"github.com/mmcdole/gofeed"

	"rss_sentinel/internal/model"
)

const (
	maxBodyBytes  = 5 * 1024 * 1024
	maxEntries    = 50
	maxSummaryLen = 500
	userAgent     = "RSSSentinel/1.0"
)

// ErrNotModified is returned when a conditional fetch reports that the
// feed has not changed since the last poll.
var ErrNotModified = errors.New("feed not modified")

// FetchError is a network-level failure: transport error or an
// unexpected HTTP status. StatusCode is zero for transport errors.
type FetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: unexpected status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// ParseError means the feed body could not be parsed at all.
// Individual malformed entries are skipped, not reported.
type ParseError struct {
	URL string
	Err error
}

func (e *ParseError) Error() string { return fmt.Sprintf("parse %s: %v", e.URL, e.Err) }

func (e *ParseError) Unwrap() error { return e.Err }

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Result holds a fetched feed: its self-reported title and the
// normalized items in source order.
type Result struct {
	Title string
	Items []model.Item
}

type cacheEntry struct {
	etag         string
	lastModified string
}

// Fetcher downloads and parses feeds. It remembers cache-validation
// headers per URL so unchanged feeds are not reprocessed.
type Fetcher struct {
	client HTTPClient

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// New creates a Fetcher with the given HTTP client.
func New(client HTTPClient) *Fetcher {
	return &Fetcher{
		client: client,
		cache:  make(map[string]cacheEntry),
	}
}

// Fetch downloads and parses the feed at url. It returns ErrNotModified
// when the server reports the cached representation is still current,
// a *FetchError for network-level failures and a *ParseError when the
// body is not a feed. Retrying is the caller's responsibility.
func (f *Fetcher) Fetch(ctx context.Context, url string) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &FetchError{URL: url, Err: err}
	}
	req.Header.Set("User-Agent", userAgent)

	f.mu.Lock()
	if c, ok := f.cache[url]; ok {
		if c.etag != "" {
			req.Header.Set("If-None-Match", c.etag)
		}
		if c.lastModified != "" {
			req.Header.Set("If-Modified-Since", c.lastModified)
		}
	}
	f.mu.Unlock()

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &FetchError{URL: url, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotModified {
		return nil, ErrNotModified
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &FetchError{URL: url, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, &FetchError{URL: url, Err: err}
	}

	parsed, err := gofeed.NewParser().ParseString(string(body))
	if err != nil {
		return nil, &ParseError{URL: url, Err: err}
	}

	f.mu.Lock()
	f.cache[url] = cacheEntry{
		etag:         resp.Header.Get("ETag"),
		lastModified: resp.Header.Get("Last-Modified"),
	}
	f.mu.Unlock()

	return &Result{Title: parsed.Title, Items: normalizeItems(parsed.Items)}, nil
}

// normalizeItems converts parsed entries to model items in source
// order. Entries without a title are skipped; one bad entry never
// fails the whole fetch.
func normalizeItems(entries []*gofeed.Item) []model.Item {
	if len(entries) > maxEntries {
		entries = entries[:maxEntries]
	}
	var items []model.Item
	for _, entry := range entries {
		if entry == nil {
			continue
		}
		title := strings.TrimSpace(entry.Title)
		if title == "" {
			continue
		}

		summary := entry.Description
		if summary == "" {
			summary = entry.Content
		}

		items = append(items, model.Item{
			Title:     title,
			Link:      strings.TrimSpace(entry.Link),
			Summary:   truncate(stripHTML(summary), maxSummaryLen),
			Published: publishedTime(entry),
			ImageURL:  extractImage(entry),
		})
	}
	return items
}

func publishedTime(entry *gofeed.Item) *time.Time {
	if entry.PublishedParsed != nil {
		return entry.PublishedParsed
	}
	return entry.UpdatedParsed
}

// stripHTML reduces an HTML fragment to its text content.
func stripHTML(s string) string {
	if s == "" || !strings.ContainsRune(s, '<') {
		return strings.TrimSpace(s)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(s))
	if err != nil {
		return strings.TrimSpace(s)
	}
	return strings.Join(strings.Fields(doc.Text()), " ")
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n]) + "..."
}

// extractImage picks an image reference from the entry: the item image
// if present, otherwise the first image enclosure.
func extractImage(entry *gofeed.Item) string {
	if entry.Image != nil && entry.Image.URL != "" {
		return entry.Image.URL
	}
	for _, enc := range entry.Enclosures {
		if enc != nil && strings.HasPrefix(enc.Type, "image/") && enc.URL != "" {
			return enc.URL
		}
	}
	return ""
}

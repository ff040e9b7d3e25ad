// Package dedup computes stable item fingerprints and tracks which
// items have already been delivered to each subscriber.
package dedup

import (
	"crypto/sha256"
	"fmt"
	"net/url"
	"strings"

	"rss_sentinel/internal/model"
)

// Query parameters that never change what an item is, only where the
// click came from.
var trackingParams = map[string]struct{}{
	"fbclid": {},
	"gclid":  {},
	"igshid": {},
	"mc_cid": {},
	"mc_eid": {},
	"ref":    {},
	"yclid":  {},
}

// Fingerprint returns a deterministic content-derived identity for an
// item. Items with a link are identified by the normalized link, so the
// same article keeps its fingerprint across runs, restarts, and
// tracking-parameter noise. Items without a link fall back to the title
// and the publication date truncated to the day.
func Fingerprint(item model.Item) string {
	if item.Link != "" {
		return hash(normalizeLink(item.Link))
	}
	day := ""
	if item.Published != nil {
		day = item.Published.UTC().Format("2006-01-02")
	}
	return hash(item.Title + "|" + day)
}

func hash(s string) string {
	h := sha256.Sum256([]byte(s))
	return fmt.Sprintf("sha256:%x", h[:16])
}

// normalizeLink lowercases the URL, strips a trailing slash, and drops
// tracking query parameters. The remaining query keys are emitted in
// sorted order so parameter order cannot change the fingerprint.
func normalizeLink(link string) string {
	link = strings.ToLower(strings.TrimSpace(link))

	u, err := url.Parse(link)
	if err != nil {
		return strings.TrimSuffix(link, "/")
	}

	q := u.Query()
	for key := range q {
		if _, ok := trackingParams[key]; ok || strings.HasPrefix(key, "utm_") {
			q.Del(key)
		}
	}
	u.RawQuery = q.Encode()
	u.Fragment = ""
	u.Path = strings.TrimSuffix(u.Path, "/")

	return strings.TrimSuffix(u.String(), "/")
}

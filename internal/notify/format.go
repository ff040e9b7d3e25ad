package notify

import (
	"fmt"
	"strings"

	"rss_sentinel/internal/model"
)

// FormatMatch formats a single match event as a notification message.
func FormatMatch(ev model.MatchEvent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s]\n\n", feedLabel(ev))
	b.WriteString(ev.Item.Title)
	if ev.Item.Summary != "" {
		b.WriteString("\n\n")
		b.WriteString(ev.Item.Summary)
	}
	if ev.Item.Link != "" {
		b.WriteString("\n\n")
		b.WriteString(ev.Item.Link)
	}
	if tag := ruleTag(ev.Rule); tag != "" {
		b.WriteString("\n\n")
		b.WriteString(tag)
	}
	return b.String()
}

// FormatDigest formats buffered matches as one batched message,
// grouped by feed in arrival order.
func FormatDigest(evs []model.MatchEvent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Digest: %d matched item", len(evs))
	if len(evs) != 1 {
		b.WriteString("s")
	}
	b.WriteString("\n")

	var lastFeed int64 = -1
	for _, ev := range evs {
		if ev.FeedID != lastFeed {
			fmt.Fprintf(&b, "\n[%s]\n", feedLabel(ev))
			lastFeed = ev.FeedID
		}
		fmt.Fprintf(&b, "- %s", ev.Item.Title)
		if ev.Item.Link != "" {
			fmt.Fprintf(&b, "\n  %s", ev.Item.Link)
		}
		b.WriteString("\n")
	}
	return b.String()
}

func feedLabel(ev model.MatchEvent) string {
	if ev.FeedTitle != "" {
		return ev.FeedTitle
	}
	return fmt.Sprintf("feed #%d", ev.FeedID)
}

// ruleTag renders the matched rule as a hashtag, or nothing when the
// expression does not reduce to a tag-safe word.
func ruleTag(rule string) string {
	tag := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == ' ', r == '+', r == '-', r == '|':
			return '_'
		default:
			return -1
		}
	}, rule)
	tag = strings.Trim(tag, "_")
	if tag == "" {
		return ""
	}
	return "#" + tag
}

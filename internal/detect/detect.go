// Package detect decides whether a fetched feed item is new relative to
// the state recorded for a subscription.
package detect

import (
	"rss_notify/internal/model"
)

// IsNewContent reports whether item should trigger a notification.
// Any single signal is enough: no previous notification, a newer publish
// date, a different title or a different link. Publish dates on many
// feeds are stale, so title and link drift count on their own.
func IsNewContent(sub model.Subscription, item model.Item) bool {
	if sub.PreviousPublishedAt == nil {
		return true
	}
	if published, ok := item.PublishedAt(); ok && published.After(*sub.PreviousPublishedAt) {
		return true
	}
	title, hasTitle := item.Title()
	if !sameValue(sub.PreviousTitle, title, hasTitle) {
		return true
	}
	link, hasLink := item.Link()
	return !sameValue(sub.PreviousLink, link, hasLink)
}

func sameValue(prev *string, cur string, present bool) bool {
	if prev == nil || !present {
		return prev == nil && !present
	}
	return *prev == cur
}

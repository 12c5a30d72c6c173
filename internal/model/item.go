package model

import (
	"strings"
	"time"
)

// Well-known keys of a normalized feed item.
const (
	KeyTitle       = "title"
	KeyLink        = "link"
	KeyPublishedAt = "publishedAt"
)

// Item is one feed entry as an open-schema tree of maps, slices and
// scalars. Feeds vary too much for a fixed schema.
type Item map[string]any

// Title returns the trimmed item title and whether it is present.
func (it Item) Title() (string, bool) {
	return it.stringAt(KeyTitle)
}

// Link returns the item link and whether it is present.
func (it Item) Link() (string, bool) {
	return it.stringAt(KeyLink)
}

// PublishedAt returns the item publish time. Both RFC 3339 timestamps and
// plain dates are accepted.
func (it Item) PublishedAt() (time.Time, bool) {
	s, ok := it.stringAt(KeyPublishedAt)
	if !ok || s == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// Watermark builds the notification state recorded for this item.
func (it Item) Watermark(notifiedAt time.Time, expectedTotal int) Notification {
	n := Notification{NotifiedAt: notifiedAt, ExpectedTotal: expectedTotal}
	n.PublishedAt, _ = it.PublishedAt()
	if v, ok := it.Title(); ok {
		n.Title = &v
	}
	if v, ok := it.Link(); ok {
		n.Link = &v
	}
	return n
}

func (it Item) stringAt(key string) (string, bool) {
	v, ok := it[key]
	if !ok || v == nil {
		return "", false
	}
	s, ok := v.(string)
	if !ok {
		return "", false
	}
	return strings.TrimSpace(s), true
}

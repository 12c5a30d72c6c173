// Package fetcher downloads remote feeds and picks their latest item.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/mmcdole/gofeed"

	"rss_notify/internal/model"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Errors returned by Latest.
var (
	ErrInvalidURL        = errors.New("invalid URL provided")
	ErrFetchFailed       = errors.New("failed to get remote latest feed")
	ErrMissingTimestamps = errors.New("no timestamps found in feed items")
)

const maxBodySize = 5 * 1024 * 1024

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Fetcher downloads and parses RSS and Atom feeds.
type Fetcher struct {
	client HTTPClient
}

// New creates a Fetcher with the given HTTP client.
func New(client HTTPClient) *Fetcher {
	return &Fetcher{client: client}
}

// Latest returns the most recent item of the feed at rawURL, or nil if
// the feed has no items.
func (f *Fetcher) Latest(ctx context.Context, rawURL string) (model.Item, error) {
	if err := ValidateURL(rawURL); err != nil {
		return nil, err
	}

	feed, err := f.Fetch(ctx, rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFetchFailed, err)
	}

	item, err := LatestItem(feed.Items)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFetchFailed, err)
	}
	if item == nil {
		return nil, nil
	}
	return ToItem(item)
}

// Fetch downloads and parses a feed from the given URL.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*gofeed.Feed, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", "RSSNotify/1.0")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http get: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	parser := gofeed.NewParser()
	feed, err := parser.ParseString(string(body))
	if err != nil {
		return nil, fmt.Errorf("parse feed: %w", err)
	}
	return feed, nil
}

// ValidateURL accepts only absolute http(s) URLs with a host.
func ValidateURL(rawURL string) error {
	u, err := url.ParseRequestURI(rawURL)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	return nil
}

// LatestItem infers the feed ordering from its first two items and
// returns the newest one. Feeds listing oldest first yield their last item.
func LatestItem(items []*gofeed.Item) (*gofeed.Item, error) {
	switch len(items) {
	case 0:
		return nil, nil
	case 1:
		return items[0], nil
	}

	first, second := itemTime(items[0]), itemTime(items[1])
	if first == nil || second == nil {
		return nil, ErrMissingTimestamps
	}
	if first.Before(*second) {
		return items[len(items)-1], nil
	}
	return items[0], nil
}

// ToItem converts a parsed entry into the open tree used for field
// lookups, adding normalized publishedAt and pubDate keys.
func ToItem(item *gofeed.Item) (model.Item, error) {
	raw, err := json.Marshal(item)
	if err != nil {
		return nil, fmt.Errorf("encode item: %w", err)
	}
	out := model.Item{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode item: %w", err)
	}
	if t := itemTime(item); t != nil {
		out[model.KeyPublishedAt] = t.UTC().Format(time.RFC3339)
	}
	if item.Published != "" {
		out["pubDate"] = item.Published
	} else if item.Updated != "" {
		out["pubDate"] = item.Updated
	}
	return out, nil
}

func itemTime(item *gofeed.Item) *time.Time {
	if item.PublishedParsed != nil {
		return item.PublishedParsed
	}
	return item.UpdatedParsed
}

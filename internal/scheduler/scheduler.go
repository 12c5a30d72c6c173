// Package scheduler runs one notification batch over all subscriptions.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"rss_notify/internal/bot"
	"rss_notify/internal/detect"
	"rss_notify/internal/fetcher"
	"rss_notify/internal/lock"
	"rss_notify/internal/model"
	"rss_notify/internal/storage"
)

// ErrRunInProgress is returned when another run holds the run lock.
var ErrRunInProgress = errors.New("notification run already in progress")

// Fetcher returns the latest item of a remote feed.
type Fetcher interface {
	Latest(ctx context.Context, url string) (model.Item, error)
}

// Sender delivers a text message.
type Sender interface {
	Send(ctx context.Context, credential, destination, text string) (model.Receipt, error)
}

// Decrypter opens secrets stored on a subscription.
type Decrypter interface {
	Decrypt(token string) (string, error)
}

// Options tunes a Scheduler. Zero values select the defaults.
type Options struct {
	PageSize     int
	Workers      int
	FetchTimeout time.Duration
	SendTimeout  time.Duration
}

func (o Options) withDefaults() Options {
	if o.PageSize <= 0 {
		o.PageSize = 100
	}
	if o.Workers <= 0 {
		o.Workers = 1
	}
	if o.FetchTimeout <= 0 {
		o.FetchTimeout = 30 * time.Second
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = 15 * time.Second
	}
	return o
}

// Scheduler checks every notifiable subscription for new content and
// sends notifications.
type Scheduler struct {
	store   storage.Storage
	fetcher Fetcher
	sender  Sender
	secrets Decrypter
	locker  lock.Locker
	log     *slog.Logger
	opts    Options
	now     func() time.Time
}

// New creates a Scheduler.
func New(store storage.Storage, f Fetcher, sender Sender, secrets Decrypter, locker lock.Locker, log *slog.Logger, opts Options) *Scheduler {
	return &Scheduler{
		store:   store,
		fetcher: f,
		sender:  sender,
		secrets: secrets,
		locker:  locker,
		log:     log,
		opts:    opts.withDefaults(),
		now:     time.Now,
	}
}

type counters struct {
	processed atomic.Int64
	updated   atomic.Int64
	errors    atomic.Int64
}

func (c *counters) result() model.RunResult {
	return model.RunResult{
		Processed: int(c.processed.Load()),
		Updated:   int(c.updated.Load()),
		Errors:    int(c.errors.Load()),
	}
}

// RunOnce processes all subscriptions with notifications enabled, one
// page at a time. Per-subscription failures, including rows that cannot
// be decoded, are counted and logged; only a failure to read a page or a
// cancelled context ends the run early.
func (s *Scheduler) RunOnce(ctx context.Context) (model.RunResult, error) {
	release, err := s.locker.TryLock(ctx)
	if errors.Is(err, lock.ErrLocked) {
		return model.RunResult{}, ErrRunInProgress
	}
	if err != nil {
		return model.RunResult{}, fmt.Errorf("acquire run lock: %w", err)
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			s.log.Error("release run lock", "error", err)
		}
	}()

	start := time.Now()
	var c counters
	var cursor *model.Cursor
	for {
		if err := ctx.Err(); err != nil {
			return c.result(), err
		}

		page, err := s.store.ListNotifiable(ctx, cursor, s.opts.PageSize)
		if err != nil {
			return c.result(), fmt.Errorf("list subscriptions: %w", err)
		}
		if page.Len() == 0 {
			break
		}

		for _, row := range page.Invalid {
			c.processed.Add(1)
			c.errors.Add(1)
			s.log.Error("load subscription", "subscription_id", row.ID, "error", row.Err)
		}

		var g errgroup.Group
		g.SetLimit(s.opts.Workers)
		for _, sub := range page.Subscriptions {
			g.Go(func() error {
				s.process(ctx, sub, &c)
				return nil
			})
		}
		_ = g.Wait()

		if page.Next == nil || (cursor != nil && !page.Next.After(*cursor)) {
			return c.result(), errors.New("list subscriptions: page cursor did not advance")
		}
		cursor = page.Next
	}

	res := c.result()
	s.log.Info("run complete",
		"processed", res.Processed, "updated", res.Updated, "errors", res.Errors,
		"duration", time.Since(start).Round(time.Millisecond))
	return res, nil
}

func (s *Scheduler) process(ctx context.Context, sub model.Subscription, c *counters) {
	c.processed.Add(1)
	log := s.log.With("subscription_id", sub.ID)

	fetchCtx, cancel := context.WithTimeout(ctx, s.opts.FetchTimeout)
	item, err := s.fetcher.Latest(fetchCtx, sub.URL)
	cancel()
	if errors.Is(err, fetcher.ErrMissingTimestamps) {
		log.Info("feed items have no publish dates", "url", sub.URL)
		return
	}
	if err != nil {
		c.errors.Add(1)
		log.Error("fetch latest item", "url", sub.URL, "error", err)
		return
	}
	if item == nil {
		log.Info("feed has no items", "url", sub.URL)
		return
	}
	if _, ok := item.PublishedAt(); !ok {
		log.Info("latest item has no publish date", "url", sub.URL)
		return
	}
	if !detect.IsNewContent(sub, item) {
		log.Debug("no new content")
		return
	}

	text := bot.FormatNotification(sub.Title, item, sub.SelectedFields)
	receipt, err := s.deliver(ctx, sub, text)
	if err != nil {
		c.errors.Add(1)
		log.Error("deliver notification", "error", err)
		return
	}

	n := item.Watermark(s.now().UTC(), sub.TotalNotified)
	if err := s.store.RecordNotification(ctx, sub.ID, n); err != nil {
		c.errors.Add(1)
		if errors.Is(err, storage.ErrConflict) {
			log.Warn("notification already recorded by another run", "message_id", receipt.MessageID)
			return
		}
		log.Error("record notification", "message_id", receipt.MessageID, "error", err)
		return
	}

	c.updated.Add(1)
	log.Info("notification sent", "message_id", receipt.MessageID, "total_notified", sub.TotalNotified+1)
}

// deliver opens the subscription secrets and sends text. The plaintext
// values never leave this function.
func (s *Scheduler) deliver(ctx context.Context, sub model.Subscription, text string) (model.Receipt, error) {
	credential, err := s.secrets.Decrypt(sub.EncryptedCredential)
	if err != nil {
		return model.Receipt{}, fmt.Errorf("decrypt credential: %w", err)
	}
	destination, err := s.secrets.Decrypt(sub.EncryptedDestination)
	if err != nil {
		return model.Receipt{}, fmt.Errorf("decrypt destination: %w", err)
	}

	sendCtx, cancel := context.WithTimeout(ctx, s.opts.SendTimeout)
	defer cancel()
	receipt, err := s.sender.Send(sendCtx, credential, destination, text)
	if err != nil {
		return model.Receipt{}, fmt.Errorf("send notification: %w", err)
	}
	return receipt, nil
}

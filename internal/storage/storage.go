// Package storage defines the persistence interface and its implementations.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"

	"rss_notify/internal/model"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Errors returned by Storage implementations.
var (
	ErrNotFound = errors.New("subscription not found")
	// ErrConflict means the subscription changed since it was read, for
	// example because an overlapping run already recorded a notification.
	ErrConflict = errors.New("subscription was modified concurrently")
)

// Storage is the interface for all persistence operations.
type Storage interface {
	CreateSubscription(ctx context.Context, sub *model.Subscription) error
	GetSubscription(ctx context.Context, id string) (*model.Subscription, error)
	SetShouldNotify(ctx context.Context, id string, enabled bool) error
	DeleteSubscription(ctx context.Context, id string) error

	// ListNotifiable reads up to limit subscriptions with ShouldNotify
	// set, ordered by (CreatedAt, ID) and strictly after the cursor. Rows
	// that cannot be decoded are reported in Page.Invalid instead of
	// failing the read.
	ListNotifiable(ctx context.Context, after *model.Cursor, limit int) (Page, error)

	// RecordNotification stores the watermark of a sent notification and
	// increments TotalNotified, provided TotalNotified still equals
	// n.ExpectedTotal.
	RecordNotification(ctx context.Context, id string, n model.Notification) error

	Close() error
}

// Page is one keyset page of notifiable subscriptions.
type Page struct {
	Subscriptions []model.Subscription
	Invalid       []RowError
	// Next is the position of the last row read whose key could be
	// decoded. It is nil when no such row was read.
	Next *model.Cursor
}

// Len returns the number of rows read, valid or not.
func (p Page) Len() int {
	return len(p.Subscriptions) + len(p.Invalid)
}

func (p *Page) add(sub model.Subscription) {
	p.Subscriptions = append(p.Subscriptions, sub)
	next := sub.Cursor()
	p.Next = &next
}

func (p *Page) addInvalid(rowErr *RowError) {
	p.Invalid = append(p.Invalid, *rowErr)
	if !rowErr.CreatedAt.IsZero() {
		p.Next = &model.Cursor{CreatedAt: rowErr.CreatedAt, ID: rowErr.ID}
	}
}

// RowError is a stored subscription row that was read but could not be
// decoded. CreatedAt is zero when the creation time itself is unreadable.
type RowError struct {
	ID        string
	CreatedAt time.Time
	Err       error
}

func (e *RowError) Error() string {
	return fmt.Sprintf("decode subscription %s: %v", e.ID, e.Err)
}

func (e *RowError) Unwrap() error {
	return e.Err
}

func encodeFields(fields []model.FieldSelection) (string, error) {
	if fields == nil {
		fields = []model.FieldSelection{}
	}
	b, err := json.Marshal(fields)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeFields(raw []byte) ([]model.FieldSelection, error) {
	var fields []model.FieldSelection
	if len(raw) == 0 {
		return fields, nil
	}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	return fields, nil
}

var (
	_ Storage = (*SQLite)(nil)
	_ Storage = (*Postgres)(nil)
)

// Package model defines the domain types used across the application.
package model

import (
	"fmt"
	"time"
)

// Subscription represents a feed URL registered together with a Telegram
// destination and the state of the last notification sent for it.
type Subscription struct {
	ID             string
	Title          string
	Description    string
	URL            string
	ShouldNotify   bool
	SelectedFields []FieldSelection

	// Ciphertext as produced by secret.Cipher. Decrypt right before use.
	EncryptedCredential  string
	EncryptedDestination string

	PreviousPublishedAt *time.Time
	PreviousTitle       *string
	PreviousLink        *string
	LastNotifiedAt      *time.Time
	TotalNotified       int
	CreatedAt           time.Time
}

// Cursor returns the keyset position of the subscription.
func (s Subscription) Cursor() Cursor {
	return Cursor{CreatedAt: s.CreatedAt, ID: s.ID}
}

// FieldSelection is one user-chosen path into a feed item together with
// its display settings.
type FieldSelection struct {
	ID           string        `json:"id"`
	Path         string        `json:"path"`
	CustomLabel  string        `json:"customLabel,omitempty"`
	IsSelected   bool          `json:"isSelected"`
	Replacements []Replacement `json:"replacements,omitempty"`
}

// Label returns the custom label if set, otherwise the path.
func (f FieldSelection) Label() string {
	if f.CustomLabel != "" {
		return f.CustomLabel
	}
	return f.Path
}

// Replacement is a find-and-replace rule applied to a rendered field value.
type Replacement struct {
	ID     string `json:"id,omitempty"`
	Target string `json:"target"`
	Value  string `json:"value"`
}

// ValidateFields checks the selections arriving from outside the engine.
// Duplicate paths are allowed.
func ValidateFields(fields []FieldSelection) error {
	for i, f := range fields {
		if f.Path == "" {
			return fmt.Errorf("field %d: path is required", i)
		}
	}
	return nil
}

// Cursor is a keyset pagination position over subscriptions ordered by
// (CreatedAt, ID).
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// After reports whether c is strictly past other in (CreatedAt, ID) order.
func (c Cursor) After(other Cursor) bool {
	if !c.CreatedAt.Equal(other.CreatedAt) {
		return c.CreatedAt.After(other.CreatedAt)
	}
	return c.ID > other.ID
}

// Notification is the watermark update recorded after a successful send.
type Notification struct {
	PublishedAt time.Time
	Title       *string
	Link        *string
	NotifiedAt  time.Time
	// ExpectedTotal is the TotalNotified value read before sending. The
	// update only applies while the stored counter still equals it.
	ExpectedTotal int
}

// Receipt confirms a message accepted by the messaging transport.
type Receipt struct {
	MessageID int
	ChatID    int64
	SentAt    time.Time
}

// RunResult aggregates the counters of one batch run.
type RunResult struct {
	Processed int `json:"processedCount"`
	Updated   int `json:"updatedCount"`
	Errors    int `json:"errorCount"`
}

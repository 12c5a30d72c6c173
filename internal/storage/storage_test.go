package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"rss_notify/internal/model"
)

var equateEmpty = cmpopts.EquateEmpty()

func ptr[T any](v T) *T { return &v }

var base = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func newSubscription(id string, createdAt time.Time, notify bool) model.Subscription {
	return model.Subscription{
		ID:                   id,
		Title:                "Feed " + id,
		URL:                  "https://example.com/" + id + ".xml",
		ShouldNotify:         notify,
		EncryptedCredential:  "cred-" + id,
		EncryptedDestination: "dest-" + id,
		CreatedAt:            createdAt,
	}
}

// testStorage runs the behaviour shared by all Storage implementations.
// newStore must return an empty store.
func testStorage(t *testing.T, newStore func(t *testing.T) Storage) {
	t.Run("create and get", func(t *testing.T) { testCreateGet(t, newStore(t)) })
	t.Run("generated id", func(t *testing.T) { testGeneratedID(t, newStore(t)) })
	t.Run("invalid fields", func(t *testing.T) { testInvalidFields(t, newStore(t)) })
	t.Run("list notifiable pages", func(t *testing.T) { testListPages(t, newStore(t)) })
	t.Run("list ties on created at", func(t *testing.T) { testListTies(t, newStore(t)) })
	t.Run("record notification", func(t *testing.T) { testRecordNotification(t, newStore(t)) })
	t.Run("record conflict", func(t *testing.T) { testRecordConflict(t, newStore(t)) })
	t.Run("not found", func(t *testing.T) { testNotFound(t, newStore(t)) })
	t.Run("toggle and delete", func(t *testing.T) { testToggleDelete(t, newStore(t)) })
}

func testCreateGet(t *testing.T, s Storage) {
	ctx := context.Background()

	published := base.Add(-time.Hour)
	sub := model.Subscription{
		ID:           "sub-1",
		Title:        "Go Blog",
		Description:  "Official blog",
		URL:          "https://go.dev/blog/feed.atom",
		ShouldNotify: true,
		SelectedFields: []model.FieldSelection{
			{ID: "f1", Path: "title", IsSelected: true},
			{ID: "f2", Path: "publishedAt", CustomLabel: "Date", IsSelected: false, Replacements: []model.Replacement{
				{ID: "r1", Target: "T", Value: " "},
			}},
		},
		EncryptedCredential:  "aa:bb:cc",
		EncryptedDestination: "dd:ee:ff",
		PreviousPublishedAt:  &published,
		PreviousTitle:        ptr("Old post"),
		TotalNotified:        3,
		CreatedAt:            base,
	}
	if err := s.CreateSubscription(ctx, &sub); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := s.GetSubscription(ctx, "sub-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if diff := cmp.Diff(sub, *got, equateEmpty); diff != "" {
		t.Errorf("GetSubscription mismatch (-want +got):\n%s", diff)
	}
}

func testGeneratedID(t *testing.T, s Storage) {
	ctx := context.Background()

	sub := model.Subscription{Title: "T", URL: "https://example.com/rss", ShouldNotify: true}
	if err := s.CreateSubscription(ctx, &sub); err != nil {
		t.Fatalf("create: %v", err)
	}
	if sub.ID == "" {
		t.Fatal("expected generated ID")
	}
	if sub.CreatedAt.IsZero() {
		t.Fatal("expected CreatedAt to be set")
	}

	got, err := s.GetSubscription(ctx, sub.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.CreatedAt.Equal(sub.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, sub.CreatedAt)
	}
}

func testInvalidFields(t *testing.T, s Storage) {
	sub := newSubscription("bad", base, true)
	sub.SelectedFields = []model.FieldSelection{{ID: "f1", Path: "", IsSelected: true}}
	if err := s.CreateSubscription(context.Background(), &sub); err == nil {
		t.Fatal("expected error for empty field path")
	}
}

func testListPages(t *testing.T, s Storage) {
	ctx := context.Background()

	var want []string
	for i := range 7 {
		id := fmt.Sprintf("sub-%02d", i)
		notify := i != 3
		sub := newSubscription(id, base.Add(time.Duration(i)*time.Minute), notify)
		if err := s.CreateSubscription(ctx, &sub); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
		if notify {
			want = append(want, id)
		}
	}

	var got []string
	var pages int
	var cursor *model.Cursor
	for {
		page, err := s.ListNotifiable(ctx, cursor, 2)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if page.Len() == 0 {
			break
		}
		pages++
		for _, sub := range page.Subscriptions {
			got = append(got, sub.ID)
		}
		cursor = page.Next
	}

	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("listed ids mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(3, pages); diff != "" {
		t.Errorf("page count mismatch (-want +got):\n%s", diff)
	}
}

func testListTies(t *testing.T, s Storage) {
	ctx := context.Background()

	for _, id := range []string{"c", "a", "b"} {
		sub := newSubscription(id, base, true)
		if err := s.CreateSubscription(ctx, &sub); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}

	first, err := s.ListNotifiable(ctx, nil, 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	second, err := s.ListNotifiable(ctx, first.Next, 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}

	var got []string
	for _, sub := range append(first.Subscriptions, second.Subscriptions...) {
		got = append(got, sub.ID)
	}
	if diff := cmp.Diff([]string{"a", "b", "c"}, got); diff != "" {
		t.Errorf("listed ids mismatch (-want +got):\n%s", diff)
	}
}

func testRecordNotification(t *testing.T, s Storage) {
	ctx := context.Background()

	sub := newSubscription("sub-1", base, true)
	if err := s.CreateSubscription(ctx, &sub); err != nil {
		t.Fatalf("create: %v", err)
	}

	published := base.Add(time.Hour)
	notified := base.Add(2 * time.Hour)
	n := model.Notification{
		PublishedAt:   published,
		Title:         ptr("A"),
		NotifiedAt:    notified,
		ExpectedTotal: 0,
	}
	if err := s.RecordNotification(ctx, "sub-1", n); err != nil {
		t.Fatalf("record: %v", err)
	}

	got, err := s.GetSubscription(ctx, "sub-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	want := sub
	want.PreviousPublishedAt = &published
	want.PreviousTitle = ptr("A")
	want.PreviousLink = nil
	want.LastNotifiedAt = &notified
	want.TotalNotified = 1
	if diff := cmp.Diff(want, *got, equateEmpty); diff != "" {
		t.Errorf("subscription mismatch (-want +got):\n%s", diff)
	}
}

func testRecordConflict(t *testing.T, s Storage) {
	ctx := context.Background()

	sub := newSubscription("sub-1", base, true)
	if err := s.CreateSubscription(ctx, &sub); err != nil {
		t.Fatalf("create: %v", err)
	}

	n := model.Notification{PublishedAt: base, NotifiedAt: base, ExpectedTotal: 0}
	if err := s.RecordNotification(ctx, "sub-1", n); err != nil {
		t.Fatalf("first record: %v", err)
	}
	if err := s.RecordNotification(ctx, "sub-1", n); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	got, err := s.GetSubscription(ctx, "sub-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if diff := cmp.Diff(1, got.TotalNotified); diff != "" {
		t.Errorf("TotalNotified mismatch (-want +got):\n%s", diff)
	}
}

func testNotFound(t *testing.T, s Storage) {
	ctx := context.Background()

	tests := []struct {
		name string
		call func() error
	}{
		{name: "get", call: func() error { _, err := s.GetSubscription(ctx, "missing"); return err }},
		{name: "record", call: func() error {
			return s.RecordNotification(ctx, "missing", model.Notification{PublishedAt: base, NotifiedAt: base})
		}},
		{name: "toggle", call: func() error { return s.SetShouldNotify(ctx, "missing", false) }},
		{name: "delete", call: func() error { return s.DeleteSubscription(ctx, "missing") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.call(); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}
		})
	}
}

func testToggleDelete(t *testing.T, s Storage) {
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		sub := newSubscription(id, base, true)
		if err := s.CreateSubscription(ctx, &sub); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}

	if err := s.SetShouldNotify(ctx, "a", false); err != nil {
		t.Fatalf("toggle: %v", err)
	}
	page, err := s.ListNotifiable(ctx, nil, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page.Subscriptions) != 1 || page.Subscriptions[0].ID != "b" {
		t.Fatalf("expected only b to be notifiable, got %+v", page.Subscriptions)
	}

	if err := s.DeleteSubscription(ctx, "b"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	page, err = s.ListNotifiable(ctx, nil, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if page.Len() != 0 {
		t.Fatalf("expected no notifiable subscriptions, got %d", page.Len())
	}
}

// testUndecodableRows checks that a row whose stored fields cannot be
// decoded is reported on its own and does not hide the rows after it.
// corrupt must overwrite the selected fields of the given row with a JSON
// object.
func testUndecodableRows(t *testing.T, s Storage, corrupt func(id string) error) {
	ctx := context.Background()

	for i, id := range []string{"a", "b", "c"} {
		sub := newSubscription(id, base.Add(time.Duration(i)*time.Minute), true)
		if err := s.CreateSubscription(ctx, &sub); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	if err := corrupt("b"); err != nil {
		t.Fatalf("corrupt: %v", err)
	}

	first, err := s.ListNotifiable(ctx, nil, 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if diff := cmp.Diff(2, first.Len()); diff != "" {
		t.Errorf("first page size mismatch (-want +got):\n%s", diff)
	}
	if len(first.Invalid) != 1 || first.Invalid[0].ID != "b" {
		t.Fatalf("expected b to be reported as invalid, got %+v", first.Invalid)
	}
	if first.Invalid[0].Err == nil {
		t.Error("expected a decode error on the invalid row")
	}
	wantNext := &model.Cursor{CreatedAt: base.Add(time.Minute), ID: "b"}
	if diff := cmp.Diff(wantNext, first.Next); diff != "" {
		t.Errorf("next cursor mismatch (-want +got):\n%s", diff)
	}

	second, err := s.ListNotifiable(ctx, first.Next, 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var got []string
	for _, sub := range append(first.Subscriptions, second.Subscriptions...) {
		got = append(got, sub.ID)
	}
	if diff := cmp.Diff([]string{"a", "c"}, got); diff != "" {
		t.Errorf("listed ids mismatch (-want +got):\n%s", diff)
	}

	_, err = s.GetSubscription(ctx, "b")
	var rowErr *RowError
	if !errors.As(err, &rowErr) {
		t.Fatalf("expected RowError from get, got %v", err)
	}
}

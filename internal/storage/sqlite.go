package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // SQLite driver registration.

	"rss_notify/internal/model"
	"rss_notify/migrations"
)

// Fixed width so that text comparison orders timestamps correctly.
const timeLayout = "2006-01-02T15:04:05.000000Z"

const subscriptionColumns = `id, title, description, url, should_notify, selected_fields,
	credential, destination, prev_published_at, prev_title, prev_link,
	last_notified_at, total_notified, created_at`

// SQLite implements Storage backed by a SQLite database.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at dsn and runs pending migrations.
func NewSQLite(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection serializes writers and keeps ":memory:" databases
	// from splitting across the pool.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if err := migrations.Run(db, migrations.SQLite); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLite{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// CreateSubscription inserts a subscription. ID and CreatedAt are filled
// in when empty.
func (s *SQLite) CreateSubscription(ctx context.Context, sub *model.Subscription) error {
	if err := model.ValidateFields(sub.SelectedFields); err != nil {
		return fmt.Errorf("validate fields: %w", err)
	}
	fields, err := encodeFields(sub.SelectedFields)
	if err != nil {
		return fmt.Errorf("encode fields: %w", err)
	}
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now()
	}
	sub.CreatedAt = sub.CreatedAt.UTC().Truncate(time.Microsecond)

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO subscriptions (`+subscriptionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sub.ID, sub.Title, sub.Description, sub.URL, boolToInt(sub.ShouldNotify), fields,
		sub.EncryptedCredential, sub.EncryptedDestination,
		formatTime(sub.PreviousPublishedAt), toNullString(sub.PreviousTitle), toNullString(sub.PreviousLink),
		formatTime(sub.LastNotifiedAt), sub.TotalNotified, sub.CreatedAt.Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("insert subscription: %w", err)
	}
	return nil
}

// GetSubscription returns a single subscription by its ID.
func (s *SQLite) GetSubscription(ctx context.Context, id string) (*model.Subscription, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = ?`, id,
	)
	sub, err := scanSQLiteSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// ListNotifiable returns a page of subscriptions with notifications enabled.
func (s *SQLite) ListNotifiable(ctx context.Context, after *model.Cursor, limit int) (Page, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE should_notify = 1`
	var args []any
	if after != nil {
		ts := after.CreatedAt.UTC().Format(timeLayout)
		query += ` AND (created_at > ? OR (created_at = ? AND id > ?))`
		args = append(args, ts, ts, after.ID)
	}
	query += ` ORDER BY created_at, id LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return Page{}, fmt.Errorf("query subscriptions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var page Page
	for rows.Next() {
		sub, err := scanSQLiteSubscription(rows)
		var rowErr *RowError
		if errors.As(err, &rowErr) {
			page.addInvalid(rowErr)
			continue
		}
		if err != nil {
			return Page{}, err
		}
		page.add(*sub)
	}
	if err := rows.Err(); err != nil {
		return Page{}, fmt.Errorf("iterate subscriptions: %w", err)
	}
	return page, nil
}

// RecordNotification updates the notification watermark if TotalNotified
// has not changed since the subscription was read.
func (s *SQLite) RecordNotification(ctx context.Context, id string, n model.Notification) error {
	published := n.PublishedAt
	notified := n.NotifiedAt
	res, err := s.db.ExecContext(ctx,
		`UPDATE subscriptions
		 SET prev_published_at = ?, prev_title = ?, prev_link = ?, last_notified_at = ?,
		     total_notified = total_notified + 1
		 WHERE id = ? AND total_notified = ?`,
		formatTime(&published), toNullString(n.Title), toNullString(n.Link), formatTime(&notified), id, n.ExpectedTotal,
	)
	if err != nil {
		return fmt.Errorf("update subscription: %w", err)
	}
	return s.checkUpdated(ctx, res, id)
}

// SetShouldNotify enables or disables notifications for a subscription.
func (s *SQLite) SetShouldNotify(ctx context.Context, id string, enabled bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE subscriptions SET should_notify = ? WHERE id = ?`, boolToInt(enabled), id,
	)
	if err != nil {
		return fmt.Errorf("update subscription: %w", err)
	}
	return requireRow(res)
}

// DeleteSubscription removes a subscription by its ID.
func (s *SQLite) DeleteSubscription(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	return requireRow(res)
}

func (s *SQLite) checkUpdated(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}
	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM subscriptions WHERE id = ?`, id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check subscription: %w", err)
	}
	if exists == 0 {
		return ErrNotFound
	}
	return ErrConflict
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func formatTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(timeLayout), Valid: true}
}

func toNullString(v *string) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *v, Valid: true}
}

func parseTime(v sql.NullString) *time.Time {
	if !v.Valid {
		return nil
	}
	t, err := time.Parse(timeLayout, v.String)
	if err != nil {
		return nil
	}
	return &t
}

func nullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	return &v.String
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSQLiteSubscription(row scannable) (*model.Subscription, error) {
	var sub model.Subscription
	var shouldNotify int
	var fields string
	var published, title, link, notified sql.NullString
	var created string
	err := row.Scan(&sub.ID, &sub.Title, &sub.Description, &sub.URL, &shouldNotify, &fields,
		&sub.EncryptedCredential, &sub.EncryptedDestination, &published, &title, &link,
		&notified, &sub.TotalNotified, &created)
	if err != nil {
		return nil, fmt.Errorf("scan subscription: %w", err)
	}
	if sub.CreatedAt, err = time.Parse(timeLayout, created); err != nil {
		return nil, &RowError{ID: sub.ID, Err: fmt.Errorf("parse created_at: %w", err)}
	}
	sub.ShouldNotify = shouldNotify == 1
	if sub.SelectedFields, err = decodeFields([]byte(fields)); err != nil {
		return nil, &RowError{ID: sub.ID, CreatedAt: sub.CreatedAt, Err: fmt.Errorf("decode selected fields: %w", err)}
	}
	sub.PreviousPublishedAt = parseTime(published)
	sub.PreviousTitle = nullString(title)
	sub.PreviousLink = nullString(link)
	sub.LastNotifiedAt = parseTime(notified)
	return &sub, nil
}

package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"rss_notify/internal/model"
	"rss_notify/migrations"
)

// Postgres implements Storage backed by a PostgreSQL connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects to the database at url and runs pending migrations.
func NewPostgres(ctx context.Context, url string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	db := stdlib.OpenDBFromPool(pool)
	err = migrations.Run(db, migrations.Postgres)
	_ = db.Close()
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Postgres{pool: pool}, nil
}

// Close closes the connection pool.
func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

// CreateSubscription inserts a subscription. ID and CreatedAt are filled
// in when empty.
func (p *Postgres) CreateSubscription(ctx context.Context, sub *model.Subscription) error {
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

	_, err = p.pool.Exec(ctx,
		`INSERT INTO subscriptions (`+subscriptionColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		sub.ID, sub.Title, sub.Description, sub.URL, sub.ShouldNotify, fields,
		sub.EncryptedCredential, sub.EncryptedDestination,
		sub.PreviousPublishedAt, sub.PreviousTitle, sub.PreviousLink,
		sub.LastNotifiedAt, sub.TotalNotified, sub.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert subscription: %w", err)
	}
	return nil
}

// GetSubscription returns a single subscription by its ID.
func (p *Postgres) GetSubscription(ctx context.Context, id string) (*model.Subscription, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1`, id,
	)
	sub, err := scanPostgresSubscription(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// ListNotifiable returns a page of subscriptions with notifications enabled.
func (p *Postgres) ListNotifiable(ctx context.Context, after *model.Cursor, limit int) (Page, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE should_notify`
	var args []any
	if after != nil {
		query += ` AND (created_at, id) > ($1, $2) ORDER BY created_at, id LIMIT $3`
		args = append(args, after.CreatedAt.UTC(), after.ID, limit)
	} else {
		query += ` ORDER BY created_at, id LIMIT $1`
		args = append(args, limit)
	}

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return Page{}, fmt.Errorf("query subscriptions: %w", err)
	}
	defer rows.Close()

	var page Page
	for rows.Next() {
		sub, err := scanPostgresSubscription(rows)
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
func (p *Postgres) RecordNotification(ctx context.Context, id string, n model.Notification) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE subscriptions
		 SET prev_published_at = $1, prev_title = $2, prev_link = $3, last_notified_at = $4,
		     total_notified = total_notified + 1
		 WHERE id = $5 AND total_notified = $6`,
		n.PublishedAt.UTC(), n.Title, n.Link, n.NotifiedAt.UTC(), id, n.ExpectedTotal,
	)
	if err != nil {
		return fmt.Errorf("update subscription: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	err = p.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM subscriptions WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check subscription: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrConflict
}

// SetShouldNotify enables or disables notifications for a subscription.
func (p *Postgres) SetShouldNotify(ctx context.Context, id string, enabled bool) error {
	tag, err := p.pool.Exec(ctx, `UPDATE subscriptions SET should_notify = $1 WHERE id = $2`, enabled, id)
	if err != nil {
		return fmt.Errorf("update subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteSubscription removes a subscription by its ID.
func (p *Postgres) DeleteSubscription(ctx context.Context, id string) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM subscriptions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanPostgresSubscription(row pgx.Row) (*model.Subscription, error) {
	var sub model.Subscription
	var fields []byte
	err := row.Scan(&sub.ID, &sub.Title, &sub.Description, &sub.URL, &sub.ShouldNotify, &fields,
		&sub.EncryptedCredential, &sub.EncryptedDestination,
		&sub.PreviousPublishedAt, &sub.PreviousTitle, &sub.PreviousLink,
		&sub.LastNotifiedAt, &sub.TotalNotified, &sub.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("scan subscription: %w", err)
	}
	sub.CreatedAt = sub.CreatedAt.UTC()
	if sub.SelectedFields, err = decodeFields(fields); err != nil {
		return nil, &RowError{ID: sub.ID, CreatedAt: sub.CreatedAt, Err: fmt.Errorf("decode selected fields: %w", err)}
	}
	sub.PreviousPublishedAt = utc(sub.PreviousPublishedAt)
	sub.LastNotifiedAt = utc(sub.LastNotifiedAt)
	return &sub, nil
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}

package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"todochain/internal/domain"
)

// ListSubscriptions returns every stored push subscription, oldest first.
func (r Repo) ListSubscriptions(ctx context.Context) ([]domain.Subscription, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT endpoint,expiration_time,p256dh,auth,created_at FROM subscriptions ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Subscription
	for rows.Next() {
		var s domain.Subscription
		var exp sql.NullInt64
		if err := rows.Scan(&s.Endpoint, &exp, &s.Keys.P256dh, &s.Keys.Auth, &s.CreatedAt); err != nil {
			return nil, err
		}
		if exp.Valid {
			v := exp.Int64
			s.ExpirationTime = &v
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// GetSubscription looks up a subscription by endpoint.
func (r Repo) GetSubscription(ctx context.Context, endpoint string) (domain.Subscription, error) {
	var s domain.Subscription
	var exp sql.NullInt64
	err := r.DB.QueryRowContext(ctx, `SELECT endpoint,expiration_time,p256dh,auth,created_at FROM subscriptions WHERE endpoint=?`, endpoint).
		Scan(&s.Endpoint, &exp, &s.Keys.P256dh, &s.Keys.Auth, &s.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return s, ErrNotFound
	}
	if exp.Valid {
		v := exp.Int64
		s.ExpirationTime = &v
	}
	return s, err
}

// UpsertSubscription stores s keyed by its endpoint, refreshing keys of an existing row.
func (r Repo) UpsertSubscription(ctx context.Context, s domain.Subscription) error {
	if s.Endpoint == "" {
		return errors.New("endpoint required")
	}
	if s.CreatedAt == "" {
		s.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	var exp any
	if s.ExpirationTime != nil {
		exp = *s.ExpirationTime
	}
	_, err := r.DB.ExecContext(ctx, `
INSERT INTO subscriptions(id,endpoint,expiration_time,p256dh,auth,created_at) VALUES (?,?,?,?,?,?)
ON CONFLICT(endpoint) DO UPDATE SET expiration_time=excluded.expiration_time, p256dh=excluded.p256dh, auth=excluded.auth`,
		uuid.NewString(), s.Endpoint, exp, s.Keys.P256dh, s.Keys.Auth, s.CreatedAt)
	return err
}

// RemoveSubscription deletes the subscription for endpoint.
func (r Repo) RemoveSubscription(ctx context.Context, endpoint string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM subscriptions WHERE endpoint=?`, nullable(endpoint))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

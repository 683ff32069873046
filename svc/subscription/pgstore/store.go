// Package pgstore is the Postgres implementation of subscription.Store.
//
// The single-live-row and one-trial rules are enforced by partial unique
// indexes, and optimistic concurrency by a version column bumped on every
// update.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fitfusion/billing/pkg/pg"
	"github.com/fitfusion/billing/svc/subscription"
)

// querier is satisfied by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements subscription.Store on a pgx pool.
type Store struct {
	*repo
	pool *pgxpool.Pool
}

var _ subscription.Store = (*Store)(nil)

func New(pool *pgxpool.Pool) *Store {
	return &Store{repo: &repo{q: pool}, pool: pool}
}

// InTx runs fn in a read-committed transaction.
func (s *Store) InTx(ctx context.Context, fn func(subscription.Repository) error) error {
	return pg.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(&repo{q: tx})
	})
}

func (s *Store) DueForRenewal(ctx context.Context, before time.Time) ([]*subscription.Subscription, error) {
	return s.list(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE status = 'active' AND auto_renew AND end_date <= $1
		ORDER BY end_date`, before)
}

func (s *Store) DueForExpiry(ctx context.Context, now time.Time) ([]*subscription.Subscription, error) {
	return s.list(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE status IN ('active', 'trial', 'payment_failed', 'pending') AND end_date <= $1
		ORDER BY end_date`, now)
}

func (s *Store) StaleSwitches(ctx context.Context, olderThan time.Time) ([]*subscription.Subscription, error) {
	return s.list(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE status = 'switching' AND updated_at <= $1
		ORDER BY end_date`, olderThan)
}

const subscriptionColumns = `id, subscriber_id, plan_id, status, start_date, end_date, gateway_ref,
	auto_renew, is_trial, trial_end, replaces_id, version, created_at, updated_at`

// repo implements subscription.Repository over a pool or a transaction.
type repo struct {
	q querier
}

func (r *repo) Subscription(ctx context.Context, id uuid.UUID) (*subscription.Subscription, error) {
	row := r.q.QueryRow(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1`, id)
	s, err := scanSubscription(row)
	if pg.IsNotFoundError(err) {
		return nil, errors.Join(subscription.ErrNotFound, fmt.Errorf("subscription %s", id))
	}
	return s, err
}

func (r *repo) SubscriptionByGatewayRef(ctx context.Context, ref string) (*subscription.Subscription, error) {
	if ref == "" {
		return nil, errors.Join(subscription.ErrNotFound, fmt.Errorf("empty gateway reference"))
	}
	row := r.q.QueryRow(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE gateway_ref = $1
		ORDER BY CASE
			WHEN status IN ('cancelled', 'expired') THEN 0
			WHEN status = 'pending' THEN 1
			ELSE 2
		END DESC, created_at DESC
		LIMIT 1`, ref)
	s, err := scanSubscription(row)
	if pg.IsNotFoundError(err) {
		return nil, errors.Join(subscription.ErrNotFound, fmt.Errorf("gateway subscription %q", ref))
	}
	return s, err
}

func (r *repo) SubscriberSubscriptions(ctx context.Context, subscriberID uuid.UUID) ([]*subscription.Subscription, error) {
	return r.list(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE subscriber_id = $1
		ORDER BY created_at DESC, id DESC`, subscriberID)
}

func (r *repo) InsertSubscription(ctx context.Context, s *subscription.Subscription) error {
	if err := s.Validate(); err != nil {
		return err
	}
	_, err := r.q.Exec(ctx, `INSERT INTO subscriptions (
			id, subscriber_id, plan_id, status, start_date, end_date, gateway_ref,
			auto_renew, is_trial, trial_end, replaces_id, version, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 1, $12, $13)`,
		s.ID, s.SubscriberID, s.PlanID, string(s.Status), s.StartDate, s.EndDate, s.GatewayRef,
		s.AutoRenew, s.IsTrial, s.TrialEnd, s.ReplacesID, s.CreatedAt, s.UpdatedAt)
	if err != nil {
		return mapWriteError(err)
	}
	s.Version = 1
	return nil
}

func (r *repo) UpdateSubscription(ctx context.Context, s *subscription.Subscription) error {
	if err := s.Validate(); err != nil {
		return err
	}
	tag, err := r.q.Exec(ctx, `UPDATE subscriptions SET
			plan_id = $3, status = $4, start_date = $5, end_date = $6, gateway_ref = $7,
			auto_renew = $8, is_trial = $9, trial_end = $10, replaces_id = $11,
			updated_at = $12, version = version + 1
		WHERE id = $1 AND version = $2`,
		s.ID, s.Version, s.PlanID, string(s.Status), s.StartDate, s.EndDate, s.GatewayRef,
		s.AutoRenew, s.IsTrial, s.TrialEnd, s.ReplacesID, s.UpdatedAt)
	if err != nil {
		return mapWriteError(err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := r.q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM subscriptions WHERE id = $1)`, s.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return errors.Join(subscription.ErrNotFound, fmt.Errorf("subscription %s", s.ID))
		}
		return errors.Join(subscription.ErrStaleVersion, fmt.Errorf("subscription %s at version %d", s.ID, s.Version))
	}
	s.Version++
	return nil
}

func (r *repo) AppendPayment(ctx context.Context, p *subscription.PaymentRecord) error {
	_, err := r.q.Exec(ctx, `INSERT INTO payment_records (
			id, subscription_id, amount, currency, status, gateway_ref, invoice_number, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		p.ID, p.SubscriptionID, p.Amount.Amount, p.Amount.Currency, string(p.Status),
		p.GatewayRef, p.InvoiceNumber, p.CreatedAt)
	if pg.IsForeignKeyViolation(err) {
		return errors.Join(subscription.ErrNotFound, fmt.Errorf("subscription %s", p.SubscriptionID), err)
	}
	return mapWriteError(err)
}

func (r *repo) Payments(ctx context.Context, subscriptionID uuid.UUID) ([]*subscription.PaymentRecord, error) {
	rows, err := r.q.Query(ctx, `SELECT id, subscription_id, amount, currency, status, gateway_ref, invoice_number, created_at
		FROM payment_records WHERE subscription_id = $1 ORDER BY ledger_seq`, subscriptionID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*subscription.PaymentRecord, error) {
		var (
			p      subscription.PaymentRecord
			status string
		)
		err := row.Scan(&p.ID, &p.SubscriptionID, &p.Amount.Amount, &p.Amount.Currency, &status,
			&p.GatewayRef, &p.InvoiceNumber, &p.CreatedAt)
		p.Status = subscription.PaymentStatus(status)
		return &p, err
	})
}

// NextInvoiceSequence draws from a sequence; numbers burned by rolled back
// transactions are never reused.
func (r *repo) NextInvoiceSequence(ctx context.Context) (int64, error) {
	var n int64
	err := r.q.QueryRow(ctx, `SELECT nextval('invoice_number_seq')`).Scan(&n)
	return n, err
}

// ClaimEvent inserts the event id. A concurrent claim of the same id blocks
// until the first transaction ends, then reports false if it committed.
func (r *repo) ClaimEvent(ctx context.Context, eventID, kind string) (bool, error) {
	tag, err := r.q.Exec(ctx, `INSERT INTO processed_events (event_id, kind) VALUES ($1, $2)
		ON CONFLICT (event_id) DO NOTHING`, eventID, kind)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *repo) list(ctx context.Context, sql string, args ...any) ([]*subscription.Subscription, error) {
	rows, err := r.q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*subscription.Subscription, error) {
		return scanSubscription(row)
	})
}

func scanSubscription(row pgx.Row) (*subscription.Subscription, error) {
	var (
		s      subscription.Subscription
		status string
	)
	err := row.Scan(&s.ID, &s.SubscriberID, &s.PlanID, &status, &s.StartDate, &s.EndDate, &s.GatewayRef,
		&s.AutoRenew, &s.IsTrial, &s.TrialEnd, &s.ReplacesID, &s.Version, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	s.Status = subscription.Status(status)
	return &s, nil
}

package pgstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fitfusion/billing/pkg/pg"
	"github.com/fitfusion/billing/svc/subscription"
)

// Accounts reads subscriber contact details from the subscribers table,
// which the account service keeps in sync.
type Accounts struct {
	q querier
}

var _ subscription.Accounts = (*Accounts)(nil)

func NewAccounts(pool *pgxpool.Pool) *Accounts {
	return &Accounts{q: pool}
}

func (a *Accounts) Lookup(ctx context.Context, subscriberID uuid.UUID) (subscription.Account, error) {
	acct := subscription.Account{SubscriberID: subscriberID}
	err := a.q.QueryRow(ctx, `SELECT email, display_name FROM subscribers WHERE id = $1`, subscriberID).
		Scan(&acct.Email, &acct.DisplayName)
	if pg.IsNotFoundError(err) {
		return subscription.Account{}, errors.Join(subscription.ErrNotFound, fmt.Errorf("subscriber %s", subscriberID))
	}
	if err != nil {
		return subscription.Account{}, err
	}
	return acct, nil
}

// Upsert creates or refreshes a subscriber.
func (a *Accounts) Upsert(ctx context.Context, acct subscription.Account) error {
	_, err := a.q.Exec(ctx, `INSERT INTO subscribers (id, email, display_name) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET email = EXCLUDED.email, display_name = EXCLUDED.display_name, updated_at = now()`,
		acct.SubscriberID, acct.Email, acct.DisplayName)
	return err
}

//go:build integration

package pgstore_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/fitfusion/billing/pkg/logger"
	"github.com/fitfusion/billing/pkg/pg"
	"github.com/fitfusion/billing/svc/subscription"
	"github.com/fitfusion/billing/svc/subscription/pgstore"
)

func setupPostgres(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx, "postgres:15-alpine",
		postgres.WithDatabase("billing_test"),
		postgres.WithUsername("billing"),
		postgres.WithPassword("billing"),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Skipf("postgres container unavailable: %v", err)
	}
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(container); err != nil {
			t.Logf("terminate container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	cfg := pg.Config{
		ConnectionString: dsn,
		MaxOpenConns:     8,
		MaxIdleConns:     1,
		RetryAttempts:    3,
		RetryInterval:    time.Second,
		MigrationsTable:  "schema_migrations",
	}
	pool, err := pg.Connect(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, pg.Migrate(ctx, pool, cfg, pgstore.Migrations(), logger.Discard()))
	return pool
}

func row(subscriberID uuid.UUID, status subscription.Status, now time.Time) *subscription.Subscription {
	s := &subscription.Subscription{
		ID:           uuid.New(),
		SubscriberID: subscriberID,
		PlanID:       "basic",
		Status:       status,
		StartDate:    now,
		EndDate:      now.Add(30 * 24 * time.Hour),
		GatewayRef:   "sub_" + uuid.NewString()[:8],
		AutoRenew:    true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if status == subscription.StatusTrial {
		end := s.EndDate
		s.IsTrial, s.TrialEnd, s.AutoRenew = true, &end, false
	}
	return s
}

func TestStore_Integration(t *testing.T) {
	pool := setupPostgres(t)
	store := pgstore.New(pool)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	t.Run("insert, read and versioned update", func(t *testing.T) {
		s := row(uuid.New(), subscription.StatusActive, now)
		require.NoError(t, store.InsertSubscription(ctx, s))

		got, err := store.Subscription(ctx, s.ID)
		require.NoError(t, err)
		assert.Equal(t, s.PlanID, got.PlanID)
		assert.Equal(t, subscription.StatusActive, got.Status)
		assert.True(t, s.EndDate.Equal(got.EndDate))
		assert.Equal(t, int64(1), got.Version)

		stale := got.Clone()
		got.Status = subscription.StatusPaymentFailed
		require.NoError(t, store.UpdateSubscription(ctx, got))
		assert.Equal(t, int64(2), got.Version)

		stale.Status = subscription.StatusCancelled
		assert.ErrorIs(t, store.UpdateSubscription(ctx, stale), subscription.ErrStaleVersion)

		missing := row(uuid.New(), subscription.StatusActive, now)
		assert.ErrorIs(t, store.UpdateSubscription(ctx, missing), subscription.ErrNotFound)
	})

	t.Run("partial unique indexes", func(t *testing.T) {
		member := uuid.New()
		require.NoError(t, store.InsertSubscription(ctx, row(member, subscription.StatusTrial, now)))

		err := store.InsertSubscription(ctx, row(member, subscription.StatusActive, now))
		assert.Equal(t, "already_subscribed", subscription.ConflictReason(err))

		again := row(member, subscription.StatusTrial, now)
		again.Status = subscription.StatusExpired
		err = store.InsertSubscription(ctx, again)
		assert.Equal(t, "trial_already_used", subscription.ConflictReason(err))
	})

	t.Run("transactions roll back", func(t *testing.T) {
		member := uuid.New()
		boom := errors.New("boom")
		err := store.InTx(ctx, func(repo subscription.Repository) error {
			require.NoError(t, repo.InsertSubscription(ctx, row(member, subscription.StatusActive, now)))
			claimed, err := repo.ClaimEvent(ctx, "evt_rollback", "checkout_completed")
			require.NoError(t, err)
			require.True(t, claimed)
			return boom
		})
		require.ErrorIs(t, err, boom)

		rows, err := store.SubscriberSubscriptions(ctx, member)
		require.NoError(t, err)
		assert.Empty(t, rows)

		claimed, err := store.ClaimEvent(ctx, "evt_rollback", "checkout_completed")
		require.NoError(t, err)
		assert.True(t, claimed)
	})

	t.Run("concurrent event claims", func(t *testing.T) {
		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins int
		)
		for range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := store.ClaimEvent(ctx, "evt_race", "invoice_payment_succeeded")
				assert.NoError(t, err)
				if ok {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, wins)
	})

	t.Run("ledger", func(t *testing.T) {
		s := row(uuid.New(), subscription.StatusActive, now)
		require.NoError(t, store.InsertSubscription(ctx, s))
		ledger := subscription.NewLedger(store, time.Now)

		seen := map[string]struct{}{}
		err := store.InTx(ctx, func(repo subscription.Repository) error {
			for range 200 {
				rec, err := ledger.Record(ctx, repo, s, subscription.Money{Amount: 1000, Currency: "USD"}, subscription.PaymentSucceeded, "in_x")
				if err != nil {
					return err
				}
				seen[rec.InvoiceNumber] = struct{}{}
			}
			return nil
		})
		require.NoError(t, err)
		assert.Len(t, seen, 200)

		records, err := ledger.Payments(ctx, s.ID)
		require.NoError(t, err)
		assert.Len(t, records, 200)

		orphan := &subscription.PaymentRecord{ID: uuid.New(), SubscriptionID: uuid.New(), InvoiceNumber: "INV-orphan", Status: subscription.PaymentFailed, CreatedAt: now}
		assert.ErrorIs(t, store.AppendPayment(ctx, orphan), subscription.ErrNotFound)
	})

	t.Run("lookup by gateway reference prefers the open row", func(t *testing.T) {
		member := uuid.New()
		old := row(member, subscription.StatusCancelled, now)
		old.GatewayRef = "sub_shared_ref"
		require.NoError(t, store.InsertSubscription(ctx, old))
		cur := row(member, subscription.StatusActive, now.Add(-time.Hour))
		cur.GatewayRef = "sub_shared_ref"
		require.NoError(t, store.InsertSubscription(ctx, cur))

		got, err := store.SubscriptionByGatewayRef(ctx, "sub_shared_ref")
		require.NoError(t, err)
		assert.Equal(t, cur.ID, got.ID)
	})

	t.Run("accounts", func(t *testing.T) {
		accounts := pgstore.NewAccounts(pool)
		id := uuid.New()
		require.NoError(t, accounts.Upsert(ctx, subscription.Account{SubscriberID: id, Email: "a@example.com", DisplayName: "A"}))
		require.NoError(t, accounts.Upsert(ctx, subscription.Account{SubscriberID: id, Email: "b@example.com", DisplayName: "B"}))

		got, err := accounts.Lookup(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "b@example.com", got.Email)

		_, err = accounts.Lookup(ctx, uuid.New())
		assert.ErrorIs(t, err, subscription.ErrNotFound)
	})
}

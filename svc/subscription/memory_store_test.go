package subscription_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fitfusion/billing/svc/subscription"
)

func newRow(subscriberID uuid.UUID, status subscription.Status) *subscription.Subscription {
	start := epoch
	s := &subscription.Subscription{
		ID:           uuid.New(),
		SubscriberID: subscriberID,
		PlanID:       "basic",
		Status:       status,
		StartDate:    start,
		EndDate:      start.Add(30 * day),
		AutoRenew:    true,
		CreatedAt:    start,
		UpdatedAt:    start,
	}
	if status == subscription.StatusTrial {
		end := s.EndDate
		s.IsTrial = true
		s.TrialEnd = &end
		s.AutoRenew = false
	}
	return s
}

func TestMemoryStore_InsertAndUpdate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := subscription.NewMemoryStore()
	s := newRow(uuid.New(), subscription.StatusActive)
	require.NoError(t, store.InsertSubscription(ctx, s))
	assert.Equal(t, int64(1), s.Version)

	got, err := store.Subscription(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, s, got)

	// Mutating the returned copy does not touch the store.
	got.PlanID = "pro"
	again, err := store.Subscription(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, "basic", again.PlanID)

	stale := s.Clone()
	s.Status = subscription.StatusPaymentFailed
	require.NoError(t, store.UpdateSubscription(ctx, s))
	assert.Equal(t, int64(2), s.Version)

	stale.Status = subscription.StatusCancelled
	err = store.UpdateSubscription(ctx, stale)
	require.ErrorIs(t, err, subscription.ErrStaleVersion)

	stored, err := store.Subscription(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, subscription.StatusPaymentFailed, stored.Status)
}

func TestMemoryStore_Validation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(s *subscription.Subscription)
	}{
		{name: "no id", mutate: func(s *subscription.Subscription) { s.ID = uuid.Nil }},
		{name: "no subscriber", mutate: func(s *subscription.Subscription) { s.SubscriberID = uuid.Nil }},
		{name: "no plan", mutate: func(s *subscription.Subscription) { s.PlanID = "" }},
		{name: "unknown status", mutate: func(s *subscription.Subscription) { s.Status = "paused" }},
		{name: "end before start", mutate: func(s *subscription.Subscription) { s.EndDate = s.StartDate }},
		{name: "trial without trial end", mutate: func(s *subscription.Subscription) { s.IsTrial = true }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := newRow(uuid.New(), subscription.StatusActive)
			tt.mutate(s)
			err := subscription.NewMemoryStore().InsertSubscription(ctx, s)
			assert.ErrorIs(t, err, subscription.ErrInvalidSubscription)
		})
	}
}

func TestMemoryStore_Uniqueness(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("one live row per subscriber", func(t *testing.T) {
		t.Parallel()
		store := subscription.NewMemoryStore()
		member := uuid.New()
		require.NoError(t, store.InsertSubscription(ctx, newRow(member, subscription.StatusActive)))

		err := store.InsertSubscription(ctx, newRow(member, subscription.StatusActive))
		require.ErrorIs(t, err, subscription.ErrConflict)
		assert.ErrorIs(t, err, subscription.ErrAlreadySubscribed)

		err = store.InsertSubscription(ctx, newRow(member, subscription.StatusTrial))
		assert.ErrorIs(t, err, subscription.ErrAlreadySubscribed)

		require.NoError(t, store.InsertSubscription(ctx, newRow(member, subscription.StatusCancelled)))
		require.NoError(t, store.InsertSubscription(ctx, newRow(uuid.New(), subscription.StatusActive)))
	})

	t.Run("update into a second live row", func(t *testing.T) {
		t.Parallel()
		store := subscription.NewMemoryStore()
		member := uuid.New()
		require.NoError(t, store.InsertSubscription(ctx, newRow(member, subscription.StatusActive)))
		pending := newRow(member, subscription.StatusPending)
		require.NoError(t, store.InsertSubscription(ctx, pending))

		pending.Status = subscription.StatusActive
		assert.ErrorIs(t, store.UpdateSubscription(ctx, pending), subscription.ErrAlreadySubscribed)
	})

	t.Run("one trial row per subscriber, ever", func(t *testing.T) {
		t.Parallel()
		store := subscription.NewMemoryStore()
		member := uuid.New()
		trial := newRow(member, subscription.StatusTrial)
		trial.Status = subscription.StatusExpired
		require.NoError(t, store.InsertSubscription(ctx, trial))

		err := store.InsertSubscription(ctx, newRow(member, subscription.StatusTrial))
		assert.ErrorIs(t, err, subscription.ErrTrialAlreadyUsed)
	})

	t.Run("invoice numbers", func(t *testing.T) {
		t.Parallel()
		store := subscription.NewMemoryStore()
		s := newRow(uuid.New(), subscription.StatusActive)
		require.NoError(t, store.InsertSubscription(ctx, s))

		rec := &subscription.PaymentRecord{ID: uuid.New(), SubscriptionID: s.ID, InvoiceNumber: "INV-1", Status: subscription.PaymentSucceeded}
		require.NoError(t, store.AppendPayment(ctx, rec))
		dup := *rec
		dup.ID = uuid.New()
		assert.ErrorIs(t, store.AppendPayment(ctx, &dup), subscription.ErrConflict)

		orphan := &subscription.PaymentRecord{ID: uuid.New(), SubscriptionID: uuid.New(), InvoiceNumber: "INV-2"}
		assert.ErrorIs(t, store.AppendPayment(ctx, orphan), subscription.ErrNotFound)
	})
}

func TestMemoryStore_InTxRollsBack(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := subscription.NewMemoryStore()
	member := uuid.New()
	s := newRow(member, subscription.StatusActive)
	require.NoError(t, store.InsertSubscription(ctx, s))

	boom := errors.New("boom")
	err := store.InTx(ctx, func(repo subscription.Repository) error {
		s.Status = subscription.StatusCancelled
		if err := repo.UpdateSubscription(ctx, s); err != nil {
			return err
		}
		if err := repo.InsertSubscription(ctx, newRow(member, subscription.StatusActive)); err != nil {
			return err
		}
		claimed, err := repo.ClaimEvent(ctx, "evt_1", "checkout_completed")
		require.True(t, claimed)
		if err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	rows, err := store.SubscriberSubscriptions(ctx, member)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, subscription.StatusActive, rows[0].Status)
	assert.Equal(t, int64(1), rows[0].Version)

	claimed, err := store.ClaimEvent(ctx, "evt_1", "checkout_completed")
	require.NoError(t, err)
	assert.True(t, claimed, "a rolled back claim must not survive")

	claimed, err = store.ClaimEvent(ctx, "evt_1", "checkout_completed")
	require.NoError(t, err)
	assert.False(t, claimed)
}

func TestMemoryStore_Queries(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := subscription.NewMemoryStore()
	member := uuid.New()

	old := newRow(member, subscription.StatusCancelled)
	old.GatewayRef = "sub_shared"
	require.NoError(t, store.InsertSubscription(ctx, old))

	current := newRow(member, subscription.StatusActive)
	current.GatewayRef = "sub_shared"
	current.CreatedAt = epoch.Add(-time.Hour)
	require.NoError(t, store.InsertSubscription(ctx, current))

	pending := newRow(member, subscription.StatusPending)
	pending.GatewayRef = "sub_shared"
	pending.CreatedAt = epoch.Add(time.Hour)
	require.NoError(t, store.InsertSubscription(ctx, pending))

	got, err := store.SubscriptionByGatewayRef(ctx, "sub_shared")
	require.NoError(t, err)
	assert.Equal(t, current.ID, got.ID, "open non-pending rows win over newer pending and terminal ones")

	_, err = store.SubscriptionByGatewayRef(ctx, "")
	assert.ErrorIs(t, err, subscription.ErrNotFound)

	rows, err := store.SubscriberSubscriptions(ctx, member)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, pending.ID, rows[0].ID)
	assert.Equal(t, current.ID, rows[2].ID)

	due, err := store.DueForRenewal(ctx, epoch.Add(30*day))
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, current.ID, due[0].ID)

	due, err = store.DueForRenewal(ctx, epoch.Add(29*day))
	require.NoError(t, err)
	assert.Empty(t, due)

	expiring, err := store.DueForExpiry(ctx, epoch.Add(31*day))
	require.NoError(t, err)
	require.Len(t, expiring, 1)
	assert.Equal(t, current.ID, expiring[0].ID)
}

func TestMemoryStore_ConcurrentInvoiceSequence(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := subscription.NewMemoryStore()
	const workers, perWorker = 8, 250

	var (
		mu   sync.Mutex
		seen = make(map[int64]struct{}, workers*perWorker)
		wg   sync.WaitGroup
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range perWorker {
				n, err := store.NextInvoiceSequence(ctx)
				assert.NoError(t, err)
				mu.Lock()
				seen[n] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, seen, workers*perWorker)
}

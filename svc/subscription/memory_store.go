package subscription

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is a Store kept in process memory. Transactions work on a copy
// of the state that replaces the original on commit; they are serialized.
type MemoryStore struct {
	mu    sync.Mutex
	state *memState
}

type memState struct {
	subs     map[uuid.UUID]*Subscription
	payments map[uuid.UUID][]*PaymentRecord
	events   map[string]string
	invoices map[string]struct{}
	seq      int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: &memState{
		subs:     make(map[uuid.UUID]*Subscription),
		payments: make(map[uuid.UUID][]*PaymentRecord),
		events:   make(map[string]string),
		invoices: make(map[string]struct{}),
	}}
}

func (st *memState) clone() *memState {
	c := &memState{
		subs:     make(map[uuid.UUID]*Subscription, len(st.subs)),
		payments: make(map[uuid.UUID][]*PaymentRecord, len(st.payments)),
		events:   maps.Clone(st.events),
		invoices: maps.Clone(st.invoices),
		seq:      st.seq,
	}
	for id, s := range st.subs {
		c.subs[id] = s.Clone()
	}
	for id, ps := range st.payments {
		c.payments[id] = slices.Clone(ps)
	}
	return c
}

// InTx implements Store.
func (m *MemoryStore) InTx(ctx context.Context, fn func(Repository) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	work := m.state.clone()
	if err := fn(&memRepo{st: work}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.state = work
	return nil
}

func (m *MemoryStore) read(fn func(*memRepo) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(&memRepo{st: m.state})
}

// write applies a single-statement change atomically.
func (m *MemoryStore) write(ctx context.Context, fn func(Repository) error) error {
	return m.InTx(ctx, fn)
}

func (m *MemoryStore) Subscription(ctx context.Context, id uuid.UUID) (s *Subscription, err error) {
	err = m.read(func(r *memRepo) error { s, err = r.Subscription(ctx, id); return err })
	return s, err
}

func (m *MemoryStore) SubscriptionByGatewayRef(ctx context.Context, ref string) (s *Subscription, err error) {
	err = m.read(func(r *memRepo) error { s, err = r.SubscriptionByGatewayRef(ctx, ref); return err })
	return s, err
}

func (m *MemoryStore) SubscriberSubscriptions(ctx context.Context, subscriberID uuid.UUID) (out []*Subscription, err error) {
	err = m.read(func(r *memRepo) error { out, err = r.SubscriberSubscriptions(ctx, subscriberID); return err })
	return out, err
}

func (m *MemoryStore) Payments(ctx context.Context, subscriptionID uuid.UUID) (out []*PaymentRecord, err error) {
	err = m.read(func(r *memRepo) error { out, err = r.Payments(ctx, subscriptionID); return err })
	return out, err
}

func (m *MemoryStore) InsertSubscription(ctx context.Context, s *Subscription) error {
	return m.write(ctx, func(r Repository) error { return r.InsertSubscription(ctx, s) })
}

func (m *MemoryStore) UpdateSubscription(ctx context.Context, s *Subscription) error {
	return m.write(ctx, func(r Repository) error { return r.UpdateSubscription(ctx, s) })
}

func (m *MemoryStore) AppendPayment(ctx context.Context, p *PaymentRecord) error {
	return m.write(ctx, func(r Repository) error { return r.AppendPayment(ctx, p) })
}

func (m *MemoryStore) NextInvoiceSequence(ctx context.Context) (n int64, err error) {
	err = m.write(ctx, func(r Repository) error { n, err = r.NextInvoiceSequence(ctx); return err })
	return n, err
}

func (m *MemoryStore) ClaimEvent(ctx context.Context, eventID, kind string) (ok bool, err error) {
	err = m.write(ctx, func(r Repository) error { ok, err = r.ClaimEvent(ctx, eventID, kind); return err })
	return ok, err
}

func (m *MemoryStore) DueForRenewal(_ context.Context, before time.Time) ([]*Subscription, error) {
	return m.filter(func(s *Subscription) bool {
		return s.Status == StatusActive && s.AutoRenew && !s.EndDate.After(before)
	}), nil
}

func (m *MemoryStore) DueForExpiry(_ context.Context, now time.Time) ([]*Subscription, error) {
	return m.filter(func(s *Subscription) bool { return s.pastDueAt(now) }), nil
}

func (m *MemoryStore) StaleSwitches(_ context.Context, olderThan time.Time) ([]*Subscription, error) {
	return m.filter(func(s *Subscription) bool {
		return s.Status == StatusSwitching && !s.UpdatedAt.After(olderThan)
	}), nil
}

func (m *MemoryStore) filter(keep func(*Subscription) bool) []*Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Subscription
	for _, s := range m.state.subs {
		if keep(s) {
			out = append(out, s.Clone())
		}
	}
	slices.SortFunc(out, func(a, b *Subscription) int { return a.EndDate.Compare(b.EndDate) })
	return out
}

// memRepo operates on one memState without locking; the owner holds the lock.
type memRepo struct {
	st *memState
}

func (r *memRepo) Subscription(_ context.Context, id uuid.UUID) (*Subscription, error) {
	s, ok := r.st.subs[id]
	if !ok {
		return nil, errors.Join(ErrNotFound, fmt.Errorf("subscription %s", id))
	}
	return s.Clone(), nil
}

func (r *memRepo) SubscriptionByGatewayRef(_ context.Context, ref string) (*Subscription, error) {
	var best *Subscription
	for _, s := range r.st.subs {
		if ref == "" || s.GatewayRef != ref {
			continue
		}
		if best == nil || preferByRef(s, best) {
			best = s
		}
	}
	if best == nil {
		return nil, errors.Join(ErrNotFound, fmt.Errorf("gateway subscription %q", ref))
	}
	return best.Clone(), nil
}

func preferByRef(a, b *Subscription) bool {
	if ra, rb := refRank(a.Status), refRank(b.Status); ra != rb {
		return ra > rb
	}
	return a.CreatedAt.After(b.CreatedAt)
}

// refRank orders rows sharing a gateway reference. An in-place switch leaves
// the switching row and its pending target on the same reference.
func refRank(s Status) int {
	switch {
	case s.IsTerminal():
		return 0
	case s == StatusPending:
		return 1
	}
	return 2
}

func (r *memRepo) SubscriberSubscriptions(_ context.Context, subscriberID uuid.UUID) ([]*Subscription, error) {
	var out []*Subscription
	for _, s := range r.st.subs {
		if s.SubscriberID == subscriberID {
			out = append(out, s.Clone())
		}
	}
	slices.SortFunc(out, func(a, b *Subscription) int {
		return cmp.Or(b.CreatedAt.Compare(a.CreatedAt), cmp.Compare(b.ID.String(), a.ID.String()))
	})
	return out, nil
}

func (r *memRepo) InsertSubscription(_ context.Context, s *Subscription) error {
	if err := s.Validate(); err != nil {
		return err
	}
	if _, exists := r.st.subs[s.ID]; exists {
		return errors.Join(ErrConflict, fmt.Errorf("subscription %s already exists", s.ID))
	}
	if err := r.checkUnique(s); err != nil {
		return err
	}
	s.Version = 1
	r.st.subs[s.ID] = s.Clone()
	return nil
}

func (r *memRepo) UpdateSubscription(_ context.Context, s *Subscription) error {
	if err := s.Validate(); err != nil {
		return err
	}
	cur, ok := r.st.subs[s.ID]
	if !ok {
		return errors.Join(ErrNotFound, fmt.Errorf("subscription %s", s.ID))
	}
	if cur.Version != s.Version {
		return errors.Join(ErrStaleVersion, fmt.Errorf("subscription %s: have version %d, stored %d", s.ID, s.Version, cur.Version))
	}
	if err := r.checkUnique(s); err != nil {
		return err
	}
	s.Version++
	r.st.subs[s.ID] = s.Clone()
	return nil
}

// checkUnique mirrors the partial unique indexes of the Postgres schema.
func (r *memRepo) checkUnique(s *Subscription) error {
	for id, other := range r.st.subs {
		if id == s.ID || other.SubscriberID != s.SubscriberID {
			continue
		}
		if s.Status.IsLive() && other.Status.IsLive() {
			return conflict(ErrAlreadySubscribed)
		}
		if s.IsTrial && other.IsTrial {
			return conflict(ErrTrialAlreadyUsed)
		}
	}
	return nil
}

func (r *memRepo) AppendPayment(_ context.Context, p *PaymentRecord) error {
	if p.ID == uuid.Nil || p.InvoiceNumber == "" {
		return fmt.Errorf("%w: payment record needs an id and an invoice number", ErrInvalidSubscription)
	}
	if _, ok := r.st.subs[p.SubscriptionID]; !ok {
		return errors.Join(ErrNotFound, fmt.Errorf("subscription %s", p.SubscriptionID))
	}
	if _, dup := r.st.invoices[p.InvoiceNumber]; dup {
		return errors.Join(ErrConflict, fmt.Errorf("invoice number %s already used", p.InvoiceNumber))
	}
	cp := *p
	r.st.invoices[p.InvoiceNumber] = struct{}{}
	r.st.payments[p.SubscriptionID] = append(r.st.payments[p.SubscriptionID], &cp)
	return nil
}

func (r *memRepo) Payments(_ context.Context, subscriptionID uuid.UUID) ([]*PaymentRecord, error) {
	src := r.st.payments[subscriptionID]
	out := make([]*PaymentRecord, 0, len(src))
	for _, p := range src {
		cp := *p
		out = append(out, &cp)
	}
	return out, nil
}

func (r *memRepo) NextInvoiceSequence(context.Context) (int64, error) {
	r.st.seq++
	return r.st.seq, nil
}

func (r *memRepo) ClaimEvent(_ context.Context, eventID, kind string) (bool, error) {
	if _, seen := r.st.events[eventID]; seen {
		return false, nil
	}
	r.st.events[eventID] = kind
	return true, nil
}

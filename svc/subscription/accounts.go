package subscription

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// StaticAccounts is an in-memory Accounts directory.
type StaticAccounts struct {
	mu       sync.RWMutex
	accounts map[uuid.UUID]Account
}

func NewStaticAccounts(accounts ...Account) *StaticAccounts {
	s := &StaticAccounts{accounts: make(map[uuid.UUID]Account, len(accounts))}
	for _, a := range accounts {
		s.accounts[a.SubscriberID] = a
	}
	return s
}

// Put adds or replaces an account.
func (s *StaticAccounts) Put(a Account) {
	s.mu.Lock()
	s.accounts[a.SubscriberID] = a
	s.mu.Unlock()
}

func (s *StaticAccounts) Lookup(_ context.Context, subscriberID uuid.UUID) (Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[subscriberID]
	if !ok {
		return Account{}, errors.Join(ErrNotFound, fmt.Errorf("subscriber %s", subscriberID))
	}
	return a, nil
}

package admission

import (
	"context"
	"errors"
	"sync"

	"github.com/rapigate/rapigate/internal/model"
)

// ErrUnknownUser is returned by stores for users they do not hold.
var ErrUnknownUser = errors.New("admission: unknown user")

// UpdateFunc receives the current quota state under the per-user lock and
// returns the state to store and whether it changed.
type UpdateFunc func(state model.QuotaState) (model.QuotaState, bool, error)

// Store persists per-user quota state.
//
// UpdateQuota must run fn while holding a lock that serializes every other
// UpdateQuota and IncrementDailyCalls for the same user.
type Store interface {
	UpdateQuota(ctx context.Context, userID string, fn UpdateFunc) error
	IncrementDailyCalls(ctx context.Context, userID string) error
}

// MemoryStore is an in-process Store guarded by per-user mutexes.
type MemoryStore struct {
	mu     sync.Mutex
	states map[string]model.QuotaState
	locks  map[string]*sync.Mutex
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		states: make(map[string]model.QuotaState),
		locks:  make(map[string]*sync.Mutex),
	}
}

// Put creates or replaces a user's quota state.
func (s *MemoryStore) Put(userID string, state model.QuotaState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[userID] = state
	if _, ok := s.locks[userID]; !ok {
		s.locks[userID] = &sync.Mutex{}
	}
}

// Get returns a user's quota state.
func (s *MemoryStore) Get(userID string) (model.QuotaState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.states[userID]
	return state, ok
}

func (s *MemoryStore) userLock(userID string) (*sync.Mutex, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[userID]
	if !ok {
		return nil, ErrUnknownUser
	}
	return lock, nil
}

// UpdateQuota runs fn under the user's lock.
func (s *MemoryStore) UpdateQuota(ctx context.Context, userID string, fn UpdateFunc) error {
	lock, err := s.userLock(userID)
	if err != nil {
		return err
	}
	lock.Lock()
	defer lock.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	current, _ := s.Get(userID)
	next, changed, err := fn(current)
	if err != nil {
		return err
	}
	if changed {
		s.mu.Lock()
		s.states[userID] = next
		s.mu.Unlock()
	}
	return nil
}

// IncrementDailyCalls adds one to the user's daily counter.
func (s *MemoryStore) IncrementDailyCalls(ctx context.Context, userID string) error {
	lock, err := s.userLock(userID)
	if err != nil {
		return err
	}
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	state := s.states[userID]
	state.DailyCalls++
	s.states[userID] = state
	s.mu.Unlock()
	return nil
}

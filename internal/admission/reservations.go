package admission

import (
	"context"
	"sync"

	"github.com/oklog/ulid/v2"
)

// Reservations tracks admitted requests whose handler has not finished yet.
// Admission counts them against the daily quota so that concurrent requests
// cannot overshoot the limit between admission and the counter increment.
//
// Acquire returns an id that Release takes back, so releasing one request
// never closes another's reservation.
type Reservations interface {
	InFlight(ctx context.Context, userID string) (int, error)
	Acquire(ctx context.Context, userID string) (string, error)
	Release(ctx context.Context, userID, id string) error
}

// MemoryReservations is a single-process Reservations implementation.
type MemoryReservations struct {
	mu   sync.Mutex
	open map[string]map[string]struct{}
}

// NewMemoryReservations creates an empty tracker.
func NewMemoryReservations() *MemoryReservations {
	return &MemoryReservations{open: make(map[string]map[string]struct{})}
}

// InFlight returns the number of open reservations for a user.
func (m *MemoryReservations) InFlight(ctx context.Context, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.open[userID]), nil
}

// Acquire opens a reservation.
func (m *MemoryReservations) Acquire(ctx context.Context, userID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := ulid.Make().String()
	if m.open[userID] == nil {
		m.open[userID] = make(map[string]struct{})
	}
	m.open[userID][id] = struct{}{}
	return id, nil
}

// Release closes a reservation. Unknown ids are a no-op.
func (m *MemoryReservations) Release(ctx context.Context, userID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.open[userID], id)
	if len(m.open[userID]) == 0 {
		delete(m.open, userID)
	}
	return nil
}

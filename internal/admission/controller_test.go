package admission

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/rapigate/rapigate/internal/metrics"
	"github.com/rapigate/rapigate/internal/model"
)

func newTestController(t *testing.T, state model.QuotaState) (*Controller, *MemoryStore, *MemoryReservations, *metrics.InMemoryRecorder) {
	t.Helper()

	store := NewMemoryStore()
	store.Put("user-1", state)
	reservations := NewMemoryReservations()
	recorder := metrics.NewInMemory()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	ctrl := NewController(store, reservations, DefaultPolicy(), logger, recorder)
	ctrl.now = func() time.Time { return baseTime }
	return ctrl, store, reservations, recorder
}

func TestController_AdmitLeavesCounterUnchanged(t *testing.T) {
	t.Parallel()

	ctrl, store, reservations, _ := newTestController(t, model.QuotaState{DailyCalls: 10, DailyResetAt: baseTime.Add(-time.Hour)})
	ctx := context.Background()

	adm, err := ctrl.Admit(ctx, "user-1")
	if err != nil {
		t.Fatalf("Admit failed: %v", err)
	}
	if !adm.Allowed {
		t.Fatal("expected allowed")
	}

	state, _ := store.Get("user-1")
	if state.DailyCalls != 10 {
		t.Errorf("DailyCalls = %d after admission, want 10", state.DailyCalls)
	}
	if n, _ := reservations.InFlight(ctx, "user-1"); n != 1 {
		t.Errorf("InFlight = %d, want 1", n)
	}
}

func TestController_CompleteSuccessIncrementsAndReleases(t *testing.T) {
	t.Parallel()

	ctrl, store, reservations, _ := newTestController(t, model.QuotaState{DailyCalls: 10, DailyResetAt: baseTime.Add(-time.Hour)})
	ctx := context.Background()

	adm, err := ctrl.Admit(ctx, "user-1")
	if err != nil {
		t.Fatalf("Admit failed: %v", err)
	}
	if err := adm.Complete(ctx, true); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	// Second call is a no-op.
	if err := adm.Complete(ctx, true); err != nil {
		t.Fatalf("second Complete failed: %v", err)
	}

	state, _ := store.Get("user-1")
	if state.DailyCalls != 11 {
		t.Errorf("DailyCalls = %d, want 11", state.DailyCalls)
	}
	if n, _ := reservations.InFlight(ctx, "user-1"); n != 0 {
		t.Errorf("InFlight = %d, want 0", n)
	}
}

func TestController_CompleteFailureOnlyReleases(t *testing.T) {
	t.Parallel()

	ctrl, store, reservations, _ := newTestController(t, model.QuotaState{DailyCalls: 10, DailyResetAt: baseTime.Add(-time.Hour)})
	ctx := context.Background()

	adm, err := ctrl.Admit(ctx, "user-1")
	if err != nil {
		t.Fatalf("Admit failed: %v", err)
	}
	if err := adm.Complete(ctx, false); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	state, _ := store.Get("user-1")
	if state.DailyCalls != 10 {
		t.Errorf("DailyCalls = %d, want 10 after failed handler", state.DailyCalls)
	}
	if n, _ := reservations.InFlight(ctx, "user-1"); n != 0 {
		t.Errorf("InFlight = %d, want 0", n)
	}
}

func TestController_CompleteReleasesOnlyOwnReservation(t *testing.T) {
	t.Parallel()

	ctrl, _, reservations, _ := newTestController(t, model.QuotaState{DailyCalls: 10, DailyResetAt: baseTime.Add(-time.Hour)})
	ctx := context.Background()

	first, err := ctrl.Admit(ctx, "user-1")
	if err != nil {
		t.Fatalf("Admit failed: %v", err)
	}
	second, err := ctrl.Admit(ctx, "user-1")
	if err != nil {
		t.Fatalf("Admit failed: %v", err)
	}

	if err := first.Complete(ctx, false); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if err := first.Complete(ctx, false); err != nil {
		t.Fatalf("second Complete failed: %v", err)
	}
	if n, _ := reservations.InFlight(ctx, "user-1"); n != 1 {
		t.Fatalf("InFlight = %d, want 1 while the second request runs", n)
	}

	if err := second.Complete(ctx, true); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if n, _ := reservations.InFlight(ctx, "user-1"); n != 0 {
		t.Errorf("InFlight = %d, want 0", n)
	}
}

func TestController_LastCallThenCooldown(t *testing.T) {
	t.Parallel()

	ctrl, store, _, recorder := newTestController(t, model.QuotaState{DailyCalls: 199, DailyResetAt: baseTime.Add(-time.Hour)})
	ctx := context.Background()

	adm, err := ctrl.Admit(ctx, "user-1")
	if err != nil {
		t.Fatalf("Admit failed: %v", err)
	}
	if !adm.Allowed {
		t.Fatal("199th call should be allowed")
	}
	if err := adm.Complete(ctx, true); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	state, _ := store.Get("user-1")
	if state.DailyCalls != 200 {
		t.Fatalf("DailyCalls = %d, want 200", state.DailyCalls)
	}

	next, err := ctrl.Admit(ctx, "user-1")
	if err != nil {
		t.Fatalf("Admit failed: %v", err)
	}
	if next.Allowed {
		t.Fatal("call after reaching the limit should be denied")
	}
	if next.CooldownExpiry == nil || !next.CooldownExpiry.Equal(baseTime.Add(12*time.Hour)) {
		t.Errorf("CooldownExpiry = %v, want now+12h", next.CooldownExpiry)
	}

	state, _ = store.Get("user-1")
	if state.RateLimitedUntil == nil {
		t.Error("cooldown should be persisted")
	}

	// Denied admissions never settle anything.
	if err := next.Complete(ctx, true); err != nil {
		t.Fatalf("Complete on denied admission failed: %v", err)
	}
	state, _ = store.Get("user-1")
	if state.DailyCalls != 200 {
		t.Errorf("DailyCalls = %d, want 200", state.DailyCalls)
	}

	snap := recorder.Snapshot()
	if snap.Admissions[string(OutcomeCooldownArmed)] != 1 {
		t.Errorf("cooldown_armed count = %d, want 1", snap.Admissions[string(OutcomeCooldownArmed)])
	}
}

func TestController_ConcurrentAdmissionsNeverOvershoot(t *testing.T) {
	t.Parallel()

	ctrl, store, _, _ := newTestController(t, model.QuotaState{DailyCalls: 195, DailyResetAt: baseTime.Add(-time.Hour)})
	ctx := context.Background()

	const callers = 50
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted []*Admission
	)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			adm, err := ctrl.Admit(ctx, "user-1")
			if err != nil {
				t.Errorf("Admit failed: %v", err)
				return
			}
			if adm.Allowed {
				mu.Lock()
				granted = append(granted, adm)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(granted) != 5 {
		t.Fatalf("granted = %d, want 5", len(granted))
	}

	for _, adm := range granted {
		if err := adm.Complete(ctx, true); err != nil {
			t.Fatalf("Complete failed: %v", err)
		}
	}

	state, _ := store.Get("user-1")
	if state.DailyCalls != 200 {
		t.Errorf("DailyCalls = %d, want 200", state.DailyCalls)
	}
}

func TestController_UnknownUser(t *testing.T) {
	t.Parallel()

	ctrl, _, _, _ := newTestController(t, model.QuotaState{DailyResetAt: baseTime})

	_, err := ctrl.Admit(context.Background(), "missing")
	if !errors.Is(err, ErrUnknownUser) {
		t.Errorf("expected ErrUnknownUser, got %v", err)
	}
}

func TestController_Reset(t *testing.T) {
	t.Parallel()

	until := baseTime.Add(6 * time.Hour)
	ctrl, store, _, _ := newTestController(t, model.QuotaState{
		DailyCalls:       200,
		DailyResetAt:     baseTime.Add(-6 * time.Hour),
		RateLimitedUntil: &until,
	})

	if err := ctrl.Reset(context.Background(), "user-1"); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}

	state, _ := store.Get("user-1")
	if state.DailyCalls != 0 || state.RateLimitedUntil != nil || !state.DailyResetAt.Equal(baseTime) {
		t.Errorf("unexpected state after reset: %+v", state)
	}
}

type failingReservations struct{}

func (failingReservations) InFlight(context.Context, string) (int, error) {
	return 0, errors.New("redis down")
}
func (failingReservations) Acquire(context.Context, string) (string, error) {
	return "", errors.New("redis down")
}
func (failingReservations) Release(context.Context, string, string) error {
	return errors.New("redis down")
}

func TestController_ReservationErrorsFailOpen(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	store.Put("user-1", model.QuotaState{DailyCalls: 0, DailyResetAt: baseTime})
	ctrl := NewController(store, failingReservations{}, DefaultPolicy(), slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	ctrl.now = func() time.Time { return baseTime }

	adm, err := ctrl.Admit(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("Admit failed: %v", err)
	}
	if !adm.Allowed {
		t.Error("reservation backend errors should not deny")
	}
	if err := adm.Complete(context.Background(), true); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
}

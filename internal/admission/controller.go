package admission

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/rapigate/rapigate/internal/metrics"
	"github.com/rapigate/rapigate/internal/model"
)

// Controller runs admission checks against a Store and tracks in-flight
// reservations for admitted requests.
type Controller struct {
	store        Store
	reservations Reservations
	policy       Policy
	logger       *slog.Logger
	metrics      metrics.Recorder
	now          func() time.Time
}

// NewController creates a Controller. A nil reservations tracker disables
// in-flight accounting.
func NewController(store Store, reservations Reservations, policy Policy, logger *slog.Logger, recorder metrics.Recorder) *Controller {
	if recorder == nil {
		recorder = metrics.NewNoop()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		store:        store,
		reservations: reservations,
		policy:       policy.normalized(),
		logger:       logger.With("component", "admission"),
		metrics:      recorder,
		now:          time.Now,
	}
}

// Admission is the result of Admit. When Allowed, the caller must call
// Complete exactly once after the handler finishes.
type Admission struct {
	Decision
	UserID string

	ctrl        *Controller
	reservation string
	settled     atomic.Bool
}

// Admit evaluates the user's quota under the store's per-user lock and, when
// the request is allowed, opens an in-flight reservation.
//
// Reservation backend errors fail open: the request is evaluated as if no
// other requests were running.
func (c *Controller) Admit(ctx context.Context, userID string) (*Admission, error) {
	now := c.now()
	adm := &Admission{UserID: userID, ctrl: c}

	err := c.store.UpdateQuota(ctx, userID, func(state model.QuotaState) (model.QuotaState, bool, error) {
		inFlight := c.inFlight(ctx, userID)

		decision, next, changed := Evaluate(state, inFlight, now, c.policy)
		adm.Decision = decision

		if decision.Allowed && c.reservations != nil {
			id, err := c.reservations.Acquire(ctx, userID)
			if err != nil {
				c.logger.Warn("failed to acquire reservation", "user_id", userID, "error", err)
			}
			adm.reservation = id
		}
		return next, changed, nil
	})
	if err != nil {
		if adm.reservation != "" {
			c.release(userID, adm.reservation)
		}
		return nil, fmt.Errorf("admit user %s: %w", userID, err)
	}

	c.metrics.IncAdmission(string(adm.Outcome))
	if adm.Outcome == OutcomeCooldownArmed {
		c.logger.Info("cooldown armed",
			"user_id", userID,
			"until", adm.CooldownExpiry,
		)
	}

	return adm, nil
}

// Complete settles an admitted request. On success the daily counter is
// incremented before the reservation is released, so the slot is never
// briefly free. Calls after the first, and calls on denied admissions, do
// nothing.
func (a *Admission) Complete(ctx context.Context, succeeded bool) error {
	if a == nil || !a.Allowed || a.settled.Swap(true) {
		return nil
	}

	var err error
	if succeeded {
		if incErr := a.ctrl.store.IncrementDailyCalls(ctx, a.UserID); incErr != nil {
			err = fmt.Errorf("increment daily calls for %s: %w", a.UserID, incErr)
		}
	}

	if a.reservation != "" {
		a.ctrl.release(a.UserID, a.reservation)
	}
	return err
}

// Reset clears a user's daily counter and cooldown.
func (c *Controller) Reset(ctx context.Context, userID string) error {
	now := c.now()
	err := c.store.UpdateQuota(ctx, userID, func(model.QuotaState) (model.QuotaState, bool, error) {
		return model.FreshQuota(now), true, nil
	})
	if err != nil {
		return fmt.Errorf("reset quota for %s: %w", userID, err)
	}
	return nil
}

func (c *Controller) inFlight(ctx context.Context, userID string) int {
	if c.reservations == nil {
		return 0
	}
	n, err := c.reservations.InFlight(ctx, userID)
	if err != nil {
		c.logger.Warn("failed to read reservations", "user_id", userID, "error", err)
		return 0
	}
	return n
}

// release runs on a detached context so a cancelled request cannot leak a
// reservation.
func (c *Controller) release(userID, id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.reservations.Release(ctx, userID, id); err != nil {
		c.logger.Warn("failed to release reservation", "user_id", userID, "error", err)
	}
}

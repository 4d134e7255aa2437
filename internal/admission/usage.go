package admission

import (
	"time"

	"github.com/rapigate/rapigate/internal/model"
)

// Usage is a read-only view of a user's quota, for display.
type Usage struct {
	Limit        int         `json:"limit"`
	CallsToday   int         `json:"calls_today"`
	Remaining    int         `json:"remaining"`
	WindowEndsAt time.Time   `json:"window_ends_at"`
	CoolingDown  bool        `json:"cooling_down"`
	RetryAfter   *RetryAfter `json:"retry_after,omitempty"`
}

// UsageOf reports state as the next admission check would see it, without
// changing anything. A stale window or a lapsed cooldown reads as a fresh
// window starting now.
func UsageOf(state model.QuotaState, now time.Time, policy Policy) Usage {
	p := policy.normalized()

	if state.RateLimitedUntil != nil && state.RateLimitedUntil.After(now) {
		retry := SplitRemaining(state.RateLimitedUntil.Sub(now))
		return Usage{
			Limit:        p.DailyLimit,
			CallsToday:   state.DailyCalls,
			Remaining:    0,
			WindowEndsAt: state.DailyResetAt.Add(p.Window),
			CoolingDown:  true,
			RetryAfter:   &retry,
		}
	}

	if state.RateLimitedUntil != nil || now.Sub(state.DailyResetAt) >= p.Window {
		return Usage{
			Limit:        p.DailyLimit,
			Remaining:    p.DailyLimit,
			WindowEndsAt: now.Add(p.Window),
		}
	}

	return Usage{
		Limit:        p.DailyLimit,
		CallsToday:   state.DailyCalls,
		Remaining:    clampRemaining(p.DailyLimit - state.DailyCalls),
		WindowEndsAt: state.DailyResetAt.Add(p.Window),
	}
}

// Usage reports the user's quota under the controller's policy.
func (c *Controller) Usage(state model.QuotaState) Usage {
	return UsageOf(state, c.now(), c.policy)
}

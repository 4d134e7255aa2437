// Package admission decides whether a key-bearing caller may run a command.
//
// Each user has a daily window of DailyLimit calls. Exhausting it arms a
// cooldown; while the cooldown is in the future every request is denied.
// Once the cooldown lapses, or the window is older than a day, the counters
// reset on the next request.
package admission

import (
	"time"

	"github.com/rapigate/rapigate/internal/model"
)

const (
	// DefaultDailyLimit is the number of successful calls allowed per window.
	DefaultDailyLimit = 200
	// DefaultCooldown is how long a user is locked out after exhausting the window.
	DefaultCooldown = 12 * time.Hour
	// DefaultWindow is the length of a daily window.
	DefaultWindow = 24 * time.Hour
	// HeldRetryInterval is the retry hint when running requests hold the
	// last calls of a window. A slot frees as soon as one of them fails.
	HeldRetryInterval = time.Second
)

// Policy holds the admission parameters.
type Policy struct {
	DailyLimit int
	Cooldown   time.Duration
	Window     time.Duration
}

// DefaultPolicy returns the stock 200/day, 12h cooldown policy.
func DefaultPolicy() Policy {
	return Policy{
		DailyLimit: DefaultDailyLimit,
		Cooldown:   DefaultCooldown,
		Window:     DefaultWindow,
	}
}

// normalized fills zero fields with defaults.
func (p Policy) normalized() Policy {
	if p.DailyLimit <= 0 {
		p.DailyLimit = DefaultDailyLimit
	}
	if p.Cooldown <= 0 {
		p.Cooldown = DefaultCooldown
	}
	if p.Window <= 0 {
		p.Window = DefaultWindow
	}
	return p
}

// Outcome classifies a decision.
type Outcome string

const (
	// OutcomeAllowed admits the request.
	OutcomeAllowed Outcome = "allowed"
	// OutcomeReset admits the request after starting a new window.
	OutcomeReset Outcome = "reset"
	// OutcomeCoolingDown denies because a cooldown is still running.
	OutcomeCoolingDown Outcome = "cooling_down"
	// OutcomeCooldownArmed denies and starts a cooldown.
	OutcomeCooldownArmed Outcome = "cooldown_armed"
	// OutcomeQuotaHeld denies because the rest of the window is held by
	// requests that are still running.
	OutcomeQuotaHeld Outcome = "quota_held"
)

// Decision is the transient result of one admission check.
type Decision struct {
	Allowed bool
	Outcome Outcome

	// RemainingCooldown and CooldownExpiry are set only when a cooldown is
	// running or was just armed.
	RemainingCooldown *time.Duration
	CooldownExpiry    *time.Time

	Limit int
	// Remaining is the number of calls left in the window once this one
	// (if admitted) completes.
	Remaining int
	// WindowEndsAt is when the current daily window rolls over.
	WindowEndsAt time.Time
	// RetryIn is how long a denied caller should wait before retrying.
	RetryIn time.Duration
}

// Evaluate runs the admission state machine for one request.
//
// It is pure: given the stored quota state, the number of admitted requests
// still running for the user, and the current time, it returns the decision,
// the state to store, and whether that state differs from the input. Callers
// must run it under a per-user lock and persist the returned state when
// changed is true.
func Evaluate(state model.QuotaState, inFlight int, now time.Time, policy Policy) (Decision, model.QuotaState, bool) {
	p := policy.normalized()
	if inFlight < 0 {
		inFlight = 0
	}

	if state.RateLimitedUntil != nil {
		until := *state.RateLimitedUntil
		if until.After(now) {
			remaining := until.Sub(now)
			return Decision{
				Allowed:           false,
				Outcome:           OutcomeCoolingDown,
				RemainingCooldown: &remaining,
				CooldownExpiry:    &until,
				Limit:             p.DailyLimit,
				Remaining:         0,
				WindowEndsAt:      state.DailyResetAt.Add(p.Window),
				RetryIn:           remaining,
			}, state, false
		}
		return resetDecision(now, inFlight, p)
	}

	if now.Sub(state.DailyResetAt) >= p.Window {
		return resetDecision(now, inFlight, p)
	}

	windowEnd := state.DailyResetAt.Add(p.Window)

	if state.DailyCalls >= p.DailyLimit {
		until := now.Add(p.Cooldown)
		remaining := p.Cooldown
		next := state
		next.RateLimitedUntil = &until
		return Decision{
			Allowed:           false,
			Outcome:           OutcomeCooldownArmed,
			RemainingCooldown: &remaining,
			CooldownExpiry:    &until,
			Limit:             p.DailyLimit,
			Remaining:         0,
			WindowEndsAt:      windowEnd,
			RetryIn:           remaining,
		}, next, true
	}

	if state.DailyCalls+inFlight >= p.DailyLimit {
		return Decision{
			Allowed:      false,
			Outcome:      OutcomeQuotaHeld,
			Limit:        p.DailyLimit,
			Remaining:    0,
			WindowEndsAt: windowEnd,
			RetryIn:      HeldRetryInterval,
		}, state, false
	}

	return Decision{
		Allowed:      true,
		Outcome:      OutcomeAllowed,
		Limit:        p.DailyLimit,
		Remaining:    clampRemaining(p.DailyLimit - state.DailyCalls - inFlight - 1),
		WindowEndsAt: windowEnd,
	}, state, false
}

func resetDecision(now time.Time, inFlight int, p Policy) (Decision, model.QuotaState, bool) {
	next := model.FreshQuota(now)
	return Decision{
		Allowed:      true,
		Outcome:      OutcomeReset,
		Limit:        p.DailyLimit,
		Remaining:    clampRemaining(p.DailyLimit - inFlight - 1),
		WindowEndsAt: now.Add(p.Window),
	}, next, true
}

func clampRemaining(n int) int {
	if n < 0 {
		return 0
	}
	return n
}

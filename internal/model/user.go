// Package model defines domain entities for the application.
package model

import "time"

// User is a gateway account. API keys are stored as digests; the plaintext
// key is only ever returned at creation or rotation time.
type User struct {
	ID           string     `json:"id"`
	Username     string     `json:"username"`
	Email        string     `json:"email"`
	PasswordHash string     `json:"-"`
	APIKeyDigest *string    `json:"-"`
	APICalls     int64      `json:"api_calls"`
	CreatedAt    time.Time  `json:"created_at"`
	LastLoginAt  *time.Time `json:"last_login_at,omitempty"`

	Quota QuotaState `json:"quota"`
}

// QuotaState holds the per-user counters the admission controller works on.
// DailyCalls is only meaningful relative to DailyResetAt.
type QuotaState struct {
	DailyCalls       int        `json:"daily_calls"`
	DailyResetAt     time.Time  `json:"daily_reset_at"`
	RateLimitedUntil *time.Time `json:"rate_limited_until,omitempty"`
}

// FreshQuota returns a new daily window starting at now with no cooldown.
func FreshQuota(now time.Time) QuotaState {
	return QuotaState{DailyCalls: 0, DailyResetAt: now}
}

// Identity is the resolved caller of a request.
type Identity struct {
	UserID   string
	Username string
	// Source is where the identity came from: "apikey" or "session".
	Source string
}

// Identity sources.
const (
	IdentityFromAPIKey  = "apikey"
	IdentityFromSession = "session"
)

// UserSummary is the admin view of a user.
type UserSummary struct {
	ID               string     `json:"id"`
	Username         string     `json:"username"`
	Email            string     `json:"email"`
	APICalls         int64      `json:"api_calls"`
	DailyCalls       int        `json:"daily_calls"`
	DailyResetAt     time.Time  `json:"daily_reset_at"`
	RateLimitedUntil *time.Time `json:"rate_limited_until,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

// Summary converts a User to its admin view.
func (u *User) Summary() UserSummary {
	return UserSummary{
		ID:               u.ID,
		Username:         u.Username,
		Email:            u.Email,
		APICalls:         u.APICalls,
		DailyCalls:       u.Quota.DailyCalls,
		DailyResetAt:     u.Quota.DailyResetAt,
		RateLimitedUntil: u.Quota.RateLimitedUntil,
		CreatedAt:        u.CreatedAt,
	}
}

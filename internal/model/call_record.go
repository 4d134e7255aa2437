package model

import "time"

// CallRecord is one append-only row of the call log.
type CallRecord struct {
	ID int64 `json:"id"`
	// EventID is the idempotency key when records arrive through the stream.
	EventID    string    `json:"event_id,omitempty"`
	UserID     *string   `json:"user_id,omitempty"`
	Endpoint   string    `json:"endpoint"`
	Route      string    `json:"route"`
	StatusCode int       `json:"status_code"`
	LatencyMs  int64     `json:"latency_ms"`
	CalledAt   time.Time `json:"called_at"`

	// Dispatched is false for calls rejected before the handler ran
	// (missing or invalid key, rate limited). Only dispatched calls bump the
	// lifetime counter.
	Dispatched bool `json:"dispatched"`
}

// CountsTowardUsage reports whether persisting this record should bump the
// owner's lifetime call counter.
func (c *CallRecord) CountsTowardUsage() bool {
	return c.Dispatched && c.UserID != nil && *c.UserID != ""
}

// GatewayTotals are the aggregate numbers shown on the landing and admin views.
type GatewayTotals struct {
	TotalCalls int64 `json:"total_calls"`
	TotalUsers int64 `json:"total_users"`
}

package calllog

import (
	"fmt"
	"time"

	"github.com/rapigate/rapigate/internal/model"
)

const (
	maxEndpointLength = 255
	maxRouteLength    = 255
	maxUserIDLength   = 26
)

// CallPayload is the compact record format carried on the Redis stream.
type CallPayload struct {
	UserID     string `json:"u,omitempty"` // user_id
	Endpoint   string `json:"e"`           // endpoint name
	Route      string `json:"r"`           // route
	StatusCode int    `json:"s"`           // HTTP status
	LatencyMs  int64  `json:"l"`           // latency in ms
	Dispatched bool   `json:"d"`           // handler ran
	CalledAt   int64  `json:"t"`           // Unix milliseconds
}

// NewCallPayload converts a record to its stream form.
func NewCallPayload(rec *model.CallRecord) CallPayload {
	p := CallPayload{
		Endpoint:   rec.Endpoint,
		Route:      rec.Route,
		StatusCode: rec.StatusCode,
		LatencyMs:  rec.LatencyMs,
		Dispatched: rec.Dispatched,
		CalledAt:   rec.CalledAt.UnixMilli(),
	}
	if rec.UserID != nil {
		p.UserID = *rec.UserID
	}
	return p
}

// Record converts a stream payload back to a record keyed by the stream
// entry id.
func (p CallPayload) Record(eventID string) *model.CallRecord {
	rec := &model.CallRecord{
		EventID:    eventID,
		Endpoint:   p.Endpoint,
		Route:      p.Route,
		StatusCode: p.StatusCode,
		LatencyMs:  p.LatencyMs,
		Dispatched: p.Dispatched,
		CalledAt:   time.UnixMilli(p.CalledAt).UTC(),
	}
	if p.UserID != "" {
		userID := p.UserID
		rec.UserID = &userID
	}
	return rec
}

// ValidateCallPayload validates stream payload fields.
func ValidateCallPayload(payload CallPayload) error {
	if payload.Endpoint == "" {
		return fmt.Errorf("endpoint is required")
	}
	if len(payload.Endpoint) > maxEndpointLength {
		return fmt.Errorf("endpoint too long")
	}
	if payload.Route == "" || payload.Route[0] != '/' {
		return fmt.Errorf("route must start with /")
	}
	if len(payload.Route) > maxRouteLength {
		return fmt.Errorf("route too long")
	}
	if payload.StatusCode < 100 || payload.StatusCode > 599 {
		return fmt.Errorf("status code out of range")
	}
	if payload.LatencyMs < 0 {
		return fmt.Errorf("latency must be non-negative")
	}
	if len(payload.UserID) > maxUserIDLength {
		return fmt.Errorf("user_id too long")
	}
	if payload.CalledAt <= 0 {
		return fmt.Errorf("called_at must be set")
	}
	return nil
}

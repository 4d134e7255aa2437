package admission

import (
	"fmt"
	"time"
)

// RetryAfter is a cooldown expressed for display: whole hours plus the
// remaining minutes rounded up.
type RetryAfter struct {
	Hours   int `json:"hours"`
	Minutes int `json:"minutes"`
}

// SplitRemaining converts a remaining duration to RetryAfter. Any partial
// minute counts as a full minute, so 5h30m01s becomes 5h31m.
func SplitRemaining(d time.Duration) RetryAfter {
	if d <= 0 {
		return RetryAfter{}
	}
	totalMinutes := int((d + time.Minute - 1) / time.Minute)
	return RetryAfter{
		Hours:   totalMinutes / 60,
		Minutes: totalMinutes % 60,
	}
}

// String renders the value as "5h 31m".
func (r RetryAfter) String() string {
	return fmt.Sprintf("%dh %dm", r.Hours, r.Minutes)
}

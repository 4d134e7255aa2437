package model

import "time"

// DefaultNotificationSender signs notifications sent without a sender.
const DefaultNotificationSender = "Admin"

// Notification is an operator message. A nil TargetUserID broadcasts it to
// every user.
type Notification struct {
	ID           int64     `json:"id"`
	Sender       string    `json:"sender"`
	TargetUserID *string   `json:"target_user_id,omitempty"`
	Title        string    `json:"title"`
	Message      string    `json:"message"`
	CreatedAt    time.Time `json:"created_at"`

	// Read is per viewer and only set when listing for a user.
	Read bool `json:"is_read"`
}

// Broadcast reports whether every user sees the notification.
func (n *Notification) Broadcast() bool {
	return n.TargetUserID == nil
}

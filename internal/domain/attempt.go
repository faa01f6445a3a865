package domain

import "time"

// DeliveryAttempt records a single provider call made for one recipient of a notification.
type DeliveryAttempt struct {
	ID             string
	NotificationID string
	RecipientID    string
	StatusCode     *int
	ResponseBody   *string
	Error          *string
	CreatedAt      time.Time
}

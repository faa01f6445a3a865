package domain

import (
	"fmt"
	"strings"
	"time"
)

// RecipientStatus is the delivery outcome of one recipient.
type RecipientStatus string

const (
	RecipientStatusPending   RecipientStatus = "PENDING"
	RecipientStatusSucceeded RecipientStatus = "SUCCEEDED"
	RecipientStatusFailed    RecipientStatus = "FAILED"
	RecipientStatusUnknown   RecipientStatus = "UNKNOWN"
)

func (s RecipientStatus) String() string { return string(s) }

func (s RecipientStatus) IsValid() bool {
	switch s {
	case RecipientStatusPending, RecipientStatusSucceeded, RecipientStatusFailed, RecipientStatusUnknown:
		return true
	}
	return false
}

// IsTerminal reports whether the status will never change again.
func (s RecipientStatus) IsTerminal() bool {
	switch s {
	case RecipientStatusSucceeded, RecipientStatusFailed, RecipientStatusUnknown:
		return true
	}
	return false
}

func ParseRecipientStatusFromString(s string) (RecipientStatus, error) {
	st := RecipientStatus(strings.ToUpper(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid recipient status %q", ErrValidation, s)
	}
	return st, nil
}

// RecipientResult is the per-recipient outcome row of a sent notification.
type RecipientResult struct {
	NotificationID string
	RecipientID    string
	Status         RecipientStatus
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

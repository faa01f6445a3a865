package domain

import (
	"fmt"
	"strings"
	"time"
)

// Partition names the table partition that currently holds a notification row.
type Partition string

const (
	PartitionDraft Partition = "Draft"
	PartitionSent  Partition = "Sent"
)

func (p Partition) String() string { return string(p) }

func (p Partition) IsValid() bool {
	switch p {
	case PartitionDraft, PartitionSent:
		return true
	}
	return false
}

func ParsePartitionFromString(s string) (Partition, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "draft":
		return PartitionDraft, nil
	case "sent":
		return PartitionSent, nil
	}
	return "", fmt.Errorf("%w: invalid partition %q", ErrValidation, s)
}

// DeliveryStatus is the derived lifecycle state exposed to API callers.
type DeliveryStatus string

const (
	DeliveryStatusDraft     DeliveryStatus = "DRAFT"
	DeliveryStatusScheduled DeliveryStatus = "SCHEDULED"
	DeliveryStatusSending   DeliveryStatus = "SENDING"
	DeliveryStatusComplete  DeliveryStatus = "COMPLETE"
)

func (s DeliveryStatus) String() string { return string(s) }

// Content limits (in characters).
const (
	MaxTitleLength   = 200
	MaxSummaryLength = 4000
	MaxPollOptions   = 10
)

// Poll is the optional poll or quiz attached to a notification.
type Poll struct {
	Options        []string `json:"options"`
	MultipleChoice bool     `json:"multipleChoice"`
	QuizMode       bool     `json:"quizMode"`
	QuizAnswers    []int    `json:"quizAnswers,omitempty"`
}

func (p *Poll) Validate() error {
	if p == nil {
		return nil
	}
	if len(p.Options) < 2 {
		return fmt.Errorf("%w: poll requires at least 2 options", ErrValidation)
	}
	if len(p.Options) > MaxPollOptions {
		return fmt.Errorf("%w: poll supports at most %d options", ErrValidation, MaxPollOptions)
	}
	for i, option := range p.Options {
		if strings.TrimSpace(option) == "" {
			return fmt.Errorf("%w: poll option %d is empty", ErrValidation, i)
		}
	}
	if !p.QuizMode {
		if len(p.QuizAnswers) > 0 {
			return fmt.Errorf("%w: quiz answers require quiz mode", ErrValidation)
		}
		return nil
	}
	if len(p.QuizAnswers) == 0 {
		return fmt.Errorf("%w: quiz mode requires an answer key", ErrValidation)
	}
	if !p.MultipleChoice && len(p.QuizAnswers) > 1 {
		return fmt.Errorf("%w: single choice quiz accepts one answer", ErrValidation)
	}
	for _, answer := range p.QuizAnswers {
		if answer < 0 || answer >= len(p.Options) {
			return fmt.Errorf("%w: quiz answer %d out of range", ErrValidation, answer)
		}
	}
	return nil
}

// Audience holds the targeting fields handed to the audience resolver.
type Audience struct {
	Teams    []string `json:"teams,omitempty"`
	Rosters  []string `json:"rosters,omitempty"`
	Groups   []string `json:"groups,omitempty"`
	AllUsers bool     `json:"allUsers,omitempty"`
}

func (a Audience) IsEmpty() bool {
	return !a.AllUsers && len(a.Teams) == 0 && len(a.Rosters) == 0 && len(a.Groups) == 0
}

// CounterDelta is an increment applied to the delivery counters of a sent notification.
type CounterDelta struct {
	Succeeded int
	Failed    int
	Unknown   int
	Canceled  int
}

// DeltaFor returns the counter increment for one recipient outcome.
func DeltaFor(status RecipientStatus) (CounterDelta, error) {
	switch status {
	case RecipientStatusSucceeded:
		return CounterDelta{Succeeded: 1}, nil
	case RecipientStatusFailed:
		return CounterDelta{Failed: 1}, nil
	case RecipientStatusUnknown:
		return CounterDelta{Unknown: 1}, nil
	}
	return CounterDelta{}, fmt.Errorf("%w: %q is not a terminal outcome", ErrValidation, status)
}

func (d CounterDelta) IsZero() bool {
	return d == CounterDelta{}
}

// Notification is one broadcast. Exactly one live copy exists, in either the draft or the sent partition.
type Notification struct {
	ID        string
	Partition Partition
	DraftID   string

	Title       string
	ImageLink   string
	Summary     string
	Author      string
	ButtonTitle string
	ButtonLink  string
	Poll        *Poll
	AckRequired bool
	Audience    Audience

	ScheduledDateTime *time.Time
	CreatedDateTime   time.Time

	TotalRecipientCount    int
	SucceededCount         int
	FailedCount            int
	UnknownCount           int
	CanceledCount          int
	SendingStartedDateTime *time.Time
	DispatchQueuedDateTime *time.Time
	SentDateTime           *time.Time

	Version int64
}

func (n *Notification) Validate() error {
	if strings.TrimSpace(n.Title) == "" {
		return fmt.Errorf("%w: title is required", ErrValidation)
	}
	if titleLen := len([]rune(n.Title)); titleLen > MaxTitleLength {
		return fmt.Errorf("%w: title exceeds %d characters (got %d)", ErrValidation, MaxTitleLength, titleLen)
	}
	if summaryLen := len([]rune(n.Summary)); summaryLen > MaxSummaryLength {
		return fmt.Errorf("%w: summary exceeds %d characters (got %d)", ErrValidation, MaxSummaryLength, summaryLen)
	}
	if (n.ButtonTitle == "") != (n.ButtonLink == "") {
		return fmt.Errorf("%w: button title and link must be set together", ErrValidation)
	}
	if n.Audience.IsEmpty() {
		return fmt.Errorf("%w: audience is required", ErrValidation)
	}
	return n.Poll.Validate()
}

// IsDue reports whether a draft may be promoted at now. A nil schedule is always due.
func (n *Notification) IsDue(now time.Time) bool {
	if n.ScheduledDateTime == nil {
		return true
	}
	return !n.ScheduledDateTime.After(now)
}

func (n *Notification) IsComplete() bool {
	return n.SentDateTime != nil
}

// ResponsesReceived is the number of recipient outcomes folded into the counters.
func (n *Notification) ResponsesReceived() int {
	return n.SucceededCount + n.FailedCount + n.UnknownCount + n.CanceledCount
}

// AllResponsesReceived reports whether every targeted recipient has been counted.
func (n *Notification) AllResponsesReceived() bool {
	return n.TotalRecipientCount > 0 && n.ResponsesReceived() >= n.TotalRecipientCount
}

func (n *Notification) Apply(delta CounterDelta) {
	n.SucceededCount += delta.Succeeded
	n.FailedCount += delta.Failed
	n.UnknownCount += delta.Unknown
	n.CanceledCount += delta.Canceled
}

// ResetAccounting zeroes the delivery fields. Drafts never carry accounting state.
func (n *Notification) ResetAccounting() {
	n.TotalRecipientCount = 0
	n.SucceededCount = 0
	n.FailedCount = 0
	n.UnknownCount = 0
	n.CanceledCount = 0
	n.SendingStartedDateTime = nil
	n.DispatchQueuedDateTime = nil
	n.SentDateTime = nil
	n.Version = 0
}

func (n *Notification) Status(now time.Time) DeliveryStatus {
	switch {
	case n.Partition == PartitionDraft && n.IsDue(now):
		return DeliveryStatusDraft
	case n.Partition == PartitionDraft:
		return DeliveryStatusScheduled
	case n.IsComplete():
		return DeliveryStatusComplete
	default:
		return DeliveryStatusSending
	}
}

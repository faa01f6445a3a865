package repository

import (
	"time"

	"github.com/kursadbilgin/broadcast-engine/internal/domain"
)

// NotificationModel is the persistence model for the notifications table.
// Drafts and sent notifications share the table and are keyed by (partition_key, id).
type NotificationModel struct {
	PartitionKey domain.Partition `gorm:"column:partition_key;type:varchar(10);primaryKey"`
	ID           string           `gorm:"type:uuid;primaryKey"`
	DraftID      *string          `gorm:"type:uuid"`

	Title       string          `gorm:"type:varchar(200);not null"`
	ImageLink   string          `gorm:"type:text"`
	Summary     string          `gorm:"type:text"`
	Author      string          `gorm:"type:varchar(255)"`
	ButtonTitle string          `gorm:"type:varchar(255)"`
	ButtonLink  string          `gorm:"type:text"`
	Poll        *domain.Poll    `gorm:"type:jsonb;serializer:json"`
	AckRequired bool            `gorm:"not null"`
	Audience    domain.Audience `gorm:"type:jsonb;serializer:json;not null"`

	ScheduledDateTime *time.Time `gorm:"type:timestamptz"`
	CreatedDateTime   time.Time  `gorm:"type:timestamptz;not null"`

	TotalRecipientCount    int        `gorm:"not null"`
	SucceededCount         int        `gorm:"not null"`
	FailedCount            int        `gorm:"not null"`
	UnknownCount           int        `gorm:"not null"`
	CanceledCount          int        `gorm:"not null"`
	SendingStartedDateTime *time.Time `gorm:"type:timestamptz"`
	DispatchQueuedDateTime *time.Time `gorm:"type:timestamptz"`
	SentDateTime           *time.Time `gorm:"type:timestamptz"`

	Version   int64 `gorm:"not null"`
	UpdatedAt time.Time
}

func (NotificationModel) TableName() string {
	return "notifications"
}

// RecipientResultModel is the persistence model for recipient_results.
type RecipientResultModel struct {
	NotificationID string                 `gorm:"type:uuid;primaryKey"`
	RecipientID    string                 `gorm:"type:varchar(255);primaryKey"`
	Status         domain.RecipientStatus `gorm:"type:varchar(20);not null"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (RecipientResultModel) TableName() string {
	return "recipient_results"
}

// DeliveryAttemptModel is the persistence model for delivery_attempts.
type DeliveryAttemptModel struct {
	ID             string  `gorm:"type:uuid;primaryKey"`
	NotificationID string  `gorm:"type:uuid;not null"`
	RecipientID    string  `gorm:"type:varchar(255);not null"`
	StatusCode     *int    `gorm:"type:int"`
	ResponseBody   *string `gorm:"type:text"`
	Error          *string `gorm:"type:text"`
	CreatedAt      time.Time
}

func (DeliveryAttemptModel) TableName() string {
	return "delivery_attempts"
}

func notificationModelFromDomain(n *domain.Notification) *NotificationModel {
	if n == nil {
		return nil
	}

	var draftID *string
	if n.DraftID != "" {
		id := n.DraftID
		draftID = &id
	}

	return &NotificationModel{
		PartitionKey:           n.Partition,
		ID:                     n.ID,
		DraftID:                draftID,
		Title:                  n.Title,
		ImageLink:              n.ImageLink,
		Summary:                n.Summary,
		Author:                 n.Author,
		ButtonTitle:            n.ButtonTitle,
		ButtonLink:             n.ButtonLink,
		Poll:                   n.Poll,
		AckRequired:            n.AckRequired,
		Audience:               n.Audience,
		ScheduledDateTime:      n.ScheduledDateTime,
		CreatedDateTime:        n.CreatedDateTime,
		TotalRecipientCount:    n.TotalRecipientCount,
		SucceededCount:         n.SucceededCount,
		FailedCount:            n.FailedCount,
		UnknownCount:           n.UnknownCount,
		CanceledCount:          n.CanceledCount,
		SendingStartedDateTime: n.SendingStartedDateTime,
		DispatchQueuedDateTime: n.DispatchQueuedDateTime,
		SentDateTime:           n.SentDateTime,
		Version:                n.Version,
	}
}

func notificationModelToDomain(m *NotificationModel) *domain.Notification {
	if m == nil {
		return nil
	}

	n := &domain.Notification{
		ID:                     m.ID,
		Partition:              m.PartitionKey,
		Title:                  m.Title,
		ImageLink:              m.ImageLink,
		Summary:                m.Summary,
		Author:                 m.Author,
		ButtonTitle:            m.ButtonTitle,
		ButtonLink:             m.ButtonLink,
		Poll:                   m.Poll,
		AckRequired:            m.AckRequired,
		Audience:               m.Audience,
		ScheduledDateTime:      m.ScheduledDateTime,
		CreatedDateTime:        m.CreatedDateTime,
		TotalRecipientCount:    m.TotalRecipientCount,
		SucceededCount:         m.SucceededCount,
		FailedCount:            m.FailedCount,
		UnknownCount:           m.UnknownCount,
		CanceledCount:          m.CanceledCount,
		SendingStartedDateTime: m.SendingStartedDateTime,
		DispatchQueuedDateTime: m.DispatchQueuedDateTime,
		SentDateTime:           m.SentDateTime,
		Version:                m.Version,
	}
	if m.DraftID != nil {
		n.DraftID = *m.DraftID
	}
	return n
}

func recipientResultModelToDomain(m *RecipientResultModel) *domain.RecipientResult {
	if m == nil {
		return nil
	}

	return &domain.RecipientResult{
		NotificationID: m.NotificationID,
		RecipientID:    m.RecipientID,
		Status:         m.Status,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
}

func attemptModelFromDomain(a *domain.DeliveryAttempt) *DeliveryAttemptModel {
	if a == nil {
		return nil
	}

	return &DeliveryAttemptModel{
		ID:             a.ID,
		NotificationID: a.NotificationID,
		RecipientID:    a.RecipientID,
		StatusCode:     a.StatusCode,
		ResponseBody:   a.ResponseBody,
		Error:          a.Error,
		CreatedAt:      a.CreatedAt,
	}
}

func attemptModelToDomain(m *DeliveryAttemptModel) *domain.DeliveryAttempt {
	if m == nil {
		return nil
	}

	return &domain.DeliveryAttempt{
		ID:             m.ID,
		NotificationID: m.NotificationID,
		RecipientID:    m.RecipientID,
		StatusCode:     m.StatusCode,
		ResponseBody:   m.ResponseBody,
		Error:          m.Error,
		CreatedAt:      m.CreatedAt,
	}
}

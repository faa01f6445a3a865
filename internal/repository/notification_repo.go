package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/broadcast-engine/internal/domain"
	"gorm.io/gorm"
)

type ListParams struct {
	Completed *bool
	From      *time.Time
	To        *time.Time
	Page      int
	PageSize  int
}

// NotificationStore persists notifications in the Draft and Sent partitions.
type NotificationStore interface {
	CreateDraft(ctx context.Context, n *domain.Notification) error
	UpdateDraft(ctx context.Context, n *domain.Notification) error
	DeleteDraft(ctx context.Context, id string) error
	// GetDrafts returns up to limit drafts with an id greater than afterID, ordered by id.
	GetDrafts(ctx context.Context, afterID string, limit int) ([]domain.Notification, error)
	Get(ctx context.Context, partition domain.Partition, id string) (*domain.Notification, error)
	ListSent(ctx context.Context, params ListParams) ([]domain.Notification, int64, error)
	// PromoteDraftToSent copies the draft into the Sent partition under a new id and
	// deletes the draft in the same transaction. It returns domain.ErrNotFound when the
	// draft is already gone.
	PromoteDraftToSent(ctx context.Context, draftID string, startedAt time.Time) (string, error)
	SetRecipientTarget(ctx context.Context, id string, total int) error
	// UpdateCounters applies delta when the stored version equals expectedVersion and
	// returns domain.ErrConflict otherwise.
	UpdateCounters(ctx context.Context, id string, delta domain.CounterDelta, expectedVersion int64) error
	// MarkComplete sets SentDateTime if it is unset. It reports whether this call completed the notification.
	MarkComplete(ctx context.Context, id string, at time.Time) (bool, error)
	MarkDispatchQueued(ctx context.Context, id string, at time.Time) error
	GetUndispatched(ctx context.Context, startedBefore time.Time, limit int) ([]domain.Notification, error)
	GetStaleSending(ctx context.Context, startedBefore time.Time, limit int) ([]domain.Notification, error)
}

type GormNotificationStore struct {
	db    *gorm.DB
	newID func() string
}

func NewGormNotificationStore(db *gorm.DB) *GormNotificationStore {
	return &GormNotificationStore{db: db, newID: uuid.NewString}
}

func (r *GormNotificationStore) CreateDraft(ctx context.Context, n *domain.Notification) error {
	if n == nil {
		return fmt.Errorf("%w: notification is required", domain.ErrValidation)
	}

	n.Partition = domain.PartitionDraft
	n.DraftID = ""
	n.ResetAccounting()
	if n.ID == "" {
		n.ID = r.newID()
	}
	if n.CreatedDateTime.IsZero() {
		n.CreatedDateTime = time.Now().UTC()
	}

	model := notificationModelFromDomain(n)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return err
	}
	*n = *notificationModelToDomain(model)
	return nil
}

func (r *GormNotificationStore) UpdateDraft(ctx context.Context, n *domain.Notification) error {
	if n == nil {
		return fmt.Errorf("%w: notification is required", domain.ErrValidation)
	}

	model := notificationModelFromDomain(n)
	result := r.db.WithContext(ctx).
		Model(&NotificationModel{}).
		Where("partition_key = ? AND id = ?", domain.PartitionDraft, n.ID).
		Select("title", "image_link", "summary", "author", "button_title", "button_link",
			"poll", "ack_required", "audience", "scheduled_date_time", "updated_at").
		Updates(model)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *GormNotificationStore) DeleteDraft(ctx context.Context, id string) error {
	result := r.db.WithContext(ctx).
		Where("partition_key = ? AND id = ?", domain.PartitionDraft, id).
		Delete(&NotificationModel{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *GormNotificationStore) GetDrafts(ctx context.Context, afterID string, limit int) ([]domain.Notification, error) {
	if limit < 1 {
		limit = 100
	}

	query := r.db.WithContext(ctx).Where("partition_key = ?", domain.PartitionDraft)
	if afterID != "" {
		query = query.Where("id > ?", afterID)
	}

	var models []NotificationModel
	if err := query.Order("id ASC").Limit(limit).Find(&models).Error; err != nil {
		return nil, err
	}
	return notificationsFromModels(models), nil
}

func (r *GormNotificationStore) Get(ctx context.Context, partition domain.Partition, id string) (*domain.Notification, error) {
	var model NotificationModel
	err := r.db.WithContext(ctx).
		Where("partition_key = ? AND id = ?", partition, id).
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return notificationModelToDomain(&model), nil
}

func (r *GormNotificationStore) ListSent(ctx context.Context, params ListParams) ([]domain.Notification, int64, error) {
	query := r.db.WithContext(ctx).
		Model(&NotificationModel{}).
		Where("partition_key = ?", domain.PartitionSent)

	if params.Completed != nil {
		if *params.Completed {
			query = query.Where("sent_date_time IS NOT NULL")
		} else {
			query = query.Where("sent_date_time IS NULL")
		}
	}
	if params.From != nil {
		query = query.Where("sending_started_date_time >= ?", *params.From)
	}
	if params.To != nil {
		query = query.Where("sending_started_date_time <= ?", *params.To)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	page := max(params.Page, 1)
	pageSize := params.PageSize
	if pageSize < 1 {
		pageSize = 50
	}
	pageSize = min(pageSize, 100)

	var models []NotificationModel
	err := query.
		Order("sending_started_date_time DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&models).Error
	if err != nil {
		return nil, 0, err
	}

	return notificationsFromModels(models), total, nil
}

func (r *GormNotificationStore) PromoteDraftToSent(ctx context.Context, draftID string, startedAt time.Time) (string, error) {
	sentID := r.newID()

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var draft NotificationModel
		err := tx.Where("partition_key = ? AND id = ?", domain.PartitionDraft, draftID).
			Take(&draft).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.ErrNotFound
		}
		if err != nil {
			return err
		}

		n := notificationModelToDomain(&draft)
		n.ResetAccounting()
		n.Partition = domain.PartitionSent
		n.ID = sentID
		n.DraftID = draftID
		started := startedAt
		n.SendingStartedDateTime = &started

		if err := tx.Create(notificationModelFromDomain(n)).Error; err != nil {
			return fmt.Errorf("failed to insert sent copy: %w", err)
		}

		// A concurrent tick may have promoted the same draft between the read and here.
		result := tx.Where("partition_key = ? AND id = ?", domain.PartitionDraft, draftID).
			Delete(&NotificationModel{})
		if result.Error != nil {
			return fmt.Errorf("failed to delete draft: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return domain.ErrNotFound
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return sentID, nil
}

func (r *GormNotificationStore) SetRecipientTarget(ctx context.Context, id string, total int) error {
	result := r.db.WithContext(ctx).
		Model(&NotificationModel{}).
		Where("partition_key = ? AND id = ? AND total_recipient_count = 0", domain.PartitionSent, id).
		Updates(map[string]any{
			"total_recipient_count": total,
			"version":               gorm.Expr("version + 1"),
			"updated_at":            time.Now().UTC(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		// Already recorded by an earlier delivery of the same prepare message.
		_, err := r.Get(ctx, domain.PartitionSent, id)
		return err
	}
	return nil
}

func (r *GormNotificationStore) UpdateCounters(ctx context.Context, id string, delta domain.CounterDelta, expectedVersion int64) error {
	result := r.db.WithContext(ctx).
		Model(&NotificationModel{}).
		Where("partition_key = ? AND id = ? AND version = ?", domain.PartitionSent, id, expectedVersion).
		Updates(map[string]any{
			"succeeded_count": gorm.Expr("succeeded_count + ?", delta.Succeeded),
			"failed_count":    gorm.Expr("failed_count + ?", delta.Failed),
			"unknown_count":   gorm.Expr("unknown_count + ?", delta.Unknown),
			"canceled_count":  gorm.Expr("canceled_count + ?", delta.Canceled),
			"version":         gorm.Expr("version + 1"),
			"updated_at":      time.Now().UTC(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrConflict
	}
	return nil
}

func (r *GormNotificationStore) MarkComplete(ctx context.Context, id string, at time.Time) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&NotificationModel{}).
		Where("partition_key = ? AND id = ? AND sent_date_time IS NULL", domain.PartitionSent, id).
		Updates(map[string]any{
			"sent_date_time": at,
			"version":        gorm.Expr("version + 1"),
			"updated_at":     time.Now().UTC(),
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *GormNotificationStore) MarkDispatchQueued(ctx context.Context, id string, at time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&NotificationModel{}).
		Where("partition_key = ? AND id = ? AND dispatch_queued_date_time IS NULL", domain.PartitionSent, id).
		Update("dispatch_queued_date_time", at)
	return result.Error
}

func (r *GormNotificationStore) GetUndispatched(ctx context.Context, startedBefore time.Time, limit int) ([]domain.Notification, error) {
	var models []NotificationModel
	err := r.db.WithContext(ctx).
		Where("partition_key = ? AND dispatch_queued_date_time IS NULL AND sent_date_time IS NULL AND sending_started_date_time <= ?",
			domain.PartitionSent, startedBefore).
		Order("sending_started_date_time ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	return notificationsFromModels(models), nil
}

func (r *GormNotificationStore) GetStaleSending(ctx context.Context, startedBefore time.Time, limit int) ([]domain.Notification, error) {
	var models []NotificationModel
	err := r.db.WithContext(ctx).
		Where("partition_key = ? AND sent_date_time IS NULL AND sending_started_date_time <= ?",
			domain.PartitionSent, startedBefore).
		Order("sending_started_date_time ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	return notificationsFromModels(models), nil
}

func notificationsFromModels(models []NotificationModel) []domain.Notification {
	notifications := make([]domain.Notification, 0, len(models))
	for i := range models {
		notifications = append(notifications, *notificationModelToDomain(&models[i]))
	}
	return notifications
}

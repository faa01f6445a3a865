package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kursadbilgin/broadcast-engine/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// RecipientResultStore persists one outcome row per (notification, recipient).
type RecipientResultStore interface {
	// EnsureTableExists creates the backing table if needed. Safe to call repeatedly.
	EnsureTableExists(ctx context.Context) error
	GetOrCreatePending(ctx context.Context, notificationID, recipientID string) (*domain.RecipientResult, error)
	Get(ctx context.Context, notificationID, recipientID string) (*domain.RecipientResult, error)
	// SetTerminal writes a terminal outcome if the row is still pending or missing.
	// It reports true when the row was already terminal and nothing changed.
	SetTerminal(ctx context.Context, notificationID, recipientID string, status domain.RecipientStatus) (bool, error)
	CountByStatus(ctx context.Context, notificationID string) (map[domain.RecipientStatus]int, error)
}

type GormRecipientResultStore struct {
	db *gorm.DB

	ensureMu sync.Mutex
	ensured  bool
}

func NewGormRecipientResultStore(db *gorm.DB) *GormRecipientResultStore {
	return &GormRecipientResultStore{db: db}
}

func (r *GormRecipientResultStore) EnsureTableExists(ctx context.Context) error {
	r.ensureMu.Lock()
	defer r.ensureMu.Unlock()

	if r.ensured {
		return nil
	}

	migrator := r.db.WithContext(ctx).Migrator()
	if !migrator.HasTable(&RecipientResultModel{}) {
		if err := migrator.CreateTable(&RecipientResultModel{}); err != nil {
			return fmt.Errorf("failed to create recipient results table: %w", err)
		}
	}
	r.ensured = true
	return nil
}

func (r *GormRecipientResultStore) GetOrCreatePending(ctx context.Context, notificationID, recipientID string) (*domain.RecipientResult, error) {
	now := time.Now().UTC()
	model := &RecipientResultModel{
		NotificationID: notificationID,
		RecipientID:    recipientID,
		Status:         domain.RecipientStatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(model).Error
	if err != nil {
		return nil, err
	}

	return r.Get(ctx, notificationID, recipientID)
}

func (r *GormRecipientResultStore) Get(ctx context.Context, notificationID, recipientID string) (*domain.RecipientResult, error) {
	var model RecipientResultModel
	err := r.db.WithContext(ctx).
		Where("notification_id = ? AND recipient_id = ?", notificationID, recipientID).
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return recipientResultModelToDomain(&model), nil
}

func (r *GormRecipientResultStore) SetTerminal(ctx context.Context, notificationID, recipientID string, status domain.RecipientStatus) (bool, error) {
	if !status.IsTerminal() {
		return false, fmt.Errorf("%w: %q is not a terminal outcome", domain.ErrValidation, status)
	}

	now := time.Now().UTC()
	result := r.db.WithContext(ctx).
		Model(&RecipientResultModel{}).
		Where("notification_id = ? AND recipient_id = ? AND status = ?", notificationID, recipientID, domain.RecipientStatusPending).
		Updates(map[string]any{
			"status":     status,
			"updated_at": now,
		})
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected == 1 {
		return false, nil
	}

	// No pending row: either it is already terminal or it was never created.
	result = r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&RecipientResultModel{
			NotificationID: notificationID,
			RecipientID:    recipientID,
			Status:         status,
			CreatedAt:      now,
			UpdatedAt:      now,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 0, nil
}

type statusCount struct {
	Status domain.RecipientStatus `gorm:"column:status"`
	Count  int                    `gorm:"column:count"`
}

func (r *GormRecipientResultStore) CountByStatus(ctx context.Context, notificationID string) (map[domain.RecipientStatus]int, error) {
	var rows []statusCount
	err := r.db.WithContext(ctx).
		Model(&RecipientResultModel{}).
		Select("status, COUNT(*) as count").
		Where("notification_id = ?", notificationID).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	counts := make(map[domain.RecipientStatus]int, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Count
	}
	return counts, nil
}

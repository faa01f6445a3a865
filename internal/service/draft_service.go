package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kursadbilgin/broadcast-engine/internal/domain"
	"github.com/kursadbilgin/broadcast-engine/internal/repository"
	"go.uber.org/zap"
)

const maxDraftPageSize = 100

// DraftService backs the authoring API: draft CRUD plus read access to sent notifications.
type DraftService struct {
	notifications repository.NotificationStore
	results       repository.RecipientResultStore
	logger        *zap.Logger
	now           func() time.Time
}

// SentStatus is a sent notification with its derived status and per-status recipient breakdown.
type SentStatus struct {
	Notification domain.Notification
	Status       domain.DeliveryStatus
	Breakdown    map[domain.RecipientStatus]int
}

func NewDraftService(
	notifications repository.NotificationStore,
	results repository.RecipientResultStore,
	logger *zap.Logger,
) (*DraftService, error) {
	if notifications == nil || results == nil {
		return nil, fmt.Errorf("notification and result stores are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &DraftService{
		notifications: notifications,
		results:       results,
		logger:        logger,
		now:           time.Now,
	}, nil
}

func (s *DraftService) CreateDraft(ctx context.Context, draft *domain.Notification) (*domain.Notification, error) {
	if err := prepareDraft(draft); err != nil {
		return nil, err
	}

	draft.ID = ""
	draft.CreatedDateTime = s.now().UTC()
	if err := s.notifications.CreateDraft(ctx, draft); err != nil {
		return nil, err
	}

	s.logger.Info("draft created", zap.String("draftId", draft.ID))
	return draft, nil
}

func (s *DraftService) UpdateDraft(ctx context.Context, id string, draft *domain.Notification) (*domain.Notification, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("%w: draft id is required", domain.ErrValidation)
	}
	if err := prepareDraft(draft); err != nil {
		return nil, err
	}

	draft.ID = id
	if err := s.notifications.UpdateDraft(ctx, draft); err != nil {
		return nil, err
	}
	return s.notifications.Get(ctx, domain.PartitionDraft, id)
}

// DeleteDraft removes a draft. A draft already promoted by the scheduler is reported as not found.
func (s *DraftService) DeleteDraft(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("%w: draft id is required", domain.ErrValidation)
	}
	return s.notifications.DeleteDraft(ctx, id)
}

func (s *DraftService) GetDraft(ctx context.Context, id string) (*domain.Notification, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("%w: draft id is required", domain.ErrValidation)
	}
	return s.notifications.Get(ctx, domain.PartitionDraft, id)
}

func (s *DraftService) ListDrafts(ctx context.Context, afterID string, limit int) ([]domain.Notification, error) {
	if limit < 1 || limit > maxDraftPageSize {
		limit = maxDraftPageSize
	}
	return s.notifications.GetDrafts(ctx, strings.TrimSpace(afterID), limit)
}

func (s *DraftService) GetSent(ctx context.Context, id string) (*SentStatus, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("%w: notification id is required", domain.ErrValidation)
	}

	notification, err := s.notifications.Get(ctx, domain.PartitionSent, id)
	if err != nil {
		return nil, err
	}

	breakdown, err := s.results.CountByStatus(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to count recipient results: %w", err)
	}

	return &SentStatus{
		Notification: *notification,
		Status:       notification.Status(s.now()),
		Breakdown:    breakdown,
	}, nil
}

func (s *DraftService) ListSent(ctx context.Context, params repository.ListParams) ([]domain.Notification, int64, error) {
	return s.notifications.ListSent(ctx, params)
}

func prepareDraft(n *domain.Notification) error {
	if n == nil {
		return fmt.Errorf("%w: draft is required", domain.ErrValidation)
	}

	n.Title = strings.TrimSpace(n.Title)
	n.Summary = strings.TrimSpace(n.Summary)
	n.Author = strings.TrimSpace(n.Author)
	n.ImageLink = strings.TrimSpace(n.ImageLink)
	n.ButtonTitle = strings.TrimSpace(n.ButtonTitle)
	n.ButtonLink = strings.TrimSpace(n.ButtonLink)
	if n.ScheduledDateTime != nil {
		scheduled := n.ScheduledDateTime.UTC()
		n.ScheduledDateTime = &scheduled
	}

	return n.Validate()
}

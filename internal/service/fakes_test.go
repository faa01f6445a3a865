package service

import (
	"context"
	"errors"
	"time"

	"github.com/kursadbilgin/broadcast-engine/internal/domain"
	"github.com/kursadbilgin/broadcast-engine/internal/provider"
	"github.com/kursadbilgin/broadcast-engine/internal/queue"
	"github.com/kursadbilgin/broadcast-engine/internal/repository"
)

type fakeNotificationStore struct {
	createDraftFn        func(ctx context.Context, n *domain.Notification) error
	updateDraftFn        func(ctx context.Context, n *domain.Notification) error
	deleteDraftFn        func(ctx context.Context, id string) error
	getDraftsFn          func(ctx context.Context, afterID string, limit int) ([]domain.Notification, error)
	getFn                func(ctx context.Context, partition domain.Partition, id string) (*domain.Notification, error)
	listSentFn           func(ctx context.Context, params repository.ListParams) ([]domain.Notification, int64, error)
	promoteDraftToSentFn func(ctx context.Context, draftID string, startedAt time.Time) (string, error)
	setRecipientTargetFn func(ctx context.Context, id string, total int) error
	updateCountersFn     func(ctx context.Context, id string, delta domain.CounterDelta, expectedVersion int64) error
	markCompleteFn       func(ctx context.Context, id string, at time.Time) (bool, error)
	markDispatchQueuedFn func(ctx context.Context, id string, at time.Time) error
	getUndispatchedFn    func(ctx context.Context, startedBefore time.Time, limit int) ([]domain.Notification, error)
	getStaleSendingFn    func(ctx context.Context, startedBefore time.Time, limit int) ([]domain.Notification, error)
}

func (f *fakeNotificationStore) CreateDraft(ctx context.Context, n *domain.Notification) error {
	if f.createDraftFn != nil {
		return f.createDraftFn(ctx, n)
	}
	return nil
}

func (f *fakeNotificationStore) UpdateDraft(ctx context.Context, n *domain.Notification) error {
	if f.updateDraftFn != nil {
		return f.updateDraftFn(ctx, n)
	}
	return nil
}

func (f *fakeNotificationStore) DeleteDraft(ctx context.Context, id string) error {
	if f.deleteDraftFn != nil {
		return f.deleteDraftFn(ctx, id)
	}
	return nil
}

func (f *fakeNotificationStore) GetDrafts(ctx context.Context, afterID string, limit int) ([]domain.Notification, error) {
	if f.getDraftsFn != nil {
		return f.getDraftsFn(ctx, afterID, limit)
	}
	return nil, nil
}

func (f *fakeNotificationStore) Get(ctx context.Context, partition domain.Partition, id string) (*domain.Notification, error) {
	if f.getFn != nil {
		return f.getFn(ctx, partition, id)
	}
	return nil, domain.ErrNotFound
}

func (f *fakeNotificationStore) ListSent(ctx context.Context, params repository.ListParams) ([]domain.Notification, int64, error) {
	if f.listSentFn != nil {
		return f.listSentFn(ctx, params)
	}
	return nil, 0, nil
}

func (f *fakeNotificationStore) PromoteDraftToSent(ctx context.Context, draftID string, startedAt time.Time) (string, error) {
	if f.promoteDraftToSentFn != nil {
		return f.promoteDraftToSentFn(ctx, draftID, startedAt)
	}
	return "", errors.New("not implemented")
}

func (f *fakeNotificationStore) SetRecipientTarget(ctx context.Context, id string, total int) error {
	if f.setRecipientTargetFn != nil {
		return f.setRecipientTargetFn(ctx, id, total)
	}
	return nil
}

func (f *fakeNotificationStore) UpdateCounters(ctx context.Context, id string, delta domain.CounterDelta, expectedVersion int64) error {
	if f.updateCountersFn != nil {
		return f.updateCountersFn(ctx, id, delta, expectedVersion)
	}
	return nil
}

func (f *fakeNotificationStore) MarkComplete(ctx context.Context, id string, at time.Time) (bool, error) {
	if f.markCompleteFn != nil {
		return f.markCompleteFn(ctx, id, at)
	}
	return true, nil
}

func (f *fakeNotificationStore) MarkDispatchQueued(ctx context.Context, id string, at time.Time) error {
	if f.markDispatchQueuedFn != nil {
		return f.markDispatchQueuedFn(ctx, id, at)
	}
	return nil
}

func (f *fakeNotificationStore) GetUndispatched(ctx context.Context, startedBefore time.Time, limit int) ([]domain.Notification, error) {
	if f.getUndispatchedFn != nil {
		return f.getUndispatchedFn(ctx, startedBefore, limit)
	}
	return nil, nil
}

func (f *fakeNotificationStore) GetStaleSending(ctx context.Context, startedBefore time.Time, limit int) ([]domain.Notification, error) {
	if f.getStaleSendingFn != nil {
		return f.getStaleSendingFn(ctx, startedBefore, limit)
	}
	return nil, nil
}

type fakeResultStore struct {
	ensureTableExistsFn  func(ctx context.Context) error
	getOrCreatePendingFn func(ctx context.Context, notificationID, recipientID string) (*domain.RecipientResult, error)
	getFn                func(ctx context.Context, notificationID, recipientID string) (*domain.RecipientResult, error)
	setTerminalFn        func(ctx context.Context, notificationID, recipientID string, status domain.RecipientStatus) (bool, error)
	countByStatusFn      func(ctx context.Context, notificationID string) (map[domain.RecipientStatus]int, error)
}

func (f *fakeResultStore) EnsureTableExists(ctx context.Context) error {
	if f.ensureTableExistsFn != nil {
		return f.ensureTableExistsFn(ctx)
	}
	return nil
}

func (f *fakeResultStore) GetOrCreatePending(ctx context.Context, notificationID, recipientID string) (*domain.RecipientResult, error) {
	if f.getOrCreatePendingFn != nil {
		return f.getOrCreatePendingFn(ctx, notificationID, recipientID)
	}
	return &domain.RecipientResult{
		NotificationID: notificationID,
		RecipientID:    recipientID,
		Status:         domain.RecipientStatusPending,
	}, nil
}

func (f *fakeResultStore) Get(ctx context.Context, notificationID, recipientID string) (*domain.RecipientResult, error) {
	if f.getFn != nil {
		return f.getFn(ctx, notificationID, recipientID)
	}
	return nil, domain.ErrNotFound
}

func (f *fakeResultStore) SetTerminal(ctx context.Context, notificationID, recipientID string, status domain.RecipientStatus) (bool, error) {
	if f.setTerminalFn != nil {
		return f.setTerminalFn(ctx, notificationID, recipientID, status)
	}
	return false, nil
}

func (f *fakeResultStore) CountByStatus(ctx context.Context, notificationID string) (map[domain.RecipientStatus]int, error) {
	if f.countByStatusFn != nil {
		return f.countByStatusFn(ctx, notificationID)
	}
	return map[domain.RecipientStatus]int{}, nil
}

// fakeTransactor runs fn directly against the given stores.
type fakeTransactor struct {
	stores repository.Stores
	calls  int
}

func (f *fakeTransactor) WithinTx(ctx context.Context, fn func(ctx context.Context, stores repository.Stores) error) error {
	f.calls++
	return fn(ctx, f.stores)
}

type fakeAttemptRepo struct {
	createFn         func(ctx context.Context, a *domain.DeliveryAttempt) error
	getByRecipientFn func(ctx context.Context, notificationID, recipientID string) ([]domain.DeliveryAttempt, error)
}

func (f *fakeAttemptRepo) Create(ctx context.Context, a *domain.DeliveryAttempt) error {
	if f.createFn != nil {
		return f.createFn(ctx, a)
	}
	return nil
}

func (f *fakeAttemptRepo) GetByRecipient(ctx context.Context, notificationID, recipientID string) ([]domain.DeliveryAttempt, error) {
	if f.getByRecipientFn != nil {
		return f.getByRecipientFn(ctx, notificationID, recipientID)
	}
	return nil, nil
}

type fakePublisher struct {
	sendFn        func(ctx context.Context, msg queue.Message) error
	sendDelayedFn func(ctx context.Context, msg queue.Message, delay time.Duration) error
}

func (f *fakePublisher) Send(ctx context.Context, msg queue.Message) error {
	if f.sendFn != nil {
		return f.sendFn(ctx, msg)
	}
	return nil
}

func (f *fakePublisher) SendDelayed(ctx context.Context, msg queue.Message, delay time.Duration) error {
	if f.sendDelayedFn != nil {
		return f.sendDelayedFn(ctx, msg, delay)
	}
	return nil
}

func (f *fakePublisher) Close() error {
	return nil
}

type fakeConsumer struct {
	consumeFn func(ctx context.Context, queueName string, handler queue.MessageHandler) error
}

func (f *fakeConsumer) Consume(ctx context.Context, queueName string, handler queue.MessageHandler) error {
	if f.consumeFn != nil {
		return f.consumeFn(ctx, queueName, handler)
	}
	<-ctx.Done()
	return nil
}

func (f *fakeConsumer) Close() error {
	return nil
}

type fakeProvider struct {
	sendFn func(ctx context.Context, notification domain.Notification, recipientID string) (*provider.ProviderResponse, error)
}

func (f *fakeProvider) Send(ctx context.Context, notification domain.Notification, recipientID string) (*provider.ProviderResponse, error) {
	if f.sendFn != nil {
		return f.sendFn(ctx, notification, recipientID)
	}
	return &provider.ProviderResponse{StatusCode: 202, MessageID: "activity-" + recipientID}, nil
}

type fakeRateLimiter struct {
	allowFn func(ctx context.Context, bucket string) (bool, error)
	waitFn  func(ctx context.Context, bucket string) error
}

func (f *fakeRateLimiter) Allow(ctx context.Context, bucket string) (bool, error) {
	if f.allowFn != nil {
		return f.allowFn(ctx, bucket)
	}
	return true, nil
}

func (f *fakeRateLimiter) Wait(ctx context.Context, bucket string) error {
	if f.waitFn != nil {
		return f.waitFn(ctx, bucket)
	}
	return nil
}

type fakeResolver struct {
	resolveFn func(ctx context.Context, audience domain.Audience) ([]string, error)
}

func (f *fakeResolver) Resolve(ctx context.Context, audience domain.Audience) ([]string, error) {
	if f.resolveFn != nil {
		return f.resolveFn(ctx, audience)
	}
	return nil, nil
}

func noSleep(context.Context, time.Duration) error { return nil }

func fixedNow(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kursadbilgin/broadcast-engine/internal/domain"
	"github.com/kursadbilgin/broadcast-engine/internal/queue"
	"github.com/kursadbilgin/broadcast-engine/internal/repository"
	"go.uber.org/zap"
)

func newTestAggregator(t *testing.T, notifications *fakeNotificationStore, results *fakeResultStore, cfg CompletionAggregatorConfig) (*CompletionAggregator, *fakeTransactor) {
	t.Helper()

	tx := &fakeTransactor{stores: repository.Stores{Notifications: notifications, Results: results}}
	aggregator, err := NewCompletionAggregator(notifications, tx, &fakeConsumer{}, cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("NewCompletionAggregator() error = %v", err)
	}
	aggregator.now = fixedNow(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	return aggregator, tx
}

func sentNotification(total, succeeded int) *domain.Notification {
	started := time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)
	return &domain.Notification{
		ID:                     "sent-1",
		Partition:              domain.PartitionSent,
		TotalRecipientCount:    total,
		SucceededCount:         succeeded,
		SendingStartedDateTime: &started,
		Version:                7,
	}
}

func TestNewCompletionAggregatorValidation(t *testing.T) {
	t.Parallel()

	if _, err := NewCompletionAggregator(nil, &fakeTransactor{}, &fakeConsumer{}, CompletionAggregatorConfig{}, nil); err == nil {
		t.Fatalf("NewCompletionAggregator() error = nil, want error for missing store")
	}
	if _, err := NewCompletionAggregator(&fakeNotificationStore{}, &fakeTransactor{}, nil, CompletionAggregatorConfig{}, nil); err == nil {
		t.Fatalf("NewCompletionAggregator() error = nil, want error for missing consumer")
	}

	aggregator, _ := newTestAggregator(t, &fakeNotificationStore{}, &fakeResultStore{}, CompletionAggregatorConfig{})
	if aggregator.cfg.MaxRetries != defaultCounterUpdateMaxRetries {
		t.Fatalf("maxRetries = %d, want %d", aggregator.cfg.MaxRetries, defaultCounterUpdateMaxRetries)
	}
}

func TestCompletionAggregatorForceComplete(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		completed bool
		markErr   error
		wantErr   bool
	}{
		{name: "completes open notification", completed: true},
		{name: "already complete is a no-op", completed: false},
		{name: "store error requeues", markErr: errors.New("db down"), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var markedID string
			notifications := &fakeNotificationStore{
				markCompleteFn: func(ctx context.Context, id string, at time.Time) (bool, error) {
					markedID = id
					return tt.completed, tt.markErr
				},
			}
			aggregator, tx := newTestAggregator(t, notifications, &fakeResultStore{}, CompletionAggregatorConfig{})

			err := aggregator.OnMessage(context.Background(), queue.NewForceCompleteMessage("sent-1"))
			if (err != nil) != tt.wantErr {
				t.Fatalf("OnMessage() error = %v, wantErr %v", err, tt.wantErr)
			}
			if markedID != "sent-1" {
				t.Fatalf("marked = %q, want sent-1", markedID)
			}
			if tx.calls != 0 {
				t.Fatalf("transactions = %d, want 0", tx.calls)
			}
		})
	}
}

func TestCompletionAggregatorRecordOutcome(t *testing.T) {
	t.Parallel()

	sentAt := time.Date(2026, 3, 1, 11, 30, 0, 0, time.UTC)
	tests := []struct {
		name          string
		notification  *domain.Notification
		outcome       domain.RecipientStatus
		wantDelta     domain.CounterDelta
		wantCompleted bool
	}{
		{
			name:         "counted, more outcomes pending",
			notification: sentNotification(3, 0),
			outcome:      domain.RecipientStatusSucceeded,
			wantDelta:    domain.CounterDelta{Succeeded: 1},
		},
		{
			name:          "last outcome completes",
			notification:  sentNotification(2, 1),
			outcome:       domain.RecipientStatusFailed,
			wantDelta:     domain.CounterDelta{Failed: 1},
			wantCompleted: true,
		},
		{
			name: "late outcome after force complete is counted only",
			notification: func() *domain.Notification {
				n := sentNotification(2, 1)
				n.SentDateTime = &sentAt
				return n
			}(),
			outcome:   domain.RecipientStatusUnknown,
			wantDelta: domain.CounterDelta{Unknown: 1},
		},
		{
			name:         "target not yet recorded never completes",
			notification: sentNotification(0, 0),
			outcome:      domain.RecipientStatusSucceeded,
			wantDelta:    domain.CounterDelta{Succeeded: 1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var gotDelta domain.CounterDelta
			var gotVersion int64
			completed := false
			notifications := &fakeNotificationStore{
				getFn: func(ctx context.Context, partition domain.Partition, id string) (*domain.Notification, error) {
					n := *tt.notification
					return &n, nil
				},
				updateCountersFn: func(ctx context.Context, id string, delta domain.CounterDelta, expectedVersion int64) error {
					gotDelta = delta
					gotVersion = expectedVersion
					return nil
				},
				markCompleteFn: func(ctx context.Context, id string, at time.Time) (bool, error) {
					completed = true
					return true, nil
				},
			}

			var terminal domain.RecipientStatus
			results := &fakeResultStore{
				setTerminalFn: func(ctx context.Context, notificationID, recipientID string, status domain.RecipientStatus) (bool, error) {
					terminal = status
					return false, nil
				},
			}

			aggregator, _ := newTestAggregator(t, notifications, results, CompletionAggregatorConfig{})
			msg := queue.DataMessage{NotificationID: "sent-1", RecipientID: "user-1", Outcome: tt.outcome}
			if err := aggregator.OnMessage(context.Background(), msg); err != nil {
				t.Fatalf("OnMessage() error = %v", err)
			}

			if terminal != tt.outcome {
				t.Fatalf("terminal status = %s, want %s", terminal, tt.outcome)
			}
			if gotDelta != tt.wantDelta {
				t.Fatalf("delta = %+v, want %+v", gotDelta, tt.wantDelta)
			}
			if gotVersion != tt.notification.Version {
				t.Fatalf("expected version = %d, want %d", gotVersion, tt.notification.Version)
			}
			if completed != tt.wantCompleted {
				t.Fatalf("completed = %v, want %v", completed, tt.wantCompleted)
			}
		})
	}
}

func TestCompletionAggregatorDiscardsDuplicateAndOrphanOutcomes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		getErr      error
		alreadyDone bool
	}{
		{name: "recipient already terminal", alreadyDone: true},
		{name: "notification missing", getErr: domain.ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			notifications := &fakeNotificationStore{
				getFn: func(ctx context.Context, partition domain.Partition, id string) (*domain.Notification, error) {
					if tt.getErr != nil {
						return nil, tt.getErr
					}
					return sentNotification(2, 0), nil
				},
				updateCountersFn: func(ctx context.Context, id string, delta domain.CounterDelta, expectedVersion int64) error {
					t.Fatalf("counters updated for a discarded outcome")
					return nil
				},
			}
			results := &fakeResultStore{
				setTerminalFn: func(ctx context.Context, notificationID, recipientID string, status domain.RecipientStatus) (bool, error) {
					return tt.alreadyDone, nil
				},
			}

			aggregator, _ := newTestAggregator(t, notifications, results, CompletionAggregatorConfig{})
			msg := queue.DataMessage{NotificationID: "sent-1", RecipientID: "user-1", Outcome: domain.RecipientStatusSucceeded}
			if err := aggregator.OnMessage(context.Background(), msg); err != nil {
				t.Fatalf("OnMessage() error = %v", err)
			}
		})
	}
}

func TestCompletionAggregatorRetriesOnConflict(t *testing.T) {
	t.Parallel()

	version := int64(1)
	updates := 0
	notifications := &fakeNotificationStore{
		getFn: func(ctx context.Context, partition domain.Partition, id string) (*domain.Notification, error) {
			n := sentNotification(5, 0)
			n.Version = version
			return n, nil
		},
		updateCountersFn: func(ctx context.Context, id string, delta domain.CounterDelta, expectedVersion int64) error {
			updates++
			if updates == 1 {
				// another aggregator won the first round
				version++
				return domain.ErrConflict
			}
			if expectedVersion != 2 {
				t.Fatalf("expected version = %d, want 2", expectedVersion)
			}
			return nil
		},
	}

	aggregator, tx := newTestAggregator(t, notifications, &fakeResultStore{}, CompletionAggregatorConfig{})
	msg := queue.DataMessage{NotificationID: "sent-1", RecipientID: "user-1", Outcome: domain.RecipientStatusSucceeded}
	if err := aggregator.OnMessage(context.Background(), msg); err != nil {
		t.Fatalf("OnMessage() error = %v", err)
	}
	if tx.calls != 2 {
		t.Fatalf("transactions = %d, want 2", tx.calls)
	}
}

func TestCompletionAggregatorGivesUpAfterMaxRetries(t *testing.T) {
	t.Parallel()

	notifications := &fakeNotificationStore{
		getFn: func(ctx context.Context, partition domain.Partition, id string) (*domain.Notification, error) {
			return sentNotification(5, 0), nil
		},
		updateCountersFn: func(ctx context.Context, id string, delta domain.CounterDelta, expectedVersion int64) error {
			return domain.ErrConflict
		},
	}

	aggregator, tx := newTestAggregator(t, notifications, &fakeResultStore{}, CompletionAggregatorConfig{MaxRetries: 3})
	msg := queue.DataMessage{NotificationID: "sent-1", RecipientID: "user-1", Outcome: domain.RecipientStatusSucceeded}
	err := aggregator.OnMessage(context.Background(), msg)
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("OnMessage() error = %v, want ErrConflict", err)
	}
	if tx.calls != 3 {
		t.Fatalf("transactions = %d, want 3", tx.calls)
	}
}

func TestCompletionAggregatorDropsInvalidOutcome(t *testing.T) {
	t.Parallel()

	aggregator, tx := newTestAggregator(t, &fakeNotificationStore{}, &fakeResultStore{}, CompletionAggregatorConfig{})
	msg := queue.DataMessage{NotificationID: "sent-1", RecipientID: "user-1", Outcome: domain.RecipientStatusPending}
	if err := aggregator.OnMessage(context.Background(), msg); err != nil {
		t.Fatalf("OnMessage() error = %v, want nil", err)
	}
	if tx.calls != 0 {
		t.Fatalf("transactions = %d, want 0", tx.calls)
	}
}

func TestCompletionAggregatorStartConsumesDataQueue(t *testing.T) {
	t.Parallel()

	var consumed string
	consumer := &fakeConsumer{
		consumeFn: func(ctx context.Context, queueName string, handler queue.MessageHandler) error {
			consumed = queueName
			return handler(ctx, queue.PrepareToSendMessage{NotificationID: "sent-1"})
		},
	}

	notifications := &fakeNotificationStore{}
	tx := &fakeTransactor{stores: repository.Stores{Notifications: notifications, Results: &fakeResultStore{}}}
	aggregator, err := NewCompletionAggregator(notifications, tx, consumer, CompletionAggregatorConfig{}, nil)
	if err != nil {
		t.Fatalf("NewCompletionAggregator() error = %v", err)
	}

	if err := aggregator.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if consumed != queue.DataQueue {
		t.Fatalf("queue = %q, want %q", consumed, queue.DataQueue)
	}
	if tx.calls != 0 {
		t.Fatalf("prepare message reached the aggregator")
	}
}

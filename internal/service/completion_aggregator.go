package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kursadbilgin/broadcast-engine/internal/domain"
	"github.com/kursadbilgin/broadcast-engine/internal/observability"
	"github.com/kursadbilgin/broadcast-engine/internal/queue"
	"github.com/kursadbilgin/broadcast-engine/internal/repository"
	"go.uber.org/zap"
)

const defaultCounterUpdateMaxRetries = 10

type applyResult int

const (
	applyCounted applyResult = iota
	applyCompleted
	applyDuplicate
	applyMissing
)

type CompletionAggregatorConfig struct {
	Concurrency  int
	MaxRetries   int
	StoreTimeout time.Duration
}

// CompletionAggregator folds recipient outcomes into notification counters and decides completion.
type CompletionAggregator struct {
	notifications repository.NotificationStore
	tx            repository.Transactor
	consumer      queue.Consumer
	logger        *zap.Logger
	metrics       *observability.Metrics
	cfg           CompletionAggregatorConfig
	now           func() time.Time
}

func NewCompletionAggregator(
	notifications repository.NotificationStore,
	tx repository.Transactor,
	consumer queue.Consumer,
	cfg CompletionAggregatorConfig,
	logger *zap.Logger,
) (*CompletionAggregator, error) {
	if notifications == nil || tx == nil {
		return nil, fmt.Errorf("notification store and transactor are required")
	}
	if consumer == nil {
		return nil, fmt.Errorf("consumer is required")
	}
	if cfg.Concurrency < minWorkerConcurrency {
		cfg.Concurrency = minWorkerConcurrency
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultCounterUpdateMaxRetries
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = defaultStoreTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &CompletionAggregator{
		notifications: notifications,
		tx:            tx,
		consumer:      consumer,
		logger:        logger,
		cfg:           cfg,
		now:           time.Now,
	}, nil
}

func (s *CompletionAggregator) SetMetrics(metrics *observability.Metrics) {
	if s == nil {
		return
	}
	s.metrics = metrics
}

// Start consumes the data queue until context cancellation.
func (s *CompletionAggregator) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	return runConsumers(ctx, s.consumer, queue.DataQueue, s.cfg.Concurrency, s.handleMessage, s.logger)
}

func (s *CompletionAggregator) handleMessage(ctx context.Context, msg queue.Message) error {
	data, ok := msg.(queue.DataMessage)
	if !ok {
		s.logger.Warn("unexpected message on data queue, dropping", zap.String("kind", string(msg.Kind())))
		return nil
	}
	return s.OnMessage(ctx, data)
}

// OnMessage applies one DataMessage. A returned error requeues the message.
func (s *CompletionAggregator) OnMessage(ctx context.Context, msg queue.DataMessage) error {
	ctx = observability.WithNotificationID(ctx, msg.NotificationID)

	if msg.ForceComplete {
		return s.forceComplete(ctx, msg.NotificationID)
	}
	return s.recordOutcome(ctx, msg)
}

func (s *CompletionAggregator) forceComplete(ctx context.Context, notificationID string) error {
	logger := observability.WithContextLogger(s.logger, ctx)

	var completed bool
	err := callWithTimeout(ctx, s.cfg.StoreTimeout, func(ctx context.Context) error {
		var err error
		completed, err = s.notifications.MarkComplete(ctx, notificationID, s.now().UTC())
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to force complete notification: %w", err)
	}

	if !completed {
		logger.Debug("force complete ignored, notification already complete")
		return nil
	}

	s.metrics.IncCompletion("forced")
	logger.Info("notification force completed")
	return nil
}

func (s *CompletionAggregator) recordOutcome(ctx context.Context, msg queue.DataMessage) error {
	logger := observability.WithContextLogger(s.logger, ctx).With(zap.String("recipientId", msg.RecipientID))

	delta, err := domain.DeltaFor(msg.Outcome)
	if err != nil {
		logger.Warn("dropping data message with invalid outcome", zap.Error(err))
		return nil
	}

	for attempt := 1; attempt <= s.cfg.MaxRetries; attempt++ {
		var result applyResult
		err := callWithTimeout(ctx, s.cfg.StoreTimeout, func(ctx context.Context) error {
			var err error
			result, err = s.applyOutcome(ctx, msg, delta)
			return err
		})
		if errors.Is(err, domain.ErrConflict) {
			s.metrics.IncCounterConflict()
			logger.Debug("counter version conflict, retrying", zap.Int("attempt", attempt))
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to apply recipient outcome: %w", err)
		}

		switch result {
		case applyDuplicate:
			s.metrics.IncDuplicateResult()
			logger.Debug("duplicate recipient outcome discarded")
		case applyMissing:
			logger.Warn("outcome for unknown sent notification discarded")
		case applyCompleted:
			s.metrics.IncRecipientOutcome(msg.Outcome.String())
			s.metrics.IncCompletion("natural")
			logger.Info("all recipient outcomes received, notification complete")
		default:
			s.metrics.IncRecipientOutcome(msg.Outcome.String())
		}
		return nil
	}

	return fmt.Errorf("counter update gave up after %d attempts: %w", s.cfg.MaxRetries, domain.ErrConflict)
}

// applyOutcome writes the recipient status and the counter increment in one transaction.
// domain.ErrConflict means the version moved and nothing was written.
func (s *CompletionAggregator) applyOutcome(ctx context.Context, msg queue.DataMessage, delta domain.CounterDelta) (applyResult, error) {
	result := applyCounted

	err := s.tx.WithinTx(ctx, func(ctx context.Context, stores repository.Stores) error {
		notification, err := stores.Notifications.Get(ctx, domain.PartitionSent, msg.NotificationID)
		if errors.Is(err, domain.ErrNotFound) {
			result = applyMissing
			return nil
		}
		if err != nil {
			return err
		}

		alreadyTerminal, err := stores.Results.SetTerminal(ctx, msg.NotificationID, msg.RecipientID, msg.Outcome)
		if err != nil {
			return err
		}
		if alreadyTerminal {
			result = applyDuplicate
			return nil
		}

		if err := stores.Notifications.UpdateCounters(ctx, notification.ID, delta, notification.Version); err != nil {
			return err
		}
		notification.Apply(delta)

		if notification.IsComplete() || !notification.AllResponsesReceived() {
			return nil
		}

		completed, err := stores.Notifications.MarkComplete(ctx, notification.ID, s.now().UTC())
		if err != nil {
			return err
		}
		if completed {
			result = applyCompleted
		}
		return nil
	})
	if err != nil {
		return applyCounted, err
	}
	return result, nil
}

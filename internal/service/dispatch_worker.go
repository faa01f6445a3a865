package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/kursadbilgin/broadcast-engine/internal/audience"
	"github.com/kursadbilgin/broadcast-engine/internal/domain"
	"github.com/kursadbilgin/broadcast-engine/internal/observability"
	"github.com/kursadbilgin/broadcast-engine/internal/provider"
	"github.com/kursadbilgin/broadcast-engine/internal/queue"
	"github.com/kursadbilgin/broadcast-engine/internal/ratelimit"
	"github.com/kursadbilgin/broadcast-engine/internal/repository"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	minWorkerConcurrency   = 1
	defaultSendConcurrency = 16
	defaultMaxSendAttempts = 3
	maxRetryDelay          = 30 * time.Second
	baseRetryDelay         = time.Second
	maxRetryJitterMillis   = 250
)

type DispatchWorkerConfig struct {
	// Concurrency is the number of prepare-queue consumers.
	Concurrency int
	// SendConcurrency bounds in-flight recipient sends per notification.
	SendConcurrency int
	// MaxSendAttempts bounds transient retries before a recipient is reported Unknown.
	MaxSendAttempts int
	StoreTimeout    time.Duration
}

type DispatchWorker struct {
	notifications repository.NotificationStore
	results       repository.RecipientResultStore
	attempts      repository.AttemptRepository
	resolver      audience.Resolver
	consumer      queue.Consumer
	publisher     queue.Publisher
	provider      provider.Provider
	rateLimiter   ratelimit.RateLimiter
	logger        *zap.Logger
	metrics       *observability.Metrics
	cfg           DispatchWorkerConfig
	now           func() time.Time
	randIntn      func(n int) int
	sleep         func(ctx context.Context, d time.Duration) error
}

func NewDispatchWorker(
	notifications repository.NotificationStore,
	results repository.RecipientResultStore,
	attempts repository.AttemptRepository,
	resolver audience.Resolver,
	consumer queue.Consumer,
	publisher queue.Publisher,
	provider provider.Provider,
	rateLimiter ratelimit.RateLimiter,
	cfg DispatchWorkerConfig,
	logger *zap.Logger,
) (*DispatchWorker, error) {
	if notifications == nil || results == nil || attempts == nil {
		return nil, fmt.Errorf("stores are required")
	}
	if resolver == nil || provider == nil || rateLimiter == nil {
		return nil, fmt.Errorf("resolver, provider and rate limiter are required")
	}
	if consumer == nil || publisher == nil {
		return nil, fmt.Errorf("consumer and publisher are required")
	}
	if cfg.Concurrency < minWorkerConcurrency {
		cfg.Concurrency = minWorkerConcurrency
	}
	if cfg.SendConcurrency <= 0 {
		cfg.SendConcurrency = defaultSendConcurrency
	}
	if cfg.MaxSendAttempts <= 0 {
		cfg.MaxSendAttempts = defaultMaxSendAttempts
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = defaultStoreTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &DispatchWorker{
		notifications: notifications,
		results:       results,
		attempts:      attempts,
		resolver:      resolver,
		consumer:      consumer,
		publisher:     publisher,
		provider:      provider,
		rateLimiter:   rateLimiter,
		logger:        logger,
		cfg:           cfg,
		now:           time.Now,
		randIntn:      rand.Intn,
		sleep:         sleepWithContext,
	}, nil
}

func (s *DispatchWorker) SetMetrics(metrics *observability.Metrics) {
	if s == nil {
		return
	}
	s.metrics = metrics
}

// Start consumes the prepare queue until context cancellation.
func (s *DispatchWorker) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	return runConsumers(ctx, s.consumer, queue.PrepareToSendQueue, s.cfg.Concurrency, s.handleMessage, s.logger)
}

func (s *DispatchWorker) handleMessage(ctx context.Context, msg queue.Message) error {
	prepare, ok := msg.(queue.PrepareToSendMessage)
	if !ok {
		s.logger.Warn("unexpected message on prepare queue, dropping", zap.String("kind", string(msg.Kind())))
		return nil
	}
	return s.Prepare(ctx, prepare)
}

// Prepare fans a sent notification out to every resolved recipient and emits one
// DataMessage per recipient. A returned error requeues the prepare message; recipients
// already terminal are skipped on redelivery.
func (s *DispatchWorker) Prepare(ctx context.Context, msg queue.PrepareToSendMessage) error {
	ctx = observability.WithNotificationID(ctx, msg.NotificationID)
	logger := observability.WithContextLogger(s.logger, ctx)

	var notification *domain.Notification
	err := callWithTimeout(ctx, s.cfg.StoreTimeout, func(ctx context.Context) error {
		var err error
		notification, err = s.notifications.Get(ctx, domain.PartitionSent, msg.NotificationID)
		return err
	})
	if errors.Is(err, domain.ErrNotFound) {
		logger.Warn("sent notification not found, dropping prepare message")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load notification: %w", err)
	}
	if notification.IsComplete() {
		logger.Info("notification already complete, skipping fan-out")
		return nil
	}

	recipients, err := s.resolver.Resolve(ctx, notification.Audience)
	if err != nil {
		if !errors.Is(err, domain.ErrValidation) {
			return fmt.Errorf("failed to resolve audience: %w", err)
		}
		logger.Warn("audience cannot be resolved, treating as empty", zap.Error(err))
		recipients = nil
	}

	err = callWithTimeout(ctx, s.cfg.StoreTimeout, func(ctx context.Context) error {
		return s.notifications.SetRecipientTarget(ctx, notification.ID, len(recipients))
	})
	if err != nil {
		return fmt.Errorf("failed to record recipient target: %w", err)
	}

	if len(recipients) == 0 {
		var completed bool
		err := callWithTimeout(ctx, s.cfg.StoreTimeout, func(ctx context.Context) error {
			var err error
			completed, err = s.notifications.MarkComplete(ctx, notification.ID, s.now().UTC())
			return err
		})
		if err != nil {
			return fmt.Errorf("failed to complete empty notification: %w", err)
		}
		if completed {
			s.metrics.IncCompletion("empty")
			logger.Info("audience resolved to no recipients, notification complete")
		}
		return nil
	}

	logger.Info("fanning out notification", zap.Int("recipients", len(recipients)))

	g, groupCtx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.SendConcurrency)
	for _, recipientID := range recipients {
		g.Go(func() error {
			return s.deliver(groupCtx, *notification, recipientID)
		})
	}

	return g.Wait()
}

func (s *DispatchWorker) deliver(ctx context.Context, notification domain.Notification, recipientID string) error {
	var result *domain.RecipientResult
	err := callWithTimeout(ctx, s.cfg.StoreTimeout, func(ctx context.Context) error {
		var err error
		result, err = s.results.GetOrCreatePending(ctx, notification.ID, recipientID)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to create pending result for %s: %w", recipientID, err)
	}
	if result.Status.IsTerminal() {
		return nil
	}

	outcome, err := s.priorOutcome(ctx, notification.ID, recipientID)
	if err != nil {
		return err
	}
	if outcome == "" {
		outcome, err = s.send(ctx, notification, recipientID)
		if err != nil {
			return err
		}
	}

	err = callWithTimeout(ctx, s.cfg.StoreTimeout, func(ctx context.Context) error {
		return s.publisher.Send(ctx, queue.DataMessage{
			NotificationID: notification.ID,
			RecipientID:    recipientID,
			Outcome:        outcome,
		})
	})
	if err != nil {
		s.metrics.IncQueuePublishFailure(queue.DataQueue)
		return fmt.Errorf("failed to enqueue outcome for %s: %w", recipientID, err)
	}
	return nil
}

// priorOutcome reports Succeeded when an earlier delivery of this prepare message already
// reached the recipient but its outcome was not yet folded in.
func (s *DispatchWorker) priorOutcome(ctx context.Context, notificationID, recipientID string) (domain.RecipientStatus, error) {
	var attempts []domain.DeliveryAttempt
	err := callWithTimeout(ctx, s.cfg.StoreTimeout, func(ctx context.Context) error {
		var err error
		attempts, err = s.attempts.GetByRecipient(ctx, notificationID, recipientID)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("failed to load delivery attempts for %s: %w", recipientID, err)
	}

	for _, attempt := range attempts {
		if attempt.Error == nil && attempt.StatusCode != nil && *attempt.StatusCode < 300 {
			return domain.RecipientStatusSucceeded, nil
		}
	}
	return "", nil
}

// send delivers to one recipient and classifies the result. Transient failures are
// retried up to MaxSendAttempts and then reported as Unknown.
func (s *DispatchWorker) send(ctx context.Context, notification domain.Notification, recipientID string) (domain.RecipientStatus, error) {
	for attempt := 1; ; attempt++ {
		if err := s.rateLimiter.Wait(ctx, ratelimit.DefaultBucket); err != nil {
			return "", fmt.Errorf("rate limiter wait failed: %w", err)
		}

		s.metrics.IncDispatchInFlight()
		sendStart := s.now()
		providerResp, sendErr := s.provider.Send(ctx, notification, recipientID)
		s.metrics.ObserveDispatchSendDuration(s.now().Sub(sendStart))
		s.metrics.DecDispatchInFlight()

		s.recordAttempt(ctx, notification.ID, recipientID, providerResp, sendErr)

		if sendErr == nil {
			return domain.RecipientStatusSucceeded, nil
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if !provider.IsTransient(sendErr) {
			s.logger.Info("recipient delivery failed permanently",
				zap.String("notificationId", notification.ID),
				zap.String("recipientId", recipientID),
				zap.Error(sendErr),
			)
			return domain.RecipientStatusFailed, nil
		}
		if attempt >= s.cfg.MaxSendAttempts {
			s.logger.Warn("recipient delivery outcome unknown after retries",
				zap.String("notificationId", notification.ID),
				zap.String("recipientId", recipientID),
				zap.Int("attempts", attempt),
				zap.Error(sendErr),
			)
			return domain.RecipientStatusUnknown, nil
		}

		delay := s.computeRetryDelay(attempt)
		if hint := provider.RetryAfter(sendErr); hint > delay {
			delay = min(hint, maxRetryDelay)
		}
		if err := s.sleep(ctx, delay); err != nil {
			return "", err
		}
	}
}

func (s *DispatchWorker) computeRetryDelay(attemptNumber int) time.Duration {
	if attemptNumber < 1 {
		attemptNumber = 1
	}

	delay := baseRetryDelay
	for i := 1; i < attemptNumber; i++ {
		delay *= 2
		if delay >= maxRetryDelay {
			delay = maxRetryDelay
			break
		}
	}

	jitterMillis := 0
	if s.randIntn != nil && maxRetryJitterMillis > 0 {
		jitterMillis = s.randIntn(maxRetryJitterMillis + 1)
	}

	return delay + time.Duration(jitterMillis)*time.Millisecond
}

// recordAttempt writes the audit row. A failed write is logged and does not fail the send.
func (s *DispatchWorker) recordAttempt(
	ctx context.Context,
	notificationID string,
	recipientID string,
	providerResp *provider.ProviderResponse,
	sendErr error,
) {
	var statusCode *int
	var responseBody *string
	var attemptErr *string

	if providerResp != nil {
		if providerResp.StatusCode > 0 {
			value := providerResp.StatusCode
			statusCode = &value
		}
		if body := strings.TrimSpace(providerResp.Body); body != "" {
			value := providerResp.Body
			responseBody = &value
		}
	}

	if sendErr != nil {
		value := sendErr.Error()
		attemptErr = &value

		var deliveryErr *provider.DeliveryError
		if errors.As(sendErr, &deliveryErr) && deliveryErr.StatusCode > 0 && statusCode == nil {
			value := deliveryErr.StatusCode
			statusCode = &value
		}
	}

	attempt := &domain.DeliveryAttempt{
		NotificationID: notificationID,
		RecipientID:    recipientID,
		StatusCode:     statusCode,
		ResponseBody:   responseBody,
		Error:          attemptErr,
		CreatedAt:      s.now().UTC(),
	}

	err := callWithTimeout(ctx, s.cfg.StoreTimeout, func(ctx context.Context) error {
		return s.attempts.Create(ctx, attempt)
	})
	if err != nil {
		s.logger.Warn("failed to record delivery attempt",
			zap.String("notificationId", notificationID),
			zap.String("recipientId", recipientID),
			zap.Error(err),
		)
	}
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

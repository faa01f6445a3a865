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
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const (
	DefaultSchedulerCron      = "0 */5 * * * *"
	DefaultForceCompleteDelay = 24 * time.Hour
	defaultReconcileGrace     = 15 * time.Minute
	defaultDraftPageSize      = 100
	defaultReconcileLimit     = 100
)

var schedulerParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

type SendSchedulerConfig struct {
	CronSpec           string
	ForceCompleteDelay time.Duration
	// ReconcileGrace is how long a promoted notification may stay undispatched
	// before the sweep re-enqueues it.
	ReconcileGrace time.Duration
	StoreTimeout   time.Duration
	PageSize       int
	ReconcileLimit int
}

// SendScheduler promotes due drafts on a cron trigger and kicks off their delivery.
type SendScheduler struct {
	notifications repository.NotificationStore
	results       repository.RecipientResultStore
	publisher     queue.Publisher
	logger        *zap.Logger
	metrics       *observability.Metrics
	cfg           SendSchedulerConfig
	now           func() time.Time
}

func NewSendScheduler(
	notifications repository.NotificationStore,
	results repository.RecipientResultStore,
	publisher queue.Publisher,
	cfg SendSchedulerConfig,
	logger *zap.Logger,
) (*SendScheduler, error) {
	if notifications == nil || results == nil || publisher == nil {
		return nil, fmt.Errorf("notification store, result store and publisher are required")
	}
	if cfg.CronSpec == "" {
		cfg.CronSpec = DefaultSchedulerCron
	}
	if _, err := schedulerParser.Parse(cfg.CronSpec); err != nil {
		return nil, fmt.Errorf("invalid scheduler cron %q: %w", cfg.CronSpec, err)
	}
	if cfg.ForceCompleteDelay <= 0 {
		cfg.ForceCompleteDelay = DefaultForceCompleteDelay
	}
	if cfg.ReconcileGrace <= 0 {
		cfg.ReconcileGrace = defaultReconcileGrace
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = defaultStoreTimeout
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultDraftPageSize
	}
	if cfg.ReconcileLimit <= 0 {
		cfg.ReconcileLimit = defaultReconcileLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &SendScheduler{
		notifications: notifications,
		results:       results,
		publisher:     publisher,
		logger:        logger,
		cfg:           cfg,
		now:           time.Now,
	}, nil
}

func (s *SendScheduler) SetMetrics(metrics *observability.Metrics) {
	if s == nil {
		return
	}
	s.metrics = metrics
}

// Start runs one tick immediately, then on every cron firing until ctx is cancelled.
// A firing is skipped while the previous tick is still running.
func (s *SendScheduler) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	cronLogger := observability.NewCronLogger(s.logger)
	c := cron.New(
		cron.WithParser(schedulerParser),
		cron.WithLocation(time.UTC),
		cron.WithLogger(cronLogger),
		cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
	)
	if _, err := c.AddFunc(s.cfg.CronSpec, func() { s.runTick(ctx) }); err != nil {
		return fmt.Errorf("failed to register scheduler tick: %w", err)
	}

	s.runTick(ctx)

	c.Start()
	s.logger.Info("send scheduler started", zap.String("cron", s.cfg.CronSpec))

	<-ctx.Done()
	<-c.Stop().Done()

	s.logger.Info("send scheduler stopped")
	return nil
}

func (s *SendScheduler) runTick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if err := s.Tick(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("scheduler tick failed", zap.Error(err))
	}
}

// Tick scans every draft, promotes the due ones and then runs the reconciliation sweep.
// Per-draft failures are logged and left for the next tick.
func (s *SendScheduler) Tick(ctx context.Context) error {
	afterID := ""
	for {
		var drafts []domain.Notification
		err := callWithTimeout(ctx, s.cfg.StoreTimeout, func(ctx context.Context) error {
			var err error
			drafts, err = s.notifications.GetDrafts(ctx, afterID, s.cfg.PageSize)
			return err
		})
		if err != nil {
			return fmt.Errorf("failed to list drafts: %w", err)
		}

		for i := range drafts {
			if err := ctx.Err(); err != nil {
				return err
			}
			s.processDraft(ctx, drafts[i].ID)
		}

		if len(drafts) < s.cfg.PageSize {
			break
		}
		afterID = drafts[len(drafts)-1].ID
	}

	s.reconcile(ctx)
	return nil
}

func (s *SendScheduler) processDraft(ctx context.Context, draftID string) {
	logger := s.logger.With(zap.String("draftId", draftID))

	// The listing may be stale; another tick can have promoted the draft since.
	var draft *domain.Notification
	err := callWithTimeout(ctx, s.cfg.StoreTimeout, func(ctx context.Context) error {
		var err error
		draft, err = s.notifications.Get(ctx, domain.PartitionDraft, draftID)
		return err
	})
	if errors.Is(err, domain.ErrNotFound) {
		logger.Debug("draft no longer exists, skipping")
		return
	}
	if err != nil {
		logger.Warn("failed to re-read draft", zap.Error(err))
		return
	}

	startedAt := s.now().UTC()
	if !draft.IsDue(startedAt) {
		return
	}

	var sentID string
	err = callWithTimeout(ctx, s.cfg.StoreTimeout, func(ctx context.Context) error {
		var err error
		sentID, err = s.notifications.PromoteDraftToSent(ctx, draftID, startedAt)
		return err
	})
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			logger.Info("draft claimed by a concurrent tick")
			return
		}
		s.metrics.IncPromotionFailure()
		logger.Warn("failed to promote draft", zap.Error(err))
		return
	}

	s.metrics.IncDraftPromoted()
	logger.Info("draft promoted", zap.String("notificationId", sentID))

	s.dispatch(ctx, sentID, s.cfg.ForceCompleteDelay)
}

// dispatch enqueues the prepare message and the delayed force-complete message for a
// sent notification and records that both were accepted by the queue.
func (s *SendScheduler) dispatch(ctx context.Context, notificationID string, forceCompleteDelay time.Duration) bool {
	ctx = observability.WithNotificationID(ctx, notificationID)
	logger := observability.WithContextLogger(s.logger, ctx)

	if err := callWithTimeout(ctx, s.cfg.StoreTimeout, s.results.EnsureTableExists); err != nil {
		logger.Error("failed to ensure recipient result table", zap.Error(err))
		return false
	}

	queued := true
	err := callWithTimeout(ctx, s.cfg.StoreTimeout, func(ctx context.Context) error {
		return s.publisher.Send(ctx, queue.PrepareToSendMessage{NotificationID: notificationID})
	})
	if err != nil {
		queued = false
		s.metrics.IncQueuePublishFailure(queue.PrepareToSendQueue)
		logger.Error("failed to enqueue prepare message", zap.Error(err))
	}

	err = callWithTimeout(ctx, s.cfg.StoreTimeout, func(ctx context.Context) error {
		return s.publisher.SendDelayed(ctx, queue.NewForceCompleteMessage(notificationID), forceCompleteDelay)
	})
	if err != nil {
		queued = false
		s.metrics.IncQueuePublishFailure(queue.DataQueue)
		logger.Error("failed to enqueue force complete message", zap.Error(err))
	}

	if !queued {
		return false
	}

	err = callWithTimeout(ctx, s.cfg.StoreTimeout, func(ctx context.Context) error {
		return s.notifications.MarkDispatchQueued(ctx, notificationID, s.now().UTC())
	})
	if err != nil {
		// Both messages are out; the sweep may enqueue them again, which consumers absorb.
		logger.Warn("failed to mark notification dispatched", zap.Error(err))
	}
	return true
}

// remainingDeadline is what is left of the force-complete window of a promoted
// notification. Anything shorter than the reconcile grace is delivered
// immediately: RabbitMQ only expires the head of delay.data, so a short TTL
// would wait behind the full-length deadlines queued ahead of it.
func (s *SendScheduler) remainingDeadline(n domain.Notification, now time.Time) time.Duration {
	if n.SendingStartedDateTime == nil {
		return s.cfg.ForceCompleteDelay
	}
	remaining := n.SendingStartedDateTime.Add(s.cfg.ForceCompleteDelay).Sub(now)
	if remaining < s.cfg.ReconcileGrace {
		return 0
	}
	return remaining
}

// reconcile repairs sent notifications a crashed or failed tick left behind. It never promotes.
func (s *SendScheduler) reconcile(ctx context.Context) {
	now := s.now().UTC()

	var undispatched []domain.Notification
	err := callWithTimeout(ctx, s.cfg.StoreTimeout, func(ctx context.Context) error {
		var err error
		undispatched, err = s.notifications.GetUndispatched(ctx, now.Add(-s.cfg.ReconcileGrace), s.cfg.ReconcileLimit)
		return err
	})
	if err != nil {
		s.logger.Warn("failed to list undispatched notifications", zap.Error(err))
	}

	for i := range undispatched {
		n := undispatched[i]
		if s.dispatch(ctx, n.ID, s.remainingDeadline(n, now)) {
			s.metrics.IncReconciled("requeued")
			s.logger.Info("re-enqueued undispatched notification", zap.String("notificationId", n.ID))
		}
	}

	var stale []domain.Notification
	err = callWithTimeout(ctx, s.cfg.StoreTimeout, func(ctx context.Context) error {
		var err error
		stale, err = s.notifications.GetStaleSending(ctx, now.Add(-s.cfg.ForceCompleteDelay-s.cfg.ReconcileGrace), s.cfg.ReconcileLimit)
		return err
	})
	if err != nil {
		s.logger.Warn("failed to list stale notifications", zap.Error(err))
		return
	}

	for i := range stale {
		id := stale[i].ID
		var completed bool
		err := callWithTimeout(ctx, s.cfg.StoreTimeout, func(ctx context.Context) error {
			var err error
			completed, err = s.notifications.MarkComplete(ctx, id, now)
			return err
		})
		if err != nil {
			s.logger.Warn("failed to complete stale notification", zap.String("notificationId", id), zap.Error(err))
			continue
		}
		if completed {
			s.metrics.IncReconciled("completed")
			s.metrics.IncCompletion("reconciled")
			s.logger.Warn("completed notification past its force complete deadline", zap.String("notificationId", id))
		}
	}
}

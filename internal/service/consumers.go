package service

import (
	"context"

	"github.com/kursadbilgin/broadcast-engine/internal/queue"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// runConsumers runs concurrency consumers of one queue and returns when all have stopped.
func runConsumers(
	ctx context.Context,
	consumer queue.Consumer,
	queueName string,
	concurrency int,
	handler queue.MessageHandler,
	logger *zap.Logger,
) error {
	if concurrency < minWorkerConcurrency {
		concurrency = minWorkerConcurrency
	}

	g, groupCtx := errgroup.WithContext(ctx)
	for i := 0; i < concurrency; i++ {
		workerID := i + 1

		g.Go(func() error {
			logger.Info("consumer started",
				zap.Int("workerId", workerID),
				zap.String("queue", queueName),
			)

			err := consumer.Consume(groupCtx, queueName, handler)
			if err != nil {
				logger.Error("consumer stopped with error",
					zap.Int("workerId", workerID),
					zap.String("queue", queueName),
					zap.Error(err),
				)
				return err
			}

			logger.Info("consumer stopped",
				zap.Int("workerId", workerID),
				zap.String("queue", queueName),
			)
			return nil
		})
	}

	return g.Wait()
}

package queue

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// disposition is how a delivery is settled with the broker.
type disposition int

const (
	dispositionAck disposition = iota
	// dispositionRequeue returns the delivery to the queue for another attempt.
	dispositionRequeue
	// dispositionReject dead-letters the delivery into dlq.<queue>.
	dispositionReject
)

func (d disposition) String() string {
	switch d {
	case dispositionAck:
		return "ack"
	case dispositionRequeue:
		return "requeue"
	case dispositionReject:
		return "reject"
	}
	return "unknown"
}

// RabbitMQConsumer runs handlers over a work queue with manual acknowledgement.
type RabbitMQConsumer struct {
	client   *RabbitMQ
	prefetch int
	logger   *zap.Logger
}

func NewRabbitMQConsumer(client *RabbitMQ, prefetch int, logger *zap.Logger) *RabbitMQConsumer {
	if prefetch < 1 {
		prefetch = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RabbitMQConsumer{
		client:   client,
		prefetch: prefetch,
		logger:   logger,
	}
}

// Consume blocks until ctx is canceled, resubscribing with backoff whenever the
// channel or connection drops.
func (c *RabbitMQConsumer) Consume(ctx context.Context, queue string, handler MessageHandler) error {
	if c == nil || c.client == nil {
		return fmt.Errorf("consumer is not initialized")
	}
	if queue == "" {
		return fmt.Errorf("queue name is required")
	}
	if handler == nil {
		return fmt.Errorf("message handler is required")
	}

	b := newBackoff()
	for {
		err := c.subscribe(ctx, queue, handler, b)
		if ctx.Err() != nil {
			return nil
		}

		c.logger.Warn("consumer disconnected, resubscribing",
			zap.String("queue", queue),
			zap.Duration("backoff", b.peek()),
			zap.Error(err),
		)
		if b.wait(ctx) != nil {
			return nil
		}
	}
}

func (c *RabbitMQConsumer) subscribe(ctx context.Context, queue string, handler MessageHandler, b *backoff) error {
	ch, err := c.client.channel(ctx)
	if err != nil {
		return err
	}
	defer ch.Close() //nolint:errcheck // best-effort channel close

	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		return fmt.Errorf("failed to set qos: %w", err)
	}

	deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to consume queue %q: %w", queue, err)
	}
	b.reset()

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("delivery channel closed")
			}
			if err := settle(d, c.process(ctx, queue, d.Body, handler)); err != nil {
				return err
			}
		}
	}
}

// process decodes a delivery body and runs the handler over it. Undecodable
// payloads are rejected, handler errors and panics requeue.
func (c *RabbitMQConsumer) process(ctx context.Context, queue string, body []byte, handler MessageHandler) disposition {
	msg, err := Decode(body)
	if err != nil {
		c.logger.Warn("rejecting undecodable message",
			zap.String("queue", queue),
			zap.Error(err),
		)
		return dispositionReject
	}

	if err := invoke(ctx, msg, handler); err != nil {
		c.logger.Warn("handler failed, requeueing message",
			zap.String("queue", queue),
			zap.String("kind", string(msg.Kind())),
			zap.String("messageId", msg.messageID()),
			zap.Error(err),
		)
		return dispositionRequeue
	}
	return dispositionAck
}

func invoke(ctx context.Context, msg Message, handler MessageHandler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, msg)
}

func settle(d amqp.Delivery, disp disposition) error {
	var err error
	switch disp {
	case dispositionAck:
		err = d.Ack(false)
	case dispositionRequeue:
		err = d.Nack(false, true)
	default:
		err = d.Reject(false)
	}
	if err != nil {
		return fmt.Errorf("failed to %s delivery: %w", disp, err)
	}
	return nil
}

func (c *RabbitMQConsumer) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}

package queue

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

type RabbitMQPublisher struct {
	client *RabbitMQ
}

func NewRabbitMQPublisher(client *RabbitMQ) *RabbitMQPublisher {
	return &RabbitMQPublisher{client: client}
}

// Send publishes a message for immediate delivery on the queue of its kind.
func (p *RabbitMQPublisher) Send(ctx context.Context, msg Message) error {
	queueName, publishing, err := p.prepare(msg)
	if err != nil {
		return err
	}
	return p.publish(ctx, queueName, publishing)
}

// SendDelayed parks a message in the delay queue of its kind; RabbitMQ dead-letters it
// into the work queue once the per-message TTL expires.
func (p *RabbitMQPublisher) SendDelayed(ctx context.Context, msg Message, delay time.Duration) error {
	queueName, publishing, err := p.prepare(msg)
	if err != nil {
		return err
	}
	if delay <= 0 {
		return p.publish(ctx, queueName, publishing)
	}

	publishing.Expiration = DelayExpiration(delay)
	return p.publish(ctx, DelayQueueName(queueName), publishing)
}

func (p *RabbitMQPublisher) prepare(msg Message) (string, amqp.Publishing, error) {
	if p == nil || p.client == nil {
		return "", amqp.Publishing{}, fmt.Errorf("publisher is not initialized")
	}
	if msg == nil {
		return "", amqp.Publishing{}, fmt.Errorf("message is required")
	}

	queueName, err := QueueFor(msg.Kind())
	if err != nil {
		return "", amqp.Publishing{}, err
	}

	payload, err := Encode(msg)
	if err != nil {
		return "", amqp.Publishing{}, err
	}

	return queueName, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		MessageId:    msg.messageID(),
		Type:         string(msg.Kind()),
		Body:         payload,
	}, nil
}

func (p *RabbitMQPublisher) publish(ctx context.Context, queueName string, publishing amqp.Publishing) error {
	ch, err := p.client.channel(ctx)
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := ch.PublishWithContext(ctx, "", queueName, false, false, publishing); err != nil {
		return fmt.Errorf("failed to publish message to queue %q: %w", queueName, err)
	}

	return nil
}

func (p *RabbitMQPublisher) Close() error {
	if p == nil || p.client == nil {
		return nil
	}
	return p.client.Close()
}

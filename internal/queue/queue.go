package queue

import (
	"context"
	"fmt"
	"time"
)

// Publisher puts messages on the work queues.
type Publisher interface {
	Send(ctx context.Context, msg Message) error
	SendDelayed(ctx context.Context, msg Message, delay time.Duration) error
	Close() error
}

// MessageHandler handles a consumed queue message. A non-nil error requeues the delivery.
type MessageHandler func(ctx context.Context, msg Message) error

// Consumer consumes messages from a work queue.
type Consumer interface {
	Consume(ctx context.Context, queue string, handler MessageHandler) error
	Close() error
}

const (
	PrepareToSendQueue = "prepare-to-send"
	DataQueue          = "data"
)

var workQueues = []string{PrepareToSendQueue, DataQueue}

// QueueFor returns the work queue a message kind is routed to.
func QueueFor(kind Kind) (string, error) {
	switch kind {
	case KindPrepareToSend:
		return PrepareToSendQueue, nil
	case KindData:
		return DataQueue, nil
	}
	return "", fmt.Errorf("no queue for message kind %q", kind)
}

// DLQName returns the dead-letter queue name for a work queue, e.g. dlq.data.
func DLQName(queue string) string {
	return fmt.Sprintf("dlq.%s", queue)
}

// DelayQueueName returns the holding queue whose expired messages are dead-lettered
// into the work queue, e.g. delay.data.
func DelayQueueName(queue string) string {
	return fmt.Sprintf("delay.%s", queue)
}

// WorkQueueNames returns all work queues.
func WorkQueueNames() []string {
	return append([]string(nil), workQueues...)
}

// DLQNames returns all dead-letter queues.
func DLQNames() []string {
	queues := make([]string, 0, len(workQueues))
	for _, queue := range workQueues {
		queues = append(queues, DLQName(queue))
	}
	return queues
}

// DelayExpiration renders a delay as an AMQP per-message TTL in milliseconds.
func DelayExpiration(delay time.Duration) string {
	if delay < 0 {
		delay = 0
	}
	return fmt.Sprintf("%d", delay.Milliseconds())
}

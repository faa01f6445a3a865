package queue

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	dlxExchangeName = "broadcast.dlx"
	dialTimeout     = 15 * time.Second
)

// queueSpec describes one durable queue of the broadcast topology.
type queueSpec struct {
	name string
	args amqp.Table
	// bindDLX binds the queue to the dead-letter exchange under routingKey.
	bindDLX    bool
	routingKey string
}

// topology lists every queue the pipeline relies on. Each work queue gets a
// dead-letter queue fed through broadcast.dlx and a delay queue whose expired
// messages go back to the work queue through the default exchange.
func topology() []queueSpec {
	specs := make([]queueSpec, 0, len(workQueues)*3)
	for _, work := range workQueues {
		specs = append(specs,
			queueSpec{name: DLQName(work), bindDLX: true, routingKey: work},
			queueSpec{name: work, args: amqp.Table{
				"x-dead-letter-exchange":    dlxExchangeName,
				"x-dead-letter-routing-key": work,
			}},
			queueSpec{name: DelayQueueName(work), args: amqp.Table{
				"x-dead-letter-exchange":    "",
				"x-dead-letter-routing-key": work,
			}},
		)
	}
	return specs
}

// RabbitMQ owns the broker connection shared by the publisher and consumers.
// The connection is redialed lazily and the topology is declared once per
// connection.
type RabbitMQ struct {
	url string

	mu     sync.Mutex
	conn   *amqp.Connection
	dialMu sync.Mutex
}

func NewRabbitMQ(url string) (*RabbitMQ, error) {
	if strings.TrimSpace(url) == "" {
		return nil, fmt.Errorf("rabbitmq url is required")
	}

	broker := &RabbitMQ{url: url}

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()

	if _, err := broker.connection(ctx); err != nil {
		return nil, err
	}
	return broker, nil
}

func (r *RabbitMQ) Close() error {
	r.mu.Lock()
	conn := r.conn
	r.conn = nil
	r.mu.Unlock()

	if conn == nil || conn.IsClosed() {
		return nil
	}
	return conn.Close()
}

// Ping reports whether the broker connection is currently open.
func (r *RabbitMQ) Ping(context.Context) error {
	if r.current() == nil {
		return fmt.Errorf("rabbitmq connection is closed")
	}
	return nil
}

func (r *RabbitMQ) current() *amqp.Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil || r.conn.IsClosed() {
		return nil
	}
	return r.conn
}

// channel opens a channel, redialing once if the connection went away between
// the liveness check and the open.
func (r *RabbitMQ) channel(ctx context.Context) (*amqp.Channel, error) {
	for attempt := 0; attempt < 2; attempt++ {
		conn, err := r.connection(ctx)
		if err != nil {
			return nil, err
		}

		ch, err := conn.Channel()
		if err == nil {
			return ch, nil
		}
		if attempt == 1 {
			return nil, fmt.Errorf("failed to open rabbitmq channel: %w", err)
		}
		_ = conn.Close()
	}
	return nil, fmt.Errorf("failed to open rabbitmq channel")
}

func (r *RabbitMQ) connection(ctx context.Context) (*amqp.Connection, error) {
	if conn := r.current(); conn != nil {
		return conn, nil
	}

	r.dialMu.Lock()
	defer r.dialMu.Unlock()

	if conn := r.current(); conn != nil {
		return conn, nil
	}

	b := newBackoff()
	for {
		conn, err := r.dial()
		if err == nil {
			r.mu.Lock()
			r.conn = conn
			r.mu.Unlock()
			return conn, nil
		}

		if waitErr := b.wait(ctx); waitErr != nil {
			return nil, fmt.Errorf("rabbitmq dial canceled after %v: %w", err, waitErr)
		}
	}
}

func (r *RabbitMQ) dial() (*amqp.Connection, error) {
	conn, err := amqp.Dial(r.url)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open topology channel: %w", err)
	}
	defer ch.Close() //nolint:errcheck // channel only used for declarations

	if err := declareTopology(ch); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}

func declareTopology(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(dlxExchangeName, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare dlx exchange: %w", err)
	}

	for _, spec := range topology() {
		if _, err := ch.QueueDeclare(spec.name, true, false, false, false, spec.args); err != nil {
			return fmt.Errorf("failed to declare queue %q: %w", spec.name, err)
		}
		if !spec.bindDLX {
			continue
		}
		if err := ch.QueueBind(spec.name, spec.routingKey, dlxExchangeName, false, nil); err != nil {
			return fmt.Errorf("failed to bind queue %q: %w", spec.name, err)
		}
	}
	return nil
}

// backoff doubles from one second up to thirty.
type backoff struct {
	next time.Duration
}

const (
	minBackoff = time.Second
	maxBackoff = 30 * time.Second
)

func newBackoff() *backoff {
	return &backoff{next: minBackoff}
}

func (b *backoff) reset() {
	b.next = minBackoff
}

// peek returns the delay the next wait will use.
func (b *backoff) peek() time.Duration {
	return b.next
}

func (b *backoff) wait(ctx context.Context) error {
	timer := time.NewTimer(b.next)
	defer timer.Stop()

	b.next *= 2
	if b.next > maxBackoff {
		b.next = maxBackoff
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Package amqp carries task jobs over a RabbitMQ durable queue.
package amqp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/okian/evalboard/internal/adapters/mq/queue"
	"github.com/okian/evalboard/pkg/logger"
	"github.com/okian/evalboard/pkg/metrics"
)

// DefaultQueueName is used when no queue name is configured.
const DefaultQueueName = "evalboard.tasks"

// ErrClosed is returned after Close.
var ErrClosed = errors.New("amqp: connection closed")

// Channel is the subset of *amqp.Channel the adapters use.
type Channel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Qos(prefetchCount, prefetchSize int, global bool) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Close() error
}

// Broker owns one connection and channel to a declared durable queue.
type Broker struct {
	conn    *amqp.Connection
	channel Channel
	queue   string
	logger  logger.Logger

	mu     sync.Mutex
	closed bool
}

// Dial connects to url and declares queueName.
func Dial(url, queueName string, log logger.Logger) (*Broker, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	b, err := NewBroker(ch, queueName, log)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	b.conn = conn
	return b, nil
}

// NewBroker declares queueName on an already opened channel.
func NewBroker(ch Channel, queueName string, log logger.Logger) (*Broker, error) {
	if queueName == "" {
		queueName = DefaultQueueName
	}
	if log == nil {
		log = logger.Nop()
	}
	if _, err := ch.QueueDeclare(
		queueName,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,
	); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("declare queue %s: %w", queueName, err)
	}
	log.Info(context.Background(), "amqp queue declared", logger.String("queue", queueName))
	return &Broker{channel: ch, queue: queueName, logger: log}, nil
}

// Queue returns the declared queue name.
func (b *Broker) Queue() string { return b.queue }

// Close closes the channel and the connection.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	if err := b.channel.Close(); err != nil {
		b.logger.Warn(context.Background(), "error closing amqp channel", logger.Error(err))
	}
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}

func (b *Broker) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Dispatcher publishes persistent JSON messages, one per task.
type Dispatcher struct {
	b  *Broker
	mu sync.Mutex
}

// NewDispatcher publishes to b's queue.
func NewDispatcher(b *Broker) *Dispatcher { return &Dispatcher{b: b} }

// Enqueue publishes payload with the task id as message id. The handle is
// the message id.
func (d *Dispatcher) Enqueue(ctx context.Context, taskID string, payload []byte) (string, error) {
	if d.b.isClosed() {
		metrics.RecordQueueEnqueueError()
		return "", ErrClosed
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	err := d.b.channel.PublishWithContext(ctx,
		"",        // default exchange routes by queue name
		d.b.queue, // routing key
		false,     // mandatory
		false,     // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    taskID,
			Timestamp:    time.Now(),
			Body:         payload,
		},
	)
	if err != nil {
		metrics.RecordQueueEnqueueError()
		metrics.RecordErrorByComponent("amqp", "publish")
		d.b.logger.Error(ctx, "failed to publish task", logger.String("task_id", taskID), logger.Error(err))
		return "", fmt.Errorf("publish task %s: %w", taskID, err)
	}
	metrics.RecordQueueEnqueue()
	return taskID, nil
}

// Consumer turns deliveries into queue.Jobs.
type Consumer struct {
	b        *Broker
	prefetch int
}

// NewConsumer consumes b's queue. prefetch below 1 means one.
func NewConsumer(b *Broker, prefetch int) *Consumer {
	if prefetch < 1 {
		prefetch = 1
	}
	return &Consumer{b: b, prefetch: prefetch}
}

// Dequeue starts consuming with manual acks. The returned channel closes when
// ctx is done or the broker channel closes.
func (c *Consumer) Dequeue(ctx context.Context) <-chan queue.Job {
	out := make(chan queue.Job)

	if err := c.b.channel.Qos(c.prefetch, 0, false); err != nil {
		c.b.logger.Error(ctx, "failed to set QoS", logger.Error(err))
		close(out)
		return out
	}
	msgs, err := c.b.channel.Consume(
		c.b.queue,
		"",    // consumer tag (auto-generated)
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		c.b.logger.Error(ctx, "failed to start consuming", logger.Error(err))
		close(out)
		return out
	}

	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					c.b.logger.Warn(ctx, "amqp delivery channel closed")
					return
				}
				job := c.toJob(ctx, msg)
				select {
				case out <- job:
					metrics.RecordQueueDequeue()
				case <-ctx.Done():
					if err := msg.Nack(false, true); err != nil {
						c.b.logger.Error(ctx, "failed to requeue message", logger.Error(err))
					}
					return
				}
			}
		}
	}()
	return out
}

func (c *Consumer) toJob(ctx context.Context, msg amqp.Delivery) queue.Job {
	taskID := msg.MessageId
	j := queue.NewJob(taskID, msg.Body, func(ok bool) {
		var err error
		if ok {
			err = msg.Ack(false)
		} else {
			// The failure is already recorded on the task, so do not requeue.
			err = msg.Nack(false, false)
		}
		if err != nil {
			c.b.logger.Error(ctx, "failed to settle message",
				logger.String("task_id", taskID), logger.Bool("ok", ok), logger.Error(err))
		}
	})
	if !msg.Timestamp.IsZero() {
		j.EnqueuedAt = msg.Timestamp
	}
	return j
}

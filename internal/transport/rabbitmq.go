package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

type RabbitMQConfig struct {
	URL   string
	Queue string
}

// RabbitMQ publishes transfer messages to a durable queue with publisher
// confirms; Send returns once the broker confirms the message.
type RabbitMQ struct {
	mu    sync.Mutex
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
	now   func() time.Time
}

func NewRabbitMQ(cfg RabbitMQConfig) (*RabbitMQ, error) {
	if cfg.URL == "" {
		return nil, errors.New("rabbitmq url is required")
	}
	queue := cfg.Queue
	if queue == "" {
		queue = "yieldvault.transfers"
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("connect rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open rabbitmq channel: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare rabbitmq queue: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("enable rabbitmq confirms: %w", err)
	}
	return &RabbitMQ{conn: conn, ch: ch, queue: queue, now: time.Now}, nil
}

func (q *RabbitMQ) Name() string { return "rabbitmq" }

func (q *RabbitMQ) Send(ctx context.Context, msg Message) (Ack, error) {
	body, err := Encode(msg)
	if err != nil {
		return Ack{}, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.ch == nil {
		return Ack{}, errors.New("rabbitmq channel is closed")
	}
	confirm, err := q.ch.PublishWithDeferredConfirmWithContext(ctx, "", q.queue, true, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.TxRef,
		Timestamp:    msg.CreatedAt,
		Body:         body,
	})
	if err != nil {
		return Ack{}, fmt.Errorf("publish transfer %s: %w", msg.TxRef, err)
	}
	ok, err := confirm.WaitContext(ctx)
	if err != nil {
		return Ack{}, fmt.Errorf("await confirm for transfer %s: %w", msg.TxRef, err)
	}
	if !ok {
		return Ack{}, fmt.Errorf("broker rejected transfer %s", msg.TxRef)
	}
	return Ack{Ref: fmt.Sprintf("%s#%d", q.queue, confirm.DeliveryTag), AcceptedAt: q.now()}, nil
}

func (q *RabbitMQ) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.ch != nil {
		_ = q.ch.Close()
		q.ch = nil
	}
	if q.conn != nil {
		err := q.conn.Close()
		q.conn = nil
		return err
	}
	return nil
}

package mail

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher is the slice of *amqp.Channel used to enqueue jobs.
type Publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// QueueDispatcher hands jobs to RabbitMQ; Worker does the sending.
type QueueDispatcher struct {
	ch    Publisher
	queue string
}

func NewQueueDispatcher(ch Publisher, queue string) *QueueDispatcher {
	return &QueueDispatcher{ch: ch, queue: queue}
}

func (q *QueueDispatcher) SendVerificationEmail(ctx context.Context, email, name, token string) error {
	return q.Enqueue(ctx, Job{Kind: KindVerification, To: email, Name: name, Token: token})
}

func (q *QueueDispatcher) SendPasswordResetEmail(ctx context.Context, email, name, token string) error {
	return q.Enqueue(ctx, Job{Kind: KindPasswordReset, To: email, Name: name, Token: token})
}

func (q *QueueDispatcher) Enqueue(ctx context.Context, job Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	err = q.ch.PublishWithContext(ctx,
		"",      // default exchange
		q.queue, // routing key
		false,   // mandatory
		false,   // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
			Type:         string(job.Kind),
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish %s job: %w", job.Kind, err)
	}
	return nil
}

// Broker owns the AMQP connection and the channel used for both publishing
// and consuming.
type Broker struct {
	Conn    *amqp.Connection
	Channel *amqp.Channel
	Queue   string
}

// Dial connects and declares the durable e-mail queue.
func Dial(amqpURL, queue string) (*Broker, error) {
	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	if _, err := ch.QueueDeclare(
		queue, // name
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,   // args
	); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("failed to declare queue %s: %w", queue, err)
	}
	return &Broker{Conn: conn, Channel: ch, Queue: queue}, nil
}

func (b *Broker) Close() error {
	if b == nil {
		return nil
	}
	_ = b.Channel.Close()
	return b.Conn.Close()
}

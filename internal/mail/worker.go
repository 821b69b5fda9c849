package mail

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kulangara/backend/internal/logging"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Consumer is the slice of *amqp.Channel the worker reads from.
type Consumer interface {
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
}

type deliverer interface {
	Deliver(ctx context.Context, job Job) error
}

// Worker drains the e-mail queue. A job that fails is logged and dropped
// (nack without requeue); there is no retry.
type Worker struct {
	ch      Consumer
	queue   string
	handler deliverer
	log     logging.Logger
}

func NewWorker(ch Consumer, queue string, handler deliverer, log logging.Logger) *Worker {
	return &Worker{ch: ch, queue: queue, handler: handler, log: log.With("component", "mail-worker")}
}

// Run consumes until ctx is cancelled or the channel closes.
func (w *Worker) Run(ctx context.Context) error {
	deliveries, err := w.ch.Consume(
		w.queue,       // queue
		"mail-worker", // consumer
		false,         // auto-ack
		false,         // exclusive
		false,         // no-local
		false,         // no-wait
		nil,           // args
	)
	if err != nil {
		return fmt.Errorf("failed to start consumer: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return nil
			}
			w.handle(ctx, d)
		}
	}
}

func (w *Worker) handle(ctx context.Context, d amqp.Delivery) {
	var job Job
	if err := json.Unmarshal(d.Body, &job); err != nil {
		w.log.Error(ctx, "dropping malformed mail job", "err", err)
		_ = d.Nack(false, false)
		return
	}

	if err := w.handler.Deliver(ctx, job); err != nil {
		w.log.Error(ctx, "mail job failed", "kind", job.Kind, "to", job.To, "err", err)
		_ = d.Nack(false, false)
		return
	}
	_ = d.Ack(false)
}

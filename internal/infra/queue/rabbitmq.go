package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"tg-shift-ledger/internal/domain"
	"tg-shift-ledger/internal/infra/metrics"
)

// RabbitNotifyQueue реализует очередь уведомлений через AMQP.
type RabbitNotifyQueue struct {
	conn       *amqp.Connection
	channel    *amqp.Channel
	queue      string
	deliveries <-chan amqp.Delivery
}

var _ domain.NotifyQueue = (*RabbitNotifyQueue)(nil)

// NewRabbitNotifyQueue подключается к RabbitMQ и объявляет durable-очередь.
func NewRabbitNotifyQueue(amqpURL, queue string) (*RabbitNotifyQueue, error) {
	if amqpURL == "" {
		return nil, errors.New("amqp url is empty")
	}
	if queue == "" {
		return nil, errors.New("queue name is empty")
	}
	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if _, err := channel.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		_ = channel.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare queue: %w", err)
	}
	if err := channel.Qos(1, 0, false); err != nil {
		_ = channel.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("set qos: %w", err)
	}
	return &RabbitNotifyQueue{conn: conn, channel: channel, queue: queue}, nil
}

// Enqueue публикует задачу в очередь.
func (q *RabbitNotifyQueue) Enqueue(ctx context.Context, job domain.ShiftCloseJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	start := time.Now()
	err = q.channel.PublishWithContext(ctx, "", q.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    job.ID,
		Body:         payload,
	})
	metrics.ObserveNetworkRequest("rabbitmq", "publish", q.queue, start, err)
	if err != nil {
		return fmt.Errorf("publish job: %w", err)
	}
	return nil
}

// Receive блокирующе читает задачу из очереди и возвращает функцию подтверждения.
// Подписка на очередь создаётся один раз при первом вызове.
func (q *RabbitNotifyQueue) Receive(ctx context.Context) (domain.ShiftCloseJob, domain.NotifyAckFunc, error) {
	if q.deliveries == nil {
		deliveries, err := q.channel.Consume(q.queue, "", false, false, false, false, nil)
		if err != nil {
			return domain.ShiftCloseJob{}, nil, fmt.Errorf("consume queue: %w", err)
		}
		q.deliveries = deliveries
	}
	select {
	case <-ctx.Done():
		return domain.ShiftCloseJob{}, nil, ctx.Err()
	case delivery, ok := <-q.deliveries:
		if !ok {
			return domain.ShiftCloseJob{}, nil, errors.New("канал доставки закрыт")
		}
		var job domain.ShiftCloseJob
		if err := json.Unmarshal(delivery.Body, &job); err != nil {
			_ = delivery.Nack(false, false)
			return domain.ShiftCloseJob{}, nil, fmt.Errorf("decode job: %w", err)
		}
		ack := func(success bool) error {
			if success {
				return delivery.Ack(false)
			}
			return delivery.Nack(false, true)
		}
		return job, ack, nil
	}
}

// Close закрывает соединение с брокером.
func (q *RabbitNotifyQueue) Close() error {
	if err := q.channel.Close(); err != nil {
		_ = q.conn.Close()
		return err
	}
	return q.conn.Close()
}

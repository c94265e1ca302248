package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"tg-shift-ledger/internal/domain"
)

// RedisNotifyQueue реализует очередь уведомлений на базе Redis lists.
// Используется, когда RabbitMQ не сконфигурирован.
type RedisNotifyQueue struct {
	client *redis.Client
	key    string
}

var _ domain.NotifyQueue = (*RedisNotifyQueue)(nil)

// NewRedisNotifyQueue создаёт очередь по указанному ключу.
func NewRedisNotifyQueue(client *redis.Client, key string) *RedisNotifyQueue {
	return &RedisNotifyQueue{client: client, key: key}
}

// Enqueue публикует задачу в очередь.
func (q *RedisNotifyQueue) Enqueue(ctx context.Context, job domain.ShiftCloseJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := q.client.LPush(ctx, q.key, payload).Err(); err != nil {
		return fmt.Errorf("push job: %w", err)
	}
	return nil
}

// Receive блокирующе читает задачу из очереди. Отрицательное подтверждение
// возвращает задачу в хвост списка.
func (q *RedisNotifyQueue) Receive(ctx context.Context) (domain.ShiftCloseJob, domain.NotifyAckFunc, error) {
	for {
		if err := ctx.Err(); err != nil {
			return domain.ShiftCloseJob{}, nil, err
		}

		res, err := q.client.BRPop(ctx, time.Second, q.key).Result()
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				if ctx.Err() != nil {
					return domain.ShiftCloseJob{}, nil, ctx.Err()
				}
				continue
			}
			if errors.Is(err, redis.Nil) {
				continue
			}
			return domain.ShiftCloseJob{}, nil, err
		}
		if len(res) != 2 {
			return domain.ShiftCloseJob{}, nil, errors.New("redis queue: unexpected response")
		}
		payload := []byte(res[1])
		var job domain.ShiftCloseJob
		if err := json.Unmarshal(payload, &job); err != nil {
			return domain.ShiftCloseJob{}, nil, fmt.Errorf("decode job: %w", err)
		}
		ack := func(success bool) error {
			if success {
				return nil
			}
			return q.client.LPush(context.Background(), q.key, payload).Err()
		}
		return job, ack, nil
	}
}

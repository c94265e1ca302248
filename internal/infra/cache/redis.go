package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"tg-shift-ledger/internal/domain"
)

// RedisCache реализует domain.Cache через Redis.
type RedisCache struct {
	client *redis.Client
}

// NewRedis создаёт кэш.
func NewRedis(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

// Once выполняет функцию, если ключ ещё не задан.
func (c *RedisCache) Once(key string, ttl time.Duration, fn func() error) error {
	ctx := context.Background()
	ok, err := c.client.SetNX(ctx, key, "1", ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if err := fn(); err != nil {
		_ = c.client.Del(ctx, key).Err()
		return err
	}
	return nil
}

// Set задаёт значение.
func (c *RedisCache) Set(key string, value []byte, ttl time.Duration) error {
	return c.client.Set(context.Background(), key, value, ttl).Err()
}

// Get возвращает значение.
func (c *RedisCache) Get(key string) ([]byte, error) {
	return c.client.Get(context.Background(), key).Bytes()
}

const pollStateTTL = 14 * 24 * time.Hour

// PollState хранит верхнюю границу последнего обработанного окна опроса в Redis.
type PollState struct {
	client *redis.Client
}

var _ domain.PollStateCache = (*PollState)(nil)

// NewPollState создаёт хранилище состояния опроса.
func NewPollState(client *redis.Client) *PollState {
	return &PollState{client: client}
}

func pollStateKey(chatID int64) string {
	return fmt.Sprintf("poll:last:%d", chatID)
}

// LastPolled возвращает сохранённую границу окна, если она есть.
func (p *PollState) LastPolled(ctx context.Context, chatID int64) (time.Time, bool, error) {
	raw, err := p.client.Get(ctx, pollStateKey(chatID)).Result()
	if err == redis.Nil {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("разбор границы окна: %w", err)
	}
	return ts, true, nil
}

// SetLastPolled сохраняет границу окна.
func (p *PollState) SetLastPolled(ctx context.Context, chatID int64, polledTo time.Time) error {
	return p.client.Set(ctx, pollStateKey(chatID), polledTo.UTC().Format(time.RFC3339), pollStateTTL).Err()
}

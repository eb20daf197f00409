package kvstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"tg-top-dialogs/internal/domain"
)

// Redis реализует domain.KVStore через Redis.
type Redis struct {
	client *redis.Client
}

// NewRedis создаёт хранилище.
func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

// Get возвращает значение ключа, nil если ключа нет.
func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("чтение %q: %w", key, err)
	}
	return value, nil
}

// Set задаёт значение ключа без TTL: снапшоты живут до следующей записи.
func (r *Redis) Set(ctx context.Context, key string, value []byte) error {
	if err := r.client.Set(ctx, key, value, 0).Err(); err != nil {
		return fmt.Errorf("запись %q: %w", key, err)
	}
	return nil
}

// EraseByPrefix удаляет все ключи с данным префиксом через SCAN.
func (r *Redis) EraseByPrefix(ctx context.Context, prefix string) error {
	iter := r.client.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		if err := r.client.Del(ctx, iter.Val()).Err(); err != nil {
			return fmt.Errorf("удаление %q: %w", iter.Val(), err)
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("перебор ключей %q: %w", prefix, err)
	}
	return nil
}

var _ domain.KVStore = (*Redis)(nil)

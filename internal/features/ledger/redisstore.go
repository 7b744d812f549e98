package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStore хранит каждый документ под ключом "<prefix>:<doc>".
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(doc Document) string {
	if s.prefix == "" {
		return string(doc)
	}
	return s.prefix + ":" + string(doc)
}

func (s *RedisStore) Load(ctx context.Context, doc Document) ([]byte, error) {
	body, err := s.client.Get(ctx, s.key(doc)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения %s из redis: %w", s.key(doc), err)
	}
	return body, nil
}

func (s *RedisStore) Save(ctx context.Context, doc Document, body []byte) error {
	if err := s.client.Set(ctx, s.key(doc), body, 0).Err(); err != nil {
		return fmt.Errorf("ошибка записи %s в redis: %w", s.key(doc), err)
	}
	return nil
}

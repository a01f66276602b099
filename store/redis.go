package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/chaos-io/bgremover/config"
	"github.com/chaos-io/bgremover/util"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	entryPrefix = "result:"
	keyPrefix   = "result:key:"
)

// RedisStore 多实例共享的结果存储
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisStore(cfg *config.RedisConfig, ttl time.Duration) *RedisStore {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	return &RedisStore{
		client: client,
		ttl:    ttl,
	}
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Put(ctx context.Context, entry *Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, entryPrefix+entry.ID, data, s.ttl)
	if entry.Key != "" {
		pipe.Set(ctx, keyPrefix+entry.Key, entry.ID, s.ttl)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) Get(ctx context.Context, id string) (*Entry, error) {
	data, err := s.client.Get(ctx, entryPrefix+id).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		util.L().Error("failed to unmarshal result", zap.String("id", id), zap.Error(err))
		return nil, err
	}
	return &entry, nil
}

func (s *RedisStore) Lookup(ctx context.Context, key string) (*Entry, error) {
	id, err := s.client.Get(ctx, keyPrefix+key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return s.Get(ctx, id)
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

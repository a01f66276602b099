// Package store 保存处理结果，供下载和按内容复用
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/chaos-io/bgremover/config"
)

const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

var ErrNotFound = errors.New("result not found")

// Entry 一次处理的结果
type Entry struct {
	ID        string    `json:"id"`
	Key       string    `json:"key"` // 上传内容 md5 + 背景模式
	PNG       []byte    `json:"png"`
	Width     int       `json:"width"`
	Height    int       `json:"height"`
	Mode      string    `json:"mode"`
	CreatedAt time.Time `json:"created_at"`
}

type Store interface {
	Put(ctx context.Context, entry *Entry) error
	Get(ctx context.Context, id string) (*Entry, error)
	// Lookup 按内容 key 查找已有结果
	Lookup(ctx context.Context, key string) (*Entry, error)
	Close() error
}

// New 根据 cache.backend 创建存储
func New(ctx context.Context, cfg *config.CacheConfig) (Store, error) {
	switch strings.ToLower(cfg.Backend) {
	case BackendMemory, "":
		return NewMemoryStore(cfg.TTL, cfg.CleanupSpec)
	case BackendRedis:
		s := NewRedisStore(&cfg.Redis, cfg.TTL)
		if err := s.Ping(ctx); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}
}

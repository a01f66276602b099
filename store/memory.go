package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chaos-io/bgremover/util"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

type memoryItem struct {
	entry     *Entry
	expiresAt time.Time
}

// MemoryStore 进程内存储，过期条目由 cron 任务定期清理
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]memoryItem
	keys  map[string]string // key -> id
	ttl   time.Duration
	cron  *cron.Cron
	now   func() time.Time
}

// NewMemoryStore ttl <= 0 表示不过期；cleanupSpec 为空时不启动清理任务
func NewMemoryStore(ttl time.Duration, cleanupSpec string) (*MemoryStore, error) {
	s := &MemoryStore{
		items: make(map[string]memoryItem),
		keys:  make(map[string]string),
		ttl:   ttl,
		now:   time.Now,
	}

	if ttl > 0 && cleanupSpec != "" {
		s.cron = cron.New()
		if _, err := s.cron.AddFunc(cleanupSpec, s.cleanup); err != nil {
			return nil, fmt.Errorf("add cleanup job %q: %w", cleanupSpec, err)
		}
		s.cron.Start()
	}
	return s, nil
}

func (s *MemoryStore) Put(_ context.Context, entry *Entry) error {
	item := memoryItem{entry: entry}
	if s.ttl > 0 {
		item.expiresAt = s.now().Add(s.ttl)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[entry.ID] = item
	if entry.Key != "" {
		s.keys[entry.Key] = entry.ID
	}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.get(id)
}

func (s *MemoryStore) Lookup(_ context.Context, key string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.keys[key]
	if !ok {
		return nil, ErrNotFound
	}
	return s.get(id)
}

func (s *MemoryStore) get(id string) (*Entry, error) {
	item, ok := s.items[id]
	if !ok || s.expired(item) {
		return nil, ErrNotFound
	}
	return item.entry, nil
}

func (s *MemoryStore) expired(item memoryItem) bool {
	return !item.expiresAt.IsZero() && !s.now().Before(item.expiresAt)
}

func (s *MemoryStore) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, item := range s.items {
		if !s.expired(item) {
			continue
		}
		delete(s.items, id)
		if s.keys[item.entry.Key] == id {
			delete(s.keys, item.entry.Key)
		}
		removed++
	}
	if removed > 0 {
		util.L().Debug("expired results removed", zap.Int("removed", removed), zap.Int("remaining", len(s.items)))
	}
}

// Len 当前条目数（含尚未清理的过期条目）
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

func (s *MemoryStore) Close() error {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	return nil
}

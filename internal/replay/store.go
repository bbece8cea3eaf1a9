// Package replay keeps short-lived memory of deliveries already seen so
// replays and platform retries are processed at most once.
package replay

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store records keys for a bounded time.
type Store interface {
	// SeenOrMark atomically reports whether key was already marked within
	// ttl, marking it if not.
	SeenOrMark(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Close() error
}

// NopStore never reports duplicates.
type NopStore struct{}

func (NopStore) SeenOrMark(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return false, nil
}

func (NopStore) Close() error { return nil }

type memoryEntry struct {
	expiresAt time.Time
	element   *list.Element
}

// MemoryStore is a size-limited TTL set. Entries are kept in insertion
// order so the oldest can be evicted in O(1) when full. Contents are lost
// on restart.
type MemoryStore struct {
	mu      sync.Mutex
	seen    map[string]*memoryEntry
	order   *list.List
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// NewMemoryStore creates a store holding at most maxSize keys. A background
// goroutine sweeps expired keys every sweepInterval.
func NewMemoryStore(maxSize int, sweepInterval time.Duration) *MemoryStore {
	if maxSize <= 0 {
		maxSize = 10000
	}
	s := &MemoryStore{
		seen:    make(map[string]*memoryEntry),
		order:   list.New(),
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	if sweepInterval > 0 {
		go s.sweepLoop(sweepInterval)
	}
	return s
}

func (s *MemoryStore) SeenOrMark(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if entry, ok := s.seen[key]; ok {
		if now.Before(entry.expiresAt) {
			return true, nil
		}
		s.order.Remove(entry.element)
		delete(s.seen, key)
	}

	for len(s.seen) >= s.maxSize {
		s.evictOldest()
	}

	elem := s.order.PushBack(key)
	s.seen[key] = &memoryEntry{expiresAt: now.Add(ttl), element: elem}
	return false, nil
}

// Len returns the number of tracked keys, expired or not.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}

// evictOldest must be called with mu held.
func (s *MemoryStore) evictOldest() {
	front := s.order.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(string)
	s.order.Remove(front)
	delete(s.seen, key)
}

func (s *MemoryStore) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Sweep()
		case <-s.done:
			return
		}
	}
}

// Sweep removes expired keys.
func (s *MemoryStore) Sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for key, entry := range s.seen {
		if !now.Before(entry.expiresAt) {
			s.order.Remove(entry.element)
			delete(s.seen, key)
		}
	}
}

// Close stops the sweeper. It is safe to call multiple times.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		close(s.done)
		s.closed = true
	}
	return nil
}

// RedisStore shares seen keys across gateway replicas and restarts.
type RedisStore struct {
	client *redis.Client
	prefix string
	owned  bool
}

// NewRedisStore connects to redisURL and verifies the connection.
func NewRedisStore(redisURL, prefix string) (*RedisStore, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return &RedisStore{client: client, prefix: prefix, owned: true}, nil
}

// NewRedisStoreFromClient uses an existing client; Close leaves it open.
func NewRedisStoreFromClient(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) SeenOrMark(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.prefix+key, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedupe check failed: %w", err)
	}
	return !ok, nil
}

func (s *RedisStore) Close() error {
	if s.owned && s.client != nil {
		return s.client.Close()
	}
	return nil
}

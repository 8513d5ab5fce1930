package auth

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Blocklist は失効させたトークンの jti を保持します。
type Blocklist interface {
	Add(ctx context.Context, jti string, until time.Time) error
	Contains(ctx context.Context, jti string) (bool, error)
}

// MemoryBlocklist はプロセス内で失効情報を保持します。
type MemoryBlocklist struct {
	mu      sync.Mutex
	entries map[string]time.Time
	now     func() time.Time
}

// NewMemoryBlocklist は MemoryBlocklist を作成します。
func NewMemoryBlocklist() *MemoryBlocklist {
	return &MemoryBlocklist{
		entries: make(map[string]time.Time),
		now:     time.Now,
	}
}

// Add は jti を until まで失効扱いにします。
func (b *MemoryBlocklist) Add(_ context.Context, jti string, until time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	for id, exp := range b.entries {
		if now.After(exp) {
			delete(b.entries, id)
		}
	}
	b.entries[jti] = until
	return nil
}

// Contains は jti が失効中かを返します。
func (b *MemoryBlocklist) Contains(_ context.Context, jti string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	until, ok := b.entries[jti]
	if !ok {
		return false, nil
	}
	if b.now().After(until) {
		delete(b.entries, jti)
		return false, nil
	}
	return true, nil
}

const blocklistKeyPrefix = "tjfu:jwt:blocklist:"

// RedisBlocklist は Redis のキー有効期限で失効情報を保持します。
type RedisBlocklist struct {
	rdb redis.UniversalClient
}

// NewRedisBlocklist は RedisBlocklist を作成します。
func NewRedisBlocklist(rdb redis.UniversalClient) *RedisBlocklist {
	return &RedisBlocklist{rdb: rdb}
}

// Add は jti を until まで失効扱いにします。
func (b *RedisBlocklist) Add(ctx context.Context, jti string, until time.Time) error {
	ttl := time.Until(until)
	if ttl <= 0 {
		return nil
	}
	return b.rdb.Set(ctx, blocklistKeyPrefix+jti, 1, ttl).Err()
}

// Contains は jti が失効中かを返します。
func (b *RedisBlocklist) Contains(ctx context.Context, jti string) (bool, error) {
	n, err := b.rdb.Exists(ctx, blocklistKeyPrefix+jti).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

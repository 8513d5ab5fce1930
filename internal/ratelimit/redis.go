package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const redisKeyPrefix = "tjfu:ratelimit:"

// fixedWindowScript は INCR と有効期限の設定をアトミックに行います。
var fixedWindowScript = redis.NewScript(`
local current = redis.call('INCR', KEYS[1])
if current == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {current, ttl}
`)

// RedisStorage は Redis 上の固定ウィンドウカウンターで制限します。
// 複数プロセスで同じ制限を共有する場合に使用します。
type RedisStorage struct {
	rdb    redis.UniversalClient
	logger *zap.Logger
}

var _ Storage = (*RedisStorage)(nil)

// NewRedisStorage は Redis ストレージを作成します。
func NewRedisStorage(rdb redis.UniversalClient, logger *zap.Logger) *RedisStorage {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStorage{
		rdb:    rdb,
		logger: logger,
	}
}

// Hit は key のカウンターを 1 増やし、制限内かを返します。
func (s *RedisStorage) Hit(ctx context.Context, key string, limit Limit) (*Result, error) {
	if err := limit.Validate(); err != nil {
		return nil, err
	}
	raw, err := fixedWindowScript.Run(ctx, s.rdb, []string{redisKeyPrefix + key}, limit.Window.Milliseconds()).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("redis rate limit hit failed: %w", err)
	}
	if len(raw) != 2 {
		return nil, fmt.Errorf("unexpected redis rate limit reply: %v", raw)
	}

	count, ttl := int(raw[0]), time.Duration(raw[1])*time.Millisecond
	result := &Result{
		Allowed:    count <= limit.Requests,
		Limit:      limit.Requests,
		Remaining:  limit.Requests - count,
		ResetAfter: ttl,
	}
	if result.Remaining < 0 {
		result.Remaining = 0
	}
	if !result.Allowed {
		result.RetryAfter = ttl
	}
	return result, nil
}

// Reset は key のカウンターを削除します。
func (s *RedisStorage) Reset(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, redisKeyPrefix+key).Err()
}

// Close は Redis クライアントを閉じます。
func (s *RedisStorage) Close() error {
	return s.rdb.Close()
}

package ratelimit

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Result はヒット判定の結果です。
type Result struct {
	// Allowed はリクエストを通してよいかを表します。
	Allowed bool
	// Limit は Window 内の最大リクエスト数です。
	Limit int
	// Remaining は Window 内の残り回数です。
	Remaining int
	// ResetAfter は残り回数が戻るまでの時間です。
	ResetAfter time.Duration
	// RetryAfter は拒否された場合に再試行できるまでの時間です。
	RetryAfter time.Duration
}

// Storage はキーごとのカウンターを保持するバックエンドです。
type Storage interface {
	// Hit は key に 1 回分のリクエストを記録し、制限内かを返します。
	Hit(ctx context.Context, key string, limit Limit) (*Result, error)
	// Reset は key のカウンターを初期化します。
	Reset(ctx context.Context, key string) error
	// Close はバックグラウンド処理と接続を閉じます。
	Close() error
}

// NewStorage は URI からストレージを作成します。
// memory:// はプロセス内、redis:// / rediss:// は Redis を使用します。
func NewStorage(uri string, logger *zap.Logger) (Storage, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if strings.TrimSpace(uri) == "" {
		uri = "memory://"
	}
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("failed to parse storage uri: %w", err)
	}

	switch u.Scheme {
	case "memory":
		return NewMemoryStorage(logger), nil
	case "redis", "rediss":
		opt, err := redis.ParseURL(uri)
		if err != nil {
			return nil, fmt.Errorf("failed to parse redis url: %w", err)
		}
		return NewRedisStorage(redis.NewClient(opt), logger), nil
	default:
		return nil, fmt.Errorf("unsupported rate limit storage: %s", u.Scheme)
	}
}

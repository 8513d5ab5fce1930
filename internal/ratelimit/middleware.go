package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// KeyFunc はリクエストから制限対象のキーを取り出します。
type KeyFunc func(c *gin.Context) string

// ClientIPKey はクライアント IP をキーにします。
func ClientIPKey(c *gin.Context) string {
	return c.ClientIP()
}

// Limiter はストレージと既定の制限をまとめたものです。
type Limiter struct {
	storage  Storage
	keyFunc  KeyFunc
	defaults []Limit
	logger   *zap.Logger
}

// Option は Limiter の設定関数です。
type Option func(*Limiter)

// WithKeyFunc はキーの取り出し方を変更します。
func WithKeyFunc(fn KeyFunc) Option {
	return func(l *Limiter) {
		if fn != nil {
			l.keyFunc = fn
		}
	}
}

// WithDefaultLimits は全ルートに適用する制限を設定します。
func WithDefaultLimits(limits ...Limit) Option {
	return func(l *Limiter) {
		l.defaults = append(l.defaults, limits...)
	}
}

// WithLogger はロガーを設定します。
func WithLogger(logger *zap.Logger) Option {
	return func(l *Limiter) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// New は Limiter を作成します。
func New(storage Storage, opts ...Option) *Limiter {
	l := &Limiter{
		storage: storage,
		keyFunc: ClientIPKey,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Storage は使用中のストレージを返します。
func (l *Limiter) Storage() Storage {
	return l.storage
}

// DefaultLimits は既定の制限を返します。
func (l *Limiter) DefaultLimits() []Limit {
	return l.defaults
}

// Close はストレージを閉じます。
func (l *Limiter) Close() error {
	return l.storage.Close()
}

// Default は既定の制限を適用するミドルウェアを返します。既定の制限がなければ何もしません。
func (l *Limiter) Default() gin.HandlerFunc {
	if len(l.defaults) == 0 {
		return func(c *gin.Context) { c.Next() }
	}
	return l.Middleware("global", l.defaults...)
}

// Middleware は scope 単位でカウントする制限ミドルウェアを返します。
// 複数の制限を指定した場合、すべてを満たす必要があります。
// Requests か Window が 0 以下の制限はログを出して無視します。
func (l *Limiter) Middleware(scope string, limits ...Limit) gin.HandlerFunc {
	valid := make([]Limit, 0, len(limits))
	for _, limit := range limits {
		if err := limit.Validate(); err != nil {
			l.logger.Error("ignoring invalid rate limit", zap.String("scope", scope), zap.Error(err))
			continue
		}
		valid = append(valid, limit)
	}
	limits = valid

	return func(c *gin.Context) {
		key := l.keyFunc(c)
		var tightest *Result

		for _, limit := range limits {
			result, err := l.storage.Hit(c.Request.Context(), scope+":"+limit.String()+":"+key, limit)
			if err != nil {
				// ストレージ障害時はリクエストを通す
				l.logger.Warn("rate limit storage error",
					zap.String("scope", scope),
					zap.String("key", key),
					zap.Error(err),
				)
				continue
			}
			if !result.Allowed {
				setHeaders(c, result)
				c.Header("Retry-After", strconv.Itoa(max(1, ceilSeconds(result.RetryAfter))))
				l.logger.Info("rate limit exceeded",
					zap.String("scope", scope),
					zap.String("key", key),
					zap.String("limit", limit.String()),
				)
				c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
					"code":    "RATE_LIMITED",
					"message": "リクエスト回数の上限に達しました。しばらくしてから再度お試しください。",
				})
				return
			}
			if tightest == nil || result.Remaining < tightest.Remaining {
				tightest = result
			}
		}

		if tightest != nil {
			setHeaders(c, tightest)
		}
		c.Next()
	}
}

func setHeaders(c *gin.Context, result *Result) {
	c.Header("X-RateLimit-Limit", strconv.Itoa(result.Limit))
	c.Header("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
	c.Header("X-RateLimit-Reset", strconv.Itoa(ceilSeconds(result.ResetAfter)))
}

func ceilSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Seconds()))
}

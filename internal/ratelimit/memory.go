package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	// defaultClientTTL はアクセスのないキーを削除するまでの時間です。
	defaultClientTTL = 10 * time.Minute
	// cleanupInterval はキー掃除の間隔です。
	cleanupInterval = time.Minute
)

type memoryEntry struct {
	limiter    *rate.Limiter
	window     time.Duration
	lastAccess time.Time
}

// MemoryStorage はプロセス内のトークンバケットで制限します。
// Window ごとに Requests 個のトークンが補充され、バーストは Requests まで許容します。
type MemoryStorage struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	ttl     time.Duration
	logger  *zap.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	now      func() time.Time
}

var _ Storage = (*MemoryStorage)(nil)

// NewMemoryStorage はメモリストレージを作成し、掃除用のゴルーチンを起動します。
func NewMemoryStorage(logger *zap.Logger) *MemoryStorage {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &MemoryStorage{
		entries: make(map[string]*memoryEntry),
		ttl:     defaultClientTTL,
		logger:  logger,
		stopCh:  make(chan struct{}),
		now:     time.Now,
	}
	go s.cleanupLoop()
	return s
}

// Hit は key のバケットからトークンを 1 つ消費します。
func (s *MemoryStorage) Hit(_ context.Context, key string, limit Limit) (*Result, error) {
	if err := limit.Validate(); err != nil {
		return nil, err
	}
	now := s.now()

	s.mu.Lock()
	entry, ok := s.entries[key]
	if !ok {
		every := limit.Window / time.Duration(limit.Requests)
		entry = &memoryEntry{
			limiter: rate.NewLimiter(rate.Every(every), limit.Requests),
			window:  limit.Window,
		}
		s.entries[key] = entry
	}
	entry.lastAccess = now
	limiter := entry.limiter
	s.mu.Unlock()

	result := &Result{Limit: limit.Requests}
	if limiter.AllowN(now, 1) {
		result.Allowed = true
	} else {
		r := limiter.ReserveN(now, 1)
		result.RetryAfter = r.DelayFrom(now)
		r.CancelAt(now)
	}

	tokens := limiter.TokensAt(now)
	result.Remaining = int(math.Max(0, math.Floor(tokens)))
	missing := float64(limit.Requests) - tokens
	if missing > 0 {
		result.ResetAfter = time.Duration(missing * float64(limit.Window) / float64(limit.Requests))
	}
	return result, nil
}

// Reset は key のバケットを削除します。
func (s *MemoryStorage) Reset(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
	return nil
}

// Close は掃除用ゴルーチンを停止します。
func (s *MemoryStorage) Close() error {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	return nil
}

func (s *MemoryStorage) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stopCh:
			return
		}
	}
}

func (s *MemoryStorage) cleanup() {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, entry := range s.entries {
		// ウィンドウより短い期間では削除しない
		maxAge := s.ttl
		if entry.window > maxAge {
			maxAge = entry.window
		}
		if now.Sub(entry.lastAccess) > maxAge {
			delete(s.entries, key)
			removed++
		}
	}
	if removed > 0 {
		s.logger.Debug("cleaned up expired rate limiter entries",
			zap.Int("removed", removed),
			zap.Int("remaining", len(s.entries)),
		)
	}
}

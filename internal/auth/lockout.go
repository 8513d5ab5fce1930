package auth

import (
	"sync"
	"time"
)

// attemptLimiter はキー（クライアント IP）ごとのログイン失敗回数を数え、
// window 内に limit 回失敗したキーを lockFor の間ロックします。
type attemptLimiter struct {
	window  time.Duration
	lockFor time.Duration
	limit   int
	now     func() time.Time

	mu      sync.Mutex
	entries map[string]*failureWindow
}

type failureWindow struct {
	failures    int
	startedAt   time.Time
	lockedUntil time.Time
}

func newAttemptLimiter(window, lockFor time.Duration, limit int) *attemptLimiter {
	return &attemptLimiter{
		window:  window,
		lockFor: lockFor,
		limit:   limit,
		now:     time.Now,
		entries: make(map[string]*failureWindow),
	}
}

// lockedFor はロック解除までの残り時間を返します。ロックされていなければ 0 です。
func (l *attemptLimiter) lockedFor(key string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.entries[key]
	if !ok {
		return 0
	}
	return max(0, w.lockedUntil.Sub(l.now()))
}

// fail は失敗を 1 回記録し、ロックまでに残っている試行回数を返します。
func (l *attemptLimiter) fail(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.pruneLocked(now)

	w, ok := l.entries[key]
	if !ok || l.expired(w, now) {
		w = &failureWindow{startedAt: now}
		l.entries[key] = w
	}
	w.failures = min(w.failures+1, l.limit)
	if w.failures == l.limit {
		w.lockedUntil = now.Add(l.lockFor)
	}
	return l.limit - w.failures
}

// reset はログイン成功時にキーの記録を消します。
func (l *attemptLimiter) reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, key)
}

// expired はロックが明けたか、ロックされないまま集計期間を過ぎた記録かを返します。
func (l *attemptLimiter) expired(w *failureWindow, now time.Time) bool {
	if !w.lockedUntil.IsZero() {
		return !now.Before(w.lockedUntil)
	}
	return now.Sub(w.startedAt) > l.window
}

func (l *attemptLimiter) pruneLocked(now time.Time) {
	for key, w := range l.entries {
		if l.expired(w, now) {
			delete(l.entries, key)
		}
	}
}

package auth

import (
	"sync"
	"time"
)

// LimiterPolicy はログイン試行の制限値です。
type LimiterPolicy struct {
	MaxAttempts int
	Window      time.Duration
	Lock        time.Duration
}

// DefaultLimiterPolicy は 15 分間に 5 回失敗すると 10 分ロックします。
var DefaultLimiterPolicy = LimiterPolicy{
	MaxAttempts: 5,
	Window:      15 * time.Minute,
	Lock:        10 * time.Minute,
}

type attempt struct {
	failures    int
	windowStart time.Time
	lockedUntil time.Time
}

// attemptLimiter は送信元 IP ごとの失敗回数を数えます。
type attemptLimiter struct {
	policy LimiterPolicy
	now    func() time.Time

	mu       sync.Mutex
	attempts map[string]*attempt
}

func newAttemptLimiter(policy LimiterPolicy) *attemptLimiter {
	if policy.MaxAttempts <= 0 {
		policy = DefaultLimiterPolicy
	}
	return &attemptLimiter{
		policy:   policy,
		now:      time.Now,
		attempts: make(map[string]*attempt),
	}
}

// retryAfter はロック中であれば残り時間を返します。
func (l *attemptLimiter) retryAfter(key string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	a, ok := l.attempts[key]
	if !ok {
		return 0
	}
	remaining := a.lockedUntil.Sub(l.now())
	if remaining <= 0 {
		return 0
	}
	return remaining
}

// fail は失敗を記録し、ロックまでの残り回数を返します。
func (l *attemptLimiter) fail(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	a, ok := l.attempts[key]
	if !ok || now.Sub(a.windowStart) > l.policy.Window {
		a = &attempt{windowStart: now}
		l.attempts[key] = a
	}

	a.failures++
	if a.failures >= l.policy.MaxAttempts {
		a.failures = l.policy.MaxAttempts
		a.lockedUntil = now.Add(l.policy.Lock)
	}
	return l.policy.MaxAttempts - a.failures
}

func (l *attemptLimiter) reset(key string) {
	l.mu.Lock()
	delete(l.attempts, key)
	l.mu.Unlock()
}

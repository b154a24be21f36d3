package ratelimit

import (
	"context"
	"sync"
	"time"
)

// idleTTL 超过该时间未访问的令牌桶会被清理
const idleTTL = 24 * time.Hour

// Limiter 按键限速的令牌桶集合
//
// limit <= 0 时不限速。SetLimit 之后新的参数只影响新建的令牌桶，
// 已有的令牌桶被丢弃重建。
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*TokenBucket
	limit   int
	window  time.Duration
	now     func() time.Time
}

// New 创建限速器，每个键在 window 内最多 limit 次
func New(limit int, window time.Duration) *Limiter {
	if window <= 0 {
		window = time.Minute
	}
	return &Limiter{
		buckets: make(map[string]*TokenBucket),
		limit:   limit,
		window:  window,
		now:     time.Now,
	}
}

// SetLimit 更新限速参数（配置热重载）
func (l *Limiter) SetLimit(limit int, window time.Duration) {
	if window <= 0 {
		window = time.Minute
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if limit == l.limit && window == l.window {
		return
	}
	l.limit = limit
	l.window = window
	l.buckets = make(map[string]*TokenBucket)
}

// Allow 检查 key 是否还有可用令牌
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.limit <= 0 {
		return true
	}

	now := l.now()
	bucket, ok := l.buckets[key]
	if !ok {
		bucket = NewTokenBucket(l.limit, l.window, now)
		l.buckets[key] = bucket
	}
	return bucket.Allow(now)
}

// Cleanup 定期清理长时间未使用的令牌桶，直到 ctx 结束
func (l *Limiter) Cleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.sweep()
		case <-ctx.Done():
			return
		}
	}
}

func (l *Limiter) sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for key, bucket := range l.buckets {
		if now.Sub(bucket.lastAccess) > idleTTL {
			delete(l.buckets, key)
		}
	}
}

// TokenBucket 令牌桶
type TokenBucket struct {
	capacity   int
	refillRate time.Duration
	tokens     int
	lastRefill time.Time
	lastAccess time.Time
}

// NewTokenBucket 创建令牌桶，初始为满
func NewTokenBucket(capacity int, refillWindow time.Duration, now time.Time) *TokenBucket {
	rate := refillWindow / time.Duration(capacity)
	if rate <= 0 {
		rate = time.Nanosecond
	}
	return &TokenBucket{
		capacity:   capacity,
		refillRate: rate,
		tokens:     capacity,
		lastRefill: now,
		lastAccess: now,
	}
}

// Allow 检查是否允许请求，调用方负责加锁
func (tb *TokenBucket) Allow(now time.Time) bool {
	tb.lastAccess = now

	// 补充令牌
	elapsed := now.Sub(tb.lastRefill)
	tokensToAdd := int(elapsed / tb.refillRate)
	if tokensToAdd > 0 {
		tb.tokens = min(tb.capacity, tb.tokens+tokensToAdd)
		tb.lastRefill = tb.lastRefill.Add(time.Duration(tokensToAdd) * tb.refillRate)
	}

	if tb.tokens > 0 {
		tb.tokens--
		return true
	}
	return false
}

package handler

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Token bucket per key (IP). The bucket map is an LRU so a scan of spoofed
// addresses cannot grow it without bound; evicted clients simply start with a
// fresh bucket.
type tokenBucket struct {
	tokens float64
	last   time.Time
}

type SimpleRateLimiter struct {
	buckets *lru.Cache[string, *tokenBucket]
	mu      sync.Mutex
	rate    float64
	burst   float64
}

func NewSimpleRateLimiter() *SimpleRateLimiter {
	buckets, _ := lru.New[string, *tokenBucket](4096)
	return &SimpleRateLimiter{
		buckets: buckets,
		rate:    5.0, // tokens per second
		burst:   20,  // burst capacity
	}
}

func (s *SimpleRateLimiter) Allow(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	b, ok := s.buckets.Get(key)
	if !ok {
		s.buckets.Add(key, &tokenBucket{tokens: s.burst - 1, last: now})
		return true
	}
	elapsed := now.Sub(b.last).Seconds()
	b.tokens += elapsed * s.rate
	if b.tokens > s.burst {
		b.tokens = s.burst
	}
	b.last = now
	if b.tokens >= 1 {
		b.tokens -= 1
		return true
	}
	return false
}

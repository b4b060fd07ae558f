package utils

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"bilifetch/internal"
)

// TokenBucketLimiter bounds aggregate transfer speed with a token bucket.
// One limiter is shared by all range workers, so the configured rate caps the
// whole download, not each connection.
type TokenBucketLimiter struct {
	mu       sync.Mutex
	rate     int64 // bytes per second; <= 0 disables limiting
	tokens   float64
	capacity float64
	last     time.Time
}

// NewTokenBucketLimiter creates a limiter allowing bytesPerSecond. The bucket
// starts full, so the first burst goes through undelayed.
func NewTokenBucketLimiter(bytesPerSecond int64) internal.RateLimiter {
	return &TokenBucketLimiter{
		rate:     bytesPerSecond,
		tokens:   float64(bytesPerSecond),
		capacity: float64(bytesPerSecond),
		last:     time.Now(),
	}
}

// Wait blocks until n bytes may be consumed or ctx is done.
func (l *TokenBucketLimiter) Wait(ctx context.Context, n int) error {
	l.mu.Lock()
	if l.rate <= 0 {
		l.mu.Unlock()
		return nil
	}

	now := time.Now()
	l.tokens += now.Sub(l.last).Seconds() * float64(l.rate)
	if l.tokens > l.capacity {
		l.tokens = l.capacity
	}
	l.last = now

	need := float64(n)
	if l.tokens >= need {
		l.tokens -= need
		l.mu.Unlock()
		return nil
	}

	// Drain the bucket and sleep off the deficit.
	deficit := need - l.tokens
	l.tokens = 0
	wait := time.Duration(deficit / float64(l.rate) * float64(time.Second))
	l.mu.Unlock()

	select {
	case <-time.After(wait):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetRate changes the allowed rate. The bucket is clamped to the new
// capacity so a lowered rate takes effect immediately.
func (l *TokenBucketLimiter) SetRate(bytesPerSecond int64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.rate = bytesPerSecond
	l.capacity = float64(bytesPerSecond)
	if l.tokens > l.capacity {
		l.tokens = l.capacity
	}
}

// rateLimitRe accepts a decimal number with an optional binary-unit suffix:
// "1048576", "512K", "5M", "1.5GB".
var rateLimitRe = regexp.MustCompile(`^([0-9]+(?:\.[0-9]+)?)\s*([KMGT]?B?)$`)

var rateUnits = map[string]float64{
	"":   1,
	"B":  1,
	"K":  1 << 10,
	"KB": 1 << 10,
	"M":  1 << 20,
	"MB": 1 << 20,
	"G":  1 << 30,
	"GB": 1 << 30,
	"T":  1 << 40,
	"TB": 1 << 40,
}

// ParseRateLimit converts a human-readable rate like "5M" or "1.5GB" to
// bytes per second. Bare numbers are bytes; an empty string means unlimited.
func ParseRateLimit(rateStr string) (int64, error) {
	trimmed := strings.ToUpper(strings.TrimSpace(rateStr))
	if trimmed == "" {
		return 0, nil
	}

	m := rateLimitRe.FindStringSubmatch(trimmed)
	if m == nil {
		return 0, fmt.Errorf("invalid rate format: %q (expected forms: 1048576, 512K, 5M, 1.5GB)", rateStr)
	}

	value, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid numeric value in rate: %q", m[1])
	}

	unit, ok := rateUnits[m[2]]
	if !ok {
		return 0, fmt.Errorf("unsupported rate suffix: %q", m[2])
	}

	result := int64(value * unit)
	if result < 0 {
		return 0, fmt.Errorf("rate value overflow: %q", rateStr)
	}
	return result, nil
}

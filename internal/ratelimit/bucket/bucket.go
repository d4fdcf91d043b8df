// Package bucket implements a token-bucket limiter. It smooths traffic to a
// steady rate of Policy.Requests per Policy.Window instead of counting the
// exact instants a sliding window does, which makes it cheaper per call but
// looser at window edges.
package bucket

import (
	"context"
	"sync"
	"time"

	"github.com/rategate/rategate/internal/ratelimit"
)

type bucket struct {
	mu         sync.Mutex
	token      float64
	lastRefill time.Time
}

type Limiter struct {
	bucket sync.Map
}

func New() *Limiter {
	return &Limiter{}
}

func (l *Limiter) Close() error { return nil }

func (l *Limiter) Allow(_ context.Context, key string, p ratelimit.Policy, now time.Time) (ratelimit.Decision, error) {
	if p.Requests <= 0 || p.Window <= 0 {
		return ratelimit.Decision{Allowed: true, Limit: p.Requests}, nil
	}

	refillPerSec := float64(p.Requests) / p.Window.Seconds()
	capacity := float64(p.Requests)
	if p.Burst > 0 {
		capacity = float64(p.Burst)
	}

	// create bucket
	v, _ := l.bucket.LoadOrStore(key, &bucket{
		token:      capacity,
		lastRefill: now,
	})

	b := v.(*bucket)

	b.mu.Lock()
	defer b.mu.Unlock()

	// refill tokens
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.token += elapsed * refillPerSec
		if b.token > capacity {
			b.token = capacity
		}
		b.lastRefill = now
	}

	// decide
	allow := b.token >= 1.0
	if allow {
		b.token -= 1.0
	}

	// wait until one token has refilled
	var retry time.Duration
	if !allow {
		need := 1.0 - b.token
		retry = time.Duration(need / refillPerSec * float64(time.Second))
	}

	// estimate reset time (to full)
	var resetSec int64
	if b.token >= capacity {
		resetSec = now.Unix()
	} else {
		need := capacity - b.token
		sec := need / refillPerSec
		resetSec = now.Add(time.Duration(sec * float64(time.Second))).Unix()
	}

	return ratelimit.Decision{
		Allowed:      allow,
		Limit:        p.Requests,
		Remaining:    int(b.token),
		RetryAfter:   retry,
		ResetUnixSec: resetSec,
	}, nil
}

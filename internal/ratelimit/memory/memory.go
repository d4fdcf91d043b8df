// Package memory implements the sliding-window limiter on process-local
// state.
//
// Each key owns a log of admitted-request instants. On every Allow call the
// log is pruned of entries a full window old, then the request is admitted
// and recorded only if fewer than Policy.Requests entries remain. The log
// lives in a sharded map: a key's prune-decide-append sequence runs under
// its shard's mutex, so concurrent requests for one key can never both read
// a stale count, while unrelated keys rarely contend.
//
// Idle keys are evicted by a background sweep so the map does not grow
// without bound; an optional cap on tracked keys rejects unseen keys
// fail-closed when the map is full.
package memory

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/rategate/rategate/internal/ratelimit"
)

const shardCount = 32 // power of two, keys spread by hash

type entry struct {
	times   []time.Time // admitted instants, roughly ascending
	expires time.Time   // latest expiry of any admitted instant; sweep removes at/after this
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*entry
}

type Limiter struct {
	shards [shardCount]shard

	clock      func() time.Time
	sweepEvery time.Duration
	maxClients int

	// onEvict receives the number of entries removed by a sweep pass.
	// onCapacity fires once per full period: set when a key is first turned
	// away at the cap, re-armed when a sweep frees space.
	onEvict    func(evicted int)
	onCapacity func()

	count    atomic.Int64 // tracked keys across all shards
	capFired atomic.Bool

	stop     chan struct{}
	stopOnce sync.Once
}

type Option func(*Limiter)

// WithSweepInterval sets how often idle keys are swept out. Zero disables
// the background sweep entirely.
func WithSweepInterval(d time.Duration) Option {
	return func(l *Limiter) {
		l.sweepEvery = d
	}
}

// WithMaxClients bounds the number of tracked keys. When the bound is hit,
// requests from unseen keys are rejected until a sweep frees space. Zero
// means unbounded.
func WithMaxClients(n int) Option {
	return func(l *Limiter) {
		l.maxClients = n
	}
}

// WithClock overrides the clock used by the sweeper. Allow never reads it;
// decisions use the caller-supplied instant.
func WithClock(fn func() time.Time) Option {
	return func(l *Limiter) {
		l.clock = fn
	}
}

// WithOnEvict sets a callback invoked after each sweep pass that removed
// entries, with the number removed.
func WithOnEvict(fn func(evicted int)) Option {
	return func(l *Limiter) {
		l.onEvict = fn
	}
}

// WithOnCapacity sets a callback invoked when a request is first turned away
// because the tracked-key bound is full.
func WithOnCapacity(fn func()) Option {
	return func(l *Limiter) {
		l.onCapacity = fn
	}
}

// New creates the limiter and, unless the sweep interval is zero, starts the
// eviction goroutine. Close stops it.
func New(opts ...Option) *Limiter {
	l := &Limiter{
		clock:      time.Now,
		sweepEvery: time.Minute,
		stop:       make(chan struct{}),
	}
	for i := range l.shards {
		l.shards[i].entries = make(map[string]*entry)
	}
	for _, o := range opts {
		o(l)
	}
	if l.sweepEvery > 0 {
		go l.sweepLoop()
	}
	return l
}

func (l *Limiter) Close() error {
	l.stopOnce.Do(func() { close(l.stop) })
	return nil
}

// Len reports the number of keys currently tracked.
func (l *Limiter) Len() int {
	return int(l.count.Load())
}

func (l *Limiter) shardFor(key string) *shard {
	return &l.shards[xxhash.Sum64String(key)&(shardCount-1)]
}

func (l *Limiter) Allow(_ context.Context, key string, p ratelimit.Policy, now time.Time) (ratelimit.Decision, error) {
	if p.Requests <= 0 || p.Window <= 0 {
		return ratelimit.Decision{Allowed: true, Limit: p.Requests}, nil
	}

	sh := l.shardFor(key)
	sh.mu.Lock()

	e, ok := sh.entries[key]
	if !ok {
		// reserve the slot up front: shards lock independently, so a
		// load-then-add would let concurrent unseen keys pass the bound
		// together
		if n := l.count.Add(1); l.maxClients > 0 && n > int64(l.maxClients) {
			l.count.Add(-1)
			sh.mu.Unlock()
			// hook runs outside the lock, it may do slow work
			if l.capFired.CompareAndSwap(false, true) && l.onCapacity != nil {
				l.onCapacity()
			}
			return ratelimit.Decision{
				Limit:      p.Requests,
				RetryAfter: l.sweepEvery,
			}, nil
		}
		e = &entry{}
		sh.entries[key] = e
	}

	// drop instants a full window old. Callers sample the clock before
	// taking the shard lock, so the log is not strictly ascending: every
	// element is checked, and the oldest survivor is tracked for the
	// reset instant.
	cutoff := now.Add(-p.Window)
	kept := e.times[:0]
	oldest := now
	for _, t := range e.times {
		if !t.After(cutoff) {
			continue
		}
		kept = append(kept, t)
		if t.Before(oldest) {
			oldest = t
		}
	}
	e.times = kept
	reset := oldest.Add(p.Window)

	if len(e.times) >= p.Requests {
		dec := ratelimit.Decision{
			Limit:        p.Requests,
			RetryAfter:   reset.Sub(now),
			ResetUnixSec: reset.Unix(),
		}
		sh.mu.Unlock()
		return dec, nil
	}

	e.times = append(e.times, now)
	if exp := now.Add(p.Window); exp.After(e.expires) {
		e.expires = exp
	}
	dec := ratelimit.Decision{
		Allowed:      true,
		Limit:        p.Requests,
		Remaining:    p.Requests - len(e.times),
		ResetUnixSec: reset.Unix(),
	}
	sh.mu.Unlock()
	return dec, nil
}

func (l *Limiter) sweepLoop() {
	ticker := time.NewTicker(l.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.sweepOnce(l.clock())
		}
	}
}

// sweepOnce removes every entry whose newest instant is at least a window
// old and returns how many were removed.
func (l *Limiter) sweepOnce(now time.Time) int {
	evicted := 0
	for i := range l.shards {
		sh := &l.shards[i]
		sh.mu.Lock()
		for key, e := range sh.entries {
			if !e.expires.After(now) {
				delete(sh.entries, key)
				evicted++
			}
		}
		sh.mu.Unlock()
	}
	if evicted > 0 {
		l.count.Add(int64(-evicted))
		l.capFired.Store(false)
		if l.onEvict != nil {
			l.onEvict(evicted)
		}
	}
	return evicted
}

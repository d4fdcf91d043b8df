package memory

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rategate/rategate/internal/ratelimit"
)

var base = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// at returns an instant the given number of seconds after the test epoch.
func at(sec float64) time.Time {
	return base.Add(time.Duration(sec * float64(time.Second)))
}

// newTestLimiter returns a limiter with the background sweep disabled so
// tests drive eviction explicitly via sweepOnce.
func newTestLimiter(t *testing.T, opts ...Option) *Limiter {
	t.Helper()
	all := append([]Option{WithSweepInterval(0)}, opts...)
	l := New(all...)
	t.Cleanup(func() { l.Close() })
	return l
}

func allow(t *testing.T, l *Limiter, key string, p ratelimit.Policy, now time.Time) ratelimit.Decision {
	t.Helper()
	dec, err := l.Allow(context.Background(), key, p, now)
	if err != nil {
		t.Fatalf("Allow(%q): %v", key, err)
	}
	return dec
}

func TestAllow_CallsSpacedBeyondWindowAlwaysAdmitted(t *testing.T) {
	l := newTestLimiter(t)
	p := ratelimit.Policy{Requests: 1, Window: 10 * time.Second}

	// every call is further than a window from the previous one, so each
	// sees an empty log and is admitted even with a budget of 1
	for i := 0; i < 5; i++ {
		now := at(float64(i) * 11)
		dec := allow(t, l, "a", p, now)
		if !dec.Allowed {
			t.Fatalf("call %d at %v should be admitted", i+1, now)
		}
		if dec.Remaining != 0 {
			t.Fatalf("call %d: remaining = %d, want 0", i+1, dec.Remaining)
		}
	}
}

func TestAllow_FullBudgetAtSameInstant(t *testing.T) {
	l := newTestLimiter(t)
	p := ratelimit.Policy{Requests: 5, Window: 10 * time.Second}

	for i := 0; i < 5; i++ {
		dec := allow(t, l, "a", p, at(0))
		if !dec.Allowed {
			t.Fatalf("request %d should be admitted (budget 5)", i+1)
		}
		if want := 4 - i; dec.Remaining != want {
			t.Fatalf("request %d: remaining = %d, want %d", i+1, dec.Remaining, want)
		}
	}

	// budget spent, the very next request is turned away and not recorded
	dec := allow(t, l, "a", p, at(0))
	if dec.Allowed {
		t.Fatal("request 6 should be rejected")
	}
	if dec.RetryAfter != 10*time.Second {
		t.Fatalf("RetryAfter = %v, want 10s (oldest instant is now)", dec.RetryAfter)
	}
}

// Window 10s, budget 5, one request per second.
func TestAllow_SlidingWindowScenario(t *testing.T) {
	l := newTestLimiter(t)
	p := ratelimit.Policy{Requests: 5, Window: 10 * time.Second}

	for i := 0; i < 5; i++ {
		dec := allow(t, l, "A", p, at(float64(i)))
		if !dec.Allowed {
			t.Fatalf("request %d at t=%d should be admitted", i+1, i)
		}
	}

	// 6th request at t=4.5: five instants (0..4) are inside the window
	dec := allow(t, l, "A", p, at(4.5))
	if dec.Allowed {
		t.Fatal("6th request within the window should be rejected")
	}
	if want := 5500 * time.Millisecond; dec.RetryAfter != want {
		t.Fatalf("RetryAfter = %v, want %v (oldest at t=0 expires at t=10)", dec.RetryAfter, want)
	}
	if dec.Remaining != 0 {
		t.Fatalf("Remaining = %d, want 0", dec.Remaining)
	}

	// at t=15 everything recorded before t=5 has aged out
	dec = allow(t, l, "A", p, at(15))
	if !dec.Allowed {
		t.Fatal("request at t=15 should be admitted, window is empty again")
	}
}

func TestAllow_RejectionIsNotRecorded(t *testing.T) {
	l := newTestLimiter(t)
	p := ratelimit.Policy{Requests: 2, Window: 10 * time.Second}

	allow(t, l, "a", p, at(0))
	allow(t, l, "a", p, at(1))

	// hammer while full; none of these may extend the window
	for i := 0; i < 10; i++ {
		if dec := allow(t, l, "a", p, at(2)); dec.Allowed {
			t.Fatal("request while full should be rejected")
		}
	}

	// oldest admitted instant is t=0, so capacity frees at t=10 regardless
	// of the rejected burst at t=2
	if dec := allow(t, l, "a", p, at(10)); !dec.Allowed {
		t.Fatal("request at t=10 should be admitted, t=0 has aged out")
	}
}

// An instant exactly one window old no longer counts.
func TestAllow_PruneBoundaryIsInclusive(t *testing.T) {
	l := newTestLimiter(t)
	p := ratelimit.Policy{Requests: 1, Window: 10 * time.Second}

	allow(t, l, "a", p, at(0))

	if dec := allow(t, l, "a", p, at(9.999)); dec.Allowed {
		t.Fatal("request inside the window should be rejected")
	}
	if dec := allow(t, l, "a", p, at(10)); !dec.Allowed {
		t.Fatal("instant recorded exactly one window ago should have expired")
	}
}

// Callers sample the clock before taking the shard lock, so of two
// concurrent requests the one holding the later instant can land in the
// log first. Ageing out must not depend on log order.
func TestAllow_OutOfOrderInstantsStillAgeOut(t *testing.T) {
	l := newTestLimiter(t)
	p := ratelimit.Policy{Requests: 2, Window: 10 * time.Second}

	allow(t, l, "a", p, at(0.001))
	allow(t, l, "a", p, at(0)) // one millisecond older, appended second

	// a full window past t=0 the older instant is gone even though it
	// sits behind a newer head
	dec := allow(t, l, "a", p, at(10.0005))
	if !dec.Allowed {
		t.Fatalf("request at t=10.0005 should be admitted, t=0 has aged out: %+v", dec)
	}
	if dec.Remaining != 0 {
		t.Fatalf("Remaining = %d, want 0 (t=0.001 is still inside the window)", dec.Remaining)
	}
}

func TestAllow_RejectionUsesTrueOldestInstant(t *testing.T) {
	l := newTestLimiter(t)
	p := ratelimit.Policy{Requests: 2, Window: 10 * time.Second}

	allow(t, l, "a", p, at(5))
	allow(t, l, "a", p, at(0)) // log head is t=5, true oldest is t=0

	dec := allow(t, l, "a", p, at(6))
	if dec.Allowed {
		t.Fatal("budget of 2 is spent, request at t=6 should be rejected")
	}
	if want := 4 * time.Second; dec.RetryAfter != want {
		t.Fatalf("RetryAfter = %v, want %v (capacity frees when t=0 ages out)", dec.RetryAfter, want)
	}
	if want := at(10).Unix(); dec.ResetUnixSec != want {
		t.Fatalf("ResetUnixSec = %d, want %d", dec.ResetUnixSec, want)
	}
}

func TestAllow_KeysDoNotShareBudget(t *testing.T) {
	l := newTestLimiter(t)
	p := ratelimit.Policy{Requests: 2, Window: 10 * time.Second}

	allow(t, l, "a", p, at(0))
	allow(t, l, "a", p, at(0))
	if dec := allow(t, l, "a", p, at(0)); dec.Allowed {
		t.Fatal("key a should be exhausted")
	}

	if dec := allow(t, l, "b", p, at(0)); !dec.Allowed {
		t.Fatal("key b has its own budget and should be admitted")
	}
}

func TestAllow_EmptyKeyIsOneSharedWindow(t *testing.T) {
	l := newTestLimiter(t)
	p := ratelimit.Policy{Requests: 1, Window: 10 * time.Second}

	if dec := allow(t, l, "", p, at(0)); !dec.Allowed {
		t.Fatal("first request on the empty key should be admitted")
	}
	if dec := allow(t, l, "", p, at(0)); dec.Allowed {
		t.Fatal("empty key shares one window, second request should be rejected")
	}
}

func TestAllow_DegeneratePolicyAdmitsEverything(t *testing.T) {
	l := newTestLimiter(t)

	for _, p := range []ratelimit.Policy{
		{Requests: 0, Window: 10 * time.Second},
		{Requests: 5, Window: 0},
	} {
		for i := 0; i < 100; i++ {
			if dec := allow(t, l, "a", p, at(0)); !dec.Allowed {
				t.Fatalf("policy %+v should admit everything", p)
			}
		}
	}
}

func TestAllow_DecisionFields(t *testing.T) {
	l := newTestLimiter(t)
	p := ratelimit.Policy{Requests: 3, Window: 10 * time.Second}

	dec := allow(t, l, "a", p, at(0))
	if dec.Limit != 3 {
		t.Fatalf("Limit = %d, want 3", dec.Limit)
	}
	if dec.Remaining != 2 {
		t.Fatalf("Remaining = %d, want 2", dec.Remaining)
	}
	if dec.RetryAfter != 0 {
		t.Fatalf("RetryAfter = %v, want 0 on admission", dec.RetryAfter)
	}
	if want := at(10).Unix(); dec.ResetUnixSec != want {
		t.Fatalf("ResetUnixSec = %d, want %d", dec.ResetUnixSec, want)
	}

	// the reset instant tracks the oldest retained entry
	allow(t, l, "a", p, at(4))
	dec = allow(t, l, "a", p, at(12)) // t=0 pruned, oldest now t=4
	if want := at(14).Unix(); dec.ResetUnixSec != want {
		t.Fatalf("ResetUnixSec = %d, want %d", dec.ResetUnixSec, want)
	}
}

// sweep

func TestSweepOnce_EvictsIdleKeys(t *testing.T) {
	var evicted atomic.Int32
	l := newTestLimiter(t, WithOnEvict(func(n int) { evicted.Add(int32(n)) }))
	p := ratelimit.Policy{Requests: 5, Window: 10 * time.Second}

	allow(t, l, "a", p, at(0))
	allow(t, l, "b", p, at(0))
	if l.Len() != 2 {
		t.Fatalf("Len = %d, want 2", l.Len())
	}

	// not yet stale at t=9.999
	if n := l.sweepOnce(at(9.999)); n != 0 {
		t.Fatalf("sweep at 9.999s evicted %d, want 0", n)
	}

	// both newest instants are a full window old at t=10
	if n := l.sweepOnce(at(10)); n != 2 {
		t.Fatalf("sweep at 10s evicted %d, want 2", n)
	}
	if l.Len() != 0 {
		t.Fatalf("Len after sweep = %d, want 0", l.Len())
	}
	if evicted.Load() != 2 {
		t.Fatalf("OnEvict total = %d, want 2", evicted.Load())
	}
}

func TestSweepOnce_KeepsActiveKeys(t *testing.T) {
	l := newTestLimiter(t)
	p := ratelimit.Policy{Requests: 5, Window: 10 * time.Second}

	allow(t, l, "idle", p, at(0))
	allow(t, l, "busy", p, at(0))
	allow(t, l, "busy", p, at(8)) // refreshes expiry to t=18

	if n := l.sweepOnce(at(12)); n != 1 {
		t.Fatalf("sweep evicted %d, want 1 (only the idle key)", n)
	}
	if l.Len() != 1 {
		t.Fatalf("Len = %d, want 1", l.Len())
	}
}

func TestSweepOnce_ExpiryTracksNewestInstant(t *testing.T) {
	l := newTestLimiter(t)
	p := ratelimit.Policy{Requests: 5, Window: 10 * time.Second}

	allow(t, l, "a", p, at(2))
	allow(t, l, "a", p, at(0)) // must not pull the expiry back to t=10

	if n := l.sweepOnce(at(11)); n != 0 {
		t.Fatalf("sweep at 11s evicted %d, want 0 (newest instant expires at t=12)", n)
	}
	if n := l.sweepOnce(at(12)); n != 1 {
		t.Fatalf("sweep at 12s evicted %d, want 1", n)
	}
}

func TestSweepLoop_RunsOnTicker(t *testing.T) {
	var evicted atomic.Int32
	l := New(
		WithSweepInterval(10*time.Millisecond),
		WithClock(func() time.Time { return at(60) }), // far past every expiry
		WithOnEvict(func(n int) { evicted.Add(int32(n)) }),
	)
	defer l.Close()

	p := ratelimit.Policy{Requests: 5, Window: 10 * time.Second}
	allow(t, l, "a", p, at(0))

	deadline := time.Now().Add(2 * time.Second)
	for evicted.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if evicted.Load() == 0 {
		t.Fatal("background sweep never evicted the stale key")
	}
}

// max clients

func TestMaxClients_UnseenKeyRejectedAtCap(t *testing.T) {
	l := newTestLimiter(t, WithMaxClients(2))
	p := ratelimit.Policy{Requests: 5, Window: 10 * time.Second}

	allow(t, l, "a", p, at(0))
	allow(t, l, "b", p, at(0))

	dec := allow(t, l, "c", p, at(0))
	if dec.Allowed {
		t.Fatal("unseen key should be rejected while the map is full")
	}
	if l.Len() != 2 {
		t.Fatalf("Len = %d, want 2 (rejected key must not be tracked)", l.Len())
	}
}

func TestMaxClients_KnownKeysStillServedAtCap(t *testing.T) {
	l := newTestLimiter(t, WithMaxClients(2))
	p := ratelimit.Policy{Requests: 5, Window: 10 * time.Second}

	allow(t, l, "a", p, at(0))
	allow(t, l, "b", p, at(0))
	allow(t, l, "c", p, at(0)) // turned away

	if dec := allow(t, l, "a", p, at(1)); !dec.Allowed {
		t.Fatal("known key should still be served at the cap")
	}
}

func TestMaxClients_RateLimitStillAppliesAtCap(t *testing.T) {
	l := newTestLimiter(t, WithMaxClients(1))
	p := ratelimit.Policy{Requests: 1, Window: 10 * time.Second}

	allow(t, l, "a", p, at(0))
	if dec := allow(t, l, "a", p, at(1)); dec.Allowed {
		t.Fatal("known key over budget should be rejected, cap or no cap")
	}
}

func TestMaxClients_OnCapacityFiresOncePerFullPeriod(t *testing.T) {
	var fired atomic.Int32
	l := newTestLimiter(t, WithMaxClients(1), WithOnCapacity(func() { fired.Add(1) }))
	p := ratelimit.Policy{Requests: 5, Window: 10 * time.Second}

	allow(t, l, "a", p, at(0))
	for i := 0; i < 5; i++ {
		allow(t, l, fmt.Sprintf("new%d", i), p, at(0))
	}
	if fired.Load() != 1 {
		t.Fatalf("OnCapacity fired %d times, want 1", fired.Load())
	}

	// a sweep frees space and re-arms the notification
	l.sweepOnce(at(30))
	allow(t, l, "b", p, at(30))
	allow(t, l, "c", p, at(30))
	if fired.Load() != 2 {
		t.Fatalf("OnCapacity fired %d times after re-arm, want 2", fired.Load())
	}
}

func TestMaxClients_SweepFreesCapacity(t *testing.T) {
	l := newTestLimiter(t, WithMaxClients(1))
	p := ratelimit.Policy{Requests: 5, Window: 10 * time.Second}

	allow(t, l, "a", p, at(0))
	if dec := allow(t, l, "b", p, at(1)); dec.Allowed {
		t.Fatal("b should be rejected while the map is full")
	}

	l.sweepOnce(at(30))

	if dec := allow(t, l, "b", p, at(30)); !dec.Allowed {
		t.Fatal("b should be admitted once the sweep freed space")
	}
}

func TestMaxClients_ZeroMeansUnbounded(t *testing.T) {
	l := newTestLimiter(t, WithMaxClients(0))
	p := ratelimit.Policy{Requests: 1, Window: 10 * time.Second}

	for i := 0; i < 500; i++ {
		if dec := allow(t, l, fmt.Sprintf("key%d", i), p, at(0)); !dec.Allowed {
			t.Fatalf("key %d rejected with no cap configured", i)
		}
	}
	if l.Len() != 500 {
		t.Fatalf("Len = %d, want 500", l.Len())
	}
}

// Unseen keys land on different shards, so the bound has to hold across
// shard locks, not just within one.
func TestMaxClients_BoundHoldsUnderContention(t *testing.T) {
	l := newTestLimiter(t, WithMaxClients(1))
	p := ratelimit.Policy{Requests: 5, Window: 10 * time.Second}

	var wg sync.WaitGroup
	var admitted atomic.Int32
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			dec, err := l.Allow(context.Background(), fmt.Sprintf("key%d", n), p, at(0))
			if err == nil && dec.Allowed {
				admitted.Add(1)
			}
		}(i)
	}
	wg.Wait()

	if admitted.Load() != 1 {
		t.Fatalf("admitted = %d, want exactly 1 with a bound of 1", admitted.Load())
	}
	if l.Len() != 1 {
		t.Fatalf("Len = %d, want 1", l.Len())
	}
}

// concurrency

func TestAllow_ConcurrentSameKeyAdmitsExactBudget(t *testing.T) {
	l := newTestLimiter(t)
	p := ratelimit.Policy{Requests: 10, Window: 10 * time.Second}

	var wg sync.WaitGroup
	var admitted, rejected atomic.Int32
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			dec, err := l.Allow(context.Background(), "hot", p, at(0))
			if err != nil {
				t.Errorf("Allow: %v", err)
				return
			}
			if dec.Allowed {
				admitted.Add(1)
			} else {
				rejected.Add(1)
			}
		}()
	}
	wg.Wait()

	if admitted.Load() != 10 {
		t.Fatalf("admitted = %d, want exactly 10", admitted.Load())
	}
	if rejected.Load() != 90 {
		t.Fatalf("rejected = %d, want 90", rejected.Load())
	}
}

func TestAllow_ConcurrentDistinctKeys(t *testing.T) {
	l := newTestLimiter(t)
	p := ratelimit.Policy{Requests: 1, Window: 10 * time.Second}

	var wg sync.WaitGroup
	var admitted atomic.Int32
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			dec, err := l.Allow(context.Background(), fmt.Sprintf("key%d", n), p, at(0))
			if err == nil && dec.Allowed {
				admitted.Add(1)
			}
		}(i)
	}
	wg.Wait()

	if admitted.Load() != 64 {
		t.Fatalf("admitted = %d, want 64 (one per key)", admitted.Load())
	}
}

// lifecycle

func TestClose_Idempotent(t *testing.T) {
	l := New(WithSweepInterval(time.Millisecond))
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestDefaults(t *testing.T) {
	l := New()
	defer l.Close()
	if l.maxClients != 0 {
		t.Fatalf("default maxClients = %d, want 0", l.maxClients)
	}
	if l.clock == nil {
		t.Fatal("default clock is nil")
	}
	if l.sweepEvery != time.Minute {
		t.Fatalf("default sweep interval = %v, want 1m", l.sweepEvery)
	}
}

// Package ratelimit defines the admission-control contract shared by all
// limiter backends.
//
// A Policy of {Requests: N, Window: W} admits at most N requests per key
// within any trailing interval of length W. The count is exact: the Nth
// request in a window is admitted, the N+1th is rejected. A recorded request
// stops counting against the limit once it is a full Window old.
//
// Rejection is a normal outcome, not an error. The error return exists for
// backend failures (for example an unreachable Redis), never for a
// rate-limit decision.
package ratelimit

import (
	"context"
	"time"
)

type Policy struct {
	Requests int           // max admitted requests per window
	Window   time.Duration // trailing window length
	Burst    int           // bucket capacity, used by the token-bucket strategy only
}

type Decision struct {
	Allowed      bool
	Limit        int           // the policy's request budget
	Remaining    int           // budget left after this request (min 0)
	RetryAfter   time.Duration // on rejection, time until capacity frees (0 when admitted)
	ResetUnixSec int64         // when the current window pressure clears, zero when unknown
}

// Limiter decides whether a request identified by key is admitted under p.
// Callers inject now so decisions are reproducible in tests; implementations
// must not read the system clock on the decision path.
type Limiter interface {
	Allow(ctx context.Context, key string, p Policy, now time.Time) (Decision, error)
	Close() error
}

// Package throttle defines the bandwidth-limiter contract the receiver core
// consumes (Throttler) and a default token-bucket implementation over
// golang.org/x/time/rate.
package throttle

import (
	"context"

	"golang.org/x/time/rate"
)

// Throttler blocks the caller until n bytes of bandwidth budget are
// available. Implementations must bill on network bytes actually received
// -- including any over-read into a subsequent frame -- not application
// bytes, since the policy is about wire traffic.
type Throttler interface {
	Limit(ctx context.Context, n int64) error
}

// TokenBucket is the default Throttler, wrapping a rate.Limiter sized in
// bytes per second with a burst equal to one second of budget.
type TokenBucket struct {
	limiter *rate.Limiter
}

// NewTokenBucket returns a Throttler allowing bytesPerSecond of sustained
// throughput. A bytesPerSecond of 0 disables throttling.
func NewTokenBucket(bytesPerSecond int64) *TokenBucket {
	if bytesPerSecond <= 0 {
		return &TokenBucket{limiter: nil}
	}
	return &TokenBucket{limiter: rate.NewLimiter(rate.Limit(bytesPerSecond), int(bytesPerSecond))}
}

// Limit blocks until n bytes of budget are available, respecting ctx
// cancellation (e.g. the receiver's abort signal).
func (t *TokenBucket) Limit(ctx context.Context, n int64) error {
	if t.limiter == nil || n <= 0 {
		return nil
	}
	// rate.Limiter.WaitN refuses requests bigger than its burst size; split
	// large requests into burst-sized slices rather than failing outright.
	burst := int64(t.limiter.Burst())
	for n > 0 {
		chunk := n
		if burst > 0 && chunk > burst {
			chunk = burst
		}
		if err := t.limiter.WaitN(ctx, int(chunk)); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}

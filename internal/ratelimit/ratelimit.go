// Package ratelimit implements the process-wide byte-rate budget shared by
// every in-flight download stream.
package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// burstCap bounds how many bytes a single acquire call may request in one
// go; readers are expected to chunk their reads well below this, but the
// limiter must never choke on a single oversized request.
const burstCap = 1 << 20 // 1 MiB

// Limiter enforces a shared bytes-per-second budget across all callers.
// A Limiter with B == 0 is unlimited: acquire is a no-op.
type Limiter struct {
	mu  sync.Mutex
	lim *rate.Limiter
	bps int64
}

// New creates a Limiter with the given bytes-per-second budget.
// bps == 0 means unlimited.
func New(bps int64) *Limiter {
	l := &Limiter{}
	l.setLocked(bps)
	return l
}

// Unlimited returns a Limiter that never blocks.
func Unlimited() *Limiter { return New(0) }

func (l *Limiter) setLocked(bps int64) {
	l.bps = bps
	if bps <= 0 {
		l.lim = rate.NewLimiter(rate.Inf, burstCap)
		return
	}
	burst := int(bps)
	if burst < burstCap {
		burst = burstCap
	}
	l.lim = rate.NewLimiter(rate.Limit(bps), burst)
}

// SetLimit changes the budget immediately: swapping the underlying limiter
// resets the current window rather than letting a stale burst balance
// carry over.
func (l *Limiter) SetLimit(bps int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.setLocked(bps)
}

// Limit reports the currently configured bytes-per-second budget (0 = unlimited).
func (l *Limiter) Limit() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.bps
}

// Acquire blocks cooperatively until n bytes of budget are available, then
// debits them. It is safe to call from many goroutines concurrently.
func (l *Limiter) Acquire(ctx context.Context, n int) error {
	if n <= 0 {
		return nil
	}
	l.mu.Lock()
	lim := l.lim
	unlimited := l.bps <= 0
	l.mu.Unlock()
	if unlimited {
		return nil
	}
	// WaitN refuses requests larger than the burst size; since we size the
	// burst to at least n's practical upper bound (see burstCap) this only
	// trips if a caller passes an unreasonably large read, in which case
	// splitting into burstCap-sized pieces keeps forward progress.
	for n > 0 {
		take := n
		if take > burstCap {
			take = burstCap
		}
		if err := lim.WaitN(ctx, take); err != nil {
			return err
		}
		n -= take
	}
	return nil
}

// Acquire debits n bytes from every given limiter in turn, so the slowest
// of them bounds the effective throughput over time. This is how a read
// path enforces "min(global, per-item)" without the two budgets sharing a
// single bucket. Nil limiters are skipped.
func Acquire(ctx context.Context, n int, limiters ...*Limiter) error {
	for _, l := range limiters {
		if l == nil {
			continue
		}
		if err := l.Acquire(ctx, n); err != nil {
			return err
		}
	}
	return nil
}

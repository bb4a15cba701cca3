// ratelimit.go implements token-bucket admission control for venue APIs.
//
// Each venue gets one bucket per endpoint class (market data, order
// placement, cancels, account reads) so a burst of book polling can never
// starve order placement. Buckets refill continuously and hand out
// reservations in FIFO order: a caller that arrives first is admitted
// first, even when both are waiting for refill.
//
// Acquire never fails on its own — it suspends until tokens are available
// or the caller's context is cancelled.
package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Class is the endpoint class a request belongs to. Each class maps to its
// own token bucket.
type Class string

const (
	ClassMarket  Class = "market"  // book/ticker/markets reads
	ClassOrder   Class = "order"   // order placement
	ClassCancel  Class = "cancel"  // order cancels
	ClassAccount Class = "account" // balances, open orders
)

// Bucket is a token bucket with continuous refill and FIFO admission.
//
// Admission works on reservations: under the lock, each caller deducts its
// tokens immediately (the balance may go negative) and computes the instant
// at which the balance it consumed has been refilled. Because reservations
// are taken in call order, wake-up times are non-decreasing and admission
// is first-come first-served.
type Bucket struct {
	mu       sync.Mutex
	tokens   float64   // current balance; negative while reservations are outstanding
	capacity float64   // maximum burst size
	rate     float64   // tokens refilled per second
	lastTime time.Time // last time the balance was advanced
}

// NewBucket creates a bucket with the given burst capacity and refill rate.
func NewBucket(capacity, ratePerSecond float64) *Bucket {
	return &Bucket{
		tokens:   capacity,
		capacity: capacity,
		rate:     ratePerSecond,
		lastTime: time.Now(),
	}
}

// Acquire blocks until n tokens are available or ctx is cancelled.
// On cancellation the reservation is returned to the bucket.
func (b *Bucket) Acquire(ctx context.Context, n int) error {
	if n <= 0 {
		return nil
	}
	need := float64(n)

	b.mu.Lock()
	now := time.Now()
	b.advance(now)

	b.tokens -= need
	var wait time.Duration
	if b.tokens < 0 {
		// Balance went negative: this reservation is admitted once the
		// deficit has been refilled.
		wait = time.Duration(-b.tokens / b.rate * float64(time.Second))
	}
	b.mu.Unlock()

	if wait <= 0 {
		return nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		b.mu.Lock()
		b.tokens += need
		if b.tokens > b.capacity {
			b.tokens = b.capacity
		}
		b.mu.Unlock()
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// advance refills the balance for elapsed time. Caller holds the lock.
func (b *Bucket) advance(now time.Time) {
	elapsed := now.Sub(b.lastTime).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * b.rate
		if b.tokens > b.capacity {
			b.tokens = b.capacity
		}
		b.lastTime = now
	}
}

// Limiter groups buckets by (venue, class). Venues register their buckets
// once at adapter construction; every request path calls Acquire with the
// appropriate class before touching the wire.
type Limiter struct {
	mu      sync.RWMutex
	buckets map[string]*Bucket // key: venue + "/" + class
}

// NewLimiter creates an empty limiter.
func NewLimiter() *Limiter {
	return &Limiter{buckets: make(map[string]*Bucket)}
}

// Configure installs a bucket for the (venue, class) pair, replacing any
// existing one.
func (l *Limiter) Configure(venue string, class Class, capacity, ratePerSecond float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buckets[bucketKey(venue, class)] = NewBucket(capacity, ratePerSecond)
}

// ConfigureDefaults derives a bucket set for a venue from a requests-per-
// minute budget: half of the budget to market data, the rest split between
// orders, cancels, and account reads.
func (l *Limiter) ConfigureDefaults(venue string, reqPerMin int) {
	if reqPerMin <= 0 {
		reqPerMin = 600
	}
	perSec := float64(reqPerMin) / 60.0

	l.Configure(venue, ClassMarket, perSec*5, perSec/2)
	l.Configure(venue, ClassOrder, perSec*2.5, perSec/4)
	l.Configure(venue, ClassCancel, perSec*2.5, perSec/4)
	l.Configure(venue, ClassAccount, perSec*2.5, perSec/4)
}

// Acquire takes one token from the (venue, class) bucket, blocking until
// available or ctx is cancelled. An unconfigured pair is an error: every
// adapter must configure its buckets before issuing requests.
func (l *Limiter) Acquire(ctx context.Context, venue string, class Class) error {
	l.mu.RLock()
	b, ok := l.buckets[bucketKey(venue, class)]
	l.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no rate bucket configured for %s/%s", venue, class)
	}
	return b.Acquire(ctx, 1)
}

func bucketKey(venue string, class Class) string {
	return venue + "/" + string(class)
}

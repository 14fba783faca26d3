// Package ratelimit implements the in-process token bucket that gates every
// outbound exchange request. The bucket is constructed once and passed as an
// explicit handle to each component that submits requests; it is never
// process-global state.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Stats is a read-only snapshot of bucket state for observability.
type Stats struct {
	Available   float64
	Capacity    float64
	PercentFull float64
}

// Bucket is a token bucket: tokens regenerate continuously at refillRate
// tokens/second up to capacity. Acquire blocks until enough tokens exist and
// then debits them atomically; the balance never goes negative and never
// exceeds capacity. Safe for concurrent use.
type Bucket struct {
	mu         sync.Mutex
	capacity   float64
	tokens     float64
	refillRate float64
	last       time.Time

	// now is injectable so tests can drive time explicitly.
	now func() time.Time
}

// NewBucket creates a full bucket. capacity and refillRate must be positive.
func NewBucket(capacity, refillRate float64) (*Bucket, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("ratelimit: capacity must be positive, got %v", capacity)
	}
	if refillRate <= 0 {
		return nil, fmt.Errorf("ratelimit: refill rate must be positive, got %v", refillRate)
	}
	b := &Bucket{
		capacity:   capacity,
		tokens:     capacity,
		refillRate: refillRate,
		now:        time.Now,
	}
	b.last = b.now()
	return b, nil
}

// refillLocked advances the balance to the current instant. Caller holds mu.
func (b *Bucket) refillLocked() {
	now := b.now()
	elapsed := now.Sub(b.last).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * b.refillRate
		if b.tokens > b.capacity {
			b.tokens = b.capacity
		}
	}
	b.last = now
}

// Acquire blocks until cost tokens are available, then debits them. It never
// rejects for lack of tokens; rate exhaustion is backpressure, not an error.
// Callers that need a hard deadline pass a cancellable context.
func (b *Bucket) Acquire(ctx context.Context, cost float64) error {
	if cost <= 0 {
		return fmt.Errorf("ratelimit: acquire cost must be positive, got %v", cost)
	}
	if cost > b.capacity {
		return fmt.Errorf("ratelimit: cost %v exceeds bucket capacity %v", cost, b.capacity)
	}

	for {
		b.mu.Lock()
		b.refillLocked()
		if b.tokens >= cost {
			b.tokens -= cost
			b.mu.Unlock()
			return nil
		}
		// Sleep only as long as the deficit takes to refill, then re-check:
		// another caller may have debited in the meantime.
		wait := time.Duration((cost - b.tokens) / b.refillRate * float64(time.Second))
		b.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("ratelimit: acquire: %w", ctx.Err())
		case <-timer.C:
		}
	}
}

// TryAcquire debits cost tokens if available right now and reports whether it
// did. It never blocks.
func (b *Bucket) TryAcquire(cost float64) bool {
	if cost <= 0 {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()
	if b.tokens < cost {
		return false
	}
	b.tokens -= cost
	return true
}

// Stats returns a snapshot of the current balance. It refreshes the balance
// but has no other side effects.
func (b *Bucket) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()
	return Stats{
		Available:   b.tokens,
		Capacity:    b.capacity,
		PercentFull: b.tokens / b.capacity * 100,
	}
}

// SetClock replaces the bucket's time source. Test hook; not safe to call
// concurrently with Acquire.
func (b *Bucket) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
	b.last = now()
}

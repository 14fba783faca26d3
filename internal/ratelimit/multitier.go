package ratelimit

import "context"

// MultiTier stacks several buckets so a request must clear every tier, e.g.
// 5/second and 50/minute. Acquire walks the tiers in order; because each tier
// only delays and never rejects, the walk always completes unless the context
// is cancelled.
type MultiTier struct {
	tiers []*Bucket
}

// Tier describes one layer of a multi-tier limit.
type Tier struct {
	Capacity   float64
	RefillRate float64
}

// NewMultiTier builds a limiter from the given tiers.
func NewMultiTier(tiers ...Tier) (*MultiTier, error) {
	mt := &MultiTier{tiers: make([]*Bucket, 0, len(tiers))}
	for _, t := range tiers {
		b, err := NewBucket(t.Capacity, t.RefillRate)
		if err != nil {
			return nil, err
		}
		mt.tiers = append(mt.tiers, b)
	}
	return mt, nil
}

// Acquire debits cost from every tier, blocking as needed.
func (m *MultiTier) Acquire(ctx context.Context, cost float64) error {
	for _, b := range m.tiers {
		if err := b.Acquire(ctx, cost); err != nil {
			return err
		}
	}
	return nil
}

// TryAcquire debits every tier only if all of them have capacity right now.
// Tiers already debited are refunded when a later tier refuses.
func (m *MultiTier) TryAcquire(cost float64) bool {
	for i, b := range m.tiers {
		if !b.TryAcquire(cost) {
			for j := 0; j < i; j++ {
				m.tiers[j].refund(cost)
			}
			return false
		}
	}
	return true
}

// Stats returns one snapshot per tier, outermost first.
func (m *MultiTier) Stats() []Stats {
	out := make([]Stats, 0, len(m.tiers))
	for _, b := range m.tiers {
		out = append(out, b.Stats())
	}
	return out
}

// refund returns tokens to the bucket, capped at capacity.
func (b *Bucket) refund(cost float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tokens += cost
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
}

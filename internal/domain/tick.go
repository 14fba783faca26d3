package domain

import "time"

// PriceLevel is a single price+size entry in an orderbook.
type PriceLevel struct {
	Price float64
	Size  float64
}

// PriceTick is the best bid/ask for one token at one instant. Ticks are
// transient: routed from the feed to consumers, never persisted.
type PriceTick struct {
	TokenID   string
	BestBid   float64
	BestAsk   float64
	Timestamp time.Time
}

// Spread returns the ask-bid gap, or 0 when either side is missing.
func (t PriceTick) Spread() float64 {
	if t.BestBid <= 0 || t.BestAsk <= 0 {
		return 0
	}
	return t.BestAsk - t.BestBid
}

package domain

import (
	"context"
)

// PriceCache provides fast access to the latest best bid/ask per token.
type PriceCache interface {
	SetTick(ctx context.Context, tick PriceTick) error
	GetTick(ctx context.Context, tokenID string) (PriceTick, error)
}

// SignalBus provides pub/sub for lifecycle events and a durable stream for
// execution history.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
}

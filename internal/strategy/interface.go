// Package strategy holds the trading strategies and the engine that drives
// them. Strategies are deliberately thin: they decide when to enter and
// exit, while order placement, rate limiting, and position state live in the
// execution core.
package strategy

import (
	"context"

	"github.com/Shmuel18/my-poly-bots/internal/domain"
)

// Strategy is the contract every trading strategy implements.
type Strategy interface {
	Name() string
	// Scan returns the token IDs the strategy wants price data for.
	Scan(ctx context.Context) ([]string, error)
	// ShouldEnter inspects a tick and proposes an entry order. openCount is
	// the number of positions this strategy currently holds.
	ShouldEnter(tick domain.PriceTick, openCount int) (domain.OrderRequest, bool)
	// ShouldExit reports whether an open position should be closed at the
	// current market. Force exits are handled by the engine independently.
	ShouldExit(pos domain.Position, tick domain.PriceTick) bool
}

package strategy

import (
	"context"

	"github.com/Shmuel18/my-poly-bots/internal/domain"
)

// ExtremePriceConfig configures the extreme_price strategy.
type ExtremePriceConfig struct {
	Tokens        []string // token IDs to watch, from config
	MaxEntryPrice float64  // only enter when the ask is at or below this
	MinEntryPrice float64  // skip dead markets priced at effectively zero
	Size          float64  // shares per entry
	TargetProfit  float64  // desired profit per share
	EstimatedFee  float64  // fee estimate per share on exit
	MaxPositions  int      // cap on concurrent positions
}

// ExtremePrice buys YES tokens trading near the floor of the price range and
// exits on the fee-aware profit target. The bet is that extreme prices
// overstate certainty and snap back by at least one tick.
type ExtremePrice struct {
	cfg ExtremePriceConfig
}

// NewExtremePrice creates the strategy.
func NewExtremePrice(cfg ExtremePriceConfig) *ExtremePrice {
	if cfg.MaxEntryPrice <= 0 {
		cfg.MaxEntryPrice = 0.10
	}
	if cfg.MinEntryPrice <= 0 {
		cfg.MinEntryPrice = 0.01
	}
	if cfg.Size <= 0 {
		cfg.Size = 10
	}
	if cfg.TargetProfit <= 0 {
		cfg.TargetProfit = 0.02
	}
	if cfg.MaxPositions <= 0 {
		cfg.MaxPositions = 5
	}
	return &ExtremePrice{cfg: cfg}
}

func (s *ExtremePrice) Name() string { return "extreme_price" }

// Scan returns the configured token set; discovery is out of scope here.
func (s *ExtremePrice) Scan(ctx context.Context) ([]string, error) {
	return s.cfg.Tokens, nil
}

// ShouldEnter proposes a buy at the ask when the token trades in the cheap
// band and the position cap leaves room.
func (s *ExtremePrice) ShouldEnter(tick domain.PriceTick, openCount int) (domain.OrderRequest, bool) {
	if openCount >= s.cfg.MaxPositions {
		return domain.OrderRequest{}, false
	}
	if tick.BestAsk < s.cfg.MinEntryPrice || tick.BestAsk > s.cfg.MaxEntryPrice {
		return domain.OrderRequest{}, false
	}
	if tick.BestBid <= 0 {
		// One-sided book, nobody to sell back to.
		return domain.OrderRequest{}, false
	}
	return domain.OrderRequest{
		TokenID:    tick.TokenID,
		Side:       domain.OrderSideBuy,
		Size:       s.cfg.Size,
		LimitPrice: tick.BestAsk,
	}, true
}

// ShouldExit closes when the bid has moved enough to clear the profit target
// net of fees.
func (s *ExtremePrice) ShouldExit(pos domain.Position, tick domain.PriceTick) bool {
	return tick.BestBid-pos.EntryPrice >= s.cfg.TargetProfit+s.cfg.EstimatedFee
}

// TargetProfit exposes the profit target for exit pricing.
func (s *ExtremePrice) TargetProfit() float64 { return s.cfg.TargetProfit }

// EstimatedFee exposes the fee estimate for exit pricing.
func (s *ExtremePrice) EstimatedFee() float64 { return s.cfg.EstimatedFee }

package strategy

import (
	"context"

	"github.com/Shmuel18/my-poly-bots/internal/domain"
)

// TokenPair names the YES and NO tokens of one binary market.
type TokenPair struct {
	Yes string
	No  string
}

// SpreadPairConfig configures the spread_pair strategy.
type SpreadPairConfig struct {
	Pairs        []TokenPair // YES/NO pairs to watch, from config
	MinEdge      float64     // combined ask must stay below 1 - MinEdge
	Size         float64     // shares per leg
	MaxPositions int         // cap on concurrent positions (two per pair)
}

// SpreadPair buys both sides of a binary market when the asks sum to less
// than one by at least the configured edge. One side always resolves to a
// full dollar, so a complete fill locks the difference in. Both legs go
// through the leg executor as a single trade: either both fill or whatever
// filled is compensated away.
type SpreadPair struct {
	cfg SpreadPairConfig
}

// NewSpreadPair creates the strategy.
func NewSpreadPair(cfg SpreadPairConfig) *SpreadPair {
	if cfg.MinEdge <= 0 {
		cfg.MinEdge = 0.02
	}
	if cfg.Size <= 0 {
		cfg.Size = 10
	}
	if cfg.MaxPositions <= 0 {
		cfg.MaxPositions = 4
	}
	return &SpreadPair{cfg: cfg}
}

func (s *SpreadPair) Name() string { return "spread_pair" }

// Scan returns every token of every configured pair.
func (s *SpreadPair) Scan(ctx context.Context) ([]string, error) {
	tokens := make([]string, 0, 2*len(s.cfg.Pairs))
	for _, p := range s.cfg.Pairs {
		tokens = append(tokens, p.Yes, p.No)
	}
	return tokens, nil
}

// ShouldEnter never fires; entries are planned as leg pairs.
func (s *SpreadPair) ShouldEnter(tick domain.PriceTick, openCount int) (domain.OrderRequest, bool) {
	return domain.OrderRequest{}, false
}

// PlanLegs returns buy legs for the first pair whose combined ask leaves the
// configured edge.
func (s *SpreadPair) PlanLegs(ticks map[string]domain.PriceTick, openCount int) ([]domain.OrderRequest, bool) {
	if openCount >= s.cfg.MaxPositions {
		return nil, false
	}
	for _, p := range s.cfg.Pairs {
		yes, okYes := ticks[p.Yes]
		no, okNo := ticks[p.No]
		if !okYes || !okNo || yes.BestAsk <= 0 || no.BestAsk <= 0 {
			continue
		}
		if yes.BestAsk+no.BestAsk > 1-s.cfg.MinEdge {
			continue
		}
		return []domain.OrderRequest{
			{TokenID: p.Yes, Side: domain.OrderSideBuy, Size: s.cfg.Size, LimitPrice: yes.BestAsk},
			{TokenID: p.No, Side: domain.OrderSideBuy, Size: s.cfg.Size, LimitPrice: no.BestAsk},
		}, true
	}
	return nil, false
}

// ShouldExit holds both sides to resolution; only the tracker's force-exit
// flag closes a leg early.
func (s *SpreadPair) ShouldExit(pos domain.Position, tick domain.PriceTick) bool {
	return false
}

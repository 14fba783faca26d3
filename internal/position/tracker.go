// Package position owns the set of open positions. The tracker is the only
// writer of position state: entries, exits, and the real-time force-exit
// signal all flow through its methods.
package position

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Shmuel18/my-poly-bots/internal/domain"
)

// Subscriber is the feed surface the tracker uses to keep every open
// position watchable. Satisfied by *feed.Connection.
type Subscriber interface {
	Subscribe(tokenIDs []string) error
	Unsubscribe(tokenIDs []string) error
}

// sizeEpsilon is the share-count tolerance below which a residual is treated
// as fully exited rather than kept open.
const sizeEpsilon = 1e-9

// Config holds the tracker's pricing knobs.
type Config struct {
	TickSize     float64 // minimum price increment, 0.01 on Polymarket
	TargetProfit float64 // desired profit per share on exit
	EstimatedFee float64 // fee estimate as a fraction of exit notional
}

func (c *Config) defaults() {
	if c.TickSize <= 0 {
		c.TickSize = 0.01
	}
	if c.EstimatedFee < 0 {
		c.EstimatedFee = 0
	}
}

// Tracker keeps the live position map and mirrors every change to the store.
// Each open position holds exactly one feed subscription reference so price
// ticks keep flowing until the position closes.
type Tracker struct {
	cfg    Config
	store  domain.PositionStore // optional
	feed   Subscriber           // optional
	bus    domain.SignalBus     // optional
	logger *slog.Logger

	mu        sync.Mutex
	positions map[string]*domain.Position // by position ID
	byToken   map[string][]string         // token ID -> position IDs
}

// NewTracker creates a tracker. store, feed, and bus may each be nil.
func NewTracker(cfg Config, store domain.PositionStore, feed Subscriber, bus domain.SignalBus, logger *slog.Logger) *Tracker {
	cfg.defaults()
	return &Tracker{
		cfg:       cfg,
		store:     store,
		feed:      feed,
		bus:       bus,
		logger:    logger.With(slog.String("component", "position_tracker")),
		positions: make(map[string]*domain.Position),
		byToken:   make(map[string][]string),
	}
}

// Load restores open positions from the store after a restart and
// re-subscribes their tokens.
func (t *Tracker) Load(ctx context.Context) error {
	if t.store == nil {
		return nil
	}
	open, err := t.store.ListOpen(ctx)
	if err != nil {
		return fmt.Errorf("position: load open positions: %w", err)
	}

	t.mu.Lock()
	tokens := make([]string, 0, len(open))
	for i := range open {
		pos := open[i]
		t.positions[pos.ID] = &pos
		t.byToken[pos.TokenID] = append(t.byToken[pos.TokenID], pos.ID)
		tokens = append(tokens, pos.TokenID)
	}
	t.mu.Unlock()

	if t.feed != nil && len(tokens) > 0 {
		if err := t.feed.Subscribe(tokens); err != nil {
			t.logger.Warn("resubscribe after reload failed", slog.String("error", err.Error()))
		}
	}
	t.logger.Info("positions reloaded", slog.Int("open", len(open)))
	return nil
}

// OnEntryFilled creates a position from a filled (or partially filled) entry
// order and subscribes its token.
func (t *Tracker) OnEntryFilled(ctx context.Context, req domain.OrderRequest, res domain.OrderResult, strategy string) (domain.Position, error) {
	if res.FilledSize <= 0 {
		return domain.Position{}, fmt.Errorf("position: entry without fill: %w", domain.ErrInvalidOrder)
	}

	pos := domain.Position{
		ID:         uuid.New().String(),
		TokenID:    req.TokenID,
		Side:       req.Side,
		Size:       res.FilledSize,
		EntryPrice: res.AvgPrice,
		EntryCost:  res.AvgPrice * res.FilledSize,
		EntryTime:  time.Now().UTC(),
		Status:     domain.PositionStatusOpen,
		Strategy:   strategy,
	}

	t.mu.Lock()
	t.positions[pos.ID] = &pos
	t.byToken[pos.TokenID] = append(t.byToken[pos.TokenID], pos.ID)
	t.mu.Unlock()

	if t.feed != nil {
		if err := t.feed.Subscribe([]string{pos.TokenID}); err != nil {
			t.logger.Warn("entry subscribe failed",
				slog.String("position_id", pos.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	if t.store != nil {
		if err := t.store.Create(ctx, pos); err != nil {
			t.logger.Warn("position persist failed",
				slog.String("position_id", pos.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	t.publish(ctx, "position_opened", pos)

	t.logger.Info("position opened",
		slog.String("position_id", pos.ID),
		slog.String("token", pos.TokenID),
		slog.String("side", string(pos.Side)),
		slog.Float64("entry_price", pos.EntryPrice),
		slog.Float64("size", pos.Size),
	)
	return pos, nil
}

// OnTick applies the penny defense to every open position on the tick's
// token: a buy position that sees a better bid than its own entry has been
// out-bid and is flagged for immediate exit. Sell positions use the inverse
// condition on the ask.
//
// Runs on the feed's delivery path, so it only flips flags.
func (t *Tracker) OnTick(tick domain.PriceTick) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, id := range t.byToken[tick.TokenID] {
		pos, ok := t.positions[id]
		if !ok || pos.Status != domain.PositionStatusOpen || pos.ForceExit {
			continue
		}
		outbid := (pos.Side == domain.OrderSideBuy && tick.BestBid > pos.EntryPrice) ||
			(pos.Side == domain.OrderSideSell && tick.BestAsk < pos.EntryPrice)
		if outbid {
			pos.ForceExit = true
			t.logger.Warn("outbid, force exit set",
				slog.String("position_id", pos.ID),
				slog.String("token", pos.TokenID),
				slog.Float64("entry_price", pos.EntryPrice),
				slog.Float64("best_bid", tick.BestBid),
				slog.Float64("best_ask", tick.BestAsk),
			)
		}
	}
}

// ShouldForceExit reports whether the position was flagged by the penny
// defense. The strategy's exit loop consults this before any slower
// periodic check, so the real-time signal always wins.
func (t *Tracker) ShouldForceExit(positionID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	pos, ok := t.positions[positionID]
	return ok && pos.ForceExit
}

// ComputeExitPrice picks the exit limit for a position. The target profit is
// asked only when the book leaves room for it net of fees; otherwise the exit
// takes what the book offers: a buy position undercuts the current ask by one
// tick, a sell position pays up through it.
func (t *Tracker) ComputeExitPrice(pos domain.Position, bestAsk, targetProfit, estimatedFee float64) float64 {
	if pos.Side == domain.OrderSideSell {
		if pos.EntryPrice-bestAsk >= targetProfit+estimatedFee {
			return pos.EntryPrice - targetProfit
		}
		return bestAsk + t.cfg.TickSize
	}
	if bestAsk-pos.EntryPrice >= targetProfit+estimatedFee {
		return pos.EntryPrice + targetProfit
	}
	return bestAsk - t.cfg.TickSize
}

// MarkClosing flags a position whose exit order has been submitted, so exit
// loops do not double-submit.
func (t *Tracker) MarkClosing(ctx context.Context, positionID string) error {
	t.mu.Lock()
	pos, ok := t.positions[positionID]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("position: mark closing %q: %w", positionID, domain.ErrNotFound)
	}
	pos.Status = domain.PositionStatusClosing
	snapshot := *pos
	t.mu.Unlock()

	t.persist(ctx, snapshot)
	return nil
}

// OnExitFilled applies a filled exit order to a position. A full fill closes
// it and records realized profit net of fees, sign-adjusted for side. A
// partial fill shrinks the position instead: the residual shares stay open,
// keep their feed subscription, and the exit loop finishes the job on a later
// pass.
func (t *Tracker) OnExitFilled(ctx context.Context, positionID string, res domain.OrderResult) (domain.Position, error) {
	if res.FilledSize <= 0 {
		return domain.Position{}, fmt.Errorf("position: exit without fill: %w", domain.ErrInvalidOrder)
	}

	t.mu.Lock()
	pos, ok := t.positions[positionID]
	if !ok {
		t.mu.Unlock()
		return domain.Position{}, fmt.Errorf("position: exit %q: %w", positionID, domain.ErrNotFound)
	}

	exitPrice := res.AvgPrice
	filled := res.FilledSize
	if filled > pos.Size {
		filled = pos.Size
	}
	fees := t.cfg.EstimatedFee * exitPrice * filled
	gross := (exitPrice - pos.EntryPrice) * filled
	if pos.Side == domain.OrderSideSell {
		gross = -gross
	}

	if residual := pos.Size - filled; residual > sizeEpsilon {
		pos.Size = residual
		pos.EntryCost = pos.EntryPrice * residual
		pos.RealizedPnL += gross - fees
		pos.Status = domain.PositionStatusOpen
		snapshot := *pos
		t.mu.Unlock()

		t.persist(ctx, snapshot)
		t.publish(ctx, "position_reduced", snapshot)

		t.logger.Warn("exit partially filled, position reduced",
			slog.String("position_id", snapshot.ID),
			slog.Float64("exited", filled),
			slog.Float64("residual", residual),
		)
		return snapshot, nil
	}

	now := time.Now().UTC()
	pos.Status = domain.PositionStatusClosed
	pos.ExitPrice = &exitPrice
	pos.RealizedPnL += gross - fees
	pos.ClosedAt = &now
	snapshot := *pos
	t.remove(pos)
	t.mu.Unlock()

	if t.feed != nil {
		if err := t.feed.Unsubscribe([]string{snapshot.TokenID}); err != nil {
			t.logger.Warn("exit unsubscribe failed",
				slog.String("position_id", snapshot.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	t.persist(ctx, snapshot)
	t.publish(ctx, "position_closed", snapshot)
	t.appendTrade(ctx, snapshot)

	t.logger.Info("position closed",
		slog.String("position_id", snapshot.ID),
		slog.Float64("exit_price", exitPrice),
		slog.Float64("realized_pnl", snapshot.RealizedPnL),
	)
	return snapshot, nil
}

// MarkFailed records a position whose exit could not be completed. The
// position leaves the live map but stays in the store for reconciliation.
func (t *Tracker) MarkFailed(ctx context.Context, positionID, reason string) error {
	t.mu.Lock()
	pos, ok := t.positions[positionID]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("position: mark failed %q: %w", positionID, domain.ErrNotFound)
	}
	pos.Status = domain.PositionStatusFailed
	if pos.Metadata == nil {
		pos.Metadata = make(map[string]string)
	}
	pos.Metadata["failure_reason"] = reason
	snapshot := *pos
	t.remove(pos)
	t.mu.Unlock()

	if t.feed != nil {
		if err := t.feed.Unsubscribe([]string{snapshot.TokenID}); err != nil {
			t.logger.Warn("failed-position unsubscribe error",
				slog.String("position_id", snapshot.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	t.persist(ctx, snapshot)
	t.appendTrade(ctx, snapshot)

	t.logger.Error("position failed",
		slog.String("position_id", snapshot.ID),
		slog.String("reason", reason),
	)
	return nil
}

// Get returns a snapshot of one position.
func (t *Tracker) Get(positionID string) (domain.Position, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	pos, ok := t.positions[positionID]
	if !ok {
		return domain.Position{}, false
	}
	return *pos, true
}

// Open returns snapshots of all live positions.
func (t *Tracker) Open() []domain.Position {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]domain.Position, 0, len(t.positions))
	for _, pos := range t.positions {
		out = append(out, *pos)
	}
	return out
}

// remove drops a position from the live maps. Caller holds t.mu.
func (t *Tracker) remove(pos *domain.Position) {
	delete(t.positions, pos.ID)
	ids := t.byToken[pos.TokenID]
	for i, id := range ids {
		if id == pos.ID {
			t.byToken[pos.TokenID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(t.byToken[pos.TokenID]) == 0 {
		delete(t.byToken, pos.TokenID)
	}
}

func (t *Tracker) persist(ctx context.Context, pos domain.Position) {
	if t.store == nil {
		return
	}
	if err := t.store.Update(ctx, pos); err != nil {
		t.logger.Warn("position update failed",
			slog.String("position_id", pos.ID),
			slog.String("error", err.Error()),
		)
	}
}

// appendTrade writes the final record of a position to the durable trade
// stream once it leaves the live set.
func (t *Tracker) appendTrade(ctx context.Context, pos domain.Position) {
	if t.bus == nil {
		return
	}
	record := map[string]any{
		"position_id":  pos.ID,
		"token_id":     pos.TokenID,
		"side":         string(pos.Side),
		"strategy":     pos.Strategy,
		"entry_price":  pos.EntryPrice,
		"size":         pos.Size,
		"realized_pnl": pos.RealizedPnL,
		"status":       string(pos.Status),
		"entry_time":   pos.EntryTime,
	}
	if pos.ExitPrice != nil {
		record["exit_price"] = *pos.ExitPrice
	}
	if pos.ClosedAt != nil {
		record["closed_at"] = *pos.ClosedAt
	}
	payload, _ := json.Marshal(record)
	if err := t.bus.StreamAppend(ctx, "trades", payload); err != nil {
		t.logger.Warn("trade log append failed",
			slog.String("position_id", pos.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (t *Tracker) publish(ctx context.Context, event string, pos domain.Position) {
	if t.bus == nil {
		return
	}
	payload, _ := json.Marshal(map[string]any{
		"event":       event,
		"position_id": pos.ID,
		"token_id":    pos.TokenID,
		"side":        string(pos.Side),
		"entry_price": pos.EntryPrice,
		"size":        pos.Size,
		"status":      string(pos.Status),
	})
	if err := t.bus.Publish(ctx, "positions", payload); err != nil {
		t.logger.Warn("position event publish failed",
			slog.String("position_id", pos.ID),
			slog.String("error", err.Error()),
		)
	}
}

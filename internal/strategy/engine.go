package strategy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Shmuel18/my-poly-bots/internal/domain"
	"github.com/Shmuel18/my-poly-bots/internal/executor"
	"github.com/Shmuel18/my-poly-bots/internal/position"
)

// EngineConfig tunes the entry and exit loops.
type EngineConfig struct {
	ExitInterval time.Duration // exit poll cadence
	LegTimeout   time.Duration // wait bound for multi-leg entries
	TargetProfit float64       // default when a strategy does not expose its own
	EstimatedFee float64
	DedupTTL     time.Duration // window for suppressing repeat entries
	MaxExitTries int           // consecutive exit failures before giving up
	TickBuffer   int
}

func (c *EngineConfig) defaults() {
	if c.ExitInterval <= 0 {
		c.ExitInterval = time.Second
	}
	if c.LegTimeout <= 0 {
		c.LegTimeout = 15 * time.Second
	}
	if c.TargetProfit <= 0 {
		c.TargetProfit = 0.02
	}
	if c.DedupTTL <= 0 {
		c.DedupTTL = 2 * time.Minute
	}
	if c.MaxExitTries <= 0 {
		c.MaxExitTries = 3
	}
	if c.TickBuffer <= 0 {
		c.TickBuffer = 256
	}
}

// exitPricer is implemented by strategies that carry their own profit target
// and fee estimate.
type exitPricer interface {
	TargetProfit() float64
	EstimatedFee() float64
}

// LegExecutor runs a set of order legs as one trade, compensating imbalanced
// fills. Satisfied by *executor.MultiLegCoordinator.
type LegExecutor interface {
	Execute(ctx context.Context, legs []domain.OrderRequest, timeout time.Duration) ([]domain.OrderResult, bool)
}

// legPlanner is implemented by strategies whose entries span several tokens
// at once. PlanLegs sees the latest top-of-book for every subscribed token.
type legPlanner interface {
	PlanLegs(ticks map[string]domain.PriceTick, openCount int) ([]domain.OrderRequest, bool)
}

// Engine runs the active strategies: it feeds them price ticks, submits the
// entries they propose, and drives the exit loop. The force-exit flag set by
// the tracker's penny defense always pre-empts the strategies' own exit
// checks.
type Engine struct {
	cfg      EngineConfig
	registry *Registry
	active   []string
	trader   executor.Submitter
	legs     LegExecutor // optional
	tracker  *position.Tracker
	feed     position.Subscriber
	prices   domain.PriceCache // optional
	bus      domain.SignalBus  // optional
	dedup    *executor.Dedup
	logger   *slog.Logger

	tickCh chan domain.PriceTick

	mu        sync.Mutex
	lastTick  map[string]domain.PriceTick
	inflight  map[string]bool // position IDs with an exit order out
	exitFails map[string]int
}

// NewEngine creates an engine driving the named strategies. legs, prices and
// bus may be nil; without legs, multi-leg strategies never enter.
func NewEngine(cfg EngineConfig, registry *Registry, active []string, trader executor.Submitter, legs LegExecutor, tracker *position.Tracker, feed position.Subscriber, prices domain.PriceCache, bus domain.SignalBus, logger *slog.Logger) *Engine {
	cfg.defaults()
	return &Engine{
		cfg:       cfg,
		registry:  registry,
		active:    active,
		trader:    trader,
		legs:      legs,
		tracker:   tracker,
		feed:      feed,
		prices:    prices,
		bus:       bus,
		dedup:     executor.NewDedup(cfg.DedupTTL),
		logger:    logger.With(slog.String("component", "strategy_engine")),
		tickCh:    make(chan domain.PriceTick, cfg.TickBuffer),
		lastTick:  make(map[string]domain.PriceTick),
		inflight:  make(map[string]bool),
		exitFails: make(map[string]int),
	}
}

// HandleTick enqueues a tick for processing. Called from the feed's delivery
// path, so it never blocks; a full queue drops the tick.
func (e *Engine) HandleTick(tick domain.PriceTick) {
	select {
	case e.tickCh <- tick:
	default:
	}
}

// Run subscribes every active strategy's token set and runs the entry and
// exit loops until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	var tokens []string
	for _, name := range e.active {
		strat, err := e.registry.Get(name)
		if err != nil {
			return fmt.Errorf("strategy: run: %w", err)
		}
		scanned, err := strat.Scan(ctx)
		if err != nil {
			return fmt.Errorf("strategy: scan %s: %w", name, err)
		}
		tokens = append(tokens, scanned...)
	}
	if len(tokens) > 0 {
		if err := e.feed.Subscribe(tokens); err != nil {
			return fmt.Errorf("strategy: subscribe tokens: %w", err)
		}
	}
	e.logger.Info("strategy engine started",
		slog.Any("strategies", e.active),
		slog.Int("tokens", len(tokens)),
	)
	defer e.logger.Info("strategy engine stopped")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.tickLoop(gctx) })
	g.Go(func() error { return e.exitLoop(gctx) })
	return g.Wait()
}

// tickLoop processes inbound ticks: cache the price, remember the latest
// top-of-book, and let each strategy propose entries.
func (e *Engine) tickLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case tick := <-e.tickCh:
			e.mu.Lock()
			e.lastTick[tick.TokenID] = tick
			e.mu.Unlock()

			if e.prices != nil {
				if err := e.prices.SetTick(ctx, tick); err != nil {
					e.logger.Debug("price cache update failed",
						slog.String("token", tick.TokenID),
						slog.String("error", err.Error()),
					)
				}
			}
			e.tryEnter(ctx, tick)
		}
	}
}

func (e *Engine) tryEnter(ctx context.Context, tick domain.PriceTick) {
	counts := e.openCounts()
	for _, name := range e.active {
		strat, err := e.registry.Get(name)
		if err != nil {
			continue
		}
		if planner, ok := strat.(legPlanner); ok {
			e.tryEnterLegs(ctx, name, planner, counts[name])
			continue
		}
		req, ok := strat.ShouldEnter(tick, counts[name])
		if !ok {
			continue
		}
		if e.dedup.IsDuplicate("entry:" + name + ":" + req.TokenID) {
			continue
		}

		res, err := e.trader.Submit(ctx, req)
		if err != nil {
			e.logger.Warn("entry submit failed",
				slog.String("strategy", name),
				slog.String("token", req.TokenID),
				slog.String("error", err.Error()),
			)
			continue
		}
		res = e.resolveTimeout(ctx, req, res)
		if res.FilledSize <= 0 {
			e.logger.Info("entry not filled",
				slog.String("strategy", name),
				slog.String("token", req.TokenID),
				slog.String("status", string(res.Status)),
			)
			continue
		}
		if _, err := e.tracker.OnEntryFilled(ctx, req, res, name); err != nil {
			e.logger.Error("entry tracking failed",
				slog.String("token", req.TokenID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// tryEnterLegs runs a multi-token entry through the leg executor. Legs either
// all fill, opening one position each, or the executor compensates whatever
// filled and the entry is abandoned.
func (e *Engine) tryEnterLegs(ctx context.Context, name string, planner legPlanner, openCount int) {
	if e.legs == nil {
		return
	}
	e.mu.Lock()
	snapshot := make(map[string]domain.PriceTick, len(e.lastTick))
	for k, v := range e.lastTick {
		snapshot[k] = v
	}
	e.mu.Unlock()

	legs, ok := planner.PlanLegs(snapshot, openCount)
	if !ok || len(legs) == 0 {
		return
	}
	key := "entry:" + name
	for _, leg := range legs {
		key += ":" + leg.TokenID
	}
	if e.dedup.IsDuplicate(key) {
		return
	}

	results, filled := e.legs.Execute(ctx, legs, e.cfg.LegTimeout)
	if !filled {
		e.logger.Info("multi-leg entry abandoned",
			slog.String("strategy", name),
			slog.Int("legs", len(legs)),
		)
		return
	}
	for i, res := range results {
		if _, err := e.tracker.OnEntryFilled(ctx, legs[i], res, name); err != nil {
			e.logger.Error("entry tracking failed",
				slog.String("token", legs[i].TokenID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// exitLoop periodically checks every open position. Force-exit flags set in
// real time by the tracker are honoured first; the strategy's own exit
// condition is the slower path.
func (e *Engine) exitLoop(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.ExitInterval)
	defer ticker.Stop()
	// The dedup map only sheds expired keys when swept.
	janitor := time.NewTicker(e.cfg.DedupTTL)
	defer janitor.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-janitor.C:
			e.dedup.Cleanup()
		case <-ticker.C:
			for _, pos := range e.tracker.Open() {
				if pos.Status != domain.PositionStatusOpen {
					continue
				}
				e.checkExit(ctx, pos)
			}
		}
	}
}

func (e *Engine) checkExit(ctx context.Context, pos domain.Position) {
	e.mu.Lock()
	if e.inflight[pos.ID] {
		e.mu.Unlock()
		return
	}
	tick, haveTick := e.lastTick[pos.TokenID]
	e.mu.Unlock()
	if !haveTick || tick.BestAsk <= 0 {
		return
	}

	forced := e.tracker.ShouldForceExit(pos.ID)
	target, fee := e.cfg.TargetProfit, e.cfg.EstimatedFee
	var wantExit bool
	if strat, err := e.registry.Get(pos.Strategy); err == nil {
		wantExit = strat.ShouldExit(pos, tick)
		if p, ok := strat.(exitPricer); ok {
			target, fee = p.TargetProfit(), p.EstimatedFee()
		}
	}
	if !forced && !wantExit {
		return
	}

	price := e.tracker.ComputeExitPrice(pos, tick.BestAsk, target, fee)
	if price <= 0 || price >= 1 {
		return
	}

	e.mu.Lock()
	e.inflight[pos.ID] = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.inflight, pos.ID)
		e.mu.Unlock()
	}()

	req := domain.OrderRequest{
		TokenID:    pos.TokenID,
		Side:       pos.Side.Opposite(),
		Size:       pos.Size,
		LimitPrice: price,
	}
	e.logger.Info("submitting exit",
		slog.String("position_id", pos.ID),
		slog.Bool("forced", forced),
		slog.Float64("price", price),
	)
	res, err := e.trader.Submit(ctx, req)
	if err != nil {
		e.recordExitFailure(ctx, pos, err.Error())
		return
	}
	res = e.resolveTimeout(ctx, req, res)
	if res.FilledSize <= 0 {
		e.recordExitFailure(ctx, pos, res.Message)
		return
	}

	e.mu.Lock()
	delete(e.exitFails, pos.ID)
	e.mu.Unlock()
	closed, err := e.tracker.OnExitFilled(ctx, pos.ID, res)
	if err != nil {
		e.logger.Error("exit tracking failed",
			slog.String("position_id", pos.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	if closed.Status == domain.PositionStatusOpen {
		// Partial fill: the shrunken position stays open and the next
		// exit pass submits for the residual.
		e.logger.Warn("exit partially filled, residual stays open",
			slog.String("position_id", pos.ID),
			slog.Float64("residual", closed.Size),
		)
		return
	}
	e.publishExit(ctx, closed)
}

// resolveTimeout turns an unknown submission outcome into a definite one by
// querying the order's state on the exchange.
func (e *Engine) resolveTimeout(ctx context.Context, req domain.OrderRequest, res domain.OrderResult) domain.OrderResult {
	if res.Status != domain.OrderStatusTimeout || res.OrderID == "" {
		return res
	}
	queried, err := e.trader.QueryStatus(ctx, res.OrderID, req.Size)
	if err != nil {
		e.logger.Warn("timeout resolution failed",
			slog.String("order_id", res.OrderID),
			slog.String("error", err.Error()),
		)
		return res
	}
	return queried
}

func (e *Engine) recordExitFailure(ctx context.Context, pos domain.Position, reason string) {
	e.mu.Lock()
	e.exitFails[pos.ID]++
	fails := e.exitFails[pos.ID]
	e.mu.Unlock()

	e.logger.Warn("exit attempt failed",
		slog.String("position_id", pos.ID),
		slog.Int("consecutive", fails),
		slog.String("reason", reason),
	)
	if fails >= e.cfg.MaxExitTries {
		if err := e.tracker.MarkFailed(ctx, pos.ID, reason); err != nil {
			e.logger.Error("mark failed errored",
				slog.String("position_id", pos.ID),
				slog.String("error", err.Error()),
			)
		}
		e.mu.Lock()
		delete(e.exitFails, pos.ID)
		e.mu.Unlock()
	}
}

func (e *Engine) openCounts() map[string]int {
	counts := make(map[string]int)
	for _, pos := range e.tracker.Open() {
		counts[pos.Strategy]++
	}
	return counts
}

func (e *Engine) publishExit(ctx context.Context, pos domain.Position) {
	if e.bus == nil {
		return
	}
	payload, _ := json.Marshal(map[string]any{
		"event":        "exit_filled",
		"position_id":  pos.ID,
		"token_id":     pos.TokenID,
		"realized_pnl": pos.RealizedPnL,
	})
	if err := e.bus.Publish(ctx, "exits", payload); err != nil {
		e.logger.Debug("exit event publish failed", slog.String("error", err.Error()))
	}
}

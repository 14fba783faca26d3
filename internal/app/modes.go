package app

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/Shmuel18/my-poly-bots/internal/crypto"
	"github.com/Shmuel18/my-poly-bots/internal/domain"
	"github.com/Shmuel18/my-poly-bots/internal/executor"
	"github.com/Shmuel18/my-poly-bots/internal/feed"
	"github.com/Shmuel18/my-poly-bots/internal/platform/polymarket"
	"github.com/Shmuel18/my-poly-bots/internal/position"
	"github.com/Shmuel18/my-poly-bots/internal/ratelimit"
	"github.com/Shmuel18/my-poly-bots/internal/strategy"
)

// TradeMode runs the full trading loop: market feed, strategy engine, order
// execution with rate limiting, and position tracking with persistence.
func (a *App) TradeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting trade mode",
		slog.Any("strategies", a.cfg.Strategy.Active),
	)

	keyHex, err := crypto.LoadKey(crypto.KeyConfig{
		RawPrivateKey:    a.cfg.Wallet.PrivateKey,
		EncryptedKeyPath: a.cfg.Wallet.EncryptedKeyPath,
		KeyPassword:      a.cfg.Wallet.KeyPassword,
	})
	if err != nil {
		return fmt.Errorf("trade mode: load key: %w", err)
	}
	signer, err := crypto.NewSigner(keyHex, a.cfg.Polymarket.ChainID)
	if err != nil {
		return fmt.Errorf("trade mode: create signer: %w", err)
	}

	clob := polymarket.NewClobClient(a.cfg.Polymarket.ClobHost, signer)
	if err := clob.DeriveAPIKey(ctx); err != nil {
		return fmt.Errorf("trade mode: derive api key: %w", err)
	}
	a.logger.InfoContext(ctx, "exchange credentials derived",
		slog.String("address", signer.Address().Hex()),
	)

	limiter, err := a.newLimiter()
	if err != nil {
		return fmt.Errorf("trade mode: %w", err)
	}

	conn := feed.NewConnection(a.feedConfig(), nil, a.logger)

	exec := executor.NewOrderExecutor(clob, limiter, deps.OrderStore,
		a.cfg.Execution.SubmitTimeout.Duration, a.logger)

	coord := executor.NewMultiLegCoordinator(exec, clob, deps.PriceCache,
		deps.Notifier, a.cfg.Execution.TickSize, a.logger)
	coord.SetLateGrace(a.cfg.Execution.LateGrace.Duration)

	tracker := position.NewTracker(position.Config{
		TickSize:     a.cfg.Execution.TickSize,
		TargetProfit: a.cfg.Strategy.ExtremePrice.TargetProfit,
		EstimatedFee: a.cfg.Strategy.ExtremePrice.EstimatedFee,
	}, deps.PositionStore, conn, deps.SignalBus, a.logger)
	if err := tracker.Load(ctx); err != nil {
		return fmt.Errorf("trade mode: restore positions: %w", err)
	}

	engine := strategy.NewEngine(strategy.EngineConfig{
		ExitInterval: a.cfg.Execution.ExitInterval.Duration,
		LegTimeout:   a.cfg.Execution.LegTimeout.Duration,
		TargetProfit: a.cfg.Strategy.ExtremePrice.TargetProfit,
		EstimatedFee: a.cfg.Strategy.ExtremePrice.EstimatedFee,
		DedupTTL:     a.cfg.Execution.DedupTTL.Duration,
		MaxExitTries: a.cfg.Execution.MaxExitTries,
		TickBuffer:   a.cfg.Feed.TickBuffer,
	}, a.newStrategyRegistry(), a.cfg.Strategy.Active,
		exec, coord, tracker, conn, deps.PriceCache, deps.SignalBus, a.logger)

	// Ticks fan out to the tracker (penny defense) and the engine.
	conn.OnTick(tracker.OnTick)
	conn.OnTick(engine.HandleTick)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer conn.Close()
		return conn.Run(gctx)
	})
	g.Go(func() error {
		return engine.Run(gctx)
	})
	err = g.Wait()

	// Let in-flight compensation scans finish before tearing down.
	coord.WaitScans()
	return err
}

// MonitorMode connects the feed and logs top-of-book updates for every token
// the configured strategies watch. No orders are placed; useful as a
// connectivity check before funding the wallet.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting monitor mode")

	conn := feed.NewConnection(a.feedConfig(), nil, a.logger)

	reg := a.newStrategyRegistry()
	var tokens []string
	for _, name := range a.cfg.Strategy.Active {
		strat, err := reg.Get(name)
		if err != nil {
			return fmt.Errorf("monitor mode: %w", err)
		}
		scanned, err := strat.Scan(ctx)
		if err != nil {
			return fmt.Errorf("monitor mode: scan %s: %w", name, err)
		}
		tokens = append(tokens, scanned...)
	}
	if len(tokens) == 0 {
		return fmt.Errorf("monitor mode: no tokens configured to watch")
	}
	if err := conn.Subscribe(tokens); err != nil {
		return fmt.Errorf("monitor mode: subscribe: %w", err)
	}

	conn.OnTick(func(tick domain.PriceTick) {
		if deps.PriceCache != nil {
			_ = deps.PriceCache.SetTick(ctx, tick)
		}
		a.logger.Info("tick",
			slog.String("token", tick.TokenID),
			slog.Float64("bid", tick.BestBid),
			slog.Float64("ask", tick.BestAsk),
		)
	})

	// Mirror position events from a trading instance sharing the same
	// Redis, so the monitor shows fills alongside the book.
	if deps.SignalBus != nil {
		events, err := deps.SignalBus.Subscribe(ctx, "positions")
		if err != nil {
			a.logger.Warn("position event subscription failed",
				slog.String("error", err.Error()))
		} else {
			go func() {
				for payload := range events {
					a.logger.Info("position event",
						slog.String("payload", string(payload)))
				}
			}()
		}
	}

	defer conn.Close()
	return conn.Run(ctx)
}

// newLimiter builds the submission rate limiter: a burst bucket, plus a
// per-minute tier when configured.
func (a *App) newLimiter() (executor.Limiter, error) {
	rl := a.cfg.RateLimit
	if rl.MinuteLimit > 0 {
		mt, err := ratelimit.NewMultiTier(
			ratelimit.Tier{Capacity: rl.BurstCapacity, RefillRate: rl.RefillPerSec},
			ratelimit.Tier{Capacity: rl.MinuteLimit, RefillRate: rl.MinuteLimit / 60},
		)
		if err != nil {
			return nil, err
		}
		return mt, nil
	}
	b, err := ratelimit.NewBucket(rl.BurstCapacity, rl.RefillPerSec)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (a *App) feedConfig() feed.Config {
	return feed.Config{
		URL:              a.cfg.Polymarket.WsHost,
		BatchSize:        a.cfg.Feed.BatchSize,
		HeartbeatTimeout: a.cfg.Feed.HeartbeatTimeout.Duration,
		PingInterval:     a.cfg.Feed.PingInterval.Duration,
		BackoffBase:      a.cfg.Feed.BackoffBase.Duration,
		BackoffMax:       a.cfg.Feed.BackoffMax.Duration,
		TickBuffer:       a.cfg.Feed.TickBuffer,
	}
}

func (a *App) newStrategyRegistry() *strategy.Registry {
	reg := strategy.NewRegistry()

	ep := a.cfg.Strategy.ExtremePrice
	reg.Register(strategy.NewExtremePrice(strategy.ExtremePriceConfig{
		Tokens:        ep.Tokens,
		MaxEntryPrice: ep.MaxEntryPrice,
		MinEntryPrice: ep.MinEntryPrice,
		Size:          ep.Size,
		TargetProfit:  ep.TargetProfit,
		EstimatedFee:  ep.EstimatedFee,
		MaxPositions:  ep.MaxPositions,
	}))

	sp := a.cfg.Strategy.SpreadPair
	pairs := make([]strategy.TokenPair, 0, len(sp.Pairs))
	for _, p := range sp.Pairs {
		pairs = append(pairs, strategy.TokenPair{Yes: p.Yes, No: p.No})
	}
	reg.Register(strategy.NewSpreadPair(strategy.SpreadPairConfig{
		Pairs:        pairs,
		MinEdge:      sp.MinEdge,
		Size:         sp.Size,
		MaxPositions: sp.MaxPositions,
	}))

	return reg
}

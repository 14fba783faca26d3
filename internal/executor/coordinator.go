package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Shmuel18/my-poly-bots/internal/domain"
)

// Submitter is the executor surface the coordinator drives. Satisfied by
// *OrderExecutor.
type Submitter interface {
	Submit(ctx context.Context, req domain.OrderRequest) (domain.OrderResult, error)
	QueryStatus(ctx context.Context, orderID string, requestedSize float64) (domain.OrderResult, error)
}

// BookSource provides a current top-of-book, used to price compensation
// orders so they cross the spread.
type BookSource interface {
	GetBook(ctx context.Context, tokenID string) (domain.PriceTick, error)
}

// Alerter escalates conditions an operator must see. Satisfied by
// *notify.Notifier.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}

// MultiLegCoordinator executes a set of order legs as one atomic-intent
// trade: all legs are submitted concurrently, and if only some fill, the
// filled ones are flattened with reversing orders so no one-sided exposure
// survives.
type MultiLegCoordinator struct {
	submitter Submitter
	books     BookSource
	prices    domain.PriceCache
	alerter   Alerter
	tickSize  float64
	lateGrace time.Duration
	logger    *slog.Logger

	// scanWG tracks post-timeout compensation scans, exposed for tests.
	scanWG sync.WaitGroup
}

// NewMultiLegCoordinator creates a coordinator. prices is the fallback source
// for compensation pricing when the live book fetch fails; it and alerter may
// be nil.
func NewMultiLegCoordinator(submitter Submitter, books BookSource, prices domain.PriceCache, alerter Alerter, tickSize float64, logger *slog.Logger) *MultiLegCoordinator {
	if tickSize <= 0 {
		tickSize = 0.01
	}
	return &MultiLegCoordinator{
		submitter: submitter,
		books:     books,
		prices:    prices,
		alerter:   alerter,
		tickSize:  tickSize,
		lateGrace: 30 * time.Second,
		logger:    logger.With(slog.String("component", "coordinator")),
	}
}

// SetLateGrace adjusts how long the post-timeout scan keeps waiting for late
// fills before escalating unresolved legs.
func (m *MultiLegCoordinator) SetLateGrace(d time.Duration) {
	if d > 0 {
		m.lateGrace = d
	}
}

type legOutcome struct {
	index  int
	result domain.OrderResult
	err    error
}

// Execute submits all legs concurrently and waits for completion or timeout,
// whichever comes first.
//
// The timeout cancels only the wait: an order already sent cannot be
// un-sent, so legs keep their own submission context and a timed-out leg is
// resolved afterwards by a background scan that compensates any late fill.
// No ordering is promised between legs.
func (m *MultiLegCoordinator) Execute(ctx context.Context, legs []domain.OrderRequest, timeout time.Duration) ([]domain.OrderResult, bool) {
	if len(legs) == 0 {
		return nil, true
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	outcomes := make(chan legOutcome, len(legs))
	// Submission outlives Execute's wait so a late fill can still be
	// observed and compensated.
	submitCtx := context.WithoutCancel(ctx)
	for i, leg := range legs {
		go func(i int, leg domain.OrderRequest) {
			res, err := m.submitter.Submit(submitCtx, leg)
			outcomes <- legOutcome{index: i, result: res, err: err}
		}(i, leg)
	}

	results := make([]domain.OrderResult, len(legs))
	settled := make([]bool, len(legs))
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	pending := len(legs)
wait:
	for pending > 0 {
		select {
		case out := <-outcomes:
			pending--
			settled[out.index] = true
			if out.err != nil {
				results[out.index] = domain.OrderResult{
					RequestedSize: legs[out.index].Size,
					Status:        domain.OrderStatusRejected,
					Message:       out.err.Error(),
				}
			} else {
				results[out.index] = out.result
			}
		case <-timer.C:
			break wait
		case <-ctx.Done():
			break wait
		}
	}

	// Legs that did not report in time are unknown, not failed.
	for i := range legs {
		if !settled[i] {
			results[i] = domain.OrderResult{
				RequestedSize: legs[i].Size,
				Status:        domain.OrderStatusTimeout,
				Message:       "no result before deadline",
			}
		}
	}
	if pending > 0 {
		m.scanWG.Add(1)
		go m.lateScan(submitCtx, legs, settled, outcomes, pending)
	}

	filled, failed := 0, 0
	for _, r := range results {
		if r.Filled() {
			filled++
		} else {
			failed++
		}
	}
	if failed == 0 {
		return results, true
	}
	if filled == 0 {
		m.logger.Warn("all legs failed, nothing to compensate",
			slog.Int("legs", len(legs)),
		)
		return results, false
	}

	// Partial success: flatten every filled leg before returning so the
	// caller never holds one-sided exposure. Compensation is an obligation
	// that outlives the caller's interest, so it runs on the detached
	// context even when the caller cancelled mid-wait.
	m.logger.Warn("leg imbalance, compensating filled legs",
		slog.Int("filled", filled),
		slog.Int("failed", failed),
	)
	for i, r := range results {
		if r.Filled() {
			m.compensate(submitCtx, legs[i], r)
		}
	}
	// Partial fills carry exposure too.
	for i, r := range results {
		if r.Status == domain.OrderStatusPartial && r.FilledSize > 0 {
			m.compensatePartial(submitCtx, legs[i], r)
		}
	}
	return results, false
}

// WaitScans blocks until all in-flight late-fill scans complete.
func (m *MultiLegCoordinator) WaitScans() {
	m.scanWG.Wait()
}

// lateScan drains results that arrived after the deadline and flattens any
// fill among them. It also resolves orders whose submission attempt itself
// timed out but produced an order ID.
func (m *MultiLegCoordinator) lateScan(ctx context.Context, legs []domain.OrderRequest, settled []bool, outcomes <-chan legOutcome, pending int) {
	defer m.scanWG.Done()
	deadline := time.NewTimer(m.lateGrace)
	defer deadline.Stop()

	for pending > 0 {
		select {
		case out := <-outcomes:
			pending--
			if out.err != nil {
				continue
			}
			res := out.result
			if res.Status == domain.OrderStatusTimeout && res.OrderID != "" {
				queried, err := m.submitter.QueryStatus(ctx, res.OrderID, legs[out.index].Size)
				if err != nil {
					m.logger.Error("late leg status query failed",
						slog.String("order_id", res.OrderID),
						slog.String("error", err.Error()),
					)
					continue
				}
				res = queried
			}
			if res.FilledSize > 0 {
				m.logger.Warn("late fill after deadline, compensating",
					slog.String("token", legs[out.index].TokenID),
					slog.Float64("filled", res.FilledSize),
				)
				m.compensatePartial(ctx, legs[out.index], res)
			}
		case <-deadline.C:
			m.logger.Error("late scan gave up with legs unresolved",
				slog.Int("pending", pending),
			)
			m.escalate(ctx, "unresolved legs",
				fmt.Sprintf("%d leg(s) never reported a result; manual reconciliation required", pending))
			return
		}
	}
}

// compensate flattens a fully filled leg with a reversing order of the same
// size.
func (m *MultiLegCoordinator) compensate(ctx context.Context, leg domain.OrderRequest, res domain.OrderResult) {
	m.compensateSize(ctx, leg, res.FilledSize)
}

// compensatePartial flattens only the filled portion of a leg.
func (m *MultiLegCoordinator) compensatePartial(ctx context.Context, leg domain.OrderRequest, res domain.OrderResult) {
	m.compensateSize(ctx, leg, res.FilledSize)
}

// compensateSize submits the reversing order, priced to cross the spread so
// it fills promptly. One re-attempt is made at a more aggressive price before
// escalating; failures are escalated but never halt compensation of other
// legs.
func (m *MultiLegCoordinator) compensateSize(ctx context.Context, leg domain.OrderRequest, size float64) {
	if size <= 0 {
		return
	}
	side := leg.Side.Opposite()
	remaining := size
	for attempt := 1; attempt <= 2 && remaining > 0; attempt++ {
		price := m.crossingPrice(ctx, leg, side, attempt)
		req := domain.OrderRequest{
			TokenID:    leg.TokenID,
			Side:       side,
			Size:       remaining,
			LimitPrice: price,
		}
		res, err := m.submitter.Submit(ctx, req)
		if err != nil {
			m.logger.Error("compensation submit failed",
				slog.String("token", leg.TokenID),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
			continue
		}
		remaining -= res.FilledSize
		if remaining > sizeEpsilon {
			m.logger.Warn("compensation incomplete",
				slog.String("token", leg.TokenID),
				slog.Int("attempt", attempt),
				slog.Float64("remaining", remaining),
				slog.String("status", string(res.Status)),
			)
		}
	}
	if remaining > sizeEpsilon {
		m.logger.Error("compensation failed, residual exposure",
			slog.String("token", leg.TokenID),
			slog.String("side", string(leg.Side)),
			slog.Float64("size", remaining),
			slog.String("error", domain.ErrUnhedgedExposure.Error()),
		)
		m.escalate(ctx, "unhedged exposure",
			fmt.Sprintf("token %s: %s %.4f could not be flattened", leg.TokenID, leg.Side, remaining))
	}
}

// crossingPrice picks a limit that crosses the current spread: sell into the
// bid, buy through the ask, one tick inside per attempt so the re-attempt
// crosses a tick deeper. When the live book fetch fails it falls back to the
// last cached tick, then to the leg's own limit.
func (m *MultiLegCoordinator) crossingPrice(ctx context.Context, leg domain.OrderRequest, side domain.OrderSide, attempt int) float64 {
	tick, err := m.books.GetBook(ctx, leg.TokenID)
	if err != nil {
		m.logger.Warn("book unavailable for compensation pricing",
			slog.String("token", leg.TokenID),
			slog.String("error", err.Error()),
		)
		if m.prices != nil {
			cached, cerr := m.prices.GetTick(ctx, leg.TokenID)
			if cerr != nil {
				return leg.LimitPrice
			}
			tick = cached
		} else {
			return leg.LimitPrice
		}
	}
	depth := float64(attempt) * m.tickSize
	var price float64
	if side == domain.OrderSideSell {
		price = tick.BestBid - depth
	} else {
		price = tick.BestAsk + depth
	}
	return clampPrice(price, m.tickSize)
}

func clampPrice(p, tickSize float64) float64 {
	if p < tickSize {
		return tickSize
	}
	if p > 1-tickSize {
		return 1 - tickSize
	}
	return p
}

func (m *MultiLegCoordinator) escalate(ctx context.Context, title, message string) {
	if m.alerter == nil {
		return
	}
	if err := m.alerter.Notify(ctx, "execution", title, message); err != nil {
		m.logger.Error("escalation failed", slog.String("error", err.Error()))
	}
}

// Package executor submits orders to the exchange. OrderExecutor performs
// exactly one submission attempt per call and normalizes the exchange's
// response; retries are the caller's responsibility because a blind retry of
// an order submission can double-fill.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Shmuel18/my-poly-bots/internal/domain"
)

// Exchange is the order API surface the executor needs.
type Exchange interface {
	PostOrder(ctx context.Context, order domain.Order) (domain.ExchangeFill, error)
	GetOrderFill(ctx context.Context, orderID string) (domain.ExchangeFill, error)
	CancelOrder(ctx context.Context, orderID string) error
}

// Limiter gates outbound exchange requests.
type Limiter interface {
	Acquire(ctx context.Context, cost float64) error
}

// OrderExecutor places orders through the exchange client, gated by the rate
// limiter. Orders go out as fill-and-kill so an unfilled remainder never
// rests on the book.
type OrderExecutor struct {
	exchange      Exchange
	limiter       Limiter
	orders        domain.OrderStore // optional
	submitTimeout time.Duration
	logger        *slog.Logger
}

// NewOrderExecutor creates an executor. orders may be nil when persistence is
// not wanted (tests, monitor mode).
func NewOrderExecutor(exchange Exchange, limiter Limiter, orders domain.OrderStore, submitTimeout time.Duration, logger *slog.Logger) *OrderExecutor {
	if submitTimeout <= 0 {
		submitTimeout = 10 * time.Second
	}
	return &OrderExecutor{
		exchange:      exchange,
		limiter:       limiter,
		orders:        orders,
		submitTimeout: submitTimeout,
		logger:        logger.With(slog.String("component", "executor")),
	}
}

// Submit places one order and reports the normalized outcome.
//
// A StatusTimeout result means the outcome is unknown: the order may still
// fill. Callers must resolve it with QueryStatus before assuming
// non-execution. Submit never retries.
func (e *OrderExecutor) Submit(ctx context.Context, req domain.OrderRequest) (domain.OrderResult, error) {
	if req.Size <= 0 || req.LimitPrice <= 0 || req.LimitPrice >= 1 {
		return domain.OrderResult{}, fmt.Errorf("executor: %w: size=%v price=%v",
			domain.ErrInvalidOrder, req.Size, req.LimitPrice)
	}

	if err := e.limiter.Acquire(ctx, 1); err != nil {
		return domain.OrderResult{}, fmt.Errorf("executor: acquire rate budget: %w", err)
	}

	order := domain.Order{
		ID:         uuid.New().String(),
		TokenID:    req.TokenID,
		Side:       req.Side,
		Type:       domain.OrderTypeFAK,
		Size:       req.Size,
		LimitPrice: req.LimitPrice,
		CreatedAt:  time.Now().UTC(),
	}
	if e.orders != nil {
		if err := e.orders.Create(ctx, order); err != nil {
			e.logger.Warn("order persist failed",
				slog.String("order_id", order.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	log := e.logger.With(
		slog.String("order_id", order.ID),
		slog.String("token", req.TokenID),
		slog.String("side", string(req.Side)),
		slog.Float64("size", req.Size),
		slog.Float64("limit_price", req.LimitPrice),
	)

	submitCtx, cancel := context.WithTimeout(ctx, e.submitTimeout)
	defer cancel()

	fill, err := e.exchange.PostOrder(submitCtx, order)
	var result domain.OrderResult
	switch {
	case err == nil:
		result = normalize(req.Size, fill)
	case errors.Is(err, domain.ErrInvalidOrder),
		errors.Is(err, domain.ErrSigningFailed),
		errors.Is(err, domain.ErrUnauthorized),
		errors.Is(err, domain.ErrRateLimited):
		// Failed before reaching the matching engine; safe to report as error.
		return domain.OrderResult{}, err
	default:
		// No usable response. The order may or may not have been accepted.
		result = domain.OrderResult{
			RequestedSize: req.Size,
			Status:        domain.OrderStatusTimeout,
			Message:       err.Error(),
		}
	}
	result.RequestedSize = req.Size

	if e.orders != nil {
		if err := e.orders.UpdateResult(ctx, order.ID, result); err != nil {
			log.Warn("order result persist failed", slog.String("error", err.Error()))
		}
	}

	switch result.Status {
	case domain.OrderStatusFilled:
		log.Info("order filled",
			slog.Float64("avg_price", result.AvgPrice),
		)
	case domain.OrderStatusPartial:
		log.Warn("order partially filled",
			slog.Float64("filled", result.FilledSize),
			slog.Float64("requested", result.RequestedSize),
		)
	case domain.OrderStatusRejected:
		log.Warn("order rejected", slog.String("message", result.Message))
	case domain.OrderStatusTimeout:
		log.Warn("order outcome unknown", slog.String("message", result.Message))
	}
	return result, nil
}

// QueryStatus resolves an order whose submission outcome was unknown by
// querying the exchange. requestedSize is needed to classify partial fills.
func (e *OrderExecutor) QueryStatus(ctx context.Context, orderID string, requestedSize float64) (domain.OrderResult, error) {
	if err := e.limiter.Acquire(ctx, 1); err != nil {
		return domain.OrderResult{}, fmt.Errorf("executor: acquire rate budget: %w", err)
	}
	fill, err := e.exchange.GetOrderFill(ctx, orderID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			// Never reached the book.
			return domain.OrderResult{
				OrderID:       orderID,
				RequestedSize: requestedSize,
				Status:        domain.OrderStatusRejected,
				Message:       "order not found",
			}, nil
		}
		return domain.OrderResult{}, fmt.Errorf("executor: query status: %w", err)
	}
	if fill.OrderID == "" {
		fill.OrderID = orderID
	}
	result := normalize(requestedSize, fill)
	result.RequestedSize = requestedSize
	return result, nil
}

// Cancel removes a resting order.
func (e *OrderExecutor) Cancel(ctx context.Context, orderID string) error {
	if err := e.limiter.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("executor: acquire rate budget: %w", err)
	}
	return e.exchange.CancelOrder(ctx, orderID)
}

// sizeEpsilon absorbs fixed-point rounding in exchange-reported sizes.
const sizeEpsilon = 1e-6

// normalize maps an exchange fill report onto the four result statuses.
func normalize(requested float64, fill domain.ExchangeFill) domain.OrderResult {
	result := domain.OrderResult{
		OrderID:       fill.OrderID,
		RequestedSize: requested,
		FilledSize:    fill.FilledSize,
		AvgPrice:      fill.AvgPrice,
		Message:       fill.Message,
	}
	switch {
	case fill.FilledSize >= requested-sizeEpsilon && fill.FilledSize > 0:
		result.Status = domain.OrderStatusFilled
	case fill.FilledSize > 0:
		result.Status = domain.OrderStatusPartial
	default:
		result.Status = domain.OrderStatusRejected
		if result.Message == "" {
			result.Message = "no fill"
		}
	}
	if fill.Rejected && fill.FilledSize <= 0 {
		result.Status = domain.OrderStatusRejected
	}
	return result
}

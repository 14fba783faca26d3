package executor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Shmuel18/my-poly-bots/internal/domain"
)

// fakeExchange scripts PostOrder responses per token.
type fakeExchange struct {
	mu       sync.Mutex
	fills    map[string]domain.ExchangeFill
	errs     map[string]error
	statuses map[string]domain.ExchangeFill
	posted   []domain.Order
	delay    time.Duration
}

func newFakeExchange() *fakeExchange {
	return &fakeExchange{
		fills:    make(map[string]domain.ExchangeFill),
		errs:     make(map[string]error),
		statuses: make(map[string]domain.ExchangeFill),
	}
}

func (f *fakeExchange) PostOrder(ctx context.Context, order domain.Order) (domain.ExchangeFill, error) {
	f.mu.Lock()
	f.posted = append(f.posted, order)
	f.mu.Unlock()
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return domain.ExchangeFill{}, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.errs[order.TokenID]; ok {
		return domain.ExchangeFill{}, err
	}
	return f.fills[order.TokenID], nil
}

func (f *fakeExchange) GetOrderFill(ctx context.Context, orderID string) (domain.ExchangeFill, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fill, ok := f.statuses[orderID]
	if !ok {
		return domain.ExchangeFill{}, domain.ErrNotFound
	}
	return fill, nil
}

func (f *fakeExchange) CancelOrder(ctx context.Context, orderID string) error { return nil }

func (f *fakeExchange) postedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.posted)
}

// countingLimiter records every debit.
type countingLimiter struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (l *countingLimiter) Acquire(ctx context.Context, cost float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	return l.err
}

func (l *countingLimiter) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func buyReq(token string, size, price float64) domain.OrderRequest {
	return domain.OrderRequest{TokenID: token, Side: domain.OrderSideBuy, Size: size, LimitPrice: price}
}

func TestSubmitNormalizesFullFill(t *testing.T) {
	exch := newFakeExchange()
	exch.fills["tok-1"] = domain.ExchangeFill{OrderID: "ord-1", FilledSize: 100, AvgPrice: 0.45}
	limiter := &countingLimiter{}
	e := NewOrderExecutor(exch, limiter, nil, time.Second, discardLogger())

	res, err := e.Submit(context.Background(), buyReq("tok-1", 100, 0.45))
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusFilled, res.Status)
	require.Equal(t, "ord-1", res.OrderID)
	require.InDelta(t, 100.0, res.FilledSize, 1e-9)
	require.InDelta(t, 0.45, res.AvgPrice, 1e-9)
	require.Equal(t, 1, limiter.count())
	require.Equal(t, 1, exch.postedCount())
}

func TestSubmitNormalizesPartialFill(t *testing.T) {
	exch := newFakeExchange()
	exch.fills["tok-1"] = domain.ExchangeFill{OrderID: "ord-1", FilledSize: 40, AvgPrice: 0.45}
	e := NewOrderExecutor(exch, &countingLimiter{}, nil, time.Second, discardLogger())

	res, err := e.Submit(context.Background(), buyReq("tok-1", 100, 0.45))
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusPartial, res.Status)
	require.InDelta(t, 60.0, res.Residual(), 1e-9)
}

func TestSubmitNormalizesRejection(t *testing.T) {
	exch := newFakeExchange()
	exch.fills["tok-1"] = domain.ExchangeFill{Rejected: true, Message: "not enough balance"}
	e := NewOrderExecutor(exch, &countingLimiter{}, nil, time.Second, discardLogger())

	res, err := e.Submit(context.Background(), buyReq("tok-1", 100, 0.45))
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusRejected, res.Status)
	require.Equal(t, "not enough balance", res.Message)
	require.Zero(t, res.FilledSize)
}

func TestSubmitTimeoutIsUnknownNotRetried(t *testing.T) {
	exch := newFakeExchange()
	exch.delay = 200 * time.Millisecond
	e := NewOrderExecutor(exch, &countingLimiter{}, nil, 20*time.Millisecond, discardLogger())

	res, err := e.Submit(context.Background(), buyReq("tok-1", 100, 0.45))
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusTimeout, res.Status)
	// Exactly one submission attempt, never a blind retry.
	time.Sleep(250 * time.Millisecond)
	require.Equal(t, 1, exch.postedCount())
}

func TestSubmitRejectsInvalidRequest(t *testing.T) {
	exch := newFakeExchange()
	limiter := &countingLimiter{}
	e := NewOrderExecutor(exch, limiter, nil, time.Second, discardLogger())

	_, err := e.Submit(context.Background(), buyReq("tok-1", 0, 0.45))
	require.ErrorIs(t, err, domain.ErrInvalidOrder)
	_, err = e.Submit(context.Background(), buyReq("tok-1", 100, 1.5))
	require.ErrorIs(t, err, domain.ErrInvalidOrder)
	// Invalid requests must not consume rate budget.
	require.Equal(t, 0, limiter.count())
	require.Equal(t, 0, exch.postedCount())
}

func TestSubmitPropagatesLimiterError(t *testing.T) {
	exch := newFakeExchange()
	limiter := &countingLimiter{err: context.Canceled}
	e := NewOrderExecutor(exch, limiter, nil, time.Second, discardLogger())

	_, err := e.Submit(context.Background(), buyReq("tok-1", 100, 0.45))
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 0, exch.postedCount())
}

func TestQueryStatusResolvesUnknownOrder(t *testing.T) {
	exch := newFakeExchange()
	exch.statuses["ord-1"] = domain.ExchangeFill{OrderID: "ord-1", FilledSize: 100, AvgPrice: 0.44}
	e := NewOrderExecutor(exch, &countingLimiter{}, nil, time.Second, discardLogger())

	res, err := e.QueryStatus(context.Background(), "ord-1", 100)
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusFilled, res.Status)

	// Unknown ID means the order never reached the book.
	res, err = e.QueryStatus(context.Background(), "ord-missing", 100)
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusRejected, res.Status)
}

func TestNormalizeBoundaries(t *testing.T) {
	// Fill equal to requested within rounding tolerance counts as filled.
	res := normalize(100, domain.ExchangeFill{FilledSize: 99.9999999})
	require.Equal(t, domain.OrderStatusFilled, res.Status)

	res = normalize(100, domain.ExchangeFill{FilledSize: 0})
	require.Equal(t, domain.OrderStatusRejected, res.Status)

	res = normalize(100, domain.ExchangeFill{FilledSize: 0.5})
	require.Equal(t, domain.OrderStatusPartial, res.Status)
}

func TestSubmitSurfacesAuthErrors(t *testing.T) {
	exch := newFakeExchange()
	exch.errs["tok-1"] = errors.Join(domain.ErrUnauthorized)
	e := NewOrderExecutor(exch, &countingLimiter{}, nil, time.Second, discardLogger())

	_, err := e.Submit(context.Background(), buyReq("tok-1", 100, 0.45))
	require.ErrorIs(t, err, domain.ErrUnauthorized)
}

package executor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Shmuel18/my-poly-bots/internal/domain"
)

// scriptedSubmitter returns canned results per token and records every
// submission it sees.
type scriptedSubmitter struct {
	mu       sync.Mutex
	results  map[string]domain.OrderResult
	statuses map[string]domain.OrderResult
	delays   map[string]time.Duration
	submits  []domain.OrderRequest
}

func newScriptedSubmitter() *scriptedSubmitter {
	return &scriptedSubmitter{
		results:  make(map[string]domain.OrderResult),
		statuses: make(map[string]domain.OrderResult),
		delays:   make(map[string]time.Duration),
	}
}

func (s *scriptedSubmitter) Submit(ctx context.Context, req domain.OrderRequest) (domain.OrderResult, error) {
	if err := ctx.Err(); err != nil {
		return domain.OrderResult{}, err
	}
	s.mu.Lock()
	delay := s.delays[req.TokenID]
	s.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return domain.OrderResult{}, ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submits = append(s.submits, req)
	key := req.TokenID + ":" + string(req.Side)
	if res, ok := s.results[key]; ok {
		res.RequestedSize = req.Size
		return res, nil
	}
	res := s.results[req.TokenID]
	res.RequestedSize = req.Size
	return res, nil
}

func (s *scriptedSubmitter) QueryStatus(ctx context.Context, orderID string, requestedSize float64) (domain.OrderResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res := s.statuses[orderID]
	res.RequestedSize = requestedSize
	return res, nil
}

func (s *scriptedSubmitter) submissions() []domain.OrderRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.OrderRequest, len(s.submits))
	copy(out, s.submits)
	return out
}

type staticBooks struct {
	ticks map[string]domain.PriceTick
}

func (b staticBooks) GetBook(ctx context.Context, tokenID string) (domain.PriceTick, error) {
	return b.ticks[tokenID], nil
}

type failingBooks struct{}

func (failingBooks) GetBook(ctx context.Context, tokenID string) (domain.PriceTick, error) {
	return domain.PriceTick{}, errors.New("book fetch failed")
}

// staticPrices is an in-memory stand-in for the Redis price cache.
type staticPrices struct {
	ticks map[string]domain.PriceTick
}

func (p staticPrices) SetTick(ctx context.Context, tick domain.PriceTick) error { return nil }

func (p staticPrices) GetTick(ctx context.Context, tokenID string) (domain.PriceTick, error) {
	tick, ok := p.ticks[tokenID]
	if !ok {
		return domain.PriceTick{}, domain.ErrNotFound
	}
	return tick, nil
}

type recordingAlerter struct {
	mu     sync.Mutex
	events []string
}

func (a *recordingAlerter) Notify(ctx context.Context, event, title, message string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, title)
	return nil
}

func (a *recordingAlerter) titles() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.events))
	copy(out, a.events)
	return out
}

func filledResult(orderID string, size, price float64) domain.OrderResult {
	return domain.OrderResult{
		OrderID:    orderID,
		FilledSize: size,
		AvgPrice:   price,
		Status:     domain.OrderStatusFilled,
	}
}

func testCoordinator(sub Submitter, books BookSource, alerter Alerter) *MultiLegCoordinator {
	return NewMultiLegCoordinator(sub, books, nil, alerter, 0.01, discardLogger())
}

func TestExecuteAllLegsFilled(t *testing.T) {
	sub := newScriptedSubmitter()
	sub.results["yes"] = filledResult("ord-y", 100, 0.45)
	sub.results["no"] = filledResult("ord-n", 100, 0.52)
	coord := testCoordinator(sub, staticBooks{}, nil)

	legs := []domain.OrderRequest{
		buyReq("yes", 100, 0.45),
		buyReq("no", 100, 0.52),
	}
	results, ok := coord.Execute(context.Background(), legs, time.Second)
	require.True(t, ok)
	require.Len(t, results, 2)
	for _, r := range results {
		require.Equal(t, domain.OrderStatusFilled, r.Status)
	}
	// No compensation orders were needed.
	require.Len(t, sub.submissions(), 2)
}

func TestExecuteAllLegsFailedNoCompensation(t *testing.T) {
	sub := newScriptedSubmitter()
	sub.results["yes"] = domain.OrderResult{Status: domain.OrderStatusRejected, Message: "no liquidity"}
	sub.results["no"] = domain.OrderResult{Status: domain.OrderStatusRejected, Message: "no liquidity"}
	coord := testCoordinator(sub, staticBooks{}, nil)

	legs := []domain.OrderRequest{
		buyReq("yes", 100, 0.45),
		buyReq("no", 100, 0.52),
	}
	results, ok := coord.Execute(context.Background(), legs, time.Second)
	require.False(t, ok)
	require.Len(t, results, 2)
	require.Len(t, sub.submissions(), 2)
}

func TestExecuteCompensatesFilledLegOnImbalance(t *testing.T) {
	sub := newScriptedSubmitter()
	sub.results["yes"] = filledResult("ord-y", 100, 0.45)
	sub.results["no"] = domain.OrderResult{Status: domain.OrderStatusRejected, Message: "no liquidity"}
	// Compensation sell of "yes" fills.
	sub.results["yes:sell"] = filledResult("ord-comp", 100, 0.44)
	books := staticBooks{ticks: map[string]domain.PriceTick{
		"yes": {TokenID: "yes", BestBid: 0.45, BestAsk: 0.47},
	}}
	coord := testCoordinator(sub, books, nil)

	legs := []domain.OrderRequest{
		buyReq("yes", 100, 0.45),
		buyReq("no", 100, 0.52),
	}
	results, ok := coord.Execute(context.Background(), legs, time.Second)
	require.False(t, ok)
	require.Equal(t, domain.OrderStatusFilled, results[0].Status)
	require.Equal(t, domain.OrderStatusRejected, results[1].Status)

	subs := sub.submissions()
	require.Len(t, subs, 3)
	comp := subs[2]
	require.Equal(t, "yes", comp.TokenID)
	require.Equal(t, domain.OrderSideSell, comp.Side)
	require.InDelta(t, 100.0, comp.Size, 1e-9)
	// Sells into the bid, one tick through, so it crosses promptly.
	require.InDelta(t, 0.44, comp.LimitPrice, 1e-9)
}

func TestExecuteCompensatesEveryFilledLegDespiteFailures(t *testing.T) {
	sub := newScriptedSubmitter()
	sub.results["a"] = filledResult("ord-a", 50, 0.30)
	sub.results["b"] = filledResult("ord-b", 50, 0.30)
	sub.results["c"] = domain.OrderResult{Status: domain.OrderStatusRejected}
	// Compensation for a fails both attempts; for b it fills.
	sub.results["a:sell"] = domain.OrderResult{Status: domain.OrderStatusRejected, Message: "no liquidity"}
	sub.results["b:sell"] = filledResult("ord-comp-b", 50, 0.29)
	alerter := &recordingAlerter{}
	coord := testCoordinator(sub, staticBooks{}, alerter)

	legs := []domain.OrderRequest{
		buyReq("a", 50, 0.30),
		buyReq("b", 50, 0.30),
		buyReq("c", 50, 0.30),
	}
	_, ok := coord.Execute(context.Background(), legs, time.Second)
	require.False(t, ok)

	// Leg b was compensated even though leg a's compensation failed.
	var soldB bool
	for _, s := range sub.submissions() {
		if s.TokenID == "b" && s.Side == domain.OrderSideSell {
			soldB = true
		}
	}
	require.True(t, soldB)
	// The residual exposure on a was escalated.
	require.Contains(t, alerter.titles(), "unhedged exposure")
}

func TestExecuteTimeoutCancelsOnlyTheWait(t *testing.T) {
	sub := newScriptedSubmitter()
	sub.results["fast"] = filledResult("ord-f", 100, 0.45)
	sub.results["slow"] = filledResult("ord-s", 100, 0.52)
	sub.delays["slow"] = 150 * time.Millisecond
	// The slow leg's fill arrives after the deadline and must be flattened.
	sub.results["slow:sell"] = filledResult("ord-comp-s", 100, 0.51)
	sub.results["fast:sell"] = filledResult("ord-comp-f", 100, 0.44)
	coord := testCoordinator(sub, staticBooks{}, nil)

	legs := []domain.OrderRequest{
		buyReq("fast", 100, 0.45),
		buyReq("slow", 100, 0.52),
	}
	results, ok := coord.Execute(context.Background(), legs, 30*time.Millisecond)
	require.False(t, ok)
	require.Equal(t, domain.OrderStatusFilled, results[0].Status)
	require.Equal(t, domain.OrderStatusTimeout, results[1].Status)

	coord.WaitScans()
	var lateComp bool
	for _, s := range sub.submissions() {
		if s.TokenID == "slow" && s.Side == domain.OrderSideSell {
			lateComp = true
		}
	}
	require.True(t, lateComp, "late fill was not compensated")
}

func TestExecutePartialFillCompensatesFilledPortion(t *testing.T) {
	sub := newScriptedSubmitter()
	sub.results["yes"] = domain.OrderResult{
		OrderID: "ord-y", FilledSize: 30, AvgPrice: 0.45, Status: domain.OrderStatusPartial,
	}
	sub.results["no"] = filledResult("ord-n", 100, 0.52)
	sub.results["yes:sell"] = filledResult("ord-comp-y", 30, 0.44)
	sub.results["no:sell"] = filledResult("ord-comp-n", 100, 0.51)
	coord := testCoordinator(sub, staticBooks{}, nil)

	legs := []domain.OrderRequest{
		buyReq("yes", 100, 0.45),
		buyReq("no", 100, 0.52),
	}
	_, ok := coord.Execute(context.Background(), legs, time.Second)
	require.False(t, ok)

	var partialComp *domain.OrderRequest
	for _, s := range sub.submissions() {
		if s.TokenID == "yes" && s.Side == domain.OrderSideSell {
			s := s
			partialComp = &s
		}
	}
	require.NotNil(t, partialComp)
	require.InDelta(t, 30.0, partialComp.Size, 1e-9)
}

func TestExecuteCompensatesAfterCallerCancel(t *testing.T) {
	sub := newScriptedSubmitter()
	sub.results["yes"] = filledResult("ord-y", 100, 0.45)
	sub.results["no"] = domain.OrderResult{Status: domain.OrderStatusRejected, Message: "no liquidity"}
	sub.delays["no"] = 100 * time.Millisecond
	sub.results["yes:sell"] = filledResult("ord-comp", 100, 0.44)
	books := staticBooks{ticks: map[string]domain.PriceTick{
		"yes": {TokenID: "yes", BestBid: 0.45, BestAsk: 0.47},
	}}
	coord := testCoordinator(sub, books, nil)

	// The caller loses interest while one leg is still in flight; the
	// already-filled leg must be flattened anyway.
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()
	legs := []domain.OrderRequest{
		buyReq("yes", 100, 0.45),
		buyReq("no", 100, 0.52),
	}
	results, ok := coord.Execute(ctx, legs, time.Second)
	require.False(t, ok)
	require.Equal(t, domain.OrderStatusFilled, results[0].Status)

	coord.WaitScans()
	var comp bool
	for _, s := range sub.submissions() {
		if s.TokenID == "yes" && s.Side == domain.OrderSideSell {
			comp = true
		}
	}
	require.True(t, comp, "filled leg was not flattened after caller cancel")
}

func TestCompensationSecondAttemptCrossesDeeper(t *testing.T) {
	sub := newScriptedSubmitter()
	sub.results["yes"] = filledResult("ord-y", 100, 0.45)
	sub.results["no"] = domain.OrderResult{Status: domain.OrderStatusRejected}
	sub.results["yes:sell"] = domain.OrderResult{Status: domain.OrderStatusRejected, Message: "no liquidity"}
	books := staticBooks{ticks: map[string]domain.PriceTick{
		"yes": {TokenID: "yes", BestBid: 0.45, BestAsk: 0.47},
	}}
	alerter := &recordingAlerter{}
	coord := testCoordinator(sub, books, alerter)

	legs := []domain.OrderRequest{
		buyReq("yes", 100, 0.45),
		buyReq("no", 100, 0.52),
	}
	_, ok := coord.Execute(context.Background(), legs, time.Second)
	require.False(t, ok)

	var sells []domain.OrderRequest
	for _, s := range sub.submissions() {
		if s.TokenID == "yes" && s.Side == domain.OrderSideSell {
			sells = append(sells, s)
		}
	}
	require.Len(t, sells, 2)
	require.InDelta(t, 0.44, sells[0].LimitPrice, 1e-9)
	// The re-attempt crosses one tick deeper into the bid.
	require.InDelta(t, 0.43, sells[1].LimitPrice, 1e-9)
	require.Contains(t, alerter.titles(), "unhedged exposure")
}

func TestCompensationPricedFromCacheWhenBookUnavailable(t *testing.T) {
	sub := newScriptedSubmitter()
	sub.results["yes"] = filledResult("ord-y", 100, 0.45)
	sub.results["no"] = domain.OrderResult{Status: domain.OrderStatusRejected}
	sub.results["yes:sell"] = filledResult("ord-comp", 100, 0.41)
	prices := staticPrices{ticks: map[string]domain.PriceTick{
		"yes": {TokenID: "yes", BestBid: 0.42, BestAsk: 0.44},
	}}
	coord := NewMultiLegCoordinator(sub, failingBooks{}, prices, nil, 0.01, discardLogger())

	legs := []domain.OrderRequest{
		buyReq("yes", 100, 0.45),
		buyReq("no", 100, 0.52),
	}
	_, ok := coord.Execute(context.Background(), legs, time.Second)
	require.False(t, ok)

	var comp *domain.OrderRequest
	for _, s := range sub.submissions() {
		if s.TokenID == "yes" && s.Side == domain.OrderSideSell {
			s := s
			comp = &s
		}
	}
	require.NotNil(t, comp)
	// Priced off the cached bid, one tick through.
	require.InDelta(t, 0.41, comp.LimitPrice, 1e-9)
}

func TestExecuteEmptyLegs(t *testing.T) {
	coord := testCoordinator(newScriptedSubmitter(), staticBooks{}, nil)
	results, ok := coord.Execute(context.Background(), nil, time.Second)
	require.True(t, ok)
	require.Nil(t, results)
}

func TestDedupWindow(t *testing.T) {
	d := NewDedup(50 * time.Millisecond)
	require.False(t, d.IsDuplicate("entry:tok-1"))
	require.True(t, d.IsDuplicate("entry:tok-1"))
	time.Sleep(60 * time.Millisecond)
	require.False(t, d.IsDuplicate("entry:tok-1"))
	d.Cleanup()
}

func TestDedupCleanupPrunesExpired(t *testing.T) {
	d := NewDedup(10 * time.Millisecond)
	d.IsDuplicate("entry:tok-1")
	d.IsDuplicate("entry:tok-2")
	time.Sleep(20 * time.Millisecond)
	d.IsDuplicate("entry:tok-3")

	d.Cleanup()
	d.mu.Lock()
	defer d.mu.Unlock()
	require.Len(t, d.seen, 1)
	require.Contains(t, d.seen, "entry:tok-3")
}

package position

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Shmuel18/my-poly-bots/internal/domain"
)

type fakeSubscriber struct {
	mu   sync.Mutex
	refs map[string]int
}

func newFakeSubscriber() *fakeSubscriber {
	return &fakeSubscriber{refs: make(map[string]int)}
}

func (f *fakeSubscriber) Subscribe(tokenIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range tokenIDs {
		f.refs[id]++
	}
	return nil
}

func (f *fakeSubscriber) Unsubscribe(tokenIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range tokenIDs {
		f.refs[id]--
	}
	return nil
}

func (f *fakeSubscriber) count(tokenID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refs[tokenID]
}

type memoryStore struct {
	mu        sync.Mutex
	positions map[string]domain.Position
}

func newMemoryStore() *memoryStore {
	return &memoryStore{positions: make(map[string]domain.Position)}
}

func (s *memoryStore) Create(ctx context.Context, pos domain.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[pos.ID] = pos
	return nil
}

func (s *memoryStore) Update(ctx context.Context, pos domain.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[pos.ID] = pos
	return nil
}

func (s *memoryStore) ListOpen(ctx context.Context) ([]domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Position
	for _, pos := range s.positions {
		if pos.Status == domain.PositionStatusOpen {
			out = append(out, pos)
		}
	}
	return out, nil
}

func (s *memoryStore) GetByID(ctx context.Context, id string) (domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos, ok := s.positions[id]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	return pos, nil
}

func (s *memoryStore) ListHistory(ctx context.Context, opts domain.ListOpts) ([]domain.Position, error) {
	return nil, nil
}

// fakeBus records lifecycle events and trade-log appends.
type fakeBus struct {
	mu      sync.Mutex
	events  []string
	streams map[string][][]byte
}

func newFakeBus() *fakeBus {
	return &fakeBus{streams: make(map[string][][]byte)}
}

func (b *fakeBus) Publish(ctx context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, channel)
	return nil
}

func (b *fakeBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	return nil, nil
}

func (b *fakeBus) StreamAppend(ctx context.Context, stream string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.streams[stream] = append(b.streams[stream], payload)
	return nil
}

func (b *fakeBus) appended(stream string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.streams[stream]
}

func testTracker(store domain.PositionStore, feed Subscriber) *Tracker {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewTracker(Config{TickSize: 0.01, EstimatedFee: 0.01}, store, feed, nil, logger)
}

func filledEntry(token string, size, price float64) (domain.OrderRequest, domain.OrderResult) {
	req := domain.OrderRequest{TokenID: token, Side: domain.OrderSideBuy, Size: size, LimitPrice: price}
	res := domain.OrderResult{
		OrderID:       "ord-1",
		RequestedSize: size,
		FilledSize:    size,
		AvgPrice:      price,
		Status:        domain.OrderStatusFilled,
	}
	return req, res
}

func TestEntryOpensPositionAndSubscribes(t *testing.T) {
	feed := newFakeSubscriber()
	tr := testTracker(nil, feed)

	req, res := filledEntry("tok-1", 100, 0.45)
	pos, err := tr.OnEntryFilled(context.Background(), req, res, "extreme_price")
	require.NoError(t, err)
	require.Equal(t, domain.PositionStatusOpen, pos.Status)
	require.InDelta(t, 45.0, pos.EntryCost, 1e-9)
	// One open position holds exactly one subscription reference.
	require.Equal(t, 1, feed.count("tok-1"))
	require.Len(t, tr.Open(), 1)
}

func TestPennyDefenseFlagsOutbidBuyPosition(t *testing.T) {
	tr := testTracker(nil, nil)
	req, res := filledEntry("tok-1", 100, 0.45)
	pos, err := tr.OnEntryFilled(context.Background(), req, res, "")
	require.NoError(t, err)

	// A bid at or below entry is not a threat.
	tr.OnTick(domain.PriceTick{TokenID: "tok-1", BestBid: 0.45, BestAsk: 0.47})
	require.False(t, tr.ShouldForceExit(pos.ID))

	// A bid above entry means we have been out-bid.
	tr.OnTick(domain.PriceTick{TokenID: "tok-1", BestBid: 0.46, BestAsk: 0.47})
	require.True(t, tr.ShouldForceExit(pos.ID))
}

func TestPennyDefenseSellSideUsesInverseCondition(t *testing.T) {
	tr := testTracker(nil, nil)
	req := domain.OrderRequest{TokenID: "tok-1", Side: domain.OrderSideSell, Size: 100, LimitPrice: 0.55}
	res := domain.OrderResult{FilledSize: 100, AvgPrice: 0.55, Status: domain.OrderStatusFilled}
	pos, err := tr.OnEntryFilled(context.Background(), req, res, "")
	require.NoError(t, err)

	tr.OnTick(domain.PriceTick{TokenID: "tok-1", BestBid: 0.53, BestAsk: 0.55})
	require.False(t, tr.ShouldForceExit(pos.ID))

	// An ask below our entry undercuts a sell position.
	tr.OnTick(domain.PriceTick{TokenID: "tok-1", BestBid: 0.53, BestAsk: 0.54})
	require.True(t, tr.ShouldForceExit(pos.ID))
}

func TestTicksForOtherTokensAreIgnored(t *testing.T) {
	tr := testTracker(nil, nil)
	req, res := filledEntry("tok-1", 100, 0.45)
	pos, err := tr.OnEntryFilled(context.Background(), req, res, "")
	require.NoError(t, err)

	tr.OnTick(domain.PriceTick{TokenID: "tok-other", BestBid: 0.99, BestAsk: 0.995})
	require.False(t, tr.ShouldForceExit(pos.ID))
}

func TestComputeExitPrice(t *testing.T) {
	tr := testTracker(nil, nil)
	pos := domain.Position{EntryPrice: 0.45, Side: domain.OrderSideBuy}

	// Enough room: ask the full target.
	got := tr.ComputeExitPrice(pos, 0.50, 0.02, 0.01)
	require.InDelta(t, 0.47, got, 1e-9)

	// Exactly at the boundary still asks the target.
	got = tr.ComputeExitPrice(pos, 0.48, 0.02, 0.01)
	require.InDelta(t, 0.47, got, 1e-9)

	// Not enough room net of fees: undercut the ask by one tick.
	got = tr.ComputeExitPrice(pos, 0.47, 0.02, 0.01)
	require.InDelta(t, 0.46, got, 1e-9)

	// Sell positions buy back: ask entry-target while there is room.
	short := domain.Position{EntryPrice: 0.55, Side: domain.OrderSideSell}
	got = tr.ComputeExitPrice(short, 0.50, 0.02, 0.01)
	require.InDelta(t, 0.53, got, 1e-9)

	// No room net of fees: pay one tick through the ask.
	got = tr.ComputeExitPrice(short, 0.54, 0.02, 0.01)
	require.InDelta(t, 0.55, got, 1e-9)
}

func TestExitClosesPositionAndRecordsPnL(t *testing.T) {
	feed := newFakeSubscriber()
	store := newMemoryStore()
	tr := testTracker(store, feed)

	req, res := filledEntry("tok-1", 100, 0.45)
	pos, err := tr.OnEntryFilled(context.Background(), req, res, "")
	require.NoError(t, err)

	exit := domain.OrderResult{FilledSize: 100, AvgPrice: 0.48, Status: domain.OrderStatusFilled}
	closed, err := tr.OnExitFilled(context.Background(), pos.ID, exit)
	require.NoError(t, err)
	require.Equal(t, domain.PositionStatusClosed, closed.Status)
	require.NotNil(t, closed.ExitPrice)
	require.InDelta(t, 0.48, *closed.ExitPrice, 1e-9)
	// (0.48-0.45)*100 gross minus 1% of exit notional (0.48*100*0.01).
	require.InDelta(t, 3.0-0.48, closed.RealizedPnL, 1e-9)
	// The subscription reference is released on close.
	require.Equal(t, 0, feed.count("tok-1"))
	require.Empty(t, tr.Open())

	stored, err := store.GetByID(context.Background(), pos.ID)
	require.NoError(t, err)
	require.Equal(t, domain.PositionStatusClosed, stored.Status)
}

func TestPartialExitShrinksPositionAndKeepsSubscription(t *testing.T) {
	feed := newFakeSubscriber()
	store := newMemoryStore()
	tr := testTracker(store, feed)

	req, res := filledEntry("tok-1", 100, 0.45)
	pos, err := tr.OnEntryFilled(context.Background(), req, res, "")
	require.NoError(t, err)

	// Only 30 of 100 shares exit: the residual must stay tracked.
	exit := domain.OrderResult{FilledSize: 30, AvgPrice: 0.48, Status: domain.OrderStatusPartial}
	reduced, err := tr.OnExitFilled(context.Background(), pos.ID, exit)
	require.NoError(t, err)
	require.Equal(t, domain.PositionStatusOpen, reduced.Status)
	require.InDelta(t, 70.0, reduced.Size, 1e-9)
	// PnL so far covers the exited 30 only.
	require.InDelta(t, 0.9-0.144, reduced.RealizedPnL, 1e-9)
	require.Equal(t, 1, feed.count("tok-1"))
	require.Len(t, tr.Open(), 1)

	stored, err := store.GetByID(context.Background(), pos.ID)
	require.NoError(t, err)
	require.InDelta(t, 70.0, stored.Size, 1e-9)

	// The follow-up exit closes the residual and accumulates the PnL.
	exit = domain.OrderResult{FilledSize: 70, AvgPrice: 0.48, Status: domain.OrderStatusFilled}
	closed, err := tr.OnExitFilled(context.Background(), pos.ID, exit)
	require.NoError(t, err)
	require.Equal(t, domain.PositionStatusClosed, closed.Status)
	require.InDelta(t, (0.9-0.144)+(2.1-0.336), closed.RealizedPnL, 1e-9)
	require.Equal(t, 0, feed.count("tok-1"))
	require.Empty(t, tr.Open())
}

func TestClosedPositionLandsInTradeStream(t *testing.T) {
	bus := newFakeBus()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tr := NewTracker(Config{TickSize: 0.01, EstimatedFee: 0.01}, nil, nil, bus, logger)

	req, res := filledEntry("tok-1", 100, 0.45)
	pos, err := tr.OnEntryFilled(context.Background(), req, res, "extreme_price")
	require.NoError(t, err)
	require.Empty(t, bus.appended("trades"))

	exit := domain.OrderResult{FilledSize: 100, AvgPrice: 0.48, Status: domain.OrderStatusFilled}
	_, err = tr.OnExitFilled(context.Background(), pos.ID, exit)
	require.NoError(t, err)

	records := bus.appended("trades")
	require.Len(t, records, 1)
	var record map[string]any
	require.NoError(t, json.Unmarshal(records[0], &record))
	require.Equal(t, pos.ID, record["position_id"])
	require.Equal(t, "closed", record["status"])
	require.InDelta(t, 3.0-0.48, record["realized_pnl"].(float64), 1e-9)
}

func TestSellExitPnLIsSignAdjusted(t *testing.T) {
	tr := testTracker(nil, nil)
	req := domain.OrderRequest{TokenID: "tok-1", Side: domain.OrderSideSell, Size: 100, LimitPrice: 0.55}
	res := domain.OrderResult{FilledSize: 100, AvgPrice: 0.55, Status: domain.OrderStatusFilled}
	pos, err := tr.OnEntryFilled(context.Background(), req, res, "")
	require.NoError(t, err)

	// Bought back cheaper: profit for a sell position.
	exit := domain.OrderResult{FilledSize: 100, AvgPrice: 0.50, Status: domain.OrderStatusFilled}
	closed, err := tr.OnExitFilled(context.Background(), pos.ID, exit)
	require.NoError(t, err)
	require.InDelta(t, 5.0-0.50, closed.RealizedPnL, 1e-9)
}

func TestMarkFailedRemovesFromLiveSet(t *testing.T) {
	store := newMemoryStore()
	tr := testTracker(store, nil)
	req, res := filledEntry("tok-1", 100, 0.45)
	pos, err := tr.OnEntryFilled(context.Background(), req, res, "")
	require.NoError(t, err)

	require.NoError(t, tr.MarkFailed(context.Background(), pos.ID, "exit rejected twice"))
	require.Empty(t, tr.Open())
	stored, err := store.GetByID(context.Background(), pos.ID)
	require.NoError(t, err)
	require.Equal(t, domain.PositionStatusFailed, stored.Status)
	require.Equal(t, "exit rejected twice", stored.Metadata["failure_reason"])
}

func TestLoadRestoresOpenPositionsAndResubscribes(t *testing.T) {
	store := newMemoryStore()
	feed := newFakeSubscriber()

	first := testTracker(store, feed)
	req, res := filledEntry("tok-1", 100, 0.45)
	pos, err := first.OnEntryFilled(context.Background(), req, res, "extreme_price")
	require.NoError(t, err)

	// A fresh tracker simulates a restart.
	second := testTracker(store, feed)
	require.NoError(t, second.Load(context.Background()))
	restored, ok := second.Get(pos.ID)
	require.True(t, ok)
	require.Equal(t, domain.PositionStatusOpen, restored.Status)
	require.Equal(t, "extreme_price", restored.Strategy)
	// Both the original entry and the reload hold a reference.
	require.Equal(t, 2, feed.count("tok-1"))

	// The restored position still honours the penny defense.
	second.OnTick(domain.PriceTick{TokenID: "tok-1", BestBid: 0.46, BestAsk: 0.47})
	require.True(t, second.ShouldForceExit(pos.ID))
}

func TestRejectedEntryDoesNotOpenPosition(t *testing.T) {
	tr := testTracker(nil, nil)
	req := domain.OrderRequest{TokenID: "tok-1", Side: domain.OrderSideBuy, Size: 100, LimitPrice: 0.45}
	res := domain.OrderResult{Status: domain.OrderStatusRejected}
	_, err := tr.OnEntryFilled(context.Background(), req, res, "")
	require.ErrorIs(t, err, domain.ErrInvalidOrder)
	require.Empty(t, tr.Open())
}

package polymarket

import (
	"strconv"
	"time"

	"github.com/Shmuel18/my-poly-bots/internal/domain"
)

// APIOrderResult is the response from POST /order.
type APIOrderResult struct {
	Success      bool   `json:"success"`
	ErrorMsg     string `json:"errorMsg,omitempty"`
	OrderID      string `json:"orderID,omitempty"`
	Status       string `json:"status,omitempty"`
	MakingAmount string `json:"makingAmount,omitempty"`
	TakingAmount string `json:"takingAmount,omitempty"`
}

// APIOrder is the order record returned by GET /order/{id}.
type APIOrder struct {
	ID           string `json:"id"`
	AssetID      string `json:"asset_id"`
	Side         string `json:"side"`
	OriginalSize string `json:"original_size"`
	SizeMatched  string `json:"size_matched"`
	Price        string `json:"price"`
	Status       string `json:"status"`
	CreatedAt    int64  `json:"created_at"`
}

// APIBook is the response from GET /book.
type APIBook struct {
	AssetID   string         `json:"asset_id"`
	Bids      []WSPriceLevel `json:"bids"`
	Asks      []WSPriceLevel `json:"asks"`
	Timestamp string         `json:"timestamp"`
}

// WSPriceLevel is one price level in a WebSocket or REST book payload.
type WSPriceLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// WSCommand is a subscribe/unsubscribe control frame for the market channel.
type WSCommand struct {
	Type     string   `json:"type"`
	AssetIDs []string `json:"assets_ids"`
	Action   string   `json:"action,omitempty"`
}

// BookMessage is a full orderbook snapshot delivered over the market channel.
type BookMessage struct {
	EventType string         `json:"event_type"`
	AssetID   string         `json:"asset_id"`
	Market    string         `json:"market"`
	Bids      []WSPriceLevel `json:"bids"`
	Asks      []WSPriceLevel `json:"asks"`
	Timestamp string         `json:"timestamp"`
}

// ToTick reduces a book snapshot to the best bid/ask. Levels arrive
// best-first, but the scan tolerates unordered payloads.
func (b *BookMessage) ToTick() domain.PriceTick {
	tick := domain.PriceTick{
		TokenID:   b.AssetID,
		Timestamp: time.Now().UTC(),
	}
	if ms, err := strconv.ParseInt(b.Timestamp, 10, 64); err == nil && ms > 0 {
		tick.Timestamp = time.UnixMilli(ms).UTC()
	}

	for _, lvl := range b.Bids {
		p, err := strconv.ParseFloat(lvl.Price, 64)
		if err != nil {
			continue
		}
		if p > tick.BestBid {
			tick.BestBid = p
		}
	}
	for _, lvl := range b.Asks {
		p, err := strconv.ParseFloat(lvl.Price, 64)
		if err != nil {
			continue
		}
		if tick.BestAsk == 0 || p < tick.BestAsk {
			tick.BestAsk = p
		}
	}
	return tick
}

// ToTick reduces a REST book response to the best bid/ask.
func (b *APIBook) ToTick() domain.PriceTick {
	msg := BookMessage{
		AssetID:   b.AssetID,
		Bids:      b.Bids,
		Asks:      b.Asks,
		Timestamp: b.Timestamp,
	}
	return msg.ToTick()
}

// ToFill converts an order record to the raw fill shape the executor
// consumes.
func (o *APIOrder) ToFill() domain.ExchangeFill {
	matched, _ := strconv.ParseFloat(o.SizeMatched, 64)
	price, _ := strconv.ParseFloat(o.Price, 64)

	return domain.ExchangeFill{
		OrderID:    o.ID,
		FilledSize: matched,
		AvgPrice:   price,
		Rejected:   o.Status == "canceled" && matched == 0,
		Message:    o.Status,
	}
}

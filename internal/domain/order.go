package domain

import "time"

// OrderSide indicates whether this is a buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// Opposite returns the reversing side, used when flattening exposure.
func (s OrderSide) Opposite() OrderSide {
	if s == OrderSideBuy {
		return OrderSideSell
	}
	return OrderSideBuy
}

// OrderStatus is the normalized outcome of a single submission attempt.
type OrderStatus string

const (
	// OrderStatusFilled means the exchange filled the full requested size.
	OrderStatusFilled OrderStatus = "filled"
	// OrderStatusPartial means a fill strictly between zero and requested size.
	OrderStatusPartial OrderStatus = "partial"
	// OrderStatusRejected means the exchange explicitly refused the order.
	OrderStatusRejected OrderStatus = "rejected"
	// OrderStatusTimeout means no response arrived within the submit window.
	// The order state is unknown; callers must query before assuming
	// non-execution.
	OrderStatusTimeout OrderStatus = "timeout"
)

// OrderType is the time-in-force policy sent to the exchange.
type OrderType string

const (
	OrderTypeGTC OrderType = "GTC" // Good-Till-Cancelled
	OrderTypeFOK OrderType = "FOK" // Fill-Or-Kill
	OrderTypeFAK OrderType = "FAK" // Fill-And-Kill (immediate-or-cancel)
)

// ExchangeFill is the raw fill report from one submission attempt, before
// the executor normalizes it into an OrderResult.
type ExchangeFill struct {
	OrderID    string
	FilledSize float64
	AvgPrice   float64
	Rejected   bool
	Message    string
}

// OrderRequest is an immutable request to submit one order. Constructed by a
// caller, consumed by the executor.
type OrderRequest struct {
	TokenID    string
	Side       OrderSide
	Size       float64
	LimitPrice float64
}

// Notional returns the USDC value of the request at its limit price.
func (r OrderRequest) Notional() float64 {
	return r.Size * r.LimitPrice
}

// OrderResult is the normalized outcome of OrderExecutor.Submit.
// FilledSize <= RequestedSize always; Status == filled implies equality.
type OrderResult struct {
	OrderID       string
	RequestedSize float64
	FilledSize    float64
	AvgPrice      float64
	Status        OrderStatus
	Message       string
}

// Filled reports whether the full requested size was executed.
func (r OrderResult) Filled() bool {
	return r.Status == OrderStatusFilled
}

// Residual returns the unfilled remainder of the request.
func (r OrderResult) Residual() float64 {
	return r.RequestedSize - r.FilledSize
}

// Order is the persisted record of a submission attempt.
type Order struct {
	ID         string
	TokenID    string
	Side       OrderSide
	Type       OrderType
	Size       float64
	LimitPrice float64
	FilledSize float64
	AvgPrice   float64
	Status     OrderStatus
	Signature  string // EIP-712 hex
	Strategy   string
	CreatedAt  time.Time
}

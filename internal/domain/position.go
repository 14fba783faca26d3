package domain

import "time"

// PositionStatus tracks the position lifecycle.
type PositionStatus string

const (
	PositionStatusOpen    PositionStatus = "open"
	PositionStatusClosing PositionStatus = "closing"
	PositionStatusClosed  PositionStatus = "closed"
	// PositionStatusFailed marks a position whose flattening order could not
	// be executed; the exposure needs operator intervention.
	PositionStatusFailed PositionStatus = "failed"
)

// Terminal reports whether the position has left the live set.
func (s PositionStatus) Terminal() bool {
	return s == PositionStatusClosed || s == PositionStatusFailed
}

// Position is one open or historical holding in a single outcome token.
// Positions are owned exclusively by the tracker and mutated only through
// its methods.
type Position struct {
	ID         string
	TokenID    string
	Side       OrderSide
	Size       float64
	EntryPrice float64
	EntryCost  float64 // Size * EntryPrice at fill time
	EntryTime  time.Time
	Status     PositionStatus

	// ForceExit is set by the tracker when a live tick shows the position
	// has been out-bid. It pre-empts any polling-based exit check.
	ForceExit bool

	ExitPrice   *float64
	RealizedPnL float64
	ClosedAt    *time.Time

	Strategy string
	Metadata map[string]string
}

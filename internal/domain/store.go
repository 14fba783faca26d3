package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
}

// PositionStore persists positions so the live set survives restarts.
type PositionStore interface {
	Create(ctx context.Context, pos Position) error
	Update(ctx context.Context, pos Position) error
	ListOpen(ctx context.Context) ([]Position, error)
	GetByID(ctx context.Context, id string) (Position, error)
	ListHistory(ctx context.Context, opts ListOpts) ([]Position, error)
}

// OrderStore persists submission attempts and their normalized outcomes.
type OrderStore interface {
	Create(ctx context.Context, order Order) error
	UpdateResult(ctx context.Context, id string, result OrderResult) error
	GetByID(ctx context.Context, id string) (Order, error)
	ListRecent(ctx context.Context, opts ListOpts) ([]Order, error)
}

package broker

import (
	"context"
	"errors"
)

// ErrUnavailable wraps network/server failures. Callers freeze the affected
// leg rather than mutating state on a gateway they cannot reach.
var ErrUnavailable = errors.New("broker unavailable")

// ErrOrderNotFound is returned by OrderStatus for ids the broker no longer knows.
var ErrOrderNotFound = errors.New("order not found")

// Gateway abstracts the execution venue.
type Gateway interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderAck, error)
	OrderStatus(ctx context.Context, orderID string) (OrderState, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	Quote(ctx context.Context, symbol, exchange string) (Quote, error)
	PositionBook(ctx context.Context) ([]NetPosition, error)
}

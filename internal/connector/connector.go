// Package connector defines the PlatformConnector abstraction and its two
// implementations: a live REST/WebSocket client and a paper simulator.
//
// The execution core, health tracker, exit monitor, and reconciliation engine
// all talk to venues exclusively through PlatformConnector; they treat live
// and paper connectors uniformly.
package connector

import (
	"context"
	"errors"

	"crossarb/pkg/types"
)

// ErrOrderNotFound is returned by GetOrderStatus when the venue reports the
// order does not exist. Reconciliation relies on it to tell a missing order
// apart from an unreachable venue.
var ErrOrderNotFound = errors.New("order not found")

// BookCallback receives normalized books pushed from a venue's live feed.
type BookCallback func(book types.NormalizedOrderBook)

// PlatformConnector is the venue abstraction consumed by the core.
// All blocking operations take a context and honor its deadline.
type PlatformConnector interface {
	// Venue identifies which platform this connector talks to.
	Venue() types.Venue

	// Mode reports live or paper. Events use it to flag paper and
	// mixed-mode executions.
	Mode() types.Mode

	Connect(ctx context.Context) error
	Disconnect() error
	IsConnected() bool

	SubmitOrder(ctx context.Context, params types.OrderParams) (*types.OrderResult, error)
	CancelOrder(ctx context.Context, orderID string) (*types.CancelResult, error)

	// GetOrderStatus queries the venue's current view of an order.
	// Used by reconciliation to compare venue truth against local state.
	GetOrderStatus(ctx context.Context, orderID string) (*types.OrderResult, error)

	GetOrderBook(ctx context.Context, contractID string) (*types.NormalizedOrderBook, error)
	GetPositions(ctx context.Context) ([]types.Position, error)
	GetHealth(ctx context.Context) (*types.VenueHealth, error)
	GetFeeSchedule(ctx context.Context) (*types.FeeSchedule, error)

	// OnBookUpdate registers a callback for live book updates. Callbacks run
	// on the connector's feed goroutine and must return quickly.
	OnBookUpdate(cb BookCallback)
}

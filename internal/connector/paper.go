package connector

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"crossarb/pkg/types"
)

// Paper simulates one venue in memory. Books are seeded (or pushed) by the
// owner; order submissions fill deterministically against the seeded depth.
// It doubles as the test stand-in for a live venue: SubmitHook and
// StatusOverride let tests script rejections, timeouts, and outages.
type Paper struct {
	venue types.Venue

	mu        sync.RWMutex
	connected bool
	books     map[string]*types.NormalizedOrderBook
	orders    map[string]*types.OrderResult
	fees      types.FeeSchedule
	callbacks []BookCallback

	// SubmitHook, when set, replaces the default fill simulation.
	SubmitHook func(params types.OrderParams) (*types.OrderResult, error)
	// StatusOverride, when set, replaces GetOrderStatus lookups.
	StatusOverride func(orderID string) (*types.OrderResult, error)
	// BookErr, when set, makes GetOrderBook fail (simulated outage).
	BookErr error
}

// NewPaper creates a paper connector with 2% taker fees on both sides.
func NewPaper(venue types.Venue) *Paper {
	two := decimal.RequireFromString("0.02")
	return &Paper{
		venue:  venue,
		books:  make(map[string]*types.NormalizedOrderBook),
		orders: make(map[string]*types.OrderResult),
		fees:   types.FeeSchedule{MakerFee: two, TakerFee: two},
	}
}

func (p *Paper) Venue() types.Venue { return p.venue }
func (p *Paper) Mode() types.Mode   { return types.ModePaper }

func (p *Paper) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = true
	return nil
}

func (p *Paper) Disconnect() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = false
	return nil
}

func (p *Paper) IsConnected() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.connected
}

// SetFees replaces the simulated fee schedule.
func (p *Paper) SetFees(fees types.FeeSchedule) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fees = fees
}

// SeedBook installs a book for a contract and pushes it to registered
// callbacks, mimicking a live feed update.
func (p *Paper) SeedBook(book types.NormalizedOrderBook) {
	book.Venue = p.venue
	if book.Timestamp.IsZero() {
		book.Timestamp = time.Now()
	}

	p.mu.Lock()
	p.books[book.ContractID] = &book
	cbs := make([]BookCallback, len(p.callbacks))
	copy(cbs, p.callbacks)
	p.mu.Unlock()

	for _, cb := range cbs {
		cb(book)
	}
}

// SubmitOrder fills the order against the seeded book: full depth at the
// limit fills it, partial depth yields a partial fill at the limit price,
// and no eligible depth leaves it pending (resting on the simulated book).
func (p *Paper) SubmitOrder(ctx context.Context, params types.OrderParams) (*types.OrderResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	hook := p.SubmitHook
	p.mu.Unlock()
	if hook != nil {
		return hook(params)
	}

	if params.Quantity <= 0 {
		return nil, fmt.Errorf("paper %s: quantity must be > 0", p.venue)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	book, ok := p.books[params.ContractID]
	result := &types.OrderResult{
		OrderID:   "paper-" + uuid.NewString(),
		Venue:     p.venue,
		Timestamp: time.Now(),
	}
	if !ok {
		result.Status = types.OrderPending
		p.orders[result.OrderID] = result
		return result, nil
	}

	available := eligibleDepth(book, params.Side, params.Price)
	want := decimal.NewFromInt(params.Quantity)

	switch {
	case available.GreaterThanOrEqual(want):
		result.Status = types.OrderFilled
		result.FilledQuantity = params.Quantity
		result.FilledPrice = params.Price
	case available.IsPositive():
		result.Status = types.OrderPartial
		result.FilledQuantity = available.IntPart()
		result.FilledPrice = params.Price
	default:
		result.Status = types.OrderPending
	}

	p.orders[result.OrderID] = result
	return result, nil
}

// eligibleDepth sums the opposing quantity that satisfies the limit:
// asks priced <= limit for buys, bids priced >= limit for sells.
func eligibleDepth(book *types.NormalizedOrderBook, side types.Side, limit decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	if side == types.BUY {
		for _, lvl := range book.Asks {
			if lvl.Price.LessThanOrEqual(limit) {
				total = total.Add(lvl.Quantity)
			}
		}
	} else {
		for _, lvl := range book.Bids {
			if lvl.Price.GreaterThanOrEqual(limit) {
				total = total.Add(lvl.Quantity)
			}
		}
	}
	return total
}

func (p *Paper) CancelOrder(ctx context.Context, orderID string) (*types.CancelResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	order, ok := p.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("paper %s: order %s not found", p.venue, orderID)
	}
	if order.Status == types.OrderPending {
		order.Status = types.OrderRejectedByAPI
	}
	return &types.CancelResult{OrderID: orderID, Cancelled: true, Timestamp: time.Now()}, nil
}

func (p *Paper) GetOrderStatus(ctx context.Context, orderID string) (*types.OrderResult, error) {
	p.mu.RLock()
	override := p.StatusOverride
	p.mu.RUnlock()
	if override != nil {
		return override(orderID)
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	order, ok := p.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("paper %s: order %s: %w", p.venue, orderID, ErrOrderNotFound)
	}
	cp := *order
	return &cp, nil
}

func (p *Paper) GetOrderBook(ctx context.Context, contractID string) (*types.NormalizedOrderBook, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.BookErr != nil {
		return nil, p.BookErr
	}
	book, ok := p.books[contractID]
	if !ok {
		return nil, fmt.Errorf("paper %s: no book for contract %s", p.venue, contractID)
	}
	cp := *book
	return &cp, nil
}

func (p *Paper) GetPositions(ctx context.Context) ([]types.Position, error) {
	return nil, nil
}

func (p *Paper) GetHealth(ctx context.Context) (*types.VenueHealth, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	status := types.HealthHealthy
	if !p.connected {
		status = types.HealthDisconnected
	}
	now := time.Now()
	return &types.VenueHealth{
		Venue:         p.venue,
		Status:        status,
		LastHeartbeat: &now,
		Mode:          types.ModePaper,
	}, nil
}

func (p *Paper) GetFeeSchedule(ctx context.Context) (*types.FeeSchedule, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	fees := p.fees
	return &fees, nil
}

func (p *Paper) OnBookUpdate(cb BookCallback) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.callbacks = append(p.callbacks, cb)
}

// Package book converts venue-native order books into the unified
// NormalizedOrderBook representation.
//
// Kalshi quotes YES and NO levels in integer cents; the normalizer maps YES
// cents to bids at p/100 and NO cents to asks at 1 - p/100. Polymarket
// delivers decimal strings which are parsed exactly. Malformed books are
// rejected (nil return + error log), never thrown.
//
// The normalizer is pure and stateless with respect to book content; the only
// mutable state is a rolling latency window used for the p95 SLA check.
package book

import (
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"crossarb/internal/metrics"
	"crossarb/pkg/types"
)

// slaWarnP95Ms is the normalization latency SLA; a p95 above this logs a warning.
const slaWarnP95Ms = 500.0

var oneHundred = decimal.NewFromInt(100)

// KalshiLevel is one venue-native Kalshi price level: [priceCents, quantity].
type KalshiLevel [2]int64

// KalshiBook is the raw Kalshi order book payload.
type KalshiBook struct {
	Ticker    string        `json:"ticker"`
	Yes       []KalshiLevel `json:"yes"`
	No        []KalshiLevel `json:"no"`
	Timestamp time.Time     `json:"timestamp"`
	Seq       uint64        `json:"seq,omitempty"`
}

// PolymarketLevel is one venue-native Polymarket price level.
// Price and Size are strings to preserve decimal precision on the wire.
type PolymarketLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// PolymarketBook is the raw Polymarket order book payload.
type PolymarketBook struct {
	AssetID   string            `json:"asset_id"`
	Bids      []PolymarketLevel `json:"bids"`
	Asks      []PolymarketLevel `json:"asks"`
	Timestamp time.Time         `json:"timestamp"`
	Seq       uint64            `json:"seq,omitempty"`
}

// Normalizer converts raw venue books and tracks its own call latency.
type Normalizer struct {
	logger  *slog.Logger
	latency *LatencyWindow
}

// NewNormalizer creates a normalizer with a 100-sample latency window.
func NewNormalizer(logger *slog.Logger) *Normalizer {
	return &Normalizer{
		logger:  logger.With("component", "normalizer"),
		latency: NewLatencyWindow(100),
	}
}

// NormalizeKalshi converts a raw Kalshi book. Returns nil on any malformed
// level; valid zero-quantity levels are dropped rather than rejected.
func (n *Normalizer) NormalizeKalshi(raw *KalshiBook) *types.NormalizedOrderBook {
	start := time.Now()
	defer n.observe(types.VenueKalshi, start)

	if raw == nil {
		n.logger.Error("normalize rejected nil book", "venue", types.VenueKalshi)
		return nil
	}

	bids := make([]types.PriceLevel, 0, len(raw.Yes))
	for _, lvl := range raw.Yes {
		price := decimal.NewFromInt(lvl[0]).Div(oneHundred)
		level, ok := n.buildLevel(types.VenueKalshi, raw.Ticker, price, decimal.NewFromInt(lvl[1]))
		if !ok {
			return nil
		}
		if level != nil {
			bids = append(bids, *level)
		}
	}

	asks := make([]types.PriceLevel, 0, len(raw.No))
	for _, lvl := range raw.No {
		price := decimal.NewFromInt(1).Sub(decimal.NewFromInt(lvl[0]).Div(oneHundred))
		level, ok := n.buildLevel(types.VenueKalshi, raw.Ticker, price, decimal.NewFromInt(lvl[1]))
		if !ok {
			return nil
		}
		if level != nil {
			asks = append(asks, *level)
		}
	}

	book := &types.NormalizedOrderBook{
		Venue:      types.VenueKalshi,
		ContractID: raw.Ticker,
		Bids:       bids,
		Asks:       asks,
		Timestamp:  raw.Timestamp,
		Seq:        raw.Seq,
	}
	n.finish(book)
	return book
}

// NormalizePolymarket converts a raw Polymarket book of decimal strings.
func (n *Normalizer) NormalizePolymarket(raw *PolymarketBook) *types.NormalizedOrderBook {
	start := time.Now()
	defer n.observe(types.VenuePolymarket, start)

	if raw == nil {
		n.logger.Error("normalize rejected nil book", "venue", types.VenuePolymarket)
		return nil
	}

	parse := func(levels []PolymarketLevel) ([]types.PriceLevel, bool) {
		out := make([]types.PriceLevel, 0, len(levels))
		for _, lvl := range levels {
			price, err := decimal.NewFromString(lvl.Price)
			if err != nil {
				n.logger.Error("normalize rejected unparseable price",
					"venue", types.VenuePolymarket, "contract", raw.AssetID, "price", lvl.Price)
				return nil, false
			}
			size, err := decimal.NewFromString(lvl.Size)
			if err != nil {
				n.logger.Error("normalize rejected unparseable size",
					"venue", types.VenuePolymarket, "contract", raw.AssetID, "size", lvl.Size)
				return nil, false
			}
			level, ok := n.buildLevel(types.VenuePolymarket, raw.AssetID, price, size)
			if !ok {
				return nil, false
			}
			if level != nil {
				out = append(out, *level)
			}
		}
		return out, true
	}

	bids, ok := parse(raw.Bids)
	if !ok {
		return nil
	}
	asks, ok := parse(raw.Asks)
	if !ok {
		return nil
	}

	book := &types.NormalizedOrderBook{
		Venue:      types.VenuePolymarket,
		ContractID: raw.AssetID,
		Bids:       bids,
		Asks:       asks,
		Timestamp:  raw.Timestamp,
		Seq:        raw.Seq,
	}
	n.finish(book)
	return book
}

// buildLevel validates one level. Returns (nil, true) for droppable
// zero-quantity levels and (nil, false) for invalid ones.
func (n *Normalizer) buildLevel(venue types.Venue, contract string, price, qty decimal.Decimal) (*types.PriceLevel, bool) {
	if price.IsNegative() || price.GreaterThan(decimal.NewFromInt(1)) {
		n.logger.Error("normalize rejected out-of-range price",
			"venue", venue, "contract", contract, "price", price.String())
		return nil, false
	}
	if qty.IsNegative() {
		n.logger.Error("normalize rejected negative quantity",
			"venue", venue, "contract", contract, "quantity", qty.String())
		return nil, false
	}
	if qty.IsZero() {
		return nil, true
	}
	return &types.PriceLevel{Price: price, Quantity: qty}, true
}

// finish sorts both sides and logs the book-shape flag.
func (n *Normalizer) finish(book *types.NormalizedOrderBook) {
	sort.SliceStable(book.Bids, func(i, j int) bool {
		return book.Bids[i].Price.GreaterThan(book.Bids[j].Price)
	})
	sort.SliceStable(book.Asks, func(i, j int) bool {
		return book.Asks[i].Price.LessThan(book.Asks[j].Price)
	})

	if len(book.Bids) == 0 || len(book.Asks) == 0 {
		return
	}

	bid := book.Bids[0].Price
	ask := book.Asks[0].Price
	switch {
	case bid.GreaterThan(ask):
		n.logger.Warn("crossed_market",
			"venue", book.Venue, "contract", book.ContractID,
			"best_bid", bid.String(), "best_ask", ask.String())
	case bid.Equal(ask):
		n.logger.Info("zero_spread",
			"venue", book.Venue, "contract", book.ContractID, "price", bid.String())
	default:
		n.logger.Debug("normal",
			"venue", book.Venue, "contract", book.ContractID,
			"best_bid", bid.String(), "best_ask", ask.String())
	}
}

// observe records per-call latency and checks the p95 SLA.
func (n *Normalizer) observe(venue types.Venue, start time.Time) {
	elapsedMs := float64(time.Since(start).Microseconds()) / 1000.0
	metrics.NormalizeDuration.WithLabelValues(string(venue)).Observe(elapsedMs)

	p95 := n.latency.Record(elapsedMs)
	if p95 > slaWarnP95Ms {
		n.logger.Warn("normalization p95 latency above SLA",
			"venue", venue, "p95_ms", p95, "sla_ms", slaWarnP95Ms)
	}
}

// P95LatencyMs returns the current p95 of the rolling latency window.
func (n *Normalizer) P95LatencyMs() float64 {
	return n.latency.P95()
}

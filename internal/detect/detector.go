// Package detect scans paired contracts across both venues for priced
// dislocations and hands ranked opportunities to the execution queue.
package detect

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"crossarb/internal/config"
	"crossarb/internal/connector"
	"crossarb/internal/store"
	"crossarb/pkg/types"
)

// ScanResult carries one scan's opportunities, ranked by net edge.
type ScanResult struct {
	Opportunities []types.RankedOpportunity
	ScannedAt     time.Time
}

// Detector polls both venues' books for every known pair. An opportunity
// exists when buying one venue's ask and selling the other's bid clears the
// taker fees on both legs by at least MinNetEdge.
type Detector struct {
	connectors  map[types.Venue]connector.PlatformConnector
	pairs       store.PairRepository
	cfg         config.DetectorConfig
	bookTimeout time.Duration
	logger      *slog.Logger
	resultCh    chan ScanResult
}

// NewDetector creates a detector. bookTimeout bounds each per-venue book and
// fee fetch within a scan.
func NewDetector(connectors map[types.Venue]connector.PlatformConnector, pairs store.PairRepository, cfg config.DetectorConfig, bookTimeout time.Duration, logger *slog.Logger) *Detector {
	return &Detector{
		connectors:  connectors,
		pairs:       pairs,
		cfg:         cfg,
		bookTimeout: bookTimeout,
		logger:      logger.With("component", "detector"),
		resultCh:    make(chan ScanResult, 1),
	}
}

// Results returns the channel the engine reads scan results from.
func (d *Detector) Results() <-chan ScanResult {
	return d.resultCh
}

// Run scans immediately, then on every tick until ctx is cancelled.
func (d *Detector) Run(ctx context.Context) {
	d.publish(ctx, d.Scan(ctx))

	ticker := time.NewTicker(d.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.publish(ctx, d.Scan(ctx))
		}
	}
}

// Scan evaluates every pair once. Exported so tests can drive scans without
// real time.
func (d *Detector) Scan(ctx context.Context) ScanResult {
	result := ScanResult{ScannedAt: time.Now()}

	pairs, err := d.pairs.List(ctx)
	if err != nil {
		d.logger.Error("list pairs", "error", err)
		return result
	}

	for i := range pairs {
		opp, ok := d.evaluatePair(ctx, &pairs[i])
		if ok {
			result.Opportunities = append(result.Opportunities, opp)
		}
	}

	sort.Slice(result.Opportunities, func(i, j int) bool {
		return result.Opportunities[i].NetEdge.GreaterThan(result.Opportunities[j].NetEdge)
	})

	d.logger.Info("scan complete",
		"pairs", len(pairs),
		"opportunities", len(result.Opportunities))
	return result
}

// evaluatePair prices both directions and keeps the better one when it clears
// the edge threshold.
func (d *Detector) evaluatePair(ctx context.Context, pair *types.Pair) (types.RankedOpportunity, bool) {
	quotes := make(map[types.Venue]venueQuote, 2)
	for venue, contractID := range pair.ContractIDs {
		conn, ok := d.connectors[venue]
		if !ok || !conn.IsConnected() {
			return types.RankedOpportunity{}, false
		}
		quote, ok := d.fetchQuote(ctx, conn, contractID)
		if !ok {
			return types.RankedOpportunity{}, false
		}
		quotes[venue] = quote
	}

	primary := pair.PrimaryLeg
	secondary := primary.Other()

	best, found := types.RankedOpportunity{}, false
	for _, dir := range [2]struct{ buy, sell types.Venue }{
		{buy: primary, sell: secondary},
		{buy: secondary, sell: primary},
	} {
		buyQ, sellQ := quotes[dir.buy], quotes[dir.sell]
		if buyQ.ask == nil || sellQ.bid == nil {
			continue
		}

		// Net edge per contract: the bid-ask gap minus taker fees both ways.
		gross := sellQ.bid.Sub(*buyQ.ask)
		fees := buyQ.ask.Mul(buyQ.takerFee).Add(sellQ.bid.Mul(sellQ.takerFee))
		net := gross.Sub(fees)
		if net.LessThan(decimal.NewFromFloat(d.cfg.MinNetEdge)) {
			continue
		}
		if found && net.LessThanOrEqual(best.NetEdge) {
			continue
		}

		best = types.RankedOpportunity{
			ID:                "opp-" + uuid.NewString(),
			PairID:            pair.ID,
			PrimaryVenue:      primary,
			SecondaryVenue:    secondary,
			BuyVenue:          dir.buy,
			SellVenue:         dir.sell,
			TargetBuyPrice:    *buyQ.ask,
			TargetSellPrice:   *sellQ.bid,
			NetEdge:           net,
			CapitalRequestUSD: decimal.NewFromFloat(d.cfg.MaxCapitalUSD),
			CorrelationID:     uuid.NewString(),
			DetectedAt:        time.Now(),
		}
		found = true
	}

	if found {
		d.logger.Info("opportunity detected",
			"pair_id", pair.ID,
			"buy_venue", best.BuyVenue,
			"sell_venue", best.SellVenue,
			"buy_price", best.TargetBuyPrice.String(),
			"sell_price", best.TargetSellPrice.String(),
			"net_edge", best.NetEdge.String())
	}
	return best, found
}

type venueQuote struct {
	bid, ask *decimal.Decimal
	takerFee decimal.Decimal
}

func (d *Detector) fetchQuote(ctx context.Context, conn connector.PlatformConnector, contractID string) (venueQuote, bool) {
	bookCtx, cancel := context.WithTimeout(ctx, d.bookTimeout)
	defer cancel()

	book, err := conn.GetOrderBook(bookCtx, contractID)
	if err != nil {
		d.logger.Debug("book fetch failed during scan",
			"venue", conn.Venue(), "contract_id", contractID, "error", err)
		return venueQuote{}, false
	}

	var quote venueQuote
	if best, ok := book.BestBid(); ok {
		p := best.Price
		quote.bid = &p
	}
	if best, ok := book.BestAsk(); ok {
		p := best.Price
		quote.ask = &p
	}

	fees, err := conn.GetFeeSchedule(bookCtx)
	if err != nil {
		d.logger.Warn("fee schedule fetch failed during scan",
			"venue", conn.Venue(), "error", err)
		return venueQuote{}, false
	}
	quote.takerFee = fees.TakerFee
	return quote, true
}

// publish replaces any unread result so the engine always sees the freshest
// scan.
func (d *Detector) publish(ctx context.Context, result ScanResult) {
	if ctx.Err() != nil {
		return
	}
	select {
	case d.resultCh <- result:
	default:
		select {
		case <-d.resultCh:
		default:
		}
		d.resultCh <- result
	}
}

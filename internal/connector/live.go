// live.go implements the live REST/WebSocket connector.
//
// One Live instance serves one venue. REST calls go through a shared
// pipeline: a token-bucket rate limiter, then a circuit breaker that opens
// after repeated 5xx/transport failures, then resty with retry on 5xx.
// The WebSocket feed auto-reconnects with exponential backoff (1s → 30s max)
// and re-subscribes to all tracked contracts on reconnection; raw book
// payloads are converted through the normalizer before reaching callbacks.
package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gorilla/websocket"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"crossarb/internal/book"
	"crossarb/internal/config"
	"crossarb/pkg/types"
)

const (
	wsPingInterval     = 50 * time.Second
	wsReadTimeout      = 90 * time.Second // ~2 missed pings triggers reconnect
	wsWriteTimeout     = 10 * time.Second
	wsMaxReconnectWait = 30 * time.Second
)

// Live is the production connector for one venue.
type Live struct {
	venue  types.Venue
	cfg    config.VenueConfig
	http   *resty.Client
	limit  *rate.Limiter
	brk    *gobreaker.CircuitBreaker
	norm   *book.Normalizer
	logger *slog.Logger

	mu            sync.RWMutex
	connected     bool
	cancelFeed    context.CancelFunc
	wsConn        *websocket.Conn
	subscribed    map[string]bool
	callbacks     []BookCallback
	lastHeartbeat time.Time
}

// NewLive creates a live connector for the given venue.
func NewLive(venue types.Venue, cfg config.VenueConfig, norm *book.Normalizer, logger *slog.Logger) *Live {
	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.HTTPTimeout).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json").
		SetHeader("X-API-Key", cfg.APIKey)

	brk := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: string(venue),
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		Timeout: 30 * time.Second,
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"venue", name, "from", from.String(), "to", to.String())
		},
	})

	return &Live{
		venue:      venue,
		cfg:        cfg,
		http:       httpClient,
		limit:      rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		brk:        brk,
		norm:       norm,
		subscribed: make(map[string]bool),
		logger:     logger.With("component", "connector", "venue", venue),
	}
}

func (l *Live) Venue() types.Venue { return l.venue }
func (l *Live) Mode() types.Mode   { return types.ModeLive }

// Connect starts the WebSocket feed goroutine. The REST side needs no
// session; the connector counts as connected once the feed loop is running.
func (l *Live) Connect(ctx context.Context) error {
	l.mu.Lock()
	if l.connected {
		l.mu.Unlock()
		return nil
	}
	feedCtx, cancel := context.WithCancel(ctx)
	l.cancelFeed = cancel
	l.connected = true
	l.mu.Unlock()

	go l.runFeed(feedCtx)
	l.logger.Info("connector started")
	return nil
}

func (l *Live) Disconnect() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.connected {
		return nil
	}
	l.connected = false
	if l.cancelFeed != nil {
		l.cancelFeed()
		l.cancelFeed = nil
	}
	if l.wsConn != nil {
		l.wsConn.Close()
		l.wsConn = nil
	}
	l.logger.Info("connector stopped")
	return nil
}

func (l *Live) IsConnected() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.connected
}

// call runs one REST request through the limiter and the circuit breaker.
// 5xx responses count as breaker failures; 4xx pass through to the caller.
func (l *Live) call(ctx context.Context, op string, fn func() (*resty.Response, error)) (*resty.Response, error) {
	if err := l.limit.Wait(ctx); err != nil {
		return nil, err
	}

	out, err := l.brk.Execute(func() (interface{}, error) {
		resp, err := fn()
		if err != nil {
			return nil, err
		}
		if resp.StatusCode() >= 500 {
			return nil, fmt.Errorf("%s: status %d: %s", op, resp.StatusCode(), resp.String())
		}
		return resp, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out.(*resty.Response), nil
}

// SubmitOrder places a limit order and returns the venue's fill report.
func (l *Live) SubmitOrder(ctx context.Context, params types.OrderParams) (*types.OrderResult, error) {
	var result types.OrderResult
	resp, err := l.call(ctx, "submit order", func() (*resty.Response, error) {
		return l.http.R().
			SetContext(ctx).
			SetBody(params).
			SetResult(&result).
			Post("/orders")
	})
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK && resp.StatusCode() != http.StatusCreated {
		return nil, fmt.Errorf("submit order: status %d: %s", resp.StatusCode(), resp.String())
	}

	result.Venue = l.venue
	if result.Timestamp.IsZero() {
		result.Timestamp = time.Now()
	}
	return &result, nil
}

func (l *Live) CancelOrder(ctx context.Context, orderID string) (*types.CancelResult, error) {
	var result types.CancelResult
	resp, err := l.call(ctx, "cancel order", func() (*resty.Response, error) {
		return l.http.R().
			SetContext(ctx).
			SetResult(&result).
			Delete("/orders/" + orderID)
	})
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("cancel order: status %d: %s", resp.StatusCode(), resp.String())
	}
	if result.Timestamp.IsZero() {
		result.Timestamp = time.Now()
	}
	return &result, nil
}

func (l *Live) GetOrderStatus(ctx context.Context, orderID string) (*types.OrderResult, error) {
	var result types.OrderResult
	resp, err := l.call(ctx, "get order status", func() (*resty.Response, error) {
		return l.http.R().
			SetContext(ctx).
			SetResult(&result).
			Get("/orders/" + orderID)
	})
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() == http.StatusNotFound {
		return nil, fmt.Errorf("get order status: order %s: %w", orderID, ErrOrderNotFound)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get order status: status %d: %s", resp.StatusCode(), resp.String())
	}
	result.Venue = l.venue
	return &result, nil
}

// GetOrderBook fetches and normalizes the venue's current book.
func (l *Live) GetOrderBook(ctx context.Context, contractID string) (*types.NormalizedOrderBook, error) {
	resp, err := l.call(ctx, "get book", func() (*resty.Response, error) {
		return l.http.R().
			SetContext(ctx).
			SetQueryParam("contract_id", contractID).
			Get("/book")
	})
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get book: status %d: %s", resp.StatusCode(), resp.String())
	}

	normalized := l.decodeBook(resp.Body())
	if normalized == nil {
		return nil, fmt.Errorf("get book: malformed payload for contract %s", contractID)
	}
	return normalized, nil
}

func (l *Live) GetPositions(ctx context.Context) ([]types.Position, error) {
	var positions []types.Position
	resp, err := l.call(ctx, "get positions", func() (*resty.Response, error) {
		return l.http.R().
			SetContext(ctx).
			SetResult(&positions).
			Get("/positions")
	})
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get positions: status %d: %s", resp.StatusCode(), resp.String())
	}
	return positions, nil
}

// GetHealth reports connection status from local feed state; no REST call.
func (l *Live) GetHealth(ctx context.Context) (*types.VenueHealth, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	health := &types.VenueHealth{
		Venue:        l.venue,
		Status:       types.HealthHealthy,
		Mode:         types.ModeLive,
		LatencyMsP95: l.norm.P95LatencyMs(),
	}
	if !l.connected {
		health.Status = types.HealthDisconnected
		return health, nil
	}
	if !l.lastHeartbeat.IsZero() {
		hb := l.lastHeartbeat
		health.LastHeartbeat = &hb
	}
	return health, nil
}

func (l *Live) GetFeeSchedule(ctx context.Context) (*types.FeeSchedule, error) {
	var fees types.FeeSchedule
	resp, err := l.call(ctx, "get fees", func() (*resty.Response, error) {
		return l.http.R().
			SetContext(ctx).
			SetResult(&fees).
			Get("/fees")
	})
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get fees: status %d: %s", resp.StatusCode(), resp.String())
	}
	return &fees, nil
}

func (l *Live) OnBookUpdate(cb BookCallback) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.callbacks = append(l.callbacks, cb)
}

// SubscribeBooks adds contracts to the feed subscription; re-sent on reconnect.
func (l *Live) SubscribeBooks(contractIDs []string) error {
	l.mu.Lock()
	for _, id := range contractIDs {
		l.subscribed[id] = true
	}
	conn := l.wsConn
	l.mu.Unlock()

	if conn == nil {
		return nil // feed not up yet; initial subscription covers these
	}
	return l.writeJSON(wsSubscribeMsg{Op: "subscribe", Contracts: contractIDs})
}

// ————————————————————————————————————————————————————————————————————————
// WebSocket feed
// ————————————————————————————————————————————————————————————————————————

type wsSubscribeMsg struct {
	Op        string   `json:"op"`
	Contracts []string `json:"contracts"`
}

type wsEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func (l *Live) runFeed(ctx context.Context) {
	backoff := time.Second

	for {
		err := l.connectAndRead(ctx)
		if ctx.Err() != nil {
			return
		}

		l.logger.Warn("websocket disconnected, reconnecting",
			"error", err, "backoff", backoff)

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > wsMaxReconnectWait {
			backoff = wsMaxReconnectWait
		}
	}
}

func (l *Live) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, l.cfg.WSURL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	l.mu.Lock()
	l.wsConn = conn
	ids := make([]string, 0, len(l.subscribed))
	for id := range l.subscribed {
		ids = append(ids, id)
	}
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		conn.Close()
		l.wsConn = nil
		l.mu.Unlock()
	}()

	if len(ids) > 0 {
		if err := l.writeJSON(wsSubscribeMsg{Op: "subscribe", Contracts: ids}); err != nil {
			return fmt.Errorf("subscribe: %w", err)
		}
	}

	l.logger.Info("websocket connected", "contracts", len(ids))

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go l.pingLoop(pingCtx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		l.dispatchMessage(msg)
	}
}

func (l *Live) dispatchMessage(data []byte) {
	var envelope wsEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		l.logger.Debug("ignoring non-json ws message")
		return
	}

	switch envelope.Type {
	case "book":
		normalized := l.decodeBook(envelope.Data)
		if normalized == nil {
			return // normalizer already logged the rejection
		}

		l.mu.Lock()
		l.lastHeartbeat = time.Now()
		cbs := make([]BookCallback, len(l.callbacks))
		copy(cbs, l.callbacks)
		l.mu.Unlock()

		for _, cb := range cbs {
			cb(*normalized)
		}

	case "heartbeat", "pong":
		l.mu.Lock()
		l.lastHeartbeat = time.Now()
		l.mu.Unlock()

	default:
		l.logger.Debug("unknown ws event type", "type", envelope.Type)
	}
}

// decodeBook parses a venue-native book payload and normalizes it.
func (l *Live) decodeBook(data []byte) *types.NormalizedOrderBook {
	if l.venue == types.VenueKalshi {
		var raw book.KalshiBook
		if err := json.Unmarshal(data, &raw); err != nil {
			l.logger.Error("unmarshal kalshi book", "error", err)
			return nil
		}
		return l.norm.NormalizeKalshi(&raw)
	}

	var raw book.PolymarketBook
	if err := json.Unmarshal(data, &raw); err != nil {
		l.logger.Error("unmarshal polymarket book", "error", err)
		return nil
	}
	return l.norm.NormalizePolymarket(&raw)
}

func (l *Live) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := l.writeJSON(map[string]string{"op": "ping"}); err != nil {
				l.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (l *Live) writeJSON(v interface{}) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.wsConn == nil {
		return fmt.Errorf("websocket not connected")
	}
	l.wsConn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return l.wsConn.WriteJSON(v)
}

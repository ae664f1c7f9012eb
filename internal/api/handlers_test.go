package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"

	"crossarb/internal/config"
	"crossarb/internal/execution"
	"crossarb/internal/exposure"
	"crossarb/internal/reconcile"
	"crossarb/internal/risk"
	"crossarb/internal/store"
	"crossarb/pkg/types"
)

// ————————————————————————————————————————————————————————————————————————
// Stubs
// ————————————————————————————————————————————————————————————————————————

type stubResolver struct {
	retryResult *execution.RetryLegResult
	retryErr    error
	closeResult *execution.CloseLegResult
	closeErr    error

	gotPositionID string
	gotPrice      decimal.Decimal
	gotRationale  string
}

func (s *stubResolver) RetryLeg(ctx context.Context, positionID string, retryPrice decimal.Decimal) (*execution.RetryLegResult, error) {
	s.gotPositionID = positionID
	s.gotPrice = retryPrice
	return s.retryResult, s.retryErr
}

func (s *stubResolver) CloseLeg(ctx context.Context, positionID, rationale string) (*execution.CloseLegResult, error) {
	s.gotPositionID = positionID
	s.gotRationale = rationale
	return s.closeResult, s.closeErr
}

type stubReconciler struct {
	report     *types.ReconciliationReport
	runErr     error
	resolveErr error
	status     reconcile.Status

	gotPositionID string
	gotAction     string
}

func (s *stubReconciler) Run(ctx context.Context) (*types.ReconciliationReport, error) {
	return s.report, s.runErr
}

func (s *stubReconciler) ResolveDiscrepancy(ctx context.Context, positionID, action, rationale string) error {
	s.gotPositionID = positionID
	s.gotAction = action
	return s.resolveErr
}

func (s *stubReconciler) Status() reconcile.Status { return s.status }

type stubProvider struct {
	paper     bool
	venues    []types.VenueHealth
	risk      risk.Snapshot
	exposure  exposure.Snapshot
	positions []types.PositionWithPair
	err       error
}

func (s *stubProvider) IsPaper() bool                       { return s.paper }
func (s *stubProvider) VenueHealth() []types.VenueHealth    { return s.venues }
func (s *stubProvider) RiskSnapshot() risk.Snapshot         { return s.risk }
func (s *stubProvider) ExposureSnapshot() exposure.Snapshot { return s.exposure }
func (s *stubProvider) ActivePositions(ctx context.Context) ([]types.PositionWithPair, error) {
	return s.positions, s.err
}

// ————————————————————————————————————————————————————————————————————————
// Harness
// ————————————————————————————————————————————————————————————————————————

type apiHarness struct {
	resolver *stubResolver
	recon    *stubReconciler
	provider *stubProvider
	repos    *store.Repositories
	router   http.Handler
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()

	h := &apiHarness{
		resolver: &stubResolver{},
		recon:    &stubReconciler{},
		provider: &stubProvider{paper: true},
		repos:    store.NewMemory(),
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	handlers := NewHandlers(config.DashboardConfig{}, Deps{
		Provider:   h.provider,
		Resolution: h.resolver,
		Recon:      h.recon,
		Positions:  h.repos.Positions,
	}, NewHub(logger), logger)
	h.router = NewRouter(handlers)
	return h
}

func (h *apiHarness) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return out
}

// seedPosition stores a pair and an exposed position in the memory repos.
func (h *apiHarness) seedPosition(t *testing.T, id string, status types.PositionStatus) {
	t.Helper()
	ctx := context.Background()

	pair := &types.Pair{
		ID: "pair-" + id,
		ContractIDs: map[types.Venue]string{
			types.VenueKalshi:     "K-TEST",
			types.VenuePolymarket: "P-TEST",
		},
		PrimaryLeg: types.VenueKalshi,
	}
	if err := h.repos.Pairs.Create(ctx, pair); err != nil {
		t.Fatalf("seed pair: %v", err)
	}

	orderID := "k-order-" + id
	pos := &types.Position{
		ID:             id,
		PairID:         pair.ID,
		PrimaryOrderID: &orderID,
		Sides: map[types.Venue]types.Side{
			types.VenueKalshi:     types.BUY,
			types.VenuePolymarket: types.SELL,
		},
		EntryPrices: map[types.Venue]decimal.Decimal{
			types.VenueKalshi:     decimal.RequireFromString("0.45"),
			types.VenuePolymarket: decimal.RequireFromString("0.55"),
		},
		Sizes: map[types.Venue]int64{
			types.VenueKalshi:     200,
			types.VenuePolymarket: 163,
		},
		ExpectedEdge: decimal.RequireFromString("0.08"),
		Status:       status,
		IsPaper:      true,
	}
	if err := h.repos.Positions.Create(ctx, pos); err != nil {
		t.Fatalf("seed position: %v", err)
	}
}

// ————————————————————————————————————————————————————————————————————————
// Resolution endpoints
// ————————————————————————————————————————————————————————————————————————

func TestRetryLegRoutesToResolver(t *testing.T) {
	t.Parallel()

	h := newAPIHarness(t)
	edge := decimal.RequireFromString("0.09")
	h.resolver.retryResult = &execution.RetryLegResult{
		Success:    true,
		PositionID: "pos-1",
		NewStatus:  types.PositionOpen,
		NewEdge:    &edge,
	}

	rec := h.do(t, http.MethodPost, "/positions/pos-1/retry-leg",
		map[string]string{"price": "0.54"})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if h.resolver.gotPositionID != "pos-1" {
		t.Fatalf("resolver got position %q", h.resolver.gotPositionID)
	}
	if !h.resolver.gotPrice.Equal(decimal.RequireFromString("0.54")) {
		t.Fatalf("resolver got price %s", h.resolver.gotPrice)
	}

	body := decodeBody[execution.RetryLegResult](t, rec)
	if !body.Success || body.NewStatus != types.PositionOpen {
		t.Fatalf("unexpected body: %+v", body)
	}
}

func TestRetryLegRejectsOutOfRangePrice(t *testing.T) {
	t.Parallel()

	h := newAPIHarness(t)
	for _, price := range []string{"0", "-0.1", "1.5"} {
		rec := h.do(t, http.MethodPost, "/positions/pos-1/retry-leg",
			map[string]string{"price": price})
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("price %s: status = %d, want 400", price, rec.Code)
		}
	}
	if h.resolver.gotPositionID != "" {
		t.Fatal("resolver should not be called for invalid prices")
	}
}

func TestInvalidPositionStateMapsToConflict(t *testing.T) {
	t.Parallel()

	h := newAPIHarness(t)
	h.resolver.retryErr = types.NewExecutionError(types.CodeInvalidPositionState,
		types.SeverityWarning, "position pos-1 is OPEN, not resolvable")

	rec := h.do(t, http.MethodPost, "/positions/pos-1/retry-leg",
		map[string]string{"price": "0.54"})

	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
	body := decodeBody[types.ExecutionError](t, rec)
	if body.Code != types.CodeInvalidPositionState {
		t.Fatalf("body code = %d", body.Code)
	}
}

func TestCloseLegRecoverableFailureMapsTo422(t *testing.T) {
	t.Parallel()

	h := newAPIHarness(t)
	h.resolver.closeErr = types.NewExecutionError(types.CodeCloseFailed,
		types.SeverityWarning, "no bids on kalshi to close into")

	rec := h.do(t, http.MethodPost, "/positions/pos-1/close-leg",
		map[string]string{"rationale": "cutting losses"})

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", rec.Code)
	}
	if h.resolver.gotRationale != "cutting losses" {
		t.Fatalf("rationale = %q", h.resolver.gotRationale)
	}
}

func TestCloseLegVenueFailureMapsTo502(t *testing.T) {
	t.Parallel()

	h := newAPIHarness(t)
	h.resolver.closeErr = types.NewExecutionError(types.CodeCloseFailed,
		types.SeverityError, "close order did not fill")

	rec := h.do(t, http.MethodPost, "/positions/pos-1/close-leg", nil)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}
}

func TestCloseLegAcceptsEmptyBody(t *testing.T) {
	t.Parallel()

	h := newAPIHarness(t)
	pnl := decimal.RequireFromString("-3.76")
	h.resolver.closeResult = &execution.CloseLegResult{
		Success:     true,
		PositionID:  "pos-1",
		RealizedPnl: &pnl,
	}

	rec := h.do(t, http.MethodPost, "/positions/pos-1/close-leg", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if h.resolver.gotRationale != "" {
		t.Fatalf("rationale = %q, want empty", h.resolver.gotRationale)
	}
}

func TestUnexpectedErrorMapsTo500(t *testing.T) {
	t.Parallel()

	h := newAPIHarness(t)
	h.resolver.retryErr = fmt.Errorf("repository: connection reset")

	rec := h.do(t, http.MethodPost, "/positions/pos-1/retry-leg",
		map[string]string{"price": "0.54"})

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	body := decodeBody[types.ExecutionError](t, rec)
	if body.Code != types.CodeUnexpected {
		t.Fatalf("body code = %d, want %d", body.Code, types.CodeUnexpected)
	}
	if body.Message != "internal error" {
		t.Fatalf("internal details leaked: %q", body.Message)
	}
}

// ————————————————————————————————————————————————————————————————————————
// Position queries
// ————————————————————————————————————————————————————————————————————————

func TestGetPositionReturnsJoinedPair(t *testing.T) {
	t.Parallel()

	h := newAPIHarness(t)
	h.seedPosition(t, "pos-1", types.PositionSingleLegExposed)

	rec := h.do(t, http.MethodGet, "/positions/pos-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	body := decodeBody[types.PositionWithPair](t, rec)
	if body.ID != "pos-1" || body.Pair.ID != "pair-pos-1" {
		t.Fatalf("unexpected body: id %q pair %q", body.ID, body.Pair.ID)
	}
}

func TestGetPositionUnknownIs404(t *testing.T) {
	t.Parallel()

	h := newAPIHarness(t)
	rec := h.do(t, http.MethodGet, "/positions/ghost", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestListPositionsDefaultsToActive(t *testing.T) {
	t.Parallel()

	h := newAPIHarness(t)
	h.seedPosition(t, "pos-1", types.PositionSingleLegExposed)
	h.seedPosition(t, "pos-2", types.PositionClosed)

	rec := h.do(t, http.MethodGet, "/positions", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decodeBody[struct {
		Positions []types.PositionWithPair `json:"positions"`
		Count     int                      `json:"count"`
	}](t, rec)
	if body.Count != 1 || len(body.Positions) != 1 {
		t.Fatalf("count = %d, want 1 active position", body.Count)
	}
	if body.Positions[0].ID != "pos-1" {
		t.Fatalf("got %q", body.Positions[0].ID)
	}
}

func TestListPositionsStatusFilter(t *testing.T) {
	t.Parallel()

	h := newAPIHarness(t)
	h.seedPosition(t, "pos-1", types.PositionSingleLegExposed)
	h.seedPosition(t, "pos-2", types.PositionClosed)

	rec := h.do(t, http.MethodGet, "/positions?status=CLOSED", nil)
	body := decodeBody[struct {
		Count int `json:"count"`
	}](t, rec)
	if body.Count != 1 {
		t.Fatalf("count = %d, want 1 closed position", body.Count)
	}
}

// ————————————————————————————————————————————————————————————————————————
// Reconciliation endpoints
// ————————————————————————————————————————————————————————————————————————

func TestReconRunReturnsReport(t *testing.T) {
	t.Parallel()

	h := newAPIHarness(t)
	h.recon.report = &types.ReconciliationReport{
		PositionsChecked:   3,
		OrdersVerified:     6,
		DiscrepanciesFound: 1,
	}

	rec := h.do(t, http.MethodPost, "/reconciliation/run", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decodeBody[types.ReconciliationReport](t, rec)
	if body.PositionsChecked != 3 || body.DiscrepanciesFound != 1 {
		t.Fatalf("unexpected report: %+v", body)
	}
}

func TestReconRunDebounceMapsTo429(t *testing.T) {
	t.Parallel()

	h := newAPIHarness(t)
	h.recon.runErr = fmt.Errorf("%w: next run allowed at soon", reconcile.ErrDebounced)

	rec := h.do(t, http.MethodPost, "/reconciliation/run", nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
}

func TestReconResolvePassesActionThrough(t *testing.T) {
	t.Parallel()

	h := newAPIHarness(t)
	rec := h.do(t, http.MethodPost, "/reconciliation/pos-9/resolve",
		map[string]string{"action": "reopen", "rationale": "verified on venue"})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if h.recon.gotPositionID != "pos-9" || h.recon.gotAction != "reopen" {
		t.Fatalf("recon got %q / %q", h.recon.gotPositionID, h.recon.gotAction)
	}
}

func TestReconResolveWrongStateMapsTo409(t *testing.T) {
	t.Parallel()

	h := newAPIHarness(t)
	h.recon.resolveErr = types.NewExecutionError(types.CodeInvalidPositionState,
		types.SeverityWarning, "position pos-9 is OPEN, not awaiting reconciliation")

	rec := h.do(t, http.MethodPost, "/reconciliation/pos-9/resolve",
		map[string]string{"action": "reopen"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
}

// ————————————————————————————————————————————————————————————————————————
// Snapshot & health
// ————————————————————————————————————————————————————————————————————————

func TestSnapshotAggregatesEngineState(t *testing.T) {
	t.Parallel()

	h := newAPIHarness(t)
	h.provider.venues = []types.VenueHealth{
		{Venue: types.VenueKalshi, Status: types.HealthHealthy, Mode: types.ModePaper},
		{Venue: types.VenuePolymarket, Status: types.HealthDegraded, Reason: "stale_data", Mode: types.ModePaper},
	}
	h.provider.risk = risk.Snapshot{
		MaxBudgetUSD: decimal.RequireFromString("1000"),
		AvailableUSD: decimal.RequireFromString("900"),
	}
	h.provider.exposure = exposure.Snapshot{MonthlyCount: 2, MonthlyLimit: 5}
	h.provider.positions = []types.PositionWithPair{
		{Position: types.Position{ID: "pos-1", Status: types.PositionOpen}},
		{Position: types.Position{ID: "pos-2", Status: types.PositionOpen}},
		{Position: types.Position{ID: "pos-3", Status: types.PositionSingleLegExposed}},
	}

	rec := h.do(t, http.MethodGet, "/api/snapshot", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	body := decodeBody[EngineSnapshot](t, rec)
	if !body.Paper {
		t.Fatal("snapshot should report paper mode")
	}
	if len(body.Venues) != 2 || len(body.Positions) != 3 {
		t.Fatalf("venues %d positions %d", len(body.Venues), len(body.Positions))
	}
	if body.PositionsByState["OPEN"] != 2 || body.PositionsByState["SINGLE_LEG_EXPOSED"] != 1 {
		t.Fatalf("positions_by_state = %v", body.PositionsByState)
	}
	if body.Exposure.MonthlyCount != 2 {
		t.Fatalf("exposure monthly count = %d", body.Exposure.MonthlyCount)
	}
}

func TestHealthReportsVenues(t *testing.T) {
	t.Parallel()

	h := newAPIHarness(t)
	h.provider.venues = []types.VenueHealth{
		{Venue: types.VenueKalshi, Status: types.HealthHealthy, Mode: types.ModePaper},
	}

	rec := h.do(t, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decodeBody[struct {
		Status string              `json:"status"`
		Venues []types.VenueHealth `json:"venues"`
	}](t, rec)
	if body.Status != "ok" || len(body.Venues) != 1 {
		t.Fatalf("unexpected body: %+v", body)
	}
}

// ————————————————————————————————————————————————————————————————————————
// WebSocket origin gate
// ————————————————————————————————————————————————————————————————————————

func TestIsOriginAllowed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		origin  string
		cfg     config.DashboardConfig
		reqHost string
		want    bool
	}{
		{
			name:    "empty origin is allowed",
			origin:  "",
			reqHost: "localhost:8080",
			want:    true,
		},
		{
			name:    "localhost origin allowed by default",
			origin:  "http://localhost:8080",
			reqHost: "localhost:8080",
			want:    true,
		},
		{
			name:    "non-local origin denied by default",
			origin:  "https://evil.example",
			reqHost: "localhost:8080",
			want:    false,
		},
		{
			name:    "allowlist permits exact origin",
			origin:  "https://dash.example.com",
			cfg:     config.DashboardConfig{AllowedOrigins: []string{"https://dash.example.com"}},
			reqHost: "0.0.0.0:8080",
			want:    true,
		},
		{
			name:    "allowlist does not widen the gate",
			origin:  "https://evil.example",
			cfg:     config.DashboardConfig{AllowedOrigins: []string{"https://dash.example.com"}},
			reqHost: "0.0.0.0:8080",
			want:    false,
		},
		{
			name:    "same host allowed without allowlist",
			origin:  "https://arb.internal:8080",
			reqHost: "arb.internal:8080",
			want:    true,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := isOriginAllowed(tt.origin, tt.cfg, tt.reqHost); got != tt.want {
				t.Fatalf("isOriginAllowed(%q) = %v, want %v", tt.origin, got, tt.want)
			}
		})
	}
}

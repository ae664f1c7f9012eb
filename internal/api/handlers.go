package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"crossarb/internal/config"
	"crossarb/internal/execution"
	"crossarb/internal/reconcile"
	"crossarb/internal/store"
	"crossarb/pkg/types"
)

// PositionResolver is the slice of the resolution service the API calls.
type PositionResolver interface {
	RetryLeg(ctx context.Context, positionID string, retryPrice decimal.Decimal) (*execution.RetryLegResult, error)
	CloseLeg(ctx context.Context, positionID, rationale string) (*execution.CloseLegResult, error)
}

// Reconciler is the slice of the reconciliation engine the API calls.
type Reconciler interface {
	Run(ctx context.Context) (*types.ReconciliationReport, error)
	ResolveDiscrepancy(ctx context.Context, positionID, action, rationale string) error
	Status() reconcile.Status
}

// Handlers holds all HTTP handler dependencies.
type Handlers struct {
	cfg        config.DashboardConfig
	provider   SnapshotProvider
	resolution PositionResolver
	recon      Reconciler
	positions  store.PositionRepository
	hub        *Hub
	logger     *slog.Logger
}

// NewHandlers creates the handler set.
func NewHandlers(cfg config.DashboardConfig, deps Deps, hub *Hub, logger *slog.Logger) *Handlers {
	return &Handlers{
		cfg:        cfg,
		provider:   deps.Provider,
		resolution: deps.Resolution,
		recon:      deps.Recon,
		positions:  deps.Positions,
		hub:        hub,
		logger:     logger.With("component", "api_handlers"),
	}
}

// ————————————————————————————————————————————————————————————————————————
// Error mapping
// ————————————————————————————————————————————————————————————————————————

// httpStatusFor maps an ExecutionError to an HTTP status. Invalid state is the
// caller's fault (409); a close that failed for a recoverable reason is 422;
// everything else means a venue let us down (502).
func httpStatusFor(execErr *types.ExecutionError) int {
	switch {
	case execErr.Code == types.CodeInvalidPositionState:
		return http.StatusConflict
	case execErr.Code == types.CodeCloseFailed && execErr.Severity == types.SeverityWarning:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusBadGateway
	}
}

func (h *Handlers) writeError(w http.ResponseWriter, err error) {
	var execErr *types.ExecutionError
	switch {
	case errors.Is(err, reconcile.ErrDebounced):
		h.writeJSON(w, http.StatusTooManyRequests, types.ExecutionError{
			Code:     types.CodeGenericExecution,
			Message:  err.Error(),
			Severity: types.SeverityInfo,
		})
	case errors.Is(err, store.ErrNotFound):
		h.writeJSON(w, http.StatusNotFound, types.ExecutionError{
			Code:     types.CodeInvalidPositionState,
			Message:  err.Error(),
			Severity: types.SeverityWarning,
		})
	case errors.As(err, &execErr):
		h.writeJSON(w, httpStatusFor(execErr), execErr)
	default:
		h.logger.Error("unexpected handler error", "error", err)
		h.writeJSON(w, http.StatusInternalServerError, types.ExecutionError{
			Code:     types.CodeUnexpected,
			Message:  "internal error",
			Severity: types.SeverityError,
		})
	}
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("encode response", "error", err)
	}
}

func (h *Handlers) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.writeJSON(w, http.StatusBadRequest, types.ExecutionError{
			Code:     types.CodeGenericExecution,
			Message:  "invalid request body: " + err.Error(),
			Severity: types.SeverityWarning,
		})
		return false
	}
	return true
}

// ————————————————————————————————————————————————————————————————————————
// Positions
// ————————————————————————————————————————————————————————————————————————

// HandleListPositions returns active positions, optionally filtered by
// ?status=. CLOSED positions are only reachable through an explicit filter.
func (h *Handlers) HandleListPositions(w http.ResponseWriter, r *http.Request) {
	statuses := []types.PositionStatus{
		types.PositionOpen,
		types.PositionSingleLegExposed,
		types.PositionExitPartial,
		types.PositionReconRequired,
	}
	if raw := r.URL.Query().Get("status"); raw != "" {
		statuses = []types.PositionStatus{types.PositionStatus(raw)}
	}

	positions, err := h.positions.FindByStatusWithPair(r.Context(), statuses...)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"positions": positions,
		"count":     len(positions),
	})
}

func (h *Handlers) HandleGetPosition(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	pos, err := h.positions.FindByIDWithPair(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, pos)
}

type retryLegRequest struct {
	Price decimal.Decimal `json:"price"`
}

// HandleRetryLeg re-attempts the failed leg of an exposed position at the
// operator-supplied price.
func (h *Handlers) HandleRetryLeg(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req retryLegRequest
	if !h.decode(w, r, &req) {
		return
	}
	if !req.Price.IsPositive() || req.Price.GreaterThan(decimal.NewFromInt(1)) {
		h.writeJSON(w, http.StatusBadRequest, types.ExecutionError{
			Code:     types.CodeGenericExecution,
			Message:  "price must be in (0, 1]",
			Severity: types.SeverityWarning,
		})
		return
	}

	result, err := h.resolution.RetryLeg(r.Context(), id, req.Price)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

type closeLegRequest struct {
	Rationale string `json:"rationale,omitempty"`
}

// HandleCloseLeg flattens the filled leg of an exposed position at market.
func (h *Handlers) HandleCloseLeg(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req closeLegRequest
	if r.ContentLength > 0 && !h.decode(w, r, &req) {
		return
	}

	result, err := h.resolution.CloseLeg(r.Context(), id, req.Rationale)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// ————————————————————————————————————————————————————————————————————————
// Reconciliation
// ————————————————————————————————————————————————————————————————————————

func (h *Handlers) HandleReconRun(w http.ResponseWriter, r *http.Request) {
	report, err := h.recon.Run(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, report)
}

func (h *Handlers) HandleReconStatus(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.recon.Status())
}

type reconResolveRequest struct {
	Action    string `json:"action"`
	Rationale string `json:"rationale,omitempty"`
}

func (h *Handlers) HandleReconResolve(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req reconResolveRequest
	if !h.decode(w, r, &req) {
		return
	}

	if err := h.recon.ResolveDiscrepancy(r.Context(), id, req.Action, req.Rationale); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{
		"position_id": id,
		"status":      "resolved",
		"action":      req.Action,
	})
}

// ————————————————————————————————————————————————————————————————————————
// Health, snapshot, stream
// ————————————————————————————————————————————————————————————————————————

func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"venues": h.provider.VenueHealth(),
	})
}

func (h *Handlers) HandleSnapshot(w http.ResponseWriter, r *http.Request) {
	snapshot, err := BuildSnapshot(r.Context(), h.provider, h.recon)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, snapshot)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// HandleWebSocket upgrades the connection and pushes an initial snapshot.
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	up := upgrader
	up.CheckOrigin = func(r *http.Request) bool {
		return isOriginAllowed(r.Header.Get("Origin"), h.cfg, r.Host)
	}

	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := NewClient(h.hub, conn)

	snapshot, err := BuildSnapshot(r.Context(), h.provider, h.recon)
	if err != nil {
		h.logger.Error("build initial snapshot", "error", err)
		return
	}
	data, err := json.Marshal(DashboardEvent{
		Type:      "snapshot",
		Timestamp: snapshot.Timestamp,
		Data:      snapshot,
	})
	if err != nil {
		h.logger.Error("marshal initial snapshot", "error", err)
		return
	}
	select {
	case client.send <- data:
	default:
		h.logger.Warn("initial snapshot dropped, client send buffer full")
	}
}

// isOriginAllowed gates WebSocket upgrades. Same-host and localhost origins
// are always accepted; anything else must be on the configured allowlist.
func isOriginAllowed(origin string, cfg config.DashboardConfig, reqHost string) bool {
	if origin == "" {
		return true
	}
	for _, allowed := range cfg.AllowedOrigins {
		if origin == allowed {
			return true
		}
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if u.Host == reqHost {
		return true
	}
	switch u.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

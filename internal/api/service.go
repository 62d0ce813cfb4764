// Package api provides the HTTP surface of the exchange core: order
// submission and cancellation (leader-gated, proxied from followers),
// market data reads, and cluster status.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/foresight/exchange-core/internal/cluster"
	"github.com/foresight/exchange-core/internal/engine"
	"github.com/foresight/exchange-core/internal/model"
	"github.com/foresight/exchange-core/internal/store"
)

// Error codes returned in the "code" field of error responses.
const (
	CodeValidation = "VALIDATION"
	CodeRiskLimit  = "RISK_LIMIT"
	CodeNoLeader   = "NO_LEADER"
	CodeNotLeader  = "NOT_LEADER"
	CodeTransient  = "TRANSIENT_INFRA"
	CodeNotFound   = "NOT_FOUND"
)

// Service handles exchange HTTP requests. On followers, write requests
// are forwarded to the leader; cluster may be nil for single-node runs.
type Service struct {
	engine  *engine.Engine
	store   store.Store
	manager *cluster.Manager
	proxy   *cluster.Proxy
	loop    StatusReporter
}

// StatusReporter is what the reconciliation loop exposes to the status
// endpoint. Nil when reconciliation is disabled.
type StatusReporter interface {
	LastCheckedBlock() int64
}

// NewService creates the HTTP service. manager, proxy, and loop may be nil.
func NewService(eng *engine.Engine, st store.Store, manager *cluster.Manager, proxy *cluster.Proxy, loop StatusReporter) *Service {
	return &Service{engine: eng, store: st, manager: manager, proxy: proxy, loop: loop}
}

// SubmitOrderRequest is the JSON body for POST /api/v1/orders.
type SubmitOrderRequest struct {
	MarketKey     string          `json:"market_key"`
	Maker         string          `json:"maker"`
	OutcomeIndex  int             `json:"outcome_index"`
	IsBuy         bool            `json:"is_buy"`
	Price         decimal.Decimal `json:"price"`
	Amount        decimal.Decimal `json:"amount"`
	Salt          string          `json:"salt"`
	Expiry        int64           `json:"expiry"`
	Signature     string          `json:"signature"`
	TimeInForce   string          `json:"time_in_force"`
	PostOnly      bool            `json:"post_only"`
	ClientOrderID string          `json:"client_order_id"`
}

// CancelOrderRequest is the JSON body for DELETE /api/v1/orders/{orderID}.
type CancelOrderRequest struct {
	MarketKey    string `json:"market_key"`
	OutcomeIndex int    `json:"outcome_index"`
	Maker        string `json:"maker"`
}

// SubmitOrder handles POST /api/v1/orders.
func (s *Service) SubmitOrder(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, CodeValidation, "unreadable request body", http.StatusBadRequest)
		return
	}

	var req SubmitOrderRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, CodeValidation, "invalid request body", http.StatusBadRequest)
		return
	}

	o := &model.Order{
		MarketKey:     req.MarketKey,
		Maker:         req.Maker,
		OutcomeIndex:  req.OutcomeIndex,
		IsBuy:         req.IsBuy,
		Price:         req.Price,
		Amount:        req.Amount,
		Salt:          req.Salt,
		Expiry:        req.Expiry,
		Signature:     req.Signature,
		TimeInForce:   req.TimeInForce,
		PostOnly:      req.PostOnly,
		ClientOrderID: req.ClientOrderID,
	}

	res, err := s.engine.Submit(r.Context(), o)
	if errors.Is(err, engine.ErrNotAuthoritative) {
		s.forwardOrReject(w, r, body)
		return
	}
	if err != nil {
		slog.Error("order submission failed", "err", err)
		writeError(w, CodeTransient, "order could not be persisted", http.StatusServiceUnavailable)
		return
	}

	status := http.StatusOK
	if !res.Accepted {
		status = statusForReason(res.Reason)
	}
	writeJSON(w, status, res)
}

// CancelOrder handles DELETE /api/v1/orders/{orderID}.
func (s *Service) CancelOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, CodeValidation, "unreadable request body", http.StatusBadRequest)
		return
	}
	var req CancelOrderRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, CodeValidation, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.MarketKey == "" || req.Maker == "" {
		writeError(w, CodeValidation, "market_key and maker are required", http.StatusBadRequest)
		return
	}

	ok, err := s.engine.Cancel(r.Context(), req.MarketKey, req.OutcomeIndex, orderID, req.Maker)
	if errors.Is(err, engine.ErrNotAuthoritative) {
		s.forwardOrReject(w, r, body)
		return
	}
	if err != nil {
		slog.Error("order cancel failed", "order_id", orderID, "err", err)
		writeError(w, CodeTransient, "cancel could not be persisted", http.StatusServiceUnavailable)
		return
	}
	if !ok {
		writeError(w, CodeNotFound, "order not found or not owned by maker", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"canceled": true, "order_id": orderID})
}

// forwardOrReject proxies a write to the leader, or answers NOT_LEADER /
// NO_LEADER when forwarding is impossible. A request that has already
// been forwarded once is never bounced again.
func (s *Service) forwardOrReject(w http.ResponseWriter, r *http.Request, body []byte) {
	if s.proxy == nil || s.manager == nil {
		writeError(w, CodeNoLeader, "no matching authority available", http.StatusServiceUnavailable)
		return
	}
	if cluster.AlreadyForwarded(r) {
		s.writeNotLeader(w, r)
		return
	}

	resp, err := s.proxy.Forward(r.Context(), r, body)
	if errors.Is(err, cluster.ErrNoLeader) {
		writeError(w, CodeNoLeader, "no leader elected", http.StatusServiceUnavailable)
		return
	}
	if err != nil {
		slog.Warn("leader proxy failed", "err", err)
		s.writeNotLeader(w, r)
		return
	}
	if err := cluster.CopyResponse(w, resp); err != nil {
		slog.Warn("copy proxied response", "err", err)
	}
}

// writeNotLeader answers with the best-known leader so the caller can
// retry against it directly.
func (s *Service) writeNotLeader(w http.ResponseWriter, r *http.Request) {
	payload := map[string]any{
		"error": "this node is not the leader",
		"code":  CodeNotLeader,
	}
	if info, err := s.manager.Leader(r.Context()); err == nil {
		payload["leader_id"] = info.NodeID
		payload["leader_addr"] = info.Addr
	}
	writeJSON(w, http.StatusServiceUnavailable, payload)
}

// GetDepth handles GET /api/v1/markets/{marketKey}/outcomes/{outcomeIndex}/depth.
func (s *Service) GetDepth(w http.ResponseWriter, r *http.Request) {
	marketKey, outcome, ok := marketParams(w, r)
	if !ok {
		return
	}
	levels := 20
	if raw := r.URL.Query().Get("levels"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			levels = n
		}
	}
	writeJSON(w, http.StatusOK, s.engine.Depth(marketKey, outcome, levels))
}

// GetStats handles GET /api/v1/markets/{marketKey}/outcomes/{outcomeIndex}/stats.
func (s *Service) GetStats(w http.ResponseWriter, r *http.Request) {
	marketKey, outcome, ok := marketParams(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.engine.BookStats(marketKey, outcome))
}

// GetTrades handles GET /api/v1/markets/{marketKey}/trades.
func (s *Service) GetTrades(w http.ResponseWriter, r *http.Request) {
	marketKey := chi.URLParam(r, "marketKey")
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}
	trades, err := s.store.ListTradesByMarket(r.Context(), marketKey, limit)
	if err != nil {
		slog.Error("list trades failed", "market", marketKey, "err", err)
		writeError(w, CodeTransient, "trades unavailable", http.StatusServiceUnavailable)
		return
	}
	if trades == nil {
		trades = []model.Trade{}
	}
	writeJSON(w, http.StatusOK, trades)
}

// ListDiscrepancies handles GET /api/v1/reconciliation/discrepancies.
func (s *Service) ListDiscrepancies(w http.ResponseWriter, r *http.Request) {
	unresolvedOnly := r.URL.Query().Get("unresolved") == "true"
	ds, err := s.store.ListDiscrepancies(r.Context(), unresolvedOnly)
	if err != nil {
		slog.Error("list discrepancies failed", "err", err)
		writeError(w, CodeTransient, "discrepancies unavailable", http.StatusServiceUnavailable)
		return
	}
	if ds == nil {
		ds = []model.Discrepancy{}
	}
	writeJSON(w, http.StatusOK, ds)
}

// ClusterStatus handles GET /api/v1/cluster/status.
func (s *Service) ClusterStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"store_breaker": s.engine.StoreBreaker().Snapshot(),
	}
	if s.manager != nil {
		status["node_id"] = s.manager.NodeID()
		status["is_leader"] = s.manager.IsLeader()
		status["fencing_token"] = s.manager.FencingToken()
		if info, err := s.manager.Leader(r.Context()); err == nil {
			status["leader_id"] = info.NodeID
			status["leader_addr"] = info.Addr
		}
	}
	if s.loop != nil {
		status["last_checked_block"] = s.loop.LastCheckedBlock()
	}
	writeJSON(w, http.StatusOK, status)
}

// Health handles GET /healthz.
func (s *Service) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func marketParams(w http.ResponseWriter, r *http.Request) (string, int, bool) {
	marketKey := chi.URLParam(r, "marketKey")
	outcome, err := strconv.Atoi(chi.URLParam(r, "outcomeIndex"))
	if err != nil || outcome < 0 {
		writeError(w, CodeValidation, "outcomeIndex must be a non-negative integer", http.StatusBadRequest)
		return "", 0, false
	}
	return marketKey, outcome, true
}

func statusForReason(reason string) int {
	switch reason {
	case engine.ReasonRiskLimit:
		return http.StatusConflict
	case engine.ReasonFOKNotFillable, engine.ReasonPostOnlyCross:
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}

// writeJSON writes a JSON response body with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a machine-readable JSON error response.
func writeError(w http.ResponseWriter, code, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message, "code": code})
}

// Package api exposes the trading facade over HTTP. Each route resolves the
// caller's service through the selector and writes the facade Result as
// JSON with the status code it carries.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	jsoniter "github.com/json-iterator/go"

	"github.com/atmx/paper-engine/internal/model"
	"github.com/atmx/paper-engine/internal/selector"
	"github.com/atmx/paper-engine/internal/trading"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Request headers identifying the caller.
const (
	HeaderUserID = "X-User-ID"
	HeaderBroker = "X-Broker"
)

// Selector resolves the service for a caller.
type Selector interface {
	GetService(ctx context.Context, userID, broker string) (trading.Service, error)
	CurrentMode() selector.Mode
	ServiceCount() int
	CachedServices() map[string]string
}

// Handler serves the trading routes.
type Handler struct {
	selector      Selector
	defaultBroker string
}

// NewHandler creates a Handler. defaultBroker is used when a request has no
// X-Broker header.
func NewHandler(sel Selector, defaultBroker string) *Handler {
	return &Handler{selector: sel, defaultBroker: defaultBroker}
}

// Routes mounts the trading endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/orders", func(r chi.Router) {
		r.Post("/", h.PlaceOrder)
		r.Get("/", h.OrderHistory)
		r.Delete("/", h.CancelAllOrders)
		r.Get("/open", h.OpenOrders)
		r.Put("/{orderID}", h.ModifyOrder)
		r.Delete("/{orderID}", h.CancelOrder)
	})
	r.Route("/positions", func(r chi.Router) {
		r.Get("/", h.Positions)
		r.Delete("/", h.CloseAllPositions)
		r.Get("/{exchange}/{symbol}/{product}", h.OpenPosition)
		r.Delete("/{exchange}/{symbol}/{product}", h.ClosePosition)
	})
	r.Get("/trades", h.TradeHistory)
	r.Get("/funds", h.Funds)
	r.Get("/holdings", h.Holdings)
	r.Post("/account/reset", h.ResetAccount)
	r.Get("/stats", h.Statistics)
	r.Get("/mode", h.Mode)
}

// caller is the identity and session of one request.
type caller struct {
	svc  trading.Service
	auth string
}

// resolve reads the caller headers and fetches their service. It writes the
// error response itself and returns false on failure.
func (h *Handler) resolve(w http.ResponseWriter, r *http.Request) (caller, bool) {
	userID := strings.TrimSpace(r.Header.Get(HeaderUserID))
	if userID == "" {
		writeError(w, HeaderUserID+" header is required", http.StatusBadRequest)
		return caller{}, false
	}
	broker := strings.ToLower(strings.TrimSpace(r.Header.Get(HeaderBroker)))
	if broker == "" {
		broker = h.defaultBroker
	}

	svc, err := h.selector.GetService(r.Context(), userID, broker)
	if err != nil {
		slog.Error("trading service unavailable", "user_id", userID, "broker", broker, "err", err)
		status := http.StatusBadGateway
		if errors.Is(err, selector.ErrInvalidMode) {
			status = http.StatusInternalServerError
		}
		writeError(w, err.Error(), status)
		return caller{}, false
	}
	return caller{svc: svc, auth: bearer(r.Header.Get("Authorization"))}, true
}

func bearer(v string) string {
	v = strings.TrimSpace(v)
	if len(v) > 7 && strings.EqualFold(v[:7], "bearer ") {
		return strings.TrimSpace(v[7:])
	}
	return v
}

// PlaceOrder handles POST /api/v1/orders
func (h *Handler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	c, ok := h.resolve(w, r)
	if !ok {
		return
	}
	var req model.OrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	writeResult(w, c.svc.PlaceOrder(r.Context(), c.auth, req))
}

// ModifyOrder handles PUT /api/v1/orders/{orderID}
func (h *Handler) ModifyOrder(w http.ResponseWriter, r *http.Request) {
	c, ok := h.resolve(w, r)
	if !ok {
		return
	}
	var req model.OrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	writeResult(w, c.svc.ModifyOrder(r.Context(), c.auth, chi.URLParam(r, "orderID"), req))
}

// CancelOrder handles DELETE /api/v1/orders/{orderID}
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	if c, ok := h.resolve(w, r); ok {
		writeResult(w, c.svc.CancelOrder(r.Context(), c.auth, chi.URLParam(r, "orderID")))
	}
}

// CancelAllOrders handles DELETE /api/v1/orders
func (h *Handler) CancelAllOrders(w http.ResponseWriter, r *http.Request) {
	if c, ok := h.resolve(w, r); ok {
		writeResult(w, c.svc.CancelAllOrders(r.Context(), c.auth))
	}
}

// OrderHistory handles GET /api/v1/orders
func (h *Handler) OrderHistory(w http.ResponseWriter, r *http.Request) {
	if c, ok := h.resolve(w, r); ok {
		writeResult(w, c.svc.GetOrderHistory(r.Context(), c.auth))
	}
}

// OpenOrders handles GET /api/v1/orders/open
func (h *Handler) OpenOrders(w http.ResponseWriter, r *http.Request) {
	if c, ok := h.resolve(w, r); ok {
		writeResult(w, c.svc.GetOpenOrders(r.Context(), c.auth))
	}
}

// Positions handles GET /api/v1/positions
func (h *Handler) Positions(w http.ResponseWriter, r *http.Request) {
	if c, ok := h.resolve(w, r); ok {
		writeResult(w, c.svc.GetPositions(r.Context(), c.auth))
	}
}

// OpenPosition handles GET /api/v1/positions/{exchange}/{symbol}/{product}
func (h *Handler) OpenPosition(w http.ResponseWriter, r *http.Request) {
	if c, ok := h.resolve(w, r); ok {
		writeResult(w, c.svc.GetOpenPosition(r.Context(), c.auth,
			chi.URLParam(r, "symbol"), chi.URLParam(r, "exchange"), chi.URLParam(r, "product")))
	}
}

// ClosePosition handles DELETE /api/v1/positions/{exchange}/{symbol}/{product}
func (h *Handler) ClosePosition(w http.ResponseWriter, r *http.Request) {
	if c, ok := h.resolve(w, r); ok {
		writeResult(w, c.svc.ClosePosition(r.Context(), c.auth,
			chi.URLParam(r, "symbol"), chi.URLParam(r, "exchange"), chi.URLParam(r, "product")))
	}
}

// CloseAllPositions handles DELETE /api/v1/positions
func (h *Handler) CloseAllPositions(w http.ResponseWriter, r *http.Request) {
	if c, ok := h.resolve(w, r); ok {
		writeResult(w, c.svc.CloseAllPositions(r.Context(), c.auth))
	}
}

// TradeHistory handles GET /api/v1/trades
func (h *Handler) TradeHistory(w http.ResponseWriter, r *http.Request) {
	if c, ok := h.resolve(w, r); ok {
		writeResult(w, c.svc.GetTradeHistory(r.Context(), c.auth))
	}
}

// Funds handles GET /api/v1/funds
func (h *Handler) Funds(w http.ResponseWriter, r *http.Request) {
	if c, ok := h.resolve(w, r); ok {
		writeResult(w, c.svc.GetAccountBalance(r.Context(), c.auth))
	}
}

// Holdings handles GET /api/v1/holdings
func (h *Handler) Holdings(w http.ResponseWriter, r *http.Request) {
	if c, ok := h.resolve(w, r); ok {
		writeResult(w, c.svc.GetHoldings(r.Context(), c.auth))
	}
}

// ResetAccount handles POST /api/v1/account/reset
func (h *Handler) ResetAccount(w http.ResponseWriter, r *http.Request) {
	if c, ok := h.resolve(w, r); ok {
		writeResult(w, c.svc.ResetAccount(r.Context(), c.auth))
	}
}

// Statistics handles GET /api/v1/stats
func (h *Handler) Statistics(w http.ResponseWriter, r *http.Request) {
	if c, ok := h.resolve(w, r); ok {
		writeResult(w, c.svc.GetTradingStatistics(r.Context(), c.auth))
	}
}

// ModeInfo describes the selector state.
type ModeInfo struct {
	Mode           selector.Mode     `json:"mode"`
	ServiceCount   int               `json:"service_count"`
	CachedServices map[string]string `json:"cached_services"`
}

// Mode handles GET /api/v1/mode
func (h *Handler) Mode(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, ModeInfo{
		Mode:           h.selector.CurrentMode(),
		ServiceCount:   h.selector.ServiceCount(),
		CachedServices: h.selector.CachedServices(),
	})
}

func writeResult(w http.ResponseWriter, res trading.Result) {
	code := res.Code
	if code == 0 {
		code = http.StatusOK
	}
	writeJSON(w, code, res)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "err", err)
	}
}

// writeError writes a JSON error response in the facade's envelope.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, trading.Result{Status: "error", Message: message})
}

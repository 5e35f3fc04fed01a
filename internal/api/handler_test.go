package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/atmx/paper-engine/internal/api"
	"github.com/atmx/paper-engine/internal/engine"
	"github.com/atmx/paper-engine/internal/ledger"
	"github.com/atmx/paper-engine/internal/model"
	"github.com/atmx/paper-engine/internal/oracle"
	"github.com/atmx/paper-engine/internal/selector"
	"github.com/atmx/paper-engine/internal/store"
	"github.com/atmx/paper-engine/internal/trading"
)

type testEnv struct {
	router http.Handler
	oracle *oracle.Oracle
	sel    *selector.Selector
	hub    *api.WSHub
	mode   *string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ms := store.NewMemoryStore()
	l := ledger.New(ms, ledger.Defaults{Balance: decimal.NewFromInt(50000), Currency: "INR"})
	o := oracle.New(oracle.Options{Cache: oracle.NewMemoryCache(time.Hour, 100), RetryAttempts: 1})
	eng := engine.New(l, o, engine.Config{MarketAttempts: 1})
	hub := api.NewWSHub()
	eng.SetNotifier(hub)

	mode := "paper"
	paper := func(ctx context.Context, userID, broker string) (trading.Service, error) {
		return trading.NewPaperService(ctx, userID, broker, l, eng, o)
	}
	sel := selector.New(func() string { return mode }, paper, nil)

	return &testEnv{
		router: api.NewRouter(api.NewHandler(sel, "paper"), hub),
		oracle: o,
		sel:    sel,
		hub:    hub,
		mode:   &mode,
	}
}

func (e *testEnv) do(t *testing.T, method, path, user string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set(api.HeaderUserID, user)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

type envelope struct {
	Status   string           `json:"status"`
	Message  string           `json:"message"`
	OrderID  string           `json:"orderid"`
	Data     json.RawMessage  `json:"data"`
	TotalPnL *decimal.Decimal `json:"total_pnl"`
}

func decode(t *testing.T, w *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return env
}

func marketBuy(symbol string, qty int64) map[string]any {
	return map[string]any{
		"symbol": symbol, "exchange": "NSE", "action": "BUY",
		"product": "MIS", "pricetype": "MARKET", "quantity": qty,
	}
}

func TestMissingUserHeader(t *testing.T) {
	e := newTestEnv(t)
	w := e.do(t, "GET", "/api/v1/positions", "", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	if env := decode(t, w); env.Status != "error" {
		t.Errorf("expected error status, got %q", env.Status)
	}
}

func TestPlaceOrder_MarketFill(t *testing.T) {
	e := newTestEnv(t)
	e.oracle.SetPrice(context.Background(), "RELIANCE", "NSE", decimal.RequireFromString("2450.50"))

	w := e.do(t, "POST", "/api/v1/orders", "u1", marketBuy("RELIANCE", 10))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	placed := decode(t, w)
	if placed.OrderID == "" {
		t.Fatal("expected order id")
	}

	w = e.do(t, "GET", "/api/v1/orders", "u1", nil)
	var orders []model.Order
	if err := json.Unmarshal(decode(t, w).Data, &orders); err != nil {
		t.Fatalf("decode orders: %v", err)
	}
	if len(orders) != 1 || orders[0].Status != model.StatusFilled {
		t.Fatalf("expected one filled order, got %+v", orders)
	}

	w = e.do(t, "GET", "/api/v1/positions", "u1", nil)
	env := decode(t, w)
	var positions []trading.PositionView
	if err := json.Unmarshal(env.Data, &positions); err != nil {
		t.Fatalf("decode positions: %v", err)
	}
	if len(positions) != 1 || positions[0].Quantity != 10 {
		t.Fatalf("expected position of 10, got %+v", positions)
	}
	if env.TotalPnL == nil || !env.TotalPnL.IsZero() {
		t.Errorf("expected zero total_pnl, got %v", env.TotalPnL)
	}

	w = e.do(t, "GET", "/api/v1/funds", "u1", nil)
	var bal trading.Balance
	if err := json.Unmarshal(decode(t, w).Data, &bal); err != nil {
		t.Fatalf("decode funds: %v", err)
	}
	if !bal.CurrentBalance.Equal(decimal.RequireFromString("25495.00")) {
		t.Errorf("expected balance 25495.00, got %s", bal.CurrentBalance)
	}
}

func TestPlaceOrder_Validation(t *testing.T) {
	e := newTestEnv(t)
	w := e.do(t, "POST", "/api/v1/orders", "u1", map[string]any{"symbol": "TCS"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	env := decode(t, w)
	if !strings.HasPrefix(env.Message, "Missing required fields: exchange") {
		t.Errorf("unexpected message %q", env.Message)
	}

	req := httptest.NewRequest("POST", "/api/v1/orders", strings.NewReader("{not json"))
	req.Header.Set(api.HeaderUserID, "u1")
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for malformed body, got %d", rec.Code)
	}
}

func TestCancelOrder_Twice(t *testing.T) {
	e := newTestEnv(t)
	e.oracle.SetPrice(context.Background(), "TCS", "NSE", decimal.NewFromInt(100))

	body := map[string]any{
		"symbol": "TCS", "exchange": "NSE", "action": "BUY", "product": "MIS",
		"pricetype": "LIMIT", "quantity": 1, "price": "90",
	}
	placed := decode(t, e.do(t, "POST", "/api/v1/orders", "u1", body))

	w := e.do(t, "GET", "/api/v1/orders/open", "u1", nil)
	var open []model.Order
	json.Unmarshal(decode(t, w).Data, &open)
	if len(open) != 1 {
		t.Fatalf("expected one open order, got %d", len(open))
	}

	if w := e.do(t, "DELETE", "/api/v1/orders/"+placed.OrderID, "u1", nil); w.Code != http.StatusOK {
		t.Fatalf("first cancel: expected 200, got %d", w.Code)
	}
	if w := e.do(t, "DELETE", "/api/v1/orders/"+placed.OrderID, "u1", nil); w.Code != http.StatusNotFound {
		t.Fatalf("second cancel: expected 404, got %d", w.Code)
	}
}

func TestClosePositionRoute(t *testing.T) {
	e := newTestEnv(t)
	e.oracle.SetPrice(context.Background(), "SBIN", "NSE", decimal.NewFromInt(500))
	e.do(t, "POST", "/api/v1/orders", "u1", marketBuy("SBIN", 3))

	w := e.do(t, "GET", "/api/v1/positions/NSE/SBIN/MIS", "u1", nil)
	var pos trading.OpenPosition
	json.Unmarshal(decode(t, w).Data, &pos)
	if pos.Quantity != 3 {
		t.Fatalf("expected quantity 3, got %d", pos.Quantity)
	}

	if w := e.do(t, "DELETE", "/api/v1/positions/NSE/SBIN/MIS", "u1", nil); w.Code != http.StatusOK {
		t.Fatalf("close: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if w := e.do(t, "DELETE", "/api/v1/positions/NSE/SBIN/MIS", "u1", nil); w.Code != http.StatusNotFound {
		t.Errorf("second close: expected 404, got %d", w.Code)
	}
}

func TestModifyOrder_NotSupported(t *testing.T) {
	e := newTestEnv(t)
	w := e.do(t, "PUT", "/api/v1/orders/PT1", "u1", marketBuy("TCS", 1))
	if w.Code != http.StatusNotImplemented {
		t.Fatalf("expected 501, got %d", w.Code)
	}
}

func TestModeRoute(t *testing.T) {
	e := newTestEnv(t)
	e.do(t, "GET", "/api/v1/holdings", "u1", nil)

	w := e.do(t, "GET", "/api/v1/mode", "", nil)
	var info api.ModeInfo
	if err := json.Unmarshal(w.Body.Bytes(), &info); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if info.Mode != selector.ModePaper || info.ServiceCount != 1 {
		t.Errorf("unexpected mode info %+v", info)
	}
	if info.CachedServices["u1_paper"] != "trading.PaperService" {
		t.Errorf("unexpected cached services %v", info.CachedServices)
	}
}

func TestInvalidModeIsServerError(t *testing.T) {
	e := newTestEnv(t)
	*e.mode = "demo"
	w := e.do(t, "GET", "/api/v1/funds", "u1", nil)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
}

func TestResetAndStats(t *testing.T) {
	e := newTestEnv(t)
	e.oracle.SetPrice(context.Background(), "INFY", "NSE", decimal.NewFromInt(100))
	e.do(t, "POST", "/api/v1/orders", "u1", marketBuy("INFY", 5))

	w := e.do(t, "GET", "/api/v1/stats", "u1", nil)
	var stats struct {
		TotalTrades int    `json:"total_trades"`
		Mode        string `json:"mode"`
	}
	json.Unmarshal(decode(t, w).Data, &stats)
	if stats.TotalTrades != 1 || stats.Mode != "paper_trading" {
		t.Fatalf("unexpected stats %+v", stats)
	}

	if w := e.do(t, "POST", "/api/v1/account/reset", "u1", nil); w.Code != http.StatusOK {
		t.Fatalf("reset: expected 200, got %d", w.Code)
	}
	w = e.do(t, "GET", "/api/v1/trades", "u1", nil)
	if got := string(decode(t, w).Data); got != "[]" {
		t.Errorf("expected no trades after reset, got %s", got)
	}
}

func TestWebSocket_FiltersByUser(t *testing.T) {
	e := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.hub.Run(ctx)

	srv := httptest.NewServer(e.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/ws?user_id=u1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for e.hub.ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if e.hub.ClientCount() != 1 {
		t.Fatal("client never registered")
	}

	e.hub.Notify(engine.Event{Type: engine.EventRejected, OrderID: "PT-other", UserID: "u2", Reason: "x"})
	e.hub.Notify(engine.Event{Type: engine.EventCancelled, OrderID: "PT-mine", UserID: "u1", Symbol: "TCS"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg api.WSMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.OrderID != "PT-mine" || msg.Type != engine.EventCancelled {
		t.Errorf("expected u1's cancel event, got %+v", msg)
	}
}

package broker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/atmx/paper-engine/internal/model"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// RESTAdapter talks to a broker gateway exposing one JSON endpoint per
// operation under {base}/api/v1/. Every request carries the auth token as
// "apikey"; every response is an envelope:
//
//	{"status": "success", "data": ..., "orderid": "..."}
//	{"status": "error", "message": "..."}
type RESTAdapter struct {
	name   string
	base   string
	client *http.Client
}

// NewRESTAdapter creates an adapter for the gateway at baseURL.
func NewRESTAdapter(name, baseURL string, timeout time.Duration) *RESTAdapter {
	return &RESTAdapter{
		name:   name,
		base:   strings.TrimRight(baseURL, "/"),
		client: &http.Client{Timeout: timeout},
	}
}

// RESTFactory returns a Factory for Registry.Register.
func RESTFactory(name, baseURL string, timeout time.Duration) Factory {
	return func() (Adapter, error) {
		if baseURL == "" {
			return nil, fmt.Errorf("broker %s: no gateway URL configured", name)
		}
		return NewRESTAdapter(name, baseURL, timeout), nil
	}
}

func (a *RESTAdapter) Name() string { return a.name }

func (a *RESTAdapter) PlaceOrder(ctx context.Context, auth string, req model.OrderRequest) (string, error) {
	resp, err := a.call(ctx, "placeorder", orderPayload(auth, req))
	if err != nil {
		return "", err
	}
	id, _ := resp["orderid"].(string)
	return id, nil
}

func (a *RESTAdapter) ModifyOrder(ctx context.Context, auth, orderID string, req model.OrderRequest) error {
	payload := orderPayload(auth, req)
	payload["orderid"] = orderID
	_, err := a.call(ctx, "modifyorder", payload)
	return err
}

func (a *RESTAdapter) CancelOrder(ctx context.Context, auth, orderID string) error {
	_, err := a.call(ctx, "cancelorder", map[string]any{"apikey": auth, "orderid": orderID})
	return err
}

func (a *RESTAdapter) OrderBook(ctx context.Context, auth string) ([]map[string]any, error) {
	return a.list(ctx, "orderbook", auth)
}

func (a *RESTAdapter) TradeBook(ctx context.Context, auth string) ([]map[string]any, error) {
	return a.list(ctx, "tradebook", auth)
}

func (a *RESTAdapter) Positions(ctx context.Context, auth string) ([]map[string]any, error) {
	return a.list(ctx, "positionbook", auth)
}

func (a *RESTAdapter) Holdings(ctx context.Context, auth string) ([]map[string]any, error) {
	return a.list(ctx, "holdings", auth)
}

func (a *RESTAdapter) Funds(ctx context.Context, auth string) (map[string]any, error) {
	resp, err := a.call(ctx, "funds", map[string]any{"apikey": auth})
	if err != nil {
		return nil, err
	}
	data, _ := resp["data"].(map[string]any)
	return data, nil
}

func (a *RESTAdapter) GetQuotes(ctx context.Context, auth, symbol, exchange string) (map[string]any, error) {
	return a.call(ctx, "quotes", map[string]any{"apikey": auth, "symbol": symbol, "exchange": exchange})
}

func (a *RESTAdapter) list(ctx context.Context, endpoint, auth string) ([]map[string]any, error) {
	resp, err := a.call(ctx, endpoint, map[string]any{"apikey": auth})
	if err != nil {
		return nil, err
	}
	raw, _ := resp["data"].([]any)
	rows := make([]map[string]any, 0, len(raw))
	for _, r := range raw {
		if m, ok := r.(map[string]any); ok {
			rows = append(rows, m)
		}
	}
	return rows, nil
}

func (a *RESTAdapter) call(ctx context.Context, endpoint string, payload map[string]any) (map[string]any, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", endpoint, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.base+"/api/v1/"+endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", endpoint, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, &Error{Status: http.StatusBadGateway, Message: fmt.Sprintf("%s: %v", endpoint, err)}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, &Error{Status: http.StatusBadGateway, Message: fmt.Sprintf("%s: %v", endpoint, err)}
	}

	var out map[string]any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&out); err != nil {
		return nil, &Error{Status: http.StatusBadGateway, Message: fmt.Sprintf("%s: invalid response", endpoint)}
	}

	if status, _ := out["status"].(string); status != "success" || resp.StatusCode >= 400 {
		msg, _ := out["message"].(string)
		if msg == "" {
			msg = fmt.Sprintf("%s failed", endpoint)
		}
		code := resp.StatusCode
		if code < 400 {
			code = http.StatusBadRequest
		}
		return nil, &Error{Status: code, Message: msg}
	}
	return out, nil
}

func orderPayload(auth string, req model.OrderRequest) map[string]any {
	p := map[string]any{
		"apikey":             auth,
		"symbol":             req.Symbol,
		"exchange":           req.Exchange,
		"action":             string(req.Action),
		"product":            req.Product,
		"pricetype":          string(req.PriceType),
		"quantity":           req.Quantity,
		"disclosed_quantity": req.DisclosedQuantity,
	}
	if req.Strategy != "" {
		p["strategy"] = req.Strategy
	}
	if req.Price != nil {
		p["price"] = req.Price.String()
	}
	if req.TriggerPrice != nil {
		p["trigger_price"] = req.TriggerPrice.String()
	}
	return p
}

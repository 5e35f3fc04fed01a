package trading

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/atmx/paper-engine/internal/broker"
	"github.com/atmx/paper-engine/internal/model"
)

// openStatuses are the broker order statuses treated as open.
var openStatuses = map[string]bool{"PENDING": true, "OPEN": true, "TRIGGER_PENDING": true}

// LiveService forwards every operation to a broker adapter.
type LiveService struct {
	userID  string
	adapter broker.Adapter
}

// NewLiveService creates a live service for userID.
func NewLiveService(userID string, adapter broker.Adapter) *LiveService {
	slog.Info("live broker service initialized", "user_id", userID, "broker", adapter.Name())
	return &LiveService{userID: userID, adapter: adapter}
}

// UserID returns the user this service trades for.
func (s *LiveService) UserID() string { return s.userID }

func (s *LiveService) brokerFailure(op string, err error) Result {
	slog.Error("broker call failed", "broker", s.adapter.Name(), "op", op, "user_id", s.userID, "err", err)
	msg := err.Error()
	var be *broker.Error
	if errors.As(err, &be) {
		msg = be.Message
	}
	return failure(broker.StatusOf(err), "%s", msg)
}

func (s *LiveService) PlaceOrder(ctx context.Context, auth string, req model.OrderRequest) Result {
	if res, ok := validate(&req); !ok {
		return res
	}
	id, err := s.adapter.PlaceOrder(ctx, auth, req)
	if err != nil {
		return s.brokerFailure("place_order", err)
	}
	return Result{OK: true, Code: http.StatusOK, Status: statusSuccess, OrderID: id, Message: "Order placed successfully"}
}

func (s *LiveService) ModifyOrder(ctx context.Context, auth, orderID string, req model.OrderRequest) Result {
	if res, ok := validate(&req); !ok {
		return res
	}
	if err := s.adapter.ModifyOrder(ctx, auth, orderID, req); err != nil {
		return s.brokerFailure("modify_order", err)
	}
	res := successMsg(fmt.Sprintf("Order %s modified successfully", orderID))
	res.OrderID = orderID
	return res
}

func (s *LiveService) CancelOrder(ctx context.Context, auth, orderID string) Result {
	if err := s.adapter.CancelOrder(ctx, auth, orderID); err != nil {
		return s.brokerFailure("cancel_order", err)
	}
	res := successMsg(fmt.Sprintf("Order %s cancelled successfully", orderID))
	res.OrderID = orderID
	return res
}

func (s *LiveService) CancelAllOrders(ctx context.Context, auth string) Result {
	rows, err := s.adapter.OrderBook(ctx, auth)
	if err != nil {
		return s.brokerFailure("cancel_all_orders", err)
	}
	open := filterOpen(rows)
	if len(open) == 0 {
		return successMsg("No pending orders to cancel")
	}
	cancelled := 0
	for _, o := range open {
		id := str(o, "orderid")
		if id == "" {
			continue
		}
		if err := s.adapter.CancelOrder(ctx, auth, id); err != nil {
			slog.Warn("cancel failed", "broker", s.adapter.Name(), "order_id", id, "err", err)
			continue
		}
		cancelled++
	}
	return successMsg(fmt.Sprintf("Cancelled %d orders", cancelled))
}

func (s *LiveService) GetPositions(ctx context.Context, auth string) Result {
	rows, err := s.adapter.Positions(ctx, auth)
	if err != nil {
		return s.brokerFailure("get_positions", err)
	}
	return success(nonNil(rows))
}

func (s *LiveService) GetOpenPosition(ctx context.Context, auth, symbol, exchange, product string) Result {
	row, err := s.findPosition(ctx, auth, symbol, exchange, product)
	if err != nil {
		return s.brokerFailure("get_open_position", err)
	}
	return success(OpenPosition{Quantity: quantity(row)})
}

func (s *LiveService) ClosePosition(ctx context.Context, auth, symbol, exchange, product string) Result {
	row, err := s.findPosition(ctx, auth, symbol, exchange, product)
	if err != nil {
		return s.brokerFailure("close_position", err)
	}
	qty := quantity(row)
	if qty == 0 {
		return failure(http.StatusNotFound, "No open position found")
	}
	return s.PlaceOrder(ctx, auth, closingRequest(&model.Position{
		Symbol: symbol, Exchange: exchange, Product: product, Quantity: qty,
	}))
}

func (s *LiveService) CloseAllPositions(ctx context.Context, auth string) Result {
	rows, err := s.adapter.Positions(ctx, auth)
	if err != nil {
		return s.brokerFailure("close_all_positions", err)
	}
	closed, failed := 0, 0
	for _, row := range rows {
		qty := quantity(row)
		if qty == 0 {
			continue
		}
		res := s.PlaceOrder(ctx, auth, closingRequest(&model.Position{
			Symbol: str(row, "symbol"), Exchange: str(row, "exchange"), Product: str(row, "product"), Quantity: qty,
		}))
		if res.OK {
			closed++
		} else {
			failed++
		}
	}
	if closed+failed == 0 {
		return successMsg("No open positions to close")
	}
	return successMsg(fmt.Sprintf("Closed %d positions, %d failed", closed, failed))
}

func (s *LiveService) GetOpenOrders(ctx context.Context, auth string) Result {
	rows, err := s.adapter.OrderBook(ctx, auth)
	if err != nil {
		return s.brokerFailure("get_open_orders", err)
	}
	return success(filterOpen(rows))
}

func (s *LiveService) GetOrderHistory(ctx context.Context, auth string) Result {
	rows, err := s.adapter.OrderBook(ctx, auth)
	if err != nil {
		return s.brokerFailure("get_order_history", err)
	}
	return success(nonNil(rows))
}

func (s *LiveService) GetTradeHistory(ctx context.Context, auth string) Result {
	rows, err := s.adapter.TradeBook(ctx, auth)
	if err != nil {
		return s.brokerFailure("get_trade_history", err)
	}
	return success(nonNil(rows))
}

func (s *LiveService) GetAccountBalance(ctx context.Context, auth string) Result {
	funds, err := s.adapter.Funds(ctx, auth)
	if err != nil {
		return s.brokerFailure("get_account_balance", err)
	}
	return success(funds)
}

func (s *LiveService) GetHoldings(ctx context.Context, auth string) Result {
	rows, err := s.adapter.Holdings(ctx, auth)
	if err != nil {
		return s.brokerFailure("get_holdings", err)
	}
	return success(nonNil(rows))
}

// ResetAccount only exists for paper accounts.
func (s *LiveService) ResetAccount(_ context.Context, _ string) Result {
	return failure(http.StatusNotImplemented, "Account reset is only available in paper trading mode")
}

// GetTradingStatistics only exists for paper accounts.
func (s *LiveService) GetTradingStatistics(_ context.Context, _ string) Result {
	return failure(http.StatusNotImplemented, "Trading statistics are only available in paper trading mode")
}

func (s *LiveService) findPosition(ctx context.Context, auth, symbol, exchange, product string) (map[string]any, error) {
	rows, err := s.adapter.Positions(ctx, auth)
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		if strings.EqualFold(str(row, "symbol"), symbol) &&
			strings.EqualFold(str(row, "exchange"), exchange) &&
			strings.EqualFold(str(row, "product"), product) {
			return row, nil
		}
	}
	return nil, nil
}

func filterOpen(rows []map[string]any) []map[string]any {
	open := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		if openStatuses[strings.ToUpper(str(row, "order_status"))] {
			open = append(open, row)
		}
	}
	return open
}

func str(row map[string]any, key string) string {
	v, _ := row[key].(string)
	return v
}

// quantity reads a broker row's signed quantity, which gateways send as a
// number or a numeric string.
func quantity(row map[string]any) int64 {
	switch v := row["quantity"].(type) {
	case fmt.Stringer:
		var n int64
		fmt.Sscan(v.String(), &n)
		return n
	case string:
		var n int64
		fmt.Sscan(v, &n)
		return n
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	}
	return 0
}

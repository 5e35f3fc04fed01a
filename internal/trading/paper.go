package trading

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/atmx/paper-engine/internal/engine"
	"github.com/atmx/paper-engine/internal/ledger"
	"github.com/atmx/paper-engine/internal/metrics"
	"github.com/atmx/paper-engine/internal/model"
	"github.com/atmx/paper-engine/internal/store"
)

const (
	// DefaultStrategy tags orders placed without a strategy.
	DefaultStrategy = "Paper Trading"
	// CloseStrategy tags orders generated by ClosePosition.
	CloseStrategy = "Close Position"

	accountType = "Paper Trading"
	modePaper   = "paper_trading"
)

var hundred = decimal.NewFromInt(100)

// PriceSource marks positions to market.
type PriceSource interface {
	GetPrice(ctx context.Context, symbol, exchange string) (decimal.Decimal, bool)
}

// PaperService simulates a brokerage for one user on top of the ledger and
// the matching engine.
type PaperService struct {
	userID string
	broker string
	ledger *ledger.Ledger
	engine *engine.Engine
	prices PriceSource
}

// NewPaperService creates the service and opens the user's paper account if
// it does not exist yet.
func NewPaperService(ctx context.Context, userID, broker string, l *ledger.Ledger, e *engine.Engine, prices PriceSource) (*PaperService, error) {
	if _, err := l.OpenAccount(ctx, userID); err != nil {
		return nil, err
	}
	slog.Info("paper trading service initialized", "user_id", userID, "broker", broker)
	return &PaperService{userID: userID, broker: broker, ledger: l, engine: e, prices: prices}, nil
}

// UserID returns the user this service trades for.
func (s *PaperService) UserID() string { return s.userID }

func (s *PaperService) store() store.Store { return s.ledger.Store() }

// PlaceOrder persists the order as PENDING and attempts it immediately. The
// order ID is returned whether or not the order filled.
func (s *PaperService) PlaceOrder(ctx context.Context, _ string, req model.OrderRequest) Result {
	if res, ok := validate(&req); !ok {
		return res
	}
	switch req.PriceType {
	case model.PriceTypeLimit:
		if req.Price == nil {
			return failure(http.StatusBadRequest, engine.ReasonLimitMissingPrice)
		}
	case model.PriceTypeSL, model.PriceTypeSLM:
		if req.TriggerPrice == nil {
			return failure(http.StatusBadRequest, engine.ReasonStopMissingTrigger)
		}
	}

	if _, err := s.ledger.OpenAccount(ctx, s.userID); err != nil {
		slog.Error("paper order failed", "user_id", s.userID, "err", err)
		return failure(http.StatusInternalServerError, "Failed to place order: %v", err)
	}

	strategy := req.Strategy
	if strategy == "" {
		strategy = DefaultStrategy
	}
	order := &model.Order{
		OrderID:           model.NewOrderID(),
		UserID:            s.userID,
		Symbol:            req.Symbol,
		Exchange:          req.Exchange,
		Action:            req.Action,
		Product:           req.Product,
		PriceType:         req.PriceType,
		Quantity:          req.Quantity,
		Price:             req.Price,
		TriggerPrice:      req.TriggerPrice,
		DisclosedQuantity: req.DisclosedQuantity,
		Strategy:          strategy,
	}
	if err := s.ledger.Submit(ctx, order); err != nil {
		slog.Error("paper order failed", "user_id", s.userID, "err", err)
		return failure(http.StatusInternalServerError, "Failed to place order: %v", err)
	}
	metrics.OrdersPlaced.WithLabelValues(string(order.PriceType)).Inc()

	s.engine.ProcessOrder(ctx, order)

	slog.Info("paper order placed",
		"order_id", order.OrderID,
		"user_id", s.userID,
		"symbol", order.Symbol,
		"action", order.Action,
		"price_type", order.PriceType,
		"qty", order.Quantity,
	)
	return Result{
		OK:      true,
		Code:    http.StatusOK,
		Status:  statusSuccess,
		OrderID: order.OrderID,
		Message: "Paper trading order placed successfully",
	}
}

// ModifyOrder is not supported for simulated orders.
func (s *PaperService) ModifyOrder(_ context.Context, _, _ string, _ model.OrderRequest) Result {
	return failure(http.StatusNotImplemented, "Order modification not supported in paper trading mode")
}

// CancelOrder cancels one of the user's PENDING orders.
func (s *PaperService) CancelOrder(ctx context.Context, _, orderID string) Result {
	order, err := s.store().GetOrder(ctx, orderID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return failure(http.StatusNotFound, "Order %s not found or cannot be cancelled", orderID)
	case err != nil:
		return failure(http.StatusInternalServerError, "Failed to cancel order: %v", err)
	case order.UserID != s.userID:
		return failure(http.StatusNotFound, "Order %s not found or cannot be cancelled", orderID)
	}

	if !s.engine.CancelOrder(ctx, orderID) {
		return failure(http.StatusNotFound, "Order %s not found or cannot be cancelled", orderID)
	}
	res := successMsg(fmt.Sprintf("Order %s cancelled successfully", orderID))
	res.OrderID = orderID
	return res
}

// CancelAllOrders cancels every PENDING order of the user. Orders the
// engine handles concurrently are skipped.
func (s *PaperService) CancelAllOrders(ctx context.Context, _ string) Result {
	pending, err := s.store().ListOrders(ctx, s.userID, model.StatusPending)
	if err != nil {
		return failure(http.StatusInternalServerError, "Failed to cancel orders: %v", err)
	}
	if len(pending) == 0 {
		return successMsg("No pending orders to cancel")
	}

	cancelled := 0
	for _, o := range pending {
		if s.engine.CancelOrder(ctx, o.OrderID) {
			cancelled++
		}
	}
	return successMsg(fmt.Sprintf("Cancelled %d orders", cancelled))
}

// GetPositions returns open positions marked to market. A position without
// a current price is valued at its average price with zero P&L.
func (s *PaperService) GetPositions(ctx context.Context, _ string) Result {
	positions, err := s.store().ListPositions(ctx, s.userID)
	if err != nil {
		return failure(http.StatusInternalServerError, "Failed to get positions: %v", err)
	}
	views, total := s.markToMarket(ctx, positions)
	res := success(views)
	res.TotalPnL = &total
	return res
}

func (s *PaperService) markToMarket(ctx context.Context, positions []model.Position) ([]PositionView, decimal.Decimal) {
	views := make([]PositionView, 0, len(positions))
	total := decimal.Zero
	for _, p := range positions {
		v := PositionView{
			Symbol:       p.Symbol,
			Exchange:     p.Exchange,
			Product:      p.Product,
			Quantity:     p.Quantity,
			AveragePrice: p.AveragePrice,
			LTP:          p.AveragePrice,
			PnL:          decimal.Zero,
			RealizedPnL:  p.RealizedPnL,
		}
		if ltp, ok := s.prices.GetPrice(ctx, p.Symbol, p.Exchange); ok {
			v.LTP = ltp
			v.PnL = ltp.Sub(p.AveragePrice).Mul(decimal.NewFromInt(p.Quantity))
			total = total.Add(v.PnL)
		}
		views = append(views, v)
	}
	return views, total
}

// GetOpenPosition returns the signed quantity held, 0 when flat.
func (s *PaperService) GetOpenPosition(ctx context.Context, _, symbol, exchange, product string) Result {
	pos, err := s.store().GetPosition(ctx, s.key(symbol, exchange, product))
	if errors.Is(err, store.ErrNotFound) {
		return success(OpenPosition{})
	}
	if err != nil {
		return failure(http.StatusInternalServerError, "Failed to get open position: %v", err)
	}
	return success(OpenPosition{Quantity: pos.Quantity})
}

// ClosePosition places an opposite MARKET order for the full position.
func (s *PaperService) ClosePosition(ctx context.Context, auth, symbol, exchange, product string) Result {
	pos, err := s.store().GetPosition(ctx, s.key(symbol, exchange, product))
	if errors.Is(err, store.ErrNotFound) {
		return failure(http.StatusNotFound, "No open position found")
	}
	if err != nil {
		return failure(http.StatusInternalServerError, "Failed to close position: %v", err)
	}
	return s.PlaceOrder(ctx, auth, closingRequest(pos))
}

func closingRequest(pos *model.Position) model.OrderRequest {
	action, qty := model.ActionSell, pos.Quantity
	if qty < 0 {
		action, qty = model.ActionBuy, -qty
	}
	return model.OrderRequest{
		Symbol:    pos.Symbol,
		Exchange:  pos.Exchange,
		Action:    action,
		Product:   pos.Product,
		PriceType: model.PriceTypeMarket,
		Quantity:  qty,
		Strategy:  CloseStrategy,
	}
}

// CloseAllPositions closes every open position. A close counts as failed
// when its order did not fill.
func (s *PaperService) CloseAllPositions(ctx context.Context, auth string) Result {
	positions, err := s.store().ListPositions(ctx, s.userID)
	if err != nil {
		return failure(http.StatusInternalServerError, "Failed to close positions: %v", err)
	}
	if len(positions) == 0 {
		return successMsg("No open positions to close")
	}

	closed, failed := 0, 0
	for _, p := range positions {
		res := s.PlaceOrder(ctx, auth, closingRequest(&p))
		if res.OK && s.filled(ctx, res.OrderID) {
			closed++
		} else {
			failed++
		}
	}
	return successMsg(fmt.Sprintf("Closed %d positions, %d failed", closed, failed))
}

func (s *PaperService) filled(ctx context.Context, orderID string) bool {
	o, err := s.store().GetOrder(ctx, orderID)
	return err == nil && o.Status == model.StatusFilled
}

// GetOpenOrders returns the user's PENDING orders, newest first.
func (s *PaperService) GetOpenOrders(ctx context.Context, _ string) Result {
	orders, err := s.store().ListOrders(ctx, s.userID, model.StatusPending)
	if err != nil {
		return failure(http.StatusInternalServerError, "Failed to get open orders: %v", err)
	}
	return success(nonNil(orders))
}

// GetOrderHistory returns every order of the user, newest first.
func (s *PaperService) GetOrderHistory(ctx context.Context, _ string) Result {
	orders, err := s.store().ListOrders(ctx, s.userID, "")
	if err != nil {
		return failure(http.StatusInternalServerError, "Failed to get order history: %v", err)
	}
	return success(nonNil(orders))
}

// GetTradeHistory returns the user's executions, newest first.
func (s *PaperService) GetTradeHistory(ctx context.Context, _ string) Result {
	trades, err := s.store().ListTrades(ctx, s.userID)
	if err != nil {
		return failure(http.StatusInternalServerError, "Failed to get trade history: %v", err)
	}
	return success(nonNil(trades))
}

// GetAccountBalance reports funds. Position value is the cost of long
// positions at their average price.
func (s *PaperService) GetAccountBalance(ctx context.Context, _ string) Result {
	acct, err := s.ledger.OpenAccount(ctx, s.userID)
	if err != nil {
		return failure(http.StatusInternalServerError, "Failed to get account balance: %v", err)
	}
	positions, err := s.store().ListPositions(ctx, s.userID)
	if err != nil {
		return failure(http.StatusInternalServerError, "Failed to get account balance: %v", err)
	}

	value := decimal.Zero
	for _, p := range positions {
		if p.Quantity > 0 {
			value = value.Add(p.AveragePrice.Mul(decimal.NewFromInt(p.Quantity)))
		}
	}
	return success(Balance{
		InitialBalance: acct.InitialBalance,
		CurrentBalance: acct.CurrentBalance,
		UsedBalance:    acct.InitialBalance.Sub(acct.CurrentBalance),
		PositionValue:  value,
		Currency:       acct.Currency,
		AccountType:    accountType,
	})
}

// GetHoldings is always empty: paper positions are never delivered.
func (s *PaperService) GetHoldings(_ context.Context, _ string) Result {
	res := success([]any{})
	res.Message = "No holdings in paper trading mode"
	return res
}

// ResetAccount restores the initial balance and deletes the user's orders,
// positions and trades.
func (s *PaperService) ResetAccount(ctx context.Context, _ string) Result {
	if _, err := s.ledger.Reset(ctx, s.userID); err != nil {
		slog.Error("paper account reset failed", "user_id", s.userID, "err", err)
		return failure(http.StatusInternalServerError, "Failed to reset account: %v", err)
	}
	return successMsg("Paper trading account reset successfully")
}

// Statistics summarizes a user's paper trading activity.
type Statistics struct {
	Account *model.Account `json:"account"`
	model.OrderCounts
	ActivePositions      int             `json:"active_positions"`
	TotalTrades          int             `json:"total_trades"`
	TotalRealizedPnL     decimal.Decimal `json:"total_realized_pnl"`
	UnrealizedPnL        decimal.Decimal `json:"unrealized_pnl"`
	ProfitLossPercentage decimal.Decimal `json:"profit_loss_percentage"`
	Engine               engine.Stats    `json:"engine_statistics"`
	Mode                 string          `json:"mode"`
}

// GetTradingStatistics combines account, order, trade and position figures
// with the engine's statistics. Realized P&L is summed over trades so it
// survives positions being closed.
func (s *PaperService) GetTradingStatistics(ctx context.Context, _ string) Result {
	stats, err := s.statistics(ctx)
	if err != nil {
		slog.Error("trading statistics failed", "user_id", s.userID, "err", err)
		return failure(http.StatusInternalServerError, "Failed to get statistics: %v", err)
	}
	return success(stats)
}

func (s *PaperService) statistics(ctx context.Context) (*Statistics, error) {
	acct, err := s.ledger.OpenAccount(ctx, s.userID)
	if err != nil {
		return nil, err
	}
	counts, err := s.store().CountOrders(ctx, s.userID)
	if err != nil {
		return nil, err
	}
	positions, err := s.store().ListPositions(ctx, s.userID)
	if err != nil {
		return nil, err
	}
	trades, err := s.store().ListTrades(ctx, s.userID)
	if err != nil {
		return nil, err
	}
	engineStats, err := s.engine.Stats(ctx)
	if err != nil {
		return nil, err
	}

	realized := decimal.Zero
	for _, t := range trades {
		realized = realized.Add(t.RealizedPnL)
	}
	_, unrealized := s.markToMarket(ctx, positions)

	pct := decimal.Zero
	if acct.InitialBalance.IsPositive() {
		pct = acct.CurrentBalance.Sub(acct.InitialBalance).Div(acct.InitialBalance).Mul(hundred).Round(2)
	}

	return &Statistics{
		Account:              acct,
		OrderCounts:          counts,
		ActivePositions:      len(positions),
		TotalTrades:          len(trades),
		TotalRealizedPnL:     realized,
		UnrealizedPnL:        unrealized,
		ProfitLossPercentage: pct,
		Engine:               engineStats,
		Mode:                 modePaper,
	}, nil
}

func (s *PaperService) key(symbol, exchange, product string) model.PositionKey {
	r := model.OrderRequest{Symbol: symbol, Exchange: exchange, Product: product}
	r.Normalize()
	return model.PositionKey{UserID: s.userID, Symbol: r.Symbol, Exchange: r.Exchange, Product: r.Product}
}

func nonNil[T any](rows []T) []T {
	if rows == nil {
		return []T{}
	}
	return rows
}

// Package ledger is the single write path for account balances, positions,
// orders and trades. A fill is applied through one atomic store operation:
// the order is marked FILLED, a trade is recorded, the position is upserted
// or deleted and the balance is debited or credited, all or nothing.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/paper-engine/internal/metrics"
	"github.com/atmx/paper-engine/internal/model"
	"github.com/atmx/paper-engine/internal/position"
	"github.com/atmx/paper-engine/internal/store"
)

// ReasonInsufficientFunds is recorded on a BUY rejected for lack of cash.
const ReasonInsufficientFunds = "Insufficient funds"

// Outcome of a fill attempt.
type Outcome int

const (
	// Filled means all four fill effects were committed.
	Filled Outcome = iota
	// Rejected means the order moved to REJECTED and nothing else changed.
	Rejected
	// NotPending means the order had already left PENDING (lost a race).
	NotPending
)

func (o Outcome) String() string {
	switch o {
	case Filled:
		return "filled"
	case Rejected:
		return "rejected"
	case NotPending:
		return "not_pending"
	}
	return "unknown"
}

// FillResult describes what ApplyFill did.
type FillResult struct {
	Outcome Outcome
	Trade   *model.Trade
	Reason  string
}

// Defaults configures lazily created accounts.
type Defaults struct {
	Balance  decimal.Decimal
	Currency string
}

// Ledger applies fills, rejections and cancellations against a Store.
type Ledger struct {
	store    store.Store
	defaults Defaults
	now      func() time.Time
}

// New creates a Ledger.
func New(s store.Store, defaults Defaults) *Ledger {
	return &Ledger{
		store:    s,
		defaults: defaults,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Store exposes the underlying store for read-only queries.
func (l *Ledger) Store() store.Store { return l.store }

// OpenAccount returns the user's account, creating it with the configured
// defaults on first access. A concurrent creation by another caller is
// tolerated.
func (l *Ledger) OpenAccount(ctx context.Context, userID string) (*model.Account, error) {
	acct, err := l.store.GetAccount(ctx, userID)
	if err == nil {
		return acct, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	now := l.now()
	acct = &model.Account{
		UserID:         userID,
		InitialBalance: l.defaults.Balance,
		CurrentBalance: l.defaults.Balance,
		Currency:       l.defaults.Currency,
		IsActive:       true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	err = l.store.CreateAccount(ctx, acct)
	if errors.Is(err, store.ErrAccountExists) {
		return l.store.GetAccount(ctx, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("open account %s: %w", userID, err)
	}
	slog.Info("paper account created", "user_id", userID,
		"balance", acct.InitialBalance.String(), "currency", acct.Currency)
	return acct, nil
}

// Submit persists a new order as PENDING.
func (l *Ledger) Submit(ctx context.Context, order *model.Order) error {
	order.Status = model.StatusPending
	if order.OrderTime.IsZero() {
		order.OrderTime = l.now()
	}
	if err := l.store.CreateOrder(ctx, order); err != nil {
		return fmt.Errorf("submit order %s: %w", order.OrderID, err)
	}
	return nil
}

// ApplyFill fills order in full at price. For a BUY the account must hold at
// least price × qty, otherwise the order is rejected with
// ReasonInsufficientFunds and nothing else changes. An unexpected store error
// rolls the fill back and rejects the order with the error as its reason.
func (l *Ledger) ApplyFill(ctx context.Context, order *model.Order, price decimal.Decimal, qty int64) FillResult {
	start := time.Now()
	// Stored prices and balances keep PriceScale places.
	price = price.Round(position.PriceScale)
	fill := &model.Fill{
		OrderID:  order.OrderID,
		TradeID:  model.NewTradeID(),
		Price:    price,
		Quantity: qty,
		At:       l.now(),
	}

	trade, err := l.store.ApplyFill(ctx, fill)
	switch {
	case err == nil:
		metrics.FillLatency.WithLabelValues(string(order.Action)).Observe(time.Since(start).Seconds())
		metrics.FillVolume.WithLabelValues(order.Symbol, string(order.Action)).Add(float64(qty))
		metrics.OrderTransitions.WithLabelValues(string(model.StatusFilled)).Inc()
		slog.Info("order filled",
			"order_id", order.OrderID,
			"user_id", order.UserID,
			"symbol", order.Symbol,
			"action", order.Action,
			"quantity", qty,
			"price", price.String(),
			"trade_id", trade.TradeID,
		)
		return FillResult{Outcome: Filled, Trade: trade}

	case errors.Is(err, store.ErrOrderNotPending):
		return FillResult{Outcome: NotPending}

	case errors.Is(err, store.ErrInsufficientFunds):
		return l.reject(ctx, order.OrderID, ReasonInsufficientFunds)

	default:
		slog.Error("fill failed, rolled back", "order_id", order.OrderID, "err", err)
		return l.reject(ctx, order.OrderID, "Fill error: "+err.Error())
	}
}

func (l *Ledger) reject(ctx context.Context, orderID, reason string) FillResult {
	if err := l.Reject(ctx, orderID, reason); err != nil {
		if errors.Is(err, store.ErrOrderNotPending) {
			return FillResult{Outcome: NotPending}
		}
		slog.Error("reject failed", "order_id", orderID, "reason", reason, "err", err)
	}
	return FillResult{Outcome: Rejected, Reason: reason}
}

// Reject marks a PENDING order REJECTED with reason. No other state changes.
func (l *Ledger) Reject(ctx context.Context, orderID, reason string) error {
	if err := l.store.RejectOrder(ctx, orderID, reason); err != nil {
		return err
	}
	metrics.OrderTransitions.WithLabelValues(string(model.StatusRejected)).Inc()
	slog.Warn("order rejected", "order_id", orderID, "reason", reason)
	return nil
}

// Cancel moves a PENDING order to CANCELLED. It fails with
// store.ErrOrderNotPending if the order already reached a terminal state.
func (l *Ledger) Cancel(ctx context.Context, orderID string) (*model.Order, error) {
	order, err := l.store.CancelOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	metrics.OrderTransitions.WithLabelValues(string(model.StatusCancelled)).Inc()
	slog.Info("order cancelled", "order_id", orderID, "user_id", order.UserID)
	return order, nil
}

// Reset restores the user's balance to its initial value and deletes every
// order, position and trade. The account is created first if missing.
func (l *Ledger) Reset(ctx context.Context, userID string) (*model.Account, error) {
	if _, err := l.OpenAccount(ctx, userID); err != nil {
		return nil, err
	}
	if err := l.store.ResetAccount(ctx, userID); err != nil {
		return nil, fmt.Errorf("reset account %s: %w", userID, err)
	}
	slog.Info("paper account reset", "user_id", userID)
	return l.store.GetAccount(ctx, userID)
}

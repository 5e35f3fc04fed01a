package store

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/paper-engine/internal/model"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func seedAccount(t *testing.T, s *MemoryStore, userID, balance string) {
	t.Helper()
	now := time.Now().UTC()
	require.NoError(t, s.CreateAccount(context.Background(), &model.Account{
		UserID:         userID,
		InitialBalance: d(balance),
		CurrentBalance: d(balance),
		Currency:       "INR",
		IsActive:       true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}))
}

func seedOrder(t *testing.T, s *MemoryStore, userID string, action model.Action, qty int64) *model.Order {
	t.Helper()
	o := &model.Order{
		OrderID:   model.NewOrderID(),
		UserID:    userID,
		Symbol:    "RELIANCE",
		Exchange:  "NSE",
		Action:    action,
		Product:   "MIS",
		PriceType: model.PriceTypeMarket,
		Quantity:  qty,
		Status:    model.StatusPending,
		OrderTime: time.Now().UTC(),
	}
	require.NoError(t, s.CreateOrder(context.Background(), o))
	return o
}

func fillAt(o *model.Order, price string) *model.Fill {
	return &model.Fill{
		OrderID:  o.OrderID,
		TradeID:  model.NewTradeID(),
		Price:    d(price),
		Quantity: o.Quantity,
		At:       time.Now().UTC(),
	}
}

func TestMemoryStore_CreateAccountDuplicate(t *testing.T) {
	s := NewMemoryStore()
	seedAccount(t, s, "u1", "1000")

	err := s.CreateAccount(context.Background(), &model.Account{UserID: "u1"})
	assert.ErrorIs(t, err, ErrAccountExists)
}

func TestMemoryStore_ApplyFillBuy(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedAccount(t, s, "u1", "50000")
	o := seedOrder(t, s, "u1", model.ActionBuy, 10)

	trade, err := s.ApplyFill(ctx, fillAt(o, "2450.50"))
	require.NoError(t, err)
	assert.True(t, trade.TradeValue.Equal(d("24505.00")))
	assert.True(t, trade.NetValue.Equal(trade.TradeValue))

	acct, _ := s.GetAccount(ctx, "u1")
	assert.True(t, acct.CurrentBalance.Equal(d("25495.00")), "balance %s", acct.CurrentBalance)

	got, _ := s.GetOrder(ctx, o.OrderID)
	assert.Equal(t, model.StatusFilled, got.Status)
	assert.Equal(t, int64(10), got.FilledQuantity)
	require.NotNil(t, got.AveragePrice)
	assert.True(t, got.AveragePrice.Equal(d("2450.50")))
	assert.NotNil(t, got.FilledTime)

	pos, err := s.GetPosition(ctx, o.Key())
	require.NoError(t, err)
	assert.Equal(t, int64(10), pos.Quantity)
}

func TestMemoryStore_ApplyFillInsufficientFundsWritesNothing(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedAccount(t, s, "u1", "1000")
	o := seedOrder(t, s, "u1", model.ActionBuy, 100)

	_, err := s.ApplyFill(ctx, fillAt(o, "50"))
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	acct, _ := s.GetAccount(ctx, "u1")
	assert.True(t, acct.CurrentBalance.Equal(d("1000")))

	got, _ := s.GetOrder(ctx, o.OrderID)
	assert.Equal(t, model.StatusPending, got.Status)

	trades, _ := s.ListTrades(ctx, "u1")
	assert.Empty(t, trades)

	_, err = s.GetPosition(ctx, o.Key())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_ApplyFillTwiceFails(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedAccount(t, s, "u1", "50000")
	o := seedOrder(t, s, "u1", model.ActionBuy, 1)

	_, err := s.ApplyFill(ctx, fillAt(o, "100"))
	require.NoError(t, err)
	_, err = s.ApplyFill(ctx, fillAt(o, "100"))
	assert.ErrorIs(t, err, ErrOrderNotPending)

	trades, _ := s.ListTrades(ctx, "u1")
	assert.Len(t, trades, 1)
}

func TestMemoryStore_SellToFlatDeletesPosition(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedAccount(t, s, "u1", "50000")

	buy := seedOrder(t, s, "u1", model.ActionBuy, 10)
	_, err := s.ApplyFill(ctx, fillAt(buy, "100"))
	require.NoError(t, err)

	sell := seedOrder(t, s, "u1", model.ActionSell, 10)
	trade, err := s.ApplyFill(ctx, fillAt(sell, "110"))
	require.NoError(t, err)
	assert.True(t, trade.RealizedPnL.Equal(d("100")))

	positions, _ := s.ListPositions(ctx, "u1")
	assert.Empty(t, positions, "zero-quantity position must not persist")

	acct, _ := s.GetAccount(ctx, "u1")
	assert.True(t, acct.CurrentBalance.Equal(d("50100")))
}

func TestMemoryStore_ShortSellCreditsBalance(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedAccount(t, s, "u1", "1000")
	o := seedOrder(t, s, "u1", model.ActionSell, 10)

	_, err := s.ApplyFill(ctx, fillAt(o, "500"))
	require.NoError(t, err)

	acct, _ := s.GetAccount(ctx, "u1")
	assert.True(t, acct.CurrentBalance.Equal(d("6000")))
	pos, _ := s.GetPosition(ctx, o.Key())
	assert.Equal(t, int64(-10), pos.Quantity)
}

func TestMemoryStore_CancelIsCompareAndSet(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedAccount(t, s, "u1", "1000")
	o := seedOrder(t, s, "u1", model.ActionBuy, 1)

	got, err := s.CancelOrder(ctx, o.OrderID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, got.Status)
	assert.NotNil(t, got.CancelledTime)

	_, err = s.CancelOrder(ctx, o.OrderID)
	assert.ErrorIs(t, err, ErrOrderNotPending)

	assert.ErrorIs(t, s.RejectOrder(ctx, o.OrderID, "late"), ErrOrderNotPending)

	_, err = s.CancelOrder(ctx, "PTMISSING")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_ListOrdersNewestFirstAndFiltered(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedAccount(t, s, "u1", "1000")
	first := seedOrder(t, s, "u1", model.ActionBuy, 1)
	second := seedOrder(t, s, "u1", model.ActionBuy, 2)
	require.NoError(t, s.RejectOrder(ctx, first.OrderID, "Insufficient funds"))

	all, _ := s.ListOrders(ctx, "u1", "")
	require.Len(t, all, 2)
	assert.Equal(t, second.OrderID, all[0].OrderID)

	pending, _ := s.ListOrders(ctx, "u1", model.StatusPending)
	require.Len(t, pending, 1)
	assert.Equal(t, second.OrderID, pending[0].OrderID)

	counts, _ := s.CountOrders(ctx, "")
	assert.Equal(t, 2, counts.Total)
	assert.Equal(t, 1, counts.Rejected)
}

func TestMemoryStore_ResetAccount(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedAccount(t, s, "u1", "5000")
	seedAccount(t, s, "u2", "5000")

	o := seedOrder(t, s, "u1", model.ActionBuy, 10)
	_, err := s.ApplyFill(ctx, fillAt(o, "100"))
	require.NoError(t, err)
	other := seedOrder(t, s, "u2", model.ActionBuy, 1)

	require.NoError(t, s.ResetAccount(ctx, "u1"))

	acct, _ := s.GetAccount(ctx, "u1")
	assert.True(t, acct.CurrentBalance.Equal(d("5000")))
	orders, _ := s.ListOrders(ctx, "u1", "")
	assert.Empty(t, orders)
	positions, _ := s.ListPositions(ctx, "u1")
	assert.Empty(t, positions)
	trades, _ := s.ListTrades(ctx, "u1")
	assert.Empty(t, trades)

	_, err = s.GetOrder(ctx, other.OrderID)
	assert.NoError(t, err, "other users' orders survive a reset")

	assert.ErrorIs(t, s.ResetAccount(ctx, "nobody"), ErrNotFound)
}

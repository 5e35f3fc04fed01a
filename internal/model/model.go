// Package model defines the core domain types shared across the paper
// trading engine. All monetary values use shopspring/decimal, never float64
// for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Action is the order direction.
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
)

// Valid reports whether a is BUY or SELL.
func (a Action) Valid() bool {
	return a == ActionBuy || a == ActionSell
}

// Opposite returns the action that closes exposure opened by a.
func (a Action) Opposite() Action {
	if a == ActionBuy {
		return ActionSell
	}
	return ActionBuy
}

// PriceType distinguishes execution semantics.
type PriceType string

const (
	PriceTypeMarket PriceType = "MARKET"
	PriceTypeLimit  PriceType = "LIMIT"
	PriceTypeSL     PriceType = "SL"  // stop-limit
	PriceTypeSLM    PriceType = "SLM" // stop-market
)

// OrderStatus is the order lifecycle state. PENDING is the only
// non-terminal state.
type OrderStatus string

const (
	StatusPending   OrderStatus = "PENDING"
	StatusFilled    OrderStatus = "FILLED"
	StatusCancelled OrderStatus = "CANCELLED"
	StatusRejected  OrderStatus = "REJECTED"
)

// Terminal reports whether no further transitions are allowed.
func (s OrderStatus) Terminal() bool {
	return s == StatusFilled || s == StatusCancelled || s == StatusRejected
}

// Account is a user's simulated cash account. CurrentBalance is only
// mutated by a fill.
type Account struct {
	UserID         string          `json:"user_id" db:"user_id"`
	InitialBalance decimal.Decimal `json:"initial_balance" db:"initial_balance"`
	CurrentBalance decimal.Decimal `json:"current_balance" db:"current_balance"`
	Currency       string          `json:"currency" db:"currency"`
	IsActive       bool            `json:"is_active" db:"is_active"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at" db:"updated_at"`
}

// Order is a submitted trading instruction.
type Order struct {
	OrderID           string           `json:"order_id" db:"order_id"`
	UserID            string           `json:"user_id" db:"user_id"`
	Symbol            string           `json:"symbol" db:"symbol"`
	Exchange          string           `json:"exchange" db:"exchange"`
	Action            Action           `json:"action" db:"action"`
	Product           string           `json:"product" db:"product"` // MIS/CNC/NRML
	PriceType         PriceType        `json:"price_type" db:"price_type"`
	Quantity          int64            `json:"quantity" db:"quantity"`
	Price             *decimal.Decimal `json:"price,omitempty" db:"price"`
	TriggerPrice      *decimal.Decimal `json:"trigger_price,omitempty" db:"trigger_price"`
	DisclosedQuantity int64            `json:"disclosed_quantity" db:"disclosed_quantity"`
	Status            OrderStatus      `json:"status" db:"status"`
	FilledQuantity    int64            `json:"filled_quantity" db:"filled_quantity"`
	AveragePrice      *decimal.Decimal `json:"average_price,omitempty" db:"average_price"`
	OrderTime         time.Time        `json:"order_timestamp" db:"order_timestamp"`
	FilledTime        *time.Time       `json:"filled_timestamp,omitempty" db:"filled_timestamp"`
	CancelledTime     *time.Time       `json:"cancelled_timestamp,omitempty" db:"cancelled_timestamp"`
	RejectionReason   string           `json:"rejection_reason,omitempty" db:"rejection_reason"`
	Strategy          string           `json:"strategy,omitempty" db:"strategy"`
}

// PositionKey identifies a position row.
type PositionKey struct {
	UserID   string
	Symbol   string
	Exchange string
	Product  string
}

// Key returns the position key an order fills into.
func (o *Order) Key() PositionKey {
	return PositionKey{UserID: o.UserID, Symbol: o.Symbol, Exchange: o.Exchange, Product: o.Product}
}

// Position is a user's net holding for one (symbol, exchange, product).
// Quantity is signed: positive = long, negative = short. A row with zero
// quantity is never persisted.
type Position struct {
	UserID       string          `json:"user_id" db:"user_id"`
	Symbol       string          `json:"symbol" db:"symbol"`
	Exchange     string          `json:"exchange" db:"exchange"`
	Product      string          `json:"product" db:"product"`
	Quantity     int64           `json:"quantity" db:"quantity"`
	AveragePrice decimal.Decimal `json:"average_price" db:"average_price"`
	RealizedPnL  decimal.Decimal `json:"realized_pnl" db:"realized_pnl"`
	UpdatedAt    time.Time       `json:"updated_at" db:"updated_at"`
}

// Key returns the position's identity.
func (p *Position) Key() PositionKey {
	return PositionKey{UserID: p.UserID, Symbol: p.Symbol, Exchange: p.Exchange, Product: p.Product}
}

// Trade is an immutable execution record, created once per fill.
type Trade struct {
	TradeID     string          `json:"trade_id" db:"trade_id"`
	OrderID     string          `json:"order_id" db:"order_id"`
	UserID      string          `json:"user_id" db:"user_id"`
	Symbol      string          `json:"symbol" db:"symbol"`
	Exchange    string          `json:"exchange" db:"exchange"`
	Action      Action          `json:"action" db:"action"`
	Product     string          `json:"product" db:"product"`
	Quantity    int64           `json:"quantity" db:"quantity"`
	Price       decimal.Decimal `json:"price" db:"price"`
	TradeValue  decimal.Decimal `json:"trade_value" db:"trade_value"` // price × quantity
	Brokerage   decimal.Decimal `json:"brokerage" db:"brokerage"`
	Taxes       decimal.Decimal `json:"taxes" db:"taxes"`
	NetValue    decimal.Decimal `json:"net_value" db:"net_value"`
	RealizedPnL decimal.Decimal `json:"realized_pnl" db:"realized_pnl"`
	Timestamp   time.Time       `json:"trade_timestamp" db:"trade_timestamp"`
}

// Fill is a request to execute a pending order in full at Price.
type Fill struct {
	OrderID  string
	TradeID  string
	Price    decimal.Decimal
	Quantity int64
	At       time.Time
}

// Value returns price × quantity.
func (f *Fill) Value() decimal.Decimal {
	return f.Price.Mul(decimal.NewFromInt(f.Quantity))
}

// OrderCounts summarizes orders by status.
type OrderCounts struct {
	Total     int `json:"total_orders"`
	Pending   int `json:"pending_orders"`
	Filled    int `json:"filled_orders"`
	Cancelled int `json:"cancelled_orders"`
	Rejected  int `json:"rejected_orders"`
}

// Add counts one order with the given status.
func (c *OrderCounts) Add(s OrderStatus) {
	c.Total++
	switch s {
	case StatusPending:
		c.Pending++
	case StatusFilled:
		c.Filled++
	case StatusCancelled:
		c.Cancelled++
	case StatusRejected:
		c.Rejected++
	}
}

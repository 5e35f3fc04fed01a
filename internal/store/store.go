// Package store defines the persistence interface for the paper trading
// engine. Implementations include PostgreSQL (source of truth), Redis
// (read-through cache) and in-memory (for testing and development).
package store

import (
	"context"
	"errors"

	"github.com/atmx/paper-engine/internal/model"
)

var (
	// ErrNotFound is returned when an account, order or position does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrAccountExists is returned by CreateAccount for a duplicate user.
	ErrAccountExists = errors.New("store: account already exists")

	// ErrOrderNotPending is returned when a transition requires a PENDING
	// order and the order has already reached a terminal state.
	ErrOrderNotPending = errors.New("store: order is not pending")

	// ErrInsufficientFunds is returned by ApplyFill when a BUY costs more
	// than the account's current balance. Nothing is written.
	ErrInsufficientFunds = errors.New("store: insufficient funds")

	// ErrBadNumeric is returned when a stored NUMERIC value does not parse
	// as a decimal.
	ErrBadNumeric = errors.New("store: invalid numeric value")
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Accounts ---

	// CreateAccount persists a new account. Returns ErrAccountExists if the
	// user already has one.
	CreateAccount(ctx context.Context, acct *model.Account) error

	// GetAccount retrieves a user's account.
	GetAccount(ctx context.Context, userID string) (*model.Account, error)

	// ResetAccount restores current_balance to initial_balance and deletes
	// the user's orders, positions and trades.
	ResetAccount(ctx context.Context, userID string) error

	// --- Orders ---

	// CreateOrder persists a new PENDING order.
	CreateOrder(ctx context.Context, order *model.Order) error

	// GetOrder retrieves an order by ID.
	GetOrder(ctx context.Context, orderID string) (*model.Order, error)

	// ListOrders returns a user's orders, newest first. An empty status
	// matches every status.
	ListOrders(ctx context.Context, userID string, status model.OrderStatus) ([]model.Order, error)

	// ListPendingOrders returns every PENDING order across users. No
	// ordering is guaranteed.
	ListPendingOrders(ctx context.Context) ([]model.Order, error)

	// CountOrders counts orders by status. An empty userID counts all users.
	CountOrders(ctx context.Context, userID string) (model.OrderCounts, error)

	// CancelOrder moves a PENDING order to CANCELLED (compare-and-set).
	CancelOrder(ctx context.Context, orderID string) (*model.Order, error)

	// RejectOrder moves a PENDING order to REJECTED with a reason
	// (compare-and-set).
	RejectOrder(ctx context.Context, orderID, reason string) error

	// --- Fills ---

	// ApplyFill atomically marks a PENDING order FILLED, inserts the trade,
	// upserts or deletes the position and debits or credits the account.
	// Either all four effects are visible or none.
	ApplyFill(ctx context.Context, fill *model.Fill) (*model.Trade, error)

	// --- Positions and trades ---

	// GetPosition retrieves one open position.
	GetPosition(ctx context.Context, key model.PositionKey) (*model.Position, error)

	// ListPositions returns a user's open positions.
	ListPositions(ctx context.Context, userID string) ([]model.Position, error)

	// ListTrades returns a user's trades, newest first.
	ListTrades(ctx context.Context, userID string) ([]model.Trade, error)
}

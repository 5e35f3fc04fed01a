package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/paper-engine/internal/model"
	"github.com/atmx/paper-engine/internal/position"
)

//go:embed schema.sql
var schema string

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the paper trading tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// --- Accounts ---

func (s *PostgresStore) CreateAccount(ctx context.Context, a *model.Account) error {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO paper_accounts (user_id, initial_balance, current_balance, currency, is_active, created_at, updated_at)
		 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4, $5, $6, $7)
		 ON CONFLICT (user_id) DO NOTHING`,
		a.UserID, a.InitialBalance.String(), a.CurrentBalance.String(),
		a.Currency, a.IsActive, a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create account %s: %w", a.UserID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("account %s: %w", a.UserID, ErrAccountExists)
	}
	return nil
}

func (s *PostgresStore) GetAccount(ctx context.Context, userID string) (*model.Account, error) {
	var a model.Account
	var initial, current string

	err := s.pool.QueryRow(ctx,
		`SELECT user_id, initial_balance::TEXT, current_balance::TEXT,
		        currency, is_active, created_at, updated_at
		 FROM paper_accounts WHERE user_id = $1`, userID).
		Scan(&a.UserID, &initial, &current, &a.Currency, &a.IsActive, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, notFound(err, "account", userID)
	}

	if err := parseNumerics(
		numeric{initial, &a.InitialBalance},
		numeric{current, &a.CurrentBalance},
	); err != nil {
		return nil, fmt.Errorf("account %s: %w", userID, err)
	}
	return &a, nil
}

func (s *PostgresStore) ResetAccount(ctx context.Context, userID string) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin reset: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE paper_accounts SET current_balance = initial_balance, updated_at = now()
		 WHERE user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("reset balance %s: %w", userID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("account %s: %w", userID, ErrNotFound)
	}

	for _, table := range []string{"paper_trades", "paper_positions", "paper_orders"} {
		if _, err := tx.Exec(ctx, `DELETE FROM `+table+` WHERE user_id = $1`, userID); err != nil {
			return fmt.Errorf("reset %s for %s: %w", table, userID, err)
		}
	}
	return tx.Commit(ctx)
}

// --- Orders ---

const orderColumns = `order_id, user_id, symbol, exchange, action, product, price_type,
	quantity, price::TEXT, trigger_price::TEXT, disclosed_quantity, status,
	filled_quantity, average_price::TEXT, order_timestamp, filled_timestamp,
	cancelled_timestamp, COALESCE(rejection_reason, ''), COALESCE(strategy, '')`

func (s *PostgresStore) CreateOrder(ctx context.Context, o *model.Order) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO paper_orders (order_id, user_id, symbol, exchange, action, product, price_type,
		        quantity, price, trigger_price, disclosed_quantity, status, filled_quantity,
		        order_timestamp, strategy)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::NUMERIC, $10::NUMERIC, $11, $12, $13, $14, $15)`,
		o.OrderID, o.UserID, o.Symbol, o.Exchange, o.Action, o.Product, o.PriceType,
		o.Quantity, decimalArg(o.Price), decimalArg(o.TriggerPrice), o.DisclosedQuantity,
		o.Status, o.FilledQuantity, o.OrderTime, o.Strategy,
	)
	if err != nil {
		return fmt.Errorf("create order %s: %w", o.OrderID, err)
	}
	return nil
}

func (s *PostgresStore) GetOrder(ctx context.Context, orderID string) (*model.Order, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM paper_orders WHERE order_id = $1`, orderID)
	o, err := scanOrder(row)
	if err != nil {
		return nil, notFound(err, "order", orderID)
	}
	return o, nil
}

func (s *PostgresStore) ListOrders(ctx context.Context, userID string, status model.OrderStatus) ([]model.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderColumns+` FROM paper_orders
		 WHERE user_id = $1 AND ($2::TEXT = '' OR status = $2)
		 ORDER BY order_timestamp DESC`, userID, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOrders(rows)
}

func (s *PostgresStore) ListPendingOrders(ctx context.Context) ([]model.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderColumns+` FROM paper_orders WHERE status = 'PENDING'`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOrders(rows)
}

func (s *PostgresStore) CountOrders(ctx context.Context, userID string) (model.OrderCounts, error) {
	var counts model.OrderCounts
	rows, err := s.pool.Query(ctx,
		`SELECT status, COUNT(*) FROM paper_orders
		 WHERE ($1::TEXT = '' OR user_id = $1)
		 GROUP BY status`, userID)
	if err != nil {
		return counts, err
	}
	defer rows.Close()

	for rows.Next() {
		var status model.OrderStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return counts, err
		}
		for i := 0; i < n; i++ {
			counts.Add(status)
		}
	}
	return counts, rows.Err()
}

func (s *PostgresStore) CancelOrder(ctx context.Context, orderID string) (*model.Order, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE paper_orders SET status = 'CANCELLED', cancelled_timestamp = now()
		 WHERE order_id = $1 AND status = 'PENDING'
		 RETURNING `+orderColumns, orderID)
	o, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, s.notPending(ctx, orderID)
	}
	if err != nil {
		return nil, fmt.Errorf("cancel order %s: %w", orderID, err)
	}
	return o, nil
}

func (s *PostgresStore) RejectOrder(ctx context.Context, orderID, reason string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE paper_orders SET status = 'REJECTED', rejection_reason = $2
		 WHERE order_id = $1 AND status = 'PENDING'`, orderID, reason)
	if err != nil {
		return fmt.Errorf("reject order %s: %w", orderID, err)
	}
	if tag.RowsAffected() == 0 {
		return s.notPending(ctx, orderID)
	}
	return nil
}

// notPending distinguishes a missing order from one that already left
// PENDING after a compare-and-set matched no rows.
func (s *PostgresStore) notPending(ctx context.Context, orderID string) error {
	var status model.OrderStatus
	err := s.pool.QueryRow(ctx, `SELECT status FROM paper_orders WHERE order_id = $1`, orderID).Scan(&status)
	if err != nil {
		return notFound(err, "order", orderID)
	}
	return fmt.Errorf("order %s is %s: %w", orderID, status, ErrOrderNotPending)
}

// --- Fills ---

// ApplyFill runs the whole fill in one transaction. Rows are locked in a
// fixed order (order, account, position) so concurrent fills cannot deadlock.
func (s *PostgresStore) ApplyFill(ctx context.Context, fill *model.Fill) (*model.Trade, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin fill: %w", err)
	}
	defer tx.Rollback(ctx)

	o, err := scanOrder(tx.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM paper_orders WHERE order_id = $1 FOR UPDATE`, fill.OrderID))
	if err != nil {
		return nil, notFound(err, "order", fill.OrderID)
	}
	if o.Status != model.StatusPending {
		return nil, fmt.Errorf("order %s is %s: %w", o.OrderID, o.Status, ErrOrderNotPending)
	}

	var balanceS string
	err = tx.QueryRow(ctx,
		`SELECT current_balance::TEXT FROM paper_accounts WHERE user_id = $1 FOR UPDATE`, o.UserID).
		Scan(&balanceS)
	if err != nil {
		return nil, notFound(err, "account", o.UserID)
	}
	var balance decimal.Decimal
	if err := parseNumerics(numeric{balanceS, &balance}); err != nil {
		return nil, fmt.Errorf("account %s: %w", o.UserID, err)
	}

	value := fill.Value()
	if o.Action == model.ActionBuy && balance.LessThan(value) {
		return nil, fmt.Errorf("need %s, have %s: %w", value, balance, ErrInsufficientFunds)
	}

	key := o.Key()
	current, err := getPositionForUpdate(ctx, tx, key)
	if err != nil {
		return nil, err
	}
	res, err := position.Apply(current, o.Action, fill.Price, fill.Quantity)
	if err != nil {
		return nil, fmt.Errorf("apply position for order %s: %w", o.OrderID, err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE paper_orders
		 SET status = 'FILLED', filled_quantity = $2, average_price = $3::NUMERIC, filled_timestamp = $4
		 WHERE order_id = $1`,
		o.OrderID, fill.Quantity, fill.Price.String(), fill.At); err != nil {
		return nil, fmt.Errorf("mark order %s filled: %w", o.OrderID, err)
	}

	trade := &model.Trade{
		TradeID:     fill.TradeID,
		OrderID:     o.OrderID,
		UserID:      o.UserID,
		Symbol:      o.Symbol,
		Exchange:    o.Exchange,
		Action:      o.Action,
		Product:     o.Product,
		Quantity:    fill.Quantity,
		Price:       fill.Price,
		TradeValue:  value,
		Brokerage:   decimal.Zero,
		Taxes:       decimal.Zero,
		NetValue:    value,
		RealizedPnL: res.Realized,
		Timestamp:   fill.At,
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO paper_trades (trade_id, order_id, user_id, symbol, exchange, action, product,
		        quantity, price, trade_value, brokerage, taxes, net_value, realized_pnl, trade_timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::NUMERIC, $10::NUMERIC, $11::NUMERIC, $12::NUMERIC,
		         $13::NUMERIC, $14::NUMERIC, $15)`,
		trade.TradeID, trade.OrderID, trade.UserID, trade.Symbol, trade.Exchange, trade.Action, trade.Product,
		trade.Quantity, trade.Price.String(), trade.TradeValue.String(), trade.Brokerage.String(),
		trade.Taxes.String(), trade.NetValue.String(), trade.RealizedPnL.String(), trade.Timestamp); err != nil {
		return nil, fmt.Errorf("insert trade %s: %w", trade.TradeID, err)
	}

	if res.Closed() {
		_, err = tx.Exec(ctx,
			`DELETE FROM paper_positions
			 WHERE user_id = $1 AND symbol = $2 AND exchange = $3 AND product = $4`,
			key.UserID, key.Symbol, key.Exchange, key.Product)
	} else {
		_, err = tx.Exec(ctx,
			`INSERT INTO paper_positions (user_id, symbol, exchange, product, quantity, average_price, realized_pnl, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8)
			 ON CONFLICT (user_id, symbol, exchange, product) DO UPDATE
			 SET quantity = EXCLUDED.quantity,
			     average_price = EXCLUDED.average_price,
			     realized_pnl = EXCLUDED.realized_pnl,
			     updated_at = EXCLUDED.updated_at`,
			key.UserID, key.Symbol, key.Exchange, key.Product,
			res.Quantity, res.AveragePrice.String(), res.RealizedTotal.String(), fill.At)
	}
	if err != nil {
		return nil, fmt.Errorf("write position: %w", err)
	}

	next := balance.Add(value)
	if o.Action == model.ActionBuy {
		next = balance.Sub(value)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE paper_accounts SET current_balance = $2::NUMERIC, updated_at = $3 WHERE user_id = $1`,
		o.UserID, next.String(), fill.At); err != nil {
		return nil, fmt.Errorf("update balance %s: %w", o.UserID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit fill %s: %w", o.OrderID, err)
	}
	return trade, nil
}

// --- Positions and trades ---

func (s *PostgresStore) GetPosition(ctx context.Context, key model.PositionKey) (*model.Position, error) {
	var p model.Position
	var avg, realized string
	err := s.pool.QueryRow(ctx,
		`SELECT user_id, symbol, exchange, product, quantity, average_price::TEXT, realized_pnl::TEXT, updated_at
		 FROM paper_positions
		 WHERE user_id = $1 AND symbol = $2 AND exchange = $3 AND product = $4`,
		key.UserID, key.Symbol, key.Exchange, key.Product).
		Scan(&p.UserID, &p.Symbol, &p.Exchange, &p.Product, &p.Quantity, &avg, &realized, &p.UpdatedAt)
	if err != nil {
		return nil, notFound(err, "position", key.Symbol)
	}
	if err := parseNumerics(numeric{avg, &p.AveragePrice}, numeric{realized, &p.RealizedPnL}); err != nil {
		return nil, fmt.Errorf("position %s: %w", key.Symbol, err)
	}
	return &p, nil
}

func (s *PostgresStore) ListPositions(ctx context.Context, userID string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, symbol, exchange, product, quantity, average_price::TEXT, realized_pnl::TEXT, updated_at
		 FROM paper_positions WHERE user_id = $1
		 ORDER BY symbol, exchange, product`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		var p model.Position
		var avg, realized string
		if err := rows.Scan(&p.UserID, &p.Symbol, &p.Exchange, &p.Product, &p.Quantity,
			&avg, &realized, &p.UpdatedAt); err != nil {
			return nil, err
		}
		if err := parseNumerics(numeric{avg, &p.AveragePrice}, numeric{realized, &p.RealizedPnL}); err != nil {
			return nil, fmt.Errorf("position %s: %w", p.Symbol, err)
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

func (s *PostgresStore) ListTrades(ctx context.Context, userID string) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT trade_id, order_id, user_id, symbol, exchange, action, product, quantity,
		        price::TEXT, trade_value::TEXT, brokerage::TEXT, taxes::TEXT, net_value::TEXT,
		        realized_pnl::TEXT, trade_timestamp
		 FROM paper_trades WHERE user_id = $1 ORDER BY trade_timestamp DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []model.Trade
	for rows.Next() {
		var t model.Trade
		var price, value, brokerage, taxes, net, realized string
		if err := rows.Scan(&t.TradeID, &t.OrderID, &t.UserID, &t.Symbol, &t.Exchange, &t.Action,
			&t.Product, &t.Quantity, &price, &value, &brokerage, &taxes, &net, &realized,
			&t.Timestamp); err != nil {
			return nil, err
		}
		if err := parseNumerics(
			numeric{price, &t.Price},
			numeric{value, &t.TradeValue},
			numeric{brokerage, &t.Brokerage},
			numeric{taxes, &t.Taxes},
			numeric{net, &t.NetValue},
			numeric{realized, &t.RealizedPnL},
		); err != nil {
			return nil, fmt.Errorf("trade %s: %w", t.TradeID, err)
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// --- Scan helpers ---

func getPositionForUpdate(ctx context.Context, tx pgx.Tx, key model.PositionKey) (*model.Position, error) {
	var p model.Position
	var avg, realized string
	err := tx.QueryRow(ctx,
		`SELECT quantity, average_price::TEXT, realized_pnl::TEXT
		 FROM paper_positions
		 WHERE user_id = $1 AND symbol = $2 AND exchange = $3 AND product = $4
		 FOR UPDATE`,
		key.UserID, key.Symbol, key.Exchange, key.Product).
		Scan(&p.Quantity, &avg, &realized)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lock position %s: %w", key.Symbol, err)
	}
	if err := parseNumerics(numeric{avg, &p.AveragePrice}, numeric{realized, &p.RealizedPnL}); err != nil {
		return nil, fmt.Errorf("lock position %s: %w", key.Symbol, err)
	}
	return &p, nil
}

func scanOrder(row pgx.Row) (*model.Order, error) {
	var o model.Order
	var price, trigger, avg *string
	var filledAt, cancelledAt *time.Time

	if err := row.Scan(&o.OrderID, &o.UserID, &o.Symbol, &o.Exchange, &o.Action, &o.Product,
		&o.PriceType, &o.Quantity, &price, &trigger, &o.DisclosedQuantity, &o.Status,
		&o.FilledQuantity, &avg, &o.OrderTime, &filledAt, &cancelledAt,
		&o.RejectionReason, &o.Strategy); err != nil {
		return nil, err
	}

	var err error
	if o.Price, err = parseDecimal(price); err != nil {
		return nil, err
	}
	if o.TriggerPrice, err = parseDecimal(trigger); err != nil {
		return nil, err
	}
	if o.AveragePrice, err = parseDecimal(avg); err != nil {
		return nil, err
	}
	o.FilledTime = filledAt
	o.CancelledTime = cancelledAt
	return &o, nil
}

func scanOrders(rows pgx.Rows) ([]model.Order, error) {
	var orders []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

// numeric pairs a NUMERIC::TEXT column with its destination.
type numeric struct {
	src string
	dst *decimal.Decimal
}

func parseNumerics(cols ...numeric) error {
	for _, c := range cols {
		v, err := decimal.NewFromString(c.src)
		if err != nil {
			return fmt.Errorf("%w: %q", ErrBadNumeric, c.src)
		}
		*c.dst = v
	}
	return nil
}

// parseDecimal parses a nullable NUMERIC::TEXT column.
func parseDecimal(s *string) (*decimal.Decimal, error) {
	if s == nil {
		return nil, nil
	}
	var v decimal.Decimal
	if err := parseNumerics(numeric{*s, &v}); err != nil {
		return nil, err
	}
	return &v, nil
}

func decimalArg(v *decimal.Decimal) any {
	if v == nil {
		return nil
	}
	return v.String()
}

func notFound(err error, kind, id string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	return fmt.Errorf("get %s %s: %w", kind, id, err)
}

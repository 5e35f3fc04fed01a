// Package engine evaluates pending paper orders against current prices and
// drives them to a terminal state through the ledger.
//
// MARKET orders fill at the current price or are rejected when no price can
// be obtained within the bounded retry. LIMIT orders fill at their limit
// price once the market crosses it. SL and SLM orders trigger on the trigger
// price; SL fills at its price (or the current price when none is set) and
// SLM at the current price. Orders that cannot be evaluated yet stay PENDING
// and are retried by the background loop.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/paper-engine/internal/ledger"
	"github.com/atmx/paper-engine/internal/metrics"
	"github.com/atmx/paper-engine/internal/model"
	"github.com/atmx/paper-engine/internal/oracle"
	"github.com/atmx/paper-engine/internal/store"
)

// Rejection reasons recorded on orders.
const (
	ReasonNoPrice             = "Unable to get current market price"
	ReasonLimitMissingPrice   = "Limit order missing price"
	ReasonStopMissingTrigger  = "Stop-loss order missing trigger price"
	reasonUnsupportedTypeFmt  = "Unsupported order type: %s"
	reasonInternalErrorPrefix = "Internal error: "
)

// Prices is the subset of the oracle the engine needs.
type Prices interface {
	GetPrice(ctx context.Context, symbol, exchange string) (decimal.Decimal, bool)
	GetPriceWithRetry(ctx context.Context, symbol, exchange string, attempts int) (decimal.Decimal, bool)
	CacheStats(ctx context.Context) oracle.CacheStats
}

// Event types pushed to a Notifier.
const (
	EventFilled    = "order_filled"
	EventRejected  = "order_rejected"
	EventCancelled = "order_cancelled"
)

// Event describes one terminal transition.
type Event struct {
	Type    string       `json:"type"`
	OrderID string       `json:"order_id"`
	UserID  string       `json:"user_id"`
	Symbol  string       `json:"symbol"`
	Reason  string       `json:"reason,omitempty"`
	Trade   *model.Trade `json:"trade,omitempty"`
}

// Notifier receives order events. Implementations must not block.
type Notifier interface {
	Notify(Event)
}

// Config controls the background loop.
type Config struct {
	PollInterval   time.Duration // pause between passes
	ErrorBackoff   time.Duration // pause after a failed pass
	MarketAttempts int           // price attempts for MARKET orders
}

// DefaultConfig returns a one-second loop with a five-second error backoff.
func DefaultConfig() Config {
	return Config{
		PollInterval:   time.Second,
		ErrorBackoff:   5 * time.Second,
		MarketAttempts: 3,
	}
}

// Engine is the matching engine. One background loop per Engine.
type Engine struct {
	ledger *ledger.Ledger
	prices Prices
	cfg    Config

	notifyMu sync.RWMutex
	notifier Notifier

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates an Engine.
func New(l *ledger.Ledger, prices Prices, cfg Config) *Engine {
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = def.ErrorBackoff
	}
	if cfg.MarketAttempts <= 0 {
		cfg.MarketAttempts = def.MarketAttempts
	}
	return &Engine{ledger: l, prices: prices, cfg: cfg}
}

// SetNotifier installs n as the event sink. nil disables notifications.
func (e *Engine) SetNotifier(n Notifier) {
	e.notifyMu.Lock()
	e.notifier = n
	e.notifyMu.Unlock()
}

// ProcessOrder evaluates one order and reports whether it reached a terminal
// state during this call. It never panics: unexpected failures reject the
// order with the failure as its reason.
func (e *Engine) ProcessOrder(ctx context.Context, order *model.Order) (handled bool) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic processing order", "order_id", order.OrderID, "panic", r,
				"stack", string(debug.Stack()))
			handled = e.reject(ctx, order, fmt.Sprintf("%s%v", reasonInternalErrorPrefix, r))
		}
	}()

	switch order.PriceType {
	case model.PriceTypeMarket:
		return e.processMarket(ctx, order)
	case model.PriceTypeLimit:
		return e.processLimit(ctx, order)
	case model.PriceTypeSL, model.PriceTypeSLM:
		return e.processStop(ctx, order)
	default:
		slog.Error("unsupported order type", "order_id", order.OrderID, "price_type", order.PriceType)
		return e.reject(ctx, order, fmt.Sprintf(reasonUnsupportedTypeFmt, order.PriceType))
	}
}

func (e *Engine) processMarket(ctx context.Context, order *model.Order) bool {
	price, ok := e.prices.GetPriceWithRetry(ctx, order.Symbol, order.Exchange, e.cfg.MarketAttempts)
	if !ok {
		return e.reject(ctx, order, ReasonNoPrice)
	}
	return e.fill(ctx, order, price)
}

func (e *Engine) processLimit(ctx context.Context, order *model.Order) bool {
	if order.Price == nil {
		return e.reject(ctx, order, ReasonLimitMissingPrice)
	}
	current, ok := e.prices.GetPrice(ctx, order.Symbol, order.Exchange)
	if !ok {
		slog.Debug("no price for limit order, keeping pending", "order_id", order.OrderID)
		return false
	}
	if !limitCrossed(order.Action, current, *order.Price) {
		return false
	}
	return e.fill(ctx, order, *order.Price)
}

func (e *Engine) processStop(ctx context.Context, order *model.Order) bool {
	if order.TriggerPrice == nil {
		return e.reject(ctx, order, ReasonStopMissingTrigger)
	}
	current, ok := e.prices.GetPrice(ctx, order.Symbol, order.Exchange)
	if !ok {
		slog.Debug("no price for stop order, keeping pending", "order_id", order.OrderID)
		return false
	}
	if !stopTriggered(order.Action, current, *order.TriggerPrice) {
		return false
	}

	execution := current
	if order.PriceType == model.PriceTypeSL && order.Price != nil {
		execution = *order.Price
	}
	slog.Info("stop order triggered", "order_id", order.OrderID,
		"trigger", order.TriggerPrice.String(), "current", current.String())
	return e.fill(ctx, order, execution)
}

// limitCrossed: BUY fills at or below the limit, SELL at or above.
func limitCrossed(action model.Action, current, limit decimal.Decimal) bool {
	switch action {
	case model.ActionBuy:
		return current.LessThanOrEqual(limit)
	case model.ActionSell:
		return current.GreaterThanOrEqual(limit)
	}
	return false
}

// stopTriggered: BUY triggers at or above the trigger, SELL at or below.
func stopTriggered(action model.Action, current, trigger decimal.Decimal) bool {
	switch action {
	case model.ActionBuy:
		return current.GreaterThanOrEqual(trigger)
	case model.ActionSell:
		return current.LessThanOrEqual(trigger)
	}
	return false
}

func (e *Engine) fill(ctx context.Context, order *model.Order, price decimal.Decimal) bool {
	res := e.ledger.ApplyFill(ctx, order, price, order.Quantity)
	switch res.Outcome {
	case ledger.Filled:
		e.notify(Event{Type: EventFilled, OrderID: order.OrderID, UserID: order.UserID,
			Symbol: order.Symbol, Trade: res.Trade})
		return true
	case ledger.Rejected:
		e.notify(Event{Type: EventRejected, OrderID: order.OrderID, UserID: order.UserID,
			Symbol: order.Symbol, Reason: res.Reason})
		return true
	}
	return false
}

func (e *Engine) reject(ctx context.Context, order *model.Order, reason string) bool {
	if err := e.ledger.Reject(ctx, order.OrderID, reason); err != nil {
		if !errors.Is(err, store.ErrOrderNotPending) {
			slog.Error("reject failed", "order_id", order.OrderID, "err", err)
		}
		return false
	}
	e.notify(Event{Type: EventRejected, OrderID: order.OrderID, UserID: order.UserID,
		Symbol: order.Symbol, Reason: reason})
	return true
}

// CancelOrder cancels a PENDING order. It returns false when the order is
// missing or already terminal, including when the loop handled it first.
func (e *Engine) CancelOrder(ctx context.Context, orderID string) bool {
	order, err := e.ledger.Cancel(ctx, orderID)
	if err != nil {
		slog.Warn("order not found or not pending", "order_id", orderID, "err", err)
		return false
	}
	e.notify(Event{Type: EventCancelled, OrderID: order.OrderID, UserID: order.UserID, Symbol: order.Symbol})
	return true
}

func (e *Engine) notify(ev Event) {
	e.notifyMu.RLock()
	n := e.notifier
	e.notifyMu.RUnlock()
	if n != nil {
		n.Notify(ev)
	}
}

// --- Background loop ---

// Start launches the evaluation loop. Calling Start on a running engine is
// a no-op.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})
	go e.run(ctx, e.done)
}

// Stop cancels the loop and waits for the in-flight pass to finish.
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel, done := e.cancel, e.done
	e.cancel, e.done = nil, nil
	e.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Running reports whether the loop is active.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.done != nil
}

func (e *Engine) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	slog.Info("order monitoring started", "interval", e.cfg.PollInterval)

	for {
		wait := e.cfg.PollInterval
		if err := e.Tick(ctx); err != nil {
			metrics.EngineErrors.Inc()
			slog.Error("order monitoring pass failed", "err", err)
			wait = e.cfg.ErrorBackoff
		}

		select {
		case <-ctx.Done():
			slog.Info("order monitoring stopped")
			return
		case <-time.After(wait):
		}
	}
}

// Tick runs one evaluation pass over every PENDING order. No ordering
// among pending orders is guaranteed.
func (e *Engine) Tick(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic in order monitoring pass", "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	start := time.Now()
	orders, err := e.ledger.Store().ListPendingOrders(ctx)
	if err != nil {
		return fmt.Errorf("list pending orders: %w", err)
	}
	metrics.PendingOrders.Set(float64(len(orders)))

	for i := range orders {
		if ctx.Err() != nil {
			return nil
		}
		e.ProcessOrder(ctx, &orders[i])
	}
	metrics.EnginePassDuration.Observe(time.Since(start).Seconds())
	return nil
}

// --- Introspection ---

// PendingCount counts PENDING orders, for one user or for all when userID
// is empty.
func (e *Engine) PendingCount(ctx context.Context, userID string) (int, error) {
	if userID == "" {
		orders, err := e.ledger.Store().ListPendingOrders(ctx)
		return len(orders), err
	}
	orders, err := e.ledger.Store().ListOrders(ctx, userID, model.StatusPending)
	return len(orders), err
}

// Stats summarizes every order the engine has seen.
type Stats struct {
	model.OrderCounts
	FillRate         float64           `json:"fill_rate"`
	MonitoringActive bool              `json:"monitoring_active"`
	MarketData       oracle.CacheStats `json:"market_data_cache_stats"`
}

// Stats returns order counts across all users, the fill rate in percent,
// the loop state and the price cache snapshot.
func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	counts, err := e.ledger.Store().CountOrders(ctx, "")
	if err != nil {
		return Stats{}, err
	}
	s := Stats{
		OrderCounts:      counts,
		MonitoringActive: e.Running(),
		MarketData:       e.prices.CacheStats(ctx),
	}
	if counts.Total > 0 {
		s.FillRate = float64(counts.Filled) / float64(counts.Total) * 100
	}
	return s, nil
}

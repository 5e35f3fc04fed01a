package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/paper-engine/internal/model"
	"github.com/atmx/paper-engine/internal/position"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// A single lock covers every map, so ApplyFill is trivially atomic.
type MemoryStore struct {
	mu        sync.RWMutex
	accounts  map[string]*model.Account
	orders    map[string]*model.Order
	seq       map[string]int // insertion order, tie-break for sorting
	nextSeq   int
	positions map[model.PositionKey]*model.Position
	trades    []model.Trade
	now       func() time.Time
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:  make(map[string]*model.Account),
		orders:    make(map[string]*model.Order),
		seq:       make(map[string]int),
		positions: make(map[model.PositionKey]*model.Position),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) CreateAccount(_ context.Context, acct *model.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[acct.UserID]; ok {
		return fmt.Errorf("account %s: %w", acct.UserID, ErrAccountExists)
	}

	// Store a copy to avoid external mutation.
	copy := *acct
	s.accounts[acct.UserID] = &copy
	return nil
}

func (s *MemoryStore) GetAccount(_ context.Context, userID string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[userID]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", userID, ErrNotFound)
	}
	copy := *a
	return &copy, nil
}

func (s *MemoryStore) ResetAccount(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[userID]
	if !ok {
		return fmt.Errorf("account %s: %w", userID, ErrNotFound)
	}

	for id, o := range s.orders {
		if o.UserID == userID {
			delete(s.orders, id)
			delete(s.seq, id)
		}
	}
	for key := range s.positions {
		if key.UserID == userID {
			delete(s.positions, key)
		}
	}
	kept := s.trades[:0]
	for _, t := range s.trades {
		if t.UserID != userID {
			kept = append(kept, t)
		}
	}
	s.trades = kept

	a.CurrentBalance = a.InitialBalance
	a.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) CreateOrder(_ context.Context, o *model.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.orders[o.OrderID]; ok {
		return fmt.Errorf("order %s already exists", o.OrderID)
	}
	if _, ok := s.accounts[o.UserID]; !ok {
		return fmt.Errorf("account %s: %w", o.UserID, ErrNotFound)
	}

	copy := *o
	s.orders[o.OrderID] = &copy
	s.nextSeq++
	s.seq[o.OrderID] = s.nextSeq
	return nil
}

func (s *MemoryStore) GetOrder(_ context.Context, orderID string) (*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", orderID, ErrNotFound)
	}
	copy := *o
	return &copy, nil
}

func (s *MemoryStore) ListOrders(_ context.Context, userID string, status model.OrderStatus) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Order
	for _, o := range s.orders {
		if o.UserID != userID {
			continue
		}
		if status != "" && o.Status != status {
			continue
		}
		result = append(result, *o)
	}

	// Newest first.
	sort.Slice(result, func(i, j int) bool {
		return s.seq[result[i].OrderID] > s.seq[result[j].OrderID]
	})
	return result, nil
}

func (s *MemoryStore) ListPendingOrders(_ context.Context) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Order
	for _, o := range s.orders {
		if o.Status == model.StatusPending {
			result = append(result, *o)
		}
	}
	return result, nil
}

func (s *MemoryStore) CountOrders(_ context.Context, userID string) (model.OrderCounts, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var counts model.OrderCounts
	for _, o := range s.orders {
		if userID == "" || o.UserID == userID {
			counts.Add(o.Status)
		}
	}
	return counts, nil
}

func (s *MemoryStore) CancelOrder(_ context.Context, orderID string) (*model.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", orderID, ErrNotFound)
	}
	if o.Status != model.StatusPending {
		return nil, fmt.Errorf("order %s is %s: %w", orderID, o.Status, ErrOrderNotPending)
	}

	now := s.now()
	o.Status = model.StatusCancelled
	o.CancelledTime = &now
	copy := *o
	return &copy, nil
}

func (s *MemoryStore) RejectOrder(_ context.Context, orderID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[orderID]
	if !ok {
		return fmt.Errorf("order %s: %w", orderID, ErrNotFound)
	}
	if o.Status != model.StatusPending {
		return fmt.Errorf("order %s is %s: %w", orderID, o.Status, ErrOrderNotPending)
	}
	o.Status = model.StatusRejected
	o.RejectionReason = reason
	return nil
}

// ApplyFill validates everything before the first write, so a failed fill
// leaves no partial state behind.
func (s *MemoryStore) ApplyFill(_ context.Context, fill *model.Fill) (*model.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[fill.OrderID]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", fill.OrderID, ErrNotFound)
	}
	if o.Status != model.StatusPending {
		return nil, fmt.Errorf("order %s is %s: %w", fill.OrderID, o.Status, ErrOrderNotPending)
	}

	acct, ok := s.accounts[o.UserID]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", o.UserID, ErrNotFound)
	}

	value := fill.Value()
	if o.Action == model.ActionBuy && acct.CurrentBalance.LessThan(value) {
		return nil, fmt.Errorf("need %s, have %s: %w", value, acct.CurrentBalance, ErrInsufficientFunds)
	}

	key := o.Key()
	res, err := position.Apply(s.positions[key], o.Action, fill.Price, fill.Quantity)
	if err != nil {
		return nil, fmt.Errorf("apply position for order %s: %w", o.OrderID, err)
	}

	// --- Commit ---

	at := fill.At
	price := fill.Price
	o.Status = model.StatusFilled
	o.FilledQuantity = fill.Quantity
	o.AveragePrice = &price
	o.FilledTime = &at

	trade := model.Trade{
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
		Timestamp:   at,
	}
	s.trades = append(s.trades, trade)

	if res.Closed() {
		delete(s.positions, key)
	} else {
		s.positions[key] = &model.Position{
			UserID:       key.UserID,
			Symbol:       key.Symbol,
			Exchange:     key.Exchange,
			Product:      key.Product,
			Quantity:     res.Quantity,
			AveragePrice: res.AveragePrice,
			RealizedPnL:  res.RealizedTotal,
			UpdatedAt:    at,
		}
	}

	if o.Action == model.ActionBuy {
		acct.CurrentBalance = acct.CurrentBalance.Sub(value)
	} else {
		acct.CurrentBalance = acct.CurrentBalance.Add(value)
	}
	acct.UpdatedAt = at

	return &trade, nil
}

func (s *MemoryStore) GetPosition(_ context.Context, key model.PositionKey) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[key]
	if !ok {
		return nil, fmt.Errorf("position %s-%s-%s: %w", key.Symbol, key.Exchange, key.Product, ErrNotFound)
	}
	copy := *p
	return &copy, nil
}

func (s *MemoryStore) ListPositions(_ context.Context, userID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Position
	for key, p := range s.positions {
		if key.UserID == userID {
			result = append(result, *p)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Symbol != result[j].Symbol {
			return result[i].Symbol < result[j].Symbol
		}
		if result[i].Exchange != result[j].Exchange {
			return result[i].Exchange < result[j].Exchange
		}
		return result[i].Product < result[j].Product
	})
	return result, nil
}

func (s *MemoryStore) ListTrades(_ context.Context, userID string) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Trade
	for i := len(s.trades) - 1; i >= 0; i-- {
		if s.trades[i].UserID == userID {
			result = append(result, s.trades[i])
		}
	}
	return result, nil
}

package store

import (
	"context"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/paper-engine/internal/model"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for accounts and positions. Every write that can move a balance or a
// position goes to the primary store and then invalidates the user's keys.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateAccount(ctx context.Context, acct *model.Account) error {
	if err := s.primary.CreateAccount(ctx, acct); err != nil {
		return err
	}
	s.cache(ctx, accountKey(acct.UserID), acct)
	return nil
}

func (s *CachedStore) ResetAccount(ctx context.Context, userID string) error {
	if err := s.primary.ResetAccount(ctx, userID); err != nil {
		return err
	}
	s.invalidate(ctx, userID)
	return nil
}

func (s *CachedStore) ApplyFill(ctx context.Context, fill *model.Fill) (*model.Trade, error) {
	trade, err := s.primary.ApplyFill(ctx, fill)
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx, trade.UserID)
	return trade, nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetAccount(ctx context.Context, userID string) (*model.Account, error) {
	var a model.Account
	if s.lookup(ctx, accountKey(userID), &a) {
		return &a, nil
	}

	// Cache miss: read from primary.
	acct, err := s.primary.GetAccount(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, accountKey(userID), acct)
	return acct, nil
}

func (s *CachedStore) ListPositions(ctx context.Context, userID string) ([]model.Position, error) {
	var positions []model.Position
	if s.lookup(ctx, positionsKey(userID), &positions) {
		return positions, nil
	}

	positions, err := s.primary.ListPositions(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, positionsKey(userID), positions)
	return positions, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) CreateOrder(ctx context.Context, order *model.Order) error {
	return s.primary.CreateOrder(ctx, order)
}

func (s *CachedStore) GetOrder(ctx context.Context, orderID string) (*model.Order, error) {
	return s.primary.GetOrder(ctx, orderID)
}

func (s *CachedStore) ListOrders(ctx context.Context, userID string, status model.OrderStatus) ([]model.Order, error) {
	return s.primary.ListOrders(ctx, userID, status)
}

func (s *CachedStore) ListPendingOrders(ctx context.Context) ([]model.Order, error) {
	return s.primary.ListPendingOrders(ctx)
}

func (s *CachedStore) CountOrders(ctx context.Context, userID string) (model.OrderCounts, error) {
	return s.primary.CountOrders(ctx, userID)
}

func (s *CachedStore) CancelOrder(ctx context.Context, orderID string) (*model.Order, error) {
	return s.primary.CancelOrder(ctx, orderID)
}

func (s *CachedStore) RejectOrder(ctx context.Context, orderID, reason string) error {
	return s.primary.RejectOrder(ctx, orderID, reason)
}

func (s *CachedStore) GetPosition(ctx context.Context, key model.PositionKey) (*model.Position, error) {
	return s.primary.GetPosition(ctx, key)
}

func (s *CachedStore) ListTrades(ctx context.Context, userID string) ([]model.Trade, error) {
	return s.primary.ListTrades(ctx, userID)
}

// --- Cache helpers ---

func (s *CachedStore) lookup(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

func (s *CachedStore) cache(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func (s *CachedStore) invalidate(ctx context.Context, userID string) {
	s.rdb.Del(ctx, accountKey(userID), positionsKey(userID))
}

func accountKey(uid string) string   { return fmt.Sprintf("paper:account:%s", uid) }
func positionsKey(uid string) string { return fmt.Sprintf("paper:positions:%s", uid) }

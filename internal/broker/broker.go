// Package broker defines the live brokerage adapter surface and a static
// registry of adapter constructors resolved at startup.
package broker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/atmx/paper-engine/internal/model"
)

// ErrUnknownBroker is returned by Registry.New for an unregistered name.
var ErrUnknownBroker = errors.New("broker: unsupported broker")

// Error is a failure reported by a broker with the HTTP status it maps to.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("broker: %s (status %d)", e.Message, e.Status)
}

// StatusOf returns the HTTP status carried by err, or 500.
func StatusOf(err error) int {
	var be *Error
	if errors.As(err, &be) && be.Status != 0 {
		return be.Status
	}
	return http.StatusInternalServerError
}

// Adapter is a live brokerage connection. It also satisfies
// oracle.Source through GetQuotes.
type Adapter interface {
	Name() string

	PlaceOrder(ctx context.Context, auth string, req model.OrderRequest) (orderID string, err error)
	ModifyOrder(ctx context.Context, auth, orderID string, req model.OrderRequest) error
	CancelOrder(ctx context.Context, auth, orderID string) error

	OrderBook(ctx context.Context, auth string) ([]map[string]any, error)
	TradeBook(ctx context.Context, auth string) ([]map[string]any, error)
	Positions(ctx context.Context, auth string) ([]map[string]any, error)
	Holdings(ctx context.Context, auth string) ([]map[string]any, error)
	Funds(ctx context.Context, auth string) (map[string]any, error)

	GetQuotes(ctx context.Context, auth, symbol, exchange string) (map[string]any, error)
}

// Factory builds an adapter.
type Factory func() (Adapter, error)

// Registry maps broker identifiers to adapter constructors.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds or replaces the constructor for name (case-insensitive).
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	r.factories[strings.ToLower(name)] = f
	r.mu.Unlock()
}

// New builds the adapter registered under name.
func (r *Registry) New(name string) (Adapter, error) {
	r.mu.RLock()
	f, ok := r.factories[strings.ToLower(name)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBroker, name)
	}
	return f()
}

// IsSupported reports whether name is registered.
func (r *Registry) IsSupported(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[strings.ToLower(name)]
	return ok
}

// Names lists registered brokers in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Package oracle returns current prices for (symbol, exchange) pairs.
//
// Prices come from a live quote Source and are cached for a short TTL. When
// the source is missing, unreachable or returns a quote without a usable
// price field, the oracle can fall back to a synthetic random-walk generator
// (Mock). The fallback is optional and must be disabled in production.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/atmx/paper-engine/internal/metrics"
)

// ErrNoPrice is returned when neither the live source nor the fallback
// produced a price.
var ErrNoPrice = errors.New("oracle: no price available")

// PriceFields lists the quote fields probed for a last-traded price, in
// order. The same list is probed one level down under "data".
var PriceFields = []string{"ltp", "last_price", "lastPrice", "last_traded_price", "close"}

// Source is a live market-data collaborator.
type Source interface {
	GetQuotes(ctx context.Context, authToken, symbol, exchange string) (map[string]any, error)
}

// Options configures an Oracle.
type Options struct {
	Source        Source // nil means no live feed
	Cache         Cache  // defaults to a 5s, 1000-entry MemoryCache
	Mock          *Mock  // nil disables the synthetic fallback
	AuthToken     string
	RetryAttempts int
	RetryDelay    time.Duration
}

// Oracle is safe for concurrent use. Concurrent misses for the same key
// share one live fetch.
type Oracle struct {
	source     Source
	cache      Cache
	mock       *Mock
	attempts   int
	retryDelay time.Duration

	mu        sync.RWMutex
	authToken string

	group singleflight.Group
}

// New creates an Oracle.
func New(opts Options) *Oracle {
	if opts.Cache == nil {
		opts.Cache = NewMemoryCache(5*time.Second, 1000)
	}
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = 3
	}
	if opts.RetryDelay < 0 {
		opts.RetryDelay = 0
	}
	return &Oracle{
		source:     opts.Source,
		cache:      opts.Cache,
		mock:       opts.Mock,
		attempts:   opts.RetryAttempts,
		retryDelay: opts.RetryDelay,
		authToken:  opts.AuthToken,
	}
}

// Key returns the cache key for a symbol on an exchange.
func Key(symbol, exchange string) string {
	return symbol + "-" + exchange
}

// GetPrice returns the current price, or false when none is available.
func (o *Oracle) GetPrice(ctx context.Context, symbol, exchange string) (decimal.Decimal, bool) {
	key := Key(symbol, exchange)
	if p, ok := o.cache.Get(ctx, key); ok {
		metrics.PriceLookups.WithLabelValues("hit").Inc()
		return p, true
	}

	// The shared fetch outlives any single caller's cancellation.
	shared := context.WithoutCancel(ctx)
	v, err, _ := o.group.Do(key, func() (any, error) {
		p, err := o.fetch(shared, symbol, exchange)
		if err != nil {
			return nil, err
		}
		o.cache.Set(shared, key, p)
		return p, nil
	})
	if err != nil {
		metrics.PriceLookups.WithLabelValues("error").Inc()
		slog.Debug("price unavailable", "key", key, "err", err)
		return decimal.Decimal{}, false
	}
	return v.(decimal.Decimal), true
}

// GetPriceWithRetry calls GetPrice up to attempts times, sleeping the
// configured delay between attempts. attempts <= 0 uses the configured
// default. It gives up early if ctx is done.
func (o *Oracle) GetPriceWithRetry(ctx context.Context, symbol, exchange string, attempts int) (decimal.Decimal, bool) {
	if attempts <= 0 {
		attempts = o.attempts
	}
	for i := 0; i < attempts; i++ {
		if p, ok := o.GetPrice(ctx, symbol, exchange); ok {
			return p, true
		}
		if i == attempts-1 {
			break
		}
		slog.Debug("retrying price fetch", "key", Key(symbol, exchange), "attempt", i+2)
		select {
		case <-ctx.Done():
			return decimal.Decimal{}, false
		case <-time.After(o.retryDelay):
		}
	}
	slog.Error("failed to get price", "key", Key(symbol, exchange), "attempts", attempts)
	return decimal.Decimal{}, false
}

// Instrument names one (symbol, exchange) pair.
type Instrument struct {
	Symbol   string `json:"symbol"`
	Exchange string `json:"exchange"`
}

// BulkGetPrices looks up several instruments. Instruments without a price
// are absent from the result.
func (o *Oracle) BulkGetPrices(ctx context.Context, instruments []Instrument) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(instruments))
	for _, in := range instruments {
		if p, ok := o.GetPrice(ctx, in.Symbol, in.Exchange); ok {
			out[Key(in.Symbol, in.Exchange)] = p
		}
	}
	return out
}

// ClearCache drops every cached price.
func (o *Oracle) ClearCache(ctx context.Context) {
	o.cache.Clear(ctx)
	slog.Info("price cache cleared")
}

// CacheStats describes the cache for operational tooling.
type CacheStats struct {
	Size          int      `json:"cache_size"`
	MaxSize       int      `json:"max_size"`
	TTLSeconds    float64  `json:"ttl"`
	CachedSymbols []string `json:"cached_symbols"`
	UsingMockData bool     `json:"using_mock_data"`
}

// CacheStats returns a snapshot of the cache.
func (o *Oracle) CacheStats(ctx context.Context) CacheStats {
	keys := o.cache.Keys(ctx)
	return CacheStats{
		Size:          len(keys),
		MaxSize:       o.cache.MaxSize(),
		TTLSeconds:    o.cache.TTL().Seconds(),
		CachedSymbols: keys,
		UsingMockData: o.source == nil && o.mock != nil,
	}
}

// SetAuthToken replaces the auth context passed to the source. Cached
// prices were fetched under the old context and are dropped.
func (o *Oracle) SetAuthToken(ctx context.Context, token string) {
	o.mu.Lock()
	o.authToken = token
	o.mu.Unlock()
	o.ClearCache(ctx)
	slog.Info("price source auth token updated")
}

// SetPrice pins a synthetic price and caches it. Intended for tests and
// demos; it only affects live lookups until the cache entry expires.
func (o *Oracle) SetPrice(ctx context.Context, symbol, exchange string, price decimal.Decimal) {
	key := Key(symbol, exchange)
	if o.mock != nil {
		o.mock.Set(key, price)
	}
	o.cache.Set(ctx, key, price)
}

func (o *Oracle) fetch(ctx context.Context, symbol, exchange string) (decimal.Decimal, error) {
	key := Key(symbol, exchange)

	if o.source != nil {
		o.mu.RLock()
		token := o.authToken
		o.mu.RUnlock()

		quote, err := o.source.GetQuotes(ctx, token, symbol, exchange)
		if err == nil {
			if p, ok := ExtractPrice(quote); ok {
				metrics.PriceLookups.WithLabelValues("miss").Inc()
				return p, nil
			}
			err = fmt.Errorf("quote for %s has no price field", key)
		}
		if o.mock == nil {
			return decimal.Decimal{}, fmt.Errorf("%s: %w: %v", key, ErrNoPrice, err)
		}
		slog.Warn("live price unavailable, using mock data", "key", key, "err", err)
	}

	if o.mock == nil {
		return decimal.Decimal{}, fmt.Errorf("%s: %w", key, ErrNoPrice)
	}
	metrics.PriceLookups.WithLabelValues("mock").Inc()
	return o.mock.Next(key), nil
}

// ExtractPrice returns the first present, parseable field from PriceFields,
// first at the top level and then under a nested "data" object.
func ExtractPrice(quote map[string]any) (decimal.Decimal, bool) {
	if p, ok := probe(quote); ok {
		return p, true
	}
	if nested, ok := quote["data"].(map[string]any); ok {
		return probe(nested)
	}
	return decimal.Decimal{}, false
}

func probe(m map[string]any) (decimal.Decimal, bool) {
	for _, field := range PriceFields {
		v, ok := m[field]
		if !ok || v == nil {
			continue
		}
		if p, ok := toDecimal(v); ok {
			return p, true
		}
	}
	return decimal.Decimal{}, false
}

func toDecimal(v any) (decimal.Decimal, bool) {
	switch x := v.(type) {
	case decimal.Decimal:
		return x, true
	case float64:
		return decimal.NewFromFloat(x), true
	case float32:
		return decimal.NewFromFloat32(x), true
	case int:
		return decimal.NewFromInt(int64(x)), true
	case int64:
		return decimal.NewFromInt(x), true
	case string:
		p, err := decimal.NewFromString(x)
		return p, err == nil
	case fmt.Stringer:
		// json.Number from a UseNumber decoder.
		p, err := decimal.NewFromString(x.String())
		return p, err == nil
	}
	return decimal.Decimal{}, false
}


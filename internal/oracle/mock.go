package oracle

import (
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// DefaultMockPrice seeds symbols missing from the base table.
var DefaultMockPrice = decimal.NewFromInt(1000)

// BasePrices is the starting table for synthetic prices, keyed by
// "SYMBOL-EXCHANGE".
var BasePrices = map[string]string{
	"RELIANCE-NSE":   "2450.50",
	"TCS-NSE":        "3850.25",
	"INFY-NSE":       "1780.75",
	"HDFCBANK-NSE":   "1650.30",
	"ICICIBANK-NSE":  "980.45",
	"SBIN-NSE":       "590.20",
	"ITC-NSE":        "470.85",
	"HINDUNILVR-NSE": "2650.40",
	"LT-NSE":         "3420.15",
	"BAJFINANCE-NSE": "6850.90",
}

// Mock generates synthetic prices as a random walk of at most ±2% per call
// starting from BasePrices. It exists so the engine can run without a live
// feed.
type Mock struct {
	mu     sync.Mutex
	rng    *rand.Rand
	prices map[string]decimal.Decimal
	step   float64
}

// NewMock creates a generator. A zero seed uses the current time.
func NewMock(seed int64) *Mock {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	prices := make(map[string]decimal.Decimal, len(BasePrices))
	for k, v := range BasePrices {
		prices[k] = decimal.RequireFromString(v)
	}
	return &Mock{
		rng:    rand.New(rand.NewSource(seed)),
		prices: prices,
		step:   0.02,
	}
}

// Next moves the price for key by a uniform variation in [-2%, +2%],
// remembers it and returns it rounded to two decimals.
func (m *Mock) Next(key string) decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()

	base, ok := m.prices[key]
	if !ok {
		base = DefaultMockPrice
	}
	variation := (m.rng.Float64()*2 - 1) * m.step
	next := base.Mul(decimal.NewFromFloat(1 + variation)).Round(2)
	m.prices[key] = next
	return next
}

// Set pins the walk for key to price.
func (m *Mock) Set(key string, price decimal.Decimal) {
	m.mu.Lock()
	m.prices[key] = price
	m.mu.Unlock()
}

// Last returns the most recent price for key without moving it.
func (m *Mock) Last(key string) (decimal.Decimal, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.prices[key]
	return p, ok
}

package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/paper-engine/internal/ledger"
	"github.com/atmx/paper-engine/internal/model"
	"github.com/atmx/paper-engine/internal/oracle"
	"github.com/atmx/paper-engine/internal/store"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func dp(s string) *decimal.Decimal {
	v := d(s)
	return &v
}

// fakePrices is a settable price table. A missing key means no price.
type fakePrices struct {
	mu     sync.Mutex
	prices map[string]decimal.Decimal
	panic  bool
}

func newFakePrices() *fakePrices {
	return &fakePrices{prices: make(map[string]decimal.Decimal)}
}

func (f *fakePrices) set(symbol, price string) {
	f.mu.Lock()
	f.prices[symbol+"-NSE"] = d(price)
	f.mu.Unlock()
}

func (f *fakePrices) GetPrice(_ context.Context, symbol, exchange string) (decimal.Decimal, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panic {
		panic("feed exploded")
	}
	p, ok := f.prices[symbol+"-"+exchange]
	return p, ok
}

func (f *fakePrices) GetPriceWithRetry(ctx context.Context, symbol, exchange string, _ int) (decimal.Decimal, bool) {
	return f.GetPrice(ctx, symbol, exchange)
}

func (f *fakePrices) CacheStats(context.Context) oracle.CacheStats {
	return oracle.CacheStats{TTLSeconds: 5}
}

// recorder collects events.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Notify(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

type env struct {
	engine *Engine
	ledger *ledger.Ledger
	store  *store.MemoryStore
	prices *fakePrices
}

func newEnv(t *testing.T, balance string) *env {
	t.Helper()
	ms := store.NewMemoryStore()
	l := ledger.New(ms, ledger.Defaults{Balance: d(balance), Currency: "INR"})
	p := newFakePrices()
	e := New(l, p, Config{PollInterval: 5 * time.Millisecond, ErrorBackoff: 5 * time.Millisecond})
	return &env{engine: e, ledger: l, store: ms, prices: p}
}

func (v *env) submit(t *testing.T, o model.Order) *model.Order {
	t.Helper()
	ctx := context.Background()
	_, err := v.ledger.OpenAccount(ctx, "u1")
	require.NoError(t, err)
	o.OrderID = model.NewOrderID()
	o.UserID = "u1"
	o.Exchange = "NSE"
	o.Product = "MIS"
	if o.Symbol == "" {
		o.Symbol = "RELIANCE"
	}
	require.NoError(t, v.ledger.Submit(ctx, &o))
	return &o
}

func (v *env) order(t *testing.T, id string) *model.Order {
	t.Helper()
	o, err := v.store.GetOrder(context.Background(), id)
	require.NoError(t, err)
	return o
}

func (v *env) balance(t *testing.T) decimal.Decimal {
	t.Helper()
	a, err := v.store.GetAccount(context.Background(), "u1")
	require.NoError(t, err)
	return a.CurrentBalance
}

// --- MARKET ---

func TestMarketBuy_RelianceScenario(t *testing.T) {
	v := newEnv(t, "50000")
	v.prices.set("RELIANCE", "2450.50")
	o := v.submit(t, model.Order{Action: model.ActionBuy, PriceType: model.PriceTypeMarket, Quantity: 10})

	require.True(t, v.engine.ProcessOrder(context.Background(), o), "MARKET must be handled in one call")

	got := v.order(t, o.OrderID)
	assert.Equal(t, model.StatusFilled, got.Status)
	assert.Equal(t, int64(10), got.FilledQuantity)
	assert.True(t, got.AveragePrice.Equal(d("2450.50")))

	trades, _ := v.store.ListTrades(context.Background(), "u1")
	require.Len(t, trades, 1)
	assert.True(t, trades[0].TradeValue.Equal(d("24505.00")))

	assert.True(t, v.balance(t).Equal(d("25495.00")))

	pos, err := v.store.GetPosition(context.Background(), o.Key())
	require.NoError(t, err)
	assert.Equal(t, int64(10), pos.Quantity)
	assert.True(t, pos.AveragePrice.Equal(d("2450.50")))
}

func TestMarket_NoPriceRejects(t *testing.T) {
	v := newEnv(t, "50000")
	o := v.submit(t, model.Order{Action: model.ActionBuy, PriceType: model.PriceTypeMarket, Quantity: 1})

	assert.True(t, v.engine.ProcessOrder(context.Background(), o))
	got := v.order(t, o.OrderID)
	assert.Equal(t, model.StatusRejected, got.Status)
	assert.Equal(t, ReasonNoPrice, got.RejectionReason)
}

func TestMarket_InsufficientFunds(t *testing.T) {
	v := newEnv(t, "1000")
	v.prices.set("RELIANCE", "50")
	o := v.submit(t, model.Order{Action: model.ActionBuy, PriceType: model.PriceTypeMarket, Quantity: 100})

	assert.True(t, v.engine.ProcessOrder(context.Background(), o))
	got := v.order(t, o.OrderID)
	assert.Equal(t, model.StatusRejected, got.Status)
	assert.Equal(t, ledger.ReasonInsufficientFunds, got.RejectionReason)
	assert.True(t, v.balance(t).Equal(d("1000")))
}

// --- LIMIT ---

func TestLimitBuy_Boundary(t *testing.T) {
	v := newEnv(t, "50000")
	o := v.submit(t, model.Order{Action: model.ActionBuy, PriceType: model.PriceTypeLimit,
		Quantity: 1, Price: dp("100")})
	ctx := context.Background()

	v.prices.set("RELIANCE", "100.01")
	assert.False(t, v.engine.ProcessOrder(ctx, o))
	assert.Equal(t, model.StatusPending, v.order(t, o.OrderID).Status)

	v.prices.set("RELIANCE", "100.00")
	assert.True(t, v.engine.ProcessOrder(ctx, o))
	got := v.order(t, o.OrderID)
	assert.Equal(t, model.StatusFilled, got.Status)
	assert.True(t, got.AveragePrice.Equal(d("100")))
}

func TestLimitSell_FillsAtLimitOnNextTick(t *testing.T) {
	v := newEnv(t, "50000")
	ctx := context.Background()

	// Open a long so the sell closes it.
	v.prices.set("RELIANCE", "2400")
	buy := v.submit(t, model.Order{Action: model.ActionBuy, PriceType: model.PriceTypeMarket, Quantity: 10})
	require.True(t, v.engine.ProcessOrder(ctx, buy))

	v.prices.set("RELIANCE", "2490")
	sell := v.submit(t, model.Order{Action: model.ActionSell, PriceType: model.PriceTypeLimit,
		Quantity: 10, Price: dp("2500")})
	require.NoError(t, v.engine.Tick(ctx))
	assert.Equal(t, model.StatusPending, v.order(t, sell.OrderID).Status)

	v.prices.set("RELIANCE", "2501")
	require.NoError(t, v.engine.Tick(ctx))
	got := v.order(t, sell.OrderID)
	assert.Equal(t, model.StatusFilled, got.Status)
	assert.True(t, got.AveragePrice.Equal(d("2500")), "fills at limit, not market: %s", got.AveragePrice)

	// 50000 - 24000 + 25000
	assert.True(t, v.balance(t).Equal(d("51000")))
	positions, _ := v.store.ListPositions(ctx, "u1")
	assert.Empty(t, positions)
}

func TestLimit_NoPriceStaysPending(t *testing.T) {
	v := newEnv(t, "50000")
	o := v.submit(t, model.Order{Action: model.ActionBuy, PriceType: model.PriceTypeLimit,
		Quantity: 1, Price: dp("100")})

	assert.False(t, v.engine.ProcessOrder(context.Background(), o))
	assert.Equal(t, model.StatusPending, v.order(t, o.OrderID).Status)
}

func TestLimit_MissingPriceRejects(t *testing.T) {
	v := newEnv(t, "50000")
	o := v.submit(t, model.Order{Action: model.ActionBuy, PriceType: model.PriceTypeLimit, Quantity: 1})

	assert.True(t, v.engine.ProcessOrder(context.Background(), o))
	assert.Equal(t, ReasonLimitMissingPrice, v.order(t, o.OrderID).RejectionReason)
}

// --- SL / SLM ---

func TestStopBuy_TriggersAtOrAbove(t *testing.T) {
	v := newEnv(t, "50000")
	ctx := context.Background()
	slm := v.submit(t, model.Order{Action: model.ActionBuy, PriceType: model.PriceTypeSLM,
		Quantity: 2, TriggerPrice: dp("105")})

	v.prices.set("RELIANCE", "104.99")
	assert.False(t, v.engine.ProcessOrder(ctx, slm))

	v.prices.set("RELIANCE", "106")
	assert.True(t, v.engine.ProcessOrder(ctx, slm))
	assert.True(t, v.order(t, slm.OrderID).AveragePrice.Equal(d("106")), "SLM fills at market")
}

func TestStopLimit_FillsAtPriceWhenSet(t *testing.T) {
	v := newEnv(t, "50000")
	ctx := context.Background()
	sl := v.submit(t, model.Order{Action: model.ActionBuy, PriceType: model.PriceTypeSL,
		Quantity: 1, TriggerPrice: dp("105"), Price: dp("107")})
	bare := v.submit(t, model.Order{Action: model.ActionBuy, PriceType: model.PriceTypeSL,
		Quantity: 1, TriggerPrice: dp("105")})

	v.prices.set("RELIANCE", "105")
	assert.True(t, v.engine.ProcessOrder(ctx, sl))
	assert.True(t, v.engine.ProcessOrder(ctx, bare))

	assert.True(t, v.order(t, sl.OrderID).AveragePrice.Equal(d("107")))
	assert.True(t, v.order(t, bare.OrderID).AveragePrice.Equal(d("105")), "SL without price fills at market")
}

func TestStopSell_TriggersAtOrBelow(t *testing.T) {
	v := newEnv(t, "50000")
	ctx := context.Background()
	o := v.submit(t, model.Order{Action: model.ActionSell, PriceType: model.PriceTypeSLM,
		Quantity: 1, TriggerPrice: dp("95")})

	v.prices.set("RELIANCE", "95.01")
	assert.False(t, v.engine.ProcessOrder(ctx, o))
	v.prices.set("RELIANCE", "95")
	assert.True(t, v.engine.ProcessOrder(ctx, o))
}

func TestStop_MissingTriggerRejects(t *testing.T) {
	v := newEnv(t, "50000")
	o := v.submit(t, model.Order{Action: model.ActionSell, PriceType: model.PriceTypeSL, Quantity: 1})

	assert.True(t, v.engine.ProcessOrder(context.Background(), o))
	assert.Equal(t, ReasonStopMissingTrigger, v.order(t, o.OrderID).RejectionReason)
}

// --- Other ---

func TestUnsupportedTypeRejects(t *testing.T) {
	v := newEnv(t, "50000")
	o := v.submit(t, model.Order{Action: model.ActionBuy, PriceType: "ICEBERG", Quantity: 1})

	assert.True(t, v.engine.ProcessOrder(context.Background(), o))
	got := v.order(t, o.OrderID)
	assert.Equal(t, model.StatusRejected, got.Status)
	assert.Equal(t, "Unsupported order type: ICEBERG", got.RejectionReason)
}

func TestPanicIsRecoveredAsInternalError(t *testing.T) {
	v := newEnv(t, "50000")
	v.prices.panic = true
	o := v.submit(t, model.Order{Action: model.ActionBuy, PriceType: model.PriceTypeLimit,
		Quantity: 1, Price: dp("10")})

	assert.True(t, v.engine.ProcessOrder(context.Background(), o))
	assert.Equal(t, "Internal error: feed exploded", v.order(t, o.OrderID).RejectionReason)
}

func TestCancelOrder_SecondCallFails(t *testing.T) {
	v := newEnv(t, "50000")
	ctx := context.Background()
	o := v.submit(t, model.Order{Action: model.ActionBuy, PriceType: model.PriceTypeLimit,
		Quantity: 1, Price: dp("10")})

	assert.True(t, v.engine.CancelOrder(ctx, o.OrderID))
	assert.False(t, v.engine.CancelOrder(ctx, o.OrderID))
	assert.Equal(t, model.StatusCancelled, v.order(t, o.OrderID).Status)
}

func TestCancelAfterFillFails(t *testing.T) {
	v := newEnv(t, "50000")
	ctx := context.Background()
	v.prices.set("RELIANCE", "10")
	o := v.submit(t, model.Order{Action: model.ActionBuy, PriceType: model.PriceTypeMarket, Quantity: 1})
	require.True(t, v.engine.ProcessOrder(ctx, o))

	assert.False(t, v.engine.CancelOrder(ctx, o.OrderID))
	assert.Equal(t, model.StatusFilled, v.order(t, o.OrderID).Status)
}

func TestProcessCancelledOrderIsNoop(t *testing.T) {
	v := newEnv(t, "50000")
	ctx := context.Background()
	v.prices.set("RELIANCE", "10")
	o := v.submit(t, model.Order{Action: model.ActionBuy, PriceType: model.PriceTypeMarket, Quantity: 1})
	require.True(t, v.engine.CancelOrder(ctx, o.OrderID))

	// Stale copy still says PENDING; the store refuses the fill.
	assert.False(t, v.engine.ProcessOrder(ctx, o))
	assert.Equal(t, model.StatusCancelled, v.order(t, o.OrderID).Status)
	assert.True(t, v.balance(t).Equal(d("50000")))
}

func TestNotifierReceivesEvents(t *testing.T) {
	v := newEnv(t, "50000")
	rec := &recorder{}
	v.engine.SetNotifier(rec)
	ctx := context.Background()

	v.prices.set("RELIANCE", "10")
	filled := v.submit(t, model.Order{Action: model.ActionBuy, PriceType: model.PriceTypeMarket, Quantity: 1})
	v.engine.ProcessOrder(ctx, filled)
	pending := v.submit(t, model.Order{Action: model.ActionBuy, PriceType: model.PriceTypeLimit,
		Quantity: 1, Price: dp("1")})
	v.engine.CancelOrder(ctx, pending.OrderID)

	require.Len(t, rec.events, 2)
	assert.Equal(t, EventFilled, rec.events[0].Type)
	require.NotNil(t, rec.events[0].Trade)
	assert.Equal(t, EventCancelled, rec.events[1].Type)
}

func TestLoop_FillsPendingAndStops(t *testing.T) {
	v := newEnv(t, "50000")
	o := v.submit(t, model.Order{Action: model.ActionBuy, PriceType: model.PriceTypeLimit,
		Quantity: 1, Price: dp("100")})

	v.engine.Start(context.Background())
	assert.True(t, v.engine.Running())
	v.prices.set("RELIANCE", "99")

	assert.Eventually(t, func() bool {
		return v.order(t, o.OrderID).Status == model.StatusFilled
	}, 2*time.Second, 5*time.Millisecond)

	v.engine.Stop()
	assert.False(t, v.engine.Running())
	v.engine.Stop() // idempotent
}

func TestLoop_ConcurrentFillsAndCancelsStayConsistent(t *testing.T) {
	v := newEnv(t, "1000000")
	ctx := context.Background()
	_, err := v.ledger.OpenAccount(ctx, "u1")
	require.NoError(t, err)
	v.prices.set("RELIANCE", "100")

	v.engine.Start(ctx)
	defer v.engine.Stop()

	const workers, perWorker = 16, 12
	var cancelOK, parked atomic.Int32
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				o := &model.Order{
					OrderID:   model.NewOrderID(),
					UserID:    "u1",
					Symbol:    "RELIANCE",
					Exchange:  "NSE",
					Product:   "MIS",
					PriceType: model.PriceTypeLimit,
					Quantity:  int64(i%5 + 1),
				}
				switch {
				case i%4 == 0:
					// Never crosses; stays PENDING until cancelled.
					o.Action, o.Price = model.ActionBuy, dp("90")
				case i%2 == 0:
					o.Action, o.Price = model.ActionBuy, dp("101")
				default:
					o.Action, o.Price = model.ActionSell, dp("99")
				}
				if !assert.NoError(t, v.ledger.Submit(ctx, o)) {
					return
				}
				if i%4 == 0 {
					parked.Add(1)
				}
				if i%4 == 0 || i%3 == 0 {
					time.Sleep(time.Duration((w+i)%4) * time.Millisecond)
					if v.engine.CancelOrder(ctx, o.OrderID) {
						cancelOK.Add(1)
					}
				}
			}
		}(w)
	}
	wg.Wait()

	assert.Eventually(t, func() bool {
		n, err := v.engine.PendingCount(ctx, "u1")
		return err == nil && n == 0
	}, 5*time.Second, 5*time.Millisecond)
	v.engine.Stop()

	orders, err := v.store.ListOrders(ctx, "u1", "")
	require.NoError(t, err)
	require.Len(t, orders, workers*perWorker)
	var counts model.OrderCounts
	for _, o := range orders {
		counts.Add(o.Status)
	}
	assert.Zero(t, counts.Rejected)
	assert.Equal(t, int(cancelOK.Load()), counts.Cancelled, "successful cancels must match CANCELLED orders")
	assert.GreaterOrEqual(t, int(cancelOK.Load()), int(parked.Load()))

	trades, err := v.store.ListTrades(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, trades, counts.Filled, "one trade per filled order")

	expected := d("1000000")
	var tradeNet int64
	seen := make(map[string]bool)
	for _, tr := range trades {
		assert.False(t, seen[tr.OrderID], "order %s traded twice", tr.OrderID)
		seen[tr.OrderID] = true
		if tr.Action == model.ActionBuy {
			expected = expected.Sub(tr.TradeValue)
			tradeNet += tr.Quantity
		} else {
			expected = expected.Add(tr.TradeValue)
			tradeNet -= tr.Quantity
		}
	}

	acct, err := v.store.GetAccount(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, acct.CurrentBalance.Equal(expected), "balance %s, want %s", acct.CurrentBalance, expected)

	positions, err := v.store.ListPositions(ctx, "u1")
	require.NoError(t, err)
	var net int64
	for _, p := range positions {
		net += p.Quantity
	}
	assert.Equal(t, tradeNet, net, "position quantity must equal signed traded quantity")
}

func TestStatsAndPendingCount(t *testing.T) {
	v := newEnv(t, "50000")
	ctx := context.Background()
	v.prices.set("RELIANCE", "10")

	filled := v.submit(t, model.Order{Action: model.ActionBuy, PriceType: model.PriceTypeMarket, Quantity: 1})
	v.engine.ProcessOrder(ctx, filled)
	v.submit(t, model.Order{Action: model.ActionBuy, PriceType: model.PriceTypeLimit, Quantity: 1, Price: dp("1")})

	n, err := v.engine.PendingCount(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stats, err := v.engine.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.Filled)
	assert.InDelta(t, 50.0, stats.FillRate, 0.001)
	assert.False(t, stats.MonitoringActive)
	assert.Equal(t, 5.0, stats.MarketData.TTLSeconds)
}

package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gregtusar/pairvolume/pkg/models"
	"github.com/shopspring/decimal"
)

// scriptedRand replays fixed values and falls back to zero once exhausted.
type scriptedRand struct {
	ints   []int
	floats []float64
}

func (r *scriptedRand) Intn(n int) int {
	if len(r.ints) == 0 {
		return 0
	}
	v := r.ints[0]
	r.ints = r.ints[1:]
	if v >= n {
		panic(fmt.Sprintf("scripted Intn value %d out of range [0,%d)", v, n))
	}
	return v
}

func (r *scriptedRand) Float64() float64 {
	if len(r.floats) == 0 {
		return 0
	}
	v := r.floats[0]
	r.floats = r.floats[1:]
	return v
}

// fakeClock fires every wait immediately and records the requested durations.
// With block set, waits never fire and waited is signalled instead.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	waits  []time.Duration
	block  bool
	waited chan time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), waited: make(chan time.Duration, 16)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.waits = append(c.waits, d)
	ch := make(chan time.Time, 1)
	if c.block {
		c.waited <- d
		return ch
	}
	c.now = c.now.Add(d)
	ch <- c.now
	return ch
}

func (c *fakeClock) Waits() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.waits...)
}

type placedOrder struct {
	account int
	side    models.OrderSide
	symbol  string
	size    decimal.Decimal
	id      string
}

// fakeGateway keeps per-account open orders so cleanup has something to
// cancel. Orders listed in failOn (by call number, 1-based) are rejected.
type fakeGateway struct {
	mu          sync.Mutex
	prices      []float64
	marketErr   map[int]error // by market data call number, 1-based
	failOn      map[int]error
	failAccount map[int]error
	marketCalls int
	placeCalls  int
	placed      []placedOrder
	open        map[int][]string
	cancelled   map[int][]string
	cleanups    []int
	cleanupErrs []error
	cleanupCtx  []error
}

func newFakeGateway(prices ...float64) *fakeGateway {
	return &fakeGateway{
		prices:      prices,
		marketErr:   map[int]error{},
		failOn:      map[int]error{},
		failAccount: map[int]error{},
		open:        map[int][]string{},
		cancelled:   map[int][]string{},
	}
}

func (g *fakeGateway) GetMarketData(ctx context.Context, symbol string) (*models.MarketData, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.marketCalls++
	if err := g.marketErr[g.marketCalls]; err != nil {
		return nil, err
	}
	if len(g.prices) == 0 {
		return nil, errors.New("no price scripted")
	}
	p := g.prices[0]
	if len(g.prices) > 1 {
		g.prices = g.prices[1:]
	}
	return &models.MarketData{Symbol: symbol, LastPrice: decimal.NewFromFloat(p)}, nil
}

func (g *fakeGateway) PlaceOrder(ctx context.Context, account int, req *models.OrderRequest) (*models.Order, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.placeCalls++
	if err := g.failOn[g.placeCalls]; err != nil {
		return nil, err
	}
	if err := g.failAccount[account]; err != nil {
		return nil, err
	}
	id := fmt.Sprintf("ord-%d", g.placeCalls)
	g.placed = append(g.placed, placedOrder{account: account, side: req.Side, symbol: req.Symbol, size: req.Quantity, id: id})
	g.open[account] = append(g.open[account], id)
	return &models.Order{ID: id, Symbol: req.Symbol, Side: req.Side, Type: req.Type, Quantity: req.Quantity, Status: models.OrderStatusOpen}, nil
}

func (g *fakeGateway) CloseAllOrders(ctx context.Context, account int, symbol string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cleanups = append(g.cleanups, account)
	g.cleanupCtx = append(g.cleanupCtx, ctx.Err())
	if len(g.cleanupErrs) > 0 {
		err := g.cleanupErrs[0]
		g.cleanupErrs = g.cleanupErrs[1:]
		if err != nil {
			return err
		}
	}
	g.cancelled[account] = append(g.cancelled[account], g.open[account]...)
	g.open[account] = nil
	return nil
}

// settle marks every open order filled, as the exchange would for market
// orders between sessions.
func (g *fakeGateway) settle() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.open = map[int][]string{}
}

// fakeRunner stands in for the engine in scheduler tests.
type fakeRunner struct {
	mu      sync.Mutex
	calls   int
	fail    func(call int) error
	onCall  func(call int)
	stopArg []<-chan struct{}
}

func (r *fakeRunner) Execute(ctx context.Context, stop <-chan struct{}) (*models.Session, error) {
	r.mu.Lock()
	r.calls++
	call := r.calls
	r.stopArg = append(r.stopArg, stop)
	r.mu.Unlock()

	if r.onCall != nil {
		r.onCall(call)
	}
	if r.fail != nil {
		if err := r.fail(call); err != nil {
			return nil, err
		}
	}
	return &models.Session{ID: fmt.Sprintf("s%d", call), State: models.SessionStateSettled}, nil
}

func (r *fakeRunner) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

package acquire

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nomis52/goquest/capability"
	"github.com/nomis52/goquest/metrics"
)

type fakeInventory struct {
	mu    sync.Mutex
	items map[string]int
	calls int
	err   error
}

func (f *fakeInventory) Count(_ context.Context, item string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return 0, f.err
	}
	return f.items[item], nil
}

type fakeStorage struct {
	items       map[string]int
	unreachable bool
	panicOn     string

	reachableCalls int
	opens          int
	closes         int
	withdrawn      map[string]int
}

func (f *fakeStorage) Reachable(context.Context) (bool, error) {
	f.reachableCalls++
	return !f.unreachable, nil
}

func (f *fakeStorage) Open(context.Context) error {
	f.opens++
	return nil
}

func (f *fakeStorage) Count(_ context.Context, item string) (int, error) {
	if item == f.panicOn {
		panic("storage exploded")
	}
	return f.items[item], nil
}

func (f *fakeStorage) Withdraw(_ context.Context, item string, qty int) (int, error) {
	got := min(qty, f.items[item])
	f.items[item] -= got
	if f.withdrawn == nil {
		f.withdrawn = make(map[string]int)
	}
	f.withdrawn[item] += got
	return got, nil
}

func (f *fakeStorage) Close(context.Context) error {
	f.closes++
	return nil
}

func (f *fakeStorage) calls() int {
	return f.reachableCalls + f.opens + f.closes + len(f.withdrawn)
}

type order struct {
	item  string
	qty   int
	price int
}

type fakeMarket struct {
	location  capability.Point
	reference int
	refErr    error
	// fill returns how much of the 1-based attempt's order is filled.
	fill func(attempt int, o order) int
	// onPlace runs after an order is recorded.
	onPlace func()

	opens    int
	collects int
	orders   []order
	cancels  []string
}

func (f *fakeMarket) Location() capability.Point { return f.location }

func (f *fakeMarket) Open(context.Context) error {
	f.opens++
	return nil
}

func (f *fakeMarket) CollectCompleted(context.Context) error {
	f.collects++
	return nil
}

func (f *fakeMarket) ReferencePrice(context.Context, string) (int, error) {
	return f.reference, f.refErr
}

func (f *fakeMarket) PlaceBuy(_ context.Context, item string, qty, price int) error {
	f.orders = append(f.orders, order{item: item, qty: qty, price: price})
	if f.onPlace != nil {
		f.onPlace()
	}
	return nil
}

func (f *fakeMarket) Filled(context.Context, string) (int, error) {
	if f.fill == nil || len(f.orders) == 0 {
		return 0, nil
	}
	return f.fill(len(f.orders), f.orders[len(f.orders)-1]), nil
}

func (f *fakeMarket) CancelAll(_ context.Context, item string) error {
	f.cancels = append(f.cancels, item)
	return nil
}

func (f *fakeMarket) calls() int {
	return f.opens + f.collects + len(f.orders) + len(f.cancels)
}

func (f *fakeMarket) prices() []int {
	var out []int
	for _, o := range f.orders {
		out = append(out, o.price)
	}
	return out
}

type fakeNavigator struct {
	pos         capability.Point
	failFirst   int
	navigations int
}

func (f *fakeNavigator) Navigate(_ context.Context, target capability.Point, _ int) error {
	f.navigations++
	if f.navigations <= f.failFirst {
		return errors.New("path blocked")
	}
	f.pos = target
	return nil
}

func (f *fakeNavigator) Position(context.Context) (capability.Point, error) {
	return f.pos, nil
}

func (f *fakeNavigator) Moving(context.Context) (bool, error) {
	return false, nil
}

func fastConfig() Config {
	return Config{
		OrderTimeout:  10 * time.Millisecond,
		PollInterval:  time.Millisecond,
		TravelTimeout: 10 * time.Millisecond,
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestCoordinator(t *testing.T, inv *fakeInventory, opts ...Option) *Coordinator {
	t.Helper()
	opts = append([]Option{WithConfig(fastConfig()), WithLogger(quietLogger())}, opts...)
	c, err := New(inv, opts...)
	require.NoError(t, err)
	return c
}

func widgets(n int) []Requirement {
	return []Requirement{{Name: "Widget", Quantity: n}}
}

func TestNew_RequiresInventory(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err)
}

func TestConfig_SetDefaults(t *testing.T) {
	var cfg Config
	cfg.SetDefaults()
	assert.Equal(t, 30*time.Second, cfg.OrderTimeout)
	assert.Equal(t, 5, cfg.MaxAttempts)
	assert.Equal(t, 5, cfg.RetryMarkupPercent)
	assert.Equal(t, 3, cfg.TravelAttempts)
}

func TestGather_AlreadyHeldMakesNoFurtherCalls(t *testing.T) {
	inv := &fakeInventory{items: map[string]int{"Widget": 5}}
	storage := &fakeStorage{items: map[string]int{"Widget": 10}}
	market := &fakeMarket{reference: 100}
	nav := &fakeNavigator{}
	c := newTestCoordinator(t, inv, WithStorage(storage), WithMarket(market, nav))

	res := c.Gather(context.Background(), widgets(2))

	assert.True(t, res.Success)
	assert.Equal(t, map[string]int{"Widget": 2}, res.Obtained)
	assert.Empty(t, res.Missing)
	assert.Zero(t, storage.calls())
	assert.Zero(t, market.calls())
	assert.Zero(t, nav.navigations)
}

func TestGather_WithdrawsFromStorage(t *testing.T) {
	inv := &fakeInventory{items: map[string]int{}}
	storage := &fakeStorage{items: map[string]int{"Widget": 2}}
	market := &fakeMarket{reference: 100}
	c := newTestCoordinator(t, inv, WithStorage(storage), WithMarket(market, nil))

	res := c.Gather(context.Background(), widgets(2))

	assert.True(t, res.Success)
	assert.Equal(t, map[string]int{"Widget": 2}, res.Obtained)
	assert.Empty(t, res.Missing)
	assert.Equal(t, 2, storage.withdrawn["Widget"])
	assert.Equal(t, 1, storage.opens)
	assert.Equal(t, 1, storage.closes)
	assert.Zero(t, market.calls())
	assert.Contains(t, res.LastAction, "storage")
}

func TestGather_NothingAnywhereExhaustsMarket(t *testing.T) {
	inv := &fakeInventory{items: map[string]int{}}
	storage := &fakeStorage{items: map[string]int{}}
	market := &fakeMarket{reference: 100}
	c := newTestCoordinator(t, inv, WithStorage(storage), WithMarket(market, nil))

	res := c.Gather(context.Background(), widgets(2))

	assert.False(t, res.Success)
	assert.Equal(t, map[string]int{"Widget": 2}, res.Missing)
	assert.Empty(t, res.Obtained)
	assert.Equal(t, []int{110, 115, 121, 127, 133}, market.prices())
	assert.Len(t, market.cancels, 5)
	assert.Zero(t, storage.opens, "storage without the item is never opened")
	assert.Contains(t, res.LastAction, "exhausted after 5 attempts")
}

func TestGather_MarketFillsOnSecondAttempt(t *testing.T) {
	inv := &fakeInventory{items: map[string]int{"Widget": 1}}
	market := &fakeMarket{
		reference: 100,
		fill: func(attempt int, o order) int {
			if attempt == 2 {
				return o.qty
			}
			return 0
		},
	}
	c := newTestCoordinator(t, inv, WithMarket(market, nil))

	res := c.Gather(context.Background(), widgets(3))

	assert.True(t, res.Success)
	assert.Equal(t, map[string]int{"Widget": 3}, res.Obtained)
	assert.Equal(t, []int{110, 115}, market.prices())
	require.Len(t, market.orders, 2)
	assert.Equal(t, 2, market.orders[0].qty)
	assert.Len(t, market.cancels, 1)
	assert.Positive(t, market.collects)
}

func TestGather_PartialFillsCarryOver(t *testing.T) {
	inv := &fakeInventory{items: map[string]int{}}
	market := &fakeMarket{
		reference: 50,
		fill: func(attempt int, o order) int {
			if attempt == 1 {
				return 1
			}
			return o.qty
		},
	}
	c := newTestCoordinator(t, inv, WithMarket(market, nil))

	res := c.Gather(context.Background(), widgets(3))

	assert.True(t, res.Success)
	require.Len(t, market.orders, 2)
	assert.Equal(t, 3, market.orders[0].qty)
	assert.Equal(t, 2, market.orders[1].qty, "second order only covers what is still missing")
}

func TestGather_FixedPriceNeverEscalates(t *testing.T) {
	inv := &fakeInventory{items: map[string]int{}}
	market := &fakeMarket{reference: 100}
	c := newTestCoordinator(t, inv, WithMarket(market, nil))

	req := Requirement{Name: "Widget", Quantity: 1, Strategy: StrategyFixed, FixedPrice: 250}
	res := c.Gather(context.Background(), []Requirement{req})

	assert.False(t, res.Success)
	assert.Equal(t, []int{250, 250, 250, 250, 250}, market.prices())
}

func TestGather_FallbackPriceWhenReferenceUnavailable(t *testing.T) {
	inv := &fakeInventory{items: map[string]int{}}
	market := &fakeMarket{refErr: errors.New("no trades"), fill: func(_ int, o order) int { return o.qty }}
	cfg := fastConfig()
	cfg.FallbackPrice = 200
	c := newTestCoordinator(t, inv, WithConfig(cfg), WithMarket(market, nil))

	res := c.Gather(context.Background(), widgets(1))

	assert.True(t, res.Success)
	assert.Equal(t, []int{220}, market.prices())
}

func TestGather_PolicyRestrictsSources(t *testing.T) {
	tests := []struct {
		name         string
		policy       Policy
		wantStorage  bool
		wantMarket   bool
		wantObtained int
	}{
		{name: "local only", policy: PolicyLocalOnly},
		{name: "storage only", policy: PolicyStorageOnly, wantStorage: true, wantObtained: 1},
		{name: "no market", policy: PolicyNoMarket, wantStorage: true, wantObtained: 1},
		{name: "market only", policy: PolicyMarketOnly, wantMarket: true, wantObtained: 2},
		{name: "any", policy: PolicyAny, wantStorage: true, wantMarket: true, wantObtained: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inv := &fakeInventory{items: map[string]int{}}
			storage := &fakeStorage{items: map[string]int{"Widget": 1}}
			market := &fakeMarket{reference: 10, fill: func(_ int, o order) int { return o.qty }}
			c := newTestCoordinator(t, inv, WithStorage(storage), WithMarket(market, nil))

			req := Requirement{Name: "Widget", Quantity: 2, Policy: tt.policy}
			res := c.Gather(context.Background(), []Requirement{req})

			assert.Equal(t, tt.wantStorage, storage.reachableCalls > 0)
			assert.Equal(t, tt.wantMarket, len(market.orders) > 0)
			assert.Equal(t, tt.wantObtained, res.Obtained["Widget"])
			assert.Equal(t, tt.wantObtained == 2, res.Success)
		})
	}
}

func TestGather_AllowPartial(t *testing.T) {
	inv := &fakeInventory{items: map[string]int{"Widget": 1}}
	c := newTestCoordinator(t, inv)

	res := c.Gather(context.Background(), []Requirement{
		{Name: "Widget", Quantity: 3, AllowPartial: true},
		{Name: "Gadget", Quantity: 1, AllowPartial: true},
	})

	assert.False(t, res.Success, "a partial requirement with nothing obtained still fails")
	assert.Equal(t, map[string]int{"Widget": 2, "Gadget": 1}, res.Missing)

	res = c.Gather(context.Background(), []Requirement{{Name: "Widget", Quantity: 3, AllowPartial: true}})
	assert.True(t, res.Success)
	assert.Equal(t, map[string]int{"Widget": 2}, res.Missing)
}

func TestGather_UnreachableStorageFallsThrough(t *testing.T) {
	inv := &fakeInventory{items: map[string]int{}}
	storage := &fakeStorage{items: map[string]int{"Widget": 5}, unreachable: true}
	market := &fakeMarket{reference: 10, fill: func(_ int, o order) int { return o.qty }}
	c := newTestCoordinator(t, inv, WithStorage(storage), WithMarket(market, nil))

	res := c.Gather(context.Background(), widgets(2))

	assert.True(t, res.Success)
	assert.Zero(t, storage.opens)
	assert.Len(t, market.orders, 1)
}

func TestGather_TravelsToMarket(t *testing.T) {
	target := capability.Point{X: 3200, Y: 3200}
	inv := &fakeInventory{items: map[string]int{}}
	market := &fakeMarket{location: target, reference: 10, fill: func(_ int, o order) int { return o.qty }}
	nav := &fakeNavigator{failFirst: 1}
	c := newTestCoordinator(t, inv, WithMarket(market, nav))

	res := c.Gather(context.Background(), widgets(1))

	assert.True(t, res.Success)
	assert.Equal(t, 2, nav.navigations)
	assert.Equal(t, target, nav.pos)
}

func TestGather_TravelFailureReportsShortfall(t *testing.T) {
	inv := &fakeInventory{items: map[string]int{}}
	market := &fakeMarket{location: capability.Point{X: 100}, reference: 10}
	nav := &fakeNavigator{failFirst: 10}
	c := newTestCoordinator(t, inv, WithMarket(market, nav))

	res := c.Gather(context.Background(), widgets(1))

	assert.False(t, res.Success)
	assert.Equal(t, 3, nav.navigations)
	assert.Zero(t, market.opens)
	assert.Contains(t, res.LastAction, "could not reach market")
}

func TestGather_AbortedBeforeStart(t *testing.T) {
	inv := &fakeInventory{items: map[string]int{}}
	storage := &fakeStorage{items: map[string]int{"Widget": 2}}
	market := &fakeMarket{reference: 100}
	c := newTestCoordinator(t, inv, WithStorage(storage), WithMarket(market, nil))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := c.Gather(ctx, widgets(2))

	assert.False(t, res.Success)
	assert.Equal(t, map[string]int{"Widget": 2}, res.Missing)
	assert.Zero(t, storage.calls())
	assert.Zero(t, market.calls())
	assert.Contains(t, res.LastAction, "aborted")
}

func TestGather_AbortedWhileWaitingForFill(t *testing.T) {
	inv := &fakeInventory{items: map[string]int{}}
	ctx, cancel := context.WithCancel(context.Background())
	market := &fakeMarket{reference: 100, onPlace: cancel}
	cfg := fastConfig()
	cfg.OrderTimeout = time.Minute
	c := newTestCoordinator(t, inv, WithConfig(cfg), WithMarket(market, nil))

	start := time.Now()
	res := c.Gather(ctx, widgets(2))

	assert.Less(t, time.Since(start), 10*time.Second)
	assert.False(t, res.Success)
	assert.Len(t, market.orders, 1)
	assert.Equal(t, []string{"Widget"}, market.cancels, "pending orders are pulled on abort")
	assert.Contains(t, res.LastAction, "aborted")
}

func TestGather_PanicBecomesShortfall(t *testing.T) {
	inv := &fakeInventory{items: map[string]int{"Gadget": 1}}
	storage := &fakeStorage{items: map[string]int{}, panicOn: "Widget"}
	c := newTestCoordinator(t, inv, WithStorage(storage))

	var res Result
	require.NotPanics(t, func() {
		res = c.Gather(context.Background(), []Requirement{
			{Name: "Widget", Quantity: 2},
			{Name: "Gadget", Quantity: 1},
		})
	})

	assert.False(t, res.Success)
	assert.Equal(t, map[string]int{"Widget": 2}, res.Missing)
	assert.Equal(t, map[string]int{"Gadget": 1}, res.Obtained)
}

func TestGather_InventoryErrorIsMissing(t *testing.T) {
	inv := &fakeInventory{err: errors.New("bridge down")}
	c := newTestCoordinator(t, inv)

	res := c.Gather(context.Background(), widgets(2))

	assert.False(t, res.Success)
	assert.Equal(t, map[string]int{"Widget": 2}, res.Missing)
	assert.Contains(t, res.LastAction, "bridge down")
}

func TestGather_InvalidRequirement(t *testing.T) {
	inv := &fakeInventory{items: map[string]int{}}
	c := newTestCoordinator(t, inv)

	res := c.Gather(context.Background(), []Requirement{{Name: "Widget", Quantity: 1, Strategy: StrategyFixed}})

	assert.False(t, res.Success)
	assert.Contains(t, res.LastAction, "fixed_price")
	assert.Zero(t, inv.calls)
}

func TestCheck(t *testing.T) {
	inv := &fakeInventory{items: map[string]int{"Widget": 1, "Gadget": 4}}
	c := newTestCoordinator(t, inv)

	shortfall, err := c.Check(context.Background(), []Requirement{
		{Name: "Widget", Quantity: 3},
		{Name: "Gadget", Quantity: 2},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"Widget": 2}, shortfall)

	inv.err = errors.New("bridge down")
	_, err = c.Check(context.Background(), widgets(1))
	assert.ErrorContains(t, err, "bridge down")
}

func TestGather_RecordsMetrics(t *testing.T) {
	reg, err := metrics.NewScrapeRegistry(metrics.ScrapeConfig{})
	require.NoError(t, err)

	inv := &fakeInventory{items: map[string]int{}}
	storage := &fakeStorage{items: map[string]int{"Widget": 1}}
	market := &fakeMarket{reference: 10, fill: func(_ int, o order) int { return o.qty }}
	c := newTestCoordinator(t, inv, WithStorage(storage), WithMarket(market, nil), WithMetricsRegistry(reg))

	res := c.Gather(context.Background(), widgets(2))
	require.True(t, res.Success)

	families, err := reg.PrometheusRegistry().Gather()
	require.NoError(t, err)
	found := make(map[string]bool)
	for _, f := range families {
		found[f.GetName()] = true
	}
	assert.True(t, found[metricObtained])
	assert.True(t, found[metricMarketAttempts])
}

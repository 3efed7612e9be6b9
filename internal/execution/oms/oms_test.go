package oms

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/quantarc/execsim/internal/execution/books"
	"github.com/quantarc/execsim/internal/execution/engine"
	"github.com/quantarc/execsim/internal/execution/events"
	"github.com/quantarc/execsim/internal/execution/model"
	"github.com/quantarc/execsim/internal/execution/router"
	"github.com/quantarc/execsim/internal/execution/venue"
)

// captureBus records every published event synchronously so tests can assert
// on the lifecycle stream.
type captureBus struct {
	mu     sync.Mutex
	events []events.Event
}

func (b *captureBus) Publish(ctx context.Context, e events.Event) {
	b.mu.Lock()
	b.events = append(b.events, e)
	b.mu.Unlock()
}

func (b *captureBus) Subscribe(topic string, h events.Handler) {}

func (b *captureBus) countType(eventType string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, e := range b.events {
		if e.Type == eventType {
			n++
		}
	}
	return n
}

type captureQuality struct {
	mu      sync.Mutex
	records []model.SlippageRecord
}

func (q *captureQuality) Record(ctx context.Context, rec model.SlippageRecord) {
	q.mu.Lock()
	q.records = append(q.records, rec)
	q.mu.Unlock()
}

func (q *captureQuality) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.records)
}

func (q *captureQuality) last() model.SlippageRecord {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.records[len(q.records)-1]
}

type omsFixture struct {
	oms     *OMS
	store   *books.Store
	bus     *captureBus
	quality *captureQuality
	conns   map[string]*venue.SimulatedConnector
}

func testVenue(id string, latency time.Duration) *model.ExecutionVenue {
	return &model.ExecutionVenue{
		ID:         id,
		Name:       id,
		Fees:       model.FeeSchedule{TakerRate: decimal.NewFromFloat(0.001)},
		AvgLatency: latency,
	}
}

// newFixture wires a full pipeline: book store, router, algo engine and one
// simulated connector per venue, all on a virtual clock.
func newFixture(t *testing.T, cfg Config, venues ...*model.ExecutionVenue) *omsFixture {
	t.Helper()
	logger := zap.NewNop()
	store := books.NewStore(logger)
	bus := &captureBus{}
	quality := &captureQuality{}
	clock := engine.NewVirtualClock(time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC))

	rtr := router.New(logger, store, nil, router.DefaultConfig())
	algo := engine.New(logger, store, clock, engine.DefaultConfig())
	manager := New(logger, bus, rtr, algo, quality, cfg)
	manager.AddValidator(NewBasicOrderValidator(logger))

	f := &omsFixture{
		oms:     manager,
		store:   store,
		bus:     bus,
		quality: quality,
		conns:   make(map[string]*venue.SimulatedConnector),
	}
	for _, v := range venues {
		require.NoError(t, rtr.RegisterVenue(v))
		c := venue.NewSimulatedConnector(v, logger, store, clock, engine.DefaultConfig())
		require.NoError(t, c.Connect(context.Background()))
		t.Cleanup(func() { c.Disconnect(context.Background()) })
		manager.RegisterConnector(c)
		f.conns[v.ID] = c
	}
	t.Cleanup(manager.Close)
	return f
}

func bookLevels(pairs ...float64) []model.BookLevel {
	out := make([]model.BookLevel, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, model.BookLevel{
			Price: decimal.NewFromFloat(pairs[i]),
			Size:  decimal.NewFromFloat(pairs[i+1]),
		})
	}
	return out
}

// seedBook installs the same snapshot as the venue-local and market-wide
// view for a symbol.
func (f *omsFixture) seedBook(t *testing.T, venueID, symbol string, bids, asks []model.BookLevel) {
	t.Helper()
	book, err := books.BuildBook(symbol, bids, asks)
	require.NoError(t, err)
	f.store.UpdateVenue(venueID, book)
	f.store.Update(book)
}

func marketBuy(symbol string, qty float64) model.OrderRequest {
	return model.OrderRequest{
		Symbol:   symbol,
		Side:     model.SideBuy,
		Type:     model.OrderTypeMarket,
		Quantity: decimal.NewFromFloat(qty),
	}
}

func TestSubmitMarketOrderFillsThroughVenue(t *testing.T) {
	f := newFixture(t, DefaultConfig(), testVenue("LIT-A", 10*time.Millisecond))
	f.seedBook(t, "LIT-A", "AAPL",
		bookLevels(149.9, 500),
		bookLevels(150.0, 500))

	order := f.oms.Submit(context.Background(), marketBuy("AAPL", 200))

	snap := order.Snapshot()
	assert.Equal(t, model.OrderStateFilled, snap.State)
	assert.Equal(t, "LIT-A", snap.Venue)
	assert.True(t, snap.TotalFilled.Equal(decimal.NewFromInt(200)))
	assert.True(t, snap.AverageFillPrice.Equal(decimal.NewFromInt(150)))
	assert.NotNil(t, snap.FilledAt)

	assert.Equal(t, 1, f.bus.countType(events.TypeOrderCreated))
	assert.Equal(t, 1, f.bus.countType(events.TypeOrderFilled))

	require.Equal(t, 1, f.quality.count())
	rec := f.quality.last()
	assert.Equal(t, "AAPL", rec.Symbol)
	assert.Equal(t, "LIT-A", rec.Venue)
	assert.True(t, rec.FillRate.Equal(decimal.NewFromInt(1)))
	assert.True(t, rec.ActualPrice.Equal(decimal.NewFromInt(150)))

	m := f.oms.Metrics()
	assert.Equal(t, int64(1), m.Submitted)
	assert.Equal(t, int64(1), m.Filled)
	assert.Equal(t, int64(1), m.Fills)
}

func TestImmediateFillLeavesNoExpiryTimer(t *testing.T) {
	f := newFixture(t, DefaultConfig(), testVenue("LIT-A", 10*time.Millisecond))
	f.seedBook(t, "LIT-A", "AAPL",
		bookLevels(149.9, 500),
		bookLevels(150.0, 500))

	order := f.oms.Submit(context.Background(), marketBuy("AAPL", 200))
	require.Equal(t, model.OrderStateFilled, order.State())

	f.oms.mu.Lock()
	_, armed := f.oms.timers[order.ID.String()]
	f.oms.mu.Unlock()
	assert.False(t, armed)
}

func TestSubmitRejectsInvalidRequest(t *testing.T) {
	f := newFixture(t, DefaultConfig(), testVenue("LIT-A", 10*time.Millisecond))

	order := f.oms.Submit(context.Background(), model.OrderRequest{
		Symbol:   "AAPL",
		Side:     model.SideBuy,
		Type:     model.OrderTypeMarket,
		Quantity: decimal.Zero,
	})

	snap := order.Snapshot()
	assert.Equal(t, model.OrderStateRejected, snap.State)
	assert.Contains(t, snap.Reason, "validation failed")
	assert.Equal(t, 1, f.bus.countType(events.TypeOrderRejected))
	assert.Equal(t, int64(1), f.oms.Metrics().Rejected)
}

func TestSubmitSizeLimitRejection(t *testing.T) {
	f := newFixture(t, DefaultConfig(), testVenue("LIT-A", 10*time.Millisecond))
	f.oms.AddValidator(NewSizeLimitValidator(decimal.NewFromInt(100)))

	order := f.oms.Submit(context.Background(), marketBuy("AAPL", 500))

	snap := order.Snapshot()
	assert.Equal(t, model.OrderStateRejected, snap.State)
	assert.Contains(t, snap.Reason, "maximum order size")
}

func TestSubmitRejectsWhenRoutingFails(t *testing.T) {
	f := newFixture(t, DefaultConfig())

	order := f.oms.Submit(context.Background(), marketBuy("AAPL", 100))

	snap := order.Snapshot()
	assert.Equal(t, model.OrderStateRejected, snap.State)
	assert.Contains(t, snap.Reason, "routing failed")
}

func TestSubmitRejectsWhenConnectorMissing(t *testing.T) {
	// Venue known to the router but never registered with the OMS.
	logger := zap.NewNop()
	store := books.NewStore(logger)
	rtr := router.New(logger, store, nil, router.DefaultConfig())
	require.NoError(t, rtr.RegisterVenue(testVenue("GHOST", 10*time.Millisecond)))
	manager := New(logger, &captureBus{}, rtr, nil, nil, DefaultConfig())
	t.Cleanup(manager.Close)

	order := manager.Submit(context.Background(), marketBuy("AAPL", 100))

	snap := order.Snapshot()
	assert.Equal(t, model.OrderStateRejected, snap.State)
	assert.Contains(t, snap.Reason, "venue submission failed")
}

func TestAutoRetryFallsBackToNextVenue(t *testing.T) {
	cheap := testVenue("CHEAP", 10*time.Millisecond)
	cheap.Fees = model.FeeSchedule{TakerRate: decimal.NewFromFloat(0.0001)}
	dear := testVenue("DEAR", 10*time.Millisecond)

	run := func(t *testing.T, autoRetry bool) *model.ManagedOrder {
		cfg := DefaultConfig()
		cfg.AutoRetry = autoRetry
		f := newFixture(t, cfg, dear)
		// The cheaper venue wins the routing but has no connector.
		require.NoError(t, f.oms.router.(*router.Router).RegisterVenue(cheap))
		f.seedBook(t, "DEAR", "AAPL", bookLevels(149.9, 500), bookLevels(150.0, 500))
		f.seedBook(t, "CHEAP", "AAPL", bookLevels(149.9, 500), bookLevels(150.0, 500))
		return f.oms.Submit(context.Background(), marketBuy("AAPL", 100))
	}

	t.Run("retries fallback venue", func(t *testing.T) {
		snap := run(t, true).Snapshot()
		assert.Equal(t, model.OrderStateFilled, snap.State)
		assert.Equal(t, "DEAR", snap.Venue)
	})

	t.Run("rejects without retry", func(t *testing.T) {
		snap := run(t, false).Snapshot()
		assert.Equal(t, model.OrderStateRejected, snap.State)
		assert.Contains(t, snap.Reason, "venue submission failed")
	})
}

func restingStop(t *testing.T, f *omsFixture) *model.ManagedOrder {
	t.Helper()
	f.seedBook(t, "LIT-A", "AAPL", bookLevels(149.9, 500), bookLevels(150.0, 500))
	order := f.oms.Submit(context.Background(), model.OrderRequest{
		Symbol:    "AAPL",
		Side:      model.SideBuy,
		Type:      model.OrderTypeStop,
		Quantity:  decimal.NewFromInt(100),
		StopPrice: decimal.NewFromFloat(155.0),
	})
	require.Equal(t, model.OrderStateAcknowledged, order.State())
	require.NotEmpty(t, order.BrokerOrderID())
	return order
}

func TestCancelRestingOrder(t *testing.T) {
	f := newFixture(t, DefaultConfig(), testVenue("LIT-A", 10*time.Millisecond))
	order := restingStop(t, f)

	ok, err := f.oms.Cancel(context.Background(), order.ID.String())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, model.OrderStateCancelled, order.State())
	assert.Equal(t, 1, f.bus.countType(events.TypeOrderCancelled))
	assert.Equal(t, int64(1), f.oms.Metrics().Cancelled)

	// Cancelling again is a no-op without error.
	ok, err = f.oms.Cancel(context.Background(), order.ID.String())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCancelUnknownOrder(t *testing.T) {
	f := newFixture(t, DefaultConfig(), testVenue("LIT-A", 10*time.Millisecond))

	_, err := f.oms.Cancel(context.Background(), "no-such-order")
	assert.ErrorIs(t, err, model.ErrOrderNotFound)
}

func TestCancelFilledOrderDeclined(t *testing.T) {
	f := newFixture(t, DefaultConfig(), testVenue("LIT-A", 10*time.Millisecond))
	f.seedBook(t, "LIT-A", "AAPL", bookLevels(149.9, 500), bookLevels(150.0, 500))
	order := f.oms.Submit(context.Background(), marketBuy("AAPL", 100))
	require.Equal(t, model.OrderStateFilled, order.State())

	ok, err := f.oms.Cancel(context.Background(), order.ID.String())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestModifyRestingOrder(t *testing.T) {
	f := newFixture(t, DefaultConfig(), testVenue("LIT-A", 10*time.Millisecond))
	order := restingStop(t, f)

	newQty := decimal.NewFromInt(80)
	newStop := decimal.NewFromFloat(156.0)
	err := f.oms.Modify(context.Background(), order.ID.String(), model.OrderUpdate{
		Quantity:  &newQty,
		StopPrice: &newStop,
	})
	require.NoError(t, err)

	bo, err := f.conns["LIT-A"].GetOrder(context.Background(), order.BrokerOrderID())
	require.NoError(t, err)
	assert.True(t, bo.Quantity.Equal(newQty))
	assert.True(t, bo.StopPrice.Equal(newStop))
	assert.True(t, order.Snapshot().Request.Quantity.Equal(newQty))
}

func TestModifyTerminalOrder(t *testing.T) {
	f := newFixture(t, DefaultConfig(), testVenue("LIT-A", 10*time.Millisecond))
	f.seedBook(t, "LIT-A", "AAPL", bookLevels(149.9, 500), bookLevels(150.0, 500))
	order := f.oms.Submit(context.Background(), marketBuy("AAPL", 100))
	require.Equal(t, model.OrderStateFilled, order.State())

	newQty := decimal.NewFromInt(80)
	err := f.oms.Modify(context.Background(), order.ID.String(), model.OrderUpdate{Quantity: &newQty})
	assert.ErrorIs(t, err, model.ErrNotModifiable)
}

func TestModifyUnknownOrder(t *testing.T) {
	f := newFixture(t, DefaultConfig(), testVenue("LIT-A", 10*time.Millisecond))

	newQty := decimal.NewFromInt(80)
	err := f.oms.Modify(context.Background(), "no-such-order", model.OrderUpdate{Quantity: &newQty})
	assert.ErrorIs(t, err, model.ErrOrderNotFound)
}

func TestOrderExpiresAfterMaxLifetime(t *testing.T) {
	cfg := Config{MaxOrderLifetime: 20 * time.Millisecond}
	f := newFixture(t, cfg, testVenue("LIT-A", 10*time.Millisecond))
	order := restingStop(t, f)

	require.Eventually(t, func() bool {
		return order.State() == model.OrderStateExpired
	}, 2*time.Second, 5*time.Millisecond)

	snap := order.Snapshot()
	assert.Equal(t, "max order lifetime exceeded", snap.Reason)
	assert.Equal(t, int64(1), f.oms.Metrics().Expired)

	// The venue-side order was cancelled as part of the expiry.
	bo, err := f.conns["LIT-A"].GetOrder(context.Background(), order.BrokerOrderID())
	require.NoError(t, err)
	assert.Equal(t, venue.BrokerStatusCancelled, bo.Status)
}

func TestAlgoTwapRunsToFilled(t *testing.T) {
	f := newFixture(t, DefaultConfig(), testVenue("LIT-A", 10*time.Millisecond))
	f.seedBook(t, "LIT-A", "AAPL", bookLevels(149.9, 10000), bookLevels(150.0, 10000))

	order := f.oms.Submit(context.Background(), model.OrderRequest{
		Symbol:   "AAPL",
		Side:     model.SideBuy,
		Type:     model.OrderTypeTWAP,
		Quantity: decimal.NewFromInt(1000),
		AlgoParams: map[string]float64{
			engine.ParamSlices:          4,
			engine.ParamDurationSeconds: 4,
		},
	})

	require.Eventually(t, func() bool {
		return order.State() == model.OrderStateFilled
	}, 2*time.Second, 5*time.Millisecond)

	snap := order.Snapshot()
	assert.True(t, snap.TotalFilled.Equal(decimal.NewFromInt(1000)))
	assert.Len(t, snap.Fills, 4)
	assert.Equal(t, "LIT-A", snap.Venue)

	assert.Equal(t, 3, f.bus.countType(events.TypePartialFill))
	assert.Equal(t, 1, f.bus.countType(events.TypeOrderFilled))
	require.Eventually(t, func() bool { return f.quality.count() == 1 }, time.Second, 5*time.Millisecond)

	m := f.oms.Metrics()
	assert.Equal(t, int64(1), m.Filled)
	assert.Equal(t, int64(4), m.Fills)
}

func TestAlgoSniperTimeoutRejects(t *testing.T) {
	f := newFixture(t, DefaultConfig(), testVenue("LIT-A", 10*time.Millisecond))
	f.oms.AddValidator(NewAlgoParamsValidator())
	// Trigger far below the ask so the sniper never fires.
	f.seedBook(t, "LIT-A", "AAPL", bookLevels(149.9, 500), bookLevels(150.0, 500))

	order := f.oms.Submit(context.Background(), model.OrderRequest{
		Symbol:   "AAPL",
		Side:     model.SideBuy,
		Type:     model.OrderTypeSniper,
		Quantity: decimal.NewFromInt(100),
		AlgoParams: map[string]float64{
			engine.ParamTriggerPrice:   140.0,
			engine.ParamTimeoutSeconds: 2,
		},
	})

	require.Eventually(t, func() bool {
		return order.State() == model.OrderStateRejected
	}, 2*time.Second, 5*time.Millisecond)
	assert.Contains(t, order.Snapshot().Reason, "timeout")
}

func TestExecutionReportReplayIgnored(t *testing.T) {
	f := newFixture(t, DefaultConfig(), testVenue("LIT-A", 10*time.Millisecond))
	order := restingStop(t, f)
	brokerID := order.BrokerOrderID()

	report := venue.ExecutionReport{
		VenueID:       "LIT-A",
		BrokerOrderID: brokerID,
		OrderID:       order.ID.String(),
		FilledTotal:   decimal.NewFromInt(40),
		AvgPrice:      decimal.NewFromInt(150),
		Timestamp:     time.Now(),
	}
	f.oms.handleExecutionReport(report)
	require.True(t, order.TotalFilled().Equal(decimal.NewFromInt(40)))
	require.Equal(t, model.OrderStatePartialFill, order.State())

	// A replayed report carries no new quantity and changes nothing.
	f.oms.handleExecutionReport(report)
	assert.True(t, order.TotalFilled().Equal(decimal.NewFromInt(40)))
	assert.Equal(t, int64(1), f.oms.Metrics().Fills)

	report.FilledTotal = decimal.NewFromInt(100)
	report.AvgPrice = decimal.NewFromFloat(150.5)
	f.oms.handleExecutionReport(report)
	snap := order.Snapshot()
	assert.Equal(t, model.OrderStateFilled, snap.State)
	assert.True(t, snap.TotalFilled.Equal(decimal.NewFromInt(100)))
	assert.True(t, snap.AverageFillPrice.Equal(decimal.NewFromFloat(150.5)))
	assert.Equal(t, int64(2), f.oms.Metrics().Fills)
}

func TestSplitOrderFillsAcrossVenues(t *testing.T) {
	f := newFixture(t, DefaultConfig(),
		testVenue("LIT-A", 10*time.Millisecond),
		testVenue("LIT-B", 10*time.Millisecond))
	// Neither venue covers the full size, so a LOW urgency order splits.
	f.seedBook(t, "LIT-A", "AAPL", bookLevels(149.9, 600), bookLevels(150.0, 600))
	f.seedBook(t, "LIT-B", "AAPL", bookLevels(149.8, 500), bookLevels(150.1, 500))

	req := marketBuy("AAPL", 1000)
	req.Urgency = model.UrgencyLow
	order := f.oms.Submit(context.Background(), req)

	snap := order.Snapshot()
	require.NotNil(t, snap.Decision)
	require.True(t, snap.Decision.IsSplit())

	assert.Equal(t, model.OrderStateFilled, snap.State)
	assert.True(t, snap.TotalFilled.Equal(decimal.NewFromInt(1000)))

	venuesSeen := map[string]bool{}
	for _, fill := range snap.Fills {
		venuesSeen[fill.Venue] = true
	}
	assert.True(t, venuesSeen["LIT-A"])
	assert.True(t, venuesSeen["LIT-B"])
}

func TestOrdersFilteringAndActive(t *testing.T) {
	f := newFixture(t, DefaultConfig(), testVenue("LIT-A", 10*time.Millisecond))
	f.seedBook(t, "LIT-A", "AAPL", bookLevels(149.9, 500), bookLevels(150.0, 500))

	filled := f.oms.Submit(context.Background(), marketBuy("AAPL", 100))
	require.Equal(t, model.OrderStateFilled, filled.State())
	resting := restingStop(t, f)

	all := f.oms.Orders("")
	require.Len(t, all, 2)
	assert.Equal(t, filled.ID.String(), all[0].ID)

	filledOnly := f.oms.Orders(model.OrderStateFilled)
	require.Len(t, filledOnly, 1)
	assert.Equal(t, filled.ID.String(), filledOnly[0].ID)

	active := f.oms.ActiveOrders()
	require.Len(t, active, 1)
	assert.Equal(t, resting.ID.String(), active[0].ID)
}

func TestGetOrderAndReset(t *testing.T) {
	f := newFixture(t, DefaultConfig(), testVenue("LIT-A", 10*time.Millisecond))
	f.seedBook(t, "LIT-A", "AAPL", bookLevels(149.9, 500), bookLevels(150.0, 500))
	order := f.oms.Submit(context.Background(), marketBuy("AAPL", 100))

	got, err := f.oms.GetOrder(order.ID.String())
	require.NoError(t, err)
	assert.Equal(t, order.ID, got.ID)

	f.oms.Reset()
	_, err = f.oms.GetOrder(order.ID.String())
	assert.ErrorIs(t, err, model.ErrOrderNotFound)
	assert.Empty(t, f.oms.Orders(""))
}

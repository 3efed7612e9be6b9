package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/quantarc/execsim/internal/execution/model"
)

// stubBooks serves a fixed snapshot per symbol; tests mutate the map between
// slices to simulate a moving market.
type stubBooks struct {
	books map[string]*model.OrderBook
}

func (s *stubBooks) Get(symbol string) (*model.OrderBook, bool) {
	book, ok := s.books[symbol]
	return book, ok
}

func level(price, size float64) model.BookLevel {
	return model.BookLevel{Price: decimal.NewFromFloat(price), Size: decimal.NewFromFloat(size)}
}

func testBook(bids, asks []model.BookLevel) *model.OrderBook {
	return &model.OrderBook{Symbol: "AAPL", Bids: bids, Asks: asks, Timestamp: time.Now()}
}

func newTestEngine(books *stubBooks) (*Engine, *VirtualClock) {
	clock := NewVirtualClock(time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC))
	return New(zap.NewNop(), books, clock, DefaultConfig()), clock
}

func marketBuy(qty float64) model.OrderRequest {
	return model.OrderRequest{
		Symbol:   "AAPL",
		Side:     model.SideBuy,
		Type:     model.OrderTypeMarket,
		Quantity: decimal.NewFromFloat(qty),
	}
}

func TestExecuteMarketWalksLevels(t *testing.T) {
	books := &stubBooks{books: map[string]*model.OrderBook{
		"AAPL": testBook(nil, []model.BookLevel{level(150.1, 100), level(150.2, 200)}),
	}}
	eng, _ := newTestEngine(books)

	result := eng.Execute(context.Background(), "ord-1", "LIT-A", marketBuy(150))
	require.Equal(t, model.ExecStatusFilled, result.Status)
	require.Len(t, result.Fills, 2)
	assert.True(t, result.Fills[0].Quantity.Equal(decimal.NewFromInt(100)))
	assert.True(t, result.Fills[1].Quantity.Equal(decimal.NewFromInt(50)))

	// (100*150.1 + 50*150.2) / 150
	avg := decimal.NewFromFloat(100*150.1 + 50*150.2).Div(decimal.NewFromInt(150))
	assert.True(t, result.AvgPrice.Equal(avg), "got %s want %s", result.AvgPrice, avg)

	// Commission at the fixed rate on each fill's notional.
	wantCommission := decimal.NewFromFloat(100*150.1 + 50*150.2).Mul(decimal.NewFromFloat(0.001))
	assert.True(t, result.Commission.Equal(wantCommission))

	// Slippage measured against the best opposite level, positive for a BUY
	// walking up the book.
	assert.True(t, result.SlippagePercent.IsPositive())
}

func TestExecuteLimitStopsAtTolerance(t *testing.T) {
	// Limit 150.00, tolerance 0.1%: level 150.1 is within (0.0667%), level
	// 150.3 is out (0.2%).
	books := &stubBooks{books: map[string]*model.OrderBook{
		"AAPL": testBook(nil, []model.BookLevel{level(150.1, 100), level(150.3, 200)}),
	}}
	eng, _ := newTestEngine(books)

	req := marketBuy(300)
	req.Type = model.OrderTypeLimit
	req.LimitPrice = decimal.NewFromFloat(150.00)

	result := eng.Execute(context.Background(), "ord-1", "LIT-A", req)
	assert.Equal(t, model.ExecStatusPartial, result.Status)
	assert.True(t, result.FilledQty.Equal(decimal.NewFromInt(100)))
	require.Len(t, result.Fills, 1)
}

func TestExecuteRejectsWithoutBook(t *testing.T) {
	eng, _ := newTestEngine(&stubBooks{books: map[string]*model.OrderBook{}})

	result := eng.Execute(context.Background(), "ord-1", "LIT-A", marketBuy(10))
	assert.Equal(t, model.ExecStatusRejected, result.Status)
	assert.Contains(t, result.Reason, "no order book")
}

func TestExecuteRejectsEmptyOppositeSide(t *testing.T) {
	books := &stubBooks{books: map[string]*model.OrderBook{
		"AAPL": testBook([]model.BookLevel{level(149.9, 100)}, nil),
	}}
	eng, _ := newTestEngine(books)

	result := eng.Execute(context.Background(), "ord-1", "LIT-A", marketBuy(10))
	assert.Equal(t, model.ExecStatusRejected, result.Status)
	assert.Contains(t, result.Reason, "no liquidity")
}

func TestExecuteEffectiveFillThreshold(t *testing.T) {
	// 96 of 100 available: above the 95% threshold, reported FILLED.
	books := &stubBooks{books: map[string]*model.OrderBook{
		"AAPL": testBook(nil, []model.BookLevel{level(150.1, 96)}),
	}}
	eng, _ := newTestEngine(books)

	result := eng.Execute(context.Background(), "ord-1", "LIT-A", marketBuy(100))
	assert.Equal(t, model.ExecStatusFilled, result.Status)
	assert.True(t, result.FilledQty.Equal(decimal.NewFromInt(96)))
}

func newAlgoOrder(t *testing.T, req model.OrderRequest) *model.ManagedOrder {
	t.Helper()
	req.Normalize()
	require.NoError(t, req.Validate())
	order := model.NewManagedOrder(req)
	order.TransitionTo(model.OrderStateValidated, "")
	order.TransitionTo(model.OrderStateRouted, "")
	order.TransitionTo(model.OrderStateSubmitted, "")
	order.SetVenue("LIT-A", "")
	return order
}

func TestTWAPSlicesEvenly(t *testing.T) {
	books := &stubBooks{books: map[string]*model.OrderBook{
		"AAPL": testBook(nil, []model.BookLevel{level(150.0, 1_000_000)}),
	}}
	eng, clock := newTestEngine(books)
	start := clock.Now()

	order := newAlgoOrder(t, model.OrderRequest{
		Symbol:   "AAPL",
		Side:     model.SideBuy,
		Type:     model.OrderTypeTWAP,
		Quantity: decimal.NewFromInt(1000),
		AlgoParams: map[string]float64{
			ParamSlices:          5,
			ParamDurationSeconds: 300,
		},
	})

	var childQtys []decimal.Decimal
	result := eng.ExecuteAlgo(context.Background(), order, func(child *model.ExecutionResult) {
		childQtys = append(childQtys, child.FilledQty)
	})

	require.Equal(t, model.ExecStatusFilled, result.Status)
	require.Len(t, childQtys, 5)
	for _, qty := range childQtys {
		assert.True(t, qty.Equal(decimal.NewFromInt(200)), "slice %s", qty)
	}
	assert.True(t, result.FilledQty.Equal(decimal.NewFromInt(1000)))

	// Four inter-slice waits of 60s on the virtual clock.
	assert.Equal(t, 4*time.Minute, clock.Now().Sub(start))
}

func TestVWAPFollowsProfile(t *testing.T) {
	books := &stubBooks{books: map[string]*model.OrderBook{
		"AAPL": testBook(nil, []model.BookLevel{level(150.0, 1_000_000)}),
	}}
	eng, _ := newTestEngine(books)
	eng.SetVolumeProfile("AAPL", []decimal.Decimal{
		decimal.NewFromInt(1),
		decimal.NewFromInt(2),
		decimal.NewFromInt(1),
	})

	order := newAlgoOrder(t, model.OrderRequest{
		Symbol:     "AAPL",
		Side:       model.SideBuy,
		Type:       model.OrderTypeVWAP,
		Quantity:   decimal.NewFromInt(400),
		AlgoParams: map[string]float64{ParamDurationSeconds: 30},
	})

	var childQtys []decimal.Decimal
	result := eng.ExecuteAlgo(context.Background(), order, func(child *model.ExecutionResult) {
		childQtys = append(childQtys, child.FilledQty)
	})

	require.Equal(t, model.ExecStatusFilled, result.Status)
	require.Len(t, childQtys, 3)
	assert.True(t, childQtys[0].Equal(decimal.NewFromInt(100)))
	assert.True(t, childQtys[1].Equal(decimal.NewFromInt(200)))
	assert.True(t, childQtys[2].Equal(decimal.NewFromInt(100)))
}

func TestSniperFiresWhenTriggerCrossed(t *testing.T) {
	books := &stubBooks{books: map[string]*model.OrderBook{
		"AAPL": testBook(nil, []model.BookLevel{level(149.9, 1000)}),
	}}
	eng, _ := newTestEngine(books)

	order := newAlgoOrder(t, model.OrderRequest{
		Symbol:   "AAPL",
		Side:     model.SideBuy,
		Type:     model.OrderTypeSniper,
		Quantity: decimal.NewFromInt(500),
		AlgoParams: map[string]float64{
			ParamTriggerPrice: 150.0,
		},
	})

	result := eng.ExecuteAlgo(context.Background(), order, nil)
	require.Equal(t, model.ExecStatusFilled, result.Status)
	assert.True(t, result.FilledQty.Equal(decimal.NewFromInt(500)))
	assert.True(t, result.AvgPrice.Equal(decimal.NewFromFloat(149.9)))
}

func TestSniperTimesOut(t *testing.T) {
	books := &stubBooks{books: map[string]*model.OrderBook{
		"AAPL": testBook(nil, []model.BookLevel{level(151.0, 1000)}),
	}}
	eng, _ := newTestEngine(books)

	order := newAlgoOrder(t, model.OrderRequest{
		Symbol:   "AAPL",
		Side:     model.SideBuy,
		Type:     model.OrderTypeSniper,
		Quantity: decimal.NewFromInt(500),
		AlgoParams: map[string]float64{
			ParamTriggerPrice:    150.0,
			ParamTimeoutSeconds:  5,
			ParamCheckIntervalMs: 500,
		},
	})

	result := eng.ExecuteAlgo(context.Background(), order, nil)
	assert.Equal(t, model.ExecStatusRejected, result.Status)
	assert.Contains(t, result.Reason, "timeout")
}

func TestIcebergExposesDisplaySlices(t *testing.T) {
	books := &stubBooks{books: map[string]*model.OrderBook{
		"AAPL": testBook(nil, []model.BookLevel{level(150.0, 1_000_000)}),
	}}
	eng, _ := newTestEngine(books)

	order := newAlgoOrder(t, model.OrderRequest{
		Symbol:   "AAPL",
		Side:     model.SideBuy,
		Type:     model.OrderTypeIceberg,
		Quantity: decimal.NewFromInt(1000),
		AlgoParams: map[string]float64{
			ParamDisplaySize: 250,
			ParamVariance:    0,
		},
	})

	var slices int
	result := eng.ExecuteAlgo(context.Background(), order, func(child *model.ExecutionResult) {
		slices++
		assert.True(t, child.FilledQty.LessThanOrEqual(decimal.NewFromInt(250)))
	})

	require.Equal(t, model.ExecStatusFilled, result.Status)
	assert.Equal(t, 4, slices)
	assert.True(t, result.FilledQty.Equal(decimal.NewFromInt(1000)))
}

func TestConcurrentIcebergsShareEngine(t *testing.T) {
	books := &stubBooks{books: map[string]*model.OrderBook{
		"AAPL": testBook(nil, []model.BookLevel{level(150.0, 1_000_000)}),
	}}
	eng, _ := newTestEngine(books)

	// The OMS runs each algorithmic order on its own goroutine against one
	// shared engine, so randomized sizing must be safe under contention.
	var wg sync.WaitGroup
	results := make([]*model.ExecutionResult, 4)
	for i := range results {
		order := newAlgoOrder(t, model.OrderRequest{
			Symbol:   "AAPL",
			Side:     model.SideBuy,
			Type:     model.OrderTypeIceberg,
			Quantity: decimal.NewFromInt(1000),
			AlgoParams: map[string]float64{
				ParamDisplaySize: 250,
				ParamVariance:    0.5,
			},
		})
		wg.Add(1)
		go func(i int, order *model.ManagedOrder) {
			defer wg.Done()
			results[i] = eng.ExecuteAlgo(context.Background(), order, func(*model.ExecutionResult) {})
		}(i, order)
	}
	wg.Wait()

	for _, result := range results {
		require.Equal(t, model.ExecStatusFilled, result.Status)
		assert.True(t, result.FilledQty.Equal(decimal.NewFromInt(1000)))
	}
}

func TestPegTracksPassiveSide(t *testing.T) {
	books := &stubBooks{books: map[string]*model.OrderBook{
		"AAPL": testBook(
			[]model.BookLevel{level(149.9, 1000)},
			[]model.BookLevel{level(149.95, 1000)},
		),
	}}
	eng, _ := newTestEngine(books)

	order := newAlgoOrder(t, model.OrderRequest{
		Symbol:     "AAPL",
		Side:       model.SideBuy,
		Type:       model.OrderTypePeg,
		Quantity:   decimal.NewFromInt(100),
		AlgoParams: map[string]float64{ParamPegOffset: 0.05},
	})

	result := eng.ExecuteAlgo(context.Background(), order, nil)
	// Peg price 149.9+0.05 = 149.95 crosses the best ask exactly.
	require.Equal(t, model.ExecStatusFilled, result.Status)
	assert.True(t, result.AvgPrice.Equal(decimal.NewFromFloat(149.95)))
}

func TestPOVRespectsParticipation(t *testing.T) {
	books := &stubBooks{books: map[string]*model.OrderBook{
		"AAPL": testBook(nil, []model.BookLevel{level(150.0, 1000)}),
	}}
	eng, _ := newTestEngine(books)

	order := newAlgoOrder(t, model.OrderRequest{
		Symbol:   "AAPL",
		Side:     model.SideBuy,
		Type:     model.OrderTypePOV,
		Quantity: decimal.NewFromInt(300),
		AlgoParams: map[string]float64{
			ParamParticipationRate: 0.1,
			ParamMaxSliceSize:      500,
			ParamDurationSeconds:   10,
		},
	})

	var childQtys []decimal.Decimal
	result := eng.ExecuteAlgo(context.Background(), order, func(child *model.ExecutionResult) {
		childQtys = append(childQtys, child.FilledQty)
	})

	// Each interval observes 1000 displayed, releasing 100 per interval.
	require.Equal(t, model.ExecStatusFilled, result.Status)
	require.Len(t, childQtys, 3)
	for _, qty := range childQtys {
		assert.True(t, qty.Equal(decimal.NewFromInt(100)), "slice %s", qty)
	}
}

func TestUnknownAlgoRejected(t *testing.T) {
	eng, _ := newTestEngine(&stubBooks{books: map[string]*model.OrderBook{}})

	req := model.OrderRequest{
		Symbol:   "AAPL",
		Side:     model.SideBuy,
		Type:     model.OrderTypeMarket,
		Quantity: decimal.NewFromInt(10),
	}
	req.Normalize()
	order := model.NewManagedOrder(req)
	order.Request.Type = "GUERRILLA"

	result := eng.ExecuteAlgo(context.Background(), order, nil)
	assert.Equal(t, model.ExecStatusRejected, result.Status)
	assert.Contains(t, result.Reason, "unknown algorithm type")
}

func TestAlgoStopsWhenOrderCancelled(t *testing.T) {
	books := &stubBooks{books: map[string]*model.OrderBook{
		"AAPL": testBook(nil, []model.BookLevel{level(150.0, 1_000_000)}),
	}}
	eng, _ := newTestEngine(books)

	order := newAlgoOrder(t, model.OrderRequest{
		Symbol:   "AAPL",
		Side:     model.SideBuy,
		Type:     model.OrderTypeTWAP,
		Quantity: decimal.NewFromInt(1000),
		AlgoParams: map[string]float64{
			ParamSlices:          10,
			ParamDurationSeconds: 600,
		},
	})

	slices := 0
	result := eng.ExecuteAlgo(context.Background(), order, func(*model.ExecutionResult) {
		slices++
		if slices == 2 {
			order.TransitionTo(model.OrderStateCancelled, "user cancel")
		}
	})

	assert.Equal(t, 2, slices)
	assert.Equal(t, "execution interrupted", result.Reason)
	assert.True(t, result.FilledQty.Equal(decimal.NewFromInt(200)))
}

func TestVirtualClockAdvancesWithoutBlocking(t *testing.T) {
	clock := NewVirtualClock(time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC))
	start := clock.Now()

	wall := time.Now()
	require.NoError(t, clock.Sleep(context.Background(), time.Hour))
	assert.Less(t, time.Since(wall), time.Second)
	assert.Equal(t, time.Hour, clock.Now().Sub(start))

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, clock.Sleep(cancelled, time.Minute))
}

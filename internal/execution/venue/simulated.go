package venue

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantarc/execsim/internal/execution/engine"
	"github.com/quantarc/execsim/internal/execution/model"
)

// BookStore is the slice of the snapshot store the connector needs.
type BookStore interface {
	GetVenue(venueID, symbol string) (*model.OrderBook, bool)
	UpdateVenue(venueID string, book *model.OrderBook)
}

// SimulatedConnector executes orders against the venue's book snapshots via
// the execution engine. MARKET and LIMIT orders execute on submission after
// the simulated venue latency; STOP and STOP_LIMIT orders rest with the
// connector and a background watcher arms them when the book crosses the
// stop price.
type SimulatedConnector struct {
	venue  *model.ExecutionVenue
	logger *zap.Logger
	exec   *engine.Engine
	books  BookStore
	clock  engine.Clock

	// watch interval for resting stop orders
	checkInterval time.Duration

	connected int32
	stopChan  chan struct{}
	wg        sync.WaitGroup

	mu        sync.Mutex
	orders    map[string]*BrokerOrder
	resting   map[string]*BrokerOrder
	positions map[string]*Position
	balance   decimal.Decimal

	cbMu        sync.RWMutex
	execFns     []ExecutionReportFunc
	updateFns   []OrderUpdateFunc
	subscribers map[string]BookFunc
}

// venueBooks scopes engine lookups to the venue's own snapshots (with
// market-wide fallback via the store).
type venueBooks struct {
	store   BookStore
	venueID string
}

func (v venueBooks) Get(symbol string) (*model.OrderBook, bool) {
	return v.store.GetVenue(v.venueID, symbol)
}

// NewSimulatedConnector creates a disconnected simulated venue adapter. The
// connector owns a venue-scoped execution engine so fills walk this venue's
// book, not the consolidated market view.
func NewSimulatedConnector(v *model.ExecutionVenue, logger *zap.Logger, books BookStore, clock engine.Clock, cfg engine.Config) *SimulatedConnector {
	return &SimulatedConnector{
		venue:         v,
		logger:        logger,
		exec:          engine.New(logger, venueBooks{store: books, venueID: v.ID}, clock, cfg),
		books:         books,
		clock:         clock,
		checkInterval: 100 * time.Millisecond,
		orders:        make(map[string]*BrokerOrder),
		resting:       make(map[string]*BrokerOrder),
		positions:     make(map[string]*Position),
		balance:       decimal.NewFromInt(1_000_000),
		subscribers:   make(map[string]BookFunc),
	}
}

func (c *SimulatedConnector) VenueID() string { return c.venue.ID }

// Connect starts the stop-order watcher.
func (c *SimulatedConnector) Connect(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&c.connected, 0, 1) {
		return nil
	}
	c.stopChan = make(chan struct{})
	c.wg.Add(1)
	go c.watchRestingOrders()
	c.logger.Info("venue connected", zap.String("venue", c.venue.ID))
	return nil
}

// Disconnect stops the watcher; resting orders stay registered.
func (c *SimulatedConnector) Disconnect(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&c.connected, 1, 0) {
		return nil
	}
	close(c.stopChan)
	c.wg.Wait()
	c.logger.Info("venue disconnected", zap.String("venue", c.venue.ID))
	return nil
}

func (c *SimulatedConnector) IsConnected() bool {
	return atomic.LoadInt32(&c.connected) == 1
}

// SubmitOrder accepts an order for the venue. The simulated venue latency is
// applied before execution.
func (c *SimulatedConnector) SubmitOrder(ctx context.Context, orderID string, req model.OrderRequest) (*BrokerOrder, error) {
	if !c.IsConnected() {
		return nil, model.ErrNotConnected
	}
	if !c.venue.Supports(req.Symbol) {
		return nil, fmt.Errorf("venue %s does not support symbol %s", c.venue.ID, req.Symbol)
	}

	bo := &BrokerOrder{
		ID:         uuid.New().String(),
		OrderID:    orderID,
		Symbol:     req.Symbol,
		Side:       req.Side,
		Type:       req.Type,
		Quantity:   req.Quantity,
		LimitPrice: req.LimitPrice,
		StopPrice:  req.StopPrice,
		Status:     BrokerStatusPending,
		CreatedAt:  c.clock.Now(),
		UpdatedAt:  c.clock.Now(),
	}
	c.mu.Lock()
	c.orders[bo.ID] = bo
	c.mu.Unlock()

	switch strings.ToUpper(req.Type) {
	case model.OrderTypeStop, model.OrderTypeStopLimit:
		c.mu.Lock()
		bo.Status = BrokerStatusOpen
		c.resting[bo.ID] = bo
		c.mu.Unlock()
		c.notifyUpdate(bo)
		return c.copyOrder(bo), nil
	default:
		if err := c.clock.Sleep(ctx, c.venue.AvgLatency); err != nil {
			return nil, err
		}
		c.executeNow(ctx, bo, req)
		return c.copyOrder(bo), nil
	}
}

// executeNow runs the order through the engine against this venue's book and
// emits the execution report.
func (c *SimulatedConnector) executeNow(ctx context.Context, bo *BrokerOrder, req model.OrderRequest) {
	started := c.clock.Now()
	result := c.exec.Execute(ctx, bo.OrderID, c.venue.ID, req)

	c.mu.Lock()
	bo.FilledQty = result.FilledQty
	bo.AvgPrice = result.AvgPrice
	bo.Commission = result.Commission
	bo.UpdatedAt = c.clock.Now()
	switch result.Status {
	case model.ExecStatusFilled:
		bo.Status = BrokerStatusFilled
	case model.ExecStatusPartial:
		bo.Status = BrokerStatusPartial
	default:
		bo.Status = BrokerStatusRejected
	}
	c.applyPositionLocked(req.Side, req.Symbol, result)
	c.mu.Unlock()

	c.notifyUpdate(bo)
	if result.FilledQty.IsPositive() {
		c.notifyExecution(ExecutionReport{
			VenueID:       c.venue.ID,
			BrokerOrderID: bo.ID,
			OrderID:       bo.OrderID,
			FilledTotal:   result.FilledQty,
			AvgPrice:      result.AvgPrice,
			Commission:    result.Commission,
			Latency:       c.clock.Now().Sub(started) + c.venue.AvgLatency,
			Timestamp:     c.clock.Now(),
		})
	}
}

// applyPositionLocked tracks the venue-held position for GetPositions.
func (c *SimulatedConnector) applyPositionLocked(side, symbol string, result *model.ExecutionResult) {
	if result.FilledQty.LessThanOrEqual(decimal.Zero) {
		return
	}
	pos, ok := c.positions[symbol]
	if !ok {
		pos = &Position{Symbol: symbol}
		c.positions[symbol] = pos
	}
	qty := result.FilledQty
	if strings.ToUpper(side) == model.SideSell {
		qty = qty.Neg()
	}
	pos.Quantity = pos.Quantity.Add(qty)
	pos.AvgCost = result.AvgPrice
	notional := result.FilledQty.Mul(result.AvgPrice)
	if qty.IsPositive() {
		c.balance = c.balance.Sub(notional).Sub(result.Commission)
	} else {
		c.balance = c.balance.Add(notional).Sub(result.Commission)
	}
}

// CancelOrder declines for terminal orders (false, no error) and removes
// resting or open ones.
func (c *SimulatedConnector) CancelOrder(ctx context.Context, brokerOrderID string) (bool, error) {
	if !c.IsConnected() {
		return false, model.ErrNotConnected
	}
	c.mu.Lock()
	bo, ok := c.orders[brokerOrderID]
	if !ok {
		c.mu.Unlock()
		return false, model.ErrOrderNotFound
	}
	switch bo.Status {
	case BrokerStatusFilled, BrokerStatusCancelled, BrokerStatusRejected:
		c.mu.Unlock()
		return false, nil
	}
	bo.Status = BrokerStatusCancelled
	bo.UpdatedAt = c.clock.Now()
	delete(c.resting, brokerOrderID)
	c.mu.Unlock()
	c.notifyUpdate(bo)
	return true, nil
}

// ModifyOrder merges permitted fields into a resting or open order.
func (c *SimulatedConnector) ModifyOrder(ctx context.Context, brokerOrderID string, update model.OrderUpdate) (*BrokerOrder, error) {
	if !c.IsConnected() {
		return nil, model.ErrNotConnected
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	bo, ok := c.orders[brokerOrderID]
	if !ok {
		return nil, model.ErrOrderNotFound
	}
	switch bo.Status {
	case BrokerStatusFilled, BrokerStatusCancelled, BrokerStatusRejected:
		return nil, model.ErrNotModifiable
	}
	if update.LimitPrice != nil {
		bo.LimitPrice = *update.LimitPrice
	}
	if update.StopPrice != nil {
		bo.StopPrice = *update.StopPrice
	}
	if update.Quantity != nil {
		bo.Quantity = *update.Quantity
	}
	bo.UpdatedAt = c.clock.Now()
	return c.copyOrderLocked(bo), nil
}

func (c *SimulatedConnector) GetOrder(ctx context.Context, brokerOrderID string) (*BrokerOrder, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	bo, ok := c.orders[brokerOrderID]
	if !ok {
		return nil, model.ErrOrderNotFound
	}
	return c.copyOrderLocked(bo), nil
}

func (c *SimulatedConnector) GetOrders(ctx context.Context) ([]*BrokerOrder, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*BrokerOrder, 0, len(c.orders))
	for _, bo := range c.orders {
		out = append(out, c.copyOrderLocked(bo))
	}
	return out, nil
}

func (c *SimulatedConnector) GetAccountBalance(ctx context.Context) (decimal.Decimal, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.balance, nil
}

func (c *SimulatedConnector) GetPositions(ctx context.Context) ([]Position, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Position, 0, len(c.positions))
	for _, pos := range c.positions {
		out = append(out, *pos)
	}
	return out, nil
}

// GetOrderBook returns the venue-local snapshot truncated to depth levels
// per side.
func (c *SimulatedConnector) GetOrderBook(ctx context.Context, symbol string, depth int) (*model.OrderBook, error) {
	book, ok := c.books.GetVenue(c.venue.ID, symbol)
	if !ok || book == nil {
		return nil, model.ErrBookNotFound
	}
	if depth <= 0 || (depth >= len(book.Bids) && depth >= len(book.Asks)) {
		return book, nil
	}
	trimmed := &model.OrderBook{Symbol: book.Symbol, Timestamp: book.Timestamp}
	if depth < len(book.Bids) {
		trimmed.Bids = book.Bids[:depth]
	} else {
		trimmed.Bids = book.Bids
	}
	if depth < len(book.Asks) {
		trimmed.Asks = book.Asks[:depth]
	} else {
		trimmed.Asks = book.Asks
	}
	return trimmed, nil
}

// PushBook installs a new venue-local snapshot and fans it out to
// subscribers. The simulation driver feeds market data through here.
func (c *SimulatedConnector) PushBook(book *model.OrderBook) {
	c.books.UpdateVenue(c.venue.ID, book)
	c.cbMu.RLock()
	fn, ok := c.subscribers[book.Symbol]
	c.cbMu.RUnlock()
	if ok {
		fn(book)
	}
}

func (c *SimulatedConnector) SubscribeToOrderBook(symbol string, fn BookFunc) error {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	c.subscribers[strings.ToUpper(symbol)] = fn
	return nil
}

func (c *SimulatedConnector) UnsubscribeFromOrderBook(symbol string) error {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	delete(c.subscribers, strings.ToUpper(symbol))
	return nil
}

func (c *SimulatedConnector) OnExecutionReport(fn ExecutionReportFunc) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	c.execFns = append(c.execFns, fn)
}

func (c *SimulatedConnector) OnOrderUpdate(fn OrderUpdateFunc) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	c.updateFns = append(c.updateFns, fn)
}

func (c *SimulatedConnector) notifyExecution(report ExecutionReport) {
	c.cbMu.RLock()
	fns := append([]ExecutionReportFunc{}, c.execFns...)
	c.cbMu.RUnlock()
	for _, fn := range fns {
		fn(report)
	}
}

func (c *SimulatedConnector) notifyUpdate(bo *BrokerOrder) {
	snapshot := c.copyOrder(bo)
	c.cbMu.RLock()
	fns := append([]OrderUpdateFunc{}, c.updateFns...)
	c.cbMu.RUnlock()
	for _, fn := range fns {
		fn(snapshot)
	}
}

func (c *SimulatedConnector) copyOrder(bo *BrokerOrder) *BrokerOrder {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.copyOrderLocked(bo)
}

func (c *SimulatedConnector) copyOrderLocked(bo *BrokerOrder) *BrokerOrder {
	cp := *bo
	return &cp
}

// watchRestingOrders polls the book and converts triggered stop orders into
// immediate executions: a BUY stop arms when the best ask reaches the stop
// price, a SELL stop when the best bid falls to it.
func (c *SimulatedConnector) watchRestingOrders() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.checkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopChan:
			return
		case <-ticker.C:
			c.checkResting()
		}
	}
}

func (c *SimulatedConnector) checkResting() {
	c.mu.Lock()
	pending := make([]*BrokerOrder, 0, len(c.resting))
	for _, bo := range c.resting {
		pending = append(pending, bo)
	}
	c.mu.Unlock()

	for _, bo := range pending {
		book, ok := c.books.GetVenue(c.venue.ID, bo.Symbol)
		if !ok || book == nil {
			continue
		}
		if !stopTriggered(book, bo.Side, bo.StopPrice) {
			continue
		}
		c.mu.Lock()
		if _, still := c.resting[bo.ID]; !still {
			c.mu.Unlock()
			continue
		}
		delete(c.resting, bo.ID)
		c.mu.Unlock()

		req := model.OrderRequest{
			Symbol:   bo.Symbol,
			Side:     bo.Side,
			Type:     model.OrderTypeMarket,
			Quantity: bo.Quantity,
		}
		if strings.ToUpper(bo.Type) == model.OrderTypeStopLimit {
			req.Type = model.OrderTypeLimit
			req.LimitPrice = bo.LimitPrice
		}
		c.logger.Info("stop order triggered",
			zap.String("venue", c.venue.ID),
			zap.String("broker_order_id", bo.ID),
			zap.String("stop_price", bo.StopPrice.String()))
		c.executeNow(context.Background(), bo, req)
	}
}

func stopTriggered(book *model.OrderBook, side string, stop decimal.Decimal) bool {
	if stop.LessThanOrEqual(decimal.Zero) {
		return false
	}
	if strings.ToUpper(side) == model.SideBuy {
		if ask, ok := book.BestAsk(); ok {
			return ask.Price.GreaterThanOrEqual(stop)
		}
		return false
	}
	if bid, ok := book.BestBid(); ok {
		return bid.Price.LessThanOrEqual(stop)
	}
	return false
}

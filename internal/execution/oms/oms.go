// Package oms orchestrates the full order lifecycle: validate, route,
// submit, track fills, terminal state, with per-order expiry.
package oms

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantarc/execsim/internal/execution/engine"
	"github.com/quantarc/execsim/internal/execution/events"
	"github.com/quantarc/execsim/internal/execution/model"
	"github.com/quantarc/execsim/internal/execution/venue"
	"github.com/quantarc/execsim/pkg/metrics"
)

// Router is the routing contract the OMS depends on.
type Router interface {
	Route(symbol, side string, quantity decimal.Decimal, urgency string) (*model.RoutingDecision, error)
}

// AlgoEngine executes algorithmic order types.
type AlgoEngine interface {
	ExecuteAlgo(ctx context.Context, order *model.ManagedOrder, onChild engine.ChildObserver) *model.ExecutionResult
}

// QualityRecorder consumes completed-order measurements (the slippage
// monitor implements this).
type QualityRecorder interface {
	Record(ctx context.Context, rec model.SlippageRecord)
}

// Config holds OMS settings.
type Config struct {
	// MaxOrderLifetime arms the per-order expiry timer; zero disables
	// expiry.
	MaxOrderLifetime time.Duration
	// AutoRetry resubmits to fallback venues when the primary submission
	// fails. Off by default: venue errors reject.
	AutoRetry bool
}

// DefaultConfig returns the standard OMS settings.
func DefaultConfig() Config {
	return Config{MaxOrderLifetime: 5 * time.Minute}
}

// LifecycleMetrics tracks counters for order lifecycle operations.
type LifecycleMetrics struct {
	mu               sync.Mutex
	Submitted        int64
	Rejected         int64
	Filled           int64
	Cancelled        int64
	Expired          int64
	Fills            int64
	StateTransitions map[string]int64
}

func (m *LifecycleMetrics) inc(field *int64) {
	m.mu.Lock()
	*field++
	m.mu.Unlock()
}

func (m *LifecycleMetrics) countTransition(from, to model.OrderState) {
	m.mu.Lock()
	if m.StateTransitions == nil {
		m.StateTransitions = make(map[string]int64)
	}
	m.StateTransitions[fmt.Sprintf("%s->%s", from, to)]++
	m.mu.Unlock()
}

// Snapshot returns a copy of the counters.
func (m *LifecycleMetrics) Snapshot() LifecycleMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := LifecycleMetrics{
		Submitted:        m.Submitted,
		Rejected:         m.Rejected,
		Filled:           m.Filled,
		Cancelled:        m.Cancelled,
		Expired:          m.Expired,
		Fills:            m.Fills,
		StateTransitions: make(map[string]int64, len(m.StateTransitions)),
	}
	for k, v := range m.StateTransitions {
		out.StateTransitions[k] = v
	}
	return out
}

// brokerLedger tracks the last cumulative report seen per broker order so
// replayed reports and multi-venue splits never double-count.
type brokerLedger struct {
	orderID      string
	lastFilled   decimal.Decimal
	lastNotional decimal.Decimal
}

// OMS owns the in-memory order arena and drives every order through the
// state machine.
type OMS struct {
	logger     *zap.Logger
	bus        events.Bus
	router     Router
	algo       AlgoEngine
	quality    QualityRecorder
	cfg        Config
	validators []OrderValidator

	mu         sync.RWMutex
	orders     map[string]*model.ManagedOrder
	connectors map[string]venue.Connector
	ledger     map[string]*brokerLedger
	splitOrder map[string]bool
	timers     map[string]*time.Timer

	metrics *LifecycleMetrics
}

// New creates an OMS. quality may be nil.
func New(logger *zap.Logger, bus events.Bus, router Router, algo AlgoEngine, quality QualityRecorder, cfg Config) *OMS {
	return &OMS{
		logger:     logger,
		bus:        bus,
		router:     router,
		algo:       algo,
		quality:    quality,
		cfg:        cfg,
		orders:     make(map[string]*model.ManagedOrder),
		connectors: make(map[string]venue.Connector),
		ledger:     make(map[string]*brokerLedger),
		splitOrder: make(map[string]bool),
		timers:     make(map[string]*time.Timer),
		metrics:    &LifecycleMetrics{StateTransitions: make(map[string]int64)},
	}
}

// AddValidator appends a validator to the submit-time chain.
func (o *OMS) AddValidator(v OrderValidator) {
	o.validators = append(o.validators, v)
}

// RegisterConnector wires a venue connector and subscribes to its execution
// reports.
func (o *OMS) RegisterConnector(c venue.Connector) {
	o.mu.Lock()
	o.connectors[c.VenueID()] = c
	o.mu.Unlock()
	c.OnExecutionReport(o.handleExecutionReport)
}

// Submit runs the full pipeline. A rejected order is returned with its
// reason; Submit itself never fails on a bad request.
func (o *OMS) Submit(ctx context.Context, req model.OrderRequest) *model.ManagedOrder {
	req.Normalize()
	order := model.NewManagedOrder(req)

	o.mu.Lock()
	o.orders[order.ID.String()] = order
	o.mu.Unlock()

	metrics.OrdersSubmitted.WithLabelValues(req.Type, req.Side).Inc()
	o.metrics.inc(&o.metrics.Submitted)
	o.publish(ctx, events.TypeOrderCreated, order.Snapshot())

	// Validation.
	for _, v := range o.validators {
		if err := v.ValidateOrder(ctx, &order.Request); err != nil {
			o.logger.Warn("order validation failed",
				zap.String("order_id", order.ID.String()),
				zap.String("validator", v.Name()),
				zap.Error(err))
			o.reject(ctx, order, fmt.Sprintf("validation failed: %s", err))
			return order
		}
	}
	o.transition(ctx, order, model.OrderStateValidated, "validation passed")

	// Routing.
	decision, err := o.router.Route(req.Symbol, req.Side, req.Quantity, req.Urgency)
	if err != nil {
		o.reject(ctx, order, fmt.Sprintf("routing failed: %s", err))
		return order
	}
	order.SetDecision(decision)
	if decision.IsSplit() {
		metrics.RoutingDecisions.WithLabelValues("split").Inc()
	} else {
		metrics.RoutingDecisions.WithLabelValues("single").Inc()
	}
	o.transition(ctx, order, model.OrderStateRouted, decision.Reason)

	// Submission: algorithmic types go to the engine, everything else to
	// the venue connector(s).
	if model.IsAlgoType(req.Type) {
		order.SetVenue(decision.Primary, "")
		o.transition(ctx, order, model.OrderStateSubmitted, "handed to execution engine")
		o.armExpiry(order)
		go o.runAlgo(order)
		return order
	}

	o.transition(ctx, order, model.OrderStateSubmitted, "submitting to venue "+decision.Primary)
	if decision.IsSplit() {
		if err := o.submitSplit(ctx, order, decision); err != nil {
			o.reject(ctx, order, fmt.Sprintf("venue submission failed: %s", err))
			return order
		}
	} else {
		if err := o.submitSingle(ctx, order, decision); err != nil {
			o.reject(ctx, order, fmt.Sprintf("venue submission failed: %s", err))
			return order
		}
	}
	o.transition(ctx, order, model.OrderStateAcknowledged, "venue acknowledged")
	// Immediate executions finish and disarm inside submit; do not leave a
	// stray lifetime timer behind them.
	if !order.State().IsTerminal() {
		o.armExpiry(order)
	}
	return order
}

// submitSingle sends the whole order to the primary venue, falling back in
// decision order when auto-retry is enabled.
func (o *OMS) submitSingle(ctx context.Context, order *model.ManagedOrder, decision *model.RoutingDecision) error {
	targets := append([]string{decision.Primary}, decision.Fallbacks...)
	var lastErr error
	for i, venueID := range targets {
		if i > 0 && !o.cfg.AutoRetry {
			break
		}
		connector, ok := o.connector(venueID)
		if !ok {
			lastErr = fmt.Errorf("%w: %s", model.ErrVenueNotFound, venueID)
			continue
		}
		bo, err := connector.SubmitOrder(ctx, order.ID.String(), order.Request)
		if err != nil {
			lastErr = err
			o.logger.Warn("venue submission failed",
				zap.String("order_id", order.ID.String()),
				zap.String("venue", venueID),
				zap.Error(err))
			continue
		}
		order.SetVenue(venueID, bo.ID)
		o.trackBroker(bo.ID, order.ID.String())
		return nil
	}
	if lastErr == nil {
		lastErr = model.ErrNoVenues
	}
	return lastErr
}

// submitSplit fans the order out across the split map proportional to each
// venue's fraction; the primary absorbs rounding remainder.
func (o *OMS) submitSplit(ctx context.Context, order *model.ManagedOrder, decision *model.RoutingDecision) error {
	o.mu.Lock()
	o.splitOrder[order.ID.String()] = true
	o.mu.Unlock()

	venueIDs := make([]string, 0, len(decision.Split))
	for venueID := range decision.Split {
		venueIDs = append(venueIDs, venueID)
	}
	sort.Strings(venueIDs)

	// Rounding remainder goes to the primary so the legs sum back to the
	// full quantity.
	legs := make(map[string]decimal.Decimal, len(venueIDs))
	assigned := decimal.Zero
	for _, venueID := range venueIDs {
		if venueID == decision.Primary {
			continue
		}
		qty := order.Request.Quantity.Mul(decision.Split[venueID]).Round(8)
		legs[venueID] = qty
		assigned = assigned.Add(qty)
	}
	legs[decision.Primary] = order.Request.Quantity.Sub(assigned)

	submitted := 0
	for _, venueID := range venueIDs {
		qty := legs[venueID]
		if qty.LessThanOrEqual(decimal.Zero) {
			continue
		}
		connector, ok := o.connector(venueID)
		if !ok {
			o.logger.Warn("split leg skipped: unknown venue", zap.String("venue", venueID))
			continue
		}
		child := order.Request
		child.Quantity = qty
		bo, err := connector.SubmitOrder(ctx, order.ID.String(), child)
		if err != nil {
			o.logger.Warn("split leg failed",
				zap.String("order_id", order.ID.String()),
				zap.String("venue", venueID),
				zap.Error(err))
			continue
		}
		if order.Venue() == "" || venueID == decision.Primary {
			order.SetVenue(venueID, bo.ID)
		}
		o.trackBroker(bo.ID, order.ID.String())
		submitted++
	}
	if submitted == 0 {
		return fmt.Errorf("no split leg accepted by any venue")
	}
	return nil
}

// trackBroker indexes a broker order id, preserving any entry the synchronous
// report path already created.
func (o *OMS) trackBroker(brokerOrderID, orderID string) {
	o.mu.Lock()
	if _, ok := o.ledger[brokerOrderID]; !ok {
		o.ledger[brokerOrderID] = &brokerLedger{orderID: orderID}
	}
	o.mu.Unlock()
}

func (o *OMS) connector(venueID string) (venue.Connector, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	c, ok := o.connectors[venueID]
	return c, ok
}

// runAlgo drives an algorithmic parent order through the engine, streaming
// child fills into the managed order as they land.
func (o *OMS) runAlgo(order *model.ManagedOrder) {
	ctx := context.Background()
	o.transition(ctx, order, model.OrderStateAcknowledged, "algorithm started")

	result := o.algo.ExecuteAlgo(ctx, order, func(child *model.ExecutionResult) {
		for _, f := range child.Fills {
			state, ok := order.AppendFill(f)
			if !ok {
				continue
			}
			o.metrics.inc(&o.metrics.Fills)
			metrics.FillsRecorded.WithLabelValues(f.Venue).Inc()
			eventType := events.TypePartialFill
			if state == model.OrderStateFilled {
				eventType = events.TypeOrderFilled
			}
			o.publish(ctx, eventType, order.Snapshot())
		}
	})

	switch result.Status {
	case model.ExecStatusRejected:
		if order.TotalFilled().IsZero() {
			o.reject(ctx, order, result.Reason)
			return
		}
	case model.ExecStatusFilled:
		// The engine may report effectively-filled below full quantity;
		// promote the order to FILLED in that case.
		if order.State() == model.OrderStatePartialFill {
			o.transition(ctx, order, model.OrderStateFilled, "effectively filled")
		}
	}

	if order.State() == model.OrderStateFilled {
		o.metrics.inc(&o.metrics.Filled)
		metrics.OrdersTerminal.WithLabelValues(string(model.OrderStateFilled)).Inc()
		o.disarmExpiry(order.ID.String())
	}
	o.recordQuality(ctx, order, result.SlippagePercent)
}

// handleExecutionReport ingests a broker-style cumulative fill report. The
// per-broker ledger turns it into an increment, so a replayed report or two
// concurrent split legs never double-count the parent's totals.
func (o *OMS) handleExecutionReport(report venue.ExecutionReport) {
	ctx := context.Background()

	o.mu.Lock()
	led, ok := o.ledger[report.BrokerOrderID]
	if !ok {
		// Reports can arrive synchronously during SubmitOrder, before the
		// broker id is indexed; fall back to the order id on the report.
		if _, exists := o.orders[report.OrderID]; !exists {
			o.mu.Unlock()
			return
		}
		led = &brokerLedger{orderID: report.OrderID}
		o.ledger[report.BrokerOrderID] = led
	}
	order, exists := o.orders[led.orderID]
	isSplit := o.splitOrder[led.orderID]
	if !exists {
		o.mu.Unlock()
		return
	}
	increment := report.FilledTotal.Sub(led.lastFilled)
	newNotional := report.FilledTotal.Mul(report.AvgPrice)
	incNotional := newNotional.Sub(led.lastNotional)
	if increment.GreaterThan(decimal.Zero) {
		led.lastFilled = report.FilledTotal
		led.lastNotional = newNotional
	}
	o.mu.Unlock()

	if increment.LessThanOrEqual(decimal.Zero) {
		return
	}

	var state model.OrderState
	var applied bool
	if isSplit {
		price := incNotional.Div(increment)
		state, applied = order.AppendFill(model.Fill{
			Quantity:   increment,
			Price:      price,
			Commission: report.Commission,
			Timestamp:  report.Timestamp,
			Venue:      report.VenueID,
		})
	} else {
		_, state, applied = order.ApplyCumulativeFill(report.FilledTotal, report.AvgPrice, report.Commission, report.VenueID, report.Timestamp)
	}
	if !applied {
		return
	}

	o.metrics.inc(&o.metrics.Fills)
	metrics.FillsRecorded.WithLabelValues(report.VenueID).Inc()
	metrics.ExecutionLatency.Observe(report.Latency.Seconds())

	if state == model.OrderStateFilled {
		o.metrics.inc(&o.metrics.Filled)
		metrics.OrdersTerminal.WithLabelValues(string(model.OrderStateFilled)).Inc()
		o.disarmExpiry(order.ID.String())
		o.publish(ctx, events.TypeOrderFilled, order.Snapshot())
		o.recordQuality(ctx, order, decimal.Zero)
	} else {
		o.publish(ctx, events.TypePartialFill, order.Snapshot())
	}
}

// recordQuality hands the completed order to the quality monitor. The
// reference price is the limit price when present, otherwise the first fill
// (arrival-price proxy).
func (o *OMS) recordQuality(ctx context.Context, order *model.ManagedOrder, slippagePct decimal.Decimal) {
	if o.quality == nil {
		return
	}
	snap := order.Snapshot()
	if snap.TotalFilled.IsZero() {
		return
	}
	reference := snap.Request.LimitPrice
	if reference.LessThanOrEqual(decimal.Zero) && len(snap.Fills) > 0 {
		reference = snap.Fills[0].Price
	}
	if slippagePct.IsZero() && reference.IsPositive() {
		slippagePct = model.SignedSlippagePercent(snap.Request.Side, reference, snap.AverageFillPrice)
	}
	// Immediate executions report back before SetVenue runs, so the snapshot
	// venue and submit timestamp can be empty; fall back to the fills.
	venueID := snap.Venue
	if venueID == "" && len(snap.Fills) > 0 {
		venueID = snap.Fills[len(snap.Fills)-1].Venue
	}
	var latency time.Duration
	switch {
	case snap.SubmittedAt != nil && snap.FilledAt != nil:
		latency = snap.FilledAt.Sub(*snap.SubmittedAt)
	case snap.FilledAt != nil:
		latency = snap.FilledAt.Sub(snap.CreatedAt)
	}
	commissionRate := decimal.Zero
	if notional := snap.TotalFilled.Mul(snap.AverageFillPrice); notional.IsPositive() {
		commissionRate = snap.TotalCommission.Div(notional)
	}
	bps := model.BasisPoints(slippagePct)
	f, _ := bps.Float64()
	metrics.SlippageBps.Observe(f)
	o.quality.Record(ctx, model.SlippageRecord{
		OrderID:         snap.ID,
		Symbol:          snap.Request.Symbol,
		Side:            snap.Request.Side,
		Venue:           venueID,
		ExpectedPrice:   reference,
		ActualPrice:     snap.AverageFillPrice,
		SlippagePercent: slippagePct,
		SlippageBps:     bps,
		FillRate:        snap.TotalFilled.Div(snap.Request.Quantity),
		CommissionRate:  commissionRate,
		Latency:         latency,
		Quantity:        snap.TotalFilled,
		Timestamp:       time.Now(),
	})
}

// Cancel cancels an order. Unknown ids return ErrOrderNotFound; a venue
// declining the cancel (or an already-terminal order) returns false without
// an error.
func (o *OMS) Cancel(ctx context.Context, orderID string) (bool, error) {
	order, ok := o.order(orderID)
	if !ok {
		return false, model.ErrOrderNotFound
	}
	if order.State().IsTerminal() {
		return false, nil
	}

	// Venue-held orders need the venue's consent; algorithmic and not-yet-
	// submitted orders cancel locally.
	if brokerID := order.BrokerOrderID(); brokerID != "" {
		connector, ok := o.connector(order.Venue())
		if !ok {
			return false, fmt.Errorf("%w: %s", model.ErrVenueNotFound, order.Venue())
		}
		accepted, err := connector.CancelOrder(ctx, brokerID)
		if err != nil {
			return false, err
		}
		if !accepted {
			return false, nil
		}
	}

	if _, ok := order.TransitionTo(model.OrderStateCancelled, "cancelled by request"); !ok {
		return false, nil
	}
	o.metrics.inc(&o.metrics.Cancelled)
	metrics.OrdersTerminal.WithLabelValues(string(model.OrderStateCancelled)).Inc()
	o.disarmExpiry(orderID)
	o.publish(ctx, events.TypeOrderCancelled, order.Snapshot())
	o.publishStateChange(ctx, order, "cancelled by request")
	return true, nil
}

// Modify merges permitted fields and forwards them to the owning venue. It
// is only legal once the order has been submitted.
func (o *OMS) Modify(ctx context.Context, orderID string, update model.OrderUpdate) error {
	order, ok := o.order(orderID)
	if !ok {
		return model.ErrOrderNotFound
	}
	if order.State().IsTerminal() {
		return model.ErrNotModifiable
	}
	brokerID := order.BrokerOrderID()
	if brokerID == "" {
		return model.ErrNotModifiable
	}
	connector, ok := o.connector(order.Venue())
	if !ok {
		return fmt.Errorf("%w: %s", model.ErrVenueNotFound, order.Venue())
	}
	if _, err := connector.ModifyOrder(ctx, brokerID, update); err != nil {
		return err
	}
	order.ApplyUpdate(update)
	o.logger.Info("order modified", zap.String("order_id", orderID))
	return nil
}

// GetOrder returns an order by id.
func (o *OMS) GetOrder(orderID string) (*model.ManagedOrder, error) {
	order, ok := o.order(orderID)
	if !ok {
		return nil, model.ErrOrderNotFound
	}
	return order, nil
}

// Orders returns snapshots of every managed order, optionally filtered by
// state.
func (o *OMS) Orders(state model.OrderState) []model.OrderSnapshot {
	o.mu.RLock()
	all := make([]*model.ManagedOrder, 0, len(o.orders))
	for _, order := range o.orders {
		all = append(all, order)
	}
	o.mu.RUnlock()

	out := make([]model.OrderSnapshot, 0, len(all))
	for _, order := range all {
		snap := order.Snapshot()
		if state != "" && snap.State != state {
			continue
		}
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// ActiveOrders returns orders not yet in a terminal state.
func (o *OMS) ActiveOrders() []model.OrderSnapshot {
	all := o.Orders("")
	out := all[:0]
	for _, snap := range all {
		if !snap.State.IsTerminal() {
			out = append(out, snap)
		}
	}
	return out
}

// Metrics returns the lifecycle counters.
func (o *OMS) Metrics() LifecycleMetrics {
	return o.metrics.Snapshot()
}

// Reset evicts all orders and disarms timers (terminal orders remain
// queryable until this is called).
func (o *OMS) Reset() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for id, timer := range o.timers {
		timer.Stop()
		delete(o.timers, id)
	}
	o.orders = make(map[string]*model.ManagedOrder)
	o.ledger = make(map[string]*brokerLedger)
	o.splitOrder = make(map[string]bool)
}

// Close disarms all timers; in-flight algorithm runs stop at their next
// cancellation point once their orders are expired or cancelled.
func (o *OMS) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for id, timer := range o.timers {
		timer.Stop()
		delete(o.timers, id)
	}
}

func (o *OMS) order(orderID string) (*model.ManagedOrder, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	order, ok := o.orders[orderID]
	return order, ok
}

// armExpiry starts the per-order lifetime timer; firing cancels the order
// and marks it EXPIRED if it is still non-terminal.
func (o *OMS) armExpiry(order *model.ManagedOrder) {
	if o.cfg.MaxOrderLifetime <= 0 {
		return
	}
	orderID := order.ID.String()
	timer := time.AfterFunc(o.cfg.MaxOrderLifetime, func() {
		o.expire(order)
	})
	o.mu.Lock()
	o.timers[orderID] = timer
	o.mu.Unlock()
}

func (o *OMS) disarmExpiry(orderID string) {
	o.mu.Lock()
	if timer, ok := o.timers[orderID]; ok {
		timer.Stop()
		delete(o.timers, orderID)
	}
	o.mu.Unlock()
}

func (o *OMS) expire(order *model.ManagedOrder) {
	ctx := context.Background()
	if order.State().IsTerminal() {
		return
	}
	// Best-effort venue cancel before expiring locally.
	if brokerID := order.BrokerOrderID(); brokerID != "" {
		if connector, ok := o.connector(order.Venue()); ok {
			if _, err := connector.CancelOrder(ctx, brokerID); err != nil {
				o.logger.Warn("expiry venue cancel failed",
					zap.String("order_id", order.ID.String()),
					zap.Error(err))
			}
		}
	}
	if _, ok := order.TransitionTo(model.OrderStateExpired, "max order lifetime exceeded"); !ok {
		return
	}
	o.metrics.inc(&o.metrics.Expired)
	metrics.OrdersTerminal.WithLabelValues(string(model.OrderStateExpired)).Inc()
	o.disarmExpiry(order.ID.String())
	o.publishStateChange(ctx, order, "max order lifetime exceeded")
	o.logger.Info("order expired", zap.String("order_id", order.ID.String()))
}

// reject moves the order to REJECTED with a reason and emits the events.
func (o *OMS) reject(ctx context.Context, order *model.ManagedOrder, reason string) {
	if _, ok := order.TransitionTo(model.OrderStateRejected, reason); !ok {
		return
	}
	o.metrics.inc(&o.metrics.Rejected)
	metrics.OrdersTerminal.WithLabelValues(string(model.OrderStateRejected)).Inc()
	o.disarmExpiry(order.ID.String())
	o.publish(ctx, events.TypeOrderRejected, order.Snapshot())
	o.publishStateChange(ctx, order, reason)
	o.logger.Info("order rejected",
		zap.String("order_id", order.ID.String()),
		zap.String("reason", reason))
}

// transition applies a CAS state change and emits order_state_changed.
func (o *OMS) transition(ctx context.Context, order *model.ManagedOrder, to model.OrderState, reason string) bool {
	from, ok := order.TransitionTo(to, reason)
	if !ok {
		return false
	}
	o.metrics.countTransition(from, to)
	o.bus.Publish(ctx, events.Event{
		Topic: events.TopicOrder,
		Type:  events.TypeOrderStateChanged,
		Payload: events.StateChange{
			OrderID: order.ID.String(),
			Old:     string(from),
			New:     string(to),
			Reason:  reason,
		},
	})
	return true
}

func (o *OMS) publishStateChange(ctx context.Context, order *model.ManagedOrder, reason string) {
	snap := order.Snapshot()
	o.bus.Publish(ctx, events.Event{
		Topic: events.TopicOrder,
		Type:  events.TypeOrderStateChanged,
		Payload: events.StateChange{
			OrderID: snap.ID,
			New:     string(snap.State),
			Reason:  reason,
		},
	})
}

func (o *OMS) publish(ctx context.Context, eventType string, payload interface{}) {
	o.bus.Publish(ctx, events.Event{
		Topic:   events.TopicOrder,
		Type:    eventType,
		Payload: payload,
	})
}

package model

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// OrderState represents the lifecycle state of a managed order.
type OrderState string

const (
	OrderStateCreated      OrderState = "CREATED"
	OrderStateValidated    OrderState = "VALIDATED"
	OrderStateRouted       OrderState = "ROUTED"
	OrderStateSubmitted    OrderState = "SUBMITTED"
	OrderStateAcknowledged OrderState = "ACKNOWLEDGED"
	OrderStatePartialFill  OrderState = "PARTIAL_FILL"
	OrderStateFilled       OrderState = "FILLED"
	OrderStateCancelled    OrderState = "CANCELLED"
	OrderStateRejected     OrderState = "REJECTED"
	OrderStateExpired      OrderState = "EXPIRED"
)

// IsTerminal reports whether the state admits no further transitions.
func (s OrderState) IsTerminal() bool {
	switch s {
	case OrderStateFilled, OrderStateCancelled, OrderStateRejected, OrderStateExpired:
		return true
	}
	return false
}

// validTransitions is the order state machine. Terminal states have no exits;
// every pre-terminal state may reach REJECTED, CANCELLED and EXPIRED.
var validTransitions = map[OrderState][]OrderState{
	OrderStateCreated:      {OrderStateValidated, OrderStateRejected, OrderStateCancelled, OrderStateExpired},
	OrderStateValidated:    {OrderStateRouted, OrderStateRejected, OrderStateCancelled, OrderStateExpired},
	OrderStateRouted:       {OrderStateSubmitted, OrderStateRejected, OrderStateCancelled, OrderStateExpired},
	OrderStateSubmitted:    {OrderStateAcknowledged, OrderStatePartialFill, OrderStateFilled, OrderStateRejected, OrderStateCancelled, OrderStateExpired},
	OrderStateAcknowledged: {OrderStatePartialFill, OrderStateFilled, OrderStateRejected, OrderStateCancelled, OrderStateExpired},
	OrderStatePartialFill:  {OrderStatePartialFill, OrderStateFilled, OrderStateRejected, OrderStateCancelled, OrderStateExpired},
	OrderStateFilled:       {},
	OrderStateCancelled:    {},
	OrderStateRejected:     {},
	OrderStateExpired:      {},
}

// IsValidTransition checks the state machine table.
func IsValidTransition(from, to OrderState) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// ManagedOrder wraps an accepted OrderRequest with lifecycle state and fill
// accounting. All mutable parts are guarded by the order's own mutex so that
// concurrent child-slice completions and timers cannot double-count fills;
// there is no cross-order locking.
type ManagedOrder struct {
	ID        uuid.UUID
	Request   OrderRequest
	CreatedAt time.Time

	mu            sync.Mutex
	state         OrderState
	reason        string
	venue         string
	brokerOrderID string
	decision      *RoutingDecision
	fills         []Fill
	submittedAt   *time.Time
	filledAt      *time.Time
	cancelledAt   *time.Time
}

// NewManagedOrder creates an order in state CREATED.
func NewManagedOrder(req OrderRequest) *ManagedOrder {
	return &ManagedOrder{
		ID:        uuid.New(),
		Request:   req,
		CreatedAt: time.Now(),
		state:     OrderStateCreated,
	}
}

// State returns the current lifecycle state.
func (o *ManagedOrder) State() OrderState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Reason returns the reject/cancel reason, if any.
func (o *ManagedOrder) Reason() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.reason
}

// Venue returns the venue the order was submitted to.
func (o *ManagedOrder) Venue() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.venue
}

// SetVenue records the owning venue and broker order id after submission.
func (o *ManagedOrder) SetVenue(venue, brokerOrderID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.venue = venue
	o.brokerOrderID = brokerOrderID
	now := time.Now()
	o.submittedAt = &now
}

// BrokerOrderID returns the venue-assigned order id.
func (o *ManagedOrder) BrokerOrderID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.brokerOrderID
}

// SetDecision attaches the routing decision.
func (o *ManagedOrder) SetDecision(d *RoutingDecision) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.decision = d
}

// Decision returns the attached routing decision, or nil.
func (o *ManagedOrder) Decision() *RoutingDecision {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.decision
}

// TransitionTo attempts a compare-and-swap state transition. It returns the
// previous state and whether the transition was applied; an illegal
// transition (including any exit from a terminal state) leaves the order
// untouched.
func (o *ManagedOrder) TransitionTo(to OrderState, reason string) (OrderState, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	from := o.state
	if !IsValidTransition(from, to) {
		return from, false
	}
	o.state = to
	if reason != "" {
		o.reason = reason
	}
	now := time.Now()
	switch to {
	case OrderStateFilled:
		o.filledAt = &now
	case OrderStateCancelled, OrderStateExpired:
		o.cancelledAt = &now
	}
	return from, true
}

// ApplyCumulativeFill reconciles a broker-style cumulative fill report
// (total filled quantity and running average price) against the order's fill
// list. It appends only the increment, so replayed or overlapping reports
// never double-count. It returns the appended fill and whether anything new
// was recorded; the resulting state is PARTIAL_FILL or FILLED.
func (o *ManagedOrder) ApplyCumulativeFill(brokerFilled, avgPrice, commission decimal.Decimal, venue string, ts time.Time) (Fill, OrderState, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state.IsTerminal() {
		return Fill{}, o.state, false
	}
	total := o.totalFilledLocked()
	increment := brokerFilled.Sub(total)
	if increment.LessThanOrEqual(decimal.Zero) {
		return Fill{}, o.state, false
	}
	if remaining := o.Request.Quantity.Sub(total); increment.GreaterThan(remaining) {
		increment = remaining
	}

	// Back out the incremental price from the cumulative average so the
	// fill list alone reproduces the broker's running average.
	prevNotional := decimal.Zero
	for _, f := range o.fills {
		prevNotional = prevNotional.Add(f.Quantity.Mul(f.Price))
	}
	fillPrice := avgPrice
	if total.IsPositive() {
		newNotional := avgPrice.Mul(total.Add(increment))
		fillPrice = newNotional.Sub(prevNotional).Div(increment)
	}

	fill := Fill{
		Quantity:   increment,
		Price:      fillPrice,
		Commission: commission,
		Timestamp:  ts,
		Venue:      venue,
	}
	o.fills = append(o.fills, fill)

	newTotal := total.Add(increment)
	if newTotal.GreaterThanOrEqual(o.Request.Quantity) {
		o.state = OrderStateFilled
		now := time.Now()
		o.filledAt = &now
	} else {
		o.state = OrderStatePartialFill
	}
	return fill, o.state, true
}

// AppendFill records a single incremental fill (engine child-slice path).
func (o *ManagedOrder) AppendFill(f Fill) (OrderState, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state.IsTerminal() || f.Quantity.LessThanOrEqual(decimal.Zero) {
		return o.state, false
	}
	if remaining := o.Request.Quantity.Sub(o.totalFilledLocked()); f.Quantity.GreaterThan(remaining) {
		f.Quantity = remaining
	}
	o.fills = append(o.fills, f)
	if o.totalFilledLocked().GreaterThanOrEqual(o.Request.Quantity) {
		o.state = OrderStateFilled
		now := time.Now()
		o.filledAt = &now
	} else {
		o.state = OrderStatePartialFill
	}
	return o.state, true
}

func (o *ManagedOrder) totalFilledLocked() decimal.Decimal {
	total := decimal.Zero
	for _, f := range o.fills {
		total = total.Add(f.Quantity)
	}
	return total
}

// TotalFilled sums the fill list.
func (o *ManagedOrder) TotalFilled() decimal.Decimal {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.totalFilledLocked()
}

// RemainingQuantity returns quantity - totalFilled, never negative.
func (o *ManagedOrder) RemainingQuantity() decimal.Decimal {
	o.mu.Lock()
	defer o.mu.Unlock()
	rem := o.Request.Quantity.Sub(o.totalFilledLocked())
	if rem.IsNegative() {
		return decimal.Zero
	}
	return rem
}

// AverageFillPrice is the quantity-weighted mean of the fill list, recomputed
// on every call rather than tracked incrementally.
func (o *ManagedOrder) AverageFillPrice() decimal.Decimal {
	o.mu.Lock()
	defer o.mu.Unlock()
	qty := decimal.Zero
	notional := decimal.Zero
	for _, f := range o.fills {
		qty = qty.Add(f.Quantity)
		notional = notional.Add(f.Quantity.Mul(f.Price))
	}
	if qty.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}
	return notional.Div(qty)
}

// TotalCommission sums commissions across fills.
func (o *ManagedOrder) TotalCommission() decimal.Decimal {
	o.mu.Lock()
	defer o.mu.Unlock()
	total := decimal.Zero
	for _, f := range o.fills {
		total = total.Add(f.Commission)
	}
	return total
}

// Fills returns a copy of the ordered fill list.
func (o *ManagedOrder) Fills() []Fill {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Fill, len(o.fills))
	copy(out, o.fills)
	return out
}

// OrderSnapshot is an immutable view of a managed order for API responses
// and event payloads.
type OrderSnapshot struct {
	ID               string           `json:"id"`
	Request          OrderRequest     `json:"request"`
	State            OrderState       `json:"state"`
	Reason           string           `json:"reason,omitempty"`
	Venue            string           `json:"venue,omitempty"`
	Decision         *RoutingDecision `json:"routing,omitempty"`
	Fills            []Fill           `json:"fills,omitempty"`
	TotalFilled      decimal.Decimal  `json:"total_filled"`
	Remaining        decimal.Decimal  `json:"remaining_quantity"`
	AverageFillPrice decimal.Decimal  `json:"average_fill_price"`
	TotalCommission  decimal.Decimal  `json:"total_commission"`
	CreatedAt        time.Time        `json:"created_at"`
	SubmittedAt      *time.Time       `json:"submitted_at,omitempty"`
	FilledAt         *time.Time       `json:"filled_at,omitempty"`
	CancelledAt      *time.Time       `json:"cancelled_at,omitempty"`
}

// Snapshot captures a consistent view of the order under its lock.
func (o *ManagedOrder) Snapshot() OrderSnapshot {
	o.mu.Lock()
	defer o.mu.Unlock()

	fills := make([]Fill, len(o.fills))
	copy(fills, o.fills)

	total := o.totalFilledLocked()
	remaining := o.Request.Quantity.Sub(total)
	if remaining.IsNegative() {
		remaining = decimal.Zero
	}
	avg := decimal.Zero
	commission := decimal.Zero
	if total.IsPositive() {
		notional := decimal.Zero
		for _, f := range o.fills {
			notional = notional.Add(f.Quantity.Mul(f.Price))
			commission = commission.Add(f.Commission)
		}
		avg = notional.Div(total)
	}

	return OrderSnapshot{
		ID:               o.ID.String(),
		Request:          o.Request,
		State:            o.state,
		Reason:           o.reason,
		Venue:            o.venue,
		Decision:         o.decision,
		Fills:            fills,
		TotalFilled:      total,
		Remaining:        remaining,
		AverageFillPrice: avg,
		TotalCommission:  commission,
		CreatedAt:        o.CreatedAt,
		SubmittedAt:      o.submittedAt,
		FilledAt:         o.filledAt,
		CancelledAt:      o.cancelledAt,
	}
}

// ApplyUpdate merges a modify request into the order's request fields.
func (o *ManagedOrder) ApplyUpdate(u OrderUpdate) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if u.LimitPrice != nil {
		o.Request.LimitPrice = *u.LimitPrice
	}
	if u.StopPrice != nil {
		o.Request.StopPrice = *u.StopPrice
	}
	if u.Quantity != nil {
		o.Request.Quantity = *u.Quantity
	}
}

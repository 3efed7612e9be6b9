package model

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Constants for order sides, types, time in force and urgency levels
const (
	// Order sides
	SideBuy  = "BUY"
	SideSell = "SELL"

	// Order types
	OrderTypeMarket     = "MARKET"
	OrderTypeLimit      = "LIMIT"
	OrderTypeStop       = "STOP"
	OrderTypeStopLimit  = "STOP_LIMIT"
	OrderTypeTWAP       = "TWAP"
	OrderTypeVWAP       = "VWAP"
	OrderTypeIceberg    = "ICEBERG"
	OrderTypeSniper     = "SNIPER"
	OrderTypePeg        = "PEG"
	OrderTypePercentage = "PERCENTAGE"
	OrderTypePOV        = "POV"

	// Time in force
	TimeInForceGTC = "GTC"
	TimeInForceIOC = "IOC"
	TimeInForceFOK = "FOK"
	TimeInForceDay = "DAY"

	// Routing urgency
	UrgencyLow    = "LOW"
	UrgencyMedium = "MEDIUM"
	UrgencyHigh   = "HIGH"
)

// Sentinel errors shared across the execution packages.
var (
	ErrOrderNotFound   = errors.New("order not found")
	ErrVenueNotFound   = errors.New("venue not found")
	ErrBookNotFound    = errors.New("order book not found")
	ErrNotConnected    = errors.New("venue connector not connected")
	ErrNotModifiable   = errors.New("order not modifiable in current state")
	ErrNoVenues        = errors.New("no venues available for symbol")
	ErrUnknownAlgo     = errors.New("unknown algorithm type")
	ErrEngineStopped   = errors.New("execution engine stopped")
	ErrDuplicateVenue  = errors.New("venue already registered")
	ErrInvalidSnapshot = errors.New("invalid order book snapshot")
)

// AlgoOrderTypes lists the order types executed by the algorithmic engine
// rather than submitted directly to a venue connector.
var AlgoOrderTypes = map[string]bool{
	OrderTypeTWAP:       true,
	OrderTypeVWAP:       true,
	OrderTypeIceberg:    true,
	OrderTypeSniper:     true,
	OrderTypePeg:        true,
	OrderTypePercentage: true,
	OrderTypePOV:        true,
}

// IsAlgoType reports whether the order type is handled by the execution engine.
func IsAlgoType(orderType string) bool {
	return AlgoOrderTypes[strings.ToUpper(orderType)]
}

// OrderRequest is the immutable submission payload accepted by the OMS.
// Once accepted it changes only through an explicit modify operation.
type OrderRequest struct {
	Symbol      string             `json:"symbol"`
	Side        string             `json:"side"`
	Type        string             `json:"type"`
	Quantity    decimal.Decimal    `json:"quantity"`
	LimitPrice  decimal.Decimal    `json:"limit_price,omitempty"`
	StopPrice   decimal.Decimal    `json:"stop_price,omitempty"`
	TimeInForce string             `json:"time_in_force,omitempty"`
	Urgency     string             `json:"urgency,omitempty"`
	AlgoParams  map[string]float64 `json:"algo_params,omitempty"`
}

// Validate checks the request shape. A non-nil error here means the order is
// rejected with the error text as reason; it is never surfaced as a failure
// of the submit call itself.
func (r *OrderRequest) Validate() error {
	if strings.TrimSpace(r.Symbol) == "" {
		return fmt.Errorf("symbol is required")
	}
	side := strings.ToUpper(r.Side)
	if side != SideBuy && side != SideSell {
		return fmt.Errorf("invalid order side: %s (must be BUY or SELL)", r.Side)
	}
	if r.Quantity.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("order quantity must be positive")
	}
	orderType := strings.ToUpper(r.Type)
	switch orderType {
	case OrderTypeMarket, OrderTypeTWAP, OrderTypeVWAP, OrderTypeIceberg,
		OrderTypeSniper, OrderTypePeg, OrderTypePercentage, OrderTypePOV:
	case OrderTypeLimit:
		if r.LimitPrice.LessThanOrEqual(decimal.Zero) {
			return fmt.Errorf("limit price must be positive for %s orders", orderType)
		}
	case OrderTypeStop:
		if r.StopPrice.LessThanOrEqual(decimal.Zero) {
			return fmt.Errorf("stop price must be positive for %s orders", orderType)
		}
	case OrderTypeStopLimit:
		if r.LimitPrice.LessThanOrEqual(decimal.Zero) {
			return fmt.Errorf("limit price must be positive for %s orders", orderType)
		}
		if r.StopPrice.LessThanOrEqual(decimal.Zero) {
			return fmt.Errorf("stop price must be positive for %s orders", orderType)
		}
	default:
		return fmt.Errorf("invalid order type: %s", r.Type)
	}
	if r.TimeInForce != "" {
		switch strings.ToUpper(r.TimeInForce) {
		case TimeInForceGTC, TimeInForceIOC, TimeInForceFOK, TimeInForceDay:
		default:
			return fmt.Errorf("invalid time in force: %s", r.TimeInForce)
		}
	}
	if r.Urgency != "" {
		switch strings.ToUpper(r.Urgency) {
		case UrgencyLow, UrgencyMedium, UrgencyHigh:
		default:
			return fmt.Errorf("invalid urgency: %s", r.Urgency)
		}
	}
	return nil
}

// Normalize upper-cases the enum-like fields and defaults time in force to GTC.
func (r *OrderRequest) Normalize() {
	r.Symbol = strings.ToUpper(strings.TrimSpace(r.Symbol))
	r.Side = strings.ToUpper(r.Side)
	r.Type = strings.ToUpper(r.Type)
	if r.TimeInForce == "" {
		r.TimeInForce = TimeInForceGTC
	} else {
		r.TimeInForce = strings.ToUpper(r.TimeInForce)
	}
	if r.Urgency == "" {
		r.Urgency = UrgencyMedium
	} else {
		r.Urgency = strings.ToUpper(r.Urgency)
	}
}

// AlgoParam returns a named algorithm parameter or the given default.
func (r *OrderRequest) AlgoParam(name string, def float64) float64 {
	if r.AlgoParams == nil {
		return def
	}
	if v, ok := r.AlgoParams[name]; ok {
		return v
	}
	return def
}

// OrderUpdate carries the fields a modify operation may change.
type OrderUpdate struct {
	LimitPrice *decimal.Decimal `json:"limit_price,omitempty"`
	StopPrice  *decimal.Decimal `json:"stop_price,omitempty"`
	Quantity   *decimal.Decimal `json:"quantity,omitempty"`
}

// BookLevel is a single price level of an order book snapshot.
type BookLevel struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

// OrderBook is a venue-local snapshot of resting liquidity. Snapshots are
// read-only and replaced wholesale on update; bids are sorted descending and
// asks ascending by price.
type OrderBook struct {
	Symbol    string      `json:"symbol"`
	Bids      []BookLevel `json:"bids"`
	Asks      []BookLevel `json:"asks"`
	Timestamp time.Time   `json:"timestamp"`
}

// BestBid returns the highest bid level, or false when the side is empty.
func (b *OrderBook) BestBid() (BookLevel, bool) {
	if len(b.Bids) == 0 {
		return BookLevel{}, false
	}
	return b.Bids[0], true
}

// BestAsk returns the lowest ask level, or false when the side is empty.
func (b *OrderBook) BestAsk() (BookLevel, bool) {
	if len(b.Asks) == 0 {
		return BookLevel{}, false
	}
	return b.Asks[0], true
}

// Spread returns bestAsk - bestBid, or zero when either side is empty.
func (b *OrderBook) Spread() decimal.Decimal {
	bid, okB := b.BestBid()
	ask, okA := b.BestAsk()
	if !okB || !okA {
		return decimal.Zero
	}
	return ask.Price.Sub(bid.Price)
}

// MidPrice returns the bid/ask midpoint, falling back to whichever side
// exists when the other is empty.
func (b *OrderBook) MidPrice() decimal.Decimal {
	bid, okB := b.BestBid()
	ask, okA := b.BestAsk()
	switch {
	case okB && okA:
		return bid.Price.Add(ask.Price).Div(decimal.NewFromInt(2))
	case okB:
		return bid.Price
	case okA:
		return ask.Price
	default:
		return decimal.Zero
	}
}

// OppositeLevels returns the levels an incoming order would take liquidity
// from: asks for a BUY, bids for a SELL.
func (b *OrderBook) OppositeLevels(side string) []BookLevel {
	if strings.ToUpper(side) == SideBuy {
		return b.Asks
	}
	return b.Bids
}

// SideVolume sums the displayed size across the given levels.
func SideVolume(levels []BookLevel) decimal.Decimal {
	total := decimal.Zero
	for _, lvl := range levels {
		total = total.Add(lvl.Size)
	}
	return total
}

// TotalDisplayedVolume sums both sides of the book.
func (b *OrderBook) TotalDisplayedVolume() decimal.Decimal {
	return SideVolume(b.Bids).Add(SideVolume(b.Asks))
}

// FeeSchedule describes venue execution costs.
type FeeSchedule struct {
	MakerRate decimal.Decimal `json:"maker_rate"`
	TakerRate decimal.Decimal `json:"taker_rate"`
	FixedFee  decimal.Decimal `json:"fixed_fee"`
}

// EffectiveRate approximates the all-in fee rate for an aggressive order of
// the given notional: taker rate plus the fixed fee amortized over notional.
func (f FeeSchedule) EffectiveRate(notional decimal.Decimal) decimal.Decimal {
	rate := f.TakerRate
	if notional.IsPositive() && f.FixedFee.IsPositive() {
		rate = rate.Add(f.FixedFee.Div(notional))
	}
	return rate
}

// ExecutionVenue describes a registered execution destination. The
// reliability score is derived by the quality monitor and never set directly.
type ExecutionVenue struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Fees       FeeSchedule     `json:"fees"`
	AvgLatency time.Duration   `json:"avg_latency"`
	Symbols    map[string]bool `json:"symbols"`
	DarkPool   bool            `json:"dark_pool"`
}

// Supports reports whether the venue trades the symbol. An empty symbol set
// means the venue supports everything.
func (v *ExecutionVenue) Supports(symbol string) bool {
	if len(v.Symbols) == 0 {
		return true
	}
	return v.Symbols[strings.ToUpper(symbol)]
}

// RoutingDecision is the router's answer for a single order.
type RoutingDecision struct {
	Primary          string                     `json:"primary"`
	Fallbacks        []string                   `json:"fallbacks,omitempty"`
	Split            map[string]decimal.Decimal `json:"split,omitempty"`
	Reason           string                     `json:"reason"`
	EstimatedCost    decimal.Decimal            `json:"estimated_cost"`
	EstimatedLatency time.Duration              `json:"estimated_latency"`
	Confidence       float64                    `json:"confidence"`
}

// IsSplit reports whether the decision spreads the order across venues.
func (d *RoutingDecision) IsSplit() bool { return len(d.Split) > 1 }

// Fill is one execution against an order. Fills are appended in timestamp
// order and never mutated; every derived order quantity is recomputed from
// the ordered fill list.
type Fill struct {
	Quantity   decimal.Decimal `json:"quantity"`
	Price      decimal.Decimal `json:"price"`
	Commission decimal.Decimal `json:"commission"`
	Timestamp  time.Time       `json:"timestamp"`
	Venue      string          `json:"venue"`
}

// Execution result statuses reported by the engine.
const (
	ExecStatusFilled   = "FILLED"
	ExecStatusPartial  = "PARTIAL"
	ExecStatusRejected = "REJECTED"
)

// ExecutionResult aggregates the outcome of one engine execution, either a
// single book walk or a full algorithmic run of child slices.
type ExecutionResult struct {
	OrderID         string          `json:"order_id"`
	Symbol          string          `json:"symbol"`
	Side            string          `json:"side"`
	Status          string          `json:"status"`
	RequestedQty    decimal.Decimal `json:"requested_qty"`
	FilledQty       decimal.Decimal `json:"filled_qty"`
	AvgPrice        decimal.Decimal `json:"avg_price"`
	Commission      decimal.Decimal `json:"commission"`
	SlippagePercent decimal.Decimal `json:"slippage_percent"`
	Fills           []Fill          `json:"fills,omitempty"`
	Reason          string          `json:"reason,omitempty"`
	Venue           string          `json:"venue,omitempty"`
	StartedAt       time.Time       `json:"started_at"`
	CompletedAt     time.Time       `json:"completed_at"`
}

// FillRate returns filled/requested in [0,1].
func (r *ExecutionResult) FillRate() decimal.Decimal {
	if r.RequestedQty.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}
	return r.FilledQty.Div(r.RequestedQty)
}

// SignedSlippagePercent computes slippage with the "positive is bad" sign
// convention: for a BUY a higher execution price is positive slippage, for a
// SELL a lower execution price is positive slippage.
func SignedSlippagePercent(side string, expected, actual decimal.Decimal) decimal.Decimal {
	if expected.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}
	hundred := decimal.NewFromInt(100)
	if strings.ToUpper(side) == SideBuy {
		return actual.Sub(expected).Div(expected).Mul(hundred)
	}
	return expected.Sub(actual).Div(expected).Mul(hundred)
}

// BasisPoints converts a percentage figure to basis points.
func BasisPoints(percent decimal.Decimal) decimal.Decimal {
	return percent.Mul(decimal.NewFromInt(100))
}

// SlippageRecord is one realized execution-quality measurement consumed by
// the monitor's rolling statistics.
type SlippageRecord struct {
	OrderID         string          `json:"order_id"`
	Symbol          string          `json:"symbol"`
	Side            string          `json:"side"`
	Venue           string          `json:"venue"`
	ExpectedPrice   decimal.Decimal `json:"expected_price"`
	ActualPrice     decimal.Decimal `json:"actual_price"`
	SlippagePercent decimal.Decimal `json:"slippage_percent"`
	SlippageBps     decimal.Decimal `json:"slippage_bps"`
	FillRate        decimal.Decimal `json:"fill_rate"`
	CommissionRate  decimal.Decimal `json:"commission_rate"`
	Latency         time.Duration   `json:"latency"`
	Quantity        decimal.Decimal `json:"quantity"`
	Hour            int             `json:"hour"`
	Timestamp       time.Time       `json:"timestamp"`
}

// Slippage estimate recommendations.
const (
	RecommendExecute = "EXECUTE"
	RecommendSplit   = "SPLIT"
	RecommendWait    = "WAIT"
	RecommendCancel  = "CANCEL"
)

// SlippageEstimate is the pre-trade answer of the prediction service.
type SlippageEstimate struct {
	Symbol           string          `json:"symbol"`
	Side             string          `json:"side"`
	Quantity         decimal.Decimal `json:"quantity"`
	ExpectedPrice    decimal.Decimal `json:"expected_price"`
	ExpectedSlippage decimal.Decimal `json:"expected_slippage_percent"`
	MarketImpact     decimal.Decimal `json:"market_impact_percent"`
	FillCoverage     decimal.Decimal `json:"fill_coverage"`
	Confidence       float64         `json:"confidence"`
	Recommendation   string          `json:"recommendation"`
	Reason           string          `json:"reason,omitempty"`
}

// Package engine fills orders against order-book snapshots and decomposes
// algorithmic parent orders into timed child slices.
package engine

import (
	"context"
	"fmt"
	"math/rand"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantarc/execsim/internal/execution/model"
)

// BookSource supplies the latest order-book snapshot for a symbol.
type BookSource interface {
	Get(symbol string) (*model.OrderBook, bool)
}

// Config holds the engine's execution knobs.
type Config struct {
	// CommissionRate is the fixed fraction of notional charged per fill.
	CommissionRate decimal.Decimal
	// SlippageTolerancePercent stops LIMIT book walks once the next level's
	// slippage against the limit price exceeds it.
	SlippageTolerancePercent decimal.Decimal
	// EffectiveFillThreshold is the fill fraction at which a partial result
	// is reported as FILLED.
	EffectiveFillThreshold decimal.Decimal
}

// DefaultConfig mirrors the standard simulation settings.
func DefaultConfig() Config {
	return Config{
		CommissionRate:           decimal.NewFromFloat(0.001),
		SlippageTolerancePercent: decimal.NewFromFloat(0.1),
		EffectiveFillThreshold:   decimal.NewFromFloat(0.95),
	}
}

// Engine executes orders against book snapshots. It owns no order state;
// parent lifecycle bookkeeping stays with the OMS.
type Engine struct {
	logger *zap.Logger
	books  BookSource
	clock  Clock
	cfg    Config

	mu       sync.RWMutex
	profiles map[string][]decimal.Decimal
	rng      *rand.Rand
}

// New creates an engine over the given book source.
func New(logger *zap.Logger, books BookSource, clock Clock, cfg Config) *Engine {
	if cfg.CommissionRate.IsZero() && cfg.SlippageTolerancePercent.IsZero() && cfg.EffectiveFillThreshold.IsZero() {
		cfg = DefaultConfig()
	}
	if cfg.EffectiveFillThreshold.IsZero() {
		cfg.EffectiveFillThreshold = decimal.NewFromFloat(0.95)
	}
	return &Engine{
		logger:   logger,
		books:    books,
		clock:    clock,
		cfg:      cfg,
		profiles: make(map[string][]decimal.Decimal),
		rng:      rand.New(rand.NewSource(clock.Now().UnixNano())),
	}
}

// SetVolumeProfile overrides the default intraday volume profile for a
// symbol's VWAP executions.
func (e *Engine) SetVolumeProfile(symbol string, profile []decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.profiles[symbol] = profile
}

// randomFactor returns a multiplier in [1-variance, 1+variance]. The RNG is
// shared by every concurrently running algorithm, so access stays locked.
func (e *Engine) randomFactor(variance float64) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return 1 + (e.rng.Float64()*2-1)*variance
}

// Execute fills a single MARKET or LIMIT order by walking the book's
// opposite side. This is the standard-order path every algorithm's child
// slices run through.
func (e *Engine) Execute(ctx context.Context, orderID, venue string, req model.OrderRequest) *model.ExecutionResult {
	started := e.clock.Now()
	result := &model.ExecutionResult{
		OrderID:      orderID,
		Symbol:       req.Symbol,
		Side:         req.Side,
		RequestedQty: req.Quantity,
		Venue:        venue,
		StartedAt:    started,
	}

	book, ok := e.books.Get(req.Symbol)
	if !ok || book == nil {
		result.Status = model.ExecStatusRejected
		result.Reason = fmt.Sprintf("no order book for symbol %s", req.Symbol)
		result.CompletedAt = e.clock.Now()
		return result
	}

	levels := book.OppositeLevels(req.Side)
	if len(levels) == 0 {
		result.Status = model.ExecStatusRejected
		result.Reason = "no liquidity on opposite side"
		result.CompletedAt = e.clock.Now()
		return result
	}

	// Reference price for slippage: the limit price when present, otherwise
	// the best opposite level.
	reference := req.LimitPrice
	if reference.LessThanOrEqual(decimal.Zero) {
		reference = levels[0].Price
	}

	remaining := req.Quantity
	notional := decimal.Zero
	for _, lvl := range levels {
		if remaining.LessThanOrEqual(decimal.Zero) {
			break
		}
		if req.Type == model.OrderTypeLimit && req.LimitPrice.IsPositive() {
			levelSlip := model.SignedSlippagePercent(req.Side, req.LimitPrice, lvl.Price)
			if levelSlip.GreaterThan(e.cfg.SlippageTolerancePercent) {
				break
			}
		}
		take := decimal.Min(remaining, lvl.Size)
		fill := model.Fill{
			Quantity:   take,
			Price:      lvl.Price,
			Commission: take.Mul(lvl.Price).Mul(e.cfg.CommissionRate),
			Timestamp:  e.clock.Now(),
			Venue:      venue,
		}
		result.Fills = append(result.Fills, fill)
		result.FilledQty = result.FilledQty.Add(take)
		result.Commission = result.Commission.Add(fill.Commission)
		notional = notional.Add(take.Mul(lvl.Price))
		remaining = remaining.Sub(take)
	}

	if result.FilledQty.IsPositive() {
		result.AvgPrice = notional.Div(result.FilledQty)
		result.SlippagePercent = model.SignedSlippagePercent(req.Side, reference, result.AvgPrice)
	}
	result.Status = e.classify(result)
	if result.Status == model.ExecStatusRejected && result.Reason == "" {
		result.Reason = "no fillable liquidity within tolerance"
	}
	result.CompletedAt = e.clock.Now()
	return result
}

// classify applies the FILLED/PARTIAL/REJECTED policy: zero filled rejects,
// full or effectively-full (>= threshold) fills, everything else is partial.
func (e *Engine) classify(result *model.ExecutionResult) string {
	if result.FilledQty.LessThanOrEqual(decimal.Zero) {
		return model.ExecStatusRejected
	}
	if result.FilledQty.GreaterThanOrEqual(result.RequestedQty) {
		return model.ExecStatusFilled
	}
	if result.FillRate().GreaterThanOrEqual(e.cfg.EffectiveFillThreshold) {
		return model.ExecStatusFilled
	}
	return model.ExecStatusPartial
}

// aggregate folds child results into one parent ExecutionResult with a
// quantity-weighted average price.
func (e *Engine) aggregate(parent *model.ExecutionResult, children []*model.ExecutionResult) {
	notional := decimal.Zero
	for _, child := range children {
		parent.Fills = append(parent.Fills, child.Fills...)
		parent.FilledQty = parent.FilledQty.Add(child.FilledQty)
		parent.Commission = parent.Commission.Add(child.Commission)
		notional = notional.Add(child.FilledQty.Mul(child.AvgPrice))
	}
	if parent.FilledQty.IsPositive() {
		parent.AvgPrice = notional.Div(parent.FilledQty)
	}
	parent.Status = e.classify(parent)
	parent.CompletedAt = e.clock.Now()
}

// referencePrice picks the slippage reference for a parent algo order: limit
// price if set, else the current best opposite level, else mid.
func (e *Engine) referencePrice(req model.OrderRequest) decimal.Decimal {
	if req.LimitPrice.IsPositive() {
		return req.LimitPrice
	}
	if book, ok := e.books.Get(req.Symbol); ok && book != nil {
		if levels := book.OppositeLevels(req.Side); len(levels) > 0 {
			return levels[0].Price
		}
		return book.MidPrice()
	}
	return decimal.Zero
}

package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantarc/execsim/internal/execution/model"
)

// Algorithm parameter keys understood via OrderRequest.AlgoParams. Anything
// missing falls back to the defaults below.
const (
	ParamDurationSeconds   = "duration_seconds"
	ParamSlices            = "slices"
	ParamDisplaySize       = "display_size"
	ParamVariance          = "variance"
	ParamPauseSeconds      = "pause_seconds"
	ParamTriggerPrice      = "trigger_price"
	ParamTimeoutSeconds    = "timeout_seconds"
	ParamCheckIntervalMs   = "check_interval_ms"
	ParamPegOffset         = "offset"
	ParamLiquidityFraction = "percentage"
	ParamParticipationRate = "participation_rate"
	ParamMaxSliceSize      = "max_slice_size"
)

// defaultVolumeProfile is the intraday U-shaped profile used by VWAP when no
// caller profile is registered: heavy open and close, quiet midday, across 22
// half-hour buckets.
var defaultVolumeProfile = func() []decimal.Decimal {
	weights := []float64{
		9.5, 7.0, 5.5, 4.5, 4.0, 3.5, 3.2, 3.0, 2.8, 2.7, 2.6,
		2.6, 2.7, 2.8, 3.0, 3.2, 3.5, 4.0, 4.5, 5.5, 7.0, 9.5,
	}
	profile := make([]decimal.Decimal, len(weights))
	for i, w := range weights {
		profile[i] = decimal.NewFromFloat(w)
	}
	return profile
}()

// ChildObserver receives every child slice result as it completes, before
// the aggregate parent result is returned. The OMS uses it to stream fills
// into the managed order.
type ChildObserver func(child *model.ExecutionResult)

// ExecuteAlgo runs the parent order's slicing algorithm to completion and
// returns the aggregated result. Cancellation is observed between slices:
// context cancellation or the parent reaching a terminal state stops further
// child slices. Unknown algorithm types reject immediately.
func (e *Engine) ExecuteAlgo(ctx context.Context, order *model.ManagedOrder, onChild ChildObserver) *model.ExecutionResult {
	req := order.Request
	parent := &model.ExecutionResult{
		OrderID:      order.ID.String(),
		Symbol:       req.Symbol,
		Side:         req.Side,
		RequestedQty: req.Quantity,
		Venue:        order.Venue(),
		StartedAt:    e.clock.Now(),
	}

	var children []*model.ExecutionResult
	var reason string
	switch req.Type {
	case model.OrderTypeTWAP:
		children, reason = e.runTWAP(ctx, order, onChild)
	case model.OrderTypeVWAP:
		children, reason = e.runVWAP(ctx, order, onChild)
	case model.OrderTypeIceberg:
		children, reason = e.runIceberg(ctx, order, onChild)
	case model.OrderTypeSniper:
		children, reason = e.runSniper(ctx, order, onChild)
	case model.OrderTypePeg:
		children, reason = e.runPeg(ctx, order, onChild)
	case model.OrderTypePercentage:
		children, reason = e.runPercentage(ctx, order, onChild)
	case model.OrderTypePOV:
		children, reason = e.runPOV(ctx, order, onChild)
	default:
		parent.Status = model.ExecStatusRejected
		parent.Reason = fmt.Sprintf("unknown algorithm type: %s", req.Type)
		parent.CompletedAt = e.clock.Now()
		return parent
	}

	e.aggregate(parent, children)
	if parent.Status == model.ExecStatusRejected && parent.Reason == "" {
		if reason == "" {
			reason = "no fills produced"
		}
		parent.Reason = reason
	} else if reason != "" {
		parent.Reason = reason
	}

	ref := e.referencePrice(req)
	if parent.FilledQty.IsPositive() && ref.IsPositive() {
		parent.SlippagePercent = model.SignedSlippagePercent(req.Side, ref, parent.AvgPrice)
	}
	e.logger.Info("algorithm execution complete",
		zap.String("order_id", parent.OrderID),
		zap.String("algo", req.Type),
		zap.String("status", parent.Status),
		zap.String("filled", parent.FilledQty.String()),
		zap.Int("slices", len(children)))
	return parent
}

// interrupted reports whether the run must stop issuing child slices.
func (e *Engine) interrupted(ctx context.Context, order *model.ManagedOrder) bool {
	if ctx.Err() != nil {
		return true
	}
	return order.State().IsTerminal()
}

// runChild executes one child slice through the standard-order path and
// reports it to the observer.
func (e *Engine) runChild(ctx context.Context, order *model.ManagedOrder, childType string, qty, limitPrice decimal.Decimal, onChild ChildObserver) *model.ExecutionResult {
	child := model.OrderRequest{
		Symbol:     order.Request.Symbol,
		Side:       order.Request.Side,
		Type:       childType,
		Quantity:   qty,
		LimitPrice: limitPrice,
	}
	result := e.Execute(ctx, order.ID.String(), order.Venue(), child)
	if onChild != nil {
		onChild(result)
	}
	return result
}

// runTWAP splits the parent into equal slices spaced evenly over the
// duration; the final slice absorbs any rounding remainder.
func (e *Engine) runTWAP(ctx context.Context, order *model.ManagedOrder, onChild ChildObserver) ([]*model.ExecutionResult, string) {
	req := order.Request
	slices := int(req.AlgoParam(ParamSlices, 10))
	if slices < 1 {
		slices = 1
	}
	duration := time.Duration(req.AlgoParam(ParamDurationSeconds, 60)) * time.Second
	interval := duration / time.Duration(slices)

	sliceQty := req.Quantity.Div(decimal.NewFromInt(int64(slices)))
	remaining := req.Quantity
	var children []*model.ExecutionResult
	for i := 0; i < slices && remaining.IsPositive(); i++ {
		if e.interrupted(ctx, order) {
			return children, "execution interrupted"
		}
		qty := decimal.Min(sliceQty, remaining)
		if i == slices-1 {
			qty = remaining
		}
		childType := model.OrderTypeMarket
		if req.LimitPrice.IsPositive() {
			childType = model.OrderTypeLimit
		}
		child := e.runChild(ctx, order, childType, qty, req.LimitPrice, onChild)
		children = append(children, child)
		remaining = remaining.Sub(child.FilledQty)
		if i < slices-1 {
			if err := e.clock.Sleep(ctx, interval); err != nil {
				return children, "execution interrupted"
			}
		}
	}
	return children, ""
}

// runVWAP weights slice sizes by the symbol's volume profile (the default
// U-shaped intraday curve unless a caller profile was registered) and spaces
// them evenly over the duration.
func (e *Engine) runVWAP(ctx context.Context, order *model.ManagedOrder, onChild ChildObserver) ([]*model.ExecutionResult, string) {
	req := order.Request
	e.mu.RLock()
	profile, ok := e.profiles[req.Symbol]
	e.mu.RUnlock()
	if !ok || len(profile) == 0 {
		profile = defaultVolumeProfile
	}

	totalWeight := decimal.Zero
	for _, w := range profile {
		totalWeight = totalWeight.Add(w)
	}
	if totalWeight.LessThanOrEqual(decimal.Zero) {
		return nil, "volume profile has no weight"
	}

	duration := time.Duration(req.AlgoParam(ParamDurationSeconds, 60)) * time.Second
	interval := duration / time.Duration(len(profile))

	remaining := req.Quantity
	var children []*model.ExecutionResult
	for i, weight := range profile {
		if remaining.LessThanOrEqual(decimal.Zero) {
			break
		}
		if e.interrupted(ctx, order) {
			return children, "execution interrupted"
		}
		qty := req.Quantity.Mul(weight).Div(totalWeight)
		if i == len(profile)-1 || qty.GreaterThan(remaining) {
			qty = remaining
		}
		childType := model.OrderTypeMarket
		if req.LimitPrice.IsPositive() {
			childType = model.OrderTypeLimit
		}
		child := e.runChild(ctx, order, childType, qty, req.LimitPrice, onChild)
		children = append(children, child)
		remaining = remaining.Sub(child.FilledQty)
		if i < len(profile)-1 {
			if err := e.clock.Sleep(ctx, interval); err != nil {
				return children, "execution interrupted"
			}
		}
	}
	return children, ""
}

// runIceberg repeatedly exposes a display-sized LIMIT slice, randomizing the
// exposed size by the variance factor, pausing briefly after a slice fills.
func (e *Engine) runIceberg(ctx context.Context, order *model.ManagedOrder, onChild ChildObserver) ([]*model.ExecutionResult, string) {
	req := order.Request
	ten := decimal.NewFromInt(10)
	display := decimal.NewFromFloat(req.AlgoParam(ParamDisplaySize, 0))
	if display.LessThanOrEqual(decimal.Zero) {
		display = req.Quantity.Div(ten)
	}
	variance := req.AlgoParam(ParamVariance, 0.2)
	pause := time.Duration(req.AlgoParam(ParamPauseSeconds, 2)) * time.Second
	deadline := e.clock.Now().Add(time.Duration(req.AlgoParam(ParamDurationSeconds, 300)) * time.Second)

	remaining := req.Quantity
	var children []*model.ExecutionResult
	for remaining.IsPositive() && e.clock.Now().Before(deadline) {
		if e.interrupted(ctx, order) {
			return children, "execution interrupted"
		}
		// Randomize the exposed size so the slice pattern is not detectable.
		factor := e.randomFactor(variance)
		qty := decimal.Min(display.Mul(decimal.NewFromFloat(factor)), remaining)
		if qty.LessThanOrEqual(decimal.Zero) {
			qty = remaining
		}

		limit := req.LimitPrice
		if limit.LessThanOrEqual(decimal.Zero) {
			book, ok := e.books.Get(req.Symbol)
			if !ok {
				return children, fmt.Sprintf("no order book for symbol %s", req.Symbol)
			}
			levels := book.OppositeLevels(req.Side)
			if len(levels) == 0 {
				return children, "no liquidity on opposite side"
			}
			limit = levels[0].Price
		}

		child := e.runChild(ctx, order, model.OrderTypeLimit, qty, limit, onChild)
		children = append(children, child)
		remaining = remaining.Sub(child.FilledQty)

		if remaining.IsPositive() {
			wait := pause
			if child.FilledQty.LessThanOrEqual(decimal.Zero) {
				// Nothing crossed; back off a full pause before re-exposing.
				wait = pause * 2
			}
			if err := e.clock.Sleep(ctx, wait); err != nil {
				return children, "execution interrupted"
			}
		}
	}
	return children, ""
}

// runSniper polls until the best opposite price crosses the trigger, then
// fires the whole order as a single MARKET child. Never crossing within the
// timeout rejects with "timeout".
func (e *Engine) runSniper(ctx context.Context, order *model.ManagedOrder, onChild ChildObserver) ([]*model.ExecutionResult, string) {
	req := order.Request
	trigger := decimal.NewFromFloat(req.AlgoParam(ParamTriggerPrice, 0))
	if trigger.LessThanOrEqual(decimal.Zero) {
		trigger = req.LimitPrice
	}
	if trigger.LessThanOrEqual(decimal.Zero) {
		return nil, "sniper requires a trigger price"
	}
	interval := time.Duration(req.AlgoParam(ParamCheckIntervalMs, 500)) * time.Millisecond
	deadline := e.clock.Now().Add(time.Duration(req.AlgoParam(ParamTimeoutSeconds, 60)) * time.Second)

	for e.clock.Now().Before(deadline) {
		if e.interrupted(ctx, order) {
			return nil, "execution interrupted"
		}
		if book, ok := e.books.Get(req.Symbol); ok {
			if crossed(book, req.Side, trigger) {
				child := e.runChild(ctx, order, model.OrderTypeMarket, req.Quantity, decimal.Zero, onChild)
				return []*model.ExecutionResult{child}, ""
			}
		}
		if err := e.clock.Sleep(ctx, interval); err != nil {
			return nil, "execution interrupted"
		}
	}
	return nil, "timeout: trigger price never reached"
}

// crossed reports whether the book satisfies the sniper trigger: for BUY the
// best ask at or under the trigger, for SELL the best bid at or over it.
func crossed(book *model.OrderBook, side string, trigger decimal.Decimal) bool {
	if side == model.SideBuy {
		if ask, ok := book.BestAsk(); ok {
			return ask.Price.LessThanOrEqual(trigger)
		}
		return false
	}
	if bid, ok := book.BestBid(); ok {
		return bid.Price.GreaterThanOrEqual(trigger)
	}
	return false
}

// runPeg reprices a LIMIT child to track the passive side of the book plus
// or minus the offset until any fill occurs or the duration elapses.
func (e *Engine) runPeg(ctx context.Context, order *model.ManagedOrder, onChild ChildObserver) ([]*model.ExecutionResult, string) {
	req := order.Request
	offset := decimal.NewFromFloat(req.AlgoParam(ParamPegOffset, 0.01))
	interval := time.Duration(req.AlgoParam(ParamCheckIntervalMs, 500)) * time.Millisecond
	deadline := e.clock.Now().Add(time.Duration(req.AlgoParam(ParamDurationSeconds, 60)) * time.Second)

	remaining := req.Quantity
	var children []*model.ExecutionResult
	for e.clock.Now().Before(deadline) {
		if e.interrupted(ctx, order) {
			return children, "execution interrupted"
		}
		book, ok := e.books.Get(req.Symbol)
		if !ok {
			return children, fmt.Sprintf("no order book for symbol %s", req.Symbol)
		}
		// Track the passive side: buyers peg to the bid, sellers to the ask.
		var peg decimal.Decimal
		if req.Side == model.SideBuy {
			bid, ok := book.BestBid()
			if !ok {
				return children, "no passive side to peg against"
			}
			peg = bid.Price.Add(offset)
		} else {
			ask, ok := book.BestAsk()
			if !ok {
				return children, "no passive side to peg against"
			}
			peg = ask.Price.Sub(offset)
		}

		child := e.runChild(ctx, order, model.OrderTypeLimit, remaining, peg, onChild)
		children = append(children, child)
		if child.FilledQty.IsPositive() {
			return children, ""
		}
		if err := e.clock.Sleep(ctx, interval); err != nil {
			return children, "execution interrupted"
		}
	}
	return children, "duration elapsed without a fill"
}

// runPercentage fills a fixed fraction of the currently displayed
// opposite-side liquidity per iteration until the parent is done or the
// duration elapses.
func (e *Engine) runPercentage(ctx context.Context, order *model.ManagedOrder, onChild ChildObserver) ([]*model.ExecutionResult, string) {
	req := order.Request
	fraction := decimal.NewFromFloat(req.AlgoParam(ParamLiquidityFraction, 0.1))
	if fraction.LessThanOrEqual(decimal.Zero) {
		return nil, "percentage must be positive"
	}
	interval := time.Duration(req.AlgoParam(ParamCheckIntervalMs, 1000)) * time.Millisecond
	deadline := e.clock.Now().Add(time.Duration(req.AlgoParam(ParamDurationSeconds, 60)) * time.Second)

	remaining := req.Quantity
	var children []*model.ExecutionResult
	for remaining.IsPositive() && e.clock.Now().Before(deadline) {
		if e.interrupted(ctx, order) {
			return children, "execution interrupted"
		}
		book, ok := e.books.Get(req.Symbol)
		if !ok {
			return children, fmt.Sprintf("no order book for symbol %s", req.Symbol)
		}
		displayed := model.SideVolume(book.OppositeLevels(req.Side))
		qty := decimal.Min(displayed.Mul(fraction), remaining)
		if qty.IsPositive() {
			child := e.runChild(ctx, order, model.OrderTypeMarket, qty, decimal.Zero, onChild)
			children = append(children, child)
			remaining = remaining.Sub(child.FilledQty)
		}
		if remaining.IsPositive() {
			if err := e.clock.Sleep(ctx, interval); err != nil {
				return children, "execution interrupted"
			}
		}
	}
	return children, ""
}

// runPOV paces execution to a target share of the observed market volume,
// capping each release at the max slice size. Displayed opposite-side volume
// per interval stands in for traded volume in the simulation.
func (e *Engine) runPOV(ctx context.Context, order *model.ManagedOrder, onChild ChildObserver) ([]*model.ExecutionResult, string) {
	req := order.Request
	rate := decimal.NewFromFloat(req.AlgoParam(ParamParticipationRate, 0.1))
	if rate.LessThanOrEqual(decimal.Zero) {
		return nil, "participation rate must be positive"
	}
	maxSlice := decimal.NewFromFloat(req.AlgoParam(ParamMaxSliceSize, 0))
	if maxSlice.LessThanOrEqual(decimal.Zero) {
		maxSlice = req.Quantity.Div(decimal.NewFromInt(5))
	}
	interval := time.Duration(req.AlgoParam(ParamCheckIntervalMs, 1000)) * time.Millisecond
	deadline := e.clock.Now().Add(time.Duration(req.AlgoParam(ParamDurationSeconds, 60)) * time.Second)

	remaining := req.Quantity
	filled := decimal.Zero
	observedVolume := decimal.Zero
	var children []*model.ExecutionResult
	for remaining.IsPositive() && e.clock.Now().Before(deadline) {
		if e.interrupted(ctx, order) {
			return children, "execution interrupted"
		}
		book, ok := e.books.Get(req.Symbol)
		if !ok {
			return children, fmt.Sprintf("no order book for symbol %s", req.Symbol)
		}
		observedVolume = observedVolume.Add(model.SideVolume(book.OppositeLevels(req.Side)))

		// Release only enough to keep cumulative fills at the target share
		// of cumulative observed volume.
		target := observedVolume.Mul(rate)
		qty := decimal.Min(target.Sub(filled), remaining, maxSlice)
		if qty.IsPositive() {
			child := e.runChild(ctx, order, model.OrderTypeMarket, qty, decimal.Zero, onChild)
			children = append(children, child)
			filled = filled.Add(child.FilledQty)
			remaining = remaining.Sub(child.FilledQty)
		}
		if remaining.IsPositive() {
			if err := e.clock.Sleep(ctx, interval); err != nil {
				return children, "execution interrupted"
			}
		}
	}
	return children, ""
}

// Package slippage provides pre-trade slippage prediction and post-trade
// execution-quality monitoring.
package slippage

import (
	"math"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantarc/execsim/internal/execution/model"
)

// PredictorConfig holds the estimation thresholds.
type PredictorConfig struct {
	// AcceptableSlippagePercent is the slippage above which the service
	// recommends against straight execution.
	AcceptableSlippagePercent decimal.Decimal
	// ConfidenceThreshold below which SPLIT is recommended.
	ConfidenceThreshold float64
	// MinCoverage is the fill-coverage floor for an EXECUTE recommendation.
	MinCoverage decimal.Decimal
	// HighImpactPercent separates SPLIT from WAIT when slippage is high.
	HighImpactPercent decimal.Decimal
	// ImpactCoefficient scales the square-root participation impact model.
	ImpactCoefficient float64
	// SampleTarget is the history size at which sample confidence saturates.
	SampleTarget int
}

// DefaultPredictorConfig returns the standard prediction settings.
func DefaultPredictorConfig() PredictorConfig {
	return PredictorConfig{
		AcceptableSlippagePercent: decimal.NewFromFloat(0.5),
		ConfidenceThreshold:       0.5,
		MinCoverage:               decimal.NewFromFloat(0.9),
		HighImpactPercent:         decimal.NewFromFloat(0.2),
		ImpactCoefficient:         1.0,
		SampleTarget:              50,
	}
}

// MarketSource supplies book snapshots and daily-volume hints.
type MarketSource interface {
	Get(symbol string) (*model.OrderBook, bool)
	DailyVolume(symbol string) decimal.Decimal
}

// HistorySource exposes recorded slippage samples per symbol.
type HistorySource interface {
	SymbolHistory(symbol string) []model.SlippageRecord
}

// Predictor estimates expected execution price, market impact and a
// confidence-weighted recommendation before an order is sent.
type Predictor struct {
	logger  *zap.Logger
	market  MarketSource
	history HistorySource
	cfg     PredictorConfig
}

// NewPredictor creates a prediction service. history may be nil when no
// monitor is wired in yet.
func NewPredictor(logger *zap.Logger, market MarketSource, history HistorySource, cfg PredictorConfig) *Predictor {
	if cfg.SampleTarget <= 0 {
		cfg = DefaultPredictorConfig()
	}
	return &Predictor{logger: logger, market: market, history: history, cfg: cfg}
}

// EstimateSlippage walks the book the same way the execution engine does and
// derives expected price, impact-scaled slippage, confidence and a
// recommendation. targetPrice is optional; when zero the best opposite level
// is the reference.
func (p *Predictor) EstimateSlippage(symbol, side string, quantity, targetPrice decimal.Decimal) *model.SlippageEstimate {
	est := &model.SlippageEstimate{
		Symbol:   symbol,
		Side:     side,
		Quantity: quantity,
	}

	book, ok := p.market.Get(symbol)
	if !ok || book == nil {
		est.Recommendation = model.RecommendCancel
		est.Reason = "no order book for symbol"
		return est
	}
	levels := book.OppositeLevels(side)
	if len(levels) == 0 || quantity.LessThanOrEqual(decimal.Zero) {
		est.Recommendation = model.RecommendCancel
		est.Reason = "no liquidity on opposite side"
		return est
	}

	reference := targetPrice
	if reference.LessThanOrEqual(decimal.Zero) {
		reference = levels[0].Price
	}

	// Walk the book exactly as the engine would.
	remaining := quantity
	notional := decimal.Zero
	covered := decimal.Zero
	worst := levels[0].Price
	for _, lvl := range levels {
		if remaining.LessThanOrEqual(decimal.Zero) {
			break
		}
		take := decimal.Min(remaining, lvl.Size)
		notional = notional.Add(take.Mul(lvl.Price))
		covered = covered.Add(take)
		remaining = remaining.Sub(take)
		worst = lvl.Price
	}

	est.FillCoverage = covered.Div(quantity)
	if covered.IsPositive() {
		est.ExpectedPrice = notional.Div(covered)
		est.ExpectedSlippage = model.SignedSlippagePercent(side, reference, est.ExpectedPrice)
	}
	if remaining.IsPositive() {
		// Book cannot satisfy the order: report the marginal (worst level)
		// slippage as the estimate, which is maximal for this book.
		est.ExpectedSlippage = model.SignedSlippagePercent(side, reference, worst)
		est.Reason = "insufficient liquidity for full quantity"
	}

	// Square-root participation impact for large orders scales the base
	// estimate.
	if daily := p.market.DailyVolume(symbol); daily.IsPositive() {
		participation, _ := quantity.Div(daily).Float64()
		if participation > 0 {
			factor := p.cfg.ImpactCoefficient * math.Sqrt(participation)
			impact := est.ExpectedSlippage.Abs().Mul(decimal.NewFromFloat(factor))
			est.MarketImpact = impact
			est.ExpectedSlippage = est.ExpectedSlippage.Add(impact)
		}
	}

	est.Confidence = p.confidence(symbol, quantity, book)
	est.Recommendation = p.recommend(est)
	p.logger.Debug("slippage estimated",
		zap.String("symbol", symbol),
		zap.String("side", side),
		zap.String("expected_slippage_pct", est.ExpectedSlippage.String()),
		zap.Float64("confidence", est.Confidence),
		zap.String("recommendation", est.Recommendation))
	return est
}

// confidence blends sample-size adequacy, book liquidity and an order-size
// penalty into [0,1].
func (p *Predictor) confidence(symbol string, quantity decimal.Decimal, book *model.OrderBook) float64 {
	sample := 0.0
	if p.history != nil {
		sample = float64(len(p.history.SymbolHistory(symbol))) / float64(p.cfg.SampleTarget)
		if sample > 1 {
			sample = 1
		}
	}

	displayed := book.TotalDisplayedVolume()
	liquidity := 0.0
	sizePenalty := 1.0
	if displayed.IsPositive() {
		// A book holding ten times the order is considered fully liquid.
		ratio, _ := displayed.Div(quantity.Mul(decimal.NewFromInt(10))).Float64()
		if ratio > 1 {
			ratio = 1
		}
		liquidity = ratio
		penalty, _ := quantity.Div(displayed).Float64()
		if penalty > 1 {
			penalty = 1
		}
		sizePenalty = penalty
	}

	c := 0.4*sample + 0.4*liquidity + 0.2*(1-sizePenalty)
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}

// recommend applies the decision policy over coverage, slippage, impact and
// confidence.
func (p *Predictor) recommend(est *model.SlippageEstimate) string {
	if est.FillCoverage.LessThan(p.cfg.MinCoverage) {
		return model.RecommendSplit
	}
	if est.ExpectedSlippage.Abs().GreaterThan(p.cfg.AcceptableSlippagePercent) {
		if est.MarketImpact.GreaterThan(p.cfg.HighImpactPercent) {
			return model.RecommendSplit
		}
		return model.RecommendWait
	}
	if est.Confidence < p.cfg.ConfidenceThreshold {
		return model.RecommendSplit
	}
	return model.RecommendExecute
}

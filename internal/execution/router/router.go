// Package router scores registered execution venues and decides single- or
// multi-venue routing for each order.
package router

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantarc/execsim/internal/execution/model"
)

// Cost-optimization modes perturbing the urgency weight sets.
const (
	ModeNeutral      = "NEUTRAL"
	ModeAggressive   = "AGGRESSIVE"
	ModeConservative = "CONSERVATIVE"
)

// Config holds the router's decision knobs.
type Config struct {
	// Enabled switches smart routing; when false every order goes to
	// DefaultVenue.
	Enabled      bool
	DefaultVenue string
	// MaxSplitVenues bounds how many venues a split may span.
	MaxSplitVenues int
	// AllowDarkPools includes dark-pool venues in scoring.
	AllowDarkPools bool
	// CostMode is NEUTRAL, AGGRESSIVE (favor cost) or CONSERVATIVE (favor
	// liquidity).
	CostMode string
	// ReferenceFeeRate caps the cost sub-score; an effective fee at or above
	// it scores zero.
	ReferenceFeeRate decimal.Decimal
	// SplitCoverageThreshold is the liquidity coverage under which a LOW
	// urgency order is split.
	SplitCoverageThreshold decimal.Decimal
	// Latency ceilings per urgency.
	HighUrgencyLatency   time.Duration
	MediumUrgencyLatency time.Duration
	LowUrgencyLatency    time.Duration
}

// DefaultConfig returns the standard routing settings.
func DefaultConfig() Config {
	return Config{
		Enabled:                true,
		MaxSplitVenues:         3,
		CostMode:               ModeNeutral,
		ReferenceFeeRate:       decimal.NewFromFloat(0.01),
		SplitCoverageThreshold: decimal.NewFromFloat(0.8),
		HighUrgencyLatency:     50 * time.Millisecond,
		MediumUrgencyLatency:   100 * time.Millisecond,
		LowUrgencyLatency:      200 * time.Millisecond,
	}
}

// BookSource supplies venue-local book snapshots for liquidity scoring.
type BookSource interface {
	GetVenue(venueID, symbol string) (*model.OrderBook, bool)
}

// ReliabilitySource exposes the quality monitor's venue reliability scores
// in [0,100].
type ReliabilitySource interface {
	VenueReliability(venueID string) float64
}

// Router scores venues on cost, liquidity, latency and reliability and
// produces routing decisions.
type Router struct {
	logger      *zap.Logger
	cfg         Config
	books       BookSource
	reliability ReliabilitySource

	mu     sync.RWMutex
	venues map[string]*model.ExecutionVenue
}

// New creates a router. reliability may be nil, in which case every venue
// scores a neutral 100.
func New(logger *zap.Logger, books BookSource, reliability ReliabilitySource, cfg Config) *Router {
	if cfg.MaxSplitVenues < 2 {
		cfg.MaxSplitVenues = 2
	}
	return &Router{
		logger:      logger,
		cfg:         cfg,
		books:       books,
		reliability: reliability,
		venues:      make(map[string]*model.ExecutionVenue),
	}
}

// RegisterVenue adds a venue to the routing universe.
func (r *Router) RegisterVenue(v *model.ExecutionVenue) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.venues[v.ID]; exists {
		return model.ErrDuplicateVenue
	}
	r.venues[v.ID] = v
	r.logger.Info("venue registered",
		zap.String("venue", v.ID),
		zap.Bool("dark_pool", v.DarkPool),
		zap.Duration("avg_latency", v.AvgLatency))
	return nil
}

// Venue returns a registered venue by id.
func (r *Router) Venue(id string) (*model.ExecutionVenue, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.venues[id]
	return v, ok
}

// Venues lists the registered venues.
func (r *Router) Venues() []*model.ExecutionVenue {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*model.ExecutionVenue, 0, len(r.venues))
	for _, v := range r.venues {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// venueScore carries the per-venue scoring breakdown used to rank and split.
type venueScore struct {
	venue     *model.ExecutionVenue
	cost      float64
	liquidity float64
	latency   float64
	reliable  float64
	total     float64
	// available opposite-side volume on the venue's book; zero when the
	// venue has no book data.
	available decimal.Decimal
	hasBook   bool
	// notional is quantity times the venue's mid, falling back to raw
	// quantity when the book carries no price.
	notional decimal.Decimal
}

// Route decides where to send an order. With smart routing disabled it
// always returns the fixed default venue.
func (r *Router) Route(symbol, side string, quantity decimal.Decimal, urgency string) (*model.RoutingDecision, error) {
	symbol = strings.ToUpper(symbol)
	urgency = strings.ToUpper(urgency)
	if urgency == "" {
		urgency = model.UrgencyMedium
	}

	if !r.cfg.Enabled {
		if r.cfg.DefaultVenue == "" {
			return nil, model.ErrNoVenues
		}
		return &model.RoutingDecision{
			Primary:    r.cfg.DefaultVenue,
			Reason:     "smart routing disabled; using default venue",
			Confidence: 1,
		}, nil
	}

	scores := r.scoreVenues(symbol, side, quantity, urgency)
	if len(scores) == 0 {
		return nil, model.ErrNoVenues
	}
	sort.SliceStable(scores, func(i, j int) bool { return scores[i].total > scores[j].total })

	best := scores[0]
	coverage := decimal.NewFromInt(1)
	if quantity.IsPositive() {
		coverage = best.available.Div(quantity)
	}

	if urgency == model.UrgencyLow && coverage.LessThan(r.cfg.SplitCoverageThreshold) && len(scores) >= 2 {
		return r.splitDecision(scores, quantity, coverage), nil
	}

	decision := &model.RoutingDecision{
		Primary:          best.venue.ID,
		EstimatedCost:    best.venue.Fees.EffectiveRate(best.notional),
		EstimatedLatency: best.venue.AvgLatency,
		Confidence:       best.total,
		Reason: fmt.Sprintf("best weighted score %.3f (cost %.2f liquidity %.2f latency %.2f reliability %.2f)",
			best.total, best.cost, best.liquidity, best.latency, best.reliable),
	}
	for _, s := range scores[1:] {
		decision.Fallbacks = append(decision.Fallbacks, s.venue.ID)
		if len(decision.Fallbacks) == 2 {
			break
		}
	}
	return decision, nil
}

// splitDecision spreads the order across the top venues proportional to each
// venue's share of available liquidity, equal-split when no venue has book
// data.
func (r *Router) splitDecision(scores []venueScore, quantity, coverage decimal.Decimal) *model.RoutingDecision {
	n := r.cfg.MaxSplitVenues
	if n > len(scores) {
		n = len(scores)
	}
	top := scores[:n]

	totalLiquidity := decimal.Zero
	for _, s := range top {
		totalLiquidity = totalLiquidity.Add(s.available)
	}

	split := make(map[string]decimal.Decimal, n)
	if totalLiquidity.IsPositive() {
		// Assign proportionally; give the remainder to the best venue so
		// the fractions always sum to exactly one.
		assigned := decimal.Zero
		for i := 1; i < n; i++ {
			frac := top[i].available.Div(totalLiquidity).Round(6)
			split[top[i].venue.ID] = frac
			assigned = assigned.Add(frac)
		}
		split[top[0].venue.ID] = decimal.NewFromInt(1).Sub(assigned)
	} else {
		equal := decimal.NewFromInt(1).Div(decimal.NewFromInt(int64(n))).Round(6)
		assigned := decimal.Zero
		for i := 1; i < n; i++ {
			split[top[i].venue.ID] = equal
			assigned = assigned.Add(equal)
		}
		split[top[0].venue.ID] = decimal.NewFromInt(1).Sub(assigned)
	}

	decision := &model.RoutingDecision{
		Primary:          top[0].venue.ID,
		Split:            split,
		EstimatedLatency: top[0].venue.AvgLatency,
		Confidence:       top[0].total,
		Reason: fmt.Sprintf("splitting across %d venues: best venue covers only %s%% of order",
			n, coverage.Mul(decimal.NewFromInt(100)).Round(1)),
	}
	for _, s := range top[1:] {
		decision.Fallbacks = append(decision.Fallbacks, s.venue.ID)
	}
	return decision
}

// scoreVenues computes the four normalized sub-scores and the urgency-weighted
// total for every eligible venue.
func (r *Router) scoreVenues(symbol, side string, quantity decimal.Decimal, urgency string) []venueScore {
	r.mu.RLock()
	venues := make([]*model.ExecutionVenue, 0, len(r.venues))
	for _, v := range r.venues {
		venues = append(venues, v)
	}
	r.mu.RUnlock()

	wCost, wLiquidity, wLatency, wReliability := r.weights(urgency)
	ceiling := r.latencyCeiling(urgency)

	var scores []venueScore
	for _, v := range venues {
		if !v.Supports(symbol) {
			continue
		}
		if v.DarkPool && !r.cfg.AllowDarkPools {
			continue
		}
		s := venueScore{venue: v}
		s.liquidity, s.available, s.hasBook = r.liquidityScore(v, symbol, side, quantity)
		s.notional = r.notionalAt(v.ID, symbol, quantity)
		s.cost = r.costScore(v, s.notional)
		s.latency = latencyScore(v.AvgLatency, ceiling)
		s.reliable = r.reliabilityScore(v.ID)
		s.total = wCost*s.cost + wLiquidity*s.liquidity + wLatency*s.latency + wReliability*s.reliable
		scores = append(scores, s)
	}
	return scores
}

// weights returns the urgency weight set, perturbed by the cost mode.
func (r *Router) weights(urgency string) (cost, liquidity, latency, reliability float64) {
	switch urgency {
	case model.UrgencyHigh:
		cost, liquidity, latency, reliability = 0.15, 0.25, 0.40, 0.20
	case model.UrgencyLow:
		cost, liquidity, latency, reliability = 0.35, 0.35, 0.10, 0.20
	default:
		cost, liquidity, latency, reliability = 0.30, 0.30, 0.20, 0.20
	}
	switch strings.ToUpper(r.cfg.CostMode) {
	case ModeAggressive:
		cost += 0.15
	case ModeConservative:
		liquidity += 0.15
	}
	total := cost + liquidity + latency + reliability
	return cost / total, liquidity / total, latency / total, reliability / total
}

func (r *Router) latencyCeiling(urgency string) time.Duration {
	switch urgency {
	case model.UrgencyHigh:
		return r.cfg.HighUrgencyLatency
	case model.UrgencyLow:
		return r.cfg.LowUrgencyLatency
	default:
		return r.cfg.MediumUrgencyLatency
	}
}

// costScore is the inverse of the venue's effective fee against the
// reference cap: a free venue scores 1, anything at or beyond the reference
// rate scores 0.
func (r *Router) costScore(v *model.ExecutionVenue, notional decimal.Decimal) float64 {
	ref := r.cfg.ReferenceFeeRate
	if ref.LessThanOrEqual(decimal.Zero) {
		ref = decimal.NewFromFloat(0.01)
	}
	fee := v.Fees.EffectiveRate(notional)
	ratio, _ := fee.Div(ref).Float64()
	return clamp01(1 - ratio)
}

// notionalAt converts a share quantity to value at the venue's mid so fixed
// fees amortize over notional, not shares.
func (r *Router) notionalAt(venueID, symbol string, quantity decimal.Decimal) decimal.Decimal {
	if book, ok := r.books.GetVenue(venueID, symbol); ok && book != nil {
		if mid := book.MidPrice(); mid.IsPositive() {
			return quantity.Mul(mid)
		}
	}
	return quantity
}

// liquidityScore blends the opposite-side fill ratio with spread tightness.
func (r *Router) liquidityScore(v *model.ExecutionVenue, symbol, side string, quantity decimal.Decimal) (float64, decimal.Decimal, bool) {
	book, ok := r.books.GetVenue(v.ID, symbol)
	if !ok || book == nil {
		return 0, decimal.Zero, false
	}
	available := model.SideVolume(book.OppositeLevels(side))
	fillRatio := 1.0
	if quantity.IsPositive() {
		ratio, _ := available.Div(quantity).Float64()
		fillRatio = clamp01(ratio)
	}
	spreadScore := 0.5
	if mid := book.MidPrice(); mid.IsPositive() {
		// 1% of mid is treated as a fully slack spread.
		rel, _ := book.Spread().Div(mid).Div(decimal.NewFromFloat(0.01)).Float64()
		spreadScore = clamp01(1 - rel)
	}
	return 0.7*fillRatio + 0.3*spreadScore, available, true
}

func latencyScore(latency, ceiling time.Duration) float64 {
	if ceiling <= 0 {
		return 0
	}
	return clamp01(1 - float64(latency)/float64(ceiling))
}

func (r *Router) reliabilityScore(venueID string) float64 {
	if r.reliability == nil {
		return 1
	}
	return clamp01(r.reliability.VenueReliability(venueID) / 100)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

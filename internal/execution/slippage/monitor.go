package slippage

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantarc/execsim/internal/execution/events"
	"github.com/quantarc/execsim/internal/execution/model"
)

// Alert severities raised by the monitor. Alerts are advisory only and never
// fail the originating order.
const (
	SeverityWarning  = "WARNING"
	SeverityCritical = "CRITICAL"
)

// MonitorConfig holds alerting thresholds and aggregation bounds.
type MonitorConfig struct {
	// WarningBps / CriticalBps classify per-execution slippage alerts.
	WarningBps  decimal.Decimal
	CriticalBps decimal.Decimal
	// MaxHistoryPerSymbol bounds the rolling history; oldest records are
	// evicted first.
	MaxHistoryPerSymbol int
	// EMAAlpha is the smoothing factor for venue statistics.
	EMAAlpha float64
	// Reliability penalty thresholds.
	TargetFillRate     decimal.Decimal
	MaxSlippagePercent decimal.Decimal
	MaxLatency         time.Duration
}

// DefaultMonitorConfig returns the standard monitoring settings.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		WarningBps:          decimal.NewFromInt(20),
		CriticalBps:         decimal.NewFromInt(50),
		MaxHistoryPerSymbol: 1000,
		EMAAlpha:            0.1,
		TargetFillRate:      decimal.NewFromFloat(0.95),
		MaxSlippagePercent:  decimal.NewFromFloat(0.5),
		MaxLatency:          time.Second,
	}
}

// VenueStats is the exponentially smoothed per-venue quality aggregate.
type VenueStats struct {
	VenueID           string          `json:"venue_id"`
	Executions        int64           `json:"executions"`
	AvgFillRate       decimal.Decimal `json:"avg_fill_rate"`
	AvgSlippagePct    decimal.Decimal `json:"avg_slippage_percent"`
	AvgCommissionRate decimal.Decimal `json:"avg_commission_rate"`
	AvgLatency        time.Duration   `json:"avg_latency"`
	Reliability       float64         `json:"reliability"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// SymbolStats aggregates the rolling slippage history of one symbol.
type SymbolStats struct {
	Symbol      string          `json:"symbol"`
	Count       int             `json:"count"`
	MeanPct     decimal.Decimal `json:"mean_percent"`
	MaxPct      decimal.Decimal `json:"max_percent"`
	MinPct      decimal.Decimal `json:"min_percent"`
	StdDevPct   float64         `json:"stddev_percent"`
	HourlyMean  map[int]decimal.Decimal
	BestHour    int `json:"best_hour"`
	WorstHour   int `json:"worst_hour"`
	AlertsTotal int `json:"alerts_total"`
}

// QualityAlert is the payload for quality_alert events.
type QualityAlert struct {
	Type     string          `json:"type"`
	Severity string          `json:"severity"`
	OrderID  string          `json:"order_id,omitempty"`
	Symbol   string          `json:"symbol,omitempty"`
	Venue    string          `json:"venue,omitempty"`
	Value    decimal.Decimal `json:"value"`
	Message  string          `json:"message"`
}

// Monitor records realized execution quality, raises threshold alerts and
// maintains rolling venue reliability consumed by the router and predictor.
type Monitor struct {
	logger *zap.Logger
	bus    events.Bus
	cfg    MonitorConfig

	mu      sync.RWMutex
	history map[string][]model.SlippageRecord
	venues  map[string]*VenueStats
	alerts  map[string]int
}

// NewMonitor creates a quality monitor. bus may be nil for pure aggregation
// use in tests.
func NewMonitor(logger *zap.Logger, bus events.Bus, cfg MonitorConfig) *Monitor {
	if cfg.MaxHistoryPerSymbol <= 0 {
		cfg = DefaultMonitorConfig()
	}
	return &Monitor{
		logger:  logger,
		bus:     bus,
		cfg:     cfg,
		history: make(map[string][]model.SlippageRecord),
		venues:  make(map[string]*VenueStats),
		alerts:  make(map[string]int),
	}
}

// Seed preloads historical slippage records (persisted analytics input).
// Seeded records update histories and venue aggregates without emitting
// alert events.
func (m *Monitor) Seed(records []model.SlippageRecord) {
	for _, rec := range records {
		m.append(rec)
		m.updateVenue(rec, false)
	}
}

// Record ingests one realized execution measurement: bounded history,
// threshold alerts, venue EMA update and observability events.
func (m *Monitor) Record(ctx context.Context, rec model.SlippageRecord) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	rec.Hour = rec.Timestamp.Hour()
	if rec.SlippageBps.IsZero() && !rec.SlippagePercent.IsZero() {
		rec.SlippageBps = model.BasisPoints(rec.SlippagePercent)
	}

	m.append(rec)
	m.publish(ctx, events.TopicQuality, events.TypeSlippageRecorded, rec)

	m.classifyAlerts(ctx, rec)
	m.updateVenue(rec, true)
}

func (m *Monitor) append(rec model.SlippageRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	hist := append(m.history[rec.Symbol], rec)
	if over := len(hist) - m.cfg.MaxHistoryPerSymbol; over > 0 {
		hist = hist[over:]
	}
	m.history[rec.Symbol] = hist
}

// classifyAlerts raises WARNING/CRITICAL slippage alerts and the
// high-latency advisory.
func (m *Monitor) classifyAlerts(ctx context.Context, rec model.SlippageRecord) {
	bps := rec.SlippageBps
	switch {
	case bps.GreaterThanOrEqual(m.cfg.CriticalBps):
		m.countAlert(rec.Symbol)
		alert := QualityAlert{
			Type:     events.TypeCriticalSlippage,
			Severity: SeverityCritical,
			OrderID:  rec.OrderID,
			Symbol:   rec.Symbol,
			Venue:    rec.Venue,
			Value:    bps,
			Message:  fmt.Sprintf("critical slippage %s bps on %s", bps.Round(1), rec.Symbol),
		}
		m.publish(ctx, events.TopicQuality, events.TypeCriticalSlippage, alert)
		m.publish(ctx, events.TopicQuality, events.TypeQualityAlert, alert)
		m.logger.Warn("critical slippage",
			zap.String("order_id", rec.OrderID),
			zap.String("symbol", rec.Symbol),
			zap.String("bps", bps.String()))
	case bps.GreaterThanOrEqual(m.cfg.WarningBps):
		m.countAlert(rec.Symbol)
		alert := QualityAlert{
			Type:     events.TypeSlippageWarning,
			Severity: SeverityWarning,
			OrderID:  rec.OrderID,
			Symbol:   rec.Symbol,
			Venue:    rec.Venue,
			Value:    bps,
			Message:  fmt.Sprintf("slippage %s bps on %s exceeds warning threshold", bps.Round(1), rec.Symbol),
		}
		m.publish(ctx, events.TopicQuality, events.TypeSlippageWarning, alert)
		m.publish(ctx, events.TopicQuality, events.TypeQualityAlert, alert)
	}

	if m.cfg.MaxLatency > 0 && rec.Latency > m.cfg.MaxLatency {
		m.publish(ctx, events.TopicQuality, events.TypeHighLatency, QualityAlert{
			Type:     events.TypeHighLatency,
			Severity: SeverityWarning,
			OrderID:  rec.OrderID,
			Venue:    rec.Venue,
			Value:    decimal.NewFromInt(rec.Latency.Milliseconds()),
			Message:  fmt.Sprintf("execution latency %s above %s", rec.Latency, m.cfg.MaxLatency),
		})
	}
}

func (m *Monitor) countAlert(symbol string) {
	m.mu.Lock()
	m.alerts[symbol]++
	m.mu.Unlock()
}

// updateVenue folds the record into the venue's exponential moving averages
// and rederives the reliability score.
func (m *Monitor) updateVenue(rec model.SlippageRecord, emit bool) {
	if rec.Venue == "" {
		return
	}
	alpha := decimal.NewFromFloat(m.cfg.EMAAlpha)

	m.mu.Lock()
	stats, ok := m.venues[rec.Venue]
	if !ok {
		stats = &VenueStats{VenueID: rec.Venue, Reliability: 100}
		m.venues[rec.Venue] = stats
	}
	if stats.Executions == 0 {
		stats.AvgFillRate = rec.FillRate
		stats.AvgSlippagePct = rec.SlippagePercent
		stats.AvgCommissionRate = rec.CommissionRate
		stats.AvgLatency = rec.Latency
	} else {
		stats.AvgFillRate = ema(stats.AvgFillRate, rec.FillRate, alpha)
		stats.AvgSlippagePct = ema(stats.AvgSlippagePct, rec.SlippagePercent, alpha)
		stats.AvgCommissionRate = ema(stats.AvgCommissionRate, rec.CommissionRate, alpha)
		stats.AvgLatency = time.Duration((1-m.cfg.EMAAlpha)*float64(stats.AvgLatency) + m.cfg.EMAAlpha*float64(rec.Latency))
	}
	stats.Executions++
	stats.Reliability = m.reliability(stats)
	stats.UpdatedAt = time.Now()
	snapshot := *stats
	m.mu.Unlock()

	if emit {
		m.publish(context.Background(), events.TopicVenue, events.TypeVenuePerformanceUpdated, snapshot)
	}
}

func ema(prev, next, alpha decimal.Decimal) decimal.Decimal {
	one := decimal.NewFromInt(1)
	return prev.Mul(one.Sub(alpha)).Add(next.Mul(alpha))
}

// reliability starts from 100 and subtracts penalties for fill rate below
// target, slippage above the maximum and latency above the ceiling, clamped
// to [0,100].
func (m *Monitor) reliability(stats *VenueStats) float64 {
	score := 100.0
	if stats.AvgFillRate.LessThan(m.cfg.TargetFillRate) {
		gap, _ := m.cfg.TargetFillRate.Sub(stats.AvgFillRate).Float64()
		score -= gap * 200
	}
	if stats.AvgSlippagePct.GreaterThan(m.cfg.MaxSlippagePercent) {
		over, _ := stats.AvgSlippagePct.Sub(m.cfg.MaxSlippagePercent).Float64()
		score -= over * 40
	}
	if stats.AvgLatency > m.cfg.MaxLatency {
		overSec := (stats.AvgLatency - m.cfg.MaxLatency).Seconds()
		score -= overSec * 20
	}
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// VenueReliability implements the router's ReliabilitySource: unknown venues
// score a neutral 100.
func (m *Monitor) VenueReliability(venueID string) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if stats, ok := m.venues[venueID]; ok {
		return stats.Reliability
	}
	return 100
}

// VenueStatsFor returns a copy of the venue's aggregate, or false.
func (m *Monitor) VenueStatsFor(venueID string) (VenueStats, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if stats, ok := m.venues[venueID]; ok {
		return *stats, true
	}
	return VenueStats{}, false
}

// SymbolHistory implements the predictor's HistorySource.
func (m *Monitor) SymbolHistory(symbol string) []model.SlippageRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	hist := m.history[symbol]
	out := make([]model.SlippageRecord, len(hist))
	copy(out, hist)
	return out
}

// Statistics aggregates the rolling history of a symbol.
func (m *Monitor) Statistics(symbol string) *SymbolStats {
	m.mu.RLock()
	hist := m.history[symbol]
	records := make([]model.SlippageRecord, len(hist))
	copy(records, hist)
	alerts := m.alerts[symbol]
	m.mu.RUnlock()

	stats := &SymbolStats{
		Symbol:      symbol,
		Count:       len(records),
		HourlyMean:  make(map[int]decimal.Decimal),
		BestHour:    -1,
		WorstHour:   -1,
		AlertsTotal: alerts,
	}
	if len(records) == 0 {
		return stats
	}

	sum := decimal.Zero
	stats.MaxPct = records[0].SlippagePercent
	stats.MinPct = records[0].SlippagePercent
	hourlySum := make(map[int]decimal.Decimal)
	hourlyCount := make(map[int]int)
	for _, rec := range records {
		sum = sum.Add(rec.SlippagePercent)
		if rec.SlippagePercent.GreaterThan(stats.MaxPct) {
			stats.MaxPct = rec.SlippagePercent
		}
		if rec.SlippagePercent.LessThan(stats.MinPct) {
			stats.MinPct = rec.SlippagePercent
		}
		hourlySum[rec.Hour] = hourlySum[rec.Hour].Add(rec.SlippagePercent)
		hourlyCount[rec.Hour]++
	}
	n := decimal.NewFromInt(int64(len(records)))
	stats.MeanPct = sum.Div(n)

	variance := 0.0
	mean, _ := stats.MeanPct.Float64()
	for _, rec := range records {
		v, _ := rec.SlippagePercent.Float64()
		variance += (v - mean) * (v - mean)
	}
	stats.StdDevPct = math.Sqrt(variance / float64(len(records)))

	hours := make([]int, 0, len(hourlySum))
	for hour := range hourlySum {
		hours = append(hours, hour)
	}
	sort.Ints(hours)
	for _, hour := range hours {
		avg := hourlySum[hour].Div(decimal.NewFromInt(int64(hourlyCount[hour])))
		stats.HourlyMean[hour] = avg
		if stats.BestHour == -1 || avg.LessThan(stats.HourlyMean[stats.BestHour]) {
			stats.BestHour = hour
		}
		if stats.WorstHour == -1 || avg.GreaterThan(stats.HourlyMean[stats.WorstHour]) {
			stats.WorstHour = hour
		}
	}
	return stats
}

// Recommendations renders human-readable guidance from a symbol's
// statistics.
func (m *Monitor) Recommendations(symbol string) []string {
	stats := m.Statistics(symbol)
	if stats.Count == 0 {
		return []string{"no execution history for " + symbol}
	}
	var recs []string
	maxPct, _ := m.cfg.MaxSlippagePercent.Float64()
	meanPct, _ := stats.MeanPct.Float64()
	if meanPct > maxPct {
		recs = append(recs, fmt.Sprintf("average slippage %.3f%% is high: use algorithmic slicing (TWAP/VWAP) for large orders", meanPct))
	}
	if stats.StdDevPct > 2*math.Abs(meanPct) && stats.StdDevPct > 0.1 {
		recs = append(recs, fmt.Sprintf("slippage variance is high (stddev %.3f%%): review outlier executions", stats.StdDevPct))
	}
	if stats.BestHour >= 0 && stats.BestHour != stats.WorstHour {
		recs = append(recs, fmt.Sprintf("best hour to trade %s is %02d:00 (worst %02d:00)", symbol, stats.BestHour, stats.WorstHour))
	}
	if len(recs) == 0 {
		recs = append(recs, fmt.Sprintf("execution quality for %s is within thresholds", symbol))
	}
	return recs
}

// Reset drops all histories and venue aggregates.
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = make(map[string][]model.SlippageRecord)
	m.venues = make(map[string]*VenueStats)
	m.alerts = make(map[string]int)
}

func (m *Monitor) publish(ctx context.Context, topic, eventType string, payload interface{}) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(ctx, events.Event{
		Topic:     topic,
		Type:      eventType,
		Timestamp: time.Now(),
		Payload:   payload,
	})
}

// Package config loads simulator configuration from YAML files and
// environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full simulator configuration tree.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	OMS      OMSConfig      `mapstructure:"oms"`
	Router   RouterConfig   `mapstructure:"router"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Slippage SlippageConfig `mapstructure:"slippage"`
	Monitor  MonitorConfig  `mapstructure:"monitor"`
	Venues   []VenueConfig  `mapstructure:"venues"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr"`
	Mode string `mapstructure:"mode"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

type OMSConfig struct {
	MaxOrderLifetime time.Duration `mapstructure:"max_order_lifetime"`
	MaxOrderQuantity float64       `mapstructure:"max_order_quantity"`
	AutoRetry        bool          `mapstructure:"auto_retry"`
}

type RouterConfig struct {
	Enabled                bool          `mapstructure:"enabled"`
	DefaultVenue           string        `mapstructure:"default_venue"`
	MaxSplitVenues         int           `mapstructure:"max_split_venues"`
	AllowDarkPools         bool          `mapstructure:"allow_dark_pools"`
	CostMode               string        `mapstructure:"cost_mode"`
	ReferenceFeeRate       float64       `mapstructure:"reference_fee_rate"`
	SplitCoverageThreshold float64       `mapstructure:"split_coverage_threshold"`
	HighUrgencyLatency     time.Duration `mapstructure:"high_urgency_latency"`
	MediumUrgencyLatency   time.Duration `mapstructure:"medium_urgency_latency"`
	LowUrgencyLatency      time.Duration `mapstructure:"low_urgency_latency"`
}

type EngineConfig struct {
	CommissionRate           float64 `mapstructure:"commission_rate"`
	SlippageTolerancePercent float64 `mapstructure:"slippage_tolerance_percent"`
	EffectiveFillThreshold   float64 `mapstructure:"effective_fill_threshold"`
}

type SlippageConfig struct {
	AcceptableSlippagePercent float64 `mapstructure:"acceptable_slippage_percent"`
	ConfidenceThreshold       float64 `mapstructure:"confidence_threshold"`
	MinCoverage               float64 `mapstructure:"min_coverage"`
	HighImpactPercent         float64 `mapstructure:"high_impact_percent"`
	ImpactCoefficient         float64 `mapstructure:"impact_coefficient"`
	SampleTarget              int     `mapstructure:"sample_target"`
}

type MonitorConfig struct {
	WarningBps             float64       `mapstructure:"warning_bps"`
	CriticalBps            float64       `mapstructure:"critical_bps"`
	MaxHistoryPerSymbol    int           `mapstructure:"max_history_per_symbol"`
	EmaAlpha               float64       `mapstructure:"ema_alpha"`
	FillRateFloor          float64       `mapstructure:"fill_rate_floor"`
	SlippageCeilingPercent float64       `mapstructure:"slippage_ceiling_percent"`
	LatencyCeiling         time.Duration `mapstructure:"latency_ceiling"`
}

type VenueConfig struct {
	ID         string        `mapstructure:"id"`
	Name       string        `mapstructure:"name"`
	MakerRate  float64       `mapstructure:"maker_rate"`
	TakerRate  float64       `mapstructure:"taker_rate"`
	FixedFee   float64       `mapstructure:"fixed_fee"`
	AvgLatency time.Duration `mapstructure:"avg_latency"`
	DarkPool   bool          `mapstructure:"dark_pool"`
	Symbols    []string      `mapstructure:"symbols"`
}

// Load reads configuration from the given YAML file (optional) and the
// EXECSIM_ environment, applying defaults for everything unset.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("EXECSIM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8085")
	v.SetDefault("server.mode", "release")
	v.SetDefault("logging.level", "info")

	v.SetDefault("oms.max_order_lifetime", "5m")
	v.SetDefault("oms.max_order_quantity", 0)
	v.SetDefault("oms.auto_retry", false)

	v.SetDefault("router.enabled", true)
	v.SetDefault("router.max_split_venues", 3)
	v.SetDefault("router.allow_dark_pools", false)
	v.SetDefault("router.cost_mode", "NEUTRAL")
	v.SetDefault("router.reference_fee_rate", 0.01)
	v.SetDefault("router.split_coverage_threshold", 0.8)
	v.SetDefault("router.high_urgency_latency", "50ms")
	v.SetDefault("router.medium_urgency_latency", "100ms")
	v.SetDefault("router.low_urgency_latency", "200ms")

	v.SetDefault("engine.commission_rate", 0.001)
	v.SetDefault("engine.slippage_tolerance_percent", 0.1)
	v.SetDefault("engine.effective_fill_threshold", 0.95)

	v.SetDefault("slippage.acceptable_slippage_percent", 0.5)
	v.SetDefault("slippage.confidence_threshold", 0.5)
	v.SetDefault("slippage.min_coverage", 0.9)
	v.SetDefault("slippage.high_impact_percent", 0.2)
	v.SetDefault("slippage.impact_coefficient", 1.0)
	v.SetDefault("slippage.sample_target", 50)

	v.SetDefault("monitor.warning_bps", 20)
	v.SetDefault("monitor.critical_bps", 50)
	v.SetDefault("monitor.max_history_per_symbol", 1000)
	v.SetDefault("monitor.ema_alpha", 0.1)
	v.SetDefault("monitor.fill_rate_floor", 0.95)
	v.SetDefault("monitor.slippage_ceiling_percent", 0.5)
	v.SetDefault("monitor.latency_ceiling", "1s")
}

func validate(cfg *Config) error {
	switch strings.ToUpper(cfg.Router.CostMode) {
	case "NEUTRAL", "AGGRESSIVE", "CONSERVATIVE":
	default:
		return fmt.Errorf("invalid router cost mode: %s", cfg.Router.CostMode)
	}
	if cfg.Router.MaxSplitVenues < 1 {
		return fmt.Errorf("router.max_split_venues must be at least 1")
	}
	if cfg.Engine.CommissionRate < 0 {
		return fmt.Errorf("engine.commission_rate must not be negative")
	}
	if cfg.Engine.EffectiveFillThreshold <= 0 || cfg.Engine.EffectiveFillThreshold > 1 {
		return fmt.Errorf("engine.effective_fill_threshold must be in (0, 1]")
	}
	if cfg.Monitor.EmaAlpha <= 0 || cfg.Monitor.EmaAlpha > 1 {
		return fmt.Errorf("monitor.ema_alpha must be in (0, 1]")
	}
	if cfg.Monitor.CriticalBps < cfg.Monitor.WarningBps {
		return fmt.Errorf("monitor.critical_bps must be at least warning_bps")
	}
	seen := make(map[string]bool, len(cfg.Venues))
	for _, venue := range cfg.Venues {
		if venue.ID == "" {
			return fmt.Errorf("venue id is required")
		}
		if seen[venue.ID] {
			return fmt.Errorf("duplicate venue id: %s", venue.ID)
		}
		seen[venue.ID] = true
	}
	return nil
}

package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantarc/execsim/internal/execution/books"
	"github.com/quantarc/execsim/internal/execution/engine"
	"github.com/quantarc/execsim/internal/execution/events"
	"github.com/quantarc/execsim/internal/execution/handlers"
	"github.com/quantarc/execsim/internal/execution/model"
	"github.com/quantarc/execsim/internal/execution/oms"
	"github.com/quantarc/execsim/internal/execution/router"
	"github.com/quantarc/execsim/internal/execution/slippage"
	"github.com/quantarc/execsim/internal/execution/venue"
	"github.com/quantarc/execsim/internal/infrastructure/config"
	"github.com/quantarc/execsim/pkg/logger"
	"github.com/quantarc/execsim/pkg/metrics"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}

	log, err := logger.New(cfg.Logging.Level)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	bus := events.NewInMemoryBus(logger.Component(log, "events"))
	store := books.NewStore(logger.Component(log, "books"))
	clock := engine.NewRealClock()

	monitor := slippage.NewMonitor(logger.Component(log, "monitor"), bus, slippage.MonitorConfig{
		WarningBps:          decimal.NewFromFloat(cfg.Monitor.WarningBps),
		CriticalBps:         decimal.NewFromFloat(cfg.Monitor.CriticalBps),
		MaxHistoryPerSymbol: cfg.Monitor.MaxHistoryPerSymbol,
		EMAAlpha:            cfg.Monitor.EmaAlpha,
		TargetFillRate:      decimal.NewFromFloat(cfg.Monitor.FillRateFloor),
		MaxSlippagePercent:  decimal.NewFromFloat(cfg.Monitor.SlippageCeilingPercent),
		MaxLatency:          cfg.Monitor.LatencyCeiling,
	})

	predictor := slippage.NewPredictor(logger.Component(log, "predictor"), store, monitor, slippage.PredictorConfig{
		AcceptableSlippagePercent: decimal.NewFromFloat(cfg.Slippage.AcceptableSlippagePercent),
		ConfidenceThreshold:       cfg.Slippage.ConfidenceThreshold,
		MinCoverage:               decimal.NewFromFloat(cfg.Slippage.MinCoverage),
		HighImpactPercent:         decimal.NewFromFloat(cfg.Slippage.HighImpactPercent),
		ImpactCoefficient:         cfg.Slippage.ImpactCoefficient,
		SampleTarget:              cfg.Slippage.SampleTarget,
	})

	smartRouter := router.New(logger.Component(log, "router"), store, monitor, router.Config{
		Enabled:                cfg.Router.Enabled,
		DefaultVenue:           cfg.Router.DefaultVenue,
		MaxSplitVenues:         cfg.Router.MaxSplitVenues,
		AllowDarkPools:         cfg.Router.AllowDarkPools,
		CostMode:               cfg.Router.CostMode,
		ReferenceFeeRate:       decimal.NewFromFloat(cfg.Router.ReferenceFeeRate),
		SplitCoverageThreshold: decimal.NewFromFloat(cfg.Router.SplitCoverageThreshold),
		HighUrgencyLatency:     cfg.Router.HighUrgencyLatency,
		MediumUrgencyLatency:   cfg.Router.MediumUrgencyLatency,
		LowUrgencyLatency:      cfg.Router.LowUrgencyLatency,
	})

	engineCfg := engine.Config{
		CommissionRate:           decimal.NewFromFloat(cfg.Engine.CommissionRate),
		SlippageTolerancePercent: decimal.NewFromFloat(cfg.Engine.SlippageTolerancePercent),
		EffectiveFillThreshold:   decimal.NewFromFloat(cfg.Engine.EffectiveFillThreshold),
	}
	execEngine := engine.New(logger.Component(log, "engine"), store, clock, engineCfg)

	orderManager := oms.New(logger.Component(log, "oms"), bus, smartRouter, execEngine, monitor, oms.Config{
		MaxOrderLifetime: cfg.OMS.MaxOrderLifetime,
		AutoRetry:        cfg.OMS.AutoRetry,
	})
	orderManager.AddValidator(oms.NewBasicOrderValidator(logger.Component(log, "validator")))
	if cfg.OMS.MaxOrderQuantity > 0 {
		orderManager.AddValidator(oms.NewSizeLimitValidator(decimal.NewFromFloat(cfg.OMS.MaxOrderQuantity)))
	}
	orderManager.AddValidator(oms.NewAlgoParamsValidator())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	for _, v := range venueList(cfg) {
		if err := smartRouter.RegisterVenue(v); err != nil {
			log.Fatal("venue registration failed", zap.String("venue", v.ID), zap.Error(err))
		}
		connector := venue.NewSimulatedConnector(v, logger.Component(log, "venue."+v.ID), store, clock, engineCfg)
		if err := connector.Connect(ctx); err != nil {
			log.Fatal("venue connect failed", zap.String("venue", v.ID), zap.Error(err))
		}
		orderManager.RegisterConnector(connector)
		defer connector.Disconnect(context.Background())
	}

	// Keep the reliability gauge in step with the monitor's EMA updates.
	bus.Subscribe(events.TopicVenue, func(e events.Event) {
		if stats, ok := e.Payload.(slippage.VenueStats); ok {
			metrics.VenueReliability.WithLabelValues(stats.VenueID).Set(monitor.VenueReliability(stats.VenueID))
		}
	})

	gin.SetMode(cfg.Server.Mode)
	engineHTTP := gin.New()
	engineHTTP.Use(gin.Recovery())
	api := handlers.NewAPI(orderManager, smartRouter, predictor, monitor, store, logger.Component(log, "api"))
	api.RegisterRoutes(engineHTTP)
	engineHTTP.GET("/metrics", gin.WrapH(promhttp.Handler()))

	server := &http.Server{Addr: cfg.Server.Addr, Handler: engineHTTP}
	go func() {
		log.Info("execution simulator listening", zap.String("addr", cfg.Server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("server shutdown failed", zap.Error(err))
	}
	orderManager.Close()
	os.Exit(0)
}

// venueList materializes configured venues, falling back to a small default
// set so the simulator is usable with no config file.
func venueList(cfg *config.Config) []*model.ExecutionVenue {
	if len(cfg.Venues) > 0 {
		out := make([]*model.ExecutionVenue, 0, len(cfg.Venues))
		for _, vc := range cfg.Venues {
			symbols := make(map[string]bool, len(vc.Symbols))
			for _, s := range vc.Symbols {
				symbols[strings.ToUpper(s)] = true
			}
			out = append(out, &model.ExecutionVenue{
				ID:   vc.ID,
				Name: vc.Name,
				Fees: model.FeeSchedule{
					MakerRate: decimal.NewFromFloat(vc.MakerRate),
					TakerRate: decimal.NewFromFloat(vc.TakerRate),
					FixedFee:  decimal.NewFromFloat(vc.FixedFee),
				},
				AvgLatency: vc.AvgLatency,
				Symbols:    symbols,
				DarkPool:   vc.DarkPool,
			})
		}
		return out
	}
	return []*model.ExecutionVenue{
		{
			ID:   "LIT-A",
			Name: "Primary Lit Venue",
			Fees: model.FeeSchedule{
				MakerRate: decimal.NewFromFloat(0.0008),
				TakerRate: decimal.NewFromFloat(0.0012),
			},
			AvgLatency: 20 * time.Millisecond,
		},
		{
			ID:   "LIT-B",
			Name: "Secondary Lit Venue",
			Fees: model.FeeSchedule{
				MakerRate: decimal.NewFromFloat(0.0005),
				TakerRate: decimal.NewFromFloat(0.0015),
			},
			AvgLatency: 45 * time.Millisecond,
		},
		{
			ID:   "DARK-X",
			Name: "Crossing Network",
			Fees: model.FeeSchedule{
				TakerRate: decimal.NewFromFloat(0.0004),
			},
			AvgLatency: 80 * time.Millisecond,
			DarkPool:   true,
		},
	}
}

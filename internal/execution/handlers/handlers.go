// Package handlers exposes the execution simulator over HTTP.
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantarc/execsim/internal/execution/books"
	"github.com/quantarc/execsim/internal/execution/model"
	"github.com/quantarc/execsim/internal/execution/oms"
	"github.com/quantarc/execsim/internal/execution/router"
	"github.com/quantarc/execsim/internal/execution/slippage"
)

func init() {
	if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
		// decimalgt0 validates that a decimal.Decimal field is strictly
		// positive; "required" alone lets a literal 0 through.
		v.RegisterValidation("decimalgt0", func(fl validator.FieldLevel) bool {
			d, ok := fl.Field().Interface().(decimal.Decimal)
			return ok && d.IsPositive()
		})
	}
}

// API wires the execution components to gin routes.
type API struct {
	oms       *oms.OMS
	router    *router.Router
	predictor *slippage.Predictor
	monitor   *slippage.Monitor
	books     *books.Store
	logger    *zap.Logger
}

// NewAPI creates the HTTP handler set.
func NewAPI(o *oms.OMS, r *router.Router, p *slippage.Predictor, m *slippage.Monitor, b *books.Store, logger *zap.Logger) *API {
	return &API{oms: o, router: r, predictor: p, monitor: m, books: b, logger: logger}
}

// RegisterRoutes registers all simulator routes.
func (api *API) RegisterRoutes(r *gin.Engine) {
	v1 := r.Group("/api/v1")
	{
		v1.POST("/orders", api.SubmitOrder)
		v1.GET("/orders", api.ListOrders)
		v1.GET("/orders/:id", api.GetOrder)
		v1.PATCH("/orders/:id", api.ModifyOrder)
		v1.DELETE("/orders/:id", api.CancelOrder)

		v1.POST("/books/:symbol", api.IngestBook)
		v1.GET("/books/:symbol", api.GetBook)

		v1.POST("/routing/preview", api.PreviewRoute)
		v1.POST("/slippage/estimate", api.EstimateSlippage)

		v1.GET("/quality/:symbol", api.SymbolQuality)
		v1.GET("/quality/:symbol/recommendations", api.Recommendations)
		v1.GET("/venues", api.Venues)
	}
	r.GET("/health", api.Health)
}

type orderRequest struct {
	Symbol      string             `json:"symbol" binding:"required"`
	Side        string             `json:"side" binding:"required,oneof=BUY SELL buy sell"`
	Type        string             `json:"type" binding:"required"`
	Quantity    decimal.Decimal    `json:"quantity" binding:"required,decimalgt0"`
	LimitPrice  decimal.Decimal    `json:"limit_price"`
	StopPrice   decimal.Decimal    `json:"stop_price"`
	TimeInForce string             `json:"time_in_force"`
	Urgency     string             `json:"urgency" binding:"omitempty,oneof=LOW MEDIUM HIGH low medium high"`
	AlgoParams  map[string]float64 `json:"algo_params"`
}

// SubmitOrder accepts a new order and runs it through the pipeline. A
// rejected order still returns 201 with state REJECTED; only malformed JSON
// is a 400.
func (api *API) SubmitOrder(c *gin.Context) {
	var req orderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request format", "details": err.Error()})
		return
	}

	order := api.oms.Submit(c.Request.Context(), model.OrderRequest{
		Symbol:      req.Symbol,
		Side:        req.Side,
		Type:        req.Type,
		Quantity:    req.Quantity,
		LimitPrice:  req.LimitPrice,
		StopPrice:   req.StopPrice,
		TimeInForce: req.TimeInForce,
		Urgency:     req.Urgency,
		AlgoParams:  req.AlgoParams,
	})
	c.JSON(http.StatusCreated, order.Snapshot())
}

// ListOrders returns all orders, optionally filtered with ?state= or
// ?active=true.
func (api *API) ListOrders(c *gin.Context) {
	if c.Query("active") == "true" {
		c.JSON(http.StatusOK, gin.H{"orders": api.oms.ActiveOrders()})
		return
	}
	state := model.OrderState(c.Query("state"))
	c.JSON(http.StatusOK, gin.H{"orders": api.oms.Orders(state)})
}

// GetOrder returns one order by id.
func (api *API) GetOrder(c *gin.Context) {
	order, err := api.oms.GetOrder(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "order not found"})
		return
	}
	c.JSON(http.StatusOK, order.Snapshot())
}

// CancelOrder requests cancellation. Cancelling a terminal order is a no-op
// success.
func (api *API) CancelOrder(c *gin.Context) {
	cancelled, err := api.oms.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, model.ErrOrderNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "order not found"})
			return
		}
		api.logger.Error("cancel failed", zap.String("order_id", c.Param("id")), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": cancelled})
}

// ModifyOrder changes price or quantity on a working order.
func (api *API) ModifyOrder(c *gin.Context) {
	var update model.OrderUpdate
	if err := c.ShouldBindJSON(&update); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request format", "details": err.Error()})
		return
	}
	if err := api.oms.Modify(c.Request.Context(), c.Param("id"), update); err != nil {
		switch {
		case errors.Is(err, model.ErrOrderNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "order not found"})
		case errors.Is(err, model.ErrNotModifiable):
			c.JSON(http.StatusConflict, gin.H{"error": "order cannot be modified in its current state"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}
	order, _ := api.oms.GetOrder(c.Param("id"))
	c.JSON(http.StatusOK, order.Snapshot())
}

type bookIngest struct {
	Bids        []model.BookLevel `json:"bids"`
	Asks        []model.BookLevel `json:"asks"`
	DailyVolume decimal.Decimal   `json:"daily_volume"`
}

// IngestBook replaces the book snapshot for a symbol. With ?venue= the
// snapshot is scoped to that venue, otherwise it is market wide.
func (api *API) IngestBook(c *gin.Context) {
	var in bookIngest
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request format", "details": err.Error()})
		return
	}
	symbol := c.Param("symbol")
	book, err := books.BuildBook(symbol, in.Bids, in.Asks)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if venueID := c.Query("venue"); venueID != "" {
		api.books.UpdateVenue(venueID, book)
	} else {
		api.books.Update(book)
	}
	if in.DailyVolume.IsPositive() {
		api.books.SetDailyVolume(book.Symbol, in.DailyVolume)
	}
	c.JSON(http.StatusOK, gin.H{"symbol": book.Symbol, "bids": len(book.Bids), "asks": len(book.Asks)})
}

// GetBook returns the current snapshot for a symbol.
func (api *API) GetBook(c *gin.Context) {
	symbol := c.Param("symbol")
	var (
		book *model.OrderBook
		ok   bool
	)
	if venueID := c.Query("venue"); venueID != "" {
		book, ok = api.books.GetVenue(venueID, symbol)
	} else {
		book, ok = api.books.Get(symbol)
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no book for symbol"})
		return
	}
	c.JSON(http.StatusOK, book)
}

type routePreview struct {
	Symbol   string          `json:"symbol" binding:"required"`
	Side     string          `json:"side" binding:"required,oneof=BUY SELL buy sell"`
	Quantity decimal.Decimal `json:"quantity" binding:"required,decimalgt0"`
	Urgency  string          `json:"urgency"`
}

// PreviewRoute runs venue selection without creating an order.
func (api *API) PreviewRoute(c *gin.Context) {
	var req routePreview
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request format", "details": err.Error()})
		return
	}
	decision, err := api.router.Route(req.Symbol, req.Side, req.Quantity, req.Urgency)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, decision)
}

type estimateRequest struct {
	Symbol      string          `json:"symbol" binding:"required"`
	Side        string          `json:"side" binding:"required,oneof=BUY SELL buy sell"`
	Quantity    decimal.Decimal `json:"quantity" binding:"required,decimalgt0"`
	TargetPrice decimal.Decimal `json:"target_price"`
}

// EstimateSlippage returns a pre-trade slippage estimate.
func (api *API) EstimateSlippage(c *gin.Context) {
	var req estimateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request format", "details": err.Error()})
		return
	}
	estimate := api.predictor.EstimateSlippage(req.Symbol, req.Side, req.Quantity, req.TargetPrice)
	c.JSON(http.StatusOK, estimate)
}

// SymbolQuality returns execution quality statistics for a symbol.
func (api *API) SymbolQuality(c *gin.Context) {
	stats := api.monitor.Statistics(c.Param("symbol"))
	if stats.Count == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "no execution history for symbol"})
		return
	}
	c.JSON(http.StatusOK, stats)
}

// Recommendations returns human-readable execution advice for a symbol.
func (api *API) Recommendations(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"symbol":          c.Param("symbol"),
		"recommendations": api.monitor.Recommendations(c.Param("symbol")),
	})
}

// Venues lists registered venues with their live reliability scores.
func (api *API) Venues(c *gin.Context) {
	type venueView struct {
		*model.ExecutionVenue
		Reliability float64              `json:"reliability"`
		Stats       *slippage.VenueStats `json:"stats,omitempty"`
	}
	venues := api.router.Venues()
	out := make([]venueView, 0, len(venues))
	for _, v := range venues {
		view := venueView{ExecutionVenue: v, Reliability: api.monitor.VenueReliability(v.ID)}
		if stats, ok := api.monitor.VenueStatsFor(v.ID); ok {
			view.Stats = &stats
		}
		out = append(out, view)
	}
	c.JSON(http.StatusOK, gin.H{"venues": out})
}

// Health is a liveness probe.
func (api *API) Health(c *gin.Context) {
	m := api.oms.Metrics()
	c.JSON(http.StatusOK, gin.H{
		"status":           "ok",
		"orders_submitted": m.Submitted,
		"orders_filled":    m.Filled,
	})
}

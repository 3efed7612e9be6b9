package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/quantarc/execsim/internal/execution/books"
	"github.com/quantarc/execsim/internal/execution/engine"
	"github.com/quantarc/execsim/internal/execution/events"
	"github.com/quantarc/execsim/internal/execution/model"
	"github.com/quantarc/execsim/internal/execution/oms"
	"github.com/quantarc/execsim/internal/execution/router"
	"github.com/quantarc/execsim/internal/execution/slippage"
	"github.com/quantarc/execsim/internal/execution/venue"
)

type apiFixture struct {
	engine  *gin.Engine
	store   *books.Store
	monitor *slippage.Monitor
}

// newAPIFixture wires the full stack behind a gin engine with one simulated
// venue, LIT-A, on a virtual clock.
func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zap.NewNop()
	store := books.NewStore(logger)
	bus := events.NewInMemoryBus(logger)
	clock := engine.NewVirtualClock(time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC))

	monitor := slippage.NewMonitor(logger, bus, slippage.DefaultMonitorConfig())
	predictor := slippage.NewPredictor(logger, store, monitor, slippage.DefaultPredictorConfig())
	rtr := router.New(logger, store, monitor, router.DefaultConfig())
	algo := engine.New(logger, store, clock, engine.DefaultConfig())

	manager := oms.New(logger, bus, rtr, algo, monitor, oms.DefaultConfig())
	manager.AddValidator(oms.NewBasicOrderValidator(logger))
	t.Cleanup(manager.Close)

	v := &model.ExecutionVenue{
		ID:         "LIT-A",
		Name:       "Lit Venue A",
		Fees:       model.FeeSchedule{TakerRate: decimal.NewFromFloat(0.001)},
		AvgLatency: 10 * time.Millisecond,
	}
	require.NoError(t, rtr.RegisterVenue(v))
	conn := venue.NewSimulatedConnector(v, logger, store, clock, engine.DefaultConfig())
	require.NoError(t, conn.Connect(context.Background()))
	t.Cleanup(func() { conn.Disconnect(context.Background()) })
	manager.RegisterConnector(conn)

	r := gin.New()
	NewAPI(manager, rtr, predictor, monitor, store, logger).RegisterRoutes(r)
	return &apiFixture{engine: r, store: store, monitor: monitor}
}

func (f *apiFixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.engine.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func (f *apiFixture) seedBook(t *testing.T, symbol string) {
	t.Helper()
	book, err := books.BuildBook(symbol,
		[]model.BookLevel{{Price: decimal.NewFromFloat(149.9), Size: decimal.NewFromInt(500)}},
		[]model.BookLevel{{Price: decimal.NewFromFloat(150.0), Size: decimal.NewFromInt(500)}})
	require.NoError(t, err)
	f.store.Update(book)
	f.store.UpdateVenue("LIT-A", book)
}

func TestSubmitOrderEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	f.seedBook(t, "AAPL")

	w := f.do(t, http.MethodPost, "/api/v1/orders", gin.H{
		"symbol":   "AAPL",
		"side":     "BUY",
		"type":     "MARKET",
		"quantity": "100",
	})
	require.Equal(t, http.StatusCreated, w.Code)

	body := decodeBody(t, w)
	assert.Equal(t, string(model.OrderStateFilled), body["state"])
	assert.Equal(t, "LIT-A", body["venue"])
	assert.NotEmpty(t, body["id"])
}

func TestSubmitOrderRejectedStillCreated(t *testing.T) {
	f := newAPIFixture(t)

	// Validator rejection is a domain outcome, not a transport error.
	w := f.do(t, http.MethodPost, "/api/v1/orders", gin.H{
		"symbol":   "AAPL",
		"side":     "SELL",
		"type":     "TELEPORT",
		"quantity": "100",
	})
	require.Equal(t, http.StatusCreated, w.Code)

	body := decodeBody(t, w)
	assert.Equal(t, string(model.OrderStateRejected), body["state"])
	assert.Contains(t, body["reason"], "validation failed")
}

func TestSubmitOrderBadPayload(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(t, http.MethodPost, "/api/v1/orders", gin.H{
		"symbol":   "AAPL",
		"side":     "SIDEWAYS",
		"type":     "MARKET",
		"quantity": "100",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Zero quantity fails the decimal binding rule before the pipeline runs.
	w = f.do(t, http.MethodPost, "/api/v1/orders", gin.H{
		"symbol":   "AAPL",
		"side":     "BUY",
		"type":     "MARKET",
		"quantity": "0",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/orders", bytes.NewBufferString("{not json"))
	w = httptest.NewRecorder()
	f.engine.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetAndListOrders(t *testing.T) {
	f := newAPIFixture(t)
	f.seedBook(t, "AAPL")

	w := f.do(t, http.MethodPost, "/api/v1/orders", gin.H{
		"symbol":   "AAPL",
		"side":     "BUY",
		"type":     "MARKET",
		"quantity": "100",
	})
	require.Equal(t, http.StatusCreated, w.Code)
	id := decodeBody(t, w)["id"].(string)

	w = f.do(t, http.MethodGet, "/api/v1/orders/"+id, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, id, decodeBody(t, w)["id"])

	w = f.do(t, http.MethodGet, "/api/v1/orders/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(t, http.MethodGet, fmt.Sprintf("/api/v1/orders?state=%s", model.OrderStateFilled), nil)
	require.Equal(t, http.StatusOK, w.Code)
	orders := decodeBody(t, w)["orders"].([]interface{})
	assert.Len(t, orders, 1)

	w = f.do(t, http.MethodGet, "/api/v1/orders?active=true", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decodeBody(t, w)["orders"])
}

func TestCancelOrderEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	f.seedBook(t, "AAPL")

	// A stop order rests at the venue and stays cancellable.
	w := f.do(t, http.MethodPost, "/api/v1/orders", gin.H{
		"symbol":     "AAPL",
		"side":       "BUY",
		"type":       "STOP",
		"quantity":   "100",
		"stop_price": "155.0",
	})
	require.Equal(t, http.StatusCreated, w.Code)
	id := decodeBody(t, w)["id"].(string)

	w = f.do(t, http.MethodDelete, "/api/v1/orders/"+id, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decodeBody(t, w)["cancelled"])

	// Terminal cancel is a no-op success.
	w = f.do(t, http.MethodDelete, "/api/v1/orders/"+id, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, decodeBody(t, w)["cancelled"])

	w = f.do(t, http.MethodDelete, "/api/v1/orders/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestModifyOrderEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	f.seedBook(t, "AAPL")

	w := f.do(t, http.MethodPost, "/api/v1/orders", gin.H{
		"symbol":     "AAPL",
		"side":       "BUY",
		"type":       "STOP",
		"quantity":   "100",
		"stop_price": "155.0",
	})
	require.Equal(t, http.StatusCreated, w.Code)
	id := decodeBody(t, w)["id"].(string)

	w = f.do(t, http.MethodPatch, "/api/v1/orders/"+id, gin.H{"quantity": "80"})
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodPatch, "/api/v1/orders/missing", gin.H{"quantity": "80"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	// A filled order cannot be modified.
	w = f.do(t, http.MethodPost, "/api/v1/orders", gin.H{
		"symbol":   "AAPL",
		"side":     "BUY",
		"type":     "MARKET",
		"quantity": "100",
	})
	require.Equal(t, http.StatusCreated, w.Code)
	filledID := decodeBody(t, w)["id"].(string)
	w = f.do(t, http.MethodPatch, "/api/v1/orders/"+filledID, gin.H{"quantity": "80"})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestBookIngestAndFetch(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(t, http.MethodPost, "/api/v1/books/msft", gin.H{
		"bids":         []gin.H{{"price": "299.9", "size": "400"}},
		"asks":         []gin.H{{"price": "300.1", "size": "400"}},
		"daily_volume": "1000000",
	})
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, "MSFT", body["symbol"])

	w = f.do(t, http.MethodGet, "/api/v1/books/MSFT", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, f.store.DailyVolume("MSFT").Equal(decimal.NewFromInt(1000000)))

	// Venue-scoped snapshots do not leak into other venues' views but fall
	// back from the market-wide book.
	w = f.do(t, http.MethodPost, "/api/v1/books/msft?venue=LIT-A", gin.H{
		"bids": []gin.H{{"price": "299.0", "size": "100"}},
		"asks": []gin.H{{"price": "301.0", "size": "100"}},
	})
	require.Equal(t, http.StatusOK, w.Code)
	w = f.do(t, http.MethodGet, "/api/v1/books/MSFT?venue=LIT-A", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodGet, "/api/v1/books/TSLA", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(t, http.MethodPost, "/api/v1/books/%20", gin.H{
		"bids": []gin.H{{"price": "1", "size": "1"}},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRoutingPreviewEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	f.seedBook(t, "AAPL")

	w := f.do(t, http.MethodPost, "/api/v1/routing/preview", gin.H{
		"symbol":   "AAPL",
		"side":     "BUY",
		"quantity": "100",
		"urgency":  "HIGH",
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "LIT-A", decodeBody(t, w)["primary"])

	// Preview creates no order.
	w = f.do(t, http.MethodGet, "/api/v1/orders", nil)
	assert.Empty(t, decodeBody(t, w)["orders"])

	w = f.do(t, http.MethodPost, "/api/v1/routing/preview", gin.H{"symbol": "AAPL"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestEstimateSlippageEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	f.seedBook(t, "AAPL")

	w := f.do(t, http.MethodPost, "/api/v1/slippage/estimate", gin.H{
		"symbol":   "AAPL",
		"side":     "BUY",
		"quantity": "100",
	})
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.NotEmpty(t, body["recommendation"])

	// No book means no fill path, so the estimate recommends CANCEL.
	w = f.do(t, http.MethodPost, "/api/v1/slippage/estimate", gin.H{
		"symbol":   "TSLA",
		"side":     "BUY",
		"quantity": "100",
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, model.RecommendCancel, decodeBody(t, w)["recommendation"])
}

func TestQualityEndpoints(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(t, http.MethodGet, "/api/v1/quality/AAPL", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	f.monitor.Record(context.Background(), model.SlippageRecord{
		OrderID:         "o-1",
		Symbol:          "AAPL",
		Side:            model.SideBuy,
		Venue:           "LIT-A",
		SlippagePercent: decimal.NewFromFloat(0.05),
		FillRate:        decimal.NewFromInt(1),
		Quantity:        decimal.NewFromInt(100),
		Timestamp:       time.Now(),
	})

	w = f.do(t, http.MethodGet, "/api/v1/quality/AAPL", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodGet, "/api/v1/quality/AAPL/recommendations", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, "AAPL", body["symbol"])
	assert.NotEmpty(t, body["recommendations"])
}

func TestVenuesEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(t, http.MethodGet, "/api/v1/venues", nil)
	require.Equal(t, http.StatusOK, w.Code)

	venues := decodeBody(t, w)["venues"].([]interface{})
	require.Len(t, venues, 1)
	entry := venues[0].(map[string]interface{})
	assert.Equal(t, "LIT-A", entry["id"])
	assert.Equal(t, float64(100), entry["reliability"])
}

func TestHealthEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decodeBody(t, w)["status"])
}

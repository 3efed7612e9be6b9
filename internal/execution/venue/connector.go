// Package venue defines the broker connector contract the OMS submits
// through, plus a simulated connector used by the simulation and tests.
package venue

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantarc/execsim/internal/execution/model"
)

// Broker-side order statuses.
const (
	BrokerStatusPending   = "PENDING"
	BrokerStatusOpen      = "OPEN"
	BrokerStatusFilled    = "FILLED"
	BrokerStatusPartial   = "PARTIALLY_FILLED"
	BrokerStatusCancelled = "CANCELLED"
	BrokerStatusRejected  = "REJECTED"
)

// BrokerOrder is the venue's view of a submitted order. FilledQty and
// AvgPrice are cumulative, broker-style.
type BrokerOrder struct {
	ID         string          `json:"id"`
	OrderID    string          `json:"order_id"`
	Symbol     string          `json:"symbol"`
	Side       string          `json:"side"`
	Type       string          `json:"type"`
	Quantity   decimal.Decimal `json:"quantity"`
	LimitPrice decimal.Decimal `json:"limit_price,omitempty"`
	StopPrice  decimal.Decimal `json:"stop_price,omitempty"`
	Status     string          `json:"status"`
	FilledQty  decimal.Decimal `json:"filled_qty"`
	AvgPrice   decimal.Decimal `json:"avg_price"`
	Commission decimal.Decimal `json:"commission"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// ExecutionReport is the fill callback payload: cumulative quantities so a
// replayed report is idempotent on the OMS side.
type ExecutionReport struct {
	VenueID       string
	BrokerOrderID string
	OrderID       string
	FilledTotal   decimal.Decimal
	AvgPrice      decimal.Decimal
	Commission    decimal.Decimal
	Latency       time.Duration
	Timestamp     time.Time
}

// Position is a venue-held position.
type Position struct {
	Symbol   string          `json:"symbol"`
	Quantity decimal.Decimal `json:"quantity"`
	AvgCost  decimal.Decimal `json:"avg_cost"`
}

// ExecutionReportFunc consumes execution reports.
type ExecutionReportFunc func(ExecutionReport)

// OrderUpdateFunc consumes broker order state changes.
type OrderUpdateFunc func(*BrokerOrder)

// BookFunc consumes order-book snapshots for a subscription.
type BookFunc func(*model.OrderBook)

// Connector is the contract implemented by broker adapters. Concrete wire
// protocols live outside this module; the simulated connector below is the
// in-process reference implementation.
type Connector interface {
	VenueID() string
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	IsConnected() bool

	SubmitOrder(ctx context.Context, orderID string, req model.OrderRequest) (*BrokerOrder, error)
	CancelOrder(ctx context.Context, brokerOrderID string) (bool, error)
	ModifyOrder(ctx context.Context, brokerOrderID string, update model.OrderUpdate) (*BrokerOrder, error)
	GetOrder(ctx context.Context, brokerOrderID string) (*BrokerOrder, error)
	GetOrders(ctx context.Context) ([]*BrokerOrder, error)

	GetAccountBalance(ctx context.Context) (decimal.Decimal, error)
	GetPositions(ctx context.Context) ([]Position, error)

	GetOrderBook(ctx context.Context, symbol string, depth int) (*model.OrderBook, error)
	SubscribeToOrderBook(symbol string, fn BookFunc) error
	UnsubscribeFromOrderBook(symbol string) error

	OnExecutionReport(fn ExecutionReportFunc)
	OnOrderUpdate(fn OrderUpdateFunc)
}

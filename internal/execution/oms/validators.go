package oms

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantarc/execsim/internal/execution/model"
)

// OrderValidator vets a request before routing. Validators run in order of
// registration; the first failure rejects the order with the error text as
// reason.
type OrderValidator interface {
	ValidateOrder(ctx context.Context, req *model.OrderRequest) error
	Name() string
}

// BasicOrderValidator enforces the request-shape rules: symbol, side,
// positive quantity, and the price fields each order type requires.
type BasicOrderValidator struct {
	logger *zap.Logger
}

// NewBasicOrderValidator creates the default validator.
func NewBasicOrderValidator(logger *zap.Logger) *BasicOrderValidator {
	return &BasicOrderValidator{logger: logger}
}

func (v *BasicOrderValidator) ValidateOrder(ctx context.Context, req *model.OrderRequest) error {
	return req.Validate()
}

func (v *BasicOrderValidator) Name() string { return "BasicOrderValidator" }

// SizeLimitValidator rejects orders above a configured maximum quantity.
type SizeLimitValidator struct {
	maxQuantity decimal.Decimal
}

// NewSizeLimitValidator creates a validator capping order size; a
// non-positive cap disables it.
func NewSizeLimitValidator(maxQuantity decimal.Decimal) *SizeLimitValidator {
	return &SizeLimitValidator{maxQuantity: maxQuantity}
}

func (v *SizeLimitValidator) ValidateOrder(ctx context.Context, req *model.OrderRequest) error {
	if v.maxQuantity.IsPositive() && req.Quantity.GreaterThan(v.maxQuantity) {
		return fmt.Errorf("quantity %s exceeds maximum order size %s", req.Quantity, v.maxQuantity)
	}
	return nil
}

func (v *SizeLimitValidator) Name() string { return "SizeLimitValidator" }

// AlgoParamsValidator sanity-checks algorithm parameters before the engine
// sees them.
type AlgoParamsValidator struct{}

// NewAlgoParamsValidator creates the algorithm parameter validator.
func NewAlgoParamsValidator() *AlgoParamsValidator {
	return &AlgoParamsValidator{}
}

func (v *AlgoParamsValidator) ValidateOrder(ctx context.Context, req *model.OrderRequest) error {
	if !model.IsAlgoType(req.Type) {
		return nil
	}
	for name, value := range req.AlgoParams {
		if value < 0 {
			return fmt.Errorf("algo parameter %q must not be negative", name)
		}
	}
	if req.Type == model.OrderTypeSniper {
		if req.AlgoParam("trigger_price", 0) <= 0 && req.LimitPrice.LessThanOrEqual(decimal.Zero) {
			return fmt.Errorf("sniper orders require a trigger price")
		}
	}
	return nil
}

func (v *AlgoParamsValidator) Name() string { return "AlgoParamsValidator" }

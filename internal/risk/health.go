// Package risk scores account solvency. The health factor is the single
// scalar every mutating engine operation is gated on: at or above the
// configured minimum a position is safe; below it the position is eligible
// for liquidation.
package risk

import (
	"errors"
	"math/big"

	"github.com/stablekit/cdp-engine/internal/fixedmath"
	"github.com/stablekit/cdp-engine/internal/model"
	"github.com/stablekit/cdp-engine/internal/oracle"
)

// ErrHealthFactorBroken is returned when an operation would leave a
// position below the minimum health factor.
var ErrHealthFactorBroken = errors.New("risk: health factor below minimum")

var safeMultiplier = big.NewInt(100)

// Calculator computes health factors from ledger state and the current
// price. It is pure and stateless: the score is recomputable at any point
// from its inputs, with no caching.
type Calculator struct {
	params Params
	prices *oracle.Adapter
}

// Params is the subset of engine parameters the calculator needs.
type Params struct {
	LiquidationThresholdPercent uint64
	MinHealthFactor             *big.Int
}

// NewCalculator builds a calculator for fixed engine parameters.
func NewCalculator(params model.Params, prices *oracle.Adapter) *Calculator {
	return &Calculator{
		params: Params{
			LiquidationThresholdPercent: params.LiquidationThresholdPercent,
			MinHealthFactor:             new(big.Int).Set(params.MinHealthFactor),
		},
		prices: prices,
	}
}

// SafeHealthFactor is the sentinel returned for debt-free positions:
// 100x the minimum, trivially above any real score.
func (c *Calculator) SafeHealthFactor() *big.Int {
	return new(big.Int).Mul(c.params.MinHealthFactor, safeMultiplier)
}

// MinHealthFactor returns the configured solvency floor.
func (c *Calculator) MinHealthFactor() *big.Int {
	return new(big.Int).Set(c.params.MinHealthFactor)
}

// HealthFactor scores a position at the given price:
//
//	hf = (collateralValueUsd * threshold% ) * minHealthFactor / debt
//
// A zero-debt position scores the safe sentinel regardless of collateral,
// including zero collateral.
func (c *Calculator) HealthFactor(position *model.Position, price *big.Int) (*big.Int, error) {
	if position.Debt == nil || position.Debt.Sign() == 0 {
		return c.SafeHealthFactor(), nil
	}

	collateralValue, err := c.prices.UsdValue(position.Collateral, price)
	if err != nil {
		return nil, err
	}
	adjusted, err := fixedmath.PercentOf(collateralValue, c.params.LiquidationThresholdPercent)
	if err != nil {
		return nil, err
	}
	return fixedmath.MulDiv(adjusted, c.params.MinHealthFactor, position.Debt)
}

// Healthy reports whether a score meets the solvency floor. The boundary
// is inclusive: a score exactly at the minimum is safe.
func (c *Calculator) Healthy(healthFactor *big.Int) bool {
	return healthFactor.Cmp(c.params.MinHealthFactor) >= 0
}

// Check scores a position and fails with ErrHealthFactorBroken when it is
// below the floor.
func (c *Calculator) Check(position *model.Position, price *big.Int) error {
	hf, err := c.HealthFactor(position, price)
	if err != nil {
		return err
	}
	if !c.Healthy(hf) {
		return ErrHealthFactorBroken
	}
	return nil
}

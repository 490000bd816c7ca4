// Package model defines the core domain types shared across the debt engine.
// All monetary values are big integers in 18-decimal base units — never
// float64 for money.
package model

import (
	"math/big"
	"time"

	"github.com/stablekit/cdp-engine/internal/fixedmath"
)

// Position is the per-account ledger state: collateral deposited and
// synthetic debt minted, both in 18-decimal base units. Positions are
// created implicitly on first deposit and never destroyed; balances fall
// back to zero when fully redeemed, repaid, or liquidated.
type Position struct {
	Account    string    `json:"account" db:"account"`
	Collateral *big.Int  `json:"collateral" db:"collateral"`
	Debt       *big.Int  `json:"debt" db:"debt"`
	UpdatedAt  time.Time `json:"updated_at" db:"updated_at"`
}

// NewPosition returns the implicit zero state for an account.
func NewPosition(account string) *Position {
	return &Position{
		Account:    account,
		Collateral: big.NewInt(0),
		Debt:       big.NewInt(0),
	}
}

// Normalize replaces nil balances with zero so callers can do arithmetic
// without nil checks.
func (p *Position) Normalize() {
	if p.Collateral == nil {
		p.Collateral = big.NewInt(0)
	}
	if p.Debt == nil {
		p.Debt = big.NewInt(0)
	}
}

// Clone returns a deep copy so callers can stage changes without mutating
// stored state.
func (p *Position) Clone() *Position {
	c := &Position{Account: p.Account, UpdatedAt: p.UpdatedAt}
	if p.Collateral != nil {
		c.Collateral = new(big.Int).Set(p.Collateral)
	}
	if p.Debt != nil {
		c.Debt = new(big.Int).Set(p.Debt)
	}
	c.Normalize()
	return c
}

// Params are the process-wide engine constants, fixed at construction.
type Params struct {
	// LiquidationThresholdPercent discounts collateral value when scoring
	// solvency; 50 means 200% over-collateralization is required.
	LiquidationThresholdPercent uint64 `json:"liquidation_threshold_percent"`
	// LiquidationBonusPercent is the collateral premium paid to liquidators.
	LiquidationBonusPercent uint64 `json:"liquidation_bonus_percent"`
	// MinHealthFactor is the solvency floor in 18-decimal fixed point (1e18 = 1.0).
	MinHealthFactor *big.Int `json:"min_health_factor"`
}

// DefaultParams returns the standard 200% over-collateralization setup with
// a 10% liquidation bonus.
func DefaultParams() Params {
	return Params{
		LiquidationThresholdPercent: 50,
		LiquidationBonusPercent:     10,
		MinHealthFactor:             new(big.Int).Set(fixedmath.One),
	}
}

// Operation kinds recorded in the ledger.
const (
	OpDeposit     = "deposit"
	OpMint        = "mint"
	OpRedeem      = "redeem"
	OpBurn        = "burn"
	OpLiquidation = "liquidation"
)

// LedgerEntry is an immutable record of a committed engine operation.
// Once created, these are never modified or deleted.
type LedgerEntry struct {
	ID      string `json:"id" db:"id"`
	Account string `json:"account" db:"account"`
	Op      string `json:"op" db:"op"`
	// CollateralDelta and DebtDelta are signed: positive for credits to the
	// position, negative for debits.
	CollateralDelta *big.Int `json:"collateral_delta" db:"collateral_delta"`
	DebtDelta       *big.Int `json:"debt_delta" db:"debt_delta"`
	// HealthFactor is the account's score after the operation committed.
	HealthFactor *big.Int `json:"health_factor" db:"health_factor"`
	// Initiator is the caller: the account itself, or the liquidator for
	// liquidation entries.
	Initiator string    `json:"initiator" db:"initiator"`
	Timestamp time.Time `json:"timestamp" db:"timestamp"`
}

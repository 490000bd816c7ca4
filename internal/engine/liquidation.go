package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/stablekit/cdp-engine/internal/account"
	"github.com/stablekit/cdp-engine/internal/fixedmath"
	"github.com/stablekit/cdp-engine/internal/ledger"
	"github.com/stablekit/cdp-engine/internal/metrics"
	"github.com/stablekit/cdp-engine/internal/model"
)

// LiquidationResult describes a committed liquidation.
type LiquidationResult struct {
	Liquidator string `json:"liquidator"`
	Account    string `json:"account"`
	// DebtCovered is the stablecoin repaid by the liquidator, in USD terms.
	DebtCovered *big.Int `json:"debt_covered"`
	// CollateralSeized is the collateral paid out, bonus included.
	CollateralSeized *big.Int `json:"collateral_seized"`
	// Bonus is the premium portion of CollateralSeized.
	Bonus            *big.Int  `json:"bonus"`
	PreHealthFactor  *big.Int  `json:"pre_health_factor"`
	PostHealthFactor *big.Int  `json:"post_health_factor"`
	Timestamp        time.Time `json:"timestamp"`
}

// Liquidate lets a third party repay part of an unhealthy position's debt
// in exchange for the equivalent collateral plus a bonus.
//
// The target must be below the minimum health factor, debtToCover must be
// positive and no larger than the recorded debt, and the result must
// strictly improve the target's health factor. All of this is validated
// before any state changes; on rejection the position is untouched.
func (e *Engine) Liquidate(ctx context.Context, liquidator, target string, debtToCover *big.Int) (*LiquidationResult, error) {
	start := time.Now()
	ctx, err := e.enter(ctx)
	if err != nil {
		return nil, err
	}
	if err := account.Validate(liquidator); err != nil {
		return nil, err
	}
	if err := account.Validate(target); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	res, err := e.liquidate(ctx, liquidator, target, debtToCover)
	metrics.ObserveOperation(model.OpLiquidation, outcome(err), start)
	return res, err
}

func (e *Engine) liquidate(ctx context.Context, liquidator, target string, debtToCover *big.Int) (*LiquidationResult, error) {
	price, err := e.prices.LatestPrice(ctx)
	if err != nil {
		return nil, err
	}

	pos, err := e.ledger.Position(ctx, target)
	if err != nil {
		return nil, err
	}

	preHF, err := e.calc.HealthFactor(pos, price)
	if err != nil {
		return nil, err
	}
	if e.calc.Healthy(preHF) {
		return nil, ErrHealthFactorOk
	}

	if debtToCover == nil || debtToCover.Sign() <= 0 || debtToCover.Cmp(pos.Debt) > 0 {
		return nil, ErrInvalidLiquidationAmount
	}

	// Collateral owed: the USD-equivalent of the repaid debt plus the bonus.
	base, err := e.prices.AssetAmountForUsd(debtToCover, price)
	if err != nil {
		return nil, err
	}
	bonus, err := fixedmath.PercentOf(base, e.params.LiquidationBonusPercent)
	if err != nil {
		return nil, err
	}
	seize := new(big.Int).Add(base, bonus)
	if seize.Sign() <= 0 {
		return nil, ErrLiquidationIneffective
	}
	if seize.Cmp(pos.Collateral) > 0 {
		return nil, ledger.ErrInsufficientCollateral
	}

	// The liquidation must leave the target strictly healthier.
	projected := pos.Clone()
	projected.Debt.Sub(projected.Debt, debtToCover)
	projected.Collateral.Sub(projected.Collateral, seize)
	postHF, err := e.calc.HealthFactor(projected, price)
	if err != nil {
		return nil, err
	}
	if postHF.Cmp(preHF) <= 0 {
		return nil, ErrLiquidationIneffective
	}

	// Pull the repayment from the liquidator before touching the ledger.
	ok, err := e.stable.TransferFrom(ctx, liquidator, account.Vault, debtToCover)
	if err != nil || !ok {
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTransferFailed, err)
		}
		return nil, ErrTransferFailed
	}

	if _, err := e.ledger.DebitDebt(ctx, target, debtToCover); err != nil {
		e.refundStable(ctx, liquidator, debtToCover)
		return nil, err
	}
	newPos, err := e.ledger.DebitCollateral(ctx, target, seize)
	if err != nil {
		if _, cerr := e.ledger.CreditDebt(ctx, target, debtToCover); cerr != nil {
			slog.Error("liquidation rollback failed", "account", target, "err", cerr)
		}
		e.refundStable(ctx, liquidator, debtToCover)
		return nil, err
	}

	// Pay out the seized collateral, then retire the repaid stablecoin.
	ok, err = e.collateral.TransferFrom(ctx, account.Vault, liquidator, seize)
	if err != nil || !ok {
		if _, cerr := e.ledger.CreditCollateral(ctx, target, seize); cerr != nil {
			slog.Error("liquidation rollback failed", "account", target, "err", cerr)
		}
		if _, cerr := e.ledger.CreditDebt(ctx, target, debtToCover); cerr != nil {
			slog.Error("liquidation rollback failed", "account", target, "err", cerr)
		}
		e.refundStable(ctx, liquidator, debtToCover)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTransferFailed, err)
		}
		return nil, ErrTransferFailed
	}
	if err := e.stable.Burn(ctx, account.Vault, debtToCover); err != nil {
		// Collateral already paid out; the vault keeps the stablecoin so the
		// books still balance. Surface the fault without unwinding.
		slog.Error("stablecoin burn failed after liquidation", "amount", debtToCover.String(), "err", err)
	}

	e.record(ctx, model.OpLiquidation, target, liquidator,
		new(big.Int).Neg(seize), new(big.Int).Neg(debtToCover), postHF)
	metrics.LiquidationsTotal.Inc()

	slog.Info("position liquidated",
		"account", target,
		"liquidator", liquidator,
		"debt_covered", debtToCover.String(),
		"collateral_seized", seize.String(),
		"bonus", bonus.String(),
		"pre_health_factor", preHF.String(),
		"post_health_factor", postHF.String(),
	)

	res := &LiquidationResult{
		Liquidator:       liquidator,
		Account:          target,
		DebtCovered:      new(big.Int).Set(debtToCover),
		CollateralSeized: seize,
		Bonus:            bonus,
		PreHealthFactor:  preHF,
		PostHealthFactor: postHF,
		Timestamp:        time.Now().UTC(),
	}

	if e.wsHub != nil {
		e.wsHub.Broadcast(WSMessage{
			Type:             "liquidation_executed",
			Account:          target,
			Liquidator:       liquidator,
			Collateral:       newPos.Collateral.String(),
			Debt:             newPos.Debt.String(),
			DebtCovered:      debtToCover.String(),
			CollateralSeized: seize.String(),
			HealthFactor:     postHF.String(),
		})
	}
	return res, nil
}

func (e *Engine) refundStable(ctx context.Context, liquidator string, amount *big.Int) {
	if ok, err := e.stable.TransferFrom(ctx, account.Vault, liquidator, amount); err != nil || !ok {
		slog.Error("liquidator refund failed", "liquidator", liquidator, "err", err)
	}
}

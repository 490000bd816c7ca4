// Package engine implements the collateralized debt positions: deposits,
// minting, redemption, repayment, and liquidation. Every mutating operation
// is serialized behind one mutex (single-instance; for horizontal scaling,
// replace with distributed locking or database-level optimistic concurrency)
// and validated against the health factor before any state changes.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stablekit/cdp-engine/internal/account"
	"github.com/stablekit/cdp-engine/internal/fixedmath"
	"github.com/stablekit/cdp-engine/internal/ledger"
	"github.com/stablekit/cdp-engine/internal/metrics"
	"github.com/stablekit/cdp-engine/internal/model"
	"github.com/stablekit/cdp-engine/internal/oracle"
	"github.com/stablekit/cdp-engine/internal/risk"
	"github.com/stablekit/cdp-engine/internal/token"
)

var (
	// ErrTransferFailed is returned when a token collaborator refuses or
	// fails a transfer. Any ledger effects are rolled back first.
	ErrTransferFailed = errors.New("engine: token transfer failed")

	// ErrMintFailed is returned when the stablecoin refuses or fails a mint.
	ErrMintFailed = errors.New("engine: stablecoin mint failed")

	// ErrHealthFactorOk is returned when liquidation targets a position at
	// or above the minimum health factor.
	ErrHealthFactorOk = errors.New("engine: health factor above minimum")

	// ErrInvalidLiquidationAmount is returned when debtToCover is zero,
	// negative, or exceeds the target's recorded debt. The amount is never
	// silently clamped.
	ErrInvalidLiquidationAmount = errors.New("engine: invalid liquidation amount")

	// ErrLiquidationIneffective is returned when a liquidation would not
	// strictly improve the target's health factor.
	ErrLiquidationIneffective = errors.New("engine: liquidation would not improve health factor")

	// ErrReentrancy is returned when a collaborator called back into a
	// mutating operation from within one already in flight.
	ErrReentrancy = errors.New("engine: reentrant call detected")
)

// guardKey marks a context as being inside a mutating operation.
// Collaborators receive the marked context, so a callback into the engine
// is detected before it can deadlock on the mutex.
type guardKey struct{}

// Engine owns the position lifecycle. It composes the ledger (state), the
// risk calculator (solvency), the oracle adapter (pricing), and the two
// token collaborators (value movement).
type Engine struct {
	params     model.Params
	ledger     *ledger.Ledger
	calc       *risk.Calculator
	prices     *oracle.Adapter
	collateral token.Token
	stable     token.Stable

	mu    sync.Mutex
	wsHub *WSHub // optional WebSocket hub for real-time broadcasts
}

// New creates the engine. Pass nil for hub if WebSocket broadcasting is not
// needed.
func New(params model.Params, lg *ledger.Ledger, calc *risk.Calculator, prices *oracle.Adapter, collateral token.Token, stable token.Stable, hub *WSHub) *Engine {
	return &Engine{
		params:     params,
		ledger:     lg,
		calc:       calc,
		prices:     prices,
		collateral: collateral,
		stable:     stable,
		wsHub:      hub,
	}
}

// Params returns the engine's fixed parameters.
func (e *Engine) Params() model.Params {
	p := e.params
	p.MinHealthFactor = new(big.Int).Set(e.params.MinHealthFactor)
	return p
}

// enter rejects nested mutating calls and returns a context marked as
// inside the engine.
func (e *Engine) enter(ctx context.Context) (context.Context, error) {
	if ctx.Value(guardKey{}) != nil {
		return nil, ErrReentrancy
	}
	return context.WithValue(ctx, guardKey{}, struct{}{}), nil
}

func validateAmount(amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ledger.ErrZeroAmount
	}
	return nil
}

// DepositCollateral moves collateral from the account into the vault and
// credits the position. Depositing can only improve solvency, so there is
// no health check.
func (e *Engine) DepositCollateral(ctx context.Context, acct string, amount *big.Int) (*model.Position, error) {
	start := time.Now()
	ctx, err := e.enter(ctx)
	if err != nil {
		return nil, err
	}
	if err := account.Validate(acct); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	pos, err := e.deposit(ctx, acct, amount)
	metrics.ObserveOperation(model.OpDeposit, outcome(err), start)
	return pos, err
}

// MintDebt creates new stablecoin against the account's collateral. The
// projected position must stay at or above the minimum health factor; on
// rejection no state changes.
func (e *Engine) MintDebt(ctx context.Context, acct string, amount *big.Int) (*model.Position, error) {
	start := time.Now()
	ctx, err := e.enter(ctx)
	if err != nil {
		return nil, err
	}
	if err := account.Validate(acct); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	pos, err := e.mint(ctx, acct, amount)
	metrics.ObserveOperation(model.OpMint, outcome(err), start)
	return pos, err
}

// DepositAndMint performs a deposit followed by a mint atomically with
// respect to other operations. The mint is validated against the position
// including the fresh collateral.
func (e *Engine) DepositAndMint(ctx context.Context, acct string, collateralAmount, debtAmount *big.Int) (*model.Position, error) {
	ctx, err := e.enter(ctx)
	if err != nil {
		return nil, err
	}
	if err := account.Validate(acct); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	start := time.Now()
	if _, err := e.deposit(ctx, acct, collateralAmount); err != nil {
		metrics.ObserveOperation(model.OpDeposit, outcome(err), start)
		return nil, err
	}
	metrics.ObserveOperation(model.OpDeposit, "ok", start)

	start = time.Now()
	pos, err := e.mint(ctx, acct, debtAmount)
	metrics.ObserveOperation(model.OpMint, outcome(err), start)
	if err != nil {
		// Unwind the deposit so the composite is all-or-nothing.
		if _, derr := e.ledger.DebitCollateral(ctx, acct, collateralAmount); derr != nil {
			slog.Error("deposit rollback failed", "account", acct, "err", derr)
		} else if ok, terr := e.collateral.TransferFrom(ctx, account.Vault, acct, collateralAmount); terr != nil || !ok {
			slog.Error("deposit refund failed", "account", acct, "err", terr)
		}
		return nil, err
	}
	return pos, nil
}

// RedeemCollateral returns collateral from the vault to the account. The
// projected position after the withdrawal must stay at or above the
// minimum health factor.
func (e *Engine) RedeemCollateral(ctx context.Context, acct string, amount *big.Int) (*model.Position, error) {
	start := time.Now()
	ctx, err := e.enter(ctx)
	if err != nil {
		return nil, err
	}
	if err := account.Validate(acct); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	pos, err := e.redeem(ctx, acct, amount)
	metrics.ObserveOperation(model.OpRedeem, outcome(err), start)
	return pos, err
}

// BurnDebt repays stablecoin debt: the tokens move from the account to the
// vault and are destroyed, and the position's debt is reduced.
func (e *Engine) BurnDebt(ctx context.Context, acct string, amount *big.Int) (*model.Position, error) {
	start := time.Now()
	ctx, err := e.enter(ctx)
	if err != nil {
		return nil, err
	}
	if err := account.Validate(acct); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	pos, err := e.burn(ctx, acct, acct, amount)
	metrics.ObserveOperation(model.OpBurn, outcome(err), start)
	return pos, err
}

// RedeemAndBurn repays debt and then withdraws collateral in one serialized
// operation. Burning first means the withdrawal is validated against the
// reduced debt.
func (e *Engine) RedeemAndBurn(ctx context.Context, acct string, collateralAmount, debtAmount *big.Int) (*model.Position, error) {
	ctx, err := e.enter(ctx)
	if err != nil {
		return nil, err
	}
	if err := account.Validate(acct); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	start := time.Now()
	if _, err := e.burn(ctx, acct, acct, debtAmount); err != nil {
		metrics.ObserveOperation(model.OpBurn, outcome(err), start)
		return nil, err
	}
	metrics.ObserveOperation(model.OpBurn, "ok", start)

	start = time.Now()
	pos, err := e.redeem(ctx, acct, collateralAmount)
	metrics.ObserveOperation(model.OpRedeem, outcome(err), start)
	if err != nil {
		// Unwind the burn: re-mint the repaid stablecoin and restore debt.
		if _, cerr := e.ledger.CreditDebt(ctx, acct, debtAmount); cerr != nil {
			slog.Error("burn rollback failed", "account", acct, "err", cerr)
		} else if ok, merr := e.stable.Mint(ctx, acct, debtAmount); merr != nil || !ok {
			slog.Error("burn refund failed", "account", acct, "err", merr)
		}
		return nil, err
	}
	return pos, nil
}

// --- internal operation bodies; callers hold e.mu and a guarded ctx ---

func (e *Engine) deposit(ctx context.Context, acct string, amount *big.Int) (*model.Position, error) {
	if err := validateAmount(amount); err != nil {
		return nil, err
	}

	pos, err := e.ledger.CreditCollateral(ctx, acct, amount)
	if err != nil {
		return nil, err
	}

	ok, err := e.collateral.TransferFrom(ctx, acct, account.Vault, amount)
	if err != nil || !ok {
		if _, derr := e.ledger.DebitCollateral(ctx, acct, amount); derr != nil {
			slog.Error("deposit compensation failed", "account", acct, "err", derr)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTransferFailed, err)
		}
		return nil, ErrTransferFailed
	}

	hf := e.scoreAfter(ctx, pos)
	e.record(ctx, model.OpDeposit, acct, acct, amount, nil, hf)

	slog.Info("collateral deposited",
		"account", acct,
		"amount", amount.String(),
		"collateral", pos.Collateral.String(),
	)
	e.broadcastPosition(pos, hf)
	return pos, nil
}

func (e *Engine) mint(ctx context.Context, acct string, amount *big.Int) (*model.Position, error) {
	if err := validateAmount(amount); err != nil {
		return nil, err
	}

	price, err := e.prices.LatestPrice(ctx)
	if err != nil {
		return nil, err
	}

	current, err := e.ledger.Position(ctx, acct)
	if err != nil {
		return nil, err
	}

	// Validate against the projected debt before touching state.
	projected := current.Clone()
	projected.Debt.Add(projected.Debt, amount)
	if err := e.calc.Check(projected, price); err != nil {
		if errors.Is(err, risk.ErrHealthFactorBroken) {
			metrics.HealthRejections.Inc()
		}
		return nil, err
	}

	pos, err := e.ledger.CreditDebt(ctx, acct, amount)
	if err != nil {
		return nil, err
	}

	ok, err := e.stable.Mint(ctx, acct, amount)
	if err != nil || !ok {
		if _, derr := e.ledger.DebitDebt(ctx, acct, amount); derr != nil {
			slog.Error("mint compensation failed", "account", acct, "err", derr)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMintFailed, err)
		}
		return nil, ErrMintFailed
	}

	hf := e.scoreAfter(ctx, pos)
	e.record(ctx, model.OpMint, acct, acct, nil, amount, hf)

	slog.Info("debt minted",
		"account", acct,
		"amount", amount.String(),
		"debt", pos.Debt.String(),
		"health_factor", hf.String(),
	)
	e.broadcastPosition(pos, hf)
	return pos, nil
}

func (e *Engine) redeem(ctx context.Context, acct string, amount *big.Int) (*model.Position, error) {
	if err := validateAmount(amount); err != nil {
		return nil, err
	}

	price, err := e.prices.LatestPrice(ctx)
	if err != nil {
		return nil, err
	}

	current, err := e.ledger.Position(ctx, acct)
	if err != nil {
		return nil, err
	}
	if current.Collateral.Cmp(amount) < 0 {
		return nil, ledger.ErrInsufficientCollateral
	}

	projected := current.Clone()
	projected.Collateral.Sub(projected.Collateral, amount)
	if err := e.calc.Check(projected, price); err != nil {
		if errors.Is(err, risk.ErrHealthFactorBroken) {
			metrics.HealthRejections.Inc()
		}
		return nil, err
	}

	pos, err := e.ledger.DebitCollateral(ctx, acct, amount)
	if err != nil {
		return nil, err
	}

	ok, err := e.collateral.TransferFrom(ctx, account.Vault, acct, amount)
	if err != nil || !ok {
		if _, cerr := e.ledger.CreditCollateral(ctx, acct, amount); cerr != nil {
			slog.Error("redeem compensation failed", "account", acct, "err", cerr)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTransferFailed, err)
		}
		return nil, ErrTransferFailed
	}

	hf := e.scoreAfter(ctx, pos)
	e.record(ctx, model.OpRedeem, acct, acct, new(big.Int).Neg(amount), nil, hf)

	slog.Info("collateral redeemed",
		"account", acct,
		"amount", amount.String(),
		"collateral", pos.Collateral.String(),
	)
	e.broadcastPosition(pos, hf)
	return pos, nil
}

// burn repays amount of acct's debt with stablecoin pulled from payer.
// Repayment only raises the health factor, so no solvency check.
func (e *Engine) burn(ctx context.Context, acct, payer string, amount *big.Int) (*model.Position, error) {
	if err := validateAmount(amount); err != nil {
		return nil, err
	}

	current, err := e.ledger.Position(ctx, acct)
	if err != nil {
		return nil, err
	}
	if current.Debt.Cmp(amount) < 0 {
		return nil, ledger.ErrInsufficientDebt
	}

	// The solvency gate applies uniformly. A partial repayment that still
	// leaves the position under the floor is rejected; clearing the debt
	// entirely always passes via the safe sentinel.
	price, err := e.prices.LatestPrice(ctx)
	if err != nil {
		return nil, err
	}
	projected := current.Clone()
	projected.Debt.Sub(projected.Debt, amount)
	if err := e.calc.Check(projected, price); err != nil {
		if errors.Is(err, risk.ErrHealthFactorBroken) {
			metrics.HealthRejections.Inc()
		}
		return nil, err
	}

	// Pull the stablecoin first: if the payer cannot cover the repayment,
	// nothing has changed yet.
	ok, err := e.stable.TransferFrom(ctx, payer, account.Vault, amount)
	if err != nil || !ok {
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTransferFailed, err)
		}
		return nil, ErrTransferFailed
	}

	pos, err := e.ledger.DebitDebt(ctx, acct, amount)
	if err != nil {
		if ok, terr := e.stable.TransferFrom(ctx, account.Vault, payer, amount); terr != nil || !ok {
			slog.Error("burn refund failed", "payer", payer, "err", terr)
		}
		return nil, err
	}

	if err := e.stable.Burn(ctx, account.Vault, amount); err != nil {
		slog.Error("stablecoin burn failed in vault", "amount", amount.String(), "err", err)
		if _, cerr := e.ledger.CreditDebt(ctx, acct, amount); cerr != nil {
			slog.Error("burn compensation failed", "account", acct, "err", cerr)
		} else if ok, terr := e.stable.TransferFrom(ctx, account.Vault, payer, amount); terr != nil || !ok {
			slog.Error("burn refund failed", "payer", payer, "err", terr)
		}
		return nil, fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}

	hf := e.scoreAfter(ctx, pos)
	e.record(ctx, model.OpBurn, acct, payer, nil, new(big.Int).Neg(amount), hf)

	slog.Info("debt burned",
		"account", acct,
		"payer", payer,
		"amount", amount.String(),
		"debt", pos.Debt.String(),
	)
	e.broadcastPosition(pos, hf)
	return pos, nil
}

// --- read operations; never locked, never guarded ---

// AccountInformation is the full solvency snapshot for one account.
type AccountInformation struct {
	Position           *model.Position `json:"position"`
	CollateralValueUsd *big.Int        `json:"collateral_value_usd"`
	HealthFactor       *big.Int        `json:"health_factor"`
	Price              *big.Int        `json:"price"`
}

// AccountInfo returns the position, its USD collateral value, and its
// health factor at the current price. Unknown accounts return the implicit
// zero state.
func (e *Engine) AccountInfo(ctx context.Context, acct string) (*AccountInformation, error) {
	pos, err := e.ledger.Position(ctx, acct)
	if err != nil {
		return nil, err
	}
	price, err := e.prices.LatestPrice(ctx)
	if err != nil {
		return nil, err
	}
	value, err := e.prices.UsdValue(pos.Collateral, price)
	if err != nil {
		return nil, err
	}
	hf, err := e.calc.HealthFactor(pos, price)
	if err != nil {
		return nil, err
	}
	return &AccountInformation{
		Position:           pos,
		CollateralValueUsd: value,
		HealthFactor:       hf,
		Price:              price,
	}, nil
}

// HealthFactor returns the account's current health factor.
func (e *Engine) HealthFactor(ctx context.Context, acct string) (*big.Int, error) {
	info, err := e.AccountInfo(ctx, acct)
	if err != nil {
		return nil, err
	}
	return info.HealthFactor, nil
}

// History returns the committed operations touching an account, as the
// subject or as the initiator.
func (e *Engine) History(ctx context.Context, acct string) ([]model.LedgerEntry, error) {
	return e.ledger.History(ctx, acct)
}

// UsdValue converts a collateral amount to USD at the current price.
func (e *Engine) UsdValue(ctx context.Context, amount *big.Int) (*big.Int, error) {
	price, err := e.prices.LatestPrice(ctx)
	if err != nil {
		return nil, err
	}
	return e.prices.UsdValue(amount, price)
}

// AssetAmountForUsd converts a USD value to collateral units at the
// current price.
func (e *Engine) AssetAmountForUsd(ctx context.Context, usdAmount *big.Int) (*big.Int, error) {
	price, err := e.prices.LatestPrice(ctx)
	if err != nil {
		return nil, err
	}
	return e.prices.AssetAmountForUsd(usdAmount, price)
}

// --- helpers ---

// scoreAfter computes the committed position's health factor for the audit
// record. Scoring failures degrade to zero rather than failing an already
// committed operation.
func (e *Engine) scoreAfter(ctx context.Context, pos *model.Position) *big.Int {
	price, err := e.prices.LatestPrice(ctx)
	if err != nil {
		slog.Error("price unavailable for audit score", "err", err)
		return big.NewInt(0)
	}
	hf, err := e.calc.HealthFactor(pos, price)
	if err != nil {
		slog.Error("audit score failed", "account", pos.Account, "err", err)
		return big.NewInt(0)
	}
	return hf
}

// record appends an immutable audit entry. Failures are logged, not
// surfaced: the operation has already committed.
func (e *Engine) record(ctx context.Context, op, acct, initiator string, collateralDelta, debtDelta, hf *big.Int) {
	if collateralDelta == nil {
		collateralDelta = big.NewInt(0)
	}
	if debtDelta == nil {
		debtDelta = big.NewInt(0)
	}
	entry := &model.LedgerEntry{
		ID:              uuid.New().String(),
		Account:         acct,
		Op:              op,
		CollateralDelta: collateralDelta,
		DebtDelta:       debtDelta,
		HealthFactor:    hf,
		Initiator:       initiator,
		Timestamp:       time.Now().UTC(),
	}
	if err := e.ledger.Append(ctx, entry); err != nil {
		slog.Error("audit entry not recorded", "op", op, "account", acct, "err", err)
	}
}

func (e *Engine) broadcastPosition(pos *model.Position, hf *big.Int) {
	if e.wsHub == nil {
		return
	}
	e.wsHub.Broadcast(WSMessage{
		Type:         "position_updated",
		Account:      pos.Account,
		Collateral:   pos.Collateral.String(),
		Debt:         pos.Debt.String(),
		HealthFactor: hf.String(),
	})
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, fixedmath.ErrArithmeticOverflow), errors.Is(err, fixedmath.ErrDivisionByZero):
		return "error"
	default:
		return "rejected"
	}
}

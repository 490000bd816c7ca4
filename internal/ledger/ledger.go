// Package ledger owns the per-account collateral and debt bookkeeping.
//
// These are pure state operations with no business rules: credits and
// debits validate only that amounts are strictly positive and that a debit
// never drives a balance negative. Solvency checks live with the caller.
// No other component mutates positions directly.
package ledger

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/stablekit/cdp-engine/internal/model"
	"github.com/stablekit/cdp-engine/internal/store"
)

var (
	// ErrZeroAmount is returned when an amount argument is zero or negative.
	ErrZeroAmount = errors.New("ledger: amount must be positive")

	// ErrInsufficientCollateral is returned when a debit would make the
	// collateral balance negative.
	ErrInsufficientCollateral = errors.New("ledger: insufficient collateral")

	// ErrInsufficientDebt is returned when a debit would make the debt
	// balance negative.
	ErrInsufficientDebt = errors.New("ledger: insufficient debt")
)

// Ledger is the sole owner of the account → (collateral, debt) mapping,
// backed by a Store.
type Ledger struct {
	store store.Store
}

// New wires a ledger to its persistence layer.
func New(st store.Store) *Ledger {
	return &Ledger{store: st}
}

// Position returns the current state for an account. Unknown accounts
// return the implicit zero state.
func (l *Ledger) Position(ctx context.Context, account string) (*model.Position, error) {
	p, err := l.store.GetPosition(ctx, account)
	if err != nil {
		return nil, err
	}
	p.Normalize()
	return p, nil
}

// CreditCollateral adds amount to an account's deposited collateral.
func (l *Ledger) CreditCollateral(ctx context.Context, account string, amount *big.Int) (*model.Position, error) {
	if err := validateAmount(amount); err != nil {
		return nil, err
	}
	return l.apply(ctx, account, amount, nil)
}

// DebitCollateral removes amount from an account's deposited collateral,
// failing with ErrInsufficientCollateral if the balance would go negative.
func (l *Ledger) DebitCollateral(ctx context.Context, account string, amount *big.Int) (*model.Position, error) {
	if err := validateAmount(amount); err != nil {
		return nil, err
	}
	return l.apply(ctx, account, new(big.Int).Neg(amount), nil)
}

// CreditDebt adds amount to an account's minted debt.
func (l *Ledger) CreditDebt(ctx context.Context, account string, amount *big.Int) (*model.Position, error) {
	if err := validateAmount(amount); err != nil {
		return nil, err
	}
	return l.apply(ctx, account, nil, amount)
}

// DebitDebt removes amount from an account's minted debt, failing with
// ErrInsufficientDebt if the balance would go negative.
func (l *Ledger) DebitDebt(ctx context.Context, account string, amount *big.Int) (*model.Position, error) {
	if err := validateAmount(amount); err != nil {
		return nil, err
	}
	return l.apply(ctx, account, nil, new(big.Int).Neg(amount))
}

// apply adjusts one balance by a signed delta and persists the result.
// Exactly one of collateralDelta/debtDelta is non-nil; callers have
// already validated the magnitude.
func (l *Ledger) apply(ctx context.Context, account string, collateralDelta, debtDelta *big.Int) (*model.Position, error) {
	p, err := l.Position(ctx, account)
	if err != nil {
		return nil, err
	}

	if collateralDelta != nil {
		next := new(big.Int).Add(p.Collateral, collateralDelta)
		if next.Sign() < 0 {
			return nil, ErrInsufficientCollateral
		}
		p.Collateral = next
	} else {
		next := new(big.Int).Add(p.Debt, debtDelta)
		if next.Sign() < 0 {
			return nil, ErrInsufficientDebt
		}
		p.Debt = next
	}

	p.UpdatedAt = time.Now().UTC()
	if err := l.store.PutPosition(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// Append records a committed operation in the immutable ledger.
func (l *Ledger) Append(ctx context.Context, entry *model.LedgerEntry) error {
	return l.store.InsertLedgerEntry(ctx, entry)
}

// History returns the committed operations touching an account.
func (l *Ledger) History(ctx context.Context, account string) ([]model.LedgerEntry, error) {
	return l.store.GetLedgerEntriesByAccount(ctx, account)
}

func validateAmount(amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrZeroAmount
	}
	return nil
}

// Package token defines the fungible-token collaborators the engine
// consumes: the collateral asset and the synthetic stablecoin. Their
// internal accounting is out of scope for the engine; only the transfer
// contracts below matter. A refused transfer (false, nil) and a
// collaborator fault (err != nil) both abort the calling operation.
package token

import (
	"context"
	"errors"
	"math/big"
	"sync"
)

// ErrBurnExceedsBalance is returned when a burn targets more units than
// the holder owns.
var ErrBurnExceedsBalance = errors.New("token: burn exceeds balance")

// Token is the transfer surface of a fungible-balance ledger.
type Token interface {
	// TransferFrom moves amount between holders. It reports false when the
	// transfer is refused (typically insufficient balance).
	TransferFrom(ctx context.Context, from, to string, amount *big.Int) (bool, error)
}

// Stable extends Token with supply control for the synthetic asset.
type Stable interface {
	Token

	// Mint creates amount new units credited to a holder.
	Mint(ctx context.Context, to string, amount *big.Int) (bool, error)

	// Burn destroys amount units held by holder.
	Burn(ctx context.Context, holder string, amount *big.Int) error
}

// Bank is an in-process token ledger implementing both collaborator
// interfaces. It serves as the development backend and the test fake; a
// production deployment swaps in adapters for real token services.
type Bank struct {
	name string

	mu       sync.RWMutex
	balances map[string]*big.Int
}

// NewBank creates an empty token ledger with a display name.
func NewBank(name string) *Bank {
	return &Bank{
		name:     name,
		balances: make(map[string]*big.Int),
	}
}

// Name returns the token's display name.
func (b *Bank) Name() string { return b.name }

// Mint credits newly created units to a holder.
func (b *Bank) Mint(_ context.Context, to string, amount *big.Int) (bool, error) {
	if amount == nil || amount.Sign() <= 0 {
		return false, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.balances[to] = new(big.Int).Add(b.balance(to), amount)
	return true, nil
}

// Burn destroys units held by holder.
func (b *Bank) Burn(_ context.Context, holder string, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	current := b.balance(holder)
	if current.Cmp(amount) < 0 {
		return ErrBurnExceedsBalance
	}
	b.balances[holder] = new(big.Int).Sub(current, amount)
	return nil
}

// TransferFrom moves amount between holders, refusing on insufficient
// balance.
func (b *Bank) TransferFrom(_ context.Context, from, to string, amount *big.Int) (bool, error) {
	if amount == nil || amount.Sign() <= 0 {
		return false, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	fromBal := b.balance(from)
	if fromBal.Cmp(amount) < 0 {
		return false, nil
	}
	b.balances[from] = new(big.Int).Sub(fromBal, amount)
	b.balances[to] = new(big.Int).Add(b.balance(to), amount)
	return true, nil
}

// BalanceOf returns a holder's current balance.
func (b *Bank) BalanceOf(holder string) *big.Int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return new(big.Int).Set(b.balance(holder))
}

// balance reads a holder's balance without copying; callers hold b.mu.
func (b *Bank) balance(holder string) *big.Int {
	if v, ok := b.balances[holder]; ok {
		return v
	}
	return big.NewInt(0)
}

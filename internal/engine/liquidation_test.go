package engine_test

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/stablekit/cdp-engine/internal/engine"
	"github.com/stablekit/cdp-engine/internal/ledger"
	"github.com/stablekit/cdp-engine/internal/model"
)

// seedUnderwater opens alice's position at the solvency boundary (1e18
// collateral, 1000e18 debt at 2000 USD) and drops the price so she is
// liquidatable, then funds bob with stablecoin to repay her debt.
func seedUnderwater(t *testing.T, env *env, newPrice *big.Int) {
	t.Helper()
	ctx := context.Background()
	env.fund(t, "alice", e18(1))
	if _, err := env.eng.DepositAndMint(ctx, "alice", e18(1), e18(1000)); err != nil {
		t.Fatalf("seed position: %v", err)
	}
	env.feed.SetPrice(newPrice)

	if ok, err := env.susd.Mint(ctx, "bob", e18(1000)); err != nil || !ok {
		t.Fatalf("funding bob: %v", err)
	}
}

func TestLiquidateHealthyPositionRejected(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	env.fund(t, "alice", e18(1))
	if _, err := env.eng.DepositAndMint(ctx, "alice", e18(1), e18(500)); err != nil {
		t.Fatalf("seed position: %v", err)
	}

	_, err := env.eng.Liquidate(ctx, "bob", "alice", e18(100))
	if !errors.Is(err, engine.ErrHealthFactorOk) {
		t.Fatalf("expected ErrHealthFactorOk, got %v", err)
	}
}

func TestLiquidatePartial(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	// At 1800 USD the position scores 0.9.
	seedUnderwater(t, env, e18(1800))

	res, err := env.eng.Liquidate(ctx, "bob", "alice", e18(900))
	if err != nil {
		t.Fatalf("Liquidate: %v", err)
	}

	// 900 USD of debt buys 0.5e18 collateral at 1800, plus a 10% bonus.
	wantBase := new(big.Int).Div(e18(1), big.NewInt(2))
	wantBonus := new(big.Int).Div(e18(1), big.NewInt(20))
	wantSeize := new(big.Int).Add(wantBase, wantBonus)
	if res.CollateralSeized.Cmp(wantSeize) != 0 {
		t.Errorf("expected seize %s, got %s", wantSeize, res.CollateralSeized)
	}
	if res.Bonus.Cmp(wantBonus) != 0 {
		t.Errorf("expected bonus %s, got %s", wantBonus, res.Bonus)
	}
	if res.PostHealthFactor.Cmp(res.PreHealthFactor) <= 0 {
		t.Errorf("health factor did not improve: pre=%s post=%s", res.PreHealthFactor, res.PostHealthFactor)
	}

	pos := env.position(t, "alice")
	if pos.Debt.Cmp(e18(100)) != 0 {
		t.Errorf("expected remaining debt 100e18, got %s", pos.Debt)
	}
	wantCollateral := new(big.Int).Sub(e18(1), wantSeize)
	if pos.Collateral.Cmp(wantCollateral) != 0 {
		t.Errorf("expected remaining collateral %s, got %s", wantCollateral, pos.Collateral)
	}

	// Bob paid stablecoin and received the seized collateral.
	if got := env.susd.BalanceOf("bob"); got.Cmp(e18(100)) != 0 {
		t.Errorf("expected bob susd 100e18, got %s", got)
	}
	if got := env.weth.BalanceOf("bob"); got.Cmp(wantSeize) != 0 {
		t.Errorf("expected bob weth %s, got %s", wantSeize, got)
	}
	// The repaid stablecoin is retired.
	if got := env.susd.BalanceOf("engine-vault"); got.Sign() != 0 {
		t.Errorf("expected vault susd burned, got %s", got)
	}

	entries, err := env.ms.GetLedgerEntriesByAccount(ctx, "bob")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	var found bool
	for _, e := range entries {
		if e.Op == model.OpLiquidation && e.Initiator == "bob" && e.Account == "alice" {
			found = true
		}
	}
	if !found {
		t.Error("expected a liquidation entry attributed to bob")
	}
}

func TestLiquidateFullDebt(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	seedUnderwater(t, env, e18(1800))

	res, err := env.eng.Liquidate(ctx, "bob", "alice", e18(1000))
	if err != nil {
		t.Fatalf("Liquidate: %v", err)
	}
	if res.DebtCovered.Cmp(e18(1000)) != 0 {
		t.Errorf("expected full debt covered, got %s", res.DebtCovered)
	}

	pos := env.position(t, "alice")
	if pos.Debt.Sign() != 0 {
		t.Errorf("expected debt cleared, got %s", pos.Debt)
	}
}

func TestLiquidateInvalidAmount(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	seedUnderwater(t, env, e18(1800))

	cases := []*big.Int{nil, big.NewInt(0), big.NewInt(-1), e18(1001)}
	for _, debtToCover := range cases {
		_, err := env.eng.Liquidate(ctx, "bob", "alice", debtToCover)
		if !errors.Is(err, engine.ErrInvalidLiquidationAmount) {
			t.Errorf("debtToCover=%v: expected ErrInvalidLiquidationAmount, got %v", debtToCover, err)
		}
	}

	// The amount is never clamped: alice is untouched.
	pos := env.position(t, "alice")
	if pos.Debt.Cmp(e18(1000)) != 0 {
		t.Errorf("debt changed on rejected liquidation: %s", pos.Debt)
	}
}

func TestLiquidatePartialIneffectiveWhenDeepUnderwater(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	// At 1000 USD the position scores 0.5; removing debt and bonus-weighted
	// collateral in that state lowers the score further.
	seedUnderwater(t, env, e18(1000))

	_, err := env.eng.Liquidate(ctx, "bob", "alice", e18(500))
	if !errors.Is(err, engine.ErrLiquidationIneffective) {
		t.Fatalf("expected ErrLiquidationIneffective, got %v", err)
	}

	pos := env.position(t, "alice")
	if pos.Debt.Cmp(e18(1000)) != 0 || pos.Collateral.Cmp(e18(1)) != 0 {
		t.Errorf("position changed on rejected liquidation: collateral=%s debt=%s", pos.Collateral, pos.Debt)
	}
}

func TestLiquidateSeizeExceedsCollateral(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	// At 1000 USD, covering the full 1000e18 debt would seize 1.1e18
	// collateral against a 1e18 balance.
	seedUnderwater(t, env, e18(1000))

	_, err := env.eng.Liquidate(ctx, "bob", "alice", e18(1000))
	if !errors.Is(err, ledger.ErrInsufficientCollateral) {
		t.Fatalf("expected ErrInsufficientCollateral, got %v", err)
	}
}

func TestLiquidateLiquidatorCannotPay(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	seedUnderwater(t, env, e18(1800))

	// carol holds no stablecoin; the repayment pull refuses and nothing
	// changes.
	_, err := env.eng.Liquidate(ctx, "carol", "alice", e18(900))
	if !errors.Is(err, engine.ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed, got %v", err)
	}

	pos := env.position(t, "alice")
	if pos.Debt.Cmp(e18(1000)) != 0 || pos.Collateral.Cmp(e18(1)) != 0 {
		t.Errorf("position changed on failed liquidation: collateral=%s debt=%s", pos.Collateral, pos.Debt)
	}
}

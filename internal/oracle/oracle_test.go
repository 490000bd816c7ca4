package oracle_test

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/stablekit/cdp-engine/internal/fixedmath"
	"github.com/stablekit/cdp-engine/internal/oracle"
)

func mustBig(t *testing.T, s string) *big.Int {
	t.Helper()
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		t.Fatalf("invalid big integer literal %q", s)
	}
	return v
}

func TestFeedRoundTrip(t *testing.T) {
	feed := oracle.NewFeed(big.NewInt(42))

	got, err := feed.LatestPrice(context.Background())
	if err != nil {
		t.Fatalf("LatestPrice: %v", err)
	}
	if got.Cmp(big.NewInt(42)) != 0 {
		t.Errorf("expected 42, got %s", got)
	}

	// Negative prices are valid observations, not errors.
	feed.SetPrice(big.NewInt(-1))
	got, err = feed.LatestPrice(context.Background())
	if err != nil {
		t.Fatalf("LatestPrice: %v", err)
	}
	if got.Cmp(big.NewInt(-1)) != 0 {
		t.Errorf("expected -1, got %s", got)
	}
}

func TestUsdValue(t *testing.T) {
	adapter := oracle.NewAdapter(oracle.NewFeed(nil))

	// 1e18 collateral units at 2000e18 price → 2000e18 USD.
	amount := new(big.Int).Set(fixedmath.One)
	price := mustBig(t, "2000000000000000000000")
	want := mustBig(t, "2000000000000000000000")

	got, err := adapter.UsdValue(amount, price)
	if err != nil {
		t.Fatalf("UsdValue: %v", err)
	}
	if got.Cmp(want) != 0 {
		t.Errorf("UsdValue = %s, want %s", got, want)
	}
}

func TestUsdValueNonPositivePrice(t *testing.T) {
	adapter := oracle.NewAdapter(oracle.NewFeed(nil))

	for _, price := range []*big.Int{big.NewInt(0), big.NewInt(-5), nil} {
		got, err := adapter.UsdValue(fixedmath.One, price)
		if err != nil {
			t.Fatalf("UsdValue(price=%v): %v", price, err)
		}
		if got.Sign() != 0 {
			t.Errorf("expected zero value for price %v, got %s", price, got)
		}
	}
}

func TestAssetAmountForUsd(t *testing.T) {
	adapter := oracle.NewAdapter(oracle.NewFeed(nil))

	// 100e18 USD at 2000e18 price → 0.05e18 collateral units.
	usd := mustBig(t, "100000000000000000000")
	price := mustBig(t, "2000000000000000000000")
	want := mustBig(t, "50000000000000000")

	got, err := adapter.AssetAmountForUsd(usd, price)
	if err != nil {
		t.Fatalf("AssetAmountForUsd: %v", err)
	}
	if got.Cmp(want) != 0 {
		t.Errorf("AssetAmountForUsd = %s, want %s", got, want)
	}
}

func TestAssetAmountForUsdNonPositivePrice(t *testing.T) {
	adapter := oracle.NewAdapter(oracle.NewFeed(nil))

	for _, price := range []*big.Int{big.NewInt(0), big.NewInt(-1)} {
		got, err := adapter.AssetAmountForUsd(fixedmath.One, price)
		if err != nil {
			t.Fatalf("AssetAmountForUsd(price=%s): %v", price, err)
		}
		if got.Sign() != 0 {
			t.Errorf("expected zero for price %s, got %s", price, got)
		}
	}
}

func TestParsePrice(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"2000", "2000000000000000000000"},
		{"2000.5", "2000500000000000000000"},
		{"0.000000000000000001", "1"},
		{"0", "0"},
		{"-1.5", "-1500000000000000000"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := oracle.ParsePrice(tt.in)
			if err != nil {
				t.Fatalf("ParsePrice(%q): %v", tt.in, err)
			}
			if got.Cmp(mustBig(t, tt.want)) != 0 {
				t.Errorf("ParsePrice(%q) = %s, want %s", tt.in, got, tt.want)
			}
		})
	}
}

func TestParsePriceInvalid(t *testing.T) {
	if _, err := oracle.ParsePrice("not-a-number"); !errors.Is(err, oracle.ErrInvalidPrice) {
		t.Errorf("expected ErrInvalidPrice, got %v", err)
	}
}

func TestFormatPrice(t *testing.T) {
	price := mustBig(t, "2000500000000000000000")
	if got := oracle.FormatPrice(price); got != "2000.5" {
		t.Errorf("FormatPrice = %q, want %q", got, "2000.5")
	}
	if got := oracle.FormatPrice(nil); got != "0" {
		t.Errorf("FormatPrice(nil) = %q, want %q", got, "0")
	}
}

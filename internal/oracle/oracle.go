// Package oracle adapts an external single-value price source and converts
// between collateral amounts and USD-equivalent values.
//
// Prices are 18-decimal fixed point, collateral-units per USD-equivalent
// unit. A zero or negative price is a valid observation — oracles go stale
// or report bad rounds — so conversions treat it as an explicit edge
// (result zero) rather than an error, and never divide by a non-positive
// price.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/stablekit/cdp-engine/internal/fixedmath"
)

// ErrInvalidPrice is returned when a feed update cannot be parsed as a
// decimal number.
var ErrInvalidPrice = errors.New("oracle: invalid price")

// PriceSource supplies the most recent observed price. Implementations
// must be safe for concurrent use.
type PriceSource interface {
	LatestPrice(ctx context.Context) (*big.Int, error)
}

// Feed is an in-process settable PriceSource: the source of truth for
// deployments where prices are pushed over the admin API, and the fake for
// tests.
type Feed struct {
	mu    sync.RWMutex
	price *big.Int
}

// NewFeed creates a feed seeded with an initial price.
func NewFeed(initial *big.Int) *Feed {
	f := &Feed{price: big.NewInt(0)}
	if initial != nil {
		f.price = new(big.Int).Set(initial)
	}
	return f
}

// LatestPrice returns the most recent pushed price.
func (f *Feed) LatestPrice(_ context.Context) (*big.Int, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return new(big.Int).Set(f.price), nil
}

// SetPrice replaces the current observation. Zero and negative values are
// accepted; the conversion edge policy handles them downstream.
func (f *Feed) SetPrice(price *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if price == nil {
		f.price = big.NewInt(0)
		return
	}
	f.price = new(big.Int).Set(price)
}

// Adapter is the read-only price interface the engine consumes.
type Adapter struct {
	source PriceSource
}

// NewAdapter wraps a price source.
func NewAdapter(source PriceSource) *Adapter {
	return &Adapter{source: source}
}

// LatestPrice returns the source's most recent observation.
func (a *Adapter) LatestPrice(ctx context.Context) (*big.Int, error) {
	return a.source.LatestPrice(ctx)
}

// UsdValue converts a collateral amount to its USD-equivalent value:
// amount*price/1e18. Returns zero when price <= 0.
func (a *Adapter) UsdValue(amount, price *big.Int) (*big.Int, error) {
	if price == nil || price.Sign() <= 0 {
		return big.NewInt(0), nil
	}
	return fixedmath.MulDiv(amount, price, fixedmath.One)
}

// AssetAmountForUsd converts a USD-equivalent value to collateral units:
// usdAmount*1e18/price. Returns zero when price <= 0.
func (a *Adapter) AssetAmountForUsd(usdAmount, price *big.Int) (*big.Int, error) {
	if price == nil || price.Sign() <= 0 {
		return big.NewInt(0), nil
	}
	return fixedmath.MulDiv(usdAmount, fixedmath.One, price)
}

// ParsePrice converts a human decimal price string ("2000.50") into
// 18-decimal fixed point. Fractional digits beyond 18 places truncate.
func ParsePrice(s string) (*big.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPrice, s)
	}
	return d.Shift(18).BigInt(), nil
}

// FormatPrice renders an 18-decimal fixed-point price as a human decimal
// string.
func FormatPrice(price *big.Int) string {
	if price == nil {
		return "0"
	}
	return decimal.NewFromBigInt(price, -18).String()
}

package vault

import (
	"math/big"

	"github.com/holiman/uint256"
)

// All pool arithmetic is unsigned 18-decimal fixed point ("wad") with
// truncating rounding so that quotes recomputed off-process reproduce the
// ledger exactly. Ledger amounts are wei-style big integers; the pure pricing
// path runs on uint256 to keep the rate math unsigned by construction.

const secondsPerYear = 31_536_000

var (
	wad         = big.NewInt(1_000_000_000_000_000_000)
	basisPoints = big.NewInt(10_000)

	wadU = uint256.NewInt(1_000_000_000_000_000_000)
)

// wadMul returns a*b/1e18 truncated toward zero.
func wadMul(a, b *big.Int) *big.Int {
	if a == nil || b == nil {
		return big.NewInt(0)
	}
	product := new(big.Int).Mul(a, b)
	return product.Quo(product, wad)
}

// wadDiv returns a*1e18/b truncated toward zero.
func wadDiv(a, b *big.Int) *big.Int {
	if a == nil || b == nil || b.Sign() == 0 {
		return big.NewInt(0)
	}
	numerator := new(big.Int).Mul(a, wad)
	return numerator.Quo(numerator, b)
}

// mulDiv returns a*b/d truncated toward zero.
func mulDiv(a, b, d *big.Int) *big.Int {
	if a == nil || b == nil || d == nil || d.Sign() == 0 {
		return big.NewInt(0)
	}
	product := new(big.Int).Mul(a, b)
	return product.Quo(product, d)
}

// annualized converts an annual wad rate into the wad amount accrued over
// delta seconds: rate*delta/secondsPerYear.
func annualized(rate *big.Int, delta uint64) *big.Int {
	if rate == nil || rate.Sign() == 0 || delta == 0 {
		return big.NewInt(0)
	}
	accrued := new(big.Int).Mul(rate, new(big.Int).SetUint64(delta))
	return accrued.Quo(accrued, big.NewInt(secondsPerYear))
}

// wadMulU returns a*b/1e18 over uint256, truncating.
func wadMulU(a, b *uint256.Int) *uint256.Int {
	if a == nil || b == nil {
		return uint256.NewInt(0)
	}
	result, overflow := new(uint256.Int).MulDivOverflow(a, b, wadU)
	if overflow {
		return uint256.NewInt(0)
	}
	return result
}

// wadDivU returns a*1e18/b over uint256, truncating.
func wadDivU(a, b *uint256.Int) *uint256.Int {
	if a == nil || b == nil || b.IsZero() {
		return uint256.NewInt(0)
	}
	result, overflow := new(uint256.Int).MulDivOverflow(a, wadU, b)
	if overflow {
		return uint256.NewInt(0)
	}
	return result
}

func minBig(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}

func clampZero(a *big.Int) *big.Int {
	if a.Sign() < 0 {
		return big.NewInt(0)
	}
	return a
}

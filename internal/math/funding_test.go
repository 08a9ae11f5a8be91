package math_test

import (
	"math/big"
	"testing"

	fpmath "ClearingHouse/internal/math"
)

func d18(v int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(v), fpmath.One)
}

// ============================================================================
// Test: CalcPendingFundingPayment
// ============================================================================

func TestCalcPendingFundingPayment_RoundsAwayFromZero_Positive(t *testing.T) {
	// base = 1, growth delta = 1 (both 1e18-scaled): coefficient = 1e18.
	// 1e18 / 86400 = 11574074074074 remainder != 0, truncated quotient
	// nonzero, so the payment is truncated + 1.
	payment := fpmath.CalcPendingFundingPayment(
		d18(1),
		new(big.Int), // snapshot 0
		d18(1),       // current premium
		new(big.Int), // no maker share
	)

	truncated := new(big.Int).Quo(fpmath.One, big.NewInt(86_400))
	want := new(big.Int).Add(truncated, big.NewInt(1))
	if payment.Cmp(want) != 0 {
		t.Errorf("payment = %s, want %s", payment, want)
	}
}

func TestCalcPendingFundingPayment_RoundsAwayFromZero_Negative(t *testing.T) {
	payment := fpmath.CalcPendingFundingPayment(
		d18(-1),
		new(big.Int),
		d18(1),
		new(big.Int),
	)

	truncated := new(big.Int).Quo(new(big.Int).Neg(fpmath.One), big.NewInt(86_400))
	want := new(big.Int).Sub(truncated, big.NewInt(1))
	if payment.Cmp(want) != 0 {
		t.Errorf("payment = %s, want %s", payment, want)
	}
}

func TestCalcPendingFundingPayment_ZeroGrowthDelta(t *testing.T) {
	snapshot := d18(5)
	payment := fpmath.CalcPendingFundingPayment(d18(1000), snapshot, d18(5), new(big.Int))
	if payment.Sign() != 0 {
		t.Errorf("expected zero payment with no growth delta, got %s", payment)
	}
}

func TestCalcPendingFundingPayment_TruncatedZeroStaysZero(t *testing.T) {
	// Total coefficient smaller than the funding period: truncated quotient
	// is zero, and zero is not rounded up.
	payment := fpmath.CalcPendingFundingPayment(
		big.NewInt(1), // 1 wei of base
		new(big.Int),
		big.NewInt(86_399*1e9), // tiny premium growth
		new(big.Int),
	)
	if payment.Sign() != 0 {
		t.Errorf("expected zero payment, got %s", payment)
	}
}

func TestCalcPendingFundingPayment_IncludesMakerShare(t *testing.T) {
	// No taker balance; maker share of exactly 86400 pays 1 + 1 (rounded).
	payment := fpmath.CalcPendingFundingPayment(
		new(big.Int),
		new(big.Int),
		new(big.Int),
		big.NewInt(86_400),
	)
	if payment.Int64() != 2 {
		t.Errorf("payment = %s, want 2 (1 truncated + 1 round-away)", payment)
	}
}

// ============================================================================
// Test: CalcLiquidityFundingPayment
// ============================================================================

func TestCalcLiquidityFundingPayment_ZeroLiquidity(t *testing.T) {
	payment := fpmath.CalcLiquidityFundingPayment(new(big.Int), new(big.Int), d18(100))
	if payment.Sign() != 0 {
		t.Errorf("expected 0 for zero liquidity, got %s", payment)
	}
}

func TestCalcLiquidityFundingPayment_Proportional(t *testing.T) {
	// liquidity = 10e18, growth delta = 3e18 => payment = 30e18.
	payment := fpmath.CalcLiquidityFundingPayment(d18(10), d18(1), d18(4))
	if payment.Cmp(d18(30)) != 0 {
		t.Errorf("payment = %s, want %s", payment, d18(30))
	}
}

func TestCalcLiquidityFundingPayment_NegativeDelta(t *testing.T) {
	payment := fpmath.CalcLiquidityFundingPayment(d18(10), d18(4), d18(1))
	if payment.Cmp(d18(-30)) != 0 {
		t.Errorf("payment = %s, want %s", payment, d18(-30))
	}
}

package math

import (
	"math/big"
)

// FundingPeriodSeconds is the funding accrual window the time-weighted
// premium is amortized over.
const FundingPeriodSeconds = 86_400

// CalcPendingFundingPayment computes the funding owed by a position since its
// last settlement. baseBalance is the signed taker base balance, snapshot is
// the per-account tw-premium recorded at last settlement, current is the
// market's global cumulative tw-premium, and liquidityFundingPayment is the
// maker-side contribution already computed by CalcLiquidityFundingPayment.
//
// The result is rounded AWAY from zero when the truncated quotient is
// nonzero: the payer always pays at least as much as the exact value, so
// accumulated rounding can never leave the protocol with a funding deficit.
func CalcPendingFundingPayment(
	baseBalance *big.Int,
	twPremiumGrowthGlobalSnapshot *big.Int,
	currentTwPremium *big.Int,
	liquidityFundingPayment *big.Int,
) *big.Int {
	growthDelta := new(big.Int).Sub(currentTwPremium, twPremiumGrowthGlobalSnapshot)

	balanceCoefficient, err := MulDivSigned(baseBalance, growthDelta, One)
	if err != nil {
		panic("FATAL: funding balance coefficient: " + err.Error())
	}

	total := new(big.Int).Add(liquidityFundingPayment, balanceCoefficient)

	payment := total.Quo(total, big.NewInt(FundingPeriodSeconds))

	switch payment.Sign() {
	case 1:
		payment.Add(payment, big.NewInt(1))
	case -1:
		payment.Sub(payment, big.NewInt(1))
	}

	return payment
}

// CalcLiquidityFundingPayment computes the liquidity-weighted funding share
// of a maker position: liquidity * (current - snapshot) / 1e18. A zero
// liquidity short-circuits to zero.
func CalcLiquidityFundingPayment(
	liquidity *big.Int,
	twPremiumWithLiquiditySnapshot *big.Int,
	currentTwPremiumWithLiquidity *big.Int,
) *big.Int {
	if liquidity.Sign() == 0 {
		return new(big.Int)
	}

	growthDelta := new(big.Int).Sub(currentTwPremiumWithLiquidity, twPremiumWithLiquiditySnapshot)

	payment, err := MulDivSigned(liquidity, growthDelta, One)
	if err != nil {
		panic("FATAL: liquidity funding payment: " + err.Error())
	}
	return payment
}

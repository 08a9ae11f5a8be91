package state

import (
	"math/big"

	fpmath "ClearingHouse/internal/math"
)

// LPPosition is the per (maker, market) liquidity order.
// Liquidity is unsigned curve units. LastFeeIndex snapshots the market fee
// index at the maker's last settlement. The two premium snapshots record the
// global funding trackers at last settlement. BaseDebt/QuoteDebt are the
// amounts borrowed against the order for leverage accounting.
type LPPosition struct {
	Liquidity                        *big.Int
	LastFeeIndex                     *big.Int
	LastTwPremiumGrowth              *big.Int
	LastTwPremiumWithLiquidityGrowth *big.Int
	BaseDebt                         *big.Int
	QuoteDebt                        *big.Int
}

func newLPPosition() *LPPosition {
	return &LPPosition{
		Liquidity:                        new(big.Int),
		LastFeeIndex:                     new(big.Int),
		LastTwPremiumGrowth:              new(big.Int),
		LastTwPremiumWithLiquidityGrowth: new(big.Int),
		BaseDebt:                         new(big.Int),
		QuoteDebt:                        new(big.Int),
	}
}

// IsZero reports whether the order carries no liquidity and no debt.
func (p *LPPosition) IsZero() bool {
	return p.Liquidity.Sign() == 0 && p.BaseDebt.Sign() == 0 && p.QuoteDebt.Sign() == 0
}

// Clone returns a deep copy.
func (p *LPPosition) Clone() *LPPosition {
	return &LPPosition{
		Liquidity:                        fpmath.Clone(p.Liquidity),
		LastFeeIndex:                     fpmath.Clone(p.LastFeeIndex),
		LastTwPremiumGrowth:              fpmath.Clone(p.LastTwPremiumGrowth),
		LastTwPremiumWithLiquidityGrowth: fpmath.Clone(p.LastTwPremiumWithLiquidityGrowth),
		BaseDebt:                         fpmath.Clone(p.BaseDebt),
		QuoteDebt:                        fpmath.Clone(p.QuoteDebt),
	}
}

package state

import (
	"math/big"

	fpmath "ClearingHouse/internal/math"
	"github.com/google/uuid"
)

// TakerPosition is the per (trader, market) taker-side book entry.
// PositionSize is signed base units (positive long, negative short).
// OpenNotional is the signed quote recorded against the position: it moves
// when a position opens and unwinds as quote is realized on close/reduce.
// LastTwPremiumGrowthGlobal snapshots the market's cumulative tw-premium at
// the trader's last funding settlement.
type TakerPosition struct {
	PositionSize              *big.Int
	OpenNotional              *big.Int
	LastTwPremiumGrowthGlobal *big.Int
}

func newTakerPosition() *TakerPosition {
	return &TakerPosition{
		PositionSize:              new(big.Int),
		OpenNotional:              new(big.Int),
		LastTwPremiumGrowthGlobal: new(big.Int),
	}
}

// IsZero reports whether the position carries no exposure and no notional.
func (p *TakerPosition) IsZero() bool {
	return p.PositionSize.Sign() == 0 && p.OpenNotional.Sign() == 0
}

// Clone returns a deep copy.
func (p *TakerPosition) Clone() *TakerPosition {
	return &TakerPosition{
		PositionSize:              fpmath.Clone(p.PositionSize),
		OpenNotional:              fpmath.Clone(p.OpenNotional),
		LastTwPremiumGrowthGlobal: fpmath.Clone(p.LastTwPremiumGrowthGlobal),
	}
}

// PositionKey identifies a taker position.
type PositionKey struct {
	Trader uuid.UUID
	Market string
}

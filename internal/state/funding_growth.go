package state

import (
	"fmt"
	"math/big"

	fpmath "ClearingHouse/internal/math"
)

// Growth is the global cumulative time-weighted premium state of a market.
// TwPremium integrates (mark - index) over time; TwPremiumWithLiquidity is
// the same integral weighted for maker funding attribution.
type Growth struct {
	TwPremium              *big.Int
	TwPremiumWithLiquidity *big.Int
}

// Clone returns a deep copy safe to hand to callers.
func (g Growth) Clone() Growth {
	return Growth{
		TwPremium:              fpmath.Clone(g.TwPremium),
		TwPremiumWithLiquidity: fpmath.Clone(g.TwPremiumWithLiquidity),
	}
}

type marketFunding struct {
	growth      Growth
	lastUpdated int64 // unix seconds of the last growth advance
}

// GrowthStore tracks per-market cumulative funding growth. The store is the
// single writer of global growth: it advances a market's trackers at most
// once per unique timestamp, so re-entry within the same second is
// idempotent and growth is never double-counted.
type GrowthStore struct {
	markets map[string]*marketFunding
}

func NewGrowthStore() *GrowthStore {
	return &GrowthStore{
		markets: make(map[string]*marketFunding),
	}
}

// Update advances the market's cumulative tw-premium by (mark - index) * dt.
// liquidityWeight (18 decimals) scales the contribution to the
// liquidity-weighted tracker. Calling twice with the same timestamp returns
// the already-advanced growth without recomputation; a timestamp earlier
// than the last update is rejected.
func (s *GrowthStore) Update(market string, now int64, markPrice, indexPrice, liquidityWeight *big.Int) (Growth, error) {
	mf := s.markets[market]
	if mf == nil {
		mf = &marketFunding{
			growth: Growth{
				TwPremium:              new(big.Int),
				TwPremiumWithLiquidity: new(big.Int),
			},
			lastUpdated: now,
		}
		s.markets[market] = mf
		return mf.growth.Clone(), nil
	}

	if now == mf.lastUpdated {
		// Same timestamp: growth already advanced by an earlier caller.
		return mf.growth.Clone(), nil
	}
	if now < mf.lastUpdated {
		return Growth{}, fmt.Errorf("funding growth timestamp regression for %s: last=%d, got=%d",
			market, mf.lastUpdated, now)
	}

	dt := big.NewInt(now - mf.lastUpdated)
	premium := new(big.Int).Sub(markPrice, indexPrice)
	premiumDelta := premium.Mul(premium, dt)

	mf.growth.TwPremium.Add(mf.growth.TwPremium, premiumDelta)

	weighted, err := fpmath.MulDivSigned(premiumDelta, liquidityWeight, fpmath.One)
	if err != nil {
		return Growth{}, fmt.Errorf("weighted premium for %s: %w", market, err)
	}
	mf.growth.TwPremiumWithLiquidity.Add(mf.growth.TwPremiumWithLiquidity, weighted)

	mf.lastUpdated = now
	return mf.growth.Clone(), nil
}

// Current returns the market's growth without advancing it. Markets that
// have never been updated report zero growth.
func (s *GrowthStore) Current(market string) Growth {
	mf := s.markets[market]
	if mf == nil {
		return Growth{
			TwPremium:              new(big.Int),
			TwPremiumWithLiquidity: new(big.Int),
		}
	}
	return mf.growth.Clone()
}

// LastUpdated returns the last advance timestamp for a market (0 if never).
func (s *GrowthStore) LastUpdated(market string) int64 {
	if mf := s.markets[market]; mf != nil {
		return mf.lastUpdated
	}
	return 0
}

// Snapshot captures the full store state for restore.
func (s *GrowthStore) Snapshot() map[string]GrowthSnapshot {
	result := make(map[string]GrowthSnapshot, len(s.markets))
	for market, mf := range s.markets {
		result[market] = GrowthSnapshot{
			Growth:      mf.growth.Clone(),
			LastUpdated: mf.lastUpdated,
		}
	}
	return result
}

// Restore replaces the store state from a snapshot.
func (s *GrowthStore) Restore(snap map[string]GrowthSnapshot) {
	s.markets = make(map[string]*marketFunding, len(snap))
	for market, gs := range snap {
		s.markets[market] = &marketFunding{
			growth:      gs.Growth.Clone(),
			lastUpdated: gs.LastUpdated,
		}
	}
}

type GrowthSnapshot struct {
	Growth      Growth
	LastUpdated int64
}

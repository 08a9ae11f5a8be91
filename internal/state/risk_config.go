package state

import (
	"fmt"

	fpmath "ClearingHouse/internal/math"
	"github.com/google/uuid"
)

// RiskParams are the per-market margin and liquidation settings.
// Ratios carry 6 decimals (1_000_000 = 100%).
type RiskParams struct {
	IMRatio                 int64 // initial margin ratio
	MMRatio                 int64 // maintenance margin ratio
	LiquidationPenaltyRatio int64 // share of closed notional paid to the liquidator
}

// DefaultRiskParams mirrors the common perp configuration: 10% initial
// margin, 6.25% maintenance margin, 2.5% liquidation penalty.
func DefaultRiskParams() RiskParams {
	return RiskParams{
		IMRatio:                 100_000,
		MMRatio:                 62_500,
		LiquidationPenaltyRatio: 25_000,
	}
}

// Validate rejects parameter sets that would break margin ordering.
func (p RiskParams) Validate() error {
	if p.MMRatio <= 0 {
		return fmt.Errorf("mm ratio must be positive, got %d", p.MMRatio)
	}
	if p.IMRatio <= p.MMRatio {
		return fmt.Errorf("im ratio %d must exceed mm ratio %d", p.IMRatio, p.MMRatio)
	}
	if p.IMRatio >= fpmath.RatioOne.Int64() {
		return fmt.Errorf("im ratio %d must be below 100%%", p.IMRatio)
	}
	if p.LiquidationPenaltyRatio < 0 || p.LiquidationPenaltyRatio >= fpmath.RatioOne.Int64() {
		return fmt.Errorf("liquidation penalty ratio %d out of range", p.LiquidationPenaltyRatio)
	}
	return nil
}

// RiskConfig holds per-market risk parameters with a shared default, the
// active-market cap, and the backstop liquidity provider allow-list.
type RiskConfig struct {
	defaults             RiskParams
	perMarket            map[string]RiskParams
	maxMarketsPerAccount int
	backstopProviders    map[uuid.UUID]struct{}
}

func NewRiskConfig(defaults RiskParams, maxMarketsPerAccount int) (*RiskConfig, error) {
	if err := defaults.Validate(); err != nil {
		return nil, fmt.Errorf("default risk params: %w", err)
	}
	if maxMarketsPerAccount <= 0 {
		return nil, fmt.Errorf("max markets per account must be positive, got %d", maxMarketsPerAccount)
	}
	return &RiskConfig{
		defaults:             defaults,
		perMarket:            make(map[string]RiskParams),
		maxMarketsPerAccount: maxMarketsPerAccount,
		backstopProviders:    make(map[uuid.UUID]struct{}),
	}, nil
}

// SetMarketParams overrides the defaults for one market.
func (rc *RiskConfig) SetMarketParams(market string, params RiskParams) error {
	if err := params.Validate(); err != nil {
		return fmt.Errorf("risk params for %s: %w", market, err)
	}
	rc.perMarket[market] = params
	return nil
}

// Params returns the effective parameters for a market.
func (rc *RiskConfig) Params(market string) RiskParams {
	if params, ok := rc.perMarket[market]; ok {
		return params
	}
	return rc.defaults
}

func (rc *RiskConfig) MaxMarketsPerAccount() int {
	return rc.maxMarketsPerAccount
}

// AddBackstopProvider marks an account as a backstop liquidity provider,
// permitted to force through bad-debt-realizing liquidations.
func (rc *RiskConfig) AddBackstopProvider(account uuid.UUID) {
	rc.backstopProviders[account] = struct{}{}
}

func (rc *RiskConfig) RemoveBackstopProvider(account uuid.UUID) {
	delete(rc.backstopProviders, account)
}

func (rc *RiskConfig) IsBackstopProvider(account uuid.UUID) bool {
	_, ok := rc.backstopProviders[account]
	return ok
}

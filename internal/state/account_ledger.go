package state

import (
	"errors"
	"fmt"
	"math/big"

	fpmath "ClearingHouse/internal/math"
	"github.com/google/uuid"
)

// ErrTooManyMarkets is returned when registering a market would push a
// trader past the configured active-market cap. The cap bounds the O(n)
// cross-market scans in margin and funding computations.
var ErrTooManyMarkets = errors.New("too many markets for account")

// OpenOrderSource answers whether a trader still has maker liquidity in a
// market. The ledger consults it before deregistering a market.
type OpenOrderSource interface {
	HasOpenOrder(trader uuid.UUID, market string) bool
}

// PriceSource supplies mark prices for margin and unrealized-PnL valuation.
type PriceSource interface {
	GetMarkPrice(market string) (*big.Int, error)
}

// AccountLedger owns per-trader, per-market taker bookkeeping: position
// size, open notional, funding snapshots, and the owed-realized-PnL
// accumulator every fee, funding payment, and realized trade flows through.
//
// All modification operations are infallible arithmetic; validation (margin
// sufficiency, liquidation eligibility) happens in the orchestrator AFTER
// mutation, with Snapshot/Restore providing the all-or-nothing guarantee.
type AccountLedger struct {
	positions       map[PositionKey]*TakerPosition
	owedRealizedPnl map[uuid.UUID]*big.Int
	accountMarkets  map[uuid.UUID][]string
	insuranceFund   *big.Int

	maxMarketsPerAccount int
	orderSource          OpenOrderSource
}

func NewAccountLedger(maxMarketsPerAccount int) *AccountLedger {
	return &AccountLedger{
		positions:            make(map[PositionKey]*TakerPosition),
		owedRealizedPnl:      make(map[uuid.UUID]*big.Int),
		accountMarkets:       make(map[uuid.UUID][]string),
		insuranceFund:        new(big.Int),
		maxMarketsPerAccount: maxMarketsPerAccount,
	}
}

// SetOrderSource wires the maker-order view used by DeregisterMarket.
// Set once during engine construction.
func (al *AccountLedger) SetOrderSource(src OpenOrderSource) {
	al.orderSource = src
}

// RegisterMarket adds a market to the trader's active set. Idempotent.
func (al *AccountLedger) RegisterMarket(trader uuid.UUID, market string) error {
	markets := al.accountMarkets[trader]
	for _, m := range markets {
		if m == market {
			return nil
		}
	}

	if len(markets) >= al.maxMarketsPerAccount {
		return fmt.Errorf("%w: trader %s already active in %d markets", ErrTooManyMarkets, trader, len(markets))
	}

	al.accountMarkets[trader] = append(markets, market)
	return nil
}

// DeregisterMarket removes a market from the trader's active set, but only
// when the taker position is fully closed and no maker order remains.
// Otherwise it is a no-op.
func (al *AccountLedger) DeregisterMarket(trader uuid.UUID, market string) {
	pos := al.positions[PositionKey{Trader: trader, Market: market}]
	if pos != nil && pos.PositionSize.Sign() != 0 {
		return
	}
	if al.orderSource != nil && al.orderSource.HasOpenOrder(trader, market) {
		return
	}

	markets := al.accountMarkets[trader]
	for i, m := range markets {
		if m == market {
			al.accountMarkets[trader] = append(markets[:i], markets[i+1:]...)
			break
		}
	}
	if len(al.accountMarkets[trader]) == 0 {
		delete(al.accountMarkets, trader)
	}
}

// GetAccountMarkets returns a copy of the trader's active-market list.
func (al *AccountLedger) GetAccountMarkets(trader uuid.UUID) []string {
	markets := al.accountMarkets[trader]
	result := make([]string, len(markets))
	copy(result, markets)
	return result
}

// GetTakerPosition returns the live position entry, creating a zero-valued
// one on first access. Internal callers mutate through ledger methods only.
func (al *AccountLedger) GetTakerPosition(trader uuid.UUID, market string) *TakerPosition {
	key := PositionKey{Trader: trader, Market: market}
	pos := al.positions[key]
	if pos == nil {
		pos = newTakerPosition()
		al.positions[key] = pos
	}
	return pos
}

// GetTakerPositionSize returns a copy of the signed base size.
func (al *AccountLedger) GetTakerPositionSize(trader uuid.UUID, market string) *big.Int {
	if pos := al.positions[PositionKey{Trader: trader, Market: market}]; pos != nil {
		return fpmath.Clone(pos.PositionSize)
	}
	return new(big.Int)
}

// GetTakerOpenNotional returns a copy of the signed open notional.
func (al *AccountLedger) GetTakerOpenNotional(trader uuid.UUID, market string) *big.Int {
	if pos := al.positions[PositionKey{Trader: trader, Market: market}]; pos != nil {
		return fpmath.Clone(pos.OpenNotional)
	}
	return new(big.Int)
}

// ModifyTakerBalance adds deltas to position size and open notional and
// returns the new values. No bounds checking happens here: the orchestrator
// validates margin after the mutation and rolls back on failure.
func (al *AccountLedger) ModifyTakerBalance(trader uuid.UUID, market string, deltaBase, deltaQuote *big.Int) (*big.Int, *big.Int) {
	pos := al.GetTakerPosition(trader, market)
	pos.PositionSize.Add(pos.PositionSize, deltaBase)
	pos.OpenNotional.Add(pos.OpenNotional, deltaQuote)
	return fpmath.Clone(pos.PositionSize), fpmath.Clone(pos.OpenNotional)
}

// ModifyOwedRealizedPnl unconditionally adds to the trader's owed-realized
// PnL accumulator. Fees, funding settlement, realized trade PnL, and
// liquidation penalties all funnel through here so the ledger stays the
// single source of realized value.
func (al *AccountLedger) ModifyOwedRealizedPnl(trader uuid.UUID, delta *big.Int) {
	if delta.Sign() == 0 {
		return
	}
	owed := al.owedRealizedPnl[trader]
	if owed == nil {
		owed = new(big.Int)
		al.owedRealizedPnl[trader] = owed
	}
	owed.Add(owed, delta)
}

// GetOwedRealizedPnl returns a copy of the trader's accumulator.
func (al *AccountLedger) GetOwedRealizedPnl(trader uuid.UUID) *big.Int {
	return fpmath.Clone(al.owedRealizedPnl[trader])
}

// SettleQuoteToOwedRealizedPnl moves amount out of the position's open
// notional into owed realized PnL. Used when a trade partially or fully
// closes a position and a slice of notional becomes realized.
func (al *AccountLedger) SettleQuoteToOwedRealizedPnl(trader uuid.UUID, market string, amount *big.Int) {
	pos := al.GetTakerPosition(trader, market)
	pos.OpenNotional.Sub(pos.OpenNotional, amount)
	al.ModifyOwedRealizedPnl(trader, amount)
}

// SettleFunding applies the pending funding payment for (trader, market)
// against the given global growth, advances the trader's premium snapshot,
// and debits the payment from owed realized PnL. A zero pending payment
// still advances the snapshot — skipping the advance would double-count
// premium growth on the next settlement. Returns the payment (positive =
// trader pays).
func (al *AccountLedger) SettleFunding(trader uuid.UUID, market string, growth Growth, liquidityFundingPayment *big.Int) *big.Int {
	pos := al.GetTakerPosition(trader, market)

	payment := fpmath.CalcPendingFundingPayment(
		pos.PositionSize,
		pos.LastTwPremiumGrowthGlobal,
		growth.TwPremium,
		liquidityFundingPayment,
	)

	pos.LastTwPremiumGrowthGlobal.Set(growth.TwPremium)

	if payment.Sign() != 0 {
		al.ModifyOwedRealizedPnl(trader, fpmath.Neg(payment))
	}
	return payment
}

// GetPendingFundingPayment is the read-only twin of SettleFunding: it
// computes the identical payment without touching snapshots, so display
// and margin queries agree bit-for-bit with the next settlement.
func (al *AccountLedger) GetPendingFundingPayment(trader uuid.UUID, market string, growth Growth, liquidityFundingPayment *big.Int) *big.Int {
	pos := al.positions[PositionKey{Trader: trader, Market: market}]
	if pos == nil {
		return fpmath.CalcPendingFundingPayment(new(big.Int), new(big.Int), growth.TwPremium, liquidityFundingPayment)
	}
	return fpmath.CalcPendingFundingPayment(
		pos.PositionSize,
		pos.LastTwPremiumGrowthGlobal,
		growth.TwPremium,
		liquidityFundingPayment,
	)
}

// SettleBalanceAndDeregister is the composite used by remove-liquidity: it
// applies the taker-side exposure released by the removal, credits realized
// PnL and the accrued maker fee, and deregisters the market if nothing
// remains.
func (al *AccountLedger) SettleBalanceAndDeregister(
	maker uuid.UUID,
	market string,
	takerBase, takerQuote *big.Int,
	realizedPnl, fee *big.Int,
) {
	al.ModifyTakerBalance(maker, market, takerBase, takerQuote)
	al.ModifyOwedRealizedPnl(maker, realizedPnl)
	al.ModifyOwedRealizedPnl(maker, fee)
	al.DeregisterMarket(maker, market)
}

// GetTotalPositionValue returns positionSize * markPrice / 1e18 for one
// market (signed).
func (al *AccountLedger) GetTotalPositionValue(trader uuid.UUID, market string, markPrice *big.Int) *big.Int {
	pos := al.positions[PositionKey{Trader: trader, Market: market}]
	if pos == nil || pos.PositionSize.Sign() == 0 {
		return new(big.Int)
	}
	value, err := fpmath.MulDivSigned(pos.PositionSize, markPrice, fpmath.One)
	if err != nil {
		panic("FATAL: position value: " + err.Error())
	}
	return value
}

// GetTotalUnrealizedPnl sums positionValue + openNotional across the
// trader's active markets.
func (al *AccountLedger) GetTotalUnrealizedPnl(trader uuid.UUID, prices PriceSource) (*big.Int, error) {
	total := new(big.Int)
	for _, market := range al.accountMarkets[trader] {
		pos := al.positions[PositionKey{Trader: trader, Market: market}]
		if pos == nil {
			continue
		}
		markPrice, err := prices.GetMarkPrice(market)
		if err != nil {
			return nil, fmt.Errorf("mark price for %s: %w", market, err)
		}
		total.Add(total, al.GetTotalPositionValue(trader, market, markPrice))
		total.Add(total, pos.OpenNotional)
	}
	return total, nil
}

// GetMarginRequirementForLiquidation sums abs(positionValue) * mmRatio over
// the trader's active markets, using each market's maintenance ratio.
func (al *AccountLedger) GetMarginRequirementForLiquidation(trader uuid.UUID, risk *RiskConfig, prices PriceSource) (*big.Int, error) {
	total := new(big.Int)
	for _, market := range al.accountMarkets[trader] {
		markPrice, err := prices.GetMarkPrice(market)
		if err != nil {
			return nil, fmt.Errorf("mark price for %s: %w", market, err)
		}
		value := al.GetTotalPositionValue(trader, market, markPrice)
		total.Add(total, fpmath.MulRatio(value.Abs(value), risk.Params(market).MMRatio))
	}
	return total, nil
}

// AddInsuranceFundFee credits the protocol insurance fund accumulator.
func (al *AccountLedger) AddInsuranceFundFee(fee *big.Int) {
	al.insuranceFund.Add(al.insuranceFund, fee)
}

// GetInsuranceFund returns a copy of the insurance fund balance.
func (al *AccountLedger) GetInsuranceFund() *big.Int {
	return fpmath.Clone(al.insuranceFund)
}

// --- Snapshot / Restore ---

// LedgerSnapshot is a deep copy of the ledger used for operation rollback
// and persistence.
type LedgerSnapshot struct {
	Positions       map[PositionKey]*TakerPosition
	OwedRealizedPnl map[uuid.UUID]*big.Int
	AccountMarkets  map[uuid.UUID][]string
	InsuranceFund   *big.Int
}

// Snapshot deep-copies the ledger state.
func (al *AccountLedger) Snapshot() *LedgerSnapshot {
	snap := &LedgerSnapshot{
		Positions:       make(map[PositionKey]*TakerPosition, len(al.positions)),
		OwedRealizedPnl: make(map[uuid.UUID]*big.Int, len(al.owedRealizedPnl)),
		AccountMarkets:  make(map[uuid.UUID][]string, len(al.accountMarkets)),
		InsuranceFund:   fpmath.Clone(al.insuranceFund),
	}
	for k, pos := range al.positions {
		snap.Positions[k] = pos.Clone()
	}
	for trader, owed := range al.owedRealizedPnl {
		snap.OwedRealizedPnl[trader] = fpmath.Clone(owed)
	}
	for trader, markets := range al.accountMarkets {
		copied := make([]string, len(markets))
		copy(copied, markets)
		snap.AccountMarkets[trader] = copied
	}
	return snap
}

// Restore replaces the ledger state with a snapshot's contents.
func (al *AccountLedger) Restore(snap *LedgerSnapshot) {
	al.positions = make(map[PositionKey]*TakerPosition, len(snap.Positions))
	for k, pos := range snap.Positions {
		al.positions[k] = pos.Clone()
	}
	al.owedRealizedPnl = make(map[uuid.UUID]*big.Int, len(snap.OwedRealizedPnl))
	for trader, owed := range snap.OwedRealizedPnl {
		al.owedRealizedPnl[trader] = fpmath.Clone(owed)
	}
	al.accountMarkets = make(map[uuid.UUID][]string, len(snap.AccountMarkets))
	for trader, markets := range snap.AccountMarkets {
		copied := make([]string, len(markets))
		copy(copied, markets)
		al.accountMarkets[trader] = copied
	}
	al.insuranceFund = fpmath.Clone(snap.InsuranceFund)
}

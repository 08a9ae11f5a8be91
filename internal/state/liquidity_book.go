package state

import (
	"errors"
	"fmt"
	"math/big"

	fpmath "ClearingHouse/internal/math"
	"github.com/google/uuid"
)

var (
	// ErrSlippageExceeded is returned when a liquidity removal yields less
	// base or quote than the maker's stated minimums.
	ErrSlippageExceeded = errors.New("slippage exceeded")

	// ErrNotEnoughLiquidity is returned when a removal asks for more
	// liquidity than the order holds.
	ErrNotEnoughLiquidity = errors.New("not enough liquidity in order")
)

// CurveEngine is the delegated tick/range liquidity math. The book only
// does settlement accounting; minted/burned amounts come from here.
type CurveEngine interface {
	// Mint converts deposited base/quote into curve liquidity units.
	Mint(market string, base, quote *big.Int) (*big.Int, error)
	// Burn converts curve liquidity units back into base/quote.
	Burn(market string, liquidity *big.Int) (base, quote *big.Int, err error)
}

type marketLiquidity struct {
	totalLiquidity *big.Int
	feeIndex       *big.Int // cumulative fee per unit liquidity, 18 decimals
}

// LiquidityBook tracks maker liquidity orders, the per-market fee index, and
// the funding snapshots needed to attribute liquidity-weighted funding.
// Curve math is delegated to the injected CurveEngine.
type LiquidityBook struct {
	orders  map[PositionKey]*LPPosition
	markets map[string]*marketLiquidity
	curve   CurveEngine
}

func NewLiquidityBook(curve CurveEngine) *LiquidityBook {
	return &LiquidityBook{
		orders:  make(map[PositionKey]*LPPosition),
		markets: make(map[string]*marketLiquidity),
		curve:   curve,
	}
}

func (lb *LiquidityBook) market(name string) *marketLiquidity {
	ml := lb.markets[name]
	if ml == nil {
		ml = &marketLiquidity{
			totalLiquidity: new(big.Int),
			feeIndex:       new(big.Int),
		}
		lb.markets[name] = ml
	}
	return ml
}

func (lb *LiquidityBook) order(maker uuid.UUID, market string) *LPPosition {
	key := PositionKey{Trader: maker, Market: market}
	pos := lb.orders[key]
	if pos == nil {
		pos = newLPPosition()
		lb.orders[key] = pos
	}
	return pos
}

// HasOpenOrder reports whether the maker holds nonzero liquidity in market.
// Satisfies the ledger's OpenOrderSource.
func (lb *LiquidityBook) HasOpenOrder(maker uuid.UUID, market string) bool {
	pos := lb.orders[PositionKey{Trader: maker, Market: market}]
	return pos != nil && pos.Liquidity.Sign() > 0
}

// GetLiquidity returns a copy of the maker's liquidity in market.
func (lb *LiquidityBook) GetLiquidity(maker uuid.UUID, market string) *big.Int {
	if pos := lb.orders[PositionKey{Trader: maker, Market: market}]; pos != nil {
		return fpmath.Clone(pos.Liquidity)
	}
	return new(big.Int)
}

// TotalLiquidity returns a copy of the market's total liquidity.
func (lb *LiquidityBook) TotalLiquidity(market string) *big.Int {
	if ml := lb.markets[market]; ml != nil {
		return fpmath.Clone(ml.totalLiquidity)
	}
	return new(big.Int)
}

// FundingWeight returns the liquidity weight applied to the market's
// liquidity-weighted premium tracker: full weight while any liquidity is
// live, zero otherwise. Finer weighting belongs to the curve engine.
func (lb *LiquidityBook) FundingWeight(market string) *big.Int {
	if ml := lb.markets[market]; ml != nil && ml.totalLiquidity.Sign() > 0 {
		return fpmath.Clone(fpmath.One)
	}
	return new(big.Int)
}

// AccrueFee folds a trading fee into the market's fee index so every live
// order earns its pro-rata share.
func (lb *LiquidityBook) AccrueFee(market string, fee *big.Int) error {
	ml := lb.market(market)
	if ml.totalLiquidity.Sign() == 0 {
		return fmt.Errorf("accrue fee in %s: no liquidity", market)
	}
	delta, err := fpmath.MulDiv(fee, fpmath.One, ml.totalLiquidity)
	if err != nil {
		return fmt.Errorf("accrue fee in %s: %w", market, err)
	}
	ml.feeIndex.Add(ml.feeIndex, delta)
	return nil
}

// GetPendingFee is the read-only fee owed to the maker since last
// settlement: liquidity * (feeIndex - lastFeeIndex) / 1e18.
func (lb *LiquidityBook) GetPendingFee(maker uuid.UUID, market string) *big.Int {
	pos := lb.orders[PositionKey{Trader: maker, Market: market}]
	if pos == nil || pos.Liquidity.Sign() == 0 {
		return new(big.Int)
	}
	return lb.pendingFee(pos, lb.market(market))
}

func (lb *LiquidityBook) pendingFee(pos *LPPosition, ml *marketLiquidity) *big.Int {
	if pos.Liquidity.Sign() == 0 {
		return new(big.Int)
	}
	indexDelta := new(big.Int).Sub(ml.feeIndex, pos.LastFeeIndex)
	fee, err := fpmath.MulDiv(pos.Liquidity, indexDelta, fpmath.One)
	if err != nil {
		panic("FATAL: pending fee: " + err.Error())
	}
	return fee
}

// settleFee pays out the pending fee and advances the snapshot.
func (lb *LiquidityBook) settleFee(pos *LPPosition, ml *marketLiquidity) *big.Int {
	fee := lb.pendingFee(pos, ml)
	pos.LastFeeIndex.Set(ml.feeIndex)
	return fee
}

// GetLiquidityFundingPayment is the read-only twin of
// UpdateFundingGrowthAndLiquidityFundingPayment. Both route through the same
// calculation so display queries agree bit-for-bit with settlement.
func (lb *LiquidityBook) GetLiquidityFundingPayment(maker uuid.UUID, market string, growth Growth) *big.Int {
	pos := lb.orders[PositionKey{Trader: maker, Market: market}]
	if pos == nil {
		return new(big.Int)
	}
	return fpmath.CalcLiquidityFundingPayment(
		pos.Liquidity,
		pos.LastTwPremiumWithLiquidityGrowth,
		growth.TwPremiumWithLiquidity,
	)
}

// UpdateFundingGrowthAndLiquidityFundingPayment computes the maker's
// liquidity-weighted funding share and advances both premium snapshots.
// Snapshots advance even when the payment is zero.
func (lb *LiquidityBook) UpdateFundingGrowthAndLiquidityFundingPayment(maker uuid.UUID, market string, growth Growth) *big.Int {
	pos := lb.order(maker, market)
	payment := fpmath.CalcLiquidityFundingPayment(
		pos.Liquidity,
		pos.LastTwPremiumWithLiquidityGrowth,
		growth.TwPremiumWithLiquidity,
	)
	pos.LastTwPremiumGrowth.Set(growth.TwPremium)
	pos.LastTwPremiumWithLiquidityGrowth.Set(growth.TwPremiumWithLiquidity)
	return payment
}

// AddLiquidityResult carries the settlement deltas of an add.
type AddLiquidityResult struct {
	Base                    *big.Int
	Quote                   *big.Int
	Liquidity               *big.Int
	Fee                     *big.Int
	LiquidityFundingPayment *big.Int
}

// AddLiquidity settles the maker's pending funding and fee, mints liquidity
// for the deposited base/quote through the curve engine, and records the
// deposit as order debt.
func (lb *LiquidityBook) AddLiquidity(maker uuid.UUID, market string, base, quote *big.Int, growth Growth) (*AddLiquidityResult, error) {
	ml := lb.market(market)
	pos := lb.order(maker, market)

	fundingPayment := lb.UpdateFundingGrowthAndLiquidityFundingPayment(maker, market, growth)
	fee := lb.settleFee(pos, ml)

	minted, err := lb.curve.Mint(market, base, quote)
	if err != nil {
		return nil, fmt.Errorf("mint liquidity in %s: %w", market, err)
	}

	pos.Liquidity.Add(pos.Liquidity, minted)
	pos.BaseDebt.Add(pos.BaseDebt, base)
	pos.QuoteDebt.Add(pos.QuoteDebt, quote)
	ml.totalLiquidity.Add(ml.totalLiquidity, minted)

	return &AddLiquidityResult{
		Base:                    fpmath.Clone(base),
		Quote:                   fpmath.Clone(quote),
		Liquidity:               minted,
		Fee:                     fee,
		LiquidityFundingPayment: fundingPayment,
	}, nil
}

// RemoveLiquidityResult carries the settlement deltas of a removal.
// TakerBase/TakerQuote are the residual taker-side exposure left after the
// returned amounts are netted against the order's pro-rata debt: a removal
// of an order that drifted single-sided converts into an implicit taker
// position change.
type RemoveLiquidityResult struct {
	Base                    *big.Int
	Quote                   *big.Int
	Fee                     *big.Int
	TakerBase               *big.Int
	TakerQuote              *big.Int
	LiquidityFundingPayment *big.Int
}

// RemoveLiquidity burns liquidity through the curve engine and settles the
// maker's funding, fee, and pro-rata debt. Fails with ErrSlippageExceeded
// when the returned base or quote is below the maker's minimums; pass zero
// minimums to skip the guard (forced unwinds).
func (lb *LiquidityBook) RemoveLiquidity(maker uuid.UUID, market string, liquidity, minBase, minQuote *big.Int, growth Growth) (*RemoveLiquidityResult, error) {
	// A zero removal is a legal no-op, even for makers with no order.
	if liquidity.Sign() == 0 {
		return &RemoveLiquidityResult{
			Base:                    new(big.Int),
			Quote:                   new(big.Int),
			Fee:                     new(big.Int),
			TakerBase:               new(big.Int),
			TakerQuote:              new(big.Int),
			LiquidityFundingPayment: new(big.Int),
		}, nil
	}

	ml := lb.market(market)
	pos := lb.orders[PositionKey{Trader: maker, Market: market}]
	if pos == nil || pos.Liquidity.Cmp(liquidity) < 0 {
		return nil, fmt.Errorf("%w: maker %s in %s", ErrNotEnoughLiquidity, maker, market)
	}

	base, quote, err := lb.curve.Burn(market, liquidity)
	if err != nil {
		return nil, fmt.Errorf("burn liquidity in %s: %w", market, err)
	}
	if base.Cmp(minBase) < 0 || quote.Cmp(minQuote) < 0 {
		return nil, fmt.Errorf("%w: got base=%s quote=%s, min base=%s quote=%s",
			ErrSlippageExceeded, base, quote, minBase, minQuote)
	}

	// Settle funding against the pre-removal liquidity.
	fundingPayment := lb.UpdateFundingGrowthAndLiquidityFundingPayment(maker, market, growth)
	fee := lb.settleFee(pos, ml)

	removedBaseDebt, err := fpmath.MulDiv(pos.BaseDebt, liquidity, pos.Liquidity)
	if err != nil {
		return nil, fmt.Errorf("pro-rata base debt in %s: %w", market, err)
	}
	removedQuoteDebt, err := fpmath.MulDiv(pos.QuoteDebt, liquidity, pos.Liquidity)
	if err != nil {
		return nil, fmt.Errorf("pro-rata quote debt in %s: %w", market, err)
	}

	takerBase := new(big.Int).Sub(base, removedBaseDebt)
	takerQuote := new(big.Int).Sub(quote, removedQuoteDebt)

	pos.Liquidity.Sub(pos.Liquidity, liquidity)
	pos.BaseDebt.Sub(pos.BaseDebt, removedBaseDebt)
	pos.QuoteDebt.Sub(pos.QuoteDebt, removedQuoteDebt)
	ml.totalLiquidity.Sub(ml.totalLiquidity, liquidity)

	return &RemoveLiquidityResult{
		Base:                    base,
		Quote:                   quote,
		Fee:                     fee,
		TakerBase:               takerBase,
		TakerQuote:              takerQuote,
		LiquidityFundingPayment: fundingPayment,
	}, nil
}

// --- Snapshot / Restore ---

// BookSnapshot is a deep copy of the book used for operation rollback.
type BookSnapshot struct {
	Orders  map[PositionKey]*LPPosition
	Markets map[string]MarketLiquiditySnapshot
}

type MarketLiquiditySnapshot struct {
	TotalLiquidity *big.Int
	FeeIndex       *big.Int
}

// Snapshot deep-copies the book state.
func (lb *LiquidityBook) Snapshot() *BookSnapshot {
	snap := &BookSnapshot{
		Orders:  make(map[PositionKey]*LPPosition, len(lb.orders)),
		Markets: make(map[string]MarketLiquiditySnapshot, len(lb.markets)),
	}
	for k, pos := range lb.orders {
		snap.Orders[k] = pos.Clone()
	}
	for name, ml := range lb.markets {
		snap.Markets[name] = MarketLiquiditySnapshot{
			TotalLiquidity: fpmath.Clone(ml.totalLiquidity),
			FeeIndex:       fpmath.Clone(ml.feeIndex),
		}
	}
	return snap
}

// Restore replaces the book state with a snapshot's contents.
func (lb *LiquidityBook) Restore(snap *BookSnapshot) {
	lb.orders = make(map[PositionKey]*LPPosition, len(snap.Orders))
	for k, pos := range snap.Orders {
		lb.orders[k] = pos.Clone()
	}
	lb.markets = make(map[string]*marketLiquidity, len(snap.Markets))
	for name, ms := range snap.Markets {
		lb.markets[name] = &marketLiquidity{
			totalLiquidity: fpmath.Clone(ms.TotalLiquidity),
			feeIndex:       fpmath.Clone(ms.FeeIndex),
		}
	}
}

package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"ClearingHouse/internal/event"
	fpmath "ClearingHouse/internal/math"
	"ClearingHouse/internal/observability"
	"ClearingHouse/internal/state"

	"github.com/google/uuid"
)

// ClearingHouse sequences every accounting operation: settle funding, execute
// the swap or liquidity action, commit ledger deltas, validate margin, emit a
// change event. One mutex serializes all mutating operations; within an
// operation the state is staged against a deep snapshot and restored wholesale
// when any post-mutation check fails, so no operation ever partially applies.
type ClearingHouse struct {
	mu       sync.Mutex
	sequence int64
	hasher   *StateHasher

	ledger *state.AccountLedger
	book   *state.LiquidityBook
	growth *state.GrowthStore
	risk   *state.RiskConfig

	vault  Vault
	swap   SwapEngine
	prices PriceFeed
	clock  Clock

	metrics *observability.Metrics

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput
}

// CoreOutput is one applied operation's outbound record.
type CoreOutput struct {
	Envelope   *event.EventEnvelope
	Event      event.Event
	StateDelta []byte
}

func NewClearingHouse(
	startSequence int64,
	curve state.CurveEngine,
	risk *state.RiskConfig,
	vault Vault,
	swap SwapEngine,
	prices PriceFeed,
	clock Clock,
	persistChan, projectionChan chan<- CoreOutput,
	metrics *observability.Metrics,
) *ClearingHouse {
	ledger := state.NewAccountLedger(risk.MaxMarketsPerAccount())
	book := state.NewLiquidityBook(curve)
	// The ledger refuses to deregister a market while the book still holds
	// an order there.
	ledger.SetOrderSource(book)

	return &ClearingHouse{
		sequence:       startSequence,
		hasher:         NewStateHasher(),
		ledger:         ledger,
		book:           book,
		growth:         state.NewGrowthStore(),
		risk:           risk,
		vault:          vault,
		swap:           swap,
		prices:         prices,
		clock:          clock,
		metrics:        metrics,
		persistChan:    persistChan,
		projectionChan: projectionChan,
	}
}

// --- operation parameters and results ---

type OpenPositionParams struct {
	RequestID     string
	Trader        uuid.UUID
	Market        string
	IsBaseToQuote bool // true: sell base (short direction)
	IsExactInput  bool
	Amount        *big.Int
	Deadline      int64
}

type ClosePositionParams struct {
	RequestID string
	Trader    uuid.UUID
	Market    string
	Deadline  int64
}

type LiquidateParams struct {
	RequestID  string
	Liquidator uuid.UUID
	Trader     uuid.UUID
	Market     string
	Deadline   int64
}

type CancelOpenOrderParams struct {
	RequestID string
	Caller    uuid.UUID
	Maker     uuid.UUID
	Market    string
	Deadline  int64
}

type AddLiquidityParams struct {
	RequestID string
	Maker     uuid.UUID
	Market    string
	Base      *big.Int
	Quote     *big.Int
	Deadline  int64
}

type RemoveLiquidityParams struct {
	RequestID string
	Maker     uuid.UUID
	Market    string
	Liquidity *big.Int
	MinBase   *big.Int
	MinQuote  *big.Int
	Deadline  int64
}

type SettleAllFundingParams struct {
	RequestID string
	Trader    uuid.UUID
	Deadline  int64
}

// PositionChangedResult carries the executed amounts back to the caller.
type PositionChangedResult struct {
	Base  *big.Int
	Quote *big.Int
}

// LiquidityResult carries the settled amounts of an add/remove back to the
// caller.
type LiquidityResult struct {
	Base      *big.Int
	Quote     *big.Int
	Liquidity *big.Int
	Fee       *big.Int
}

// --- snapshot / rollback ---

type engineSnapshot struct {
	ledger *state.LedgerSnapshot
	book   *state.BookSnapshot
	growth map[string]state.GrowthSnapshot
}

func (ch *ClearingHouse) snapshot() *engineSnapshot {
	return &engineSnapshot{
		ledger: ch.ledger.Snapshot(),
		book:   ch.book.Snapshot(),
		growth: ch.growth.Snapshot(),
	}
}

func (ch *ClearingHouse) restore(snap *engineSnapshot) {
	ch.ledger.Restore(snap.ledger)
	ch.book.Restore(snap.book)
	ch.growth.Restore(snap.growth)
}

// --- shared pipeline pieces ---

// checkDeadline runs first and reads no engine state.
func (ch *ClearingHouse) checkDeadline(deadline int64) error {
	if now := ch.clock.Now(); now > deadline {
		return fmt.Errorf("%w: deadline=%d now=%d", ErrDeadlineExceeded, deadline, now)
	}
	return nil
}

// settleFunding advances global growth for the market (idempotent within one
// timestamp), settles the trader's maker-side funding share, then the
// taker-side payment. Snapshots advance even when the payment is zero.
func (ch *ClearingHouse) settleFunding(trader uuid.UUID, market string, now int64) (*big.Int, state.Growth, error) {
	markPrice, err := ch.prices.GetMarkPrice(market)
	if err != nil {
		return nil, state.Growth{}, fmt.Errorf("mark price for %s: %w", market, err)
	}
	indexPrice, err := ch.prices.GetIndexPrice(market)
	if err != nil {
		return nil, state.Growth{}, fmt.Errorf("index price for %s: %w", market, err)
	}

	growth, err := ch.growth.Update(market, now, markPrice, indexPrice, ch.book.FundingWeight(market))
	if err != nil {
		return nil, state.Growth{}, err
	}

	liquidityPayment := ch.book.UpdateFundingGrowthAndLiquidityFundingPayment(trader, market, growth)
	payment := ch.ledger.SettleFunding(trader, market, growth, liquidityPayment)
	return payment, growth, nil
}

// accountValue = collateral + owedRealizedPnl - pendingFundingPayment
// + unrealizedPnl + pendingLpFee. Read-only: uses the view twins so it never
// advances snapshots.
func (ch *ClearingHouse) accountValue(trader uuid.UUID) (*big.Int, error) {
	value, err := ch.vault.GetBalance(trader)
	if err != nil {
		return nil, fmt.Errorf("vault balance: %w", err)
	}
	value = fpmath.Clone(value)
	value.Add(value, ch.ledger.GetOwedRealizedPnl(trader))

	for _, market := range ch.ledger.GetAccountMarkets(trader) {
		growth := ch.growth.Current(market)
		liquidityPayment := ch.book.GetLiquidityFundingPayment(trader, market, growth)
		pending := ch.ledger.GetPendingFundingPayment(trader, market, growth, liquidityPayment)
		value.Sub(value, pending)
		value.Add(value, ch.book.GetPendingFee(trader, market))
	}

	unrealized, err := ch.ledger.GetTotalUnrealizedPnl(trader, ch.prices)
	if err != nil {
		return nil, err
	}
	value.Add(value, unrealized)
	return value, nil
}

// isLiquidatable reports accountValue < marginRequirementForLiquidation.
func (ch *ClearingHouse) isLiquidatable(trader uuid.UUID) (bool, error) {
	value, err := ch.accountValue(trader)
	if err != nil {
		return false, err
	}
	requirement, err := ch.ledger.GetMarginRequirementForLiquidation(trader, ch.risk, ch.prices)
	if err != nil {
		return false, err
	}
	return value.Cmp(requirement) < 0, nil
}

// routeFee splits a trading fee between the maker fee index and the
// insurance fund. When the market has no live liquidity the insurance fund
// absorbs the maker share.
func (ch *ClearingHouse) routeFee(market string, fee, insuranceFee *big.Int) {
	makerFee := new(big.Int).Sub(fee, insuranceFee)
	toInsurance := fpmath.Clone(insuranceFee)

	if makerFee.Sign() > 0 {
		if err := ch.book.AccrueFee(market, makerFee); err != nil {
			toInsurance.Add(toInsurance, makerFee)
		}
	}
	if toInsurance.Sign() > 0 {
		ch.ledger.AddInsuranceFundFee(toInsurance)
	}
}

// --- operations ---

// OpenPosition executes a taker trade through the standard pipeline.
func (ch *ClearingHouse) OpenPosition(params OpenPositionParams) (*PositionChangedResult, error) {
	if err := ch.checkDeadline(params.Deadline); err != nil {
		return nil, err
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.openPositionLocked(params, false)
}

// OpenPositionFor is the delegated-execution entry: caller executes the
// trade on the trader's behalf. Accounting is identical to OpenPosition; the
// caller is recorded on the operation key for the audit trail.
func (ch *ClearingHouse) OpenPositionFor(caller uuid.UUID, params OpenPositionParams) (*PositionChangedResult, error) {
	if err := ch.checkDeadline(params.Deadline); err != nil {
		return nil, err
	}
	if params.RequestID == "" {
		params.RequestID = uuid.New().String()
	}
	params.RequestID = fmt.Sprintf("%s:for:%s", params.RequestID, caller)

	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.openPositionLocked(params, false)
}

// ClosePosition forces a full close: direction inferred from the position
// sign, amount equal to the absolute position size.
func (ch *ClearingHouse) ClosePosition(params ClosePositionParams) (*PositionChangedResult, error) {
	if err := ch.checkDeadline(params.Deadline); err != nil {
		return nil, err
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()

	size := ch.ledger.GetTakerPositionSize(params.Trader, params.Market)
	if size.Sign() == 0 {
		return nil, fmt.Errorf("%w: trader %s in %s", ErrZeroPosition, params.Trader, params.Market)
	}

	return ch.openPositionLocked(OpenPositionParams{
		RequestID:     params.RequestID,
		Trader:        params.Trader,
		Market:        params.Market,
		IsBaseToQuote: size.Sign() > 0, // long closes by selling base
		IsExactInput:  true,
		Amount:        fpmath.Abs(size),
		Deadline:      params.Deadline,
	}, true)
}

func (ch *ClearingHouse) openPositionLocked(params OpenPositionParams, isClose bool) (*PositionChangedResult, error) {
	start := time.Now()
	now := ch.clock.Now()
	snap := ch.snapshot()

	result, err := ch.executeOpen(params, isClose, now)
	if err != nil {
		ch.restore(snap)
		ch.recordRejected("open_position", err)
		return nil, err
	}

	ch.recordApplied("open_position", start)
	return result, nil
}

func (ch *ClearingHouse) executeOpen(params OpenPositionParams, isClose bool, now int64) (*PositionChangedResult, error) {
	trader := params.Trader
	market := params.Market

	if err := ch.ledger.RegisterMarket(trader, market); err != nil {
		return nil, err
	}
	if _, _, err := ch.settleFunding(trader, market, now); err != nil {
		return nil, err
	}

	oldSize := ch.ledger.GetTakerPositionSize(trader, market)

	resp, err := ch.swap.Swap(SwapParams{
		Trader:        trader,
		Market:        market,
		IsBaseToQuote: params.IsBaseToQuote,
		IsExactInput:  params.IsExactInput,
		Amount:        params.Amount,
		IsClose:       isClose,
	})
	if err != nil {
		return nil, fmt.Errorf("swap in %s: %w", market, err)
	}

	newSize, _ := ch.ledger.ModifyTakerBalance(trader, market, resp.ExchangedPositionSize, resp.ExchangedPositionNotional)

	ch.ledger.ModifyOwedRealizedPnl(trader, fpmath.Neg(resp.Fee))
	ch.routeFee(market, resp.Fee, resp.InsuranceFundFee)

	realized := resp.PnlToBeRealized.Sign() != 0
	if realized {
		ch.ledger.SettleQuoteToOwedRealizedPnl(trader, market, resp.PnlToBeRealized)

		// A trade that just realized PnL must not finalize negative equity.
		value, err := ch.accountValue(trader)
		if err != nil {
			return nil, err
		}
		if value.Sign() < 0 {
			return nil, fmt.Errorf("%w: trader %s value %s", ErrBadDebt, trader, value)
		}
	}

	// Reducing trades skip the initial-margin check: they can only lower
	// exposure. Everything else must leave free collateral non-negative.
	if !ch.isReducing(oldSize, resp.ExchangedPositionSize) {
		free, err := ch.vault.GetFreeCollateralByRatio(trader, ch.risk.Params(market).IMRatio)
		if err != nil {
			return nil, fmt.Errorf("free collateral: %w", err)
		}
		if free.Sign() < 0 {
			return nil, fmt.Errorf("%w: trader %s", ErrNotEnoughFreeCollateral, trader)
		}
	}

	if newSize.Sign() == 0 {
		ch.ledger.DeregisterMarket(trader, market)
	}

	ch.emit(params.RequestID, &event.PositionChanged{
		Trader:                    trader,
		Market:                    market,
		ExchangedPositionSize:     resp.ExchangedPositionSize,
		ExchangedPositionNotional: resp.ExchangedPositionNotional,
		Fee:                       resp.Fee,
		OpenNotional:              ch.ledger.GetTakerOpenNotional(trader, market),
		RealizedPnl:               resp.PnlToBeRealized,
	}, now)

	return &PositionChangedResult{Base: resp.Base, Quote: resp.Quote}, nil
}

// isReducing: the trade moved against an existing position without flipping
// it. Flips count as opening because they create fresh exposure.
func (ch *ClearingHouse) isReducing(oldSize, exchangedSize *big.Int) bool {
	if oldSize.Sign() == 0 || exchangedSize.Sign() == 0 {
		return false
	}
	if oldSize.Sign() == exchangedSize.Sign() {
		return false
	}
	return fpmath.Abs(exchangedSize).Cmp(fpmath.Abs(oldSize)) <= 0
}

// Liquidate force-closes an undermargined trader's position. The penalty is
// debited from the trader and credited to the liquidator through the same
// owedRealizedPnl funnel as every other transfer. Only a backstop liquidity
// provider may complete a liquidation that realizes bad debt.
func (ch *ClearingHouse) Liquidate(params LiquidateParams) (*PositionChangedResult, error) {
	if err := ch.checkDeadline(params.Deadline); err != nil {
		return nil, err
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()

	start := time.Now()
	now := ch.clock.Now()
	snap := ch.snapshot()

	result, err := ch.executeLiquidate(params, now)
	if err != nil {
		ch.restore(snap)
		ch.recordRejected("liquidate", err)
		return nil, err
	}

	ch.recordApplied("liquidate", start)
	return result, nil
}

func (ch *ClearingHouse) executeLiquidate(params LiquidateParams, now int64) (*PositionChangedResult, error) {
	trader := params.Trader
	market := params.Market

	if ch.book.HasOpenOrder(trader, market) {
		return nil, fmt.Errorf("%w: trader %s in %s", ErrOpenOrdersExist, trader, market)
	}

	if _, _, err := ch.settleFunding(trader, market, now); err != nil {
		return nil, err
	}

	liquidatable, err := ch.isLiquidatable(trader)
	if err != nil {
		return nil, err
	}
	if !liquidatable {
		return nil, fmt.Errorf("%w: trader %s", ErrSufficientMargin, trader)
	}

	size := ch.ledger.GetTakerPositionSize(trader, market)
	if size.Sign() == 0 {
		return nil, fmt.Errorf("%w: trader %s in %s", ErrZeroPosition, trader, market)
	}

	resp, err := ch.swap.Swap(SwapParams{
		Trader:        trader,
		Market:        market,
		IsBaseToQuote: size.Sign() > 0,
		IsExactInput:  true,
		Amount:        fpmath.Abs(size),
		IsClose:       true,
	})
	if err != nil {
		return nil, fmt.Errorf("forced close in %s: %w", market, err)
	}

	ch.ledger.ModifyTakerBalance(trader, market, resp.ExchangedPositionSize, resp.ExchangedPositionNotional)
	ch.ledger.ModifyOwedRealizedPnl(trader, fpmath.Neg(resp.Fee))
	ch.routeFee(market, resp.Fee, resp.InsuranceFundFee)

	if resp.PnlToBeRealized.Sign() != 0 {
		ch.ledger.SettleQuoteToOwedRealizedPnl(trader, market, resp.PnlToBeRealized)
	}

	// Penalty on the closed notional, trader pays liquidator.
	penalty := fpmath.MulRatio(fpmath.Abs(resp.ExchangedPositionNotional), ch.risk.Params(market).LiquidationPenaltyRatio)
	ch.ledger.ModifyOwedRealizedPnl(trader, fpmath.Neg(penalty))
	ch.ledger.ModifyOwedRealizedPnl(params.Liquidator, penalty)

	isBackstop := ch.risk.IsBackstopProvider(params.Liquidator)
	value, err := ch.accountValue(trader)
	if err != nil {
		return nil, err
	}
	if value.Sign() < 0 && !isBackstop {
		return nil, fmt.Errorf("%w: trader %s value %s after forced close", ErrBadDebt, trader, value)
	}

	ch.ledger.DeregisterMarket(trader, market)

	ch.emit(params.RequestID, &event.PositionLiquidated{
		Trader:         trader,
		Liquidator:     params.Liquidator,
		Market:         market,
		ClosedSize:     resp.ExchangedPositionSize,
		ClosedNotional: resp.ExchangedPositionNotional,
		Penalty:        penalty,
		IsBackstop:     isBackstop,
	}, now)

	return &PositionChangedResult{Base: resp.Base, Quote: resp.Quote}, nil
}

// CancelOpenOrder force-removes a maker's order without minimum-output
// protection. Permitted only when the maker is short of free collateral at
// the maintenance ratio or outright liquidatable: this is a risk-reduction
// unwind, not a voluntary exit.
func (ch *ClearingHouse) CancelOpenOrder(params CancelOpenOrderParams) error {
	if err := ch.checkDeadline(params.Deadline); err != nil {
		return err
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()

	start := time.Now()
	now := ch.clock.Now()
	snap := ch.snapshot()

	if err := ch.executeCancelOpenOrder(params, now); err != nil {
		ch.restore(snap)
		ch.recordRejected("cancel_open_order", err)
		return err
	}

	ch.recordApplied("cancel_open_order", start)
	return nil
}

func (ch *ClearingHouse) executeCancelOpenOrder(params CancelOpenOrderParams, now int64) error {
	maker := params.Maker
	market := params.Market

	if !ch.book.HasOpenOrder(maker, market) {
		return fmt.Errorf("no open order for maker %s in %s", maker, market)
	}

	free, err := ch.vault.GetFreeCollateralByRatio(maker, ch.risk.Params(market).MMRatio)
	if err != nil {
		return fmt.Errorf("free collateral: %w", err)
	}
	if free.Sign() >= 0 {
		liquidatable, err := ch.isLiquidatable(maker)
		if err != nil {
			return err
		}
		if !liquidatable {
			return fmt.Errorf("%w: maker %s in %s", ErrNotExcessOrders, maker, market)
		}
	}

	_, growth, err := ch.settleFunding(maker, market, now)
	if err != nil {
		return err
	}

	liquidity := ch.book.GetLiquidity(maker, market)
	removed, err := ch.book.RemoveLiquidity(maker, market, liquidity, new(big.Int), new(big.Int), growth)
	if err != nil {
		return err
	}

	realizedPnl, err := ch.realizeLiquidityPnl(maker, market, removed)
	if err != nil {
		return err
	}
	ch.ledger.SettleBalanceAndDeregister(maker, market, removed.TakerBase, removed.TakerQuote, realizedPnl, removed.Fee)

	ch.emit(params.RequestID, &event.OrderCanceled{
		Maker:     maker,
		Caller:    params.Caller,
		Market:    market,
		Base:      removed.Base,
		Quote:     removed.Quote,
		Liquidity: liquidity,
	}, now)

	return nil
}

// AddLiquidity registers the maker, settles funding, mints liquidity, and
// validates the maker's initial margin afterwards.
func (ch *ClearingHouse) AddLiquidity(params AddLiquidityParams) (*LiquidityResult, error) {
	if err := ch.checkDeadline(params.Deadline); err != nil {
		return nil, err
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()

	start := time.Now()
	now := ch.clock.Now()
	snap := ch.snapshot()

	result, err := ch.executeAddLiquidity(params, now)
	if err != nil {
		ch.restore(snap)
		ch.recordRejected("add_liquidity", err)
		return nil, err
	}

	ch.recordApplied("add_liquidity", start)
	return result, nil
}

func (ch *ClearingHouse) executeAddLiquidity(params AddLiquidityParams, now int64) (*LiquidityResult, error) {
	maker := params.Maker
	market := params.Market

	if err := ch.ledger.RegisterMarket(maker, market); err != nil {
		return nil, err
	}
	_, growth, err := ch.settleFunding(maker, market, now)
	if err != nil {
		return nil, err
	}

	added, err := ch.book.AddLiquidity(maker, market, params.Base, params.Quote, growth)
	if err != nil {
		return nil, err
	}

	// Fee accrued since the last interaction is credited now; the funding
	// share was already settled above so added.LiquidityFundingPayment is
	// zero by construction.
	ch.ledger.ModifyOwedRealizedPnl(maker, added.Fee)

	free, err := ch.vault.GetFreeCollateralByRatio(maker, ch.risk.Params(market).IMRatio)
	if err != nil {
		return nil, fmt.Errorf("free collateral: %w", err)
	}
	if free.Sign() < 0 {
		return nil, fmt.Errorf("%w: maker %s", ErrNotEnoughFreeCollateral, maker)
	}

	ch.emit(params.RequestID, &event.LiquidityChanged{
		Maker:       maker,
		Market:      market,
		Base:        added.Base,
		Quote:       added.Quote,
		Liquidity:   added.Liquidity,
		Fee:         added.Fee,
		RealizedPnl: new(big.Int),
	}, now)

	return &LiquidityResult{
		Base:      added.Base,
		Quote:     added.Quote,
		Liquidity: added.Liquidity,
		Fee:       added.Fee,
	}, nil
}

// RemoveLiquidity burns liquidity under the maker's slippage bounds and
// settles the residual taker exposure through the ledger.
func (ch *ClearingHouse) RemoveLiquidity(params RemoveLiquidityParams) (*LiquidityResult, error) {
	if err := ch.checkDeadline(params.Deadline); err != nil {
		return nil, err
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()

	start := time.Now()
	now := ch.clock.Now()
	snap := ch.snapshot()

	result, err := ch.executeRemoveLiquidity(params, now)
	if err != nil {
		ch.restore(snap)
		ch.recordRejected("remove_liquidity", err)
		return nil, err
	}

	ch.recordApplied("remove_liquidity", start)
	return result, nil
}

func (ch *ClearingHouse) executeRemoveLiquidity(params RemoveLiquidityParams, now int64) (*LiquidityResult, error) {
	maker := params.Maker
	market := params.Market

	_, growth, err := ch.settleFunding(maker, market, now)
	if err != nil {
		return nil, err
	}

	removed, err := ch.book.RemoveLiquidity(maker, market, params.Liquidity, params.MinBase, params.MinQuote, growth)
	if err != nil {
		return nil, err
	}

	realizedPnl, err := ch.realizeLiquidityPnl(maker, market, removed)
	if err != nil {
		return nil, err
	}
	ch.ledger.SettleBalanceAndDeregister(maker, market, removed.TakerBase, removed.TakerQuote, realizedPnl, removed.Fee)

	ch.emit(params.RequestID, &event.LiquidityChanged{
		Maker:       maker,
		Market:      market,
		Base:        removed.Base,
		Quote:       removed.Quote,
		Liquidity:   fpmath.Neg(params.Liquidity),
		Fee:         removed.Fee,
		RealizedPnl: realizedPnl,
	}, now)

	return &LiquidityResult{
		Base:      removed.Base,
		Quote:     removed.Quote,
		Liquidity: fpmath.Clone(params.Liquidity),
		Fee:       removed.Fee,
	}, nil
}

// realizeLiquidityPnl prices the realized quote of a removal's residual
// taker delta. A zero-base removal realizes nothing, matching the upstream
// accounting even though it may under-realize fee-only PnL on asymmetric
// removals.
func (ch *ClearingHouse) realizeLiquidityPnl(maker uuid.UUID, market string, removed *state.RemoveLiquidityResult) (*big.Int, error) {
	if removed.TakerBase.Sign() == 0 {
		return new(big.Int), nil
	}
	realized, err := ch.swap.GetPnlToBeRealized(maker, market, removed.TakerBase, removed.TakerQuote)
	if err != nil {
		return nil, fmt.Errorf("realize removal pnl in %s: %w", market, err)
	}
	return realized, nil
}

// SettleAllFunding settles pending funding for every market the trader is
// active in. Emits one FundingSettled event per touched market, zero
// payments included, so the durable dedup index always sees the operation
// key once any market was settled.
func (ch *ClearingHouse) SettleAllFunding(params SettleAllFundingParams) error {
	if err := ch.checkDeadline(params.Deadline); err != nil {
		return err
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()

	start := time.Now()
	now := ch.clock.Now()
	snap := ch.snapshot()

	for _, market := range ch.ledger.GetAccountMarkets(params.Trader) {
		payment, growth, err := ch.settleFunding(params.Trader, market, now)
		if err != nil {
			ch.restore(snap)
			ch.recordRejected("settle_all_funding", err)
			return err
		}
		ch.emit(params.RequestID, &event.FundingSettled{
			Trader:    params.Trader,
			Market:    market,
			Payment:   payment,
			TwPremium: growth.TwPremium,
		}, now)
	}

	ch.recordApplied("settle_all_funding", start)
	return nil
}

// --- read-only surface ---

// GetAccountValue is the public read-only valuation.
func (ch *ClearingHouse) GetAccountValue(trader uuid.UUID) (*big.Int, error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.accountValue(trader)
}

// GetOwedRealizedPnl returns the trader's realized accumulator.
func (ch *ClearingHouse) GetOwedRealizedPnl(trader uuid.UUID) *big.Int {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.ledger.GetOwedRealizedPnl(trader)
}

// GetTakerPosition returns copies of the trader's position size and open
// notional in a market.
func (ch *ClearingHouse) GetTakerPosition(trader uuid.UUID, market string) (*big.Int, *big.Int) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.ledger.GetTakerPositionSize(trader, market), ch.ledger.GetTakerOpenNotional(trader, market)
}

// GetOpenOrder returns the maker's liquidity and pending fee in a market.
func (ch *ClearingHouse) GetOpenOrder(maker uuid.UUID, market string) (*big.Int, *big.Int) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.book.GetLiquidity(maker, market), ch.book.GetPendingFee(maker, market)
}

// Ledger exposes the account ledger to collaborators that price against
// live positions (vault margin checks, swap PnL). Collaborators run inside
// the engine's operation lock, so reads through this handle are race-free;
// nothing outside an operation may touch it.
func (ch *ClearingHouse) Ledger() *state.AccountLedger {
	return ch.ledger
}

// GetAccountMarkets returns the markets the trader is registered in.
func (ch *ClearingHouse) GetAccountMarkets(trader uuid.UUID) []string {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.ledger.GetAccountMarkets(trader)
}

// GetMarginRequirement returns the maintenance margin requirement used by
// the liquidation check.
func (ch *ClearingHouse) GetMarginRequirement(trader uuid.UUID) (*big.Int, error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.ledger.GetMarginRequirementForLiquidation(trader, ch.risk, ch.prices)
}

// IsLiquidatable is the public read-only liquidation check.
func (ch *ClearingHouse) IsLiquidatable(trader uuid.UUID) (bool, error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.isLiquidatable(trader)
}

// GetInsuranceFund returns the insurance fund balance.
func (ch *ClearingHouse) GetInsuranceFund() *big.Int {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.ledger.GetInsuranceFund()
}

// GetSequence returns the current global sequence number.
func (ch *ClearingHouse) GetSequence() int64 {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.sequence
}

// GetStateHash returns the current state hash (chain tip).
func (ch *ClearingHouse) GetStateHash() [32]byte {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.hasher.GetPrevHash()
}

// --- state export for snapshots ---

// EngineState is the full serializable engine state at a sequence boundary.
// Used by the snapshot manager for warm restarts.
type EngineState struct {
	Sequence  int64
	StateHash [32]byte
	Ledger    *state.LedgerSnapshot
	Book      *state.BookSnapshot
	Growth    map[string]state.GrowthSnapshot
}

// ExportState deep-copies the engine state for snapshotting.
func (ch *ClearingHouse) ExportState() *EngineState {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return &EngineState{
		Sequence:  ch.sequence,
		StateHash: ch.hasher.GetPrevHash(),
		Ledger:    ch.ledger.Snapshot(),
		Book:      ch.book.Snapshot(),
		Growth:    ch.growth.Snapshot(),
	}
}

// ImportState replaces the engine state wholesale. Only valid during
// startup, before the engine serves operations.
func (ch *ClearingHouse) ImportState(st *EngineState) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.sequence = st.Sequence
	ch.hasher.SetPrevHash(st.StateHash)
	ch.ledger.Restore(st.Ledger)
	ch.book.Restore(st.Book)
	ch.growth.Restore(st.Growth)
}

// --- event emission ---

func (ch *ClearingHouse) emit(requestID string, evt event.Event, now int64) {
	if requestID == "" {
		requestID = uuid.New().String()
	}

	payload, err := json.Marshal(evt)
	if err != nil {
		panic(fmt.Sprintf("FATAL: marshal %s payload: %v", evt.EventType(), err))
	}

	digest := ch.computeStateDigest()
	prevHash := ch.hasher.GetPrevHash()
	seq := ch.sequence
	ch.sequence++
	stateHash := ch.hasher.ComputeHash(seq, digest)

	output := CoreOutput{
		Envelope: &event.EventEnvelope{
			Sequence:     seq,
			OperationKey: requestID,
			EventType:    evt.EventType(),
			MarketID:     evt.MarketID(),
			Timestamp:    time.Unix(now, 0).UTC(),
			Payload:      payload,
			StateHash:    stateHash,
			PrevHash:     prevHash,
		},
		Event:      evt,
		StateDelta: digest,
	}

	// Persistence: blocking send — the engine stalls until the persistence
	// worker drains. This guarantees no event is lost.
	if ch.persistChan != nil {
		ch.persistChan <- output
	}

	// Projections: non-blocking send — drop on full. Projection workers
	// rebuild from the event log if they fall behind.
	if ch.projectionChan != nil {
		select {
		case ch.projectionChan <- output:
		default:
		}
	}

	if ch.metrics != nil {
		ch.metrics.EngineSequence.Set(float64(ch.sequence))
	}
}

// computeStateDigest builds canonical bytes over the full accounting state:
// positions, owed PnL, account indexes, and the insurance fund, in sorted
// order. Feeds the state hash chain.
func (ch *ClearingHouse) computeStateDigest() []byte {
	snap := ch.ledger.Snapshot()

	positionKeys := make([]state.PositionKey, 0, len(snap.Positions))
	for key := range snap.Positions {
		positionKeys = append(positionKeys, key)
	}
	sort.Slice(positionKeys, func(i, j int) bool {
		if positionKeys[i].Trader != positionKeys[j].Trader {
			return positionKeys[i].Trader.String() < positionKeys[j].Trader.String()
		}
		return positionKeys[i].Market < positionKeys[j].Market
	})

	traders := make([]uuid.UUID, 0, len(snap.OwedRealizedPnl))
	for trader := range snap.OwedRealizedPnl {
		traders = append(traders, trader)
	}
	sort.Slice(traders, func(i, j int) bool {
		return traders[i].String() < traders[j].String()
	})

	digest := make([]byte, 0, len(positionKeys)*96+len(traders)*48)
	for _, key := range positionKeys {
		pos := snap.Positions[key]
		digest = append(digest, key.Trader[:]...)
		digest = append(digest, byte(len(key.Market)))
		digest = append(digest, []byte(key.Market)...)
		digest = appendBigInt(digest, pos.PositionSize)
		digest = appendBigInt(digest, pos.OpenNotional)
		digest = appendBigInt(digest, pos.LastTwPremiumGrowthGlobal)
	}
	for _, trader := range traders {
		digest = append(digest, trader[:]...)
		digest = appendBigInt(digest, snap.OwedRealizedPnl[trader])
	}
	digest = appendBigInt(digest, snap.InsuranceFund)

	return digest
}

// appendBigInt encodes sign byte, magnitude length, magnitude bytes.
func appendBigInt(buf []byte, v *big.Int) []byte {
	mag := v.Bytes()
	buf = append(buf, byte(v.Sign()+1), byte(len(mag)))
	return append(buf, mag...)
}

// --- metrics helpers ---

func (ch *ClearingHouse) recordApplied(op string, start time.Time) {
	if ch.metrics == nil {
		return
	}
	ch.metrics.OpsApplied.WithLabelValues(op).Inc()
	ch.metrics.OpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (ch *ClearingHouse) recordRejected(op string, err error) {
	if ch.metrics == nil {
		return
	}
	ch.metrics.OpsRejected.WithLabelValues(op, rejectReason(err)).Inc()
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrDeadlineExceeded):
		return "deadline"
	case errors.Is(err, state.ErrSlippageExceeded):
		return "slippage"
	case errors.Is(err, ErrNotEnoughFreeCollateral):
		return "margin"
	case errors.Is(err, ErrSufficientMargin):
		return "sufficient_margin"
	case errors.Is(err, ErrBadDebt):
		return "bad_debt"
	case errors.Is(err, ErrZeroPosition):
		return "zero_position"
	case errors.Is(err, ErrOpenOrdersExist):
		return "open_orders"
	case errors.Is(err, ErrNotExcessOrders):
		return "not_excess_orders"
	case errors.Is(err, state.ErrTooManyMarkets):
		return "too_many_markets"
	default:
		return "other"
	}
}

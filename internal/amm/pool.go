// Package amm is the reference swap collaborator: a virtual
// constant-product curve per market. Price discovery runs against seeded
// virtual reserves; maker deposits are tracked as share inventory and do
// not move the curve (depth is operator-configured).
package amm

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/google/uuid"

	"ClearingHouse/internal/core"
	fpmath "ClearingHouse/internal/math"
)

var (
	// ErrUnknownMarket is returned for swaps and mints against a market the
	// pool was never seeded with.
	ErrUnknownMarket = errors.New("unknown market")

	// ErrZeroSwapAmount rejects empty trades before they touch reserves.
	ErrZeroSwapAmount = errors.New("zero swap amount")

	// ErrInsufficientDepth is returned when an exact-output swap asks for
	// more than the virtual reserves hold.
	ErrInsufficientDepth = errors.New("insufficient pool depth")
)

// PositionSource is the position view used to price realized PnL.
// Satisfied by the engine's account ledger.
type PositionSource interface {
	GetTakerPositionSize(trader uuid.UUID, market string) *big.Int
	GetTakerOpenNotional(trader uuid.UUID, market string) *big.Int
}

type marketPool struct {
	baseReserve  *big.Int
	quoteReserve *big.Int

	depositBase  *big.Int
	depositQuote *big.Int
	totalShares  *big.Int
}

// Pool implements the swap and curve collaborators over virtual reserves.
// All amounts carry 18 decimals; fee ratios carry 6.
type Pool struct {
	mu                sync.RWMutex
	markets           map[string]*marketPool
	feeRatio          int64
	insuranceFeeRatio int64
	positions         PositionSource
}

func NewPool(feeRatio, insuranceFeeRatio int64) *Pool {
	return &Pool{
		markets:           make(map[string]*marketPool),
		feeRatio:          feeRatio,
		insuranceFeeRatio: insuranceFeeRatio,
	}
}

// Bind wires the position view used for realized-PnL pricing. Set once at
// startup, before the engine serves operations.
func (p *Pool) Bind(positions PositionSource) {
	p.positions = positions
}

// EnsureMarket seeds a market's virtual reserves at the given price and
// base depth. Idempotent: an already-seeded market is left untouched.
func (p *Pool) EnsureMarket(market string, price, baseDepth *big.Int) error {
	if price.Sign() <= 0 || baseDepth.Sign() <= 0 {
		return fmt.Errorf("seed %s: price and depth must be positive", market)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.markets[market]; ok {
		return nil
	}

	quoteReserve, err := fpmath.MulDiv(baseDepth, price, fpmath.One)
	if err != nil {
		return fmt.Errorf("seed %s: %w", market, err)
	}
	p.markets[market] = &marketPool{
		baseReserve:  fpmath.Clone(baseDepth),
		quoteReserve: quoteReserve,
		depositBase:  new(big.Int),
		depositQuote: new(big.Int),
		totalShares:  new(big.Int),
	}
	return nil
}

// Markets returns the seeded market names.
func (p *Pool) Markets() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, 0, len(p.markets))
	for name := range p.markets {
		names = append(names, name)
	}
	return names
}

// GetMarkPrice returns the instantaneous curve price, quote per base.
func (p *Pool) GetMarkPrice(market string) (*big.Int, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	mp, ok := p.markets[market]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMarket, market)
	}
	return fpmath.MulDiv(mp.quoteReserve, fpmath.One, mp.baseReserve)
}

// --- core.SwapEngine ---

// Swap executes a taker trade against the virtual reserves.
func (p *Pool) Swap(params core.SwapParams) (*core.SwapResponse, error) {
	if params.Amount == nil || params.Amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: %s in %s", ErrZeroSwapAmount, params.Trader, params.Market)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	mp, ok := p.markets[params.Market]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMarket, params.Market)
	}

	base, quote, err := swapAmounts(mp, params.IsBaseToQuote, params.IsExactInput, params.Amount)
	if err != nil {
		return nil, err
	}

	size := fpmath.Clone(base)
	notional := fpmath.Clone(quote)
	if params.IsBaseToQuote {
		// Selling base: position shrinks, quote comes in.
		size.Neg(size)
		mp.baseReserve.Add(mp.baseReserve, base)
		mp.quoteReserve.Sub(mp.quoteReserve, quote)
	} else {
		notional.Neg(notional)
		mp.baseReserve.Sub(mp.baseReserve, base)
		mp.quoteReserve.Add(mp.quoteReserve, quote)
	}

	fee := fpmath.MulRatio(quote, p.feeRatio)

	pnl, err := p.pnlToBeRealizedLocked(params.Trader, params.Market, size, notional)
	if err != nil {
		return nil, err
	}

	return &core.SwapResponse{
		Base:                      base,
		Quote:                     quote,
		ExchangedPositionSize:     size,
		ExchangedPositionNotional: notional,
		Fee:                       fee,
		InsuranceFundFee:          fpmath.MulRatio(fee, p.insuranceFeeRatio),
		PnlToBeRealized:           pnl,
	}, nil
}

func swapAmounts(mp *marketPool, isBaseToQuote, isExactInput bool, amount *big.Int) (base, quote *big.Int, err error) {
	switch {
	case isBaseToQuote && isExactInput:
		// Sell `amount` base for quote.
		base = fpmath.Clone(amount)
		denom := new(big.Int).Add(mp.baseReserve, base)
		quote, err = fpmath.MulDiv(mp.quoteReserve, base, denom)

	case isBaseToQuote && !isExactInput:
		// Sell base for exactly `amount` quote.
		if amount.Cmp(mp.quoteReserve) >= 0 {
			return nil, nil, fmt.Errorf("%w: quote out %s >= reserve %s", ErrInsufficientDepth, amount, mp.quoteReserve)
		}
		quote = fpmath.Clone(amount)
		denom := new(big.Int).Sub(mp.quoteReserve, quote)
		base, err = fpmath.MulDiv(mp.baseReserve, quote, denom)

	case !isBaseToQuote && isExactInput:
		// Spend `amount` quote on base.
		quote = fpmath.Clone(amount)
		denom := new(big.Int).Add(mp.quoteReserve, quote)
		base, err = fpmath.MulDiv(mp.baseReserve, quote, denom)

	default:
		// Spend quote on exactly `amount` base.
		if amount.Cmp(mp.baseReserve) >= 0 {
			return nil, nil, fmt.Errorf("%w: base out %s >= reserve %s", ErrInsufficientDepth, amount, mp.baseReserve)
		}
		base = fpmath.Clone(amount)
		denom := new(big.Int).Sub(mp.baseReserve, base)
		quote, err = fpmath.MulDiv(mp.quoteReserve, base, denom)
	}
	if err != nil {
		return nil, nil, err
	}
	return base, quote, nil
}

// GetPnlToBeRealized prices the quote realized by applying a signed
// base/quote delta to the trader's existing position.
func (p *Pool) GetPnlToBeRealized(trader uuid.UUID, market string, base, quote *big.Int) (*big.Int, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.pnlToBeRealizedLocked(trader, market, base, quote)
}

func (p *Pool) pnlToBeRealizedLocked(trader uuid.UUID, market string, base, quote *big.Int) (*big.Int, error) {
	if p.positions == nil {
		return new(big.Int), nil
	}
	size := p.positions.GetTakerPositionSize(trader, market)
	if size.Sign() == 0 || base.Sign() == 0 || size.Sign() == base.Sign() {
		// Opening or increasing realizes nothing.
		return new(big.Int), nil
	}

	openNotional := p.positions.GetTakerOpenNotional(trader, market)
	absBase := fpmath.Abs(base)
	absSize := fpmath.Abs(size)

	// Fraction of the position being closed, capped at 1 on reversal.
	closedRatio := fpmath.Clone(fpmath.One)
	if absBase.Cmp(absSize) < 0 {
		var err error
		closedRatio, err = fpmath.MulDiv(absBase, fpmath.One, absSize)
		if err != nil {
			return nil, err
		}
	}

	// On reversal only the closing slice of the trade's quote counts.
	closingQuote := fpmath.Clone(quote)
	if absBase.Cmp(absSize) > 0 {
		tradeRatio, err := fpmath.MulDiv(absSize, fpmath.One, absBase)
		if err != nil {
			return nil, err
		}
		closingQuote, err = fpmath.MulDivSigned(quote, tradeRatio, fpmath.One)
		if err != nil {
			return nil, err
		}
	}

	reducedNotional, err := fpmath.MulDivSigned(openNotional, closedRatio, fpmath.One)
	if err != nil {
		return nil, err
	}
	return closingQuote.Add(closingQuote, reducedNotional), nil
}

// --- state.CurveEngine ---

// Mint values the deposit at the current mark price and issues shares 1:1
// with deposit value in quote terms.
func (p *Pool) Mint(market string, base, quote *big.Int) (*big.Int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	mp, ok := p.markets[market]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMarket, market)
	}

	mark, err := fpmath.MulDiv(mp.quoteReserve, fpmath.One, mp.baseReserve)
	if err != nil {
		return nil, err
	}
	baseValue, err := fpmath.MulDiv(base, mark, fpmath.One)
	if err != nil {
		return nil, err
	}
	minted := new(big.Int).Add(baseValue, quote)

	mp.depositBase.Add(mp.depositBase, base)
	mp.depositQuote.Add(mp.depositQuote, quote)
	mp.totalShares.Add(mp.totalShares, minted)
	return minted, nil
}

// Burn returns the pro-rata slice of the market's deposit inventory.
func (p *Pool) Burn(market string, liquidity *big.Int) (*big.Int, *big.Int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	mp, ok := p.markets[market]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownMarket, market)
	}
	if mp.totalShares.Sign() == 0 || liquidity.Cmp(mp.totalShares) > 0 {
		return nil, nil, fmt.Errorf("burn %s in %s: only %s shares outstanding", liquidity, market, mp.totalShares)
	}

	base, err := fpmath.MulDiv(mp.depositBase, liquidity, mp.totalShares)
	if err != nil {
		return nil, nil, err
	}
	quote, err := fpmath.MulDiv(mp.depositQuote, liquidity, mp.totalShares)
	if err != nil {
		return nil, nil, err
	}

	mp.depositBase.Sub(mp.depositBase, base)
	mp.depositQuote.Sub(mp.depositQuote, quote)
	mp.totalShares.Sub(mp.totalShares, liquidity)
	return base, quote, nil
}

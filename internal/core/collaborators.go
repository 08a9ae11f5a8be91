package core

import (
	"math/big"

	"github.com/google/uuid"
)

// Collaborator interfaces the engine depends on. These are provided by the
// surrounding system; the engine owns accounting, not custody, swap pricing,
// or oracle reads. All amounts carry 18 decimals; ratios carry 6.

// Vault is the collateral custodian.
type Vault interface {
	// GetBalance returns the trader's signed collateral balance.
	GetBalance(trader uuid.UUID) (*big.Int, error)

	// GetFreeCollateralByRatio returns the signed collateral left after
	// reserving margin at the given ratio. Negative means the requirement
	// is not met.
	GetFreeCollateralByRatio(trader uuid.UUID, ratio int64) (*big.Int, error)
}

// SwapParams describes one taker execution request.
type SwapParams struct {
	Trader        uuid.UUID
	Market        string
	IsBaseToQuote bool // true: sell base (short direction)
	IsExactInput  bool
	Amount        *big.Int
	IsClose       bool
}

// SwapResponse carries the deltas produced by one taker execution.
type SwapResponse struct {
	Base                      *big.Int // base amount moved, unsigned
	Quote                     *big.Int // quote amount moved, unsigned
	ExchangedPositionSize     *big.Int // signed delta to apply to positionSize
	ExchangedPositionNotional *big.Int // signed delta to apply to openNotional
	Fee                       *big.Int // total trading fee, unsigned
	InsuranceFundFee          *big.Int // slice of Fee owed to the insurance fund
	PnlToBeRealized           *big.Int // signed quote realized by reducing/closing
}

// SwapEngine is the AMM execution collaborator.
type SwapEngine interface {
	// Swap executes a taker trade and returns the resulting deltas.
	// Zero-amount trades are rejected here, not in the engine.
	Swap(params SwapParams) (*SwapResponse, error)

	// GetPnlToBeRealized prices the realized quote of applying a taker
	// base/quote delta against the trader's existing position.
	GetPnlToBeRealized(trader uuid.UUID, market string, base, quote *big.Int) (*big.Int, error)
}

// PriceFeed supplies mark and index prices. Satisfies state.PriceSource.
type PriceFeed interface {
	GetMarkPrice(market string) (*big.Int, error)
	GetIndexPrice(market string) (*big.Int, error)
}

// Clock supplies the operation timestamp. Injected so deadline checks and
// funding growth are deterministic under test and replay.
type Clock interface {
	Now() int64 // unix seconds
}

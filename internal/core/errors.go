package core

import "errors"

// Operation failures surfaced by the clearing house. Validation errors are
// detected before any mutation; precondition errors are detected after the
// would-be post-state is computed, and the operation's mutations are rolled
// back before the error is returned.
var (
	// ErrDeadlineExceeded: the caller-supplied deadline passed before the
	// operation started. Checked first, read-only.
	ErrDeadlineExceeded = errors.New("transaction deadline exceeded")

	// ErrZeroPosition: close or liquidate on a market where the trader
	// holds no position.
	ErrZeroPosition = errors.New("no position to close")

	// ErrNotEnoughFreeCollateral: the post-trade account fails the initial
	// margin requirement.
	ErrNotEnoughFreeCollateral = errors.New("not enough free collateral")

	// ErrSufficientMargin: liquidation attempted on an account whose value
	// still covers its maintenance margin requirement.
	ErrSufficientMargin = errors.New("account margin is sufficient")

	// ErrOpenOrdersExist: liquidation attempted while the trader still has
	// maker liquidity; orders must be cancelled first.
	ErrOpenOrdersExist = errors.New("open orders exist, cancel them first")

	// ErrNotExcessOrders: cancelOpenOrder on a maker who is neither short of
	// free collateral at maintenance ratio nor liquidatable.
	ErrNotExcessOrders = errors.New("maker has no excess orders")

	// ErrBadDebt: the operation would finalize a negative account value.
	// Only a backstop liquidity provider may force this through, and only
	// on the liquidation path.
	ErrBadDebt = errors.New("operation would realize bad debt")
)

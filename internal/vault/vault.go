// Package vault is the reference collateral custodian. Deposits are held
// in memory and free collateral is priced against the engine's live
// positions; custody of real funds lives outside this service.
package vault

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/google/uuid"

	fpmath "ClearingHouse/internal/math"
	"ClearingHouse/internal/state"
)

var (
	// ErrInsufficientCollateral rejects withdrawals that would leave the
	// account under its initial margin requirement.
	ErrInsufficientCollateral = errors.New("insufficient free collateral")

	// ErrInvalidAmount rejects non-positive deposit and withdrawal amounts.
	ErrInvalidAmount = errors.New("amount must be positive")
)

// MarginSource is the position view used to price free collateral.
// Satisfied by the engine's account ledger; calls made on behalf of the
// engine run under its operation lock.
type MarginSource interface {
	GetAccountMarkets(trader uuid.UUID) []string
	GetTotalPositionValue(trader uuid.UUID, market string, markPrice *big.Int) *big.Int
	GetTotalUnrealizedPnl(trader uuid.UUID, prices state.PriceSource) (*big.Int, error)
	GetOwedRealizedPnl(trader uuid.UUID) *big.Int
}

// CollateralVault tracks deposited quote collateral per trader.
type CollateralVault struct {
	mu       sync.RWMutex
	deposits map[uuid.UUID]*big.Int

	positions MarginSource
	prices    state.PriceSource
}

func NewCollateralVault() *CollateralVault {
	return &CollateralVault{deposits: make(map[uuid.UUID]*big.Int)}
}

// Bind wires the position and price views. Set once at startup, before the
// engine serves operations.
func (v *CollateralVault) Bind(positions MarginSource, prices state.PriceSource) {
	v.positions = positions
	v.prices = prices
}

// Deposit credits collateral to the trader.
func (v *CollateralVault) Deposit(trader uuid.UUID, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("deposit for %s: %w", trader, ErrInvalidAmount)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	balance := v.deposits[trader]
	if balance == nil {
		balance = new(big.Int)
		v.deposits[trader] = balance
	}
	balance.Add(balance, amount)
	return nil
}

// Withdraw debits collateral, refusing to dip below the free collateral at
// the given initial margin ratio.
func (v *CollateralVault) Withdraw(trader uuid.UUID, amount *big.Int, imRatio int64) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("withdraw for %s: %w", trader, ErrInvalidAmount)
	}

	free, err := v.GetFreeCollateralByRatio(trader, imRatio)
	if err != nil {
		return err
	}
	if free.Cmp(amount) < 0 {
		return fmt.Errorf("withdraw %s for %s: %w (free %s)", amount, trader, ErrInsufficientCollateral, free)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	balance := v.deposits[trader]
	if balance == nil || balance.Cmp(amount) < 0 {
		return fmt.Errorf("withdraw %s for %s: %w", amount, trader, ErrInsufficientCollateral)
	}
	balance.Sub(balance, amount)
	return nil
}

// GetBalance returns the trader's deposited collateral. Owed realized PnL
// is deliberately excluded: the engine adds it on top when valuing the
// account, so including it here would count it twice.
func (v *CollateralVault) GetBalance(trader uuid.UUID) (*big.Int, error) {
	return v.deposited(trader), nil
}

// GetFreeCollateralByRatio prices the collateral left after reserving
// margin at the given ratio: min(settled, settled + unrealized) minus
// ratio * total absolute position value. Unrealized profit never frees
// collateral; unrealized loss always binds it.
func (v *CollateralVault) GetFreeCollateralByRatio(trader uuid.UUID, ratio int64) (*big.Int, error) {
	settled := v.deposited(trader)
	if v.positions == nil {
		return settled, nil
	}
	settled.Add(settled, v.positions.GetOwedRealizedPnl(trader))

	unrealized, err := v.positions.GetTotalUnrealizedPnl(trader, v.prices)
	if err != nil {
		return nil, fmt.Errorf("free collateral for %s: %w", trader, err)
	}

	collateral := settled
	if unrealized.Sign() < 0 {
		collateral = new(big.Int).Add(settled, unrealized)
	}

	totalValue := new(big.Int)
	for _, market := range v.positions.GetAccountMarkets(trader) {
		markPrice, err := v.prices.GetMarkPrice(market)
		if err != nil {
			return nil, fmt.Errorf("free collateral for %s: %w", trader, err)
		}
		value := v.positions.GetTotalPositionValue(trader, market, markPrice)
		totalValue.Add(totalValue, fpmath.Abs(value))
	}

	return collateral.Sub(collateral, fpmath.MulRatio(totalValue, ratio)), nil
}

func (v *CollateralVault) deposited(trader uuid.UUID) *big.Int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if balance, ok := v.deposits[trader]; ok {
		return new(big.Int).Set(balance)
	}
	return new(big.Int)
}

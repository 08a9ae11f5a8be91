package event

import (
	"math/big"

	"github.com/google/uuid"
)

// PositionChanged is emitted after every successful open/close operation.
// All amounts carry 18 decimals.
type PositionChanged struct {
	Trader                    uuid.UUID `json:"trader"`
	Market                    string    `json:"market"`
	ExchangedPositionSize     *big.Int  `json:"exchanged_position_size"`
	ExchangedPositionNotional *big.Int  `json:"exchanged_position_notional"`
	Fee                       *big.Int  `json:"fee"`
	OpenNotional              *big.Int  `json:"open_notional"`
	RealizedPnl               *big.Int  `json:"realized_pnl"`
}

func (p *PositionChanged) EventType() EventType {
	return EventTypePositionChanged
}

func (p *PositionChanged) MarketID() *string {
	m := p.Market
	return &m
}

// PositionLiquidated is emitted after a forced close. Penalty is the quote
// amount moved from the liquidated trader to the liquidator.
type PositionLiquidated struct {
	Trader         uuid.UUID `json:"trader"`
	Liquidator     uuid.UUID `json:"liquidator"`
	Market         string    `json:"market"`
	ClosedSize     *big.Int  `json:"closed_size"`
	ClosedNotional *big.Int  `json:"closed_notional"`
	Penalty        *big.Int  `json:"penalty"`
	IsBackstop     bool      `json:"is_backstop"`
}

func (p *PositionLiquidated) EventType() EventType {
	return EventTypePositionLiquidated
}

func (p *PositionLiquidated) MarketID() *string {
	m := p.Market
	return &m
}

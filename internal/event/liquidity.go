package event

import (
	"math/big"

	"github.com/google/uuid"
)

// LiquidityChanged is emitted after add/remove liquidity. Base/Quote carry
// the amounts moved; Liquidity is positive for adds, negative for removals.
type LiquidityChanged struct {
	Maker       uuid.UUID `json:"maker"`
	Market      string    `json:"market"`
	Base        *big.Int  `json:"base"`
	Quote       *big.Int  `json:"quote"`
	Liquidity   *big.Int  `json:"liquidity"`
	Fee         *big.Int  `json:"fee"`
	RealizedPnl *big.Int  `json:"realized_pnl"`
}

func (l *LiquidityChanged) EventType() EventType {
	return EventTypeLiquidityChanged
}

func (l *LiquidityChanged) MarketID() *string {
	m := l.Market
	return &m
}

// OrderCanceled is emitted when a maker's order is force-removed during a
// risk-reduction unwind.
type OrderCanceled struct {
	Maker     uuid.UUID `json:"maker"`
	Caller    uuid.UUID `json:"caller"`
	Market    string    `json:"market"`
	Base      *big.Int  `json:"base"`
	Quote     *big.Int  `json:"quote"`
	Liquidity *big.Int  `json:"liquidity"`
}

func (o *OrderCanceled) EventType() EventType {
	return EventTypeOrderCanceled
}

func (o *OrderCanceled) MarketID() *string {
	m := o.Market
	return &m
}

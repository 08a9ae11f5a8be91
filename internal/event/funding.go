package event

import (
	"math/big"

	"github.com/google/uuid"
)

// FundingSettled is emitted whenever funding is settled for a trader+market.
// Payment is positive when the trader pays.
type FundingSettled struct {
	Trader    uuid.UUID `json:"trader"`
	Market    string    `json:"market"`
	Payment   *big.Int  `json:"payment"`
	TwPremium *big.Int  `json:"tw_premium"`
}

func (f *FundingSettled) EventType() EventType {
	return EventTypeFundingSettled
}

func (f *FundingSettled) MarketID() *string {
	m := f.Market
	return &m
}

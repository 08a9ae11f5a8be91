package projection

import (
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
)

// FundingHistoryEntry records one settled funding payment.
// Payment is positive when the trader paid.
type FundingHistoryEntry struct {
	Trader    uuid.UUID
	Market    string
	Payment   *big.Int
	TwPremium *big.Int
	Sequence  int64
	Timestamp time.Time
}

// LiquidationHistoryEntry records one executed forced close.
type LiquidationHistoryEntry struct {
	Trader         uuid.UUID
	Liquidator     uuid.UUID
	Market         string
	ClosedSize     *big.Int
	ClosedNotional *big.Int
	Penalty        *big.Int
	IsBackstop     bool
	Sequence       int64
	Timestamp      time.Time
}

// HistoryProjection keeps recent funding and liquidation history in memory
// for the query API. The projection is lossy by design (the feeding channel
// drops on backpressure) and bounded; the authoritative record is the event
// log.
type HistoryProjection struct {
	mu           sync.RWMutex
	maxEntries   int
	funding      []FundingHistoryEntry
	liquidations []LiquidationHistoryEntry
}

func NewHistoryProjection(maxEntries int) *HistoryProjection {
	if maxEntries <= 0 {
		maxEntries = 100_000
	}
	return &HistoryProjection{maxEntries: maxEntries}
}

// AddFunding records a settled funding payment.
func (p *HistoryProjection) AddFunding(entry FundingHistoryEntry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.funding = append(p.funding, entry)
	if len(p.funding) > p.maxEntries {
		p.funding = p.funding[len(p.funding)-p.maxEntries:]
	}
}

// AddLiquidation records an executed liquidation.
func (p *HistoryProjection) AddLiquidation(entry LiquidationHistoryEntry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.liquidations = append(p.liquidations, entry)
	if len(p.liquidations) > p.maxEntries {
		p.liquidations = p.liquidations[len(p.liquidations)-p.maxEntries:]
	}
}

// FundingByTrader returns the trader's funding history, newest first.
func (p *HistoryProjection) FundingByTrader(trader uuid.UUID, limit int) []FundingHistoryEntry {
	p.mu.RLock()
	defer p.mu.RUnlock()

	result := make([]FundingHistoryEntry, 0, limit)
	for i := len(p.funding) - 1; i >= 0 && len(result) < limit; i-- {
		if p.funding[i].Trader == trader {
			result = append(result, p.funding[i])
		}
	}
	return result
}

// LiquidationsByTrader returns the trader's liquidation history, newest
// first.
func (p *HistoryProjection) LiquidationsByTrader(trader uuid.UUID, limit int) []LiquidationHistoryEntry {
	p.mu.RLock()
	defer p.mu.RUnlock()

	result := make([]LiquidationHistoryEntry, 0, limit)
	for i := len(p.liquidations) - 1; i >= 0 && len(result) < limit; i-- {
		if p.liquidations[i].Trader == trader {
			result = append(result, p.liquidations[i])
		}
	}
	return result
}

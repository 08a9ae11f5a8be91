package amm

import (
	"context"
	"encoding/json"
	"math/big"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// OracleBoard holds externally published index prices. Updated from the
// clearing.prices.> subject; reads are lock-cheap for the funding path.
type OracleBoard struct {
	mu     sync.RWMutex
	prices map[string]*big.Int
	logger zerolog.Logger
}

func NewOracleBoard(logger zerolog.Logger) *OracleBoard {
	return &OracleBoard{
		prices: make(map[string]*big.Int),
		logger: logger,
	}
}

// SetIndexPrice records the latest index price for a market.
func (b *OracleBoard) SetIndexPrice(market string, price *big.Int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prices[market] = new(big.Int).Set(price)
}

// IndexPrice returns the latest index price, or nil when none was
// published yet.
func (b *OracleBoard) IndexPrice(market string) *big.Int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if p, ok := b.prices[market]; ok {
		return new(big.Int).Set(p)
	}
	return nil
}

type priceUpdate struct {
	Market     string `json:"market"`
	IndexPrice string `json:"index_price"`
}

// SubscribeIndexPrices feeds the board from the price oracle subject.
// Plain NATS, not JetStream: only the latest price matters.
func (b *OracleBoard) SubscribeIndexPrices(ctx context.Context, nc *nats.Conn, subject string) (*nats.Subscription, error) {
	return nc.Subscribe(subject, func(msg *nats.Msg) {
		var update priceUpdate
		if err := json.Unmarshal(msg.Data, &update); err != nil {
			b.logger.Warn().Err(err).Str("subject", msg.Subject).Msg("malformed price update")
			return
		}
		price, ok := new(big.Int).SetString(update.IndexPrice, 10)
		if !ok || price.Sign() <= 0 {
			b.logger.Warn().Str("market", update.Market).Str("index_price", update.IndexPrice).
				Msg("invalid index price")
			return
		}
		b.SetIndexPrice(update.Market, price)
	})
}

// MarketPriceFeed satisfies the engine's price collaborator: mark prices
// come from the pool curve, index prices from the oracle board. A market
// with no published index price falls back to its mark price, which zeroes
// the funding premium instead of blocking settlement.
type MarketPriceFeed struct {
	Pool   *Pool
	Oracle *OracleBoard
}

func (f *MarketPriceFeed) GetMarkPrice(market string) (*big.Int, error) {
	return f.Pool.GetMarkPrice(market)
}

func (f *MarketPriceFeed) GetIndexPrice(market string) (*big.Int, error) {
	if price := f.Oracle.IndexPrice(market); price != nil {
		return price, nil
	}
	return f.Pool.GetMarkPrice(market)
}

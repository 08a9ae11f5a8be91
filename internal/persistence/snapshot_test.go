package persistence_test

import (
	"encoding/json"
	"math/big"
	"testing"

	"ClearingHouse/internal/core"
	"ClearingHouse/internal/persistence"
	"ClearingHouse/internal/state"

	"github.com/google/uuid"
)

func bigFrom(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		panic("bad test constant " + s)
	}
	return v
}

// ============================================================================
// Test: snapshot round trip
// ============================================================================

func TestSnapshotData_EngineStateRoundTrip(t *testing.T) {
	trader := uuid.New()
	maker := uuid.New()

	var hash [32]byte
	for i := range hash {
		hash[i] = byte(i)
	}

	original := &core.EngineState{
		Sequence:  1_234,
		StateHash: hash,
		Ledger: &state.LedgerSnapshot{
			Positions: map[state.PositionKey]*state.TakerPosition{
				{Trader: trader, Market: "BTC-USDT-PERP"}: {
					PositionSize:              bigFrom("10000000000000000000"),
					OpenNotional:              bigFrom("-1000000000000000000000"),
					LastTwPremiumGrowthGlobal: bigFrom("50000000000000000000"),
				},
			},
			OwedRealizedPnl: map[uuid.UUID]*big.Int{
				trader: bigFrom("-2000000000000000000"),
			},
			AccountMarkets: map[uuid.UUID][]string{
				trader: {"BTC-USDT-PERP"},
				maker:  {"ETH-USDT-PERP"},
			},
			InsuranceFund: bigFrom("3000000000000000000"),
		},
		Book: &state.BookSnapshot{
			Orders: map[state.PositionKey]*state.LPPosition{
				{Trader: maker, Market: "ETH-USDT-PERP"}: {
					Liquidity:                        bigFrom("1010000000000000000000"),
					LastFeeIndex:                     bigFrom("7"),
					LastTwPremiumGrowth:              bigFrom("0"),
					LastTwPremiumWithLiquidityGrowth: bigFrom("0"),
					BaseDebt:                         bigFrom("10000000000000000000"),
					QuoteDebt:                        bigFrom("1000000000000000000000"),
				},
			},
			Markets: map[string]state.MarketLiquiditySnapshot{
				"ETH-USDT-PERP": {
					TotalLiquidity: bigFrom("1010000000000000000000"),
					FeeIndex:       bigFrom("7"),
				},
			},
		},
		Growth: map[string]state.GrowthSnapshot{
			"BTC-USDT-PERP": {
				Growth: state.Growth{
					TwPremium:              bigFrom("50000000000000000000"),
					TwPremiumWithLiquidity: bigFrom("25000000000000000000"),
				},
				LastUpdated: 1_700_000_000,
			},
		},
	}

	snap := persistence.FromEngineState(original, map[string]int64{"BTC-USDT-PERP": 42})

	// Through JSON, as it would be stored.
	data, err := json.Marshal(snap)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded persistence.SnapshotData
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	restored, err := decoded.EngineState()
	if err != nil {
		t.Fatalf("restore: %v", err)
	}

	if restored.Sequence != original.Sequence {
		t.Errorf("sequence = %d, want %d", restored.Sequence, original.Sequence)
	}
	if restored.StateHash != original.StateHash {
		t.Error("state hash mismatch after round trip")
	}

	key := state.PositionKey{Trader: trader, Market: "BTC-USDT-PERP"}
	pos := restored.Ledger.Positions[key]
	if pos == nil {
		t.Fatal("position lost in round trip")
	}
	if pos.PositionSize.Cmp(original.Ledger.Positions[key].PositionSize) != 0 {
		t.Errorf("position size = %s", pos.PositionSize)
	}
	if pos.OpenNotional.Cmp(original.Ledger.Positions[key].OpenNotional) != 0 {
		t.Errorf("open notional = %s", pos.OpenNotional)
	}

	if restored.Ledger.OwedRealizedPnl[trader].Cmp(bigFrom("-2000000000000000000")) != 0 {
		t.Errorf("owed pnl = %s", restored.Ledger.OwedRealizedPnl[trader])
	}
	if restored.Ledger.InsuranceFund.Cmp(original.Ledger.InsuranceFund) != 0 {
		t.Errorf("insurance fund = %s", restored.Ledger.InsuranceFund)
	}
	if len(restored.Ledger.AccountMarkets) != 2 {
		t.Errorf("account markets = %d entries, want 2", len(restored.Ledger.AccountMarkets))
	}

	orderKey := state.PositionKey{Trader: maker, Market: "ETH-USDT-PERP"}
	order := restored.Book.Orders[orderKey]
	if order == nil {
		t.Fatal("order lost in round trip")
	}
	if order.Liquidity.Cmp(original.Book.Orders[orderKey].Liquidity) != 0 {
		t.Errorf("liquidity = %s", order.Liquidity)
	}
	if order.BaseDebt.Cmp(original.Book.Orders[orderKey].BaseDebt) != 0 {
		t.Errorf("base debt = %s", order.BaseDebt)
	}

	ml := restored.Book.Markets["ETH-USDT-PERP"]
	if ml.TotalLiquidity.Cmp(bigFrom("1010000000000000000000")) != 0 {
		t.Errorf("total liquidity = %s", ml.TotalLiquidity)
	}

	growth := restored.Growth["BTC-USDT-PERP"]
	if growth.Growth.TwPremium.Cmp(bigFrom("50000000000000000000")) != 0 {
		t.Errorf("tw premium = %s", growth.Growth.TwPremium)
	}
	if growth.LastUpdated != 1_700_000_000 {
		t.Errorf("last updated = %d", growth.LastUpdated)
	}

	if decoded.RequestWatermarks["BTC-USDT-PERP"] != 42 {
		t.Errorf("watermarks = %v", decoded.RequestWatermarks)
	}
}

func TestSnapshotData_DeterministicSerialization(t *testing.T) {
	a := uuid.MustParse("550e8400-e29b-41d4-a716-446655440000")
	b := uuid.MustParse("660e8400-e29b-41d4-a716-446655440001")

	st := &core.EngineState{
		Ledger: &state.LedgerSnapshot{
			Positions: map[state.PositionKey]*state.TakerPosition{
				{Trader: b, Market: "B"}: {PositionSize: big.NewInt(2), OpenNotional: big.NewInt(0), LastTwPremiumGrowthGlobal: big.NewInt(0)},
				{Trader: a, Market: "A"}: {PositionSize: big.NewInt(1), OpenNotional: big.NewInt(0), LastTwPremiumGrowthGlobal: big.NewInt(0)},
			},
			OwedRealizedPnl: map[uuid.UUID]*big.Int{a: big.NewInt(1), b: big.NewInt(2)},
			AccountMarkets:  map[uuid.UUID][]string{},
			InsuranceFund:   big.NewInt(0),
		},
		Book: &state.BookSnapshot{
			Orders:  map[state.PositionKey]*state.LPPosition{},
			Markets: map[string]state.MarketLiquiditySnapshot{},
		},
		Growth: map[string]state.GrowthSnapshot{},
	}

	snap := persistence.FromEngineState(st, nil)
	if snap.Positions[0].Trader != a.String() || snap.Positions[1].Trader != b.String() {
		t.Error("positions not sorted by trader")
	}
	if snap.OwedRealizedPnl[0].Trader != a.String() {
		t.Error("owed pnl rows not sorted by trader")
	}
}

func TestSnapshotData_RejectsBadHash(t *testing.T) {
	snap := &persistence.SnapshotData{
		StateHash:     []byte{1, 2, 3},
		InsuranceFund: "0",
	}
	if _, err := snap.EngineState(); err == nil {
		t.Error("expected error for truncated state hash")
	}
}

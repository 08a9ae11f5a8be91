package query_test

import (
	"context"
	"math/big"
	"testing"
	"time"

	"ClearingHouse/internal/projection"
	"ClearingHouse/internal/query"

	"github.com/google/uuid"
)

type stubEngine struct {
	sequence      int64
	stateHash     [32]byte
	accountValue  *big.Int
	owed          *big.Int
	requirement   *big.Int
	liquidatable  bool
	markets       []string
	positions     map[string][2]*big.Int
	orders        map[string][2]*big.Int
	insuranceFund *big.Int
}

func (s *stubEngine) GetAccountValue(uuid.UUID) (*big.Int, error) { return s.accountValue, nil }
func (s *stubEngine) GetOwedRealizedPnl(uuid.UUID) *big.Int       { return s.owed }
func (s *stubEngine) GetTakerPosition(_ uuid.UUID, market string) (*big.Int, *big.Int) {
	if p, ok := s.positions[market]; ok {
		return p[0], p[1]
	}
	return big.NewInt(0), big.NewInt(0)
}
func (s *stubEngine) GetOpenOrder(_ uuid.UUID, market string) (*big.Int, *big.Int) {
	if o, ok := s.orders[market]; ok {
		return o[0], o[1]
	}
	return big.NewInt(0), big.NewInt(0)
}
func (s *stubEngine) GetAccountMarkets(uuid.UUID) []string { return s.markets }
func (s *stubEngine) GetMarginRequirement(uuid.UUID) (*big.Int, error) {
	return s.requirement, nil
}
func (s *stubEngine) IsLiquidatable(uuid.UUID) (bool, error) { return s.liquidatable, nil }
func (s *stubEngine) GetInsuranceFund() *big.Int             { return s.insuranceFund }
func (s *stubEngine) GetSequence() int64                     { return s.sequence }
func (s *stubEngine) GetStateHash() [32]byte                 { return s.stateHash }

func newStubEngine() *stubEngine {
	return &stubEngine{
		sequence:      42,
		accountValue:  big.NewInt(9_500),
		owed:          big.NewInt(-120),
		requirement:   big.NewInt(800),
		markets:       []string{"BTC-USDT-PERP", "ETH-USDT-PERP"},
		positions:     map[string][2]*big.Int{},
		orders:        map[string][2]*big.Int{},
		insuranceFund: big.NewInt(77),
	}
}

// ============================================================================
// Test: account and position queries
// ============================================================================

func TestGetAccount_LiveEngineState(t *testing.T) {
	engine := newStubEngine()
	engine.liquidatable = true
	qs := query.NewQueryService(engine, nil, nil, nil)

	resp, err := qs.GetAccount(context.Background(), uuid.New())
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if resp.AccountValue != "9500" {
		t.Errorf("account value = %s", resp.AccountValue)
	}
	if resp.OwedRealizedPnl != "-120" {
		t.Errorf("owed = %s", resp.OwedRealizedPnl)
	}
	if !resp.IsLiquidatable {
		t.Error("expected liquidatable")
	}
	if resp.AsOfSequence != 42 {
		t.Errorf("as_of_sequence = %d", resp.AsOfSequence)
	}
	if len(resp.Markets) != 2 {
		t.Errorf("markets = %v", resp.Markets)
	}
}

func TestGetPositions_SkipsZeroSize(t *testing.T) {
	engine := newStubEngine()
	engine.positions["BTC-USDT-PERP"] = [2]*big.Int{big.NewInt(5), big.NewInt(-500)}
	// ETH market registered via an open order, taker size zero.
	qs := query.NewQueryService(engine, nil, nil, nil)

	positions, err := qs.GetPositions(context.Background(), uuid.New())
	if err != nil {
		t.Fatalf("GetPositions: %v", err)
	}
	if len(positions) != 1 {
		t.Fatalf("positions = %d, want 1", len(positions))
	}
	if positions[0].Market != "BTC-USDT-PERP" || positions[0].PositionSize != "5" {
		t.Errorf("position = %+v", positions[0])
	}
	if positions[0].OpenNotional != "-500" {
		t.Errorf("open notional = %s", positions[0].OpenNotional)
	}
}

func TestGetOpenOrder_ZeroMeansNoOrder(t *testing.T) {
	engine := newStubEngine()
	qs := query.NewQueryService(engine, nil, nil, nil)

	resp, err := qs.GetOpenOrder(context.Background(), uuid.New(), "BTC-USDT-PERP")
	if err != nil {
		t.Fatalf("GetOpenOrder: %v", err)
	}
	if resp.Liquidity != "0" || resp.PendingFee != "0" {
		t.Errorf("order = %+v", resp)
	}
}

// ============================================================================
// Test: history served from the in-memory projection
// ============================================================================

func TestGetFundingHistory_FromProjection(t *testing.T) {
	trader := uuid.New()
	engine := newStubEngine()
	history := projection.NewHistoryProjection(100)
	for i := 1; i <= 3; i++ {
		history.AddFunding(projection.FundingHistoryEntry{
			Trader:    trader,
			Market:    "BTC-USDT-PERP",
			Payment:   big.NewInt(int64(i * 10)),
			TwPremium: big.NewInt(int64(i)),
			Sequence:  int64(i),
			Timestamp: time.Unix(1_700_000_000+int64(i), 0),
		})
	}
	qs := query.NewQueryService(engine, history, nil, nil)

	resp, err := qs.GetFundingHistory(context.Background(), trader, 2)
	if err != nil {
		t.Fatalf("GetFundingHistory: %v", err)
	}
	if len(resp) != 2 {
		t.Fatalf("entries = %d, want 2", len(resp))
	}
	if resp[0].Sequence != 3 || resp[0].Payment != "30" {
		t.Errorf("newest = %+v", resp[0])
	}
	if resp[0].AsOfSequence != 42 {
		t.Errorf("as_of_sequence = %d", resp[0].AsOfSequence)
	}
}

func TestGetLiquidationHistory_FromProjection(t *testing.T) {
	trader := uuid.New()
	liquidator := uuid.New()
	engine := newStubEngine()
	history := projection.NewHistoryProjection(100)
	history.AddLiquidation(projection.LiquidationHistoryEntry{
		Trader:         trader,
		Liquidator:     liquidator,
		Market:         "BTC-USDT-PERP",
		ClosedSize:     big.NewInt(-10),
		ClosedNotional: big.NewInt(950),
		Penalty:        big.NewInt(23),
		IsBackstop:     true,
		Sequence:       7,
		Timestamp:      time.Unix(1_700_000_000, 0),
	})
	qs := query.NewQueryService(engine, history, nil, nil)

	resp, err := qs.GetLiquidationHistory(context.Background(), trader, 10)
	if err != nil {
		t.Fatalf("GetLiquidationHistory: %v", err)
	}
	if len(resp) != 1 {
		t.Fatalf("entries = %d, want 1", len(resp))
	}
	if resp[0].Liquidator != liquidator || resp[0].Penalty != "23" || !resp[0].IsBackstop {
		t.Errorf("entry = %+v", resp[0])
	}
}

// ============================================================================
// Test: system status
// ============================================================================

func TestGetSystemStatus(t *testing.T) {
	engine := newStubEngine()
	engine.stateHash[0] = 0xAB
	qs := query.NewQueryService(engine, nil, nil, nil)

	resp, err := qs.GetSystemStatus(context.Background())
	if err != nil {
		t.Fatalf("GetSystemStatus: %v", err)
	}
	if resp.Sequence != 42 {
		t.Errorf("sequence = %d", resp.Sequence)
	}
	if resp.StateHash[:2] != "ab" {
		t.Errorf("state hash = %s", resp.StateHash)
	}
	if resp.InsuranceFund != "77" {
		t.Errorf("insurance fund = %s", resp.InsuranceFund)
	}
}

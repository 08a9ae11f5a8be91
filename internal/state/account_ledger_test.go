package state_test

import (
	"errors"
	"math/big"
	"testing"

	fpmath "ClearingHouse/internal/math"
	"ClearingHouse/internal/state"
	"github.com/google/uuid"
)

type stubPrices map[string]*big.Int

func (p stubPrices) GetMarkPrice(market string) (*big.Int, error) {
	price, ok := p[market]
	if !ok {
		return nil, errors.New("no price for " + market)
	}
	return fpmath.Clone(price), nil
}

type stubOrders map[state.PositionKey]bool

func (o stubOrders) HasOpenOrder(trader uuid.UUID, market string) bool {
	return o[state.PositionKey{Trader: trader, Market: market}]
}

// ============================================================================
// Test: market registration
// ============================================================================

func TestAccountLedger_RegisterMarket_IdempotentAndCapped(t *testing.T) {
	ledger := state.NewAccountLedger(2)
	trader := uuid.New()

	if err := ledger.RegisterMarket(trader, "ETH-PERP"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := ledger.RegisterMarket(trader, "ETH-PERP"); err != nil {
		t.Fatalf("re-register should be a no-op: %v", err)
	}
	if err := ledger.RegisterMarket(trader, "BTC-PERP"); err != nil {
		t.Fatalf("second market: %v", err)
	}

	err := ledger.RegisterMarket(trader, "SOL-PERP")
	if !errors.Is(err, state.ErrTooManyMarkets) {
		t.Fatalf("expected ErrTooManyMarkets, got %v", err)
	}
	if got := len(ledger.GetAccountMarkets(trader)); got != 2 {
		t.Errorf("active markets = %d, want 2", got)
	}
}

func TestAccountLedger_DeregisterMarket_BlockedByPositionOrOrder(t *testing.T) {
	ledger := state.NewAccountLedger(8)
	orders := stubOrders{}
	ledger.SetOrderSource(orders)
	trader := uuid.New()

	if err := ledger.RegisterMarket(trader, "ETH-PERP"); err != nil {
		t.Fatalf("register: %v", err)
	}
	ledger.ModifyTakerBalance(trader, "ETH-PERP", d18(1), d18(-100))

	ledger.DeregisterMarket(trader, "ETH-PERP")
	if len(ledger.GetAccountMarkets(trader)) != 1 {
		t.Fatal("deregister should be a no-op while a position is open")
	}

	// Flatten the position but leave a maker order in place.
	ledger.ModifyTakerBalance(trader, "ETH-PERP", d18(-1), d18(100))
	orders[state.PositionKey{Trader: trader, Market: "ETH-PERP"}] = true

	ledger.DeregisterMarket(trader, "ETH-PERP")
	if len(ledger.GetAccountMarkets(trader)) != 1 {
		t.Fatal("deregister should be a no-op while an order remains")
	}

	orders[state.PositionKey{Trader: trader, Market: "ETH-PERP"}] = false
	ledger.DeregisterMarket(trader, "ETH-PERP")
	if len(ledger.GetAccountMarkets(trader)) != 0 {
		t.Fatal("deregister should remove the flat, orderless market")
	}
}

// ============================================================================
// Test: balance and PnL bookkeeping
// ============================================================================

func TestAccountLedger_ModifyTakerBalance(t *testing.T) {
	ledger := state.NewAccountLedger(8)
	trader := uuid.New()

	base, quote := ledger.ModifyTakerBalance(trader, "ETH-PERP", d18(2), d18(-200))
	if base.Cmp(d18(2)) != 0 || quote.Cmp(d18(-200)) != 0 {
		t.Fatalf("after open: base=%s quote=%s", base, quote)
	}

	base, quote = ledger.ModifyTakerBalance(trader, "ETH-PERP", d18(-2), d18(200))
	if base.Sign() != 0 || quote.Sign() != 0 {
		t.Fatalf("after close: base=%s quote=%s, want zeros", base, quote)
	}
}

func TestAccountLedger_OwedRealizedPnlFunnel(t *testing.T) {
	ledger := state.NewAccountLedger(8)
	trader := uuid.New()

	ledger.ModifyOwedRealizedPnl(trader, d18(10))
	ledger.ModifyOwedRealizedPnl(trader, d18(-3))
	ledger.ModifyOwedRealizedPnl(trader, new(big.Int))

	if got := ledger.GetOwedRealizedPnl(trader); got.Cmp(d18(7)) != 0 {
		t.Errorf("owedRealizedPnl = %s, want %s", got, d18(7))
	}

	// Returned value must be a copy, not an alias of the accumulator.
	ledger.GetOwedRealizedPnl(trader).SetInt64(0)
	if got := ledger.GetOwedRealizedPnl(trader); got.Cmp(d18(7)) != 0 {
		t.Errorf("accumulator aliased by getter: %s", got)
	}
}

func TestAccountLedger_SettleQuoteToOwedRealizedPnl(t *testing.T) {
	ledger := state.NewAccountLedger(8)
	trader := uuid.New()

	ledger.ModifyTakerBalance(trader, "ETH-PERP", d18(1), d18(-100))
	ledger.SettleQuoteToOwedRealizedPnl(trader, "ETH-PERP", d18(-40))

	if got := ledger.GetTakerOpenNotional(trader, "ETH-PERP"); got.Cmp(d18(-60)) != 0 {
		t.Errorf("openNotional = %s, want %s", got, d18(-60))
	}
	if got := ledger.GetOwedRealizedPnl(trader); got.Cmp(d18(-40)) != 0 {
		t.Errorf("owedRealizedPnl = %s, want %s", got, d18(-40))
	}
}

// ============================================================================
// Test: funding settlement
// ============================================================================

func TestAccountLedger_SettleFunding_SecondCallIsZero(t *testing.T) {
	ledger := state.NewAccountLedger(8)
	trader := uuid.New()

	ledger.ModifyTakerBalance(trader, "ETH-PERP", d18(10), d18(-1000))

	growth := state.Growth{
		TwPremium:              d18(86_400),
		TwPremiumWithLiquidity: new(big.Int),
	}

	first := ledger.SettleFunding(trader, "ETH-PERP", growth, new(big.Int))
	// 10 * 86400e18 / 1e18 / 86400 = 10e18, plus the round-away unit.
	want := new(big.Int).Add(d18(10), big.NewInt(1))
	if first.Cmp(want) != 0 {
		t.Errorf("first payment = %s, want %s", first, want)
	}

	second := ledger.SettleFunding(trader, "ETH-PERP", growth, new(big.Int))
	if second.Sign() != 0 {
		t.Errorf("second settlement at same growth = %s, want 0", second)
	}

	// Trader paid: the accumulator is debited by the first payment only.
	if got := ledger.GetOwedRealizedPnl(trader); got.Cmp(new(big.Int).Neg(want)) != 0 {
		t.Errorf("owedRealizedPnl = %s, want %s", got, new(big.Int).Neg(want))
	}
}

func TestAccountLedger_SettleFunding_ZeroPaymentStillAdvancesSnapshot(t *testing.T) {
	ledger := state.NewAccountLedger(8)
	trader := uuid.New()

	// Flat position: payment is zero but the snapshot must advance, or the
	// skipped growth would be charged retroactively when a position opens.
	growth := state.Growth{TwPremium: d18(500), TwPremiumWithLiquidity: new(big.Int)}
	if payment := ledger.SettleFunding(trader, "ETH-PERP", growth, new(big.Int)); payment.Sign() != 0 {
		t.Fatalf("flat position payment = %s, want 0", payment)
	}

	ledger.ModifyTakerBalance(trader, "ETH-PERP", d18(10), d18(-1000))
	if payment := ledger.SettleFunding(trader, "ETH-PERP", growth, new(big.Int)); payment.Sign() != 0 {
		t.Errorf("payment after snapshot advance = %s, want 0", payment)
	}
}

func TestAccountLedger_PendingFundingPayment_MatchesSettlement(t *testing.T) {
	ledger := state.NewAccountLedger(8)
	trader := uuid.New()

	ledger.ModifyTakerBalance(trader, "ETH-PERP", d18(7), d18(-700))
	growth := state.Growth{TwPremium: d18(123_456), TwPremiumWithLiquidity: new(big.Int)}

	pending := ledger.GetPendingFundingPayment(trader, "ETH-PERP", growth, new(big.Int))
	settled := ledger.SettleFunding(trader, "ETH-PERP", growth, new(big.Int))
	if pending.Cmp(settled) != 0 {
		t.Errorf("view/mutating mismatch: pending=%s settled=%s", pending, settled)
	}
}

// ============================================================================
// Test: valuation
// ============================================================================

func TestAccountLedger_UnrealizedPnlAndMarginRequirement(t *testing.T) {
	ledger := state.NewAccountLedger(8)
	trader := uuid.New()
	prices := stubPrices{"ETH-PERP": d18(110)}

	if err := ledger.RegisterMarket(trader, "ETH-PERP"); err != nil {
		t.Fatalf("register: %v", err)
	}
	// Long 10 base opened at notional -1000: at mark 110 the position is
	// worth 1100, so unrealized PnL is +100.
	ledger.ModifyTakerBalance(trader, "ETH-PERP", d18(10), d18(-1000))

	pnl, err := ledger.GetTotalUnrealizedPnl(trader, prices)
	if err != nil {
		t.Fatalf("unrealized pnl: %v", err)
	}
	if pnl.Cmp(d18(100)) != 0 {
		t.Errorf("unrealized pnl = %s, want %s", pnl, d18(100))
	}

	// mmRatio 6.25% of |1100| = 68.75.
	risk, err := state.NewRiskConfig(state.DefaultRiskParams(), 8)
	if err != nil {
		t.Fatalf("risk config: %v", err)
	}
	requirement, err := ledger.GetMarginRequirementForLiquidation(trader, risk, prices)
	if err != nil {
		t.Fatalf("margin requirement: %v", err)
	}
	want := new(big.Int).Quo(new(big.Int).Mul(d18(1100), big.NewInt(62_500)), fpmath.RatioOne)
	if requirement.Cmp(want) != 0 {
		t.Errorf("margin requirement = %s, want %s", requirement, want)
	}
}

// ============================================================================
// Test: snapshot / restore
// ============================================================================

func TestAccountLedger_SnapshotRestore(t *testing.T) {
	ledger := state.NewAccountLedger(8)
	trader := uuid.New()

	if err := ledger.RegisterMarket(trader, "ETH-PERP"); err != nil {
		t.Fatalf("register: %v", err)
	}
	ledger.ModifyTakerBalance(trader, "ETH-PERP", d18(5), d18(-500))
	ledger.ModifyOwedRealizedPnl(trader, d18(42))
	ledger.AddInsuranceFundFee(d18(1))

	snap := ledger.Snapshot()

	ledger.ModifyTakerBalance(trader, "ETH-PERP", d18(100), d18(-9999))
	ledger.ModifyOwedRealizedPnl(trader, d18(-1000))
	ledger.DeregisterMarket(trader, "BTC-PERP")
	ledger.Restore(snap)

	if got := ledger.GetTakerPositionSize(trader, "ETH-PERP"); got.Cmp(d18(5)) != 0 {
		t.Errorf("restored size = %s, want %s", got, d18(5))
	}
	if got := ledger.GetOwedRealizedPnl(trader); got.Cmp(d18(42)) != 0 {
		t.Errorf("restored owedRealizedPnl = %s, want %s", got, d18(42))
	}
	if got := ledger.GetInsuranceFund(); got.Cmp(d18(1)) != 0 {
		t.Errorf("restored insurance fund = %s, want %s", got, d18(1))
	}
	if got := len(ledger.GetAccountMarkets(trader)); got != 1 {
		t.Errorf("restored markets = %d, want 1", got)
	}

	// Mutating the snapshot afterwards must not leak into the ledger.
	for _, pos := range snap.Positions {
		pos.PositionSize.SetInt64(0)
	}
	if got := ledger.GetTakerPositionSize(trader, "ETH-PERP"); got.Cmp(d18(5)) != 0 {
		t.Errorf("ledger aliased snapshot storage: %s", got)
	}
}

package amm_test

import (
	"errors"
	"math/big"
	"testing"

	"ClearingHouse/internal/amm"
	"ClearingHouse/internal/core"

	"github.com/google/uuid"
)

func d18(v int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(v), big.NewInt(1e18))
}

func seededPool(t *testing.T) *amm.Pool {
	t.Helper()
	// 0.1% trading fee, 10% of it to the insurance fund.
	pool := amm.NewPool(1_000, 100_000)
	if err := pool.EnsureMarket("BTC-USDT-PERP", d18(100), d18(1_000)); err != nil {
		t.Fatalf("seed market: %v", err)
	}
	return pool
}

type stubPositions struct {
	size         *big.Int
	openNotional *big.Int
}

func (s *stubPositions) GetTakerPositionSize(uuid.UUID, string) *big.Int {
	return new(big.Int).Set(s.size)
}

func (s *stubPositions) GetTakerOpenNotional(uuid.UUID, string) *big.Int {
	return new(big.Int).Set(s.openNotional)
}

// ============================================================================
// Test: curve pricing and swaps
// ============================================================================

func TestPool_MarkPriceFromReserves(t *testing.T) {
	pool := seededPool(t)

	mark, err := pool.GetMarkPrice("BTC-USDT-PERP")
	if err != nil {
		t.Fatalf("mark price: %v", err)
	}
	if mark.Cmp(d18(100)) != 0 {
		t.Errorf("mark = %s, want 100e18", mark)
	}

	if _, err := pool.GetMarkPrice("ETH-USDT-PERP"); !errors.Is(err, amm.ErrUnknownMarket) {
		t.Errorf("unknown market error = %v", err)
	}
}

func TestPool_SwapExactInputLong(t *testing.T) {
	pool := seededPool(t)

	resp, err := pool.Swap(core.SwapParams{
		Trader:        uuid.New(),
		Market:        "BTC-USDT-PERP",
		IsBaseToQuote: false,
		IsExactInput:  true,
		Amount:        d18(1_000),
	})
	if err != nil {
		t.Fatalf("swap: %v", err)
	}

	// 1000 quote into reserves (1000 base, 100000 quote) buys just under
	// 10 base with slippage.
	if resp.Base.Cmp(d18(10)) >= 0 || resp.Base.Cmp(d18(9)) <= 0 {
		t.Errorf("base out = %s, want between 9e18 and 10e18", resp.Base)
	}
	if resp.ExchangedPositionSize.Cmp(resp.Base) != 0 {
		t.Errorf("size delta = %s, want +base", resp.ExchangedPositionSize)
	}
	wantNotional := new(big.Int).Neg(d18(1_000))
	if resp.ExchangedPositionNotional.Cmp(wantNotional) != 0 {
		t.Errorf("notional delta = %s, want -1000e18", resp.ExchangedPositionNotional)
	}
	if resp.Fee.Cmp(d18(1)) != 0 {
		t.Errorf("fee = %s, want 1e18 (0.1%% of 1000)", resp.Fee)
	}
	wantInsurance := new(big.Int).Div(d18(1), big.NewInt(10))
	if resp.InsuranceFundFee.Cmp(wantInsurance) != 0 {
		t.Errorf("insurance fee = %s, want 0.1e18", resp.InsuranceFundFee)
	}
	if resp.PnlToBeRealized.Sign() != 0 {
		t.Errorf("opening trade realized %s", resp.PnlToBeRealized)
	}

	// Buying base moves the curve price up.
	mark, err := pool.GetMarkPrice("BTC-USDT-PERP")
	if err != nil {
		t.Fatalf("mark price: %v", err)
	}
	if mark.Cmp(d18(100)) <= 0 {
		t.Errorf("mark after buy = %s, want > 100e18", mark)
	}
}

func TestPool_SwapExactOutputNeedsDepth(t *testing.T) {
	pool := seededPool(t)

	_, err := pool.Swap(core.SwapParams{
		Trader:        uuid.New(),
		Market:        "BTC-USDT-PERP",
		IsBaseToQuote: false,
		IsExactInput:  false,
		Amount:        d18(1_000), // entire base reserve
	})
	if !errors.Is(err, amm.ErrInsufficientDepth) {
		t.Errorf("err = %v, want ErrInsufficientDepth", err)
	}
}

func TestPool_SwapZeroAmountRejected(t *testing.T) {
	pool := seededPool(t)

	_, err := pool.Swap(core.SwapParams{
		Trader: uuid.New(),
		Market: "BTC-USDT-PERP",
		Amount: new(big.Int),
	})
	if !errors.Is(err, amm.ErrZeroSwapAmount) {
		t.Errorf("err = %v, want ErrZeroSwapAmount", err)
	}
}

// ============================================================================
// Test: realized PnL pricing
// ============================================================================

func TestPool_PnlToBeRealized(t *testing.T) {
	pool := seededPool(t)
	trader := uuid.New()

	// Long 10 base opened at 1000 quote.
	pool.Bind(&stubPositions{size: d18(10), openNotional: new(big.Int).Neg(d18(1_000))})

	// Full close at 1100 quote: profit 100.
	pnl, err := pool.GetPnlToBeRealized(trader, "BTC-USDT-PERP", new(big.Int).Neg(d18(10)), d18(1_100))
	if err != nil {
		t.Fatalf("pnl: %v", err)
	}
	if pnl.Cmp(d18(100)) != 0 {
		t.Errorf("full close pnl = %s, want 100e18", pnl)
	}

	// Half close at 550 quote: half the notional releases, profit 50.
	pnl, err = pool.GetPnlToBeRealized(trader, "BTC-USDT-PERP", new(big.Int).Neg(d18(5)), d18(550))
	if err != nil {
		t.Fatalf("pnl: %v", err)
	}
	if pnl.Cmp(d18(50)) != 0 {
		t.Errorf("half close pnl = %s, want 50e18", pnl)
	}

	// Same-direction trade realizes nothing.
	pnl, err = pool.GetPnlToBeRealized(trader, "BTC-USDT-PERP", d18(5), new(big.Int).Neg(d18(500)))
	if err != nil {
		t.Fatalf("pnl: %v", err)
	}
	if pnl.Sign() != 0 {
		t.Errorf("increase pnl = %s, want 0", pnl)
	}
}

func TestPool_PnlToBeRealized_ReversalCountsClosingSlice(t *testing.T) {
	pool := seededPool(t)
	trader := uuid.New()

	// Long 10 opened at 1000; sell 20 for 2200: the closing 10 realize
	// 1100 - 1000 = 100, the remaining 10 open a new short.
	pool.Bind(&stubPositions{size: d18(10), openNotional: new(big.Int).Neg(d18(1_000))})

	pnl, err := pool.GetPnlToBeRealized(trader, "BTC-USDT-PERP", new(big.Int).Neg(d18(20)), d18(2_200))
	if err != nil {
		t.Fatalf("pnl: %v", err)
	}
	if pnl.Cmp(d18(100)) != 0 {
		t.Errorf("reversal pnl = %s, want 100e18", pnl)
	}
}

// ============================================================================
// Test: share mint and burn
// ============================================================================

func TestPool_MintBurnProRata(t *testing.T) {
	pool := seededPool(t)

	// 1 base at mark 100 plus 100 quote values the deposit at 200.
	minted, err := pool.Mint("BTC-USDT-PERP", d18(1), d18(100))
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if minted.Cmp(d18(200)) != 0 {
		t.Errorf("minted = %s, want 200e18", minted)
	}

	base, quote, err := pool.Burn("BTC-USDT-PERP", d18(100))
	if err != nil {
		t.Fatalf("burn: %v", err)
	}
	if base.Cmp(new(big.Int).Div(d18(1), big.NewInt(2))) != 0 {
		t.Errorf("base out = %s, want 0.5e18", base)
	}
	if quote.Cmp(d18(50)) != 0 {
		t.Errorf("quote out = %s, want 50e18", quote)
	}

	// Burning more than outstanding fails.
	if _, _, err := pool.Burn("BTC-USDT-PERP", d18(500)); err == nil {
		t.Error("over-burn should fail")
	}
}

package state_test

import (
	"errors"
	"math/big"
	"testing"

	fpmath "ClearingHouse/internal/math"
	"ClearingHouse/internal/state"
	"github.com/google/uuid"
)

// stubCurve is a constant-share pool: liquidity minted equals base + quote,
// and burning returns the pool's holdings pro-rata. Enough structure to
// exercise the book's settlement accounting without real tick math.
type stubCurve struct {
	pools map[string]*stubPool
}

type stubPool struct {
	base, quote, liquidity *big.Int
}

func newStubCurve() *stubCurve {
	return &stubCurve{pools: make(map[string]*stubPool)}
}

func (c *stubCurve) pool(market string) *stubPool {
	p := c.pools[market]
	if p == nil {
		p = &stubPool{base: new(big.Int), quote: new(big.Int), liquidity: new(big.Int)}
		c.pools[market] = p
	}
	return p
}

func (c *stubCurve) Mint(market string, base, quote *big.Int) (*big.Int, error) {
	p := c.pool(market)
	minted := new(big.Int).Add(base, quote)
	p.base.Add(p.base, base)
	p.quote.Add(p.quote, quote)
	p.liquidity.Add(p.liquidity, minted)
	return minted, nil
}

func (c *stubCurve) Burn(market string, liquidity *big.Int) (*big.Int, *big.Int, error) {
	p := c.pool(market)
	if p.liquidity.Sign() == 0 {
		return nil, nil, errors.New("empty pool")
	}
	base := new(big.Int).Div(new(big.Int).Mul(p.base, liquidity), p.liquidity)
	quote := new(big.Int).Div(new(big.Int).Mul(p.quote, liquidity), p.liquidity)
	p.base.Sub(p.base, base)
	p.quote.Sub(p.quote, quote)
	p.liquidity.Sub(p.liquidity, liquidity)
	return base, quote, nil
}

func zeroGrowth() state.Growth {
	return state.Growth{TwPremium: new(big.Int), TwPremiumWithLiquidity: new(big.Int)}
}

// ============================================================================
// Test: add / remove round trip
// ============================================================================

func TestLiquidityBook_AddRemoveRoundTrip(t *testing.T) {
	book := state.NewLiquidityBook(newStubCurve())
	maker := uuid.New()

	added, err := book.AddLiquidity(maker, "ETH-PERP", d18(10), d18(1000), zeroGrowth())
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if added.Fee.Sign() != 0 || added.LiquidityFundingPayment.Sign() != 0 {
		t.Fatalf("fresh add should settle nothing: fee=%s funding=%s",
			added.Fee, added.LiquidityFundingPayment)
	}
	if !book.HasOpenOrder(maker, "ETH-PERP") {
		t.Fatal("order should be open after add")
	}

	removed, err := book.RemoveLiquidity(maker, "ETH-PERP", added.Liquidity, d18(10), d18(1000), zeroGrowth())
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if removed.Base.Cmp(d18(10)) != 0 || removed.Quote.Cmp(d18(1000)) != 0 {
		t.Errorf("round trip returned base=%s quote=%s", removed.Base, removed.Quote)
	}
	// Returned amounts exactly cover the order debt: no residual taker
	// exposure and no realized value.
	if removed.TakerBase.Sign() != 0 || removed.TakerQuote.Sign() != 0 {
		t.Errorf("taker residual base=%s quote=%s, want zeros", removed.TakerBase, removed.TakerQuote)
	}
	if removed.Fee.Sign() != 0 {
		t.Errorf("fee = %s, want 0", removed.Fee)
	}
	if book.HasOpenOrder(maker, "ETH-PERP") {
		t.Error("order should be closed after full removal")
	}
}

func TestLiquidityBook_RemoveLiquidity_SlippageExceeded(t *testing.T) {
	book := state.NewLiquidityBook(newStubCurve())
	maker := uuid.New()

	added, err := book.AddLiquidity(maker, "ETH-PERP", d18(10), d18(1000), zeroGrowth())
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	// Minimums above what the pool can return.
	_, err = book.RemoveLiquidity(maker, "ETH-PERP", added.Liquidity, d18(11), d18(1000), zeroGrowth())
	if !errors.Is(err, state.ErrSlippageExceeded) {
		t.Fatalf("expected ErrSlippageExceeded, got %v", err)
	}

	// The failed removal must leave the order untouched.
	if got := book.GetLiquidity(maker, "ETH-PERP"); got.Cmp(added.Liquidity) != 0 {
		t.Errorf("liquidity after failed removal = %s, want %s", got, added.Liquidity)
	}
}

func TestLiquidityBook_RemoveLiquidity_MoreThanHeld(t *testing.T) {
	book := state.NewLiquidityBook(newStubCurve())
	maker := uuid.New()

	added, err := book.AddLiquidity(maker, "ETH-PERP", d18(10), d18(1000), zeroGrowth())
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	tooMuch := new(big.Int).Add(added.Liquidity, big.NewInt(1))
	if _, err := book.RemoveLiquidity(maker, "ETH-PERP", tooMuch, new(big.Int), new(big.Int), zeroGrowth()); !errors.Is(err, state.ErrNotEnoughLiquidity) {
		t.Fatalf("expected ErrNotEnoughLiquidity, got %v", err)
	}
}

func TestLiquidityBook_RemoveZeroLiquidityIsNoOp(t *testing.T) {
	book := state.NewLiquidityBook(newStubCurve())
	maker := uuid.New()

	// A maker with no order may still remove zero.
	res, err := book.RemoveLiquidity(maker, "ETH-PERP", new(big.Int), new(big.Int), new(big.Int), zeroGrowth())
	if err != nil {
		t.Fatalf("zero removal without order: %v", err)
	}
	if res.Base.Sign() != 0 || res.Quote.Sign() != 0 || res.Fee.Sign() != 0 ||
		res.TakerBase.Sign() != 0 || res.TakerQuote.Sign() != 0 || res.LiquidityFundingPayment.Sign() != 0 {
		t.Errorf("zero removal settled something: %+v", res)
	}

	// After a full removal the order sits at zero liquidity; a trailing
	// zero removal must stay a no-op instead of dividing by zero in the
	// pro-rata debt split.
	added, err := book.AddLiquidity(maker, "ETH-PERP", d18(10), d18(1000), zeroGrowth())
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := book.RemoveLiquidity(maker, "ETH-PERP", added.Liquidity, new(big.Int), new(big.Int), zeroGrowth()); err != nil {
		t.Fatalf("full removal: %v", err)
	}
	res, err = book.RemoveLiquidity(maker, "ETH-PERP", new(big.Int), new(big.Int), new(big.Int), zeroGrowth())
	if err != nil {
		t.Fatalf("zero removal after full removal: %v", err)
	}
	if res.Base.Sign() != 0 || res.Quote.Sign() != 0 {
		t.Errorf("zero removal returned base=%s quote=%s, want 0/0", res.Base, res.Quote)
	}
}

// ============================================================================
// Test: fee index
// ============================================================================

func TestLiquidityBook_FeeAccrualProRata(t *testing.T) {
	book := state.NewLiquidityBook(newStubCurve())
	makerA := uuid.New()
	makerB := uuid.New()

	// A provides 3x B's liquidity.
	if _, err := book.AddLiquidity(makerA, "ETH-PERP", d18(30), d18(0), zeroGrowth()); err != nil {
		t.Fatalf("add A: %v", err)
	}
	if _, err := book.AddLiquidity(makerB, "ETH-PERP", d18(10), d18(0), zeroGrowth()); err != nil {
		t.Fatalf("add B: %v", err)
	}

	if err := book.AccrueFee("ETH-PERP", d18(4)); err != nil {
		t.Fatalf("accrue: %v", err)
	}

	if got := book.GetPendingFee(makerA, "ETH-PERP"); got.Cmp(d18(3)) != 0 {
		t.Errorf("maker A pending fee = %s, want %s", got, d18(3))
	}
	if got := book.GetPendingFee(makerB, "ETH-PERP"); got.Cmp(d18(1)) != 0 {
		t.Errorf("maker B pending fee = %s, want %s", got, d18(1))
	}
}

func TestLiquidityBook_AccrueFee_NoLiquidity(t *testing.T) {
	book := state.NewLiquidityBook(newStubCurve())
	if err := book.AccrueFee("ETH-PERP", d18(1)); err == nil {
		t.Fatal("expected error accruing fee into an empty market")
	}
}

// ============================================================================
// Test: funding twins
// ============================================================================

func TestLiquidityBook_FundingTwinsAgree(t *testing.T) {
	book := state.NewLiquidityBook(newStubCurve())
	maker := uuid.New()

	if _, err := book.AddLiquidity(maker, "ETH-PERP", d18(10), d18(0), zeroGrowth()); err != nil {
		t.Fatalf("add: %v", err)
	}

	growth := state.Growth{
		TwPremium:              d18(100),
		TwPremiumWithLiquidity: d18(77),
	}

	view := book.GetLiquidityFundingPayment(maker, "ETH-PERP", growth)
	mutated := book.UpdateFundingGrowthAndLiquidityFundingPayment(maker, "ETH-PERP", growth)
	if view.Cmp(mutated) != 0 {
		t.Fatalf("view/mutating mismatch: view=%s mutating=%s", view, mutated)
	}

	// After the mutating call the snapshot has advanced: both twins now
	// report zero for the same growth.
	if got := book.GetLiquidityFundingPayment(maker, "ETH-PERP", growth); got.Sign() != 0 {
		t.Errorf("view after settlement = %s, want 0", got)
	}
	if got := book.UpdateFundingGrowthAndLiquidityFundingPayment(maker, "ETH-PERP", growth); got.Sign() != 0 {
		t.Errorf("mutating after settlement = %s, want 0", got)
	}
}

func TestLiquidityBook_FundingWeight(t *testing.T) {
	book := state.NewLiquidityBook(newStubCurve())
	maker := uuid.New()

	if got := book.FundingWeight("ETH-PERP"); got.Sign() != 0 {
		t.Errorf("weight of empty market = %s, want 0", got)
	}

	if _, err := book.AddLiquidity(maker, "ETH-PERP", d18(10), d18(0), zeroGrowth()); err != nil {
		t.Fatalf("add: %v", err)
	}
	if got := book.FundingWeight("ETH-PERP"); got.Cmp(fpmath.One) != 0 {
		t.Errorf("weight of live market = %s, want %s", got, fpmath.One)
	}
}

// ============================================================================
// Test: snapshot / restore
// ============================================================================

func TestLiquidityBook_SnapshotRestore(t *testing.T) {
	book := state.NewLiquidityBook(newStubCurve())
	maker := uuid.New()

	added, err := book.AddLiquidity(maker, "ETH-PERP", d18(10), d18(1000), zeroGrowth())
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	snap := book.Snapshot()

	if _, err := book.RemoveLiquidity(maker, "ETH-PERP", added.Liquidity, new(big.Int), new(big.Int), zeroGrowth()); err != nil {
		t.Fatalf("remove: %v", err)
	}
	book.Restore(snap)

	if got := book.GetLiquidity(maker, "ETH-PERP"); got.Cmp(added.Liquidity) != 0 {
		t.Errorf("restored liquidity = %s, want %s", got, added.Liquidity)
	}
	if got := book.TotalLiquidity("ETH-PERP"); got.Cmp(added.Liquidity) != 0 {
		t.Errorf("restored total liquidity = %s, want %s", got, added.Liquidity)
	}
}

package math_test

import (
	"errors"
	"math/big"
	"math/rand"
	"testing"

	fpmath "ClearingHouse/internal/math"
)

// ============================================================================
// Test: MulDiv
// ============================================================================

func TestMulDiv_Basic(t *testing.T) {
	got, err := fpmath.MulDiv(big.NewInt(6), big.NewInt(7), big.NewInt(2))
	if err != nil {
		t.Fatalf("MulDiv failed: %v", err)
	}
	if got.Int64() != 21 {
		t.Errorf("got %s, want 21", got)
	}
}

func TestMulDiv_Floors(t *testing.T) {
	got, err := fpmath.MulDiv(big.NewInt(7), big.NewInt(3), big.NewInt(4))
	if err != nil {
		t.Fatalf("MulDiv failed: %v", err)
	}
	if got.Int64() != 5 { // 21/4 = 5.25 -> 5
		t.Errorf("got %s, want 5", got)
	}
}

func TestMulDiv_IntermediateExceedsWordWidth(t *testing.T) {
	// a = b = 2^200: the product is 2^400, far beyond 256 bits, but the
	// quotient fits after dividing by 2^200.
	a := new(big.Int).Lsh(big.NewInt(1), 200)
	got, err := fpmath.MulDiv(a, a, a)
	if err != nil {
		t.Fatalf("MulDiv failed: %v", err)
	}
	if got.Cmp(a) != 0 {
		t.Errorf("got %s, want 2^200", got)
	}
}

func TestMulDiv_DivisionByZero(t *testing.T) {
	_, err := fpmath.MulDiv(big.NewInt(1), big.NewInt(1), big.NewInt(0))
	if !errors.Is(err, fpmath.ErrDivisionByZero) {
		t.Errorf("expected ErrDivisionByZero, got %v", err)
	}
}

func TestMulDiv_Overflow(t *testing.T) {
	// 2^200 * 2^200 / 3 does not fit in 256 bits.
	a := new(big.Int).Lsh(big.NewInt(1), 200)
	_, err := fpmath.MulDiv(a, a, big.NewInt(3))
	if !errors.Is(err, fpmath.ErrOverflow) {
		t.Errorf("expected ErrOverflow, got %v", err)
	}
}

func TestMulDiv_RandomizedAgainstReference(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 2000; i++ {
		a := new(big.Int).Rand(rng, new(big.Int).Lsh(big.NewInt(1), 128))
		b := new(big.Int).Rand(rng, new(big.Int).Lsh(big.NewInt(1), 128))
		d := new(big.Int).Rand(rng, new(big.Int).Lsh(big.NewInt(1), 64))
		d.Add(d, big.NewInt(1)) // never zero

		got, err := fpmath.MulDiv(a, b, d)
		if err != nil {
			t.Fatalf("iteration %d: MulDiv failed: %v", i, err)
		}

		want := new(big.Int).Mul(a, b)
		want.Div(want, d)

		if got.Cmp(want) != 0 {
			t.Fatalf("iteration %d: MulDiv(%s, %s, %s) = %s, want %s", i, a, b, d, got, want)
		}
	}
}

// ============================================================================
// Test: MulDivSigned
// ============================================================================

func TestMulDivSigned_TruncatesTowardZero(t *testing.T) {
	cases := []struct {
		a, b, d int64
		want    int64
	}{
		{7, 3, 4, 5},    // 5.25 -> 5
		{-7, 3, 4, -5},  // -5.25 -> -5 (toward zero, not -6)
		{7, -3, 4, -5},  // sign from b
		{-7, -3, 4, 5},  // double negative
		{7, 3, -4, -5},  // sign from denominator
		{-7, 3, -4, 5},  // sign XOR across all three
		{0, 100, 7, 0},  // zero operand
		{1, 1, 1000, 0}, // quotient rounds to zero
	}

	for _, tc := range cases {
		got, err := fpmath.MulDivSigned(big.NewInt(tc.a), big.NewInt(tc.b), big.NewInt(tc.d))
		if err != nil {
			t.Fatalf("MulDivSigned(%d, %d, %d) failed: %v", tc.a, tc.b, tc.d, err)
		}
		if got.Int64() != tc.want {
			t.Errorf("MulDivSigned(%d, %d, %d) = %s, want %d", tc.a, tc.b, tc.d, got, tc.want)
		}
	}
}

func TestMulDivSigned_DivisionByZero(t *testing.T) {
	_, err := fpmath.MulDivSigned(big.NewInt(1), big.NewInt(1), big.NewInt(0))
	if !errors.Is(err, fpmath.ErrDivisionByZero) {
		t.Errorf("expected ErrDivisionByZero, got %v", err)
	}
}

func TestMulDivSigned_InputsDoNotMutate(t *testing.T) {
	a := big.NewInt(-7)
	b := big.NewInt(3)
	d := big.NewInt(4)

	if _, err := fpmath.MulDivSigned(a, b, d); err != nil {
		t.Fatalf("MulDivSigned failed: %v", err)
	}

	if a.Int64() != -7 || b.Int64() != 3 || d.Int64() != 4 {
		t.Errorf("inputs mutated: a=%s b=%s d=%s", a, b, d)
	}
}

// ============================================================================
// Test: Checked casts
// ============================================================================

func TestToInt256_RejectsAboveMax(t *testing.T) {
	tooBig := new(big.Int).Lsh(big.NewInt(1), 255) // MaxInt256 + 1
	_, err := fpmath.ToInt256(tooBig)
	if !errors.Is(err, fpmath.ErrCastOverflow) {
		t.Errorf("expected ErrCastOverflow, got %v", err)
	}
}

func TestToUint256_RejectsNegative(t *testing.T) {
	_, err := fpmath.ToUint256(big.NewInt(-1))
	if !errors.Is(err, fpmath.ErrCastOverflow) {
		t.Errorf("expected ErrCastOverflow, got %v", err)
	}
}

func TestToInt64_Bounds(t *testing.T) {
	if v, err := fpmath.ToInt64(big.NewInt(1<<62 + 5)); err != nil || v != 1<<62+5 {
		t.Errorf("in-range cast failed: %v, %d", err, v)
	}

	over := new(big.Int).Lsh(big.NewInt(1), 63)
	if _, err := fpmath.ToInt64(over); !errors.Is(err, fpmath.ErrCastOverflow) {
		t.Errorf("expected ErrCastOverflow for 2^63, got %v", err)
	}
}

func TestToUint32_Bounds(t *testing.T) {
	if v, err := fpmath.ToUint32(big.NewInt(4_294_967_295)); err != nil || v != 4_294_967_295 {
		t.Errorf("in-range cast failed: %v, %d", err, v)
	}
	if _, err := fpmath.ToUint32(big.NewInt(4_294_967_296)); !errors.Is(err, fpmath.ErrCastOverflow) {
		t.Errorf("expected ErrCastOverflow for 2^32, got %v", err)
	}
	if _, err := fpmath.ToUint32(big.NewInt(-1)); !errors.Is(err, fpmath.ErrCastOverflow) {
		t.Errorf("expected ErrCastOverflow for -1, got %v", err)
	}
}

// ============================================================================
// Test: MulRatio
// ============================================================================

func TestMulRatio(t *testing.T) {
	// 100e18 * 10% (100_000 / 1e6) = 10e18
	amount := new(big.Int).Mul(big.NewInt(100), fpmath.One)
	got := fpmath.MulRatio(amount, 100_000)

	want := new(big.Int).Mul(big.NewInt(10), fpmath.One)
	if got.Cmp(want) != 0 {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestMulRatio_NegativeAmount(t *testing.T) {
	amount := new(big.Int).Mul(big.NewInt(-100), fpmath.One)
	got := fpmath.MulRatio(amount, 50_000)

	want := new(big.Int).Mul(big.NewInt(-5), fpmath.One)
	if got.Cmp(want) != 0 {
		t.Errorf("got %s, want %s", got, want)
	}
}

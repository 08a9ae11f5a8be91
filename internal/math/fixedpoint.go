package math

import (
	"errors"
	"math/big"
	"sync"
)

// Fixed-point conventions shared by every money computation in the engine.
// Amounts (base, quote, premium) carry 18 decimals; ratios (margin fractions,
// penalty fractions) carry 6 decimals. All arithmetic is deterministic:
// floor for unsigned division, truncation toward zero for signed division,
// never a platform-dependent rounding mode.
var (
	// One is the 18-decimal scale (1e18). Treat as read-only.
	One = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

	// RatioOne is the 6-decimal ratio scale (1e6). Treat as read-only.
	RatioOne = big.NewInt(1_000_000)

	maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
	maxInt256  = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 255), big.NewInt(1))
	minInt256  = new(big.Int).Neg(new(big.Int).Lsh(big.NewInt(1), 255))
)

var (
	ErrDivisionByZero = errors.New("division by zero")
	ErrOverflow       = errors.New("result exceeds representable range")
	ErrCastOverflow   = errors.New("value does not fit destination width")
)

// intPool recycles big.Int scratch values for intermediate products.
var intPool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt() *big.Int {
	return intPool.Get().(*big.Int)
}

func putInt(v *big.Int) {
	v.SetInt64(0)
	intPool.Put(v)
}

// MulDiv computes floor(a*b/denominator) for unsigned 256-bit operands.
// The intermediate product is held at full width, so a*b may exceed 256 bits
// without wrapping. Fails with ErrDivisionByZero when denominator is zero and
// with ErrOverflow when the quotient does not fit in 256 bits.
func MulDiv(a, b, denominator *big.Int) (*big.Int, error) {
	if a.Sign() < 0 || b.Sign() < 0 || denominator.Sign() < 0 {
		return nil, ErrOverflow
	}
	if denominator.Sign() == 0 {
		return nil, ErrDivisionByZero
	}

	product := getInt()
	product.Mul(a, b)

	result := new(big.Int).Quo(product, denominator)
	putInt(product)

	if result.Cmp(maxUint256) > 0 {
		return nil, ErrOverflow
	}
	return result, nil
}

// MulDivSigned computes a*b/denominator truncated toward zero for signed
// operands. It decomposes into unsigned magnitudes with the sign recovered
// from the XOR of the operand signs, which keeps the rounding direction
// identical regardless of which operand carries the sign.
func MulDivSigned(a, b, denominator *big.Int) (*big.Int, error) {
	if denominator.Sign() == 0 {
		return nil, ErrDivisionByZero
	}

	magA := getInt()
	magB := getInt()
	magD := getInt()
	magA.Abs(a)
	magB.Abs(b)
	magD.Abs(denominator)

	product := getInt()
	product.Mul(magA, magB)

	result := new(big.Int).Quo(product, magD)

	putInt(magA)
	putInt(magB)
	putInt(magD)
	putInt(product)

	negative := (a.Sign() < 0) != (b.Sign() < 0)
	if denominator.Sign() < 0 {
		negative = !negative
	}
	if negative && result.Sign() != 0 {
		result.Neg(result)
	}

	if result.Cmp(maxInt256) > 0 || result.Cmp(minInt256) < 0 {
		return nil, ErrOverflow
	}
	return result, nil
}

// ToInt256 reinterprets an unsigned value as signed 256-bit.
// Fails with ErrCastOverflow when the value exceeds MaxInt256.
func ToInt256(v *big.Int) (*big.Int, error) {
	if v.Sign() < 0 || v.Cmp(maxInt256) > 0 {
		return nil, ErrCastOverflow
	}
	return new(big.Int).Set(v), nil
}

// ToUint256 reinterprets a signed value as unsigned.
// Fails with ErrCastOverflow when the value is negative.
func ToUint256(v *big.Int) (*big.Int, error) {
	if v.Sign() < 0 {
		return nil, ErrCastOverflow
	}
	return new(big.Int).Set(v), nil
}

// ToInt64 downcasts losslessly to int64.
func ToInt64(v *big.Int) (int64, error) {
	if !v.IsInt64() {
		return 0, ErrCastOverflow
	}
	return v.Int64(), nil
}

// ToUint32 downcasts losslessly to uint32.
func ToUint32(v *big.Int) (uint32, error) {
	if !v.IsUint64() || v.Uint64() > 1<<32-1 {
		return 0, ErrCastOverflow
	}
	return uint32(v.Uint64()), nil
}

// CheckedAdd adds two signed 256-bit values, failing on overflow.
func CheckedAdd(a, b *big.Int) (*big.Int, error) {
	result := new(big.Int).Add(a, b)
	if result.Cmp(maxInt256) > 0 || result.Cmp(minInt256) < 0 {
		return nil, ErrOverflow
	}
	return result, nil
}

// MulRatio scales an 18-decimal amount by a 6-decimal ratio, truncating
// toward zero. Used for margin and penalty fractions.
func MulRatio(amount *big.Int, ratio int64) *big.Int {
	result, err := MulDivSigned(amount, big.NewInt(ratio), RatioOne)
	if err != nil {
		// Ratio scale is a non-zero constant and operands are bounded by
		// callers; a failure here is an engine bug.
		panic("FATAL: MulRatio: " + err.Error())
	}
	return result
}

// Abs returns a fresh absolute value.
func Abs(v *big.Int) *big.Int {
	return new(big.Int).Abs(v)
}

// Neg returns a fresh negation.
func Neg(v *big.Int) *big.Int {
	return new(big.Int).Neg(v)
}

// Clone returns a defensive copy. State owners copy on ingress and egress so
// callers can never alias internal accumulators.
func Clone(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}

package safe

import (
	"math"
)

// Int64 covers int64 and every fixed-point type defined over it
// (quant.PriceMicros, quant.QtySats, ...).
type Int64 interface {
	~int64
}

// Add performs int64 addition and panics on overflow/underflow.
func Add[T Int64](a, b T) T {
	if (b > 0 && a > T(math.MaxInt64)-b) || (b < 0 && a < T(math.MinInt64)-b) {
		panic("CORE_SAFE_ADD_OVERFLOW")
	}
	return a + b
}

// Sub performs int64 subtraction and panics on overflow/underflow.
func Sub[T Int64](a, b T) T {
	if (b > 0 && a < T(math.MinInt64)+b) || (b < 0 && a > T(math.MaxInt64)+b) {
		panic("CORE_SAFE_SUB_OVERFLOW")
	}
	return a - b
}

// Mul performs int64 multiplication and panics on overflow/underflow.
func Mul[T Int64](a, b T) T {
	if a == 0 || b == 0 {
		return 0
	}
	r := a * b
	if r/b != a || (a == -1 && b == T(math.MinInt64)) || (b == -1 && a == T(math.MinInt64)) {
		panic("CORE_SAFE_MUL_OVERFLOW")
	}
	return r
}

// Abs returns |a|; MinInt64 has no positive counterpart and panics.
func Abs[T Int64](a T) T {
	if a == T(math.MinInt64) {
		panic("CORE_SAFE_ABS_OVERFLOW")
	}
	if a < 0 {
		return -a
	}
	return a
}

// NonNegative clamps negative values to zero.
func NonNegative[T Int64](a T) T {
	if a < 0 {
		return 0
	}
	return a
}

// FloorTo rounds a down to a multiple of step. A non-positive step is a no-op.
func FloorTo[T Int64](a, step T) T {
	if step <= 0 {
		return a
	}
	r := a % step
	if r < 0 {
		r += step
	}
	return a - r
}

// CeilTo rounds a up to a multiple of step. A non-positive step is a no-op.
func CeilTo[T Int64](a, step T) T {
	if step <= 0 {
		return a
	}
	f := FloorTo(a, step)
	if f == a {
		return a
	}
	return Add(f, step)
}

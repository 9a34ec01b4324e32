package safe

import (
	"testing"
)

// FuzzAdd tests Add with fuzzing.
func FuzzAdd(f *testing.F) {
	// Seed corpus
	f.Add(int64(0), int64(0))
	f.Add(int64(1), int64(2))
	f.Add(int64(-1), int64(1))
	f.Add(int64(9223372036854775807), int64(0))  // MaxInt64
	f.Add(int64(-9223372036854775808), int64(0)) // MinInt64

	f.Fuzz(func(t *testing.T, a, b int64) {
		defer func() { recover() }() // Overflow panic is expected behavior
		if got := Add(a, b); Sub(got, b) != a {
			t.Fatalf("Add/Sub mismatch for %d, %d", a, b)
		}
	})
}

// FuzzMul tests Mul with fuzzing.
func FuzzMul(f *testing.F) {
	f.Add(int64(0), int64(0))
	f.Add(int64(2), int64(3))
	f.Add(int64(-2), int64(3))
	f.Add(int64(1000000), int64(1000000))

	f.Fuzz(func(t *testing.T, a, b int64) {
		defer func() { recover() }()
		got := Mul(a, b)
		if b != 0 && got/b != a {
			t.Fatalf("Mul(%d, %d) = %d is not exact", a, b, got)
		}
	})
}

// FuzzFloorTo checks FloorTo always yields an aligned value not above the input.
func FuzzFloorTo(f *testing.F) {
	f.Add(int64(10), int64(3))
	f.Add(int64(-10), int64(3))
	f.Add(int64(49999950000), int64(100000))

	f.Fuzz(func(t *testing.T, a, step int64) {
		if step <= 0 {
			return
		}
		defer func() { recover() }()
		got := FloorTo(a, step)
		if got > a || got%step != 0 {
			t.Fatalf("FloorTo(%d, %d) = %d", a, step, got)
		}
	})
}

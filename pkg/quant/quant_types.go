package quant

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync/atomic"
)

// PriceMicros represents price multiplied by 1,000,000 (10^6).
// E.g., 1.23 USD = 1,230,000 PriceMicros.
type PriceMicros int64

// QtySats represents quantity multiplied by 100,000,000 (10^8).
// E.g., 1.0 BTC = 100,000,000 QtySats.
type QtySats int64

// TimeStamp represents Unix Microseconds.
type TimeStamp int64

const (
	PriceScale = 1000000
	QtyScale   = 100000000

	priceDecimals = 6
	qtyDecimals   = 8
)

func (p PriceMicros) String() string {
	return fmt.Sprintf("%.6f", float64(p)/PriceScale)
}

func (q QtySats) String() string {
	return fmt.Sprintf("%.8f", float64(q)/QtyScale)
}

// NextSeq generates the next sequence number atomically.
func NextSeq(ptr *uint64) uint64 {
	return atomic.AddUint64(ptr, 1)
}

// ParseTimeStamp converts a millisecond string to TimeStamp (micros).
func ParseTimeStamp(s string) (TimeStamp, error) {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, err
	}
	return TimeStamp(ms * 1000), nil
}

// ParsePrice parses a decimal string ("123.45") into PriceMicros without float64.
// Digits beyond micro precision are truncated.
func ParsePrice(s string) (PriceMicros, error) {
	v, err := parseFixedPoint(s, priceDecimals)
	return PriceMicros(v), err
}

// ParseQty parses a decimal string ("0.00123") into QtySats without float64.
func ParseQty(s string) (QtySats, error) {
	v, err := parseFixedPoint(s, qtyDecimals)
	return QtySats(v), err
}

var errMultipleDots = errors.New("invalid decimal format: multiple dots")

// parseFixedPoint parses a decimal string into an int64 scaled by 10^decimals.
// E.g., parseFixedPoint("1.23", 6) -> 1,230,000.
func parseFixedPoint(s string, decimals int) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "null" {
		return 0, nil
	}

	intPart, fracPart, found := strings.Cut(s, ".")
	if found && strings.Contains(fracPart, ".") {
		return 0, errMultipleDots
	}

	negative := false
	switch {
	case strings.HasPrefix(intPart, "-"):
		negative = true
		intPart = intPart[1:]
	case strings.HasPrefix(intPart, "+"):
		intPart = intPart[1:]
	}

	var intVal int64
	if intPart != "" {
		v, err := strconv.ParseUint(intPart, 10, 63)
		if err != nil {
			return 0, fmt.Errorf("parse integer part %q: %w", s, err)
		}
		intVal = int64(v)
	}

	// Truncate extra precision (floor), pad the rest with zeros.
	if len(fracPart) > decimals {
		fracPart = fracPart[:decimals]
	}
	fracPart += strings.Repeat("0", decimals-len(fracPart))

	frac, err := strconv.ParseUint(fracPart, 10, 63)
	if err != nil {
		return 0, fmt.Errorf("parse fraction part %q: %w", s, err)
	}
	fracVal := int64(frac)

	multiplier := int64(1)
	for i := 0; i < decimals; i++ {
		multiplier *= 10
	}
	if intVal > (math.MaxInt64-fracVal)/multiplier {
		return 0, fmt.Errorf("decimal %q overflows int64 at scale %d", s, decimals)
	}

	total := intVal*multiplier + fracVal
	if negative {
		return -total, nil
	}
	return total, nil
}

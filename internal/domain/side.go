package domain

import (
	"fmt"
	"strings"
)

// Side is one leg of a hedge. It doubles as an array index, so only Buy and
// Sell are valid values.
type Side uint8

const (
	Buy Side = iota
	Sell
)

// Sides lists both legs in index order.
var Sides = [2]Side{Buy, Sell}

func (s Side) String() string {
	switch s {
	case Buy:
		return "BUY"
	case Sell:
		return "SELL"
	}
	return fmt.Sprintf("Side(%d)", uint8(s))
}

// Opposite returns the other leg.
func (s Side) Opposite() Side {
	return s ^ 1
}

// Valid reports whether s is Buy or Sell.
func (s Side) Valid() bool {
	return s == Buy || s == Sell
}

// ParseSide accepts "BUY"/"SELL" in any case.
func ParseSide(v string) (Side, error) {
	switch strings.ToUpper(strings.TrimSpace(v)) {
	case "BUY":
		return Buy, nil
	case "SELL":
		return Sell, nil
	}
	return 0, fmt.Errorf("invalid side %q", v)
}

func (s Side) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid side %d", uint8(s))
	}
	return []byte(s.String()), nil
}

func (s *Side) UnmarshalText(b []byte) error {
	v, err := ParseSide(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

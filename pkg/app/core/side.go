package core

import (
	"bytes"
	"fmt"
	"strings"
)

// Side is the direction of an order. The zero value is invalid so that an
// unset side can never be mistaken for a real one.
type Side uint8

const (
	Buy  Side = 1
	Sell Side = 2
)

var (
	sideBuyJSON  = []byte(`"BUY"`)
	sideSellJSON = []byte(`"SELL"`)
)

func (s Side) Valid() bool { return s == Buy || s == Sell }

func (s Side) String() string {
	switch s {
	case Buy:
		return "BUY"
	case Sell:
		return "SELL"
	default:
		return fmt.Sprintf("Side(%d)", uint8(s))
	}
}

// Opposite returns the side an order must face to trade.
func (s Side) Opposite() Side {
	switch s {
	case Buy:
		return Sell
	case Sell:
		return Buy
	default:
		return s
	}
}

func (s Side) MarshalJSON() ([]byte, error) {
	switch s {
	case Buy:
		return sideBuyJSON, nil
	case Sell:
		return sideSellJSON, nil
	}
	return nil, fmt.Errorf("invalid side json conversion: %d", uint8(s))
}

func (s *Side) UnmarshalJSON(data []byte) error {
	switch {
	case bytes.Equal(data, sideBuyJSON):
		*s = Buy
	case bytes.Equal(data, sideSellJSON):
		*s = Sell
	default:
		return fmt.Errorf("unsupported side: %s", data)
	}
	return nil
}

// ParseSide accepts "buy"/"sell" in any case.
func ParseSide(v string) (Side, error) {
	switch strings.ToUpper(strings.TrimSpace(v)) {
	case "BUY":
		return Buy, nil
	case "SELL":
		return Sell, nil
	}
	return 0, fmt.Errorf("%w: unsupported side %q", ErrInvalidOrder, v)
}

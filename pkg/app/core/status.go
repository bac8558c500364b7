package core

import (
	"fmt"
	"strings"
)

type OrderStatus string

const (
	StatusActive    OrderStatus = "ACTIVE"
	StatusFilled    OrderStatus = "FILLED"
	StatusCancelled OrderStatus = "CANCELLED"
	StatusExpired   OrderStatus = "EXPIRED"
)

func (s OrderStatus) Valid() bool {
	switch s {
	case StatusActive, StatusFilled, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition is allowed.
func (s OrderStatus) IsTerminal() bool {
	return s == StatusFilled || s == StatusCancelled || s == StatusExpired
}

// CanTransition only allows ACTIVE to move into one of the terminal states.
func (s OrderStatus) CanTransition(to OrderStatus) bool {
	return s == StatusActive && to.IsTerminal()
}

func ParseOrderStatus(v string) (OrderStatus, error) {
	s := OrderStatus(strings.ToUpper(strings.TrimSpace(v)))
	if !s.Valid() {
		return "", fmt.Errorf("unknown order status %q", v)
	}
	return s, nil
}

type TradeStatus string

const (
	TradePending   TradeStatus = "PENDING"
	TradeConfirmed TradeStatus = "CONFIRMED"
)

func (s TradeStatus) Valid() bool {
	return s == TradePending || s == TradeConfirmed
}

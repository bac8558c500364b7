package core

import "errors"

var (
	ErrInvalidOrder          = errors.New("invalid order")
	ErrDuplicateOrder        = errors.New("duplicate order")
	ErrUnauthorized          = errors.New("unauthorized")
	ErrInstrumentNotTradable = errors.New("instrument not tradable")
	ErrOrderNotFound         = errors.New("order not found")
	ErrNotActive             = errors.New("order not active")
	ErrConflict              = errors.New("conflicting update")
	ErrDuplicateTrade        = errors.New("trade already exists for order pair")
	ErrTradeNotFound         = errors.New("trade not found")
)

// ErrIncompatibleOrders means trade terms were requested for orders that
// cannot trade. The matcher never does this, so seeing it is a bug.
var ErrIncompatibleOrders = errors.New("incompatible orders")

var (
	ErrSettlementFailed  = errors.New("settlement failed")
	ErrSettlementTimeout = errors.New("settlement timed out")
)

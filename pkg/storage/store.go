// Package storage persists signed orders and trades. It is the single source
// of truth for order state; every write that depends on previously observed
// state is a conditional update.
package storage

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/estatex/pkg/app/core"
)

type OrderFilter struct {
	Instrument string
	Maker      *common.Address
	Status     core.OrderStatus // empty matches any status
	Limit      int              // <= 0 means no limit
}

// TradeFilter selects confirmed trades, newest first. At least one of
// Instrument or Maker must be set.
type TradeFilter struct {
	Instrument string
	Maker      *common.Address
	Since      time.Time // settled at or after; zero means unbounded
	Cursor     string    // opaque, from a previous page
	Limit      int
}

// ConfirmRequest applies a settled trade to its two orders. The expected
// remaining amounts are the values the match was proposed from.
type ConfirmRequest struct {
	BuyOrderID          string
	SellOrderID         string
	ExpectBuyRemaining  uint64
	ExpectSellRemaining uint64
	SettlementRef       string
	SettledAt           time.Time
}

type OrderStore interface {
	// InsertOrder stores a new order. It returns core.ErrDuplicateOrder if
	// the id already exists.
	InsertOrder(ctx context.Context, o *core.SignedOrder) error
	GetOrder(ctx context.Context, id string) (*core.SignedOrder, error)
	// FindOrders returns matching orders sorted by creation time.
	FindOrders(ctx context.Context, f OrderFilter) ([]*core.SignedOrder, error)
	// ActiveInstruments lists instruments with at least one order tradable at now.
	ActiveInstruments(ctx context.Context, now time.Time) ([]string, error)
	// ExpiredActive lists ACTIVE orders whose expiry lies before now.
	ExpiredActive(ctx context.Context, now time.Time) ([]*core.SignedOrder, error)
	// TransitionStatus moves an order from one status to another, returning
	// core.ErrConflict if the order is no longer in status from.
	TransitionStatus(ctx context.Context, id string, from, to core.OrderStatus, at time.Time) (*core.SignedOrder, error)
}

type TradeStore interface {
	// ReserveTrade records a PENDING trade for its (buy, sell) pair. It
	// returns core.ErrDuplicateTrade if any trade for the pair exists.
	ReserveTrade(ctx context.Context, t *core.Trade) error
	// ReleaseTrade removes a PENDING reservation that never settled.
	ReleaseTrade(ctx context.Context, buyOrderID, sellOrderID string) error
	// ConfirmTrade atomically confirms a reserved trade and decrements both
	// orders. Nothing is written unless every expectation holds; otherwise
	// core.ErrConflict is returned.
	ConfirmTrade(ctx context.Context, req ConfirmRequest) (*core.Trade, error)
	// MarkUnreconciled attaches a settlement ref to a PENDING trade whose
	// confirmation conflicted, leaving it PENDING.
	MarkUnreconciled(ctx context.Context, buyOrderID, sellOrderID, ref string) error
	GetTrade(ctx context.Context, buyOrderID, sellOrderID string) (*core.Trade, error)
	// FindTrades pages through confirmed trades. The returned cursor is empty
	// on the last page.
	FindTrades(ctx context.Context, f TradeFilter) ([]*core.Trade, string, error)
	// PendingTrades lists PENDING trades, oldest first.
	PendingTrades(ctx context.Context) ([]*core.Trade, error)
}

type Store interface {
	OrderStore
	TradeStore
	Close() error
}

// DefaultTradePageSize applies when a filter leaves Limit unset.
const DefaultTradePageSize = 50

// MaxTradePageSize caps a single page.
const MaxTradePageSize = 500

func pageSize(limit int) int {
	switch {
	case limit <= 0:
		return DefaultTradePageSize
	case limit > MaxTradePageSize:
		return MaxTradePageSize
	}
	return limit
}

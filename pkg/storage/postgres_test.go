package storage

import (
	"context"
	"errors"
	"math"
	"os"
	"testing"

	"github.com/uhyunpark/estatex/pkg/app/core"
)

// newPostgresStore connects to TEST_DATABASE_URL and empties both tables.
func newPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	s, err := OpenPostgres(ctx, PostgresConfig{URL: url, MaxConns: 4})
	if err != nil {
		t.Fatalf("OpenPostgres: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if _, err := s.pool.Exec(ctx, `TRUNCATE trades, orders`); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	return s
}

func TestPostgresOrderRoundTrip(t *testing.T) {
	s := newPostgresStore(t)
	ctx := context.Background()

	o := newOrder("0xbig", "PROP-1", core.Sell, math.MaxUint64, math.MaxUint64-1, t0.Unix()+3600, t0)
	mustInsert(t, s, o)

	got, err := s.GetOrder(ctx, o.ID)
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if got.Order != o.Order || got.Remaining != o.Remaining || got.Status != o.Status {
		t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", got, o)
	}
	if !got.CreatedAt.Equal(o.CreatedAt) {
		t.Fatalf("createdAt = %v, want %v", got.CreatedAt, o.CreatedAt)
	}

	if err := s.InsertOrder(ctx, o); !errors.Is(err, core.ErrDuplicateOrder) {
		t.Fatalf("second insert: got %v, want ErrDuplicateOrder", err)
	}
	if _, err := s.GetOrder(ctx, "0xmissing"); !errors.Is(err, core.ErrOrderNotFound) {
		t.Fatalf("missing order: got %v", err)
	}
}

func TestPostgresTradeLifecycle(t *testing.T) {
	s := newPostgresStore(t)
	ctx := context.Background()

	buy := newOrder("0xb1", "PROP-1", core.Buy, 100, 50, t0.Unix()+3600, t0)
	sell := newOrder("0xs1", "PROP-1", core.Sell, 60, 45, t0.Unix()+3600, t0)
	mustInsert(t, s, buy, sell)

	tr := pendingTrade(buy, sell, 60, 45)
	if err := s.ReserveTrade(ctx, tr); err != nil {
		t.Fatalf("ReserveTrade: %v", err)
	}
	if err := s.ReserveTrade(ctx, pendingTrade(buy, sell, 60, 45)); !errors.Is(err, core.ErrDuplicateTrade) {
		t.Fatalf("second reserve: got %v, want ErrDuplicateTrade", err)
	}

	confirmed, err := s.ConfirmTrade(ctx, ConfirmRequest{
		BuyOrderID:          buy.ID,
		SellOrderID:         sell.ID,
		ExpectBuyRemaining:  100,
		ExpectSellRemaining: 60,
		SettlementRef:       "ref-1",
		SettledAt:           t0,
	})
	if err != nil {
		t.Fatalf("ConfirmTrade: %v", err)
	}
	if confirmed.Status != core.TradeConfirmed || confirmed.SettlementRef != "ref-1" {
		t.Fatalf("confirmed trade = %+v", confirmed)
	}
	if confirmed.TotalValue.Uint64() != 2700 {
		t.Fatalf("totalValue = %s, want 2700", confirmed.TotalValue)
	}

	gotBuy, _ := s.GetOrder(ctx, buy.ID)
	gotSell, _ := s.GetOrder(ctx, sell.ID)
	if gotBuy.Remaining != 40 || gotBuy.Status != core.StatusActive {
		t.Fatalf("buy after fill = %d %s", gotBuy.Remaining, gotBuy.Status)
	}
	if gotSell.Remaining != 0 || gotSell.Status != core.StatusFilled {
		t.Fatalf("sell after fill = %d %s", gotSell.Remaining, gotSell.Status)
	}

	trades, next, err := s.FindTrades(ctx, TradeFilter{Instrument: "PROP-1"})
	if err != nil {
		t.Fatalf("FindTrades: %v", err)
	}
	if len(trades) != 1 || next != "" {
		t.Fatalf("FindTrades = %d trades, cursor %q", len(trades), next)
	}
}

func TestPostgresConfirmConflictWritesNothing(t *testing.T) {
	s := newPostgresStore(t)
	ctx := context.Background()

	buy := newOrder("0xb1", "PROP-1", core.Buy, 100, 50, t0.Unix()+3600, t0)
	sell := newOrder("0xs1", "PROP-1", core.Sell, 60, 45, t0.Unix()+3600, t0)
	mustInsert(t, s, buy, sell)
	if err := s.ReserveTrade(ctx, pendingTrade(buy, sell, 60, 45)); err != nil {
		t.Fatalf("ReserveTrade: %v", err)
	}
	if _, err := s.TransitionStatus(ctx, buy.ID, core.StatusActive, core.StatusCancelled, t0); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	_, err := s.ConfirmTrade(ctx, ConfirmRequest{
		BuyOrderID:          buy.ID,
		SellOrderID:         sell.ID,
		ExpectBuyRemaining:  100,
		ExpectSellRemaining: 60,
		SettlementRef:       "ref-1",
		SettledAt:           t0,
	})
	if !errors.Is(err, core.ErrConflict) {
		t.Fatalf("ConfirmTrade: got %v, want ErrConflict", err)
	}

	tr, err := s.GetTrade(ctx, buy.ID, sell.ID)
	if err != nil {
		t.Fatalf("GetTrade: %v", err)
	}
	if tr.Status != core.TradePending {
		t.Fatalf("trade status = %s, want PENDING after rollback", tr.Status)
	}
	gotSell, _ := s.GetOrder(ctx, sell.ID)
	if gotSell.Remaining != 60 {
		t.Fatalf("sell remaining = %d, want 60", gotSell.Remaining)
	}

	if err := s.MarkUnreconciled(ctx, buy.ID, sell.ID, "ref-1"); err != nil {
		t.Fatalf("MarkUnreconciled: %v", err)
	}
	pending, err := s.PendingTrades(ctx)
	if err != nil {
		t.Fatalf("PendingTrades: %v", err)
	}
	if len(pending) != 1 || pending[0].SettlementRef != "ref-1" {
		t.Fatalf("pending = %+v", pending)
	}
}

package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/uhyunpark/estatex/pkg/app/core"
)

var (
	t0     = time.Unix(1_700_000_000, 0).UTC()
	buyer  = common.HexToAddress("0xb000000000000000000000000000000000000001")
	seller = common.HexToAddress("0x5000000000000000000000000000000000000002")
)

func newTestStore(t *testing.T) *PebbleStore {
	t.Helper()
	s, err := OpenPebble("", &pebble.Options{FS: vfs.NewMem()})
	if err != nil {
		t.Fatalf("OpenPebble: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newOrder(id, instrument string, side core.Side, amount, price uint64, expiry int64, createdAt time.Time) *core.SignedOrder {
	maker := buyer
	if side == core.Sell {
		maker = seller
	}
	return &core.SignedOrder{
		ID: id,
		Order: core.Order{
			Maker:      maker,
			Instrument: instrument,
			Side:       side,
			Amount:     amount,
			Price:      price,
			Expiry:     expiry,
			Nonce:      1,
		},
		Proof:     []byte{0x01},
		Remaining: amount,
		Status:    core.StatusActive,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
}

func pendingTrade(buy, sell *core.SignedOrder, amount, price uint64) *core.Trade {
	return &core.Trade{
		ID:          uuid.NewString(),
		BuyOrderID:  buy.ID,
		SellOrderID: sell.ID,
		Instrument:  buy.Order.Instrument,
		Buyer:       buy.Order.Maker,
		Seller:      sell.Order.Maker,
		Amount:      amount,
		Price:       price,
		TotalValue:  core.TotalValue(amount, price),
		Status:      core.TradePending,
		CreatedAt:   t0,
	}
}

func mustInsert(t *testing.T, s Store, orders ...*core.SignedOrder) {
	t.Helper()
	for _, o := range orders {
		if err := s.InsertOrder(context.Background(), o); err != nil {
			t.Fatalf("InsertOrder(%s): %v", o.ID, err)
		}
	}
}

func TestPebbleInsertOrderDuplicate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	o := newOrder("0x01", "P1", core.Buy, 100, 10, t0.Unix()+60, t0)

	mustInsert(t, s, o)
	if err := s.InsertOrder(ctx, o); !errors.Is(err, core.ErrDuplicateOrder) {
		t.Fatalf("second insert error = %v, want ErrDuplicateOrder", err)
	}

	got, err := s.GetOrder(ctx, "0x01")
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if got.Remaining != 100 || got.Status != core.StatusActive || got.Order.Maker != buyer {
		t.Errorf("GetOrder = %+v", got)
	}
	if _, err := s.GetOrder(ctx, "0xmissing"); !errors.Is(err, core.ErrOrderNotFound) {
		t.Errorf("GetOrder(missing) error = %v, want ErrOrderNotFound", err)
	}
}

func TestPebbleFindOrders(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustInsert(t, s,
		newOrder("0x03", "P1", core.Buy, 10, 10, t0.Unix()+60, t0.Add(2*time.Second)),
		newOrder("0x01", "P1", core.Sell, 10, 10, t0.Unix()+60, t0),
		newOrder("0x02", "P2", core.Buy, 10, 10, t0.Unix()+60, t0.Add(time.Second)),
	)
	if _, err := s.TransitionStatus(ctx, "0x03", core.StatusActive, core.StatusCancelled, t0); err != nil {
		t.Fatalf("TransitionStatus: %v", err)
	}

	tests := []struct {
		name   string
		filter OrderFilter
		want   []string
	}{
		{"instrument", OrderFilter{Instrument: "P1"}, []string{"0x01", "0x03"}},
		{"instrument active", OrderFilter{Instrument: "P1", Status: core.StatusActive}, []string{"0x01"}},
		{"maker", OrderFilter{Maker: &buyer}, []string{"0x02", "0x03"}},
		{"all limited", OrderFilter{Limit: 2}, []string{"0x01", "0x02"}},
		{"cancelled", OrderFilter{Status: core.StatusCancelled}, []string{"0x03"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.FindOrders(ctx, tt.filter)
			if err != nil {
				t.Fatalf("FindOrders: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %d orders, want %d", len(got), len(tt.want))
			}
			for i, id := range tt.want {
				if got[i].ID != id {
					t.Errorf("order %d = %s, want %s", i, got[i].ID, id)
				}
			}
		})
	}
}

func TestPebbleActiveInstrumentsAndExpiry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := t0.Add(time.Hour)

	mustInsert(t, s,
		newOrder("0xa1", "A", core.Buy, 10, 10, now.Unix()+60, t0),
		newOrder("0xa2", "A", core.Sell, 10, 10, now.Unix()+60, t0),
		newOrder("0xb1", "B", core.Sell, 10, 10, now.Unix()-1, t0), // expired
		newOrder("0xc1", "C", core.Sell, 10, 10, now.Unix(), t0),   // expires this second
	)

	got, err := s.ActiveInstruments(ctx, now)
	if err != nil {
		t.Fatalf("ActiveInstruments: %v", err)
	}
	if fmt.Sprint(got) != "[A C]" {
		t.Errorf("ActiveInstruments = %v, want [A C]", got)
	}

	expired, err := s.ExpiredActive(ctx, now)
	if err != nil {
		t.Fatalf("ExpiredActive: %v", err)
	}
	if len(expired) != 1 || expired[0].ID != "0xb1" {
		t.Fatalf("ExpiredActive = %v, want [0xb1]", expired)
	}

	if _, err := s.TransitionStatus(ctx, "0xb1", core.StatusActive, core.StatusExpired, now); err != nil {
		t.Fatalf("expire: %v", err)
	}
	if expired, _ = s.ExpiredActive(ctx, now); len(expired) != 0 {
		t.Errorf("expired order still listed: %v", expired)
	}
}

func TestPebbleTransitionStatusConditional(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustInsert(t, s, newOrder("0x01", "P1", core.Buy, 10, 10, t0.Unix()+60, t0))

	if _, err := s.TransitionStatus(ctx, "0x01", core.StatusActive, core.StatusCancelled, t0); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	for _, to := range []core.OrderStatus{core.StatusExpired, core.StatusFilled, core.StatusCancelled} {
		if _, err := s.TransitionStatus(ctx, "0x01", core.StatusActive, to, t0); !errors.Is(err, core.ErrConflict) {
			t.Errorf("ACTIVE->%s on cancelled order error = %v, want ErrConflict", to, err)
		}
	}
	if _, err := s.TransitionStatus(ctx, "0x01", core.StatusCancelled, core.StatusActive, t0); err == nil {
		t.Error("terminal state left")
	}
	got, _ := s.GetOrder(ctx, "0x01")
	if got.Status != core.StatusCancelled {
		t.Errorf("status = %s, want CANCELLED", got.Status)
	}
}

func TestPebbleTradeLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	buy := newOrder("0xb", "P1", core.Buy, 100, 10, t0.Unix()+60, t0)
	sell := newOrder("0xs", "P1", core.Sell, 60, 9, t0.Unix()+60, t0)
	mustInsert(t, s, buy, sell)

	trade := pendingTrade(buy, sell, 60, 9)
	if err := s.ReserveTrade(ctx, trade); err != nil {
		t.Fatalf("ReserveTrade: %v", err)
	}
	if err := s.ReserveTrade(ctx, pendingTrade(buy, sell, 60, 9)); !errors.Is(err, core.ErrDuplicateTrade) {
		t.Fatalf("second reserve error = %v, want ErrDuplicateTrade", err)
	}

	settled := t0.Add(time.Minute)
	confirmed, err := s.ConfirmTrade(ctx, ConfirmRequest{
		BuyOrderID: buy.ID, SellOrderID: sell.ID,
		ExpectBuyRemaining: 100, ExpectSellRemaining: 60,
		SettlementRef: "0xtx", SettledAt: settled,
	})
	if err != nil {
		t.Fatalf("ConfirmTrade: %v", err)
	}
	if !confirmed.Confirmed() || confirmed.TotalValue.Int64() != 540 {
		t.Errorf("confirmed = %+v", confirmed)
	}

	gotBuy, _ := s.GetOrder(ctx, buy.ID)
	gotSell, _ := s.GetOrder(ctx, sell.ID)
	if gotBuy.Remaining != 40 || gotBuy.Status != core.StatusActive {
		t.Errorf("buy = %d %s, want 40 ACTIVE", gotBuy.Remaining, gotBuy.Status)
	}
	if gotSell.Remaining != 0 || gotSell.Status != core.StatusFilled {
		t.Errorf("sell = %d %s, want 0 FILLED", gotSell.Remaining, gotSell.Status)
	}

	// the filled sell leaves the active index
	active, _ := s.FindOrders(ctx, OrderFilter{Instrument: "P1", Status: core.StatusActive})
	if len(active) != 1 || active[0].ID != buy.ID {
		t.Errorf("active = %v, want only buy", active)
	}

	if _, err := s.ConfirmTrade(ctx, ConfirmRequest{BuyOrderID: buy.ID, SellOrderID: sell.ID}); !errors.Is(err, core.ErrDuplicateTrade) {
		t.Errorf("re-confirm error = %v, want ErrDuplicateTrade", err)
	}
	if err := s.ReleaseTrade(ctx, buy.ID, sell.ID); !errors.Is(err, core.ErrConflict) {
		t.Errorf("release confirmed error = %v, want ErrConflict", err)
	}
}

func TestPebbleConfirmTradeConflict(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	buy := newOrder("0xb", "P1", core.Buy, 100, 10, t0.Unix()+60, t0)
	sell := newOrder("0xs", "P1", core.Sell, 60, 9, t0.Unix()+60, t0)
	mustInsert(t, s, buy, sell)

	if err := s.ReserveTrade(ctx, pendingTrade(buy, sell, 60, 9)); err != nil {
		t.Fatalf("ReserveTrade: %v", err)
	}
	_, err := s.ConfirmTrade(ctx, ConfirmRequest{
		BuyOrderID: buy.ID, SellOrderID: sell.ID,
		ExpectBuyRemaining: 90, ExpectSellRemaining: 60, // stale buy observation
		SettlementRef: "0xtx", SettledAt: t0,
	})
	if !errors.Is(err, core.ErrConflict) {
		t.Fatalf("ConfirmTrade error = %v, want ErrConflict", err)
	}

	gotBuy, _ := s.GetOrder(ctx, buy.ID)
	gotSell, _ := s.GetOrder(ctx, sell.ID)
	if gotBuy.Remaining != 100 || gotSell.Remaining != 60 {
		t.Errorf("conflict mutated orders: buy %d sell %d", gotBuy.Remaining, gotSell.Remaining)
	}
	tr, _ := s.GetTrade(ctx, buy.ID, sell.ID)
	if tr.Status != core.TradePending {
		t.Errorf("trade status = %s, want PENDING", tr.Status)
	}

	if err := s.MarkUnreconciled(ctx, buy.ID, sell.ID, "0xtx"); err != nil {
		t.Fatalf("MarkUnreconciled: %v", err)
	}
	pending, _ := s.PendingTrades(ctx)
	if len(pending) != 1 || pending[0].SettlementRef != "0xtx" {
		t.Errorf("pending = %+v", pending)
	}

	page, _, _ := s.FindTrades(ctx, TradeFilter{Instrument: "P1"})
	if len(page) != 0 {
		t.Errorf("pending trade leaked into history: %+v", page)
	}
}

func TestPebbleReleaseTrade(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	buy := newOrder("0xb", "P1", core.Buy, 10, 10, t0.Unix()+60, t0)
	sell := newOrder("0xs", "P1", core.Sell, 10, 10, t0.Unix()+60, t0)
	mustInsert(t, s, buy, sell)

	if err := s.ReserveTrade(ctx, pendingTrade(buy, sell, 10, 10)); err != nil {
		t.Fatalf("ReserveTrade: %v", err)
	}
	if err := s.ReleaseTrade(ctx, buy.ID, sell.ID); err != nil {
		t.Fatalf("ReleaseTrade: %v", err)
	}
	if _, err := s.GetTrade(ctx, buy.ID, sell.ID); !errors.Is(err, core.ErrTradeNotFound) {
		t.Errorf("GetTrade after release error = %v, want ErrTradeNotFound", err)
	}
	// released pairs can be retried
	if err := s.ReserveTrade(ctx, pendingTrade(buy, sell, 10, 10)); err != nil {
		t.Errorf("re-reserve after release: %v", err)
	}
	if err := s.ReleaseTrade(ctx, "0xnope", "0xnone"); err != nil {
		t.Errorf("release of unknown pair should be a no-op, got %v", err)
	}
}

func TestPebbleFindTradesPaging(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		buy := newOrder(fmt.Sprintf("0xb%d", i), "P1", core.Buy, 10, 10, t0.Unix()+3600, t0)
		sell := newOrder(fmt.Sprintf("0xs%d", i), "P1", core.Sell, 10, 10, t0.Unix()+3600, t0)
		mustInsert(t, s, buy, sell)
		if err := s.ReserveTrade(ctx, pendingTrade(buy, sell, 10, 10)); err != nil {
			t.Fatalf("ReserveTrade: %v", err)
		}
		_, err := s.ConfirmTrade(ctx, ConfirmRequest{
			BuyOrderID: buy.ID, SellOrderID: sell.ID,
			ExpectBuyRemaining: 10, ExpectSellRemaining: 10,
			SettlementRef: fmt.Sprintf("ref%d", i), SettledAt: t0.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("ConfirmTrade: %v", err)
		}
	}

	var refs []string
	cursor := ""
	for {
		page, next, err := s.FindTrades(ctx, TradeFilter{Instrument: "P1", Cursor: cursor, Limit: 2})
		if err != nil {
			t.Fatalf("FindTrades: %v", err)
		}
		for _, tr := range page {
			refs = append(refs, tr.SettlementRef)
		}
		if next == "" {
			break
		}
		cursor = next
	}
	if fmt.Sprint(refs) != "[ref4 ref3 ref2 ref1 ref0]" {
		t.Errorf("paged refs = %v", refs)
	}

	since, _, err := s.FindTrades(ctx, TradeFilter{Maker: &seller, Since: t0.Add(3 * time.Minute)})
	if err != nil {
		t.Fatalf("FindTrades(maker): %v", err)
	}
	if len(since) != 2 {
		t.Errorf("trades since +3m = %d, want 2", len(since))
	}

	if _, _, err := s.FindTrades(ctx, TradeFilter{}); err == nil {
		t.Error("expected error for unscoped trade query")
	}
	if _, _, err := s.FindTrades(ctx, TradeFilter{Instrument: "P1", Cursor: "!!"}); err == nil {
		t.Error("expected error for malformed cursor")
	}
}

package matching

import (
	"testing"
	"time"

	"github.com/uhyunpark/estatex/pkg/app/core"
)

func TestDepth(t *testing.T) {
	expired := order("s-exp", core.Sell, 99, 8, t0)
	expired.Order.Expiry = t0.Unix() - 1
	filled := order("b-filled", core.Buy, 10, 10, t0)
	filled.Remaining = 0

	snapshot := []*core.SignedOrder{
		order("b1", core.Buy, 10, 9, t0),
		order("b2", core.Buy, 5, 10, t0),
		order("b3", core.Buy, 7, 9, t0.Add(time.Second)),
		order("b4", core.Buy, 1, 7, t0),
		order("s1", core.Sell, 3, 12, t0),
		order("s2", core.Sell, 4, 11, t0),
		expired,
		filled,
	}

	book := Depth(instr, snapshot, t0, 2)
	wantBids := []PriceLevel{{Price: 10, Amount: 5, Orders: 1}, {Price: 9, Amount: 17, Orders: 2}}
	wantAsks := []PriceLevel{{Price: 11, Amount: 4, Orders: 1}, {Price: 12, Amount: 3, Orders: 1}}

	if len(book.Bids) != len(wantBids) {
		t.Fatalf("bids = %+v, want %+v", book.Bids, wantBids)
	}
	for i := range wantBids {
		if book.Bids[i] != wantBids[i] {
			t.Errorf("bid %d = %+v, want %+v", i, book.Bids[i], wantBids[i])
		}
	}
	for i := range wantAsks {
		if book.Asks[i] != wantAsks[i] {
			t.Errorf("ask %d = %+v, want %+v", i, book.Asks[i], wantAsks[i])
		}
	}
	if *book.BestBid() != 10 || *book.BestAsk() != 11 {
		t.Errorf("best = %d / %d, want 10 / 11", *book.BestBid(), *book.BestAsk())
	}

	if full := Depth(instr, snapshot, t0, 0); len(full.Bids) != 3 {
		t.Errorf("unbounded depth bids = %d, want 3", len(full.Bids))
	}
	if empty := Depth("NONE", snapshot, t0, 5); empty.BestBid() != nil || empty.BestAsk() != nil {
		t.Error("empty book should have no best prices")
	}
}

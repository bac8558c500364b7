package matching

import (
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/estatex/pkg/app/core"
)

const instr = "PROP-NYC-1"

var (
	t0    = time.Unix(1_700_000_000, 0)
	alice = common.HexToAddress("0xa11ce00000000000000000000000000000000001")
	bob   = common.HexToAddress("0xb0b0000000000000000000000000000000000002")
)

func order(id string, side core.Side, amount, price uint64, createdAt time.Time) *core.SignedOrder {
	maker := alice
	if side == core.Sell {
		maker = bob
	}
	return &core.SignedOrder{
		ID: id,
		Order: core.Order{
			Maker:      maker,
			Instrument: instr,
			Side:       side,
			Amount:     amount,
			Price:      price,
			Expiry:     t0.Unix() + 3600,
			Nonce:      1,
		},
		Remaining: amount,
		Status:    core.StatusActive,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
}

func TestMatchPartialFill(t *testing.T) {
	buy := order("b1", core.Buy, 100, 10, t0)
	sell := order("s1", core.Sell, 60, 9, t0.Add(time.Second))

	res := Match(instr, []*core.SignedOrder{buy, sell}, Options{Now: t0, MaxMatches: 10})
	if len(res.Matches) != 1 {
		t.Fatalf("matches = %d, want 1", len(res.Matches))
	}
	m := res.Matches[0]
	if m.Amount != 60 || m.Price != 9 || m.TotalValue.Int64() != 540 {
		t.Errorf("match = %d @ %d (%s), want 60 @ 9 (540)", m.Amount, m.Price, m.TotalValue)
	}
	if m.BuyRemainingAfter() != 40 || m.SellRemainingAfter() != 0 {
		t.Errorf("after = buy %d sell %d, want 40 / 0", m.BuyRemainingAfter(), m.SellRemainingAfter())
	}
	if len(res.Unmatched) != 1 || res.Unmatched[0].ID != "b1" || res.Unmatched[0].Remaining != 40 {
		t.Errorf("unmatched = %+v, want b1 with 40", res.Unmatched)
	}
	if buy.Remaining != 100 || sell.Remaining != 60 {
		t.Error("Match must not modify the snapshot")
	}
}

func TestMatchNoCross(t *testing.T) {
	buy := order("b1", core.Buy, 50, 5, t0)
	sell := order("s1", core.Sell, 50, 6, t0)

	if CanMatch(buy, sell, t0) {
		t.Error("CanMatch(5 vs 6) = true, want false")
	}
	res := Match(instr, []*core.SignedOrder{buy, sell}, Options{Now: t0})
	if len(res.Matches) != 0 {
		t.Errorf("matches = %d, want 0", len(res.Matches))
	}
	if len(res.Unmatched) != 2 {
		t.Errorf("unmatched = %d, want 2", len(res.Unmatched))
	}
}

func TestMatchExcludesExpired(t *testing.T) {
	buy := order("b1", core.Buy, 10, 10, t0)
	sell := order("s1", core.Sell, 10, 10, t0)
	sell.Order.Expiry = t0.Unix() - 1

	res := Match(instr, []*core.SignedOrder{buy, sell}, Options{Now: t0})
	if len(res.Matches) != 0 {
		t.Fatalf("expired sell was matched: %+v", res.Matches)
	}
	for _, o := range res.Unmatched {
		if o.ID == "s1" {
			t.Error("expired order must not be reported as unmatched either")
		}
	}
}

func TestMatchTimePriority(t *testing.T) {
	buy := order("b1", core.Buy, 100, 10, t0)
	sellB := order("sB", core.Sell, 40, 8, t0.Add(2*time.Second))
	sellA := order("sA", core.Sell, 40, 8, t0.Add(time.Second))

	res := Match(instr, []*core.SignedOrder{buy, sellB, sellA}, Options{Now: t0})
	if len(res.Matches) != 2 {
		t.Fatalf("matches = %d, want 2", len(res.Matches))
	}
	if res.Matches[0].SellOrderID != "sA" || res.Matches[1].SellOrderID != "sB" {
		t.Errorf("order = %s, %s; want sA, sB", res.Matches[0].SellOrderID, res.Matches[1].SellOrderID)
	}
	if res.Matches[0].BuyRemaining != 100 || res.Matches[1].BuyRemaining != 60 {
		t.Errorf("observed buy remaining = %d, %d; want 100, 60",
			res.Matches[0].BuyRemaining, res.Matches[1].BuyRemaining)
	}
	if len(res.Unmatched) != 1 || res.Unmatched[0].Remaining != 20 {
		t.Errorf("unmatched = %+v, want buy with 20", res.Unmatched)
	}
}

func TestMatchPricePriority(t *testing.T) {
	lowBid := order("b-low", core.Buy, 10, 9, t0)
	highBid := order("b-high", core.Buy, 10, 11, t0.Add(time.Minute))
	cheap := order("s-cheap", core.Sell, 10, 7, t0.Add(time.Minute))
	dear := order("s-dear", core.Sell, 10, 9, t0)

	res := Match(instr, []*core.SignedOrder{lowBid, highBid, cheap, dear}, Options{Now: t0})
	want := [][2]string{{"b-high", "s-cheap"}, {"b-low", "s-dear"}}
	if len(res.Matches) != len(want) {
		t.Fatalf("matches = %d, want %d", len(res.Matches), len(want))
	}
	for i, w := range want {
		if res.Matches[i].BuyOrderID != w[0] || res.Matches[i].SellOrderID != w[1] {
			t.Errorf("match %d = %s/%s, want %s/%s", i,
				res.Matches[i].BuyOrderID, res.Matches[i].SellOrderID, w[0], w[1])
		}
	}
}

func TestMatchMaxMatches(t *testing.T) {
	snapshot := []*core.SignedOrder{order("b1", core.Buy, 100, 10, t0)}
	for i := 0; i < 5; i++ {
		snapshot = append(snapshot, order(fmt.Sprintf("s%d", i), core.Sell, 10, 10, t0.Add(time.Duration(i)*time.Second)))
	}

	res := Match(instr, snapshot, Options{Now: t0, MaxMatches: 3})
	if len(res.Matches) != 3 {
		t.Errorf("matches = %d, want 3", len(res.Matches))
	}
	if !res.Truncated {
		t.Error("Truncated = false, want true")
	}

	res = Match(instr, snapshot, Options{Now: t0, MaxMatches: 5})
	if len(res.Matches) != 5 || res.Truncated {
		t.Errorf("matches = %d truncated = %v, want 5 false", len(res.Matches), res.Truncated)
	}
}

func TestMatchIgnoresOtherInstruments(t *testing.T) {
	buy := order("b1", core.Buy, 10, 10, t0)
	sell := order("s1", core.Sell, 10, 10, t0)
	sell.Order.Instrument = "PROP-LIS-7"

	if res := Match(instr, []*core.SignedOrder{buy, sell}, Options{Now: t0}); len(res.Matches) != 0 {
		t.Errorf("cross-instrument match produced: %+v", res.Matches)
	}
}

func TestMatchIdempotent(t *testing.T) {
	snapshot := []*core.SignedOrder{
		order("b1", core.Buy, 30, 12, t0),
		order("b2", core.Buy, 50, 12, t0),
		order("s1", core.Sell, 25, 11, t0),
		order("s2", core.Sell, 70, 12, t0),
	}
	first := Match(instr, snapshot, Options{Now: t0})
	second := Match(instr, snapshot, Options{Now: t0})
	if !reflect.DeepEqual(first.Matches, second.Matches) {
		t.Errorf("matches differ between runs:\n%+v\n%+v", first.Matches, second.Matches)
	}
}

func TestComputeTradeIncompatible(t *testing.T) {
	buy := order("b1", core.Buy, 10, 10, t0)
	sell := order("s1", core.Sell, 10, 10, t0)

	tests := []struct {
		name       string
		buy, sell  *core.SignedOrder
		mutateBuy  func(o *core.SignedOrder)
		mutateSell func(o *core.SignedOrder)
	}{
		{"price gap", buy, sell, nil, func(o *core.SignedOrder) { o.Order.Price = 11 }},
		{"same side", buy, buy, nil, nil},
		{"filled sell", buy, sell, nil, func(o *core.SignedOrder) { o.Remaining = 0 }},
		{"cancelled buy", buy, sell, func(o *core.SignedOrder) { o.Status = core.StatusCancelled }, nil},
		{"expired buy", buy, sell, func(o *core.SignedOrder) { o.Order.Expiry = t0.Unix() - 5 }, nil},
		{"instrument", buy, sell, nil, func(o *core.SignedOrder) { o.Order.Instrument = "X" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, s := tt.buy.Clone(), tt.sell.Clone()
			if tt.mutateBuy != nil {
				tt.mutateBuy(b)
			}
			if tt.mutateSell != nil {
				tt.mutateSell(s)
			}
			_, err := ComputeTrade(b, s, t0, nil)
			if !errors.Is(err, core.ErrIncompatibleOrders) {
				t.Errorf("ComputeTrade() error = %v, want ErrIncompatibleOrders", err)
			}
		})
	}
}

type outOfRangePolicy struct{}

func (outOfRangePolicy) Name() string { return "broken" }

func (outOfRangePolicy) Price(buy, _ *core.SignedOrder) uint64 {
	return buy.Order.Price + 1
}

func TestComputeTradePricing(t *testing.T) {
	buy := order("b1", core.Buy, 100, 12, t0)
	sell := order("s1", core.Sell, 30, 9, t0.Add(time.Second))

	tests := []struct {
		policy PricingPolicy
		want   uint64
	}{
		{SellerPrice{}, 9},
		{BuyerPrice{}, 12},
		{RestingPrice{}, 12},
	}
	for _, tt := range tests {
		t.Run(tt.policy.Name(), func(t *testing.T) {
			m, err := ComputeTrade(buy, sell, t0, tt.policy)
			if err != nil {
				t.Fatalf("ComputeTrade: %v", err)
			}
			if m.Price != tt.want {
				t.Errorf("price = %d, want %d", m.Price, tt.want)
			}
			if m.Amount != 30 {
				t.Errorf("amount = %d, want 30", m.Amount)
			}
		})
	}

	if _, err := ComputeTrade(buy, sell, t0, outOfRangePolicy{}); !errors.Is(err, core.ErrIncompatibleOrders) {
		t.Errorf("out-of-range policy error = %v, want ErrIncompatibleOrders", err)
	}
}

func TestPolicyByName(t *testing.T) {
	p, err := PolicyByName("")
	if err != nil || p.Name() != "seller" {
		t.Errorf("default policy = %v, %v", p, err)
	}
	if _, err := PolicyByName("midpoint"); err == nil {
		t.Error("expected unknown policy error")
	}
}

func TestMatchSkipPair(t *testing.T) {
	buy := order("b1", core.Buy, 10, 10, t0)
	cheap := order("s1", core.Sell, 10, 9, t0)
	other := order("s2", core.Sell, 10, 10, t0.Add(time.Second))

	res := Match(instr, []*core.SignedOrder{buy, cheap, other}, Options{
		Now:      t0,
		SkipPair: func(b, s string) bool { return b == "b1" && s == "s1" },
	})
	if len(res.Matches) != 1 {
		t.Fatalf("matches = %d, want 1", len(res.Matches))
	}
	if m := res.Matches[0]; m.SellOrderID != "s2" || m.Amount != 10 {
		t.Errorf("match = %s x%d, want s2 x10", m.SellOrderID, m.Amount)
	}
}

package matching

import (
	"time"

	"github.com/uhyunpark/estatex/pkg/app/core"
)

type PriceLevel struct {
	Price  uint64 `json:"price"`
	Amount uint64 `json:"amount"` // total remaining at this price
	Orders int    `json:"orders"`
}

// Book is an aggregated depth view of the tradable orders of one instrument.
type Book struct {
	Instrument string       `json:"instrument"`
	Bids       []PriceLevel `json:"bids"`
	Asks       []PriceLevel `json:"asks"`
	Timestamp  time.Time    `json:"timestamp"`
}

func (b *Book) BestBid() *uint64 {
	if len(b.Bids) == 0 {
		return nil
	}
	p := b.Bids[0].Price
	return &p
}

func (b *Book) BestAsk() *uint64 {
	if len(b.Asks) == 0 {
		return nil
	}
	p := b.Asks[0].Price
	return &p
}

// Depth aggregates tradable orders into price levels, best first. depth <= 0
// returns every level.
func Depth(instrument string, orders []*core.SignedOrder, now time.Time, depth int) *Book {
	buys, sells := partition(instrument, orders, now)
	SortBids(buys)
	SortAsks(sells)
	return &Book{
		Instrument: instrument,
		Bids:       levels(buys, depth),
		Asks:       levels(sells, depth),
		Timestamp:  now,
	}
}

// levels folds pre-sorted orders into price levels.
func levels(sorted []*core.SignedOrder, depth int) []PriceLevel {
	out := make([]PriceLevel, 0)
	for _, o := range sorted {
		n := len(out)
		if n > 0 && out[n-1].Price == o.Order.Price {
			out[n-1].Amount += o.Remaining
			out[n-1].Orders++
			continue
		}
		if depth > 0 && n == depth {
			break
		}
		out = append(out, PriceLevel{Price: o.Order.Price, Amount: o.Remaining, Orders: 1})
	}
	return out
}

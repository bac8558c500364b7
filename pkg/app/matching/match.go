package matching

import (
	"sort"
	"time"

	"github.com/uhyunpark/estatex/pkg/app/core"
)

type Options struct {
	Now        time.Time
	MaxMatches int // <= 0 means unbounded
	Pricing    PricingPolicy
	// SkipPair, when set, vetoes a (buy, sell) pair; both orders stay
	// available to other counterparties.
	SkipPair func(buyID, sellID string) bool
}

type Result struct {
	Instrument string
	Matches    []Match
	// Unmatched holds copies of the orders that still have remaining amount
	// after the pass, with Remaining set to the in-pass value.
	Unmatched []*core.SignedOrder
	// Truncated is set when MaxMatches stopped the pass early.
	Truncated bool
}

// Match runs one price-time priority pass over a snapshot of orders for
// instrument. Orders for other instruments and orders that are not tradable
// at opts.Now are ignored. The snapshot is not modified.
func Match(instrument string, snapshot []*core.SignedOrder, opts Options) Result {
	pricing := opts.Pricing
	if pricing == nil {
		pricing = DefaultPolicy()
	}

	buys, sells := partition(instrument, snapshot, opts.Now)
	SortBids(buys)
	SortAsks(sells)

	res := Result{Instrument: instrument}

sweep:
	for _, buy := range buys {
		for _, sell := range sells {
			if buy.Remaining == 0 {
				break
			}
			if sell.Remaining == 0 {
				continue
			}
			// asks are ascending, so nothing further can cross this bid
			if sell.Order.Price > buy.Order.Price {
				break
			}
			if !CanMatch(buy, sell, opts.Now) {
				continue
			}
			if opts.SkipPair != nil && opts.SkipPair(buy.ID, sell.ID) {
				continue
			}
			if opts.MaxMatches > 0 && len(res.Matches) >= opts.MaxMatches {
				res.Truncated = true
				break sweep
			}

			m, err := ComputeTrade(buy, sell, opts.Now, pricing)
			if err != nil {
				// CanMatch held, so only a misbehaving policy gets here
				continue
			}
			buy.Remaining -= m.Amount
			sell.Remaining -= m.Amount
			res.Matches = append(res.Matches, m)
		}
	}

	for _, o := range buys {
		if o.Remaining > 0 {
			res.Unmatched = append(res.Unmatched, o)
		}
	}
	for _, o := range sells {
		if o.Remaining > 0 {
			res.Unmatched = append(res.Unmatched, o)
		}
	}
	return res
}

// partition copies the tradable orders of instrument into buy and sell sets.
func partition(instrument string, snapshot []*core.SignedOrder, now time.Time) (buys, sells []*core.SignedOrder) {
	for _, o := range snapshot {
		if o == nil || o.Order.Instrument != instrument || !o.Tradable(now) {
			continue
		}
		switch o.Order.Side {
		case core.Buy:
			buys = append(buys, o.Clone())
		case core.Sell:
			sells = append(sells, o.Clone())
		}
	}
	return buys, sells
}

// SortBids orders buys by price descending, then earliest first.
func SortBids(orders []*core.SignedOrder) {
	sort.SliceStable(orders, func(i, j int) bool {
		if orders[i].Order.Price != orders[j].Order.Price {
			return orders[i].Order.Price > orders[j].Order.Price
		}
		return earlier(orders[i], orders[j])
	})
}

// SortAsks orders sells by price ascending, then earliest first.
func SortAsks(orders []*core.SignedOrder) {
	sort.SliceStable(orders, func(i, j int) bool {
		if orders[i].Order.Price != orders[j].Order.Price {
			return orders[i].Order.Price < orders[j].Order.Price
		}
		return earlier(orders[i], orders[j])
	})
}

// earlier breaks time ties by id so a pass is deterministic for any
// snapshot ordering.
func earlier(a, b *core.SignedOrder) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

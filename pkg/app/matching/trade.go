package matching

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/estatex/pkg/app/core"
)

// Match is a proposed trade between two orders. It is not a trade until the
// settlement orchestrator has confirmed it.
type Match struct {
	BuyOrderID  string         `json:"buyOrderId"`
	SellOrderID string         `json:"sellOrderId"`
	Instrument  string         `json:"instrument"`
	Buyer       common.Address `json:"buyer"`
	Seller      common.Address `json:"seller"`
	Amount      uint64         `json:"tradeAmount"`
	Price       uint64         `json:"pricePerShare"`
	TotalValue  *big.Int       `json:"totalValue"`

	// Remaining amounts the match was computed from. Persisted state must
	// still hold these values for the trade to be applied.
	BuyRemaining  uint64 `json:"buyRemaining"`
	SellRemaining uint64 `json:"sellRemaining"`
}

// BuyRemainingAfter is the buy order's remaining amount once the match applies.
func (m Match) BuyRemainingAfter() uint64 { return m.BuyRemaining - m.Amount }

// SellRemainingAfter is the sell order's remaining amount once the match applies.
func (m Match) SellRemainingAfter() uint64 { return m.SellRemaining - m.Amount }

// CanMatch reports whether buy and sell may trade at now.
func CanMatch(buy, sell *core.SignedOrder, now time.Time) bool {
	return buy.Order.Side == core.Buy &&
		sell.Order.Side == core.Sell &&
		buy.Order.Instrument == sell.Order.Instrument &&
		buy.Tradable(now) &&
		sell.Tradable(now) &&
		buy.Order.Price >= sell.Order.Price
}

// ComputeTrade derives the terms of a trade from the orders' current
// remaining amounts. It returns core.ErrIncompatibleOrders if the orders
// cannot trade, or if the policy prices outside the two limits.
func ComputeTrade(buy, sell *core.SignedOrder, now time.Time, policy PricingPolicy) (Match, error) {
	if !CanMatch(buy, sell, now) {
		return Match{}, fmt.Errorf("%w: buy %s vs sell %s", core.ErrIncompatibleOrders, buy.ID, sell.ID)
	}
	if policy == nil {
		policy = DefaultPolicy()
	}

	amount := min(buy.Remaining, sell.Remaining)
	price := policy.Price(buy, sell)
	if price < sell.Order.Price || price > buy.Order.Price {
		return Match{}, fmt.Errorf("%w: policy %s priced %d outside [%d, %d]",
			core.ErrIncompatibleOrders, policy.Name(), price, sell.Order.Price, buy.Order.Price)
	}

	return Match{
		BuyOrderID:    buy.ID,
		SellOrderID:   sell.ID,
		Instrument:    buy.Order.Instrument,
		Buyer:         buy.Order.Maker,
		Seller:        sell.Order.Maker,
		Amount:        amount,
		Price:         price,
		TotalValue:    core.TotalValue(amount, price),
		BuyRemaining:  buy.Remaining,
		SellRemaining: sell.Remaining,
	}, nil
}

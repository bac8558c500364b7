package core

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

type Trade struct {
	ID            string         `json:"id"`
	BuyOrderID    string         `json:"buyOrderId"`
	SellOrderID   string         `json:"sellOrderId"`
	Instrument    string         `json:"instrument"`
	Buyer         common.Address `json:"buyer"`
	Seller        common.Address `json:"seller"`
	Amount        uint64         `json:"tradeAmount"`
	Price         uint64         `json:"pricePerShare"`
	TotalValue    *big.Int       `json:"totalValue"`
	SettlementRef string         `json:"settlementRef,omitempty"`
	Status        TradeStatus    `json:"status"`
	CreatedAt     time.Time      `json:"createdAt"`
	SettledAt     *time.Time     `json:"settledAt,omitempty"`
}

// TotalValue multiplies without overflow.
func TotalValue(amount, price uint64) *big.Int {
	v := new(big.Int).SetUint64(amount)
	return v.Mul(v, new(big.Int).SetUint64(price))
}

// PairKey identifies the (buy, sell) pair a trade settles.
func PairKey(buyOrderID, sellOrderID string) string {
	return buyOrderID + "/" + sellOrderID
}

func (t *Trade) PairKey() string { return PairKey(t.BuyOrderID, t.SellOrderID) }

func (t *Trade) Confirmed() bool {
	return t.Status == TradeConfirmed && t.SettlementRef != ""
}

// Involves reports whether addr is the buyer or the seller.
func (t *Trade) Involves(addr common.Address) bool {
	return t.Buyer == addr || t.Seller == addr
}

func (t *Trade) Clone() *Trade {
	c := *t
	if t.TotalValue != nil {
		c.TotalValue = new(big.Int).Set(t.TotalValue)
	}
	if t.SettledAt != nil {
		at := *t.SettledAt
		c.SettledAt = &at
	}
	return &c
}

package core

import (
	"math/big"
	"time"
)

// MarketData is a derived per-instrument snapshot. It can always be rebuilt
// from orders and confirmed trades and is never consulted for matching.
type MarketData struct {
	Instrument     string    `json:"instrument"`
	LastPrice      *uint64   `json:"lastPrice,omitempty"`
	Volume         *big.Int  `json:"volume"`      // sum of totalValue in window
	PriceChange    *big.Int  `json:"priceChange"` // last - first in window
	PriceChangePct string    `json:"priceChangePct"`
	BestBid        *uint64   `json:"bestBid,omitempty"`
	BestAsk        *uint64   `json:"bestAsk,omitempty"`
	TradeCount     int       `json:"tradeCount"`
	WindowStart    time.Time `json:"windowStart"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

package core

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// MaxInstrumentLen bounds instrument identifiers so they fit index keys.
const MaxInstrumentLen = 64

// Order holds the immutable terms a maker signs.
type Order struct {
	Maker      common.Address `json:"maker"`
	Instrument string         `json:"instrument"`
	Side       Side           `json:"side"`
	Amount     uint64         `json:"amount"`        // shares, submitted size
	Price      uint64         `json:"pricePerShare"` // fixed-point quote units per share
	Expiry     int64          `json:"expiry"`        // unix seconds
	Nonce      uint64         `json:"nonce"`
}

// NewOrder builds an order and checks every term that does not depend on time.
func NewOrder(maker common.Address, instrument string, side Side, amount, price uint64, expiry int64, nonce uint64) (Order, error) {
	o := Order{
		Maker:      maker,
		Instrument: instrument,
		Side:       side,
		Amount:     amount,
		Price:      price,
		Expiry:     expiry,
		Nonce:      nonce,
	}
	if err := o.checkTerms(); err != nil {
		return Order{}, err
	}
	return o, nil
}

func (o Order) checkTerms() error {
	switch {
	case o.Maker == (common.Address{}):
		return fmt.Errorf("%w: maker is required", ErrInvalidOrder)
	case strings.TrimSpace(o.Instrument) == "":
		return fmt.Errorf("%w: instrument is required", ErrInvalidOrder)
	case len(o.Instrument) > MaxInstrumentLen:
		return fmt.Errorf("%w: instrument longer than %d bytes", ErrInvalidOrder, MaxInstrumentLen)
	case strings.ContainsAny(o.Instrument, ":/ "):
		return fmt.Errorf("%w: instrument %q contains reserved characters", ErrInvalidOrder, o.Instrument)
	case !o.Side.Valid():
		return fmt.Errorf("%w: side must be BUY or SELL", ErrInvalidOrder)
	case o.Amount == 0:
		return fmt.Errorf("%w: amount must be positive", ErrInvalidOrder)
	case o.Price == 0:
		return fmt.Errorf("%w: price must be positive", ErrInvalidOrder)
	}
	return nil
}

// Validate checks all terms, including that the order has not already expired.
func (o Order) Validate(now time.Time) error {
	if err := o.checkTerms(); err != nil {
		return err
	}
	if o.Expiry <= now.Unix() {
		return fmt.Errorf("%w: expiry %d is not in the future", ErrInvalidOrder, o.Expiry)
	}
	return nil
}

// Expired reports whether the order's expiry lies strictly before now.
func (o Order) Expired(now time.Time) bool {
	return o.Expiry < now.Unix()
}

// SignedOrder is the stored form of an order.
type SignedOrder struct {
	ID        string        `json:"orderId"`
	Order     Order         `json:"order"`
	Proof     hexutil.Bytes `json:"authorizationProof"`
	Remaining uint64        `json:"remainingAmount"`
	Status    OrderStatus   `json:"status"`
	CreatedAt time.Time     `json:"createdAt"`
	UpdatedAt time.Time     `json:"updatedAt"`
}

// Tradable reports whether the order may take part in matching at now.
func (s *SignedOrder) Tradable(now time.Time) bool {
	return s.Status == StatusActive && s.Remaining > 0 && !s.Order.Expired(now)
}

// Filled is the amount already consumed by confirmed trades.
func (s *SignedOrder) Filled() uint64 {
	return s.Order.Amount - s.Remaining
}

func (s *SignedOrder) Clone() *SignedOrder {
	c := *s
	c.Proof = append(hexutil.Bytes(nil), s.Proof...)
	return &c
}

package transaction

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/uhyunpark/estatex/pkg/app/core"
	"github.com/uhyunpark/estatex/pkg/crypto"
)

// SignedOrderEnvelope is the wire form of an order submission, used by the
// REST API and the p2p relay.
type SignedOrderEnvelope struct {
	Order     *OrderPayload `json:"order"`
	Signature string        `json:"signature"`       // 0x-prefixed 65-byte signature
	Maker     string        `json:"maker,omitempty"` // claimed maker, defaults to order.maker
}

// OrderPayload mirrors the EIP-712 PropertyOrder message. Integers travel as
// decimal strings so that JavaScript clients do not lose precision.
type OrderPayload struct {
	Maker         string `json:"maker"`         // 0x address
	Instrument    string `json:"instrument"`    // property token id
	Side          string `json:"side"`          // "BUY" or "SELL"
	Amount        string `json:"amount"`        // shares
	PricePerShare string `json:"pricePerShare"` // quote units per share
	Expiry        string `json:"expiry"`        // unix seconds
	Nonce         string `json:"nonce"`
}

// ToOrder parses the payload into checked order terms.
func (p *OrderPayload) ToOrder() (core.Order, error) {
	maker, err := crypto.ParseMaker(p.Maker)
	if err != nil {
		return core.Order{}, fmt.Errorf("%w: %v", core.ErrInvalidOrder, err)
	}
	side, err := core.ParseSide(p.Side)
	if err != nil {
		return core.Order{}, err
	}
	amount, err := parseUint("amount", p.Amount)
	if err != nil {
		return core.Order{}, err
	}
	price, err := parseUint("pricePerShare", p.PricePerShare)
	if err != nil {
		return core.Order{}, err
	}
	expiry, err := strconv.ParseInt(strings.TrimSpace(p.Expiry), 10, 64)
	if err != nil || expiry < 0 {
		return core.Order{}, fmt.Errorf("%w: invalid expiry %q", core.ErrInvalidOrder, p.Expiry)
	}
	nonce, err := parseUint("nonce", p.Nonce)
	if err != nil {
		return core.Order{}, err
	}
	return core.NewOrder(maker, strings.TrimSpace(p.Instrument), side, amount, price, expiry, nonce)
}

func parseUint(field, v string) (uint64, error) {
	n, err := strconv.ParseUint(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid %s %q", core.ErrInvalidOrder, field, v)
	}
	return n, nil
}

// FromOrder converts order terms back to the wire payload.
func FromOrder(o core.Order) *OrderPayload {
	return &OrderPayload{
		Maker:         o.Maker.Hex(),
		Instrument:    o.Instrument,
		Side:          o.Side.String(),
		Amount:        strconv.FormatUint(o.Amount, 10),
		PricePerShare: strconv.FormatUint(o.Price, 10),
		Expiry:        strconv.FormatInt(o.Expiry, 10),
		Nonce:         strconv.FormatUint(o.Nonce, 10),
	}
}

// NewEnvelope builds an envelope for a signed order.
func NewEnvelope(o core.Order, signature []byte) *SignedOrderEnvelope {
	return &SignedOrderEnvelope{
		Order:     FromOrder(o),
		Signature: "0x" + hex.EncodeToString(signature),
		Maker:     o.Maker.Hex(),
	}
}

func (e *SignedOrderEnvelope) Serialize() ([]byte, error) {
	return json.Marshal(e)
}

// Deserialize parses and structurally validates an envelope.
func Deserialize(data []byte) (*SignedOrderEnvelope, error) {
	var env SignedOrderEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: failed to unmarshal envelope: %v", core.ErrInvalidOrder, err)
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return &env, nil
}

// Validate performs basic validation on envelope structure
func (e *SignedOrderEnvelope) Validate() error {
	if e.Order == nil {
		return fmt.Errorf("%w: missing order payload", core.ErrInvalidOrder)
	}
	if e.Signature == "" {
		return fmt.Errorf("%w: missing signature", core.ErrUnauthorized)
	}
	if e.Order.Instrument == "" {
		return fmt.Errorf("%w: missing instrument", core.ErrInvalidOrder)
	}
	if e.Order.Maker == "" {
		return fmt.Errorf("%w: missing maker", core.ErrInvalidOrder)
	}
	return nil
}

// Decode returns the order terms, the raw proof and the claimed maker.
func (e *SignedOrderEnvelope) Decode() (core.Order, []byte, error) {
	if err := e.Validate(); err != nil {
		return core.Order{}, nil, err
	}
	order, err := e.Order.ToOrder()
	if err != nil {
		return core.Order{}, nil, err
	}
	sig, err := DecodeSignature(e.Signature)
	if err != nil {
		return core.Order{}, nil, fmt.Errorf("%w: %v", core.ErrUnauthorized, err)
	}
	return order, sig, nil
}

// ClaimedMaker is the explicit maker, falling back to the order's own field.
func (e *SignedOrderEnvelope) ClaimedMaker() string {
	if e.Maker != "" {
		return e.Maker
	}
	if e.Order != nil {
		return e.Order.Maker
	}
	return ""
}

// DecodeSignature decodes hex-encoded signature (with or without 0x prefix)
func DecodeSignature(sig string) ([]byte, error) {
	sigBytes, err := hex.DecodeString(strings.TrimPrefix(sig, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid hex signature: %w", err)
	}
	if len(sigBytes) != 65 {
		return nil, fmt.Errorf("signature must be 65 bytes, got %d", len(sigBytes))
	}
	return sigBytes, nil
}

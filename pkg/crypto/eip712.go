package crypto

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/uhyunpark/estatex/pkg/app/core"
)

// EIP712Domain represents the domain separator for EIP-712 typed data
// This prevents replay attacks across different chains/contracts
type EIP712Domain struct {
	Name              string         // Protocol name
	Version           string         // Protocol version
	ChainID           *big.Int       // Chain the settlement contract lives on
	VerifyingContract common.Address // Settlement contract (zero for off-chain only)
}

// DefaultDomain returns the domain used by local dev networks.
func DefaultDomain() EIP712Domain {
	return EIP712Domain{
		Name:              "EstateX",
		Version:           "1",
		ChainID:           big.NewInt(1337),
		VerifyingContract: common.Address{},
	}
}

var domainType = []apitypes.Type{
	{Name: "name", Type: "string"},
	{Name: "version", Type: "string"},
	{Name: "chainId", Type: "uint256"},
	{Name: "verifyingContract", Type: "address"},
}

var propertyOrderType = []apitypes.Type{
	{Name: "maker", Type: "address"},
	{Name: "instrument", Type: "string"},
	{Name: "side", Type: "uint8"},
	{Name: "amount", Type: "uint256"},
	{Name: "pricePerShare", Type: "uint256"},
	{Name: "expiry", Type: "uint256"},
	{Name: "nonce", Type: "uint256"},
}

// OrderHasher computes EIP-712 digests of property orders. The digest is the
// order id and is also what makers sign.
type OrderHasher struct {
	domain EIP712Domain
}

func NewOrderHasher(domain EIP712Domain) *OrderHasher {
	return &OrderHasher{domain: domain}
}

func (h *OrderHasher) Domain() EIP712Domain { return h.domain }

func (h *OrderHasher) typedData(order core.Order) apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain":  domainType,
			"PropertyOrder": propertyOrderType,
		},
		PrimaryType: "PropertyOrder",
		Domain: apitypes.TypedDataDomain{
			Name:              h.domain.Name,
			Version:           h.domain.Version,
			ChainId:           (*math.HexOrDecimal256)(h.domain.ChainID),
			VerifyingContract: h.domain.VerifyingContract.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"maker":         order.Maker.Hex(),
			"instrument":    order.Instrument,
			"side":          strconv.FormatUint(uint64(order.Side), 10),
			"amount":        strconv.FormatUint(order.Amount, 10),
			"pricePerShare": strconv.FormatUint(order.Price, 10),
			"expiry":        strconv.FormatInt(order.Expiry, 10),
			"nonce":         strconv.FormatUint(order.Nonce, 10),
		},
	}
}

// HashOrder returns keccak256("\x19\x01" || domainSeparator || structHash).
func (h *OrderHasher) HashOrder(order core.Order) (common.Hash, error) {
	if order.Expiry < 0 {
		return common.Hash{}, fmt.Errorf("%w: negative expiry", core.ErrInvalidOrder)
	}
	typedData := h.typedData(order)

	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to hash domain: %w", err)
	}
	structHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to hash message: %w", err)
	}

	rawData := make([]byte, 0, 66)
	rawData = append(rawData, 0x19, 0x01)
	rawData = append(rawData, domainSeparator...)
	rawData = append(rawData, structHash...)
	return crypto.Keccak256Hash(rawData), nil
}

// OrderID is the 0x-prefixed hex digest of the order terms.
func (h *OrderHasher) OrderID(order core.Order) (string, error) {
	digest, err := h.HashOrder(order)
	if err != nil {
		return "", err
	}
	return digest.Hex(), nil
}

// SignOrder signs the order digest with signer.
func (h *OrderHasher) SignOrder(signer *Signer, order core.Order) ([]byte, error) {
	digest, err := h.HashOrder(order)
	if err != nil {
		return nil, fmt.Errorf("failed to hash order: %w", err)
	}
	signature, err := signer.Sign(digest.Bytes())
	if err != nil {
		return nil, fmt.Errorf("failed to sign order: %w", err)
	}
	return signature, nil
}

// RecoverOrderSigner recovers the address that signed an order.
func (h *OrderHasher) RecoverOrderSigner(order core.Order, signature []byte) (common.Address, error) {
	digest, err := h.HashOrder(order)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to hash order: %w", err)
	}
	return RecoverAddress(digest.Bytes(), signature)
}

// VerifyOrderSignature reports whether signature was made by order.Maker.
func (h *OrderHasher) VerifyOrderSignature(order core.Order, signature []byte) (bool, error) {
	recovered, err := h.RecoverOrderSigner(order, signature)
	if err != nil {
		return false, fmt.Errorf("failed to recover address: %w", err)
	}
	return recovered == order.Maker, nil
}

// OrderToJSON renders the typed data in the eth_signTypedData_v4 shape that
// wallets expect.
func (h *OrderHasher) OrderToJSON(order core.Order) (string, error) {
	typedData := h.typedData(order)
	jsonBytes, err := json.MarshalIndent(typedData, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return string(jsonBytes), nil
}

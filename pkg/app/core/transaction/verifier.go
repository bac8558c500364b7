package transaction

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/estatex/pkg/app/core"
	"github.com/uhyunpark/estatex/pkg/crypto"
)

// Verifier checks that an EIP-712 signature over the order terms was made by
// the claimed maker.
type Verifier struct {
	hasher *crypto.OrderHasher
}

func NewVerifier(hasher *crypto.OrderHasher) *Verifier {
	return &Verifier{hasher: hasher}
}

// Verify returns false, not an error, for a well-formed signature by someone
// else. Errors mean the proof could not be evaluated at all.
func (v *Verifier) Verify(order core.Order, proof []byte, maker common.Address) (bool, error) {
	if order.Maker != maker {
		return false, nil
	}
	return v.hasher.VerifyOrderSignature(order, proof)
}

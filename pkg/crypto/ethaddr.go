package crypto

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"
)

// EIP55 computes the checksummed hex address string from 20-byte raw address.
func EIP55(addr20 []byte) string {
	hexaddr := hex.EncodeToString(addr20)
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(hexaddr))
	hash := h.Sum(nil)

	out := make([]byte, 2+len(hexaddr))
	copy(out, "0x")
	for i, c := range []byte(hexaddr) {
		if c >= '0' && c <= '9' {
			out[2+i] = c
			continue
		}
		// each hex char maps to one nibble of the hash; high nibble first
		nibble := hash[i>>1] & 0x0f
		if i%2 == 0 {
			nibble = hash[i>>1] >> 4
		}
		if nibble >= 8 {
			out[2+i] = c - 'a' + 'A'
		} else {
			out[2+i] = c
		}
	}
	return string(out)
}

// ParseMaker parses a maker address. All-lower and all-upper inputs are
// accepted as-is; mixed case must carry a valid EIP-55 checksum so that a
// mistyped address is rejected instead of silently naming someone else.
func ParseMaker(s string) (common.Address, error) {
	s = strings.TrimSpace(s)
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid maker address %q", s)
	}
	addr := common.HexToAddress(s)
	body := strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if body != strings.ToLower(body) && body != strings.ToUpper(body) {
		if EIP55(addr.Bytes()) != "0x"+body {
			return common.Address{}, fmt.Errorf("maker address %q fails EIP-55 checksum", s)
		}
	}
	if addr == (common.Address{}) {
		return common.Address{}, fmt.Errorf("maker address is zero")
	}
	return addr, nil
}

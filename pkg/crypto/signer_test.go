package crypto

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	eth_crypto "github.com/ethereum/go-ethereum/crypto"
)

func TestGenerateKey(t *testing.T) {
	signer, err := GenerateKey()
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	if signer.Address() == (common.Address{}) {
		t.Error("generated zero address")
	}
	if len(signer.PrivateKeyHex()) != 64 {
		t.Errorf("private key hex length = %d, want 64", len(signer.PrivateKeyHex()))
	}
}

func TestFromPrivateKeyHex(t *testing.T) {
	signer1, _ := GenerateKey()
	privHex := signer1.PrivateKeyHex()

	for _, in := range []string{privHex, "0x" + privHex} {
		signer2, err := FromPrivateKeyHex(in)
		if err != nil {
			t.Fatalf("FromPrivateKeyHex(%q): %v", in[:6], err)
		}
		if signer2.Address() != signer1.Address() {
			t.Errorf("address = %s, want %s", signer2.Address().Hex(), signer1.Address().Hex())
		}
	}

	if _, err := FromPrivateKeyHex("zz"); err == nil {
		t.Error("expected error for malformed key")
	}
}

func TestSignAndRecover(t *testing.T) {
	signer, _ := GenerateKey()
	hash := eth_crypto.Keccak256Hash([]byte("Hello, EstateX!")).Bytes()

	signature, err := signer.Sign(hash)
	if err != nil {
		t.Fatalf("failed to sign: %v", err)
	}
	if len(signature) != 65 {
		t.Errorf("signature length = %d, want 65", len(signature))
	}
	if !VerifySignature(signer.Address(), hash, signature) {
		t.Error("signature verification failed")
	}

	wrongAddr := common.HexToAddress("0x0000000000000000000000000000000000000001")
	if VerifySignature(wrongAddr, hash, signature) {
		t.Error("signature should not verify with wrong address")
	}

	// wallets emit V as 27/28
	walletSig := append([]byte(nil), signature...)
	walletSig[64] += 27
	recovered, err := RecoverAddress(hash, walletSig)
	if err != nil {
		t.Fatalf("RecoverAddress: %v", err)
	}
	if recovered != signer.Address() {
		t.Errorf("recovered = %s, want %s", recovered.Hex(), signer.Address().Hex())
	}
}

func TestInvalidSignature(t *testing.T) {
	signer, _ := GenerateKey()
	hash := common.BytesToHash([]byte("test")).Bytes()

	if VerifySignature(signer.Address(), hash, []byte{1, 2, 3}) {
		t.Error("invalid signature should not verify")
	}
	if VerifySignature(signer.Address(), []byte("short"), make([]byte, 65)) {
		t.Error("invalid hash should not verify")
	}
	if _, err := signer.Sign([]byte("short")); err == nil {
		t.Error("Sign should reject non-32-byte input")
	}
}

func TestGenerateNonce(t *testing.T) {
	nonce1, err := GenerateNonce()
	if err != nil {
		t.Fatalf("failed to generate nonce: %v", err)
	}
	nonce2, _ := GenerateNonce()
	if nonce1 == nonce2 {
		t.Error("generated identical nonces (unlikely but possible - retry test)")
	}
}

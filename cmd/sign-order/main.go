package main

import (
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"github.com/uhyunpark/estatex/pkg/app/core"
	"github.com/uhyunpark/estatex/pkg/app/core/transaction"
	"github.com/uhyunpark/estatex/pkg/crypto"
)

var (
	keyHex     string
	instrument string
	sideName   string
	amount     uint64
	price      uint64
	ttl        time.Duration
	nonce      uint64
	chainID    int64
	contract   string
)

var rootCmd = &cobra.Command{
	Use:   "sign-order",
	Short: "Sign a property order and print the envelope for POST /api/v1/orders",
	Long: `Builds an order, signs it with EIP-712 and prints the JSON envelope on
stdout. Key, address and order id go to stderr so the output can be piped:

  sign-order --instrument PROP-1 --side BUY --amount 10 --price 1000 |
    curl -X POST -H 'Content-Type: application/json' -d @- localhost:8080/api/v1/orders`,
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	f := rootCmd.Flags()
	f.StringVar(&keyHex, "key", "", "maker private key hex (default: generate a new key)")
	f.StringVar(&instrument, "instrument", "PROP-1", "property token id")
	f.StringVar(&sideName, "side", "BUY", "BUY or SELL")
	f.Uint64Var(&amount, "amount", 10, "shares")
	f.Uint64Var(&price, "price", 1000, "quote units per share")
	f.DurationVar(&ttl, "ttl", time.Hour, "time until the order expires")
	f.Uint64Var(&nonce, "nonce", 0, "order nonce (default: random)")
	f.Int64Var(&chainID, "chain-id", 1337, "EIP-712 domain chain id, must match the node's CHAIN_ID")
	f.StringVar(&contract, "contract", "", "EIP-712 verifying contract, must match the node's SETTLEMENT_CONTRACT")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(_ *cobra.Command, _ []string) error {
	var (
		signer *crypto.Signer
		err    error
	)
	if keyHex != "" {
		signer, err = crypto.FromPrivateKeyHex(keyHex)
	} else {
		signer, err = crypto.GenerateKey()
	}
	if err != nil {
		return fmt.Errorf("load key: %w", err)
	}
	if nonce == 0 {
		if nonce, err = crypto.GenerateNonce(); err != nil {
			return err
		}
	}
	side, err := core.ParseSide(sideName)
	if err != nil {
		return err
	}

	order, err := core.NewOrder(signer.Address(), instrument, side, amount, price, time.Now().Add(ttl).Unix(), nonce)
	if err != nil {
		return err
	}

	domain := crypto.DefaultDomain()
	domain.ChainID = big.NewInt(chainID)
	if contract != "" {
		if !common.IsHexAddress(contract) {
			return fmt.Errorf("invalid contract address %q", contract)
		}
		domain.VerifyingContract = common.HexToAddress(contract)
	}
	hasher := crypto.NewOrderHasher(domain)

	sig, err := hasher.SignOrder(signer, order)
	if err != nil {
		return fmt.Errorf("sign order: %w", err)
	}
	ok, err := transaction.NewVerifier(hasher).Verify(order, sig, signer.Address())
	if err != nil || !ok {
		return fmt.Errorf("signature does not verify: %v", err)
	}
	id, err := hasher.OrderID(order)
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "maker:    %s\n", signer.Address().Hex())
	if keyHex == "" {
		fmt.Fprintf(os.Stderr, "key:      %s (KEEP SECRET)\n", signer.PrivateKeyHex())
	}
	fmt.Fprintf(os.Stderr, "order id: %s\n", id)

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(transaction.NewEnvelope(order, sig))
}

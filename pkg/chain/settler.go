// Package chain settles matched trades through a settlement contract.
package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"github.com/uhyunpark/estatex/pkg/app/settlement"
	"github.com/uhyunpark/estatex/pkg/crypto"
)

// SettlementABI is the slice of the settlement contract the engine calls.
const SettlementABI = `[{
	"type": "function",
	"name": "settle",
	"stateMutability": "nonpayable",
	"inputs": [
		{"name": "buyOrderId",  "type": "bytes32"},
		{"name": "sellOrderId", "type": "bytes32"},
		{"name": "buyer",       "type": "address"},
		{"name": "seller",      "type": "address"},
		{"name": "instrument",  "type": "string"},
		{"name": "amount",      "type": "uint256"},
		{"name": "price",       "type": "uint256"}
	],
	"outputs": []
}]`

// Backend is the subset of *ethclient.Client the settler uses.
type Backend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

type Config struct {
	Contract     common.Address
	OperatorKey  *ecdsa.PrivateKey
	ChainID      *big.Int
	PollInterval time.Duration // receipt polling, default 1s
	Log          *zap.SugaredLogger
}

// ContractSettler submits one settle transaction per match and waits for it
// to be mined. The returned settlement ref is the transaction hash.
type ContractSettler struct {
	backend  Backend
	abi      abi.ABI
	contract common.Address
	key      *ecdsa.PrivateKey
	from     common.Address
	signer   types.Signer
	poll     time.Duration
	log      *zap.SugaredLogger

	// serializes nonce selection and submission
	sendMu sync.Mutex
}

var _ settlement.Settler = (*ContractSettler)(nil)

// Dial connects to an RPC endpoint and builds a settler from a hex operator key.
func Dial(ctx context.Context, rpcURL, contract, operatorKeyHex string, chainID int64, log *zap.SugaredLogger) (*ContractSettler, error) {
	if !common.IsHexAddress(contract) {
		return nil, fmt.Errorf("invalid settlement contract address %q", contract)
	}
	operator, err := crypto.FromPrivateKeyHex(operatorKeyHex)
	if err != nil {
		return nil, fmt.Errorf("invalid operator key: %w", err)
	}
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", rpcURL, err)
	}
	return NewContractSettler(client, Config{
		Contract:    common.HexToAddress(contract),
		OperatorKey: operator.PrivateKey(),
		ChainID:     big.NewInt(chainID),
		Log:         log,
	})
}

func NewContractSettler(backend Backend, cfg Config) (*ContractSettler, error) {
	if cfg.OperatorKey == nil {
		return nil, errors.New("chain: operator key is required")
	}
	if cfg.ChainID == nil || cfg.ChainID.Sign() <= 0 {
		return nil, errors.New("chain: chain id must be positive")
	}
	parsed, err := abi.JSON(strings.NewReader(SettlementABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse settlement ABI: %w", err)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop().Sugar()
	}
	return &ContractSettler{
		backend:  backend,
		abi:      parsed,
		contract: cfg.Contract,
		key:      cfg.OperatorKey,
		from:     ethcrypto.PubkeyToAddress(cfg.OperatorKey.PublicKey),
		signer:   types.LatestSignerForChainID(cfg.ChainID),
		poll:     cfg.PollInterval,
		log:      cfg.Log,
	}, nil
}

// Operator is the address that pays for settlement transactions.
func (s *ContractSettler) Operator() common.Address { return s.from }

// CallData packs the settle call for a match.
func (s *ContractSettler) CallData(in settlement.Instruction) ([]byte, error) {
	m := in.Match
	return s.abi.Pack("settle",
		[32]byte(common.HexToHash(m.BuyOrderID)),
		[32]byte(common.HexToHash(m.SellOrderID)),
		m.Buyer,
		m.Seller,
		m.Instrument,
		new(big.Int).SetUint64(m.Amount),
		new(big.Int).SetUint64(m.Price),
	)
}

func (s *ContractSettler) Settle(ctx context.Context, in settlement.Instruction) (string, error) {
	data, err := s.CallData(in)
	if err != nil {
		return "", fmt.Errorf("failed to pack settle call: %w", err)
	}

	tx, err := s.send(ctx, data)
	if err != nil {
		return "", err
	}
	s.log.Infow("settlement_tx_sent",
		"tx", tx.Hash().Hex(),
		"nonce", tx.Nonce(),
		"buy_order_id", in.Match.BuyOrderID,
		"sell_order_id", in.Match.SellOrderID,
	)

	receipt, err := s.waitMined(ctx, tx.Hash())
	if err != nil {
		return "", err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return "", fmt.Errorf("settle tx %s reverted in block %v", tx.Hash().Hex(), receipt.BlockNumber)
	}
	return tx.Hash().Hex(), nil
}

func (s *ContractSettler) send(ctx context.Context, data []byte) (*types.Transaction, error) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	nonce, err := s.backend.PendingNonceAt(ctx, s.from)
	if err != nil {
		return nil, fmt.Errorf("failed to get nonce: %w", err)
	}
	gasPrice, err := s.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to suggest gas price: %w", err)
	}
	gas, err := s.backend.EstimateGas(ctx, ethereum.CallMsg{
		From:     s.from,
		To:       &s.contract,
		GasPrice: gasPrice,
		Data:     data,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to estimate gas: %w", err)
	}

	tx, err := types.SignTx(types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &s.contract,
		Value:    new(big.Int),
		Gas:      gas,
		GasPrice: gasPrice,
		Data:     data,
	}), s.signer, s.key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign settle tx: %w", err)
	}
	if err := s.backend.SendTransaction(ctx, tx); err != nil {
		return nil, fmt.Errorf("failed to send settle tx: %w", err)
	}
	return tx, nil
}

func (s *ContractSettler) waitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()
	for {
		receipt, err := s.backend.TransactionReceipt(ctx, hash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return nil, fmt.Errorf("failed to get receipt for %s: %w", hash.Hex(), err)
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("settle tx %s not mined: %w", hash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}

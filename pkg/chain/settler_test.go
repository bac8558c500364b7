package chain

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/uhyunpark/estatex/pkg/app/core"
	"github.com/uhyunpark/estatex/pkg/app/matching"
	"github.com/uhyunpark/estatex/pkg/app/settlement"
	"github.com/uhyunpark/estatex/pkg/crypto"
)

type fakeBackend struct {
	mu      sync.Mutex
	nonce   uint64
	sent    []*types.Transaction
	pending int // receipt lookups that report NotFound first
	status  uint64
	sendErr error
}

func (b *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nonce, nil
}

func (b *fakeBackend) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (b *fakeBackend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return 90_000, nil
}

func (b *fakeBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sendErr != nil {
		return b.sendErr
	}
	b.sent = append(b.sent, tx)
	b.nonce++
	return nil
}

func (b *fakeBackend) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pending > 0 {
		b.pending--
		return nil, ethereum.NotFound
	}
	return &types.Receipt{TxHash: hash, Status: b.status, BlockNumber: big.NewInt(7)}, nil
}

func newSettler(t *testing.T, backend Backend) (*ContractSettler, *crypto.Signer) {
	t.Helper()
	operator, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	s, err := NewContractSettler(backend, Config{
		Contract:     common.HexToAddress("0x00000000000000000000000000000000000000c0"),
		OperatorKey:  operator.PrivateKey(),
		ChainID:      big.NewInt(1337),
		PollInterval: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewContractSettler: %v", err)
	}
	return s, operator
}

func instruction() settlement.Instruction {
	return settlement.Instruction{Match: matching.Match{
		BuyOrderID:  "0x1111111111111111111111111111111111111111111111111111111111111111",
		SellOrderID: "0x2222222222222222222222222222222222222222222222222222222222222222",
		Instrument:  "PROP-NYC-1",
		Buyer:       common.HexToAddress("0xa11ce00000000000000000000000000000000001"),
		Seller:      common.HexToAddress("0xb0b0000000000000000000000000000000000002"),
		Amount:      60,
		Price:       9,
		TotalValue:  core.TotalValue(60, 9),
	}}
}

func TestSettleSendsSignedCall(t *testing.T) {
	backend := &fakeBackend{pending: 2, status: types.ReceiptStatusSuccessful}
	s, operator := newSettler(t, backend)
	in := instruction()

	ref, err := s.Settle(context.Background(), in)
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if len(backend.sent) != 1 {
		t.Fatalf("sent %d txs, want 1", len(backend.sent))
	}
	tx := backend.sent[0]
	if ref != tx.Hash().Hex() {
		t.Errorf("ref = %s, want tx hash %s", ref, tx.Hash().Hex())
	}
	if *tx.To() != common.HexToAddress("0x00000000000000000000000000000000000000c0") {
		t.Errorf("tx to = %s", tx.To().Hex())
	}

	from, err := types.Sender(types.LatestSignerForChainID(big.NewInt(1337)), tx)
	if err != nil {
		t.Fatalf("Sender: %v", err)
	}
	if from != operator.Address() || s.Operator() != operator.Address() {
		t.Errorf("tx signed by %s, want operator %s", from.Hex(), operator.Address().Hex())
	}

	method := s.abi.Methods["settle"]
	args, err := method.Inputs.Unpack(tx.Data()[4:])
	if err != nil {
		t.Fatalf("Unpack: %v", err)
	}
	if got := common.Hash(args[0].([32]byte)).Hex(); got != in.Match.BuyOrderID {
		t.Errorf("buyOrderId = %s", got)
	}
	if got := args[3].(common.Address); got != in.Match.Seller {
		t.Errorf("seller = %s", got.Hex())
	}
	if got := args[4].(string); got != "PROP-NYC-1" {
		t.Errorf("instrument = %q", got)
	}
	if got := args[5].(*big.Int); got.Uint64() != 60 {
		t.Errorf("amount = %s", got)
	}
	if got := args[6].(*big.Int); got.Uint64() != 9 {
		t.Errorf("price = %s", got)
	}
}

func TestSettleReverted(t *testing.T) {
	backend := &fakeBackend{status: types.ReceiptStatusFailed}
	s, _ := newSettler(t, backend)
	if _, err := s.Settle(context.Background(), instruction()); err == nil {
		t.Fatal("Settle succeeded for a reverted tx")
	}
}

func TestSettleSendError(t *testing.T) {
	backend := &fakeBackend{sendErr: errors.New("nonce too low")}
	s, _ := newSettler(t, backend)
	if _, err := s.Settle(context.Background(), instruction()); err == nil {
		t.Fatal("Settle succeeded although send failed")
	}
}

func TestSettleStopsPollingOnDeadline(t *testing.T) {
	backend := &fakeBackend{pending: 1 << 30, status: types.ReceiptStatusSuccessful}
	s, _ := newSettler(t, backend)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := s.Settle(ctx, instruction())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Settle = %v, want deadline exceeded", err)
	}
}

func TestSettleNoncesIncrease(t *testing.T) {
	backend := &fakeBackend{status: types.ReceiptStatusSuccessful}
	s, _ := newSettler(t, backend)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Settle(context.Background(), instruction()); err != nil {
				t.Errorf("Settle: %v", err)
			}
		}()
	}
	wg.Wait()

	seen := map[uint64]bool{}
	for _, tx := range backend.sent {
		if seen[tx.Nonce()] {
			t.Errorf("nonce %d reused", tx.Nonce())
		}
		seen[tx.Nonce()] = true
	}
}

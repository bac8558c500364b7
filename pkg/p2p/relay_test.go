package p2p

import (
	"context"
	"testing"
	"time"

	"github.com/uhyunpark/estatex/pkg/app/core"
	"github.com/uhyunpark/estatex/pkg/app/core/transaction"
	"github.com/uhyunpark/estatex/pkg/crypto"
)

func TestWireRoundTrip(t *testing.T) {
	data, err := encodeOrder([]byte(`{"order":{}}`))
	if err != nil {
		t.Fatalf("encodeOrder: %v", err)
	}
	body, err := decodeOrder(data)
	if err != nil {
		t.Fatalf("decodeOrder: %v", err)
	}
	if string(body) != `{"order":{}}` {
		t.Errorf("body = %s", body)
	}

	bad, _ := gobEncode(OrderWire{Version: 9})
	if _, err := decodeOrder(bad); err == nil {
		t.Error("decodeOrder accepted an unknown version")
	}
}

func signedEnvelope(t *testing.T) *transaction.SignedOrderEnvelope {
	t.Helper()
	maker, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	o := core.Order{
		Maker:      maker.Address(),
		Instrument: "PROP-1",
		Side:       core.Buy,
		Amount:     10,
		Price:      5,
		Expiry:     time.Now().Add(time.Hour).Unix(),
		Nonce:      1,
	}
	sig, err := crypto.NewOrderHasher(crypto.DefaultDomain()).SignOrder(maker, o)
	if err != nil {
		t.Fatal(err)
	}
	return transaction.NewEnvelope(o, sig)
}

func TestRelayDeliversToPeer(t *testing.T) {
	if testing.Short() {
		t.Skip("starts two libp2p hosts")
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := NewOrderRelay(ctx, RelayConfig{ListenAddr: "/ip4/127.0.0.1/tcp/0"})
	if err != nil {
		t.Fatalf("relay a: %v", err)
	}
	defer a.Close()
	b, err := NewOrderRelay(ctx, RelayConfig{ListenAddr: "/ip4/127.0.0.1/tcp/0", Bootstrap: a.Addrs()})
	if err != nil {
		t.Fatalf("relay b: %v", err)
	}
	defer b.Close()

	got := make(chan *transaction.SignedOrderEnvelope, 4)
	b.SetHandler(func(_ context.Context, env *transaction.SignedOrderEnvelope) error {
		select {
		case got <- env:
		default:
		}
		return nil
	})

	env := signedEnvelope(t)
	deadline := time.After(10 * time.Second)
	tick := time.NewTicker(200 * time.Millisecond)
	defer tick.Stop()
	// the gossipsub mesh needs a heartbeat or two before it delivers
	for {
		if err := a.Publish(ctx, env); err != nil {
			t.Fatalf("Publish: %v", err)
		}
		select {
		case recv := <-got:
			if recv.Signature != env.Signature || recv.Order.Instrument != "PROP-1" {
				t.Fatalf("received %+v", recv)
			}
			// b saw it from a peer, so re-publishing on b is a no-op
			if !b.received.Contains(proofKey(env.Signature)) {
				t.Error("b did not record the received order")
			}
			return
		case <-deadline:
			t.Fatal("order not delivered within 10s")
		case <-tick.C:
		}
	}
}

// Package p2p gossips signed orders between engine nodes so every node's
// book sees the same resting orders.
package p2p

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"github.com/uhyunpark/estatex/pkg/app/core"
	"github.com/uhyunpark/estatex/pkg/app/core/transaction"
)

const TopicOrders = "estatex/orders/1"

// Handler admits an order received from a peer.
type Handler func(ctx context.Context, env *transaction.SignedOrderEnvelope) error

type RelayConfig struct {
	ListenAddr string
	Bootstrap  []string
	Logger     *zap.SugaredLogger
}

// OrderRelay publishes locally admitted orders and feeds orders from peers
// through the same admission path.
type OrderRelay struct {
	h     host.Host
	ps    *pubsub.PubSub
	topic *pubsub.Topic
	sub   *pubsub.Subscription
	log   *zap.SugaredLogger

	// proofs of orders that arrived from peers, so admitting them does not
	// echo them back onto the topic
	received *expirable.LRU[string, struct{}]

	muH     sync.RWMutex
	handler Handler
}

func NewOrderRelay(ctx context.Context, cfg RelayConfig) (*OrderRelay, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	var opts []libp2p.Option
	if cfg.ListenAddr != "" {
		maddr, err := ma.NewMultiaddr(cfg.ListenAddr)
		if err != nil {
			return nil, err
		}
		opts = append(opts, libp2p.ListenAddrs(maddr))
	}
	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, err
	}
	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()
		return nil, err
	}

	r := &OrderRelay{
		h:        h,
		ps:       ps,
		log:      cfg.Logger,
		received: expirable.NewLRU[string, struct{}](10_000, nil, 10*time.Minute),
	}

	for _, bs := range cfg.Bootstrap {
		if err := connectMultiaddr(ctx, h, bs); err != nil {
			cfg.Logger.Warnw("bootstrap_connect_failed", "addr", bs, "err", err)
		}
	}

	if r.topic, err = ps.Join(TopicOrders); err != nil {
		h.Close()
		return nil, err
	}
	if r.sub, err = r.topic.Subscribe(); err != nil {
		h.Close()
		return nil, err
	}

	go r.handleOrders(ctx)

	cfg.Logger.Infow("libp2p_ready", "peer", h.ID().String(), "listen", cfg.ListenAddr, "topic", TopicOrders)
	return r, nil
}

func connectMultiaddr(ctx context.Context, h host.Host, addr string) error {
	m, err := ma.NewMultiaddr(addr)
	if err != nil {
		return err
	}
	info, err := peer.AddrInfoFromP2pAddr(m)
	if err != nil {
		return err
	}
	return h.Connect(ctx, *info)
}

func (r *OrderRelay) SetHandler(fn Handler) { r.muH.Lock(); r.handler = fn; r.muH.Unlock() }

func (r *OrderRelay) Host() host.Host { return r.h }

// Addrs returns dialable multiaddrs including the peer id.
func (r *OrderRelay) Addrs() []string {
	var out []string
	for _, a := range r.h.Addrs() {
		out = append(out, a.String()+"/p2p/"+r.h.ID().String())
	}
	return out
}

// Connect dials a peer given as a full multiaddr.
func (r *OrderRelay) Connect(ctx context.Context, addr string) error {
	return connectMultiaddr(ctx, r.h, addr)
}

// Publish gossips an admitted order. Orders that arrived from a peer are
// not published again.
func (r *OrderRelay) Publish(ctx context.Context, env *transaction.SignedOrderEnvelope) error {
	if r.received.Contains(proofKey(env.Signature)) {
		return nil
	}
	body, err := env.Serialize()
	if err != nil {
		return err
	}
	data, err := encodeOrder(body)
	if err != nil {
		return err
	}
	return r.topic.Publish(ctx, data)
}

// PublishOrder gossips a stored order.
func (r *OrderRelay) PublishOrder(ctx context.Context, o *core.SignedOrder) error {
	return r.Publish(ctx, transaction.NewEnvelope(o.Order, o.Proof))
}

func (r *OrderRelay) Close() error {
	r.sub.Cancel()
	_ = r.topic.Close()
	return r.h.Close()
}

// inbound

func (r *OrderRelay) handleOrders(ctx context.Context) {
	for {
		msg, err := r.sub.Next(ctx)
		if err != nil {
			return
		}
		if msg.ReceivedFrom == r.h.ID() {
			continue
		}
		body, err := decodeOrder(msg.Data)
		if err != nil {
			r.log.Debugw("gossip_order_malformed", "from", msg.ReceivedFrom.String(), "err", err)
			continue
		}
		env, err := transaction.Deserialize(body)
		if err != nil {
			r.log.Debugw("gossip_order_malformed", "from", msg.ReceivedFrom.String(), "err", err)
			continue
		}
		r.received.Add(proofKey(env.Signature), struct{}{})

		r.muH.RLock()
		h := r.handler
		r.muH.RUnlock()
		if h == nil {
			continue
		}
		if err := h(ctx, env); err != nil && !errors.Is(err, core.ErrDuplicateOrder) {
			r.log.Debugw("gossip_order_rejected", "from", msg.ReceivedFrom.String(), "err", err)
		}
	}
}

func proofKey(sig string) string {
	return strings.ToLower(strings.TrimPrefix(sig, "0x"))
}

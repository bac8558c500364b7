// Package exchange wires admission, matching, settlement and market data into
// a single Engine owned by the node.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/uhyunpark/estatex/params"
	"github.com/uhyunpark/estatex/pkg/app/admission"
	"github.com/uhyunpark/estatex/pkg/app/core"
	"github.com/uhyunpark/estatex/pkg/app/core/instrument"
	"github.com/uhyunpark/estatex/pkg/app/core/transaction"
	"github.com/uhyunpark/estatex/pkg/app/marketdata"
	"github.com/uhyunpark/estatex/pkg/app/matching"
	"github.com/uhyunpark/estatex/pkg/app/settlement"
	"github.com/uhyunpark/estatex/pkg/app/sweeper"
	"github.com/uhyunpark/estatex/pkg/crypto"
	"github.com/uhyunpark/estatex/pkg/storage"
	"github.com/uhyunpark/estatex/pkg/util"
)

// ErrInvalidQuery is returned for trade queries that name neither an
// instrument nor a maker.
var ErrInvalidQuery = errors.New("trade query needs an instrument or a maker")

// Deps are everything the engine needs. Store and Settler are required; the
// rest have workable defaults.
type Deps struct {
	Store    storage.Store
	Settler  settlement.Settler
	Hasher   *crypto.OrderHasher
	Cache    marketdata.Cache
	Registry *instrument.Registry
	Engine   params.Engine
	Clock    util.Clock
	Log      *zap.SugaredLogger
}

type Engine struct {
	store    storage.Store
	hasher   *crypto.OrderHasher
	registry *instrument.Registry
	clock    util.Clock
	log      *zap.SugaredLogger

	admission *admission.Service
	orch      *settlement.Orchestrator
	market    *marketdata.Aggregator
	sweeper   *sweeper.Sweeper

	muHooks sync.RWMutex
	onTrade []func(*core.Trade)
	onOrder []func(*core.SignedOrder)
}

func New(d Deps) (*Engine, error) {
	if d.Store == nil || d.Settler == nil {
		return nil, errors.New("exchange: store and settler are required")
	}
	if d.Hasher == nil {
		d.Hasher = crypto.NewOrderHasher(crypto.DefaultDomain())
	}
	if d.Clock == nil {
		d.Clock = util.RealClock{}
	}
	if d.Log == nil {
		d.Log = zap.NewNop().Sugar()
	}
	if d.Registry == nil {
		reg, err := instrument.ParseList(d.Engine.Instruments)
		if err != nil {
			return nil, fmt.Errorf("failed to parse instruments: %w", err)
		}
		d.Registry = reg
	}
	policy := matching.DefaultPolicy()
	if d.Engine.PricingPolicy != "" {
		p, err := matching.PolicyByName(d.Engine.PricingPolicy)
		if err != nil {
			return nil, err
		}
		policy = p
	}

	e := &Engine{
		store:    d.Store,
		hasher:   d.Hasher,
		registry: d.Registry,
		clock:    d.Clock,
		log:      d.Log,
	}

	var err error
	e.admission, err = admission.New(admission.Config{
		Store:    d.Store,
		Verifier: transaction.NewVerifier(d.Hasher),
		ID:       d.Hasher.OrderID,
		Registry: d.Registry,
		Clock:    d.Clock,
		Log:      d.Log.Named("admission"),
	})
	if err != nil {
		return nil, err
	}
	e.orch, err = settlement.New(settlement.Config{
		Store:   d.Store,
		Settler: d.Settler,
		Timeout: d.Engine.SettlementTimeout,
		Clock:   d.Clock,
		Log:     d.Log.Named("settlement"),
	})
	if err != nil {
		return nil, err
	}
	e.market, err = marketdata.NewAggregator(marketdata.Config{
		Store:  d.Store,
		Cache:  d.Cache,
		Window: d.Engine.MarketWindow,
		Clock:  d.Clock,
		Log:    d.Log.Named("marketdata"),
	})
	if err != nil {
		return nil, err
	}
	e.sweeper, err = sweeper.New(sweeper.Config{
		Store:        d.Store,
		Orchestrator: e.orch,
		Market:       e.market,
		Registry:     d.Registry,
		Pricing:      policy,
		MaxMatches:   d.Engine.MaxMatches,
		Concurrency:  d.Engine.Concurrency,
		Interval:     d.Engine.SweepInterval,
		Clock:        d.Clock,
		Log:          d.Log.Named("sweeper"),
	})
	if err != nil {
		return nil, err
	}

	e.orch.OnConfirmed(e.emitTrade)
	e.admission.OnAdmitted(e.emitOrder)
	e.admission.OnCancelled(e.emitOrder)
	e.sweeper.OnExpired(e.emitOrder)
	e.sweeper.OnFilled(e.emitOrder)
	return e, nil
}

// OnTrade registers fn for every confirmed trade. Hooks run on the sweeper
// goroutine and must not block.
func (e *Engine) OnTrade(fn func(*core.Trade)) {
	e.muHooks.Lock()
	e.onTrade = append(e.onTrade, fn)
	e.muHooks.Unlock()
}

// OnOrder registers fn for every order state change: admission,
// cancellation, expiry and fills.
func (e *Engine) OnOrder(fn func(*core.SignedOrder)) {
	e.muHooks.Lock()
	e.onOrder = append(e.onOrder, fn)
	e.muHooks.Unlock()
}

func (e *Engine) emitTrade(t *core.Trade) {
	e.muHooks.RLock()
	hooks := e.onTrade
	e.muHooks.RUnlock()
	for _, fn := range hooks {
		fn(t.Clone())
	}
}

func (e *Engine) emitOrder(o *core.SignedOrder) {
	e.muHooks.RLock()
	hooks := e.onOrder
	e.muHooks.RUnlock()
	for _, fn := range hooks {
		fn(o.Clone())
	}
}

func (e *Engine) Registry() *instrument.Registry { return e.registry }
func (e *Engine) Hasher() *crypto.OrderHasher    { return e.hasher }

func (e *Engine) SubmitOrder(ctx context.Context, req admission.SubmitRequest) (*core.SignedOrder, error) {
	return e.admission.Submit(ctx, req)
}

// SubmitEnvelope admits an order received in wire form, from the API or from
// a peer.
func (e *Engine) SubmitEnvelope(ctx context.Context, env *transaction.SignedOrderEnvelope) (*core.SignedOrder, error) {
	if env == nil {
		return nil, fmt.Errorf("%w: empty envelope", core.ErrInvalidOrder)
	}
	order, proof, err := env.Decode()
	if err != nil {
		return nil, err
	}
	maker, err := crypto.ParseMaker(env.ClaimedMaker())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrInvalidOrder, err)
	}
	return e.admission.Submit(ctx, admission.SubmitRequest{Order: order, Proof: proof, Maker: maker})
}

func (e *Engine) CancelOrder(ctx context.Context, id string, maker common.Address) (*core.SignedOrder, error) {
	return e.admission.Cancel(ctx, id, maker)
}

func (e *Engine) GetOrder(ctx context.Context, id string) (*core.SignedOrder, error) {
	return e.store.GetOrder(ctx, id)
}

// OrderBook aggregates the tradable orders of instrument into depth levels.
func (e *Engine) OrderBook(ctx context.Context, instrumentID string, depth int) (*matching.Book, error) {
	orders, err := e.store.FindOrders(ctx, storage.OrderFilter{Instrument: instrumentID, Status: core.StatusActive})
	if err != nil {
		return nil, fmt.Errorf("failed to load orders for %s: %w", instrumentID, err)
	}
	return matching.Depth(instrumentID, orders, e.clock.Now(), depth), nil
}

type TradeQuery struct {
	Instrument string
	Maker      *common.Address
	Cursor     string
	Limit      int
}

type TradePage struct {
	Trades     []*core.Trade `json:"trades"`
	NextCursor string        `json:"nextCursor,omitempty"`
}

// Trades pages through confirmed trades, newest first.
func (e *Engine) Trades(ctx context.Context, q TradeQuery) (TradePage, error) {
	if q.Instrument == "" && q.Maker == nil {
		return TradePage{}, ErrInvalidQuery
	}
	trades, next, err := e.store.FindTrades(ctx, storage.TradeFilter{
		Instrument: q.Instrument,
		Maker:      q.Maker,
		Cursor:     q.Cursor,
		Limit:      q.Limit,
	})
	if err != nil {
		return TradePage{}, err
	}
	if trades == nil {
		trades = []*core.Trade{}
	}
	return TradePage{Trades: trades, NextCursor: next}, nil
}

func (e *Engine) MarketData(ctx context.Context, instrumentID string) (*core.MarketData, error) {
	return e.market.Get(ctx, instrumentID)
}

func (e *Engine) RunCycle(ctx context.Context) sweeper.CycleReport {
	return e.sweeper.RunCycle(ctx)
}

func (e *Engine) LastCycle() (sweeper.CycleReport, bool) {
	return e.sweeper.LastCycle()
}

// Start schedules the sweeper. Trades still PENDING from a previous run are
// logged so an operator can reconcile them against the settlement layer.
func (e *Engine) Start(ctx context.Context) error {
	pending, err := e.store.PendingTrades(ctx)
	if err != nil {
		return fmt.Errorf("failed to list pending trades: %w", err)
	}
	for _, t := range pending {
		e.log.Warnw("trade_pending_at_start",
			"buy_order", t.BuyOrderID,
			"sell_order", t.SellOrderID,
			"instrument", t.Instrument,
			"settlement_ref", t.SettlementRef,
		)
	}
	return e.sweeper.Start(ctx)
}

// Close stops the sweeper and waits for a running cycle. The store belongs
// to the caller.
func (e *Engine) Close() error {
	e.sweeper.Stop()
	return nil
}

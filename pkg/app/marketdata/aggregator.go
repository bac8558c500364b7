// Package marketdata derives per-instrument statistics from confirmed trades
// and resting orders. Everything here is a rebuildable cache.
package marketdata

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/estatex/pkg/app/core"
	"github.com/uhyunpark/estatex/pkg/storage"
	"github.com/uhyunpark/estatex/pkg/util"
)

// DefaultWindow is the trailing window for volume and price change.
const DefaultWindow = 24 * time.Hour

type Config struct {
	Store  storage.Store
	Cache  Cache // nil disables caching
	Window time.Duration
	Clock  util.Clock
	Log    *zap.SugaredLogger
}

type Aggregator struct {
	store  storage.Store
	cache  Cache
	window time.Duration
	clock  util.Clock
	log    *zap.SugaredLogger
}

func NewAggregator(cfg Config) (*Aggregator, error) {
	if cfg.Store == nil {
		return nil, errors.New("marketdata: store is required")
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.Clock == nil {
		cfg.Clock = util.RealClock{}
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop().Sugar()
	}
	return &Aggregator{store: cfg.Store, cache: cfg.Cache, window: cfg.Window, clock: cfg.Clock, log: cfg.Log}, nil
}

// Compute rebuilds the snapshot for instrument from the store.
func (a *Aggregator) Compute(ctx context.Context, instrument string) (*core.MarketData, error) {
	now := a.clock.Now()
	md := &core.MarketData{
		Instrument:     instrument,
		Volume:         new(big.Int),
		PriceChange:    new(big.Int),
		PriceChangePct: "0",
		WindowStart:    now.Add(-a.window),
		UpdatedAt:      now,
	}

	// newest first
	var (
		first, last *core.Trade
		cursor      string
	)
	for {
		page, next, err := a.store.FindTrades(ctx, storage.TradeFilter{
			Instrument: instrument,
			Since:      md.WindowStart,
			Cursor:     cursor,
			Limit:      storage.MaxTradePageSize,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to load trades for %s: %w", instrument, err)
		}
		for _, t := range page {
			if !t.Confirmed() {
				continue
			}
			if last == nil {
				last = t
			}
			first = t
			md.Volume.Add(md.Volume, t.TotalValue)
			md.TradeCount++
		}
		if next == "" {
			break
		}
		cursor = next
	}

	if last != nil {
		price := last.Price
		md.LastPrice = &price
		md.PriceChange.Sub(new(big.Int).SetUint64(last.Price), new(big.Int).SetUint64(first.Price))
		md.PriceChangePct = percentChange(first.Price, md.PriceChange)
	} else {
		// quiet window: the last price still comes from the newest trade ever
		older, _, err := a.store.FindTrades(ctx, storage.TradeFilter{Instrument: instrument, Limit: 1})
		if err != nil {
			return nil, fmt.Errorf("failed to load last trade for %s: %w", instrument, err)
		}
		if len(older) > 0 && older[0].Confirmed() {
			price := older[0].Price
			md.LastPrice = &price
		}
	}

	orders, err := a.store.FindOrders(ctx, storage.OrderFilter{Instrument: instrument, Status: core.StatusActive})
	if err != nil {
		return nil, fmt.Errorf("failed to load orders for %s: %w", instrument, err)
	}
	for _, o := range orders {
		if !o.Tradable(now) {
			continue
		}
		price := o.Order.Price
		switch o.Order.Side {
		case core.Buy:
			if md.BestBid == nil || price > *md.BestBid {
				md.BestBid = &price
			}
		case core.Sell:
			if md.BestAsk == nil || price < *md.BestAsk {
				md.BestAsk = &price
			}
		}
	}
	return md, nil
}

// Get serves from the cache and computes on a miss. Cache failures degrade
// to computing.
func (a *Aggregator) Get(ctx context.Context, instrument string) (*core.MarketData, error) {
	if a.cache != nil {
		md, ok, err := a.cache.Get(ctx, instrument)
		if err != nil {
			a.log.Warnw("marketdata_cache_get_failed", "instrument", instrument, "err", err)
		} else if ok {
			return md, nil
		}
	}
	return a.Refresh(ctx, instrument)
}

// Refresh recomputes instrument and replaces the cached value.
func (a *Aggregator) Refresh(ctx context.Context, instrument string) (*core.MarketData, error) {
	md, err := a.Compute(ctx, instrument)
	if err != nil {
		return nil, err
	}
	if a.cache != nil {
		if err := a.cache.Set(ctx, md); err != nil {
			a.log.Warnw("marketdata_cache_set_failed", "instrument", instrument, "err", err)
		}
	}
	return md, nil
}

// percentChange renders change/base*100 with two decimals.
func percentChange(base uint64, change *big.Int) string {
	if base == 0 {
		return "0"
	}
	pct := decimal.NewFromBigInt(change, 2).Div(decimal.NewFromBigInt(new(big.Int).SetUint64(base), 0))
	return pct.StringFixed(2)
}

package main

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/uhyunpark/estatex/params"
	"github.com/uhyunpark/estatex/pkg/app/exchange"
	"github.com/uhyunpark/estatex/pkg/app/marketdata"
	"github.com/uhyunpark/estatex/pkg/app/settlement"
	"github.com/uhyunpark/estatex/pkg/chain"
	"github.com/uhyunpark/estatex/pkg/crypto"
	"github.com/uhyunpark/estatex/pkg/events"
	"github.com/uhyunpark/estatex/pkg/storage"
)

const (
	marketCacheSize = 1024
	marketCacheTTL  = 30 * time.Second
	tradeStreamSize = 1024
)

// node holds every long-lived resource so that shutdown can release them in
// reverse order of construction.
type node struct {
	cfg    params.Config
	log    *zap.SugaredLogger
	store  storage.Store
	engine *exchange.Engine
	stream *events.Stream

	closers []func() error
}

func (n *node) Close() error {
	var err error
	for i := len(n.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, n.closers[i]())
	}
	return err
}

func buildNode(ctx context.Context, cfg params.Config, log *zap.SugaredLogger) (n *node, err error) {
	n = &node{cfg: cfg, log: log}
	defer func() {
		if err != nil {
			err = multierr.Append(err, n.Close())
			n = nil
		}
	}()

	n.store, err = openStore(ctx, cfg.Store, log)
	if err != nil {
		return n, err
	}
	n.closers = append(n.closers, n.store.Close)

	settler, err := buildSettler(ctx, cfg.Chain, log)
	if err != nil {
		return n, err
	}

	var cache marketdata.Cache = marketdata.NewLRUCache(marketCacheSize, marketCacheTTL)
	if cfg.Integrations.RedisAddr != "" {
		rc, err := marketdata.NewRedisCache(ctx, cfg.Integrations.RedisAddr, marketCacheTTL)
		if err != nil {
			return n, err
		}
		n.closers = append(n.closers, rc.Close)
		cache = rc
		log.Infow("market_cache", "backend", "redis", "addr", cfg.Integrations.RedisAddr)
	}

	n.engine, err = exchange.New(exchange.Deps{
		Store:   n.store,
		Settler: settler,
		Hasher:  crypto.NewOrderHasher(domainFor(cfg.Chain)),
		Cache:   cache,
		Engine:  cfg.Engine,
		Log:     log,
	})
	if err != nil {
		return n, err
	}
	n.closers = append(n.closers, n.engine.Close)

	var pub events.Publisher = events.Nop{}
	if len(cfg.Integrations.KafkaBrokers) > 0 {
		pub = events.NewKafkaPublisher(cfg.Integrations.KafkaBrokers, cfg.Integrations.KafkaTopic)
		log.Infow("trade_events", "backend", "kafka", "brokers", cfg.Integrations.KafkaBrokers, "topic", cfg.Integrations.KafkaTopic)
	}
	n.closers = append(n.closers, pub.Close)
	n.stream = events.NewStream(pub, tradeStreamSize, log.Named("events"))
	n.engine.OnTrade(n.stream.Enqueue)
	return n, nil
}

func openStore(ctx context.Context, cfg params.Store, log *zap.SugaredLogger) (storage.Store, error) {
	switch cfg.Backend {
	case params.BackendPostgres:
		pg, err := storage.OpenPostgres(ctx, storage.PostgresConfig{URL: cfg.DatabaseURL})
		if err != nil {
			return nil, err
		}
		if err := pg.Migrate(ctx); err != nil {
			pg.Close()
			return nil, err
		}
		log.Infow("store_opened", "backend", cfg.Backend)
		return pg, nil
	case params.BackendPebble:
		pb, err := storage.OpenPebble(cfg.PebblePath, nil)
		if err != nil {
			return nil, err
		}
		log.Infow("store_opened", "backend", cfg.Backend, "path", cfg.PebblePath)
		return pb, nil
	}
	return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
}

func buildSettler(ctx context.Context, cfg params.Chain, log *zap.SugaredLogger) (settlement.Settler, error) {
	if cfg.RPCURL == "" {
		log.Warnw("local_settlement", "reason", "ETH_RPC_URL not set, trades settle with generated refs")
		return settlement.LocalSettler{}, nil
	}
	cs, err := chain.Dial(ctx, cfg.RPCURL, cfg.Contract, cfg.OperatorKey, cfg.ChainID, log.Named("chain"))
	if err != nil {
		return nil, err
	}
	log.Infow("chain_settlement", "contract", cfg.Contract, "chain_id", cfg.ChainID, "operator", cs.Operator().Hex())
	return cs, nil
}

// domainFor binds order signatures to the configured chain and contract.
func domainFor(cfg params.Chain) crypto.EIP712Domain {
	d := crypto.DefaultDomain()
	d.ChainID = big.NewInt(cfg.ChainID)
	if common.IsHexAddress(cfg.Contract) {
		d.VerifyingContract = common.HexToAddress(cfg.Contract)
	}
	return d
}

package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/uhyunpark/estatex/pkg/api"
	"github.com/uhyunpark/estatex/pkg/app/core"
	"github.com/uhyunpark/estatex/pkg/app/core/transaction"
	"github.com/uhyunpark/estatex/pkg/app/exchange"
	"github.com/uhyunpark/estatex/pkg/p2p"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the node: REST/WebSocket API, periodic sweeps and settlement",
	Long: `Runs the full node until interrupted.

Optional integrations are enabled by configuration:
  DATABASE_URL + STORE_BACKEND=postgres  PostgreSQL store instead of pebble
  ETH_RPC_URL + SETTLEMENT_CONTRACT      on-chain settlement
  REDIS_ADDR                             shared market data cache
  KAFKA_BROKERS                          confirmed trade events
  P2P_LISTEN                             gossip signed orders with peers
  FEEDER_ENABLED=true                    synthetic order flow for devnets`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.Node)
	if err != nil {
		return err
	}
	defer logger.Sync()
	log := logger.Sugar()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	n, err := buildNode(ctx, cfg, log)
	if err != nil {
		log.Errorw("node_init_failed", "err", err)
		return err
	}
	defer func() {
		if err := n.Close(); err != nil {
			log.Warnw("node_close_failed", "err", err)
		}
	}()

	if cfg.Integrations.P2PListen != "" {
		relay, err := p2p.NewOrderRelay(ctx, p2p.RelayConfig{
			ListenAddr: cfg.Integrations.P2PListen,
			Bootstrap:  cfg.Integrations.P2PBootstrap,
			Logger:     log.Named("p2p"),
		})
		if err != nil {
			log.Errorw("p2p_init_failed", "err", err)
			return err
		}
		n.closers = append(n.closers, relay.Close)
		relay.SetHandler(func(ctx context.Context, env *transaction.SignedOrderEnvelope) error {
			_, err := n.engine.SubmitEnvelope(ctx, env)
			return err
		})
		n.engine.OnOrder(func(o *core.SignedOrder) {
			if o.Status != core.StatusActive || o.Remaining != o.Order.Amount {
				return
			}
			go func() {
				if err := relay.PublishOrder(ctx, o); err != nil {
					log.Debugw("p2p_publish_failed", "order_id", o.ID, "err", err)
				}
			}()
		})
		log.Infow("p2p_started", "addrs", relay.Addrs())
	}

	server := api.NewServer(n.engine, api.Config{
		Addr:        cfg.API.Addr,
		SubmitRate:  cfg.API.SubmitRate,
		SubmitBurst: cfg.API.SubmitBurst,
	}, log.Named("api"))

	if err := n.engine.Start(ctx); err != nil {
		return err
	}

	// the event stream outlives the sweeper so trades from a final cycle
	// still get published
	streamCtx, stopStream := context.WithCancel(context.WithoutCancel(ctx))
	streamDone := make(chan struct{})
	go func() {
		defer close(streamDone)
		n.stream.Run(streamCtx)
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.Start(gctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if cfg.Node.FeederEnabled {
		fcfg := exchange.DefaultFeederConfig()
		if ids := n.engine.Registry().List(); len(ids) > 0 {
			fcfg.Instruments = fcfg.Instruments[:0]
			for _, in := range ids {
				fcfg.Instruments = append(fcfg.Instruments, in.ID)
			}
		}
		feeder, err := exchange.NewFeeder(n.engine, fcfg, log.Named("feeder"))
		if err != nil {
			return err
		}
		g.Go(func() error {
			feeder.Run(gctx)
			return nil
		})
	}

	log.Infow("node_started",
		"api", cfg.API.Addr,
		"store", cfg.Store.Backend,
		"sweep_interval", cfg.Engine.SweepInterval,
		"pricing", cfg.Engine.PricingPolicy,
		"feeder", cfg.Node.FeederEnabled,
	)
	err = g.Wait()
	log.Infow("node_stopping", "err", err)
	n.engine.Close()
	stopStream()
	<-streamDone
	return err
}

package exchange

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/uhyunpark/estatex/pkg/app/core"
	"github.com/uhyunpark/estatex/pkg/app/core/transaction"
	"github.com/uhyunpark/estatex/pkg/crypto"
)

// FeederConfig controls synthetic order flow on dev networks.
type FeederConfig struct {
	Instruments []string
	Accounts    int           // simulated makers
	MidPrice    uint64        // quote units per share
	SpreadBps   uint64        // prices land within mid ± spread
	MaxAmount   uint64        // shares per order, at least 1
	BatchSize   int           // orders per tick
	Interval    time.Duration // tick period
	TTL         time.Duration // order lifetime
}

func DefaultFeederConfig() FeederConfig {
	return FeederConfig{
		Instruments: []string{"PROP-1"},
		Accounts:    10,
		MidPrice:    1_000,
		SpreadBps:   200,
		MaxAmount:   50,
		BatchSize:   4,
		Interval:    time.Second,
		TTL:         10 * time.Minute,
	}
}

// Feeder signs random buy and sell orders around a mid price and submits
// them through the engine like any client would.
type Feeder struct {
	engine  *Engine
	cfg     FeederConfig
	signers []*crypto.Signer
	nonces  []uint64
	rng     *rand.Rand
	log     *zap.SugaredLogger

	submitted int
	rejected  int
}

func NewFeeder(engine *Engine, cfg FeederConfig, log *zap.SugaredLogger) (*Feeder, error) {
	if len(cfg.Instruments) == 0 {
		return nil, errors.New("feeder: at least one instrument is required")
	}
	if cfg.Accounts <= 0 || cfg.BatchSize <= 0 || cfg.Interval <= 0 || cfg.TTL <= 0 {
		return nil, fmt.Errorf("feeder: accounts, batch size, interval and ttl must be positive")
	}
	if cfg.MidPrice == 0 {
		return nil, errors.New("feeder: mid price must be positive")
	}
	if cfg.MaxAmount == 0 {
		cfg.MaxAmount = 1
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	f := &Feeder{
		engine:  engine,
		cfg:     cfg,
		signers: make([]*crypto.Signer, cfg.Accounts),
		nonces:  make([]uint64, cfg.Accounts),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		log:     log,
	}
	for i := range f.signers {
		s, err := crypto.GenerateKey()
		if err != nil {
			return nil, fmt.Errorf("failed to generate feeder key: %w", err)
		}
		f.signers[i] = s
	}
	return f, nil
}

// NextEnvelope signs one random order. Not safe for concurrent use.
func (f *Feeder) NextEnvelope(now time.Time) (*transaction.SignedOrderEnvelope, error) {
	i := f.rng.Intn(len(f.signers))
	signer := f.signers[i]
	f.nonces[i]++

	side := core.Buy
	if f.rng.Intn(2) == 1 {
		side = core.Sell
	}
	spread := f.cfg.MidPrice * f.cfg.SpreadBps / 10_000
	price := f.cfg.MidPrice
	if spread > 0 {
		offset := uint64(f.rng.Int63n(int64(2*spread + 1)))
		price = price - spread + offset
	}
	if price == 0 {
		price = 1
	}

	order, err := core.NewOrder(
		signer.Address(),
		f.cfg.Instruments[f.rng.Intn(len(f.cfg.Instruments))],
		side,
		uint64(f.rng.Int63n(int64(f.cfg.MaxAmount)))+1,
		price,
		now.Add(f.cfg.TTL).Unix(),
		f.nonces[i],
	)
	if err != nil {
		return nil, err
	}
	sig, err := f.engine.Hasher().SignOrder(signer, order)
	if err != nil {
		return nil, err
	}
	return transaction.NewEnvelope(order, sig), nil
}

// Feed submits one batch and returns how many orders were admitted.
func (f *Feeder) Feed(ctx context.Context) int {
	admitted := 0
	for n := 0; n < f.cfg.BatchSize; n++ {
		env, err := f.NextEnvelope(f.engine.clock.Now())
		if err != nil {
			f.log.Warnw("feeder_sign_failed", "err", err)
			continue
		}
		if _, err := f.engine.SubmitEnvelope(ctx, env); err != nil {
			f.rejected++
			f.log.Debugw("feeder_order_rejected", "err", err)
			continue
		}
		admitted++
	}
	f.submitted += admitted
	return admitted
}

// Run feeds a batch every interval until ctx is done.
func (f *Feeder) Run(ctx context.Context) {
	ticker := time.NewTicker(f.cfg.Interval)
	defer ticker.Stop()

	start := time.Now()
	f.log.Infow("feeder_started",
		"instruments", f.cfg.Instruments,
		"batch", f.cfg.BatchSize,
		"interval", f.cfg.Interval,
		"accounts", f.cfg.Accounts,
	)
	for {
		select {
		case <-ctx.Done():
			f.log.Infow("feeder_stopped",
				"submitted", f.submitted,
				"rejected", f.rejected,
				"elapsed", time.Since(start).Round(time.Second),
			)
			return
		case <-ticker.C:
			f.Feed(ctx)
		}
	}
}

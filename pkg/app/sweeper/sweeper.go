// Package sweeper runs the periodic lifecycle cycle: expire stale orders,
// then match and settle every instrument that still has tradable orders.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/uhyunpark/estatex/pkg/app/core"
	"github.com/uhyunpark/estatex/pkg/app/core/instrument"
	"github.com/uhyunpark/estatex/pkg/app/marketdata"
	"github.com/uhyunpark/estatex/pkg/app/matching"
	"github.com/uhyunpark/estatex/pkg/app/settlement"
	"github.com/uhyunpark/estatex/pkg/storage"
	"github.com/uhyunpark/estatex/pkg/util"
)

// CycleReport counts what one cycle did. Conflicts, failed and timed-out
// settlements are expected and heal on later cycles; Errors and Err cover
// failures that need attention.
type CycleReport struct {
	Started     time.Time     `json:"started"`
	Duration    time.Duration `json:"duration"`
	Expired     int           `json:"expired"`
	Instruments int           `json:"instruments"`
	Halted      int           `json:"halted"`
	Matches     int           `json:"matches"`
	Confirmed   int           `json:"confirmed"`
	Conflicts   int           `json:"conflicts"`
	Failures    int           `json:"failures"`
	TimedOut    int           `json:"timedOut"`
	Duplicates  int           `json:"duplicates"`
	Skipped     int           `json:"skipped"`
	Errors      int           `json:"errors"`
	Err         error         `json:"-"`
}

type Config struct {
	Store        storage.Store
	Orchestrator *settlement.Orchestrator
	Market       *marketdata.Aggregator // nil skips market data refresh
	Registry     *instrument.Registry   // nil matches every instrument
	Pricing      matching.PricingPolicy
	MaxMatches   int
	Concurrency  int
	Interval     time.Duration
	Clock        util.Clock
	Log          *zap.SugaredLogger
}

type Sweeper struct {
	store      storage.Store
	orch       *settlement.Orchestrator
	market     *marketdata.Aggregator
	registry   *instrument.Registry
	pricing    matching.PricingPolicy
	maxMatches int
	limit      int
	interval   time.Duration
	clock      util.Clock
	log        *zap.SugaredLogger

	locks sync.Map // instrument -> *sync.Mutex

	mu   sync.Mutex
	last *CycleReport
	cron *cron.Cron

	onExpired []func(*core.SignedOrder)
	onFilled  []func(*core.SignedOrder)
}

func New(cfg Config) (*Sweeper, error) {
	if cfg.Store == nil || cfg.Orchestrator == nil {
		return nil, errors.New("sweeper: store and orchestrator are required")
	}
	if cfg.MaxMatches <= 0 {
		return nil, fmt.Errorf("sweeper: max matches must be positive, got %d", cfg.MaxMatches)
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.Pricing == nil {
		cfg.Pricing = matching.DefaultPolicy()
	}
	if cfg.Registry == nil {
		cfg.Registry = instrument.NewRegistry()
	}
	if cfg.Clock == nil {
		cfg.Clock = util.RealClock{}
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop().Sugar()
	}
	return &Sweeper{
		store:      cfg.Store,
		orch:       cfg.Orchestrator,
		market:     cfg.Market,
		registry:   cfg.Registry,
		pricing:    cfg.Pricing,
		maxMatches: cfg.MaxMatches,
		limit:      cfg.Concurrency,
		interval:   cfg.Interval,
		clock:      cfg.Clock,
		log:        cfg.Log,
	}, nil
}

// OnExpired registers fn for every order the sweeper expires.
func (s *Sweeper) OnExpired(fn func(*core.SignedOrder)) {
	s.onExpired = append(s.onExpired, fn)
}

// OnFilled registers fn for every order a cycle touched through a confirmed
// trade, with its state after the cycle.
func (s *Sweeper) OnFilled(fn func(*core.SignedOrder)) {
	s.onFilled = append(s.onFilled, fn)
}

// LastCycle returns the report of the most recently finished cycle.
func (s *Sweeper) LastCycle() (CycleReport, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return CycleReport{}, false
	}
	return *s.last, true
}

// RunCycle runs one full cycle. A failing instrument is recorded in the
// report and never stops the others.
func (s *Sweeper) RunCycle(ctx context.Context) CycleReport {
	began := time.Now()
	now := s.clock.Now()
	rep := CycleReport{Started: now}

	expired, err := s.expire(ctx, now)
	rep.Expired = expired
	if err != nil {
		rep.Errors++
		rep.Err = multierr.Append(rep.Err, err)
	}

	instruments, err := s.store.ActiveInstruments(ctx, now)
	if err != nil {
		rep.Errors++
		rep.Err = multierr.Append(rep.Err, fmt.Errorf("failed to list active instruments: %w", err))
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(s.limit)
	for _, id := range instruments {
		if !s.registry.Matchable(id) {
			rep.Halted++
			continue
		}
		rep.Instruments++
		id := id
		g.Go(func() error {
			ir, err := s.processInstrument(ctx, id, now)

			mu.Lock()
			defer mu.Unlock()
			rep.Matches += ir.Matches
			rep.Confirmed += ir.Settlement.Count(settlement.OutcomeSettled)
			rep.Conflicts += ir.Settlement.Count(settlement.OutcomeConflict)
			rep.Failures += ir.Settlement.Count(settlement.OutcomeFailed)
			rep.TimedOut += ir.Settlement.Count(settlement.OutcomeTimedOut)
			rep.Duplicates += ir.Settlement.Count(settlement.OutcomeDuplicate)
			rep.Skipped += ir.Settlement.Count(settlement.OutcomeSkipped)
			rep.Errors += ir.Settlement.Count(settlement.OutcomeError)
			if err != nil {
				if ir.Settlement.Count(settlement.OutcomeError) == 0 {
					rep.Errors++
				}
				instrumentErrors.WithLabelValues(id).Inc()
				s.log.Errorw("sweep_instrument_failed", "instrument", id, "err", err)
				rep.Err = multierr.Append(rep.Err, fmt.Errorf("%s: %w", id, err))
			}
			return nil
		})
	}
	_ = g.Wait()

	rep.Duration = time.Since(began)
	cycleCounter.Inc()
	matchCounter.Add(float64(rep.Matches))
	lastCycleSeconds.Set(rep.Duration.Seconds())

	s.mu.Lock()
	last := rep
	s.last = &last
	s.mu.Unlock()

	if rep.Expired+rep.Matches+rep.Errors > 0 {
		s.log.Infow("sweep_cycle",
			"instruments", rep.Instruments,
			"expired", rep.Expired,
			"matches", rep.Matches,
			"confirmed", rep.Confirmed,
			"conflicts", rep.Conflicts,
			"failures", rep.Failures+rep.TimedOut,
			"errors", rep.Errors,
			"duration", rep.Duration,
		)
	}
	return rep
}

func (s *Sweeper) expire(ctx context.Context, now time.Time) (int, error) {
	stale, err := s.store.ExpiredActive(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("failed to list expired orders: %w", err)
	}
	var errs error
	n := 0
	for _, o := range stale {
		updated, err := s.store.TransitionStatus(ctx, o.ID, core.StatusActive, core.StatusExpired, now)
		if errors.Is(err, core.ErrConflict) {
			// filled or cancelled since the listing
			continue
		}
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("expire %s: %w", o.ID, err))
			continue
		}
		n++
		expiredCounter.Inc()
		s.log.Debugw("order_expired", "order_id", o.ID, "instrument", o.Order.Instrument, "expiry", o.Order.Expiry)
		for _, fn := range s.onExpired {
			fn(updated.Clone())
		}
	}
	return n, errs
}

type instrumentResult struct {
	Matches    int
	Settlement settlement.Report
}

func (s *Sweeper) processInstrument(ctx context.Context, id string, now time.Time) (instrumentResult, error) {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	var ir instrumentResult
	snapshot, err := s.store.FindOrders(ctx, storage.OrderFilter{Instrument: id, Status: core.StatusActive})
	if err != nil {
		return ir, fmt.Errorf("failed to snapshot orders: %w", err)
	}

	pending, err := s.pendingPairs(ctx, id)
	if err != nil {
		return ir, err
	}

	res := matching.Match(id, snapshot, matching.Options{
		Now:        now,
		MaxMatches: s.maxMatches,
		Pricing:    s.pricing,
		SkipPair:   func(buy, sell string) bool { return pending[core.PairKey(buy, sell)] },
	})
	ir.Matches = len(res.Matches)
	if res.Truncated {
		s.log.Debugw("sweep_match_truncated", "instrument", id, "max_matches", s.maxMatches)
	}
	if len(res.Matches) > 0 {
		ir.Settlement = s.orch.Execute(ctx, settlement.Instructions(snapshot, res.Matches))
		s.notifyFilled(ctx, ir.Settlement.Trades)
	}

	var errs error
	if err := ir.Settlement.Err(); err != nil {
		errs = multierr.Append(errs, err)
	}
	if s.market != nil {
		if _, err := s.market.Refresh(ctx, id); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("market data refresh: %w", err))
		}
	}
	return ir, errs
}

// pendingPairs lists pairs of instrument that already hold a PENDING trade,
// either in flight elsewhere or awaiting reconciliation.
func (s *Sweeper) pendingPairs(ctx context.Context, instrument string) (map[string]bool, error) {
	trades, err := s.store.PendingTrades(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load pending trades: %w", err)
	}
	pairs := make(map[string]bool)
	for _, t := range trades {
		if t.Instrument != instrument {
			continue
		}
		pairs[t.PairKey()] = true
		if t.SettlementRef != "" {
			s.log.Debugw("sweep_pair_unreconciled", "trade_id", t.ID, "ref", t.SettlementRef)
		}
	}
	return pairs, nil
}

func (s *Sweeper) notifyFilled(ctx context.Context, trades []*core.Trade) {
	if len(s.onFilled) == 0 || len(trades) == 0 {
		return
	}
	seen := make(map[string]bool)
	for _, t := range trades {
		for _, id := range []string{t.BuyOrderID, t.SellOrderID} {
			if seen[id] {
				continue
			}
			seen[id] = true
			o, err := s.store.GetOrder(ctx, id)
			if err != nil {
				s.log.Warnw("sweep_reload_order_failed", "order_id", id, "err", err)
				continue
			}
			for _, fn := range s.onFilled {
				fn(o.Clone())
			}
		}
	}
}

func (s *Sweeper) lockFor(instrument string) *sync.Mutex {
	l, _ := s.locks.LoadOrStore(instrument, &sync.Mutex{})
	return l.(*sync.Mutex)
}

// Start schedules RunCycle every interval. A tick that arrives while a
// cycle is still running is skipped.
func (s *Sweeper) Start(ctx context.Context) error {
	if s.interval <= 0 {
		return fmt.Errorf("sweeper: interval must be positive, got %s", s.interval)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return errors.New("sweeper: already started")
	}

	logger := cronLogger{log: s.log}
	c := cron.New(cron.WithLogger(logger), cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)))
	if _, err := c.AddFunc("@every "+s.interval.String(), func() { s.RunCycle(ctx) }); err != nil {
		return fmt.Errorf("failed to schedule sweep: %w", err)
	}
	c.Start()
	s.cron = c
	s.log.Infow("sweeper_started", "interval", s.interval, "concurrency", s.limit, "max_matches", s.maxMatches)
	return nil
}

// Stop halts scheduling and waits for a running cycle to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
	s.log.Infow("sweeper_stopped")
}

// cronLogger routes cron's own logging through zap.
type cronLogger struct {
	log *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debugw("cron_"+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Errorw("cron_"+msg, append(keysAndValues, "err", err)...)
}

// Package settlement drives proposed matches through external settlement and
// records the outcome.
//
// Each match goes through reserve, settle and confirm. The PENDING
// reservation keyed by (buy, sell) is taken before the external call, so a
// pair is settled at most once no matter how many orchestrators propose it.
// No store lock is held while the settler runs; orders change only in the
// conditional ConfirmTrade that follows.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/uhyunpark/estatex/pkg/app/core"
	"github.com/uhyunpark/estatex/pkg/storage"
	"github.com/uhyunpark/estatex/pkg/util"
)

type Outcome int

const (
	// OutcomeSettled: trade confirmed and both orders decremented.
	OutcomeSettled Outcome = iota + 1
	// OutcomeFailed: the settler returned an error. Nothing changed.
	OutcomeFailed
	// OutcomeTimedOut: the settler ran past the timeout. The orders are not
	// decremented; a ref returned late is kept on the PENDING trade.
	OutcomeTimedOut
	// OutcomeConflict: the orders moved since the snapshot, including a
	// proposal for a pair that has already been confirmed.
	OutcomeConflict
	// OutcomeDuplicate: a PENDING trade for the pair is in flight or
	// awaiting reconciliation.
	OutcomeDuplicate
	// OutcomeSkipped: an earlier match in the batch on the same order did not settle.
	OutcomeSkipped
	// OutcomeError: the store failed.
	OutcomeError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSettled:
		return "settled"
	case OutcomeFailed:
		return "failed"
	case OutcomeTimedOut:
		return "timed_out"
	case OutcomeConflict:
		return "conflict"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeError:
		return "error"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

var outcomeCounters = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "estatex_settlement_outcomes_total",
	Help: "Settlement attempts by outcome",
}, []string{"outcome"})

var settleDurations = prometheus.NewSummaryVec(prometheus.SummaryOpts{
	Name:       "estatex_settle_duration_seconds",
	Help:       "Duration of external settlement calls",
	Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
	AgeBuckets: 1,
}, []string{"outcome"})

func init() {
	prometheus.MustRegister(outcomeCounters, settleDurations)
}

// Result is the outcome of one instruction. Ref is set whenever the settler
// succeeded, Trade only for OutcomeSettled.
type Result struct {
	Instruction Instruction
	Outcome     Outcome
	Ref         string
	Trade       *core.Trade
	Err         error
}

type Report struct {
	Results []Result
	Trades  []*core.Trade // confirmed in this run, in execution order
}

// Count returns how many results had outcome o.
func (r Report) Count(o Outcome) int {
	n := 0
	for _, res := range r.Results {
		if res.Outcome == o {
			n++
		}
	}
	return n
}

// Err joins the errors of results that need operator attention. Failed and
// timed-out settlements and conflicts resolve on later cycles and are not
// included.
func (r Report) Err() error {
	var errs []error
	for _, res := range r.Results {
		if res.Outcome == OutcomeError {
			errs = append(errs, res.Err)
		}
	}
	return errors.Join(errs...)
}

type Config struct {
	Store   storage.Store
	Settler Settler
	Timeout time.Duration // per settle call
	Clock   util.Clock
	Log     *zap.SugaredLogger
}

type Orchestrator struct {
	store   storage.Store
	settler Settler
	timeout time.Duration
	clock   util.Clock
	log     *zap.SugaredLogger

	onConfirmed []func(*core.Trade)
}

func New(cfg Config) (*Orchestrator, error) {
	if cfg.Store == nil || cfg.Settler == nil {
		return nil, errors.New("settlement: store and settler are required")
	}
	if cfg.Timeout <= 0 {
		return nil, fmt.Errorf("settlement: timeout must be positive, got %s", cfg.Timeout)
	}
	if cfg.Clock == nil {
		cfg.Clock = util.RealClock{}
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop().Sugar()
	}
	return &Orchestrator{
		store:   cfg.Store,
		settler: cfg.Settler,
		timeout: cfg.Timeout,
		clock:   cfg.Clock,
		log:     cfg.Log,
	}, nil
}

// OnConfirmed registers fn to receive every confirmed trade. Register before
// the first Execute.
func (o *Orchestrator) OnConfirmed(fn func(*core.Trade)) {
	o.onConfirmed = append(o.onConfirmed, fn)
}

// Execute settles instructions one after another in the given order. Matches
// from one pass can chain on the same order, so once an order's match does
// not settle every later match touching that order is skipped; its expected
// remaining amount would no longer hold.
func (o *Orchestrator) Execute(ctx context.Context, batch []Instruction) Report {
	var rep Report
	blocked := make(map[string]bool)

	for _, in := range batch {
		m := in.Match
		var res Result
		switch {
		case ctx.Err() != nil:
			res = Result{Instruction: in, Outcome: OutcomeSkipped, Err: ctx.Err()}
		case blocked[m.BuyOrderID] || blocked[m.SellOrderID]:
			res = Result{Instruction: in, Outcome: OutcomeSkipped}
		default:
			res = o.executeOne(ctx, in)
		}

		if res.Outcome != OutcomeSettled {
			blocked[m.BuyOrderID] = true
			blocked[m.SellOrderID] = true
		} else {
			rep.Trades = append(rep.Trades, res.Trade)
		}
		outcomeCounters.WithLabelValues(res.Outcome.String()).Inc()
		rep.Results = append(rep.Results, res)
	}

	for _, t := range rep.Trades {
		for _, fn := range o.onConfirmed {
			fn(t.Clone())
		}
	}
	return rep
}

func (o *Orchestrator) executeOne(ctx context.Context, in Instruction) Result {
	m := in.Match
	res := Result{Instruction: in}
	log := o.log.With("buy_order_id", m.BuyOrderID, "sell_order_id", m.SellOrderID, "instrument", m.Instrument)

	// 1. reserve the pair
	trade := &core.Trade{
		ID:          uuid.NewString(),
		BuyOrderID:  m.BuyOrderID,
		SellOrderID: m.SellOrderID,
		Instrument:  m.Instrument,
		Buyer:       m.Buyer,
		Seller:      m.Seller,
		Amount:      m.Amount,
		Price:       m.Price,
		TotalValue:  new(big.Int).Set(m.TotalValue),
		Status:      core.TradePending,
		CreatedAt:   o.clock.Now(),
	}
	if err := o.store.ReserveTrade(ctx, trade); err != nil {
		if errors.Is(err, core.ErrDuplicateTrade) {
			return o.classifyDuplicate(ctx, log, res, err)
		}
		log.Errorw("settlement_reserve_failed", "err", err)
		res.Outcome, res.Err = OutcomeError, err
		return res
	}

	// Cheap re-read so a stale proposal is dropped before money moves.
	// ConfirmTrade still guards the race that remains.
	if err := o.checkFresh(ctx, in); err != nil {
		o.release(ctx, log, m.BuyOrderID, m.SellOrderID)
		if errors.Is(err, core.ErrConflict) {
			log.Infow("settlement_stale_match", "err", err)
			res.Outcome, res.Err = OutcomeConflict, err
		} else {
			res.Outcome, res.Err = OutcomeError, err
		}
		return res
	}

	// 2. settle without holding anything but the reservation
	settleCtx, cancel := context.WithTimeout(ctx, o.timeout)
	began := time.Now()
	ref, err := o.settler.Settle(settleCtx, in)
	timedOut := errors.Is(settleCtx.Err(), context.DeadlineExceeded)
	cancel()

	if err == nil && ref == "" {
		err = errors.New("settler returned an empty reference")
	}
	if err == nil && timedOut {
		// the settler ignored its deadline and reported success late; the
		// trade stays PENDING with the ref instead of being confirmed
		if merr := o.store.MarkUnreconciled(ctx, m.BuyOrderID, m.SellOrderID, ref); merr != nil {
			log.Errorw("settlement_mark_unreconciled_failed", "ref", ref, "err", merr)
		}
		res.Outcome, res.Ref = OutcomeTimedOut, ref
		res.Err = fmt.Errorf("%w after %s: settler returned %s late", core.ErrSettlementTimeout, o.timeout, ref)
		settleDurations.WithLabelValues(res.Outcome.String()).Observe(time.Since(began).Seconds())
		log.Warnw("settlement_late_success", "ref", ref, "timeout", o.timeout)
		return res
	}
	if err != nil {
		o.release(ctx, log, m.BuyOrderID, m.SellOrderID)
		if timedOut {
			res.Outcome = OutcomeTimedOut
			res.Err = fmt.Errorf("%w after %s: %v", core.ErrSettlementTimeout, o.timeout, err)
		} else {
			res.Outcome = OutcomeFailed
			res.Err = fmt.Errorf("%w: %v", core.ErrSettlementFailed, err)
		}
		settleDurations.WithLabelValues(res.Outcome.String()).Observe(time.Since(began).Seconds())
		log.Warnw("settlement_failed", "outcome", res.Outcome.String(), "err", err)
		return res
	}
	settleDurations.WithLabelValues(OutcomeSettled.String()).Observe(time.Since(began).Seconds())
	res.Ref = ref

	// 3. confirm atomically against the observed remaining amounts
	confirmed, err := o.store.ConfirmTrade(ctx, storage.ConfirmRequest{
		BuyOrderID:          m.BuyOrderID,
		SellOrderID:         m.SellOrderID,
		ExpectBuyRemaining:  m.BuyRemaining,
		ExpectSellRemaining: m.SellRemaining,
		SettlementRef:       ref,
		SettledAt:           o.clock.Now(),
	})
	if err != nil {
		if merr := o.store.MarkUnreconciled(ctx, m.BuyOrderID, m.SellOrderID, ref); merr != nil {
			log.Errorw("settlement_mark_unreconciled_failed", "ref", ref, "err", merr)
		}
		if errors.Is(err, core.ErrConflict) {
			// settled externally but the orders moved underneath; the trade
			// stays PENDING with its ref for reconciliation
			log.Warnw("settlement_conflict", "ref", ref, "err", err)
			res.Outcome, res.Err = OutcomeConflict, err
			return res
		}
		log.Errorw("settlement_confirm_failed", "ref", ref, "err", err)
		res.Outcome, res.Err = OutcomeError, err
		return res
	}

	log.Infow("trade_confirmed",
		"trade_id", confirmed.ID,
		"amount", confirmed.Amount,
		"price", confirmed.Price,
		"total_value", confirmed.TotalValue.String(),
		"ref", ref,
	)
	res.Outcome, res.Trade = OutcomeSettled, confirmed
	return res
}

// classifyDuplicate reports a pair that already has a trade. A confirmed
// trade means the proposal came from a stale snapshot.
func (o *Orchestrator) classifyDuplicate(ctx context.Context, log *zap.SugaredLogger, res Result, dup error) Result {
	existing, err := o.store.GetTrade(ctx, res.Instruction.Match.BuyOrderID, res.Instruction.Match.SellOrderID)
	switch {
	case err != nil:
		// released between the reserve and the lookup
		log.Debugw("settlement_duplicate", "err", err)
		res.Outcome, res.Err = OutcomeDuplicate, dup
	case existing.Status == core.TradeConfirmed:
		log.Infow("settlement_stale_match", "trade_id", existing.ID)
		res.Outcome = OutcomeConflict
		res.Err = fmt.Errorf("%w: pair already settled by trade %s", core.ErrConflict, existing.ID)
	case existing.SettlementRef != "":
		log.Warnw("settlement_pair_unreconciled", "trade_id", existing.ID, "ref", existing.SettlementRef)
		res.Outcome, res.Err = OutcomeDuplicate, dup
	default:
		log.Debugw("settlement_duplicate", "trade_id", existing.ID)
		res.Outcome, res.Err = OutcomeDuplicate, dup
	}
	return res
}

func (o *Orchestrator) checkFresh(ctx context.Context, in Instruction) error {
	for _, want := range []struct {
		id        string
		remaining uint64
	}{
		{in.Match.BuyOrderID, in.Match.BuyRemaining},
		{in.Match.SellOrderID, in.Match.SellRemaining},
	} {
		cur, err := o.store.GetOrder(ctx, want.id)
		if err != nil {
			return err
		}
		if cur.Status != core.StatusActive || cur.Remaining != want.remaining {
			return fmt.Errorf("%w: order %s is %s with remaining %d, proposed from %d",
				core.ErrConflict, want.id, cur.Status, cur.Remaining, want.remaining)
		}
	}
	return nil
}

func (o *Orchestrator) release(ctx context.Context, log *zap.SugaredLogger, buy, sell string) {
	// a cancelled parent must not strand the reservation
	if err := o.store.ReleaseTrade(context.WithoutCancel(ctx), buy, sell); err != nil {
		log.Errorw("settlement_release_failed", "err", err)
	}
}

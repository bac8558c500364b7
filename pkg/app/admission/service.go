// Package admission accepts new signed orders into the store and handles
// maker cancellations.
package admission

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/uhyunpark/estatex/pkg/app/core"
	"github.com/uhyunpark/estatex/pkg/app/core/instrument"
	"github.com/uhyunpark/estatex/pkg/storage"
	"github.com/uhyunpark/estatex/pkg/util"
)

// Verifier checks an authorization proof for the exact order terms.
type Verifier interface {
	Verify(order core.Order, proof []byte, maker common.Address) (bool, error)
}

// IDFunc derives the deterministic order id from the immutable terms.
type IDFunc func(core.Order) (string, error)

type SubmitRequest struct {
	Order core.Order
	Proof []byte
	Maker common.Address // identity the caller claims to act for
}

type Config struct {
	Store    storage.OrderStore
	Verifier Verifier
	ID       IDFunc
	Registry *instrument.Registry // nil accepts every instrument
	Clock    util.Clock
	Log      *zap.SugaredLogger
}

type Service struct {
	store    storage.OrderStore
	verifier Verifier
	id       IDFunc
	registry *instrument.Registry
	clock    util.Clock
	log      *zap.SugaredLogger

	onAdmitted  []func(*core.SignedOrder)
	onCancelled []func(*core.SignedOrder)
}

func New(cfg Config) (*Service, error) {
	if cfg.Store == nil || cfg.Verifier == nil || cfg.ID == nil {
		return nil, errors.New("admission: store, verifier and id func are required")
	}
	if cfg.Clock == nil {
		cfg.Clock = util.RealClock{}
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop().Sugar()
	}
	if cfg.Registry == nil {
		cfg.Registry = instrument.NewRegistry()
	}
	return &Service{
		store:    cfg.Store,
		verifier: cfg.Verifier,
		id:       cfg.ID,
		registry: cfg.Registry,
		clock:    cfg.Clock,
		log:      cfg.Log,
	}, nil
}

// OnAdmitted registers fn to run after every successful Submit. Hooks run
// synchronously and must not block. Register before serving traffic.
func (s *Service) OnAdmitted(fn func(*core.SignedOrder)) {
	s.onAdmitted = append(s.onAdmitted, fn)
}

// OnCancelled registers fn to run after every successful Cancel.
func (s *Service) OnCancelled(fn func(*core.SignedOrder)) {
	s.onCancelled = append(s.onCancelled, fn)
}

// Submit validates, authorizes and stores a new order as ACTIVE with its full
// amount remaining. Nothing is written unless every check passes.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*core.SignedOrder, error) {
	now := s.clock.Now()
	o := req.Order

	if err := o.Validate(now); err != nil {
		return nil, err
	}
	if err := s.registry.CheckAdmission(o.Instrument); err != nil {
		return nil, err
	}
	if req.Maker != o.Maker {
		return nil, fmt.Errorf("%w: order maker %s does not match %s", core.ErrUnauthorized, o.Maker.Hex(), req.Maker.Hex())
	}
	ok, err := s.verifier.Verify(o, req.Proof, req.Maker)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrUnauthorized, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: proof does not authorize these terms for %s", core.ErrUnauthorized, req.Maker.Hex())
	}

	id, err := s.id(o)
	if err != nil {
		return nil, fmt.Errorf("failed to derive order id: %w", err)
	}

	signed := &core.SignedOrder{
		ID:        id,
		Order:     o,
		Proof:     append([]byte(nil), req.Proof...),
		Remaining: o.Amount,
		Status:    core.StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.InsertOrder(ctx, signed); err != nil {
		if errors.Is(err, core.ErrDuplicateOrder) {
			s.log.Debugw("order_duplicate", "order_id", id)
		}
		return nil, err
	}

	s.log.Infow("order_admitted",
		"order_id", id,
		"instrument", o.Instrument,
		"side", o.Side.String(),
		"amount", o.Amount,
		"price", o.Price,
		"maker", o.Maker.Hex(),
	)
	for _, fn := range s.onAdmitted {
		fn(signed.Clone())
	}
	return signed, nil
}

// Cancel moves an ACTIVE order to CANCELLED on behalf of its maker. Cancelling
// an order that is already terminal fails with core.ErrNotActive.
func (s *Service) Cancel(ctx context.Context, id string, maker common.Address) (*core.SignedOrder, error) {
	cur, err := s.store.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur.Order.Maker != maker {
		return nil, fmt.Errorf("%w: %s does not own order %s", core.ErrUnauthorized, maker.Hex(), id)
	}
	if cur.Status != core.StatusActive {
		return nil, fmt.Errorf("%w: order %s is %s", core.ErrNotActive, id, cur.Status)
	}

	updated, err := s.store.TransitionStatus(ctx, id, core.StatusActive, core.StatusCancelled, s.clock.Now())
	if errors.Is(err, core.ErrConflict) {
		// lost a race with a fill or the expiry sweep
		return nil, fmt.Errorf("%w: %v", core.ErrNotActive, err)
	}
	if err != nil {
		return nil, err
	}

	s.log.Infow("order_cancelled", "order_id", id, "maker", maker.Hex(), "remaining", updated.Remaining)
	for _, fn := range s.onCancelled {
		fn(updated.Clone())
	}
	return updated, nil
}

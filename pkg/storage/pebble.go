package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/uhyunpark/estatex/pkg/app/core"
)

// PebbleStore keeps orders and trades in an embedded pebble database. Values
// are JSON; secondary indexes are empty-valued keys (see keys.go).
//
// Writes that depend on current state take mu for the read-check-write and
// commit as a single batch. Reads do not lock.
type PebbleStore struct {
	db *pebble.DB
	mu sync.Mutex
}

var _ Store = (*PebbleStore)(nil)

// DefaultPebbleOptions returns the tuning used for on-disk stores.
func DefaultPebbleOptions() *pebble.Options {
	return &pebble.Options{
		Cache:                    pebble.NewCache(128 << 20), // 128MB cache
		MemTableSize:             64 << 20,                   // 64MB memtable
		MaxConcurrentCompactions: func() int { return 3 },
		L0CompactionThreshold:    2,
		L0StopWritesThreshold:    12,
		LBaseMaxBytes:            64 << 20,
		MaxOpenFiles:             1000,
		BytesPerSync:             512 << 10,
	}
}

// OpenPebble opens (or creates) a store at path. A nil opts uses
// DefaultPebbleOptions.
func OpenPebble(path string, opts *pebble.Options) (*PebbleStore, error) {
	if opts == nil {
		opts = DefaultPebbleOptions()
	}
	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db at %s: %w", path, err)
	}
	return &PebbleStore{db: db}, nil
}

func (s *PebbleStore) Close() error { return s.db.Close() }

// ----------------------------------------------------------------------------
// orders
// ----------------------------------------------------------------------------

func (s *PebbleStore) InsertOrder(_ context.Context, o *core.SignedOrder) error {
	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("failed to marshal order: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	found, err := s.has(orderKey(o.ID))
	if err != nil {
		return err
	}
	if found {
		return fmt.Errorf("%w: %s", core.ErrDuplicateOrder, o.ID)
	}

	b := s.db.NewBatch()
	defer b.Close()
	_ = b.Set(orderKey(o.ID), data, nil)
	_ = b.Set(orderInstrumentKey(o.Order.Instrument, o.CreatedAt, o.ID), nil, nil)
	_ = b.Set(orderMakerKey(o.Order.Maker, o.CreatedAt, o.ID), nil, nil)
	if o.Status == core.StatusActive {
		_ = b.Set(orderActiveKey(o.Order.Instrument, o.ID), nil, nil)
		_ = b.Set(orderExpiryKey(o.Order.Expiry, o.ID), nil, nil)
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to save order: %w", err)
	}
	return nil
}

func (s *PebbleStore) GetOrder(_ context.Context, id string) (*core.SignedOrder, error) {
	return s.loadOrder(id)
}

func (s *PebbleStore) FindOrders(ctx context.Context, f OrderFilter) ([]*core.SignedOrder, error) {
	var (
		prefix []byte
		ids    func(fields []string) string
	)
	switch {
	case f.Instrument != "" && f.Status == core.StatusActive:
		prefix = orderActivePrefix(f.Instrument)
		ids = func(fields []string) string { return fields[len(fields)-1] }
	case f.Instrument != "":
		prefix = orderInstrumentPrefix(f.Instrument)
		ids = func(fields []string) string { return fields[len(fields)-1] }
	case f.Maker != nil:
		prefix = orderMakerPrefix(*f.Maker)
		ids = func(fields []string) string { return fields[len(fields)-1] }
	default:
		prefix = []byte(prefixOrder)
	}

	var out []*core.SignedOrder
	err := s.scan(ctx, prefix, nil, nil, false, func(key, val []byte) (bool, error) {
		var o *core.SignedOrder
		if ids == nil {
			o = new(core.SignedOrder)
			if err := json.Unmarshal(val, o); err != nil {
				return false, fmt.Errorf("failed to unmarshal order: %w", err)
			}
		} else {
			var err error
			if o, err = s.loadOrder(ids(splitIndexKey(key, prefix))); err != nil {
				return false, err
			}
		}
		if f.Status != "" && o.Status != f.Status {
			return true, nil
		}
		if f.Maker != nil && o.Order.Maker != *f.Maker {
			return true, nil
		}
		if f.Instrument != "" && o.Order.Instrument != f.Instrument {
			return true, nil
		}
		out = append(out, o)
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	sortOrders(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *PebbleStore) ActiveInstruments(ctx context.Context, now time.Time) ([]string, error) {
	prefix := []byte(prefixOrderActive)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: keyUpperBound(prefix)})
	if err != nil {
		return nil, fmt.Errorf("failed to open iterator: %w", err)
	}
	defer iter.Close()

	var out []string
	for valid := iter.First(); valid; {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		fields := splitIndexKey(iter.Key(), prefix)
		instrument, id := fields[0], fields[len(fields)-1]

		o, err := s.loadOrder(id)
		if err != nil && !errors.Is(err, core.ErrOrderNotFound) {
			return nil, err
		}
		if o != nil && o.Tradable(now) {
			out = append(out, instrument)
			// one tradable order is enough; jump to the next instrument
			valid = iter.SeekGE(keyUpperBound(orderActivePrefix(instrument)))
			continue
		}
		valid = iter.Next()
	}
	return out, iter.Error()
}

func (s *PebbleStore) ExpiredActive(ctx context.Context, now time.Time) ([]*core.SignedOrder, error) {
	prefix := []byte(prefixOrderExpiry)
	var out []*core.SignedOrder
	err := s.scan(ctx, prefix, nil, orderExpiryBound(now.Unix()), false, func(key, _ []byte) (bool, error) {
		fields := splitIndexKey(key, prefix)
		o, err := s.loadOrder(fields[len(fields)-1])
		if err != nil {
			return false, err
		}
		if o.Status == core.StatusActive && o.Order.Expired(now) {
			out = append(out, o)
		}
		return true, nil
	})
	return out, err
}

func (s *PebbleStore) TransitionStatus(_ context.Context, id string, from, to core.OrderStatus, at time.Time) (*core.SignedOrder, error) {
	if !from.CanTransition(to) {
		return nil, fmt.Errorf("invalid status transition %s -> %s", from, to)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	o, err := s.loadOrder(id)
	if err != nil {
		return nil, err
	}
	if o.Status != from {
		return nil, fmt.Errorf("%w: order %s is %s, expected %s", core.ErrConflict, id, o.Status, from)
	}
	o.Status = to
	o.UpdatedAt = at

	b := s.db.NewBatch()
	defer b.Close()
	if err := s.putOrder(b, o); err != nil {
		return nil, err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return nil, fmt.Errorf("failed to update order: %w", err)
	}
	return o, nil
}

// ----------------------------------------------------------------------------
// trades
// ----------------------------------------------------------------------------

func (s *PebbleStore) ReserveTrade(_ context.Context, t *core.Trade) error {
	if t.Status != core.TradePending {
		return fmt.Errorf("reserve requires a %s trade, got %s", core.TradePending, t.Status)
	}
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to marshal trade: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := tradeKey(t.BuyOrderID, t.SellOrderID)
	found, err := s.has(key)
	if err != nil {
		return err
	}
	if found {
		return fmt.Errorf("%w: %s", core.ErrDuplicateTrade, t.PairKey())
	}
	if err := s.db.Set(key, data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to save trade: %w", err)
	}
	return nil
}

func (s *PebbleStore) ReleaseTrade(_ context.Context, buyOrderID, sellOrderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.loadTrade(buyOrderID, sellOrderID)
	if errors.Is(err, core.ErrTradeNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if t.Status != core.TradePending {
		return fmt.Errorf("%w: trade %s is %s", core.ErrConflict, t.PairKey(), t.Status)
	}
	if err := s.db.Delete(tradeKey(buyOrderID, sellOrderID), pebble.Sync); err != nil {
		return fmt.Errorf("failed to delete trade: %w", err)
	}
	return nil
}

func (s *PebbleStore) ConfirmTrade(_ context.Context, req ConfirmRequest) (*core.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.loadTrade(req.BuyOrderID, req.SellOrderID)
	if err != nil {
		return nil, err
	}
	if t.Status != core.TradePending {
		return nil, fmt.Errorf("%w: %s already %s", core.ErrDuplicateTrade, t.PairKey(), t.Status)
	}

	buy, err := s.loadOrder(req.BuyOrderID)
	if err != nil {
		return nil, err
	}
	sell, err := s.loadOrder(req.SellOrderID)
	if err != nil {
		return nil, err
	}
	if err := expectFill(buy, req.ExpectBuyRemaining, t.Amount); err != nil {
		return nil, err
	}
	if err := expectFill(sell, req.ExpectSellRemaining, t.Amount); err != nil {
		return nil, err
	}

	applyFill(buy, t.Amount, req.SettledAt)
	applyFill(sell, t.Amount, req.SettledAt)

	settledAt := req.SettledAt
	t.Status = core.TradeConfirmed
	t.SettlementRef = req.SettlementRef
	t.SettledAt = &settledAt

	data, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal trade: %w", err)
	}

	b := s.db.NewBatch()
	defer b.Close()
	_ = b.Set(tradeKey(t.BuyOrderID, t.SellOrderID), data, nil)
	_ = b.Set(tradeInstrumentKey(t.Instrument, settledAt, t.BuyOrderID, t.SellOrderID), nil, nil)
	_ = b.Set(tradeMakerKey(t.Buyer, settledAt, t.BuyOrderID, t.SellOrderID), nil, nil)
	_ = b.Set(tradeMakerKey(t.Seller, settledAt, t.BuyOrderID, t.SellOrderID), nil, nil)
	if err := s.putOrder(b, buy); err != nil {
		return nil, err
	}
	if err := s.putOrder(b, sell); err != nil {
		return nil, err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return nil, fmt.Errorf("failed to commit trade: %w", err)
	}
	return t, nil
}

func (s *PebbleStore) MarkUnreconciled(_ context.Context, buyOrderID, sellOrderID, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.loadTrade(buyOrderID, sellOrderID)
	if err != nil {
		return err
	}
	if t.Status != core.TradePending {
		return fmt.Errorf("%w: trade %s is %s", core.ErrConflict, t.PairKey(), t.Status)
	}
	t.SettlementRef = ref
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to marshal trade: %w", err)
	}
	return s.db.Set(tradeKey(buyOrderID, sellOrderID), data, pebble.Sync)
}

func (s *PebbleStore) GetTrade(_ context.Context, buyOrderID, sellOrderID string) (*core.Trade, error) {
	return s.loadTrade(buyOrderID, sellOrderID)
}

func (s *PebbleStore) FindTrades(ctx context.Context, f TradeFilter) ([]*core.Trade, string, error) {
	var prefix []byte
	switch {
	case f.Maker != nil:
		prefix = tradeMakerPrefix(*f.Maker)
	case f.Instrument != "":
		prefix = tradeInstrumentPrefix(f.Instrument)
	default:
		return nil, "", fmt.Errorf("trade query needs an instrument or a maker")
	}

	cur, err := parseCursor(f.Cursor)
	if err != nil {
		return nil, "", err
	}
	var lower, upper []byte
	if !f.Since.IsZero() {
		lower = append(append([]byte{}, prefix...), fmt.Sprintf("%020d", stamp(f.Since))...)
	}
	if cur != nil {
		upper = append(append([]byte{}, prefix...), tradeSuffix(cur.time(), cur.BuyOrderID, cur.SellOrderID)...)
	}

	limit := pageSize(f.Limit)
	var out []*core.Trade
	more := false
	err = s.scan(ctx, prefix, lower, upper, true, func(key, _ []byte) (bool, error) {
		fields := splitIndexKey(key, prefix)
		if len(fields) != 3 {
			return false, fmt.Errorf("malformed trade index key %q", key)
		}
		t, err := s.loadTrade(fields[1], fields[2])
		if err != nil {
			return false, err
		}
		if f.Instrument != "" && t.Instrument != f.Instrument {
			return true, nil
		}
		if len(out) == limit {
			more = true
			return false, nil
		}
		out = append(out, t)
		return true, nil
	})
	if err != nil {
		return nil, "", err
	}

	next := ""
	if more {
		next = cursorFor(out[len(out)-1])
	}
	return out, next, nil
}

func (s *PebbleStore) PendingTrades(ctx context.Context) ([]*core.Trade, error) {
	var out []*core.Trade
	err := s.scan(ctx, []byte(prefixTrade), nil, nil, false, func(_, val []byte) (bool, error) {
		var t core.Trade
		if err := json.Unmarshal(val, &t); err != nil {
			return false, fmt.Errorf("failed to unmarshal trade: %w", err)
		}
		if t.Status == core.TradePending {
			out = append(out, &t)
		}
		return true, nil
	})
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, err
}

// ----------------------------------------------------------------------------
// helpers
// ----------------------------------------------------------------------------

func (s *PebbleStore) has(key []byte) (bool, error) {
	_, closer, err := s.db.Get(key)
	if err == pebble.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read %q: %w", key, err)
	}
	closer.Close()
	return true, nil
}

func (s *PebbleStore) getJSON(key []byte, v any) (bool, error) {
	data, closer, err := s.db.Get(key)
	if err == pebble.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read %q: %w", key, err)
	}
	defer closer.Close()

	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("failed to unmarshal %q: %w", key, err)
	}
	return true, nil
}

func (s *PebbleStore) loadOrder(id string) (*core.SignedOrder, error) {
	var o core.SignedOrder
	found, err := s.getJSON(orderKey(id), &o)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", core.ErrOrderNotFound, id)
	}
	return &o, nil
}

func (s *PebbleStore) loadTrade(buyOrderID, sellOrderID string) (*core.Trade, error) {
	var t core.Trade
	found, err := s.getJSON(tradeKey(buyOrderID, sellOrderID), &t)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", core.ErrTradeNotFound, core.PairKey(buyOrderID, sellOrderID))
	}
	return &t, nil
}

// putOrder stages an order write, dropping the active indexes once the order
// is terminal.
func (s *PebbleStore) putOrder(b *pebble.Batch, o *core.SignedOrder) error {
	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("failed to marshal order: %w", err)
	}
	_ = b.Set(orderKey(o.ID), data, nil)
	if o.Status.IsTerminal() {
		_ = b.Delete(orderActiveKey(o.Order.Instrument, o.ID), nil)
		_ = b.Delete(orderExpiryKey(o.Order.Expiry, o.ID), nil)
	}
	return nil
}

// scan iterates keys under prefix, optionally narrowed to [lower, upper).
// fn returns false to stop early.
func (s *PebbleStore) scan(ctx context.Context, prefix, lower, upper []byte, reverse bool, fn func(key, val []byte) (bool, error)) error {
	if lower == nil {
		lower = prefix
	}
	if upper == nil {
		upper = keyUpperBound(prefix)
	}
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return fmt.Errorf("failed to open iterator: %w", err)
	}
	defer iter.Close()

	step := iter.Next
	valid := iter.First()
	if reverse {
		step = iter.Prev
		valid = iter.Last()
	}
	for ; valid; valid = step() {
		if err := ctx.Err(); err != nil {
			return err
		}
		cont, err := fn(iter.Key(), iter.Value())
		if err != nil {
			return err
		}
		if !cont {
			break
		}
	}
	return iter.Error()
}

func expectFill(o *core.SignedOrder, expected, amount uint64) error {
	switch {
	case o.Status != core.StatusActive:
		return fmt.Errorf("%w: order %s is %s", core.ErrConflict, o.ID, o.Status)
	case o.Remaining != expected:
		return fmt.Errorf("%w: order %s remaining %d, expected %d", core.ErrConflict, o.ID, o.Remaining, expected)
	case o.Remaining < amount:
		return fmt.Errorf("%w: order %s remaining %d below trade amount %d", core.ErrConflict, o.ID, o.Remaining, amount)
	}
	return nil
}

func applyFill(o *core.SignedOrder, amount uint64, at time.Time) {
	o.Remaining -= amount
	if o.Remaining == 0 {
		o.Status = core.StatusFilled
	}
	o.UpdatedAt = at
}

func sortOrders(orders []*core.SignedOrder) {
	sort.SliceStable(orders, func(i, j int) bool {
		if !orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].CreatedAt.Before(orders[j].CreatedAt)
		}
		return orders[i].ID < orders[j].ID
	})
}

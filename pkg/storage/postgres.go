package storage

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/uhyunpark/estatex/pkg/app/core"
)

//go:embed schema.sql
var schemaSQL string

type PostgresConfig struct {
	URL             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// PostgresStore keeps orders and trades in PostgreSQL. Conditional updates
// are single UPDATE statements whose WHERE clause carries the expectation.
// uint64 columns travel as text so values above MaxInt64 survive.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

func OpenPostgres(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolConfig.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Migrate creates the tables and indexes if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

const orderColumns = `id, maker, instrument, side, amount::text, price::text, expiry, nonce::text,
	proof, remaining::text, status, created_at, updated_at`

const tradeColumns = `id, buy_order_id, sell_order_id, instrument, buyer, seller, amount::text,
	price::text, total_value::text, settlement_ref, status, created_at, settled_at`

func (s *PostgresStore) InsertOrder(ctx context.Context, o *core.SignedOrder) error {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO orders (id, maker, instrument, side, amount, price, expiry, nonce, proof, remaining, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5::numeric, $6::numeric, $7, $8::numeric, $9, $10::numeric, $11, $12, $13)
		ON CONFLICT (id) DO NOTHING`,
		o.ID, makerHex(o.Order.Maker), o.Order.Instrument, int16(o.Order.Side),
		u64(o.Order.Amount), u64(o.Order.Price), o.Order.Expiry, u64(o.Order.Nonce),
		[]byte(o.Proof), u64(o.Remaining), string(o.Status), pgTime(o.CreatedAt), pgTime(o.UpdatedAt),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s", core.ErrDuplicateOrder, o.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to insert order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", core.ErrDuplicateOrder, o.ID)
	}
	return nil
}

func (s *PostgresStore) GetOrder(ctx context.Context, id string) (*core.SignedOrder, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	o, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", core.ErrOrderNotFound, id)
	}
	return o, err
}

func (s *PostgresStore) FindOrders(ctx context.Context, f OrderFilter) ([]*core.SignedOrder, error) {
	var (
		where []string
		args  []any
	)
	if f.Instrument != "" {
		args = append(args, f.Instrument)
		where = append(where, fmt.Sprintf("instrument = $%d", len(args)))
	}
	if f.Maker != nil {
		args = append(args, makerHex(*f.Maker))
		where = append(where, fmt.Sprintf("maker = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}

	q := `SELECT ` + orderColumns + ` FROM orders`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY created_at, id`
	if f.Limit > 0 {
		q += fmt.Sprintf(` LIMIT %d`, f.Limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*core.SignedOrder, error) {
		return scanOrder(row)
	})
}

func (s *PostgresStore) ActiveInstruments(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT instrument FROM orders
		WHERE status = 'ACTIVE' AND remaining > 0 AND expiry >= $1
		ORDER BY instrument`, now.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to query active instruments: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (s *PostgresStore) ExpiredActive(ctx context.Context, now time.Time) ([]*core.SignedOrder, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+orderColumns+` FROM orders
		WHERE status = 'ACTIVE' AND expiry < $1 ORDER BY expiry, id`, now.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to query expired orders: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*core.SignedOrder, error) {
		return scanOrder(row)
	})
}

func (s *PostgresStore) TransitionStatus(ctx context.Context, id string, from, to core.OrderStatus, at time.Time) (*core.SignedOrder, error) {
	if !from.CanTransition(to) {
		return nil, fmt.Errorf("invalid status transition %s -> %s", from, to)
	}
	row := s.pool.QueryRow(ctx, `UPDATE orders SET status = $3, updated_at = $4
		WHERE id = $1 AND status = $2 RETURNING `+orderColumns,
		id, string(from), string(to), pgTime(at))
	o, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		cur, gerr := s.GetOrder(ctx, id)
		if gerr != nil {
			return nil, gerr
		}
		return nil, fmt.Errorf("%w: order %s is %s, expected %s", core.ErrConflict, id, cur.Status, from)
	}
	return o, err
}

func (s *PostgresStore) ReserveTrade(ctx context.Context, t *core.Trade) error {
	if t.Status != core.TradePending {
		return fmt.Errorf("reserve requires a %s trade, got %s", core.TradePending, t.Status)
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO trades (id, buy_order_id, sell_order_id, instrument, buyer, seller, amount, price, total_value, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7::numeric, $8::numeric, $9::numeric, $10, $11)
		ON CONFLICT (buy_order_id, sell_order_id) DO NOTHING`,
		t.ID, t.BuyOrderID, t.SellOrderID, t.Instrument, makerHex(t.Buyer), makerHex(t.Seller),
		u64(t.Amount), u64(t.Price), t.TotalValue.String(), string(t.Status), pgTime(t.CreatedAt),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s", core.ErrDuplicateTrade, t.PairKey())
	}
	if err != nil {
		return fmt.Errorf("failed to reserve trade: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", core.ErrDuplicateTrade, t.PairKey())
	}
	return nil
}

func (s *PostgresStore) ReleaseTrade(ctx context.Context, buyOrderID, sellOrderID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM trades
		WHERE buy_order_id = $1 AND sell_order_id = $2 AND status = 'PENDING'`, buyOrderID, sellOrderID)
	if err != nil {
		return fmt.Errorf("failed to release trade: %w", err)
	}
	if tag.RowsAffected() == 0 {
		t, err := s.GetTrade(ctx, buyOrderID, sellOrderID)
		if errors.Is(err, core.ErrTradeNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: trade %s is %s", core.ErrConflict, t.PairKey(), t.Status)
	}
	return nil
}

func (s *PostgresStore) ConfirmTrade(ctx context.Context, req ConfirmRequest) (*core.Trade, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	settledAt := pgTime(req.SettledAt)
	var amountText string
	err = tx.QueryRow(ctx, `UPDATE trades SET status = 'CONFIRMED', settlement_ref = $3, settled_at = $4
		WHERE buy_order_id = $1 AND sell_order_id = $2 AND status = 'PENDING'
		RETURNING amount::text`,
		req.BuyOrderID, req.SellOrderID, req.SettlementRef, settledAt).Scan(&amountText)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, gerr := s.GetTrade(ctx, req.BuyOrderID, req.SellOrderID); gerr != nil {
			return nil, gerr
		}
		return nil, fmt.Errorf("%w: %s already confirmed", core.ErrDuplicateTrade, core.PairKey(req.BuyOrderID, req.SellOrderID))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to confirm trade: %w", err)
	}

	fills := []struct {
		id       string
		expected uint64
	}{
		{req.BuyOrderID, req.ExpectBuyRemaining},
		{req.SellOrderID, req.ExpectSellRemaining},
	}
	for _, f := range fills {
		tag, err := tx.Exec(ctx, `UPDATE orders SET
				remaining = remaining - $2::numeric,
				status = CASE WHEN remaining - $2::numeric = 0 THEN 'FILLED' ELSE status END,
				updated_at = $4
			WHERE id = $1 AND status = 'ACTIVE' AND remaining = $3::numeric AND remaining >= $2::numeric`,
			f.id, amountText, u64(f.expected), settledAt)
		if err != nil {
			return nil, fmt.Errorf("failed to apply fill to %s: %w", f.id, err)
		}
		if tag.RowsAffected() == 0 {
			return nil, fmt.Errorf("%w: order %s no longer ACTIVE with remaining %d", core.ErrConflict, f.id, f.expected)
		}
	}

	row := tx.QueryRow(ctx, `SELECT `+tradeColumns+` FROM trades WHERE buy_order_id = $1 AND sell_order_id = $2`,
		req.BuyOrderID, req.SellOrderID)
	t, err := scanTrade(row)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit trade: %w", err)
	}
	return t, nil
}

func (s *PostgresStore) MarkUnreconciled(ctx context.Context, buyOrderID, sellOrderID, ref string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE trades SET settlement_ref = $3
		WHERE buy_order_id = $1 AND sell_order_id = $2 AND status = 'PENDING'`, buyOrderID, sellOrderID, ref)
	if err != nil {
		return fmt.Errorf("failed to mark trade: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetTrade(ctx, buyOrderID, sellOrderID); err != nil {
			return err
		}
		return fmt.Errorf("%w: trade %s is not pending", core.ErrConflict, core.PairKey(buyOrderID, sellOrderID))
	}
	return nil
}

func (s *PostgresStore) GetTrade(ctx context.Context, buyOrderID, sellOrderID string) (*core.Trade, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+tradeColumns+` FROM trades WHERE buy_order_id = $1 AND sell_order_id = $2`,
		buyOrderID, sellOrderID)
	t, err := scanTrade(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", core.ErrTradeNotFound, core.PairKey(buyOrderID, sellOrderID))
	}
	return t, err
}

func (s *PostgresStore) FindTrades(ctx context.Context, f TradeFilter) ([]*core.Trade, string, error) {
	if f.Instrument == "" && f.Maker == nil {
		return nil, "", fmt.Errorf("trade query needs an instrument or a maker")
	}
	cur, err := parseCursor(f.Cursor)
	if err != nil {
		return nil, "", err
	}

	where := []string{"status = 'CONFIRMED'"}
	var args []any
	if f.Instrument != "" {
		args = append(args, f.Instrument)
		where = append(where, fmt.Sprintf("instrument = $%d", len(args)))
	}
	if f.Maker != nil {
		args = append(args, makerHex(*f.Maker))
		where = append(where, fmt.Sprintf("(buyer = $%d OR seller = $%d)", len(args), len(args)))
	}
	if !f.Since.IsZero() {
		args = append(args, pgTime(f.Since))
		where = append(where, fmt.Sprintf("settled_at >= $%d", len(args)))
	}
	if cur != nil {
		args = append(args, cur.time(), cur.BuyOrderID, cur.SellOrderID)
		n := len(args)
		where = append(where, fmt.Sprintf("(settled_at, buy_order_id, sell_order_id) < ($%d, $%d, $%d)", n-2, n-1, n))
	}

	limit := pageSize(f.Limit)
	q := `SELECT ` + tradeColumns + ` FROM trades WHERE ` + strings.Join(where, " AND ") +
		fmt.Sprintf(` ORDER BY settled_at DESC, buy_order_id DESC, sell_order_id DESC LIMIT %d`, limit+1)

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, "", fmt.Errorf("failed to query trades: %w", err)
	}
	trades, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*core.Trade, error) {
		return scanTrade(row)
	})
	if err != nil {
		return nil, "", err
	}

	next := ""
	if len(trades) > limit {
		trades = trades[:limit]
		next = cursorFor(trades[limit-1])
	}
	return trades, next, nil
}

func (s *PostgresStore) PendingTrades(ctx context.Context) ([]*core.Trade, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+tradeColumns+` FROM trades WHERE status = 'PENDING' ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending trades: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*core.Trade, error) {
		return scanTrade(row)
	})
}

func scanOrder(row pgx.Row) (*core.SignedOrder, error) {
	var (
		o                               core.SignedOrder
		maker, status                   string
		side                            int16
		amount, price, nonce, remaining string
		proof                           []byte
	)
	err := row.Scan(&o.ID, &maker, &o.Order.Instrument, &side, &amount, &price, &o.Order.Expiry,
		&nonce, &proof, &remaining, &status, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	o.Order.Maker = common.HexToAddress(maker)
	o.Order.Side = core.Side(side)
	o.Proof = proof
	o.Status = core.OrderStatus(status)
	for _, f := range []struct {
		dst *uint64
		src string
	}{{&o.Order.Amount, amount}, {&o.Order.Price, price}, {&o.Order.Nonce, nonce}, {&o.Remaining, remaining}} {
		if *f.dst, err = strconv.ParseUint(f.src, 10, 64); err != nil {
			return nil, fmt.Errorf("order %s: bad numeric %q: %w", o.ID, f.src, err)
		}
	}
	return &o, nil
}

func scanTrade(row pgx.Row) (*core.Trade, error) {
	var (
		t                    core.Trade
		buyer, seller        string
		amount, price, total string
		status               string
		settledAt            *time.Time
	)
	err := row.Scan(&t.ID, &t.BuyOrderID, &t.SellOrderID, &t.Instrument, &buyer, &seller,
		&amount, &price, &total, &t.SettlementRef, &status, &t.CreatedAt, &settledAt)
	if err != nil {
		return nil, err
	}
	t.Buyer = common.HexToAddress(buyer)
	t.Seller = common.HexToAddress(seller)
	t.Status = core.TradeStatus(status)
	t.SettledAt = settledAt
	if t.Amount, err = strconv.ParseUint(amount, 10, 64); err != nil {
		return nil, fmt.Errorf("trade %s: bad amount %q: %w", t.ID, amount, err)
	}
	if t.Price, err = strconv.ParseUint(price, 10, 64); err != nil {
		return nil, fmt.Errorf("trade %s: bad price %q: %w", t.ID, price, err)
	}
	var ok bool
	if t.TotalValue, ok = new(big.Int).SetString(total, 10); !ok {
		return nil, fmt.Errorf("trade %s: bad total value %q", t.ID, total)
	}
	return &t, nil
}

// isUniqueViolation catches inserts that lose a race past ON CONFLICT, such
// as a trade id colliding under a different pair.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func u64(v uint64) string { return strconv.FormatUint(v, 10) }

// pgTime truncates to the microsecond resolution of timestamptz so values
// read back compare equal to what was written.
func pgTime(t time.Time) time.Time { return t.UTC().Truncate(time.Microsecond) }

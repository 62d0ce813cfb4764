package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/foresight/exchange-core/internal/model"
)

// PostgresStore implements Store on a read/write-split pair of pgx pools.
// Writes always go to the primary; reads prefer the replica and fall back
// to the primary when no replica is configured. All monetary values are
// stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	write *pgxpool.Pool
	read  *pgxpool.Pool
}

// NewPostgresStore creates a store. replica may be nil, in which case
// reads use the primary pool.
func NewPostgresStore(primary, replica *pgxpool.Pool) *PostgresStore {
	if replica == nil {
		replica = primary
	}
	return &PostgresStore{write: primary, read: replica}
}

func (s *PostgresStore) InsertTrade(ctx context.Context, t *model.Trade) error {
	_, err := s.write.Exec(ctx,
		`INSERT INTO trades (id, market_key, outcome_index, maker_order_id, taker_order_id,
		                     maker, taker, is_buyer_maker, price, amount, maker_fee, taker_fee,
		                     tx_hash, block_number, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::NUMERIC, $10::NUMERIC, $11::NUMERIC, $12::NUMERIC, $13, $14, $15)`,
		t.ID, t.MarketKey, t.OutcomeIndex, t.MakerOrderID, t.TakerOrderID,
		t.Maker, t.Taker, t.IsBuyerMaker,
		t.Price.String(), t.Amount.String(), t.MakerFee.String(), t.TakerFee.String(),
		nullable(t.TxHash), t.BlockNumber, t.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert trade %s: %w", t.ID, err)
	}
	return nil
}

const tradeColumns = `id, market_key, outcome_index, maker_order_id, taker_order_id,
	maker, taker, is_buyer_maker, price::TEXT, amount::TEXT, maker_fee::TEXT, taker_fee::TEXT,
	COALESCE(tx_hash, ''), block_number, created_at`

func (s *PostgresStore) ListTradesInRange(ctx context.Context, fromBlock, toBlock int64) ([]model.Trade, error) {
	rows, err := s.read.Query(ctx,
		`SELECT `+tradeColumns+`
		 FROM trades
		 WHERE block_number BETWEEN $1 AND $2
		    OR (block_number = 0 AND tx_hash IS NOT NULL)
		 ORDER BY created_at`,
		fromBlock, toBlock)
	if err != nil {
		return nil, fmt.Errorf("list trades in range: %w", err)
	}
	defer rows.Close()
	return scanTrades(rows)
}

func (s *PostgresStore) GetTrade(ctx context.Context, id string) (*model.Trade, error) {
	rows, err := s.read.Query(ctx,
		`SELECT `+tradeColumns+` FROM trades WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("get trade %s: %w", id, err)
	}
	defer rows.Close()
	trades, err := scanTrades(rows)
	if err != nil {
		return nil, err
	}
	if len(trades) == 0 {
		return nil, ErrNotFound
	}
	return &trades[0], nil
}

func (s *PostgresStore) ListTradesByMarket(ctx context.Context, marketKey string, limit int) ([]model.Trade, error) {
	rows, err := s.read.Query(ctx,
		`SELECT `+tradeColumns+`
		 FROM trades WHERE market_key = $1
		 ORDER BY created_at DESC LIMIT $2`,
		marketKey, limit)
	if err != nil {
		return nil, fmt.Errorf("list trades for %s: %w", marketKey, err)
	}
	defer rows.Close()
	return scanTrades(rows)
}

func scanTrades(rows pgx.Rows) ([]model.Trade, error) {
	var trades []model.Trade
	for rows.Next() {
		var t model.Trade
		var price, amount, makerFee, takerFee string
		if err := rows.Scan(&t.ID, &t.MarketKey, &t.OutcomeIndex, &t.MakerOrderID, &t.TakerOrderID,
			&t.Maker, &t.Taker, &t.IsBuyerMaker,
			&price, &amount, &makerFee, &takerFee,
			&t.TxHash, &t.BlockNumber, &t.Timestamp); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		t.Price, _ = decimal.NewFromString(price)
		t.Amount, _ = decimal.NewFromString(amount)
		t.MakerFee, _ = decimal.NewFromString(makerFee)
		t.TakerFee, _ = decimal.NewFromString(takerFee)
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

func (s *PostgresStore) UpsertOrder(ctx context.Context, o *model.Order) error {
	_, err := s.write.Exec(ctx,
		`INSERT INTO orders (id, market_key, maker, outcome_index, is_buy, price, amount, remaining,
		                     salt, expiry, signature, time_in_force, post_only, client_order_id,
		                     status, sequence, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC,
		         $9, $10, $11, $12, $13, $14, $15, $16, $17)
		 ON CONFLICT (id) DO UPDATE
		 SET remaining = EXCLUDED.remaining, status = EXCLUDED.status`,
		o.ID, o.MarketKey, o.Maker, o.OutcomeIndex, o.IsBuy,
		o.Price.String(), o.Amount.String(), o.Remaining.String(),
		o.Salt, o.Expiry, o.Signature, o.TimeInForce, o.PostOnly, o.ClientOrderID,
		o.Status, o.Sequence, o.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert order %s: %w", o.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetOpenOrders(ctx context.Context) ([]model.Order, error) {
	rows, err := s.read.Query(ctx,
		`SELECT id, market_key, maker, outcome_index, is_buy,
		        price::TEXT, amount::TEXT, remaining::TEXT,
		        salt, expiry, signature, time_in_force, post_only,
		        COALESCE(client_order_id, ''), status, sequence, created_at
		 FROM orders
		 WHERE status IN ('open', 'partially_filled')
		 ORDER BY sequence`)
	if err != nil {
		return nil, fmt.Errorf("get open orders: %w", err)
	}
	defer rows.Close()

	var orders []model.Order
	for rows.Next() {
		var o model.Order
		var price, amount, remaining string
		if err := rows.Scan(&o.ID, &o.MarketKey, &o.Maker, &o.OutcomeIndex, &o.IsBuy,
			&price, &amount, &remaining,
			&o.Salt, &o.Expiry, &o.Signature, &o.TimeInForce, &o.PostOnly,
			&o.ClientOrderID, &o.Status, &o.Sequence, &o.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		o.Price, _ = decimal.NewFromString(price)
		o.Amount, _ = decimal.NewFromString(amount)
		o.Remaining, _ = decimal.NewFromString(remaining)
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

func (s *PostgresStore) InsertDiscrepancy(ctx context.Context, d *model.Discrepancy) (bool, error) {
	tag, err := s.write.Exec(ctx,
		`INSERT INTO discrepancies (id, market_key, kind, on_chain_ref, db_ref, detail, detected_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (kind, on_chain_ref) DO NOTHING`,
		d.ID, d.MarketKey, d.Kind, d.OnChainRef, d.DBRef, d.Detail, d.DetectedAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert discrepancy: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) ResolveDiscrepancy(ctx context.Context, id, resolution string, at time.Time) error {
	tag, err := s.write.Exec(ctx,
		`UPDATE discrepancies SET resolved_at = $2, resolution = $3 WHERE id = $1`,
		id, at, resolution)
	if err != nil {
		return fmt.Errorf("resolve discrepancy %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListDiscrepancies(ctx context.Context, unresolvedOnly bool) ([]model.Discrepancy, error) {
	q := `SELECT id, market_key, kind, on_chain_ref, db_ref, detail, detected_at, resolved_at, COALESCE(resolution, '')
	      FROM discrepancies`
	if unresolvedOnly {
		q += ` WHERE resolved_at IS NULL`
	}
	q += ` ORDER BY detected_at DESC`

	rows, err := s.read.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list discrepancies: %w", err)
	}
	defer rows.Close()

	var out []model.Discrepancy
	for rows.Next() {
		var d model.Discrepancy
		if err := rows.Scan(&d.ID, &d.MarketKey, &d.Kind, &d.OnChainRef, &d.DBRef,
			&d.Detail, &d.DetectedAt, &d.ResolvedAt, &d.Resolution); err != nil {
			return nil, fmt.Errorf("scan discrepancy: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

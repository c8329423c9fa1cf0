package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/subledger-engine/internal/model"
)

// PostgresSchema creates the tables used by PostgresStore.
const PostgresSchema = `
CREATE TABLE IF NOT EXISTS sub_ledgers (
	id            TEXT PRIMARY KEY,
	account_id    TEXT NOT NULL,
	name          TEXT NOT NULL,
	symbol        TEXT NOT NULL,
	side          TEXT NOT NULL,
	net_qty       NUMERIC NOT NULL DEFAULT 0,
	avg_entry     NUMERIC NOT NULL DEFAULT 0,
	realized_pnl  NUMERIC NOT NULL DEFAULT 0,
	bracket       JSONB,
	created_at    TIMESTAMPTZ NOT NULL,
	UNIQUE (account_id, symbol, side, name)
);
CREATE TABLE IF NOT EXISTS correlation_mappings (
	correlation_id TEXT PRIMARY KEY,
	account_id     TEXT NOT NULL,
	sub_ledger_id  TEXT NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS fills (
	trade_id         TEXT PRIMARY KEY,
	order_id         TEXT NOT NULL,
	correlation_id   TEXT NOT NULL,
	account_id       TEXT NOT NULL,
	sub_ledger_id    TEXT NOT NULL DEFAULT '',
	attributed       BOOLEAN NOT NULL,
	symbol           TEXT NOT NULL,
	side             TEXT NOT NULL,
	position_side    TEXT NOT NULL,
	qty              NUMERIC NOT NULL,
	price            NUMERIC NOT NULL,
	commission       NUMERIC NOT NULL DEFAULT 0,
	commission_asset TEXT NOT NULL DEFAULT '',
	realized_pnl     NUMERIC NOT NULL DEFAULT 0,
	timestamp        TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS orders (
	order_id       TEXT PRIMARY KEY,
	correlation_id TEXT NOT NULL,
	account_id     TEXT NOT NULL,
	sub_ledger_id  TEXT NOT NULL DEFAULT '',
	symbol         TEXT NOT NULL,
	side           TEXT NOT NULL,
	position_side  TEXT NOT NULL,
	type           TEXT NOT NULL,
	qty            NUMERIC NOT NULL,
	price          NUMERIC,
	stop_price     NUMERIC,
	status         TEXT NOT NULL,
	reduce_only    BOOLEAN NOT NULL DEFAULT FALSE,
	created_at     TIMESTAMPTZ NOT NULL,
	updated_at     TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS external_positions (
	account_id      TEXT NOT NULL,
	symbol          TEXT NOT NULL,
	side            TEXT NOT NULL,
	qty             NUMERIC NOT NULL,
	avg_entry_price NUMERIC NOT NULL,
	unrealized_pnl  NUMERIC NOT NULL,
	mark_price      NUMERIC NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (account_id, symbol, side)
);
`

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates missing tables.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, PostgresSchema)
	return err
}

const subLedgerColumns = `id, account_id, name, symbol, side,
	net_qty::TEXT, avg_entry::TEXT, realized_pnl::TEXT, bracket, created_at`

func (s *PostgresStore) CreateSubLedger(ctx context.Context, sl *model.SubLedger) error {
	bracket, err := marshalBracket(sl.Bracket)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO sub_ledgers (id, account_id, name, symbol, side, net_qty, avg_entry, realized_pnl, bracket, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9, $10)`,
		sl.ID, sl.AccountID, sl.Name, sl.Symbol, string(sl.Side),
		sl.NetQty.String(), sl.AvgEntry.String(), sl.RealizedPnL.String(),
		bracket, sl.CreatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: sub-ledger %s", model.ErrConflict, sl.ID)
	}
	return err
}

func (s *PostgresStore) GetSubLedger(ctx context.Context, id string) (*model.SubLedger, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+subLedgerColumns+` FROM sub_ledgers WHERE id = $1`, id)
	sl, err := scanSubLedger(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: sub-ledger %s", model.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get sub-ledger %s: %w", id, err)
	}
	return sl, nil
}

func (s *PostgresStore) ListSubLedgers(ctx context.Context, f model.Filter) ([]model.SubLedger, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+subLedgerColumns+` FROM sub_ledgers
		 WHERE ($1 = '' OR account_id = $1) AND ($2 = '' OR symbol = $2) AND ($3 = '' OR side = $3)
		 ORDER BY created_at, id`,
		f.AccountID, f.Symbol, string(f.Side))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.SubLedger
	for rows.Next() {
		sl, err := scanSubLedger(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *sl)
	}
	return result, rows.Err()
}

func (s *PostgresStore) SaveSubLedger(ctx context.Context, sl *model.SubLedger) error {
	bracket, err := marshalBracket(sl.Bracket)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE sub_ledgers
		 SET name = $2, net_qty = $3::NUMERIC, avg_entry = $4::NUMERIC,
		     realized_pnl = $5::NUMERIC, bracket = $6
		 WHERE id = $1`,
		sl.ID, sl.Name, sl.NetQty.String(), sl.AvgEntry.String(), sl.RealizedPnL.String(), bracket,
	)
	if err != nil {
		return fmt.Errorf("save sub-ledger %s: %w", sl.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: sub-ledger %s", model.ErrNotFound, sl.ID)
	}
	return nil
}

func (s *PostgresStore) SaveSubLedgers(ctx context.Context, sls []model.SubLedger) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	for _, sl := range sls {
		bracket, err := marshalBracket(sl.Bracket)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO sub_ledgers (id, account_id, name, symbol, side, net_qty, avg_entry, realized_pnl, bracket, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9, $10)
			 ON CONFLICT (id) DO UPDATE
			 SET net_qty = EXCLUDED.net_qty, avg_entry = EXCLUDED.avg_entry,
			     realized_pnl = EXCLUDED.realized_pnl, bracket = EXCLUDED.bracket`,
			sl.ID, sl.AccountID, sl.Name, sl.Symbol, string(sl.Side),
			sl.NetQty.String(), sl.AvgEntry.String(), sl.RealizedPnL.String(),
			bracket, sl.CreatedAt,
		); err != nil {
			return fmt.Errorf("save sub-ledger %s: %w", sl.ID, err)
		}
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) DeleteSubLedger(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM sub_ledgers WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: sub-ledger %s", model.ErrNotFound, id)
	}
	return nil
}

func (s *PostgresStore) SaveMapping(ctx context.Context, m *model.CorrelationMapping) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO correlation_mappings (correlation_id, account_id, sub_ledger_id, created_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (correlation_id) DO NOTHING`,
		m.CorrelationID, m.AccountID, m.SubLedgerID, m.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetMapping(ctx context.Context, correlationID string) (*model.CorrelationMapping, error) {
	var m model.CorrelationMapping
	err := s.pool.QueryRow(ctx,
		`SELECT correlation_id, account_id, sub_ledger_id, created_at
		 FROM correlation_mappings WHERE correlation_id = $1`, correlationID).
		Scan(&m.CorrelationID, &m.AccountID, &m.SubLedgerID, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: mapping %s", model.ErrNotFound, correlationID)
	}
	if err != nil {
		return nil, fmt.Errorf("get mapping %s: %w", correlationID, err)
	}
	return &m, nil
}

func (s *PostgresStore) InsertFill(ctx context.Context, f *model.Fill) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO fills (trade_id, order_id, correlation_id, account_id, sub_ledger_id, attributed,
		                    symbol, side, position_side, qty, price, commission, commission_asset,
		                    realized_pnl, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::NUMERIC, $11::NUMERIC, $12::NUMERIC, $13, $14::NUMERIC, $15)
		 ON CONFLICT (trade_id) DO NOTHING`,
		f.TradeID, f.OrderID, f.CorrelationID, f.AccountID, f.SubLedgerID, f.Attributed,
		f.Symbol, string(f.Side), string(f.PositionSide),
		f.Qty.String(), f.Price.String(), f.Commission.String(), f.CommissionAsset,
		f.RealizedPnL.String(), f.Timestamp,
	)
	if err != nil {
		return false, fmt.Errorf("insert fill %s: %w", f.TradeID, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) ListFills(ctx context.Context, f model.FillFilter) ([]model.Fill, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.pool.Query(ctx,
		`SELECT trade_id, order_id, correlation_id, account_id, sub_ledger_id, attributed,
		        symbol, side, position_side, qty::TEXT, price::TEXT, commission::TEXT,
		        commission_asset, realized_pnl::TEXT, timestamp
		 FROM fills
		 WHERE ($1 = '' OR account_id = $1) AND ($2 = '' OR symbol = $2)
		   AND ($3 = '' OR position_side = $3) AND ($4 = '' OR sub_ledger_id = $4)
		   AND (NOT $5 OR NOT attributed)
		 ORDER BY timestamp DESC
		 LIMIT $6`,
		f.AccountID, f.Symbol, string(f.Side), f.SubLedgerID, f.UnattributedOnly, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.Fill
	for rows.Next() {
		var fl model.Fill
		var side, posSide, qty, price, commission, pnl string
		if err := rows.Scan(&fl.TradeID, &fl.OrderID, &fl.CorrelationID, &fl.AccountID, &fl.SubLedgerID,
			&fl.Attributed, &fl.Symbol, &side, &posSide, &qty, &price, &commission,
			&fl.CommissionAsset, &pnl, &fl.Timestamp); err != nil {
			return nil, err
		}
		fl.Side = model.OrderSide(side)
		fl.PositionSide = model.PositionSide(posSide)
		fl.Qty, _ = decimal.NewFromString(qty)
		fl.Price, _ = decimal.NewFromString(price)
		fl.Commission, _ = decimal.NewFromString(commission)
		fl.RealizedPnL, _ = decimal.NewFromString(pnl)
		result = append(result, fl)
	}
	return result, rows.Err()
}

const orderColumns = `order_id, correlation_id, account_id, sub_ledger_id, symbol, side, position_side,
	type, qty::TEXT, price::TEXT, stop_price::TEXT, status, reduce_only, created_at, updated_at`

func (s *PostgresStore) UpsertOrder(ctx context.Context, o *model.Order) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO orders (order_id, correlation_id, account_id, sub_ledger_id, symbol, side, position_side,
		                     type, qty, price, stop_price, status, reduce_only, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::NUMERIC, $10::NUMERIC, $11::NUMERIC, $12, $13, $14, $15)
		 ON CONFLICT (order_id) DO UPDATE
		 SET status = EXCLUDED.status, updated_at = EXCLUDED.updated_at,
		     sub_ledger_id = EXCLUDED.sub_ledger_id, correlation_id = EXCLUDED.correlation_id`,
		o.OrderID, o.CorrelationID, o.AccountID, o.SubLedgerID, o.Symbol, string(o.Side), string(o.PositionSide),
		o.Type, o.Qty.String(), optionalDecimal(o.Price), optionalDecimal(o.StopPrice),
		o.Status, o.ReduceOnly, o.CreatedAt, o.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) GetOrder(ctx context.Context, orderID string) (*model.Order, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE order_id = $1`, orderID)
	o, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: order %s", model.ErrNotFound, orderID)
	}
	if err != nil {
		return nil, fmt.Errorf("get order %s: %w", orderID, err)
	}
	return o, nil
}

func (s *PostgresStore) ListOpenOrders(ctx context.Context, f model.Filter) ([]model.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE status NOT IN ('FILLED', 'CANCELED', 'EXPIRED', 'REJECTED')
		   AND ($1 = '' OR account_id = $1) AND ($2 = '' OR symbol = $2) AND ($3 = '' OR position_side = $3)
		 ORDER BY created_at`,
		f.AccountID, f.Symbol, string(f.Side))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *o)
	}
	return result, rows.Err()
}

func (s *PostgresStore) SetExternalPosition(ctx context.Context, p *model.ExternalPosition) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO external_positions (account_id, symbol, side, qty, avg_entry_price, unrealized_pnl, mark_price, updated_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8)
		 ON CONFLICT (account_id, symbol, side) DO UPDATE
		 SET qty = EXCLUDED.qty, avg_entry_price = EXCLUDED.avg_entry_price,
		     unrealized_pnl = EXCLUDED.unrealized_pnl, mark_price = EXCLUDED.mark_price,
		     updated_at = EXCLUDED.updated_at`,
		p.AccountID, p.Symbol, string(p.Side),
		p.Qty.String(), p.AvgEntryPrice.String(), p.UnrealizedPnL.String(), p.MarkPrice.String(),
		p.UpdatedAt,
	)
	return err
}

const externalColumns = `account_id, symbol, side, qty::TEXT, avg_entry_price::TEXT,
	unrealized_pnl::TEXT, mark_price::TEXT, updated_at`

func (s *PostgresStore) GetExternalPosition(ctx context.Context, key model.PositionKey) (*model.ExternalPosition, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+externalColumns+` FROM external_positions
		 WHERE account_id = $1 AND symbol = $2 AND side = $3`,
		key.AccountID, key.Symbol, string(key.Side))
	p, err := scanExternal(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: external position %s", model.ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("get external position %s: %w", key, err)
	}
	return p, nil
}

func (s *PostgresStore) ListExternalPositions(ctx context.Context, f model.Filter) ([]model.ExternalPosition, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+externalColumns+` FROM external_positions
		 WHERE ($1 = '' OR account_id = $1) AND ($2 = '' OR symbol = $2) AND ($3 = '' OR side = $3)
		 ORDER BY account_id, symbol, side`,
		f.AccountID, f.Symbol, string(f.Side))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.ExternalPosition
	for rows.Next() {
		p, err := scanExternal(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *p)
	}
	return result, rows.Err()
}

// rowScanner is satisfied by pgx.Row, pgx.Rows and *sql.Row(s).
type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubLedger(row rowScanner) (*model.SubLedger, error) {
	var sl model.SubLedger
	var side, net, avg, pnl string
	var bracket []byte
	if err := row.Scan(&sl.ID, &sl.AccountID, &sl.Name, &sl.Symbol, &side,
		&net, &avg, &pnl, &bracket, &sl.CreatedAt); err != nil {
		return nil, err
	}
	sl.Side = model.PositionSide(side)
	sl.NetQty, _ = decimal.NewFromString(net)
	sl.AvgEntry, _ = decimal.NewFromString(avg)
	sl.RealizedPnL, _ = decimal.NewFromString(pnl)
	b, err := unmarshalBracket(bracket)
	if err != nil {
		return nil, fmt.Errorf("sub-ledger %s bracket: %w", sl.ID, err)
	}
	sl.Bracket = b
	return &sl, nil
}

func scanOrder(row rowScanner) (*model.Order, error) {
	var o model.Order
	var side, posSide, qty string
	var price, stop *string
	if err := row.Scan(&o.OrderID, &o.CorrelationID, &o.AccountID, &o.SubLedgerID, &o.Symbol,
		&side, &posSide, &o.Type, &qty, &price, &stop, &o.Status, &o.ReduceOnly,
		&o.CreatedAt, &o.UpdatedAt); err != nil {
		return nil, err
	}
	o.Side = model.OrderSide(side)
	o.PositionSide = model.PositionSide(posSide)
	o.Qty, _ = decimal.NewFromString(qty)
	o.Price = parseOptionalDecimal(price)
	o.StopPrice = parseOptionalDecimal(stop)
	return &o, nil
}

func scanExternal(row rowScanner) (*model.ExternalPosition, error) {
	var p model.ExternalPosition
	var side, qty, entry, upnl, mark string
	if err := row.Scan(&p.AccountID, &p.Symbol, &side, &qty, &entry, &upnl, &mark, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.Side = model.PositionSide(side)
	p.Qty, _ = decimal.NewFromString(qty)
	p.AvgEntryPrice, _ = decimal.NewFromString(entry)
	p.UnrealizedPnL, _ = decimal.NewFromString(upnl)
	p.MarkPrice, _ = decimal.NewFromString(mark)
	return &p, nil
}

func marshalBracket(b *model.BracketConfig) ([]byte, error) {
	if b == nil {
		return nil, nil
	}
	return json.Marshal(b)
}

func unmarshalBracket(data []byte) (*model.BracketConfig, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	var b model.BracketConfig
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

func optionalDecimal(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

func parseOptionalDecimal(s *string) *decimal.Decimal {
	if s == nil {
		return nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return nil
	}
	return &d
}

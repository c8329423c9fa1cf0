package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/atmx/subledger-engine/internal/model"
)

// SQLiteSchema mirrors PostgresSchema for single-node deployments.
// Decimals are kept as TEXT so no precision is lost.
const SQLiteSchema = `
CREATE TABLE IF NOT EXISTS sub_ledgers (
	id           TEXT PRIMARY KEY,
	account_id   TEXT NOT NULL,
	name         TEXT NOT NULL,
	symbol       TEXT NOT NULL,
	side         TEXT NOT NULL,
	net_qty      TEXT NOT NULL DEFAULT '0',
	avg_entry    TEXT NOT NULL DEFAULT '0',
	realized_pnl TEXT NOT NULL DEFAULT '0',
	bracket      TEXT,
	created_at   TIMESTAMP NOT NULL,
	UNIQUE (account_id, symbol, side, name)
);
CREATE TABLE IF NOT EXISTS correlation_mappings (
	correlation_id TEXT PRIMARY KEY,
	account_id     TEXT NOT NULL,
	sub_ledger_id  TEXT NOT NULL,
	created_at     TIMESTAMP NOT NULL
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
	qty              TEXT NOT NULL,
	price            TEXT NOT NULL,
	commission       TEXT NOT NULL DEFAULT '0',
	commission_asset TEXT NOT NULL DEFAULT '',
	realized_pnl     TEXT NOT NULL DEFAULT '0',
	timestamp        TIMESTAMP NOT NULL
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
	qty            TEXT NOT NULL,
	price          TEXT,
	stop_price     TEXT,
	status         TEXT NOT NULL,
	reduce_only    BOOLEAN NOT NULL DEFAULT 0,
	created_at     TIMESTAMP NOT NULL,
	updated_at     TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS external_positions (
	account_id      TEXT NOT NULL,
	symbol          TEXT NOT NULL,
	side            TEXT NOT NULL,
	qty             TEXT NOT NULL,
	avg_entry_price TEXT NOT NULL,
	unrealized_pnl  TEXT NOT NULL,
	mark_price      TEXT NOT NULL,
	updated_at      TIMESTAMP NOT NULL,
	PRIMARY KEY (account_id, symbol, side)
);
`

// SQLiteStore implements Store on a local SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the database at path and
// applies the schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	// One writer keeps SQLITE_BUSY out of concurrent fill processing.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(SQLiteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func isConstraint(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.Code == sqlite3.ErrConstraint
}

func (s *SQLiteStore) CreateSubLedger(ctx context.Context, sl *model.SubLedger) error {
	bracket, err := marshalBracket(sl.Bracket)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sub_ledgers (id, account_id, name, symbol, side, net_qty, avg_entry, realized_pnl, bracket, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sl.ID, sl.AccountID, sl.Name, sl.Symbol, string(sl.Side),
		sl.NetQty.String(), sl.AvgEntry.String(), sl.RealizedPnL.String(),
		nullableText(bracket), sl.CreatedAt.UTC(),
	)
	if isConstraint(err) {
		return fmt.Errorf("%w: sub-ledger %s", model.ErrConflict, sl.ID)
	}
	return err
}

const sqliteSubLedgerColumns = `id, account_id, name, symbol, side,
	net_qty, avg_entry, realized_pnl, bracket, created_at`

func (s *SQLiteStore) GetSubLedger(ctx context.Context, id string) (*model.SubLedger, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteSubLedgerColumns+` FROM sub_ledgers WHERE id = ?`, id)
	sl, err := scanSubLedger(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: sub-ledger %s", model.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get sub-ledger %s: %w", id, err)
	}
	return sl, nil
}

func (s *SQLiteStore) ListSubLedgers(ctx context.Context, f model.Filter) ([]model.SubLedger, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteSubLedgerColumns+` FROM sub_ledgers
		 WHERE (?1 = '' OR account_id = ?1) AND (?2 = '' OR symbol = ?2) AND (?3 = '' OR side = ?3)
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

func (s *SQLiteStore) SaveSubLedger(ctx context.Context, sl *model.SubLedger) error {
	bracket, err := marshalBracket(sl.Bracket)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE sub_ledgers
		 SET name = ?, net_qty = ?, avg_entry = ?, realized_pnl = ?, bracket = ?
		 WHERE id = ?`,
		sl.Name, sl.NetQty.String(), sl.AvgEntry.String(), sl.RealizedPnL.String(),
		nullableText(bracket), sl.ID,
	)
	if err != nil {
		return fmt.Errorf("save sub-ledger %s: %w", sl.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: sub-ledger %s", model.ErrNotFound, sl.ID)
	}
	return nil
}

func (s *SQLiteStore) SaveSubLedgers(ctx context.Context, sls []model.SubLedger) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	for _, sl := range sls {
		bracket, err := marshalBracket(sl.Bracket)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO sub_ledgers (id, account_id, name, symbol, side, net_qty, avg_entry, realized_pnl, bracket, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (id) DO UPDATE
			 SET net_qty = excluded.net_qty, avg_entry = excluded.avg_entry,
			     realized_pnl = excluded.realized_pnl, bracket = excluded.bracket`,
			sl.ID, sl.AccountID, sl.Name, sl.Symbol, string(sl.Side),
			sl.NetQty.String(), sl.AvgEntry.String(), sl.RealizedPnL.String(),
			nullableText(bracket), sl.CreatedAt.UTC(),
		); err != nil {
			return fmt.Errorf("save sub-ledger %s: %w", sl.ID, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) DeleteSubLedger(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sub_ledgers WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: sub-ledger %s", model.ErrNotFound, id)
	}
	return nil
}

func (s *SQLiteStore) SaveMapping(ctx context.Context, m *model.CorrelationMapping) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO correlation_mappings (correlation_id, account_id, sub_ledger_id, created_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (correlation_id) DO NOTHING`,
		m.CorrelationID, m.AccountID, m.SubLedgerID, m.CreatedAt.UTC(),
	)
	return err
}

func (s *SQLiteStore) GetMapping(ctx context.Context, correlationID string) (*model.CorrelationMapping, error) {
	var m model.CorrelationMapping
	err := s.db.QueryRowContext(ctx,
		`SELECT correlation_id, account_id, sub_ledger_id, created_at
		 FROM correlation_mappings WHERE correlation_id = ?`, correlationID).
		Scan(&m.CorrelationID, &m.AccountID, &m.SubLedgerID, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: mapping %s", model.ErrNotFound, correlationID)
	}
	if err != nil {
		return nil, fmt.Errorf("get mapping %s: %w", correlationID, err)
	}
	return &m, nil
}

func (s *SQLiteStore) InsertFill(ctx context.Context, f *model.Fill) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO fills (trade_id, order_id, correlation_id, account_id, sub_ledger_id, attributed,
		                    symbol, side, position_side, qty, price, commission, commission_asset,
		                    realized_pnl, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (trade_id) DO NOTHING`,
		f.TradeID, f.OrderID, f.CorrelationID, f.AccountID, f.SubLedgerID, f.Attributed,
		f.Symbol, string(f.Side), string(f.PositionSide),
		f.Qty.String(), f.Price.String(), f.Commission.String(), f.CommissionAsset,
		f.RealizedPnL.String(), f.Timestamp.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("insert fill %s: %w", f.TradeID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *SQLiteStore) ListFills(ctx context.Context, f model.FillFilter) ([]model.Fill, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT trade_id, order_id, correlation_id, account_id, sub_ledger_id, attributed,
		        symbol, side, position_side, qty, price, commission,
		        commission_asset, realized_pnl, timestamp
		 FROM fills
		 WHERE (?1 = '' OR account_id = ?1) AND (?2 = '' OR symbol = ?2)
		   AND (?3 = '' OR position_side = ?3) AND (?4 = '' OR sub_ledger_id = ?4)
		   AND (?5 = 0 OR attributed = 0)
		 ORDER BY timestamp DESC, rowid DESC
		 LIMIT ?6`,
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

const sqliteOrderColumns = `order_id, correlation_id, account_id, sub_ledger_id, symbol, side, position_side,
	type, qty, price, stop_price, status, reduce_only, created_at, updated_at`

func (s *SQLiteStore) UpsertOrder(ctx context.Context, o *model.Order) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO orders (order_id, correlation_id, account_id, sub_ledger_id, symbol, side, position_side,
		                     type, qty, price, stop_price, status, reduce_only, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (order_id) DO UPDATE
		 SET status = excluded.status, updated_at = excluded.updated_at,
		     sub_ledger_id = excluded.sub_ledger_id, correlation_id = excluded.correlation_id`,
		o.OrderID, o.CorrelationID, o.AccountID, o.SubLedgerID, o.Symbol, string(o.Side), string(o.PositionSide),
		o.Type, o.Qty.String(), optionalDecimal(o.Price), optionalDecimal(o.StopPrice),
		o.Status, o.ReduceOnly, o.CreatedAt.UTC(), o.UpdatedAt.UTC(),
	)
	return err
}

func (s *SQLiteStore) GetOrder(ctx context.Context, orderID string) (*model.Order, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteOrderColumns+` FROM orders WHERE order_id = ?`, orderID)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: order %s", model.ErrNotFound, orderID)
	}
	if err != nil {
		return nil, fmt.Errorf("get order %s: %w", orderID, err)
	}
	return o, nil
}

func (s *SQLiteStore) ListOpenOrders(ctx context.Context, f model.Filter) ([]model.Order, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteOrderColumns+` FROM orders
		 WHERE status NOT IN ('FILLED', 'CANCELED', 'EXPIRED', 'REJECTED')
		   AND (?1 = '' OR account_id = ?1) AND (?2 = '' OR symbol = ?2) AND (?3 = '' OR position_side = ?3)
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

func (s *SQLiteStore) SetExternalPosition(ctx context.Context, p *model.ExternalPosition) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO external_positions (account_id, symbol, side, qty, avg_entry_price, unrealized_pnl, mark_price, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (account_id, symbol, side) DO UPDATE
		 SET qty = excluded.qty, avg_entry_price = excluded.avg_entry_price,
		     unrealized_pnl = excluded.unrealized_pnl, mark_price = excluded.mark_price,
		     updated_at = excluded.updated_at`,
		p.AccountID, p.Symbol, string(p.Side),
		p.Qty.String(), p.AvgEntryPrice.String(), p.UnrealizedPnL.String(), p.MarkPrice.String(),
		p.UpdatedAt.UTC(),
	)
	return err
}

const sqliteExternalColumns = `account_id, symbol, side, qty, avg_entry_price,
	unrealized_pnl, mark_price, updated_at`

func (s *SQLiteStore) GetExternalPosition(ctx context.Context, key model.PositionKey) (*model.ExternalPosition, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteExternalColumns+` FROM external_positions
		 WHERE account_id = ? AND symbol = ? AND side = ?`,
		key.AccountID, key.Symbol, string(key.Side))
	p, err := scanExternal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: external position %s", model.ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("get external position %s: %w", key, err)
	}
	return p, nil
}

func (s *SQLiteStore) ListExternalPositions(ctx context.Context, f model.Filter) ([]model.ExternalPosition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteExternalColumns+` FROM external_positions
		 WHERE (?1 = '' OR account_id = ?1) AND (?2 = '' OR symbol = ?2) AND (?3 = '' OR side = ?3)
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

func nullableText(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}

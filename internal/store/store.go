package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/charleschow/execution-core/internal/core/order"
	"github.com/charleschow/execution-core/internal/core/ownership"
	"github.com/charleschow/execution-core/internal/core/state"
	"github.com/charleschow/execution-core/internal/telemetry"
)

// Store persists orders and position ownership in SQLite. A single write
// connection (WAL mode) keeps the durable view consistent with the
// single-writer discipline upstream — OrderManager and OwnershipService are
// the only callers of the write methods.
type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	var orderCount int64
	if err := db.QueryRow(`SELECT COUNT(*) FROM orders`).Scan(&orderCount); err != nil {
		db.Close()
		return nil, fmt.Errorf("count orders: %w", err)
	}
	telemetry.Infof("store: opened %s  orders=%d", path, orderCount)

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

const schema = `CREATE TABLE IF NOT EXISTS orders (
	id                  TEXT PRIMARY KEY,
	ticker              TEXT NOT NULL,
	strategy_id         TEXT NOT NULL,
	action              TEXT NOT NULL,
	quantity            INTEGER NOT NULL,
	state               TEXT NOT NULL,
	filled_qty          INTEGER NOT NULL DEFAULT 0,
	filled_price        REAL NOT NULL DEFAULT 0,
	broker_ref          TEXT NOT NULL DEFAULT '',
	metadata            TEXT NOT NULL DEFAULT '{}',
	err_msg             TEXT NOT NULL DEFAULT '',
	needs_manual_review INTEGER NOT NULL DEFAULT 0,
	created_at          TEXT NOT NULL,
	updated_at          TEXT NOT NULL,
	filled_at           TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_orders_state ON orders(state);
CREATE INDEX IF NOT EXISTS idx_orders_ticker ON orders(ticker);

CREATE TABLE IF NOT EXISTS position_ownership (
	ticker       TEXT PRIMARY KEY,
	strategy_id  TEXT NOT NULL,
	kind         TEXT NOT NULL,
	locked_until TEXT NOT NULL DEFAULT '',
	acquired_at  TEXT NOT NULL,
	updated_at   TEXT NOT NULL
);`

// ── Orders ──────────────────────────────────────────────────────────────

// SaveOrder upserts the full scalar snapshot of an order.
func (s *Store) SaveOrder(o *order.Order) error {
	meta, err := json.Marshal(o.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	_, err = s.db.Exec(`INSERT INTO orders
		(id, ticker, strategy_id, action, quantity, state, filled_qty, filled_price,
		 broker_ref, metadata, err_msg, needs_manual_review, created_at, updated_at, filled_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			filled_qty = excluded.filled_qty,
			filled_price = excluded.filled_price,
			broker_ref = excluded.broker_ref,
			metadata = excluded.metadata,
			err_msg = excluded.err_msg,
			needs_manual_review = excluded.needs_manual_review,
			updated_at = excluded.updated_at,
			filled_at = excluded.filled_at`,
		o.ID, o.Ticker, o.StrategyID, o.Action, o.Quantity, string(o.State),
		o.FilledQty, o.FilledPrice, o.BrokerRef, string(meta), o.ErrMsg,
		boolToInt(o.NeedsManualReview),
		fmtTime(o.CreatedAt), fmtTime(o.UpdatedAt), fmtTime(o.FilledAt))
	if err != nil {
		return fmt.Errorf("save order %s: %w", o.ID, err)
	}
	return nil
}

func (s *Store) GetOrder(id string) (*order.Order, error) {
	row := s.db.QueryRow(selectOrders+` WHERE id = ?`, id)
	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", order.ErrUnknownOrder, id)
	}
	return o, err
}

// ActiveOrders returns every order not yet in a terminal state.
func (s *Store) ActiveOrders() ([]*order.Order, error) {
	machine := state.NewMachine()
	var terminal []any
	placeholders := ""
	for _, st := range state.All() {
		if machine.IsTerminal(st) {
			if placeholders != "" {
				placeholders += ", "
			}
			placeholders += "?"
			terminal = append(terminal, string(st))
		}
	}
	return s.queryOrders(selectOrders+` WHERE state NOT IN (`+placeholders+`) ORDER BY created_at`, terminal...)
}

// OrdersInStates returns orders whose state is in the given set.
func (s *Store) OrdersInStates(states ...state.State) ([]*order.Order, error) {
	if len(states) == 0 {
		return nil, nil
	}
	placeholders := ""
	args := make([]any, 0, len(states))
	for _, st := range states {
		if placeholders != "" {
			placeholders += ", "
		}
		placeholders += "?"
		args = append(args, string(st))
	}
	return s.queryOrders(selectOrders+` WHERE state IN (`+placeholders+`) ORDER BY created_at`, args...)
}

// ManualReviewOrders returns orders flagged for operator attention.
func (s *Store) ManualReviewOrders() ([]*order.Order, error) {
	return s.queryOrders(selectOrders + ` WHERE needs_manual_review = 1 ORDER BY updated_at`)
}

const selectOrders = `SELECT id, ticker, strategy_id, action, quantity, state,
	filled_qty, filled_price, broker_ref, metadata, err_msg, needs_manual_review,
	created_at, updated_at, filled_at FROM orders`

func (s *Store) queryOrders(query string, args ...any) ([]*order.Order, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	var out []*order.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

type scannable interface {
	Scan(dest ...any) error
}

func scanOrder(row scannable) (*order.Order, error) {
	var o order.Order
	var st, meta string
	var review int
	var createdAt, updatedAt, filledAt string
	err := row.Scan(&o.ID, &o.Ticker, &o.StrategyID, &o.Action, &o.Quantity, &st,
		&o.FilledQty, &o.FilledPrice, &o.BrokerRef, &meta, &o.ErrMsg, &review,
		&createdAt, &updatedAt, &filledAt)
	if err != nil {
		return nil, err
	}

	o.State = state.State(st)
	o.NeedsManualReview = review != 0
	o.CreatedAt = parseTime(createdAt)
	o.UpdatedAt = parseTime(updatedAt)
	o.FilledAt = parseTime(filledAt)

	o.Metadata = make(map[string]string)
	if meta != "" {
		if err := json.Unmarshal([]byte(meta), &o.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata for %s: %w", o.ID, err)
		}
	}
	return &o, nil
}

// ── Position ownership ──────────────────────────────────────────────────

func (s *Store) SaveOwnership(r *ownership.Record) error {
	_, err := s.db.Exec(`INSERT INTO position_ownership
		(ticker, strategy_id, kind, locked_until, acquired_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(ticker) DO UPDATE SET
			strategy_id = excluded.strategy_id,
			kind = excluded.kind,
			locked_until = excluded.locked_until,
			acquired_at = excluded.acquired_at,
			updated_at = excluded.updated_at`,
		r.Ticker, r.StrategyID, string(r.Kind),
		fmtTime(r.LockedUntil), fmtTime(r.AcquiredAt), fmtTime(r.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save ownership %s: %w", r.Ticker, err)
	}
	return nil
}

func (s *Store) AllOwnerships() ([]*ownership.Record, error) {
	rows, err := s.db.Query(`SELECT ticker, strategy_id, kind, locked_until,
		acquired_at, updated_at FROM position_ownership`)
	if err != nil {
		return nil, fmt.Errorf("query ownerships: %w", err)
	}
	defer rows.Close()

	var out []*ownership.Record
	for rows.Next() {
		var r ownership.Record
		var kind, locked, acquired, updated string
		if err := rows.Scan(&r.Ticker, &r.StrategyID, &kind, &locked, &acquired, &updated); err != nil {
			return nil, err
		}
		r.Kind = ownership.Kind(kind)
		r.LockedUntil = parseTime(locked)
		r.AcquiredAt = parseTime(acquired)
		r.UpdatedAt = parseTime(updated)
		out = append(out, &r)
	}
	return out, rows.Err()
}

// ── Time encoding ───────────────────────────────────────────────────────

func fmtTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

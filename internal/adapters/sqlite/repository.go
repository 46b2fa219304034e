package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-sqlite3"

	"orderLifecycleBot/internal/domain"
	"orderLifecycleBot/internal/ports"
)

// Repository implements ports.TradeStore using SQLite.
type Repository struct {
	db     *sql.DB
	logger ports.Logger
}

// Config holds configuration for the SQLite repository.
type Config struct {
	DBPath string
	Logger ports.Logger
}

// NewRepository creates a new SQLite repository instance.
func NewRepository(cfg Config) (*Repository, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for SQLite repository: %w", ports.ErrConfigurationError)
	}
	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = "./data/order_lifecycle.db"
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		err = fmt.Errorf("failed to create data directory '%s': %w", filepath.Dir(dbPath), err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		err = fmt.Errorf("failed to open database at '%s': %w: %w", dbPath, ports.ErrDBConnection, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	if err := db.Ping(); err != nil {
		db.Close()
		err = fmt.Errorf("failed to ping database at '%s': %w: %w", dbPath, ports.ErrDBConnection, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	// One writer; transitions are serialized through this connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	cfg.Logger.Info(context.Background(), "SQLite database connection established", map[string]interface{}{"path": dbPath})

	repo := &Repository{db: db, logger: cfg.Logger}
	if err := repo.initializeSchema(context.Background()); err != nil {
		db.Close()
		err = fmt.Errorf("failed to initialize database schema: %w", err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}
	cfg.Logger.Info(context.Background(), "Database schema initialized/verified")

	return repo, nil
}

func (r *Repository) initializeSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS trades (
		id TEXT PRIMARY KEY,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL CHECK (side IN ('BUY', 'SELL')),
		market TEXT NOT NULL,
		origin TEXT NOT NULL,
		entry_price REAL NOT NULL DEFAULT 0,
		signal_price REAL NOT NULL DEFAULT 0,
		position_size REAL NOT NULL CHECK (position_size > 0),
		filled_size REAL NOT NULL DEFAULT 0 CHECK (filled_size >= 0),
		remaining_size REAL NOT NULL DEFAULT 0,
		stop_loss REAL NOT NULL DEFAULT 0,
		initial_stop REAL NOT NULL DEFAULT 0,
		take_profit REAL NOT NULL DEFAULT 0,
		atr REAL NOT NULL DEFAULT 0,
		state TEXT NOT NULL,
		scaled_out TEXT NOT NULL DEFAULT '[]',
		oco_list_id INTEGER NOT NULL DEFAULT 0,
		stop_order_id INTEGER NOT NULL DEFAULT 0,
		tp_order_id INTEGER NOT NULL DEFAULT 0,
		entry_order_id INTEGER NOT NULL DEFAULT 0,
		client_order_id TEXT NOT NULL DEFAULT '',
		exit_price REAL NOT NULL DEFAULT 0,
		realized_pnl REAL NOT NULL DEFAULT 0,
		close_reason TEXT NOT NULL DEFAULT '',
		last_error TEXT NOT NULL DEFAULT '',
		last_trail_at TIMESTAMP NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		schema_version INTEGER NOT NULL DEFAULT 1,
		CHECK (remaining_size >= 0 AND remaining_size <= position_size * (1 + 1e-9))
	);

	CREATE TABLE IF NOT EXISTS executions (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		trade_id TEXT NOT NULL,
		type TEXT NOT NULL,
		side TEXT NOT NULL,
		quantity REAL NOT NULL CHECK (quantity > 0),
		price REAL NOT NULL CHECK (price > 0),
		commission REAL NOT NULL DEFAULT 0,
		ts TIMESTAMP NOT NULL,
		exchange_order_id INTEGER NOT NULL DEFAULT 0,
		dedup_key TEXT NOT NULL UNIQUE,
		state_from TEXT NOT NULL DEFAULT '',
		state_to TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS guard_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		guard TEXT NOT NULL,
		symbol TEXT NOT NULL DEFAULT '',
		reason TEXT NOT NULL,
		severity TEXT NOT NULL,
		action_taken TEXT NOT NULL DEFAULT '',
		ts TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_trades_state ON trades (state);
	CREATE INDEX IF NOT EXISTS idx_trades_state_updated ON trades (state, updated_at);
	CREATE INDEX IF NOT EXISTS idx_executions_trade ON executions (trade_id, seq);
	CREATE INDEX IF NOT EXISTS idx_guard_events_ts ON guard_events (ts);
	`
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to execute schema initialization: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (r *Repository) Close() error {
	if r.db != nil {
		r.logger.Info(context.Background(), "Closing SQLite database connection")
		return r.db.Close()
	}
	return nil
}

// classify maps driver errors onto the store's sentinel errors.
func classify(err error) error {
	var se sqlite3.Error
	if errors.As(err, &se) {
		switch {
		case se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey:
			return ports.ErrDuplicateEntry
		case se.Code == sqlite3.ErrConstraint:
			return ports.ErrInvariant
		case se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked || se.Code == sqlite3.ErrCantOpen || se.Code == sqlite3.ErrIoErr:
			return ports.ErrStoreUnavailable
		}
	}
	if errors.Is(err, sql.ErrConnDone) {
		return ports.ErrStoreUnavailable
	}
	return ports.ErrQueryFailed
}

func checkTrade(t *domain.Trade) error {
	if err := t.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ports.ErrInvariant, err)
	}
	return nil
}

func checkExecution(e *domain.Execution) error {
	if e.DedupKey == "" {
		return fmt.Errorf("%w: execution dedup key is empty", ports.ErrInvariant)
	}
	if e.Quantity <= 0 || e.Price <= 0 {
		return fmt.Errorf("%w: execution quantity %v and price %v must be positive", ports.ErrInvariant, e.Quantity, e.Price)
	}
	return nil
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// --- Trades ---

// InsertTrade saves a new trade.
func (r *Repository) InsertTrade(ctx context.Context, t *domain.Trade) error {
	if err := checkTrade(t); err != nil {
		return err
	}
	const query = `
	INSERT INTO trades (id, symbol, side, market, origin, entry_price, signal_price, position_size, filled_size,
	                    remaining_size, stop_loss, initial_stop, take_profit, atr, state, scaled_out, oco_list_id,
	                    stop_order_id, tp_order_id, entry_order_id, client_order_id, exit_price, realized_pnl,
	                    close_reason, last_error, last_trail_at, created_at, updated_at, schema_version)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	scaled, err := json.Marshal(scaledOut(t))
	if err != nil {
		return fmt.Errorf("failed to encode scale-outs for trade %s: %w", t.ID, err)
	}
	_, err = r.db.ExecContext(ctx, query,
		t.ID, t.Symbol, string(t.Side), string(t.Market), string(t.Origin), t.EntryPrice, t.SignalPrice,
		t.PositionSize, t.FilledSize, t.RemainingSize, t.StopLoss, t.InitialStop, t.TakeProfit, t.ATR,
		string(t.State), string(scaled), t.Protection.OCOListID, t.Protection.StopOrderID, t.Protection.TPOrderID,
		t.EntryOrderID, t.ClientOrderID, t.ExitPrice, t.RealizedPnL, string(t.CloseReason), t.LastError,
		nullTime(t.LastTrailAt), t.CreatedAt.UTC(), t.UpdatedAt.UTC(), t.SchemaVersion)
	if err != nil {
		return fmt.Errorf("failed to insert trade %s: %w: %w", t.ID, classify(err), err)
	}
	r.logger.Debug(ctx, "Trade inserted", map[string]interface{}{"tradeID": t.ID, "symbol": t.Symbol, "state": t.State})
	return nil
}

func scaledOut(t *domain.Trade) []domain.ScaleOut {
	if t.ScaledOut == nil {
		return []domain.ScaleOut{}
	}
	return t.ScaledOut
}

// UpdateTradeState writes the trade's current state and size fields.
func (r *Repository) UpdateTradeState(ctx context.Context, t *domain.Trade) error {
	if err := checkTrade(t); err != nil {
		return err
	}
	return r.updateTrade(ctx, r.db, t)
}

func (r *Repository) updateTrade(ctx context.Context, db execer, t *domain.Trade) error {
	const query = `
	UPDATE trades
	SET entry_price = ?, position_size = ?, filled_size = ?, remaining_size = ?, stop_loss = ?, initial_stop = ?,
	    take_profit = ?, atr = ?, state = ?, scaled_out = ?, oco_list_id = ?, stop_order_id = ?, tp_order_id = ?,
	    entry_order_id = ?, client_order_id = ?, exit_price = ?, realized_pnl = ?, close_reason = ?, last_error = ?,
	    last_trail_at = ?, updated_at = ?, schema_version = ?
	WHERE id = ?`

	scaled, err := json.Marshal(scaledOut(t))
	if err != nil {
		return fmt.Errorf("failed to encode scale-outs for trade %s: %w", t.ID, err)
	}
	result, err := db.ExecContext(ctx, query,
		t.EntryPrice, t.PositionSize, t.FilledSize, t.RemainingSize, t.StopLoss, t.InitialStop, t.TakeProfit, t.ATR,
		string(t.State), string(scaled), t.Protection.OCOListID, t.Protection.StopOrderID, t.Protection.TPOrderID,
		t.EntryOrderID, t.ClientOrderID, t.ExitPrice, t.RealizedPnL, string(t.CloseReason), t.LastError,
		nullTime(t.LastTrailAt), t.UpdatedAt.UTC(), t.SchemaVersion, t.ID)
	if err != nil {
		return fmt.Errorf("failed to update trade %s: %w: %w", t.ID, classify(err), err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected for trade %s: %w: %w", t.ID, ports.ErrUpdateFailed, err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("trade %s not found for update: %w", t.ID, ports.ErrTradeNotFound)
	}
	return nil
}

const tradeColumns = `
	id, symbol, side, market, origin, entry_price, signal_price, position_size, filled_size, remaining_size,
	stop_loss, initial_stop, take_profit, atr, state, scaled_out, oco_list_id, stop_order_id, tp_order_id,
	entry_order_id, client_order_id, exit_price, realized_pnl, close_reason, last_error, last_trail_at,
	created_at, updated_at, schema_version`

// OpenTrades returns trades in non-terminal states, oldest first.
func (r *Repository) OpenTrades(ctx context.Context) ([]*domain.Trade, error) {
	query := `SELECT ` + tradeColumns + ` FROM trades WHERE state NOT IN (?, ?) ORDER BY created_at, id`
	return r.queryTrades(ctx, "open trades", query, string(domain.StateClosed), string(domain.StateCancelled))
}

// ClosedTrades returns the most recently closed trades, newest first.
func (r *Repository) ClosedTrades(ctx context.Context, limit int) ([]*domain.Trade, error) {
	if limit <= 0 {
		limit = -1
	}
	query := `SELECT ` + tradeColumns + ` FROM trades WHERE state = ? ORDER BY updated_at DESC, id LIMIT ?`
	return r.queryTrades(ctx, "closed trades", query, string(domain.StateClosed), limit)
}

// FindTrade retrieves a trade by id; nil when absent.
func (r *Repository) FindTrade(ctx context.Context, id string) (*domain.Trade, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+tradeColumns+` FROM trades WHERE id = ?`, id)
	t, err := scanTrade(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query trade %s: %w: %w", id, classify(err), err)
	}
	return t, nil
}

func (r *Repository) queryTrades(ctx context.Context, what, query string, args ...interface{}) ([]*domain.Trade, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w: %w", what, classify(err), err)
	}
	defer rows.Close()

	trades := make([]*domain.Trade, 0)
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w: %w", what, ports.ErrQueryFailed, err)
		}
		trades = append(trades, t)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating %s: %w: %w", what, ports.ErrQueryFailed, err)
	}
	return trades, nil
}

// --- Executions ---

// AppendExecution appends a ledger entry. A duplicate dedup key is a no-op.
func (r *Repository) AppendExecution(ctx context.Context, e *domain.Execution) (bool, error) {
	if err := checkExecution(e); err != nil {
		return false, err
	}
	return r.insertExecution(ctx, r.db, e)
}

func (r *Repository) insertExecution(ctx context.Context, db execer, e *domain.Execution) (bool, error) {
	const query = `
	INSERT INTO executions (id, trade_id, type, side, quantity, price, commission, ts, exchange_order_id,
	                        dedup_key, state_from, state_to)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(dedup_key) DO NOTHING`

	result, err := db.ExecContext(ctx, query,
		e.ID, e.TradeID, string(e.Type), string(e.Side), e.Quantity, e.Price, e.Commission, e.Timestamp.UTC(),
		e.ExchangeOrderID, e.DedupKey, string(e.StateFrom), string(e.StateTo))
	if err != nil {
		return false, fmt.Errorf("failed to insert execution for trade %s: %w: %w", e.TradeID, classify(err), err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected for execution %s: %w: %w", e.DedupKey, ports.ErrQueryFailed, err)
	}
	return n == 1, nil
}

// CommitTransition appends e and writes t in one transaction. A duplicate
// dedup key leaves both untouched.
func (r *Repository) CommitTransition(ctx context.Context, t *domain.Trade, e *domain.Execution) (bool, error) {
	if err := checkTrade(t); err != nil {
		return false, err
	}
	if err := checkExecution(e); err != nil {
		return false, err
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transition for trade %s: %w: %w", t.ID, ports.ErrStoreUnavailable, err)
	}
	defer tx.Rollback()

	inserted, err := r.insertExecution(ctx, tx, e)
	if err != nil || !inserted {
		return false, err
	}
	if err := r.updateTrade(ctx, tx, t); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit transition for trade %s: %w: %w", t.ID, classify(err), err)
	}
	return true, nil
}

// HasExecution reports whether an execution with dedupKey exists.
func (r *Repository) HasExecution(ctx context.Context, dedupKey string) (bool, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM executions WHERE dedup_key = ?`, dedupKey).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to look up execution %s: %w: %w", dedupKey, classify(err), err)
	}
	return n > 0, nil
}

// Executions returns a trade's ledger in insertion order.
func (r *Repository) Executions(ctx context.Context, tradeID string) ([]*domain.Execution, error) {
	const query = `
	SELECT id, trade_id, type, side, quantity, price, commission, ts, exchange_order_id, dedup_key, state_from, state_to
	FROM executions WHERE trade_id = ? ORDER BY seq`

	rows, err := r.db.QueryContext(ctx, query, tradeID)
	if err != nil {
		return nil, fmt.Errorf("failed to query executions for trade %s: %w: %w", tradeID, classify(err), err)
	}
	defer rows.Close()

	execs := make([]*domain.Execution, 0)
	for rows.Next() {
		e := &domain.Execution{}
		var typ, side, from, to string
		if err := rows.Scan(&e.ID, &e.TradeID, &typ, &side, &e.Quantity, &e.Price, &e.Commission, &e.Timestamp,
			&e.ExchangeOrderID, &e.DedupKey, &from, &to); err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w: %w", ports.ErrQueryFailed, err)
		}
		e.Type = domain.ExecType(typ)
		e.Side = domain.OrderSide(side)
		e.StateFrom = domain.OrderState(from)
		e.StateTo = domain.OrderState(to)
		execs = append(execs, e)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating execution rows: %w: %w", ports.ErrQueryFailed, err)
	}
	return execs, nil
}

// --- Guard events ---

// InsertGuardEvent saves a guard block and sets its ID.
func (r *Repository) InsertGuardEvent(ctx context.Context, ev *domain.GuardEvent) error {
	const query = `
	INSERT INTO guard_events (guard, symbol, reason, severity, action_taken, ts)
	VALUES (?, ?, ?, ?, ?, ?)`

	result, err := r.db.ExecContext(ctx, query,
		ev.Guard, ev.Symbol, ev.Reason, string(ev.Severity), ev.ActionTaken, ev.Timestamp.UTC())
	if err != nil {
		return fmt.Errorf("failed to insert guard event %s: %w: %w", ev.Guard, classify(err), err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert ID for guard event %s: %w", ev.Guard, err)
	}
	ev.ID = id
	return nil
}

// GuardEvents queries guard blocks, newest first.
func (r *Repository) GuardEvents(ctx context.Context, filter domain.GuardEventFilter) ([]*domain.GuardEvent, error) {
	query := `SELECT id, guard, symbol, reason, severity, action_taken, ts FROM guard_events WHERE 1 = 1`
	var args []interface{}
	if filter.Guard != "" {
		query += ` AND guard = ?`
		args = append(args, filter.Guard)
	}
	if filter.Symbol != "" {
		query += ` AND symbol = ?`
		args = append(args, filter.Symbol)
	}
	if !filter.Since.IsZero() {
		query += ` AND ts >= ?`
		args = append(args, filter.Since.UTC())
	}
	query += ` ORDER BY id DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query guard events: %w: %w", classify(err), err)
	}
	defer rows.Close()

	events := make([]*domain.GuardEvent, 0)
	for rows.Next() {
		ev := &domain.GuardEvent{}
		var severity string
		if err := rows.Scan(&ev.ID, &ev.Guard, &ev.Symbol, &ev.Reason, &severity, &ev.ActionTaken, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan guard event: %w: %w", ports.ErrQueryFailed, err)
		}
		ev.Severity = domain.Severity(severity)
		events = append(events, ev)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating guard event rows: %w: %w", ports.ErrQueryFailed, err)
	}
	return events, nil
}

// --- Helper Scan Functions ---

// scanner defines an interface compatible with *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTrade(s scanner) (*domain.Trade, error) {
	t := &domain.Trade{}
	var side, market, origin, state, scaled, closeReason string
	var lastTrail sql.NullTime
	err := s.Scan(
		&t.ID, &t.Symbol, &side, &market, &origin, &t.EntryPrice, &t.SignalPrice, &t.PositionSize, &t.FilledSize,
		&t.RemainingSize, &t.StopLoss, &t.InitialStop, &t.TakeProfit, &t.ATR, &state, &scaled,
		&t.Protection.OCOListID, &t.Protection.StopOrderID, &t.Protection.TPOrderID, &t.EntryOrderID,
		&t.ClientOrderID, &t.ExitPrice, &t.RealizedPnL, &closeReason, &t.LastError, &lastTrail,
		&t.CreatedAt, &t.UpdatedAt, &t.SchemaVersion)
	if err != nil {
		return nil, err // Handle sql.ErrNoRows in the caller
	}
	t.Side = domain.OrderSide(side)
	t.Market = domain.MarketType(market)
	t.Origin = domain.Origin(origin)
	t.State = domain.OrderState(state)
	t.CloseReason = domain.CloseReason(closeReason)
	if lastTrail.Valid {
		t.LastTrailAt = lastTrail.Time
	}
	if scaled != "" && scaled != "[]" {
		if err := json.Unmarshal([]byte(scaled), &t.ScaledOut); err != nil {
			return nil, fmt.Errorf("decode scale-outs of trade %s: %w", t.ID, err)
		}
	}
	return t, nil
}

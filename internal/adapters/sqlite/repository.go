package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"stopguard/internal/domain"
	"stopguard/internal/ports"
)

// Repository implements the storage ports (positions, stop events,
// adjustments, outbox, policy state) on SQLite. A single repository holds
// them all so cross-aggregate writes can share one transaction.
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
		return nil, fmt.Errorf("logger is required for SQLite repository")
	}
	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = "./data/stopguard.db"
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		err = fmt.Errorf("failed to create data directory '%s': %w", filepath.Dir(dbPath), err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	// WAL mode for better concurrency
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		err = fmt.Errorf("failed to open database at '%s': %w", dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	if err := db.Ping(); err != nil {
		db.Close()
		err = fmt.Errorf("failed to ping database at '%s': %w", dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	// SQLite handles concurrency internally; the Go driver benefits from a
	// single connection, which also serializes sequence allocation.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	repo := &Repository{db: db, logger: cfg.Logger}

	if err := repo.initializeSchema(context.Background()); err != nil {
		db.Close()
		err = fmt.Errorf("failed to initialize database schema: %w", err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}
	cfg.Logger.Info(context.Background(), "SQLite database ready", map[string]interface{}{"path": dbPath})

	return repo, nil
}

// initializeSchema creates tables if they don't exist.
// NOTE: This is a basic approach. A proper migration tool is recommended for production.
func (r *Repository) initializeSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS positions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		tenant_id INTEGER NOT NULL DEFAULT 0,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		quantity TEXT NOT NULL,
		entry_price TEXT NOT NULL,
		initial_stop TEXT NOT NULL,
		stop_price TEXT NOT NULL,
		target_price TEXT NOT NULL DEFAULT '0',
		leverage INTEGER NOT NULL DEFAULT 1,
		status TEXT NOT NULL,
		last_check_at TIMESTAMP DEFAULT NULL,
		check_count INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		closed_at TIMESTAMP DEFAULT NULL
	);

	CREATE TABLE IF NOT EXISTS stop_events (
		event_id TEXT PRIMARY KEY,
		position_id INTEGER NOT NULL,
		tenant_id INTEGER NOT NULL DEFAULT 0,
		seq INTEGER NOT NULL,
		symbol TEXT NOT NULL,
		event_type TEXT NOT NULL,
		kind TEXT NOT NULL,
		side TEXT NOT NULL,
		quantity TEXT NOT NULL,
		entry_price TEXT NOT NULL DEFAULT '0',
		stop_price TEXT NOT NULL,
		trigger_price TEXT NOT NULL DEFAULT '0',
		correlation_id TEXT NOT NULL,
		source TEXT NOT NULL,
		exchange_order_id TEXT NOT NULL DEFAULT '',
		fill_price TEXT NOT NULL DEFAULT '0',
		slippage_pct TEXT NOT NULL DEFAULT '0',
		pnl TEXT NOT NULL DEFAULT '0',
		error_message TEXT NOT NULL DEFAULT '',
		occurred_at TIMESTAMP NOT NULL,
		UNIQUE (position_id, seq)
	);

	CREATE TABLE IF NOT EXISTS stop_executions (
		position_id INTEGER PRIMARY KEY,
		tenant_id INTEGER NOT NULL DEFAULT 0,
		correlation_id TEXT NOT NULL,
		status TEXT NOT NULL,
		kind TEXT NOT NULL,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		quantity TEXT NOT NULL,
		stop_price TEXT NOT NULL,
		trigger_price TEXT NOT NULL,
		source TEXT NOT NULL,
		exchange_order_id TEXT NOT NULL DEFAULT '',
		fill_price TEXT NOT NULL DEFAULT '0',
		slippage_pct TEXT NOT NULL DEFAULT '0',
		pnl TEXT NOT NULL DEFAULT '0',
		error_message TEXT NOT NULL DEFAULT '',
		retry_count INTEGER NOT NULL DEFAULT 0,
		triggered_at TIMESTAMP DEFAULT NULL,
		submitted_at TIMESTAMP DEFAULT NULL,
		executed_at TIMESTAMP DEFAULT NULL,
		failed_at TIMESTAMP DEFAULT NULL
	);

	CREATE TABLE IF NOT EXISTS trailing_stop_adjustments (
		token TEXT PRIMARY KEY,
		position_id INTEGER NOT NULL,
		tenant_id INTEGER NOT NULL DEFAULT 0,
		symbol TEXT NOT NULL,
		old_stop TEXT NOT NULL,
		new_stop TEXT NOT NULL,
		reason TEXT NOT NULL,
		step_index INTEGER NOT NULL,
		spans_crossed INTEGER NOT NULL,
		current_price TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS outbox (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		channel TEXT NOT NULL,
		position_id INTEGER NOT NULL,
		event_type TEXT NOT NULL,
		correlation_id TEXT NOT NULL,
		payload BLOB NOT NULL,
		published INTEGER NOT NULL DEFAULT 0,
		published_at TIMESTAMP DEFAULT NULL,
		retry_count INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS policy_state (
		tenant_id INTEGER NOT NULL,
		month TEXT NOT NULL,
		status TEXT NOT NULL,
		starting_capital TEXT NOT NULL,
		current_capital TEXT NOT NULL,
		realized_pnl TEXT NOT NULL DEFAULT '0',
		unrealized_pnl TEXT NOT NULL DEFAULT '0',
		total_trades INTEGER NOT NULL DEFAULT 0,
		winning_trades INTEGER NOT NULL DEFAULT 0,
		losing_trades INTEGER NOT NULL DEFAULT 0,
		max_drawdown_pct TEXT NOT NULL,
		paused_at TIMESTAMP DEFAULT NULL,
		pause_reason TEXT NOT NULL DEFAULT '',
		updated_at TIMESTAMP DEFAULT NULL,
		PRIMARY KEY (tenant_id, month)
	);

	CREATE INDEX IF NOT EXISTS idx_positions_status ON positions (status, tenant_id);
	CREATE INDEX IF NOT EXISTS idx_stop_events_position ON stop_events (position_id, seq);
	CREATE INDEX IF NOT EXISTS idx_outbox_pending ON outbox (published, created_at);

	-- Detection dedup: one STOP_TRIGGERED row (and one outbox command) per
	-- correlation id. Later lifecycle events reuse the id freely.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_stop_events_trigger_corr
		ON stop_events (correlation_id) WHERE event_type = 'STOP_TRIGGERED';
	CREATE UNIQUE INDEX IF NOT EXISTS idx_outbox_command_corr
		ON outbox (correlation_id) WHERE kind = 'command';
	`
	_, err := r.db.ExecContext(ctx, schema)
	if err != nil {
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

// isUniqueViolation reports whether err is a UNIQUE or PRIMARY KEY
// constraint failure.
func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

// --- PositionRepository Implementation ---

// Create saves a new position and returns its assigned ID.
func (r *Repository) Create(ctx context.Context, pos *domain.Position) (int64, error) {
	if err := pos.Validate(); err != nil {
		return 0, fmt.Errorf("%w: %v", ports.ErrInvalidRequest, err)
	}
	const query = `
	INSERT INTO positions (tenant_id, symbol, side, quantity, entry_price, initial_stop,
	                       stop_price, target_price, leverage, status, check_count, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)`

	createdAt := pos.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	result, err := r.db.ExecContext(ctx, query,
		pos.TenantID, pos.Symbol, pos.Side, pos.Quantity.String(), pos.EntryPrice.String(),
		pos.InitialStop.String(), pos.StopPrice.String(), pos.TargetPrice.String(),
		pos.Leverage, pos.Status, createdAt)
	if err != nil {
		return 0, fmt.Errorf("failed to insert position for symbol %s: %w", pos.Symbol, err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert ID for position %s: %w", pos.Symbol, err)
	}
	pos.ID = id
	pos.CreatedAt = createdAt
	r.logger.Debug(ctx, "Position created", map[string]interface{}{"positionID": id, "symbol": pos.Symbol})
	return id, nil
}

const positionColumns = `
	id, tenant_id, symbol, side, quantity, entry_price, initial_stop, stop_price,
	target_price, leverage, status, last_check_at, check_count, created_at, closed_at`

// FindByID retrieves a position by its unique ID.
func (r *Repository) FindByID(ctx context.Context, id int64) (*domain.Position, error) {
	query := `SELECT` + positionColumns + ` FROM positions WHERE id = ?`

	row := r.db.QueryRowContext(ctx, query, id)
	pos, err := scanPosition(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("position %d: %w", id, ports.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to query position by ID %d: %w", id, err)
	}
	return pos, nil
}

// FindOpen retrieves all OPEN positions for a tenant; tenantID 0 means all.
func (r *Repository) FindOpen(ctx context.Context, tenantID int64) ([]*domain.Position, error) {
	query := `SELECT` + positionColumns + ` FROM positions WHERE status = ?`
	args := []interface{}{domain.StatusOpen}
	if tenantID != 0 {
		query += ` AND tenant_id = ?`
		args = append(args, tenantID)
	}
	query += ` ORDER BY id ASC`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query open positions: %w", err)
	}
	defer rows.Close()

	positions := make([]*domain.Position, 0)
	for rows.Next() {
		pos, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan position during FindOpen: %w", err)
		}
		positions = append(positions, pos)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating position rows: %w", err)
	}
	return positions, nil
}

// MarkChecked bumps the position's check counter and last-check time.
func (r *Repository) MarkChecked(ctx context.Context, id int64, at time.Time) error {
	const query = `UPDATE positions SET last_check_at = ?, check_count = check_count + 1 WHERE id = ?`
	result, err := r.db.ExecContext(ctx, query, at, id)
	if err != nil {
		return fmt.Errorf("failed to mark position %d checked: %w", id, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("position %d: %w", id, ports.ErrNotFound)
	}
	return nil
}

// UpdateStatus transitions the position's lifecycle status.
func (r *Repository) UpdateStatus(ctx context.Context, id int64, status domain.PositionStatus, at time.Time) error {
	var closedAt sql.NullTime
	if status != domain.StatusOpen {
		closedAt = sql.NullTime{Time: at, Valid: true}
	}
	const query = `UPDATE positions SET status = ?, closed_at = ? WHERE id = ?`
	result, err := r.db.ExecContext(ctx, query, status, closedAt, id)
	if err != nil {
		return fmt.Errorf("failed to update status for position %d: %w", id, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("position %d: %w", id, ports.ErrNotFound)
	}
	r.logger.Debug(ctx, "Position status updated", map[string]interface{}{"positionID": id, "status": status})
	return nil
}

// updateStopTx moves the position's stop inside an existing transaction.
func updateStopTx(ctx context.Context, tx *sql.Tx, id int64, newStop decimal.Decimal) error {
	const query = `UPDATE positions SET stop_price = ? WHERE id = ?`
	result, err := tx.ExecContext(ctx, query, newStop.String(), id)
	if err != nil {
		return fmt.Errorf("failed to update stop for position %d: %w", id, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("position %d: %w", id, ports.ErrNotFound)
	}
	return nil
}

// --- Helper Scan Functions ---

// scanner defines an interface compatible with *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

// scanDecimal parses a TEXT decimal column.
func scanDecimal(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}

// scanPosition scans a row into a domain.Position struct.
func scanPosition(s scanner) (*domain.Position, error) {
	p := &domain.Position{}
	var (
		quantity, entryPrice, initialStop, stopPrice, targetPrice string
		lastCheckAt, closedAt                                     sql.NullTime
		status, side                                              string
	)
	err := s.Scan(
		&p.ID, &p.TenantID, &p.Symbol, &side, &quantity, &entryPrice, &initialStop,
		&stopPrice, &targetPrice, &p.Leverage, &status, &lastCheckAt, &p.CheckCount,
		&p.CreatedAt, &closedAt)
	if err != nil {
		return nil, err // Handle sql.ErrNoRows in the caller
	}
	p.Side = domain.PositionSide(side)
	p.Status = domain.PositionStatus(status)
	if lastCheckAt.Valid {
		p.LastCheckAt = lastCheckAt.Time
	}
	if closedAt.Valid {
		p.ClosedAt = closedAt.Time
	}
	for _, pair := range []struct {
		dst *decimal.Decimal
		src string
	}{
		{&p.Quantity, quantity},
		{&p.EntryPrice, entryPrice},
		{&p.InitialStop, initialStop},
		{&p.StopPrice, stopPrice},
		{&p.TargetPrice, targetPrice},
	} {
		d, err := scanDecimal(pair.src)
		if err != nil {
			return nil, fmt.Errorf("invalid decimal %q in positions row: %w", pair.src, err)
		}
		*pair.dst = d
	}
	return p, nil
}

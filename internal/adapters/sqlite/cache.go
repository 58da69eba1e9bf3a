// Package sqlite persists normalized completed trades in a SQLite
// database, implementing the ports.TradeCache contract. Trades are
// keyed by (exchange, account, trade id) and merged append-only; a
// separate table tracks per-scope freshness timestamps.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alexeyismirnov/bybit-trade-analyzer/internal/domain"
	"github.com/alexeyismirnov/bybit-trade-analyzer/internal/ports"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// Store implements ports.TradeCache using SQLite.
// A Store constructed without a database path is permanently
// unavailable: reads miss, writes no-op, erase fails.
type Store struct {
	db     *sql.DB
	logger ports.Logger
	now    func() time.Time
}

// Config holds configuration for the SQLite cache store.
type Config struct {
	// DBPath is the database file location. Empty disables caching.
	DBPath string
	Logger ports.Logger
}

// NewStore creates a new SQLite cache store instance.
func NewStore(cfg Config) (*Store, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for SQLite cache store")
	}
	if cfg.DBPath == "" {
		cfg.Logger.Warn(context.Background(), "No database path configured, trade caching disabled")
		return &Store{logger: cfg.Logger, now: time.Now}, nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0755); err != nil {
		err = fmt.Errorf("failed to create data directory '%s': %w", filepath.Dir(cfg.DBPath), err)
		cfg.Logger.Error(context.Background(), err, "SQLite cache store initialization failed")
		return nil, err
	}

	db, err := sql.Open("sqlite3", cfg.DBPath+"?_journal_mode=WAL&_busy_timeout=5000") // WAL mode for better concurrency
	if err != nil {
		err = fmt.Errorf("failed to open database at '%s': %w", cfg.DBPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite cache store initialization failed")
		return nil, err
	}

	if err := db.Ping(); err != nil {
		db.Close()
		err = fmt.Errorf("failed to ping database at '%s': %w", cfg.DBPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite cache store initialization failed")
		return nil, err
	}

	// SQLite handles concurrency internally; the Go driver benefits
	// from a single connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	store := &Store{db: db, logger: cfg.Logger, now: time.Now}
	if err := store.initializeSchema(context.Background()); err != nil {
		db.Close()
		err = fmt.Errorf("failed to initialize cache schema: %w", err)
		cfg.Logger.Error(context.Background(), err, "SQLite cache store initialization failed")
		return nil, err
	}
	cfg.Logger.Info(context.Background(), "SQLite trade cache ready", map[string]interface{}{"path": cfg.DBPath})

	return store, nil
}

func (s *Store) initializeSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS trades (
		exchange     TEXT NOT NULL,
		account_id   TEXT NOT NULL,
		trade_id     TEXT NOT NULL,
		symbol       TEXT NOT NULL,
		side         TEXT NOT NULL,
		qty          TEXT NOT NULL,
		closed_pnl   TEXT NOT NULL,
		roi          TEXT NOT NULL,
		entry_price  TEXT NOT NULL,
		exit_price   TEXT NOT NULL,
		created_at   INTEGER NOT NULL,
		updated_time INTEGER NOT NULL,
		PRIMARY KEY (exchange, account_id, trade_id)
	);

	CREATE TABLE IF NOT EXISTS cache_scopes (
		exchange   TEXT NOT NULL,
		account_id TEXT NOT NULL,
		days       INTEGER NOT NULL,
		cached_at  TIMESTAMP NOT NULL,
		PRIMARY KEY (exchange, account_id, days)
	);

	CREATE INDEX IF NOT EXISTS idx_trades_scope_time ON trades (exchange, account_id, updated_time);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to execute schema initialization: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		s.logger.Info(context.Background(), "Closing SQLite trade cache")
		return s.db.Close()
	}
	return nil
}

// IsAvailable reports whether the backing database is reachable.
func (s *Store) IsAvailable(ctx context.Context) bool {
	if s.db == nil {
		return false
	}
	return s.db.PingContext(ctx) == nil
}

// Get retrieves the cache entry for a scope key, or nil on a miss.
// Trades are returned newest first, the order the dashboard displays.
func (s *Store) Get(ctx context.Context, key domain.ScopeKey) (*domain.CacheEntry, error) {
	if s.db == nil {
		return nil, nil // degrade to "always miss"
	}

	const scopeQuery = `SELECT cached_at FROM cache_scopes WHERE exchange = ? AND account_id = ? AND days = ?`
	var cachedAt time.Time
	err := s.db.QueryRowContext(ctx, scopeQuery, key.Exchange, key.AccountID, key.Days).Scan(&cachedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query cache scope %v: %w: %w", key, ports.ErrQueryFailed, err)
	}

	fromMs, toMs := key.Window(s.now())
	const tradesQuery = `
	SELECT trade_id, symbol, side, qty, closed_pnl, roi, entry_price, exit_price, created_at, updated_time
	FROM trades
	WHERE exchange = ? AND account_id = ? AND updated_time BETWEEN ? AND ?
	ORDER BY updated_time DESC`

	rows, err := s.db.QueryContext(ctx, tradesQuery, key.Exchange, key.AccountID, fromMs, toMs)
	if err != nil {
		return nil, fmt.Errorf("failed to query cached trades for %v: %w: %w", key, ports.ErrQueryFailed, err)
	}
	defer rows.Close()

	trades := make([]domain.Trade, 0)
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan cached trade: %w", err)
		}
		trades = append(trades, t)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating cached trade rows: %w", err)
	}

	s.logger.Debug(ctx, "Cache hit", map[string]interface{}{
		"exchange": key.Exchange, "account": key.AccountID, "days": key.Days, "trades": len(trades),
	})
	return &domain.CacheEntry{Key: key, Trades: trades, CachedAt: cachedAt}, nil
}

// Put merges trades into the scope's entry inside one transaction.
// Unseen trade ids are appended; existing ids are left untouched since
// completed trades are immutable once closed. The scope's freshness
// timestamp is bumped even when the merge adds nothing new.
func (s *Store) Put(ctx context.Context, key domain.ScopeKey, trades []domain.Trade) error {
	if s.db == nil {
		// Write paths silently no-op when no store is configured.
		s.logger.Debug(ctx, "Cache put skipped, no backing store")
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin cache merge for %v: %w: %w", key, ports.ErrUpdateFailed, err)
	}
	defer tx.Rollback()

	const insertQuery = `
	INSERT OR IGNORE INTO trades (exchange, account_id, trade_id, symbol, side, qty, closed_pnl, roi, entry_price, exit_price, created_at, updated_time)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	var appended int64
	for _, t := range trades {
		res, err := tx.ExecContext(ctx, insertQuery,
			key.Exchange, key.AccountID, t.ID, t.Symbol, t.Side,
			t.Qty.String(), t.ClosedPnl.String(), t.ROI.String(),
			t.AvgEntryPrice.String(), t.AvgExitPrice.String(),
			t.CreatedAt, t.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to merge trade %s: %w: %w", t.ID, ports.ErrUpdateFailed, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			appended += n
		}
	}

	const scopeUpsert = `
	INSERT INTO cache_scopes (exchange, account_id, days, cached_at) VALUES (?, ?, ?, ?)
	ON CONFLICT (exchange, account_id, days) DO UPDATE SET cached_at = excluded.cached_at`
	if _, err := tx.ExecContext(ctx, scopeUpsert, key.Exchange, key.AccountID, key.Days, s.now().UTC()); err != nil {
		return fmt.Errorf("failed to update cache scope %v: %w: %w", key, ports.ErrUpdateFailed, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit cache merge for %v: %w: %w", key, ports.ErrUpdateFailed, err)
	}
	s.logger.Debug(ctx, "Cache merged", map[string]interface{}{
		"exchange": key.Exchange, "account": key.AccountID, "days": key.Days,
		"offered": len(trades), "appended": appended,
	})
	return nil
}

// Erase removes all cached trades and scope records unconditionally,
// returning how many trades were removed so callers can tell a
// successful erase from "nothing to erase".
func (s *Store) Erase(ctx context.Context) (int64, error) {
	if s.db == nil {
		return 0, fmt.Errorf("cannot erase: %w", ports.ErrCacheUnavailable)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin cache erase: %w: %w", ports.ErrDeleteFailed, err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM trades`)
	if err != nil {
		return 0, fmt.Errorf("failed to erase cached trades: %w: %w", ports.ErrDeleteFailed, err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count erased trades: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM cache_scopes`); err != nil {
		return 0, fmt.Errorf("failed to erase cache scopes: %w: %w", ports.ErrDeleteFailed, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit cache erase: %w: %w", ports.ErrDeleteFailed, err)
	}
	s.logger.Info(ctx, "Trade cache erased", map[string]interface{}{"removedTrades": removed})
	return removed, nil
}

// scanner defines an interface compatible with *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

// scanTrade scans a row into a domain.Trade.
func scanTrade(sc scanner) (domain.Trade, error) {
	var t domain.Trade
	var qty, pnl, roi, entry, exit string
	err := sc.Scan(&t.ID, &t.Symbol, &t.Side, &qty, &pnl, &roi, &entry, &exit, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return domain.Trade{}, err
	}
	if t.Qty, err = decimal.NewFromString(qty); err != nil {
		return domain.Trade{}, fmt.Errorf("bad qty %q for trade %s: %w", qty, t.ID, err)
	}
	if t.ClosedPnl, err = decimal.NewFromString(pnl); err != nil {
		return domain.Trade{}, fmt.Errorf("bad closed_pnl %q for trade %s: %w", pnl, t.ID, err)
	}
	if t.ROI, err = decimal.NewFromString(roi); err != nil {
		return domain.Trade{}, fmt.Errorf("bad roi %q for trade %s: %w", roi, t.ID, err)
	}
	if t.AvgEntryPrice, err = decimal.NewFromString(entry); err != nil {
		return domain.Trade{}, fmt.Errorf("bad entry_price %q for trade %s: %w", entry, t.ID, err)
	}
	if t.AvgExitPrice, err = decimal.NewFromString(exit); err != nil {
		return domain.Trade{}, fmt.Errorf("bad exit_price %q for trade %s: %w", exit, t.ID, err)
	}
	return t, nil
}

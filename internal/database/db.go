// Package database provides the PostgreSQL persistence layer: positions,
// trailing stop state, the advisory-lock primitive that serializes position
// creation per (symbol, exchange), and a Redis hot mirror of trailing state.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// DB wraps the PostgreSQL connection pool
type DB struct {
	Pool   *pgxpool.Pool
	logger zerolog.Logger
}

// Config holds database configuration
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// NewDB creates a new database connection pool and verifies connectivity.
func NewDB(cfg Config, logger zerolog.Logger) (*DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	poolConfig.MaxConns = 25
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	logger.Info().Str("database", cfg.Database).Msg("connected to PostgreSQL")

	return &DB{Pool: pool, logger: logger}, nil
}

// Close closes the database connection
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		db.logger.Info().Msg("database connection closed")
	}
}

// RunMigrations executes database migrations
func (db *DB) RunMigrations(ctx context.Context) error {
	db.logger.Info().Msg("running database migrations")

	migrations := []string{
		// Positions table. The partial unique index is the second line of
		// defense behind the advisory lock: at most one position per
		// (symbol, exchange) may sit in an open status at any instant.
		`CREATE TABLE IF NOT EXISTS positions (
			id BIGSERIAL PRIMARY KEY,
			symbol VARCHAR(20) NOT NULL,
			exchange VARCHAR(20) NOT NULL,
			side VARCHAR(5) NOT NULL,
			quantity DECIMAL(20, 8) NOT NULL,
			entry_price DECIMAL(20, 8) NOT NULL DEFAULT 0,
			current_price DECIMAL(20, 8) NOT NULL DEFAULT 0,
			stop_loss_price DECIMAL(20, 8) NOT NULL DEFAULT 0,
			status VARCHAR(20) NOT NULL,
			has_trailing_stop BOOLEAN NOT NULL DEFAULT FALSE,
			trailing_activation_percent DECIMAL(10, 4) NOT NULL DEFAULT 0,
			trailing_callback_percent DECIMAL(10, 4) NOT NULL DEFAULT 0,
			pnl DECIMAL(20, 8) NOT NULL DEFAULT 0,
			pnl_percent DECIMAL(10, 4) NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			opened_at TIMESTAMPTZ,
			closed_at TIMESTAMPTZ,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS uniq_open_position
			ON positions(symbol, exchange)
			WHERE status IN ('pending_entry', 'entry_placed', 'pending_sl', 'active')`,
		`CREATE INDEX IF NOT EXISTS idx_positions_status ON positions(status)`,
		`CREATE INDEX IF NOT EXISTS idx_positions_symbol_exchange ON positions(symbol, exchange)`,

		// Trailing stop state, one row per open position with a trailing
		// stop. Keyed by (symbol, exchange); the upsert overwrites every
		// position-derived column, not just ratchet fields.
		`CREATE TABLE IF NOT EXISTS trailing_stop_state (
			symbol VARCHAR(20) NOT NULL,
			exchange VARCHAR(20) NOT NULL,
			side VARCHAR(5) NOT NULL,
			entry_price DECIMAL(20, 8) NOT NULL,
			quantity DECIMAL(20, 8) NOT NULL,
			state VARCHAR(10) NOT NULL,
			highest_price DECIMAL(20, 8) NOT NULL DEFAULT 0,
			lowest_price DECIMAL(20, 8) NOT NULL DEFAULT 0,
			current_stop_price DECIMAL(20, 8) NOT NULL DEFAULT 0,
			stop_order_id VARCHAR(64) NOT NULL DEFAULT '',
			activation_percent DECIMAL(10, 4) NOT NULL DEFAULT 0,
			callback_percent DECIMAL(10, 4) NOT NULL DEFAULT 0,
			is_activated BOOLEAN NOT NULL DEFAULT FALSE,
			highest_profit_percent DECIMAL(10, 4) NOT NULL DEFAULT 0,
			update_count INTEGER NOT NULL DEFAULT 0,
			last_sl_update_time TIMESTAMPTZ,
			last_updated_sl_price DECIMAL(20, 8) NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (symbol, exchange)
		)`,

		// Filled entry and stop orders, for audit
		`CREATE TABLE IF NOT EXISTS orders (
			id BIGSERIAL PRIMARY KEY,
			exchange_order_id VARCHAR(64) NOT NULL,
			client_order_id VARCHAR(64) NOT NULL DEFAULT '',
			symbol VARCHAR(20) NOT NULL,
			exchange VARCHAR(20) NOT NULL,
			side VARCHAR(5) NOT NULL,
			order_type VARCHAR(20) NOT NULL,
			price DECIMAL(20, 8) NOT NULL DEFAULT 0,
			quantity DECIMAL(20, 8) NOT NULL,
			status VARCHAR(20) NOT NULL,
			position_id BIGINT REFERENCES positions(id) ON DELETE SET NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_symbol ON orders(symbol)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_position ON orders(position_id)`,
	}

	for i, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	db.logger.Info().Msg("database migrations completed")
	return nil
}

// HealthCheck performs a database health check
func (db *DB) HealthCheck(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

// Package db provides the shared database plumbing for the entity stores:
// a validated connection pool over database/sql and the per-driver SQL
// dialect used to build portable statements.
package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/statorio/stator/pkg/core"
)

// PoolConfig configures a database connection pool
type PoolConfig struct {
	// DSN is the database connection string
	DSN string

	// DriverName is the database/sql driver name (e.g. "postgres", "sqlite3")
	DriverName string

	// MaxOpenConns is the maximum number of open connections
	MaxOpenConns int

	// MaxIdleConns is the maximum number of idle connections
	MaxIdleConns int

	// ConnMaxLifetime is how long a connection may be reused
	ConnMaxLifetime time.Duration

	// ConnMaxIdleTime is how long a connection may sit idle
	ConnMaxIdleTime time.Duration
}

// DefaultPoolConfig returns defaults suitable for a small deployment
func DefaultPoolConfig(dsn string, driverName string) PoolConfig {
	return PoolConfig{
		DSN:             dsn,
		DriverName:      driverName,
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 10 * time.Minute,
	}
}

// Pool is a validated database connection pool
type Pool struct {
	db      *sql.DB
	dialect Dialect
	config  PoolConfig
}

// NewPool creates a connection pool and verifies connectivity.
// Fail-fast: validates configuration before opening the database.
func NewPool(config PoolConfig) (*Pool, error) {
	// Fail-fast: Validate configuration
	if config.DSN == "" {
		return nil, core.NewError(core.CodeConfig, "DSN cannot be empty")
	}
	if config.DriverName == "" {
		return nil, core.NewError(core.CodeConfig, "DriverName cannot be empty")
	}
	if config.MaxOpenConns <= 0 {
		return nil, core.NewError(core.CodeConfig, "MaxOpenConns must be positive")
	}
	if config.MaxIdleConns < 0 {
		return nil, core.NewError(core.CodeConfig, "MaxIdleConns cannot be negative")
	}
	if config.MaxIdleConns > config.MaxOpenConns {
		return nil, core.NewError(core.CodeConfig, "MaxIdleConns cannot exceed MaxOpenConns")
	}
	if config.ConnMaxLifetime < 0 {
		return nil, core.NewError(core.CodeConfig, "ConnMaxLifetime cannot be negative")
	}
	if config.ConnMaxIdleTime < 0 {
		return nil, core.NewError(core.CodeConfig, "ConnMaxIdleTime cannot be negative")
	}

	dialect, err := DialectFor(config.DriverName)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(config.DriverName, config.DSN)
	if err != nil {
		return nil, core.WrapError(core.CodePersistence, "cannot open database", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	// Verify the connection works before handing the pool out
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, core.WrapError(core.CodePersistence, "cannot reach database", err)
	}

	return &Pool{
		db:      db,
		dialect: dialect,
		config:  config,
	}, nil
}

// DB returns the underlying *sql.DB
// Fail-fast: Panics if pool is nil (invalid state)
func (p *Pool) DB() *sql.DB {
	if p == nil {
		panic("pool cannot be nil")
	}
	if p.db == nil {
		panic("pool.db cannot be nil - pool not initialized")
	}
	return p.db
}

// Dialect returns the SQL dialect for the pool's driver
func (p *Pool) Dialect() Dialect {
	if p == nil {
		panic("pool cannot be nil")
	}
	return p.dialect
}

// Close closes the connection pool
// Fail-fast: Validates pool state before closing
func (p *Pool) Close() error {
	if p == nil {
		return core.NewError(core.CodeInvalidState, "pool cannot be nil")
	}
	if p.db == nil {
		return core.NewError(core.CodeInvalidState, "pool already closed")
	}
	return p.db.Close()
}

// Ping tests the connection
// Fail-fast: Validates inputs before pinging
func (p *Pool) Ping(ctx context.Context) error {
	if p == nil {
		return core.NewError(core.CodeInvalidState, "pool cannot be nil")
	}
	if p.db == nil {
		return core.NewError(core.CodeInvalidState, "pool not initialized")
	}
	if ctx == nil {
		return core.NewError(core.CodeInvalidInput, "context cannot be nil")
	}
	return p.db.PingContext(ctx)
}

// Stats returns pool statistics
func (p *Pool) Stats() sql.DBStats {
	if p == nil || p.db == nil {
		return sql.DBStats{}
	}
	return p.db.Stats()
}

// Query executes a query that returns rows
// Fail-fast: Validates inputs before querying
func (p *Pool) Query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	if p == nil {
		return nil, core.NewError(core.CodeInvalidState, "pool cannot be nil")
	}
	if p.db == nil {
		return nil, core.NewError(core.CodeInvalidState, "pool not initialized")
	}
	if ctx == nil {
		return nil, core.NewError(core.CodeInvalidInput, "context cannot be nil")
	}
	if query == "" {
		return nil, core.NewError(core.CodeInvalidInput, "query cannot be empty")
	}
	return p.db.QueryContext(ctx, query, args...)
}

// QueryRow executes a query that returns a single row
// Fail-fast: Validates inputs before querying
func (p *Pool) QueryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	if p == nil {
		panic("pool cannot be nil")
	}
	if p.db == nil {
		panic("pool not initialized")
	}
	if ctx == nil {
		panic("context cannot be nil")
	}
	if query == "" {
		panic("query cannot be empty")
	}
	return p.db.QueryRowContext(ctx, query, args...)
}

// Exec executes a command
// Fail-fast: Validates inputs before executing
func (p *Pool) Exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	if p == nil {
		return nil, core.NewError(core.CodeInvalidState, "pool cannot be nil")
	}
	if p.db == nil {
		return nil, core.NewError(core.CodeInvalidState, "pool not initialized")
	}
	if ctx == nil {
		return nil, core.NewError(core.CodeInvalidInput, "context cannot be nil")
	}
	if query == "" {
		return nil, core.NewError(core.CodeInvalidInput, "query cannot be empty")
	}
	return p.db.ExecContext(ctx, query, args...)
}

// Begin starts a transaction
// Fail-fast: Validates inputs before beginning transaction
func (p *Pool) Begin(ctx context.Context) (*sql.Tx, error) {
	return p.BeginTx(ctx, nil)
}

// BeginTx starts a transaction with options
// Fail-fast: Validates inputs before beginning transaction
func (p *Pool) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	if p == nil {
		return nil, core.NewError(core.CodeInvalidState, "pool cannot be nil")
	}
	if p.db == nil {
		return nil, core.NewError(core.CodeInvalidState, "pool not initialized")
	}
	if ctx == nil {
		return nil, core.NewError(core.CodeInvalidInput, "context cannot be nil")
	}
	return p.db.BeginTx(ctx, opts)
}

package db

import (
	"context"
	"testing"
	"time"

	"github.com/statorio/stator/pkg/core"
)

// newSQLitePool opens an in-memory database for tests.
// MaxOpenConns is 1 so every statement sees the same in-memory database.
func newSQLitePool(t *testing.T) *Pool {
	t.Helper()

	config := DefaultPoolConfig(":memory:", "sqlite3")
	config.MaxOpenConns = 1
	config.MaxIdleConns = 1

	pool, err := NewPool(config)
	if err != nil {
		t.Fatalf("Failed to open pool: %v", err)
	}
	t.Cleanup(func() { pool.Close() })
	return pool
}

func TestDefaultPoolConfig(t *testing.T) {
	config := DefaultPoolConfig("test-dsn", "postgres")

	if config.DSN != "test-dsn" {
		t.Errorf("DSN = %v, want test-dsn", config.DSN)
	}
	if config.DriverName != "postgres" {
		t.Errorf("DriverName = %v, want postgres", config.DriverName)
	}
	if config.MaxOpenConns != 25 {
		t.Errorf("MaxOpenConns = %v, want 25", config.MaxOpenConns)
	}
	if config.MaxIdleConns != 5 {
		t.Errorf("MaxIdleConns = %v, want 5", config.MaxIdleConns)
	}
	if config.ConnMaxLifetime != 5*time.Minute {
		t.Errorf("ConnMaxLifetime = %v, want 5m", config.ConnMaxLifetime)
	}
	if config.ConnMaxIdleTime != 10*time.Minute {
		t.Errorf("ConnMaxIdleTime = %v, want 10m", config.ConnMaxIdleTime)
	}
}

func TestNewPool_Validation(t *testing.T) {
	cases := []struct {
		name   string
		config PoolConfig
	}{
		{"EmptyDSN", PoolConfig{DriverName: "sqlite3", MaxOpenConns: 1}},
		{"EmptyDriver", PoolConfig{DSN: ":memory:", MaxOpenConns: 1}},
		{"ZeroMaxOpenConns", PoolConfig{DSN: ":memory:", DriverName: "sqlite3"}},
		{"NegativeMaxIdleConns", PoolConfig{DSN: ":memory:", DriverName: "sqlite3", MaxOpenConns: 1, MaxIdleConns: -1}},
		{"IdleExceedsOpen", PoolConfig{DSN: ":memory:", DriverName: "sqlite3", MaxOpenConns: 1, MaxIdleConns: 2}},
		{"NegativeLifetime", PoolConfig{DSN: ":memory:", DriverName: "sqlite3", MaxOpenConns: 1, ConnMaxLifetime: -time.Second}},
		{"NegativeIdleTime", PoolConfig{DSN: ":memory:", DriverName: "sqlite3", MaxOpenConns: 1, ConnMaxIdleTime: -time.Second}},
		{"UnsupportedDriver", PoolConfig{DSN: "dsn", DriverName: "oracle", MaxOpenConns: 1}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			pool, err := NewPool(tc.config)
			if err == nil {
				pool.Close()
				t.Fatal("NewPool() should fail-fast on invalid configuration")
			}
			if !core.HasCode(err, core.CodeConfig) {
				t.Errorf("Expected config error, got %v", err)
			}
		})
	}
}

func TestPool_ExecAndQuery(t *testing.T) {
	pool := newSQLitePool(t)
	ctx := context.Background()

	_, err := pool.Exec(ctx, "CREATE TABLE machines (id TEXT PRIMARY KEY, state TEXT NOT NULL)")
	if err != nil {
		t.Fatalf("Failed to create table: %v", err)
	}

	_, err = pool.Exec(ctx, "INSERT INTO machines (id, state) VALUES (?, ?)", "call-1", "RINGING")
	if err != nil {
		t.Fatalf("Failed to insert: %v", err)
	}

	var state string
	row := pool.QueryRow(ctx, "SELECT state FROM machines WHERE id = ?", "call-1")
	if err := row.Scan(&state); err != nil {
		t.Fatalf("Failed to scan: %v", err)
	}
	if state != "RINGING" {
		t.Errorf("Expected state RINGING, got %s", state)
	}

	rows, err := pool.Query(ctx, "SELECT id FROM machines")
	if err != nil {
		t.Fatalf("Failed to query: %v", err)
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		count++
	}
	if err := rows.Err(); err != nil {
		t.Fatalf("Rows error: %v", err)
	}
	if count != 1 {
		t.Errorf("Expected 1 row, got %d", count)
	}
}

func TestPool_Transaction(t *testing.T) {
	pool := newSQLitePool(t)
	ctx := context.Background()

	if _, err := pool.Exec(ctx, "CREATE TABLE counters (n INTEGER)"); err != nil {
		t.Fatalf("Failed to create table: %v", err)
	}

	// Committed transaction is visible
	tx, err := pool.Begin(ctx)
	if err != nil {
		t.Fatalf("Failed to begin: %v", err)
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO counters (n) VALUES (1)"); err != nil {
		t.Fatalf("Failed to insert in tx: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Failed to commit: %v", err)
	}

	// Rolled-back transaction is not
	tx, err = pool.Begin(ctx)
	if err != nil {
		t.Fatalf("Failed to begin: %v", err)
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO counters (n) VALUES (2)"); err != nil {
		t.Fatalf("Failed to insert in tx: %v", err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatalf("Failed to rollback: %v", err)
	}

	var count int
	if err := pool.QueryRow(ctx, "SELECT COUNT(*) FROM counters").Scan(&count); err != nil {
		t.Fatalf("Failed to count: %v", err)
	}
	if count != 1 {
		t.Errorf("Expected 1 committed row, got %d", count)
	}
}

func TestPool_Ping(t *testing.T) {
	pool := newSQLitePool(t)

	if err := pool.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
	if err := pool.Ping(nil); !core.HasCode(err, core.CodeInvalidInput) {
		t.Errorf("Expected invalid input error for nil context, got %v", err)
	}
}

func TestPool_Dialect(t *testing.T) {
	pool := newSQLitePool(t)

	if pool.Dialect().Name() != "sqlite3" {
		t.Errorf("Expected sqlite3 dialect, got %s", pool.Dialect().Name())
	}
}

func TestPool_NilReceiver(t *testing.T) {
	var pool *Pool

	if err := pool.Close(); !core.HasCode(err, core.CodeInvalidState) {
		t.Errorf("Close() on nil pool should fail, got %v", err)
	}
	if err := pool.Ping(context.Background()); !core.HasCode(err, core.CodeInvalidState) {
		t.Errorf("Ping() on nil pool should fail, got %v", err)
	}
	if _, err := pool.Query(context.Background(), "SELECT 1"); !core.HasCode(err, core.CodeInvalidState) {
		t.Errorf("Query() on nil pool should fail, got %v", err)
	}
	if _, err := pool.Exec(context.Background(), "SELECT 1"); !core.HasCode(err, core.CodeInvalidState) {
		t.Errorf("Exec() on nil pool should fail, got %v", err)
	}
	if _, err := pool.Begin(context.Background()); !core.HasCode(err, core.CodeInvalidState) {
		t.Errorf("Begin() on nil pool should fail, got %v", err)
	}

	stats := pool.Stats()
	if stats.OpenConnections != 0 {
		t.Error("Stats() on nil pool should be zero")
	}
}

func TestPool_QueryRowPanicsOnNilPool(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("QueryRow() on nil pool should panic")
		}
	}()

	var pool *Pool
	pool.QueryRow(context.Background(), "SELECT 1")
}

func TestPool_EmptyQueryRejected(t *testing.T) {
	pool := newSQLitePool(t)
	ctx := context.Background()

	if _, err := pool.Query(ctx, ""); !core.HasCode(err, core.CodeInvalidInput) {
		t.Errorf("Query() with empty text should fail, got %v", err)
	}
	if _, err := pool.Exec(ctx, ""); !core.HasCode(err, core.CodeInvalidInput) {
		t.Errorf("Exec() with empty text should fail, got %v", err)
	}
}

func TestPool_CloseTwice(t *testing.T) {
	config := DefaultPoolConfig(":memory:", "sqlite3")
	config.MaxOpenConns = 1
	config.MaxIdleConns = 1

	pool, err := NewPool(config)
	if err != nil {
		t.Fatalf("Failed to open pool: %v", err)
	}

	if err := pool.Close(); err != nil {
		t.Fatalf("First close failed: %v", err)
	}
	// database/sql tolerates double close; the pool does too
	if err := pool.Close(); err != nil {
		t.Errorf("Second close failed: %v", err)
	}
}

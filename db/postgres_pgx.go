package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresDB wraps a pgx connection pool for the entity-definition engine's
// DDL execution, where GORM's statement builder would just get in the way
// of raw CREATE/ALTER TABLE strings.
type PostgresDB struct {
	pool *pgxpool.Pool
}

// NewPostgresDB opens a pgx pool against a standard PostgreSQL connection
// string and verifies it with a ping before returning.
func NewPostgresDB(connString string) (*PostgresDB, error) {
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresDB{pool: pool}, nil
}

// Close closes the database connection pool.
func (db *PostgresDB) Close() {
	db.pool.Close()
}

// Exec executes a SQL statement.
// Returns error if execution fails.
func (db *PostgresDB) Exec(ctx context.Context, sql string, args ...interface{}) error {
	_, err := db.pool.Exec(ctx, sql, args...)
	return err
}

// Query executes a query that returns rows.
// Caller must call rows.Close() when done.
func (db *PostgresDB) Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error) {
	return db.pool.Query(ctx, sql, args...)
}

// QueryRow executes a query that returns a single row.
// Row scanning should be done immediately as the connection is released after scanning.
func (db *PostgresDB) QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row {
	return db.pool.QueryRow(ctx, sql, args...)
}

// Pool returns the underlying connection pool for advanced operations.
// Use this for transactions, batch operations, or custom connection management.
func (db *PostgresDB) Pool() *pgxpool.Pool {
	return db.pool
}

// DDLSchema adapts PostgresDB to entitydef.Schema (a single-statement,
// no-args Exec), the narrow surface the entity-definition engine needs
// to apply generated CREATE/ALTER TABLE statements.
type DDLSchema struct {
	PG *PostgresDB
}

func NewDDLSchema(pg *PostgresDB) DDLSchema {
	return DDLSchema{PG: pg}
}

func (s DDLSchema) Exec(ctx context.Context, stmt string) error {
	return s.PG.Exec(ctx, stmt)
}

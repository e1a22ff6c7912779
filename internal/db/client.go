// Package db holds the Postgres persistence layer: sqlx stores for
// users, providers, projects, experiments, test cases, feedback, and
// firewall rules/logs, plus an async buffered writer for firewall logs.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/aegisai/aegis/internal/circuitbreaker"
)

// Config holds database connection settings.
type Config struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxConnections  int
	IdleConnections int
	MaxLifetime     time.Duration
}

// Decrypter decrypts provider credentials at rest. Satisfied by *vault.Vault.
type Decrypter interface {
	Decrypt(token string) (string, error)
}

// Client manages the connection pool and hosts all store methods.
type Client struct {
	db     *sqlx.DB
	cb     *circuitbreaker.Breaker
	dec    Decrypter
	logger *zap.Logger

	writer *logWriter
}

// NewClient opens the pool, verifies connectivity, and starts the async
// firewall-log writer.
func NewClient(cfg Config, dec Decrypter, logger *zap.Logger) (*Client, error) {
	if cfg.MaxConnections == 0 {
		cfg.MaxConnections = 25
	}
	if cfg.IdleConnections == 0 {
		cfg.IdleConnections = 5
	}
	if cfg.MaxLifetime == 0 {
		cfg.MaxLifetime = 5 * time.Minute
	}
	if cfg.SSLMode == "" {
		cfg.SSLMode = "require"
	}

	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)
	pool, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	pool.SetMaxOpenConns(cfg.MaxConnections)
	pool.SetMaxIdleConns(cfg.IdleConnections)
	pool.SetConnMaxLifetime(cfg.MaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := pool.PingContext(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	client := NewClientFromPool(pool, dec, logger)
	logger.Info("database client initialized",
		zap.String("host", cfg.Host),
		zap.Int("max_connections", cfg.MaxConnections),
	)
	return client, nil
}

// NewClientFromPool wires a client around an existing pool. Tests use it
// with sqlmock.
func NewClientFromPool(pool *sqlx.DB, dec Decrypter, logger *zap.Logger) *Client {
	c := &Client{
		db:     pool,
		cb:     circuitbreaker.Instrument(circuitbreaker.New("database", circuitbreaker.DatabaseConfig(), logger)),
		dec:    dec,
		logger: logger,
	}
	c.writer = newLogWriter(c, logger)
	return c
}

// Ping verifies connectivity for readiness probes.
func (c *Client) Ping(ctx context.Context) error {
	return c.cb.Execute(ctx, func() error { return c.db.PingContext(ctx) })
}

// Close drains the async writer and shuts the pool down.
func (c *Client) Close() error {
	c.writer.close()
	if err := c.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// exec runs a statement behind the circuit breaker.
func (c *Client) exec(ctx context.Context, query string, args ...interface{}) error {
	return c.cb.Execute(ctx, func() error {
		_, err := c.db.ExecContext(ctx, query, args...)
		return err
	})
}

// get scans a single row behind the circuit breaker. sql.ErrNoRows is
// passed through without counting as a breaker failure.
func (c *Client) get(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	var queryErr error
	err := c.cb.Execute(ctx, func() error {
		queryErr = c.db.GetContext(ctx, dest, query, args...)
		if errors.Is(queryErr, sql.ErrNoRows) {
			return nil
		}
		return queryErr
	})
	if err != nil {
		return err
	}
	return queryErr
}

// selectAll scans multiple rows behind the circuit breaker.
func (c *Client) selectAll(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	return c.cb.Execute(ctx, func() error {
		return c.db.SelectContext(ctx, dest, query, args...)
	})
}

// withTx runs fn inside a transaction, rolling back on error or panic.
func (c *Client) withTx(ctx context.Context, fn func(*sqlx.Tx) error) error {
	tx, err := c.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback failed: %v, original error: %w", rbErr, err)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

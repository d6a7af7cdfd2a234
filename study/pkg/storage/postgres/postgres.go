// Package postgres is the PostgreSQL storage.Store. Each dataset is stored in
// its own table, provisioned on first import.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/malbeclabs/studydata/study/pkg/storage"
	"github.com/malbeclabs/studydata/utils/pkg/retry"
)

type Config struct {
	Logger     *slog.Logger
	ConnString string
	MaxConns   int32
	MinConns   int32
	Retry      retry.Config
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.ConnString == "" {
		return errors.New("connection string is required")
	}
	if c.MaxConns <= 0 {
		c.MaxConns = 10
	}
	if c.MinConns <= 0 {
		c.MinConns = 2
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry = retry.DefaultConfig()
	}
	return nil
}

type Store struct {
	log   *slog.Logger
	cfg   Config
	pool  *pgxpool.Pool
	owned bool
}

var _ storage.Store = (*Store)(nil)

// queryable is satisfied by both the pool and a transaction.
type queryable interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

type txKey struct{}

type txState struct {
	store *Store
	tx    pgx.Tx
}

// New connects a pool for cfg.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid postgres config: %w", err)
	}
	poolConfig, err := pgxpool.ParseConfig(cfg.ConnString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres config: %w", err)
	}
	poolConfig.MaxConns = cfg.MaxConns
	poolConfig.MinConns = cfg.MinConns
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := retry.Do(ctx, cfg.Retry, func() error { return pool.Ping(ctx) }); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	cfg.Logger.Info("connected to postgres", "max_conns", cfg.MaxConns)
	return &Store{log: cfg.Logger, cfg: cfg, pool: pool, owned: true}, nil
}

// NewWithPool wraps an existing pool. Close does not close it.
func NewWithPool(log *slog.Logger, pool *pgxpool.Pool) *Store {
	return &Store{log: log, cfg: Config{Logger: log, Retry: retry.DefaultConfig()}, pool: pool}
}

func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) Close() {
	if s.owned {
		s.pool.Close()
	}
}

func (s *Store) q(ctx context.Context) queryable {
	if st, ok := ctx.Value(txKey{}).(txState); ok && st.store == s {
		return st.tx
	}
	return s.pool
}

// InTx runs fn in a transaction. A transaction already carried by ctx is
// joined instead.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if st, ok := ctx.Value(txKey{}).(txState); ok && st.store == s {
		return fn(ctx)
	}
	ctx, done := storage.WithTxHooks(ctx)
	err := s.runTx(ctx, fn)
	done(err == nil)
	return err
}

func (s *Store) runTx(ctx context.Context, fn func(ctx context.Context) error) error {
	var tx pgx.Tx
	err := retry.Do(ctx, s.cfg.Retry, func() error {
		var err error
		tx, err = s.pool.Begin(ctx)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(context.WithValue(ctx, txKey{}, txState{store: s, tx: tx})); err != nil {
		rbCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if rbErr := tx.Rollback(rbCtx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			s.log.Error("failed to roll back transaction", "error", rbErr)
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func notFound(err error, format string, args ...any) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf(format+": %w", append(args, storage.ErrNotFound)...)
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}

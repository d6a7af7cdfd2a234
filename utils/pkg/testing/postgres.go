package studytesting

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/require"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
)

type PostgresConfig struct {
	Username       string
	Password       string
	ContainerImage string
}

func (cfg *PostgresConfig) Validate() error {
	if cfg.Username == "" {
		cfg.Username = "study"
	}
	if cfg.Password == "" {
		cfg.Password = "study"
	}
	if cfg.ContainerImage == "" {
		cfg.ContainerImage = "postgres:16-alpine"
	}
	return nil
}

// PostgresDB holds the dataset tables of a package's integration tests.
// Each test gets its own database from NewDatabase.
type PostgresDB struct {
	log       *slog.Logger
	connStr   string
	container *tcpostgres.PostgresContainer
}

func NewPostgresDB(ctx context.Context, log *slog.Logger, cfg *PostgresConfig) (*PostgresDB, error) {
	var c PostgresConfig
	if cfg != nil {
		c = *cfg
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid PostgreSQL test config: %w", err)
	}

	container, err := startContainer(ctx, "PostgreSQL", func() (*tcpostgres.PostgresContainer, error) {
		return tcpostgres.Run(ctx, c.ContainerImage,
			tcpostgres.WithDatabase("study"),
			tcpostgres.WithUsername(c.Username),
			tcpostgres.WithPassword(c.Password),
			tcpostgres.BasicWaitStrategies(),
		)
	})
	if err != nil {
		return nil, err
	}

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		terminate(log, "PostgreSQL", container)
		return nil, fmt.Errorf("failed to get PostgreSQL connection string: %w", err)
	}
	return &PostgresDB{log: log, connStr: connStr, container: container}, nil
}

// ConnStr points at the maintenance database.
func (db *PostgresDB) ConnStr() string {
	return db.connStr
}

func (db *PostgresDB) Close() {
	terminate(db.log, "PostgreSQL", db.container)
}

// NewDatabase creates an empty database dropped when t finishes and returns
// its connection string.
func (db *PostgresDB) NewDatabase(t *testing.T) string {
	t.Helper()

	admin, err := pgx.Connect(t.Context(), db.connStr)
	require.NoError(t, err)

	name := testDatabaseName()
	_, err = admin.Exec(t.Context(), "CREATE DATABASE "+pgx.Identifier{name}.Sanitize())
	require.NoError(t, err)

	u, err := url.Parse(db.connStr)
	require.NoError(t, err)
	u.Path = "/" + name

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_, _ = admin.Exec(ctx, "DROP DATABASE IF EXISTS "+pgx.Identifier{name}.Sanitize()+" WITH (FORCE)")
		_ = admin.Close(ctx)
	})
	return u.String()
}

package studytesting

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/docker/go-connections/nat"
	"github.com/stretchr/testify/require"
	tcch "github.com/testcontainers/testcontainers-go/modules/clickhouse"
)

const clickhouseNativePort nat.Port = "9000/tcp"

type ClickHouseConfig struct {
	Username       string
	Password       string
	ContainerImage string
}

func (cfg *ClickHouseConfig) Validate() error {
	if cfg.Username == "" {
		cfg.Username = "default"
	}
	if cfg.Password == "" {
		cfg.Password = "password"
	}
	if cfg.ContainerImage == "" {
		cfg.ContainerImage = "clickhouse/clickhouse-server:latest"
	}
	return nil
}

// ClickHouseDB holds the audit tables of a package's integration tests.
// Each test gets its own database from NewDatabase.
type ClickHouseDB struct {
	log       *slog.Logger
	cfg       ClickHouseConfig
	addr      string
	container *tcch.ClickHouseContainer
}

func NewClickHouseDB(ctx context.Context, log *slog.Logger, cfg *ClickHouseConfig) (*ClickHouseDB, error) {
	var c ClickHouseConfig
	if cfg != nil {
		c = *cfg
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid ClickHouse test config: %w", err)
	}

	container, err := startContainer(ctx, "ClickHouse", func() (*tcch.ClickHouseContainer, error) {
		return tcch.Run(ctx, c.ContainerImage,
			tcch.WithUsername(c.Username),
			tcch.WithPassword(c.Password),
		)
	})
	if err != nil {
		return nil, err
	}

	host, err := container.Host(ctx)
	if err != nil {
		terminate(log, "ClickHouse", container)
		return nil, fmt.Errorf("failed to get ClickHouse host: %w", err)
	}
	port, err := container.MappedPort(ctx, clickhouseNativePort)
	if err != nil {
		terminate(log, "ClickHouse", container)
		return nil, fmt.Errorf("failed to get ClickHouse native port: %w", err)
	}
	return &ClickHouseDB{log: log, cfg: c, addr: host + ":" + port.Port(), container: container}, nil
}

// Addr is the native protocol address (host:port).
func (db *ClickHouseDB) Addr() string     { return db.addr }
func (db *ClickHouseDB) Username() string { return db.cfg.Username }
func (db *ClickHouseDB) Password() string { return db.cfg.Password }

func (db *ClickHouseDB) Close() {
	terminate(db.log, "ClickHouse", db.container)
}

// NewDatabase creates an empty database dropped when t finishes and returns
// its name.
func (db *ClickHouseDB) NewDatabase(t *testing.T) string {
	t.Helper()

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr:        []string{db.addr},
		Auth:        clickhouse.Auth{Username: db.cfg.Username, Password: db.cfg.Password},
		DialTimeout: 5 * time.Second,
	})
	require.NoError(t, err)

	name := testDatabaseName()
	require.NoError(t, conn.Exec(t.Context(), "CREATE DATABASE "+name))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = conn.Exec(ctx, "DROP DATABASE IF EXISTS "+name)
		_ = conn.Close()
	})
	return name
}

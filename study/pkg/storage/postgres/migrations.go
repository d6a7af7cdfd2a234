package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx driver with database/sql
	"github.com/pressly/goose/v3"

	"github.com/malbeclabs/studydata/study"
)

const migrationsDir = "db/postgres/migrations"

// gooseMu guards goose's package-level configuration.
var gooseMu sync.Mutex

// slogGooseLogger adapts slog.Logger to goose.Logger interface
type slogGooseLogger struct {
	log *slog.Logger
}

func (l *slogGooseLogger) Fatalf(format string, v ...any) {
	l.log.Error(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (l *slogGooseLogger) Printf(format string, v ...any) {
	l.log.Info(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func openGoose(log *slog.Logger, connString string) (*sql.DB, error) {
	db, err := sql.Open("pgx", connString)
	if err != nil {
		return nil, fmt.Errorf("failed to open database for migrations: %w", err)
	}
	goose.SetLogger(&slogGooseLogger{log: log})
	goose.SetBaseFS(study.PostgresMigrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set goose dialect: %w", err)
	}
	return db, nil
}

// Up runs all pending catalog migrations.
func Up(ctx context.Context, log *slog.Logger, connString string) error {
	log.Info("running postgres migrations (up)")
	gooseMu.Lock()
	defer gooseMu.Unlock()
	db, err := openGoose(log, connString)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := goose.UpContext(ctx, db, migrationsDir); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	log.Info("postgres migrations completed")
	return nil
}

// Down rolls back the most recent catalog migration.
func Down(ctx context.Context, log *slog.Logger, connString string) error {
	log.Info("rolling back postgres migration (down)")
	gooseMu.Lock()
	defer gooseMu.Unlock()
	db, err := openGoose(log, connString)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := goose.DownContext(ctx, db, migrationsDir); err != nil {
		return fmt.Errorf("failed to roll back migration: %w", err)
	}
	return nil
}

func Status(ctx context.Context, log *slog.Logger, connString string) error {
	gooseMu.Lock()
	defer gooseMu.Unlock()
	db, err := openGoose(log, connString)
	if err != nil {
		return err
	}
	defer db.Close()

	return goose.StatusContext(ctx, db, migrationsDir)
}

package postgres

import (
	"context"
	"embed"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/accedo/internal/common"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store manages the Postgres connection pool shared by all scan
// persistence operations.
type Store struct {
	db     *sqlx.DB
	logger arbor.ILogger
	config common.DatabaseConfig
}

// NewStore opens the Postgres pool and applies embedded migrations when
// the configuration asks for it.
func NewStore(config common.DatabaseConfig, logger arbor.ILogger) (*Store, error) {
	db, err := sqlx.Connect("pgx", config.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	maxConns := config.MaxConnections
	if maxConns < 1 {
		maxConns = 10
	}
	maxIdle := config.MaxIdle
	if maxIdle < 1 {
		maxIdle = maxConns / 2
		if maxIdle < 1 {
			maxIdle = 1
		}
	}
	lifetime := config.ConnMaxLifetime
	if lifetime <= 0 {
		lifetime = 30 * time.Minute
	}

	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(lifetime)

	s := &Store{
		db:     db,
		logger: logger,
		config: config,
	}

	if config.MigrateOnStart {
		if err := s.migrate(); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
	}

	logger.Info().
		Int("max_connections", maxConns).
		Bool("migrated", config.MigrateOnStart).
		Msg("Postgres store initialized")
	return s, nil
}

// migrate applies the embedded goose migrations.
func (s *Store) migrate() error {
	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(goose.NopLogger())

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set migration dialect: %w", err)
	}
	if err := goose.Up(s.db.DB, "migrations"); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

// DB returns the underlying pool for callers that need raw access.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// Ping verifies the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the connection pool.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

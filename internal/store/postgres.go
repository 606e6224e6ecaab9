// This file implements a PostgreSQL-backed turn log.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/BTreeMap/AnchorLoop/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 5
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 5
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) RecordTurn(ctx context.Context, t models.TurnRecord) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO turns (id, utterance, origin, reply, sentiment, fallback, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8) ON CONFLICT (id) DO NOTHING`,
		t.ID, t.UtteranceText, string(t.Origin), t.ReplyText, t.Sentiment, t.Fallback, t.StartedAt, t.CompletedAt)
	if err != nil {
		slog.Error("PostgresStore RecordTurn failed", "error", err, "turn", t.ID)
		return fmt.Errorf("failed to insert turn %s: %w", t.ID, err)
	}
	slog.Debug("PostgresStore RecordTurn succeeded", "turn", t.ID, "origin", t.Origin)
	return nil
}

func (s *PostgresStore) RecentTurns(ctx context.Context, limit int) ([]models.TurnRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, utterance, origin, reply, sentiment, fallback, started_at, completed_at
		FROM turns ORDER BY completed_at DESC, id DESC LIMIT $1`, clampLimit(limit))
	if err != nil {
		slog.Error("PostgresStore RecentTurns query failed", "error", err)
		return nil, fmt.Errorf("failed to query turns: %w", err)
	}
	defer rows.Close()

	turns, err := scanTurns(rows)
	if err != nil {
		slog.Error("PostgresStore RecentTurns scan failed", "error", err)
		return nil, err
	}
	slog.Debug("PostgresStore RecentTurns succeeded", "count", len(turns))
	return turns, nil
}

// Close closes the Postgres database connection.
func (s *PostgresStore) Close() error {
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close Postgres database", "error", err)
	}
	return err
}

// Package store provides storage backends for the AnchorLoop turn log.
//
// The turn log is an optional record of completed conversation turns. It is
// backed by memory, SQLite or PostgreSQL depending on the configured DSN.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/BTreeMap/AnchorLoop/internal/models"
)

// Turn log defaults.
const (
	// DefaultMemoryCapacity bounds the in-memory turn log.
	DefaultMemoryCapacity = 500
	// DefaultRecentLimit is used when RecentTurns is called with limit <= 0.
	DefaultRecentLimit = 20
	// MaxRecentLimit caps a single RecentTurns call.
	MaxRecentLimit = 500
)

// TurnStore persists completed conversation turns.
type TurnStore interface {
	// RecordTurn stores a turn. Recording the same ID twice is a no-op.
	RecordTurn(ctx context.Context, turn models.TurnRecord) error
	// RecentTurns returns up to limit turns, newest first.
	RecentTurns(ctx context.Context, limit int) ([]models.TurnRecord, error)
	Close() error
}

// Opts holds configuration options for turn stores.
type Opts struct {
	DSN      string // database connection string; empty selects the in-memory store
	Capacity int    // in-memory capacity
}

// Option defines a configuration option for turn stores.
type Option func(*Opts)

// MemoryDSN selects the in-memory turn log explicitly.
const MemoryDSN = "memory"

// WithDSN sets a connection string whose backend is picked by DetectDSNType.
func WithDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithCapacity bounds the in-memory store.
func WithCapacity(n int) Option {
	return func(o *Opts) {
		o.Capacity = n
	}
}

// DetectDSNType returns "memory" for an empty DSN or MemoryDSN, "postgres"
// for PostgreSQL URLs and keyword DSNs and "sqlite3" for everything else,
// which is treated as a file path.
func DetectDSNType(dsn string) string {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	if lower == "" || lower == MemoryDSN {
		return MemoryDSN
	}
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		return "postgres"
	}
	if strings.Contains(lower, "host=") || strings.Contains(lower, "dbname=") {
		return "postgres"
	}
	return "sqlite3"
}

// Open returns the store selected by the DSN per DetectDSNType.
func Open(opts ...Option) (TurnStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	switch DetectDSNType(cfg.DSN) {
	case MemoryDSN:
		slog.Debug("store.Open: using in-memory turn log", "capacity", cfg.Capacity)
		return NewInMemoryStore(WithCapacity(cfg.Capacity)), nil
	case "postgres":
		return NewPostgresStore(WithPostgresDSN(cfg.DSN))
	default:
		return NewSQLiteStore(WithSQLiteDSN(cfg.DSN))
	}
}

// InMemoryStore keeps the most recent turns in memory.
type InMemoryStore struct {
	mu       sync.RWMutex
	turns    []models.TurnRecord
	seen     map[string]struct{}
	capacity int
}

// NewInMemoryStore creates an in-memory turn log.
func NewInMemoryStore(opts ...Option) *InMemoryStore {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultMemoryCapacity
	}
	return &InMemoryStore{seen: make(map[string]struct{}), capacity: cfg.Capacity}
}

func (s *InMemoryStore) RecordTurn(ctx context.Context, turn models.TurnRecord) error {
	if turn.ID == "" {
		return fmt.Errorf("turn id is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.seen[turn.ID]; dup {
		return nil
	}
	s.turns = append(s.turns, turn)
	s.seen[turn.ID] = struct{}{}
	if over := len(s.turns) - s.capacity; over > 0 {
		for _, old := range s.turns[:over] {
			delete(s.seen, old.ID)
		}
		s.turns = append([]models.TurnRecord(nil), s.turns[over:]...)
	}
	return nil
}

func (s *InMemoryStore) RecentTurns(ctx context.Context, limit int) ([]models.TurnRecord, error) {
	limit = clampLimit(limit)
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.TurnRecord, 0, min(limit, len(s.turns)))
	for i := len(s.turns) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.turns[i])
	}
	return out, nil
}

func (s *InMemoryStore) Close() error {
	return nil
}

package control

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/vietddude/chainsync/internal/infra/storage"
	"github.com/vietddude/chainsync/internal/infra/storage/memory"
	"github.com/vietddude/chainsync/internal/infra/storage/postgres"
)

// Storage bundles the repositories the pipeline writes to.
type Storage struct {
	Blocks     storage.BlockRepository
	Watermarks storage.WatermarkRepository

	db *postgres.DB
}

// OpenStorage connects to PostgreSQL and applies migrations, or falls back
// to process memory when no database URL is configured.
func OpenStorage(ctx context.Context, cfg postgres.Config) (*Storage, error) {
	if cfg.URL == "" {
		slog.Info("Using Memory storage")
		return NewMemoryStorage(memory.NewMemoryStorage()), nil
	}

	db, err := postgres.NewDB(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to init db: %w", err)
	}
	if err := db.Migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate db: %w", err)
	}

	slog.Info("Using PostgreSQL storage", "driver", cfg.Driver)
	return &Storage{
		Blocks:     postgres.NewBlockRepo(db),
		Watermarks: postgres.NewWatermarkRepo(db),
		db:         db,
	}, nil
}

// NewMemoryStorage wraps an in-memory store.
func NewMemoryStorage(store *memory.MemoryStorage) *Storage {
	return &Storage{
		Blocks:     memory.NewBlockRepo(store),
		Watermarks: memory.NewWatermarkRepo(store),
	}
}

// StartMetricsCollector samples database pool usage when backed by PostgreSQL.
func (s *Storage) StartMetricsCollector(ctx context.Context) {
	if s.db != nil {
		s.db.StartMetricsCollector(ctx)
	}
}

// Close releases the database connection, if any.
func (s *Storage) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

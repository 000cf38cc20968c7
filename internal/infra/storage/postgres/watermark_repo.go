package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vietddude/chainsync/internal/core/domain"
)

// WatermarkRepo implements storage.WatermarkRepository using PostgreSQL.
type WatermarkRepo struct {
	db *DB
}

// NewWatermarkRepo creates a new PostgreSQL watermark repository.
func NewWatermarkRepo(db *DB) *WatermarkRepo {
	return &WatermarkRepo{db: db}
}

// Get returns the stored watermark for a chain.
func (r *WatermarkRepo) Get(ctx context.Context, chainID uint64) (uint64, bool, error) {
	var height int64
	err := r.db.GetContext(ctx, &height,
		`SELECT last_synced_block FROM watermarks WHERE chain_id = $1`, int64(chainID))
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("%w: get watermark: %w", domain.ErrPersistence, err)
	}
	return uint64(height), true, nil
}

// Set upserts the watermark for a chain.
func (r *WatermarkRepo) Set(ctx context.Context, chainID uint64, height uint64) error {
	query := `
		INSERT INTO watermarks (chain_id, last_synced_block, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (chain_id) DO UPDATE SET
			last_synced_block = EXCLUDED.last_synced_block,
			updated_at = EXCLUDED.updated_at
	`
	if _, err := r.db.ExecContext(ctx, query, int64(chainID), int64(height)); err != nil {
		return fmt.Errorf("%w: set watermark %d: %w", domain.ErrPersistence, height, err)
	}
	return nil
}

type watermarkRow struct {
	ChainID         int64     `db:"chain_id"`
	LastSyncedBlock int64     `db:"last_synced_block"`
	UpdatedAt       time.Time `db:"updated_at"`
}

// List returns every stored watermark ordered by chain id.
func (r *WatermarkRepo) List(ctx context.Context) ([]domain.Watermark, error) {
	var rows []watermarkRow
	err := r.db.SelectContext(ctx, &rows,
		`SELECT chain_id, last_synced_block, updated_at FROM watermarks ORDER BY chain_id`)
	if err != nil {
		return nil, fmt.Errorf("%w: list watermarks: %w", domain.ErrPersistence, err)
	}

	out := make([]domain.Watermark, len(rows))
	for i, row := range rows {
		out[i] = domain.Watermark{
			ChainID:         uint64(row.ChainID),
			LastSyncedBlock: uint64(row.LastSyncedBlock),
			UpdatedAt:       row.UpdatedAt,
		}
	}
	return out, nil
}

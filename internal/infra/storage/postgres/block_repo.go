package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/vietddude/chainsync/internal/core/domain"
	"github.com/vietddude/chainsync/internal/infra/storage"
)

// upsertChunk bounds the number of rows sent per statement.
const upsertChunk = 500

// BlockRepo implements storage.BlockRepository using PostgreSQL.
type BlockRepo struct {
	db *DB
}

// NewBlockRepo creates a new PostgreSQL block repository.
func NewBlockRepo(db *DB) *BlockRepo {
	return &BlockRepo{db: db}
}

const upsertBlocksQuery = `
	INSERT INTO blocks (chain_id, block_number, block_hash, parent_hash, block_timestamp, tx_count, payload, updated_at)
	SELECT $1, u.number, u.hash, u.parent_hash, u.ts, u.tx_count, u.payload::jsonb, now()
	FROM unnest($2::bigint[], $3::text[], $4::text[], $5::bigint[], $6::int[], $7::text[])
		AS u(number, hash, parent_hash, ts, tx_count, payload)
	ON CONFLICT (chain_id, block_number) DO UPDATE SET
		block_hash = EXCLUDED.block_hash,
		parent_hash = EXCLUDED.parent_hash,
		block_timestamp = EXCLUDED.block_timestamp,
		tx_count = EXCLUDED.tx_count,
		payload = EXCLUDED.payload,
		updated_at = EXCLUDED.updated_at
`

// UpsertBlocks writes the blocks in one transaction.
func (r *BlockRepo) UpsertBlocks(ctx context.Context, chainID uint64, blocks []*domain.Block) error {
	if len(blocks) == 0 {
		return nil
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %w", domain.ErrPersistence, err)
	}
	defer func() { _ = tx.Rollback() }()

	for start := 0; start < len(blocks); start += upsertChunk {
		end := min(start+upsertChunk, len(blocks))
		chunk := blocks[start:end]

		numbers := make([]int64, len(chunk))
		hashes := make([]string, len(chunk))
		parents := make([]string, len(chunk))
		timestamps := make([]int64, len(chunk))
		txCounts := make([]int64, len(chunk))
		payloads := make([]string, len(chunk))
		for i, b := range chunk {
			numbers[i] = int64(b.Number)
			hashes[i] = b.Hash
			parents[i] = b.ParentHash
			timestamps[i] = int64(b.Timestamp)
			txCounts[i] = int64(b.TxCount)
			payloads[i] = "null"
			if len(b.Payload) > 0 {
				payloads[i] = string(b.Payload)
			}
		}

		_, err := tx.ExecContext(ctx, upsertBlocksQuery,
			int64(chainID),
			pq.Array(numbers),
			pq.Array(hashes),
			pq.Array(parents),
			pq.Array(timestamps),
			pq.Array(txCounts),
			pq.Array(payloads),
		)
		if err != nil {
			return fmt.Errorf("%w: upsert blocks %d-%d: %w",
				domain.ErrPersistence, chunk[0].Number, chunk[len(chunk)-1].Number, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %w", domain.ErrPersistence, err)
	}
	return nil
}

type blockRow struct {
	ChainID    int64          `db:"chain_id"`
	Number     int64          `db:"block_number"`
	Hash       string         `db:"block_hash"`
	ParentHash string         `db:"parent_hash"`
	Timestamp  int64          `db:"block_timestamp"`
	TxCount    int            `db:"tx_count"`
	Payload    sql.NullString `db:"payload"`
}

func (b *blockRow) toDomain() *domain.Block {
	block := &domain.Block{
		ChainID:    uint64(b.ChainID),
		Number:     uint64(b.Number),
		Hash:       b.Hash,
		ParentHash: b.ParentHash,
		Timestamp:  uint64(b.Timestamp),
		TxCount:    b.TxCount,
	}
	if b.Payload.Valid && b.Payload.String != "null" {
		block.Payload = []byte(b.Payload.String)
	}
	return block
}

const selectBlock = `
	SELECT chain_id, block_number, block_hash, parent_hash, block_timestamp, tx_count, payload::text AS payload
	FROM blocks
`

// GetByNumber retrieves a block by number.
func (r *BlockRepo) GetByNumber(ctx context.Context, chainID uint64, number uint64) (*domain.Block, error) {
	var row blockRow
	err := r.db.GetContext(ctx, &row, selectBlock+`WHERE chain_id = $1 AND block_number = $2`,
		int64(chainID), int64(number))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get block %d: %w", domain.ErrPersistence, number, err)
	}
	return row.toDomain(), nil
}

// GetLatest retrieves the highest stored block.
func (r *BlockRepo) GetLatest(ctx context.Context, chainID uint64) (*domain.Block, error) {
	var row blockRow
	err := r.db.GetContext(ctx, &row,
		selectBlock+`WHERE chain_id = $1 ORDER BY block_number DESC LIMIT 1`, int64(chainID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get latest block: %w", domain.ErrPersistence, err)
	}
	return row.toDomain(), nil
}

// FindGaps finds missing heights in [fromBlock, toBlock], including the edges.
func (r *BlockRepo) FindGaps(
	ctx context.Context,
	chainID uint64,
	fromBlock, toBlock uint64,
) ([]storage.Gap, error) {
	query := `
		WITH present AS (
			SELECT $2::bigint - 1 AS block_number
			UNION ALL
			SELECT block_number FROM blocks
			WHERE chain_id = $1 AND block_number BETWEEN $2 AND $3
			UNION ALL
			SELECT $3::bigint + 1
		), numbered AS (
			SELECT block_number, LEAD(block_number) OVER (ORDER BY block_number) AS next_block
			FROM present
		)
		SELECT block_number + 1 AS from_block, next_block - 1 AS to_block
		FROM numbered WHERE next_block - block_number > 1
		ORDER BY block_number
	`

	rows, err := r.db.QueryxContext(ctx, query, int64(chainID), int64(fromBlock), int64(toBlock))
	if err != nil {
		return nil, fmt.Errorf("%w: find gaps: %w", domain.ErrPersistence, err)
	}
	defer rows.Close()

	var gaps []storage.Gap
	for rows.Next() {
		var gap struct {
			FromBlock int64 `db:"from_block"`
			ToBlock   int64 `db:"to_block"`
		}
		if err := rows.StructScan(&gap); err != nil {
			return nil, fmt.Errorf("%w: scan gap: %w", domain.ErrPersistence, err)
		}
		gaps = append(gaps, storage.Gap{FromBlock: uint64(gap.FromBlock), ToBlock: uint64(gap.ToBlock)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: find gaps: %w", domain.ErrPersistence, err)
	}
	return gaps, nil
}

// FindBrokenLinks returns stored heights whose parent hash differs from the
// stored hash one height below.
func (r *BlockRepo) FindBrokenLinks(ctx context.Context, chainID uint64, fromBlock, toBlock uint64) ([]uint64, error) {
	query := `
		SELECT block_number FROM (
			SELECT block_number, parent_hash,
				LAG(block_number) OVER (ORDER BY block_number) AS prev_number,
				LAG(block_hash) OVER (ORDER BY block_number) AS prev_hash
			FROM blocks
			WHERE chain_id = $1 AND block_number BETWEEN $2 AND $3
		) w
		WHERE prev_number = block_number - 1 AND parent_hash <> prev_hash
		ORDER BY block_number
	`
	lo := fromBlock
	if lo > 0 {
		lo--
	}
	var heights []int64
	if err := r.db.SelectContext(ctx, &heights, query, int64(chainID), int64(lo), int64(toBlock)); err != nil {
		return nil, fmt.Errorf("%w: find broken links: %w", domain.ErrPersistence, err)
	}
	out := make([]uint64, len(heights))
	for i, h := range heights {
		out[i] = uint64(h)
	}
	return out, nil
}

// Count returns the number of stored heights in [fromBlock, toBlock].
func (r *BlockRepo) Count(ctx context.Context, chainID uint64, fromBlock, toBlock uint64) (int, error) {
	var n int
	err := r.db.GetContext(ctx, &n,
		`SELECT count(*) FROM blocks WHERE chain_id = $1 AND block_number BETWEEN $2 AND $3`,
		int64(chainID), int64(fromBlock), int64(toBlock))
	if err != nil {
		return 0, fmt.Errorf("%w: count blocks: %w", domain.ErrPersistence, err)
	}
	return n, nil
}

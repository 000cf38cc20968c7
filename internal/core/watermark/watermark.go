// Package watermark serializes progress tracking for each chain.
//
// # Purpose
//
// The watermark is the highest height known to be durably ingested with no
// gaps below it. Backfill workers and the live subscriber persist blocks in
// parallel and out of order; the Manager is the single point through which
// the persisted watermark moves.
//
// # Rules
//
// Contiguous advance - Commit(from, to) moves the watermark to `to` only when
// `from` is the next expected height. Spans that arrive early are parked and
// applied as soon as the hole below them closes:
//
//	m.Commit(ctx, 103, 104) // parked, watermark still 100
//	m.Commit(ctx, 101, 102) // watermark 104
//
// Idempotence - committing a span already below the watermark is a no-op, so
// replays never move the watermark backwards.
//
// Rewind - Rewind(to) is the only way to lower the watermark and is reserved
// for reorg reconciliation, which re-commits the replayed span right after.
//
// # Package Structure
//
//   - manager.go - Manager with Commit, Rewind, Wait
//   - metrics.go - ingestion rate and rewind history
package watermark

import (
	"log/slog"

	"github.com/vietddude/chainsync/internal/core/domain"
	"github.com/vietddude/chainsync/internal/infra/storage"
)

// NewManager creates a manager for one chain.
func NewManager(chain domain.Chain, repo storage.WatermarkRepository) *Manager {
	return &Manager{
		chain:     chain,
		repo:      repo,
		pending:   make(map[uint64]uint64),
		changed:   make(chan struct{}),
		collector: NewMetricsCollector(100),
		log:       slog.Default().With("component", "watermark", "chain", chain.Label()),
	}
}

// NewMetricsCollector creates a collector keeping windowSize advances.
func NewMetricsCollector(windowSize int) *MetricsCollector {
	if windowSize <= 0 {
		windowSize = 100
	}
	return &MetricsCollector{
		windowSize: windowSize,
		advances:   make([]advanceRecord, 0, windowSize),
		rewinds:    make([]Rewind, 0, 10),
	}
}

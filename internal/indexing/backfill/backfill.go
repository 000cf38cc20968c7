// Package backfill ingests a historical block range with a bounded pool of
// parallel fetch workers.
//
// # Design
//
// The range is split into batches of at most BatchSize heights. A channel
// with capacity Workers feeds Workers goroutines running under an errgroup.
// For each batch a worker:
//
//  1. fetches the whole span with one batched RPC call, retried with backoff
//  2. upserts it in one transaction
//  3. commits the span to the watermark manager
//
// Batches finish out of order; the watermark only moves across contiguous
// spans. Any error left after retries is fatal: the errgroup cancels the
// remaining workers and Run returns it with chain, span and operation.
//
// Gap detection for stored data uses the database only (0 RPC calls), see
// Detector.
//
// # Usage
//
//	pool := backfill.New(cfg, chain, client, blockRepo, wm)
//	if err := pool.Run(ctx, wm.Next(), head); err != nil {
//	    return err
//	}
package backfill

import (
	"context"
	"log/slog"

	"github.com/vietddude/chainsync/internal/core/domain"
	"github.com/vietddude/chainsync/internal/infra/rpc"
	"github.com/vietddude/chainsync/internal/infra/storage"
)

// Config holds pool settings.
type Config struct {
	BatchSize uint64
	Workers   int
	Retry     rpc.RetryConfig
}

// DefaultConfig returns default pool settings.
func DefaultConfig() Config {
	return Config{
		BatchSize: 100,
		Workers:   4,
		Retry:     rpc.DefaultRetryConfig,
	}
}

// Fetcher is the subset of rpc.Client the pool needs.
type Fetcher interface {
	FetchRange(ctx context.Context, start, end uint64) ([]*domain.Block, error)
}

// Watermark is the subset of watermark.Manager the pool needs.
type Watermark interface {
	Commit(ctx context.Context, from, to uint64) error
	Wait(ctx context.Context, height uint64) error
}

// Span is an inclusive height range.
type Span struct {
	From uint64
	To   uint64
}

// Size returns the number of heights in the span.
func (s Span) Size() uint64 {
	return s.To - s.From + 1
}

// Partition splits [start, end] into spans of at most size heights.
func Partition(start, end, size uint64) []Span {
	if end < start {
		return nil
	}
	if size == 0 {
		size = 1
	}
	spans := make([]Span, 0, (end-start)/size+1)
	for from := start; from <= end; from += size {
		to := min(from+size-1, end)
		spans = append(spans, Span{From: from, To: to})
		if to == end {
			break
		}
	}
	return spans
}

// New creates a pool for one chain.
func New(cfg Config, chain domain.Chain, client Fetcher, blocks storage.BlockRepository, wm Watermark) *Pool {
	def := DefaultConfig()
	if cfg.BatchSize == 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	return &Pool{
		cfg:    cfg,
		chain:  chain,
		client: client,
		blocks: blocks,
		wm:     wm,
		log:    slog.Default().With("component", "backfill", "chain", chain.Label()),
	}
}

// NewDetector creates a new gap detector.
func NewDetector(blocks storage.BlockRepository) *Detector {
	return &Detector{blocks: blocks}
}

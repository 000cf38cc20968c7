package backfill

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vietddude/chainsync/internal/core/domain"
	"github.com/vietddude/chainsync/internal/indexing/metrics"
	"github.com/vietddude/chainsync/internal/infra/rpc"
	"github.com/vietddude/chainsync/internal/infra/storage"
)

// Pool fetches and persists block ranges in parallel.
type Pool struct {
	cfg    Config
	chain  domain.Chain
	client Fetcher
	blocks storage.BlockRepository
	wm     Watermark
	log    *slog.Logger
}

// Run ingests [start, end] and returns once every batch is persisted and the
// watermark is at or above end. start must be the watermark's next height.
func (p *Pool) Run(ctx context.Context, start, end uint64) error {
	if end < start {
		p.log.Info("Nothing to backfill", "start", start, "end", end)
		return nil
	}

	began := time.Now()
	total := end - start + 1
	p.log.Info("Backfill started",
		"start", start, "end", end, "blocks", total,
		"batch_size", p.cfg.BatchSize, "workers", p.cfg.Workers)

	if err := p.process(ctx, Partition(start, end, p.cfg.BatchSize)); err != nil {
		return err
	}
	if err := p.wm.Wait(ctx, end); err != nil {
		return fmt.Errorf("wait for watermark %d: %w", end, err)
	}

	elapsed := time.Since(began)
	p.log.Info("Backfill complete",
		"start", start, "end", end, "elapsed", elapsed.Round(time.Millisecond),
		"blocks_per_sec", float64(total)/max(elapsed.Seconds(), 1e-9))
	return nil
}

// RunGaps re-ingests previously missing spans, e.g. found by Detector.
func (p *Pool) RunGaps(ctx context.Context, gaps []storage.Gap) error {
	var spans []Span
	for _, g := range gaps {
		spans = append(spans, Partition(g.FromBlock, g.ToBlock, p.cfg.BatchSize)...)
	}
	if len(spans) == 0 {
		return nil
	}
	p.log.Info("Repairing gaps", "gaps", len(gaps), "batches", len(spans))
	return p.process(ctx, spans)
}

func (p *Pool) process(ctx context.Context, spans []Span) error {
	label := p.chain.Label()
	var remaining uint64
	for _, s := range spans {
		remaining += s.Size()
	}
	metrics.BackfillRemaining.WithLabelValues(label).Set(float64(remaining))

	g, gctx := errgroup.WithContext(ctx)
	batches := make(chan Span, p.cfg.Workers)

	g.Go(func() error {
		defer close(batches)
		for _, s := range spans {
			select {
			case batches <- s:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	for range p.cfg.Workers {
		g.Go(func() error {
			for s := range batches {
				if err := p.processBatch(gctx, s); err != nil {
					metrics.BackfillBatches.WithLabelValues(label, "failed").Inc()
					return err
				}
				metrics.BackfillBatches.WithLabelValues(label, "ok").Inc()
				metrics.BackfillRemaining.WithLabelValues(label).Sub(float64(s.Size()))
			}
			return nil
		})
	}

	return g.Wait()
}

func (p *Pool) processBatch(ctx context.Context, s Span) error {
	label := p.chain.Label()
	op := fmt.Sprintf("fetch_range %d-%d", s.From, s.To)

	retryCfg := p.cfg.Retry
	retryCfg.OnRetry = func(attempt int, err error) {
		metrics.RPCRetries.WithLabelValues(label, "fetch_range").Inc()
		p.log.Warn("Batch fetch failed, retrying", "from", s.From, "to", s.To, "attempt", attempt, "err", err)
	}

	var blocks []*domain.Block
	err := rpc.Retry(ctx, retryCfg, op, func(ctx context.Context) error {
		var err error
		blocks, err = p.client.FetchRange(ctx, s.From, s.To)
		return err
	})
	if err != nil {
		return fmt.Errorf("backfill %s span %d-%d: %w", label, s.From, s.To, err)
	}

	if err := p.blocks.UpsertBlocks(ctx, p.chain.ID, blocks); err != nil {
		return fmt.Errorf("backfill %s span %d-%d: upsert: %w", label, s.From, s.To, err)
	}
	metrics.BlocksPersisted.WithLabelValues(label, "backfill").Add(float64(len(blocks)))

	if err := p.wm.Commit(ctx, s.From, s.To); err != nil {
		return fmt.Errorf("backfill %s span %d-%d: commit: %w", label, s.From, s.To, err)
	}
	p.log.Debug("Batch persisted", "from", s.From, "to", s.To)
	return nil
}

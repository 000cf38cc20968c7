package backfill

import (
	"context"
	"fmt"

	"github.com/vietddude/chainsync/internal/infra/storage"
)

// Detector finds gaps and broken parent links in stored blocks without
// making RPC calls.
type Detector struct {
	blocks storage.BlockRepository
}

// Report summarizes stored coverage of a range.
type Report struct {
	ChainID uint64
	From    uint64
	To      uint64
	Stored  int
	Gaps    []storage.Gap

	// BrokenLinks lists heights whose parent hash does not match the stored
	// block one height below.
	BrokenLinks []uint64
}

// Consistent reports whether the range has no gaps and no broken links.
func (r Report) Consistent() bool {
	return len(r.Gaps) == 0 && len(r.BrokenLinks) == 0
}

// RefetchSpans returns the spans to re-ingest: every gap, plus both sides
// of every broken link.
func (r Report) RefetchSpans() []storage.Gap {
	spans := append([]storage.Gap(nil), r.Gaps...)
	for _, h := range r.BrokenLinks {
		spans = append(spans, storage.Gap{FromBlock: h - 1, ToBlock: h})
	}
	return spans
}

// Missing returns the number of heights not stored.
func (r Report) Missing() uint64 {
	var n uint64
	for _, g := range r.Gaps {
		n += g.Size()
	}
	return n
}

// ScanDatabase finds gaps and broken links in stored blocks.
func (d *Detector) ScanDatabase(ctx context.Context, chainID, fromBlock, toBlock uint64) (Report, error) {
	if toBlock < fromBlock {
		return Report{}, fmt.Errorf("invalid range %d-%d", fromBlock, toBlock)
	}
	gaps, err := d.blocks.FindGaps(ctx, chainID, fromBlock, toBlock)
	if err != nil {
		return Report{}, fmt.Errorf("find gaps: %w", err)
	}
	broken, err := d.blocks.FindBrokenLinks(ctx, chainID, fromBlock, toBlock)
	if err != nil {
		return Report{}, fmt.Errorf("find broken links: %w", err)
	}
	stored, err := d.blocks.Count(ctx, chainID, fromBlock, toBlock)
	if err != nil {
		return Report{}, fmt.Errorf("count blocks: %w", err)
	}
	return Report{
		ChainID: chainID,
		From:    fromBlock,
		To:      toBlock,
		Stored:  stored,
		Gaps:    gaps,

		BrokenLinks: broken,
	}, nil
}

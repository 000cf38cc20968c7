// Package health provides system health monitoring and status reporting.
package health

import (
	"context"

	"github.com/vietddude/chainsync/internal/core/domain"
	"github.com/vietddude/chainsync/internal/infra/rpc"
)

// SystemStatus represents the overall health state of the system or a component.
type SystemStatus string

const (
	StatusHealthy  SystemStatus = "healthy"
	StatusDegraded SystemStatus = "degraded"
	StatusCritical SystemStatus = "critical"
)

// Lag thresholds in blocks.
const (
	CriticalLag = 100
	DegradedLag = 10
)

// ChainProbe exposes one chain's ingestion progress.
type ChainProbe interface {
	Chain() domain.Chain
	Head(ctx context.Context) (uint64, error)
	Lag(head uint64) uint64
	Watermark() (uint64, bool)
	BackfillDone() bool
	SubscriberState() string
	RPCStats() rpc.MonitorStats
	// Stopped returns the error that stopped the chain, or nil while it runs.
	Stopped() error
}

// ChainHealth contains health metrics for a specific blockchain chain.
type ChainHealth struct {
	Chain           string           `json:"chain"`
	ChainID         uint64           `json:"chain_id"`
	Status          SystemStatus     `json:"status"`
	Head            uint64           `json:"head"`
	Watermark       *uint64          `json:"watermark"`
	BlockLag        uint64           `json:"block_lag"`
	BackfillDone    bool             `json:"backfill_done"`
	SubscriberState string           `json:"subscriber_state"`
	RPC             rpc.MonitorStats `json:"rpc"`
	Error           string           `json:"error,omitempty"`
}

// HealthReport contains the full system health report.
type HealthReport struct {
	SystemStatus SystemStatus           `json:"system_status"`
	Chains       map[string]ChainHealth `json:"chains"`
}

// Aggregate returns the worst status in the report.
func Aggregate(chains map[string]ChainHealth) SystemStatus {
	status := StatusHealthy
	for _, c := range chains {
		if c.Status == StatusCritical {
			return StatusCritical
		}
		if c.Status == StatusDegraded {
			status = StatusDegraded
		}
	}
	return status
}

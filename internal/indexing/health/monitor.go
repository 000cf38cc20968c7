package health

import (
	"context"
	"sync"
	"time"

	"github.com/vietddude/chainsync/internal/infra/rpc"
)

// Monitor aggregates health status from every chain's pipeline.
type Monitor struct {
	probes   []ChainProbe
	cacheTTL time.Duration

	mu         sync.Mutex
	lastCheck  time.Time
	lastReport map[string]ChainHealth
}

// NewMonitor creates a new health monitor. Reports are cached for cacheTTL
// to avoid spamming the providers.
func NewMonitor(probes []ChainProbe, cacheTTL time.Duration) *Monitor {
	return &Monitor{
		probes:     probes,
		cacheTTL:   cacheTTL,
		lastReport: make(map[string]ChainHealth),
	}
}

// CheckHealth performs a health check for all chains.
func (m *Monitor) CheckHealth(ctx context.Context) map[string]ChainHealth {
	m.mu.Lock()
	defer m.mu.Unlock()

	if time.Since(m.lastCheck) < m.cacheTTL && len(m.lastReport) > 0 {
		return m.lastReport
	}

	report := make(map[string]ChainHealth, len(m.probes))
	for _, p := range m.probes {
		chain := p.Chain()
		h := ChainHealth{
			Chain:           string(chain.Name),
			ChainID:         chain.ID,
			Status:          StatusHealthy,
			BackfillDone:    p.BackfillDone(),
			SubscriberState: p.SubscriberState(),
			RPC:             p.RPCStats(),
		}
		if w, ok := p.Watermark(); ok {
			h.Watermark = &w
		}

		head, err := p.Head(ctx)
		if err != nil {
			h.Status = StatusDegraded
			h.Error = err.Error()
		} else {
			h.Head = head
			h.BlockLag = p.Lag(head)
		}

		stopErr := p.Stopped()
		if stopErr != nil {
			h.Error = stopErr.Error()
		}

		switch {
		case stopErr != nil || h.SubscriberState == "failed" || h.BlockLag > CriticalLag:
			h.Status = StatusCritical
		case h.BlockLag > DegradedLag || h.RPC.Status != rpc.StatusHealthy:
			h.Status = StatusDegraded
		}

		report[h.Chain] = h
	}

	m.lastCheck = time.Now()
	m.lastReport = report
	return report
}

package watermark

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vietddude/chainsync/internal/core/domain"
	"github.com/vietddude/chainsync/internal/indexing/metrics"
	"github.com/vietddude/chainsync/internal/infra/storage"
)

var (
	// ErrNotLoaded is returned when the manager is used before Load.
	ErrNotLoaded = errors.New("watermark not loaded")

	// ErrInvalidSpan is returned for a span whose end precedes its start.
	ErrInvalidSpan = errors.New("invalid span")
)

// Manager owns the watermark of a single chain.
type Manager struct {
	chain domain.Chain
	repo  storage.WatermarkRepository

	mu      sync.Mutex
	loaded  bool
	synced  bool   // false until some height is covered
	last    uint64 // valid when synced
	pending map[uint64]uint64
	changed chan struct{}

	collector *MetricsCollector
	log       *slog.Logger
}

// Load reads the persisted watermark. When none is stored the chain is
// treated as synced up to initialBlock-1 so ingestion starts at initialBlock.
func (m *Manager) Load(ctx context.Context, initialBlock uint64) (uint64, bool, error) {
	height, ok, err := m.repo.Get(ctx, m.chain.ID)
	if err != nil {
		return 0, false, fmt.Errorf("load watermark: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case ok:
		m.last, m.synced = height, true
	case initialBlock > 0:
		m.last, m.synced = initialBlock-1, true
	default:
		m.last, m.synced = 0, false
	}
	m.loaded = true
	m.pending = make(map[uint64]uint64)

	if m.synced {
		metrics.Watermark.WithLabelValues(m.chain.Label()).Set(float64(m.last))
	}
	m.log.Info("Watermark loaded", "last_synced", m.last, "stored", ok, "synced", m.synced)
	return m.last, m.synced, nil
}

// Last returns the current watermark. ok is false when nothing is synced.
func (m *Manager) Last() (height uint64, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last, m.synced
}

// Next returns the first height not yet covered by the watermark.
func (m *Manager) Next() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nextLocked()
}

func (m *Manager) nextLocked() uint64 {
	if !m.synced {
		return 0
	}
	return m.last + 1
}

// Commit records that [from, to] is durably persisted and advances the
// watermark across every contiguous span.
func (m *Manager) Commit(ctx context.Context, from, to uint64) error {
	if to < from {
		return fmt.Errorf("%w: %d-%d", ErrInvalidSpan, from, to)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.loaded {
		return ErrNotLoaded
	}

	next := m.nextLocked()
	if m.synced && to < next {
		return nil
	}
	if from > next {
		if cur, ok := m.pending[from]; !ok || to > cur {
			m.pending[from] = to
		}
		m.log.Debug("Span parked", "from", from, "to", to, "next", next)
		return nil
	}

	newLast := to
	for {
		merged := false
		for f, t := range m.pending {
			if f <= newLast+1 {
				newLast = max(newLast, t)
				delete(m.pending, f)
				merged = true
			}
		}
		if !merged {
			break
		}
	}

	if err := m.repo.Set(ctx, m.chain.ID, newLast); err != nil {
		return fmt.Errorf("advance watermark to %d: %w", newLast, err)
	}

	m.last, m.synced = newLast, true
	m.collector.RecordAdvance(newLast, time.Now())
	metrics.Watermark.WithLabelValues(m.chain.Label()).Set(float64(newLast))
	m.notifyLocked()
	return nil
}

// Rewind lowers the watermark to height. It is a no-op when the watermark
// is already at or below height.
func (m *Manager) Rewind(ctx context.Context, height uint64, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.loaded {
		return ErrNotLoaded
	}
	if !m.synced || m.last <= height {
		return nil
	}

	if err := m.repo.Set(ctx, m.chain.ID, height); err != nil {
		return fmt.Errorf("rewind watermark to %d: %w", height, err)
	}

	from := m.last
	m.last = height
	m.collector.RecordRewind(NewRewind(from, height, reason))
	metrics.WatermarkRewinds.WithLabelValues(m.chain.Label()).Inc()
	metrics.Watermark.WithLabelValues(m.chain.Label()).Set(float64(height))
	m.log.Warn("Watermark rewound", "from", from, "to", height, "reason", reason)
	m.notifyLocked()
	return nil
}

// Wait blocks until the watermark reaches height or ctx is done.
func (m *Manager) Wait(ctx context.Context, height uint64) error {
	for {
		m.mu.Lock()
		if m.synced && m.last >= height {
			m.mu.Unlock()
			return nil
		}
		ch := m.changed
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

// Pending returns the number of parked spans.
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Lag returns how many blocks the watermark trails head.
func (m *Manager) Lag(head uint64) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := m.nextLocked()
	if head < next {
		return 0
	}
	return head - next + 1
}

// Metrics returns ingestion metrics.
func (m *Manager) Metrics() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.collector.GetMetrics()
}

func (m *Manager) notifyLocked() {
	close(m.changed)
	m.changed = make(chan struct{})
}

package watermark

import (
	"time"
)

// advanceRecord holds the watermark height reached at a point in time.
type advanceRecord struct {
	Height uint64
	At     time.Time
}

// Rewind records an explicit watermark rewind.
type Rewind struct {
	From   uint64
	To     uint64
	Reason string
	At     time.Time
}

// NewRewind creates a rewind record stamped now.
func NewRewind(from, to uint64, reason string) Rewind {
	return Rewind{From: from, To: to, Reason: reason, At: time.Now()}
}

// Metrics holds watermark throughput data.
type Metrics struct {
	BlocksPerSecond float64
	LastAdvanceAt   *time.Time
	LastRewindAt    *time.Time
	Rewinds         []Rewind
}

// MetricsCollector tracks watermark movement over time.
// It is not safe for concurrent use; the Manager guards it.
type MetricsCollector struct {
	windowSize int
	advances   []advanceRecord // ring buffer
	rewinds    []Rewind        // last 10
}

// RecordAdvance records the watermark reaching height.
func (mc *MetricsCollector) RecordAdvance(height uint64, at time.Time) {
	record := advanceRecord{Height: height, At: at}

	if len(mc.advances) >= mc.windowSize {
		copy(mc.advances, mc.advances[1:])
		mc.advances[len(mc.advances)-1] = record
	} else {
		mc.advances = append(mc.advances, record)
	}
}

// RecordRewind records a rewind. Advances recorded before it no longer
// describe a monotonic series, so the window restarts.
func (mc *MetricsCollector) RecordRewind(r Rewind) {
	if len(mc.rewinds) >= 10 {
		copy(mc.rewinds, mc.rewinds[1:])
		mc.rewinds[len(mc.rewinds)-1] = r
	} else {
		mc.rewinds = append(mc.rewinds, r)
	}
	mc.advances = mc.advances[:0]
}

// GetMetrics returns current metrics.
func (mc *MetricsCollector) GetMetrics() Metrics {
	m := Metrics{
		Rewinds: make([]Rewind, len(mc.rewinds)),
	}
	copy(m.Rewinds, mc.rewinds)

	if n := len(mc.rewinds); n > 0 {
		at := mc.rewinds[n-1].At
		m.LastRewindAt = &at
	}

	if n := len(mc.advances); n > 0 {
		at := mc.advances[n-1].At
		m.LastAdvanceAt = &at
	}

	if len(mc.advances) >= 2 {
		first := mc.advances[0]
		last := mc.advances[len(mc.advances)-1]
		duration := last.At.Sub(first.At)
		if duration > 0 && last.Height > first.Height {
			m.BlocksPerSecond = float64(last.Height-first.Height) / duration.Seconds()
		}
	}

	return m
}

// Reset clears all collected metrics.
func (mc *MetricsCollector) Reset() {
	mc.advances = mc.advances[:0]
	mc.rewinds = mc.rewinds[:0]
}

package rpc

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/vietddude/chainsync/internal/core/domain"
)

// ProviderStatus represents the health state of a provider.
type ProviderStatus int

const (
	StatusHealthy   ProviderStatus = iota // Provider is working normally
	StatusDegraded                        // Provider is slow or failing often
	StatusThrottled                       // Provider is rate limiting
)

func (s ProviderStatus) String() string {
	switch s {
	case StatusDegraded:
		return "degraded"
	case StatusThrottled:
		return "throttled"
	default:
		return "healthy"
	}
}

// MonitorStats holds monitoring statistics for a provider.
type MonitorStats struct {
	Status         ProviderStatus `json:"status"`
	AverageLatency time.Duration  `json:"average_latency"`
	Requests       int            `json:"requests"`
	Failures       int            `json:"failures"`
	ErrorRate      float64        `json:"error_rate"`
	Throttles      int            `json:"throttles"`
	LastError      string         `json:"last_error,omitempty"`
	LastErrorClass string         `json:"last_error_class,omitempty"`
}

type outcome struct {
	latency time.Duration
	failed  bool
}

// Monitor tracks latency and failures over a sliding window of calls.
type Monitor struct {
	mu sync.RWMutex

	window    []outcome
	maxWindow int

	total          int
	failures       int
	throttles      int
	lastThrottleAt time.Time
	lastErr        error

	throttlePatterns      []string
	slowResponseThreshold time.Duration
	degradedThreshold     float64
	throttleCooldown      time.Duration
}

// NewMonitor creates a new monitor with default settings.
func NewMonitor() *Monitor {
	return &Monitor{
		window:    make([]outcome, 0, 100),
		maxWindow: 100,
		throttlePatterns: []string{
			"429",
			"rate limit",
			"too many requests",
			"daily request count exceeded",
			"quota exceeded",
		},
		slowResponseThreshold: 3 * time.Second,
		degradedThreshold:     0.3, // 30% error rate
		throttleCooldown:      time.Minute,
	}
}

func (m *Monitor) push(o outcome) {
	m.window = append(m.window, o)
	if len(m.window) > m.maxWindow {
		m.window = m.window[1:]
	}
	m.total++
}

// RecordSuccess records a successful call with its latency.
func (m *Monitor) RecordSuccess(latency time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.push(outcome{latency: latency})
}

// RecordFailure records a failed call. Not-found responses are normal at
// the chain tip and are not counted as failures.
func (m *Monitor) RecordFailure(latency time.Duration, err error) {
	if errors.Is(err, domain.ErrRPCNotFound) {
		m.RecordSuccess(latency)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.push(outcome{latency: latency, failed: true})
	m.failures++
	m.lastErr = err
	if m.isThrottle(err) {
		m.throttles++
		m.lastThrottleAt = time.Now()
	}
}

func (m *Monitor) isThrottle(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, pattern := range m.throttlePatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// ErrorRate returns the failure ratio within the window.
func (m *Monitor) ErrorRate() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.errorRateLocked()
}

func (m *Monitor) errorRateLocked() float64 {
	if len(m.window) == 0 {
		return 0
	}
	failed := 0
	for _, o := range m.window {
		if o.failed {
			failed++
		}
	}
	return float64(failed) / float64(len(m.window))
}

func (m *Monitor) averageLatencyLocked() time.Duration {
	if len(m.window) == 0 {
		return 0
	}
	var total time.Duration
	for _, o := range m.window {
		total += o.latency
	}
	return total / time.Duration(len(m.window))
}

// Status returns the current status of the provider.
func (m *Monitor) Status() ProviderStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.statusLocked()
}

func (m *Monitor) statusLocked() ProviderStatus {
	if m.throttles > 0 && time.Since(m.lastThrottleAt) < m.throttleCooldown {
		return StatusThrottled
	}
	if len(m.window) > 10 {
		if m.errorRateLocked() > m.degradedThreshold ||
			m.averageLatencyLocked() > m.slowResponseThreshold {
			return StatusDegraded
		}
	}
	return StatusHealthy
}

// Stats returns current monitoring statistics.
func (m *Monitor) Stats() MonitorStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := MonitorStats{
		Status:         m.statusLocked(),
		AverageLatency: m.averageLatencyLocked(),
		Requests:       m.total,
		Failures:       m.failures,
		ErrorRate:      m.errorRateLocked(),
		Throttles:      m.throttles,
	}
	if m.lastErr != nil {
		stats.LastError = m.lastErr.Error()
		stats.LastErrorClass = ErrorClass(m.lastErr)
	}
	return stats
}

// ErrorClass returns a short label for metrics.
func ErrorClass(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, domain.ErrRPCNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrRPCMalformedResponse):
		return "malformed"
	case errors.Is(err, domain.ErrRPCUnavailable):
		return "unavailable"
	default:
		return "other"
	}
}

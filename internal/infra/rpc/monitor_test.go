package rpc

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/vietddude/chainsync/internal/core/domain"
)

func TestMonitorAccumulates(t *testing.T) {
	m := NewMonitor()

	m.RecordSuccess(100 * time.Millisecond)
	for i := 0; i < 100; i++ {
		m.RecordSuccess(50 * time.Millisecond)
	}

	stats := m.Stats()
	if stats.Requests != 101 {
		t.Errorf("Expected 101 requests, got %d", stats.Requests)
	}
	if stats.Status != StatusHealthy {
		t.Errorf("Expected healthy, got %s", stats.Status)
	}
	if stats.ErrorRate != 0 {
		t.Errorf("Expected zero error rate, got %f", stats.ErrorRate)
	}
}

func TestMonitorDegradesOnErrors(t *testing.T) {
	m := NewMonitor()
	for i := 0; i < 10; i++ {
		m.RecordSuccess(time.Millisecond)
	}
	for i := 0; i < 10; i++ {
		m.RecordFailure(time.Millisecond, fmt.Errorf("dial: %w", domain.ErrRPCUnavailable))
	}

	if got := m.ErrorRate(); got != 0.5 {
		t.Errorf("Expected error rate 0.5, got %f", got)
	}
	if got := m.Status(); got != StatusDegraded {
		t.Errorf("Expected degraded, got %s", got)
	}
	if got := m.Stats().LastErrorClass; got != "unavailable" {
		t.Errorf("Expected unavailable class, got %q", got)
	}
}

func TestMonitorThrottleAndNotFound(t *testing.T) {
	m := NewMonitor()
	m.RecordFailure(time.Millisecond, domain.ErrRPCNotFound)
	if m.Stats().Failures != 0 {
		t.Error("Not-found should not count as failure")
	}

	m.RecordFailure(time.Millisecond, errors.New("429 Too Many Requests"))
	if got := m.Status(); got != StatusThrottled {
		t.Errorf("Expected throttled, got %s", got)
	}
}

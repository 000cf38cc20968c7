package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/chainsync/internal/core/domain"
	"github.com/vietddude/chainsync/internal/infra/rpc"
)

// =============================================================================
// Mocks
// =============================================================================

type stubProbe struct {
	name      domain.ChainName
	head      uint64
	headErr   error
	watermark uint64
	synced    bool
	state     string
	rpc       rpc.MonitorStats
	stopped   error
}

func (s *stubProbe) Chain() domain.Chain {
	return domain.Chain{ID: 1, Name: s.name}
}

func (s *stubProbe) Head(ctx context.Context) (uint64, error) { return s.head, s.headErr }

func (s *stubProbe) Lag(head uint64) uint64 {
	if head <= s.watermark {
		return 0
	}
	return head - s.watermark
}

func (s *stubProbe) Watermark() (uint64, bool)  { return s.watermark, s.synced }
func (s *stubProbe) BackfillDone() bool         { return true }
func (s *stubProbe) SubscriberState() string    { return s.state }
func (s *stubProbe) RPCStats() rpc.MonitorStats { return s.rpc }
func (s *stubProbe) Stopped() error             { return s.stopped }

func probe(lag uint64) *stubProbe {
	return &stubProbe{
		name:      domain.ChainMainnet,
		head:      1000,
		watermark: 1000 - lag,
		synced:    true,
		state:     "streaming",
	}
}

// =============================================================================
// Monitor
// =============================================================================

func TestMonitor_Status(t *testing.T) {
	tests := []struct {
		name  string
		probe *stubProbe
		want  SystemStatus
	}{
		{"healthy", probe(5), StatusHealthy},
		{"degraded lag", probe(50), StatusDegraded},
		{"critical lag", probe(200), StatusCritical},
		{"head unavailable", &stubProbe{name: domain.ChainMainnet, headErr: errors.New("dial tcp"), state: "streaming"}, StatusDegraded},
		{"subscriber failed", &stubProbe{name: domain.ChainMainnet, head: 10, watermark: 10, synced: true, state: "failed"}, StatusCritical},
		{"chain stopped", &stubProbe{name: domain.ChainMainnet, head: 10, watermark: 10, synced: true, state: "streaming", stopped: errors.New("backfill: retries exhausted")}, StatusCritical},
		{"rpc throttled", &stubProbe{name: domain.ChainMainnet, head: 10, watermark: 10, synced: true, state: "streaming", rpc: rpc.MonitorStats{Status: rpc.StatusThrottled}}, StatusDegraded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			report := NewMonitor([]ChainProbe{tt.probe}, 0).CheckHealth(context.Background())
			assert.Equal(t, tt.want, report["mainnet"].Status)
		})
	}
}

func TestMonitor_ReportFields(t *testing.T) {
	report := NewMonitor([]ChainProbe{probe(7)}, 0).CheckHealth(context.Background())
	h := report["mainnet"]
	assert.Equal(t, uint64(1000), h.Head)
	assert.Equal(t, uint64(7), h.BlockLag)
	require.NotNil(t, h.Watermark)
	assert.Equal(t, uint64(993), *h.Watermark)
	assert.Equal(t, "streaming", h.SubscriberState)
}

func TestAggregate(t *testing.T) {
	chains := map[string]ChainHealth{
		"a": {Status: StatusHealthy},
		"b": {Status: StatusDegraded},
	}
	assert.Equal(t, StatusDegraded, Aggregate(chains))
	chains["c"] = ChainHealth{Status: StatusCritical}
	assert.Equal(t, StatusCritical, Aggregate(chains))
	assert.Equal(t, StatusHealthy, Aggregate(nil))
}

// =============================================================================
// Server
// =============================================================================

func TestServer_Endpoints(t *testing.T) {
	healthy := NewServer(NewMonitor([]ChainProbe{probe(1)}, 0), 0)
	critical := NewServer(NewMonitor([]ChainProbe{probe(500)}, 0), 0)

	rec := httptest.NewRecorder()
	healthy.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"healthy"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	critical.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	critical.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/detailed", nil))
	var report HealthReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, StatusCritical, report.SystemStatus)
	assert.Equal(t, uint64(500), report.Chains["mainnet"].BlockLag)

	rec = httptest.NewRecorder()
	healthy.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

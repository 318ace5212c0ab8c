package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tingly-dev/tingly-relay/internal/typ"
)

type fakeProber struct {
	mu    sync.Mutex
	err   error
	calls []string
}

func (f *fakeProber) Probe(_ context.Context, p *typ.Provider) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, p.ID)
	return f.err
}

func (f *fakeProber) called() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func TestReportErrorThreshold(t *testing.T) {
	m := NewMonitor(Config{ConsecutiveErrorThreshold: 3, RecoveryTimeoutSeconds: 300}, nil)

	m.ReportError("p1", "openai", errors.New("boom"))
	m.ReportError("p1", "openai", errors.New("boom"))
	assert.True(t, m.IsHealthy("p1"), "below threshold should stay healthy")

	m.ReportError("p1", "openai", errors.New("boom"))
	assert.False(t, m.IsHealthy("p1"), "third consecutive error should mark unhealthy")

	snap := m.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, StatusUnhealthy, snap[0].Status)
	assert.Equal(t, 3, snap[0].ConsecutiveErrors)
	assert.Equal(t, "boom", snap[0].LastError)
}

func TestReportSuccessRecoversImmediately(t *testing.T) {
	m := NewMonitor(Config{ConsecutiveErrorThreshold: 1, RecoveryTimeoutSeconds: 300}, nil)

	m.ReportError("p1", "openai", errors.New("boom"))
	require.False(t, m.IsHealthy("p1"))

	m.ReportSuccess("p1", "openai")
	assert.True(t, m.IsHealthy("p1"))

	snap := m.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, StatusHealthy, snap[0].Status)
	assert.Zero(t, snap[0].ConsecutiveErrors)
	assert.Empty(t, snap[0].LastError)
}

func TestRateLimitSkipsThreshold(t *testing.T) {
	m := NewMonitor(Config{ConsecutiveErrorThreshold: 5, RecoveryTimeoutSeconds: 300}, nil)

	m.ReportRateLimit("p1", "openai")
	assert.False(t, m.IsHealthy("p1"))

	snap := m.Snapshot()
	require.Len(t, snap, 1)
	assert.True(t, snap[0].RateLimited)
}

func TestAuthErrorSkipsThreshold(t *testing.T) {
	m := NewMonitor(Config{ConsecutiveErrorThreshold: 5, RecoveryTimeoutSeconds: 300}, nil)

	m.ReportAuthError("p1", "openai", 401)
	assert.False(t, m.IsHealthy("p1"))

	snap := m.Snapshot()
	require.Len(t, snap, 1)
	assert.True(t, snap[0].AuthError)
}

func TestRecoveryTimeoutElapses(t *testing.T) {
	m := NewMonitor(Config{ConsecutiveErrorThreshold: 1, RecoveryTimeoutSeconds: 0}, nil)

	m.ReportError("p1", "openai", errors.New("boom"))
	time.Sleep(5 * time.Millisecond)
	assert.True(t, m.IsHealthy("p1"), "zero recovery timeout should auto-recover")

	slow := NewMonitor(Config{ConsecutiveErrorThreshold: 1, RecoveryTimeoutSeconds: 300}, nil)
	slow.ReportError("p1", "openai", errors.New("boom"))
	assert.False(t, slow.IsHealthy("p1"))
}

func TestUnknownProviderIsHealthy(t *testing.T) {
	m := NewMonitor(DefaultConfig(), nil)
	assert.True(t, m.IsHealthy("never-seen"))
	assert.Empty(t, m.Snapshot())
}

func TestSweepProbeRecovers(t *testing.T) {
	prober := &fakeProber{err: errors.New("still down")}
	m := NewMonitor(Config{ConsecutiveErrorThreshold: 1, RecoveryTimeoutSeconds: 0, ProbeEnabled: true}, prober)

	providers := []typ.Provider{{ID: "p1", Name: "openai", IsActive: true}}
	m.ReportRateLimit("p1", "openai")
	time.Sleep(5 * time.Millisecond)

	m.sweep(context.Background(), providers)
	require.Equal(t, []string{"p1"}, prober.called())
	snap := m.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, StatusUnhealthy, snap[0].Status, "failed probe keeps the provider down")
	assert.Equal(t, "still down", snap[0].LastError)

	prober.mu.Lock()
	prober.err = nil
	prober.mu.Unlock()
	time.Sleep(5 * time.Millisecond)

	m.sweep(context.Background(), providers)
	snap = m.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, StatusHealthy, snap[0].Status, "passing probe recovers the provider")
}

func TestSweepSkipsHealthyAndInactive(t *testing.T) {
	prober := &fakeProber{}
	m := NewMonitor(Config{ConsecutiveErrorThreshold: 1, RecoveryTimeoutSeconds: 0, ProbeEnabled: true}, prober)

	m.ReportSuccess("ok", "fine")
	m.ReportRateLimit("off", "disabled")
	time.Sleep(5 * time.Millisecond)

	m.sweep(context.Background(), []typ.Provider{
		{ID: "ok", Name: "fine", IsActive: true},
		{ID: "off", Name: "disabled", IsActive: false},
	})
	assert.Empty(t, prober.called())
}

func TestSnapshotSortedByProviderID(t *testing.T) {
	m := NewMonitor(DefaultConfig(), nil)
	m.ReportSuccess("zeta", "")
	m.ReportSuccess("alpha", "")
	m.ReportSuccess("mid", "")

	snap := m.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, "alpha", snap[0].ProviderID)
	assert.Equal(t, "mid", snap[1].ProviderID)
	assert.Equal(t, "zeta", snap[2].ProviderID)
}

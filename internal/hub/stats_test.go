package hub

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amoylab/wshub/internal/common/config"
	"github.com/amoylab/wshub/pkg/protocol"
)

func TestStats(t *testing.T) {
	clock := newFakeClock()
	svc := newTestService(t, testConfig(), WithClock(clock.Now))

	a, sa := admit(t, svc)
	b, sb := admit(t, svc)
	subscribe(t, svc, a, sa, "navigation", "all")
	subscribe(t, svc, b, sb, "navigation")

	clock.Advance(90 * time.Second)
	stats := svc.Stats()

	assert.Equal(t, 2, stats.TotalConnections)
	assert.Equal(t, 2, stats.SubscriberCount)
	assert.Equal(t, map[string]int{"navigation": 2, "all": 1}, stats.TopicSubscriptions)
	assert.Equal(t, 90*time.Second, stats.Uptime)

	data, err := json.Marshal(stats)
	require.NoError(t, err)
	assert.JSONEq(t, `{"total_connections":2,"subscriber_count":2,"topic_subscriptions":{"navigation":2,"all":1},"uptime_seconds":90}`, string(data))
}

func TestConnectionHealth(t *testing.T) {
	clock := newFakeClock()
	cfg := testConfig()
	cfg.ConnectionTimeout = time.Minute
	svc := newTestService(t, cfg, WithClock(clock.Now))

	old, _ := admit(t, svc)
	clock.Advance(2 * time.Minute)
	young, _ := admit(t, svc)

	h, ok := svc.ConnectionHealth(old)
	require.True(t, ok)
	assert.False(t, h.Healthy)
	assert.Equal(t, 120.0, h.IdleSeconds)

	h, ok = svc.ConnectionHealth(young)
	require.True(t, ok)
	assert.True(t, h.Healthy)

	_, ok = svc.ConnectionHealth(protocol.NewConnectionID())
	assert.False(t, ok)

	all := svc.AllConnectionHealth()
	require.Len(t, all, 2)
	assert.Equal(t, old, all[0].ConnectionID)
	assert.Equal(t, young, all[1].ConnectionID)
}

func TestDiagnostics(t *testing.T) {
	cfg := testConfig()
	cfg.PingInterval = 10 * time.Minute
	cfg.ConnectionTimeout = 5 * time.Minute
	svc := newTestService(t, cfg)
	admit(t, svc)

	d := svc.Diagnostics()
	assert.Equal(t, 1, d.Stats.TotalConnections)
	assert.Len(t, d.Health, 1)
	assert.Equal(t, 1, d.Broadcaster.Receivers)
	assert.Equal(t, 64, d.Broadcaster.Capacity)
	assert.Equal(t, MemoryUsage{RegistrySize: 1, EstimatedKB: 8}, d.Memory)

	var severities []config.Severity
	for _, issue := range d.ConfigIssues {
		severities = append(severities, issue.Severity)
	}
	assert.Contains(t, severities, config.SeverityError)

	_, err := json.Marshal(d)
	assert.NoError(t, err)
}

func TestValidateConfig_WarnAndContinue(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConnections = 0
	svc := newTestService(t, cfg)

	issues := svc.ValidateConfig()
	require.NotEmpty(t, issues)

	_, err := svc.Admit(t.Context(), newFakeStream(), nil)
	assert.ErrorIs(t, err, ErrCapacity)
}

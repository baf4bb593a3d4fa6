package hub

import (
	"encoding/json"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/amoylab/wshub/internal/common/config"
	"github.com/amoylab/wshub/pkg/protocol"
)

// estimatedRecordKB is a rough per connection footprint used by Diagnostics
const estimatedRecordKB = 8

// Stats is an aggregate view of the hub
type Stats struct {
	TotalConnections   int            `json:"total_connections"`
	SubscriberCount    int            `json:"subscriber_count"`
	TopicSubscriptions map[string]int `json:"topic_subscriptions"`
	Uptime             time.Duration  `json:"-"`
}

// MarshalJSON reports the uptime in whole seconds
func (s Stats) MarshalJSON() ([]byte, error) {
	type plain Stats
	return json.Marshal(struct {
		plain
		UptimeSeconds int64 `json:"uptime_seconds"`
	}{plain(s), int64(s.Uptime.Seconds())})
}

// HealthReport describes the liveness of one connection
type HealthReport struct {
	ConnectionID  protocol.ConnectionID `json:"connection_id"`
	ConnectedAt   time.Time             `json:"connected_at"`
	LastPing      *time.Time            `json:"last_ping,omitempty"`
	IdleSeconds   float64               `json:"idle_seconds"`
	Subscriptions []string              `json:"subscriptions"`
	Healthy       bool                  `json:"healthy"`
}

// BroadcasterStats describes the fan-out channel
type BroadcasterStats struct {
	Receivers int    `json:"receiver_count"`
	Capacity  int    `json:"capacity"`
	Buffered  int    `json:"buffered"`
	Published uint64 `json:"published_total"`
	Lagged    uint64 `json:"lagged_total"`
}

// MemoryUsage is a rough estimate of the registry footprint
type MemoryUsage struct {
	RegistrySize int `json:"connection_registry_size"`
	EstimatedKB  int `json:"estimated_memory_kb"`
}

// Diagnostics bundles everything an operator needs to debug the hub
type Diagnostics struct {
	Stats        Stats            `json:"stats"`
	Health       []HealthReport   `json:"connection_health"`
	ConfigIssues []config.Issue   `json:"config_issues"`
	Broadcaster  BroadcasterStats `json:"broadcaster"`
	Memory       MemoryUsage      `json:"memory_usage"`
}

// Stats computes connection and per topic subscriber counts
func (s *Service) Stats() Stats {
	records := s.registry.List()
	topics := make(map[string]int)
	for _, rec := range records {
		for _, t := range rec.Subscriptions {
			topics[t]++
		}
	}
	return Stats{
		TotalConnections:   len(records),
		SubscriberCount:    s.broadcaster.ReceiverCount(),
		TopicSubscriptions: topics,
		Uptime:             s.now().Sub(s.startedAt),
	}
}

// ConnectionHealth reports the health of one connection
func (s *Service) ConnectionHealth(id protocol.ConnectionID) (HealthReport, bool) {
	rec, ok := s.registry.Get(id)
	if !ok {
		return HealthReport{}, false
	}
	return s.healthOf(rec, s.now()), true
}

// AllConnectionHealth reports the health of every connection, oldest first
func (s *Service) AllConnectionHealth() []HealthReport {
	now := s.now()
	records := s.registry.List()
	slices.SortFunc(records, func(a, b ConnectionRecord) int {
		return a.ConnectedAt.Compare(b.ConnectedAt)
	})

	out := make([]HealthReport, 0, len(records))
	for _, rec := range records {
		out = append(out, s.healthOf(rec, now))
	}
	return out
}

func (s *Service) healthOf(rec ConnectionRecord, now time.Time) HealthReport {
	idle := now.Sub(rec.LastActivity())
	return HealthReport{
		ConnectionID:  rec.ID,
		ConnectedAt:   rec.ConnectedAt,
		LastPing:      rec.LastPing,
		IdleSeconds:   idle.Seconds(),
		Subscriptions: rec.Subscriptions,
		Healthy:       idle < s.cfg.ConnectionTimeout,
	}
}

// Diagnostics gathers stats, health, configuration issues and broadcaster
// counters in one report
func (s *Service) Diagnostics() Diagnostics {
	stats := s.Stats()
	return Diagnostics{
		Stats:        stats,
		Health:       s.AllConnectionHealth(),
		ConfigIssues: s.ValidateConfig(),
		Broadcaster:  s.broadcaster.Stats(),
		Memory: MemoryUsage{
			RegistrySize: stats.TotalConnections,
			EstimatedKB:  stats.TotalConnections * estimatedRecordKB,
		},
	}
}

// ValidateConfig reports configuration problems and logs each one. The hub
// keeps running with whatever it was given.
func (s *Service) ValidateConfig() []config.Issue {
	issues := s.cfg.Validate()
	for _, issue := range issues {
		if issue.Severity == config.SeverityError {
			s.logger.Error("Configuration issue", zap.String("issue", issue.Message))
		} else {
			s.logger.Warn("Configuration issue", zap.String("issue", issue.Message))
		}
	}
	return issues
}

package config

import (
	"fmt"
	"time"
)

// Severity classifies a configuration issue
type Severity string

const (
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Issue is a problem found while validating the configuration. Issues are
// reported, never enforced: the server starts anyway in a degraded state.
type Issue struct {
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
}

func (i Issue) String() string {
	return fmt.Sprintf("%s: %s", i.Severity, i.Message)
}

// Validate reports hub configuration issues
func (c *HubConfig) Validate() []Issue {
	var issues []Issue

	if c.MaxConnections <= 0 {
		issues = append(issues, Issue{SeverityWarning, "max_connections is set to 0 - no connections will be allowed"})
	}
	if c.HardLimit > 0 && c.MaxConnections > c.HardLimit {
		issues = append(issues, Issue{SeverityWarning, fmt.Sprintf(
			"max_connections (%d) exceeds hard_limit (%d) - hard_limit wins", c.MaxConnections, c.HardLimit)})
	}
	if c.PingInterval > 5*time.Minute {
		issues = append(issues, Issue{SeverityWarning, fmt.Sprintf(
			"ping_interval is very long (%d seconds) - may cause connection timeouts", int64(c.PingInterval.Seconds()))})
	}
	if c.ConnectionTimeout < 30*time.Second {
		issues = append(issues, Issue{SeverityWarning, fmt.Sprintf(
			"connection_timeout is very short (%d seconds) - may cause premature disconnections", int64(c.ConnectionTimeout.Seconds()))})
	}
	if c.PingInterval >= c.ConnectionTimeout {
		issues = append(issues, Issue{SeverityError,
			"ping_interval is greater than or equal to connection_timeout - connections may timeout before ping"})
	}
	if c.BufferSize <= 0 {
		issues = append(issues, Issue{SeverityWarning, "buffer_size must be positive - falling back to 1"})
	}
	if c.PingInterval <= 0 || c.ReaperInterval <= 0 || c.HealthInterval <= 0 {
		issues = append(issues, Issue{SeverityError, "ping_interval, reaper_interval and health_interval must be positive - the affected task is disabled"})
	}

	return issues
}

// Validate reports issues across the whole configuration
func (c *Config) Validate() []Issue {
	issues := c.Hub.Validate()

	if c.Relay.Enabled && c.Relay.Addr == "" {
		issues = append(issues, Issue{SeverityError, "relay is enabled but relay.addr is empty - relay disabled"})
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		issues = append(issues, Issue{SeverityError, fmt.Sprintf("server.port %d is out of range", c.Server.Port)})
	}
	if c.Tracing.Enabled && (c.Tracing.SamplerRate < 0 || c.Tracing.SamplerRate > 1) {
		issues = append(issues, Issue{SeverityWarning, "tracing.sampler_rate must be within [0, 1] - clamped"})
	}

	return issues
}

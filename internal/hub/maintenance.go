package hub

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/amoylab/wshub/pkg/protocol"
)

// Start launches the reaper, the pinger and the health reporter. They run
// until ctx is done or the service shuts down. Calling Start again is a no-op.
func (s *Service) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		s.runTask(ctx, "reaper", s.cfg.ReaperInterval, s.reapStale)
		s.runTask(ctx, "pinger", s.cfg.PingInterval, s.pingOnce)
		s.runTask(ctx, "health", s.cfg.HealthInterval, s.reportHealth)
	})
}

// runTask calls task on every tick of interval. The first call happens one
// interval after start.
func (s *Service) runTask(ctx context.Context, name string, interval time.Duration, task func(context.Context)) {
	logger := s.logger.Named("maintenance").With(zap.String("task", name))
	if interval <= 0 {
		logger.Warn("Task disabled, interval must be positive", zap.Duration("interval", interval))
		return
	}

	s.taskWG.Add(1)
	go func() {
		defer s.taskWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		logger.Info("Task started", zap.Duration("interval", interval))
		for {
			select {
			case <-ctx.Done():
				logger.Info("Task stopped")
				return
			case <-s.baseCtx.Done():
				logger.Info("Task stopped")
				return
			case <-ticker.C:
				s.runCycle(ctx, logger, task)
			}
		}
	}()
}

// runCycle isolates a panicking cycle so the loop keeps going
func (s *Service) runCycle(ctx context.Context, logger *zap.Logger, task func(context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Task cycle panicked", zap.Any("panic", r))
		}
	}()
	task(ctx)
}

// reapStale removes every connection whose last activity is older than the
// connection timeout
func (s *Service) reapStale(context.Context) {
	now := s.now()
	threshold := now.Add(-s.cfg.ConnectionTimeout)
	stale := func(rec *ConnectionRecord) bool {
		return rec.LastActivity().Before(threshold)
	}

	var candidates []ConnectionRecord
	for _, rec := range s.registry.List() {
		if stale(&rec) {
			candidates = append(candidates, rec)
		}
	}

	reaped := 0
	for _, rec := range candidates {
		// Re-checked under the write lock: a ping may have arrived since the scan.
		if !s.removeConnectionIf(rec.ID, stale) {
			continue
		}
		reaped++
		s.logger.Info("Cleaning up stale connection",
			zap.Stringer("connection_id", rec.ID),
			zap.Duration("idle", now.Sub(rec.LastActivity())),
			zap.Bool("ever_pinged", rec.LastPing != nil))
	}

	if reaped > 0 {
		s.logger.Info("Stale connection cleanup completed",
			zap.Int("reaped", reaped),
			zap.Int("remaining", s.registry.Len()))
	}
}

// pingOnce publishes a Ping on All when anyone is connected
func (s *Service) pingOnce(context.Context) {
	if s.registry.Len() == 0 {
		s.logger.Debug("Skipping ping cycle, no connections")
		return
	}
	n := s.PublishLocal(protocol.All(), protocol.Ping{})
	s.logger.Debug("Ping broadcast", zap.Int("receivers", n))
}

// reportHealth logs aggregate stats and per connection health. It never
// mutates state.
func (s *Service) reportHealth(context.Context) {
	stats := s.Stats()
	health := s.AllConnectionHealth()

	unhealthy := 0
	for _, h := range health {
		if !h.Healthy {
			unhealthy++
		}
	}

	s.logger.Info("Health report",
		zap.Int("connections", stats.TotalConnections),
		zap.Int("subscribers", stats.SubscriberCount),
		zap.Any("topic_subscriptions", stats.TopicSubscriptions),
		zap.Duration("uptime", stats.Uptime),
		zap.Int("unhealthy", unhealthy))

	if unhealthy > 0 {
		s.logger.Warn("Unhealthy connections detected",
			zap.Int("unhealthy", unhealthy),
			zap.Int("total", len(health)))
	}
}

package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/amoylab/wshub/internal/common/cnst"
	"github.com/amoylab/wshub/internal/common/config"
	"github.com/amoylab/wshub/pkg/metrics"
	"github.com/amoylab/wshub/pkg/protocol"
	"github.com/amoylab/wshub/pkg/trace"
	"github.com/amoylab/wshub/pkg/utils"
)

// Sink receives messages published by other instances. It is satisfied by
// hub.Service.PublishLocal.
type Sink func(topic protocol.Topic, msg protocol.Message) int

// envelope is what travels over the Redis channel
type envelope struct {
	Origin    string          `json:"origin"`
	TopicKind string          `json:"topic_kind"`
	Topic     string          `json:"topic"`
	Message   json.RawMessage `json:"message"`
}

// RedisRelay shares published messages between hub instances over a Redis
// pub/sub channel. Delivery is best-effort like the local broadcaster.
type RedisRelay struct {
	logger  *zap.Logger
	client  redis.UniversalClient
	channel string
	origin  string
	metrics *metrics.Metrics
	tracer  *trace.Builder

	ready     chan struct{}
	readyOnce sync.Once
}

// NewRedisRelay connects to Redis and returns a relay publishing on
// cfg.Channel. m may be nil.
func NewRedisRelay(cfg config.RelayConfig, logger *zap.Logger, m *metrics.Metrics) (*RedisRelay, error) {
	addrs := utils.SplitByMultipleDelimiters(cfg.Addr, ";", ",")
	redisOptions := &redis.UniversalOptions{
		Addrs:    addrs,
		Username: cfg.Username,
		Password: cfg.Password,
	}
	if cfg.ClusterType == cnst.RedisClusterTypeSentinel {
		redisOptions.MasterName = cfg.MasterName
	}
	if cfg.ClusterType != cnst.RedisClusterTypeCluster {
		// can not set db in cluster mode
		redisOptions.DB = cfg.DB
	}
	client := redis.NewUniversalClient(redisOptions)

	// Test connection
	if err := client.Ping(context.Background()).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisRelay{
		logger:  logger.Named("relay.redis"),
		client:  client,
		channel: cfg.Channel,
		origin:  uuid.NewString(),
		metrics: m,
		tracer:  trace.Tracer(cnst.TraceRelay),
		ready:   make(chan struct{}),
	}, nil
}

// Origin identifies this instance on the channel
func (r *RedisRelay) Origin() string {
	return r.origin
}

// Forward publishes msg for the other instances
func (r *RedisRelay) Forward(ctx context.Context, topic protocol.Topic, msg protocol.Message) error {
	scope := r.tracer.Start(ctx, cnst.SpanRelayForward).
		WithAttrs(attribute.String(cnst.AttrTopic, topic.String()))
	defer scope.End()

	data, err := protocol.Marshal(msg)
	if err != nil {
		scope.Fail(err)
		return err
	}
	payload, err := json.Marshal(envelope{
		Origin:    r.origin,
		TopicKind: topic.Kind().String(),
		Topic:     topic.String(),
		Message:   data,
	})
	if err != nil {
		scope.Fail(err)
		return fmt.Errorf("failed to marshal relay envelope: %w", err)
	}

	if err := r.client.Publish(scope.Ctx, r.channel, payload).Err(); err != nil {
		scope.Fail(err)
		return fmt.Errorf("failed to publish to %s: %w", r.channel, err)
	}
	return nil
}

// Ready is closed once Run has an active subscription
func (r *RedisRelay) Ready() <-chan struct{} {
	return r.ready
}

// Run subscribes to the channel and hands every message from another
// instance to sink until ctx is done
func (r *RedisRelay) Run(ctx context.Context, sink Sink) error {
	pubsub := r.client.Subscribe(ctx, r.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", r.channel, err)
	}
	r.readyOnce.Do(func() { close(r.ready) })
	r.logger.Info("Relay subscribed", zap.String("channel", r.channel), zap.String("origin", r.origin))

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			r.handle(ctx, []byte(m.Payload), sink)
		}
	}
}

func (r *RedisRelay) handle(ctx context.Context, payload []byte, sink Sink) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		r.logger.Warn("Dropping malformed relay envelope", zap.Error(err))
		return
	}
	if env.Origin == r.origin {
		return
	}

	scope := r.tracer.Start(ctx, cnst.SpanRelayReceive).
		WithAttrs(attribute.String(cnst.AttrRelayOrigin, env.Origin), attribute.String(cnst.AttrTopic, env.Topic))
	defer scope.End()

	msg, err := protocol.Unmarshal(env.Message)
	if err != nil {
		scope.Fail(err)
		r.logger.Warn("Dropping relay message", zap.String("origin", env.Origin), zap.Error(err))
		return
	}

	n := sink(decodeTopic(env.TopicKind, env.Topic), msg)
	r.metrics.Relayed("in")
	r.logger.Debug("Relayed message delivered",
		zap.String("origin", env.Origin),
		zap.String("topic", env.Topic),
		zap.Int("receivers", n))
}

// Close closes the Redis client
func (r *RedisRelay) Close() error {
	return r.client.Close()
}

// decodeTopic restores a topic from its wire form. Generic names are kept
// as they are; ParseTopic would fold unknown names into All.
func decodeTopic(kind, s string) protocol.Topic {
	if kind == protocol.KindGeneric.String() {
		return protocol.Generic(s)
	}
	return protocol.ParseTopic(s)
}

package hub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/amoylab/wshub/internal/common/cnst"
	"github.com/amoylab/wshub/internal/common/config"
	"github.com/amoylab/wshub/pkg/metrics"
	"github.com/amoylab/wshub/pkg/protocol"
	"github.com/amoylab/wshub/pkg/trace"
)

// Forwarder propagates locally published messages to other hub instances
type Forwarder interface {
	Forward(ctx context.Context, topic protocol.Topic, msg protocol.Message) error
}

// CustomHandler receives Custom events sent by clients
type CustomHandler func(ctx context.Context, id protocol.ConnectionID, event protocol.Custom)

// Option configures a Service
type Option func(*Service)

// WithMetrics records hub activity on m
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithRelay queues every Publish for f as well. Forwarding runs in the
// background and never delays local delivery.
func WithRelay(f Forwarder) Option {
	return func(s *Service) { s.relay = f }
}

// WithCustomHandler hands client Custom events to h
func WithCustomHandler(h CustomHandler) Option {
	return func(s *Service) { s.custom = h }
}

// WithClock replaces time.Now, for tests
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// Service is the entry point of the connection manager: admission, publish,
// direct sends, stats and the background maintenance tasks.
type Service struct {
	cfg    config.HubConfig
	logger *zap.Logger

	registry    *Registry
	broadcaster *Broadcaster
	metrics     *metrics.Metrics
	relay       Forwarder
	custom      CustomHandler
	tracer      *trace.Builder
	now         func() time.Time

	// count is the number of admitted connections. It is reserved before
	// the registry insert and released exactly once per removed record.
	count     atomic.Int64
	startedAt time.Time

	baseCtx    context.Context
	baseCancel context.CancelFunc

	lifecycle sync.RWMutex
	closed    atomic.Bool
	sessions  sync.Map // protocol.ConnectionID -> *session
	sessionWG sync.WaitGroup
	taskWG    sync.WaitGroup
	startOnce sync.Once

	// relayQueue decouples Publish from the relay round trip
	relayQueue chan relayItem
}

// relayItem is one publish waiting to be forwarded
type relayItem struct {
	ctx   context.Context
	topic protocol.Topic
	msg   protocol.Message
}

// New creates a Service. Background tasks do not run until Start.
func New(cfg config.HubConfig, logger *zap.Logger, opts ...Option) *Service {
	s := &Service{
		cfg:    cfg,
		logger: logger.Named("hub"),
		tracer: trace.Tracer(cnst.TraceHub),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.registry = NewRegistry(s.logger)
	s.broadcaster = NewBroadcaster(cfg.BufferSize)
	s.startedAt = s.now()
	s.baseCtx, s.baseCancel = context.WithCancel(context.Background())

	if s.relay != nil {
		s.relayQueue = make(chan relayItem, max(cfg.BufferSize, 1))
		s.taskWG.Add(1)
		go s.forwardLoop()
	}
	return s
}

// Admit registers stream as a new connection and starts its session. The
// caller hands over ownership of stream: it is closed when the session ends
// and on rejection.
func (s *Service) Admit(ctx context.Context, stream Stream, metadata map[string]string) (protocol.ConnectionID, error) {
	scope := s.tracer.Start(ctx, cnst.SpanAdmit)
	defer scope.End()

	s.lifecycle.RLock()
	defer s.lifecycle.RUnlock()

	if s.closed.Load() {
		reject(stream, CloseGoingAway, "server shutting down")
		return protocol.NilConnectionID, ErrServiceClosed
	}

	if err := s.reserve(); err != nil {
		var capErr *CapacityError
		if errors.As(err, &capErr) {
			s.metrics.Admission(string(capErr.Reason))
		}
		s.logger.Warn("Connection rejected", zap.Error(err))
		scope.Fail(err)
		reject(stream, CloseTryAgainLater, err.Error())
		return protocol.NilConnectionID, err
	}

	id := protocol.NewConnectionID()
	sctx, cancel := context.WithCancel(s.baseCtx)
	rec := newRecord(id, s.now(), metadata)

	// Subscribe before the record is visible so nothing addressed to the
	// connection after registration is missed.
	sub := s.broadcaster.Subscribe()
	sess := newSession(s, id, stream, sub, sctx, cancel)
	sess.setState(StateAdmitted)

	if err := s.registry.Insert(rec, cancel); err != nil {
		s.release()
		cancel()
		sub.Close()
		_ = stream.Close()
		scope.Fail(err)
		return protocol.NilConnectionID, err
	}
	sess.setState(StateRegistered)
	s.sessions.Store(id, sess)

	s.metrics.Admission("accepted")
	s.metrics.SetConnections(int(s.count.Load()))
	scope.WithAttrs(attribute.String(cnst.AttrConnectionID, id.String()))
	s.logger.Info("Connection admitted",
		zap.Stringer("connection_id", id),
		zap.Int64("connections", s.count.Load()))

	s.sessionWG.Add(1)
	go sess.run()
	return id, nil
}

// reject tells a refused client why before closing its stream, so it can
// tell a rejection from a normal close
func reject(stream Stream, code int, reason string) {
	if len(reason) > maxCloseReason {
		reason = reason[:maxCloseReason]
	}
	_ = stream.WriteFrame(Frame{Type: FrameClose, CloseCode: code, CloseReason: reason})
	_ = stream.Close()
}

func (s *Service) reserve() error {
	for {
		cur := s.count.Load()
		if s.cfg.HardLimit > 0 && cur >= int64(s.cfg.HardLimit) {
			return &CapacityError{Reason: ReasonHardLimit, Current: int(cur), Limit: s.cfg.HardLimit}
		}
		if cur >= int64(s.cfg.MaxConnections) {
			return &CapacityError{Reason: ReasonMaxConnections, Current: int(cur), Limit: s.cfg.MaxConnections}
		}
		if s.count.CompareAndSwap(cur, cur+1) {
			return nil
		}
	}
}

func (s *Service) release() {
	s.count.Add(-1)
}

// removeConnection removes id from the registry, stopping its session. The
// connection counter is released only when a record was actually removed.
func (s *Service) removeConnection(id protocol.ConnectionID) bool {
	return s.removeConnectionIf(id, nil)
}

func (s *Service) removeConnectionIf(id protocol.ConnectionID, pred func(*ConnectionRecord) bool) bool {
	if _, ok := s.registry.RemoveIf(id, pred); !ok {
		return false
	}
	s.release()
	s.metrics.SetConnections(int(s.count.Load()))
	return true
}

// Publish fans msg out to local subscribers of topic and queues it for the
// relay when one is configured. It returns the local subscriber count and
// never waits for the relay; a full relay queue drops the forward.
func (s *Service) Publish(ctx context.Context, topic protocol.Topic, msg protocol.Message) int {
	scope := s.tracer.Start(ctx, cnst.SpanPublish).
		WithAttrs(attribute.String(cnst.AttrTopic, topic.String()), attribute.String(cnst.AttrMessageType, string(msg.Type())))
	defer scope.End()

	n := s.PublishLocal(topic, msg)
	scope.WithAttrs(attribute.Int(cnst.AttrReceivers, n))
	if s.relay != nil && !s.closed.Load() {
		select {
		case s.relayQueue <- relayItem{ctx: context.WithoutCancel(scope.Ctx), topic: topic, msg: msg}:
		default:
			s.metrics.Relayed("dropped")
			s.logger.Warn("Relay queue full, message not forwarded",
				zap.Stringer("topic", topic),
				zap.Int("queue_size", cap(s.relayQueue)))
		}
	}
	return n
}

// forwardLoop sends queued publishes to the relay until shutdown
func (s *Service) forwardLoop() {
	defer s.taskWG.Done()
	for {
		select {
		case <-s.baseCtx.Done():
			return
		case it := <-s.relayQueue:
			s.forward(it)
		}
	}
}

func (s *Service) forward(it relayItem) {
	// the publisher's span stays the parent; shutdown aborts a pending forward
	ctx, cancel := context.WithCancel(it.ctx)
	stop := context.AfterFunc(s.baseCtx, cancel)
	defer func() {
		stop()
		cancel()
	}()

	if err := s.relay.Forward(ctx, it.topic, it.msg); err != nil {
		s.logger.Warn("Failed to forward message to relay",
			zap.Stringer("topic", it.topic),
			zap.Error(err))
		return
	}
	s.metrics.Relayed("out")
}

// PublishLocal fans msg out to local subscribers only
func (s *Service) PublishLocal(topic protocol.Topic, msg protocol.Message) int {
	n := s.broadcaster.Publish(topic, msg)
	s.metrics.Published(topic.Kind().String())
	s.logger.Debug("Message published",
		zap.Stringer("topic", topic),
		zap.String("type", string(msg.Type())),
		zap.Int("receivers", n))
	return n
}

// SendDirect publishes msg on the Direct topic of id
func (s *Service) SendDirect(ctx context.Context, id protocol.ConnectionID, msg protocol.Message) error {
	scope := s.tracer.Start(ctx, cnst.SpanSendDirect).
		WithAttrs(attribute.String(cnst.AttrConnectionID, id.String()))
	defer scope.End()

	if _, ok := s.registry.Get(id); !ok {
		err := fmt.Errorf("%w: %s", ErrConnectionNotFound, id)
		scope.Fail(err)
		s.logger.Warn("Direct send to unknown connection", zap.Stringer("connection_id", id))
		return err
	}
	s.PublishLocal(protocol.Direct(id), msg)
	return nil
}

// Subscribe adds topics to the subscriptions of id on its behalf
func (s *Service) Subscribe(id protocol.ConnectionID, topics ...string) error {
	return s.registry.Update(id, func(rec *ConnectionRecord) { rec.Subscribe(topics...) })
}

// Unsubscribe removes topics from the subscriptions of id
func (s *Service) Unsubscribe(id protocol.ConnectionID, topics ...string) error {
	return s.registry.Update(id, func(rec *ConnectionRecord) { rec.Unsubscribe(topics...) })
}

// Disconnect removes a connection and stops its session. It reports whether
// the connection existed.
func (s *Service) Disconnect(id protocol.ConnectionID) bool {
	removed := s.removeConnection(id)
	if removed {
		s.logger.Info("Connection force disconnected", zap.Stringer("connection_id", id))
	}
	return removed
}

// Connection returns a copy of the record for id
func (s *Service) Connection(id protocol.ConnectionID) (ConnectionRecord, bool) {
	return s.registry.Get(id)
}

// Connections returns a snapshot of every registered connection
func (s *Service) Connections() []ConnectionRecord {
	return s.registry.List()
}

// ConnectionCount returns the number of admitted connections
func (s *Service) ConnectionCount() int {
	return int(s.count.Load())
}

// SessionState returns the lifecycle state of a live session
func (s *Service) SessionState(id protocol.ConnectionID) (SessionState, bool) {
	v, ok := s.sessions.Load(id)
	if !ok {
		return StateClosed, false
	}
	return v.(*session).State(), true
}

// Config returns the hub configuration
func (s *Service) Config() config.HubConfig {
	return s.cfg
}

// Shutdown stops the maintenance tasks, closes the broadcaster and waits for
// every session to finish or ctx to expire.
func (s *Service) Shutdown(ctx context.Context) error {
	s.lifecycle.Lock()
	already := s.closed.Swap(true)
	s.lifecycle.Unlock()
	if already {
		return nil
	}

	s.logger.Info("Shutting down hub", zap.Int("connections", s.ConnectionCount()))
	s.baseCancel()
	s.broadcaster.Close()

	done := make(chan struct{})
	go func() {
		s.taskWG.Wait()
		s.sessionWG.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("hub shutdown: %w", ctx.Err())
	}
}

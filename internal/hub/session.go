package hub

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/amoylab/wshub/pkg/protocol"
)

// SessionState is a step of the connection lifecycle
type SessionState int32

const (
	StateAdmitted SessionState = iota
	StateRegistered
	StateActive
	StateDraining
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateAdmitted:
		return "admitted"
	case StateRegistered:
		return "registered"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// drainBatch bounds how many deliveries one wakeup forwards before the loop
// looks at inbound frames again
const drainBatch = 128

// Close reasons reported in logs and metrics
const (
	closeClientClose       = "client_close"
	closeReadError         = "read_error"
	closeWriteError        = "write_error"
	closeBroadcasterClosed = "broadcaster_closed"
	closeRemoved           = "removed"
	closeShutdown          = "shutdown"
	closeWelcomeFailed     = "welcome_failed"
)

// session owns one stream and runs its event loop. Only the loop goroutine
// writes to the stream.
type session struct {
	id     protocol.ConnectionID
	svc    *Service
	stream Stream
	sub    *Subscription
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	state     atomic.Int32
	startedAt time.Time
	reason    string
}

func newSession(svc *Service, id protocol.ConnectionID, stream Stream, sub *Subscription, ctx context.Context, cancel context.CancelFunc) *session {
	return &session{
		id:        id,
		svc:       svc,
		stream:    stream,
		sub:       sub,
		logger:    svc.logger.Named("session").With(zap.Stringer("connection_id", id)),
		ctx:       ctx,
		cancel:    cancel,
		startedAt: svc.now(),
	}
}

func (s *session) State() SessionState {
	return SessionState(s.state.Load())
}

func (s *session) setState(st SessionState) {
	s.state.Store(int32(st))
}

// run drives the session from Registered to Closed
func (s *session) run() {
	defer s.svc.sessionWG.Done()
	defer s.close()

	if err := s.send(protocol.ConnectionEstablished{ConnectionID: s.id}); err != nil {
		s.logger.Warn("Failed to send welcome message", zap.Error(err))
		s.reason = closeWelcomeFailed
		return
	}

	s.setState(StateActive)
	s.logger.Info("Connection active")

	frames := make(chan Frame)
	readErr := make(chan error, 1)
	s.svc.sessionWG.Add(1)
	go s.readPump(frames, readErr)

	s.reason = s.loop(frames, readErr)
	s.setState(StateDraining)
}

// readPump feeds inbound frames to the loop until the stream fails or the
// session is cancelled
func (s *session) readPump(frames chan<- Frame, readErr chan<- error) {
	defer s.svc.sessionWG.Done()
	for {
		f, err := s.stream.ReadFrame()
		if err != nil {
			readErr <- err
			return
		}
		select {
		case frames <- f:
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *session) loop(frames <-chan Frame, readErr <-chan error) string {
	for {
		select {
		case <-s.ctx.Done():
			if s.svc.closed.Load() {
				return closeShutdown
			}
			return closeRemoved
		case err := <-readErr:
			s.logger.Debug("Stream read failed", zap.Error(err))
			return closeReadError
		case f := <-frames:
			if reason, ok := s.handleFrame(f); !ok {
				return reason
			}
		case <-s.sub.Ready():
			if err := s.drain(); err != nil {
				s.logger.Warn("Failed to forward message", zap.Error(err))
				return closeWriteError
			}
		case <-s.sub.Done():
			return closeBroadcasterClosed
		}
	}
}

// drain forwards up to drainBatch buffered deliveries that match this
// connection. Matching is evaluated per delivery against the registry.
func (s *session) drain() error {
	for i := 0; i < drainBatch; i++ {
		d, skipped, ok := s.sub.Next()
		if skipped > 0 {
			s.svc.metrics.Lagged(skipped)
			s.logger.Warn("Connection lagged, messages skipped", zap.Uint64("skipped", skipped))
		}
		if !ok {
			return nil
		}
		if !s.svc.registry.Matches(s.id, d.Topic) {
			continue
		}
		if err := s.send(d.Message); err != nil {
			return err
		}
		s.svc.metrics.Delivered()
	}
	if s.sub.Len() > 0 {
		s.sub.notify()
	}
	return nil
}

// handleFrame processes one inbound frame. ok is false when the session
// must stop, with reason saying why.
func (s *session) handleFrame(f Frame) (reason string, ok bool) {
	s.svc.metrics.InboundFrame(f.Type.String())

	switch f.Type {
	case FrameText:
		if err := s.handleText(f.Data); err != nil {
			s.logger.Warn("Failed to reply to client", zap.Error(err))
			return closeWriteError, false
		}
	case FrameBinary:
		s.logger.Debug("Ignoring binary frame", zap.Int("size", len(f.Data)))
	case FramePing:
		s.touch()
		if err := s.write(Frame{Type: FramePong, Data: f.Data}); err != nil {
			s.logger.Warn("Failed to send pong", zap.Error(err))
			return closeWriteError, false
		}
	case FramePong:
		s.touch()
	case FrameClose:
		s.logger.Info("Client closed connection",
			zap.Int("code", f.CloseCode),
			zap.String("reason", f.CloseReason))
		return closeClientClose, false
	}
	return "", true
}

// handleText decodes a client message and acts on it. Malformed frames are
// dropped; the returned error is a write failure only.
func (s *session) handleText(data []byte) error {
	msg, err := protocol.Unmarshal(data)
	if err != nil {
		s.svc.metrics.Malformed()
		s.logger.Warn("Dropping malformed message",
			zap.String("type", gjson.GetBytes(data, "type").String()),
			zap.Int("size", len(data)),
			zap.Error(err))
		return nil
	}

	switch m := msg.(type) {
	case protocol.Ping:
		s.touch()
		return s.send(protocol.Pong{})
	case protocol.Pong:
		s.touch()
	case protocol.Subscribe:
		s.updateSubscriptions(m.Topics, true)
	case protocol.Unsubscribe:
		s.updateSubscriptions(m.Topics, false)
	case protocol.Custom:
		if s.svc.custom != nil {
			s.svc.custom(s.ctx, s.id, m)
		} else {
			s.logger.Debug("Ignoring custom event", zap.String("event", m.Event))
		}
	default:
		s.logger.Debug("Ignoring server-only message from client", zap.String("type", string(msg.Type())))
	}
	return nil
}

func (s *session) updateSubscriptions(topics []string, subscribe bool) {
	var changed int
	err := s.svc.registry.Update(s.id, func(rec *ConnectionRecord) {
		if subscribe {
			changed = rec.Subscribe(topics...)
		} else {
			changed = rec.Unsubscribe(topics...)
		}
	})
	if err != nil {
		s.logger.Warn("Subscription change for unregistered connection", zap.Error(err))
		return
	}
	s.logger.Debug("Subscriptions updated",
		zap.Bool("subscribe", subscribe),
		zap.Strings("topics", topics),
		zap.Int("changed", changed))
}

func (s *session) touch() {
	now := s.svc.now()
	if err := s.svc.registry.Update(s.id, func(rec *ConnectionRecord) { rec.touch(now) }); err != nil {
		s.logger.Debug("Ping update for unregistered connection", zap.Error(err))
	}
}

func (s *session) send(msg protocol.Message) error {
	data, err := protocol.Marshal(msg)
	if err != nil {
		return err
	}
	return s.write(Frame{Type: FrameText, Data: data})
}

func (s *session) write(f Frame) error {
	if err := s.stream.WriteFrame(f); err != nil {
		return fmt.Errorf("%w: write %s frame: %w", ErrTransport, f.Type, err)
	}
	return nil
}

// close releases everything the session holds. It runs exactly once, from run.
func (s *session) close() {
	s.cancel()
	s.sub.Close()
	if err := s.stream.Close(); err != nil {
		s.logger.Debug("Stream close failed", zap.Error(err))
	}
	s.svc.removeConnection(s.id)
	s.svc.sessions.CompareAndDelete(s.id, s)
	s.setState(StateClosed)

	s.svc.metrics.ConnectionClosed(s.reason, s.startedAt)
	s.logger.Info("Connection closed",
		zap.String("reason", s.reason),
		zap.Duration("duration", s.svc.now().Sub(s.startedAt)))
}

package transport

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/amoylab/wshub/internal/common/config"
	"github.com/amoylab/wshub/internal/hub"
)

// closeGrace bounds the close frame written while tearing a stream down
const closeGrace = time.Second

// NewUpgrader builds the websocket upgrader for the server. An empty
// AllowedOrigins list accepts any origin.
func NewUpgrader(cfg config.ServerConfig) *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:   cfg.ReadBufferSize,
		WriteBufferSize:  cfg.WriteBufferSize,
		HandshakeTimeout: cfg.HandshakeTimeout,
		CheckOrigin: func(r *http.Request) bool {
			if len(cfg.AllowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			return origin == "" || slices.Contains(cfg.AllowedOrigins, origin)
		},
	}
}

// Stream adapts a gorilla websocket connection to hub.Stream. A pump
// goroutine reads the connection so that control frames surface as soon as
// they arrive instead of waiting for the next data message.
type Stream struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	frames   chan hub.Frame
	failed   chan struct{}
	err      error
	done     chan struct{}
	pumpDone chan struct{}

	closeOnce sync.Once
	closeErr  error
}

var _ hub.Stream = (*Stream)(nil)

// NewStream wraps conn and starts reading from it
func NewStream(conn *websocket.Conn, cfg config.HubConfig) *Stream {
	s := &Stream{
		conn:         conn,
		writeTimeout: cfg.WriteTimeout,
		frames:       make(chan hub.Frame),
		failed:       make(chan struct{}),
		done:         make(chan struct{}),
		pumpDone:     make(chan struct{}),
	}
	if cfg.MaxMessageSize > 0 {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}
	conn.SetPingHandler(func(appData string) error {
		s.push(hub.Frame{Type: hub.FramePing, Data: []byte(appData)})
		return nil
	})
	conn.SetPongHandler(func(appData string) error {
		s.push(hub.Frame{Type: hub.FramePong, Data: []byte(appData)})
		return nil
	})

	go s.pump()
	return s
}

func (s *Stream) pump() {
	defer close(s.pumpDone)
	for {
		mt, data, err := s.conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				s.push(hub.Frame{Type: hub.FrameClose, CloseCode: ce.Code, CloseReason: ce.Text})
			}
			s.err = fmt.Errorf("%w: %w", hub.ErrTransport, err)
			close(s.failed)
			return
		}

		f := hub.Frame{Type: hub.FrameText, Data: data}
		if mt == websocket.BinaryMessage {
			f.Type = hub.FrameBinary
		}
		if !s.push(f) {
			return
		}
	}
}

// push hands f to the reader. It gives up once the stream is closed.
func (s *Stream) push(f hub.Frame) bool {
	select {
	case s.frames <- f:
		return true
	case <-s.done:
		return false
	}
}

// ReadFrame returns the next frame. After the connection fails every call
// returns the same error.
func (s *Stream) ReadFrame() (hub.Frame, error) {
	select {
	case f := <-s.frames:
		return f, nil
	case <-s.failed:
		return hub.Frame{}, s.err
	case <-s.done:
		return hub.Frame{}, net.ErrClosed
	}
}

// WriteFrame writes f. Data frames must come from a single goroutine.
func (s *Stream) WriteFrame(f hub.Frame) error {
	var deadline time.Time
	if s.writeTimeout > 0 {
		deadline = time.Now().Add(s.writeTimeout)
	}

	switch f.Type {
	case hub.FrameText, hub.FrameBinary:
		mt := websocket.TextMessage
		if f.Type == hub.FrameBinary {
			mt = websocket.BinaryMessage
		}
		if err := s.conn.SetWriteDeadline(deadline); err != nil {
			return err
		}
		return s.conn.WriteMessage(mt, f.Data)
	case hub.FramePing:
		return s.conn.WriteControl(websocket.PingMessage, f.Data, deadline)
	case hub.FramePong:
		return s.conn.WriteControl(websocket.PongMessage, f.Data, deadline)
	case hub.FrameClose:
		return s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(f.CloseCode, f.CloseReason), deadline)
	default:
		return fmt.Errorf("unsupported frame type %s", f.Type)
	}
}

// Close sends a best-effort close frame, closes the connection and waits for
// the pump to exit. It is safe to call more than once.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeGrace))
		s.closeErr = s.conn.Close()
		<-s.pumpDone
	})
	return s.closeErr
}

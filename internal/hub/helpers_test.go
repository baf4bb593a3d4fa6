package hub

import (
	"context"
	"errors"
	"io"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/amoylab/wshub/internal/common/config"
	"github.com/amoylab/wshub/pkg/protocol"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const waitFor = time.Second

// fakeStream is an in-memory Stream. Tests push client frames into in and
// read server frames from out.
type fakeStream struct {
	in         chan Frame
	out        chan Frame
	closed     chan struct{}
	closeOnce  sync.Once
	failWrites atomic.Bool
}

func newFakeStream() *fakeStream {
	return &fakeStream{
		in:     make(chan Frame, 16),
		out:    make(chan Frame, 256),
		closed: make(chan struct{}),
	}
}

func (f *fakeStream) ReadFrame() (Frame, error) {
	select {
	case fr := <-f.in:
		return fr, nil
	case <-f.closed:
		return Frame{}, io.EOF
	}
}

func (f *fakeStream) WriteFrame(fr Frame) error {
	if f.failWrites.Load() {
		return errors.New("broken pipe")
	}
	select {
	case <-f.closed:
		return io.ErrClosedPipe
	default:
	}
	select {
	case f.out <- fr:
		return nil
	default:
		return errors.New("client buffer full")
	}
}

func (f *fakeStream) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeStream) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

// send pushes a client message as a text frame
func (f *fakeStream) send(t *testing.T, msg protocol.Message) {
	t.Helper()
	data, err := protocol.Marshal(msg)
	require.NoError(t, err)
	f.in <- Frame{Type: FrameText, Data: data}
}

func (f *fakeStream) nextFrame(t *testing.T) Frame {
	t.Helper()
	select {
	case fr := <-f.out:
		return fr
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for a frame")
		return Frame{}
	}
}

// expect returns the next server message, which must be a text frame
func (f *fakeStream) expect(t *testing.T) protocol.Message {
	t.Helper()
	fr := f.nextFrame(t)
	require.Equal(t, FrameText, fr.Type)
	msg, err := protocol.Unmarshal(fr.Data)
	require.NoError(t, err)
	return msg
}

// expectNone asserts nothing is written for a short while
func (f *fakeStream) expectNone(t *testing.T) {
	t.Helper()
	select {
	case fr := <-f.out:
		t.Fatalf("unexpected %s frame: %s", fr.Type, fr.Data)
	case <-time.After(100 * time.Millisecond):
	}
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testConfig() config.HubConfig {
	cfg := config.DefaultHubConfig()
	cfg.MaxConnections = 10
	cfg.HardLimit = 100
	cfg.BufferSize = 64
	return cfg
}

func newTestService(t *testing.T, cfg config.HubConfig, opts ...Option) *Service {
	t.Helper()
	svc := New(cfg, zap.NewNop(), opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		require.NoError(t, svc.Shutdown(ctx))
	})
	return svc
}

// admit admits a fake stream and consumes its welcome message
func admit(t *testing.T, svc *Service) (protocol.ConnectionID, *fakeStream) {
	t.Helper()
	stream := newFakeStream()
	id, err := svc.Admit(context.Background(), stream, map[string]string{"client_id": "test"})
	require.NoError(t, err)

	welcome := stream.expect(t)
	require.Equal(t, protocol.ConnectionEstablished{ConnectionID: id}, welcome)
	return id, stream
}

// subscribe sends a Subscribe message and waits for the registry to reflect it
func subscribe(t *testing.T, svc *Service, id protocol.ConnectionID, stream *fakeStream, topics ...string) {
	t.Helper()
	stream.send(t, protocol.Subscribe{Topics: topics})
	require.Eventually(t, func() bool {
		rec, ok := svc.Connection(id)
		if !ok {
			return false
		}
		for _, topic := range topics {
			if !slices.Contains(rec.Subscriptions, topic) {
				return false
			}
		}
		return true
	}, waitFor, 5*time.Millisecond)
}

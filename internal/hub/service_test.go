package hub

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/amoylab/wshub/pkg/protocol"
)

func TestAdmit_RegistersAndWelcomes(t *testing.T) {
	svc := newTestService(t, testConfig())

	id, _ := admit(t, svc)

	rec, ok := svc.Connection(id)
	require.True(t, ok)
	assert.Equal(t, id, rec.ID)
	assert.Empty(t, rec.Subscriptions)
	assert.Equal(t, "test", rec.Metadata["client_id"])
	assert.Nil(t, rec.LastPing)
	assert.Equal(t, 1, svc.ConnectionCount())

	require.Eventually(t, func() bool {
		st, ok := svc.SessionState(id)
		return ok && st == StateActive
	}, waitFor, 5*time.Millisecond)
}

func TestAdmit_MaxConnections(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConnections = 3
	svc := newTestService(t, cfg)

	for i := 0; i < 3; i++ {
		admit(t, svc)
		assert.LessOrEqual(t, svc.registry.Len(), 3)
	}

	stream := newFakeStream()
	_, err := svc.Admit(context.Background(), stream, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCapacity))

	var capErr *CapacityError
	require.ErrorAs(t, err, &capErr)
	assert.Equal(t, ReasonMaxConnections, capErr.Reason)
	assert.Equal(t, 3, capErr.Limit)

	assert.Equal(t, 3, svc.registry.Len())
	assert.Equal(t, 3, svc.ConnectionCount())
	assert.True(t, stream.isClosed())

	closing := stream.nextFrame(t)
	assert.Equal(t, FrameClose, closing.Type)
	assert.Equal(t, CloseTryAgainLater, closing.CloseCode)
	assert.Contains(t, closing.CloseReason, string(ReasonMaxConnections))
}

func TestAdmit_HardLimitCheckedFirst(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConnections = 5
	cfg.HardLimit = 2
	svc := newTestService(t, cfg)

	admit(t, svc)
	admit(t, svc)

	_, err := svc.Admit(context.Background(), newFakeStream(), nil)
	var capErr *CapacityError
	require.ErrorAs(t, err, &capErr)
	assert.Equal(t, ReasonHardLimit, capErr.Reason)
	assert.Equal(t, 2, svc.registry.Len())
}

func TestAdmit_ConcurrentNeverExceedsLimit(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConnections = 5
	svc := newTestService(t, cfg)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Admit(context.Background(), newFakeStream(), nil); err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
			} else {
				assert.ErrorIs(t, err, ErrCapacity)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, accepted)
	assert.Equal(t, 5, svc.registry.Len())
}

func TestAdmit_CapacityFreedAfterRemoval(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConnections = 1
	svc := newTestService(t, cfg)

	first, stream := admit(t, svc)

	_, err := svc.Admit(context.Background(), newFakeStream(), nil)
	require.ErrorIs(t, err, ErrCapacity)

	require.True(t, svc.Disconnect(first))
	assert.False(t, svc.Disconnect(first))
	require.Eventually(t, stream.isClosed, waitFor, 5*time.Millisecond)

	third, _ := admit(t, svc)
	assert.NotEqual(t, first, third)
	assert.Equal(t, 1, svc.ConnectionCount())
}

func TestAdmit_AfterShutdown(t *testing.T) {
	svc := New(testConfig(), zap.NewNop())
	require.NoError(t, svc.Shutdown(context.Background()))

	stream := newFakeStream()
	_, err := svc.Admit(context.Background(), stream, nil)
	assert.ErrorIs(t, err, ErrServiceClosed)
	assert.True(t, stream.isClosed())

	closing := stream.nextFrame(t)
	assert.Equal(t, FrameClose, closing.Type)
	assert.Equal(t, CloseGoingAway, closing.CloseCode)
}

func TestReject_TruncatesLongReason(t *testing.T) {
	stream := newFakeStream()
	reject(stream, CloseTryAgainLater, strings.Repeat("x", 200))

	closing := stream.nextFrame(t)
	assert.Len(t, closing.CloseReason, maxCloseReason)
	assert.True(t, stream.isClosed())
}

func TestSendDirect_OnlyTargetReceives(t *testing.T) {
	svc := newTestService(t, testConfig())

	c1, s1 := admit(t, svc)
	c2, s2 := admit(t, svc)
	subscribe(t, svc, c2, s2, protocol.TopicNameAll, "navigation")

	msg := protocol.Custom{Event: "hello", Data: json.RawMessage(`{"n":1}`)}
	require.NoError(t, svc.SendDirect(context.Background(), c1, msg))

	assert.Equal(t, msg, s1.expect(t))
	s2.expectNone(t)

	// Publishing on the Direct topic directly behaves the same
	svc.Publish(context.Background(), protocol.Direct(c2), msg)
	assert.Equal(t, msg, s2.expect(t))
	s1.expectNone(t)
}

func TestSendDirect_UnknownConnection(t *testing.T) {
	svc := newTestService(t, testConfig())

	err := svc.SendDirect(context.Background(), protocol.NewConnectionID(), protocol.Ping{})
	assert.ErrorIs(t, err, ErrConnectionNotFound)
}

func TestPublish_AllSubscriberSeesEveryTopic(t *testing.T) {
	svc := newTestService(t, testConfig())
	id, stream := admit(t, svc)
	subscribe(t, svc, id, stream, protocol.TopicNameAll)

	msgs := []struct {
		topic protocol.Topic
		msg   protocol.Message
	}{
		{protocol.Navigation, protocol.NavigationUpdated{Schema: "docs", Data: json.RawMessage(`[]`)}},
		{protocol.FileSystem, protocol.FileChanged{Path: "/a.yaml", EventType: "modified"}},
		{protocol.DataSource("metrics"), protocol.DataUpdate{Source: "metrics", Data: json.RawMessage(`1`), Timestamp: time.Unix(10, 0).UTC()}},
		{protocol.Generic("anything"), protocol.SchemaReloaded{Schema: "docs"}},
		{protocol.All(), protocol.Custom{Event: "e", Data: json.RawMessage(`null`)}},
	}
	for _, m := range msgs {
		assert.Equal(t, 1, svc.Publish(context.Background(), m.topic, m.msg))
	}
	for _, m := range msgs {
		assert.Equal(t, m.msg, stream.expect(t))
	}
}

func TestPublish_DataSourceScenario(t *testing.T) {
	svc := newTestService(t, testConfig())
	a, sa := admit(t, svc)
	_, sb := admit(t, svc)
	_, sc := admit(t, svc)

	subscribe(t, svc, a, sa, "data:metrics")

	update := protocol.DataUpdate{
		Source:    "metrics",
		Data:      json.RawMessage(`{"cpu":0.5}`),
		Timestamp: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}

	svc.Publish(context.Background(), protocol.DataSource("metrics"), update)
	assert.Equal(t, update, sa.expect(t))
	sb.expectNone(t)
	sc.expectNone(t)

	// All only reaches "all" subscribers
	svc.Publish(context.Background(), protocol.All(), update)
	sa.expectNone(t)
	sb.expectNone(t)
	sc.expectNone(t)

	subscribe(t, svc, a, sa, protocol.TopicNameAll)
	svc.Publish(context.Background(), protocol.All(), update)
	assert.Equal(t, update, sa.expect(t))
	sb.expectNone(t)
	sc.expectNone(t)
}

func TestSubscribeUnsubscribe_Idempotent(t *testing.T) {
	svc := newTestService(t, testConfig())
	id, stream := admit(t, svc)

	subscribe(t, svc, id, stream, "navigation")
	before, _ := svc.Connection(id)

	stream.send(t, protocol.Subscribe{Topics: []string{"navigation", "filesystem"}})
	stream.send(t, protocol.Unsubscribe{Topics: []string{"filesystem", "never-subscribed"}})

	// A Ping round trip orders the check after both updates
	stream.send(t, protocol.Ping{})
	assert.Equal(t, protocol.Pong{}, stream.expect(t))

	after, _ := svc.Connection(id)
	assert.Equal(t, before.Subscriptions, after.Subscriptions)
	assert.Equal(t, []string{"navigation"}, after.Subscriptions)
}

func TestSession_MalformedFrameKeepsConnection(t *testing.T) {
	svc := newTestService(t, testConfig())
	id, stream := admit(t, svc)

	stream.in <- Frame{Type: FrameText, Data: []byte("not json")}
	stream.in <- Frame{Type: FrameText, Data: []byte(`{"type":"Bogus","payload":{}}`)}
	stream.in <- Frame{Type: FrameText, Data: []byte(`{"type":"Subscribe"}`)}
	stream.in <- Frame{Type: FrameBinary, Data: []byte{1, 2, 3}}

	stream.send(t, protocol.Ping{})
	assert.Equal(t, protocol.Pong{}, stream.expect(t))

	_, ok := svc.Connection(id)
	assert.True(t, ok)
	assert.False(t, stream.isClosed())
}

func TestSession_PingMessageUpdatesActivity(t *testing.T) {
	clock := newFakeClock()
	svc := newTestService(t, testConfig(), WithClock(clock.Now))
	id, stream := admit(t, svc)

	clock.Advance(time.Minute)
	stream.send(t, protocol.Ping{})
	assert.Equal(t, protocol.Pong{}, stream.expect(t))

	rec, _ := svc.Connection(id)
	require.NotNil(t, rec.LastPing)
	assert.Equal(t, clock.Now(), *rec.LastPing)
}

func TestSession_TransportPingPong(t *testing.T) {
	clock := newFakeClock()
	svc := newTestService(t, testConfig(), WithClock(clock.Now))
	id, stream := admit(t, svc)

	stream.in <- Frame{Type: FramePing, Data: []byte("abc")}
	pong := stream.nextFrame(t)
	assert.Equal(t, FramePong, pong.Type)
	assert.Equal(t, []byte("abc"), pong.Data)

	rec, _ := svc.Connection(id)
	require.NotNil(t, rec.LastPing)
	first := *rec.LastPing

	clock.Advance(time.Second)
	stream.in <- Frame{Type: FramePong}
	require.Eventually(t, func() bool {
		rec, _ := svc.Connection(id)
		return rec.LastPing != nil && rec.LastPing.After(first)
	}, waitFor, 5*time.Millisecond)
}

func TestSession_PongWriteFailureTerminates(t *testing.T) {
	svc := newTestService(t, testConfig())
	id, stream := admit(t, svc)

	stream.failWrites.Store(true)
	stream.in <- Frame{Type: FramePing}

	require.Eventually(t, func() bool {
		_, ok := svc.Connection(id)
		return !ok && stream.isClosed()
	}, waitFor, 5*time.Millisecond)
	assert.Equal(t, 0, svc.ConnectionCount())
}

func TestSession_ClientCloseRemovesOnce(t *testing.T) {
	svc := newTestService(t, testConfig())
	id, stream := admit(t, svc)
	admit(t, svc)

	stream.in <- Frame{Type: FrameClose, CloseCode: 1000, CloseReason: "bye"}

	require.Eventually(t, func() bool {
		_, live := svc.SessionState(id)
		return !live
	}, waitFor, 5*time.Millisecond)

	assert.True(t, stream.isClosed())
	assert.Equal(t, 1, svc.ConnectionCount())
	assert.Equal(t, 1, svc.registry.Len())
	assert.False(t, svc.Disconnect(id))
	assert.Equal(t, 1, svc.ConnectionCount())
}

func TestSession_ReadErrorTerminates(t *testing.T) {
	svc := newTestService(t, testConfig())
	id, stream := admit(t, svc)

	// Closing the client side makes ReadFrame fail
	require.NoError(t, stream.Close())

	require.Eventually(t, func() bool {
		_, ok := svc.Connection(id)
		return !ok
	}, waitFor, 5*time.Millisecond)
	assert.Equal(t, 0, svc.ConnectionCount())
}

func TestSession_DeliveryWriteFailureTerminates(t *testing.T) {
	svc := newTestService(t, testConfig())
	id, stream := admit(t, svc)
	subscribe(t, svc, id, stream, "navigation")

	stream.failWrites.Store(true)
	svc.Publish(context.Background(), protocol.Navigation, protocol.SchemaReloaded{Schema: "s"})

	require.Eventually(t, func() bool {
		_, ok := svc.Connection(id)
		return !ok
	}, waitFor, 5*time.Millisecond)
	assert.Equal(t, 0, svc.ConnectionCount())
}

func TestSession_WelcomeFailureClosesImmediately(t *testing.T) {
	svc := newTestService(t, testConfig())

	stream := newFakeStream()
	stream.failWrites.Store(true)
	id, err := svc.Admit(context.Background(), stream, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, live := svc.SessionState(id)
		return !live && stream.isClosed()
	}, waitFor, 5*time.Millisecond)
	assert.Equal(t, 0, svc.ConnectionCount())
	assert.Equal(t, 0, svc.registry.Len())
}

func TestSession_CustomHandler(t *testing.T) {
	got := make(chan protocol.Custom, 1)
	var from protocol.ConnectionID
	var mu sync.Mutex
	svc := newTestService(t, testConfig(), WithCustomHandler(func(_ context.Context, id protocol.ConnectionID, ev protocol.Custom) {
		mu.Lock()
		from = id
		mu.Unlock()
		got <- ev
	}))
	id, stream := admit(t, svc)

	ev := protocol.Custom{Event: "clicked", Data: json.RawMessage(`{"x":1}`)}
	stream.send(t, ev)

	select {
	case received := <-got:
		assert.Equal(t, ev, received)
	case <-time.After(waitFor):
		t.Fatal("custom handler not called")
	}
	mu.Lock()
	assert.Equal(t, id, from)
	mu.Unlock()
}

func TestSession_IgnoresServerOnlyMessages(t *testing.T) {
	svc := newTestService(t, testConfig())
	id, stream := admit(t, svc)

	stream.send(t, protocol.SchemaReloaded{Schema: "x"})
	stream.send(t, protocol.ConnectionEstablished{ConnectionID: id})
	stream.send(t, protocol.Pong{})
	stream.send(t, protocol.Ping{})

	assert.Equal(t, protocol.Pong{}, stream.expect(t))
	stream.expectNone(t)
}

func TestShutdown_ClosesSessions(t *testing.T) {
	svc := New(testConfig(), zap.NewNop())
	svc.Start(context.Background())
	id, stream := admit(t, svc)

	require.NoError(t, svc.Shutdown(context.Background()))
	assert.True(t, stream.isClosed())
	_, live := svc.SessionState(id)
	assert.False(t, live)
	assert.Equal(t, 0, svc.ConnectionCount())

	// Second call is a no-op
	require.NoError(t, svc.Shutdown(context.Background()))
	assert.Equal(t, 0, svc.Publish(context.Background(), protocol.All(), protocol.Ping{}))
}

type recordingForwarder struct {
	mu     sync.Mutex
	topics []protocol.Topic
	err    error
}

func (f *recordingForwarder) Forward(_ context.Context, topic protocol.Topic, _ protocol.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.topics = append(f.topics, topic)
	return f.err
}

func (f *recordingForwarder) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *recordingForwarder) forwarded() []protocol.Topic {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.Topic(nil), f.topics...)
}

func TestPublish_ForwardsToRelay(t *testing.T) {
	fwd := &recordingForwarder{}
	svc := newTestService(t, testConfig(), WithRelay(fwd))

	svc.Publish(context.Background(), protocol.Navigation, protocol.SchemaReloaded{Schema: "s"})
	svc.PublishLocal(protocol.FileSystem, protocol.SchemaReloaded{Schema: "s"})
	require.Eventually(t, func() bool { return len(fwd.forwarded()) == 1 }, waitFor, 5*time.Millisecond)

	fwd.fail(errors.New("redis down"))
	assert.Equal(t, 0, svc.Publish(context.Background(), protocol.All(), protocol.Ping{}))

	require.Eventually(t, func() bool { return len(fwd.forwarded()) == 2 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, []protocol.Topic{protocol.Navigation, protocol.All()}, fwd.forwarded())
}

// blockingForwarder holds every Forward until its context is cancelled
type blockingForwarder struct {
	started chan struct{}
	aborted chan error
}

func (f *blockingForwarder) Forward(ctx context.Context, _ protocol.Topic, _ protocol.Message) error {
	select {
	case f.started <- struct{}{}:
	default:
	}
	<-ctx.Done()
	f.aborted <- ctx.Err()
	return ctx.Err()
}

func TestPublish_DoesNotWaitForRelay(t *testing.T) {
	fwd := &blockingForwarder{started: make(chan struct{}, 1), aborted: make(chan error, 1)}
	svc := newTestService(t, testConfig(), WithRelay(fwd))
	id, stream := admit(t, svc)
	require.NoError(t, svc.Subscribe(id, "navigation"))

	done := make(chan int, 1)
	go func() {
		done <- svc.Publish(context.Background(), protocol.Navigation, protocol.SchemaReloaded{Schema: "slow"})
	}()
	select {
	case n := <-done:
		assert.Equal(t, 1, n)
	case <-time.After(waitFor):
		t.Fatal("Publish blocked on the relay")
	}

	assert.Equal(t, protocol.SchemaReloaded{Schema: "slow"}, stream.expect(t))

	select {
	case <-fwd.started:
	case <-time.After(waitFor):
		t.Fatal("relay forward never started")
	}

	require.NoError(t, svc.Shutdown(context.Background()))
	select {
	case err := <-fwd.aborted:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(waitFor):
		t.Fatal("shutdown did not abort the pending forward")
	}
}

func TestPublish_RelayQueueFullDrops(t *testing.T) {
	cfg := testConfig()
	cfg.BufferSize = 1
	fwd := &blockingForwarder{started: make(chan struct{}, 1), aborted: make(chan error, 8)}
	svc := newTestService(t, cfg, WithRelay(fwd))

	svc.Publish(context.Background(), protocol.All(), protocol.Ping{})
	select {
	case <-fwd.started:
	case <-time.After(waitFor):
		t.Fatal("relay forward never started")
	}

	// one queued behind the blocked forward, the rest must not block
	for i := 0; i < 5; i++ {
		svc.Publish(context.Background(), protocol.All(), protocol.Ping{})
	}
	assert.Len(t, svc.relayQueue, 1)
}

func TestService_SubscribeOnBehalf(t *testing.T) {
	svc := newTestService(t, testConfig())
	id, stream := admit(t, svc)

	require.NoError(t, svc.Subscribe(id, "navigation", "navigation", "data:x"))
	rec, _ := svc.Connection(id)
	assert.Equal(t, []string{"navigation", "data:x"}, rec.Subscriptions)

	svc.Publish(context.Background(), protocol.Navigation, protocol.SchemaReloaded{Schema: "n"})
	assert.Equal(t, protocol.SchemaReloaded{Schema: "n"}, stream.expect(t))

	require.NoError(t, svc.Unsubscribe(id, "navigation"))
	rec, _ = svc.Connection(id)
	assert.Equal(t, []string{"data:x"}, rec.Subscriptions)

	assert.ErrorIs(t, svc.Subscribe(protocol.NewConnectionID(), "x"), ErrConnectionNotFound)
}

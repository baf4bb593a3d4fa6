package hub

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amoylab/wshub/pkg/protocol"
)

func TestReaper_RemovesStaleConnections(t *testing.T) {
	clock := newFakeClock()
	cfg := testConfig()
	cfg.ConnectionTimeout = 5 * time.Minute
	svc := newTestService(t, cfg, WithClock(clock.Now))

	stale, staleStream := admit(t, svc)
	fresh, freshStream := admit(t, svc)

	clock.Advance(6 * time.Minute)

	// A transport ping refreshes the second connection
	freshStream.in <- Frame{Type: FramePing}
	require.Equal(t, FramePong, freshStream.nextFrame(t).Type)

	svc.reapStale(context.Background())

	_, ok := svc.Connection(stale)
	assert.False(t, ok)
	_, ok = svc.Connection(fresh)
	assert.True(t, ok)
	assert.Equal(t, 1, svc.ConnectionCount())

	err := svc.SendDirect(context.Background(), stale, protocol.Ping{})
	assert.ErrorIs(t, err, ErrConnectionNotFound)

	require.Eventually(t, staleStream.isClosed, waitFor, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		_, live := svc.SessionState(stale)
		return !live
	}, waitFor, 5*time.Millisecond)

	// The session exiting after the reaper removal must not release again
	assert.Equal(t, 1, svc.ConnectionCount())
}

func TestReaper_KeepsActiveConnections(t *testing.T) {
	clock := newFakeClock()
	svc := newTestService(t, testConfig(), WithClock(clock.Now))
	id, _ := admit(t, svc)

	clock.Advance(time.Minute)
	svc.reapStale(context.Background())

	_, ok := svc.Connection(id)
	assert.True(t, ok)
}

func TestPinger_SkipsWithoutConnections(t *testing.T) {
	svc := newTestService(t, testConfig())

	svc.pingOnce(context.Background())
	assert.Zero(t, svc.broadcaster.Stats().Published)
}

func TestPinger_PublishesOnAll(t *testing.T) {
	svc := newTestService(t, testConfig())
	listener, ls := admit(t, svc)
	_, quiet := admit(t, svc)
	subscribe(t, svc, listener, ls, protocol.TopicNameAll)

	svc.pingOnce(context.Background())

	assert.Equal(t, protocol.Ping{}, ls.expect(t))
	quiet.expectNone(t)
	assert.Equal(t, uint64(1), svc.broadcaster.Stats().Published)
}

func TestStart_RunsTasksPeriodically(t *testing.T) {
	cfg := testConfig()
	cfg.PingInterval = 20 * time.Millisecond
	cfg.ReaperInterval = 20 * time.Millisecond
	cfg.HealthInterval = 20 * time.Millisecond
	cfg.ConnectionTimeout = time.Hour
	svc := newTestService(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)
	svc.Start(ctx)

	id, stream := admit(t, svc)
	subscribe(t, svc, id, stream, protocol.TopicNameAll)

	assert.Equal(t, protocol.Ping{}, stream.expect(t))
}

func TestStart_DisabledTaskWithNonPositiveInterval(t *testing.T) {
	cfg := testConfig()
	cfg.PingInterval = 0
	cfg.ReaperInterval = 0
	cfg.HealthInterval = 0
	svc := newTestService(t, cfg)

	svc.Start(context.Background())

	id, stream := admit(t, svc)
	subscribe(t, svc, id, stream, protocol.TopicNameAll)
	stream.expectNone(t)
}

func TestStart_StopsWithContext(t *testing.T) {
	cfg := testConfig()
	cfg.PingInterval = 10 * time.Millisecond
	svc := newTestService(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	svc.Start(ctx)
	cancel()

	done := make(chan struct{})
	go func() {
		svc.taskWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("maintenance tasks did not stop")
	}
}

func TestRunCycle_RecoversPanics(t *testing.T) {
	svc := newTestService(t, testConfig())
	assert.NotPanics(t, func() {
		svc.runCycle(context.Background(), svc.logger, func(context.Context) { panic("boom") })
	})
}

func TestReportHealth_DoesNotMutate(t *testing.T) {
	clock := newFakeClock()
	svc := newTestService(t, testConfig(), WithClock(clock.Now))
	id, _ := admit(t, svc)
	before, _ := svc.Connection(id)

	clock.Advance(time.Hour)
	svc.reportHealth(context.Background())

	after, ok := svc.Connection(id)
	require.True(t, ok)
	assert.Equal(t, before, after)
}

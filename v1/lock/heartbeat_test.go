package lock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestHeartbeatDisabled(t *testing.T) {
	b := newRecordingBackend(NewInMemory())
	hb := StartHeartbeat(context.Background(), b, HeartbeatConfig{
		Keys: []string{"k"}, StoreID: "locks", Token: "t", LeaseDuration: time.Second,
	})
	time.Sleep(20 * time.Millisecond)
	hb.Stop()
	assert.Zero(t, b.refreshes.Load())
	assert.Zero(t, hb.Refreshes())
}

func TestHeartbeatKeepsLeaseAlive(t *testing.T) {
	mem := NewInMemory()
	ctx := context.Background()
	token, err := mem.Acquire(ctx, []string{"k"}, "locks", 200*time.Millisecond)
	require.NoError(t, err)

	b := newRecordingBackend(mem)
	hb := StartHeartbeat(ctx, b, HeartbeatConfig{
		Keys: []string{"k"}, StoreID: "locks", Token: token,
		LeaseDuration: 200 * time.Millisecond, Interval: 100 * time.Millisecond,
	})
	time.Sleep(time.Second)
	hb.Stop()

	assert.GreaterOrEqual(t, hb.Refreshes(), 8)
	ok, err := mem.Release(ctx, []string{"k"}, "locks", token)
	require.NoError(t, err)
	assert.True(t, ok, "lease must survive a run five times longer than its duration")
}

func TestHeartbeatFailOpen(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	b := newRecordingBackend(NewInMemory())
	b.refreshFalse = true

	hb := StartHeartbeat(context.Background(), b, HeartbeatConfig{
		Keys: []string{"k"}, StoreID: "locks", Token: "t",
		LeaseDuration: time.Second, Interval: 10 * time.Millisecond,
		Logger: zap.New(core),
	})
	require.Eventually(t, func() bool { return hb.Refreshes() >= 3 }, time.Second, 5*time.Millisecond)
	hb.Stop()
	assert.GreaterOrEqual(t, logs.FilterMessageSnippet("lease refresh").Len(), 3)
}

func TestHeartbeatStopWaitsForInFlightRefresh(t *testing.T) {
	b := newRecordingBackend(NewInMemory())
	b.refreshDelay = 100 * time.Millisecond

	hb := StartHeartbeat(context.Background(), b, HeartbeatConfig{
		Keys: []string{"k"}, StoreID: "locks", Token: "t",
		LeaseDuration: time.Second, Interval: 10 * time.Millisecond,
	})
	require.Eventually(t, b.inRefresh.Load, time.Second, time.Millisecond)
	hb.Stop()
	assert.False(t, b.inRefresh.Load(), "Stop returned while a refresh was in flight")
	n := b.refreshes.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, n, b.refreshes.Load(), "no refresh may start after Stop")
	hb.Stop()
}

func TestHeartbeatIgnoresCallerCancellation(t *testing.T) {
	b := newRecordingBackend(NewInMemory())
	ctx, cancel := context.WithCancel(context.Background())
	hb := StartHeartbeat(ctx, b, HeartbeatConfig{
		Keys: []string{"k"}, StoreID: "locks", Token: "t",
		LeaseDuration: time.Second, Interval: 10 * time.Millisecond,
	})
	cancel()
	require.Eventually(t, func() bool { return hb.Refreshes() >= 2 }, time.Second, 5*time.Millisecond)
	hb.Stop()
}

func TestNilHeartbeatStop(t *testing.T) {
	var hb *Heartbeat
	assert.NotPanics(t, hb.Stop)
}

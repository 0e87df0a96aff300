package broker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastReconnect() ReconnectConfig {
	return ReconnectConfig{InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}
}

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never met")
}

func TestReconnectRunsResyncBeforeResuming(t *testing.T) {
	var dials, resyncs atomic.Int32
	m := NewConnManager(func(context.Context) error {
		dials.Add(1)
		return nil
	}, testLogger(), fastReconnect())
	m.OnReconnect(func(context.Context) error {
		resyncs.Add(1)
		return nil
	})

	require.True(t, m.Connected())
	m.MarkDisconnected(context.Background(), errors.New("broken pipe"))
	assert.False(t, m.Connected())

	waitFor(t, m.Connected)
	assert.Equal(t, int32(1), dials.Load())
	assert.Equal(t, int32(1), resyncs.Load())
}

func TestReconnectRetriesUntilDialSucceeds(t *testing.T) {
	var dials atomic.Int32
	m := NewConnManager(func(context.Context) error {
		if dials.Add(1) < 3 {
			return errors.New("connection refused")
		}
		return nil
	}, testLogger(), fastReconnect())

	m.MarkDisconnected(context.Background(), errors.New("gone"))
	waitFor(t, m.Connected)
	assert.GreaterOrEqual(t, dials.Load(), int32(3))
}

func TestReconnectStaysDownWhileResyncFails(t *testing.T) {
	var resyncs atomic.Int32
	m := NewConnManager(func(context.Context) error { return nil }, testLogger(), fastReconnect())
	m.OnReconnect(func(context.Context) error {
		if resyncs.Add(1) < 2 {
			return errors.New("reconcile failed")
		}
		return nil
	})

	m.MarkDisconnected(context.Background(), errors.New("gone"))
	waitFor(t, m.Connected)
	// Submissions resumed only after reconciliation finally succeeded.
	assert.Equal(t, int32(2), resyncs.Load())
}

func TestMarkDisconnectedIsIdempotentWhileReconnecting(t *testing.T) {
	block := make(chan struct{})
	var dials atomic.Int32
	m := NewConnManager(func(ctx context.Context) error {
		dials.Add(1)
		select {
		case <-block:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}, testLogger(), fastReconnect())

	m.MarkDisconnected(context.Background(), errors.New("first"))
	m.MarkDisconnected(context.Background(), errors.New("second"))
	waitFor(t, func() bool { return dials.Load() >= 1 })
	close(block)
	waitFor(t, m.Connected)
	assert.Equal(t, int32(1), dials.Load(), "reconnect attempts must be serialized")
}

package client

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flumechat/flume/pkg/protocol"
)

func TestFrameCountersObservable(t *testing.T) {
	conn, dialer, _ := newTestConnection(t, 0)
	m := NewMetrics(prometheus.NewRegistry())
	conn.SetMetrics(m)

	require.NoError(t, conn.Connect())
	require.True(t, conn.Send(&protocol.TypingEvent{UserID: "alice", IsTyping: true}))

	transport := dialer.latestTransport()
	transport.inject([]byte(`{not json`))
	transport.inject([]byte(`{"type":"typing","user_id":"bob","is_typing":true}`))

	// The valid frame arriving proves the malformed one was processed.
	select {
	case <-conn.Incoming():
	case <-time.After(time.Second):
		t.Fatal("valid frame was not delivered")
	}

	assert.Equal(t, float64(1), testutil.ToFloat64(m.framesSent))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.framesDropped))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.framesReceived))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.reconnects))
}

func TestDedupCounterObservable(t *testing.T) {
	conn := NewMockConnection()
	m := NewMetrics(prometheus.NewRegistry())
	r := NewReconciler(conn, "alice", DefaultConfig())
	r.SetMetrics(m)

	ev := inbound("srv-1", "c1", "hi", "bob", "")
	r.ApplyMessage(ev)
	r.ApplyMessage(ev)
	r.ApplyMessage(ev)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.messagesDedup))
}

func TestReplyDroppedCounterObservable(t *testing.T) {
	conn := NewMockConnection()
	cfg := DefaultConfig()
	cfg.ParentBufferSize = 1
	m := NewMetrics(prometheus.NewRegistry())
	r := NewReconciler(conn, "alice", cfg)
	r.SetClock(clock.NewMock())
	r.SetMetrics(m)

	r.ApplyMessage(inbound("m2", "c2", "one", "bob", "missing"))
	r.ApplyMessage(inbound("m3", "c3", "two", "bob", "missing"))

	assert.Equal(t, float64(1), testutil.ToFloat64(m.repliesDropped))
}

func TestCountersRegisterOnProvidedRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewMetrics(reg)

	families, err := reg.Gather()
	require.NoError(t, err)

	names := make(map[string]bool, len(families))
	for _, fam := range families {
		names[fam.GetName()] = true
	}
	for _, want := range []string{
		"flume_frames_sent_total",
		"flume_frames_received_total",
		"flume_frames_dropped_total",
		"flume_reconnect_attempts_total",
		"flume_messages_deduplicated_total",
		"flume_replies_dropped_total",
	} {
		assert.True(t, names[want], "counter %s not registered", want)
	}
}

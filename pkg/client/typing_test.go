package client

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flumechat/flume/pkg/protocol"
)

func newTestTyping(t *testing.T) (*TypingCoordinator, *MockConnection, *clock.Mock) {
	t.Helper()
	conn := NewMockConnection()
	clk := clock.NewMock()
	tc := NewTypingCoordinator(conn, "alice", DefaultConfig())
	tc.SetClock(clk)
	t.Cleanup(tc.Stop)
	return tc, conn, clk
}

func typingFrames(conn *MockConnection) []*protocol.TypingEvent {
	var out []*protocol.TypingEvent
	for _, ev := range conn.SentEvents {
		if typing, ok := ev.(*protocol.TypingEvent); ok {
			out = append(out, typing)
		}
	}
	return out
}

func TestKeystrokesDebounceToOneBroadcast(t *testing.T) {
	tc, conn, clk := newTestTyping(t)

	// A burst of keystrokes within the debounce window collapses into a
	// single typing=true frame.
	for i := 0; i < 10; i++ {
		tc.NotifyTyping()
		clk.Add(10 * time.Millisecond)
	}

	frames := typingFrames(conn)
	require.Len(t, frames, 1)
	assert.Equal(t, "alice", frames[0].UserID)
	assert.True(t, frames[0].IsTyping)
}

func TestContinuedTypingRebroadcastsPastDebounce(t *testing.T) {
	tc, conn, clk := newTestTyping(t)

	tc.NotifyTyping()
	clk.Add(DefaultConfig().TypingDebounce)
	tc.NotifyTyping()

	assert.Len(t, typingFrames(conn), 2)
}

func TestAutoStopAfterIdle(t *testing.T) {
	tc, conn, clk := newTestTyping(t)

	tc.NotifyTyping()
	clk.Add(DefaultConfig().TypingStopAfter)

	frames := typingFrames(conn)
	require.Len(t, frames, 2)
	assert.True(t, frames[0].IsTyping)
	assert.False(t, frames[1].IsTyping)
}

func TestKeystrokePushesAutoStopOut(t *testing.T) {
	tc, conn, clk := newTestTyping(t)
	stopAfter := DefaultConfig().TypingStopAfter

	tc.NotifyTyping()
	clk.Add(stopAfter - time.Second)
	tc.NotifyTyping() // re-arms the idle timer
	clk.Add(stopAfter - time.Second)

	for _, frame := range typingFrames(conn) {
		assert.True(t, frame.IsTyping, "no stop broadcast while keystrokes keep arriving")
	}

	clk.Add(time.Second)
	frames := typingFrames(conn)
	assert.False(t, frames[len(frames)-1].IsTyping)
}

func TestRemoteTypersExpire(t *testing.T) {
	tc, _, clk := newTestTyping(t)

	tc.ApplyTyping(&protocol.TypingEvent{UserID: "bob", IsTyping: true})
	tc.ApplyTyping(&protocol.TypingEvent{UserID: "carol", IsTyping: true})
	assert.Equal(t, []string{"bob", "carol"}, tc.ActiveTypers())

	// A refresh keeps bob alive past carol's expiry.
	clk.Add(3 * time.Second)
	tc.ApplyTyping(&protocol.TypingEvent{UserID: "bob", IsTyping: true})
	clk.Add(2 * time.Second)
	assert.Equal(t, []string{"bob"}, tc.ActiveTypers())

	clk.Add(3 * time.Second)
	assert.Empty(t, tc.ActiveTypers())
}

func TestExplicitStopClearsImmediately(t *testing.T) {
	tc, _, _ := newTestTyping(t)

	tc.ApplyTyping(&protocol.TypingEvent{UserID: "bob", IsTyping: true})
	tc.ApplyTyping(&protocol.TypingEvent{UserID: "bob", IsTyping: false})
	assert.Empty(t, tc.ActiveTypers())
}

func TestOwnTypingEventsAreIgnored(t *testing.T) {
	tc, _, _ := newTestTyping(t)

	// The server echoes our broadcast back; we must not list ourselves.
	tc.ApplyTyping(&protocol.TypingEvent{UserID: "alice", IsTyping: true})
	assert.Empty(t, tc.ActiveTypers())
}

func TestStopSuppressesFurtherBroadcasts(t *testing.T) {
	tc, conn, clk := newTestTyping(t)

	tc.NotifyTyping()
	tc.Stop()
	sent := len(typingFrames(conn))

	tc.NotifyTyping()
	clk.Add(time.Minute)
	assert.Len(t, typingFrames(conn), sent, "stopped coordinator stays silent")
}

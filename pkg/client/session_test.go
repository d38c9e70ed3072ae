package client

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flumechat/flume/pkg/protocol"
)

func newTestSession(t *testing.T) (*Session, *MockConnection) {
	t.Helper()
	conn := NewMockConnection()
	s := NewSession(conn, "alice", DefaultConfig())
	s.Start()
	t.Cleanup(s.Close)
	return s, conn
}

// timeline polls until the root timeline reaches n messages, so tests
// can wait out the dispatch goroutine.
func timeline(t *testing.T, s *Session, n int) []MessageSnapshot {
	t.Helper()
	var snapshot []MessageSnapshot
	require.Eventually(t, func() bool {
		snapshot = s.Snapshot()
		return len(snapshot) == n
	}, time.Second, time.Millisecond)
	return snapshot
}

func TestInboundMessageReachesTimeline(t *testing.T) {
	s, conn := newTestSession(t)

	conn.SimulateIncoming(&protocol.MessageEvent{
		ID: "m1", CorrelationID: "c1", Content: "hi", Sender: "bob", Timestamp: 1000,
	})

	snapshot := timeline(t, s, 1)
	assert.Equal(t, "hi", snapshot[0].Content)
	assert.Equal(t, StatusDelivered, snapshot[0].Status)
	assert.True(t, snapshot[0].Unread, "message from another sender starts unread")
}

func TestSendAndAckThroughSession(t *testing.T) {
	s, conn := newTestSession(t)

	corrID := s.SendMessage("hello", "")
	conn.SimulateIncoming(&protocol.MessageEvent{
		ID: "srv-1", CorrelationID: corrID, Content: "hello", Sender: "alice", Timestamp: 1000,
	})

	require.Eventually(t, func() bool {
		snapshot := s.Snapshot()
		return len(snapshot) == 1 && snapshot[0].Status == StatusSent
	}, time.Second, time.Millisecond)

	snapshot := s.Snapshot()
	assert.Equal(t, "srv-1", snapshot[0].ID)
	assert.False(t, snapshot[0].Unread, "own messages are never unread")
}

func TestReactionComposesIntoSnapshot(t *testing.T) {
	s, conn := newTestSession(t)

	conn.SimulateIncoming(&protocol.MessageEvent{
		ID: "m1", CorrelationID: "c1", Content: "hi", Sender: "bob", Timestamp: 1000,
	})
	timeline(t, s, 1)

	conn.SimulateIncoming(&protocol.ReactionEvent{MessageID: "m1", Reaction: "👍", UserID: "carol", Add: true})
	require.Eventually(t, func() bool {
		snapshot := s.Snapshot()
		return len(snapshot) == 1 && snapshot[0].Reactions["👍"] == 1
	}, time.Second, time.Millisecond)

	require.NoError(t, s.ToggleReaction("m1", "👍"))
	snapshot := s.Snapshot()
	assert.Equal(t, 2, snapshot[0].Reactions["👍"])
	assert.Equal(t, []string{"👍"}, snapshot[0].OwnReactions)
}

func TestMarkReadClearsUnread(t *testing.T) {
	s, conn := newTestSession(t)

	conn.SimulateIncoming(&protocol.MessageEvent{
		ID: "m1", CorrelationID: "c1", Content: "hi", Sender: "bob", Timestamp: 1000,
	})
	timeline(t, s, 1)

	require.NoError(t, s.MarkRead("m1"))
	assert.False(t, s.Snapshot()[0].Unread)

	receipt := conn.LastSent().(*protocol.ReadReceiptEvent)
	assert.Equal(t, "m1", receipt.MessageID)
}

func TestMarkReadOwnMessageIsNoOp(t *testing.T) {
	s, conn := newTestSession(t)

	corrID := s.SendMessage("mine", "")
	conn.ClearSent()

	require.NoError(t, s.MarkRead(corrID))
	assert.Equal(t, 0, conn.SentCount(), "no receipt for our own message")
}

func TestMarkReadUnknownMessage(t *testing.T) {
	s, _ := newTestSession(t)
	assert.ErrorIs(t, s.MarkRead("nope"), ErrUnknownMessage)
}

func TestTypingIndicatorFlowsThroughSession(t *testing.T) {
	s, conn := newTestSession(t)

	conn.SimulateIncoming(&protocol.TypingEvent{UserID: "bob", IsTyping: true})
	require.Eventually(t, func() bool {
		typers := s.ActiveTypers()
		return len(typers) == 1 && typers[0] == "bob"
	}, time.Second, time.Millisecond)

	s.NotifyTyping()
	sent := conn.LastSent().(*protocol.TypingEvent)
	assert.Equal(t, "alice", sent.UserID)
	assert.True(t, sent.IsTyping)
}

func TestHistoryReplacesTimeline(t *testing.T) {
	s, conn := newTestSession(t)

	conn.SimulateIncoming(&protocol.MessageEvent{
		ID: "stale", CorrelationID: "sc", Content: "old", Sender: "bob", Timestamp: 1,
	})
	timeline(t, s, 1)

	conn.SimulateIncoming(&protocol.MessageHistoryEvent{Messages: []protocol.MessageEvent{
		{ID: "h1", CorrelationID: "hc1", Content: "one", Sender: "bob", Timestamp: 100},
		{ID: "h2", CorrelationID: "hc2", Content: "two", Sender: "carol", Timestamp: 200},
	}})

	snapshot := timeline(t, s, 2)
	assert.Equal(t, "one", snapshot[0].Content)
	assert.Equal(t, "two", snapshot[1].Content)
}

func TestThreadReplySignal(t *testing.T) {
	s, conn := newTestSession(t)

	conn.SimulateIncoming(&protocol.MessageEvent{
		ID: "m1", CorrelationID: "c1", Content: "root", Sender: "bob", Timestamp: 1000,
	})
	timeline(t, s, 1)
	require.NoError(t, s.OpenThread("m1"))
	assert.Equal(t, "m1", s.CurrentThread())

	conn.SimulateIncoming(&protocol.MessageEvent{
		ID: "m2", CorrelationID: "c2", Content: "in thread", Sender: "carol", Timestamp: 1001, ParentID: "m1",
	})

	select {
	case signal := <-s.ThreadReplies():
		assert.Equal(t, "m1", signal.ParentID)
		assert.Equal(t, "in thread", signal.Reply.Content)
	case <-time.After(time.Second):
		t.Fatal("no thread reply signal")
	}
}

func TestRepliesOutsideOpenThreadDoNotSignal(t *testing.T) {
	s, conn := newTestSession(t)

	conn.SimulateIncoming(&protocol.MessageEvent{
		ID: "m1", CorrelationID: "c1", Content: "root", Sender: "bob", Timestamp: 1000,
	})
	conn.SimulateIncoming(&protocol.MessageEvent{
		ID: "m9", CorrelationID: "c9", Content: "other root", Sender: "bob", Timestamp: 1000,
	})
	timeline(t, s, 2)
	require.NoError(t, s.OpenThread("m9"))

	conn.SimulateIncoming(&protocol.MessageEvent{
		ID: "m2", CorrelationID: "c2", Content: "elsewhere", Sender: "carol", Timestamp: 1001, ParentID: "m1",
	})

	// The reply still attaches to its parent, it just raises no signal.
	require.Eventually(t, func() bool {
		snapshot := s.Snapshot()
		return len(snapshot) == 2 && len(snapshot[0].Replies) == 1
	}, time.Second, time.Millisecond)
	assert.Empty(t, s.ThreadReplies())

	s.CloseThread()
	assert.Equal(t, "", s.CurrentThread())
}

func TestOpenThreadUnknownMessage(t *testing.T) {
	s, _ := newTestSession(t)
	assert.ErrorIs(t, s.OpenThread("nope"), ErrUnknownMessage)
}

func TestRequestThreadRepliesRoundTrip(t *testing.T) {
	s, conn := newTestSession(t)

	conn.SimulateIncoming(&protocol.MessageEvent{
		ID: "m1", CorrelationID: "c1", Content: "root", Sender: "bob", Timestamp: 1000,
	})
	timeline(t, s, 1)

	require.NoError(t, s.RequestThreadReplies("m1"))
	request := conn.LastSent().(*protocol.GetThreadRepliesEvent)
	assert.Equal(t, "m1", request.ParentID)

	conn.SimulateIncoming(&protocol.ThreadRepliesEvent{ParentID: "m1", Messages: []protocol.MessageEvent{
		{ID: "r1", CorrelationID: "rc1", Content: "a reply", Sender: "carol", Timestamp: 1001, ParentID: "m1"},
	}})

	require.Eventually(t, func() bool {
		snapshot := s.Snapshot()
		return len(snapshot) == 1 && len(snapshot[0].Replies) == 1
	}, time.Second, time.Millisecond)

	assert.ErrorIs(t, s.RequestThreadReplies("nope"), ErrUnknownMessage)
}

func TestStateUpdatesSurfaceAndFailMessages(t *testing.T) {
	s, conn := newTestSession(t)
	conn.SetState(StateDisconnected)

	s.SendMessage("doomed", "")
	conn.SimulateStateChange(StateUpdate{State: StateFailed, Attempt: 11})

	select {
	case update := <-s.StateChanges():
		assert.Equal(t, StateFailed, update.State)
	case <-time.After(time.Second):
		t.Fatal("no state update surfaced")
	}

	require.Eventually(t, func() bool {
		snapshot := s.Snapshot()
		return len(snapshot) == 1 && snapshot[0].Status == StatusFailed
	}, time.Second, time.Millisecond)
}

func TestUnhandledFrameTypeIsIgnored(t *testing.T) {
	s, conn := newTestSession(t)

	conn.SimulateIncoming(&protocol.PresenceEvent{UserID: "bob", Status: "online"})
	conn.SimulateIncoming(&protocol.MessageEvent{
		ID: "m1", CorrelationID: "c1", Content: "still works", Sender: "bob", Timestamp: 1000,
	})

	timeline(t, s, 1)
}

func TestCloseIsIdempotent(t *testing.T) {
	conn := NewMockConnection()
	s := NewSession(conn, "alice", DefaultConfig())
	s.Start()

	s.Close()
	s.Close()

	_, open := <-s.StateChanges()
	assert.False(t, open, "state channel closes with the session")
}

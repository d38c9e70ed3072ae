package client

import (
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/flumechat/flume/pkg/protocol"
)

// reactionState is the per-message aggregate. Counts for other users
// follow server-pushed deltas; only the current user's own membership
// is validated locally.
type reactionState struct {
	counts map[string]int
	own    map[string]struct{}
}

type receiptKey struct {
	messageID string
	userID    string
}

// ReactionTracker maintains aggregated reaction counts and per-user
// read state, applying optimistic local toggles and reconciling them
// against authoritative server events.
type ReactionTracker struct {
	conn   ConnectionInterface
	clock  clock.Clock
	logger zerolog.Logger
	self   string

	mu        sync.Mutex
	reactions map[string]*reactionState
	receipts  map[receiptKey]time.Time // add-only for the session
}

// NewReactionTracker creates a tracker for the local user self.
func NewReactionTracker(conn ConnectionInterface, self string) *ReactionTracker {
	return &ReactionTracker{
		conn:      conn,
		clock:     clock.New(),
		logger:    zerolog.Nop(),
		self:      self,
		reactions: make(map[string]*reactionState),
		receipts:  make(map[receiptKey]time.Time),
	}
}

func (t *ReactionTracker) SetLogger(logger zerolog.Logger) { t.logger = logger }
func (t *ReactionTracker) SetClock(clk clock.Clock)        { t.clock = clk }

// Toggle optimistically flips the local user's reaction before the
// round trip completes. Toggling while disconnected is rejected rather
// than queued: replaying a stale toggle after reconnection could
// corrupt the counts.
func (t *ReactionTracker) Toggle(messageID, symbol string) error {
	if t.conn.State() != StateConnected {
		return ErrNotConnected
	}

	t.mu.Lock()
	st := t.stateFor(messageID)
	_, member := st.own[symbol]
	add := !member
	if add {
		st.own[symbol] = struct{}{}
		st.counts[symbol]++
	} else {
		delete(st.own, symbol)
		if st.counts[symbol] > 0 {
			st.counts[symbol]--
		}
	}
	t.mu.Unlock()

	ev := &protocol.ReactionEvent{
		MessageID: messageID,
		Reaction:  symbol,
		UserID:    t.self,
		Add:       add,
	}
	if !t.conn.Send(ev) {
		// Lost the connection between the state check and the write:
		// roll the optimistic flip back and report the rejection.
		t.mu.Lock()
		if add {
			delete(st.own, symbol)
			if st.counts[symbol] > 0 {
				st.counts[symbol]--
			}
		} else {
			st.own[symbol] = struct{}{}
			st.counts[symbol]++
		}
		t.mu.Unlock()
		return ErrNotConnected
	}
	return nil
}

// ApplyReaction applies a server reaction event. For the local user the
// event is authoritative and overwrites the optimistic guess; for other
// users the delta is trusted as pushed.
func (t *ReactionTracker) ApplyReaction(ev *protocol.ReactionEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st := t.stateFor(ev.MessageID)

	if ev.UserID == t.self {
		_, member := st.own[ev.Reaction]
		switch {
		case ev.Add && !member:
			st.own[ev.Reaction] = struct{}{}
			st.counts[ev.Reaction]++
		case !ev.Add && member:
			delete(st.own, ev.Reaction)
			if st.counts[ev.Reaction] > 0 {
				st.counts[ev.Reaction]--
			}
		}
		// Matching state means the event confirms the optimistic toggle.
		return
	}

	if ev.Add {
		st.counts[ev.Reaction]++
	} else if st.counts[ev.Reaction] > 0 {
		st.counts[ev.Reaction]--
	}
}

// MarkRead records and broadcasts a read receipt for a message. Marking
// an already-read message is a no-op. Receipts are monotone and safe to
// replay, so a receipt issued while disconnected queues for the next
// connect instead of being rejected.
func (t *ReactionTracker) MarkRead(messageID string) {
	key := receiptKey{messageID: messageID, userID: t.self}
	now := t.clock.Now()

	t.mu.Lock()
	if _, read := t.receipts[key]; read {
		t.mu.Unlock()
		return
	}
	t.receipts[key] = now
	t.mu.Unlock()

	t.conn.Send(&protocol.ReadReceiptEvent{
		MessageID: messageID,
		UserID:    t.self,
		ReadAt:    now.UnixMilli(),
	})
}

// ApplyReceipt records an inbound read receipt. The set is add-only: a
// message never becomes unread again for a user within the session.
func (t *ReactionTracker) ApplyReceipt(ev *protocol.ReadReceiptEvent) {
	key := receiptKey{messageID: ev.MessageID, userID: ev.UserID}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, seen := t.receipts[key]; !seen {
		t.receipts[key] = time.UnixMilli(ev.ReadAt)
	}
}

// Counts returns a copy of the reaction counts for a message.
func (t *ReactionTracker) Counts(messageID string) map[string]int {
	t.mu.Lock()
	defer t.mu.Unlock()

	st := t.reactions[messageID]
	if st == nil {
		return nil
	}
	counts := make(map[string]int, len(st.counts))
	for symbol, n := range st.counts {
		if n > 0 {
			counts[symbol] = n
		}
	}
	if len(counts) == 0 {
		return nil
	}
	return counts
}

// OwnReactions returns the symbols the local user has applied, sorted.
func (t *ReactionTracker) OwnReactions(messageID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	st := t.reactions[messageID]
	if st == nil || len(st.own) == 0 {
		return nil
	}
	symbols := make([]string, 0, len(st.own))
	for symbol := range st.own {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)
	return symbols
}

// IsRead reports whether a user has read a message.
func (t *ReactionTracker) IsRead(messageID, userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, read := t.receipts[receiptKey{messageID: messageID, userID: userID}]
	return read
}

// stateFor returns the per-message state, creating it on first
// reference. Callers hold t.mu.
func (t *ReactionTracker) stateFor(messageID string) *reactionState {
	st := t.reactions[messageID]
	if st == nil {
		st = &reactionState{
			counts: make(map[string]int),
			own:    make(map[string]struct{}),
		}
		t.reactions[messageID] = st
	}
	return st
}

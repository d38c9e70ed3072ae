package client

import (
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/flumechat/flume/pkg/protocol"
)

// TypingCoordinator debounces local typing broadcasts and expires
// remote typing indicators. The UI calls NotifyTyping on every
// keystroke; the coordinator turns that into at most one broadcast per
// debounce window and synthesizes the "stopped typing" broadcast after
// an idle period, since the UI sends no explicit stop signal.
type TypingCoordinator struct {
	conn   ConnectionInterface
	clock  clock.Clock
	logger zerolog.Logger
	self   string
	cfg    Config

	mu            sync.Mutex
	entries       map[string]time.Time // userID -> expiresAt
	broadcasting  bool                 // typing=true sent, stop timer armed
	debounceUntil time.Time
	stopTimer     *clock.Timer
	stopped       bool
}

// NewTypingCoordinator creates a coordinator for the local user self.
func NewTypingCoordinator(conn ConnectionInterface, self string, cfg Config) *TypingCoordinator {
	return &TypingCoordinator{
		conn:    conn,
		clock:   clock.New(),
		logger:  zerolog.Nop(),
		self:    self,
		cfg:     cfg,
		entries: make(map[string]time.Time),
	}
}

func (tc *TypingCoordinator) SetLogger(logger zerolog.Logger) { tc.logger = logger }
func (tc *TypingCoordinator) SetClock(clk clock.Clock)        { tc.clock = clk }

// NotifyTyping reports local keyboard activity. Calls inside the
// debounce window collapse into the previous broadcast; every call
// pushes the auto-stop deadline out.
func (tc *TypingCoordinator) NotifyTyping() {
	now := tc.clock.Now()

	tc.mu.Lock()
	if tc.stopped {
		tc.mu.Unlock()
		return
	}

	broadcast := !tc.broadcasting || !now.Before(tc.debounceUntil)
	if broadcast {
		tc.broadcasting = true
		tc.debounceUntil = now.Add(tc.cfg.TypingDebounce)
	}

	if tc.stopTimer != nil {
		tc.stopTimer.Stop()
	}
	tc.stopTimer = tc.clock.AfterFunc(tc.cfg.TypingStopAfter, tc.autoStop)
	tc.mu.Unlock()

	if broadcast {
		tc.conn.Send(&protocol.TypingEvent{UserID: tc.self, IsTyping: true})
	}
}

// autoStop fires when no NotifyTyping call arrived for the idle window.
func (tc *TypingCoordinator) autoStop() {
	tc.mu.Lock()
	if tc.stopped || !tc.broadcasting {
		tc.mu.Unlock()
		return
	}
	tc.broadcasting = false
	tc.mu.Unlock()

	tc.conn.Send(&protocol.TypingEvent{UserID: tc.self, IsTyping: false})
}

// ApplyTyping refreshes or clears a remote user's typing indicator.
func (tc *TypingCoordinator) ApplyTyping(ev *protocol.TypingEvent) {
	if ev.UserID == tc.self {
		return
	}

	tc.mu.Lock()
	defer tc.mu.Unlock()

	if !ev.IsTyping {
		delete(tc.entries, ev.UserID)
		return
	}
	tc.entries[ev.UserID] = tc.clock.Now().Add(tc.cfg.TypingExpiry)
}

// ActiveTypers returns the users currently typing, sorted. Expired
// entries are swept lazily on each read; the local user is excluded by
// construction.
func (tc *TypingCoordinator) ActiveTypers() []string {
	now := tc.clock.Now()

	tc.mu.Lock()
	defer tc.mu.Unlock()

	var typers []string
	for userID, expiresAt := range tc.entries {
		if !now.Before(expiresAt) {
			delete(tc.entries, userID)
			continue
		}
		typers = append(typers, userID)
	}
	sort.Strings(typers)
	return typers
}

// Stop cancels the pending timers. No final typing=false broadcast goes
// out: Stop runs during session teardown when the queue is discarded.
func (tc *TypingCoordinator) Stop() {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.stopped = true
	tc.broadcasting = false
	if tc.stopTimer != nil {
		tc.stopTimer.Stop()
		tc.stopTimer = nil
	}
}

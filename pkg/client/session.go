package client

import (
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/flumechat/flume/pkg/protocol"
)

// MessageSnapshot is one message in the presentation view: the
// reconciler's record composed with reaction counts and read state.
type MessageSnapshot struct {
	ID            string
	CorrelationID string
	ParentID      string
	Sender        string
	Content       string
	CreatedAt     time.Time
	Status        Status
	Reactions     map[string]int
	OwnReactions  []string
	Unread        bool
	Replies       []MessageSnapshot
}

// Session owns one conversation: a connection, the reconciler, the
// reaction/receipt tracker, the typing coordinator and the thread
// router. All inbound frames flow through a single ordered dispatch
// goroutine, so no two handlers ever mutate shared state concurrently.
type Session struct {
	conn      ConnectionInterface
	recon     *Reconciler
	reactions *ReactionTracker
	typing    *TypingCoordinator
	threads   *ThreadRouter

	logger zerolog.Logger
	self   string

	states    chan StateUpdate
	shutdown  chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewSession wires the engine components around a connection. Call
// Start to begin dispatching; configure loggers and clocks first.
func NewSession(conn ConnectionInterface, self string, cfg Config) *Session {
	s := &Session{
		conn:      conn,
		recon:     NewReconciler(conn, self, cfg),
		reactions: NewReactionTracker(conn, self),
		typing:    NewTypingCoordinator(conn, self, cfg),
		logger:    zerolog.Nop(),
		self:      self,
		states:    make(chan StateUpdate, cfg.StateQueueSize),
		shutdown:  make(chan struct{}),
	}
	s.threads = NewThreadRouter(s.recon.Resolve, cfg.ReplySignalSize)
	s.recon.SetReplyHook(s.threads.Observe)
	return s
}

// Dial is the production entry point: open a connection against
// serverURL with the session token and start the engine. Counters
// register on reg, or the default Prometheus registerer when reg is
// nil, so a promhttp endpoint in the host process sees them. The first
// dial failing is returned as an error, but the connection keeps
// retrying in the background; watch StateChanges for recovery.
func Dial(serverURL, token, self string, cfg Config, logger zerolog.Logger, reg prometheus.Registerer) (*Session, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	conn := NewConnection(serverURL, token, cfg)
	s := NewSession(conn, self, cfg)
	s.SetLogger(logger)
	s.SetMetrics(NewMetrics(reg))

	err := conn.Connect()
	s.Start()
	if err != nil {
		return s, fmt.Errorf("initial connect failed (retrying in background): %w", err)
	}
	return s, nil
}

// SetLogger sets the logger on the session and every component.
func (s *Session) SetLogger(logger zerolog.Logger) {
	s.logger = logger
	s.recon.SetLogger(logger)
	s.reactions.SetLogger(logger)
	s.typing.SetLogger(logger)
	if c, ok := s.conn.(*Connection); ok {
		c.SetLogger(logger)
	}
}

// SetClock replaces the wall clock everywhere (tests use a mock).
func (s *Session) SetClock(clk clock.Clock) {
	s.recon.SetClock(clk)
	s.reactions.SetClock(clk)
	s.typing.SetClock(clk)
	if c, ok := s.conn.(*Connection); ok {
		c.SetClock(clk)
	}
}

// SetMetrics attaches Prometheus instrumentation.
func (s *Session) SetMetrics(m *Metrics) {
	s.recon.SetMetrics(m)
	if c, ok := s.conn.(*Connection); ok {
		c.SetMetrics(m)
	}
}

// Start launches the dispatch loop.
func (s *Session) Start() {
	s.wg.Add(1)
	go s.loop()
}

// loop is the single ordered event pipeline: inbound frames and
// connectivity updates are processed in arrival order, one at a time.
func (s *Session) loop() {
	defer s.wg.Done()

	for {
		select {
		case ev, ok := <-s.conn.Incoming():
			if !ok {
				return
			}
			s.dispatch(ev)
		case update, ok := <-s.conn.StateChanges():
			if !ok {
				return
			}
			s.recon.OnConnState(update.State)
			select {
			case s.states <- update:
			default:
			}
		case <-s.shutdown:
			return
		}
	}
}

func (s *Session) dispatch(ev protocol.Event) {
	switch e := ev.(type) {
	case *protocol.MessageEvent:
		s.recon.ApplyMessage(e)
	case *protocol.ReactionEvent:
		s.reactions.ApplyReaction(e)
	case *protocol.TypingEvent:
		s.typing.ApplyTyping(e)
	case *protocol.ReadReceiptEvent:
		s.reactions.ApplyReceipt(e)
		s.recon.ApplyReceipt(e.MessageID, e.UserID)
	case *protocol.MessageHistoryEvent:
		s.recon.ReplaceHistory(e.Messages)
	case *protocol.ThreadRepliesEvent:
		s.recon.ApplyThreadReplies(e.ParentID, e.Messages)
	case *protocol.PresenceEvent:
		// Reserved; decoded so it doesn't count as a protocol error.
	default:
		s.logger.Warn().Str("type", ev.EventType()).Msg("no handler for frame type")
	}
}

// SendMessage sends a message, optionally as a reply to parentID, and
// returns its correlation id.
func (s *Session) SendMessage(content, parentID string) string {
	return s.recon.SendMessage(content, parentID)
}

// Resend retries a failed message under a fresh correlation id.
func (s *Session) Resend(corrID string) (string, error) {
	return s.recon.Resend(corrID)
}

// ToggleReaction flips the local user's reaction on a message. Returns
// ErrNotConnected while disconnected; reaction toggles are never
// queued.
func (s *Session) ToggleReaction(messageID, symbol string) error {
	return s.reactions.Toggle(messageID, symbol)
}

// MarkRead issues a read receipt for a message from another sender.
// Own messages and already-read messages are no-ops.
func (s *Session) MarkRead(messageID string) error {
	sender, ok := s.recon.SenderOf(messageID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMessage, messageID)
	}
	if sender == s.self {
		return nil
	}
	s.reactions.MarkRead(messageID)
	return nil
}

// NotifyTyping reports local keyboard activity.
func (s *Session) NotifyTyping() {
	s.typing.NotifyTyping()
}

// ActiveTypers returns the remote users currently typing.
func (s *Session) ActiveTypers() []string {
	return s.typing.ActiveTypers()
}

// OpenThread opens the thread rooted at messageID.
func (s *Session) OpenThread(messageID string) error {
	return s.threads.OpenThread(messageID)
}

// CloseThread closes the open thread.
func (s *Session) CloseThread() {
	s.threads.CloseThread()
}

// CurrentThread returns the open thread's message id, or "".
func (s *Session) CurrentThread() string {
	return s.threads.CurrentThread()
}

// ThreadReplies returns the new-reply signal channel for the open
// thread.
func (s *Session) ThreadReplies() <-chan ThreadReply {
	return s.threads.Replies()
}

// RequestThreadReplies asks the server for the reply list of a parent
// message; the response arrives as a thread_replies frame.
func (s *Session) RequestThreadReplies(parentID string) error {
	if !s.recon.Resolve(parentID) {
		return fmt.Errorf("%w: %s", ErrUnknownMessage, parentID)
	}
	s.conn.Send(&protocol.GetThreadRepliesEvent{ParentID: parentID})
	return nil
}

// StateChanges surfaces connectivity transitions, the one error
// condition meant for direct display.
func (s *Session) StateChanges() <-chan StateUpdate {
	return s.states
}

// ConnectionState returns the current connection state.
func (s *Session) ConnectionState() ConnState {
	return s.conn.State()
}

// Retry leaves the failed connection state after the retry budget was
// exhausted.
func (s *Session) Retry() error {
	return s.conn.Retry()
}

// Snapshot returns the ordered root timeline with replies, reaction
// counts and read state composed in. The view is always internally
// consistent even when inbound events were discarded.
func (s *Session) Snapshot() []MessageSnapshot {
	views := s.recon.Snapshot()
	snapshots := make([]MessageSnapshot, 0, len(views))
	for _, v := range views {
		snapshots = append(snapshots, s.compose(v))
	}
	return snapshots
}

func (s *Session) compose(v MessageView) MessageSnapshot {
	key := v.ID
	if key == "" {
		key = v.CorrelationID
	}

	snap := MessageSnapshot{
		ID:            v.ID,
		CorrelationID: v.CorrelationID,
		ParentID:      v.ParentID,
		Sender:        v.Sender,
		Content:       v.Content,
		CreatedAt:     v.CreatedAt,
		Status:        v.Status,
		Reactions:     s.reactions.Counts(key),
		OwnReactions:  s.reactions.OwnReactions(key),
		Unread:        v.Sender != s.self && !s.reactions.IsRead(key, s.self),
	}
	for _, reply := range v.Replies {
		snap.Replies = append(snap.Replies, s.compose(reply))
	}
	return snap
}

// Close tears the session down: the connection closes, every pending
// timer is cancelled, and the outbound queue is discarded.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.shutdown)
		s.conn.Close()
		s.wg.Wait()
		s.typing.Stop()
		s.recon.Stop()
		close(s.states)
	})
}

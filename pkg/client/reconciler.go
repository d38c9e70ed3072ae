package client

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/flumechat/flume/pkg/protocol"
)

// Status is a message's delivery state. It only moves forward through
// the listed order; failed is terminal until an explicit Resend.
type Status int

const (
	StatusQueued Status = iota
	StatusSending
	StatusSent
	StatusDelivered
	StatusRead
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusQueued:
		return "queued"
	case StatusSending:
		return "sending"
	case StatusSent:
		return "sent"
	case StatusDelivered:
		return "delivered"
	case StatusRead:
		return "read"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

var (
	ErrUnknownMessage = errors.New("unknown message")
	ErrNotFailed      = errors.New("message has not failed")
)

// message is the reconciler's internal record. A message is identified
// by its correlation id for the whole session; the server id joins the
// index once the ack arrives, and both keys resolve to this record.
type message struct {
	id            string
	correlationID string
	parentID      string
	sender        string
	content       string
	createdAt     time.Time
	status        Status
	replies       []*message
}

// MessageView is an immutable copy handed to the presentation layer.
type MessageView struct {
	ID            string
	CorrelationID string
	ParentID      string
	Sender        string
	Content       string
	CreatedAt     time.Time
	Status        Status
	Replies       []MessageView
}

// orphan is a reply waiting for its parent to arrive.
type orphan struct {
	ev    *protocol.MessageEvent
	timer *clock.Timer
}

// replySignal carries a newly attached reply to the thread router.
type replySignal struct {
	parentID string
	reply    MessageView
}

// Reconciler merges locally-originated optimistic messages with
// server-confirmed events, deduplicating by correlation id and keeping
// the root timeline and per-parent reply lists ordered.
type Reconciler struct {
	conn    ConnectionInterface
	clock   clock.Clock
	logger  zerolog.Logger
	metrics *Metrics
	self    string
	cfg     Config

	mu            sync.Mutex
	roots         []*message
	byCorrelation map[string]*message
	byID          map[string]*message
	orphans       map[string][]*orphan // keyed by missing parent id
	orphanCount   int
	onReply       func(parentID string, reply MessageView)
}

// NewReconciler creates a reconciler for the local user self.
func NewReconciler(conn ConnectionInterface, self string, cfg Config) *Reconciler {
	return &Reconciler{
		conn:          conn,
		clock:         clock.New(),
		logger:        zerolog.Nop(),
		self:          self,
		cfg:           cfg,
		byCorrelation: make(map[string]*message),
		byID:          make(map[string]*message),
		orphans:       make(map[string][]*orphan),
	}
}

func (r *Reconciler) SetLogger(logger zerolog.Logger) { r.logger = logger }
func (r *Reconciler) SetClock(clk clock.Clock)        { r.clock = clk }
func (r *Reconciler) SetMetrics(m *Metrics)           { r.metrics = m }

// SetReplyHook registers a callback fired whenever an inbound reply
// attaches to its parent. Called outside the reconciler lock.
func (r *Reconciler) SetReplyHook(hook func(parentID string, reply MessageView)) {
	r.onReply = hook
}

// SendMessage creates an optimistic message, appends it to the root
// timeline or the parent's replies, and hands the frame to the
// connection. Returns the correlation id identifying the message until
// (and after) the server ack arrives.
func (r *Reconciler) SendMessage(content, parentID string) string {
	corrID := uuid.NewString()
	now := r.clock.Now()

	m := &message{
		correlationID: corrID,
		parentID:      parentID,
		sender:        r.self,
		content:       content,
		createdAt:     now,
		status:        StatusSending,
	}

	r.mu.Lock()
	r.byCorrelation[corrID] = m
	if parentID != "" {
		if parent := r.resolveLocked(parentID); parent != nil {
			parent.replies = append(parent.replies, m)
		} else {
			r.logger.Warn().Str("parent_id", parentID).Msg("reply to unknown parent, placing on root timeline")
			m.parentID = ""
			r.roots = append(r.roots, m)
		}
	} else {
		r.roots = append(r.roots, m)
	}
	r.mu.Unlock()

	ev := &protocol.MessageEvent{
		CorrelationID: corrID,
		Content:       content,
		Sender:        r.self,
		Timestamp:     now.UnixMilli(),
		ParentID:      parentID,
	}
	sent := r.conn.Send(ev)

	r.mu.Lock()
	if !sent && m.status == StatusSending {
		m.status = StatusQueued
	}
	r.mu.Unlock()

	return corrID
}

// Resend retries a failed message under a fresh correlation id. The old
// id stops resolving; the new one is returned.
func (r *Reconciler) Resend(corrID string) (string, error) {
	r.mu.Lock()
	m := r.byCorrelation[corrID]
	if m == nil {
		r.mu.Unlock()
		return "", fmt.Errorf("%w: correlation id %s", ErrUnknownMessage, corrID)
	}
	if m.status != StatusFailed {
		r.mu.Unlock()
		return "", fmt.Errorf("%w: %s is %s", ErrNotFailed, corrID, m.status)
	}

	newCorr := uuid.NewString()
	delete(r.byCorrelation, corrID)
	r.byCorrelation[newCorr] = m
	m.correlationID = newCorr
	m.status = StatusSending
	ev := &protocol.MessageEvent{
		CorrelationID: newCorr,
		Content:       m.content,
		Sender:        m.sender,
		Timestamp:     m.createdAt.UnixMilli(),
		ParentID:      m.parentID,
	}
	r.mu.Unlock()

	// The original frame may still sit in the outbound queue; evict it
	// so the next reconnect cannot transmit both copies.
	r.conn.Evict(corrID)
	sent := r.conn.Send(ev)

	r.mu.Lock()
	if !sent && m.status == StatusSending {
		m.status = StatusQueued
	}
	r.mu.Unlock()

	return newCorr, nil
}

// ApplyMessage reconciles one inbound message event. Replaying an event
// whose id or correlation id is already known is a no-op.
func (r *Reconciler) ApplyMessage(ev *protocol.MessageEvent) {
	r.mu.Lock()
	signals := r.applyLocked(ev)
	r.mu.Unlock()
	r.fire(signals)
}

func (r *Reconciler) applyLocked(ev *protocol.MessageEvent) []replySignal {
	// Dedup: server id first, correlation id second.
	if ev.ID != "" {
		if _, seen := r.byID[ev.ID]; seen {
			r.metrics.MessageDeduplicated()
			return nil
		}
	}
	if ev.CorrelationID != "" {
		if m := r.byCorrelation[ev.CorrelationID]; m != nil {
			// Server confirmation of an optimistic local message.
			var signals []replySignal
			if m.id == "" && ev.ID != "" {
				m.id = ev.ID
				r.byID[ev.ID] = m
				// The server id may be the parent some buffered replies
				// are waiting for.
				signals = r.attachOrphansLocked(m)
			}
			r.advance(m, StatusSent)
			return signals
		}
	}

	// New message from another participant.
	m := &message{
		id:            ev.ID,
		correlationID: ev.CorrelationID,
		parentID:      ev.ParentID,
		sender:        ev.Sender,
		content:       ev.Content,
		createdAt:     time.UnixMilli(ev.Timestamp),
		status:        StatusDelivered,
	}

	if ev.ParentID != "" {
		parent := r.resolveLocked(ev.ParentID)
		if parent == nil {
			r.bufferOrphanLocked(ev)
			return nil
		}
		r.indexLocked(m)
		parent.replies = append(parent.replies, m)
		signals := []replySignal{{parentID: ev.ParentID, reply: r.viewOf(m)}}
		return append(signals, r.attachOrphansLocked(m)...)
	}

	r.indexLocked(m)
	r.roots = append(r.roots, m)
	return r.attachOrphansLocked(m)
}

// bufferOrphanLocked holds a reply whose parent has not arrived yet.
// The buffer is bounded in size and time; both overflow and timeout
// drop the reply with a log, never silently.
func (r *Reconciler) bufferOrphanLocked(ev *protocol.MessageEvent) {
	key := orphanKey(ev)
	for _, o := range r.orphans[ev.ParentID] {
		if orphanKey(o.ev) == key {
			r.metrics.MessageDeduplicated()
			return
		}
	}

	if r.orphanCount >= r.cfg.ParentBufferSize {
		r.logger.Warn().
			Str("parent_id", ev.ParentID).
			Str("message_id", key).
			Msg("reply buffer full, dropping out-of-order reply")
		r.metrics.ReplyDropped()
		return
	}

	parentID := ev.ParentID
	o := &orphan{ev: ev}
	o.timer = r.clock.AfterFunc(r.cfg.ParentBufferTimeout, func() {
		r.dropOrphan(parentID, key)
	})
	r.orphans[parentID] = append(r.orphans[parentID], o)
	r.orphanCount++
}

func orphanKey(ev *protocol.MessageEvent) string {
	if ev.ID != "" {
		return ev.ID
	}
	return ev.CorrelationID
}

// dropOrphan runs on the buffer timer: the parent never arrived.
func (r *Reconciler) dropOrphan(parentID, key string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	list := r.orphans[parentID]
	for i, o := range list {
		if orphanKey(o.ev) != key {
			continue
		}
		r.orphans[parentID] = append(list[:i], list[i+1:]...)
		if len(r.orphans[parentID]) == 0 {
			delete(r.orphans, parentID)
		}
		r.orphanCount--
		r.logger.Warn().
			Str("parent_id", parentID).
			Str("message_id", key).
			Msg("dropping reply, parent never arrived")
		r.metrics.ReplyDropped()
		return
	}
}

// attachOrphansLocked attaches any buffered replies waiting for the
// newly resolvable message, walking transitively in case an attached
// reply is itself an awaited parent.
func (r *Reconciler) attachOrphansLocked(parent *message) []replySignal {
	var signals []replySignal
	queue := []*message{parent}

	for len(queue) > 0 {
		p := queue[0]
		queue = queue[1:]
		if p.id == "" {
			continue
		}
		waiting, ok := r.orphans[p.id]
		if !ok {
			continue
		}
		delete(r.orphans, p.id)
		for _, o := range waiting {
			o.timer.Stop()
			r.orphanCount--

			ev := o.ev
			if ev.ID != "" {
				if _, seen := r.byID[ev.ID]; seen {
					continue
				}
			}
			m := &message{
				id:            ev.ID,
				correlationID: ev.CorrelationID,
				parentID:      ev.ParentID,
				sender:        ev.Sender,
				content:       ev.Content,
				createdAt:     time.UnixMilli(ev.Timestamp),
				status:        StatusDelivered,
			}
			r.indexLocked(m)
			p.replies = append(p.replies, m)
			signals = append(signals, replySignal{parentID: p.id, reply: r.viewOf(m)})
			queue = append(queue, m)
		}
	}
	return signals
}

func (r *Reconciler) indexLocked(m *message) {
	if m.id != "" {
		r.byID[m.id] = m
	}
	if m.correlationID != "" {
		r.byCorrelation[m.correlationID] = m
	}
}

// resolveLocked finds a message by server id or correlation id.
func (r *Reconciler) resolveLocked(key string) *message {
	if m := r.byID[key]; m != nil {
		return m
	}
	return r.byCorrelation[key]
}

// ReplaceHistory rebuilds the root timeline from a bulk server push.
// Local messages the server has not acknowledged yet survive the
// replacement so optimistic sends are not lost across a reconnect.
func (r *Reconciler) ReplaceHistory(events []protocol.MessageEvent) {
	r.mu.Lock()

	var kept []*message
	for _, m := range r.byCorrelation {
		if m.sender == r.self && (m.status == StatusQueued || m.status == StatusSending || m.status == StatusFailed) {
			kept = append(kept, m)
		}
	}
	// Map iteration order is random; re-attach in submission order.
	sort.Slice(kept, func(i, j int) bool {
		if kept[i].createdAt.Equal(kept[j].createdAt) {
			return kept[i].correlationID < kept[j].correlationID
		}
		return kept[i].createdAt.Before(kept[j].createdAt)
	})

	for _, list := range r.orphans {
		for _, o := range list {
			o.timer.Stop()
		}
	}
	r.roots = nil
	r.byCorrelation = make(map[string]*message)
	r.byID = make(map[string]*message)
	r.orphans = make(map[string][]*orphan)
	r.orphanCount = 0

	var signals []replySignal
	for i := range events {
		signals = append(signals, r.applyLocked(&events[i])...)
	}

	for _, m := range kept {
		m.replies = nil
		r.byCorrelation[m.correlationID] = m
		if parent := r.resolveLocked(m.parentID); m.parentID != "" && parent != nil {
			parent.replies = append(parent.replies, m)
		} else {
			m.parentID = ""
			r.roots = append(r.roots, m)
		}
	}
	r.mu.Unlock()
	r.fire(signals)
}

// ApplyThreadReplies merges a thread_replies response into the parent's
// reply list. Replays of already-known replies are no-ops.
func (r *Reconciler) ApplyThreadReplies(parentID string, events []protocol.MessageEvent) {
	r.mu.Lock()
	if r.resolveLocked(parentID) == nil {
		r.mu.Unlock()
		r.logger.Warn().Str("parent_id", parentID).Msg("thread replies for unknown parent, dropping")
		return
	}
	var signals []replySignal
	for i := range events {
		ev := events[i]
		if ev.ParentID == "" {
			ev.ParentID = parentID
		}
		signals = append(signals, r.applyLocked(&ev)...)
	}
	r.mu.Unlock()
	r.fire(signals)
}

// ApplyReceipt advances one of our own messages to read when another
// participant's receipt arrives.
func (r *Reconciler) ApplyReceipt(messageID, userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m := r.byID[messageID]
	if m == nil || m.sender != r.self || userID == r.self {
		return
	}
	r.advance(m, StatusRead)
}

// OnConnState reacts to connectivity transitions: exhausted retries
// fail the in-flight messages, a fresh connect marks queued messages as
// sending (the connection flushes them itself).
func (r *Reconciler) OnConnState(state ConnState) {
	r.mu.Lock()
	var evict []string
	switch state {
	case StateFailed:
		for _, m := range r.byCorrelation {
			if m.sender == r.self && (m.status == StatusQueued || m.status == StatusSending) {
				m.status = StatusFailed
				evict = append(evict, m.correlationID)
			}
		}
	case StateConnected:
		for _, m := range r.byCorrelation {
			if m.sender == r.self && m.status == StatusQueued {
				m.status = StatusSending
			}
		}
	}
	r.mu.Unlock()

	// Failed is terminal until an explicit resend: a failed message's
	// queued frame must never flush onto the wire behind its back.
	for _, corrID := range evict {
		r.conn.Evict(corrID)
	}
}

// advance moves status forward only; failed is terminal.
func (r *Reconciler) advance(m *message, s Status) {
	if m.status == StatusFailed || s <= m.status {
		return
	}
	m.status = s
}

// Resolve reports whether a message id or correlation id is known.
func (r *Reconciler) Resolve(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resolveLocked(key) != nil
}

// SenderOf returns the sender of a known message.
func (r *Reconciler) SenderOf(key string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := r.resolveLocked(key)
	if m == nil {
		return "", false
	}
	return m.sender, true
}

// Snapshot returns the ordered root timeline with per-root replies.
func (r *Reconciler) Snapshot() []MessageView {
	r.mu.Lock()
	defer r.mu.Unlock()

	views := make([]MessageView, 0, len(r.roots))
	for _, m := range r.roots {
		views = append(views, r.viewOf(m))
	}
	return views
}

func (r *Reconciler) viewOf(m *message) MessageView {
	v := MessageView{
		ID:            m.id,
		CorrelationID: m.correlationID,
		ParentID:      m.parentID,
		Sender:        m.sender,
		Content:       m.content,
		CreatedAt:     m.createdAt,
		Status:        m.status,
	}
	for _, reply := range m.replies {
		v.Replies = append(v.Replies, r.viewOf(reply))
	}
	return v
}

// Stop cancels the orphan-buffer timers.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, list := range r.orphans {
		for _, o := range list {
			o.timer.Stop()
		}
	}
	r.orphans = make(map[string][]*orphan)
	r.orphanCount = 0
}

func (r *Reconciler) fire(signals []replySignal) {
	if r.onReply == nil {
		return
	}
	for _, s := range signals {
		r.onReply(s.parentID, s.reply)
	}
}

package client

import (
	"fmt"
	"sync"
)

// ThreadReply is the "new reply in the open thread" signal surfaced to
// the presentation layer.
type ThreadReply struct {
	ParentID string
	Reply    MessageView
}

// ThreadRouter tracks which thread the presentation layer has open and
// raises a signal when an inbound reply lands in it. Replies always
// attach to their parent regardless of thread state; closing a thread
// discards nothing.
type ThreadRouter struct {
	resolve func(key string) bool
	replies chan ThreadReply

	mu      sync.Mutex
	current string // open thread's message id, "" when closed
}

// NewThreadRouter creates a router. resolve reports whether a message
// id is known locally (the reconciler provides it).
func NewThreadRouter(resolve func(key string) bool, signalBuffer int) *ThreadRouter {
	return &ThreadRouter{
		resolve: resolve,
		replies: make(chan ThreadReply, signalBuffer),
	}
}

// OpenThread opens the thread rooted at messageID.
func (t *ThreadRouter) OpenThread(messageID string) error {
	if !t.resolve(messageID) {
		return fmt.Errorf("%w: %s", ErrUnknownMessage, messageID)
	}

	t.mu.Lock()
	t.current = messageID
	t.mu.Unlock()
	return nil
}

// CloseThread closes the open thread. Already-received replies stay
// attached to the parent for when the thread is reopened.
func (t *ThreadRouter) CloseThread() {
	t.mu.Lock()
	t.current = ""
	t.mu.Unlock()
}

// CurrentThread returns the open thread's message id, or "".
func (t *ThreadRouter) CurrentThread() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

// Observe is called by the dispatch loop for every reply that attached
// to a parent. If that parent is the open thread, the signal fires.
func (t *ThreadRouter) Observe(parentID string, reply MessageView) {
	t.mu.Lock()
	open := t.current != "" && t.current == parentID
	t.mu.Unlock()

	if !open {
		return
	}
	select {
	case t.replies <- ThreadReply{ParentID: parentID, Reply: reply}:
	default:
		// Presentation layer is not draining; drop rather than block
		// the dispatch loop.
	}
}

// Replies returns the new-reply signal channel.
func (t *ThreadRouter) Replies() <-chan ThreadReply {
	return t.replies
}

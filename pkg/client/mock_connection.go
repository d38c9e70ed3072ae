package client

import (
	"sync"

	"github.com/flumechat/flume/pkg/protocol"
)

// MockConnection is a test implementation of ConnectionInterface. Sent
// events are recorded for verification; inbound traffic is simulated
// through the Simulate helpers.
type MockConnection struct {
	mu sync.RWMutex

	state   ConnState
	pending []protocol.Event

	incoming chan protocol.Event
	stateCh  chan StateUpdate

	// SentEvents holds every event transmitted while connected.
	SentEvents []protocol.Event
}

// NewMockConnection creates a mock that starts connected.
func NewMockConnection() *MockConnection {
	return &MockConnection{
		state:    StateConnected,
		incoming: make(chan protocol.Event, 100),
		stateCh:  make(chan StateUpdate, 10),
	}
}

func (m *MockConnection) Connect() error {
	m.SetState(StateConnected)
	return nil
}

func (m *MockConnection) Retry() error {
	m.SetState(StateConnected)
	return nil
}

func (m *MockConnection) Disconnect() {
	m.SetState(StateDisconnected)
}

func (m *MockConnection) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = StateDisconnected
	close(m.incoming)
	close(m.stateCh)
}

func (m *MockConnection) State() ConnState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Send records the event when connected, queues it otherwise.
func (m *MockConnection) Send(ev protocol.Event) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateConnected {
		m.pending = append(m.pending, ev)
		return false
	}
	m.SentEvents = append(m.SentEvents, ev)
	return true
}

// Evict removes a queued message frame by correlation id, like the real
// connection does.
func (m *MockConnection) Evict(correlationID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, ev := range m.pending {
		msg, ok := ev.(*protocol.MessageEvent)
		if !ok || msg.CorrelationID != correlationID {
			continue
		}
		m.pending = append(m.pending[:i], m.pending[i+1:]...)
		return true
	}
	return false
}

func (m *MockConnection) Incoming() <-chan protocol.Event {
	return m.incoming
}

func (m *MockConnection) StateChanges() <-chan StateUpdate {
	return m.stateCh
}

// Test helpers

// SetState moves the mock to the given state. Moving to connected
// flushes the pending queue into SentEvents, FIFO, like the real thing.
func (m *MockConnection) SetState(state ConnState) {
	m.mu.Lock()
	m.state = state
	if state == StateConnected && len(m.pending) > 0 {
		m.SentEvents = append(m.SentEvents, m.pending...)
		m.pending = nil
	}
	m.mu.Unlock()
}

// SimulateIncoming delivers an event as if it arrived from the server.
func (m *MockConnection) SimulateIncoming(ev protocol.Event) {
	m.incoming <- ev
}

// SimulateStateChange publishes a connectivity update.
func (m *MockConnection) SimulateStateChange(update StateUpdate) {
	m.stateCh <- update
}

// SentCount returns the number of transmitted events.
func (m *MockConnection) SentCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.SentEvents)
}

// LastSent returns the most recently transmitted event, or nil.
func (m *MockConnection) LastSent() protocol.Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.SentEvents) == 0 {
		return nil
	}
	return m.SentEvents[len(m.SentEvents)-1]
}

// QueuedFrames returns the number of events waiting for reconnection.
func (m *MockConnection) QueuedFrames() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.pending)
}

// ClearSent resets the transmitted-event record.
func (m *MockConnection) ClearSent() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SentEvents = nil
}

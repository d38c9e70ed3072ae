package protocol

// MessageEvent carries a chat message. Outbound messages have no ID yet;
// the server assigns one and echoes the frame back with the same
// correlation id so the client can match its optimistic copy.
type MessageEvent struct {
	Type          string `json:"type"`
	ID            string `json:"id,omitempty"`
	CorrelationID string `json:"correlation_id"`
	Content       string `json:"content"`
	Sender        string `json:"sender"`
	Timestamp     int64  `json:"timestamp"` // unix millis
	ParentID      string `json:"parent_id,omitempty"`
}

func (e *MessageEvent) EventType() string { return TypeMessage }
func (e *MessageEvent) stamp()            { e.Type = TypeMessage }

// ReactionEvent adds or removes one user's reaction on a message.
type ReactionEvent struct {
	Type      string `json:"type"`
	MessageID string `json:"message_id"`
	Reaction  string `json:"reaction"`
	UserID    string `json:"user_id"`
	Add       bool   `json:"add"`
}

func (e *ReactionEvent) EventType() string { return TypeReaction }
func (e *ReactionEvent) stamp()            { e.Type = TypeReaction }

// TypingEvent signals that a user started or stopped typing.
type TypingEvent struct {
	Type     string `json:"type"`
	UserID   string `json:"user_id"`
	IsTyping bool   `json:"is_typing"`
}

func (e *TypingEvent) EventType() string { return TypeTyping }
func (e *TypingEvent) stamp()            { e.Type = TypeTyping }

// ReadReceiptEvent records that a user has read a message. Receipts are
// add-only; a message never becomes unread again within a session.
type ReadReceiptEvent struct {
	Type      string `json:"type"`
	MessageID string `json:"message_id"`
	UserID    string `json:"user_id"`
	ReadAt    int64  `json:"read_at"` // unix millis
}

func (e *ReadReceiptEvent) EventType() string { return TypeReadReceipt }
func (e *ReadReceiptEvent) stamp()            { e.Type = TypeReadReceipt }

// MessageHistoryEvent is a bulk replacement of the root timeline, sent by
// the server on join and after reconnection.
type MessageHistoryEvent struct {
	Type     string         `json:"type"`
	Messages []MessageEvent `json:"messages"`
}

func (e *MessageHistoryEvent) EventType() string { return TypeMessageHistory }
func (e *MessageHistoryEvent) stamp()            { e.Type = TypeMessageHistory }

// GetThreadRepliesEvent requests the reply list for a parent message.
type GetThreadRepliesEvent struct {
	Type     string `json:"type"`
	ParentID string `json:"parent_id"`
}

func (e *GetThreadRepliesEvent) EventType() string { return TypeGetThreadReplies }
func (e *GetThreadRepliesEvent) stamp()            { e.Type = TypeGetThreadReplies }

// ThreadRepliesEvent is the response to GetThreadRepliesEvent.
type ThreadRepliesEvent struct {
	Type     string         `json:"type"`
	ParentID string         `json:"parent_id"`
	Messages []MessageEvent `json:"messages"`
}

func (e *ThreadRepliesEvent) EventType() string { return TypeThreadReplies }
func (e *ThreadRepliesEvent) stamp()            { e.Type = TypeThreadReplies }

// PresenceEvent is reserved. The server does not currently send it, but
// the type is part of the contract so it decodes without being treated
// as a protocol error.
type PresenceEvent struct {
	Type   string `json:"type"`
	UserID string `json:"user_id,omitempty"`
	Status string `json:"status,omitempty"`
}

func (e *PresenceEvent) EventType() string { return TypePresence }
func (e *PresenceEvent) stamp()            { e.Type = TypePresence }

package bus

import "time"

// Event kinds published by the sync core. Subscribers filter by prefix,
// e.g. "message." or "conn.".
const (
	KindStatusChanged       = "conn.status_changed"
	KindMessageUpserted     = "message.upserted"
	KindMessageRemoved      = "message.removed"
	KindMessageSendFailed   = "message.send_failed"
	KindMessageSendAck      = "message.send_ack"
	KindConversationUpdated = "conversation.updated"
	KindTypingChanged       = "typing.changed"
	KindServerError         = "server.error"
)

// Event is a notification about a change in the local state.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// MessageRef identifies the message an event is about.
type MessageRef struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
}

// SendFailure is the payload of KindMessageSendFailed.
type SendFailure struct {
	MessageRef
	Error string `json:"error"`
}

// SendAck is the payload of KindMessageSendAck.
type SendAck struct {
	MessageRef
	ServerID string `json:"serverId"`
}

// ConversationRef is the payload of KindConversationUpdated.
type ConversationRef struct {
	ConversationID string `json:"conversationId"`
}

// Typing is the payload of KindTypingChanged.
type Typing struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	UserName       string `json:"userName,omitempty"`
	Active         bool   `json:"active"`
}

// Package wire defines the event contract spoken with the message server.
package wire

import "time"

// Outbound event names.
const (
	ConversationJoin  = "conversation:join"
	ConversationLeave = "conversation:leave"
	MessageSend       = "message:send"
	MessageRead       = "message:read"
	MessageEdit       = "message:edit"
	MessageDelete     = "message:delete"
	TypingStart       = "typing:start"
	TypingStop        = "typing:stop"
)

// Inbound event names. typing:start and typing:stop are shared with the
// outbound set.
const (
	MessageNew     = "message:new"
	MessageSent    = "message:sent"
	MessageEdited  = "message:edited"
	MessageDeleted = "message:deleted"
	MessageStatus  = "message:status"
	Error          = "error"
)

// Inbound lists every event the dispatcher subscribes to.
var Inbound = []string{
	MessageNew,
	MessageEdited,
	MessageDeleted,
	MessageStatus,
	MessageSent,
	TypingStart,
	TypingStop,
	Error,
}

// MediaRef is an uploaded attachment as it travels on the wire.
type MediaRef struct {
	URL  string `json:"url"`
	Type string `json:"type"`
}

// SendPayload is the body of message:send. ClientID carries the temporary
// id so a server that echoes it lets acks correlate exactly.
type SendPayload struct {
	ConversationID string     `json:"conversationId"`
	Content        string     `json:"content,omitempty"`
	Media          []MediaRef `json:"media,omitempty"`
	ClientID       string     `json:"clientId,omitempty"`
}

// ConversationPayload is the body of message:read and the outbound typing events.
type ConversationPayload struct {
	ConversationID string `json:"conversationId"`
}

// EditPayload is the body of message:edit.
type EditPayload struct {
	MessageID string `json:"messageId"`
	Content   string `json:"content"`
}

// DeletePayload is the body of message:delete.
type DeletePayload struct {
	MessageID string `json:"messageId"`
}

// MessageRecord is the full record carried by message:new.
type MessageRecord struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversationId"`
	SenderID       string     `json:"senderId"`
	Content        string     `json:"content,omitempty"`
	Media          []MediaRef `json:"media,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	Status         string     `json:"status,omitempty"`
	ClientID       string     `json:"clientId,omitempty"`
}

// SentPayload acknowledges the most recent message:send.
type SentPayload struct {
	MessageID string `json:"messageId"`
	ClientID  string `json:"clientId,omitempty"`
}

// EditedPayload is the body of message:edited.
type EditedPayload struct {
	MessageID string    `json:"messageId"`
	Content   string    `json:"content"`
	EditedAt  time.Time `json:"editedAt"`
}

// DeletedPayload is the body of message:deleted.
type DeletedPayload struct {
	MessageID string    `json:"messageId"`
	DeletedAt time.Time `json:"deletedAt"`
}

// StatusPayload is a delivery/read receipt. MessageID narrows it to one
// message; UpTo narrows it to messages sent at or before that instant.
type StatusPayload struct {
	ConversationID string    `json:"conversationId"`
	Status         string    `json:"status"`
	ReadBy         string    `json:"readBy,omitempty"`
	MessageID      string    `json:"messageId,omitempty"`
	UpTo           time.Time `json:"upTo,omitzero"`
}

// TypingPayload is the inbound typing:start / typing:stop body.
type TypingPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	UserName       string `json:"userName,omitempty"`
}

// ErrorPayload is the body of a server error event.
type ErrorPayload struct {
	Message string `json:"message"`
}

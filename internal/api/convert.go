package api

import (
	"time"

	"github.com/siawfish/kyoos-sub001/internal/message"
)

type mediaJSON struct {
	URL  string `json:"url"`
	Type string `json:"type"`
	Kind string `json:"kind"`
}

type messageJSON struct {
	ID             string      `json:"id"`
	ServerID       string      `json:"serverId,omitempty"`
	ConversationID string      `json:"conversationId"`
	SenderID       string      `json:"senderId"`
	Content        string      `json:"content"`
	Media          []mediaJSON `json:"media,omitempty"`
	SentAt         time.Time   `json:"sentAt"`
	Status         string      `json:"status"`
	EditedAt       *time.Time  `json:"editedAt,omitempty"`
	DeletedAt      *time.Time  `json:"deletedAt,omitempty"`
}

type conversationJSON struct {
	ID                 string     `json:"id"`
	ClientID           string     `json:"clientId,omitempty"`
	WorkerID           string     `json:"workerId,omitempty"`
	BookingID          string     `json:"bookingId,omitempty"`
	LastMessageID      string     `json:"lastMessageId,omitempty"`
	LastMessagePreview string     `json:"lastMessagePreview,omitempty"`
	LastMessageAt      *time.Time `json:"lastMessageAt,omitempty"`
	UnreadCount        int        `json:"unreadCount"`
	Joined             bool       `json:"joined"`
}

type typingJSON struct {
	UserID    string    `json:"userId"`
	UserName  string    `json:"userName,omitempty"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func messageToJSON(m *message.Message) messageJSON {
	out := messageJSON{
		ID:             m.ID,
		ServerID:       m.ServerID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Content:        m.Content,
		SentAt:         m.SentAt,
		Status:         string(m.Status),
		EditedAt:       optTime(m.EditedAt),
		DeletedAt:      optTime(m.DeletedAt),
	}
	for _, md := range m.Media {
		out.Media = append(out.Media, mediaJSON{URL: md.URL, Type: md.MimeType, Kind: string(md.Kind)})
	}
	return out
}

func messagesToJSON(msgs []message.Message) []messageJSON {
	out := make([]messageJSON, 0, len(msgs))
	for i := range msgs {
		out = append(out, messageToJSON(&msgs[i]))
	}
	return out
}

func conversationToJSON(c *message.Conversation, joined bool) conversationJSON {
	return conversationJSON{
		ID:                 c.ID,
		ClientID:           c.ClientID,
		WorkerID:           c.WorkerID,
		BookingID:          c.BookingID,
		LastMessageID:      c.LastMessageID,
		LastMessagePreview: c.LastMessagePreview,
		LastMessageAt:      optTime(c.LastMessageAt),
		UnreadCount:        c.UnreadCount,
		Joined:             joined,
	}
}

func mediaFromJSON(in []mediaJSON) []message.Media {
	if len(in) == 0 {
		return nil
	}
	out := make([]message.Media, 0, len(in))
	for _, m := range in {
		out = append(out, message.Media{URL: m.URL, MimeType: m.Type, Kind: message.ClassifyMedia(m.Type)})
	}
	return out
}

func optTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

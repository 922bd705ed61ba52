package message

import (
	"strings"
	"time"
)

// MediaKind classifies an attachment by its MIME type.
type MediaKind string

const (
	KindImage    MediaKind = "image"
	KindVideo    MediaKind = "video"
	KindAudio    MediaKind = "audio"
	KindDocument MediaKind = "document"
)

// ClassifyMedia maps a MIME type to a MediaKind. Anything that is not
// image/video/audio is treated as a document.
func ClassifyMedia(mimeType string) MediaKind {
	major, _, _ := strings.Cut(strings.ToLower(strings.TrimSpace(mimeType)), "/")
	switch major {
	case "image":
		return KindImage
	case "video":
		return KindVideo
	case "audio":
		return KindAudio
	default:
		return KindDocument
	}
}

// Media is a reference to an attachment already uploaded to remote storage.
type Media struct {
	URL      string
	MimeType string
	Kind     MediaKind
}

// Message is a single message in a two-party conversation.
type Message struct {
	// ID is the local identity of the row. Locally composed messages keep
	// their temporary id for life; messages first seen from the server use
	// the server id.
	ID             string
	ServerID       string
	ConversationID string
	SenderID       string
	Content        string
	Media          []Media
	SentAt         time.Time
	Status         Status
	EditedAt       time.Time
	DeletedAt      time.Time
}

// Deleted reports whether the message is tombstoned.
func (m *Message) Deleted() bool {
	return !m.DeletedAt.IsZero()
}

// Empty reports whether the message carries neither text nor attachments.
func (m *Message) Empty() bool {
	return strings.TrimSpace(m.Content) == "" && len(m.Media) == 0
}

// Preview returns the text shown in conversation lists.
func (m *Message) Preview() string {
	if m.Deleted() {
		return "Message deleted"
	}
	if c := strings.TrimSpace(m.Content); c != "" {
		return truncate(c, 100)
	}
	if len(m.Media) > 0 {
		return "[" + string(m.Media[0].Kind) + "]"
	}
	return ""
}

// Conversation is a two-party thread between a client and a worker.
type Conversation struct {
	ID                 string
	ClientID           string
	WorkerID           string
	BookingID          string
	LastMessageID      string
	LastMessagePreview string
	LastMessageAt      time.Time
	UnreadCount        int
}

// TypingSignal is an ephemeral "user is composing" indicator.
type TypingSignal struct {
	ConversationID string
	UserID         string
	UserName       string
	ExpiresAt      time.Time
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

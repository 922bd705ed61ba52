package wire

import (
	"encoding/json"
	"fmt"

	"github.com/siawfish/kyoos-sub001/internal/message"
)

// Frame is one event on the socket: {"event": "...", "data": ...}.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Encode marshals an event and its payload into a text frame.
func Encode(event string, payload any) ([]byte, error) {
	f := Frame{Event: event}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", event, err)
		}
		f.Data = data
	}
	return json.Marshal(f)
}

// Decode parses a text frame.
func Decode(raw []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	if f.Event == "" {
		return Frame{}, fmt.Errorf("decode frame: missing event name")
	}
	return f, nil
}

// Payload unmarshals the frame data into T.
func Payload[T any](f Frame) (T, error) {
	var v T
	if len(f.Data) == 0 {
		return v, fmt.Errorf("%s: empty payload", f.Event)
	}
	if err := json.Unmarshal(f.Data, &v); err != nil {
		return v, fmt.Errorf("%s payload: %w", f.Event, err)
	}
	return v, nil
}

// ToMedia converts wire attachments into domain media, classifying each by MIME type.
func ToMedia(refs []MediaRef) []message.Media {
	if len(refs) == 0 {
		return nil
	}
	out := make([]message.Media, 0, len(refs))
	for _, r := range refs {
		out = append(out, message.Media{
			URL:      r.URL,
			MimeType: r.Type,
			Kind:     message.ClassifyMedia(r.Type),
		})
	}
	return out
}

// FromMedia converts domain media into wire attachments.
func FromMedia(media []message.Media) []MediaRef {
	if len(media) == 0 {
		return nil
	}
	out := make([]MediaRef, 0, len(media))
	for _, m := range media {
		out = append(out, MediaRef{URL: m.URL, Type: m.MimeType})
	}
	return out
}

// ToMessage normalizes an inbound record into a domain message.
func (r *MessageRecord) ToMessage() *message.Message {
	status := message.Sent
	if s, ok := message.ParseStatus(r.Status); ok && s != message.Pending && s != message.Failed {
		status = s
	}
	return &message.Message{
		ID:             r.ID,
		ServerID:       r.ID,
		ConversationID: r.ConversationID,
		SenderID:       r.SenderID,
		Content:        r.Content,
		Media:          ToMedia(r.Media),
		SentAt:         r.CreatedAt,
		Status:         status,
	}
}

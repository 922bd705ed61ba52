package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// eventEnvelope is one server-sent event on /events.
type eventEnvelope struct {
	EventID          string `json:"eventId"`
	Session          string `json:"session"`
	OccurredAtUnixMs int64  `json:"occurredAtUnixMs"`
	Kind             string `json:"kind"`
	PayloadVersion   int    `json:"payloadVersion"`
	Payload          any    `json:"payload,omitempty"`
}

const keepAliveInterval = 15 * time.Second

// streamEvents relays bus events as text/event-stream. ?prefix= narrows the
// stream to event kinds starting with it, e.g. "message.".
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	rc := http.NewResponseController(w)
	ch, unsub := s.bus.Subscribe(r.URL.Query().Get("prefix"), 256)
	defer unsub()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		s.logger.Warn("event stream unsupported by writer", zap.Error(err))
		return
	}

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case evt := <-ch:
			env := eventEnvelope{
				EventID:          uuid.NewString(),
				Session:          s.sessionName,
				OccurredAtUnixMs: evt.Timestamp.UnixMilli(),
				Kind:             evt.Kind,
				PayloadVersion:   1,
				Payload:          evt.Payload,
			}
			data, err := json.Marshal(env)
			if err != nil {
				s.logger.Warn("dropping unencodable event", zap.String("kind", evt.Kind), zap.Error(err))
				continue
			}
			if _, err := fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", env.EventID, env.Kind, data); err != nil {
				return
			}
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
		case <-r.Context().Done():
			return
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}

package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/siawfish/kyoos-sub001/internal/delivery"
	"github.com/siawfish/kyoos-sub001/internal/message"
)

func (s *Server) listConversations(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)
	convs, err := s.db.ListConversations(limit, offset)
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]conversationJSON, 0, len(convs))
	for i := range convs {
		out = append(out, conversationToJSON(&convs[i], s.rooms.Joined(convs[i].ID)))
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": out, "hasMore": len(convs) == limit})
}

func (s *Server) getConversation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	c, err := s.db.GetConversation(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conversationToJSON(c, s.rooms.Joined(id)))
}

// putConversation seeds the participants of a conversation.
func (s *Server) putConversation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var in struct {
		ClientID  string `json:"clientId"`
		WorkerID  string `json:"workerId"`
		BookingID string `json:"bookingId"`
	}
	if err := decode(r, &in); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.db.UpsertConversation(&message.Conversation{
		ID: id, ClientID: in.ClientID, WorkerID: in.WorkerID, BookingID: in.BookingID,
	}); err != nil {
		s.writeError(w, err)
		return
	}
	s.getConversation(w, r)
}

func (s *Server) joinConversation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.db.EnsureConversation(id); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.rooms.Join(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "joined": true})
}

func (s *Server) leaveConversation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.typing.Close(id)
	if err := s.rooms.Leave(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "joined": false})
}

func (s *Server) markRead(w http.ResponseWriter, r *http.Request) {
	if err := s.delivery.MarkRead(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// listMessages pages backwards with ?before=<RFC3339>&limit=N; each page is
// oldest first.
func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	var before time.Time
	if v := r.URL.Query().Get("before"); v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid_request", Message: "before: " + err.Error()})
			return
		}
		before = t
	}
	limit := queryInt(r, "limit", 50)
	msgs, err := s.db.ListMessages(chi.URLParam(r, "id"), before, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": messagesToJSON(msgs), "hasMore": len(msgs) == limit})
}

func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Content string      `json:"content"`
		Media   []mediaJSON `json:"media"`
	}
	if err := decode(r, &in); err != nil {
		s.writeError(w, err)
		return
	}
	id := chi.URLParam(r, "id")
	m, err := s.delivery.Send(r.Context(), delivery.Intent{
		ConversationID: id,
		Content:        in.Content,
		Media:          mediaFromJSON(in.Media),
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.typing.SetActive(id, false)
	writeJSON(w, http.StatusAccepted, messageToJSON(m))
}

func (s *Server) getTyping(w http.ResponseWriter, r *http.Request) {
	signals := s.typing.Remote().Active(chi.URLParam(r, "id"))
	out := make([]typingJSON, 0, len(signals))
	for _, sig := range signals {
		out = append(out, typingJSON{UserID: sig.UserID, UserName: sig.UserName, ExpiresAt: sig.ExpiresAt})
	}
	writeJSON(w, http.StatusOK, map[string]any{"typing": out})
}

func (s *Server) setTyping(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Active bool `json:"active"`
	}
	if err := decode(r, &in); err != nil {
		s.writeError(w, err)
		return
	}
	s.typing.SetActive(chi.URLParam(r, "id"), in.Active)
	w.WriteHeader(http.StatusNoContent)
}

func queryInt(r *http.Request, key string, def int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || v < 0 {
		return def
	}
	return v
}

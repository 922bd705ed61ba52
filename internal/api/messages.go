package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (s *Server) getMessage(w http.ResponseWriter, r *http.Request) {
	m, err := s.db.GetMessage(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, messageToJSON(m))
}

func (s *Server) retryMessage(w http.ResponseWriter, r *http.Request) {
	m, err := s.delivery.Retry(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, messageToJSON(m))
}

// discardMessage drops a FAILED message locally.
func (s *Server) discardMessage(w http.ResponseWriter, r *http.Request) {
	if err := s.delivery.DiscardFailed(chi.URLParam(r, "id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) editMessage(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Content string `json:"content"`
	}
	if err := decode(r, &in); err != nil {
		s.writeError(w, err)
		return
	}
	m, err := s.delivery.Edit(r.Context(), chi.URLParam(r, "id"), in.Content)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, messageToJSON(m))
}

// deleteMessage deletes a confirmed message for both participants.
func (s *Server) deleteMessage(w http.ResponseWriter, r *http.Request) {
	m, err := s.delivery.Delete(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, messageToJSON(m))
}

package api

import (
	"net/http"
	"time"
)

type statusJSON struct {
	Session     string    `json:"session"`
	State       string    `json:"state"`
	Since       time.Time `json:"since"`
	ConnID      string    `json:"connId,omitempty"`
	Retries     int       `json:"retries,omitempty"`
	LastError   string    `json:"lastError,omitempty"`
	Rooms       []string  `json:"rooms"`
	PendingAcks int       `json:"pendingAcks"`
	UptimeMs    int64     `json:"uptimeMs"`
}

func (s *Server) snapshot() statusJSON {
	snap := s.conn.Status()
	rooms := s.rooms.Rooms()
	if rooms == nil {
		rooms = []string{}
	}
	return statusJSON{
		Session:     s.sessionName,
		State:       string(snap.State),
		Since:       snap.Since,
		ConnID:      snap.ConnID,
		Retries:     snap.Retries,
		LastError:   snap.LastError,
		Rooms:       rooms,
		PendingAcks: s.delivery.Pending(),
		UptimeMs:    time.Since(s.startedAt).Milliseconds(),
	}
}

func (s *Server) getStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.snapshot())
}

func (s *Server) connect(w http.ResponseWriter, r *http.Request) {
	if _, err := s.conn.Connect(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.snapshot())
}

func (s *Server) disconnect(w http.ResponseWriter, _ *http.Request) {
	s.conn.Disconnect()
	s.typing.CloseAll()
	writeJSON(w, http.StatusOK, s.snapshot())
}

// Package sockettest provides an in-process message server for tests.
package sockettest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/siawfish/kyoos-sub001/internal/wire"
)

// Responder is called for every frame the server reads. It may reply on
// the same connection with Reply.
type Responder func(c *Conn, f wire.Frame)

// Conn is one accepted client connection.
type Conn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

// Reply writes a frame to this connection.
func (c *Conn) Reply(event string, payload any) error {
	raw, err := wire.Encode(event, payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, raw)
}

// Server accepts websocket upgrades and records every frame it reads.
type Server struct {
	srv      *httptest.Server
	token    string
	upgrader websocket.Upgrader

	mu        sync.Mutex
	conns     []*Conn
	frames    []wire.Frame
	accepts   int
	reject    bool
	stall     chan struct{}
	responder Responder
}

// NewServer starts a server that requires "Bearer <token>". An empty token
// accepts any caller. The server is closed with the test.
func NewServer(t testing.TB, token string) *Server {
	t.Helper()
	s := &Server{
		token:    token,
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}
	s.srv = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.Close)
	return s
}

// URL returns the ws:// address of the server.
func (s *Server) URL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

// Respond installs a responder for inbound frames.
func (s *Server) Respond(r Responder) {
	s.mu.Lock()
	s.responder = r
	s.mu.Unlock()
}

// Reject makes subsequent upgrades fail with 503 while on is true.
func (s *Server) Reject(on bool) {
	s.mu.Lock()
	s.reject = on
	s.mu.Unlock()
}

// Stall makes subsequent handshakes hang until Close or Unstall.
func (s *Server) Stall() {
	s.mu.Lock()
	if s.stall == nil {
		s.stall = make(chan struct{})
	}
	s.mu.Unlock()
}

// Unstall releases stalled handshakes.
func (s *Server) Unstall() {
	s.mu.Lock()
	if s.stall != nil {
		close(s.stall)
		s.stall = nil
	}
	s.mu.Unlock()
}

// Accepts returns how many upgrades succeeded.
func (s *Server) Accepts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepts
}

// Push writes a frame to every open connection.
func (s *Server) Push(event string, payload any) error {
	s.mu.Lock()
	conns := append([]*Conn(nil), s.conns...)
	s.mu.Unlock()
	for _, c := range conns {
		if err := c.Reply(event, payload); err != nil {
			return err
		}
	}
	return nil
}

// DropAll closes every open connection from the server side.
func (s *Server) DropAll() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.ws.Close()
	}
}

// Frames returns the recorded frames with the given event name, or all
// frames when event is empty.
func (s *Server) Frames(event string) []wire.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []wire.Frame
	for _, f := range s.frames {
		if event == "" || f.Event == event {
			out = append(out, f)
		}
	}
	return out
}

// WaitFrames polls until at least n frames named event were read or the
// timeout elapses, and returns whatever was recorded.
func (s *Server) WaitFrames(event string, n int, timeout time.Duration) []wire.Frame {
	deadline := time.Now().Add(timeout)
	for {
		got := s.Frames(event)
		if len(got) >= n || time.Now().After(deadline) {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// Close drops every connection and stops the listener.
func (s *Server) Close() {
	s.Unstall()
	s.DropAll()
	s.srv.Close()
}

// Decode unmarshals a recorded frame payload.
func Decode[T any](t testing.TB, f wire.Frame) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(f.Data, &v); err != nil {
		t.Fatalf("decode %s payload: %v", f.Event, err)
	}
	return v
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	reject, stall := s.reject, s.stall
	s.mu.Unlock()

	if stall != nil {
		select {
		case <-stall:
		case <-r.Context().Done():
			return
		}
	}
	if reject {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	if s.token != "" && r.Header.Get("Authorization") != "Bearer "+s.token {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &Conn{ws: ws}
	s.mu.Lock()
	s.conns = append(s.conns, c)
	s.accepts++
	s.mu.Unlock()

	go s.read(c)
}

func (s *Server) read(c *Conn) {
	defer c.ws.Close()
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			s.forget(c)
			return
		}
		f, err := wire.Decode(raw)
		if err != nil {
			continue
		}
		s.mu.Lock()
		s.frames = append(s.frames, f)
		responder := s.responder
		s.mu.Unlock()
		if responder != nil {
			responder(c, f)
		}
	}
}

func (s *Server) forget(c *Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, x := range s.conns {
		if x == c {
			s.conns = append(s.conns[:i], s.conns[i+1:]...)
			return
		}
	}
}

package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/siawfish/kyoos-sub001/internal/bus"
	"github.com/siawfish/kyoos-sub001/internal/conn"
	"github.com/siawfish/kyoos-sub001/internal/credential"
	"github.com/siawfish/kyoos-sub001/internal/delivery"
	"github.com/siawfish/kyoos-sub001/internal/dispatch"
	"github.com/siawfish/kyoos-sub001/internal/rooms"
	"github.com/siawfish/kyoos-sub001/internal/socket"
	"github.com/siawfish/kyoos-sub001/internal/socket/sockettest"
	"github.com/siawfish/kyoos-sub001/internal/status"
	"github.com/siawfish/kyoos-sub001/internal/store"
	"github.com/siawfish/kyoos-sub001/internal/typing"
	"github.com/siawfish/kyoos-sub001/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type harness struct {
	t       *testing.T
	srv     *sockettest.Server
	creds   *credential.FileStore
	manager *conn.Manager
	db      *store.DB
	bus     *bus.Bus
	api     *Server
	h       http.Handler
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()

	db, err := store.Open(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	_, err = db.Migrate()
	require.NoError(t, err)

	srv := sockettest.NewServer(t, "tok")
	creds := credential.NewFileStore(filepath.Join(dir, "credentials.toml"))
	b := bus.New()
	mgr := conn.NewManager(conn.Config{
		CredentialKey: "auth_token",
		Socket: socket.Config{
			URL:               srv.URL(),
			HandshakeTimeout:  time.Second,
			ReconnectAttempts: 1,
			ReconnectDelay:    10 * time.Millisecond,
			ReconnectDelayMax: 20 * time.Millisecond,
			WriteTimeout:      time.Second,
		},
	}, creds, status.NewMachine(b), nil, zap.NewNop())
	t.Cleanup(mgr.Close)

	tracker := rooms.NewTracker(mgr, nil)
	sender := delivery.New(db, mgr, b, nil, nil, "me")
	coord := typing.NewCoordinator(mgr, b, nil, typing.Config{
		Debounce: 10 * time.Millisecond, Idle: time.Second, RemoteExpiry: 5 * time.Second,
	}, nil)
	mgr.OnConnected(tracker.Replay)
	mgr.OnDisconnected(tracker.Reset)
	mgr.OnDisconnected(sender.Drain)
	dispatch.New(db, sender, tracker, coord.Remote(), b, nil, "me").Register(mgr)

	api := NewServer(Deps{
		SessionName: "test", DB: db, Conn: mgr, Rooms: tracker,
		Delivery: sender, Typing: coord, Bus: b,
	})
	return &harness{t: t, srv: srv, creds: creds, manager: mgr, db: db, bus: b, api: api, h: api.Router()}
}

func (h *harness) login() {
	h.t.Helper()
	require.NoError(h.t, h.creds.Set(context.Background(), "auth_token", "tok"))
}

func (h *harness) do(method, path, body string) *httptest.ResponseRecorder {
	h.t.Helper()
	var rdr *bytes.Buffer
	if body != "" {
		rdr = bytes.NewBufferString(body)
	} else {
		rdr = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, path, rdr)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.h.ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestStatusAndConnect(t *testing.T) {
	h := newHarness(t)

	w := h.do("GET", "/status", "")
	require.Equal(t, http.StatusOK, w.Code)
	st := decodeBody[statusJSON](t, w)
	assert.Equal(t, "disconnected", st.State)
	assert.Equal(t, "test", st.Session)

	w = h.do("POST", "/connect", "")
	require.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "no_credential", decodeBody[errorBody](t, w).Error)

	h.login()
	w = h.do("POST", "/connect", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	st = decodeBody[statusJSON](t, w)
	assert.Equal(t, "connected", st.State)
	assert.NotEmpty(t, st.ConnID)

	w = h.do("POST", "/disconnect", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "disconnected", decodeBody[statusJSON](t, w).State)
}

func TestSendWhileDisconnectedFails(t *testing.T) {
	h := newHarness(t)

	w := h.do("POST", "/conversations/c1/messages", `{"content":"  "}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "empty_message", decodeBody[errorBody](t, w).Error)

	w = h.do("POST", "/conversations/c1/messages", `{"content":"hello"}`)
	require.Equal(t, http.StatusAccepted, w.Code)
	m := decodeBody[messageJSON](t, w)
	assert.Equal(t, "FAILED", m.Status)
	assert.True(t, strings.HasPrefix(m.ID, delivery.TempPrefix))

	// Discard is only for failed messages, retry needs a connection to succeed.
	w = h.do("POST", "/messages/"+m.ID+"/retry", "")
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "FAILED", decodeBody[messageJSON](t, w).Status)

	w = h.do("DELETE", "/messages/"+m.ID, "")
	require.Equal(t, http.StatusNoContent, w.Code)
	w = h.do("GET", "/messages/"+m.ID, "")
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestSendAckAndEdit(t *testing.T) {
	h := newHarness(t)
	h.login()
	h.srv.Respond(func(c *sockettest.Conn, f wire.Frame) {
		if f.Event == wire.MessageSend {
			p := sockettest.Decode[wire.SendPayload](t, f)
			_ = c.Reply(wire.MessageSent, wire.SentPayload{MessageID: "srv-1", ClientID: p.ClientID})
		}
	})
	require.Equal(t, http.StatusOK, h.do("POST", "/connect", "").Code)

	w := h.do("POST", "/conversations/c1/messages", `{"content":"hi","media":[{"url":"https://cdn/a.jpg","type":"image/jpeg"}]}`)
	require.Equal(t, http.StatusAccepted, w.Code)
	m := decodeBody[messageJSON](t, w)
	assert.Equal(t, "PENDING", m.Status)
	require.Len(t, m.Media, 1)
	assert.Equal(t, "image", m.Media[0].Kind)

	require.Eventually(t, func() bool {
		got, err := h.db.GetMessage(m.ID)
		return err == nil && got.ServerID == "srv-1"
	}, 2*time.Second, 5*time.Millisecond)

	// Retry of a confirmed message is a conflict.
	w = h.do("POST", "/messages/"+m.ID+"/retry", "")
	assert.Equal(t, http.StatusConflict, w.Code)

	w = h.do("PATCH", "/messages/"+m.ID, `{"content":"hi there"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "hi there", decodeBody[messageJSON](t, w).Content)
	edits := h.srv.WaitFrames(wire.MessageEdit, 1, 2*time.Second)
	require.Len(t, edits, 1)
	assert.Equal(t, "srv-1", sockettest.Decode[wire.EditPayload](t, edits[0]).MessageID)

	w = h.do("POST", "/messages/"+m.ID+"/delete", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotNil(t, decodeBody[messageJSON](t, w).DeletedAt)
}

func TestEditUnconfirmedConflicts(t *testing.T) {
	h := newHarness(t)
	w := h.do("POST", "/conversations/c1/messages", `{"content":"x"}`)
	require.Equal(t, http.StatusAccepted, w.Code)
	m := decodeBody[messageJSON](t, w)

	w = h.do("PATCH", "/messages/"+m.ID, `{"content":"y"}`)
	require.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "not_confirmed", decodeBody[errorBody](t, w).Error)

	w = h.do("PATCH", "/messages/"+m.ID, `not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestConversationsAndRooms(t *testing.T) {
	h := newHarness(t)
	h.login()

	w := h.do("PUT", "/conversations/c1", `{"clientId":"me","workerId":"w1","bookingId":"b1"}`)
	require.Equal(t, http.StatusOK, w.Code)
	c := decodeBody[conversationJSON](t, w)
	assert.Equal(t, "w1", c.WorkerID)
	assert.False(t, c.Joined)

	// Joined while disconnected is replayed on connect.
	require.Equal(t, http.StatusOK, h.do("POST", "/conversations/c1/join", "").Code)
	require.Equal(t, http.StatusOK, h.do("POST", "/conversations/c1/join", "").Code)
	require.Equal(t, http.StatusOK, h.do("POST", "/connect", "").Code)
	joins := h.srv.WaitFrames(wire.ConversationJoin, 1, 2*time.Second)
	require.Len(t, joins, 1)
	assert.Equal(t, "c1", sockettest.Decode[string](t, joins[0]))

	w = h.do("GET", "/conversations", "")
	require.Equal(t, http.StatusOK, w.Code)
	list := decodeBody[struct {
		Conversations []conversationJSON `json:"conversations"`
	}](t, w)
	require.Len(t, list.Conversations, 1)
	assert.True(t, list.Conversations[0].Joined)

	require.Equal(t, http.StatusOK, h.do("POST", "/conversations/c1/leave", "").Code)
	h.srv.WaitFrames(wire.ConversationLeave, 1, 2*time.Second)
	assert.Len(t, h.srv.Frames(wire.ConversationJoin), 1)

	assert.Equal(t, http.StatusNotFound, h.do("GET", "/conversations/nope", "").Code)
}

func TestInboundMessagesAndRead(t *testing.T) {
	h := newHarness(t)
	h.login()
	require.Equal(t, http.StatusOK, h.do("POST", "/connect", "").Code)

	at := time.Now().Add(-time.Minute).UTC().Truncate(time.Millisecond)
	require.NoError(t, h.srv.Push(wire.MessageNew, wire.MessageRecord{
		ID: "s1", ConversationID: "c1", SenderID: "w1", Content: "see you at 10", CreatedAt: at,
	}))
	require.Eventually(t, func() bool {
		c, err := h.db.GetConversation("c1")
		return err == nil && c.UnreadCount == 1
	}, 2*time.Second, 5*time.Millisecond)

	w := h.do("GET", "/conversations/c1/messages?limit=10", "")
	require.Equal(t, http.StatusOK, w.Code)
	page := decodeBody[struct {
		Messages []messageJSON `json:"messages"`
	}](t, w)
	require.Len(t, page.Messages, 1)
	assert.Equal(t, "see you at 10", page.Messages[0].Content)

	require.Equal(t, http.StatusNoContent, h.do("POST", "/conversations/c1/read", "").Code)
	reads := h.srv.WaitFrames(wire.MessageRead, 1, 2*time.Second)
	require.Len(t, reads, 1)
	c, err := h.db.GetConversation("c1")
	require.NoError(t, err)
	assert.Zero(t, c.UnreadCount)

	assert.Equal(t, http.StatusBadRequest, h.do("GET", "/conversations/c1/messages?before=yesterday", "").Code)
}

func TestTypingRoutes(t *testing.T) {
	h := newHarness(t)
	h.login()
	require.Equal(t, http.StatusOK, h.do("POST", "/connect", "").Code)

	require.Equal(t, http.StatusNoContent, h.do("POST", "/conversations/c1/typing", `{"active":true}`).Code)
	starts := h.srv.WaitFrames(wire.TypingStart, 1, 2*time.Second)
	require.Len(t, starts, 1)
	require.Equal(t, http.StatusNoContent, h.do("POST", "/conversations/c1/typing", `{"active":false}`).Code)
	h.srv.WaitFrames(wire.TypingStop, 1, 2*time.Second)

	require.NoError(t, h.srv.Push(wire.TypingStart, wire.TypingPayload{ConversationID: "c1", UserID: "w1", UserName: "Yaw"}))
	require.Eventually(t, func() bool {
		w := h.do("GET", "/conversations/c1/typing", "")
		return strings.Contains(w.Body.String(), `"userName":"Yaw"`)
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSendStopsTyping(t *testing.T) {
	h := newHarness(t)
	h.login()
	require.Equal(t, http.StatusOK, h.do("POST", "/connect", "").Code)

	require.Equal(t, http.StatusNoContent, h.do("POST", "/conversations/c1/typing", `{"active":true}`).Code)
	require.Len(t, h.srv.WaitFrames(wire.TypingStart, 1, 2*time.Second), 1)

	require.Equal(t, http.StatusAccepted, h.do("POST", "/conversations/c1/messages", `{"content":"on my way"}`).Code)
	// Well inside the idle period, so the stop comes from the send.
	assert.Len(t, h.srv.WaitFrames(wire.TypingStop, 1, 500*time.Millisecond), 1)
}

func TestEventStream(t *testing.T) {
	h := newHarness(t)
	ts := httptest.NewServer(h.h)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, "GET", ts.URL+"/events?prefix=message.", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool { return h.bus.Subscribers() > 0 }, time.Second, 5*time.Millisecond)
	h.bus.Emit(bus.KindConversationUpdated, bus.ConversationRef{ConversationID: "c1"})
	h.bus.Emit(bus.KindMessageUpserted, bus.MessageRef{ConversationID: "c1", MessageID: "m1"})

	sc := bufio.NewScanner(resp.Body)
	var data string
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, "event: ") {
			assert.Equal(t, "event: "+bus.KindMessageUpserted, line, "prefix filter applies")
		}
		if d, ok := strings.CutPrefix(line, "data: "); ok {
			data = d
			break
		}
	}
	var env eventEnvelope
	require.NoError(t, json.Unmarshal([]byte(data), &env))
	assert.Equal(t, bus.KindMessageUpserted, env.Kind)
	assert.Equal(t, "test", env.Session)
	assert.Equal(t, map[string]any{"conversationId": "c1", "messageId": "m1"}, env.Payload)
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t)
	h.do("GET", "/status", "")

	w := h.do("GET", "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "kyoos_http_requests_total")
}

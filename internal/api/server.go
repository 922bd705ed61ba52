// Package api serves the local control API: connection control, the
// conversation and message views, and the live event stream.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/siawfish/kyoos-sub001/internal/bus"
	"github.com/siawfish/kyoos-sub001/internal/conn"
	"github.com/siawfish/kyoos-sub001/internal/delivery"
	"github.com/siawfish/kyoos-sub001/internal/metrics"
	"github.com/siawfish/kyoos-sub001/internal/rooms"
	"github.com/siawfish/kyoos-sub001/internal/store"
	"github.com/siawfish/kyoos-sub001/internal/typing"
	"go.uber.org/zap"
)

// Server holds the components the handlers operate on.
type Server struct {
	sessionName string
	startedAt   time.Time
	db          *store.DB
	conn        *conn.Manager
	rooms       *rooms.Tracker
	delivery    *delivery.Machine
	typing      *typing.Coordinator
	bus         *bus.Bus
	logger      *zap.Logger
}

// Deps bundles the constructor arguments of Server.
type Deps struct {
	SessionName string
	DB          *store.DB
	Conn        *conn.Manager
	Rooms       *rooms.Tracker
	Delivery    *delivery.Machine
	Typing      *typing.Coordinator
	Bus         *bus.Bus
	Logger      *zap.Logger
}

// NewServer creates the API server.
func NewServer(d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		sessionName: d.SessionName,
		startedAt:   time.Now(),
		db:          d.DB,
		conn:        d.Conn,
		rooms:       d.Rooms,
		delivery:    d.Delivery,
		typing:      d.Typing,
		bus:         d.Bus,
		logger:      logger,
	}
}

// Router returns the HTTP handler for all routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.Recoverer, s.logRequests, instrument)

	r.Get("/status", s.getStatus)
	r.Post("/connect", s.connect)
	r.Post("/disconnect", s.disconnect)

	r.Route("/conversations", func(r chi.Router) {
		r.Get("/", s.listConversations)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.getConversation)
			r.Put("/", s.putConversation)
			r.Post("/join", s.joinConversation)
			r.Post("/leave", s.leaveConversation)
			r.Post("/read", s.markRead)
			r.Get("/messages", s.listMessages)
			r.Post("/messages", s.sendMessage)
			r.Get("/typing", s.getTyping)
			r.Post("/typing", s.setTyping)
		})
	})

	r.Route("/messages/{id}", func(r chi.Router) {
		r.Get("/", s.getMessage)
		r.Patch("/", s.editMessage)
		r.Delete("/", s.discardMessage)
		r.Post("/retry", s.retryMessage)
		r.Post("/delete", s.deleteMessage)
	})

	r.Get("/events", s.streamEvents)
	s.mountMetrics(r)
	return r
}

func (s *Server) mountMetrics(r chi.Router) {
	metrics.MustRegister()
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
}

// instrument records request counts and latency per route pattern.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		handler := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if rp := rc.RoutePattern(); rp != "" {
				handler = rp
			}
		}
		metrics.HTTPRequests.WithLabelValues(handler, r.Method, strconv.Itoa(ww.Status())).Inc()
		metrics.HTTPDuration.WithLabelValues(handler, r.Method).Observe(time.Since(start).Seconds())
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// writeError maps domain errors to HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status, code := classify(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Error(err))
	}
	writeJSON(w, status, errorBody{Error: code, Message: err.Error()})
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, delivery.ErrEmptyMessage):
		return http.StatusBadRequest, "empty_message"
	case errors.Is(err, delivery.ErrNoConversation), errors.Is(err, errBadRequest):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, delivery.ErrNotFailed):
		return http.StatusConflict, "not_failed"
	case errors.Is(err, delivery.ErrNotConfirmed):
		return http.StatusConflict, "not_confirmed"
	case errors.Is(err, delivery.ErrNotOwn):
		return http.StatusForbidden, "not_own"
	case errors.Is(err, conn.ErrNoCredential):
		return http.StatusUnauthorized, "no_credential"
	case errors.Is(err, conn.ErrNotConnected):
		return http.StatusServiceUnavailable, "not_connected"
	case errors.Is(err, conn.ErrConnectionTimeout):
		return http.StatusGatewayTimeout, "connection_timeout"
	case errors.Is(err, conn.ErrConnectionFailed):
		return http.StatusBadGateway, "connection_failed"
	}
	return http.StatusInternalServerError, "internal"
}

var errBadRequest = errors.New("invalid request body")

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.Join(errBadRequest, err)
	}
	return nil
}

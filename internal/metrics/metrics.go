package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/siawfish/kyoos-sub001/internal/message"
)

var (
	// API
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "kyoos_http_requests_total", Help: "Count of control API requests."},
		[]string{"handler", "method", "code"},
	)
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kyoos_http_request_duration_seconds",
			Help:    "Duration of control API requests.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms..~2s
		},
		[]string{"handler", "method"},
	)

	// Connection
	ConnectAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "kyoos_connect_attempts_total", Help: "Handshake attempts started by Connect."},
		[]string{"result"}, // ok | no_credential | timeout | failed
	)
	Reconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "kyoos_reconnects_total", Help: "Automatic reconnect outcomes."},
		[]string{"result"}, // attempt | restored | gave_up
	)
	Connected = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "kyoos_connected", Help: "1 while the connection is up."},
	)

	// Events
	FramesOut = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "kyoos_frames_out_total", Help: "Outbound events written."},
		[]string{"event", "result"}, // ok | error
	)
	FramesIn = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "kyoos_frames_in_total", Help: "Inbound events by disposition."},
		[]string{"event", "result"}, // handled | unhandled | stale | error
	)
	ServerErrors = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "kyoos_server_errors_total", Help: "Error events sent by the server."},
	)

	// Delivery
	SendTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "kyoos_send_total", Help: "Outgoing message outcomes."},
		[]string{"outcome"}, // queued | acked | failed | retried | discarded
	)
	AckLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kyoos_ack_latency_seconds",
			Help:    "Time from message:send to message:sent.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms..~40s
		},
	)
	Dedup = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "kyoos_dedup_total", Help: "Own message:new echoes matched to a local row."},
		[]string{"by"}, // client_id | server_id | heuristic
	)

	registerOnce sync.Once
)

// MustRegister registers default and kyoos collectors with the default
// registry. Repeated calls are no-ops.
func MustRegister() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			HTTPRequests, HTTPDuration,
			ConnectAttempts, Reconnects, Connected,
			FramesOut, FramesIn, ServerErrors,
			SendTotal, AckLatency, Dedup,
		)
	})
}

// StatusCounter is the part of the message store the exporter reads.
type StatusCounter interface {
	CountByStatus() (map[message.Status]int, error)
}

// StoreStats exports message counts per delivery status.
type StoreStats struct {
	store    StatusCounter
	messages *prometheus.GaugeVec
}

// NewStoreStats creates the exporter and registers its gauge on reg,
// reusing a gauge already registered there.
func NewStoreStats(store StatusCounter, reg prometheus.Registerer) *StoreStats {
	m := &StoreStats{
		store: store,
		messages: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "kyoos_messages", Help: "Stored messages by delivery status.",
		}, []string{"status"}),
	}
	if err := reg.Register(m.messages); err != nil {
		are, ok := err.(prometheus.AlreadyRegisteredError)
		if !ok {
			panic(err)
		}
		m.messages = are.ExistingCollector.(*prometheus.GaugeVec)
	}
	return m
}

// Collect refreshes the gauges once.
func (m *StoreStats) Collect() error {
	counts, err := m.store.CountByStatus()
	if err != nil {
		return err
	}
	for _, s := range []message.Status{message.Pending, message.Sent, message.Delivered, message.Read, message.Failed} {
		m.messages.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
	return nil
}

// Start refreshes the gauges every interval until stop is closed.
func (m *StoreStats) Start(interval time.Duration, stop <-chan struct{}) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			_ = m.Collect()
		}
	}
}

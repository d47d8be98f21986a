package chatsync

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for one client. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	FramesReceived    *prometheus.CounterVec
	FramesDropped     prometheus.Counter
	FramesSent        *prometheus.CounterVec
	ReconnectAttempts prometheus.Counter
	RESTFallbacks     *prometheus.CounterVec
	RateLimited       prometheus.Counter
	ConnectionState   prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		FramesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chatsync_frames_received_total",
			Help: "Inbound websocket frames decoded, by event type.",
		}, []string{"type"}),
		FramesDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_frames_dropped_total",
			Help: "Inbound websocket frames that could not be decoded.",
		}),
		FramesSent: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chatsync_frames_sent_total",
			Help: "Outbound websocket commands written, by command type.",
		}, []string{"type"}),
		ReconnectAttempts: f.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_reconnect_attempts_total",
			Help: "Scheduled websocket reconnect attempts.",
		}),
		RESTFallbacks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chatsync_rest_fallbacks_total",
			Help: "Operations sent over REST because the socket was unavailable.",
		}, []string{"operation"}),
		RateLimited: f.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_rate_limited_total",
			Help: "Sends rejected by the local rate limiter.",
		}),
		ConnectionState: f.NewGauge(prometheus.GaugeOpts{
			Name: "chatsync_connection_state",
			Help: "Websocket state: 0 disconnected, 1 connecting, 2 connected.",
		}),
	}
}

func (m *Metrics) frameReceived(t EventType) {
	if m == nil {
		return
	}
	m.FramesReceived.WithLabelValues(string(t)).Inc()
}

func (m *Metrics) frameDropped() {
	if m == nil {
		return
	}
	m.FramesDropped.Inc()
}

func (m *Metrics) frameSent(t CommandType) {
	if m == nil {
		return
	}
	m.FramesSent.WithLabelValues(string(t)).Inc()
}

func (m *Metrics) reconnectScheduled() {
	if m == nil {
		return
	}
	m.ReconnectAttempts.Inc()
}

func (m *Metrics) restFallback(op string) {
	if m == nil {
		return
	}
	m.RESTFallbacks.WithLabelValues(op).Inc()
}

func (m *Metrics) rateLimited() {
	if m == nil {
		return
	}
	m.RateLimited.Inc()
}

func (m *Metrics) setState(s ConnState) {
	if m == nil {
		return
	}
	switch s {
	case StateConnecting:
		m.ConnectionState.Set(1)
	case StateConnected:
		m.ConnectionState.Set(2)
	default:
		m.ConnectionState.Set(0)
	}
}

// Package metrics tracks runtime statistics of a connection manager and
// exports them through a private Prometheus registry.
//
// All methods are safe for concurrent use. A nil *Collector is a valid
// no-op receiver, so callers never need to nil-check.
package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector tracks transport and stream metrics for one process.
type Collector struct {
	reg *prometheus.Registry

	connects        prometheus.Counter
	connectFailures prometheus.Counter
	disconnects     *prometheus.CounterVec // reason
	activeStreams   *prometheus.GaugeVec   // kind
	streamsTotal    *prometheus.CounterVec // kind
	requests        *prometheus.CounterVec // kind, result
	bytes           *prometheus.CounterVec // direction
	keepalives      *prometheus.CounterVec // result
	errorsTotal     prometheus.Counter

	// Mirrors for Snapshot; prometheus counters are write-only here.
	streamsActive atomic.Int64
	streamsOpened atomic.Int64
	connectsN     atomic.Int64
	idleN         atomic.Int64
	bytesIn       atomic.Int64
	bytesOut      atomic.Int64
	errorsN       atomic.Int64

	mu            sync.RWMutex
	startTime     time.Time
	lastKeepalive time.Time
	lastError     time.Time
	lastErrorMsg  string
}

// New creates a collector with its own registry.
func New() *Collector {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Collector{
		reg:             reg,
		startTime:       time.Now(),
		connects:        f.NewCounter(prometheus.CounterOpts{Name: "sshmux_connects_total", Help: "Transports that reached ready"}),
		connectFailures: f.NewCounter(prometheus.CounterOpts{Name: "sshmux_connect_failures_total", Help: "Transport construction or handshake failures"}),
		disconnects:     f.NewCounterVec(prometheus.CounterOpts{Name: "sshmux_disconnects_total", Help: "Transport teardowns by reason"}, []string{"reason"}),
		activeStreams:   f.NewGaugeVec(prometheus.GaugeOpts{Name: "sshmux_active_streams", Help: "Open streams by kind"}, []string{"kind"}),
		streamsTotal:    f.NewCounterVec(prometheus.CounterOpts{Name: "sshmux_streams_total", Help: "Streams opened by kind"}, []string{"kind"}),
		requests:        f.NewCounterVec(prometheus.CounterOpts{Name: "sshmux_requests_total", Help: "Completed requests by kind and result"}, []string{"kind", "result"}),
		bytes:           f.NewCounterVec(prometheus.CounterOpts{Name: "sshmux_tunnel_bytes_total", Help: "Tunnel bytes by direction"}, []string{"direction"}),
		keepalives:      f.NewCounterVec(prometheus.CounterOpts{Name: "sshmux_keepalives_total", Help: "Keepalive probes by result"}, []string{"result"}),
		errorsTotal:     f.NewCounter(prometheus.CounterOpts{Name: "sshmux_errors_total", Help: "Errors recorded"}),
	}
}

// Handler serves the collector's registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
	}
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for gathering in tests.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.reg
}

// ── Transport ────────────────────────────────────────────────────────

// Connected records a transport reaching ready.
func (c *Collector) Connected() {
	if c == nil {
		return
	}
	c.connects.Inc()
	c.connectsN.Add(1)
}

// ConnectFailed records a failed transport construction or handshake.
func (c *Collector) ConnectFailed() {
	if c == nil {
		return
	}
	c.connectFailures.Inc()
}

// Disconnected records a teardown. reason is "idle", "lost" or "closed".
func (c *Collector) Disconnected(reason string) {
	if c == nil {
		return
	}
	c.disconnects.WithLabelValues(reason).Inc()
	if reason == "idle" {
		c.idleN.Add(1)
	}
}

// Keepalive records the outcome of one keepalive probe.
func (c *Collector) Keepalive(ok bool) {
	if c == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "miss"
	}
	c.keepalives.WithLabelValues(result).Inc()
	c.mu.Lock()
	c.lastKeepalive = time.Now()
	c.mu.Unlock()
}

// TotalConnects returns how many transports reached ready.
func (c *Collector) TotalConnects() int64 {
	if c == nil {
		return 0
	}
	return c.connectsN.Load()
}

// IdleDisconnects returns how many transports were closed for idleness.
func (c *Collector) IdleDisconnects() int64 {
	if c == nil {
		return 0
	}
	return c.idleN.Load()
}

// ── Streams ──────────────────────────────────────────────────────────

// StreamOpened increments the active and total stream counters.
func (c *Collector) StreamOpened(kind string) {
	if c == nil {
		return
	}
	c.activeStreams.WithLabelValues(kind).Inc()
	c.streamsTotal.WithLabelValues(kind).Inc()
	c.streamsActive.Add(1)
	c.streamsOpened.Add(1)
}

// StreamClosed decrements the active stream gauge.
func (c *Collector) StreamClosed(kind string) {
	if c == nil {
		return
	}
	c.activeStreams.WithLabelValues(kind).Dec()
	c.streamsActive.Add(-1)
}

// ActiveStreams returns the number of open streams.
func (c *Collector) ActiveStreams() int64 {
	if c == nil {
		return 0
	}
	return c.streamsActive.Load()
}

// Request records a completed request. result is "ok" or "error".
func (c *Collector) Request(kind, result string) {
	if c == nil {
		return
	}
	c.requests.WithLabelValues(kind, result).Inc()
}

// ── I/O ──────────────────────────────────────────────────────────────

// BytesReceived records n bytes read from a tunnel.
func (c *Collector) BytesReceived(n int64) {
	if c == nil {
		return
	}
	c.bytes.WithLabelValues("in").Add(float64(n))
	c.bytesIn.Add(n)
}

// BytesSent records n bytes written to a tunnel.
func (c *Collector) BytesSent(n int64) {
	if c == nil {
		return
	}
	c.bytes.WithLabelValues("out").Add(float64(n))
	c.bytesOut.Add(n)
}

// ── Errors ───────────────────────────────────────────────────────────

// RecordError increments the error counter and stores the message.
func (c *Collector) RecordError(msg string) {
	if c == nil {
		return
	}
	c.errorsTotal.Inc()
	c.errorsN.Add(1)
	c.mu.Lock()
	c.lastError = time.Now()
	c.lastErrorMsg = msg
	c.mu.Unlock()
}

// ErrorCount returns the total number of errors recorded.
func (c *Collector) ErrorCount() int64 {
	if c == nil {
		return 0
	}
	return c.errorsN.Load()
}

// ── Snapshot ─────────────────────────────────────────────────────────

// Snapshot is a point-in-time view of the collector.
type Snapshot struct {
	Uptime           string `json:"uptime"`
	Connects         int64  `json:"connects"`
	IdleDisconnects  int64  `json:"idle_disconnects"`
	StreamsActive    int64  `json:"streams_active"`
	StreamsOpened    int64  `json:"streams_opened"`
	BytesIn          int64  `json:"bytes_in"`
	BytesOut         int64  `json:"bytes_out"`
	ErrorsTotal      int64  `json:"errors_total"`
	LastKeepalive    string `json:"last_keepalive,omitempty"`
	LastError        string `json:"last_error,omitempty"`
	LastErrorMessage string `json:"last_error_message,omitempty"`
}

// Snapshot returns a copy of all current values.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Snapshot{
		Uptime:          time.Since(c.startTime).Truncate(time.Second).String(),
		Connects:        c.connectsN.Load(),
		IdleDisconnects: c.idleN.Load(),
		StreamsActive:   c.streamsActive.Load(),
		StreamsOpened:   c.streamsOpened.Load(),
		BytesIn:         c.bytesIn.Load(),
		BytesOut:        c.bytesOut.Load(),
		ErrorsTotal:     c.errorsN.Load(),
	}
	if !c.lastKeepalive.IsZero() {
		s.LastKeepalive = c.lastKeepalive.Format(time.RFC3339)
	}
	if !c.lastError.IsZero() {
		s.LastError = c.lastError.Format(time.RFC3339)
		s.LastErrorMessage = c.lastErrorMsg
	}
	return s
}

// JSON returns the snapshot as an indented JSON string.
func (c *Collector) JSON() string {
	s := c.Snapshot()
	data, _ := json.MarshalIndent(s, "", "  ")
	return string(data)
}

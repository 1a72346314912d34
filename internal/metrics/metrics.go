// ABOUTME: Prometheus instrumentation for connections, frames, policy drops and file downloads
// ABOUTME: Recorder owns its own registry and implements host.ActivityRecorder

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/2389/wap-gateway/internal/host"
)

const namespace = "wap_gateway"

// Handshake results recorded by Handshake.
const (
	HandshakeAccepted     = "accepted"
	HandshakeUnauthorized = "unauthorized"
	HandshakeDisabled     = "disabled"
)

// Recorder collects gateway metrics. A nil *Recorder discards everything, so
// components can hold one unconditionally.
type Recorder struct {
	registry *prometheus.Registry

	connections *prometheus.GaugeVec
	handshakes  *prometheus.CounterVec
	frames      *prometheus.CounterVec
	drops       *prometheus.CounterVec
	downloads   *prometheus.CounterVec
}

// New creates a Recorder registered on a fresh registry together with the
// standard Go and process collectors.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Currently connected devices.",
		}, []string{"account"}),
		handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshakes_total",
			Help:      "WebSocket handshakes by result.",
		}, []string{"account", "result"}),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "Frames exchanged with devices.",
		}, []string{"account", "direction", "kind"}),
		drops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_frames_total",
			Help:      "Inbound frames that were not delivered to the host.",
		}, []string{"account", "reason"}),
		downloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "file_downloads_total",
			Help:      "Temp-file download requests by HTTP status.",
		}, []string{"status"}),
	}

	r.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.connections,
		r.handshakes,
		r.frames,
		r.drops,
		r.downloads,
	)
	return r
}

var _ host.ActivityRecorder = (*Recorder)(nil)

// Record implements host.ActivityRecorder.
func (r *Recorder) Record(a host.Activity) {
	if r == nil {
		return
	}
	r.frames.WithLabelValues(a.AccountID, string(a.Direction), a.Kind).Inc()
}

// Handshake counts one WebSocket handshake outcome.
func (r *Recorder) Handshake(accountID, result string) {
	if r == nil {
		return
	}
	r.handshakes.WithLabelValues(accountID, result).Inc()
}

// Connected adjusts the live connection gauge by delta.
func (r *Recorder) Connected(accountID string, delta int) {
	if r == nil {
		return
	}
	r.connections.WithLabelValues(accountID).Add(float64(delta))
}

// Dropped counts an inbound frame that did not reach the host.
func (r *Recorder) Dropped(accountID, reason string) {
	if r == nil {
		return
	}
	r.drops.WithLabelValues(accountID, reason).Inc()
}

// Download counts a /files response by status code text.
func (r *Recorder) Download(status int) {
	if r == nil {
		return
	}
	r.downloads.WithLabelValues(http.StatusText(status)).Inc()
}

// Registry exposes the underlying registry for tests and extra collectors.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Pull and push results
const (
	ResultOK      = "ok"
	ResultError   = "error"
	ResultSkipped = "skipped"
)

// Metrics holds the Prometheus collectors of one server. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	DispatchRequests *prometheus.CounterVec
	DispatchDuration prometheus.Histogram
	MocksRegistered  prometheus.Gauge
	SyncPulls        *prometheus.CounterVec
	SyncPushes       *prometheus.CounterVec
	PeersSynced      prometheus.Gauge

	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
	HTTPErrors   *prometheus.CounterVec
}

// New creates unregistered collectors
func New() *Metrics {
	return &Metrics{
		DispatchRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "omock_dispatch_requests_total",
			Help: "Mock dispatches by response status code",
		}, []string{"status"}),
		DispatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "omock_dispatch_duration_seconds",
			Help:    "Dispatch latency including simulated delay",
			Buckets: prometheus.DefBuckets,
		}),
		MocksRegistered: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "omock_mocks_registered",
			Help: "Mock definitions currently held in the registry",
		}),
		SyncPulls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "omock_sync_pulls_total",
			Help: "Per-peer pull attempts by result",
		}, []string{"result"}),
		SyncPushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "omock_sync_pushes_total",
			Help: "Pushes to peers by operation and result",
		}, []string{"op", "result"}),
		PeersSynced: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "omock_sync_peers_synced",
			Help: "Peers successfully synchronized at least once",
		}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "omock_http_requests_total",
			Help: "HTTP requests by method and route",
		}, []string{"method", "endpoint"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "omock_http_request_duration_seconds",
			Help:    "HTTP request latency by method and route",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "omock_http_requests_errors_total",
			Help: "Non-2xx HTTP responses by method, route and status",
		}, []string{"method", "endpoint", "status"}),
	}
}

// Register adds every collector to reg, or the default registerer when reg is nil
func (m *Metrics) Register(reg prometheus.Registerer) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	for _, c := range []prometheus.Collector{
		m.DispatchRequests,
		m.DispatchDuration,
		m.MocksRegistered,
		m.SyncPulls,
		m.SyncPushes,
		m.PeersSynced,
		m.HTTPRequests,
		m.HTTPDuration,
		m.HTTPErrors,
	} {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				return err
			}
		}
	}
	return nil
}

// Handler exposes g in the Prometheus text format
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// ObserveDispatch records one dispatch outcome
func (m *Metrics) ObserveDispatch(status int, d time.Duration) {
	if m == nil {
		return
	}
	m.DispatchRequests.WithLabelValues(strconv.Itoa(status)).Inc()
	m.DispatchDuration.Observe(d.Seconds())
}

// SetMocks sets the registered mock gauge
func (m *Metrics) SetMocks(n int) {
	if m == nil {
		return
	}
	m.MocksRegistered.Set(float64(n))
}

// ObservePull counts one per-peer pull
func (m *Metrics) ObservePull(result string) {
	if m == nil {
		return
	}
	m.SyncPulls.WithLabelValues(result).Inc()
}

// ObservePush counts one push
func (m *Metrics) ObservePush(op, result string) {
	if m == nil {
		return
	}
	m.SyncPushes.WithLabelValues(op, result).Inc()
}

// SetPeersSynced sets the synced peer gauge
func (m *Metrics) SetPeersSynced(n int) {
	if m == nil {
		return
	}
	m.PeersSynced.Set(float64(n))
}

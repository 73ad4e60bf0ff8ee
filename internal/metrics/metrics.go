// Package metrics exposes Prometheus collectors for the HTTP front end, the
// SSDP engine and the streamer. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "minidlna"

type Metrics struct {
	registry *prometheus.Registry

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	SSDPDatagramsTotal *prometheus.CounterVec
	SSDPResponsesTotal prometheus.Counter
	SSDPNotifiesTotal  *prometheus.CounterVec
	SSDPBackoffWarns   prometheus.Counter

	BrowseRequestsTotal *prometheus.CounterVec
	BytesStreamedTotal  prometheus.Counter
	ThumbnailCacheHits  *prometheus.CounterVec
}

// New registers all collectors on a fresh registry, so several instances can
// coexist in one process.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "HTTP requests by route and status code",
			},
			[]string{"route", "status"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latency by route",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"route"},
		),
		SSDPDatagramsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ssdp_datagrams_total",
				Help:      "Received SSDP datagrams by outcome",
			},
			[]string{"outcome"},
		),
		SSDPResponsesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ssdp_search_responses_total",
			Help:      "Unicast M-SEARCH responses sent",
		}),
		SSDPNotifiesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ssdp_notifies_total",
				Help:      "NOTIFY messages sent by subtype",
			},
			[]string{"nts"},
		),
		SSDPBackoffWarns: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ssdp_backoff_warnings_total",
			Help:      "Announce intervals shorter than the expected backoff",
		}),
		BrowseRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "browse_requests_total",
				Help:      "ContentDirectory Browse requests by flag and outcome",
			},
			[]string{"flag", "outcome"},
		),
		BytesStreamedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_bytes_total",
			Help:      "Media bytes written to clients",
		}),
		ThumbnailCacheHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "thumbnail_cache_lookups_total",
				Help:      "Thumbnail cache lookups by result",
			},
			[]string{"result"},
		),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) ObserveHTTP(route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}

// Datagram outcomes.
const (
	DatagramSearch     = "search"
	DatagramSelf       = "self"
	DatagramIgnored    = "ignored"
	DatagramParseError = "parse_error"
)

func (m *Metrics) Datagram(outcome string) {
	if m == nil {
		return
	}
	m.SSDPDatagramsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SearchResponse() {
	if m == nil {
		return
	}
	m.SSDPResponsesTotal.Inc()
}

func (m *Metrics) Notify(nts string, count int) {
	if m == nil {
		return
	}
	m.SSDPNotifiesTotal.WithLabelValues(nts).Add(float64(count))
}

func (m *Metrics) BackoffWarning() {
	if m == nil {
		return
	}
	m.SSDPBackoffWarns.Inc()
}

func (m *Metrics) Browse(flag, outcome string) {
	if m == nil {
		return
	}
	m.BrowseRequestsTotal.WithLabelValues(flag, outcome).Inc()
}

func (m *Metrics) BytesStreamed(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.BytesStreamedTotal.Add(float64(n))
}

func (m *Metrics) ThumbnailLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.ThumbnailCacheHits.WithLabelValues(result).Inc()
}

// Package metrics provides Prometheus metrics for shelfseeker. They are
// served by the `serve` command on /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	// Namespace for all shelfseeker metrics
	namespace = "shelfseeker"
)

// Registry holds every shelfseeker collector. A private registry keeps
// tests independent of the global default one.
var Registry = prometheus.NewRegistry()

var (
	// SearchTotal tracks searches per source and outcome
	SearchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "search_total",
			Help:      "Total number of searches issued per source",
		},
		[]string{"source", "result"},
	)

	// SearchDuration tracks how long each source took to answer
	SearchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "search_duration_seconds",
			Help:      "Duration of searches in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"source"},
	)

	// SearchResults tracks the number of hits returned
	SearchResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "search_results_total",
			Help:      "Total number of search results returned per source",
		},
		[]string{"source"},
	)

	// ProviderRequests tracks Newznab requests per provider
	ProviderRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_requests_total",
			Help:      "Total number of Newznab provider requests by outcome",
		},
		[]string{"provider", "result"},
	)

	// IRCConnectionState is the current IRC session state (0 disconnected .. 3 joined)
	IRCConnectionState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "irc_connection_state",
			Help:      "IRC session state: 0=disconnected 1=connecting 2=registered 3=joined",
		},
	)

	// TransfersTotal tracks DCC transfers by direction and outcome
	TransfersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dcc_transfers_total",
			Help:      "Total number of DCC transfers",
		},
		[]string{"direction", "result"},
	)

	// TransferBytes tracks DCC payload bytes moved
	TransferBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dcc_transfer_bytes_total",
			Help:      "Total number of DCC payload bytes transferred",
		},
		[]string{"direction"},
	)

	// DownloadsTotal tracks routed downloads by route and outcome
	DownloadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "downloads_total",
			Help:      "Total number of downloads by route",
		},
		[]string{"route", "result"},
	)
)

func init() {
	Registry.MustRegister(
		SearchTotal,
		SearchDuration,
		SearchResults,
		ProviderRequests,
		IRCConnectionState,
		TransfersTotal,
		TransferBytes,
		DownloadsTotal,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// RecordSearch records a finished search against one source
func RecordSearch(source, result string, seconds float64, hits int) {
	SearchTotal.WithLabelValues(source, result).Inc()
	SearchDuration.WithLabelValues(source).Observe(seconds)
	if hits > 0 {
		SearchResults.WithLabelValues(source).Add(float64(hits))
	}
}

// RecordProviderRequest records one Newznab provider outcome
func RecordProviderRequest(provider, result string) {
	ProviderRequests.WithLabelValues(provider, result).Inc()
}

// RecordTransfer records a finished DCC transfer
func RecordTransfer(direction, result string, bytes int64) {
	TransfersTotal.WithLabelValues(direction, result).Inc()
	if bytes > 0 {
		TransferBytes.WithLabelValues(direction).Add(float64(bytes))
	}
}

// RecordDownload records a routed download
func RecordDownload(route, result string) {
	DownloadsTotal.WithLabelValues(route, result).Inc()
}

// Package metrics holds the Prometheus collectors exported at /metrics.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sitewatch"

var (
	Registry = prometheus.NewRegistry()

	ScansTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "scans_total",
		Help:      "Report scans run, by kind (initial, update) and result (ok, failed).",
	}, []string{"kind", "result"})

	ScanDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "scan_duration_seconds",
		Help:      "Wall time of a report scan.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
	}, []string{"kind"})

	SiteFetchFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "site_fetch_failures_total",
		Help:      "Site fetches that returned an error during a scan.",
	})

	ScansRunning = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "scans_running",
		Help:      "Scans currently in progress.",
	})

	HTTPRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "HTTP requests served, by route pattern and status code.",
	}, []string{"route", "code"})
)

func init() {
	Registry.MustRegister(ScansTotal, ScanDuration, SiteFetchFailures, ScansRunning, HTTPRequests)
	Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

func ObserveRequest(route string, code int) {
	if route == "" {
		route = "unmatched"
	}
	HTTPRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
}

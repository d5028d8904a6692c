// Package metrics exposes connectivity counters to Prometheus and fans
// structured metric events out to in-process handlers.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tradeforce/logger"
)

const namespace = "tradeforce"

var (
	registry = prometheus.NewRegistry()

	venueConnects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "venue_connect_total",
		Help:      "Venue connection attempts by result.",
	}, []string{"venue", "result"})

	venueLatency = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "venue_latency_ms",
		Help:      "Last measured probe latency per venue.",
	}, []string{"venue"})

	venueUp = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "venue_up",
		Help:      "1 when the venue is connected.",
	}, []string{"venue"})

	venueReconnects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "venue_reconnect_total",
		Help:      "Reconnect attempts per venue.",
	}, []string{"venue"})

	streamMessages = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stream_messages_total",
		Help:      "Frames received from the market data stream.",
	})

	streamReconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stream_reconnect_total",
		Help:      "Market data stream reconnect attempts.",
	})

	streamLatency = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "stream_latency_ms",
		Help:      "Last heartbeat round trip.",
	})
)

func init() {
	registry.MustRegister(
		venueConnects, venueLatency, venueUp, venueReconnects,
		streamMessages, streamReconnects, streamLatency,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Handler serves the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// VenueConnect records the outcome of one connection attempt.
func VenueConnect(log *logger.Log, venue string, ok bool, latencyMs *int64) {
	result, name := "failure", "venue_connect_failure"
	if ok {
		result, name = "success", "venue_connect_success"
	}
	venueConnects.WithLabelValues(venue, result).Inc()
	recordMetric(log, "venue_manager", name, 1, "counter", logger.Fields{"venue": venue})

	if ok && latencyMs != nil {
		VenueLatency(log, venue, *latencyMs)
	}
}

func VenueLatency(log *logger.Log, venue string, ms int64) {
	venueLatency.WithLabelValues(venue).Set(float64(ms))
	recordMetric(log, "venue_manager", "venue_latency_ms", ms, "gauge", logger.Fields{"venue": venue})
}

// VenueUp tracks whether a venue is currently connected.
func VenueUp(venue string, up bool) {
	v := 0.0
	if up {
		v = 1
	}
	venueUp.WithLabelValues(venue).Set(v)
}

func VenueReconnect(log *logger.Log, venue string, attempt int) {
	venueReconnects.WithLabelValues(venue).Inc()
	recordMetric(log, "venue_manager", "venue_reconnect", attempt, "counter", logger.Fields{"venue": venue})
}

func StreamMessage() { streamMessages.Inc() }

func StreamReconnect(log *logger.Log, attempt int) {
	streamReconnects.Inc()
	recordMetric(log, "stream_client", "stream_reconnect", attempt, "counter", nil)
}

func StreamLatency(log *logger.Log, ms int64) {
	streamLatency.Set(float64(ms))
	recordMetric(log, "stream_client", "stream_latency_ms", ms, "gauge", nil)
}

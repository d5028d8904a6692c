package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"tradeforce/logger"
)

// DropMetric names the reason a message was discarded.
type DropMetric string

const (
	DropMalformedFrame DropMetric = "stream_frame_malformed"
	DropBadPrice       DropMetric = "stream_price_invalid"
	DropPublish        DropMetric = "publish_failed"
)

var drops = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "messages_dropped_total",
	Help:      "Messages discarded by reason.",
}, []string{"reason"})

func init() {
	registry.MustRegister(drops)
}

// EmitDropMetric counts one dropped message. Subject is the symbol or NATS
// subject involved, when known.
func EmitDropMetric(log *logger.Log, metric DropMetric, component, subject string) {
	drops.WithLabelValues(string(metric)).Inc()

	fields := logger.Fields{}
	if subject != "" {
		fields["subject"] = subject
	}
	EmitMetric(log, component, string(metric), 1, "counter", fields)
}

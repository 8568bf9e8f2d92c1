package metrics

import "github.com/prometheus/client_golang/prometheus"

// RelayMetrics exposes counters/histograms for the webhook relay. A nil
// *RelayMetrics is valid and records nothing.
type RelayMetrics struct {
	webhooksTotal *prometheus.CounterVec
	eventsTotal   *prometheus.CounterVec
	repliesTotal  *prometheus.CounterVec
	runPolls      prometheus.Histogram
	relayDuration *prometheus.HistogramVec
}

func NewRelayMetrics(reg prometheus.Registerer) *RelayMetrics {
	m := &RelayMetrics{
		webhooksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "line_relay",
			Subsystem: "webhook",
			Name:      "requests_total",
			Help:      "Total webhook deliveries by response status",
		}, []string{"status"}),
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "line_relay",
			Subsystem: "relay",
			Name:      "events_total",
			Help:      "Total inbound events by outcome",
		}, []string{"outcome"}),
		repliesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "line_relay",
			Subsystem: "relay",
			Name:      "replies_total",
			Help:      "Total reply sends by result",
		}, []string{"result"}),
		runPolls: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "line_relay",
			Subsystem: "relay",
			Name:      "run_polls",
			Help:      "Run status checks per relayed event",
			Buckets:   []float64{1, 2, 3, 5, 8, 13, 20, 30},
		}),
		relayDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "line_relay",
			Subsystem: "relay",
			Name:      "duration_seconds",
			Help:      "Time from event start to reply send",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 45, 60},
		}, []string{"outcome"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.webhooksTotal, m.eventsTotal, m.repliesTotal, m.runPolls, m.relayDuration)
	return m
}

func (m *RelayMetrics) ObserveWebhook(status int) {
	if m == nil {
		return
	}
	m.webhooksTotal.WithLabelValues(statusLabel(status)).Inc()
}

func (m *RelayMetrics) ObserveEvent(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.eventsTotal.WithLabelValues(outcome).Inc()
	m.relayDuration.WithLabelValues(outcome).Observe(seconds)
}

func (m *RelayMetrics) ObserveReply(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.repliesTotal.WithLabelValues(result).Inc()
}

func (m *RelayMetrics) ObservePolls(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.runPolls.Observe(float64(n))
}

func statusLabel(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 200 && status < 300:
		return "2xx"
	default:
		return "other"
	}
}

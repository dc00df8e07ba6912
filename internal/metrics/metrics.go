package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ChatMetrics exposes counters for the group chat and its channels.
type ChatMetrics struct {
	relayedTotal  *prometheus.CounterVec
	inputRequests prometheus.Counter
	submitTotal   *prometheus.CounterVec
	inboundTotal  *prometheus.CounterVec
	sessionsTotal *prometheus.CounterVec
	inputWait     prometheus.Histogram
}

func NewChatMetrics(reg prometheus.Registerer) *ChatMetrics {
	m := &ChatMetrics{
		relayedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crewchat",
			Subsystem: "relay",
			Name:      "messages_total",
			Help:      "Conversation messages forwarded to the display sink",
		}, []string{"author"}),
		inputRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "crewchat",
			Subsystem: "bridge",
			Name:      "input_requests_total",
			Help:      "Human input requests issued by the conversation",
		}),
		submitTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crewchat",
			Subsystem: "session",
			Name:      "submissions_total",
			Help:      "External inputs by dispatch outcome",
		}, []string{"outcome"}),
		inboundTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crewchat",
			Subsystem: "gateway",
			Name:      "inbound_total",
			Help:      "Inbound messages by channel",
		}, []string{"channel"}),
		sessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crewchat",
			Subsystem: "session",
			Name:      "ended_total",
			Help:      "Finished conversations by reason",
		}, []string{"reason"}),
		inputWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "crewchat",
			Subsystem: "bridge",
			Name:      "input_wait_seconds",
			Help:      "Time a turn spent waiting for human input",
			Buckets:   []float64{1, 5, 15, 30, 60, 300, 900, 3600},
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.relayedTotal, m.inputRequests, m.submitTotal, m.inboundTotal, m.sessionsTotal, m.inputWait)
	return m
}

func (m *ChatMetrics) ObserveRelayed(author string) {
	if m == nil {
		return
	}
	m.relayedTotal.WithLabelValues(author).Inc()
}

func (m *ChatMetrics) ObserveInputRequest() {
	if m == nil {
		return
	}
	m.inputRequests.Inc()
}

func (m *ChatMetrics) ObserveInputWait(seconds float64) {
	if m == nil {
		return
	}
	m.inputWait.Observe(seconds)
}

func (m *ChatMetrics) ObserveSubmit(outcome string) {
	if m == nil {
		return
	}
	m.submitTotal.WithLabelValues(outcome).Inc()
}

func (m *ChatMetrics) ObserveInbound(channel string) {
	if m == nil {
		return
	}
	m.inboundTotal.WithLabelValues(channel).Inc()
}

func (m *ChatMetrics) ObserveSessionEnd(reason string) {
	if m == nil {
		return
	}
	m.sessionsTotal.WithLabelValues(reason).Inc()
}

// Handler serves the gatherer in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

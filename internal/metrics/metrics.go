package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// BookingMetrics exposes counters/histograms for the booking engine.
// A nil *BookingMetrics is valid and records nothing.
type BookingMetrics struct {
	bookingsTotal      *prometheus.CounterVec
	transitionsTotal   *prometheus.CounterVec
	provisioningTotal  *prometheus.CounterVec
	provisioningTime   prometheus.Histogram
	notificationsTotal *prometheus.CounterVec
	inflightFanouts    prometheus.Gauge
}

func NewBookingMetrics(namespace string, reg prometheus.Registerer) *BookingMetrics {
	if namespace == "" {
		namespace = "telehealth"
	}
	m := &BookingMetrics{
		bookingsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "booking",
			Name:      "requests_total",
			Help:      "RequestBooking calls by outcome",
		}, []string{"outcome"}),
		transitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "booking",
			Name:      "transitions_total",
			Help:      "Applied appointment status transitions",
		}, []string{"from", "to"}),
		provisioningTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "provisioning_total",
			Help:      "Provision calls by outcome",
		}, []string{"outcome"}),
		provisioningTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "provisioning_seconds",
			Help:      "Latency of room provisioning including retries",
			Buckets:   prometheus.DefBuckets,
		}),
		notificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "sends_total",
			Help:      "Terminal notification outcomes",
		}, []string{"event", "channel", "recipient", "status"}),
		inflightFanouts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "booking",
			Name:      "inflight_fanouts",
			Help:      "Provisioning/notification fan-outs currently running",
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.bookingsTotal, m.transitionsTotal, m.provisioningTotal,
		m.provisioningTime, m.notificationsTotal, m.inflightFanouts)
	return m
}

func (m *BookingMetrics) ObserveBooking(outcome string) {
	if m == nil {
		return
	}
	m.bookingsTotal.WithLabelValues(outcome).Inc()
}

func (m *BookingMetrics) ObserveTransition(from, to string) {
	if m == nil {
		return
	}
	m.transitionsTotal.WithLabelValues(from, to).Inc()
}

func (m *BookingMetrics) ObserveProvisioning(outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.provisioningTotal.WithLabelValues(outcome).Inc()
	m.provisioningTime.Observe(took.Seconds())
}

func (m *BookingMetrics) ObserveNotification(event, channel, recipient, status string) {
	if m == nil {
		return
	}
	m.notificationsTotal.WithLabelValues(event, channel, recipient, status).Inc()
}

func (m *BookingMetrics) FanoutStarted() {
	if m == nil {
		return
	}
	m.inflightFanouts.Inc()
}

func (m *BookingMetrics) FanoutDone() {
	if m == nil {
		return
	}
	m.inflightFanouts.Dec()
}

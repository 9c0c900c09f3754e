package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "dispatch"

// Cycle results recorded by ObserveCycle.
const (
	CycleRan     = "ran"
	CycleSkipped = "skipped"
	CycleError   = "error"
)

// Dispatch holds the dispatcher's collectors. A nil *Dispatch records nothing.
type Dispatch struct {
	sent         prometheus.Counter
	failed       prometheus.Counter
	retried      prometheus.Counter
	requeued     prometheus.Counter
	cycles       *prometheus.CounterVec
	sendDuration prometheus.Histogram
}

func NewDispatch(reg prometheus.Registerer) *Dispatch {
	m := &Dispatch{
		sent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Messages delivered to the channel.",
		}),
		failed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_failed_total",
			Help:      "Messages that exhausted their attempts.",
		}),
		retried: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_retried_total",
			Help:      "Failed attempts rescheduled with backoff.",
		}),
		requeued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_requeued_total",
			Help:      "Stale in-flight claims returned to pending.",
		}),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Poll cycles by result.",
		}, []string{"result"}),
		sendDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "send_duration_seconds",
			Help:      "Latency of channel send calls.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
	}

	if reg != nil {
		reg.MustRegister(m.sent, m.failed, m.retried, m.requeued, m.cycles, m.sendDuration)
	}
	return m
}

func (m *Dispatch) Sent() {
	if m != nil {
		m.sent.Inc()
	}
}

func (m *Dispatch) Failed() {
	if m != nil {
		m.failed.Inc()
	}
}

func (m *Dispatch) Retried() {
	if m != nil {
		m.retried.Inc()
	}
}

func (m *Dispatch) Requeued(n int) {
	if m != nil && n > 0 {
		m.requeued.Add(float64(n))
	}
}

func (m *Dispatch) ObserveCycle(result string) {
	if m != nil {
		m.cycles.WithLabelValues(result).Inc()
	}
}

func (m *Dispatch) ObserveSend(d time.Duration) {
	if m != nil {
		m.sendDuration.Observe(d.Seconds())
	}
}

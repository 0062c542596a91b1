package queue

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the queue's Prometheus instruments. A nil *Metrics is valid
// and records nothing, so the queue can run unmetered in tests.
type Metrics struct {
	appendedTotal  prometheus.Counter
	processedTotal *prometheus.CounterVec
	retriesTotal   prometheus.Counter
	timeoutsTotal  prometheus.Counter
	disposedTotal  *prometheus.CounterVec
	inFlightGauge  prometheus.Gauge
}

// NewMetrics registers the queue instruments with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		appendedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hearth_cloud_queue_appended_total",
			Help: "Messages accepted into the delivery queue.",
		}),
		processedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hearth_cloud_queue_process_total",
			Help: "Delegate Process calls by result.",
		}, []string{"result"}),
		retriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hearth_cloud_queue_retries_total",
			Help: "Messages requeued after a failed or deferred send.",
		}),
		timeoutsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hearth_cloud_queue_reply_timeouts_total",
			Help: "In-flight messages whose reply deadline elapsed.",
		}),
		disposedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hearth_cloud_queue_disposed_total",
			Help: "Terminal dispositions by reason.",
		}, []string{"reason"}),
		inFlightGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hearth_cloud_queue_in_flight",
			Help: "Messages dispatched and awaiting a reply.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.appendedTotal,
			m.processedTotal,
			m.retriesTotal,
			m.timeoutsTotal,
			m.disposedTotal,
			m.inFlightGauge,
		)
	}
	return m
}

func (m *Metrics) appended(_ *Message) {
	if m == nil {
		return
	}
	m.appendedTotal.Inc()
}

func (m *Metrics) processed(res Result) {
	if m == nil {
		return
	}
	m.processedTotal.WithLabelValues(res.String()).Inc()
}

func (m *Metrics) retried() {
	if m == nil {
		return
	}
	m.retriesTotal.Inc()
}

func (m *Metrics) timedOut(terminal bool) {
	if m == nil {
		return
	}
	m.timeoutsTotal.Inc()
	_ = terminal // terminal drops are also counted via disposed
}

func (m *Metrics) disposed(ok bool, reason Reason) {
	if m == nil {
		return
	}
	if ok {
		m.disposedTotal.WithLabelValues("none").Inc()
		return
	}
	m.disposedTotal.WithLabelValues(reason.String()).Inc()
}

func (m *Metrics) inFlightChanged(n int) {
	if m == nil {
		return
	}
	m.inFlightGauge.Set(float64(n))
}

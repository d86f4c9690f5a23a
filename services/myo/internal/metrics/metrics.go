package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "myoblink"

// Metrics are the control-loop metrics. All fields are always non-nil.
type Metrics struct {
	ConnectAttempts *prometheus.CounterVec // reason
	Connected       prometheus.Gauge
	Ganglia         prometheus.Gauge
	SessionsLost    prometheus.Counter

	Ticks        prometheus.Counter
	TickDuration prometheus.Histogram
	Samples      prometheus.Counter
	ReadErrors   *prometheus.CounterVec // ganglion, muscle

	Commands *prometheus.CounterVec // mode, result
}

// New builds the collectors and registers them with reg when reg is non-nil.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ConnectAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "connect_attempts_total",
			Help:      "Bus connect attempts by outcome reason (ok on success)",
		}, []string{"reason"}),
		Connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "connected",
			Help:      "1 while a bus session is live",
		}),
		Ganglia: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "ganglia",
			Help:      "Ganglia enumerated by the live session",
		}),
		SessionsLost: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "sessions_lost_total",
			Help:      "Sessions dropped after a detected disconnect",
		}),
		Ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "loop",
			Name:      "ticks_total",
			Help:      "Control loop ticks",
		}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "loop",
			Name:      "poll_duration_seconds",
			Help:      "Time spent polling all tracked muscles in one tick",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1},
		}),
		Samples: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "telemetry",
			Name:      "samples_total",
			Help:      "Muscle samples published",
		}),
		ReadErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "telemetry",
			Name:      "read_errors_total",
			Help:      "Failed muscle reads",
		}, []string{"ganglion", "muscle"}),
		Commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "move",
			Name:      "commands_total",
			Help:      "Move commands by mode and result code",
		}, []string{"mode", "result"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.ConnectAttempts, m.Connected, m.Ganglia, m.SessionsLost,
			m.Ticks, m.TickDuration, m.Samples, m.ReadErrors, m.Commands,
		)
	}
	return m
}

// ReadError counts one failed read.
func (m *Metrics) ReadError(ganglion, muscle int) {
	m.ReadErrors.WithLabelValues(strconv.Itoa(ganglion), strconv.Itoa(muscle)).Inc()
}

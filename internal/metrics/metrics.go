package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SessionsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "callsy_sessions_active",
		Help: "Call sessions currently open",
	}, []string{"role"})

	CallOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "callsy_call_outcomes_total",
		Help: "Finished call attempts by outcome",
	}, []string{"role", "outcome"})

	SetupDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "callsy_setup_duration_seconds",
		Help:    "Time from entering CONNECTING to remote media",
		Buckets: []float64{0.25, 0.5, 1, 2, 3, 5, 8, 13, 20, 30},
	})

	QualityGrades = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "callsy_quality_grade_total",
		Help: "Quality samples by grade",
	}, []string{"grade"})

	Jitter = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "callsy_quality_jitter_seconds",
		Help:    "Inbound audio jitter per sample",
		Buckets: []float64{0.002, 0.005, 0.01, 0.02, 0.03, 0.05, 0.1},
	})

	PacketLoss = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "callsy_quality_packet_loss_ratio",
		Help:    "Inbound audio packet loss ratio per sample",
		Buckets: []float64{0.001, 0.005, 0.01, 0.02, 0.05, 0.1, 0.2},
	})

	SignalingOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "callsy_signaling_ops_total",
		Help: "Signaling store writes by operation and result",
	}, []string{"op", "result"})

	AdmissionVerdicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "callsy_admission_verdicts_total",
		Help: "Presence gate verdicts by reason",
	}, []string{"reason"})

	StreamsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "callsy_signal_streams_active",
		Help: "Open WebSocket signaling streams",
	})
)

// Result maps an error to a low-cardinality label.
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

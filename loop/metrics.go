package loop

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	metricCyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "aegis_cycles_total", Help: "Full cycles run, by outcome"},
		[]string{"instrument", "outcome"})
	metricIntentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "aegis_intents_total", Help: "Order intents emitted, by purpose"},
		[]string{"instrument", "purpose"})
	metricExecutionFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "aegis_execution_failures_total", Help: "Intents that ended rejected or ambiguous"},
		[]string{"instrument"})
	metricStaleSnapshots = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "aegis_stale_snapshots_total", Help: "Cycles that ran on stale market data"},
		[]string{"instrument"})
	metricFastExits = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "aegis_fast_exits_total", Help: "Protective exits fired by the fast-path check"},
		[]string{"instrument"})
	metricInferenceSeconds = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "aegis_inference_seconds", Help: "Latency of the last inference call"},
		[]string{"instrument"})
	metricCycleSeconds = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "aegis_cycle_seconds", Help: "Duration of the last full cycle"},
		[]string{"instrument"})
	metricPositionSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "aegis_position_size", Help: "Current position size, signed (+long, -short)"},
		[]string{"instrument"})
)

func init() {
	prometheus.MustRegister(
		metricCyclesTotal,
		metricIntentsTotal,
		metricExecutionFailures,
		metricStaleSnapshots,
		metricFastExits,
		metricInferenceSeconds,
		metricCycleSeconds,
		metricPositionSize,
	)
}

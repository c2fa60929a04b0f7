// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "starsbot"

var (
	MonitorCycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "monitor_cycles_total",
		Help:      "Monitor cycles by result.",
	}, []string{"result"})

	Payments = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "payments_total",
		Help:      "Payments handled by the monitor, by outcome.",
	}, []string{"outcome"})

	PurchaseDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "purchase_duration_seconds",
		Help:      "Time spent in one Stars purchase.",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300},
	}, []string{"result"})

	WalletSends = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "wallet_sends_total",
		Help:      "Outgoing wallet transfers by result.",
	}, []string{"result"})

	StuckTransactions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "stuck_transactions",
		Help:      "Rows in processing longer than the stuck timeout at the last check.",
	})
)

// Result labels.
const (
	ResultOK    = "ok"
	ResultError = "error"
)

// Payment outcome labels.
const (
	OutcomeProcessed = "processed"
	OutcomeFailed    = "failed"
	OutcomeSkipped   = "skipped"
	OutcomeContended = "contended"
)

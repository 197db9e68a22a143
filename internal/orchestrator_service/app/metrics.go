package app

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	operationsSubmittedCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "orchestrator",
			Name:      "operations_submitted_total",
			Help:      "Total generation operations submitted.",
		},
		[]string{"provider", "operation", "outcome"},
	)
	reconcileSignalsCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "orchestrator",
			Name:      "reconcile_signals_total",
			Help:      "Total provider status signals reconciled.",
		},
		[]string{"source", "outcome"},
	)
	webhookDeliveriesCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "orchestrator",
			Name:      "webhook_deliveries_total",
			Help:      "Total provider webhook deliveries received.",
		},
		[]string{"provider", "outcome"},
	)
	creditsChargedCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "orchestrator",
			Name:      "credits_charged_total",
			Help:      "Total credits charged for submitted operations.",
		},
		[]string{"operation"},
	)
	creditsRefundedCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "orchestrator",
			Name:      "credits_refunded_total",
			Help:      "Total credits refunded for failed or cancelled jobs.",
		},
		[]string{"operation"},
	)
	providerSubmitDurationHist = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "orchestrator",
			Name:      "provider_submit_duration_seconds",
			Help:      "Duration of provider submission requests.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"provider"},
	)
)

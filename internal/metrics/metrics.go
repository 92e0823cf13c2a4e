package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "checkout"

var (
	OrdersCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "orders_created_total",
		Help: "Orders successfully created.",
	})

	IdempotentReplays = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "idempotent_replays_total",
		Help: "Creation requests answered from a stored idempotency snapshot.",
	})

	ReservationsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "reservations_rejected_total",
		Help: "Reservation attempts rejected for insufficient stock.",
	})

	GatewayErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "gateway_errors_total",
		Help: "Opaque payment gateway failures by operation.",
	}, []string{"op"})

	ReconcileTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "reconcile_transitions_total",
		Help: "Order state transitions applied by reconciliation.",
	}, []string{"to"})

	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Name: "http_request_duration_seconds",
		Help:    "HTTP handler latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route", "code"})
)

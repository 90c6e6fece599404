// Package metrics defines the Prometheus instrumentation for the index
// engine. Collectors are registered on the default registry and exposed by
// the service's /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// StoresTotal counts store operations by final status.
	StoresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "qrindex",
		Name:      "stores_total",
		Help:      "Store operations by status.",
	}, []string{"status"})

	// FindsTotal counts FIND session starts by initial status.
	FindsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "qrindex",
		Name:      "finds_total",
		Help:      "FIND sessions by start status.",
	}, []string{"status"})

	// MovesTotal counts MOVE session starts by initial status.
	MovesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "qrindex",
		Name:      "moves_total",
		Help:      "MOVE sessions by start status.",
	}, []string{"status"})

	// EvictionsTotal counts quota evictions by granularity (image or study).
	EvictionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "qrindex",
		Name:      "evictions_total",
		Help:      "Quota evictions by granularity.",
	}, []string{"kind"})

	// PrunedTotal counts records removed because their file vanished.
	PrunedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "qrindex",
		Name:      "pruned_records_total",
		Help:      "Records pruned because the object file is missing.",
	})
)

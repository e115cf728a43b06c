// Package metrics holds the Prometheus collectors specflow exports at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "specflow"

// Result label values.
const (
	ResultOK        = "ok"
	ResultRejected  = "rejected"
	ResultMalformed = "malformed"
	ResultDuplicate = "duplicate"
	ResultError     = "error"
	ResultTimeout   = "timeout"
)

var (
	// Transitions counts workflow step transitions. Labels: result (ok, rejected, error).
	Transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "transitions_total",
		Help:      "Workflow step transitions by outcome",
	}, []string{"result"})

	// Merges counts document merges. Labels: result (ok, malformed, error).
	Merges = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "merge_total",
		Help:      "Document merges by outcome",
	}, []string{"result"})

	RepairedCells = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "merge_repaired_cells_total",
		Help:      "Protected cells restored from the stored document during merges",
	})

	// Finalizations counts finalize attempts. Labels: result (ok, duplicate, rejected, error).
	Finalizations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "finalize_total",
		Help:      "Finalize attempts by outcome",
	}, []string{"result"})

	// SyncWrites counts optimistic client writes. Labels: result (ok, rejected, timeout, error).
	SyncWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sync_writes_total",
		Help:      "Optimistic workflow writes by outcome",
	}, []string{"result"})
)

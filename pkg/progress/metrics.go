package progress

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Writes tracks published entries
	Writes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "harvester_progress_writes_total",
			Help: "Total number of progress entries published",
		},
	)

	// Errors tracks store operation errors
	Errors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_progress_errors_total",
			Help: "Total number of progress store operation errors",
		},
		[]string{"operation"}, // "get", "set", "delete"
	)
)

package jobs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var jobTransitionsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "charhub_job_transitions_total",
		Help: "Job state transitions by type",
	},
	[]string{"type", "state"},
)

package usagepipe

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var creditsConsumedTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "charhub_credits_consumed_total",
		Help: "Credits charged for priced usage records",
	},
	[]string{"service_key"},
)

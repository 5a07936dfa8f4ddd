package hub

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	messagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "charhub_messages_total",
			Help: "Messages accepted into conversations",
		},
		[]string{"sender_kind"},
	)

	aiResponsesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "charhub_ai_responses_total",
			Help: "AI responses streamed to rooms",
		},
		[]string{"provider", "status"},
	)
)

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crabhouse_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "crabhouse_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Business metrics
	AgentsRegistered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "crabhouse_agents_registered_total",
			Help: "Total agents registered",
		},
	)

	TokensIssued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "crabhouse_tokens_issued_total",
			Help: "Total bearer tokens issued",
		},
	)

	TokensPurged = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "crabhouse_tokens_purged_total",
			Help: "Total expired tokens purged",
		},
	)

	ConversationsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crabhouse_conversations_created_total",
			Help: "Total conversations created",
		},
		[]string{"type"}, // "salon" or "workshop"
	)

	MessagesPosted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "crabhouse_messages_posted_total",
			Help: "Total messages posted",
		},
	)

	// Persistence metrics
	StoreFlushes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "crabhouse_store_flushes_total",
			Help: "Total durable image flushes",
		},
	)

	StoreFlushErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "crabhouse_store_flush_errors_total",
			Help: "Total failed durable image flushes",
		},
	)
)

package businessflow

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Provider messages partitioned by provider and the status they ended the attempt in
	providerMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broadcast_provider_messages_total",
			Help: "Broadcast provider message dispatch attempts by outcome",
		},
		[]string{"provider", "status"},
	)

	// Time spent handing one event to one provider, including the chain lookup
	dispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "broadcast_dispatch_duration_seconds",
			Help:    "Per-provider broadcast dispatch latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider"},
	)

	dispatchSuppressedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "broadcast_dispatch_suppressed_total",
			Help: "Events of stubbed messages that were not dispatched",
		},
	)

	referenceChainFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broadcast_reference_chain_failures_total",
			Help: "Dispatch attempts refused because an earlier event was not delivered to the provider",
		},
		[]string{"provider"},
	)

	numbersAllocatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broadcast_provider_message_numbers_allocated_total",
			Help: "Provider message numbers handed out by backend",
		},
		[]string{"backend"},
	)
)

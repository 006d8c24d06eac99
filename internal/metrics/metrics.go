package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "truthmachine"

var (
	Commitments = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "commitments_total",
		Help:      "Commitment attempts by result.",
	}, []string{"result"})

	TokensCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tokens_created_total",
		Help:      "Tokens created by funding batches.",
	})

	TokensAllocated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tokens_allocated_total",
		Help:      "Tokens claimed for commitments.",
	})

	Broadcasts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "broadcast_attempts_total",
		Help:      "Broadcast attempts by endpoint and outcome.",
	}, []string{"endpoint", "outcome"})

	TrackerOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tracker_outcomes_total",
		Help:      "Confirmation tracker outcomes per transaction.",
	}, []string{"outcome"})

	Callbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "callbacks_total",
		Help:      "Relay callbacks by result.",
	}, []string{"result"})

	Verifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "verifications_total",
		Help:      "Integrity checks by verdict.",
	}, []string{"verdict"})

	AvailableTokens = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "available_tokens",
		Help:      "Confirmed, unassigned tokens at the last treasury check.",
	})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

package policy

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	policyEvaluations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opshub_policy_evaluations_total",
			Help: "Total number of policy evaluations",
		},
		[]string{"decision", "mode"},
	)

	policyEvaluationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "opshub_policy_evaluation_duration_seconds",
			Help:    "Time spent evaluating policies",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 12),
		},
	)

	policyCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opshub_policy_cache_lookups_total",
			Help: "Policy decision cache lookups",
		},
		[]string{"result"},
	)

	policyErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opshub_policy_errors_total",
			Help: "Policy evaluation errors",
		},
		[]string{"error_type"},
	)

	policyVersion = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "opshub_policy_version_info",
			Help: "Currently loaded policy bundle version",
		},
		[]string{"version"},
	)
)

func recordEvaluation(allow bool, mode Mode, seconds float64) {
	decision := "allow"
	if !allow {
		decision = "deny"
	}
	policyEvaluations.WithLabelValues(decision, string(mode)).Inc()
	policyEvaluationDuration.Observe(seconds)
}

func recordCache(hit bool) {
	if hit {
		policyCacheLookups.WithLabelValues("hit").Inc()
		return
	}
	policyCacheLookups.WithLabelValues("miss").Inc()
}

func recordVersion(version string) {
	policyVersion.Reset()
	policyVersion.WithLabelValues(version).Set(1)
}

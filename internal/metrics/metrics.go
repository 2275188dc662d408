// Package metrics exposes the gate's Prometheus collectors: denials,
// degraded-mode activations, and challenge outcomes, namespaced
// gateway_<subsystem>_<name>.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry is the process-wide metrics collector set, built once.
type Registry struct {
	Denials            *prometheus.CounterVec
	DegradedActivations prometheus.Counter
	ChallengeOutcomes  *prometheus.CounterVec
	RequestDuration    *prometheus.HistogramVec
}

var (
	instance *Registry
	once     sync.Once
)

// Get returns the singleton Registry, constructing it on first call.
func Get() *Registry {
	once.Do(func() {
		instance = &Registry{
			Denials: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "gateway_ratelimit_denials_total",
				Help: "Total requests denied by the rate limit engine, by reason.",
			}, []string{"reason"}),
			DegradedActivations: promauto.NewCounter(prometheus.CounterOpts{
				Name: "gateway_counterstore_degraded_total",
				Help: "Total times the engine degraded open due to Counter Store unavailability.",
			}),
			ChallengeOutcomes: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "gateway_challenge_outcomes_total",
				Help: "Total challenge verification attempts, by outcome.",
			}, []string{"outcome"}),
			RequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "gateway_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds.",
				Buckets: prometheus.DefBuckets,
			}, []string{"path", "status"}),
		}
	})
	return instance
}

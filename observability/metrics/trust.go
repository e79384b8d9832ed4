package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// TrustMetrics records mutation traffic and billing outcomes for the trust
// module.
type TrustMetrics struct {
	Mutations *prometheus.CounterVec
	Refunds   prometheus.Counter
}

var (
	trustOnce     sync.Once
	trustRegistry *TrustMetrics
)

// Trust returns the lazily-initialised trust metrics registry.
func Trust() *TrustMetrics {
	trustOnce.Do(func() {
		trustRegistry = &TrustMetrics{
			Mutations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "trustmesh_mutations_total",
				Help: "Count of trust-graph mutations segmented by operation and outcome.",
			}, []string{"op", "outcome"}),
			Refunds: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "trustmesh_refunds_total",
				Help: "Count of excess-deposit refunds issued to callers.",
			}),
		}
		prometheus.MustRegister(trustRegistry.Mutations, trustRegistry.Refunds)
	})
	return trustRegistry
}

// RegisterEngineGauges exposes live engine aggregates as gauge functions. The
// callbacks run on scrape; nil callbacks are skipped.
func RegisterEngineGauges(totalDeposits, users func() float64) {
	if totalDeposits != nil {
		prometheus.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "trustmesh_total_deposits",
			Help: "Sum of every user's escrowed storage deposit.",
		}, totalDeposits))
	}
	if users != nil {
		prometheus.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "trustmesh_users",
			Help: "Number of stored user records.",
		}, users))
	}
}

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus metrics for the credential lifecycle core. Defined in a
// standalone package to avoid import cycles between managers and HTTP.

var (
	VerifyTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "credcore_verify_total",
		Help: "Verificaciones por componente y resultado (ok o reason de rechazo)",
	}, []string{"component", "result"})

	DEKRotations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "credcore_dek_rotations_total",
		Help: "Rotaciones de DEK por trigger (lazy|forced)",
	}, []string{"trigger"})

	TokensIssued = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "credcore_tokens_issued_total",
		Help: "Tokens emitidos por kind (access|refresh)",
	}, []string{"kind"})

	SessionEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "credcore_session_evictions_total",
		Help: "Sesiones evictadas por el cap de concurrencia",
	})

	StoreLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "credcore_kv_latency_ms",
		Help:    "Latencia del KeyValueStore en milisegundos",
		Buckets: prometheus.ExponentialBuckets(0.25, 2, 12),
	})
)

// Register registers the core metrics on the given registry (or default if nil).
func Register(reg prometheus.Registerer) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	for _, c := range []prometheus.Collector{
		VerifyTotal, DEKRotations, TokensIssued, SessionEvictions, StoreLatency,
	} {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}
	return nil
}

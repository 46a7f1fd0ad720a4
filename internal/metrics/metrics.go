// Package metrics define los collectors Prometheus del núcleo de auth.
// Viven en un paquete propio para que throttle, session, jwt y auth los usen
// sin ciclos de import.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	LoginOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "authguard",
		Name:      "login_outcomes_total",
		Help:      "Resultados de login/verify-mfa por status",
	}, []string{"flow", "status"})

	ThrottleDenials = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "authguard",
		Name:      "throttle_denials_total",
		Help:      "Requests rechazados por rate limit o IP bloqueada",
	}, []string{"reason"})

	AccountLocks = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "authguard",
		Name:      "account_locks_total",
		Help:      "Cuentas bloqueadas por intentos fallidos",
	})

	IPBlocks = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "authguard",
		Name:      "ip_blocks_total",
		Help:      "IPs bloqueadas por fallos agregados",
	})

	SessionEvictions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "authguard",
		Name:      "session_evictions_total",
		Help:      "Sesiones eliminadas por causa (capacity, timeout, fingerprint, logout)",
	}, []string{"cause"})

	TokenRevocations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "authguard",
		Name:      "token_revocations_total",
		Help:      "Tokens revocados por tipo",
	}, []string{"type"})

	SweepRemoved = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "authguard",
		Name:      "sweep_removed_total",
		Help:      "Entradas eliminadas por el sweeper, por store",
	}, []string{"store"})

	SweepLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "authguard",
		Name:      "sweep_latency_ms",
		Help:      "Duración de una pasada completa del sweeper en milisegundos",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
	})

	HTTPRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "authguard",
		Name:      "http_requests_total",
		Help:      "Requests al servidor de operación por método, ruta y status",
	}, []string{"method", "path", "status"})

	HTTPDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "authguard",
		Name:      "http_request_duration_seconds",
		Help:      "Latencia de los requests al servidor de operación",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path"})
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		LoginOutcomes,
		ThrottleDenials,
		AccountLocks,
		IPBlocks,
		SessionEvictions,
		TokenRevocations,
		SweepRemoved,
		SweepLatency,
		HTTPRequests,
		HTTPDuration,
	}
}

// Register registra los collectors en reg (o el default si es nil).
// Es idempotente: AlreadyRegisteredError se ignora.
func Register(reg prometheus.Registerer) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	for _, c := range collectors() {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}
	return nil
}

package metrics

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"liquidityVault/internal/vaulterr"
)

// VaultMetrics groups the vault's prometheus collectors.
type VaultMetrics struct {
	operations *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	liquidity  *prometheus.GaugeVec
	events     *prometheus.CounterVec
}

var (
	vaultMetricsOnce sync.Once
	vaultRegistry    *VaultMetrics
)

// Vault returns the lazily registered vault metrics.
func Vault() *VaultMetrics {
	vaultMetricsOnce.Do(func() {
		vaultRegistry = &VaultMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "vault",
				Subsystem: "core",
				Name:      "operations_total",
				Help:      "Vault operations segmented by operation and outcome code.",
			}, []string{"operation", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "vault",
				Subsystem: "core",
				Name:      "operation_duration_seconds",
				Help:      "Latency of vault operations including adapter calls.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
			liquidity: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "vault",
				Subsystem: "holding",
				Name:      "liquidity",
				Help:      "Holding balances per token in base units.",
			}, []string{"token", "kind"}),
			events: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "vault",
				Subsystem: "events",
				Name:      "published_total",
				Help:      "Events handed to sinks segmented by type, sink and outcome.",
			}, []string{"type", "sink", "outcome"}),
		}
		prometheus.MustRegister(
			vaultRegistry.operations,
			vaultRegistry.latency,
			vaultRegistry.liquidity,
			vaultRegistry.events,
		)
	})
	return vaultRegistry
}

// ObserveOperation records an operation outcome. Failures are labelled by revert code.
func (m *VaultMetrics) ObserveOperation(operation string, err error, duration time.Duration) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = outcomeLabel(err)
	}
	m.operations.WithLabelValues(operation, outcome).Inc()
	m.latency.WithLabelValues(operation).Observe(duration.Seconds())
}

// SetLiquidity publishes the holding balances of a token.
func (m *VaultMetrics) SetLiquidity(token string, custodied, invested, reserved float64) {
	if m == nil {
		return
	}
	m.liquidity.WithLabelValues(token, "custodied").Set(custodied)
	m.liquidity.WithLabelValues(token, "invested").Set(invested)
	m.liquidity.WithLabelValues(token, "reserved").Set(reserved)
}

// ObserveEvent records a sink publish attempt.
func (m *VaultMetrics) ObserveEvent(eventType, sink string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.events.WithLabelValues(eventType, sink, outcome).Inc()
}

func outcomeLabel(err error) string {
	code := vaulterr.CodeOf(err)
	if code == "" {
		return "error"
	}
	code = strings.TrimPrefix(code, "ERR: ")
	return strings.ToLower(strings.ReplaceAll(code, " ", "_"))
}

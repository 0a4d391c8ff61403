package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	Registry *prometheus.Registry

	EventsProcessed  *prometheus.CounterVec
	EventsDeduped    prometheus.Counter
	ChainSubmissions *prometheus.CounterVec
	TransferChecks   *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		EventsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "solvency_chain_events_processed_total",
			Help: "Reconciled on-chain events by kind.",
		}, []string{"kind"}),
		EventsDeduped: factory.NewCounter(prometheus.CounterOpts{
			Name: "solvency_chain_events_deduped_total",
			Help: "Duplicate event deliveries dropped by the dedupe key.",
		}),
		ChainSubmissions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "solvency_chain_submissions_total",
			Help: "Transactions submitted through the gateway by action and outcome.",
		}, []string{"action", "outcome"}),
		TransferChecks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "solvency_transfer_verifications_total",
			Help: "On-chain transfer verification outcomes.",
		}, []string{"outcome"}),
	}
}

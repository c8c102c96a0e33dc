package loader

import "github.com/prometheus/client_golang/prometheus"

const (
	lookupHit      = "hit"
	lookupMiss     = "miss"
	lookupCacheHit = "cache_hit"
)

type Metrics struct {
	Lookups     *prometheus.CounterVec
	Relocations *prometheus.CounterVec
	Unresolved  prometheus.Counter
	LoadErrors  *prometheus.CounterVec
}

// NewMetrics creates the loader metrics. A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dynload_symbol_lookups_total",
			Help: "Total number of symbol lookups by result",
		}, []string{"result"}),
		Relocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dynload_relocations_total",
			Help: "Total number of relocations applied by kind",
		}, []string{"kind"}),
		Unresolved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dynload_unresolved_symbols_total",
			Help: "Total number of symbols no image or resolver could provide",
		}),
		LoadErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dynload_load_errors_total",
			Help: "Total number of failed library loads by stage",
		}, []string{"stage"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.Lookups,
			m.Relocations,
			m.Unresolved,
			m.LoadErrors,
		)
	}
	return m
}

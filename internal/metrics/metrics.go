package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instruments for the analysis pipeline.
type Metrics struct {
	FactsIngested      prometheus.Counter
	ObservationsTotal  prometheus.Counter
	RejectsByReason    *prometheus.CounterVec
	AggregatesComputed prometheus.Counter
	ResultsComputed    prometheus.Counter
	ResultsSkipped     prometheus.Counter
	CollisionsRejected prometheus.Counter
	PartitionSeconds   prometheus.Histogram
}

// New creates and registers all metrics on the default registry.
func New() *Metrics {
	return &Metrics{
		FactsIngested: promauto.NewCounter(prometheus.CounterOpts{
			Name: "exp_facts_ingested_total",
			Help: "Total number of fact rows read from the source tables",
		}),
		ObservationsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "exp_observations_total",
			Help: "Number of normalized observations emitted by the join",
		}),
		RejectsByReason: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "exp_rejected_events_total",
				Help: "Fact events routed to the rejection sink, by reason",
			},
			[]string{"reason"},
		),
		AggregatesComputed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "exp_aggregates_computed_total",
			Help: "Number of metric aggregate groups computed",
		}),
		ResultsComputed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "exp_results_computed_total",
			Help: "Number of significance results persisted",
		}),
		ResultsSkipped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "exp_results_skipped_total",
			Help: "Comparisons skipped as not yet evaluable (insufficient sample)",
		}),
		CollisionsRejected: promauto.NewCounter(prometheus.CounterOpts{
			Name: "exp_mapping_collisions_total",
			Help: "Mapping registrations rejected by the collision check",
		}),
		PartitionSeconds: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "exp_partition_duration_seconds",
			Help:    "Wall time spent aggregating one (experiment, date) partition",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

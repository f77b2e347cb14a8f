package aggregate

import (
	"sync"
	"time"

	"github.com/subdiscovery/expstats/internal/api"
)

// Store holds derived aggregates. The data is fully recomputable from
// assignments + facts + mappings, so the store is memory-only and
// discardable.
//
// Replace swaps a whole (experiment, date range) partition under one lock:
// a re-run is idempotent and readers never observe a partial overwrite.
type Store struct {
	mu     sync.RWMutex
	groups map[GroupKey]*api.MetricAggregate
}

// NewStore creates an empty aggregate store.
func NewStore() *Store {
	return &Store{groups: make(map[GroupKey]*api.MetricAggregate)}
}

// Replace atomically removes every group for experimentID within the
// inclusive [from, to] day range and installs the new set's groups for it.
func (s *Store) Replace(experimentID string, from, to time.Time, set *AggregateSet) {
	fromDay, toDay := api.Day(from).Unix(), api.Day(to).Unix()

	s.mu.Lock()
	defer s.mu.Unlock()

	for k := range s.groups {
		if k.ExperimentID == experimentID && k.Day >= fromDay && k.Day <= toDay {
			delete(s.groups, k)
		}
	}
	for k, agg := range set.Groups {
		if k.ExperimentID == experimentID && k.Day >= fromDay && k.Day <= toDay {
			s.groups[k] = agg
		}
	}
}

// Get returns one group, or nil.
func (s *Store) Get(k GroupKey) *api.MetricAggregate {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.groups[k]
}

// Len returns the number of stored groups.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.groups)
}

// VariantSeries returns the daily aggregates for one
// (experiment, variant, canonical key, metric) within [from, to].
func (s *Store) VariantSeries(experimentID, variantID, canonicalKey, metricName string, from, to time.Time) []*api.MetricAggregate {
	fromDay, toDay := api.Day(from).Unix(), api.Day(to).Unix()

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*api.MetricAggregate
	for k, agg := range s.groups {
		if k.ExperimentID == experimentID && k.VariantID == variantID &&
			k.CanonicalKey == canonicalKey && k.MetricName == metricName &&
			k.Day >= fromDay && k.Day <= toDay {
			out = append(out, agg)
		}
	}
	return out
}

// Dimension is one (canonical key, metric, variant) combination present for
// an experiment.
type Dimension struct {
	CanonicalKey string
	MetricName   string
	VariantID    string
}

// Dimensions lists the distinct (key, metric, variant) combinations stored
// for an experiment within [from, to].
func (s *Store) Dimensions(experimentID string, from, to time.Time) []Dimension {
	fromDay, toDay := api.Day(from).Unix(), api.Day(to).Unix()

	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[Dimension]bool)
	var out []Dimension
	for k := range s.groups {
		if k.ExperimentID != experimentID || k.Day < fromDay || k.Day > toDay {
			continue
		}
		d := Dimension{CanonicalKey: k.CanonicalKey, MetricName: k.MetricName, VariantID: k.VariantID}
		if !seen[d] {
			seen[d] = true
			out = append(out, d)
		}
	}
	return out
}

package aggregate

import (
	"sort"
	"time"

	"github.com/subdiscovery/expstats/internal/api"
)

// GroupKey identifies one aggregate group. Day is UTC midnight unix seconds
// so the struct stays comparable.
type GroupKey struct {
	ExperimentID string
	VariantID    string
	CanonicalKey string
	MetricName   string
	Day          int64
}

// Key builds the group key for an aggregate.
func Key(a *api.MetricAggregate) GroupKey {
	return GroupKey{
		ExperimentID: a.ExperimentID,
		VariantID:    a.VariantID,
		CanonicalKey: a.CanonicalKey,
		MetricName:   a.MetricName,
		Day:          api.Day(a.Date).Unix(),
	}
}

// AggregateSet is the output of one aggregation run.
type AggregateSet struct {
	Groups map[GroupKey]*api.MetricAggregate
}

// Aggregator rolls normalized observations into per-group sums plus the
// per-user sufficient statistics the delta-method estimator needs.
type Aggregator struct {
	catalog []MetricSpec
}

// NewAggregator creates an aggregator over the given metric catalog.
func NewAggregator(catalog []MetricSpec) *Aggregator {
	if len(catalog) == 0 {
		catalog = DefaultCatalog()
	}
	return &Aggregator{catalog: catalog}
}

// cell groups one (experiment, variant, canonical key, day).
type cell struct {
	experimentID string
	variantID    string
	canonicalKey string
	day          int64
}

// Run aggregates observations into one MetricAggregate per
// (experiment, variant, canonical key, ratio metric, date).
//
// Accumulation order is fixed (sorted users within sorted groups) so
// re-running on unchanged inputs yields bit-identical float sums.
func (ag *Aggregator) Run(observations []api.NormalizedObservation) *AggregateSet {
	// Per-user raw metric totals within each cell.
	totals := make(map[cell]map[string]map[string]float64) // cell -> user -> metric -> sum
	for i := range observations {
		o := &observations[i]
		c := cell{
			experimentID: o.ExperimentID,
			variantID:    o.VariantID,
			canonicalKey: o.CanonicalKey,
			day:          api.Day(o.Date).Unix(),
		}
		users, ok := totals[c]
		if !ok {
			users = make(map[string]map[string]float64)
			totals[c] = users
		}
		m, ok := users[o.UserID]
		if !ok {
			m = make(map[string]float64)
			users[o.UserID] = m
		}
		m[o.MetricName] += o.Amount
	}

	cells := make([]cell, 0, len(totals))
	for c := range totals {
		cells = append(cells, c)
	}
	sort.Slice(cells, func(i, j int) bool {
		a, b := cells[i], cells[j]
		if a.experimentID != b.experimentID {
			return a.experimentID < b.experimentID
		}
		if a.variantID != b.variantID {
			return a.variantID < b.variantID
		}
		if a.canonicalKey != b.canonicalKey {
			return a.canonicalKey < b.canonicalKey
		}
		return a.day < b.day
	})

	set := &AggregateSet{Groups: make(map[GroupKey]*api.MetricAggregate)}

	for _, c := range cells {
		users := totals[c]
		userIDs := make([]string, 0, len(users))
		for u := range users {
			userIDs = append(userIDs, u)
		}
		sort.Strings(userIDs)

		for _, spec := range ag.catalog {
			agg := &api.MetricAggregate{
				ExperimentID: c.experimentID,
				VariantID:    c.variantID,
				CanonicalKey: c.canonicalKey,
				MetricName:   spec.Name,
				Date:         time.Unix(c.day, 0).UTC(),
			}

			for _, u := range userIDs {
				x := users[u][spec.Denominator]
				y := users[u][spec.Numerator]
				if x == 0 && y == 0 {
					continue // user never touched this metric pair
				}
				agg.Stats.Add(x, y)
			}

			if agg.Stats.N == 0 {
				continue // nothing observed for this ratio in this cell
			}
			agg.NumeratorSum = agg.Stats.SumY
			agg.DenominatorSum = agg.Stats.SumX
			set.Groups[Key(agg)] = agg
		}
	}

	return set
}

// MergeRange folds a variant's daily aggregates for one
// (experiment, metric, canonical key) into a single range-level aggregate.
// Sufficient statistics are additive, so the unit of analysis for a
// multi-day range is the user-day.
func MergeRange(aggs []*api.MetricAggregate) *api.MetricAggregate {
	if len(aggs) == 0 {
		return nil
	}

	sorted := make([]*api.MetricAggregate, len(aggs))
	copy(sorted, aggs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Date.Before(sorted[j].Date) })

	out := &api.MetricAggregate{
		ExperimentID: sorted[0].ExperimentID,
		VariantID:    sorted[0].VariantID,
		CanonicalKey: sorted[0].CanonicalKey,
		MetricName:   sorted[0].MetricName,
		Date:         sorted[0].Date,
	}
	for _, a := range sorted {
		out.Stats.Merge(a.Stats)
		out.NumeratorSum += a.NumeratorSum
		out.DenominatorSum += a.DenominatorSum
	}
	return out
}

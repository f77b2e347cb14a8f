package batch

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/subdiscovery/expstats/internal/aggregate"
	"github.com/subdiscovery/expstats/internal/api"
	"github.com/subdiscovery/expstats/internal/metrics"
	"github.com/subdiscovery/expstats/internal/normalize"
	"github.com/subdiscovery/expstats/internal/resolver"
	"github.com/subdiscovery/expstats/internal/resultstore"
	"github.com/subdiscovery/expstats/internal/significance"
	"github.com/subdiscovery/expstats/internal/source"
	"github.com/subdiscovery/expstats/pkg/otel"
)

// Config wires the runner's collaborators.
type Config struct {
	Assignments source.AssignmentSource
	Facts       source.FactSource
	Registry    *resolver.Registry
	RejectSink  normalize.RejectSink
	Aggregates  *aggregate.Store
	Catalog     []aggregate.MetricSpec
	Results     resultstore.Store
	Metrics     *metrics.Metrics
	Workers     int // partition workers, default 4
}

// Runner executes one analysis batch: ingest, normalize, aggregate per
// (experiment, date) partition, compare variants, persist results.
type Runner struct {
	cfg        Config
	aggregator *aggregate.Aggregator
}

// NewRunner creates a batch runner.
func NewRunner(cfg Config) (*Runner, error) {
	if cfg.Assignments == nil || cfg.Facts == nil {
		return nil, fmt.Errorf("assignment and fact sources are required")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("mapping registry is required")
	}
	if cfg.Results == nil {
		return nil, fmt.Errorf("result store is required")
	}
	if cfg.Aggregates == nil {
		cfg.Aggregates = aggregate.NewStore()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	return &Runner{
		cfg:        cfg,
		aggregator: aggregate.NewAggregator(cfg.Catalog),
	}, nil
}

// RunRequest describes one batch.
type RunRequest struct {
	ExperimentID     string
	From             time.Time
	To               time.Time // inclusive
	ControlVariantID string    // default "control"
	Params           api.AnalysisParams
}

// SkippedItem is one comparison that produced no result, with its reason.
type SkippedItem struct {
	MetricName       string `json:"metric_name"`
	CanonicalKey     string `json:"canonical_key"`
	TreatmentVariant string `json:"treatment_variant_id"`
	Reason           string `json:"reason"`
}

// Summary is the always-produced outcome of a batch: computed results plus
// every skipped or rejected item with its reason. Never a silent partial.
type Summary struct {
	ExperimentID string                    `json:"experiment_id"`
	From         time.Time                 `json:"from"`
	To           time.Time                 `json:"to"`
	Partitions   int                       `json:"partitions"`
	FactsRead    int                       `json:"facts_read"`
	Observations int                       `json:"observations"`
	Rejects      *normalize.RejectReport   `json:"rejects"`
	Groups       int                       `json:"aggregate_groups"`
	Results      []*api.SignificanceResult `json:"results"`
	Skipped      []SkippedItem             `json:"skipped"`
	StartedAt    time.Time                 `json:"started_at"`
	Duration     time.Duration             `json:"duration"`
}

// Blocked reports whether unresolved mappings blocked the full requested
// range: nothing was computed and at least one event failed to resolve.
// The CLI maps this to a non-zero exit code.
func (s *Summary) Blocked() bool {
	return len(s.Results) == 0 && s.Rejects != nil &&
		s.Rejects.Counts[normalize.ReasonMappingNotFound] > 0
}

// Run executes the batch. Per-event and per-comparison failures are
// isolated into the summary; only structural failures (source schema, store
// outage) return an error. Cancellation is honored between partitions.
func (r *Runner) Run(ctx context.Context, req RunRequest) (*Summary, error) {
	if req.ExperimentID == "" {
		return nil, fmt.Errorf("experiment id is required")
	}
	if req.To.Before(req.From) {
		return nil, fmt.Errorf("to-date %s before from-date %s",
			req.To.Format(api.DayFormat), req.From.Format(api.DayFormat))
	}
	if req.ControlVariantID == "" {
		req.ControlVariantID = "control"
	}
	if err := req.Params.Validate(); err != nil {
		req.Params = api.DefaultAnalysisParams()
	}

	ctx, span := otel.StartSpan(ctx, "batch", "analyze",
		otel.AttrExperimentID.String(req.ExperimentID))
	defer span.End()

	summary := &Summary{
		ExperimentID: req.ExperimentID,
		From:         api.Day(req.From),
		To:           api.Day(req.To),
		Rejects:      &normalize.RejectReport{},
		StartedAt:    time.Now().UTC(),
	}

	assignments, err := r.cfg.Assignments.Assignments(ctx, req.ExperimentID, req.From, req.To)
	if err != nil {
		otel.RecordError(span, err)
		return nil, fmt.Errorf("assignment ingestion failed: %w", err)
	}
	facts, err := r.cfg.Facts.Facts(ctx, req.From, req.To)
	if err != nil {
		otel.RecordError(span, err)
		return nil, fmt.Errorf("fact ingestion failed: %w", err)
	}
	summary.FactsRead = len(facts)
	if m := r.cfg.Metrics; m != nil {
		m.FactsIngested.Add(float64(len(facts)))
	}

	// One consistent mapping snapshot for the whole run.
	snap := r.cfg.Registry.Snapshot()
	idx := normalize.BuildIndex(assignments)

	set, err := r.aggregatePartitions(ctx, req, facts, idx, snap, summary)
	if err != nil {
		otel.RecordError(span, err)
		return nil, err
	}

	// Atomic swap: a re-run replaces, never accumulates.
	r.cfg.Aggregates.Replace(req.ExperimentID, req.From, req.To, set)
	summary.Groups = len(set.Groups)
	if m := r.cfg.Metrics; m != nil {
		m.AggregatesComputed.Add(float64(len(set.Groups)))
	}

	if err := r.compare(ctx, req, summary); err != nil {
		otel.RecordError(span, err)
		return nil, err
	}

	summary.Duration = time.Since(summary.StartedAt)
	log.Printf("batch %s %s..%s: %d results, %d skipped, %d rejected events",
		req.ExperimentID, summary.From.Format(api.DayFormat), summary.To.Format(api.DayFormat),
		len(summary.Results), len(summary.Skipped), summary.Rejects.Total)
	return summary, nil
}

// partition is one (experiment, day) unit of aggregation work.
type partition struct {
	day   time.Time
	facts []api.FactEvent
}

// aggregatePartitions normalizes and aggregates each day on a bounded
// worker pool. Workers stop picking up partitions once ctx is cancelled;
// a statistic in flight is finished, not interrupted.
func (r *Runner) aggregatePartitions(
	ctx context.Context,
	req RunRequest,
	facts []api.FactEvent,
	idx *normalize.AssignmentIndex,
	snap *resolver.Snapshot,
	summary *Summary,
) (*aggregate.AggregateSet, error) {
	byDay := make(map[int64][]api.FactEvent)
	for i := range facts {
		d := api.Day(facts[i].Date).Unix()
		byDay[d] = append(byDay[d], facts[i])
	}

	days := make([]int64, 0, len(byDay))
	for d := range byDay {
		days = append(days, d)
	}
	sort.Slice(days, func(i, j int) bool { return days[i] < days[j] })

	tasks := make(chan partition)
	type partial struct {
		set     *aggregate.AggregateSet
		rejects *normalize.RejectReport
		obs     int
	}
	partials := make(chan partial, len(days))

	var wg sync.WaitGroup
	for w := 0; w < r.cfg.Workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			normalizer := normalize.NewNormalizer(r.cfg.RejectSink)
			for p := range tasks {
				start := time.Now()
				_, pspan := otel.StartSpan(ctx, "batch", "partition",
					otel.PartitionAttributes(req.ExperimentID, p.day)...)

				obs, rejects := normalizer.Normalize(p.facts, idx, snap)
				set := r.aggregator.Run(obs)

				pspan.End()
				if m := r.cfg.Metrics; m != nil {
					m.PartitionSeconds.Observe(time.Since(start).Seconds())
				}
				partials <- partial{set: set, rejects: rejects, obs: len(obs)}
			}
		}()
	}

	cancelled := false
feed:
	for _, d := range days {
		if ctx.Err() != nil {
			cancelled = true
			break
		}
		select {
		case <-ctx.Done():
			cancelled = true
			break feed
		case tasks <- partition{day: time.Unix(d, 0).UTC(), facts: byDay[d]}:
			summary.Partitions++
		}
	}
	close(tasks)
	wg.Wait()
	close(partials)

	if cancelled {
		return nil, ctx.Err()
	}

	merged := &aggregate.AggregateSet{Groups: make(map[aggregate.GroupKey]*api.MetricAggregate)}
	for p := range partials {
		summary.Observations += p.obs
		for reason, n := range p.rejects.Counts {
			summary.Rejects.Counts = addCount(summary.Rejects.Counts, reason, n)
			summary.Rejects.Total += n
			if m := r.cfg.Metrics; m != nil {
				m.RejectsByReason.WithLabelValues(reason).Add(float64(n))
			}
		}
		for k, agg := range p.set.Groups {
			merged.Groups[k] = agg // partitions are disjoint by day
		}
	}
	if m := r.cfg.Metrics; m != nil {
		m.ObservationsTotal.Add(float64(summary.Observations))
	}

	return merged, nil
}

func addCount(counts map[string]int, reason string, n int) map[string]int {
	if counts == nil {
		counts = make(map[string]int)
	}
	counts[reason] += n
	return counts
}

// compare runs the significance engine for every (canonical key, metric,
// treatment variant) against the control, concurrently. Compare is pure, so
// only the summary and store writes are serialized.
func (r *Runner) compare(ctx context.Context, req RunRequest, summary *Summary) error {
	engine := significance.NewEngine(req.Params)

	dims := r.cfg.Aggregates.Dimensions(req.ExperimentID, req.From, req.To)

	type comparison struct {
		canonicalKey string
		metricName   string
		treatment    string
	}
	seen := make(map[comparison]bool)
	variantsByDim := make(map[[2]string][]string)
	for _, d := range dims {
		variantsByDim[[2]string{d.CanonicalKey, d.MetricName}] = append(
			variantsByDim[[2]string{d.CanonicalKey, d.MetricName}], d.VariantID)
	}

	var comparisons []comparison
	for dim, variants := range variantsByDim {
		for _, v := range variants {
			if v == req.ControlVariantID {
				continue
			}
			c := comparison{canonicalKey: dim[0], metricName: dim[1], treatment: v}
			if !seen[c] {
				seen[c] = true
				comparisons = append(comparisons, c)
			}
		}
	}
	sort.Slice(comparisons, func(i, j int) bool {
		a, b := comparisons[i], comparisons[j]
		if a.metricName != b.metricName {
			return a.metricName < b.metricName
		}
		if a.canonicalKey != b.canonicalKey {
			return a.canonicalKey < b.canonicalKey
		}
		return a.treatment < b.treatment
	})

	var (
		mu       sync.Mutex
		firstErr error
		wg       sync.WaitGroup
	)

	for _, c := range comparisons {
		wg.Add(1)
		go func(c comparison) {
			defer wg.Done()

			control := aggregate.MergeRange(r.cfg.Aggregates.VariantSeries(
				req.ExperimentID, req.ControlVariantID, c.canonicalKey, c.metricName, req.From, req.To))
			treatment := aggregate.MergeRange(r.cfg.Aggregates.VariantSeries(
				req.ExperimentID, c.treatment, c.canonicalKey, c.metricName, req.From, req.To))

			result, err := engine.Compare(control, treatment)

			mu.Lock()
			defer mu.Unlock()

			if err != nil {
				// Not yet evaluable is a reported skip, not an error state.
				summary.Skipped = append(summary.Skipped, SkippedItem{
					MetricName:       c.metricName,
					CanonicalKey:     c.canonicalKey,
					TreatmentVariant: c.treatment,
					Reason:           err.Error(),
				})
				if m := r.cfg.Metrics; m != nil {
					m.ResultsSkipped.Inc()
				}
				return
			}

			if putErr := r.cfg.Results.Put(ctx, result); putErr != nil {
				if firstErr == nil {
					firstErr = fmt.Errorf("result store put failed: %w", putErr)
				}
				return
			}
			summary.Results = append(summary.Results, result)
			if m := r.cfg.Metrics; m != nil {
				m.ResultsComputed.Inc()
			}
		}(c)
	}
	wg.Wait()

	sort.Slice(summary.Results, func(i, j int) bool {
		a, b := summary.Results[i], summary.Results[j]
		if a.MetricName != b.MetricName {
			return a.MetricName < b.MetricName
		}
		if a.CanonicalKey != b.CanonicalKey {
			return a.CanonicalKey < b.CanonicalKey
		}
		return a.TreatmentVariantID < b.TreatmentVariantID
	})
	sort.Slice(summary.Skipped, func(i, j int) bool {
		a, b := summary.Skipped[i], summary.Skipped[j]
		if a.MetricName != b.MetricName {
			return a.MetricName < b.MetricName
		}
		return a.CanonicalKey < b.CanonicalKey
	})

	return firstErr
}

package aggregate

import (
	"math"
	"testing"
	"time"

	"github.com/subdiscovery/expstats/internal/api"
)

func day(s string) time.Time {
	t, err := api.ParseDay(s)
	if err != nil {
		panic(err)
	}
	return t
}

func obs(date, user, variant, metric string, amount float64) api.NormalizedObservation {
	return api.NormalizedObservation{
		Date:         day(date),
		UserID:       user,
		ExperimentID: "exp1",
		VariantID:    variant,
		CanonicalKey: "homepage",
		MetricName:   metric,
		Amount:       amount,
	}
}

func TestAggregator_PerUserSufficientStats(t *testing.T) {
	ag := NewAggregator([]MetricSpec{{Name: "ctr", Numerator: "click", Denominator: "view"}})

	// u1: 10 views, 2 clicks; u2: 5 views, 0 clicks; u3: 3 views, 1 click
	set := ag.Run([]api.NormalizedObservation{
		obs("2024-01-10", "u1", "control", "view", 10),
		obs("2024-01-10", "u1", "control", "click", 2),
		obs("2024-01-10", "u2", "control", "view", 5),
		obs("2024-01-10", "u3", "control", "view", 3),
		obs("2024-01-10", "u3", "control", "click", 1),
	})

	k := GroupKey{
		ExperimentID: "exp1", VariantID: "control",
		CanonicalKey: "homepage", MetricName: "ctr",
		Day: day("2024-01-10").Unix(),
	}
	agg, ok := set.Groups[k]
	if !ok {
		t.Fatalf("Missing group %+v, have %d groups", k, len(set.Groups))
	}

	if agg.Stats.N != 3 {
		t.Errorf("Expected n=3 users, got %d", agg.Stats.N)
	}
	if agg.DenominatorSum != 18 {
		t.Errorf("Expected denominator 18, got %v", agg.DenominatorSum)
	}
	if agg.NumeratorSum != 3 {
		t.Errorf("Expected numerator 3, got %v", agg.NumeratorSum)
	}
	if agg.Stats.SumXX != 100+25+9 {
		t.Errorf("Expected sum_xx=134, got %v", agg.Stats.SumXX)
	}
	if agg.Stats.SumXY != 10*2+0+3*1 {
		t.Errorf("Expected sum_xy=23, got %v", agg.Stats.SumXY)
	}
}

func TestAggregator_SufficientStatsRoundTrip(t *testing.T) {
	// Folding per-user pairs into sufficient statistics must reconstruct the
	// same mean/variance/covariance as a direct per-user computation.
	pairs := [][2]float64{{10, 2}, {5, 0}, {3, 1}, {8, 3}, {1, 1}, {20, 4}}

	var stats api.SufficientStats
	for _, p := range pairs {
		stats.Add(p[0], p[1])
	}

	n := float64(len(pairs))
	var meanX, meanY float64
	for _, p := range pairs {
		meanX += p[0] / n
		meanY += p[1] / n
	}
	var varX, varY, covXY float64
	for _, p := range pairs {
		varX += (p[0] - meanX) * (p[0] - meanX) / (n - 1)
		varY += (p[1] - meanY) * (p[1] - meanY) / (n - 1)
		covXY += (p[0] - meanX) * (p[1] - meanY) / (n - 1)
	}

	const tol = 1e-9
	checks := []struct {
		name string
		got  float64
		want float64
	}{
		{"mean_x", stats.MeanX(), meanX},
		{"mean_y", stats.MeanY(), meanY},
		{"var_x", stats.VarX(), varX},
		{"var_y", stats.VarY(), varY},
		{"cov_xy", stats.CovXY(), covXY},
	}
	for _, c := range checks {
		if math.Abs(c.got-c.want) > tol {
			t.Errorf("%s: got %.12f, want %.12f", c.name, c.got, c.want)
		}
	}
}

func TestAggregator_Idempotence(t *testing.T) {
	// Same input twice must produce bit-identical sums.
	input := []api.NormalizedObservation{
		obs("2024-01-10", "u1", "control", "view", 10),
		obs("2024-01-10", "u1", "control", "click", 2),
		obs("2024-01-10", "u2", "control", "view", 0.1),
		obs("2024-01-10", "u3", "control", "view", 0.3),
		obs("2024-01-10", "u4", "control", "view", 0.7),
		obs("2024-01-10", "u5", "treatment", "view", 5),
		obs("2024-01-10", "u5", "treatment", "click", 1),
	}

	ag := NewAggregator(nil)
	first := ag.Run(input)
	second := ag.Run(input)

	if len(first.Groups) != len(second.Groups) {
		t.Fatalf("Group counts differ: %d vs %d", len(first.Groups), len(second.Groups))
	}
	for k, a := range first.Groups {
		b, ok := second.Groups[k]
		if !ok {
			t.Fatalf("Missing group %+v in second run", k)
		}
		if a.Stats != b.Stats {
			t.Errorf("Stats differ for %+v: %+v vs %+v", k, a.Stats, b.Stats)
		}
		if a.NumeratorSum != b.NumeratorSum || a.DenominatorSum != b.DenominatorSum {
			t.Errorf("Sums differ for %+v", k)
		}
	}
}

func TestStore_ReplaceIsAtomicPerPartition(t *testing.T) {
	ag := NewAggregator([]MetricSpec{{Name: "ctr", Numerator: "click", Denominator: "view"}})
	store := NewStore()

	first := ag.Run([]api.NormalizedObservation{
		obs("2024-01-10", "u1", "control", "view", 10),
		obs("2024-01-10", "u1", "control", "click", 2),
	})
	store.Replace("exp1", day("2024-01-10"), day("2024-01-10"), first)

	k := GroupKey{
		ExperimentID: "exp1", VariantID: "control",
		CanonicalKey: "homepage", MetricName: "ctr",
		Day: day("2024-01-10").Unix(),
	}
	if got := store.Get(k); got == nil || got.DenominatorSum != 10 {
		t.Fatalf("First replace: %+v", got)
	}

	// Recompute with corrected data: replaces, never accumulates.
	second := ag.Run([]api.NormalizedObservation{
		obs("2024-01-10", "u1", "control", "view", 12),
		obs("2024-01-10", "u1", "control", "click", 3),
	})
	store.Replace("exp1", day("2024-01-10"), day("2024-01-10"), second)

	got := store.Get(k)
	if got == nil || got.DenominatorSum != 12 || got.NumeratorSum != 3 {
		t.Fatalf("Second replace did not swap cleanly: %+v", got)
	}
	if store.Len() != 1 {
		t.Errorf("Expected 1 group after replace, got %d", store.Len())
	}
}

func TestMergeRange_AdditiveAcrossDays(t *testing.T) {
	ag := NewAggregator([]MetricSpec{{Name: "ctr", Numerator: "click", Denominator: "view"}})

	set := ag.Run([]api.NormalizedObservation{
		obs("2024-01-10", "u1", "control", "view", 10),
		obs("2024-01-10", "u1", "control", "click", 2),
		obs("2024-01-11", "u1", "control", "view", 6),
		obs("2024-01-11", "u1", "control", "click", 1),
	})

	var daily []*api.MetricAggregate
	for _, a := range set.Groups {
		daily = append(daily, a)
	}
	merged := MergeRange(daily)

	if merged.Stats.N != 2 { // user-day units
		t.Errorf("Expected n=2 user-days, got %d", merged.Stats.N)
	}
	if merged.DenominatorSum != 16 || merged.NumeratorSum != 3 {
		t.Errorf("Merged sums: denom=%v num=%v", merged.DenominatorSum, merged.NumeratorSum)
	}
}

func TestDefaultCatalog_HasAtLeastSevenMetrics(t *testing.T) {
	if got := len(DefaultCatalog()); got < 7 {
		t.Errorf("Catalog has %d metrics, need at least 7", got)
	}
}

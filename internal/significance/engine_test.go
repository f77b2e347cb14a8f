package significance

import (
	"errors"
	"math"
	"testing"

	"github.com/subdiscovery/expstats/internal/api"
)

// aggregate builds a MetricAggregate directly from sufficient statistics.
func aggregate(variant string, stats api.SufficientStats) *api.MetricAggregate {
	return &api.MetricAggregate{
		ExperimentID:   "exp1",
		VariantID:      variant,
		CanonicalKey:   "homepage",
		MetricName:     "ctr",
		NumeratorSum:   stats.SumY,
		DenominatorSum: stats.SumX,
		Stats:          stats,
	}
}

func TestCompare_ScenarioSignificantCTRLift(t *testing.T) {
	// Control: 10000 views, 500 clicks (CTR=0.05), Var(R_c)=2.0e-6.
	// Treatment: 10000 views, 600 clicks (CTR=0.06), Var(R_t)=2.2e-6.
	// Z = 0.01/sqrt(4.2e-6) ~ 4.88, p < 0.001, significant at 95%.
	control := aggregate("control", api.SufficientStats{
		N: 10000, SumX: 10000, SumY: 500,
		SumXX: 10000,
		SumYY: 0.020*9999 + 500*500/10000.0,
		SumXY: 500, // zero covariance: constant per-user denominator
	})
	treatment := aggregate("treatment", api.SufficientStats{
		N: 10000, SumX: 10000, SumY: 600,
		SumXX: 10000,
		SumYY: 0.022*9999 + 600*600/10000.0,
		SumXY: 600,
	})

	e := NewEngine(api.DefaultAnalysisParams())
	res, err := e.Compare(control, treatment)
	if err != nil {
		t.Fatalf("Compare failed: %v", err)
	}

	if math.Abs(res.PointEstControl-0.05) > 1e-12 || math.Abs(res.PointEstTreatment-0.06) > 1e-12 {
		t.Errorf("Point estimates: control=%.6f treatment=%.6f", res.PointEstControl, res.PointEstTreatment)
	}
	if math.Abs(res.VarianceControl-2.0e-6) > 1e-9 {
		t.Errorf("Var(R_c): got %.3e, want 2.0e-6", res.VarianceControl)
	}
	if math.Abs(res.VarianceTreatment-2.2e-6) > 1e-9 {
		t.Errorf("Var(R_t): got %.3e, want 2.2e-6", res.VarianceTreatment)
	}
	if math.Abs(res.ZStatistic-4.88) > 0.01 {
		t.Errorf("Z: got %.4f, want ~4.88", res.ZStatistic)
	}
	if res.PValue >= 0.001 {
		t.Errorf("p-value: got %.6f, want < 0.001", res.PValue)
	}
	if !res.Significant {
		t.Error("Expected result marked significant at 95%")
	}
	if math.Abs(res.Delta-0.01) > 1e-12 {
		t.Errorf("Delta: got %.6f", res.Delta)
	}
	if math.Abs(res.DeltaPct-20.0) > 1e-9 {
		t.Errorf("DeltaPct: got %.4f, want 20", res.DeltaPct)
	}
	if res.CILow >= res.Delta || res.CIHigh <= res.Delta {
		t.Errorf("CI [%.5f, %.5f] must bracket delta %.5f", res.CILow, res.CIHigh, res.Delta)
	}
	if res.CILow <= 0 {
		t.Errorf("Significant positive lift must have CI low > 0, got %.5f", res.CILow)
	}
}

func TestCompare_ZeroDenominatorIsInsufficient(t *testing.T) {
	// Scenario: treatment variant with zero views.
	control := aggregate("control", api.SufficientStats{
		N: 100, SumX: 1000, SumY: 50, SumXX: 12000, SumYY: 60, SumXY: 600,
	})
	treatment := aggregate("treatment", api.SufficientStats{
		N: 100, SumX: 0, SumY: 0,
	})

	e := NewEngine(api.DefaultAnalysisParams())
	res, err := e.Compare(control, treatment)
	if !errors.Is(err, api.ErrInsufficientSample) {
		t.Fatalf("Expected ErrInsufficientSample, got %v", err)
	}
	if res != nil {
		t.Error("No result must be produced for a zero denominator")
	}
}

func TestCompare_MinSampleSizeGuard(t *testing.T) {
	small := api.SufficientStats{N: 29, SumX: 290, SumY: 15, SumXX: 3000, SumYY: 20, SumXY: 160}
	big := api.SufficientStats{N: 100, SumX: 1000, SumY: 50, SumXX: 12000, SumYY: 60, SumXY: 600}

	e := NewEngine(api.DefaultAnalysisParams())

	if _, err := e.Compare(aggregate("control", small), aggregate("treatment", big)); !errors.Is(err, api.ErrInsufficientSample) {
		t.Errorf("Expected ErrInsufficientSample for small control, got %v", err)
	}
	if _, err := e.Compare(aggregate("control", big), aggregate("treatment", small)); !errors.Is(err, api.ErrInsufficientSample) {
		t.Errorf("Expected ErrInsufficientSample for small treatment, got %v", err)
	}
	if _, err := e.Compare(aggregate("control", big), aggregate("treatment", big)); err != nil {
		t.Errorf("Expected success at n=100, got %v", err)
	}
}

func TestCompare_PValueAndVarianceRanges(t *testing.T) {
	tests := []struct {
		name    string
		control api.SufficientStats
		treat   api.SufficientStats
	}{
		{
			name:    "no_difference",
			control: api.SufficientStats{N: 500, SumX: 5000, SumY: 250, SumXX: 60000, SumYY: 300, SumXY: 3000},
			treat:   api.SufficientStats{N: 500, SumX: 5000, SumY: 250, SumXX: 60000, SumYY: 300, SumXY: 3000},
		},
		{
			name:    "small_lift",
			control: api.SufficientStats{N: 400, SumX: 4000, SumY: 200, SumXX: 50000, SumYY: 260, SumXY: 2500},
			treat:   api.SufficientStats{N: 420, SumX: 4100, SumY: 215, SumXX: 52000, SumYY: 280, SumXY: 2600},
		},
		{
			name:    "heavy_user_covariance",
			control: api.SufficientStats{N: 200, SumX: 8000, SumY: 900, SumXX: 600000, SumYY: 9000, SumXY: 70000},
			treat:   api.SufficientStats{N: 210, SumX: 8200, SumY: 1000, SumXX: 620000, SumYY: 10000, SumXY: 74000},
		},
	}

	e := NewEngine(api.DefaultAnalysisParams())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := e.Compare(aggregate("control", tt.control), aggregate("treatment", tt.treat))
			if err != nil {
				t.Fatalf("Compare failed: %v", err)
			}
			if res.VarianceControl < 0 || res.VarianceTreatment < 0 {
				t.Errorf("Var(R) must be >= 0: %g, %g", res.VarianceControl, res.VarianceTreatment)
			}
			if res.PValue < 0 || res.PValue > 1 {
				t.Errorf("p-value out of [0,1]: %g", res.PValue)
			}
			if math.IsNaN(res.ZStatistic) || math.IsNaN(res.PValue) {
				t.Error("NaN escaped the engine")
			}
		})
	}
}

func TestCompare_IdenticalConstantVariants(t *testing.T) {
	// Zero variance and zero delta: Z=0, p=1, never NaN.
	stats := api.SufficientStats{N: 50, SumX: 50, SumY: 25, SumXX: 50, SumYY: 12.5, SumXY: 25}

	e := NewEngine(api.DefaultAnalysisParams())
	res, err := e.Compare(aggregate("control", stats), aggregate("treatment", stats))
	if err != nil {
		t.Fatalf("Compare failed: %v", err)
	}
	if res.ZStatistic != 0 || res.PValue != 1 {
		t.Errorf("Expected Z=0 p=1, got Z=%g p=%g", res.ZStatistic, res.PValue)
	}
	if res.Significant {
		t.Error("Identical variants must not be significant")
	}
}

func TestCompare_MismatchedAggregates(t *testing.T) {
	c := aggregate("control", api.SufficientStats{N: 100, SumX: 1000, SumY: 50, SumXX: 12000, SumYY: 60, SumXY: 600})
	tr := aggregate("treatment", api.SufficientStats{N: 100, SumX: 1000, SumY: 50, SumXX: 12000, SumYY: 60, SumXY: 600})
	tr.MetricName = "cvr"

	e := NewEngine(api.DefaultAnalysisParams())
	if _, err := e.Compare(c, tr); err == nil {
		t.Error("Expected error for mismatched metric names")
	}
}

func TestRatioVariance_NeverNegative(t *testing.T) {
	cases := []api.SufficientStats{
		{N: 2, SumX: 2, SumY: 2, SumXX: 2, SumYY: 2, SumXY: 2},
		{N: 3, SumX: 30, SumY: 3, SumXX: 350, SumYY: 5, SumXY: 35},
		{N: 1000, SumX: 1e6, SumY: 5e4, SumXX: 1.2e9, SumYY: 3.1e6, SumXY: 6.1e7},
	}
	for i, s := range cases {
		if v := RatioVariance(&s); v < 0 {
			t.Errorf("case %d: Var(R)=%g < 0", i, v)
		}
	}
}

func TestNewEngine_ConfidenceLevelSetsCriticalValue(t *testing.T) {
	e := NewEngine(api.AnalysisParams{MinSampleSize: 30, ConfidenceLevel: 0.95})
	if math.Abs(e.zCrit-1.96) > 0.001 {
		t.Errorf("z_crit at 95%%: got %.4f, want 1.96", e.zCrit)
	}

	e99 := NewEngine(api.AnalysisParams{MinSampleSize: 30, ConfidenceLevel: 0.99})
	if math.Abs(e99.zCrit-2.576) > 0.001 {
		t.Errorf("z_crit at 99%%: got %.4f, want 2.576", e99.zCrit)
	}

	// Invalid params fall back to defaults
	bad := NewEngine(api.AnalysisParams{MinSampleSize: 0, ConfidenceLevel: 2})
	if bad.Params() != api.DefaultAnalysisParams() {
		t.Errorf("Invalid params should fall back to defaults, got %+v", bad.Params())
	}
}

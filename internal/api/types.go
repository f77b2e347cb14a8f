package api

import (
	"fmt"
	"time"
)

// DayFormat is the canonical date layout for all table inputs.
const DayFormat = "2006-01-02"

// Day normalizes a timestamp to UTC midnight. All grouping keys use days,
// never wall-clock timestamps.
func Day(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// ParseDay parses a YYYY-MM-DD date string into a UTC midnight time.
func ParseDay(s string) (time.Time, error) {
	t, err := time.Parse(DayFormat, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q (want YYYY-MM-DD): %w", s, err)
	}
	return t, nil
}

// Assignment is one row of the experiment assignment table.
// At most one assignment exists per (user_id, experiment_id, date); a user
// belongs to exactly one variant within an experiment's active window.
type Assignment struct {
	Date           time.Time `json:"date"`
	UserID         string    `json:"user_id"`
	ExperimentID   string    `json:"experiment_id"`
	ExperimentName string    `json:"experiment_name"`
	VariantID      string    `json:"variant_id"`
	VariantName    string    `json:"variant_name"`
}

// FactEvent is one observed interaction (view, click, order, amount).
// Immutable once ingested.
type FactEvent struct {
	Date            time.Time `json:"date"`
	UserID          string    `json:"user_id"`
	DeviceName      string    `json:"device_name"`
	TribeName       string    `json:"tribe_name"`
	RawDimension    string    `json:"metrics_dimension_name"`
	DimensionValue  string    `json:"metrics_dimension_value"`
	MetricName      string    `json:"metrics_name"`
	MetricAmount    float64   `json:"metrics_amount"`
}

// Mapping ties an ephemeral, human-entered page/widget name to a stable
// canonical metric key for an effective date range.
type Mapping struct {
	RawName      string    `json:"raw_name"`
	CanonicalKey string    `json:"canonical_key"`
	StartDate    time.Time `json:"start_date"`
	EndDate      time.Time `json:"end_date"`
	Active       bool      `json:"is_active"`
}

// Covers reports whether the mapping's effective range contains day.
// Range is inclusive on both ends.
func (m *Mapping) Covers(day time.Time) bool {
	return !day.Before(m.StartDate) && !day.After(m.EndDate)
}

// Overlaps reports whether two inclusive date ranges intersect.
func Overlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	return !aStart.After(bEnd) && !bStart.After(aEnd)
}

// NormalizedObservation is a fact event joined with its assignment and
// resolved canonical key.
type NormalizedObservation struct {
	Date         time.Time `json:"date"`
	UserID       string    `json:"user_id"`
	ExperimentID string    `json:"experiment_id"`
	VariantID    string    `json:"variant_id"`
	CanonicalKey string    `json:"canonical_key"`
	MetricName   string    `json:"metric_name"`
	Amount       float64   `json:"amount"`
}

// SufficientStats holds the additive per-user moments a delta-method
// variance estimate needs. X is the denominator metric (e.g. views), Y the
// numerator (e.g. clicks). Additive across re-aggregation and bounded in
// size regardless of user count.
type SufficientStats struct {
	N     int64   `json:"n"`
	SumX  float64 `json:"sum_x"`
	SumY  float64 `json:"sum_y"`
	SumXX float64 `json:"sum_xx"`
	SumYY float64 `json:"sum_yy"`
	SumXY float64 `json:"sum_xy"`
}

// Add folds one user's (x, y) totals into the stats.
func (s *SufficientStats) Add(x, y float64) {
	s.N++
	s.SumX += x
	s.SumY += y
	s.SumXX += x * x
	s.SumYY += y * y
	s.SumXY += x * y
}

// Merge combines two disjoint accumulations.
func (s *SufficientStats) Merge(o SufficientStats) {
	s.N += o.N
	s.SumX += o.SumX
	s.SumY += o.SumY
	s.SumXX += o.SumXX
	s.SumYY += o.SumYY
	s.SumXY += o.SumXY
}

// MeanX returns X-bar, the per-user mean of the denominator.
func (s *SufficientStats) MeanX() float64 {
	if s.N == 0 {
		return 0
	}
	return s.SumX / float64(s.N)
}

// MeanY returns Y-bar, the per-user mean of the numerator.
func (s *SufficientStats) MeanY() float64 {
	if s.N == 0 {
		return 0
	}
	return s.SumY / float64(s.N)
}

// VarX returns the sample variance of per-user denominators (n-1).
func (s *SufficientStats) VarX() float64 {
	if s.N < 2 {
		return 0
	}
	n := float64(s.N)
	return (s.SumXX - s.SumX*s.SumX/n) / (n - 1)
}

// VarY returns the sample variance of per-user numerators (n-1).
func (s *SufficientStats) VarY() float64 {
	if s.N < 2 {
		return 0
	}
	n := float64(s.N)
	return (s.SumYY - s.SumY*s.SumY/n) / (n - 1)
}

// CovXY returns the sample covariance of per-user (x, y) pairs (n-1).
func (s *SufficientStats) CovXY() float64 {
	if s.N < 2 {
		return 0
	}
	n := float64(s.N)
	return (s.SumXY - s.SumX*s.SumY/n) / (n - 1)
}

// MetricAggregate is one (experiment, variant, canonical key, metric, date)
// group with its group sums and the sufficient statistics retained for
// variance estimation. Derived data: fully recomputable from
// assignments + facts + mappings.
type MetricAggregate struct {
	ExperimentID   string          `json:"experiment_id"`
	VariantID      string          `json:"variant_id"`
	CanonicalKey   string          `json:"canonical_key"`
	MetricName     string          `json:"metric_name"`
	Date           time.Time       `json:"date"`
	NumeratorSum   float64         `json:"numerator_sum"`
	DenominatorSum float64         `json:"denominator_sum"`
	Stats          SufficientStats `json:"stats"`
}

// SignificanceResult is the immutable output artifact of one control vs
// treatment comparison. Superseded results are new records, never mutated.
type SignificanceResult struct {
	ExperimentID       string    `json:"experiment_id"`
	MetricName         string    `json:"metric_name"`
	CanonicalKey       string    `json:"canonical_key"`
	ControlVariantID   string    `json:"control_variant_id"`
	TreatmentVariantID string    `json:"treatment_variant_id"`
	PointEstControl    float64   `json:"point_estimate_control"`
	PointEstTreatment  float64   `json:"point_estimate_treatment"`
	Delta              float64   `json:"delta"`
	DeltaPct           float64   `json:"delta_pct"`
	VarianceControl    float64   `json:"variance_control"`
	VarianceTreatment  float64   `json:"variance_treatment"`
	ZStatistic         float64   `json:"z_statistic"`
	PValue             float64   `json:"p_value"`
	CILow              float64   `json:"ci_low"`
	CIHigh             float64   `json:"ci_high"`
	SampleSizeControl  int64     `json:"sample_size_control"`
	SampleSizeTreat    int64     `json:"sample_size_treatment"`
	Significant        bool      `json:"significant"`
	ComputedAt         time.Time `json:"computed_at"`
}

// AnalysisParams holds the statistical knobs for a run.
type AnalysisParams struct {
	MinSampleSize   int64   `json:"min_sample_size"`  // users per variant
	ConfidenceLevel float64 `json:"confidence_level"` // e.g. 0.95
}

// DefaultAnalysisParams returns the documented defaults: 30 users per
// variant, 95% confidence.
func DefaultAnalysisParams() AnalysisParams {
	return AnalysisParams{
		MinSampleSize:   30,
		ConfidenceLevel: 0.95,
	}
}

// Validate checks parameter ranges before a run starts.
func (p AnalysisParams) Validate() error {
	if p.MinSampleSize < 1 {
		return fmt.Errorf("min_sample_size must be >= 1, got %d", p.MinSampleSize)
	}
	if p.ConfidenceLevel <= 0 || p.ConfidenceLevel >= 1 {
		return fmt.Errorf("confidence_level must be in (0, 1), got %.3f", p.ConfidenceLevel)
	}
	return nil
}

package significance

import (
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/subdiscovery/expstats/internal/api"
)

// Engine compares ratio-metric aggregates between a control and a treatment
// variant. Compare is a pure function of its inputs and the engine's params,
// so invocations may run concurrently per metric without locking.
type Engine struct {
	params api.AnalysisParams
	normal distuv.Normal
	zCrit  float64 // z_{alpha/2} for the configured confidence level
}

// NewEngine creates a significance engine. Invalid params fall back to the
// documented defaults (30 users per variant, 95% confidence).
func NewEngine(params api.AnalysisParams) *Engine {
	if params.Validate() != nil {
		params = api.DefaultAnalysisParams()
	}
	normal := distuv.Normal{Mu: 0, Sigma: 1}
	alpha := 1 - params.ConfidenceLevel
	return &Engine{
		params: params,
		normal: normal,
		zCrit:  normal.Quantile(1 - alpha/2),
	}
}

// Params returns the engine's analysis parameters.
func (e *Engine) Params() api.AnalysisParams { return e.params }

// Compare computes the two-sample Z test between control and treatment for
// one (experiment, metric, canonical key). Fails with
// api.ErrInsufficientSample rather than producing a degenerate or infinite
// variance; the caller decides whether to surface that as "not yet
// evaluable".
func (e *Engine) Compare(control, treatment *api.MetricAggregate) (*api.SignificanceResult, error) {
	if control == nil || treatment == nil {
		return nil, fmt.Errorf("%w: missing variant aggregate", api.ErrInsufficientSample)
	}
	if control.ExperimentID != treatment.ExperimentID ||
		control.MetricName != treatment.MetricName ||
		control.CanonicalKey != treatment.CanonicalKey {
		return nil, fmt.Errorf("aggregates are not comparable: (%s,%s,%s) vs (%s,%s,%s)",
			control.ExperimentID, control.MetricName, control.CanonicalKey,
			treatment.ExperimentID, treatment.MetricName, treatment.CanonicalKey)
	}

	for _, v := range []*api.MetricAggregate{control, treatment} {
		if v.Stats.N < e.params.MinSampleSize {
			return nil, fmt.Errorf("%w: variant %s has n=%d users, need %d",
				api.ErrInsufficientSample, v.VariantID, v.Stats.N, e.params.MinSampleSize)
		}
		if v.DenominatorSum == 0 || v.Stats.MeanX() == 0 {
			return nil, fmt.Errorf("%w: variant %s has zero denominator",
				api.ErrInsufficientSample, v.VariantID)
		}
	}

	rc := control.NumeratorSum / control.DenominatorSum
	rt := treatment.NumeratorSum / treatment.DenominatorSum

	varC := RatioVariance(&control.Stats)
	varT := RatioVariance(&treatment.Stats)

	delta := rt - rc
	se := math.Sqrt(varC + varT)

	var z, p float64
	switch {
	case se > 0:
		z = delta / se
		p = 2 * e.normal.Survival(math.Abs(z))
	case delta == 0:
		// Both variants constant and identical: no evidence either way.
		z, p = 0, 1
	default:
		// Zero variance with a nonzero difference: log the extreme rather
		// than dividing by zero.
		z = math.Inf(sign(delta))
		p = 0
	}

	deltaPct := 0.0
	if rc != 0 {
		deltaPct = delta / rc * 100
	}

	return &api.SignificanceResult{
		ExperimentID:       control.ExperimentID,
		MetricName:         control.MetricName,
		CanonicalKey:       control.CanonicalKey,
		ControlVariantID:   control.VariantID,
		TreatmentVariantID: treatment.VariantID,
		PointEstControl:    rc,
		PointEstTreatment:  rt,
		Delta:              delta,
		DeltaPct:           deltaPct,
		VarianceControl:    varC,
		VarianceTreatment:  varT,
		ZStatistic:         z,
		PValue:             p,
		CILow:              delta - e.zCrit*se,
		CIHigh:             delta + e.zCrit*se,
		SampleSizeControl:  control.Stats.N,
		SampleSizeTreat:    treatment.Stats.N,
		Significant:        p < 1-e.params.ConfidenceLevel,
		ComputedAt:         time.Now().UTC(),
	}, nil
}

// RatioVariance is the delta-method variance of the pooled ratio estimator
// R = sum(Y)/sum(X), linearized around the per-user sample means:
//
//	Var(R) ~= (1/n) * [ Var(Y)/X̄² − 2·(Ȳ/X̄³)·Cov(X,Y) + (Ȳ²/X̄⁴)·Var(X) ]
//
// Negative rounding artifacts clamp to zero so Var(R) >= 0 always holds.
func RatioVariance(s *api.SufficientStats) float64 {
	n := float64(s.N)
	if n == 0 {
		return 0
	}
	meanX := s.MeanX()
	if meanX == 0 {
		return 0
	}
	meanY := s.MeanY()

	v := (s.VarY()/(meanX*meanX) -
		2*(meanY/(meanX*meanX*meanX))*s.CovXY() +
		(meanY*meanY/(meanX*meanX*meanX*meanX))*s.VarX()) / n

	if v < 0 {
		return 0
	}
	return v
}

func sign(x float64) int {
	if x < 0 {
		return -1
	}
	return 1
}

package batch

import (
	"fmt"
	"sort"
	"strings"

	"github.com/subdiscovery/expstats/internal/api"
)

// Render formats the summary for the CLI. A batch run always ends with this
// report: computed results plus every skipped and rejected item with its
// reason.
func (s *Summary) Render() string {
	var b strings.Builder

	fmt.Fprintf(&b, "Experiment %s, %s..%s (%d partitions, %.2fs)\n",
		s.ExperimentID, s.From.Format(api.DayFormat), s.To.Format(api.DayFormat),
		s.Partitions, s.Duration.Seconds())
	fmt.Fprintf(&b, "  facts=%d observations=%d aggregate_groups=%d\n",
		s.FactsRead, s.Observations, s.Groups)

	if s.Rejects != nil && s.Rejects.Total > 0 {
		fmt.Fprintf(&b, "  rejected events: %d\n", s.Rejects.Total)
		reasons := make([]string, 0, len(s.Rejects.Counts))
		for reason := range s.Rejects.Counts {
			reasons = append(reasons, reason)
		}
		sort.Strings(reasons)
		for _, reason := range reasons {
			fmt.Fprintf(&b, "    %-24s %d\n", reason, s.Rejects.Counts[reason])
		}
	}

	fmt.Fprintf(&b, "\nResults (%d):\n", len(s.Results))
	if len(s.Results) > 0 {
		fmt.Fprintf(&b, "  %-18s %-28s %-12s %9s %9s %10s %6s\n",
			"metric", "canonical_key", "treatment", "delta", "delta_pct", "p_value", "sig")
		for _, r := range s.Results {
			sig := ""
			if r.Significant {
				sig = "*"
			}
			fmt.Fprintf(&b, "  %-18s %-28s %-12s %+9.5f %+8.2f%% %10.6f %6s\n",
				r.MetricName, r.CanonicalKey, r.TreatmentVariantID,
				r.Delta, r.DeltaPct, r.PValue, sig)
		}
	}

	if len(s.Skipped) > 0 {
		fmt.Fprintf(&b, "\nNot yet evaluable (%d):\n", len(s.Skipped))
		for _, sk := range s.Skipped {
			fmt.Fprintf(&b, "  %-18s %-28s %-12s %s\n",
				sk.MetricName, sk.CanonicalKey, sk.TreatmentVariant, sk.Reason)
		}
	}

	return b.String()
}

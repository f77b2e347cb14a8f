package normalize

import (
	"log"
	"time"

	"github.com/subdiscovery/expstats/internal/api"
	"github.com/subdiscovery/expstats/internal/resolver"
)

// Rejection reasons appearing in reports and the journal.
const (
	ReasonMappingNotFound       = "mapping_not_found"
	ReasonUnattributable        = "unattributable"
	ReasonConflictingAssignment = "conflicting_assignment"
)

// RejectReport counts rejected events per reason for the batch summary.
// A batch never aborts on per-event errors; it completes and reports.
type RejectReport struct {
	Counts map[string]int `json:"counts"`
	Total  int            `json:"total"`
}

func (r *RejectReport) add(reason string) {
	if r.Counts == nil {
		r.Counts = make(map[string]int)
	}
	r.Counts[reason]++
	r.Total++
}

// Normalizer joins raw fact events with assignments and resolved canonical
// keys, producing per-user per-metric observations.
type Normalizer struct {
	sink RejectSink
}

// NewNormalizer creates a normalizer routing rejected events to sink.
func NewNormalizer(sink RejectSink) *Normalizer {
	if sink == nil {
		sink = NullSink{}
	}
	return &Normalizer{sink: sink}
}

type assignKey struct {
	userID       string
	experimentID string
	day          int64
}

// AssignmentIndex is a lookup table from (user, day) to variant, built once
// per batch. Contradicting rows for the same (user, experiment, day) are a
// data-quality problem: the user is excluded for that day rather than
// resolved last-write-wins.
type AssignmentIndex struct {
	byUserDay map[userDay][]indexed
	conflicts map[assignKey]bool
}

type userDay struct {
	userID string
	day    int64
}

type indexed struct {
	experimentID string
	variantID    string
}

// BuildIndex indexes assignment rows for the join.
func BuildIndex(assignments []api.Assignment) *AssignmentIndex {
	idx := &AssignmentIndex{
		byUserDay: make(map[userDay][]indexed),
		conflicts: make(map[assignKey]bool),
	}
	seen := make(map[assignKey]string) // -> variant

	for i := range assignments {
		a := &assignments[i]
		day := api.Day(a.Date).Unix()
		ak := assignKey{userID: a.UserID, experimentID: a.ExperimentID, day: day}

		if variant, ok := seen[ak]; ok {
			if variant != a.VariantID {
				idx.conflicts[ak] = true
			}
			continue // duplicate row, first one already indexed
		}
		seen[ak] = a.VariantID

		ud := userDay{userID: a.UserID, day: day}
		idx.byUserDay[ud] = append(idx.byUserDay[ud], indexed{
			experimentID: a.ExperimentID,
			variantID:    a.VariantID,
		})
	}

	return idx
}

// Lookup returns the experiments a user is assigned to on a day. The second
// return is false when any of the user's assignments for that day conflict.
func (idx *AssignmentIndex) Lookup(userID string, day time.Time) ([]indexed, bool) {
	d := api.Day(day).Unix()
	rows := idx.byUserDay[userDay{userID: userID, day: d}]
	for _, row := range rows {
		if idx.conflicts[assignKey{userID: userID, experimentID: row.experimentID, day: d}] {
			return nil, false
		}
	}
	return rows, true
}

// Normalize resolves each fact event's raw dimension name against the
// snapshot and joins it with the user's assignment for that day. One
// observation is emitted per (event, assigned experiment). Events that fail
// to resolve or attribute are routed to the rejection sink and counted.
func (n *Normalizer) Normalize(
	facts []api.FactEvent,
	idx *AssignmentIndex,
	snap *resolver.Snapshot,
) ([]api.NormalizedObservation, *RejectReport) {
	report := &RejectReport{}
	out := make([]api.NormalizedObservation, 0, len(facts))

	for i := range facts {
		ev := &facts[i]
		day := api.Day(ev.Date)

		key, err := snap.Resolve(ev.RawDimension, day)
		if err != nil {
			n.reject(ev, ReasonMappingNotFound, report)
			continue
		}

		rows, clean := idx.Lookup(ev.UserID, day)
		if !clean {
			n.reject(ev, ReasonConflictingAssignment, report)
			continue
		}
		if len(rows) == 0 {
			n.reject(ev, ReasonUnattributable, report)
			continue
		}

		for _, row := range rows {
			out = append(out, api.NormalizedObservation{
				Date:         day,
				UserID:       ev.UserID,
				ExperimentID: row.experimentID,
				VariantID:    row.variantID,
				CanonicalKey: key,
				MetricName:   ev.MetricName,
				Amount:       ev.MetricAmount,
			})
		}
	}

	return out, report
}

func (n *Normalizer) reject(ev *api.FactEvent, reason string, report *RejectReport) {
	report.add(reason)
	if err := n.sink.Reject(ev, reason); err != nil {
		// Journal write failure must not abort the batch; the count survives
		// in the report.
		log.Printf("reject sink error (%s): %v", reason, err)
	}
}

package resultstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/subdiscovery/expstats/internal/api"
)

// Store holds finalized significance results as an append-only log keyed by
// (experiment_id, metric_name, canonical_key, computed_at). Re-analysis
// writes a new record; nothing is ever mutated in place, preserving the
// audit history of how a result evolved as data accrued.
type Store interface {
	// Put appends a result. Writing the exact same key twice is a no-op
	// (first write wins), so re-runs are idempotent.
	Put(ctx context.Context, result *api.SignificanceResult) error

	// Get returns the latest result (highest computed_at) for
	// (experiment, metric), or api.ErrNotFound.
	Get(ctx context.Context, experimentID, metricName string) (*api.SignificanceResult, error)

	// History returns every stored result for (experiment, metric), oldest
	// first.
	History(ctx context.Context, experimentID, metricName string) ([]*api.SignificanceResult, error)

	// List returns the latest result per (metric, canonical key) for an
	// experiment.
	List(ctx context.Context, experimentID string) ([]*api.SignificanceResult, error)

	// Close releases resources.
	Close() error
}

type recordKey struct {
	experimentID string
	metricName   string
	canonicalKey string
	computedAt   int64 // unix nanos
}

// MemoryStore is an in-memory result store with an optional JSON snapshot
// file for persistence across runs.
type MemoryStore struct {
	mu       sync.RWMutex
	records  map[recordKey]*api.SignificanceResult
	snapshot string
}

// NewMemoryStore creates a memory store, loading the snapshot if one exists.
func NewMemoryStore(snapshotPath string) *MemoryStore {
	ms := &MemoryStore{
		records:  make(map[recordKey]*api.SignificanceResult),
		snapshot: snapshotPath,
	}
	if snapshotPath != "" {
		ms.loadSnapshot()
	}
	return ms
}

func keyOf(r *api.SignificanceResult) recordKey {
	return recordKey{
		experimentID: r.ExperimentID,
		metricName:   r.MetricName,
		canonicalKey: r.CanonicalKey,
		computedAt:   r.ComputedAt.UnixNano(),
	}
}

func (m *MemoryStore) Put(ctx context.Context, result *api.SignificanceResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := keyOf(result)
	if _, exists := m.records[k]; exists {
		return nil // first write wins
	}
	cp := *result
	m.records[k] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, experimentID, metricName string) (*api.SignificanceResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var latest *api.SignificanceResult
	for k, r := range m.records {
		if k.experimentID != experimentID || k.metricName != metricName {
			continue
		}
		if latest == nil || r.ComputedAt.After(latest.ComputedAt) {
			latest = r
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("%w: experiment=%s metric=%s", api.ErrNotFound, experimentID, metricName)
	}
	cp := *latest
	return &cp, nil
}

func (m *MemoryStore) History(ctx context.Context, experimentID, metricName string) ([]*api.SignificanceResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*api.SignificanceResult
	for k, r := range m.records {
		if k.experimentID == experimentID && k.metricName == metricName {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ComputedAt.Before(out[j].ComputedAt) })
	return out, nil
}

func (m *MemoryStore) List(ctx context.Context, experimentID string) ([]*api.SignificanceResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	type dimKey struct{ metric, key string }
	latest := make(map[dimKey]*api.SignificanceResult)
	for k, r := range m.records {
		if k.experimentID != experimentID {
			continue
		}
		d := dimKey{metric: k.metricName, key: k.canonicalKey}
		if cur, ok := latest[d]; !ok || r.ComputedAt.After(cur.ComputedAt) {
			latest[d] = r
		}
	}

	out := make([]*api.SignificanceResult, 0, len(latest))
	for _, r := range latest {
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].MetricName != out[j].MetricName {
			return out[i].MetricName < out[j].MetricName
		}
		return out[i].CanonicalKey < out[j].CanonicalKey
	})
	return out, nil
}

func (m *MemoryStore) Close() error {
	if m.snapshot != "" {
		return m.saveSnapshot()
	}
	return nil
}

func (m *MemoryStore) loadSnapshot() error {
	data, err := os.ReadFile(m.snapshot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // no snapshot yet
		}
		return err
	}

	var results []*api.SignificanceResult
	if err := json.Unmarshal(data, &results); err != nil {
		return fmt.Errorf("failed to unmarshal result snapshot: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range results {
		m.records[keyOf(r)] = r
	}
	return nil
}

func (m *MemoryStore) saveSnapshot() error {
	m.mu.RLock()
	results := make([]*api.SignificanceResult, 0, len(m.records))
	for _, r := range m.records {
		results = append(results, r)
	}
	m.mu.RUnlock()

	sort.Slice(results, func(i, j int) bool { return results[i].ComputedAt.Before(results[j].ComputedAt) })

	data, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(m.snapshot, data, 0600)
}

package resolver

import (
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/subdiscovery/expstats/internal/api"
)

// resolveCacheSize bounds the per-snapshot lookup cache. One entry per
// distinct (raw name, day) seen in a batch.
const resolveCacheSize = 4096

// claim is one active window of a canonical key. Several raw names may
// attach to the same claim (widget aggregation); two claims for the same
// key never overlap in time while active.
type claim struct {
	key    string
	start  time.Time
	end    time.Time
	active bool
	raws   map[string]bool
}

// Registry owns the page/widget identifier mapping lifecycle. Mappings are
// created and deactivated only through explicit calls, never inferred.
//
// The collision invariant: for any day, at most one active claim exists per
// canonical key. The overlap check and insert happen under one lock, so two
// concurrent registrations for the same key cannot both pass the check.
type Registry struct {
	mu     sync.RWMutex
	byKey  map[string][]*claim
	byRaw  map[string][]*claim
}

// NewRegistry creates an empty mapping registry.
func NewRegistry() *Registry {
	return &Registry{
		byKey: make(map[string][]*claim),
		byRaw: make(map[string][]*claim),
	}
}

// WidgetKey composes a widget-level canonical key from its page key and a
// stable widget identifier. Several raw widget names may register to the
// same composed key to aggregate into one logical widget metric.
func WidgetKey(pageKey, widgetID string) string {
	return pageKey + "::" + widgetID
}

// Register maps a raw page/widget name to a canonical key over the
// inclusive [start, end] window.
//
// Fails with api.ErrCollision when another active claim for the same key
// overlaps the window. The one sanctioned exception: registering an
// additional raw name against an identical active window joins the existing
// claim, which is how multiple raw widgets aggregate into one key.
func (r *Registry) Register(raw, canonicalKey string, start, end time.Time) error {
	if raw == "" || canonicalKey == "" {
		return fmt.Errorf("raw name and canonical key are required")
	}
	start, end = api.Day(start), api.Day(end)
	if end.Before(start) {
		return fmt.Errorf("end_date %s before start_date %s",
			end.Format(api.DayFormat), start.Format(api.DayFormat))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, c := range r.byKey[canonicalKey] {
		if !c.active || !api.Overlaps(c.start, c.end, start, end) {
			continue
		}
		if c.start.Equal(start) && c.end.Equal(end) {
			// Same window: attach raw to the existing claim.
			if !c.raws[raw] {
				c.raws[raw] = true
				r.byRaw[raw] = append(r.byRaw[raw], c)
			}
			return nil
		}
		return fmt.Errorf("%w: key %q already active %s..%s, requested %s..%s",
			api.ErrCollision, canonicalKey,
			c.start.Format(api.DayFormat), c.end.Format(api.DayFormat),
			start.Format(api.DayFormat), end.Format(api.DayFormat))
	}

	c := &claim{
		key:    canonicalKey,
		start:  start,
		end:    end,
		active: true,
		raws:   map[string]bool{raw: true},
	}
	r.byKey[canonicalKey] = append(r.byKey[canonicalKey], c)
	r.byRaw[raw] = append(r.byRaw[raw], c)
	return nil
}

// Deactivate retires every active claim binding raw to canonicalKey.
// Returns the number of claims deactivated. Deactivated claims no longer
// resolve and no longer block new registrations.
func (r *Registry) Deactivate(raw, canonicalKey string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, c := range r.byRaw[raw] {
		if c.active && c.key == canonicalKey {
			c.active = false
			n++
		}
	}
	return n
}

// Resolve returns the canonical key for a raw name on the given day, or
// api.ErrMappingNotFound when no active mapping covers it. Pure function of
// the mapping set and the day.
func (r *Registry) Resolve(raw string, day time.Time) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return resolveIn(r.byRaw, raw, api.Day(day))
}

// Mappings returns a flat view of all claims for inspection/reporting.
func (r *Registry) Mappings() []api.Mapping {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []api.Mapping
	for raw, claims := range r.byRaw {
		for _, c := range claims {
			out = append(out, api.Mapping{
				RawName:      raw,
				CanonicalKey: c.key,
				StartDate:    c.start,
				EndDate:      c.end,
				Active:       c.active,
			})
		}
	}
	return out
}

func resolveIn(byRaw map[string][]*claim, raw string, day time.Time) (string, error) {
	for _, c := range byRaw[raw] {
		if c.active && !day.Before(c.start) && !day.After(c.end) {
			return c.key, nil
		}
	}
	return "", fmt.Errorf("%w: %q on %s", api.ErrMappingNotFound, raw, day.Format(api.DayFormat))
}

// Snapshot captures an immutable view of the registry for one batch run, so
// a canonical key cannot resolve inconsistently mid-run even if concurrent
// registrations land while the batch is processing.
type Snapshot struct {
	byRaw map[string][]*claim
	cache *lru.Cache[resolveKey, string]
}

type resolveKey struct {
	raw string
	day int64
}

// Snapshot copies the current active mapping set.
func (r *Registry) Snapshot() *Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	byRaw := make(map[string][]*claim, len(r.byRaw))
	for raw, claims := range r.byRaw {
		cp := make([]*claim, 0, len(claims))
		for _, c := range claims {
			if !c.active {
				continue
			}
			cp = append(cp, &claim{
				key:    c.key,
				start:  c.start,
				end:    c.end,
				active: true,
			})
		}
		if len(cp) > 0 {
			byRaw[raw] = cp
		}
	}

	cache, _ := lru.New[resolveKey, string](resolveCacheSize)
	return &Snapshot{byRaw: byRaw, cache: cache}
}

// Resolve is the snapshot-scoped equivalent of Registry.Resolve. Hot lookups
// are served from a bounded LRU since a batch resolves the same handful of
// raw names for millions of events.
func (s *Snapshot) Resolve(raw string, day time.Time) (string, error) {
	day = api.Day(day)
	ck := resolveKey{raw: raw, day: day.Unix()}

	if key, ok := s.cache.Get(ck); ok {
		return key, nil
	}

	key, err := resolveIn(s.byRaw, raw, day)
	if err != nil {
		return "", err
	}
	s.cache.Add(ck, key)
	return key, nil
}

package resolver

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
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

func TestRegistry_RegisterAndResolve(t *testing.T) {
	r := NewRegistry()

	if err := r.Register("homepage_v3_test", "homepage", day("2024-01-01"), day("2024-01-31")); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	key, err := r.Resolve("homepage_v3_test", day("2024-01-15"))
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if key != "homepage" {
		t.Errorf("Expected key homepage, got %q", key)
	}

	// Outside the effective range the mapping does not resolve
	if _, err := r.Resolve("homepage_v3_test", day("2024-02-01")); !errors.Is(err, api.ErrMappingNotFound) {
		t.Errorf("Expected ErrMappingNotFound after end_date, got %v", err)
	}
	if _, err := r.Resolve("homepage_v3_test", day("2023-12-31")); !errors.Is(err, api.ErrMappingNotFound) {
		t.Errorf("Expected ErrMappingNotFound before start_date, got %v", err)
	}

	// Unknown raw name
	if _, err := r.Resolve("never_registered", day("2024-01-15")); !errors.Is(err, api.ErrMappingNotFound) {
		t.Errorf("Expected ErrMappingNotFound for unknown name, got %v", err)
	}
}

func TestRegistry_CollisionOnOverlap(t *testing.T) {
	// Scenario: key active 2024-01-01..2024-01-14, second registration
	// 2024-01-10..2024-01-20 must be rejected.
	r := NewRegistry()

	if err := r.Register("exp3_page_a", "experiment3", day("2024-01-01"), day("2024-01-14")); err != nil {
		t.Fatalf("First register failed: %v", err)
	}

	err := r.Register("exp3_page_b", "experiment3", day("2024-01-10"), day("2024-01-20"))
	if !errors.Is(err, api.ErrCollision) {
		t.Fatalf("Expected ErrCollision, got %v", err)
	}

	// The rejected registration must not resolve
	if _, err := r.Resolve("exp3_page_b", day("2024-01-12")); !errors.Is(err, api.ErrMappingNotFound) {
		t.Errorf("Rejected mapping should not resolve, got %v", err)
	}
}

func TestRegistry_CollisionMatrix(t *testing.T) {
	tests := []struct {
		name      string
		start     string
		end       string
		collision bool
	}{
		{name: "disjoint_before", start: "2023-12-01", end: "2023-12-31", collision: false},
		{name: "disjoint_after", start: "2024-02-01", end: "2024-02-28", collision: false},
		{name: "overlap_start", start: "2023-12-20", end: "2024-01-05", collision: true},
		{name: "overlap_end", start: "2024-01-25", end: "2024-02-10", collision: true},
		{name: "contained", start: "2024-01-10", end: "2024-01-20", collision: true},
		{name: "containing", start: "2023-12-01", end: "2024-03-01", collision: true},
		{name: "touching_end_day", start: "2024-01-31", end: "2024-02-15", collision: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry()
			if err := r.Register("base", "k1", day("2024-01-01"), day("2024-01-31")); err != nil {
				t.Fatalf("base register failed: %v", err)
			}
			err := r.Register("other", "k1", day(tt.start), day(tt.end))
			if tt.collision && !errors.Is(err, api.ErrCollision) {
				t.Errorf("Expected collision for %s..%s, got %v", tt.start, tt.end, err)
			}
			if !tt.collision && err != nil {
				t.Errorf("Expected no collision for %s..%s, got %v", tt.start, tt.end, err)
			}
		})
	}
}

func TestRegistry_DeactivateFreesKey(t *testing.T) {
	r := NewRegistry()

	if err := r.Register("old_page", "plp", day("2024-01-01"), day("2024-06-30")); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if n := r.Deactivate("old_page", "plp"); n != 1 {
		t.Fatalf("Expected 1 deactivated claim, got %d", n)
	}

	// Deactivated mappings do not resolve and do not block re-registration
	if _, err := r.Resolve("old_page", day("2024-02-01")); !errors.Is(err, api.ErrMappingNotFound) {
		t.Errorf("Deactivated mapping should not resolve, got %v", err)
	}
	if err := r.Register("new_page", "plp", day("2024-02-01"), day("2024-06-30")); err != nil {
		t.Errorf("Register after deactivate failed: %v", err)
	}
}

func TestRegistry_WidgetAggregation(t *testing.T) {
	// Multiple raw widget identifiers registered to the same composed key
	// over the same window aggregate into one logical widget metric.
	r := NewRegistry()

	key := WidgetKey("homepage", "recommendation_carousel")
	for _, raw := range []string{"reco_widget_tr", "reco_widget_de", "reco_widget_nl"} {
		if err := r.Register(raw, key, day("2024-03-01"), day("2024-03-31")); err != nil {
			t.Fatalf("Register(%s) failed: %v", raw, err)
		}
	}

	for _, raw := range []string{"reco_widget_tr", "reco_widget_de", "reco_widget_nl"} {
		got, err := r.Resolve(raw, day("2024-03-15"))
		if err != nil {
			t.Fatalf("Resolve(%s) failed: %v", raw, err)
		}
		if got != "homepage::recommendation_carousel" {
			t.Errorf("Resolve(%s): got %q", raw, got)
		}
	}

	// A different window for the same key still collides
	err := r.Register("reco_widget_fr", key, day("2024-03-15"), day("2024-04-15"))
	if !errors.Is(err, api.ErrCollision) {
		t.Errorf("Expected collision for shifted window, got %v", err)
	}
}

func TestRegistry_RegisterConcurrentSameKey(t *testing.T) {
	// Two concurrent registrations sharing a key must not both pass the
	// overlap check.
	r := NewRegistry()

	const workers = 16
	var wg sync.WaitGroup
	errs := make([]error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// Each worker claims a different window, all overlapping.
			start := day("2024-01-01").AddDate(0, 0, i)
			end := start.AddDate(0, 0, 30)
			errs[i] = r.Register(fmt.Sprintf("raw_%d", i), "contested", start, end)
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
		} else if !errors.Is(err, api.ErrCollision) {
			t.Errorf("Unexpected error: %v", err)
		}
	}
	if ok != 1 {
		t.Errorf("Expected exactly 1 successful registration, got %d", ok)
	}
}

func TestSnapshot_IsolatedFromLaterRegistrations(t *testing.T) {
	r := NewRegistry()
	if err := r.Register("page_a", "k_a", day("2024-01-01"), day("2024-01-31")); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	snap := r.Snapshot()

	// Registered after the snapshot: invisible to the batch.
	if err := r.Register("page_b", "k_b", day("2024-01-01"), day("2024-01-31")); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	if _, err := snap.Resolve("page_b", day("2024-01-10")); !errors.Is(err, api.ErrMappingNotFound) {
		t.Errorf("Snapshot should not see later registration, got %v", err)
	}

	// Repeated resolves return the same key (purity; second hit is cached)
	for i := 0; i < 3; i++ {
		key, err := snap.Resolve("page_a", day("2024-01-10"))
		if err != nil {
			t.Fatalf("Resolve failed: %v", err)
		}
		if key != "k_a" {
			t.Errorf("Resolve returned %q, want k_a", key)
		}
	}
}

func TestLoadSheet_PageAndCollisions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "experiment_page.csv")

	csvData := "sub_discovery_page_name,eppo_page_name,start_date,end_date,is_active\n" +
		"spring_sale_home,homepage,2024-01-01,2024-01-31,1\n" +
		"old_home,homepage,2023-11-01,2023-12-31,0\n" + // inactive, skipped silently
		"summer_sale_home,homepage,2024-01-15,2024-02-15,1\n" + // collides
		"bad_dates,plp,2024-13-99,2024-01-31,1\n" // malformed date

	if err := os.WriteFile(path, []byte(csvData), 0644); err != nil {
		t.Fatal(err)
	}

	r := NewRegistry()
	report, err := r.LoadSheet(path, SheetPage)
	if err != nil {
		t.Fatalf("LoadSheet failed: %v", err)
	}

	if report.Registered != 1 {
		t.Errorf("Expected 1 registered row, got %d", report.Registered)
	}
	if len(report.Skipped) != 2 {
		t.Fatalf("Expected 2 skipped rows, got %d: %+v", len(report.Skipped), report.Skipped)
	}

	key, err := r.Resolve("spring_sale_home", day("2024-01-10"))
	if err != nil || key != "homepage" {
		t.Errorf("Resolve after sheet load: key=%q err=%v", key, err)
	}
}

func TestLoadSheet_MissingColumnIsStructural(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "widget_list.csv")

	// widget sheet without the eppo_widget_name column
	csvData := "sub_discovery_page_name,start_date,end_date,is_active\nx,2024-01-01,2024-01-31,1\n"
	if err := os.WriteFile(path, []byte(csvData), 0644); err != nil {
		t.Fatal(err)
	}

	r := NewRegistry()
	if _, err := r.LoadSheet(path, SheetWidget); err == nil {
		t.Fatal("Expected structural error for missing column")
	}
}

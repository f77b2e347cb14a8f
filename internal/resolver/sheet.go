package resolver

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/subdiscovery/expstats/internal/api"
)

// SheetKind selects which identifier sheet layout a file follows.
type SheetKind string

const (
	// SheetPage is the "experiment_page" sheet:
	// sub_discovery_page_name, eppo_page_name, start_date, end_date, is_active
	SheetPage SheetKind = "page"

	// SheetWidget is the "widget_list" sheet:
	// sub_discovery_page_name, eppo_widget_name, start_date, end_date, is_active
	SheetWidget SheetKind = "widget"
)

// SheetReport summarizes one sheet load. Collision and malformed rows are
// reported, never silently skipped.
type SheetReport struct {
	Registered int
	Skipped    []SheetRow
}

// SheetRow is one rejected sheet row with its reason.
type SheetRow struct {
	Line   int
	Raw    string
	Key    string
	Reason string
}

var keyColumn = map[SheetKind]string{
	SheetPage:   "eppo_page_name",
	SheetWidget: "eppo_widget_name",
}

// LoadSheet reads an identifier mapping sheet (CSV export of the
// experiment_page or widget_list tab) and registers its active rows.
//
// A missing required column is a structural failure and aborts the load;
// per-row problems (bad dates, collisions) land in the report instead.
func (r *Registry) LoadSheet(path string, kind SheetKind) (*SheetReport, error) {
	keyCol, ok := keyColumn[kind]
	if !ok {
		return nil, fmt.Errorf("unknown sheet kind %q", kind)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sheet: %w", err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read sheet header: %w", err)
	}

	colIdx := make(map[string]int)
	for i, col := range header {
		colIdx[col] = i
	}
	for _, col := range []string{"sub_discovery_page_name", keyCol, "start_date", "end_date", "is_active"} {
		if _, ok := colIdx[col]; !ok {
			return nil, fmt.Errorf("sheet %s missing required column %q", path, col)
		}
	}

	report := &SheetReport{}
	line := 1

	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("failed to read sheet row %d: %w", line, err)
		}

		raw := record[colIdx["sub_discovery_page_name"]]
		key := record[colIdx[keyCol]]

		if record[colIdx["is_active"]] != "1" {
			continue // inactive rows never register
		}

		start, err := api.ParseDay(record[colIdx["start_date"]])
		if err != nil {
			report.Skipped = append(report.Skipped, SheetRow{
				Line: line, Raw: raw, Key: key, Reason: err.Error(),
			})
			continue
		}
		end, err := api.ParseDay(record[colIdx["end_date"]])
		if err != nil {
			report.Skipped = append(report.Skipped, SheetRow{
				Line: line, Raw: raw, Key: key, Reason: err.Error(),
			})
			continue
		}

		if err := r.Register(raw, key, start, end); err != nil {
			reason := "register failed: " + err.Error()
			if errors.Is(err, api.ErrCollision) {
				reason = "collision: " + err.Error()
			}
			report.Skipped = append(report.Skipped, SheetRow{
				Line: line, Raw: raw, Key: key, Reason: reason,
			})
			continue
		}
		report.Registered++
	}

	return report, nil
}

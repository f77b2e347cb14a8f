package source

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/subdiscovery/expstats/internal/api"
)

// CSVSource reads assignment and fact tables from warehouse CSV extracts in
// a directory: assignments.csv and facts.csv with the contracted column
// layouts. A missing or wrong header is a structural failure; malformed
// data rows are counted and skipped.
type CSVSource struct {
	dir string

	// MalformedRows counts data rows dropped during the last load.
	MalformedRows int
}

// NewCSVSource creates a source over dir.
func NewCSVSource(dir string) *CSVSource {
	return &CSVSource{dir: dir}
}

var assignmentCols = []string{"date", "user_id", "experiment_id", "experiment_name", "variant_id", "variant_name"}

var factCols = []string{"date", "user_id", "device_name", "tribe_name",
	"metrics_dimension_name", "metrics_dimension_value", "metrics_name", "metrics_amount"}

func (s *CSVSource) Assignments(ctx context.Context, experimentID string, from, to time.Time) ([]api.Assignment, error) {
	path := filepath.Join(s.dir, "assignments.csv")

	var out []api.Assignment
	err := s.readTable(path, assignmentCols, func(get func(string) string) error {
		if experimentID != "" && get("experiment_id") != experimentID {
			return nil
		}
		date, err := api.ParseDay(get("date"))
		if err != nil {
			return err
		}
		if date.Before(api.Day(from)) || date.After(api.Day(to)) {
			return nil
		}
		out = append(out, api.Assignment{
			Date:           date,
			UserID:         get("user_id"),
			ExperimentID:   get("experiment_id"),
			ExperimentName: get("experiment_name"),
			VariantID:      get("variant_id"),
			VariantName:    get("variant_name"),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *CSVSource) Facts(ctx context.Context, from, to time.Time) ([]api.FactEvent, error) {
	path := filepath.Join(s.dir, "facts.csv")

	var out []api.FactEvent
	err := s.readTable(path, factCols, func(get func(string) string) error {
		date, err := api.ParseDay(get("date"))
		if err != nil {
			return err
		}
		if date.Before(api.Day(from)) || date.After(api.Day(to)) {
			return nil
		}
		amount, err := strconv.ParseFloat(get("metrics_amount"), 64)
		if err != nil {
			return fmt.Errorf("invalid metrics_amount %q: %w", get("metrics_amount"), err)
		}
		out = append(out, api.FactEvent{
			Date:           date,
			UserID:         get("user_id"),
			DeviceName:     get("device_name"),
			TribeName:      get("tribe_name"),
			RawDimension:   get("metrics_dimension_name"),
			DimensionValue: get("metrics_dimension_value"),
			MetricName:     get("metrics_name"),
			MetricAmount:   amount,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// readTable streams one CSV table, calling row for every record. A row
// callback error counts as a malformed row and is skipped.
func (s *CSVSource) readTable(path string, required []string, row func(get func(string) string) error) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	header, err := reader.Read()
	if err != nil {
		return fmt.Errorf("failed to read header of %s: %w", path, err)
	}

	colIdx := make(map[string]int)
	for i, col := range header {
		colIdx[col] = i
	}
	for _, col := range required {
		if _, ok := colIdx[col]; !ok {
			return fmt.Errorf("%s missing required column %q", path, col)
		}
	}

	line := 1
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			// Ragged row: malformed data, not a schema failure.
			s.MalformedRows++
			continue
		}

		get := func(col string) string { return record[colIdx[col]] }
		if err := row(get); err != nil {
			s.MalformedRows++
			log.Printf("%s line %d: skipping malformed row: %v", filepath.Base(path), line, err)
		}
	}
	return nil
}

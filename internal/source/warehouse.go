package source

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/time/rate"

	"github.com/subdiscovery/expstats/internal/api"
)

// WarehouseSource reads the assignment and fact tables straight from the
// event warehouse over Postgres wire protocol. Queries are rate-limited so
// a wide backfill cannot saturate the warehouse.
type WarehouseSource struct {
	pool    *pgxpool.Pool
	limiter *rate.Limiter
}

// NewWarehouseSource connects to the warehouse. queriesPerSecond bounds the
// partition query rate (0 means 5 qps).
func NewWarehouseSource(connStr string, queriesPerSecond int) (*WarehouseSource, error) {
	if queriesPerSecond <= 0 {
		queriesPerSecond = 5
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to create warehouse pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("warehouse ping failed: %w", err)
	}

	return &WarehouseSource{
		pool:    pool,
		limiter: rate.NewLimiter(rate.Limit(queriesPerSecond), queriesPerSecond),
	}, nil
}

func (w *WarehouseSource) Assignments(ctx context.Context, experimentID string, from, to time.Time) ([]api.Assignment, error) {
	if err := w.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	query := `
		SELECT date, user_id, experiment_id, experiment_name, variant_id, variant_name
		FROM experiment_assignments
		WHERE experiment_id = $1 AND date BETWEEN $2 AND $3
	`

	rows, err := w.pool.Query(ctx, query, experimentID, api.Day(from), api.Day(to))
	if err != nil {
		return nil, fmt.Errorf("assignment query failed: %w", err)
	}
	defer rows.Close()

	var out []api.Assignment
	for rows.Next() {
		var a api.Assignment
		if err := rows.Scan(&a.Date, &a.UserID, &a.ExperimentID, &a.ExperimentName, &a.VariantID, &a.VariantName); err != nil {
			return nil, fmt.Errorf("assignment scan failed: %w", err)
		}
		a.Date = api.Day(a.Date)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (w *WarehouseSource) Facts(ctx context.Context, from, to time.Time) ([]api.FactEvent, error) {
	if err := w.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	query := `
		SELECT date, user_id, device_name, tribe_name,
		       metrics_dimension_name, metrics_dimension_value, metrics_name, metrics_amount
		FROM fact_events
		WHERE date BETWEEN $1 AND $2
	`

	rows, err := w.pool.Query(ctx, query, api.Day(from), api.Day(to))
	if err != nil {
		return nil, fmt.Errorf("fact query failed: %w", err)
	}
	defer rows.Close()

	var out []api.FactEvent
	for rows.Next() {
		var f api.FactEvent
		if err := rows.Scan(&f.Date, &f.UserID, &f.DeviceName, &f.TribeName,
			&f.RawDimension, &f.DimensionValue, &f.MetricName, &f.MetricAmount); err != nil {
			return nil, fmt.Errorf("fact scan failed: %w", err)
		}
		f.Date = api.Day(f.Date)
		out = append(out, f)
	}
	return out, rows.Err()
}

// Close releases the warehouse pool.
func (w *WarehouseSource) Close() {
	w.pool.Close()
}

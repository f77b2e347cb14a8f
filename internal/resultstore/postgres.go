package resultstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/subdiscovery/expstats/internal/api"
)

// PostgresStore persists results in Postgres. The append-only contract is
// enforced by the table's composite primary key plus ON CONFLICT DO NOTHING:
// a replayed Put can never clobber an earlier record.
//
// Schema:
//
//	CREATE TABLE significance_results (
//	  experiment_id VARCHAR(255) NOT NULL,
//	  metric_name   VARCHAR(255) NOT NULL,
//	  canonical_key VARCHAR(255) NOT NULL,
//	  computed_at   TIMESTAMPTZ  NOT NULL,
//	  result        JSONB        NOT NULL,
//	  PRIMARY KEY (experiment_id, metric_name, canonical_key, computed_at)
//	);
//	CREATE INDEX idx_sig_results_latest
//	  ON significance_results(experiment_id, metric_name, computed_at DESC);
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to Postgres and verifies the connection.
func NewPostgresStore(connStr string) (*PostgresStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Put(ctx context.Context, result *api.SignificanceResult) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	query := `
		INSERT INTO significance_results (experiment_id, metric_name, canonical_key, computed_at, result)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (experiment_id, metric_name, canonical_key, computed_at) DO NOTHING
	`
	_, err = p.pool.Exec(ctx, query,
		result.ExperimentID, result.MetricName, result.CanonicalKey, result.ComputedAt, resultJSON)
	if err != nil {
		return fmt.Errorf("postgres insert failed: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, experimentID, metricName string) (*api.SignificanceResult, error) {
	query := `
		SELECT result
		FROM significance_results
		WHERE experiment_id = $1 AND metric_name = $2
		ORDER BY computed_at DESC
		LIMIT 1
	`

	var resultJSON []byte
	err := p.pool.QueryRow(ctx, query, experimentID, metricName).Scan(&resultJSON)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: experiment=%s metric=%s", api.ErrNotFound, experimentID, metricName)
		}
		return nil, fmt.Errorf("postgres query failed: %w", err)
	}

	var result api.SignificanceResult
	if err := json.Unmarshal(resultJSON, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal result: %w", err)
	}
	return &result, nil
}

func (p *PostgresStore) History(ctx context.Context, experimentID, metricName string) ([]*api.SignificanceResult, error) {
	query := `
		SELECT result
		FROM significance_results
		WHERE experiment_id = $1 AND metric_name = $2
		ORDER BY computed_at ASC
	`

	rows, err := p.pool.Query(ctx, query, experimentID, metricName)
	if err != nil {
		return nil, fmt.Errorf("postgres query failed: %w", err)
	}
	defer rows.Close()

	return scanResults(rows)
}

func (p *PostgresStore) List(ctx context.Context, experimentID string) ([]*api.SignificanceResult, error) {
	// Latest record per (metric, canonical key).
	query := `
		SELECT DISTINCT ON (metric_name, canonical_key) result
		FROM significance_results
		WHERE experiment_id = $1
		ORDER BY metric_name, canonical_key, computed_at DESC
	`

	rows, err := p.pool.Query(ctx, query, experimentID)
	if err != nil {
		return nil, fmt.Errorf("postgres query failed: %w", err)
	}
	defer rows.Close()

	return scanResults(rows)
}

func scanResults(rows pgx.Rows) ([]*api.SignificanceResult, error) {
	var out []*api.SignificanceResult
	for rows.Next() {
		var resultJSON []byte
		if err := rows.Scan(&resultJSON); err != nil {
			return nil, fmt.Errorf("postgres scan failed: %w", err)
		}
		var result api.SignificanceResult
		if err := json.Unmarshal(resultJSON, &result); err != nil {
			return nil, fmt.Errorf("failed to unmarshal result: %w", err)
		}
		out = append(out, &result)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Close() error {
	p.pool.Close()
	return nil
}

package postgres

import (
	"context"
	"fmt"
	"time"
)

// RunStore tracks crawl runs in a table keyed by run id.
type RunStore struct {
	pool  execCloser
	table string
}

// NewRunStoreWithPool builds a RunStore over pool.
func NewRunStoreWithPool(pool execCloser, table string) (*RunStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	table, err := tableName(table, "crawl_runs")
	if err != nil {
		return nil, err
	}
	return &RunStore{pool: pool, table: table}, nil
}

// RunStarted records a run entering RUNNING. A resumed run keeps its row.
func (s *RunStore) RunStarted(ctx context.Context, runID, playbook string, startedAt time.Time) error {
	query := fmt.Sprintf(`
INSERT INTO %s (run_id, playbook, started_at, phase)
VALUES ($1, $2, $3, $4)
ON CONFLICT (run_id) DO UPDATE
SET phase = EXCLUDED.phase, finished_at = NULL, error = NULL`, s.table)
	if _, err := s.pool.Exec(ctx, query, runID, playbook, startedAt, "RUNNING"); err != nil {
		return fmt.Errorf("record run start: %w", err)
	}
	return nil
}

// RunFinished records the terminal phase and counters of a run.
func (s *RunStore) RunFinished(
	ctx context.Context,
	runID string,
	finishedAt time.Time,
	phase string,
	pages, results int,
	errMsg *string,
) error {
	query := fmt.Sprintf(`
UPDATE %s
SET finished_at = $2, phase = $3, pages_processed = $4, results = $5, error = $6
WHERE run_id = $1`, s.table)
	if _, err := s.pool.Exec(ctx, query, runID, finishedAt, phase, pages, results, errMsg); err != nil {
		return fmt.Errorf("record run finish: %w", err)
	}
	return nil
}

package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/savegress/auditascan/pkg/models"
)

// PostgresStore keeps runs in PostgreSQL
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects, pings and creates the schema
func NewPostgresStore(ctx context.Context, databaseURL string, maxConns int) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.initSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS audit_runs (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			actor TEXT NOT NULL DEFAULT '',
			started_at TIMESTAMPTZ NOT NULL,
			matched INTEGER NOT NULL DEFAULT 0,
			divergent INTEGER NOT NULL DEFAULT 0,
			not_found INTEGER NOT NULL DEFAULT 0,
			header JSONB NOT NULL,
			data JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_audit_runs_started ON audit_runs(started_at DESC);`)
	return err
}

func (s *PostgresStore) SaveRun(ctx context.Context, run *models.Run) error {
	header, data, err := encodeRun(run)
	if err != nil {
		return err
	}
	matched, divergent, notFound := statusCounts(run)

	query := `
		INSERT INTO audit_runs (id, status, actor, started_at, matched, divergent, not_found, header, data)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			actor = EXCLUDED.actor,
			matched = EXCLUDED.matched,
			divergent = EXCLUDED.divergent,
			not_found = EXCLUDED.not_found,
			header = EXCLUDED.header,
			data = EXCLUDED.data,
			updated_at = NOW()`

	if _, err := s.pool.Exec(ctx, query,
		run.ID, string(run.Status), run.Actor, run.StartedAt,
		matched, divergent, notFound, header, data,
	); err != nil {
		return fmt.Errorf("save run %s: %w", run.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetRun(ctx context.Context, id string) (*models.Run, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM audit_runs WHERE id = $1`, id).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", id, err)
	}
	return decodeRun(data)
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]*models.Run, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.pool.Query(ctx, `
		SELECT header FROM audit_runs
		WHERE ($1 = '' OR status = $1) AND ($2 = '' OR actor = $2)
		ORDER BY started_at DESC
		LIMIT $3`, string(filter.Status), filter.Actor, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []*models.Run
	for rows.Next() {
		var header []byte
		if err := rows.Scan(&header); err != nil {
			return nil, err
		}
		run, err := decodeRun(header)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

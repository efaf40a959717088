// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/siteharvest/harvester/internal/scrape"
)

// Config controls the Postgres connection pool backing the job store.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type dbConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// JobStore persists jobs in a Postgres table with the collection fields held
// as JSONB.
type JobStore struct {
	pool dbConn
}

// NewJobStore connects a pool and wraps it in a JobStore.
func NewJobStore(ctx context.Context, cfg Config) (*JobStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &JobStore{pool: pool}, nil
}

// NewJobStoreWithPool constructs a store from an existing pool (primarily
// for testing).
func NewJobStoreWithPool(pool dbConn) (*JobStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &JobStore{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *JobStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

const jobColumns = `id, name, status, targets, results, failures, config, error_message, created_at, started_at, completed_at`

// Save inserts a new job row.
func (s *JobStore) Save(ctx context.Context, job *scrape.Job) error {
	targets, results, failures, config, err := marshalCollections(job)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO jobs (` + jobColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11);
	`
	_, err = s.pool.Exec(ctx, query,
		job.ID, job.Name, string(job.Status),
		targets, results, failures, config,
		job.ErrorMessage, job.CreatedAt, job.StartedAt, job.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// Find fetches a job by ID.
func (s *JobStore) Find(ctx context.Context, id string) (*scrape.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1;`
	job, err := scanJob(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, scrape.ErrJobNotFound
		}
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// Update replaces the mutable columns of an existing job row.
func (s *JobStore) Update(ctx context.Context, job *scrape.Job) error {
	targets, results, failures, config, err := marshalCollections(job)
	if err != nil {
		return err
	}
	query := `
		UPDATE jobs
		SET name = $2, status = $3, targets = $4, results = $5, failures = $6,
			config = $7, error_message = $8, started_at = $9, completed_at = $10
		WHERE id = $1;
	`
	tag, err := s.pool.Exec(ctx, query,
		job.ID, job.Name, string(job.Status),
		targets, results, failures, config,
		job.ErrorMessage, job.StartedAt, job.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return scrape.ErrJobNotFound
	}
	return nil
}

// Delete removes a job row.
func (s *JobStore) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM jobs WHERE id = $1;`, id)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return scrape.ErrJobNotFound
	}
	return nil
}

// FindByStatus lists jobs filtered by status, newest first, paginated. An
// empty status matches every job.
func (s *JobStore) FindByStatus(ctx context.Context, status scrape.JobStatus, limit, offset int) ([]*scrape.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	var statusArg *string
	if status != "" {
		str := string(status)
		statusArg = &str
	}
	query := `
		SELECT ` + jobColumns + `
		FROM jobs
		WHERE ($1::text IS NULL OR status = $1)
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3;
	`
	rows, err := s.pool.Query(ctx, query, statusArg, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*scrape.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job row: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job rows: %w", err)
	}
	return jobs, nil
}

func marshalCollections(job *scrape.Job) (targets, results, failures, config []byte, err error) {
	if targets, err = json.Marshal(job.Targets); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("marshal targets: %w", err)
	}
	if results, err = json.Marshal(job.Results); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("marshal results: %w", err)
	}
	if failures, err = json.Marshal(job.Failures); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("marshal failures: %w", err)
	}
	if config, err = json.Marshal(job.Config); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("marshal config: %w", err)
	}
	return targets, results, failures, config, nil
}

func scanJob(row pgx.Row) (*scrape.Job, error) {
	var (
		job      scrape.Job
		status   string
		targets  []byte
		results  []byte
		failures []byte
		config   []byte
	)
	err := row.Scan(
		&job.ID, &job.Name, &status,
		&targets, &results, &failures, &config,
		&job.ErrorMessage, &job.CreatedAt, &job.StartedAt, &job.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	job.Status = scrape.JobStatus(status)
	if err := unmarshalInto(targets, &job.Targets); err != nil {
		return nil, fmt.Errorf("unmarshal targets: %w", err)
	}
	if err := unmarshalInto(results, &job.Results); err != nil {
		return nil, fmt.Errorf("unmarshal results: %w", err)
	}
	if err := unmarshalInto(failures, &job.Failures); err != nil {
		return nil, fmt.Errorf("unmarshal failures: %w", err)
	}
	if err := unmarshalInto(config, &job.Config); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &job, nil
}

func unmarshalInto(data []byte, dst any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, dst)
}

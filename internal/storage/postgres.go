package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// DB wraps a PostgreSQL connection pool for run history.
type DB struct {
	pool *pgxpool.Pool
}

// New creates a new database connection pool.
func New(ctx context.Context, dsn string) (*DB, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing database DSN: %w", err)
	}

	config.MaxConns = 10
	config.MinConns = 1
	config.MaxConnLifetime = 5 * time.Minute
	config.MaxConnIdleTime = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	log.Info().Msg("connected to PostgreSQL")
	return &DB{pool: pool}, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS benchmark_runs (
	id              TEXT PRIMARY KEY,
	image_tag       TEXT NOT NULL,
	instance_id     TEXT NOT NULL DEFAULT '',
	is_direct_image BOOLEAN NOT NULL DEFAULT FALSE,
	workload_hash   TEXT NOT NULL DEFAULT '',
	patch_applied   BOOLEAN NOT NULL DEFAULT FALSE,
	mean_before     DOUBLE PRECISION,
	std_before      DOUBLE PRECISION,
	mean_after      DOUBLE PRECISION,
	std_after       DOUBLE PRECISION,
	ratio           DOUBLE PRECISION,
	status          TEXT NOT NULL,
	error           TEXT NOT NULL DEFAULT '',
	duration_ms     BIGINT NOT NULL DEFAULT 0,
	archive_key     TEXT NOT NULL DEFAULT '',
	request_ip      TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMPTZ NOT NULL,
	completed_at    TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS benchmark_runs_created_at_idx ON benchmark_runs (created_at DESC);

CREATE TABLE IF NOT EXISTS submissions (
	id          TEXT PRIMARY KEY,
	instance_id TEXT NOT NULL DEFAULT '',
	image       TEXT NOT NULL DEFAULT '',
	improvement DOUBLE PRECISION,
	fingerprint TEXT NOT NULL DEFAULT '',
	state       TEXT NOT NULL,
	pr_url      TEXT NOT NULL DEFAULT '',
	path        TEXT NOT NULL DEFAULT '',
	message     TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL
);`

// Migrate creates the tables if they do not exist.
func (db *DB) Migrate(ctx context.Context) error {
	if _, err := db.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("applying schema: %w", err)
	}
	return nil
}

// Close shuts down the connection pool.
func (db *DB) Close() {
	db.pool.Close()
}

// Healthy checks database connectivity.
func (db *DB) Healthy(ctx context.Context) bool {
	return db.pool.Ping(ctx) == nil
}

// LogRun inserts a run record.
func (db *DB) LogRun(ctx context.Context, run *Run) error {
	query := `
		INSERT INTO benchmark_runs (id, image_tag, instance_id, is_direct_image,
			workload_hash, patch_applied, mean_before, std_before, mean_after,
			std_after, ratio, status, error, duration_ms, archive_key,
			request_ip, created_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		ON CONFLICT (id) DO NOTHING`

	_, err := db.pool.Exec(ctx, query,
		run.ID, run.ImageTag, run.InstanceID, run.IsDirectImage,
		run.WorkloadHash, run.PatchApplied,
		run.MeanBefore, run.StdBefore, run.MeanAfter, run.StdAfter, run.Ratio,
		run.Status, truncateForDB(run.Error, 4096), run.DurationMS, run.ArchiveKey,
		run.RequestIP, run.CreatedAt, run.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting run: %w", err)
	}
	return nil
}

// LogSubmission inserts a submission outcome.
func (db *DB) LogSubmission(ctx context.Context, sub *Submission) error {
	if sub.ID == "" {
		sub.ID = uuid.New().String()
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO submissions (id, instance_id, image, improvement, fingerprint,
			state, pr_url, path, message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET state = EXCLUDED.state, pr_url = EXCLUDED.pr_url,
			path = EXCLUDED.path, message = EXCLUDED.message`

	_, err := db.pool.Exec(ctx, query,
		sub.ID, sub.InstanceID, sub.Image, sub.Improvement, sub.Fingerprint,
		sub.State, sub.PRURL, sub.Path, truncateForDB(sub.Message, 4096), sub.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting submission: %w", err)
	}
	return nil
}

const runColumns = `id, image_tag, instance_id, is_direct_image, workload_hash,
	patch_applied, mean_before, std_before, mean_after, std_after, ratio,
	status, error, duration_ms, archive_key, request_ip, created_at, completed_at`

func scanRun(row pgx.Row) (*Run, error) {
	var run Run
	err := row.Scan(
		&run.ID, &run.ImageTag, &run.InstanceID, &run.IsDirectImage, &run.WorkloadHash,
		&run.PatchApplied, &run.MeanBefore, &run.StdBefore, &run.MeanAfter, &run.StdAfter, &run.Ratio,
		&run.Status, &run.Error, &run.DurationMS, &run.ArchiveKey, &run.RequestIP,
		&run.CreatedAt, &run.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// GetRun retrieves a single run by ID.
func (db *DB) GetRun(ctx context.Context, id string) (*Run, error) {
	query := `SELECT ` + runColumns + ` FROM benchmark_runs WHERE id = $1`

	run, err := scanRun(db.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying run %s: %w", id, err)
	}
	return run, nil
}

// ListRuns queries runs with optional filters, newest first.
func (db *DB) ListRuns(ctx context.Context, filter RunFilter) ([]Run, error) {
	query := `SELECT ` + runColumns + `
		FROM benchmark_runs
		WHERE ($1 = '' OR image_tag = $1)
		  AND ($2 = '' OR status = $2)
		  AND ($3::timestamptz IS NULL OR created_at >= $3)
		ORDER BY created_at DESC
		LIMIT $4 OFFSET $5`

	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	rows, err := db.pool.Query(ctx, query,
		filter.ImageTag, filter.Status, filter.Since, limit, filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("querying runs: %w", err)
	}
	defer rows.Close()

	var results []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning run row: %w", err)
		}
		results = append(results, *run)
	}

	return results, rows.Err()
}

func truncateForDB(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

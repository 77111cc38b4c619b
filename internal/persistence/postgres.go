package persistence

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MimeLyc/scriptbatch/internal/checkpoint"
	"github.com/MimeLyc/scriptbatch/internal/credential"
	"github.com/MimeLyc/scriptbatch/internal/jobs"
)

//go:embed pgmigrations/*.sql
var pgMigrationFiles embed.FS

// PostgresStore is the shared-database counterpart of SQLiteStore.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects a pool and applies the embedded migrations.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s := &PostgresStore{pool: pool}
	if err := s.RunMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// RunMigrations executes the embedded SQL migrations in order. They are idempotent.
func (s *PostgresStore) RunMigrations(ctx context.Context) error {
	entries, err := pgMigrationFiles.ReadDir("pgmigrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return migrationVersion(entries[i].Name()) < migrationVersion(entries[j].Name())
	})
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		content, err := pgMigrationFiles.ReadFile("pgmigrations/" + e.Name())
		if err != nil {
			return fmt.Errorf("read migration %s: %w", e.Name(), err)
		}
		sql := strings.TrimSpace(string(content))
		if sql == "" {
			continue
		}
		if _, err := s.pool.Exec(ctx, sql); err != nil {
			return fmt.Errorf("exec migration %s: %w", e.Name(), err)
		}
	}
	return nil
}

func (s *PostgresStore) LoadJobs(ctx context.Context) ([]*jobs.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, source, dedupe_key, input, status, current_step, last_completed_batch,
			outputs, warnings, quality_score, still_invalid, error, attempts, created_at, updated_at
		FROM jobs
		ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	ret := make([]*jobs.Job, 0)
	for rows.Next() {
		var item jobs.Job
		var status string
		var step int
		var docs jobDocuments
		if err := rows.Scan(
			&item.ID, &item.Source, &item.DedupeKey, &item.Input, &status, &step, &item.LastCompletedBatch,
			&docs.Outputs, &docs.Warnings, &item.QualityScore, &docs.StillInvalid, &item.Error, &item.Attempts,
			&item.CreatedAt, &item.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		item.Status = jobs.Status(status)
		item.CurrentStep = jobs.Step(step)
		if err := decodeJob(&item, docs); err != nil {
			return nil, err
		}
		ret = append(ret, &item)
	}
	return ret, rows.Err()
}

func (s *PostgresStore) UpsertJob(ctx context.Context, job *jobs.Job) error {
	if job == nil {
		return fmt.Errorf("job is nil")
	}
	docs, err := encodeJob(job)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO jobs (
			id, source, dedupe_key, input, status, current_step, last_completed_batch,
			outputs, warnings, quality_score, still_invalid, error, attempts, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO UPDATE SET
			source = EXCLUDED.source,
			dedupe_key = EXCLUDED.dedupe_key,
			input = EXCLUDED.input,
			status = EXCLUDED.status,
			current_step = EXCLUDED.current_step,
			last_completed_batch = EXCLUDED.last_completed_batch,
			outputs = EXCLUDED.outputs,
			warnings = EXCLUDED.warnings,
			quality_score = EXCLUDED.quality_score,
			still_invalid = EXCLUDED.still_invalid,
			error = EXCLUDED.error,
			attempts = EXCLUDED.attempts,
			updated_at = EXCLUDED.updated_at`,
		job.ID, job.Source, job.DedupeKey, job.Input, string(job.Status), int(job.CurrentStep), job.LastCompletedBatch,
		docs.Outputs, docs.Warnings, job.QualityScore, docs.StillInvalid, job.Error, job.Attempts,
		job.CreatedAt.UTC(), job.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert job %s: %w", job.ID, err)
	}
	return nil
}

func (s *PostgresStore) DeleteJob(ctx context.Context, jobID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM jobs WHERE id = $1`, jobID)
	return err
}

func (s *PostgresStore) DeleteJobData(_ context.Context, _ string) error {
	return nil
}

func (s *PostgresStore) SaveCredentials(ctx context.Context, creds []credential.Credential) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // no-op after commit

	if _, err := tx.Exec(ctx, `DELETE FROM credentials`); err != nil {
		return fmt.Errorf("clear credentials: %w", err)
	}
	for i, c := range creds {
		var resetAt *time.Time
		if !c.RateLimitResetAt.IsZero() {
			t := c.RateLimitResetAt.UTC()
			resetAt = &t
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO credentials (api_key, position, status, usage_count, consecutive_errors, last_error, rate_limit_reset_at, added_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			c.Key, i, string(c.Status), c.UsageCount, c.ConsecutiveErrors, c.LastError, resetAt, c.AddedAt.UTC(),
		); err != nil {
			return fmt.Errorf("insert credential: %w", err)
		}
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) LoadCredentials(ctx context.Context) ([]credential.Credential, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT api_key, status, usage_count, consecutive_errors, last_error, rate_limit_reset_at, added_at
		FROM credentials
		ORDER BY position ASC`)
	if err != nil {
		return nil, fmt.Errorf("query credentials: %w", err)
	}
	defer rows.Close()

	ret := make([]credential.Credential, 0)
	for rows.Next() {
		var c credential.Credential
		var status string
		var resetAt *time.Time
		if err := rows.Scan(&c.Key, &status, &c.UsageCount, &c.ConsecutiveErrors, &c.LastError, &resetAt, &c.AddedAt); err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		c.Status = credential.Status(status)
		if resetAt != nil {
			c.RateLimitResetAt = *resetAt
		}
		ret = append(ret, c)
	}
	return ret, rows.Err()
}

func (s *PostgresStore) CheckpointBackend(name string) checkpoint.Backend {
	return &pgCheckpoints{pool: s.pool, name: name}
}

type pgCheckpoints struct {
	pool *pgxpool.Pool
	name string
}

func (c *pgCheckpoints) Write(ctx context.Context, data []byte) error {
	_, err := c.pool.Exec(ctx, `
		INSERT INTO checkpoints (name, payload, updated_at) VALUES ($1, $2, NOW())
		ON CONFLICT (name) DO UPDATE SET payload = EXCLUDED.payload, updated_at = EXCLUDED.updated_at`,
		c.name, data)
	return err
}

func (c *pgCheckpoints) Read(ctx context.Context) ([]byte, error) {
	var payload []byte
	err := c.pool.QueryRow(ctx, `SELECT payload FROM checkpoints WHERE name = $1`, c.name).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, checkpoint.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return payload, nil
}

func (c *pgCheckpoints) Remove(ctx context.Context) error {
	_, err := c.pool.Exec(ctx, `DELETE FROM checkpoints WHERE name = $1`, c.name)
	return err
}

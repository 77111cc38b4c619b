package persistence

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/MimeLyc/scriptbatch/internal/checkpoint"
	"github.com/MimeLyc/scriptbatch/internal/credential"
	"github.com/MimeLyc/scriptbatch/internal/jobs"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// SQLiteStore keeps jobs, checkpoints and credentials in one database file.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("db path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db}
	if err := store.init(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
		return fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		return fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})
	for _, entry := range entries {
		version := migrationVersion(entry.Name())
		if entry.IsDir() || version <= 0 {
			continue
		}
		var exists int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations WHERE version = ?`, version).Scan(&exists); err != nil {
			return fmt.Errorf("check migration %s: %w", entry.Name(), err)
		}
		if exists > 0 {
			continue
		}
		content, err := migrationFiles.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}
		if _, err := s.db.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("apply migration %s: %w", entry.Name(), err)
		}
		if _, err := s.db.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES (?)`, version); err != nil {
			return fmt.Errorf("record migration %s: %w", entry.Name(), err)
		}
	}
	return nil
}

func (s *SQLiteStore) LoadJobs(ctx context.Context) ([]*jobs.Job, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, source, dedupe_key, input, status, current_step, last_completed_batch,
			outputs_json, warnings_json, quality_score, still_invalid_json, error, attempts, created_at, updated_at
		 FROM jobs
		 ORDER BY created_at ASC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ret := make([]*jobs.Job, 0)
	for rows.Next() {
		var item jobs.Job
		var status, outputs, warnings, stillInvalid string
		if err := rows.Scan(
			&item.ID,
			&item.Source,
			&item.DedupeKey,
			&item.Input,
			&status,
			&item.CurrentStep,
			&item.LastCompletedBatch,
			&outputs,
			&warnings,
			&item.QualityScore,
			&stillInvalid,
			&item.Error,
			&item.Attempts,
			&item.CreatedAt,
			&item.UpdatedAt,
		); err != nil {
			return nil, err
		}
		item.Status = jobs.Status(status)
		if err := decodeJob(&item, jobDocuments{
			Outputs:      []byte(outputs),
			Warnings:     []byte(warnings),
			StillInvalid: []byte(stillInvalid),
		}); err != nil {
			return nil, err
		}
		ret = append(ret, &item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ret, nil
}

func (s *SQLiteStore) UpsertJob(ctx context.Context, job *jobs.Job) error {
	if job == nil {
		return fmt.Errorf("job is nil")
	}
	docs, err := encodeJob(job)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO jobs (
			id, source, dedupe_key, input, status, current_step, last_completed_batch,
			outputs_json, warnings_json, quality_score, still_invalid_json, error, attempts, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			source=excluded.source,
			dedupe_key=excluded.dedupe_key,
			input=excluded.input,
			status=excluded.status,
			current_step=excluded.current_step,
			last_completed_batch=excluded.last_completed_batch,
			outputs_json=excluded.outputs_json,
			warnings_json=excluded.warnings_json,
			quality_score=excluded.quality_score,
			still_invalid_json=excluded.still_invalid_json,
			error=excluded.error,
			attempts=excluded.attempts,
			updated_at=excluded.updated_at`,
		job.ID,
		job.Source,
		job.DedupeKey,
		job.Input,
		string(job.Status),
		int(job.CurrentStep),
		job.LastCompletedBatch,
		string(docs.Outputs),
		string(docs.Warnings),
		job.QualityScore,
		string(docs.StillInvalid),
		job.Error,
		job.Attempts,
		job.CreatedAt.UTC(),
		job.UpdatedAt.UTC(),
	)
	return err
}

func (s *SQLiteStore) DeleteJob(ctx context.Context, jobID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, jobID)
	return err
}

// DeleteJobData is a no-op: job outputs live in the job row.
func (s *SQLiteStore) DeleteJobData(_ context.Context, _ string) error {
	return nil
}

// SaveCredentials replaces the stored pool.
func (s *SQLiteStore) SaveCredentials(ctx context.Context, creds []credential.Credential) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM credentials`); err != nil {
		return err
	}
	for i, c := range creds {
		var resetAt any
		if !c.RateLimitResetAt.IsZero() {
			resetAt = c.RateLimitResetAt.UTC()
		}
		if _, err = tx.ExecContext(
			ctx,
			`INSERT INTO credentials (api_key, position, status, usage_count, consecutive_errors, last_error, rate_limit_reset_at, added_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			c.Key, i, string(c.Status), c.UsageCount, c.ConsecutiveErrors, c.LastError, resetAt, c.AddedAt.UTC(),
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) LoadCredentials(ctx context.Context) ([]credential.Credential, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT api_key, status, usage_count, consecutive_errors, last_error, rate_limit_reset_at, added_at
		 FROM credentials
		 ORDER BY position ASC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ret := make([]credential.Credential, 0)
	for rows.Next() {
		var c credential.Credential
		var status string
		var resetAt sql.NullTime
		if err := rows.Scan(&c.Key, &status, &c.UsageCount, &c.ConsecutiveErrors, &c.LastError, &resetAt, &c.AddedAt); err != nil {
			return nil, err
		}
		c.Status = credential.Status(status)
		if resetAt.Valid {
			c.RateLimitResetAt = resetAt.Time
		}
		ret = append(ret, c)
	}
	return ret, rows.Err()
}

// CheckpointBackend stores checkpoints in the checkpoints table under name.
func (s *SQLiteStore) CheckpointBackend(name string) checkpoint.Backend {
	return &sqliteCheckpoints{db: s.db, name: name}
}

type sqliteCheckpoints struct {
	db   *sql.DB
	name string
}

func (c *sqliteCheckpoints) Write(ctx context.Context, data []byte) error {
	_, err := c.db.ExecContext(
		ctx,
		`INSERT INTO checkpoints (name, payload, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET payload=excluded.payload, updated_at=excluded.updated_at`,
		c.name, string(data), time.Now().UTC(),
	)
	return err
}

func (c *sqliteCheckpoints) Read(ctx context.Context) ([]byte, error) {
	var payload string
	err := c.db.QueryRowContext(ctx, `SELECT payload FROM checkpoints WHERE name = ?`, c.name).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, checkpoint.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return []byte(payload), nil
}

func (c *sqliteCheckpoints) Remove(ctx context.Context) error {
	_, err := c.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE name = ?`, c.name)
	return err
}

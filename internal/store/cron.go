package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/moltisdev/moltis/internal/models"
)

// CronStore persists cron jobs and their run history.
type CronStore struct {
	db *DB
}

// NewCronStore constructs a CronStore over db.
func NewCronStore(db *DB) *CronStore {
	return &CronStore{db: db}
}

// UpsertJob inserts or replaces a cron job row.
func (s *CronStore) UpsertJob(job *models.CronJob) error {
	scheduleJSON, err := json.Marshal(job.Schedule)
	if err != nil {
		return err
	}
	payloadJSON, err := json.Marshal(job.Payload)
	if err != nil {
		return err
	}
	var lastRun, nextFire any
	if job.LastRunAt != nil {
		lastRun = job.LastRunAt.UnixMilli()
	}
	if job.NextFireAt != nil {
		nextFire = job.NextFireAt.UnixMilli()
	}

	_, err = s.db.conn.Exec(`
		INSERT INTO cron_jobs (id, name, schedule_json, payload_json, session_target, enabled, delete_after_run, created_at, updated_at, last_run_at, next_fire_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			schedule_json = excluded.schedule_json,
			payload_json = excluded.payload_json,
			session_target = excluded.session_target,
			enabled = excluded.enabled,
			delete_after_run = excluded.delete_after_run,
			updated_at = excluded.updated_at,
			last_run_at = excluded.last_run_at,
			next_fire_at = excluded.next_fire_at`,
		job.ID, job.Name, string(scheduleJSON), string(payloadJSON), string(job.SessionTarget),
		boolToInt(job.Enabled), boolToInt(job.DeleteAfterRun), job.CreatedAt.UnixMilli(),
		job.UpdatedAt.UnixMilli(), lastRun, nextFire)
	return err
}

// DeleteJob removes a job and its run history. The runs are deleted
// explicitly because the connection does not enable SQLite foreign-key
// enforcement, so the schema's ON DELETE CASCADE does not fire.
func (s *CronStore) DeleteJob(id string) error {
	if _, err := s.db.conn.Exec(`DELETE FROM cron_runs WHERE job_id = ?`, id); err != nil {
		return err
	}
	_, err := s.db.conn.Exec(`DELETE FROM cron_jobs WHERE id = ?`, id)
	return err
}

// GetJob returns one job by id.
func (s *CronStore) GetJob(id string) (*models.CronJob, error) {
	row := s.db.conn.QueryRow(`
		SELECT id, name, schedule_json, payload_json, session_target, enabled, delete_after_run, created_at, updated_at, last_run_at, next_fire_at
		FROM cron_jobs WHERE id = ?`, id)
	return scanCronJob(row)
}

// ListJobs returns every configured job.
func (s *CronStore) ListJobs() ([]*models.CronJob, error) {
	rows, err := s.db.conn.Query(`
		SELECT id, name, schedule_json, payload_json, session_target, enabled, delete_after_run, created_at, updated_at, last_run_at, next_fire_at
		FROM cron_jobs ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.CronJob
	for rows.Next() {
		job, err := scanCronJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func scanCronJob(row scanner) (*models.CronJob, error) {
	var job models.CronJob
	var scheduleJSON, payloadJSON, sessionTarget string
	var enabled, deleteAfterRun int
	var createdAt, updatedAt int64
	var lastRunAt, nextFireAt sql.NullInt64

	err := row.Scan(&job.ID, &job.Name, &scheduleJSON, &payloadJSON, &sessionTarget,
		&enabled, &deleteAfterRun, &createdAt, &updatedAt, &lastRunAt, &nextFireAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(scheduleJSON), &job.Schedule); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(payloadJSON), &job.Payload); err != nil {
		return nil, err
	}
	job.SessionTarget = models.SessionTarget(sessionTarget)
	job.Enabled = enabled != 0
	job.DeleteAfterRun = deleteAfterRun != 0
	job.CreatedAt = time.UnixMilli(createdAt)
	job.UpdatedAt = time.UnixMilli(updatedAt)
	if lastRunAt.Valid {
		t := time.UnixMilli(lastRunAt.Int64)
		job.LastRunAt = &t
	}
	if nextFireAt.Valid {
		t := time.UnixMilli(nextFireAt.Int64)
		job.NextFireAt = &t
	}
	return &job, nil
}

// AppendRun inserts a CronRun record. Pass capPerJob > 0 to prune older
// runs beyond that count for the same job, bounding the run history.
func (s *CronStore) AppendRun(run *models.CronRun, capPerJob int) error {
	var endedAt any
	if run.EndedAt != nil {
		endedAt = run.EndedAt.UnixMilli()
	}
	_, err := s.db.conn.Exec(`
		INSERT INTO cron_runs (id, job_id, started_at, ended_at, outcome, output, input_tokens, output_tokens, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.JobID, run.StartedAt.UnixMilli(), endedAt, string(run.Outcome),
		run.Output, run.InputTokens, run.OutputTokens, run.ErrorMessage)
	if err != nil {
		return err
	}
	if capPerJob <= 0 {
		return nil
	}
	_, err = s.db.conn.Exec(`
		DELETE FROM cron_runs WHERE job_id = ? AND id NOT IN (
			SELECT id FROM cron_runs WHERE job_id = ? ORDER BY started_at DESC LIMIT ?
		)`, run.JobID, run.JobID, capPerJob)
	return err
}

// ListRuns returns the most recent runs for a job, newest first.
func (s *CronStore) ListRuns(jobID string, limit int) ([]*models.CronRun, error) {
	rows, err := s.db.conn.Query(`
		SELECT id, job_id, started_at, ended_at, outcome, output, input_tokens, output_tokens, error_message
		FROM cron_runs WHERE job_id = ? ORDER BY started_at DESC LIMIT ?`, jobID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.CronRun
	for rows.Next() {
		var run models.CronRun
		var startedAt int64
		var endedAt sql.NullInt64
		if err := rows.Scan(&run.ID, &run.JobID, &startedAt, &endedAt, &run.Outcome,
			&run.Output, &run.InputTokens, &run.OutputTokens, &run.ErrorMessage); err != nil {
			return nil, err
		}
		run.StartedAt = time.UnixMilli(startedAt)
		if endedAt.Valid {
			t := time.UnixMilli(endedAt.Int64)
			run.EndedAt = &t
		}
		out = append(out, &run)
	}
	return out, rows.Err()
}

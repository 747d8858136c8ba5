package scheduler

import (
	"database/sql"
	"time"

	"github.com/google/uuid"

	"catalogd/internal/storerail"
)

// Migrations is the scheduler database's schema history.
func Migrations() []storerail.Migration {
	return []storerail.Migration{
		{
			Version:     1,
			Description: "create job_runs and job_schedules",
			Apply: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
				CREATE TABLE job_runs (
					id TEXT PRIMARY KEY,
					job_id TEXT NOT NULL,
					started_at DATETIME NOT NULL,
					finished_at DATETIME,
					status TEXT NOT NULL,
					error TEXT,
					triggered_by TEXT NOT NULL
				);
				CREATE INDEX idx_job_runs_job_id ON job_runs(job_id);
				CREATE INDEX idx_job_runs_status ON job_runs(status);

				CREATE TABLE job_schedules (
					job_id TEXT PRIMARY KEY,
					next_run_at DATETIME,
					last_run_at DATETIME
				);
				`)
				return err
			},
		},
	}
}

// Store is the sqlite-backed persistence layer for job runs and schedule state.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// RecordJobStart inserts a Running row and returns its run id. It does not
// check for an existing Running row for this job; single-instance
// enforcement is done at the caller (Scheduler.dispatch) via an in-memory
// map of running jobs.
func (s *Store) RecordJobStart(jobID, triggeredBy string, now time.Time) (string, error) {
	runID := uuid.New().String()
	_, err := s.db.Exec(`INSERT INTO job_runs (id, job_id, started_at, status, triggered_by) VALUES (?, ?, ?, ?, ?)`,
		runID, jobID, now, RunRunning, triggeredBy)
	if err != nil {
		return "", err
	}
	return runID, nil
}

func (s *Store) FinishRun(runID string, status RunStatus, errMsg string, now time.Time) error {
	_, err := s.db.Exec(`UPDATE job_runs SET finished_at=?, status=?, error=? WHERE id=?`, now, status, errMsg, runID)
	return err
}

// SweepStaleRunning marks every Running row Failed on boot, the scheduler's
// analogue of the queue engine's MarkStaleInProgressFailed.
func (s *Store) SweepStaleRunning(now time.Time) (int64, error) {
	res, err := s.db.Exec(`UPDATE job_runs SET status=?, finished_at=?, error=? WHERE status=?`,
		RunFailed, now, "interrupted (server restart)", RunRunning)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// IsRunning reports whether a job currently has a Running row.
func (s *Store) IsRunning(jobID string) (bool, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM job_runs WHERE job_id=? AND status=?`, jobID, RunRunning).Scan(&count)
	return count > 0, err
}

func (s *Store) History(jobID string, limit int) ([]*JobRun, error) {
	rows, err := s.db.Query(`SELECT id, job_id, started_at, finished_at, status, COALESCE(error,''), triggered_by
		FROM job_runs WHERE job_id=? ORDER BY started_at DESC LIMIT ?`, jobID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*JobRun
	for rows.Next() {
		var r JobRun
		var finishedAt sql.NullTime
		if err := rows.Scan(&r.ID, &r.JobID, &r.StartedAt, &finishedAt, &r.Status, &r.Error, &r.TriggeredBy); err != nil {
			return nil, err
		}
		if finishedAt.Valid {
			r.FinishedAt = &finishedAt.Time
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

func (s *Store) UpsertSchedule(jobID string, nextRunAt, lastRunAt *time.Time) error {
	_, err := s.db.Exec(`INSERT INTO job_schedules (job_id, next_run_at, last_run_at) VALUES (?, ?, ?)
		ON CONFLICT(job_id) DO UPDATE SET next_run_at=excluded.next_run_at, last_run_at=excluded.last_run_at`,
		jobID, nextRunAt, lastRunAt)
	return err
}

func (s *Store) GetSchedule(jobID string) (*JobScheduleState, error) {
	row := s.db.QueryRow(`SELECT job_id, next_run_at, last_run_at FROM job_schedules WHERE job_id=?`, jobID)
	var st JobScheduleState
	var nextRunAt, lastRunAt sql.NullTime
	err := row.Scan(&st.JobID, &nextRunAt, &lastRunAt)
	if err == sql.ErrNoRows {
		return &JobScheduleState{JobID: jobID}, nil
	}
	if err != nil {
		return nil, err
	}
	if nextRunAt.Valid {
		st.NextRunAt = &nextRunAt.Time
	}
	if lastRunAt.Valid {
		st.LastRunAt = &lastRunAt.Time
	}
	return &st, nil
}

package ingestion

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"catalogd/internal/apperrors"
	"catalogd/internal/ingestion/llm"
	"catalogd/internal/storerail"
)

// Migrations is the ingestion database's schema history.
func Migrations() []storerail.Migration {
	return []storerail.Migration{
		{
			Version:     1,
			Description: "create ingestion_jobs, ingestion_files and workflows",
			Apply: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
				CREATE TABLE ingestion_jobs (
					id TEXT PRIMARY KEY,
					status TEXT NOT NULL,
					workflow_id TEXT,
					album_id TEXT,
					ticket_type TEXT,
					error_message TEXT,
					created_at DATETIME NOT NULL,
					updated_at DATETIME NOT NULL
				);

				CREATE TABLE ingestion_files (
					id TEXT PRIMARY KEY,
					job_id TEXT NOT NULL,
					source_path TEXT NOT NULL,
					duration_seconds REAL NOT NULL DEFAULT 0,
					codec TEXT,
					bitrate_kbps INTEGER NOT NULL DEFAULT 0,
					tags TEXT NOT NULL DEFAULT '{}',
					matched_track_id TEXT,
					match_source TEXT,
					duration_delta_secs REAL,
					conversion_reason TEXT,
					error_message TEXT
				);
				CREATE INDEX idx_ingestion_files_job ON ingestion_files(job_id);

				CREATE TABLE workflows (
					id TEXT PRIMARY KEY,
					job_id TEXT NOT NULL,
					messages TEXT NOT NULL DEFAULT '[]',
					state TEXT NOT NULL DEFAULT '{}',
					iteration_count INTEGER NOT NULL DEFAULT 0,
					max_iterations INTEGER NOT NULL DEFAULT 32,
					created_at DATETIME NOT NULL,
					updated_at DATETIME NOT NULL
				);
				`)
				return err
			},
		},
	}
}

type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// CreateJob inserts a new ingestion job in JobPending status.
func (s *Store) CreateJob(job *IngestionJob) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	job.CreatedAt, job.UpdatedAt = now, now
	if job.Status == "" {
		job.Status = JobPending
	}

	_, err := s.db.Exec(`
		INSERT INTO ingestion_jobs (id, status, workflow_id, album_id, ticket_type, error_message, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, string(job.Status), job.WorkflowID, job.AlbumID, ticketTypePtr(job.TicketType), job.ErrorMessage, job.CreatedAt, job.UpdatedAt,
	)
	return apperrors.Wrap("ingestion.Store.CreateJob", apperrors.KindStorage, err)
}

func ticketTypePtr(t *TicketType) *string {
	if t == nil {
		return nil
	}
	s := string(*t)
	return &s
}

// GetJob fetches one ingestion job by id.
func (s *Store) GetJob(id string) (*IngestionJob, error) {
	row := s.db.QueryRow(`
		SELECT id, status, workflow_id, album_id, ticket_type, error_message, created_at, updated_at
		FROM ingestion_jobs WHERE id = ?`, id)

	var job IngestionJob
	var status, workflowID, albumID, ticketType, errMsg sql.NullString
	if err := row.Scan(&job.ID, &status, &workflowID, &albumID, &ticketType, &errMsg, &job.CreatedAt, &job.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, apperrors.New("ingestion.Store.GetJob", apperrors.KindNotFound, "ingestion job not found: "+id)
		}
		return nil, apperrors.Wrap("ingestion.Store.GetJob", apperrors.KindStorage, err)
	}

	job.Status = JobStatus(status.String)
	if workflowID.Valid {
		job.WorkflowID = &workflowID.String
	}
	if albumID.Valid {
		job.AlbumID = &albumID.String
	}
	if ticketType.Valid {
		tt := TicketType(ticketType.String)
		job.TicketType = &tt
	}
	if errMsg.Valid {
		job.ErrorMessage = &errMsg.String
	}
	return &job, nil
}

// UpdateJobStatus advances a job's lifecycle status, optionally attaching
// a workflow id, album id, ticket type, or error message.
func (s *Store) UpdateJobStatus(id string, status JobStatus, workflowID, albumID *string, ticketType *TicketType, errMsg *string) error {
	res, err := s.db.Exec(`
		UPDATE ingestion_jobs
		SET status = ?, workflow_id = COALESCE(?, workflow_id), album_id = COALESCE(?, album_id),
		    ticket_type = COALESCE(?, ticket_type), error_message = COALESCE(?, error_message), updated_at = ?
		WHERE id = ?`,
		string(status), workflowID, albumID, ticketTypePtr(ticketType), errMsg, time.Now().UTC(), id,
	)
	if err != nil {
		return apperrors.Wrap("ingestion.Store.UpdateJobStatus", apperrors.KindStorage, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return apperrors.New("ingestion.Store.UpdateJobStatus", apperrors.KindNotFound, "ingestion job not found: "+id)
	}
	return nil
}

// CreateFile records one uploaded file under a job.
func (s *Store) CreateFile(f *IngestionFile) error {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	tags, err := json.Marshal(f.Tags)
	if err != nil {
		return apperrors.Wrap("ingestion.Store.CreateFile", apperrors.KindParse, err)
	}

	_, err = s.db.Exec(`
		INSERT INTO ingestion_files (id, job_id, source_path, duration_seconds, codec, bitrate_kbps, tags)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.JobID, f.SourcePath, f.DurationSeconds, f.Codec, f.BitrateKbps, string(tags),
	)
	return apperrors.Wrap("ingestion.Store.CreateFile", apperrors.KindStorage, err)
}

// RecordFileMatch persists a resolved file-to-track mapping. A database
// failure is returned as a KindStorage error.
func (s *Store) RecordFileMatch(fileID, trackID string, source MatchSource, durationDelta float64) error {
	_, err := s.db.Exec(`
		UPDATE ingestion_files
		SET matched_track_id = ?, match_source = ?, duration_delta_secs = ?
		WHERE id = ?`,
		trackID, string(source), durationDelta, fileID,
	)
	return apperrors.Wrap("ingestion.Store.RecordFileMatch", apperrors.KindStorage, err)
}

// RecordFileError attaches a per-file failure without touching the job.
func (s *Store) RecordFileError(fileID, message string) error {
	_, err := s.db.Exec(`UPDATE ingestion_files SET error_message = ? WHERE id = ?`, message, fileID)
	return apperrors.Wrap("ingestion.Store.RecordFileError", apperrors.KindStorage, err)
}

// RecordConversion persists the per-file conversion_reason once the
// Converting step has decided whether to transcode.
func (s *Store) RecordConversion(fileID string, reason ConversionReason) error {
	_, err := s.db.Exec(`UPDATE ingestion_files SET conversion_reason = ? WHERE id = ?`, string(reason), fileID)
	return apperrors.Wrap("ingestion.Store.RecordConversion", apperrors.KindStorage, err)
}

// FilesForJob lists every file tracked under a job.
func (s *Store) FilesForJob(jobID string) ([]*IngestionFile, error) {
	rows, err := s.db.Query(`
		SELECT id, job_id, source_path, duration_seconds, codec, bitrate_kbps, tags,
		       matched_track_id, match_source, duration_delta_secs, conversion_reason, error_message
		FROM ingestion_files WHERE job_id = ?`, jobID)
	if err != nil {
		return nil, apperrors.Wrap("ingestion.Store.FilesForJob", apperrors.KindStorage, err)
	}
	defer rows.Close()

	var files []*IngestionFile
	for rows.Next() {
		var f IngestionFile
		var codec, matchedTrack, matchSource, conversionReason, errMsg sql.NullString
		var durationDelta sql.NullFloat64
		var tagsJSON string
		if err := rows.Scan(&f.ID, &f.JobID, &f.SourcePath, &f.DurationSeconds, &codec, &f.BitrateKbps, &tagsJSON,
			&matchedTrack, &matchSource, &durationDelta, &conversionReason, &errMsg); err != nil {
			return nil, apperrors.Wrap("ingestion.Store.FilesForJob", apperrors.KindStorage, err)
		}
		if codec.Valid {
			f.Codec = codec.String
		}
		_ = json.Unmarshal([]byte(tagsJSON), &f.Tags)
		if matchedTrack.Valid {
			f.MatchedTrackID = &matchedTrack.String
		}
		if matchSource.Valid {
			ms := MatchSource(matchSource.String)
			f.MatchSource = &ms
		}
		if durationDelta.Valid {
			f.DurationDeltaSecs = &durationDelta.Float64
		}
		if conversionReason.Valid {
			cr := ConversionReason(conversionReason.String)
			f.ConversionReason = &cr
		}
		if errMsg.Valid {
			f.ErrorMessage = &errMsg.String
		}
		files = append(files, &f)
	}
	return files, rows.Err()
}

// CreateWorkflow persists a fresh Started workflow.
func (s *Store) CreateWorkflow(wf *Workflow) error {
	if wf.ID == "" {
		wf.ID = uuid.NewString()
	}
	if wf.MaxIterations <= 0 {
		wf.MaxIterations = DefaultMaxIterations
	}
	now := time.Now().UTC()
	wf.CreatedAt, wf.UpdatedAt = now, now
	if wf.State.Kind == "" {
		wf.State = WorkflowState{Kind: StateStarted}
	}

	return s.SaveWorkflow(wf)
}

// SaveWorkflow writes a full snapshot of the workflow, called after every
// Step so a restart can resume exactly where it left off.
func (s *Store) SaveWorkflow(wf *Workflow) error {
	messages, err := json.Marshal(wf.Messages)
	if err != nil {
		return apperrors.Wrap("ingestion.Store.SaveWorkflow", apperrors.KindParse, err)
	}
	state, err := json.Marshal(wf.State)
	if err != nil {
		return apperrors.Wrap("ingestion.Store.SaveWorkflow", apperrors.KindParse, err)
	}
	wf.UpdatedAt = time.Now().UTC()

	_, err = s.db.Exec(`
		INSERT INTO workflows (id, job_id, messages, state, iteration_count, max_iterations, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			messages = excluded.messages, state = excluded.state,
			iteration_count = excluded.iteration_count, updated_at = excluded.updated_at`,
		wf.ID, wf.JobID, string(messages), string(state), wf.IterationCount, wf.MaxIterations, wf.CreatedAt, wf.UpdatedAt,
	)
	return apperrors.Wrap("ingestion.Store.SaveWorkflow", apperrors.KindStorage, err)
}

// GetWorkflow reloads a persisted workflow snapshot, e.g. after a restart.
func (s *Store) GetWorkflow(id string) (*Workflow, error) {
	row := s.db.QueryRow(`
		SELECT id, job_id, messages, state, iteration_count, max_iterations, created_at, updated_at
		FROM workflows WHERE id = ?`, id)

	var wf Workflow
	var messagesJSON, stateJSON string
	if err := row.Scan(&wf.ID, &wf.JobID, &messagesJSON, &stateJSON, &wf.IterationCount, &wf.MaxIterations, &wf.CreatedAt, &wf.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, apperrors.New("ingestion.Store.GetWorkflow", apperrors.KindNotFound, "workflow not found: "+id)
		}
		return nil, apperrors.Wrap("ingestion.Store.GetWorkflow", apperrors.KindStorage, err)
	}

	var messages []llm.Message
	if err := json.Unmarshal([]byte(messagesJSON), &messages); err != nil {
		return nil, apperrors.Wrap("ingestion.Store.GetWorkflow", apperrors.KindParse, err)
	}
	wf.Messages = messages

	var state WorkflowState
	if err := json.Unmarshal([]byte(stateJSON), &state); err != nil {
		return nil, apperrors.Wrap("ingestion.Store.GetWorkflow", apperrors.KindParse, err)
	}
	wf.State = state

	return &wf, nil
}

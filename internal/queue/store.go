package queue

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"catalogd/internal/apperrors"
	"catalogd/internal/storerail"
)

// Migrations is the queue database's schema history, passed to
// storerail.Open by the server's startup wiring.
func Migrations() []storerail.Migration {
	return []storerail.Migration{
		{
			Version:     1,
			Description: "create queue_items and audit_log",
			Apply: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
				CREATE TABLE queue_items (
					id TEXT PRIMARY KEY,
					parent_id TEXT,
					status TEXT NOT NULL,
					priority INTEGER NOT NULL,
					content_kind TEXT NOT NULL,
					content_id TEXT NOT NULL,
					display_name TEXT,
					request_source TEXT NOT NULL,
					requested_by TEXT,
					created_at DATETIME NOT NULL,
					started_at DATETIME,
					completed_at DATETIME,
					last_attempt_at DATETIME,
					next_retry_at DATETIME,
					retry_count INTEGER NOT NULL DEFAULT 0,
					max_retries INTEGER NOT NULL DEFAULT 5,
					error_kind TEXT,
					error_message TEXT,
					bytes_downloaded INTEGER NOT NULL DEFAULT 0,
					processing_millis INTEGER NOT NULL DEFAULT 0,
					ephemeral BOOLEAN NOT NULL DEFAULT FALSE
				);
				CREATE INDEX idx_queue_items_status ON queue_items(status);
				CREATE INDEX idx_queue_items_parent ON queue_items(parent_id);
				CREATE UNIQUE INDEX idx_queue_items_active_content
					ON queue_items(content_kind, content_id)
					WHERE status NOT IN ('completed', 'failed');

				CREATE TABLE audit_log (
					id TEXT PRIMARY KEY,
					queue_id TEXT,
					kind TEXT NOT NULL,
					detail TEXT NOT NULL DEFAULT '{}',
					timestamp DATETIME NOT NULL
				);
				CREATE INDEX idx_audit_log_queue_id ON audit_log(queue_id);
				`)
				return err
			},
		},
	}
}

const itemColumns = `id, parent_id, status, priority, content_kind, content_id,
	COALESCE(display_name,''), request_source, requested_by,
	created_at, started_at, completed_at, last_attempt_at, next_retry_at,
	retry_count, max_retries, error_kind, COALESCE(error_message,''),
	bytes_downloaded, processing_millis, ephemeral`

// Store is the sqlite-backed persistence layer for queue items and the
// audit log, mirroring kingo's DownloadRepository shape.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func scanItem(row interface{ Scan(...any) error }) (*QueueItem, error) {
	var it QueueItem
	var parentID, requestedBy, errKind sql.NullString
	var startedAt, completedAt, lastAttemptAt, nextRetryAt sql.NullTime

	err := row.Scan(
		&it.ID, &parentID, &it.Status, &it.Priority, &it.ContentKind, &it.ContentID,
		&it.DisplayName, &it.RequestSource, &requestedBy,
		&it.CreatedAt, &startedAt, &completedAt, &lastAttemptAt, &nextRetryAt,
		&it.RetryCount, &it.MaxRetries, &errKind, &it.ErrorMessage,
		&it.BytesDownloaded, &it.ProcessingMillis, &it.Ephemeral,
	)
	if err != nil {
		return nil, err
	}
	if parentID.Valid {
		it.ParentID = &parentID.String
	}
	if requestedBy.Valid {
		it.RequestedBy = &requestedBy.String
	}
	if errKind.Valid {
		k := ErrorKind(errKind.String)
		it.ErrorKind = &k
	}
	if startedAt.Valid {
		it.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		it.CompletedAt = &completedAt.Time
	}
	if lastAttemptAt.Valid {
		it.LastAttemptAt = &lastAttemptAt.Time
	}
	if nextRetryAt.Valid {
		it.NextRetryAt = &nextRetryAt.Time
	}
	return &it, nil
}

// Create inserts a new item, assigning an id if unset. If ParentID is
// set, the parent must exist and be an album item — only album fan-out
// may create children.
func (s *Store) Create(it *QueueItem) error {
	if it.ID == "" {
		it.ID = uuid.New().String()
	}
	if it.CreatedAt.IsZero() {
		it.CreatedAt = time.Now()
	}
	if it.ParentID != nil {
		parent, err := s.GetByID(*it.ParentID)
		if err != nil {
			return err
		}
		if parent.ContentKind != ContentAlbum {
			return apperrors.New("queue.Store.Create", apperrors.KindInvalidMessage, "parent item is not an album")
		}
	}
	_, err := s.db.Exec(`
		INSERT INTO queue_items (id, parent_id, status, priority, content_kind, content_id,
			display_name, request_source, requested_by, created_at, retry_count, max_retries, ephemeral)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		it.ID, it.ParentID, it.Status, it.Priority, it.ContentKind, it.ContentID,
		it.DisplayName, it.RequestSource, it.RequestedBy, it.CreatedAt, it.RetryCount, it.MaxRetries, it.Ephemeral,
	)
	return err
}

// ListActive returns every non-terminal item ordered by priority then
// creation time, the same ordering ClaimNextReady dispatches in — the
// basis for reporting an enqueued item's position in the queue.
func (s *Store) ListActive() ([]*QueueItem, error) {
	rows, err := s.db.Query(`SELECT ` + itemColumns + ` FROM queue_items
		WHERE status NOT IN ('completed', 'failed')
		ORDER BY priority ASC, created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*QueueItem
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// ExistsActiveByContent checks for a non-terminal item with the same
// (content_kind, content_id) pair, the direct ancestor of kingo's
// ExistsActiveByURL duplicate-download guard.
func (s *Store) ExistsActiveByContent(kind ContentKind, contentID string) (*QueueItem, error) {
	row := s.db.QueryRow(`SELECT `+itemColumns+` FROM queue_items
		WHERE content_kind = ? AND content_id = ? AND status NOT IN ('completed', 'failed') LIMIT 1`,
		kind, contentID)
	it, err := scanItem(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return it, err
}

func (s *Store) GetByID(id string) (*QueueItem, error) {
	row := s.db.QueryRow(`SELECT `+itemColumns+` FROM queue_items WHERE id = ?`, id)
	it, err := scanItem(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.New("queue.Store.GetByID", apperrors.KindNotFound, "queue item not found")
	}
	return it, err
}

// ClaimNextReady picks the highest-priority, oldest ready item and
// atomically transitions it Pending/RetryWaiting→InProgress. Returns
// (nil, nil) if nothing is ready. A lost race (another worker claimed the
// row first) shows as 0 affected rows, and ClaimNextReady then moves on to
// the next candidate rather than returning an error.
func (s *Store) ClaimNextReady(now time.Time) (*QueueItem, error) {
	rows, err := s.db.Query(`
		SELECT id FROM queue_items
		WHERE status = 'pending' OR (status = 'retry_waiting' AND next_retry_at <= ?)
		ORDER BY priority ASC, created_at ASC
		LIMIT 20`, now)
	if err != nil {
		return nil, err
	}
	var candidates []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		candidates = append(candidates, id)
	}
	rows.Close()

	for _, id := range candidates {
		res, err := s.db.Exec(`
			UPDATE queue_items SET status = 'in_progress', started_at = COALESCE(started_at, ?), last_attempt_at = ?
			WHERE id = ? AND (status = 'pending' OR (status = 'retry_waiting' AND next_retry_at <= ?))`,
			now, now, id, now)
		if err != nil {
			return nil, err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if affected == 0 {
			continue // lost the race to another worker
		}
		return s.GetByID(id)
	}
	return nil, nil
}

func (s *Store) MarkCompleted(id string, bytesDownloaded int64, processingMillis int64, now time.Time) error {
	_, err := s.db.Exec(`UPDATE queue_items SET status='completed', completed_at=?, bytes_downloaded=?, processing_millis=? WHERE id=?`,
		now, bytesDownloaded, processingMillis, id)
	return err
}

func (s *Store) MarkFailed(id string, kind ErrorKind, message string, now time.Time) error {
	_, err := s.db.Exec(`UPDATE queue_items SET status='failed', completed_at=?, error_kind=?, error_message=? WHERE id=?`,
		now, kind, message, id)
	return err
}

func (s *Store) ScheduleRetry(id string, kind ErrorKind, message string, nextRetryAt time.Time, retryCount int) error {
	_, err := s.db.Exec(`UPDATE queue_items SET status='retry_waiting', next_retry_at=?, retry_count=?, error_kind=?, error_message=? WHERE id=?`,
		nextRetryAt, retryCount, kind, message, id)
	return err
}

// AdminRetry resets a Failed item back to Pending. Returns InvalidStateTransition
// if the item is not currently Failed.
func (s *Store) AdminRetry(id string) error {
	res, err := s.db.Exec(`UPDATE queue_items SET status='pending', retry_count=0, error_kind=NULL, error_message=NULL,
		started_at=NULL, completed_at=NULL, next_retry_at=NULL WHERE id=? AND status='failed'`, id)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return apperrors.New("queue.Store.AdminRetry", apperrors.KindInvalidStateTransition, "item is not in Failed state")
	}
	return nil
}

// Cancel transitions a Pending/RetryWaiting item directly to Failed.
func (s *Store) Cancel(id string, now time.Time) error {
	res, err := s.db.Exec(`UPDATE queue_items SET status='failed', completed_at=?, error_kind='unknown', error_message='cancelled'
		WHERE id=? AND status IN ('pending', 'retry_waiting')`, now, id)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return apperrors.New("queue.Store.Cancel", apperrors.KindInvalidStateTransition, "item is not cancellable from its current state")
	}
	return nil
}

func (s *Store) Children(parentID string) ([]*QueueItem, error) {
	rows, err := s.db.Query(`SELECT `+itemColumns+` FROM queue_items WHERE parent_id = ?`, parentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*QueueItem
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// MarkStaleInProgressFailed sweeps items left InProgress by a crashed
// process into Failed, the queue engine's analogue of the scheduler's
// stale-run recovery.
func (s *Store) MarkStaleInProgressFailed(now time.Time) (int64, error) {
	res, err := s.db.Exec(`UPDATE queue_items SET status='failed', completed_at=?, error_kind='unknown',
		error_message='interrupted (server restart)' WHERE status='in_progress'`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// PruneEphemeralTerminal deletes ephemeral items that reached a terminal
// state before cutoff, so flaky watchdog scans do not bloat history.
func (s *Store) PruneEphemeralTerminal(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM queue_items WHERE ephemeral = TRUE AND status IN ('completed','failed') AND completed_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// AppendAudit writes one audit log row.
func (s *Store) AppendAudit(entry *AuditEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	detail, err := json.Marshal(entry.Detail)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO audit_log (id, queue_id, kind, detail, timestamp) VALUES (?, ?, ?, ?, ?)`,
		entry.ID, entry.QueueID, entry.Kind, string(detail), entry.Timestamp)
	return err
}

func (s *Store) AuditForQueueItem(queueID string) ([]*AuditEntry, error) {
	rows, err := s.db.Query(`SELECT id, queue_id, kind, detail, timestamp FROM audit_log WHERE queue_id = ? ORDER BY timestamp ASC`, queueID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*AuditEntry
	for rows.Next() {
		var e AuditEntry
		var queueID sql.NullString
		var detail string
		if err := rows.Scan(&e.ID, &queueID, &e.Kind, &detail, &e.Timestamp); err != nil {
			return nil, err
		}
		if queueID.Valid {
			e.QueueID = &queueID.String
		}
		_ = json.Unmarshal([]byte(detail), &e.Detail)
		out = append(out, &e)
	}
	return out, rows.Err()
}

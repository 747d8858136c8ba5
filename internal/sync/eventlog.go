package sync

import (
	"database/sql"
	"encoding/json"
	"time"

	"catalogd/internal/storerail"
)

// EventLogMigrations is the per-user event log's schema history.
func EventLogMigrations() []storerail.Migration {
	return []storerail.Migration{
		{
			Version:     1,
			Description: "create user_events and user_seq_counters",
			Apply: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
				CREATE TABLE user_seq_counters (
					user_id TEXT PRIMARY KEY,
					seq INTEGER NOT NULL
				);

				CREATE TABLE user_events (
					user_id TEXT NOT NULL,
					seq INTEGER NOT NULL,
					kind TEXT NOT NULL,
					payload TEXT NOT NULL DEFAULT '{}',
					server_timestamp DATETIME NOT NULL,
					PRIMARY KEY (user_id, seq)
				);
				CREATE INDEX idx_user_events_timestamp ON user_events(server_timestamp);
				`)
				return err
			},
		},
	}
}

// EventLog is the sqlite-backed per-user append-only event log. Sequence
// allocation and the row insert happen in one transaction so seq values
// are dense with no gaps even under concurrent appends.
type EventLog struct {
	db *sql.DB
}

func NewEventLog(db *sql.DB) *EventLog {
	return &EventLog{db: db}
}

// AppendEvent atomically allocates the next seq for userID and durably
// writes the event.
func (l *EventLog) AppendEvent(userID string, event UserEvent) (*StoredEvent, error) {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return nil, err
	}

	tx, err := l.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`INSERT INTO user_seq_counters (user_id, seq) VALUES (?, 1)
		ON CONFLICT(user_id) DO UPDATE SET seq = seq + 1`, userID); err != nil {
		return nil, err
	}

	var seq int64
	if err := tx.QueryRow(`SELECT seq FROM user_seq_counters WHERE user_id = ?`, userID).Scan(&seq); err != nil {
		return nil, err
	}

	now := time.Now()
	if _, err := tx.Exec(`INSERT INTO user_events (user_id, seq, kind, payload, server_timestamp) VALUES (?, ?, ?, ?, ?)`,
		userID, seq, event.Kind, string(payload), now); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return &StoredEvent{Seq: seq, UserID: userID, Event: event, ServerTimestamp: now}, nil
}

// EventsSince returns events with seq > fromSeq in ascending order, capped at limit.
func (l *EventLog) EventsSince(userID string, fromSeq int64, limit int) ([]*StoredEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := l.db.Query(`SELECT seq, kind, payload, server_timestamp FROM user_events
		WHERE user_id = ? AND seq > ? ORDER BY seq ASC LIMIT ?`, userID, fromSeq, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*StoredEvent
	for rows.Next() {
		var e StoredEvent
		var payload string
		e.UserID = userID
		if err := rows.Scan(&e.Seq, &e.Event.Kind, &payload, &e.ServerTimestamp); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(payload), &e.Event.Payload)
		out = append(out, &e)
	}
	return out, rows.Err()
}

// PruneBefore deletes events with server_timestamp < cutoff, returning the
// count removed. It does not reset user_seq_counters, so subsequent
// AppendEvent calls continue from a higher seq than any previously seen.
func (l *EventLog) PruneBefore(cutoff time.Time) (int64, error) {
	res, err := l.db.Exec(`DELETE FROM user_events WHERE server_timestamp < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

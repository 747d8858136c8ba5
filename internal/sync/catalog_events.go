package sync

import (
	"database/sql"
	"time"

	"catalogd/internal/storerail"
)

// CatalogEventMigrations is the process-wide catalog-invalidation log's
// schema history.
func CatalogEventMigrations() []storerail.Migration {
	return []storerail.Migration{
		{
			Version:     1,
			Description: "create catalog_events",
			Apply: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
				CREATE TABLE catalog_events (
					seq INTEGER PRIMARY KEY AUTOINCREMENT,
					event_type TEXT NOT NULL,
					content_type TEXT NOT NULL,
					content_id TEXT NOT NULL,
					timestamp DATETIME NOT NULL,
					triggered_by TEXT
				);
				`)
				return err
			},
		},
	}
}

// CatalogEventLog is the append-only log driving cache-invalidation broadcasts.
type CatalogEventLog struct {
	db       *sql.DB
	registry *ConnectionRegistry
}

func NewCatalogEventLog(db *sql.DB, registry *ConnectionRegistry) *CatalogEventLog {
	return &CatalogEventLog{db: db, registry: registry}
}

// Emit stores the event then broadcasts a CatalogInvalidation to every
// connection, per "On emission: store, then broadcast_to_all".
func (l *CatalogEventLog) Emit(eventType CatalogEventKind, contentType, contentID string, triggeredBy *string) (*CatalogEvent, error) {
	now := time.Now()
	res, err := l.db.Exec(`INSERT INTO catalog_events (event_type, content_type, content_id, timestamp, triggered_by)
		VALUES (?, ?, ?, ?, ?)`, eventType, contentType, contentID, now, triggeredBy)
	if err != nil {
		return nil, err
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}

	event := &CatalogEvent{Seq: seq, EventType: eventType, ContentType: contentType, ContentID: contentID, Timestamp: now, TriggeredBy: triggeredBy}

	l.registry.BroadcastToAll(Message{Type: "catalog_invalidation", Body: CatalogInvalidationMessage{
		Seq: seq, EventType: string(eventType), ContentType: contentType, ContentID: contentID, Timestamp: now,
	}})

	return event, nil
}

package sync

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"catalogd/internal/storerail"
)

// SkeletonMigrations is the catalog-membership delta log's schema history.
func SkeletonMigrations() []storerail.Migration {
	return []storerail.Migration{
		{
			Version:     1,
			Description: "create skeleton_events",
			Apply: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
				CREATE TABLE skeleton_events (
					seq INTEGER PRIMARY KEY AUTOINCREMENT,
					event_type TEXT NOT NULL,
					entity_id TEXT NOT NULL,
					payload TEXT NOT NULL DEFAULT '{}',
					timestamp DATETIME NOT NULL
				);
				`)
				return err
			},
		},
	}
}

// SkeletonSource is the minimal catalog-membership view the skeleton
// protocol needs, named only by the ids it resolves — the same pattern
// as the queue engine's watchdog collaborator interfaces.
type SkeletonSource interface {
	ArtistIDs() ([]string, error)
	Albums() ([]SkeletonAlbum, error)
	Tracks() ([]SkeletonTrack, error)
}

// Skeleton serves the catalog-skeleton delta protocol: version/checksum,
// full snapshot, and incremental deltas against the membership-change log.
type Skeleton struct {
	db     *sql.DB
	source SkeletonSource
}

func NewSkeleton(db *sql.DB, source SkeletonSource) *Skeleton {
	return &Skeleton{db: db, source: source}
}

// RecordChange appends one membership-delta row.
func (s *Skeleton) RecordChange(eventType SkeletonEventKind, entityID string, payload map[string]any) (*SkeletonChange, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	res, err := s.db.Exec(`INSERT INTO skeleton_events (event_type, entity_id, payload, timestamp) VALUES (?, ?, ?, ?)`,
		eventType, entityID, string(body), now)
	if err != nil {
		return nil, err
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &SkeletonChange{Seq: seq, EventType: eventType, EntityID: entityID, Payload: payload, Timestamp: now}, nil
}

func (s *Skeleton) currentVersion() (int64, error) {
	var version sql.NullInt64
	if err := s.db.QueryRow(`SELECT MAX(seq) FROM skeleton_events`).Scan(&version); err != nil {
		return 0, err
	}
	return version.Int64, nil
}

func (s *Skeleton) earliestSeq() (int64, bool, error) {
	var earliest sql.NullInt64
	if err := s.db.QueryRow(`SELECT MIN(seq) FROM skeleton_events`).Scan(&earliest); err != nil {
		return 0, false, err
	}
	return earliest.Int64, earliest.Valid, nil
}

// Version returns the current version (max seq) and checksum over the
// catalog's current membership, per GET /skeleton/version.
func (s *Skeleton) Version() (SkeletonVersion, error) {
	version, err := s.currentVersion()
	if err != nil {
		return SkeletonVersion{}, err
	}
	checksum, err := s.checksum()
	if err != nil {
		return SkeletonVersion{}, err
	}
	return SkeletonVersion{Version: version, Checksum: checksum}, nil
}

// Snapshot returns the full catalog membership, per GET /skeleton.
func (s *Skeleton) Snapshot() (SkeletonSnapshot, error) {
	artists, err := s.source.ArtistIDs()
	if err != nil {
		return SkeletonSnapshot{}, err
	}
	albums, err := s.source.Albums()
	if err != nil {
		return SkeletonSnapshot{}, err
	}
	tracks, err := s.source.Tracks()
	if err != nil {
		return SkeletonSnapshot{}, err
	}
	version, err := s.currentVersion()
	if err != nil {
		return SkeletonSnapshot{}, err
	}
	checksum, err := s.checksum()
	if err != nil {
		return SkeletonSnapshot{}, err
	}
	return SkeletonSnapshot{Version: version, Checksum: checksum, Artists: artists, Albums: albums, Tracks: tracks}, nil
}

// checksum is a content-addressed digest (sha256, hex) of the sorted
// artist/album/track id set.
func (s *Skeleton) checksum() (string, error) {
	artists, err := s.source.ArtistIDs()
	if err != nil {
		return "", err
	}
	albums, err := s.source.Albums()
	if err != nil {
		return "", err
	}
	tracks, err := s.source.Tracks()
	if err != nil {
		return "", err
	}

	ids := make([]string, 0, len(artists)+len(albums)+len(tracks))
	ids = append(ids, artists...)
	for _, a := range albums {
		ids = append(ids, a.ID)
	}
	for _, t := range tracks {
		ids = append(ids, t.ID)
	}
	sort.Strings(ids)

	h := sha256.Sum256([]byte(strings.Join(ids, "\n")))
	return hex.EncodeToString(h[:]), nil
}

// Delta returns changes with seq > fromSeq, or a VersionTooOld error when
// the requested base predates the earliest retained change — the client
// must refetch the full snapshot in that case.
func (s *Skeleton) Delta(fromSeq int64) ([]*SkeletonChange, error) {
	current, err := s.currentVersion()
	if err != nil {
		return nil, err
	}
	if fromSeq >= current {
		return nil, nil
	}

	earliest, hasAny, err := s.earliestSeq()
	if err != nil {
		return nil, err
	}
	if hasAny && fromSeq < earliest-1 {
		return nil, &VersionTooOld{EarliestAvailable: earliest, CurrentVersion: current}
	}

	rows, err := s.db.Query(`SELECT seq, event_type, entity_id, payload, timestamp FROM skeleton_events
		WHERE seq > ? ORDER BY seq ASC`, fromSeq)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*SkeletonChange
	for rows.Next() {
		var c SkeletonChange
		var payload string
		if err := rows.Scan(&c.Seq, &c.EventType, &c.EntityID, &payload, &c.Timestamp); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(payload), &c.Payload)
		out = append(out, &c)
	}
	return out, rows.Err()
}

// PruneBefore deletes skeleton change rows older than cutoff.
func (s *Skeleton) PruneBefore(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM skeleton_events WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

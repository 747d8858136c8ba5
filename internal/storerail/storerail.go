// Package storerail opens and migrates catalogd's seven logical databases
// (catalog, user, server, queue, ingestion, enrichment, search) through a
// single shared rail: each database is a standalone SQLite file, pragma
// tuned for WAL, identified by a user_version offset from a fixed base so a
// process can tell "fresh", "needs migration", and "too new to open" apart.
package storerail

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	_ "modernc.org/sqlite"

	"catalogd/internal/apperrors"
	"catalogd/internal/logger"
)

// versionBase offsets every database's user_version away from 0 so an
// un-migrated third-party SQLite file can never be mistaken for ours.
const versionBase = 7000

// Migration applies one schema step. Version numbers are 1-based and dense;
// gaps are a programmer error caught at Open time.
type Migration struct {
	Version     int
	Description string
	Apply       func(*sql.Tx) error
}

// DB wraps one logical database's connection together with its name and
// file path.
type DB struct {
	conn *sql.DB
	name string
	path string
}

func (db *DB) Conn() *sql.DB { return db.conn }
func (db *DB) Close() error  { return db.conn.Close() }

// Open opens (creating if absent) the named logical database under dataDir
// and applies any migrations newer than the database's current schema
// version, in ascending order. Migrations must be supplied sorted by
// Version with no gaps starting at 1; Open sorts defensively but will
// refuse to open if the series contains a gap.
func Open(dataDir, name string, migrations []Migration) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("storerail: create data dir: %w", err)
	}

	path := filepath.Join(dataDir, name+".db")
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storerail: open %s: %w", name, err)
	}

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA cache_size = -64000",
	}
	for _, p := range pragmas {
		if _, err := conn.Exec(p); err != nil {
			conn.Close()
			return nil, fmt.Errorf("storerail: pragma on %s: %w", name, err)
		}
	}

	db := &DB{conn: conn, name: name, path: path}
	if err := db.migrate(migrations); err != nil {
		conn.Close()
		return nil, err
	}

	return db, nil
}

func (db *DB) migrate(migrations []Migration) error {
	sorted := append([]Migration(nil), migrations...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Version < sorted[j].Version })
	for i, m := range sorted {
		if m.Version != i+1 {
			return fmt.Errorf("storerail: %s: migration series has a gap at version %d", db.name, i+1)
		}
	}

	var rawVersion int
	if err := db.conn.QueryRow("PRAGMA user_version").Scan(&rawVersion); err != nil {
		return fmt.Errorf("storerail: %s: read user_version: %w", db.name, err)
	}

	current := 0
	if rawVersion != 0 {
		if rawVersion < versionBase {
			return fmt.Errorf("storerail: %s: user_version %d predates catalogd's version base", db.name, rawVersion)
		}
		current = rawVersion - versionBase
	}

	target := len(sorted)
	if current > target {
		return fmt.Errorf("storerail: %s: database schema version %d is newer than this binary knows (%d)", db.name, current, target)
	}

	for _, m := range sorted {
		if m.Version <= current {
			continue
		}
		tx, err := db.conn.Begin()
		if err != nil {
			return fmt.Errorf("storerail: %s: begin migration %d: %w", db.name, m.Version, err)
		}
		if err := m.Apply(tx); err != nil {
			tx.Rollback()
			return fmt.Errorf("storerail: %s: migration %d (%s): %w", db.name, m.Version, m.Description, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", versionBase+m.Version)); err != nil {
			tx.Rollback()
			return fmt.Errorf("storerail: %s: set user_version after migration %d: %w", db.name, m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("storerail: %s: commit migration %d: %w", db.name, m.Version, err)
		}
		logger.Log.Info().Str("database", db.name).Int("version", m.Version).Str("description", m.Description).Msg("applied migration")
	}

	return nil
}

// ExpectedTable describes the shape schema validation checks for, matching
// spec's "table, column, index, and unique-constraint presence" requirement.
type ExpectedTable struct {
	Name        string
	Columns     []string
	Indexes     []string
	UniqueIndex []string
}

// Validate checks that every expected table/column/index exists. It is run
// once after Open by callers who want an explicit fail-fast rather than
// discovering a missing column on first query.
func (db *DB) Validate(tables []ExpectedTable) error {
	for _, tbl := range tables {
		var exists int
		err := db.conn.QueryRow(
			"SELECT count(*) FROM sqlite_master WHERE type='table' AND name=?", tbl.Name,
		).Scan(&exists)
		if err != nil {
			return fmt.Errorf("storerail: %s: checking table %s: %w", db.name, tbl.Name, err)
		}
		if exists == 0 {
			return apperrors.New("storerail.Validate", apperrors.KindStorage, fmt.Sprintf("missing table %s in %s", tbl.Name, db.name))
		}

		rows, err := db.conn.Query(fmt.Sprintf("PRAGMA table_info(%s)", tbl.Name))
		if err != nil {
			return fmt.Errorf("storerail: %s: table_info(%s): %w", db.name, tbl.Name, err)
		}
		present := map[string]bool{}
		for rows.Next() {
			var cid int
			var colName, colType string
			var notNull, pk int
			var dflt sql.NullString
			if err := rows.Scan(&cid, &colName, &colType, &notNull, &dflt, &pk); err != nil {
				rows.Close()
				return fmt.Errorf("storerail: %s: scan table_info(%s): %w", db.name, tbl.Name, err)
			}
			present[colName] = true
		}
		rows.Close()
		for _, col := range tbl.Columns {
			if !present[col] {
				return apperrors.New("storerail.Validate", apperrors.KindStorage, fmt.Sprintf("missing column %s.%s in %s", tbl.Name, col, db.name))
			}
		}

		idxRows, err := db.conn.Query(fmt.Sprintf("PRAGMA index_list(%s)", tbl.Name))
		if err != nil {
			return fmt.Errorf("storerail: %s: index_list(%s): %w", db.name, tbl.Name, err)
		}
		indexPresent := map[string]bool{}
		uniquePresent := map[string]bool{}
		for idxRows.Next() {
			var seq int
			var idxName string
			var unique, partial int
			var origin string
			if err := idxRows.Scan(&seq, &idxName, &unique, &origin, &partial); err != nil {
				idxRows.Close()
				return fmt.Errorf("storerail: %s: scan index_list(%s): %w", db.name, tbl.Name, err)
			}
			indexPresent[idxName] = true
			if unique == 1 {
				uniquePresent[idxName] = true
			}
		}
		idxRows.Close()
		for _, idx := range tbl.Indexes {
			if !indexPresent[idx] {
				return apperrors.New("storerail.Validate", apperrors.KindStorage, fmt.Sprintf("missing index %s on %s in %s", idx, tbl.Name, db.name))
			}
		}
		for _, idx := range tbl.UniqueIndex {
			if !uniquePresent[idx] {
				return apperrors.New("storerail.Validate", apperrors.KindStorage, fmt.Sprintf("missing unique index %s on %s in %s", idx, tbl.Name, db.name))
			}
		}
	}
	return nil
}

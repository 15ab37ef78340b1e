package agent

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/ncruces/julianday"
	_ "modernc.org/sqlite"
)

// currentDBVersion is stored in the variables table and bumped when the
// schema changes in a way that requires data migration.
const currentDBVersion = 1

const schema = `
CREATE TABLE IF NOT EXISTS devices (
	int_id INTEGER PRIMARY KEY AUTOINCREMENT,
	device VARCHAR(255) UNIQUE
);

CREATE TABLE IF NOT EXISTS channels (
	int_id  INTEGER PRIMARY KEY AUTOINCREMENT,
	device  VARCHAR(255),
	control VARCHAR(255)
);

CREATE TABLE IF NOT EXISTS groups (
	int_id   INTEGER PRIMARY KEY AUTOINCREMENT,
	group_id VARCHAR(255)
);

CREATE TABLE IF NOT EXISTS data (
	uid       INTEGER PRIMARY KEY AUTOINCREMENT,
	device    INTEGER,
	channel   INTEGER,
	value     VARCHAR(255),
	timestamp REAL DEFAULT(julianday('now')),
	group_id  INTEGER
);

CREATE TABLE IF NOT EXISTS variables (
	name  VARCHAR(255) PRIMARY KEY,
	value VARCHAR(255)
);

CREATE INDEX IF NOT EXISTS data_topic ON data (channel);
CREATE INDEX IF NOT EXISTS data_topic_timestamp ON data (channel, timestamp);
CREATE INDEX IF NOT EXISTS data_gid ON data (group_id);
CREATE INDEX IF NOT EXISTS data_gid_timestamp ON data (group_id, timestamp);
`

// Store manages SQLite persistence for samples and channel identity.
// Prepared statements are cached by query text; the hot insert, eviction
// and select paths all reuse their statements across calls.
type Store struct {
	db    *sql.DB
	path  string
	stmts map[string]*sql.Stmt
}

// OpenStore opens or creates the database at path, creating the schema or
// upgrading an older file as needed.
func OpenStore(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	// Limit SQLite page cache to ~2MB (negative = KB).
	if _, err := db.Exec("PRAGMA cache_size = -2000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set cache_size: %w", err)
	}

	s := &Store{db: db, path: path, stmts: make(map[string]*sql.Stmt)}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	// Restrict database file permissions to owner-only.
	if err := os.Chmod(path, 0o600); err != nil {
		slog.Warn("failed to set database file permissions", "error", err)
	}

	return s, nil
}

// Close releases cached statements and closes the database.
func (s *Store) Close() error {
	for _, st := range s.stmts {
		st.Close()
	}
	return s.db.Close()
}

// stmt returns a prepared statement for the query, preparing and caching
// it on first use. The query service produces a bounded set of distinct
// texts (one per requested channel count, with and without down-sampling).
func (s *Store) stmt(query string) (*sql.Stmt, error) {
	if st, ok := s.stmts[query]; ok {
		return st, nil
	}
	st, err := s.db.Prepare(query)
	if err != nil {
		return nil, fmt.Errorf("prepare: %w", err)
	}
	s.stmts[query] = st
	return st, nil
}

// migrate brings the database to currentDBVersion. The version is stored
// in the variables table; a file without that table is version 0.
func (s *Store) migrate() error {
	hasData, err := s.tableExists("data")
	if err != nil {
		return err
	}
	if !hasData {
		slog.Info("creating tables", "path", s.path)
		return s.createTables()
	}

	version, err := s.dbVersion()
	if err != nil {
		return err
	}
	switch {
	case version > currentDBVersion:
		return fmt.Errorf("database file was created by a newer version (db_version %d)", version)
	case version < currentDBVersion:
		slog.Info("upgrading database", "from", version, "to", currentDBVersion)
		return s.upgrade(version)
	default:
		return s.createTables()
	}
}

func (s *Store) tableExists(name string) (bool, error) {
	var count int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, name,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check table %s: %w", name, err)
	}
	return count > 0, nil
}

// dbVersion reads the stored schema version. Files predating the
// variables table report version 0.
func (s *Store) dbVersion() (int, error) {
	hasVariables, err := s.tableExists("variables")
	if err != nil {
		return 0, err
	}
	if !hasVariables {
		return 0, nil
	}

	var version int
	err = s.db.QueryRow(`SELECT value FROM variables WHERE name = 'db_version'`).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read db_version: %w", err)
	}
	return version, nil
}

// createTables applies the current schema and stamps db_version. Every
// statement is idempotent, so this also runs on each healthy open.
func (s *Store) createTables() error {
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	if _, err := s.db.Exec(
		`INSERT OR REPLACE INTO variables (name, value) VALUES ('db_version', ?)`,
		currentDBVersion,
	); err != nil {
		return fmt.Errorf("store db_version: %w", err)
	}
	return nil
}

// upgrade rewrites a version 0 file in place: device, control and group
// names move into their own tables and data rows are rewritten to integer
// ids with julianday timestamps. The rewrite runs in one transaction,
// followed by a VACUUM to reclaim the copied pages.
func (s *Store) upgrade(from int) error {
	if from != 0 {
		return fmt.Errorf("no upgrade path from db_version %d", from)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin upgrade: %w", err)
	}
	defer tx.Rollback()

	// The old indexes must go before the schema is reapplied: they follow
	// the renamed table, and CREATE INDEX IF NOT EXISTS would skip names
	// that still exist there.
	steps := []string{
		`ALTER TABLE data RENAME TO tmp`,
		`DROP INDEX IF EXISTS data_topic`,
		`DROP INDEX IF EXISTS data_topic_timestamp`,
		`DROP INDEX IF EXISTS data_gid`,
		`DROP INDEX IF EXISTS data_gid_timestamp`,
		schema,
		`INSERT OR IGNORE INTO devices (device) SELECT device FROM tmp GROUP BY device`,
		`INSERT OR IGNORE INTO channels (device, control)
			SELECT device, control FROM tmp GROUP BY device, control`,
		`INSERT OR IGNORE INTO groups (group_id) SELECT group_id FROM tmp GROUP BY group_id`,
		`INSERT INTO data (uid, device, channel, value, timestamp, group_id)
			SELECT tmp.uid, devices.int_id, channels.int_id, tmp.value, julianday(tmp.timestamp), groups.int_id
			FROM tmp
			LEFT JOIN devices ON tmp.device = devices.device
			LEFT JOIN channels ON tmp.device = channels.device AND tmp.control = channels.control
			LEFT JOIN groups ON tmp.group_id = groups.group_id`,
		`DROP TABLE tmp`,
	}
	for _, stmt := range steps {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("upgrade: %w", err)
		}
	}
	if _, err := tx.Exec(
		`INSERT OR REPLACE INTO variables (name, value) VALUES ('db_version', ?)`,
		currentDBVersion,
	); err != nil {
		return fmt.Errorf("upgrade: store db_version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit upgrade: %w", err)
	}

	if _, err := s.db.Exec("VACUUM"); err != nil {
		return fmt.Errorf("vacuum after upgrade: %w", err)
	}
	return nil
}

// julian converts fractional Unix seconds to a Julian day number, the
// unit of the data table's timestamp column.
func julian(sec float64) float64 {
	s, frac := math.Modf(sec)
	return julianday.Float(time.Unix(int64(s), int64(frac*1e9)))
}

// --- Sample types ---

// Channel identifies a logged control by device and control name.
type Channel struct {
	Device  string
	Control string
}

// SampleRow is one row of a history select. Timestamp is converted to
// Unix seconds by the query itself.
type SampleRow struct {
	UID       int64
	DeviceID  int64
	ChannelID int64
	Value     string
	Timestamp float64
}

// SampleFilter bounds a history select. Gt and Lt are Unix seconds,
// exclusive on both ends. A negative Limit returns every matching row.
type SampleFilter struct {
	ChannelIDs    []int64
	Gt, Lt        float64
	UIDGt         int64
	MinIntervalMs int
	Limit         int
}

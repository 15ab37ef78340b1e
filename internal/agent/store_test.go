package agent

import (
	"context"
	"database/sql"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := OpenStore(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenStoreWAL(t *testing.T) {
	s := testStore(t)

	var mode string
	if err := s.db.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatal(err)
	}
	if mode != "wal" {
		t.Errorf("journal_mode = %q, want wal", mode)
	}
}

func TestSchemaCreation(t *testing.T) {
	s := testStore(t)

	tables := []string{"devices", "channels", "groups", "data", "variables"}
	for _, table := range tables {
		var name string
		err := s.db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err == sql.ErrNoRows {
			t.Errorf("table %q not created", table)
		} else if err != nil {
			t.Errorf("checking table %q: %v", table, err)
		}
	}

	indexes := []string{"data_topic", "data_topic_timestamp", "data_gid", "data_gid_timestamp"}
	for _, index := range indexes {
		var name string
		err := s.db.QueryRow("SELECT name FROM sqlite_master WHERE type='index' AND name=?", index).Scan(&name)
		if err == sql.ErrNoRows {
			t.Errorf("index %q not created", index)
		} else if err != nil {
			t.Errorf("checking index %q: %v", index, err)
		}
	}
}

func TestDBVersionStamped(t *testing.T) {
	s := testStore(t)

	var version int
	if err := s.db.QueryRow("SELECT value FROM variables WHERE name='db_version'").Scan(&version); err != nil {
		t.Fatal(err)
	}
	if version != currentDBVersion {
		t.Errorf("db_version = %d, want %d", version, currentDBVersion)
	}
}

func TestOpenStoreFilePermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := OpenStore(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("file mode = %o, want 600", perm)
	}
}

func TestOpenStoreCreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "test.db")
	s, err := OpenStore(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if _, err := os.Stat(path); err != nil {
		t.Errorf("database file not created: %v", err)
	}
}

func TestReopenExistingStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	ctx := context.Background()

	s, err := OpenStore(path)
	if err != nil {
		t.Fatal(err)
	}
	id, err := s.InsertDevice(ctx, "wb-adc")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	s, err = OpenStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()

	devices, err := s.LoadDevices(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if devices["wb-adc"] != id {
		t.Errorf("devices[wb-adc] = %d, want %d", devices["wb-adc"], id)
	}

	var version int
	if err := s.db.QueryRow("SELECT value FROM variables WHERE name='db_version'").Scan(&version); err != nil {
		t.Fatal(err)
	}
	if version != currentDBVersion {
		t.Errorf("db_version after reopen = %d, want %d", version, currentDBVersion)
	}
}

func TestOpenStoreNewerVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	// Fake a file written by a future release.
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatal(err)
	}
	db.SetMaxOpenConns(1)
	fixture := `
CREATE TABLE data (uid INTEGER PRIMARY KEY AUTOINCREMENT);
CREATE TABLE variables (name VARCHAR(255) PRIMARY KEY, value VARCHAR(255));
INSERT INTO variables (name, value) VALUES ('db_version', '2');
`
	if _, err := db.Exec(fixture); err != nil {
		db.Close()
		t.Fatal(err)
	}
	db.Close()

	if _, err := OpenStore(path); err == nil {
		t.Fatal("expected error for newer db_version")
	} else if !strings.Contains(err.Error(), "newer version") {
		t.Errorf("error = %v, want mention of newer version", err)
	}
}

func TestUpgradeFromVersion0(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	// A version 0 file: names inline in data, datetime text timestamps,
	// no variables table.
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatal(err)
	}
	db.SetMaxOpenConns(1)
	fixture := `
CREATE TABLE data (
	uid       INTEGER PRIMARY KEY AUTOINCREMENT,
	device    VARCHAR(255),
	control   VARCHAR(255),
	value     VARCHAR(255),
	timestamp VARCHAR(255) DEFAULT(datetime('now')),
	group_id  VARCHAR(255)
);
CREATE INDEX data_topic ON data (device, control);
CREATE INDEX data_topic_timestamp ON data (device, control, timestamp);
CREATE INDEX data_gid ON data (group_id);
CREATE INDEX data_gid_timestamp ON data (group_id, timestamp);
INSERT INTO data (uid, device, control, value, timestamp, group_id) VALUES
	(1, 'wb-adc',  'A1',    '1.5', '2018-01-01 00:00:00', 'everything'),
	(2, 'wb-adc',  'A2',    '2.5', '2018-01-01 00:00:10', 'everything'),
	(5, 'wb-gpio', 'Relay', '1',   '2018-01-02 12:00:00', 'more');
`
	if _, err := db.Exec(fixture); err != nil {
		db.Close()
		t.Fatal(err)
	}
	db.Close()

	s, err := OpenStore(path)
	if err != nil {
		t.Fatalf("upgrade: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	var version int
	if err := s.db.QueryRow("SELECT value FROM variables WHERE name='db_version'").Scan(&version); err != nil {
		t.Fatal(err)
	}
	if version != currentDBVersion {
		t.Errorf("db_version = %d, want %d", version, currentDBVersion)
	}

	devices, err := s.LoadDevices(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(devices) != 2 {
		t.Errorf("devices = %d, want 2", len(devices))
	}
	channels, err := s.LoadChannels(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(channels) != 3 {
		t.Errorf("channels = %d, want 3", len(channels))
	}
	groups, err := s.LoadGroups(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(groups) != 2 {
		t.Errorf("groups = %d, want 2", len(groups))
	}

	// Rows keep their uids and join back to the extracted names.
	var value, device, control, groupName string
	err = s.db.QueryRow(`
		SELECT data.value, devices.device, channels.control, groups.group_id
		FROM data
		JOIN devices ON data.device = devices.int_id
		JOIN channels ON data.channel = channels.int_id
		JOIN groups ON data.group_id = groups.int_id
		WHERE data.uid = 5`).Scan(&value, &device, &control, &groupName)
	if err != nil {
		t.Fatal(err)
	}
	if value != "1" || device != "wb-gpio" || control != "Relay" || groupName != "more" {
		t.Errorf("uid 5 = (%q, %q, %q, %q), want (1, wb-gpio, Relay, more)", value, device, control, groupName)
	}

	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM data").Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 3 {
		t.Errorf("data rows = %d, want 3", count)
	}

	// Text timestamps became julian days: 2018-01-01 00:00:00 UTC.
	var ts float64
	if err := s.db.QueryRow("SELECT timestamp FROM data WHERE uid = 1").Scan(&ts); err != nil {
		t.Fatal(err)
	}
	if math.Abs(ts-2458119.5) > 1e-6 {
		t.Errorf("timestamp = %f, want 2458119.5", ts)
	}

	// The scratch table is gone.
	var tmpCount int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE name='tmp'").Scan(&tmpCount); err != nil {
		t.Fatal(err)
	}
	if tmpCount != 0 {
		t.Error("tmp table left behind after upgrade")
	}
}

func TestUpgradedStoreAcceptsInserts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatal(err)
	}
	db.SetMaxOpenConns(1)
	fixture := `
CREATE TABLE data (
	uid       INTEGER PRIMARY KEY AUTOINCREMENT,
	device    VARCHAR(255),
	control   VARCHAR(255),
	value     VARCHAR(255),
	timestamp VARCHAR(255) DEFAULT(datetime('now')),
	group_id  VARCHAR(255)
);
INSERT INTO data (uid, device, control, value, timestamp, group_id) VALUES
	(7, 'wb-adc', 'A1', '1.5', '2018-01-01 00:00:00', 'everything');
`
	if _, err := db.Exec(fixture); err != nil {
		db.Close()
		t.Fatal(err)
	}
	db.Close()

	s, err := OpenStore(path)
	if err != nil {
		t.Fatalf("upgrade: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	channels, err := s.LoadChannels(ctx)
	if err != nil {
		t.Fatal(err)
	}
	chID, ok := channels[Channel{Device: "wb-adc", Control: "A1"}]
	if !ok {
		t.Fatal("channel wb-adc/A1 not extracted by upgrade")
	}
	devices, err := s.LoadDevices(ctx)
	if err != nil {
		t.Fatal(err)
	}

	// New rows continue the preserved uid sequence.
	if err := s.InsertSample(ctx, devices["wb-adc"], chID, "2.0", 2458120.5, 1); err != nil {
		t.Fatal(err)
	}
	var uid int64
	if err := s.db.QueryRow("SELECT MAX(uid) FROM data").Scan(&uid); err != nil {
		t.Fatal(err)
	}
	if uid <= 7 {
		t.Errorf("new uid = %d, want > 7", uid)
	}
}

func TestJulian(t *testing.T) {
	tests := []struct {
		name string
		sec  float64
		want float64
	}{
		{"epoch", 0, 2440587.5},
		{"one day", 86400, 2440588.5},
		{"half day", 43200, 2440588.0},
		{"fractional second", 0.5, 2440587.5 + 0.5/86400},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := julian(tt.sec); math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("julian(%v) = %v, want %v", tt.sec, got, tt.want)
			}
		})
	}
}

package storage

import (
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// DB wraps a sql.DB connection to a SQLite database.
type DB struct {
	db *sql.DB
}

// NewDB opens (or creates) a SQLite database at path and runs schema migrations.
func NewDB(path string) (*DB, error) {
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	d := &DB{db: sqlDB}
	if err := d.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return d, nil
}

// Close closes the underlying database connection.
func (d *DB) Close() error {
	return d.db.Close()
}

// migrate creates all required tables if they do not already exist.
func (d *DB) migrate() error {
	schema := `
CREATE TABLE IF NOT EXISTS shares (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    path TEXT NOT NULL,
    size INTEGER NOT NULL,
    active INTEGER NOT NULL DEFAULT 0,
    advertise INTEGER NOT NULL DEFAULT 1,
    downloads INTEGER NOT NULL DEFAULT 0,
    advertised INTEGER NOT NULL DEFAULT 0,
    added_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_shares_name ON shares(name);

CREATE TABLE IF NOT EXISTS downloads (
    id TEXT PRIMARY KEY,
    link TEXT NOT NULL,
    state TEXT NOT NULL,
    reason TEXT,
    path TEXT,
    size INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL,
    finished_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_downloads_created ON downloads(created_at);

CREATE TABLE IF NOT EXISTS settings (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`
	_, err := d.db.Exec(schema)
	return err
}

// --- Shares ---

// SaveShare inserts or replaces a share.
func (d *DB) SaveShare(s *Share) error {
	_, err := d.db.Exec(
		`INSERT INTO shares (id, name, path, size, active, advertise, downloads, advertised, added_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   name = excluded.name, path = excluded.path, size = excluded.size,
		   active = excluded.active, advertise = excluded.advertise,
		   downloads = excluded.downloads, advertised = excluded.advertised`,
		s.ID, s.Name, s.Path, s.Size, boolToInt(s.Active), boolToInt(s.Advertise),
		s.Downloads, s.Advertised, s.AddedAt,
	)
	if err != nil {
		return fmt.Errorf("save share: %w", err)
	}
	return nil
}

// ListShares returns all shares ordered by insertion time.
func (d *DB) ListShares() ([]Share, error) {
	rows, err := d.db.Query(
		`SELECT id, name, path, size, active, advertise, downloads, advertised, added_at
		 FROM shares ORDER BY added_at, id`,
	)
	if err != nil {
		return nil, fmt.Errorf("list shares: %w", err)
	}
	defer rows.Close()

	var shares []Share
	for rows.Next() {
		s, err := scanShare(rows)
		if err != nil {
			return nil, fmt.Errorf("scan share: %w", err)
		}
		shares = append(shares, *s)
	}
	return shares, rows.Err()
}

// DeleteShare removes a share by ID.
func (d *DB) DeleteShare(id string) error {
	res, err := d.db.Exec("DELETE FROM shares WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete share: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanShare(row scanner) (*Share, error) {
	var s Share
	var active, advertise int
	if err := row.Scan(&s.ID, &s.Name, &s.Path, &s.Size, &active, &advertise,
		&s.Downloads, &s.Advertised, &s.AddedAt); err != nil {
		return nil, err
	}
	s.Active = active != 0
	s.Advertise = advertise != 0
	return &s, nil
}

// --- Download history ---

// RecordDownload inserts or replaces a download audit record.
func (d *DB) RecordDownload(dl *Download) error {
	_, err := d.db.Exec(
		`INSERT OR REPLACE INTO downloads (id, link, state, reason, path, size, created_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		dl.ID, dl.Link, dl.State, dl.Reason, dl.Path, dl.Size, dl.CreatedAt, dl.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("record download: %w", err)
	}
	return nil
}

// ListDownloads returns download records created at or after since (unix
// seconds), newest first.
func (d *DB) ListDownloads(since int64) ([]Download, error) {
	rows, err := d.db.Query(
		`SELECT id, link, state, COALESCE(reason, ''), COALESCE(path, ''), size, created_at, finished_at
		 FROM downloads WHERE created_at >= ? ORDER BY created_at DESC, id`, since,
	)
	if err != nil {
		return nil, fmt.Errorf("list downloads: %w", err)
	}
	defer rows.Close()

	var out []Download
	for rows.Next() {
		var dl Download
		if err := rows.Scan(&dl.ID, &dl.Link, &dl.State, &dl.Reason, &dl.Path,
			&dl.Size, &dl.CreatedAt, &dl.FinishedAt); err != nil {
			return nil, fmt.Errorf("scan download: %w", err)
		}
		out = append(out, dl)
	}
	return out, rows.Err()
}

// DeleteDownload removes a download record by ID.
func (d *DB) DeleteDownload(id string) error {
	res, err := d.db.Exec("DELETE FROM downloads WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete download: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// PruneDownloads deletes records that finished before the given unix time and
// returns how many were removed.
func (d *DB) PruneDownloads(before int64) (int, error) {
	res, err := d.db.Exec("DELETE FROM downloads WHERE finished_at < ?", before)
	if err != nil {
		return 0, fmt.Errorf("prune downloads: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune downloads rows: %w", err)
	}
	return int(n), nil
}

// --- Settings ---

// GetSetting returns the value stored under key, or ErrNotFound.
func (d *DB) GetSetting(key string) (string, error) {
	var v string
	err := d.db.QueryRow("SELECT value FROM settings WHERE key = ?", key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get setting: %w", err)
	}
	return v, nil
}

// SetSetting stores value under key.
func (d *DB) SetSetting(key, value string) error {
	_, err := d.db.Exec(
		`INSERT INTO settings (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value,
	)
	if err != nil {
		return fmt.Errorf("set setting: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

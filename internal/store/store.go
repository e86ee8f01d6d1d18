// Package store persists the model manifest cache and the hot-swap
// audit trail in SQLite. Grounded directly on the teacher's
// internal/infra/sqlite/db.go: the same WAL-mode pure-Go driver,
// single-writer connection pool, and idempotent CREATE TABLE IF NOT
// EXISTS migration list, adapted from a model-download cache to a
// manifest-discovery cache plus a swap ledger. Manifest directory scans
// use karrick/godirwalk; concurrent loads of the same manifest collapse
// through golang.org/x/sync/singleflight so two callers racing to warm
// the same model never duplicate the read.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/karrick/godirwalk"
	_ "modernc.org/sqlite"
	"golang.org/x/sync/singleflight"
)

// ManifestRecord is one discovered model manifest on disk.
type ManifestRecord struct {
	Name         string
	Path         string
	SizeBytes    int64
	DiscoveredAt time.Time
}

// SwapRecord is one hot-swap attempt's audit entry.
type SwapRecord struct {
	SwapId     string
	ModelName  string
	OldHandle  uint64
	NewHandle  uint64
	Outcome    string
	StartedAt  time.Time
	FinishedAt time.Time
}

// Store wraps a SQLite connection holding manifests and swap history.
type Store struct {
	db    *sql.DB
	group singleflight.Group
}

// Open creates or opens the SQLite database at dir/corerun.db in WAL
// mode, single-writer (SQLite has exactly one anyway).
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	dbPath := filepath.Join(dir, "corerun.db")
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close shuts down the underlying connection.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS manifests (
			name          TEXT PRIMARY KEY,
			path          TEXT NOT NULL,
			size_bytes    INTEGER NOT NULL,
			discovered_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS swaps (
			swap_id     TEXT PRIMARY KEY,
			model_name  TEXT NOT NULL,
			old_handle  INTEGER NOT NULL,
			new_handle  INTEGER NOT NULL,
			outcome     TEXT NOT NULL DEFAULT '',
			started_at  INTEGER NOT NULL,
			finished_at INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_swaps_model ON swaps(model_name)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}
	return nil
}

// ScanManifests walks root looking for *.manifest files, upserting one
// ManifestRecord per match keyed by its base name, and returns what it
// found.
func (s *Store) ScanManifests(root string) ([]ManifestRecord, error) {
	var found []ManifestRecord
	err := godirwalk.Walk(root, &godirwalk.Options{
		Callback: func(path string, de *godirwalk.Dirent) error {
			if de.IsDir() || !strings.HasSuffix(path, ".manifest") {
				return nil
			}
			info, err := os.Stat(path)
			if err != nil {
				return nil
			}
			name := strings.TrimSuffix(filepath.Base(path), ".manifest")
			rec := ManifestRecord{
				Name:         name,
				Path:         path,
				SizeBytes:    info.Size(),
				DiscoveredAt: time.Now(),
			}
			if err := s.UpsertManifest(rec); err != nil {
				return err
			}
			found = append(found, rec)
			return nil
		},
		Unsorted: true,
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}

// UpsertManifest inserts or updates a manifest record.
func (s *Store) UpsertManifest(rec ManifestRecord) error {
	_, err := s.db.Exec(
		`INSERT INTO manifests (name, path, size_bytes, discovered_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET
			path=excluded.path, size_bytes=excluded.size_bytes, discovered_at=excluded.discovered_at`,
		rec.Name, rec.Path, rec.SizeBytes, rec.DiscoveredAt.Unix(),
	)
	return err
}

// GetManifest retrieves a manifest by name.
func (s *Store) GetManifest(name string) (*ManifestRecord, error) {
	var rec ManifestRecord
	var discoveredAt int64
	err := s.db.QueryRow(
		`SELECT name, path, size_bytes, discovered_at FROM manifests WHERE name = ?`, name,
	).Scan(&rec.Name, &rec.Path, &rec.SizeBytes, &discoveredAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec.DiscoveredAt = time.Unix(discoveredAt, 0)
	return &rec, nil
}

// LoadManifest looks up name and runs load against it, collapsing
// concurrent callers requesting the same name into a single lookup and
// load.
func (s *Store) LoadManifest(name string, load func(ManifestRecord) (any, error)) (any, error) {
	v, err, _ := s.group.Do(name, func() (any, error) {
		rec, err := s.GetManifest(name)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			return nil, fmt.Errorf("manifest %q not found", name)
		}
		return load(*rec)
	})
	return v, err
}

// NewSwapId mints a fresh swap audit identifier.
func NewSwapId() string { return uuid.NewString() }

// RecordSwapStart inserts the opening half of a swap audit entry.
func (s *Store) RecordSwapStart(swapID, modelName string, oldHandle, newHandle uint64, startedAt time.Time) error {
	_, err := s.db.Exec(
		`INSERT INTO swaps (swap_id, model_name, old_handle, new_handle, started_at) VALUES (?, ?, ?, ?, ?)`,
		swapID, modelName, oldHandle, newHandle, startedAt.Unix(),
	)
	return err
}

// RecordSwapFinish fills in the outcome and completion time for swapID.
func (s *Store) RecordSwapFinish(swapID, outcome string, finishedAt time.Time) error {
	_, err := s.db.Exec(
		`UPDATE swaps SET outcome = ?, finished_at = ? WHERE swap_id = ?`,
		outcome, finishedAt.Unix(), swapID,
	)
	return err
}

// ListSwaps returns the most recent swap audit entries for modelName,
// newest first, bounded by limit.
func (s *Store) ListSwaps(modelName string, limit int) ([]SwapRecord, error) {
	rows, err := s.db.Query(
		`SELECT swap_id, model_name, old_handle, new_handle, outcome, started_at, finished_at
		 FROM swaps WHERE model_name = ? ORDER BY started_at DESC LIMIT ?`,
		modelName, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SwapRecord
	for rows.Next() {
		var rec SwapRecord
		var started int64
		var finished sql.NullInt64
		if err := rows.Scan(&rec.SwapId, &rec.ModelName, &rec.OldHandle, &rec.NewHandle, &rec.Outcome, &started, &finished); err != nil {
			return nil, err
		}
		rec.StartedAt = time.Unix(started, 0)
		if finished.Valid {
			rec.FinishedAt = time.Unix(finished.Int64, 0)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

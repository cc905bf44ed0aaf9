// Package catalog keeps a SQLite index of recordings on disk so the
// control plane can list them with metadata that is expensive to
// recompute (frame counts, device ids, annotation counts).
package catalog

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"visionhub/internal/log"
)

var logger = log.WithComponent("catalog")

// Record is one recording known to the catalog.
type Record struct {
	ID              string    `json:"id"`
	Filename        string    `json:"filename"`
	SizeBytes       int64     `json:"size_bytes"`
	FrameCount      int       `json:"frame_count"`
	DeviceID        string    `json:"device_id"`
	AnnotationCount int       `json:"annotation_count"`
	ModifiedAt      time.Time `json:"modified_at"`
	CreatedAt       time.Time `json:"created_at"`
}

// Catalog wraps the SQLite store.
type Catalog struct {
	db *sql.DB
}

func New(path string) (*Catalog, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create catalog dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	c := &Catalog{db: db}
	if err := c.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

func (c *Catalog) Close() error {
	return c.db.Close()
}

func (c *Catalog) migrate() error {
	schema := `CREATE TABLE IF NOT EXISTS recordings (
		id TEXT PRIMARY KEY,
		filename TEXT NOT NULL UNIQUE,
		size_bytes INTEGER DEFAULT 0,
		frame_count INTEGER DEFAULT 0,
		device_id TEXT DEFAULT '',
		annotation_count INTEGER DEFAULT 0,
		modified_at DATETIME,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`
	if _, err := c.db.Exec(schema); err != nil {
		return fmt.Errorf("migrate catalog: %w", err)
	}
	if _, err := c.db.Exec(
		`CREATE INDEX IF NOT EXISTS idx_recordings_modified ON recordings(modified_at DESC)`); err != nil {
		return fmt.Errorf("migrate catalog: %w", err)
	}
	return nil
}

// Upsert inserts or updates a recording row keyed by filename. Zero
// frame and annotation counts do not overwrite known values.
func (c *Catalog) Upsert(rec Record) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	_, err := c.db.Exec(`
		INSERT INTO recordings (id, filename, size_bytes, frame_count, device_id, annotation_count, modified_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(filename) DO UPDATE SET
			size_bytes = excluded.size_bytes,
			frame_count = CASE WHEN excluded.frame_count > 0 THEN excluded.frame_count ELSE frame_count END,
			device_id = CASE WHEN excluded.device_id != '' THEN excluded.device_id ELSE device_id END,
			annotation_count = CASE WHEN excluded.annotation_count > 0 THEN excluded.annotation_count ELSE annotation_count END,
			modified_at = excluded.modified_at`,
		rec.ID, rec.Filename, rec.SizeBytes, rec.FrameCount, rec.DeviceID, rec.AnnotationCount, rec.ModifiedAt)
	if err != nil {
		return fmt.Errorf("upsert recording %s: %w", rec.Filename, err)
	}
	return nil
}

// List returns every recording, newest first.
func (c *Catalog) List() ([]Record, error) {
	rows, err := c.db.Query(`
		SELECT id, filename, size_bytes, frame_count, device_id, annotation_count, modified_at, created_at
		FROM recordings ORDER BY modified_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list recordings: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var modified, created sql.NullTime
		if err := rows.Scan(&rec.ID, &rec.Filename, &rec.SizeBytes, &rec.FrameCount,
			&rec.DeviceID, &rec.AnnotationCount, &modified, &created); err != nil {
			return nil, fmt.Errorf("scan recording: %w", err)
		}
		rec.ModifiedAt = modified.Time
		rec.CreatedAt = created.Time
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Refresh reconciles the catalog against the recordings directory:
// frame logs on disk are upserted with their current size and mtime,
// rows whose file is gone are deleted. Sidecars are not listed as
// recordings. Returns the post-refresh listing.
func (c *Catalog) Refresh(dir string) ([]Record, error) {
	entries, err := os.ReadDir(dir)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read recordings dir: %w", err)
	}

	onDisk := make(map[string]struct{})
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".pb") || strings.HasSuffix(name, ".seg.pb") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		onDisk[name] = struct{}{}
		if err := c.Upsert(Record{
			Filename:   name,
			SizeBytes:  info.Size(),
			ModifiedAt: info.ModTime(),
		}); err != nil {
			logger.Warn().Err(err).Str("filename", name).Msg("catalog upsert failed")
		}
	}

	known, err := c.List()
	if err != nil {
		return nil, err
	}
	var out []Record
	for _, rec := range known {
		if _, ok := onDisk[rec.Filename]; !ok {
			if _, err := c.db.Exec(`DELETE FROM recordings WHERE filename = ?`, rec.Filename); err != nil {
				logger.Warn().Err(err).Str("filename", rec.Filename).Msg("catalog delete failed")
			}
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

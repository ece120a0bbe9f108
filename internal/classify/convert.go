package classify

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/lmercier/radioscribe/internal/store"
)

// DefaultCategory is the tag every block starts with: not yet classified.
const DefaultCategory = "A classifier"

// Converter turns raw sessions (write-optimized flat files) into per
// session SQLite databases (read/annotation-optimized).
type Converter struct {
	store  *store.Store
	logger *log.Logger
}

// NewConverter creates a converter over the store's raw and processed
// roots.
func NewConverter(st *store.Store, logger *log.Logger) *Converter {
	return &Converter{store: st, logger: logger}
}

// Convert builds the SQLite database for one raw session. An existing
// database is kept unless force is set. Returns the database path.
func (c *Converter) Convert(sessionID string, force bool) (string, error) {
	sess, err := c.store.OpenSession(sessionID)
	if err != nil {
		return "", fmt.Errorf("raw session not found: %w", err)
	}

	dbPath := c.store.ProcessedPath(sessionID)
	if _, err := os.Stat(dbPath); err == nil {
		if !force {
			c.logger.Printf("converter: session %s already converted", sessionID)
			return dbPath, nil
		}
		if err := os.Remove(dbPath); err != nil {
			return "", fmt.Errorf("remove stale database: %w", err)
		}
	}

	blocks, err := ReadBlocks(sess)
	if err != nil {
		return "", fmt.Errorf("read session blocks: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return "", fmt.Errorf("create processed dir: %w", err)
	}

	// Build under a temp name so a crash never leaves a half-filled
	// database that looks converted.
	tmpPath := dbPath + ".tmp"
	os.Remove(tmpPath)
	if err := c.buildDatabase(tmpPath, sess.Metadata(), blocks); err != nil {
		os.Remove(tmpPath)
		return "", err
	}
	if err := os.Rename(tmpPath, dbPath); err != nil {
		return "", fmt.Errorf("commit database: %w", err)
	}

	c.logger.Printf("converter: session %s converted (%d blocks)", sessionID, len(blocks))
	return dbPath, nil
}

func (c *Converter) buildDatabase(path string, meta store.Metadata, blocks []BlockRecord) error {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`CREATE TABLE metadata (
			key TEXT PRIMARY KEY,
			value TEXT
		)`,
		`CREATE TABLE blocks (
			block_number INTEGER PRIMARY KEY,
			timestamp TEXT NOT NULL,
			audio_path TEXT NOT NULL,
			transcription TEXT,
			category TEXT DEFAULT 'A classifier'
		)`,
		`CREATE INDEX idx_category ON blocks(category)`,
	} {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}

	for key, value := range metadataPairs(meta) {
		if _, err := tx.Exec(`INSERT INTO metadata (key, value) VALUES (?, ?)`, key, value); err != nil {
			return fmt.Errorf("insert metadata %s: %w", key, err)
		}
	}
	if _, err := tx.Exec(`INSERT INTO metadata (key, value) VALUES ('converted_at', ?)`,
		time.Now().UTC().Format(time.RFC3339)); err != nil {
		return fmt.Errorf("insert converted_at: %w", err)
	}

	insert, err := tx.Prepare(`INSERT INTO blocks (block_number, timestamp, audio_path, transcription, category)
		VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare block insert: %w", err)
	}
	defer insert.Close()

	for _, b := range blocks {
		if _, err := insert.Exec(b.Number, b.Timestamp, b.AudioPath, b.Transcription, DefaultCategory); err != nil {
			return fmt.Errorf("insert block %d: %w", b.Number, err)
		}
	}

	return tx.Commit()
}

// metadataPairs flattens session metadata into the key/value table rows,
// using the JSON field names so the two subsystems agree on keys.
func metadataPairs(meta store.Metadata) map[string]string {
	data, err := json.Marshal(meta)
	if err != nil {
		return nil
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil
	}

	pairs := make(map[string]string, len(raw))
	for k, v := range raw {
		pairs[k] = fmt.Sprintf("%v", v)
	}
	return pairs
}

// ListUnconverted returns raw sessions without a processed database,
// newest first.
func (c *Converter) ListUnconverted() ([]string, error) {
	infos, err := c.store.ListRaw()
	if err != nil {
		return nil, err
	}

	var ids []string
	for _, info := range infos {
		if !info.Converted {
			ids = append(ids, info.SessionID)
		}
	}
	return ids, nil
}

// ConvertAll converts every unconverted raw session (or every session when
// force is set). Returns how many were converted; one failing session does
// not stop the rest.
func (c *Converter) ConvertAll(force bool) (int, error) {
	infos, err := c.store.ListRaw()
	if err != nil {
		return 0, err
	}

	converted := 0
	var lastErr error
	for _, info := range infos {
		if info.Converted && !force {
			continue
		}
		if _, err := c.Convert(info.SessionID, force); err != nil {
			c.logger.Printf("converter: %s: %v", info.SessionID, err)
			lastErr = err
			continue
		}
		converted++
	}
	return converted, lastErr
}

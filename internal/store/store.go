// Package store owns the on-disk layout of capture sessions: directory
// naming, metadata, manifest and failure log formats, and the crash-safety
// rules around them. The files it writes are the sole contract between the
// listener and the classifier subsystem.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Default storage roots, relative to the working directory.
const (
	DefaultRawRoot       = "data/raw"
	DefaultProcessedRoot = "data/processed"
)

// sessionIDLayout names sessions after their start time.
const sessionIDLayout = "session_2006-01-02_15-04-05"

// Store manages the raw and processed storage roots.
type Store struct {
	rawRoot       string
	processedRoot string
}

// New creates a store over the given roots; empty roots get defaults.
func New(rawRoot, processedRoot string) *Store {
	if rawRoot == "" {
		rawRoot = DefaultRawRoot
	}
	if processedRoot == "" {
		processedRoot = DefaultProcessedRoot
	}
	return &Store{rawRoot: rawRoot, processedRoot: processedRoot}
}

// RawRoot returns the raw sessions directory.
func (s *Store) RawRoot() string { return s.rawRoot }

// ProcessedRoot returns the processed sessions directory.
func (s *Store) ProcessedRoot() string { return s.processedRoot }

// SessionID derives the default session identifier from a start time.
func SessionID(start time.Time) string {
	return start.Format(sessionIDLayout)
}

// Metadata describes one capture session. EndTime and TotalBlocks are
// filled in when the session finalizes.
type Metadata struct {
	SessionID      string `json:"session_id"`
	StartTime      string `json:"start_time"`
	EndTime        string `json:"end_time,omitempty"`
	StreamURL      string `json:"stream_url"`
	BlockDurationS int    `json:"block_duration"`
	SampleRate     int    `json:"sample_rate"`
	Channels       int    `json:"channels"`
	Language       string `json:"language"`
	Model          string `json:"model"`
	TotalBlocks    int    `json:"total_blocks"`
}

// CreateSession makes the session directory tree and writes the initial
// metadata. The session ID must be unique under the raw root.
func (s *Store) CreateSession(meta Metadata) (*Session, error) {
	if meta.SessionID == "" {
		return nil, fmt.Errorf("empty session id")
	}
	dir := filepath.Join(s.rawRoot, meta.SessionID)
	if _, err := os.Stat(dir); err == nil {
		return nil, fmt.Errorf("session %s already exists", meta.SessionID)
	}
	if err := os.MkdirAll(filepath.Join(dir, "blocks"), 0o755); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}

	sess := &Session{dir: dir, meta: meta}
	if err := sess.writeMetadata(); err != nil {
		return nil, err
	}
	return sess, nil
}

// OpenSession opens an existing raw session directory.
func (s *Store) OpenSession(sessionID string) (*Session, error) {
	dir := filepath.Join(s.rawRoot, sessionID)
	data, err := os.ReadFile(filepath.Join(dir, "metadata.json"))
	if err != nil {
		return nil, fmt.Errorf("open session %s: %w", sessionID, err)
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("parse metadata for %s: %w", sessionID, err)
	}
	return &Session{dir: dir, meta: meta}, nil
}

// SessionInfo is one row of a session listing.
type SessionInfo struct {
	SessionID   string
	StartTime   time.Time
	TotalBlocks int
	Converted   bool
}

// ListRaw lists raw sessions (directories holding a metadata.json),
// newest first.
func (s *Store) ListRaw() ([]SessionInfo, error) {
	entries, err := os.ReadDir(s.rawRoot)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list raw sessions: %w", err)
	}

	var infos []SessionInfo
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.rawRoot, e.Name(), "metadata.json"))
		if err != nil {
			continue // not a session directory
		}
		var meta Metadata
		if err := json.Unmarshal(data, &meta); err != nil {
			continue
		}
		start, _ := time.Parse(time.RFC3339, meta.StartTime)
		infos = append(infos, SessionInfo{
			SessionID:   meta.SessionID,
			StartTime:   start,
			TotalBlocks: meta.TotalBlocks,
			Converted:   s.IsConverted(meta.SessionID),
		})
	}

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].StartTime.After(infos[j].StartTime)
	})
	return infos, nil
}

// ListProcessed lists the session IDs with a processed database.
func (s *Store) ListProcessed() ([]string, error) {
	entries, err := os.ReadDir(s.processedRoot)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list processed sessions: %w", err)
	}

	var ids []string
	for _, e := range entries {
		if name := e.Name(); strings.HasSuffix(name, ".db") {
			ids = append(ids, strings.TrimSuffix(name, ".db"))
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(ids)))
	return ids, nil
}

// ProcessedPath returns where a session's converted database lives.
func (s *Store) ProcessedPath(sessionID string) string {
	return filepath.Join(s.processedRoot, sessionID+".db")
}

// IsConverted reports whether the session has a processed database.
func (s *Store) IsConverted(sessionID string) bool {
	_, err := os.Stat(s.ProcessedPath(sessionID))
	return err == nil
}

// DeleteRaw removes a raw session directory.
func (s *Store) DeleteRaw(sessionID string) error {
	dir := filepath.Join(s.rawRoot, sessionID)
	if _, err := os.Stat(filepath.Join(dir, "metadata.json")); err != nil {
		return fmt.Errorf("session %s not found: %w", sessionID, err)
	}
	return os.RemoveAll(dir)
}

// DeleteProcessed removes a session's converted database if present.
func (s *Store) DeleteProcessed(sessionID string) error {
	err := os.Remove(s.ProcessedPath(sessionID))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// CleanupOlderThan deletes raw sessions whose start time is older than the
// given age. Returns the deleted session IDs.
func (s *Store) CleanupOlderThan(age time.Duration, now time.Time) ([]string, error) {
	infos, err := s.ListRaw()
	if err != nil {
		return nil, err
	}

	var deleted []string
	cutoff := now.Add(-age)
	for _, info := range infos {
		if info.StartTime.IsZero() || info.StartTime.After(cutoff) {
			continue
		}
		if err := s.DeleteRaw(info.SessionID); err != nil {
			return deleted, fmt.Errorf("delete %s: %w", info.SessionID, err)
		}
		deleted = append(deleted, info.SessionID)
	}
	return deleted, nil
}

// Session is one open raw session directory.
type Session struct {
	dir  string
	meta Metadata
}

// Dir returns the session directory.
func (s *Session) Dir() string { return s.dir }

// BlocksDir returns the per-block file directory.
func (s *Session) BlocksDir() string { return filepath.Join(s.dir, "blocks") }

// ManifestPath returns the manifest file path.
func (s *Session) ManifestPath() string { return filepath.Join(s.dir, "manifest.jsonl") }

// FailureLogPath returns the failed-transcription side log path.
func (s *Session) FailureLogPath() string { return filepath.Join(s.dir, "failures.jsonl") }

// EventLogPath returns the pipeline event log path.
func (s *Session) EventLogPath() string { return filepath.Join(s.dir, "events.jsonl") }

// Metadata returns a copy of the session metadata.
func (s *Session) Metadata() Metadata { return s.meta }

// Finalize records the session end time and block count.
func (s *Session) Finalize(end time.Time, totalBlocks int) error {
	s.meta.EndTime = end.Format(time.RFC3339)
	s.meta.TotalBlocks = totalBlocks
	return s.writeMetadata()
}

// writeMetadata writes metadata.json through a temp file and rename so a
// crash never leaves it truncated.
func (s *Session) writeMetadata() error {
	data, err := json.MarshalIndent(s.meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	tmp := filepath.Join(s.dir, "metadata.json.tmp")
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(s.dir, "metadata.json")); err != nil {
		return fmt.Errorf("commit metadata: %w", err)
	}
	return nil
}

// SweepTemp removes orphan *.tmp files under the session left behind by a
// crash mid-write. Returns how many were removed.
func (s *Session) SweepTemp() (int, error) {
	matches, err := filepath.Glob(filepath.Join(s.BlocksDir(), "*.tmp"))
	if err != nil {
		return 0, err
	}
	if more, err := filepath.Glob(filepath.Join(s.dir, "*.tmp")); err == nil {
		matches = append(matches, more...)
	}

	removed := 0
	for _, m := range matches {
		if err := os.Remove(m); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

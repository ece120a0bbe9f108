package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// ManifestEntry is one append-only manifest row. An entry for sequence n
// guarantees the audio and transcript files for blocks 0..n exist and are
// complete; offsets and durations are derived from sample counts at append
// time, never wall clocks.
type ManifestEntry struct {
	Seq        int       `json:"seq"`
	StartMs    int64     `json:"start_ms"`
	DurationMs int64     `json:"duration_ms"`
	Frames     int       `json:"frames"`
	Status     string    `json:"status"`
	Audio      string    `json:"audio"`
	Transcript string    `json:"transcript"`
	Language   string    `json:"language,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

// FailureEntry is one row of the failed-transcription side log, kept for
// out-of-band reprocessing.
type FailureEntry struct {
	Seq        int       `json:"seq"`
	Audio      string    `json:"audio"`
	Error      string    `json:"error"`
	OccurredAt time.Time `json:"occurred_at"`
}

// AppendManifest appends one entry and syncs it to disk before returning,
// so a committed entry survives a crash.
func (s *Session) AppendManifest(e ManifestEntry) error {
	return appendJSONL(s.ManifestPath(), e)
}

// AppendFailure appends one entry to the failure side log.
func (s *Session) AppendFailure(e FailureEntry) error {
	return appendJSONL(s.FailureLogPath(), e)
}

// ReadManifest returns all committed manifest entries in append order.
// A trailing torn line (crash mid-append) is skipped, not an error.
func (s *Session) ReadManifest() ([]ManifestEntry, error) {
	f, err := os.Open(s.ManifestPath())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open manifest: %w", err)
	}
	defer f.Close()

	var entries []ManifestEntry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var e ManifestEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			break
		}
		entries = append(entries, e)
	}
	if err := sc.Err(); err != nil {
		return entries, fmt.Errorf("read manifest: %w", err)
	}
	return entries, nil
}

func appendJSONL(path string, v any) error {
	line, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append to %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync %s: %w", path, err)
	}
	return nil
}

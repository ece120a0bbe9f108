// Package classify turns raw capture sessions into an annotatable form: a
// per-session SQLite database an operator tags block by block. It consumes
// only the files the listener writes (manifest, metadata, per-block audio
// and transcripts) — that on-disk format is the whole contract between the
// two subsystems.
package classify

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/lmercier/radioscribe/internal/store"
)

// BlockRecord is one block as the classifier sees it.
type BlockRecord struct {
	Number        int
	Timestamp     string
	AudioPath     string // relative to the session directory
	Transcription string
	Status        string
}

// ReadBlocks loads a session's blocks, preferring the manifest and falling
// back to scanning the blocks directory for sessions that predate it or
// lost it.
func ReadBlocks(sess *store.Session) ([]BlockRecord, error) {
	entries, err := sess.ReadManifest()
	if err != nil {
		return nil, err
	}
	if len(entries) > 0 {
		return blocksFromManifest(sess, entries), nil
	}
	return blocksFromScan(sess)
}

func blocksFromManifest(sess *store.Session, entries []store.ManifestEntry) []BlockRecord {
	sessionStart, _ := time.Parse(time.RFC3339, sess.Metadata().StartTime)

	records := make([]BlockRecord, 0, len(entries))
	for _, e := range entries {
		rec := BlockRecord{
			Number:    e.Seq,
			AudioPath: e.Audio,
			Status:    e.Status,
		}
		if ts, _, text, err := parseTranscriptFile(filepath.Join(sess.Dir(), e.Transcript)); err == nil {
			rec.Timestamp = ts
			rec.Transcription = text
		}
		if rec.Timestamp == "" && !sessionStart.IsZero() {
			rec.Timestamp = sessionStart.Add(time.Duration(e.StartMs) * time.Millisecond).Format(time.RFC3339)
		}
		records = append(records, rec)
	}
	return records
}

// blocksFromScan globs block_*.wav and pairs each with its transcript,
// using the audio file's mtime when no timestamp header is present.
func blocksFromScan(sess *store.Session) ([]BlockRecord, error) {
	wavs, err := filepath.Glob(filepath.Join(sess.BlocksDir(), "block_*.wav"))
	if err != nil {
		return nil, err
	}
	sort.Strings(wavs)

	var records []BlockRecord
	for _, wav := range wavs {
		base := strings.TrimSuffix(filepath.Base(wav), ".wav")
		num, err := strconv.Atoi(strings.TrimPrefix(base, "block_"))
		if err != nil {
			continue
		}

		rec := BlockRecord{
			Number:    num,
			AudioPath: filepath.Join("blocks", filepath.Base(wav)),
			Status:    "ok",
		}
		txtPath := filepath.Join(sess.BlocksDir(), base+".txt")
		if ts, _, text, err := parseTranscriptFile(txtPath); err == nil {
			rec.Timestamp = ts
			rec.Transcription = text
		}
		if rec.Timestamp == "" {
			if info, err := os.Stat(wav); err == nil {
				rec.Timestamp = info.ModTime().Format(time.RFC3339)
			}
		}
		records = append(records, rec)
	}
	return records, nil
}

// parseTranscriptFile reads the listener's transcript format: `# key:
// value` headers, then a `## Full Transcription` section up to the next
// section or end of file.
func parseTranscriptFile(path string) (timestamp, language, text string, err error) {
	f, err := os.Open(path)
	if err != nil {
		return "", "", "", err
	}
	defer f.Close()

	var body strings.Builder
	inTranscription := false

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "# Timestamp:"):
			timestamp = strings.TrimSpace(strings.TrimPrefix(line, "# Timestamp:"))
		case strings.HasPrefix(line, "# Language:"):
			language = strings.TrimSpace(strings.TrimPrefix(line, "# Language:"))
		case strings.HasPrefix(line, "## Full Transcription"):
			inTranscription = true
		case strings.HasPrefix(line, "## "):
			inTranscription = false
		case inTranscription:
			if body.Len() > 0 {
				body.WriteString("\n")
			}
			body.WriteString(line)
		}
	}
	if err := sc.Err(); err != nil {
		return "", "", "", fmt.Errorf("read transcript %s: %w", path, err)
	}
	return timestamp, language, strings.TrimSpace(body.String()), nil
}

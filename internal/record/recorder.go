// Package record persists finished blocks: audio, transcript, manifest
// row. It is the only writer to the session directory while the pipeline
// runs, and the only place that knows the transcript file format.
package record

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lmercier/radioscribe/internal/eventlog"
	"github.com/lmercier/radioscribe/internal/pcm"
	"github.com/lmercier/radioscribe/internal/segment"
	"github.com/lmercier/radioscribe/internal/stats"
	"github.com/lmercier/radioscribe/internal/store"
	"github.com/lmercier/radioscribe/internal/transcribe"
)

// Recorder writes one block at a time. Write order is the crash-safety
// contract: both payload files are written to temp paths and renamed into
// place before the manifest row is appended, so a crash at any point
// leaves orphan temp files but never a manifest entry pointing at missing
// or truncated content.
type Recorder struct {
	sess         *store.Session
	format       pcm.Format
	sessionStart time.Time
	collector    *stats.Collector
	events       *eventlog.Logger
	logger       *log.Logger

	recorded int
}

// New creates a recorder for an open session. collector and events may be
// nil.
func New(sess *store.Session, format pcm.Format, collector *stats.Collector, events *eventlog.Logger, logger *log.Logger) *Recorder {
	start, _ := time.Parse(time.RFC3339, sess.Metadata().StartTime)
	return &Recorder{
		sess:         sess,
		format:       format,
		sessionStart: start,
		collector:    collector,
		events:       events,
		logger:       logger,
	}
}

// Recorded returns how many blocks have been committed to the manifest.
func (r *Recorder) Recorded() int { return r.recorded }

// Finalize stamps the session metadata with the end time and the number of
// blocks actually committed.
func (r *Recorder) Finalize(end time.Time) error {
	return r.sess.Finalize(end, r.recorded)
}

// Record persists one transcribed block. transcribeErr marks the block
// failed: its audio is still written (audio is higher-value than its
// transcript) with an empty transcript file, and the failure goes to the
// side log for later reprocessing. Only I/O errors are returned; they are
// fatal to the session.
func (r *Recorder) Record(b segment.Block, res transcribe.Result, transcribeErr error) error {
	status := b.Status
	if transcribeErr != nil {
		status = segment.StatusFailed
		res = transcribe.Result{Language: res.Language}
	}

	blockID := fmt.Sprintf("block_%04d", b.Seq)
	audioName := blockID + ".wav"
	textName := blockID + ".txt"
	audioPath := filepath.Join(r.sess.BlocksDir(), audioName)
	textPath := filepath.Join(r.sess.BlocksDir(), textName)

	if err := pcm.WriteWAV(audioPath+".tmp", b.PCM, r.format); err != nil {
		return fmt.Errorf("write audio for block %d: %w", b.Seq, err)
	}
	if err := r.writeTranscript(textPath+".tmp", b, res); err != nil {
		return fmt.Errorf("write transcript for block %d: %w", b.Seq, err)
	}
	if err := os.Rename(audioPath+".tmp", audioPath); err != nil {
		return fmt.Errorf("commit audio for block %d: %w", b.Seq, err)
	}
	if err := os.Rename(textPath+".tmp", textPath); err != nil {
		return fmt.Errorf("commit transcript for block %d: %w", b.Seq, err)
	}

	entry := store.ManifestEntry{
		Seq:        b.Seq,
		StartMs:    b.Start(r.format).Milliseconds(),
		DurationMs: b.Duration(r.format).Milliseconds(),
		Frames:     b.Frames,
		Status:     string(status),
		Audio:      filepath.Join("blocks", audioName),
		Transcript: filepath.Join("blocks", textName),
		Language:   res.Language,
		RecordedAt: time.Now().UTC(),
	}
	if err := r.sess.AppendManifest(entry); err != nil {
		return fmt.Errorf("append manifest for block %d: %w", b.Seq, err)
	}
	r.recorded++

	if transcribeErr != nil {
		if err := r.sess.AppendFailure(store.FailureEntry{
			Seq:        b.Seq,
			Audio:      entry.Audio,
			Error:      transcribeErr.Error(),
			OccurredAt: time.Now().UTC(),
		}); err != nil {
			r.logger.Printf("recorder: failure log append for block %d: %v", b.Seq, err)
		}
		r.events.LogAsync(eventlog.EventTranscriptionFailed, map[string]any{
			"seq":   b.Seq,
			"error": transcribeErr.Error(),
		})
	}

	if r.collector != nil {
		r.collector.BlockRecorded(string(status), b.Duration(r.format), res.Text)
	}
	r.events.LogAsync(eventlog.EventBlockRecorded, map[string]any{
		"seq":    b.Seq,
		"status": string(status),
	})
	r.logger.Printf("recorder: block %d recorded (%s, %v)", b.Seq, status, b.Duration(r.format))
	return nil
}

// writeTranscript writes the block's transcript file:
//
//	# Timestamp: <RFC3339 block start>
//	# Language: <language>
//	# Segments: <n>
//
//	## Full Transcription
//	<text>
//
//	## Segments
//	[0.00s - 4.20s] segment text
//
// Failed blocks get the same header with zero segments and empty text so
// every manifest entry references two existing files.
func (r *Recorder) writeTranscript(path string, b segment.Block, res transcribe.Result) error {
	var sb strings.Builder

	blockStart := r.sessionStart.Add(b.Start(r.format))
	fmt.Fprintf(&sb, "# Timestamp: %s\n", blockStart.Format(time.RFC3339))
	fmt.Fprintf(&sb, "# Language: %s\n", res.Language)
	fmt.Fprintf(&sb, "# Segments: %d\n", len(res.Segments))
	sb.WriteString("\n## Full Transcription\n")
	sb.WriteString(res.Text)
	sb.WriteString("\n")

	if len(res.Segments) > 0 {
		sb.WriteString("\n## Segments\n")
		for _, seg := range res.Segments {
			fmt.Fprintf(&sb, "[%.2fs - %.2fs] %s\n",
				seg.Start.Seconds(), seg.End.Seconds(), seg.Text)
		}
	}

	return os.WriteFile(path, []byte(sb.String()), 0o644)
}

// Package console renders the listener's live status line. It polls the
// stats collector on a throttled interval so status reporting never costs
// meaningful CPU.
package console

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/lmercier/radioscribe/internal/stats"
)

// Display periodically writes a one-line status to out. Start/Stop bracket
// a background ticker goroutine.
type Display struct {
	out       io.Writer
	collector *stats.Collector
	sessionID string
	interval  time.Duration
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// New creates a display. interval is clamped to at least 500ms to keep the
// repaint cost negligible.
func New(out io.Writer, collector *stats.Collector, sessionID string, interval time.Duration) *Display {
	if interval < 500*time.Millisecond {
		interval = 500 * time.Millisecond
	}
	return &Display{
		out:       out,
		collector: collector,
		sessionID: sessionID,
		interval:  interval,
		stopCh:    make(chan struct{}),
	}
}

// Start begins the background repaint loop.
func (d *Display) Start() {
	d.wg.Add(1)
	go d.run()
}

// Stop halts the repaint loop and prints the final summary.
func (d *Display) Stop() {
	close(d.stopCh)
	d.wg.Wait()
	fmt.Fprintln(d.out)
	fmt.Fprint(d.out, Summary(d.sessionID, d.collector.Snapshot()))
}

func (d *Display) run() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.repaint()
		case <-d.stopCh:
			return
		}
	}
}

func (d *Display) repaint() {
	s := d.collector.Snapshot()
	// \r keeps the status on one line; the trailing spaces clear leftovers
	// from a longer previous paint.
	fmt.Fprintf(d.out, "\r%s    ", StatusLine(d.sessionID, s))
}

// StatusLine formats one status snapshot for the live line.
func StatusLine(sessionID string, s stats.Snapshot) string {
	line := fmt.Sprintf("[%s] %s | blocs: %d", sessionID, s.State, s.BlocksRecorded)
	if s.FailedBlocks > 0 {
		line += fmt.Sprintf(" (%d échec)", s.FailedBlocks)
	}
	line += fmt.Sprintf(" | file: %d/%d | lu: %s", s.QueueLen, s.QueueCap, FormatBytes(s.BytesRead))
	if s.CPUPercent > 0 || s.RSSBytes > 0 {
		line += fmt.Sprintf(" | cpu: %.1f%% ram: %s", s.CPUPercent, FormatBytes(int64(s.RSSBytes)))
	}
	if s.LastTranscript != "" {
		line += " | " + Truncate(s.LastTranscript, 40)
	}
	return line
}

// Summary formats the end-of-session report.
func Summary(sessionID string, s stats.Snapshot) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Session %s terminée (%s)\n", sessionID, s.State)
	fmt.Fprintf(&sb, "  blocs enregistrés : %d (ok: %d, partiels: %d, échecs: %d)\n",
		s.BlocksRecorded, s.OKBlocks(), s.PartialBlocks, s.FailedBlocks)
	fmt.Fprintf(&sb, "  audio capturé     : %s\n", s.AudioCaptured.Round(time.Second))
	fmt.Fprintf(&sb, "  données lues      : %s\n", FormatBytes(s.BytesRead))
	fmt.Fprintf(&sb, "  reconnexions      : %d\n", s.Reconnects)
	fmt.Fprintf(&sb, "  durée d'exécution : %s\n", s.Uptime.Round(time.Second))
	return sb.String()
}

// FormatBytes renders a byte count with a binary unit suffix.
func FormatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

// Truncate shortens s to max runes, appending an ellipsis when cut.
func Truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max-1]) + "…"
}

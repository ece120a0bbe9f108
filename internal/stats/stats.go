// Package stats tracks live pipeline counters for status reporting. The
// collector is the only shared state outside the stage queues; everything
// here is cheap enough to read twice a second.
package stats

import (
	"os"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// Collector accumulates pipeline progress counters. All methods are safe
// for concurrent use.
type Collector struct {
	mu sync.Mutex

	state          string
	startTime      time.Time
	bytesRead      int64
	blocksRecorded int
	partialBlocks  int
	failedBlocks   int
	reconnects     int
	queueLen       int
	queueCap       int
	audioCaptured  time.Duration
	lastTranscript string

	proc *process.Process
}

// NewCollector creates a collector for the current process.
func NewCollector() *Collector {
	c := &Collector{startTime: time.Now()}
	// Process metrics are best effort; a lookup failure just leaves them zero.
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		c.proc = p
	}
	return c
}

// SetState records the pipeline state for display.
func (c *Collector) SetState(state string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = state
}

// AddBytesRead counts raw PCM bytes pulled from the stream.
func (c *Collector) AddBytesRead(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bytesRead += int64(n)
}

// BlockRecorded counts one durably persisted block.
func (c *Collector) BlockRecorded(status string, audio time.Duration, transcript string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blocksRecorded++
	c.audioCaptured += audio
	switch status {
	case "partial":
		c.partialBlocks++
	case "failed":
		c.failedBlocks++
	}
	if transcript != "" {
		c.lastTranscript = transcript
	}
}

// Reconnected counts one successful stream reopen.
func (c *Collector) Reconnected() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reconnects++
}

// SetQueue records the transcription queue fill level.
func (c *Collector) SetQueue(length, capacity int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queueLen = length
	c.queueCap = capacity
}

// Snapshot is a point-in-time copy of the counters plus process metrics.
type Snapshot struct {
	State          string
	Uptime         time.Duration
	BytesRead      int64
	BlocksRecorded int
	PartialBlocks  int
	FailedBlocks   int
	Reconnects     int
	QueueLen       int
	QueueCap       int
	AudioCaptured  time.Duration
	LastTranscript string
	CPUPercent     float64
	RSSBytes       uint64
}

// Snapshot returns the current counters. CPU and RSS come from the OS and
// are zero when unavailable.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	s := Snapshot{
		State:          c.state,
		Uptime:         time.Since(c.startTime),
		BytesRead:      c.bytesRead,
		BlocksRecorded: c.blocksRecorded,
		PartialBlocks:  c.partialBlocks,
		FailedBlocks:   c.failedBlocks,
		Reconnects:     c.reconnects,
		QueueLen:       c.queueLen,
		QueueCap:       c.queueCap,
		AudioCaptured:  c.audioCaptured,
		LastTranscript: c.lastTranscript,
	}
	proc := c.proc
	c.mu.Unlock()

	if proc != nil {
		if cpu, err := proc.CPUPercent(); err == nil {
			s.CPUPercent = cpu
		}
		if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
			s.RSSBytes = mem.RSS
		}
	}
	return s
}

// CaptureRatio returns captured audio time over elapsed wall time, the
// figure that shows whether transcription keeps up with the stream. Zero
// uptime yields zero.
func (s Snapshot) CaptureRatio() float64 {
	if s.Uptime <= 0 {
		return 0
	}
	return float64(s.AudioCaptured) / float64(s.Uptime)
}

// OKBlocks returns the count of fully captured, transcribed blocks.
func (s Snapshot) OKBlocks() int {
	return s.BlocksRecorded - s.PartialBlocks - s.FailedBlocks
}

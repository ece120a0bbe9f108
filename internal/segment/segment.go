// Package segment cuts the continuous PCM stream into fixed-duration blocks.
package segment

import (
	"time"

	"github.com/lmercier/radioscribe/internal/pcm"
)

// Status describes how completely a block was captured and transcribed.
type Status string

const (
	// StatusOK is a fully captured block. The final block of a cleanly
	// ended stream keeps this status even when its duration is short.
	StatusOK Status = "ok"
	// StatusPartial is a block cut short because the stream dropped
	// mid-block.
	StatusPartial Status = "partial"
	// StatusFailed is a block whose transcription errored. The audio is
	// still kept.
	StatusFailed Status = "failed"
)

// Block is the unit of work flowing through the pipeline: one slice of
// captured audio, later paired with its transcript and persisted.
type Block struct {
	Seq        int    // zero-based, contiguous within a session
	StartFrame int    // offset from session start, in sample frames
	Frames     int    // actual length in sample frames
	PCM        []byte // s16le payload, len = Frames * format frame size
	Status     Status
}

// Start returns the block's offset from session start as a duration.
func (b Block) Start(f pcm.Format) time.Duration {
	return f.DurationOfFrames(b.StartFrame)
}

// Duration returns the block's actual play time.
func (b Block) Duration(f pcm.Format) time.Duration {
	return f.DurationOfFrames(b.Frames)
}

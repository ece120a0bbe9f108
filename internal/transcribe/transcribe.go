// Package transcribe abstracts the opaque speech-to-text capability: given
// one block's PCM audio, return its text plus language metadata. Backends
// may be slower than real time; the pipeline bounds them with a per-block
// timeout and treats an exceeded deadline as a model failure.
package transcribe

import (
	"context"
	"errors"
	"time"
)

// ErrModelFailure means the transcription capability errored. The block's
// audio is still recorded; only its transcript is lost.
var ErrModelFailure = errors.New("transcription model failure")

// ErrInvalidAudio means the input could not be interpreted as audio at all.
var ErrInvalidAudio = errors.New("invalid audio input")

// Segment is one timed piece of a block's transcript. Offsets are relative
// to the start of the block, not the session.
type Segment struct {
	Start time.Duration
	End   time.Duration
	Text  string
}

// Result is a finished transcription. Text is empty (never absent) when no
// speech was detected. Language is the detected language, or the hint when
// the backend does not detect one.
type Result struct {
	Text     string
	Language string
	Segments []Segment
}

// Transcriber converts one block of s16le PCM into text. Implementations
// must honor ctx cancellation. Errors wrap ErrModelFailure or
// ErrInvalidAudio.
type Transcriber interface {
	Transcribe(ctx context.Context, pcmData []byte, languageHint string) (Result, error)
}

// AllowedModels are the recognized local model sizes, smallest first.
var AllowedModels = []string{"tiny", "base", "small", "medium", "large"}

// ValidModel reports whether name is a recognized local model size.
func ValidModel(name string) bool {
	for _, m := range AllowedModels {
		if m == name {
			return true
		}
	}
	return false
}
